package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "fireball",
	Short: "Exploit execution orchestrator for attack/defense CTFs",
	Long: `Fireball watches a git repository of exploits, builds each one into a
container image, and runs them against every opposing team each game round.
Captured flags are submitted upstream and every outcome is reported back to
the scoring backend.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the CLI. Called once from main.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "",
		"config file (default is ./fireball.yaml)")
}
