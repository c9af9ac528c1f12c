package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config is the full configuration surface of the orchestrator. There are no
// other knobs; anything else is hardcoded or derived.
type Config struct {
	DockerSocket         string
	ScoringURL           string
	GameAPIURL           string // empty disables upstream flag submission
	RepoPath             string
	RepoBranch           string
	PollInterval         time.Duration
	MaxRunningContainers int
	CurrentTeamSlug      string
	ListenAddr           string
	JournalPath          string // empty disables the local journal
	LogWebhookURL        string
	ProdMode             bool
}

// Load initializes the configuration from an optional config file, a .env
// file, and FIREBALL_-prefixed environment variables.
func Load(cfgFile string) (*Config, error) {
	// explicit .env loading; missing file is fine
	_ = godotenv.Load()

	v := viper.New()
	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.AddConfigPath(".")
		v.SetConfigType("yaml")
		v.SetConfigName("fireball")
	}

	v.SetEnvPrefix("FIREBALL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("docker_socket", "unix:///var/run/docker.sock")
	v.SetDefault("repo_branch", "master")
	v.SetDefault("poll_interval_seconds", 10)
	v.SetDefault("max_running_containers", 30)
	v.SetDefault("listen_addr", "127.0.0.1:8008")
	v.SetDefault("journal_path", "fireball.db")
	v.SetDefault("prod_mode", false)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && cfgFile != "" {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	cfg := &Config{
		DockerSocket:         v.GetString("docker_socket"),
		ScoringURL:           v.GetString("scoring_url"),
		GameAPIURL:           v.GetString("game_api_url"),
		RepoPath:             v.GetString("repo_path"),
		RepoBranch:           v.GetString("repo_branch"),
		PollInterval:         time.Duration(v.GetInt("poll_interval_seconds")) * time.Second,
		MaxRunningContainers: v.GetInt("max_running_containers"),
		CurrentTeamSlug:      v.GetString("current_team_slug"),
		ListenAddr:           v.GetString("listen_addr"),
		JournalPath:          v.GetString("journal_path"),
		LogWebhookURL:        v.GetString("log_webhook_url"),
		ProdMode:             v.GetBool("prod_mode"),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.ScoringURL == "" {
		return fmt.Errorf("scoring_url is required")
	}
	if c.RepoPath == "" {
		return fmt.Errorf("repo_path is required")
	}
	if c.CurrentTeamSlug == "" {
		return fmt.Errorf("current_team_slug is required")
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("poll_interval_seconds must be positive")
	}
	if c.MaxRunningContainers <= 0 {
		return fmt.Errorf("max_running_containers must be positive")
	}
	return nil
}
