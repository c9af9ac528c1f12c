package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"fireball/internal/config"
	"fireball/internal/defcon"
	"fireball/internal/docker"
	"fireball/internal/history"
	"fireball/internal/metrics"
	"fireball/internal/notify"
	"fireball/internal/outcome"
	"fireball/internal/repo"
	"fireball/internal/runtime"
	"fireball/internal/siren"
	"fireball/internal/web"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the orchestrator daemon",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	// the daemon is the only mode, make it the default
	rootCmd.RunE = runServe
}

func newLogger(cfg *config.Config) *slog.Logger {
	var handler slog.Handler
	if cfg.ProdMode {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})
	} else {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug})
	}
	if cfg.LogWebhookURL != "" {
		handler = notify.NewWebhookHandler(handler, notify.NewWebhookNotifier(cfg.LogWebhookURL))
	}
	return slog.New(handler)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}

	logger := newLogger(cfg)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	engine, err := docker.NewClient(cfg.DockerSocket)
	if err != nil {
		return err
	}
	defer engine.Close()
	if err := engine.CheckDaemon(ctx); err != nil {
		return err
	}

	watcher, err := repo.New(cfg.RepoPath, cfg.RepoBranch, logger)
	if err != nil {
		return err
	}

	scoring := siren.NewClient(cfg.ScoringURL)
	game := defcon.NewClient(cfg.GameAPIURL)
	if !game.Enabled() {
		logger.Warn("game api url not configured, flags will not be submitted upstream")
	}

	m := metrics.New()

	var journal *history.Store
	if cfg.JournalPath != "" {
		journal, err = history.Open(cfg.JournalPath)
		if err != nil {
			return err
		}
		defer journal.Close()
	}

	// a plain nil *history.Store must stay a nil interface downstream
	var journalSink outcome.Journal
	var historyView web.History
	if journal != nil {
		journalSink = journal
		historyView = journal
	}

	gateway := outcome.NewGateway(scoring, game, journalSink, cfg.CurrentTeamSlug, logger, m)

	core := runtime.New(watcher, engine, scoring, gateway, logger, m,
		cfg.PollInterval, cfg.MaxRunningContainers)
	if err := core.Connect(ctx); err != nil {
		return fmt.Errorf("failed to bootstrap: %w", err)
	}
	core.Start(ctx)
	defer core.Disconnect()

	server := web.NewServer(core, historyView, m.Handler(), logger)
	if err := server.Serve(ctx, cfg.ListenAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}

	logger.Info("shutdown complete")
	return nil
}
