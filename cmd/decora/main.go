package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lmittmann/tint"
	"github.com/spf13/cobra"

	"decora-wifi/config"
	"decora-wifi/internal/application"
	"decora-wifi/internal/flow"
	"decora-wifi/internal/infra/homeassistant"
	"decora-wifi/internal/infra/pushover"
	"decora-wifi/internal/platform"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		cancel()
		os.Exit(1)
	}
}

// app is the wiring shared by every subcommand.
type app struct {
	cfg         *config.Config
	logger      *slog.Logger
	store       *flow.FileStore
	sessions    platform.SessionFactory
	flows       *flow.Manager
	notifier    application.Notifier
	integration *application.Integration
}

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:          "decora",
		Short:        "Bridge myLeviton Decora Wifi switches to Home Assistant",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "config.yaml", "path to config file")

	load := func() (*app, error) {
		return newApp(configPath)
	}

	root.AddCommand(
		newServeCmd(load),
		newSetupCmd(load),
		newReauthCmd(load),
		newEntriesCmd(load),
		newLightsCmd(load),
		newSwitchCmd(load, true),
		newSwitchCmd(load, false),
	)
	return root
}

// The Home Assistant notifier clears its notification once reauth succeeds.
var _ application.Dismisser = (*homeassistant.Client)(nil)

func newApp(configPath string) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	logger := setupLogger(cfg.Log)

	store, err := flow.OpenFileStore(cfg.Storage.Path)
	if err != nil {
		return nil, fmt.Errorf("opening entry store: %w", err)
	}

	a := &app{
		cfg:      cfg,
		logger:   logger,
		store:    store,
		sessions: platform.NewSessionFactory(cfg.Decora.BaseURL),
	}

	a.flows = flow.NewManager(store, flow.PlatformValidator{Sessions: a.sessions, Logger: logger}, logger)

	var notifiers application.Notifiers
	if cfg.Pushover.Enabled {
		notifiers = append(notifiers, pushover.NewClient(cfg.Pushover.Token, cfg.Pushover.UserKey, logger))
	}
	if cfg.HomeAssistant.Enabled {
		notifiers = append(notifiers, homeassistant.NewClient(cfg.HomeAssistant.URL, cfg.HomeAssistant.Token))
	}
	if len(notifiers) > 0 {
		a.notifier = notifiers
	} else {
		a.notifier = &application.NoopNotifier{}
	}
	return a, nil
}

// newIntegration builds the runtime publishing to host. Flows that finish a
// reauth reload the affected entry through it.
func (a *app) newIntegration(host application.Host) *application.Integration {
	newPlatform := func(email, password string) *platform.Platform {
		return platform.New(email, password, a.sessions, a.logger)
	}
	a.integration = application.NewIntegration(
		a.store,
		newPlatform,
		host,
		a.notifier,
		a.cfg.Decora.ScanIntervalDuration(),
		a.logger,
	)
	a.flows.OnReauth(a.integration.ReloadEntry)
	return a.integration
}

func setupLogger(cfg config.LogConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	} else {
		handler = tint.NewHandler(os.Stderr, &tint.Options{
			Level:      level,
			TimeFormat: time.TimeOnly,
		})
	}

	return slog.New(handler)
}
