package main

import (
	"context"
	"errors"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"decora-wifi/internal/application"
	"decora-wifi/internal/flow"
	"decora-wifi/internal/infra/httpapi"
	"decora-wifi/internal/infra/mqtt"
)

const pollTick = 5 * time.Second

func newServeCmd(load func() (*app, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Set up every config entry and keep it in sync",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := load()
			if err != nil {
				return err
			}
			return a.serve(cmd.Context())
		},
	}
}

func (a *app) serve(ctx context.Context) error {
	var host application.Host = application.NoopHost{}
	if a.cfg.MQTT.Enabled {
		mqttHost, err := mqtt.Connect(ctx, mqtt.Config{
			Broker:          a.cfg.MQTT.Broker,
			ClientID:        a.cfg.MQTT.ClientID,
			Username:        a.cfg.MQTT.Username,
			Password:        a.cfg.MQTT.Password,
			DiscoveryPrefix: a.cfg.MQTT.DiscoveryPrefix,
			TopicPrefix:     a.cfg.MQTT.TopicPrefix,
		}, a.logger)
		if err != nil {
			return err
		}
		defer mqttHost.Close()
		host = mqttHost
	}

	integration := a.newIntegration(host)

	a.importLegacyAccount(ctx)

	if err := integration.SetupAll(ctx); err != nil {
		a.logger.Error("some config entries failed to set up, entries that are not ready will be retried", "error", err)
	}

	a.logger.Info("starting decora wifi bridge",
		"entries", len(a.store.Entries()),
		"mqtt", a.cfg.MQTT.Enabled,
		"http", a.cfg.HTTP.Enabled,
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return integration.Run(gctx, pollTick)
	})

	if a.cfg.HTTP.Enabled {
		server := httpapi.NewServer(a.cfg.HTTP.Addr, a.cfg.HTTP.AuthToken, a.flows, a.store, integration, a.logger)
		g.Go(func() error {
			return server.Run(gctx)
		})
	}

	err := g.Wait()

	a.logger.Info("shutting down")
	closeCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if cerr := integration.Close(closeCtx); cerr != nil {
		a.logger.Warn("unloading entries", "error", cerr)
	}

	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// importLegacyAccount turns credentials from the config file into a config
// entry the first time they are seen.
func (a *app) importLegacyAccount(ctx context.Context) {
	if !a.cfg.Decora.HasAccount() {
		return
	}
	if _, found := a.store.FindByUniqueID(a.cfg.Decora.Username); found {
		return
	}

	res, err := a.flows.Init(ctx, flow.SourceImport, &flow.Credentials{
		Username: a.cfg.Decora.Username,
		Password: a.cfg.Decora.Password,
	})
	if err != nil {
		a.logger.Error("importing account from config", "error", err)
		return
	}

	switch res.Type {
	case flow.ResultCreateEntry:
		a.logger.Info("imported account from config", "title", res.Title)
	case flow.ResultForm:
		a.logger.Error("importing account from config failed", "errors", res.Errors)
	default:
		a.logger.Info("account import aborted", "reason", res.Reason)
	}
}
