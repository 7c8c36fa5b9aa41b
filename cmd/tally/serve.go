package main

import (
	"context"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/tallypay/tally/internal/api"
	"github.com/tallypay/tally/internal/config"
	"github.com/tallypay/tally/internal/events"
	"github.com/tallypay/tally/internal/keeper"
	"github.com/tallypay/tally/internal/lifecycle"
	"github.com/tallypay/tally/internal/logging"
	"github.com/tallypay/tally/internal/metrics"
	"github.com/tallypay/tally/internal/store"
	"github.com/tallypay/tally/internal/websocket"
)

const gaugeRefreshInterval = 30 * time.Second

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the keeper, query API, event feed and metrics endpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig("tally")
			if err != nil {
				return err
			}
			return runServe(cmd.Context(), cfg)
		},
	}
}

func runServe(ctx context.Context, cfg *config.Config) error {
	log.Info().
		Str("version", Version).
		Str("dataDir", cfg.DataDir).
		Str("delegateScope", cfg.DelegateScope.String()).
		Bool("keeper", cfg.KeeperEnabled).
		Msg("Starting Tally")

	st, err := store.OpenSQLite(cfg.DataDir)
	if err != nil {
		return err
	}
	defer st.Close()

	journal, err := events.OpenJournal(events.JournalConfig{DataDir: cfg.DataDir, SigningKey: cfg.JournalKey})
	if err != nil {
		return err
	}
	defer journal.Close()

	hub := websocket.NewHub(cfg.FeedOrigins...)
	sinks := events.NewMulti(events.LogSink{}, journal, metrics.Recorder{}, hub)
	if cfg.NATSURL != "" {
		natsSink, conn, err := events.ConnectNATS(cfg.NATSURL)
		if err != nil {
			return err
		}
		defer func() {
			if err := conn.Drain(); err != nil {
				log.Warn().Err(err).Msg("Failed to drain NATS connection")
			}
		}()
		sinks.Add(natsSink)
		log.Info().Str("url", cfg.NATSURL).Msg("Publishing events to NATS")
	}

	ctrl := lifecycle.New(st,
		lifecycle.WithDelegateScope(cfg.DelegateScope),
		lifecycle.WithSink(sinks),
		lifecycle.WithObserver(metrics.Recorder{}),
	)

	apiServer := api.NewServer(ctrl,
		api.WithJournal(journal),
		api.WithFeed(http.HandlerFunc(hub.HandleWebSocket)),
		api.WithVersion(Version),
	)

	watcher := config.NewWatcher(cfg)
	watcher.OnChange(func(r config.Runtime) {
		level := logging.SetLevel(r.LogLevel)
		log.Info().Str("level", level.String()).Msg("Log level changed")
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return hub.Run(gctx) })
	g.Go(func() error {
		return serveHTTP(gctx, "api", apiServer.HTTPServer(cfg.APIAddr), apiShutdownTimeout)
	})
	g.Go(func() error {
		return serveHTTP(gctx, "metrics", newMetricsServer(cfg.MetricsAddr), metricsShutdownTimeout)
	})
	g.Go(func() error { return metrics.RunSubscriptionGauge(gctx, ctrl, gaugeRefreshInterval) })

	if cfg.KeeperEnabled {
		runner := keeper.New(ctrl, keeper.Config{
			Keeper:      cfg.KeeperKey,
			Interval:    cfg.KeeperInterval,
			Concurrency: cfg.KeeperConcurrency,
			Rate:        cfg.KeeperRate,
			BatchSize:   cfg.KeeperBatchSize,
			Observer:    metrics.Recorder{},
		})
		watcher.OnChange(func(r config.Runtime) { runner.SetInterval(r.KeeperInterval) })
		g.Go(func() error { return runner.Run(gctx) })
	}

	// Registered last so every OnChange hook is in place before the first
	// reload.
	g.Go(func() error { return watcher.Run(gctx) })

	err = g.Wait()
	log.Info().Msg("Tally stopped")
	return err
}
