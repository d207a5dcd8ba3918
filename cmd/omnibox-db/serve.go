package main

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/nerrad567/omnibox-core/internal/api"
	"github.com/nerrad567/omnibox-core/internal/usage"
)

// defaultStatsInterval is how often pool statistics are reported.
const defaultStatsInterval = 30 * time.Second

func newServeCmd(flags *globalFlags) *cobra.Command {
	var interval time.Duration

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the usage service until interrupted",
		Long: `Run the usage service: the HTTP API and live WebSocket stream (when
api.enabled), launches reported on the MQTT record topic (when mqtt.enabled)
and periodic handle pool statistics to MQTT, InfluxDB and WebSocket clients.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if interval <= 0 {
				return fmt.Errorf("--stats-interval must be positive")
			}
			return withApp(cmd, flags, appOptions{services: true, persist: true}, func(a *app) error {
				return serve(cmd.Context(), a, interval)
			})
		},
	}
	cmd.Flags().DurationVar(&interval, "stats-interval", defaultStatsInterval, "pool statistics reporting interval")
	return cmd
}

// serve runs every enabled component until ctx is cancelled or one fails.
func serve(ctx context.Context, a *app, interval time.Duration) error {
	if err := a.healthCheck(ctx); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}

	g, ctx := errgroup.WithContext(ctx)

	hub := api.NewHub(a.cfg.API.WebSocket, a.log.Component("websocket"))
	g.Go(func() error {
		hub.Run(ctx)
		return nil
	})

	publishers := usage.Publishers{hub}
	if a.mqtt != nil {
		publishers = append(publishers, usage.NewBusPublisher(a.mqtt, a.mqtt.Topics().Usage()))

		record := a.mqtt.Topics().Record()
		if err := a.mqtt.Subscribe(record, byte(a.cfg.MQTT.QoS), a.store.RecordHandler(ctx)); err != nil {
			return fmt.Errorf("subscribing to %s: %w", record, err)
		}
		a.log.Info("accepting launches over MQTT", "topic", record)
	}
	a.store.SetPublisher(publishers)

	if a.cfg.API.Enabled {
		srv, err := api.New(api.Deps{
			Config:  a.cfg.API,
			Logger:  a.log,
			DB:      a.db,
			Store:   a.store,
			MQTT:    a.mqtt,
			Hub:     hub,
			Version: version,
		})
		if err != nil {
			return fmt.Errorf("creating API server: %w", err)
		}
		if err := srv.Start(ctx); err != nil {
			return fmt.Errorf("starting API server: %w", err)
		}
		defer func() {
			if err := srv.Close(); err != nil {
				a.log.Error("error closing API server", "error", err)
			}
		}()
	} else {
		a.log.Info("API disabled")
	}

	reporter := &statsReporter{app: a, hub: hub}
	g.Go(func() error {
		return reporter.run(ctx, interval)
	})

	a.log.Info("initialisation complete, waiting for shutdown signal",
		"database", a.db.Path(),
		"memory", a.db.IsMemory(),
	)
	err := g.Wait()
	a.log.Info("shutdown signal received, cleaning up")
	return err
}

// statsReporter publishes handle pool counters to every connected sink.
type statsReporter struct {
	app *app
	hub *api.Hub
}

// run reports once per interval until ctx is cancelled.
func (r *statsReporter) run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			r.report()
		}
	}
}

// report takes one snapshot. A closed database skips the round.
func (r *statsReporter) report() {
	a := r.app
	counts, err := a.db.Stats()
	if err != nil {
		a.log.Debug("pool statistics unavailable", "error", err)
		return
	}

	name := filepath.Base(a.db.Path())
	r.hub.PublishPool(name, counts)

	if a.mqtt != nil {
		if err := a.mqtt.PublishJSON(a.mqtt.Topics().Pool(name), counts, true); err != nil {
			a.log.Warn("publishing pool statistics failed", "error", err)
		}
	}
	if a.influx != nil {
		a.influx.WritePoolStats(name, counts)
	}
}
