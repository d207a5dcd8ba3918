package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/nerrad567/omnibox-core/internal/infrastructure/config"
	"github.com/nerrad567/omnibox-core/internal/infrastructure/database"
	"github.com/nerrad567/omnibox-core/internal/infrastructure/handlepool"
	"github.com/nerrad567/omnibox-core/internal/infrastructure/influxdb"
	"github.com/nerrad567/omnibox-core/internal/infrastructure/logging"
	"github.com/nerrad567/omnibox-core/internal/infrastructure/mqtt"
	"github.com/nerrad567/omnibox-core/internal/infrastructure/registry"
	"github.com/nerrad567/omnibox-core/internal/usage"
)

// appOptions selects what a command needs from the application.
type appOptions struct {
	// services connects MQTT and InfluxDB when they are enabled.
	services bool

	// persist writes an in-memory database back to its file on close.
	persist bool

	// skipMigrate leaves the schema untouched (the migrate command
	// manages it itself).
	skipMigrate bool
}

// app holds the services a command runs against.
type app struct {
	cfg    *config.Config
	log    *logging.Logger
	pool   *handlepool.Pool
	reg    *registry.Registry
	db     *database.DB
	store  *usage.Store
	mqtt   *mqtt.Client    // nil when disabled or unreachable
	influx *influxdb.Client // nil when disabled or unreachable

	persist bool
}

// openApp loads the configuration and opens the database with its
// handle pool and registry.
//
// Parameters:
//   - ctx: Context for startup/cancellation
//   - flags: Global command line flags
//   - opts: What the command needs
//
// Returns:
//   - *app: Ready application; release it with close
//   - error: If configuration or the database cannot be loaded
func openApp(ctx context.Context, flags *globalFlags, opts appOptions) (*app, error) {
	cfg, err := flags.loadConfig()
	if err != nil {
		return nil, err
	}
	log := newLogger(cfg)

	pool := handlepool.New()
	pool.SetLogger(log.Component("handlepool"))
	reg := registry.New(pool)
	reg.SetLogger(log.Component("registry"))

	a := &app{
		cfg:     cfg,
		log:     log,
		pool:    pool,
		reg:     reg,
		persist: opts.persist && cfg.Database.LoadIntoMemory,
	}

	a.db, err = openDatabase(ctx, reg, cfg.Database)
	if err != nil {
		reg.Close() //nolint:errcheck // Best effort cleanup on error path
		return nil, fmt.Errorf("opening database: %w", err)
	}
	a.db.SetLogger(log.Component("database"))
	log.Debug("database opened", "path", a.db.Path(), "memory", a.db.IsMemory())

	if !opts.skipMigrate {
		if err := a.db.Migrate(ctx); err != nil {
			a.persist = false
			a.close() //nolint:errcheck // Best effort cleanup on error path
			return nil, fmt.Errorf("running migrations: %w", err)
		}
	}

	a.store = usage.New(a.db)
	a.store.SetLogger(log.Component("usage"))

	if opts.services {
		a.connectServices()
	}

	return a, nil
}

// openDatabase opens the configured file, or loads it into memory. A
// missing file is created and migrated on disk first so the memory copy
// starts from a valid schema.
func openDatabase(ctx context.Context, reg *registry.Registry, cfg config.DatabaseConfig) (*database.DB, error) {
	dbCfg := databaseConfig(cfg)
	if !cfg.LoadIntoMemory {
		return database.Open(ctx, reg, dbCfg)
	}

	if _, err := os.Stat(cfg.Path); errors.Is(err, os.ErrNotExist) {
		seed, err := database.Open(ctx, reg, dbCfg)
		if err != nil {
			return nil, err
		}
		if err := errors.Join(seed.Migrate(ctx), seed.Close()); err != nil {
			return nil, fmt.Errorf("creating %s: %w", cfg.Path, err)
		}
	}
	return database.LoadIntoMemory(ctx, reg, cfg.Path)
}

// databaseConfig converts the config file section to the facade's options.
func databaseConfig(cfg config.DatabaseConfig) database.Config {
	return database.Config{
		Path:           cfg.Path,
		WALMode:        cfg.WALMode,
		SyncMode:       cfg.SyncMode,
		BusyTimeout:    cfg.BusyTimeout,
		PrepareRetries: cfg.PrepareRetries,
		Pooling:        cfg.Pool.Enabled,
		MaxPoolSize:    cfg.Pool.MaxSize,
	}
}

// connectServices connects the enabled MQTT and InfluxDB clients and
// wires them into the usage store. Unreachable services are logged and
// skipped; counting never depends on them.
func (a *app) connectServices() {
	if a.cfg.MQTT.Enabled {
		client, err := mqtt.Connect(a.cfg.MQTT, a.cfg.Instance.ID)
		if err != nil {
			a.log.Warn("MQTT unavailable, usage events disabled", "error", err)
		} else {
			client.SetLogger(a.log.Component("mqtt"))
			client.SetOnConnect(func() { a.log.Info("MQTT reconnected") })
			client.SetOnDisconnect(func(err error) { a.log.Warn("MQTT disconnected", "error", err) })
			a.mqtt = client
			a.log.Info("MQTT connected",
				"broker", fmt.Sprintf("%s:%d", a.cfg.MQTT.Broker.Host, a.cfg.MQTT.Broker.Port),
				"client_id", a.cfg.MQTT.Broker.ClientID,
			)
			a.store.SetPublisher(usage.NewBusPublisher(client, client.Topics().Usage()))
		}
	}

	if a.cfg.InfluxDB.Enabled {
		client, err := influxdb.Connect(a.cfg.InfluxDB, a.cfg.Instance.ID)
		if err != nil {
			a.log.Warn("InfluxDB unavailable, metrics disabled", "error", err)
		} else {
			client.SetOnError(func(err error) { a.log.Error("InfluxDB write error", "error", err) })
			a.influx = client
			a.log.Info("InfluxDB connected", "url", a.cfg.InfluxDB.URL, "bucket", a.cfg.InfluxDB.Bucket)
			a.store.SetMetrics(client)
		}
	}
}

// healthCheck verifies the database and every connected service.
func (a *app) healthCheck(ctx context.Context) error {
	if err := a.db.HealthCheck(ctx); err != nil {
		return fmt.Errorf("database: %w", err)
	}
	if a.mqtt != nil {
		if err := a.mqtt.HealthCheck(ctx); err != nil {
			return fmt.Errorf("mqtt: %w", err)
		}
	}
	if a.influx != nil {
		if err := a.influx.HealthCheck(ctx); err != nil {
			return fmt.Errorf("influxdb: %w", err)
		}
	}
	return nil
}

// close releases everything in reverse order of opening. An in-memory
// database that was changed is written back to its file first.
func (a *app) close() error {
	var errs []error

	if a.influx != nil {
		errs = append(errs, a.influx.Close())
	}
	if a.mqtt != nil {
		errs = append(errs, a.mqtt.Close())
	}

	if a.persist && a.db.IsMemory() {
		// The context is fresh: persisting must survive a cancelled command.
		if err := a.db.Backup(context.Background(), a.db.Path()); err != nil {
			errs = append(errs, fmt.Errorf("writing memory database to %s: %w", a.db.Path(), err))
		} else {
			a.log.Debug("memory database written back", "path", a.db.Path())
		}
	}

	errs = append(errs, a.db.Close(), a.reg.Close())

	// Handles of temporary keys (backups, seeding) may still be cached.
	a.pool.ClearAllPools()
	return errors.Join(errs...)
}
