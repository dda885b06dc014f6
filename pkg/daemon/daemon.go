// Package daemon wires the services together: configuration, device
// database, hotplug monitor, supervisor and the bus-facing object tree.
package daemon

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/dgraph-io/badger"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"github.com/rodentd/rodentd/internal/adapter"
	"github.com/rodentd/rodentd/internal/configsvc"
	"github.com/rodentd/rodentd/internal/devicedb"
	"github.com/rodentd/rodentd/internal/driver"
	"github.com/rodentd/rodentd/internal/driver/hidpp20"
	"github.com/rodentd/rodentd/internal/driver/roccat"
	"github.com/rodentd/rodentd/internal/driver/steelseries"
	"github.com/rodentd/rodentd/internal/hotplug"
	"github.com/rodentd/rodentd/internal/supervisor"
	"github.com/rodentd/rodentd/pkg/bus"
)

type Daemon struct {
	config Config
	log    *zap.Logger

	db        *badger.DB
	configSvc *configsvc.Service
	devdb     *devicedb.DB
	registry  *driver.Registry
	events    *hotplug.Bus
	monitor   *hotplug.Monitor
	manager   *adapter.Manager
	super     *supervisor.Service
}

func New(config Config) (*Daemon, error) {
	fileCfg, err := configsvc.ReadFile(config.ConfigFile, FileConfig{})
	if err != nil {
		return nil, fmt.Errorf("failed to read daemon config: %w", err)
	}
	if fileCfg.DeviceDBDir != "" {
		config.DeviceDBDir = fileCfg.DeviceDBDir
	}

	loggerConfig := zap.NewDevelopmentConfig()
	loggerConfig.EncoderConfig.EncodeTime = zapcore.TimeEncoderOfLayout("15:04:05.000000000")
	loggerConfig.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	if fileCfg.LogLevel != "" {
		var level zapcore.Level
		if err := level.Set(fileCfg.LogLevel); err != nil {
			return nil, fmt.Errorf("invalid log level %q: %w", fileCfg.LogLevel, err)
		}
		loggerConfig.Level = zap.NewAtomicLevelAt(level)
	}
	logger, err := loggerConfig.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}

	dbOptions := badger.DefaultOptions(filepath.Join(config.DataDir, "db"))
	dbOptions.Logger = &badgerLogger{l: logger.Named("badger")}
	db, err := badger.Open(dbOptions)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger db: %w", err)
	}

	devdb, err := devicedb.Load(logger.Named("devicedb"), config.DeviceDBDir)
	if err != nil {
		return nil, fmt.Errorf("failed to load device database: %w", err)
	}

	registry := driver.NewRegistry()
	hidpp20.Register(registry)
	roccat.Register(registry)
	steelseries.Register(registry)

	events := bus.NewBus[string, hotplug.Event](logger.Named("bus"))
	monitor := hotplug.NewMonitor(logger.Named("hotplug"))
	manager := adapter.NewManager(logger.Named("adapter"))
	super := supervisor.New(logger.Named("supervisor"), db, devdb, registry, events, manager, time.Now)

	return &Daemon{
		config:    config,
		log:       logger,
		db:        db,
		configSvc: configsvc.New(logger.Named("config")),
		devdb:     devdb,
		registry:  registry,
		events:    events,
		monitor:   monitor,
		manager:   manager,
		super:     super,
	}, nil
}

type badgerLogger struct {
	l *zap.Logger
}

func (l badgerLogger) Errorf(msg string, args ...any) {
	l.l.Error(fmt.Sprintf(msg, args...))
}

func (l badgerLogger) Warningf(msg string, args ...any) {
	l.l.Warn(fmt.Sprintf(msg, args...))
}

func (l badgerLogger) Infof(msg string, args ...any) {
	l.l.Info(fmt.Sprintf(msg, args...))
}

func (l badgerLogger) Debugf(msg string, args ...any) {
	l.l.Debug(fmt.Sprintf(msg, args...))
}

// Run starts every service and blocks until the context is cancelled.
func (d *Daemon) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	d.log.Info("starting rodentd",
		zap.Int("apiVersion", adapter.APIVersion),
		zap.Int("databaseEntries", d.devdb.Len()),
		zap.Bool("devHooks", adapter.TestHooksEnabled))

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return d.configSvc.Start(groupCtx)
	})
	group.Go(func() error {
		if err := d.events.Start(groupCtx); err != nil {
			return err
		}
		<-groupCtx.Done()
		return nil
	})
	group.Go(func() error {
		return d.super.Start(groupCtx)
	})
	group.Go(func() error {
		select {
		case <-groupCtx.Done():
			return nil
		case <-d.super.Ready():
		}
		return d.monitor.Start(groupCtx, d.events.CreatePublisher("udev"))
	})

	if err := group.Wait(); err != nil {
		return fmt.Errorf("daemon failed: %w", err)
	}
	return nil
}

// Close releases daemon resources.
func (d *Daemon) Close() error {
	return d.db.Close()
}

// Manager exposes the object-tree root for the bus binding layer.
func (d *Daemon) Manager() *adapter.Manager { return d.manager }

// Supervisor exposes the discovery pipeline for the CLI.
func (d *Daemon) Supervisor() *supervisor.Service { return d.super }

// DeviceDB exposes the loaded database for the CLI lookup command.
func (d *Daemon) DeviceDB() *devicedb.DB { return d.devdb }
