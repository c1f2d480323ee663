package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/HerbHall/trellis/internal/config"
	"github.com/HerbHall/trellis/internal/event"
	"github.com/HerbHall/trellis/internal/plugins"
	"github.com/HerbHall/trellis/internal/registry"
	"github.com/HerbHall/trellis/internal/server"
	"github.com/HerbHall/trellis/internal/store"
	"github.com/HerbHall/trellis/pkg/plugin"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

func main() {
	// A missing .env is normal; SECRET_KEY and TRELLIS_* may come from the
	// real environment instead.
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "failed to load .env: %v\n", err)
		os.Exit(1)
	}

	// Subcommand dispatch (before flag.Parse).
	if len(os.Args) > 1 && os.Args[1] == "settings" {
		os.Exit(runSettings(os.Args[2:], os.Stdout, os.Stderr))
	}

	configPath := flag.String("config", "", "path to configuration file")
	flag.Parse()

	// Load configuration (before logger, so log level/format can be configured).
	viperCfg, err := server.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := config.NewLogger(viperCfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	if f := viperCfg.ConfigFileUsed(); f != "" {
		logger.Info("configuration loaded",
			zap.String("component", "config"),
			zap.String("source", f),
		)
	} else {
		logger.Warn("no configuration file found, using defaults",
			zap.String("component", "config"),
		)
	}

	srvCfg, err := server.ServerConfig(viperCfg)
	if err != nil {
		logger.Fatal("invalid server configuration", zap.Error(err))
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	src, err := settingsSource(ctx, viperCfg, logger)
	if err != nil {
		logger.Fatal("failed to load settings", zap.Error(err))
	}

	bus := event.NewBus(logger.Named("event"))
	bus.Subscribe(registry.TopicFailed, func(_ context.Context, e event.Event) {
		logger.Warn("plugin event",
			zap.String("component", "event"),
			zap.String("topic", e.Topic),
			zap.String("plugin", e.Source),
			zap.Any("payload", e.Payload),
		)
	})

	app := server.New(logger)
	app.Registry().SetPublisher(bus)
	plugins.InstallDefaults(app)

	if err := app.Configure(src); err != nil {
		logger.Fatal("failed to configure application", zap.Error(err))
	}
	logger.Info("application configured",
		zap.Strings("middleware", app.Middleware()),
		zap.Strings("mounts", app.Mounts()),
	)

	errCh := make(chan error, 1)
	go func() { errCh <- app.Start(srvCfg.Addr()) }()

	select {
	case err := <-errCh:
		if err != nil {
			logger.Fatal("server error", zap.Error(err))
		}
		return
	case <-ctx.Done():
	}

	logger.Info("received shutdown signal")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := app.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
	}
	if err := app.Revert(); err != nil {
		logger.Warn("plugin revert incomplete", zap.Error(err))
	}

	logger.Info("trellis stopped")
}

// settingsSource layers the plugin settings, highest priority first:
// the SQLite settings store (settings.db), a YAML settings file
// (settings.file), then the "app" section of the main configuration.
func settingsSource(ctx context.Context, v *viper.Viper, logger *zap.Logger) (plugin.Source, error) {
	var sources []plugin.Source

	if path := v.GetString("settings.db"); path != "" {
		db, err := store.New(ctx, path)
		if err != nil {
			return nil, err
		}
		defer db.Close()

		snapshot, err := db.Snapshot(ctx)
		if err != nil {
			return nil, err
		}
		logger.Info("settings store loaded",
			zap.String("component", "store"),
			zap.String("path", path),
			zap.Int("keys", len(snapshot)),
		)
		sources = append(sources, snapshot)
	}

	if path := v.GetString("settings.file"); path != "" {
		values, err := config.LoadYAML(path, logger.Named("config"))
		if err != nil {
			return nil, err
		}
		sources = append(sources, values)
	}

	sources = append(sources, config.New(v).Sub("app"))
	return plugin.Chain(sources...), nil
}
