package main

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"areapresence/internal/api"
	"areapresence/internal/area"
	"areapresence/internal/areas"
	"areapresence/internal/clock"
	"areapresence/internal/config"
	"areapresence/internal/ha"
	"areapresence/internal/history"
	"areapresence/internal/metrics"
	"areapresence/internal/plugins/reset"
	"areapresence/internal/publish"
	"areapresence/internal/state"
	"areapresence/internal/store"
	"areapresence/pkg/plugin"

	// Plugins register themselves with the global registry
	_ "areapresence/internal/plugins/eventlog"
	_ "areapresence/internal/plugins/mqttstate"
	_ "areapresence/internal/plugins/persistence"
	_ "areapresence/internal/plugins/presence"
	_ "areapresence/internal/plugins/telemetry"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func main() {
	// Load environment variables before the logger so LOG_LEVEL applies
	envErr := godotenv.Load()

	logger, err := newLogger(os.Getenv("LOG_LEVEL"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if envErr != nil {
		logger.Warn("No .env file found, using environment variables")
	}

	haURL := os.Getenv("HA_URL")
	haToken := os.Getenv("HA_TOKEN")
	readOnly := os.Getenv("READ_ONLY") == "true"

	if haURL == "" || haToken == "" {
		logger.Fatal("HA_URL and HA_TOKEN environment variables must be set")
	}

	configDir := os.Getenv("CONFIG_DIR")
	if configDir == "" {
		configDir = "./configs"
	}

	logger.Info("Starting area presence",
		zap.String("url", haURL),
		zap.String("config_dir", configDir),
		zap.Bool("read_only", readOnly))

	loader := config.NewLoader(configDir, logger)
	if err := loader.LoadAll(); err != nil {
		logger.Fatal("Failed to load configuration", zap.Error(err))
	}
	services := loader.GetServicesConfig()
	services.ApplyEnv(os.Getenv)

	areaList, err := loader.Areas()
	if err != nil {
		logger.Fatal("Failed to build areas", zap.Error(err))
	}

	// Create HA client
	client := ha.NewClient(haURL, haToken, logger)
	if err := client.Connect(); err != nil {
		logger.Fatal("Failed to connect to Home Assistant", zap.Error(err))
	}
	defer client.Disconnect()

	logger.Info("Connected to Home Assistant")

	states := state.NewManager(client, logger)
	if err := states.Sync(); err != nil {
		logger.Fatal("Failed to sync state from HA", zap.Error(err))
	}

	clk := clock.NewRealClock()
	registry, err := areas.NewRegistry(areaList, states, client, clk, logger, readOnly)
	if err != nil {
		logger.Fatal("Failed to create areas", zap.Error(err))
	}

	pluginCtx := plugin.NewContext(client, registry, clk, logger, readOnly)
	closeServices := openServices(pluginCtx, services, areaList, logger)
	defer closeServices()

	plugins, err := plugin.CreateAll(pluginCtx)
	if err != nil {
		logger.Fatal("Failed to create plugins", zap.Error(err))
	}

	started, err := plugin.StartAll(plugins, logger)
	if err != nil {
		logger.Fatal("Failed to start plugins", zap.Error(err))
	}
	defer plugin.StopAll(started, logger)

	if services.ResetEntity != "" {
		coordinator := reset.NewCoordinator(services.ResetEntity, states, client, logger, readOnly, reset.Resettables(started))
		if err := coordinator.Start(); err != nil {
			logger.Fatal("Failed to start reset coordinator", zap.Error(err))
		}
		defer coordinator.Stop()
	}

	server := api.NewServer(registry, logger, services.APIPort)
	if pluginCtx.History != nil {
		server.SetHistory(pluginCtx.History)
	}
	if err := server.Start(); err != nil {
		logger.Fatal("Failed to start API server", zap.Error(err))
	}

	// Setup signal handling for graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	logger.Info("Application running. Press Ctrl+C to exit.",
		zap.Strings("areas", registry.IDs()),
		zap.Int("plugins", len(started)))
	if readOnly {
		logger.Info("Running in READ-ONLY mode - no light commands will be sent")
	}

	<-sigChan

	logger.Info("Shutting down gracefully...")
	if err := server.Stop(); err != nil {
		logger.Error("Failed to stop API server", zap.Error(err))
	}
}

func newLogger(level string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	if level != "" {
		lvl, err := zapcore.ParseLevel(level)
		if err != nil {
			return nil, fmt.Errorf("invalid LOG_LEVEL %q: %w", level, err)
		}
		cfg.Level = zap.NewAtomicLevelAt(lvl)
	}
	return cfg.Build()
}

// openServices connects the optional services onto ctx. A service that
// fails to open is logged and left nil; its plugin is then skipped.
func openServices(ctx *plugin.Context, cfg *config.ServicesConfig, areaList []*area.Area, logger *zap.Logger) func() {
	var closers []func()

	if cfg.StorePath != "" {
		boltStore, err := store.NewBoltStore(cfg.StorePath)
		if err != nil {
			logger.Error("Failed to open state store, area state will not survive restarts",
				zap.String("path", cfg.StorePath), zap.Error(err))
		} else {
			ctx.Store = boltStore
			closers = append(closers, func() { boltStore.Close() })
		}
	}

	if cfg.HistoryPath != "" {
		db, err := history.Open(cfg.HistoryPath)
		if err != nil {
			logger.Error("Failed to open history database",
				zap.String("path", cfg.HistoryPath), zap.Error(err))
		} else {
			ctx.History = db
			closers = append(closers, func() { db.Close() })
		}
	}

	if cfg.MQTT.Broker != "" {
		publisher, err := publish.Connect(publish.Config{
			Broker:      cfg.MQTT.Broker,
			ClientID:    cfg.MQTT.ClientID,
			TopicPrefix: cfg.MQTT.TopicPrefix,
			Username:    cfg.MQTT.Username,
			Password:    cfg.MQTT.Password,
		}, areaList, logger)
		if err != nil {
			logger.Error("Failed to connect to MQTT broker", zap.String("broker", cfg.MQTT.Broker), zap.Error(err))
		} else {
			ctx.Publisher = publisher
			closers = append(closers, publisher.Close)
		}
	}

	recorder, err := metrics.Connect(metrics.Config{
		URL:    cfg.Influx.URL,
		Token:  cfg.Influx.Token,
		Org:    cfg.Influx.Org,
		Bucket: cfg.Influx.Bucket,
	}, logger)
	switch {
	case errors.Is(err, metrics.ErrDisabled):
		logger.Info("InfluxDB not configured, metrics disabled")
	case err != nil:
		logger.Error("Failed to connect to InfluxDB", zap.Error(err))
	default:
		ctx.Metrics = recorder
		closers = append(closers, recorder.Close)
	}

	return func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
}
