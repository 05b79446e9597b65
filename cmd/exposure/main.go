package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/sgerhart/aegisflux/backend/exposure/internal/api"
	"github.com/sgerhart/aegisflux/backend/exposure/internal/config"
	"github.com/sgerhart/aegisflux/backend/exposure/internal/epoch"
	"github.com/sgerhart/aegisflux/backend/exposure/internal/firewall"
	"github.com/sgerhart/aegisflux/backend/exposure/internal/metrics"
	"github.com/sgerhart/aegisflux/backend/exposure/internal/reasoning"
	"github.com/sgerhart/aegisflux/backend/exposure/internal/sensor"
	"github.com/sgerhart/aegisflux/backend/exposure/internal/store"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLevel(getEnv("EXPOSURE_LOG_LEVEL", "info")),
	}))
	slog.SetDefault(logger)

	logger.Info("Starting AegisFlux Exposure Service")

	httpAddr := getEnv("EXPOSURE_HTTP_ADDR", ":8090")
	natsURL := getEnv("EXPOSURE_NATS_URL", "nats://localhost:4222")
	configAPIURL := getEnv("CONFIG_API_URL", "")
	configFile := getEnv("EXPOSURE_CONFIG_FILE", "")
	inventoryFile := getEnv("EXPOSURE_INVENTORY_FILE", "inventory.yaml")
	firewallURL := getEnv("EXPOSURE_FIREWALL_URL", "http://localhost:8100")
	storeKind := strings.ToLower(getEnv("EXPOSURE_STORE", "bolt"))
	reasoningMode := strings.ToLower(getEnv("EXPOSURE_REASONING", "llm"))
	routesFile := getEnv("EXPOSURE_LLM_ROUTES", "")
	schedule := getEnv("EXPOSURE_SCHEDULE", "")
	autoRun := getEnvBool("EXPOSURE_AUTO_RUN", true)

	logger.Info("Configuration loaded",
		"http_addr", httpAddr,
		"nats_url", natsURL,
		"config_api_url", configAPIURL,
		"config_file", configFile,
		"inventory_file", inventoryFile,
		"firewall_url", firewallURL,
		"store", storeKind,
		"reasoning", reasoningMode,
		"schedule", schedule,
		"auto_run", autoRun)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	defaults, err := config.LoadFile(configFile, envDefaults(config.Defaults()))
	if err != nil {
		logger.Error("Failed to load run configuration", "error", err)
		os.Exit(1)
	}

	nc, err := nats.Connect(natsURL,
		nats.Name("exposure"),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("Disconnected from NATS", "error", err)
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("Reconnected to NATS", "url", c.ConnectedUrl())
		}))
	if err != nil {
		logger.Error("Failed to connect to NATS", "error", err)
		os.Exit(1)
	}
	defer nc.Close()

	logger.Info("Connected to NATS")

	configManager := config.NewManager(config.NewClient(configAPIURL, logger), nc, logger)
	if err := configManager.Initialize(ctx, defaults); err != nil {
		logger.Warn("Failed to initialize configuration manager, using local defaults", "error", err)
	}
	defer configManager.Close()

	configManager.Subscribe(func(snapshot *config.Snapshot) {
		logger.Info("Configuration updated",
			"max_epochs", snapshot.MaxEpochs,
			"attack_duration_seconds", snapshot.AttackDurationSeconds,
			"stop_on_lockdown", snapshot.StopOnLockdown,
			"registry_key_mode", snapshot.RegistryKeyMode,
			"exhaustion_epochs", snapshot.ExhaustionEpochs)
	})
	current := configManager.Current()

	prometheusMetrics := metrics.NewMetrics(prometheus.DefaultRegisterer)

	baseStore, err := openStore(ctx, storeKind, logger)
	if err != nil {
		logger.Error("Failed to open store", "store", storeKind, "error", err)
		os.Exit(1)
	}
	iterations := store.WithPublisher(baseStore, nc, prometheusMetrics, logger)
	defer iterations.Close()

	alerts := sensor.NewNATSAlertSource(nc, "exposure", max(current.AlertWindow()*3, 10*time.Minute), logger)
	if err := alerts.Start(); err != nil {
		logger.Error("Failed to start alert source", "error", err)
		os.Exit(1)
	}
	defer alerts.Close()

	collaborators, err := buildCollaborators(reasoningMode, routesFile, current.MaxAttempts, prometheusMetrics, logger)
	if err != nil {
		logger.Error("Failed to set up reasoning collaborators", "mode", reasoningMode, "error", err)
		os.Exit(1)
	}

	pipeline := epoch.NewPipeline(epoch.Components{
		Alerts:    alerts,
		Inventory: sensor.NewFileInventory(inventoryFile),
		Firewall: firewall.NewHTTPClient(firewall.ClientConfig{
			BaseURL: firewallURL,
			Timeout: time.Duration(getEnvInt("EXPOSURE_FIREWALL_TIMEOUT_SEC", 30)) * time.Second,
		}, logger),
		Store:   iterations,
		Inferer: collaborators.Inferer,
		Decider: collaborators.Decider,
		Planner: collaborators.Planner,
		Config:  configManager,
	}, prometheusMetrics, logger)
	runner := epoch.NewRunner(pipeline, iterations, configManager, logger)

	server := api.NewServer(iterations, logger,
		api.WithTrigger(runner),
		api.WithReadinessCheck("nats", func(context.Context) error {
			if !nc.IsConnected() {
				return errors.New("nats disconnected")
			}
			return nil
		}))

	httpServer := &http.Server{
		Addr:              httpAddr,
		Handler:           server,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("Starting HTTP server", "addr", httpAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("HTTP server error", "error", err)
		}
	}()

	var scheduler *epoch.Scheduler
	switch {
	case schedule != "":
		scheduler = epoch.NewScheduler(runner, logger)
		if err := scheduler.Schedule(ctx, schedule); err != nil {
			logger.Error("Invalid epoch schedule", "cron", schedule, "error", err)
			os.Exit(1)
		}
		scheduler.Start()
	case autoRun:
		go func() {
			summary, err := runner.Run(ctx)
			if err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("Epoch run stopped", "error", err)
				return
			}
			logger.Info("Epoch run finished",
				"epochs", summary.Epochs,
				"failures", summary.Failures,
				"last_epoch", summary.LastEpoch,
				"lockdown", summary.Lockdown)
		}()
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	logger.Info("Exposure service started successfully")
	<-sigChan

	logger.Info("Shutting down exposure service...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if scheduler != nil {
		if err := scheduler.Stop(shutdownCtx); err != nil {
			logger.Error("Scheduler shutdown error", "error", err)
		}
	}
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", "error", err)
	}

	logger.Info("Exposure service stopped")
}

func openStore(ctx context.Context, kind string, logger *slog.Logger) (store.Store, error) {
	switch kind {
	case "memory":
		return store.NewMemoryStore(), nil
	case "bolt":
		return store.NewBoltStore(getEnv("EXPOSURE_BOLT_PATH", "exposure.db"), getEnvInt("EXPOSURE_CACHE_SIZE", 128), logger)
	case "postgres":
		return store.NewPostgresStore(ctx, store.PostgresConfig{
			Host:     getEnv("EXPOSURE_DB_HOST", "localhost"),
			Port:     getEnv("EXPOSURE_DB_PORT", "5432"),
			User:     getEnv("EXPOSURE_DB_USER", "aegisflux"),
			Password: getEnv("EXPOSURE_DB_PASSWORD", ""),
			DBName:   getEnv("EXPOSURE_DB_NAME", "aegisflux"),
			SSLMode:  getEnv("EXPOSURE_DB_SSLMODE", "disable"),
		}, logger)
	default:
		return nil, fmt.Errorf("unknown store %q", kind)
	}
}

func buildCollaborators(mode, routesFile string, maxAttempts int, m *metrics.Metrics, logger *slog.Logger) (reasoning.Collaborators, error) {
	switch mode {
	case "llm":
		cfg, err := reasoning.LoadRouterConfig(routesFile)
		if err != nil {
			return reasoning.Collaborators{}, err
		}
		router, err := reasoning.NewRouter(cfg, os.Getenv("OPENAI_API_KEY"), logger)
		if err != nil {
			return reasoning.Collaborators{}, err
		}
		logger.Info("LLM router ready", "roles", router.Roles())
		return reasoning.NewLLMCollaborators(router, maxAttempts, m, logger)
	case "policy":
		// graph stays as stored; exposure and firewall are deterministic
		return reasoning.Collaborators{
			Inferer: reasoning.StaticInferer{},
			Decider: reasoning.PolicyDecider{},
			Planner: reasoning.NewRulePlanner(0),
		}, nil
	default:
		return reasoning.Collaborators{}, fmt.Errorf("unknown reasoning mode %q", mode)
	}
}

// envDefaults overlays EXPOSURE_* variables onto base
func envDefaults(base *config.Snapshot) *config.Snapshot {
	s := *base
	s.MaxEpochs = getEnvInt("EXPOSURE_MAX_EPOCHS", s.MaxEpochs)
	s.AttackDurationSeconds = getEnvInt("EXPOSURE_ATTACK_DURATION_SEC", s.AttackDurationSeconds)
	s.MonitorAccumulationWaitSeconds = getEnvInt("EXPOSURE_MONITOR_WAIT_SEC", s.MonitorAccumulationWaitSeconds)
	s.FirewallUpdateWaitSeconds = getEnvInt("EXPOSURE_FIREWALL_WAIT_SEC", s.FirewallUpdateWaitSeconds)
	s.BetweenEpochWaitSeconds = getEnvInt("EXPOSURE_BETWEEN_EPOCH_WAIT_SEC", s.BetweenEpochWaitSeconds)
	s.StopOnLockdown = getEnvBool("EXPOSURE_STOP_ON_LOCKDOWN", s.StopOnLockdown)
	s.AlertWindowMinutes = getEnvInt("EXPOSURE_ALERT_WINDOW_MIN", s.AlertWindowMinutes)
	s.RegistryKeyMode = getEnv("EXPOSURE_REGISTRY_KEY_MODE", s.RegistryKeyMode)
	s.ExhaustionEpochs = getEnvInt("EXPOSURE_EXHAUSTION_EPOCHS", s.ExhaustionEpochs)
	s.HistoryLimit = getEnvInt("EXPOSURE_HISTORY_LIMIT", s.HistoryLimit)
	s.MaxAttempts = getEnvInt("EXPOSURE_MAX_ATTEMPTS", s.MaxAttempts)
	s.BaselineRules = getEnvInt("EXPOSURE_BASELINE_RULES", s.BaselineRules)
	return &s
}

func parseLevel(s string) slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo
	}
	return level
}

// getEnv gets an environment variable with a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt gets an environment variable as int with a default value
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// getEnvBool gets an environment variable as bool with a default value
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}
