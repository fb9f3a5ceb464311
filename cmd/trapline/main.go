package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/sgerhart/trapline/internal/api"
	"github.com/sgerhart/trapline/internal/bus"
	"github.com/sgerhart/trapline/internal/config"
	"github.com/sgerhart/trapline/internal/fakefs"
	"github.com/sgerhart/trapline/internal/metrics"
	"github.com/sgerhart/trapline/internal/orchestrator"
	"github.com/sgerhart/trapline/internal/protocols"
	"github.com/sgerhart/trapline/internal/session"
	"github.com/sgerhart/trapline/internal/store"
)

// getEnv gets an environment variable with a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt gets an environment variable as an integer with a default value
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel(getEnv("TRAPLINE_LOG_LEVEL", "INFO")),
	}))
	slog.SetDefault(logger)

	logger.Info("Starting Trapline Engine")

	configPath := getEnv("TRAPLINE_CONFIG", "")
	cfg, err := loadConfig(configPath)
	if err != nil {
		logger.Error("Failed to load configuration", "path", configPath, "error", err)
		os.Exit(1)
	}
	// Environment overrides for container deployments.
	cfg.Bus.URL = getEnv("TRAPLINE_BUS_URL", cfg.Bus.URL)
	cfg.Store.URL = getEnv("TRAPLINE_STORE_URL", cfg.Store.URL)
	cfg.HTTPAddr = getEnv("TRAPLINE_HTTP_ADDR", cfg.HTTPAddr)
	cfg.Caps.Global = getEnvInt("TRAPLINE_GLOBAL_CAP", cfg.Caps.Global)
	if err := cfg.Validate(); err != nil {
		logger.Error("Invalid configuration", "error", err)
		os.Exit(1)
	}
	logger.Info("Configuration loaded",
		"config_path", configPath,
		"bus_url", cfg.Bus.URL,
		"store_url", cfg.Store.URL,
		"http_addr", cfg.HTTPAddr,
		"bindings", len(cfg.Bindings))

	st, err := store.Open(cfg.Store.URL, logger)
	if err != nil {
		logger.Error("Failed to open session store", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	b, err := bus.Connect(cfg.Bus.URL, logger)
	if err != nil {
		logger.Error("Failed to connect event bus", "error", err)
		os.Exit(1)
	}
	defer b.Close()

	m := metrics.New()
	bus.NotifyDeadLetters(b, m, logger)
	mgr := session.NewManager(st, b, cfg, m, logger)

	trees, err := loadTrees(cfg, logger)
	if err != nil {
		logger.Error("Failed to load deception filesystem", "error", err)
		os.Exit(1)
	}

	sshHandler := protocols.NewSSH(cfg, trees, logger)
	ftpHandler := protocols.NewFTP(cfg, trees, logger)
	httpHandler := protocols.NewHTTPD(cfg, logger)
	httpsHandler, err := protocols.NewHTTPSD(cfg, logger)
	if err != nil {
		logger.Error("Failed to initialize HTTPS handler", "error", err)
		os.Exit(1)
	}
	mysqlHandler := protocols.NewMySQL(cfg, logger)
	smbHandler := protocols.NewSMB(cfg, trees, logger)
	modbusHandler := protocols.NewModbus(cfg, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mgrDone := make(chan struct{})
	go func() {
		mgr.Run(ctx)
		close(mgrDone)
	}()
	if err := mgr.Recover(ctx); err != nil {
		logger.Error("Crash recovery failed", "error", err)
		os.Exit(1)
	}

	orch := orchestrator.New(cfg, mgr, b, m, logger,
		sshHandler, ftpHandler, httpHandler, httpsHandler, mysqlHandler, smbHandler, modbusHandler)
	if err := orch.Start(ctx); err != nil {
		logger.Error("Failed to start orchestrator", "error", err)
		os.Exit(1)
	}

	apiServer := api.New(cfg.HTTPAddr, st, mgr, logger)
	apiErr := make(chan error, 1)
	go func() { apiErr <- apiServer.Run(ctx) }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	for {
		select {
		case sig := <-sigCh:
			if sig == syscall.SIGHUP {
				reloadLures(cfg, trees, configPath, logger)
				continue
			}
			logger.Info("Shutting down", "signal", sig.String())
			orch.Stop()
			cancel()
			<-mgrDone
			logger.Info("Trapline Engine stopped")
			return
		case err := <-apiErr:
			if err != nil {
				logger.Error("Operator API failed", "error", err)
				orch.Stop()
				cancel()
				os.Exit(1)
			}
		}
	}
}

// loadConfig reads the YAML config, falling back to the built-in
// defaults when no path is configured.
func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.Default(), nil
	}
	return config.Load(path)
}

// loadTrees builds the deception tree source from the configured
// declarative file, falling back to the built-in tree.
func loadTrees(cfg *config.Config, logger *slog.Logger) (*fakefs.Source, error) {
	if cfg.Lures.Filesystem == "" {
		return fakefs.NewSource(fakefs.DefaultTree(cfg.Seed)), nil
	}
	tree, err := fakefs.LoadTree(cfg.Lures.Filesystem, cfg.Seed)
	if err != nil {
		return nil, err
	}
	logger.Info("Deception filesystem loaded", "path", cfg.Lures.Filesystem)
	return fakefs.NewSource(tree), nil
}

// reloadLures refreshes the lure credential set and the deception tree
// without dropping live sessions. Errors keep the running tables.
func reloadLures(cfg *config.Config, trees *fakefs.Source, configPath string, logger *slog.Logger) {
	if configPath == "" {
		logger.Warn("No config file to reload, ignoring HUP")
		return
	}
	logger.Info("Reloading lure tables")
	next, err := config.Load(configPath)
	if err != nil {
		logger.Error("Lure reload failed, keeping current tables", "error", err)
		return
	}
	cfg.SetLureCredentials(next.Lures.Credentials)

	if next.Lures.Filesystem != "" {
		tree, err := fakefs.LoadTree(next.Lures.Filesystem, cfg.Seed)
		if err != nil {
			logger.Error("Deception tree reload failed, keeping current tree", "error", err)
			return
		}
		trees.Swap(tree)
	}
	logger.Info("Lure tables reloaded", "credentials", len(next.Lures.Credentials))
}

func logLevel(s string) slog.Level {
	switch s {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
