package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sgerhart/trapline/internal/bus"
	"github.com/sgerhart/trapline/internal/config"
	"github.com/sgerhart/trapline/internal/metrics"
	"github.com/sgerhart/trapline/internal/mitre"
	"github.com/sgerhart/trapline/internal/pipeline"
	"github.com/sgerhart/trapline/internal/store"
)

// getEnv gets an environment variable with a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	logger.Info("Starting Trapline Enricher")

	configPath := getEnv("TRAPLINE_CONFIG", "")
	cfg, err := loadConfig(configPath)
	if err != nil {
		logger.Error("Failed to load configuration", "path", configPath, "error", err)
		os.Exit(1)
	}
	cfg.Bus.URL = getEnv("TRAPLINE_BUS_URL", cfg.Bus.URL)
	cfg.Store.URL = getEnv("TRAPLINE_STORE_URL", cfg.Store.URL)
	metricsAddr := getEnv("ENRICHER_HTTP_ADDR", ":9091")

	classifier, err := buildClassifier(cfg)
	if err != nil {
		logger.Error("Failed to load classification rules", "error", err)
		os.Exit(1)
	}
	logger.Info("Classifier ready", "rules", classifier.RuleCount())

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
	worker, err := pipeline.New(b, st, classifier, m, logger)
	if err != nil {
		logger.Error("Failed to build enricher", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		})
		logger.Info("Metrics listening", "addr", metricsAddr)
		if err := http.ListenAndServe(metricsAddr, mux); err != nil {
			logger.Error("Metrics server failed", "error", err)
		}
	}()

	done := make(chan error, 1)
	go func() { done <- worker.Run(ctx) }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	version := classifier.Version()
	for {
		select {
		case sig := <-sigCh:
			if sig == syscall.SIGHUP {
				version = reloadRules(cfg, classifier, version, logger)
				continue
			}
			logger.Info("Shutting down", "signal", sig.String())
			cancel()
			<-done
			logger.Info("Trapline Enricher stopped")
			return
		case err := <-done:
			if err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("Enricher exited", "error", err)
				os.Exit(1)
			}
			return
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

func buildClassifier(cfg *config.Config) (*mitre.Classifier, error) {
	if cfg.Classifier.Rules == "" {
		return mitre.NewDefaultClassifier(), nil
	}
	rules, err := mitre.LoadRules(cfg.Classifier.Rules)
	if err != nil {
		return nil, err
	}
	return mitre.NewClassifier(rules)
}

// reloadRules atomically swaps the rule table. A bad file keeps the
// running rules.
func reloadRules(cfg *config.Config, classifier *mitre.Classifier, version int64, logger *slog.Logger) int64 {
	if cfg.Classifier.Rules == "" {
		logger.Warn("No rule file configured, reload ignored")
		return version
	}
	rules, err := mitre.LoadRules(cfg.Classifier.Rules)
	if err != nil {
		logger.Error("Rule reload failed, keeping current table", "error", err)
		return version
	}
	next := version + 1
	if err := classifier.Swap(rules, next); err != nil {
		logger.Error("Rule swap rejected, keeping current table", "error", err)
		return version
	}
	logger.Info("Classification rules reloaded", "rules", len(rules), "version", next)
	return next
}
