package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"

	"github.com/rendis/conviction/internal/aggregate"
	"github.com/rendis/conviction/internal/audit"
	"github.com/rendis/conviction/internal/constraints"
	"github.com/rendis/conviction/internal/events"
	"github.com/rendis/conviction/internal/fetch"
	"github.com/rendis/conviction/internal/graphdef"
	"github.com/rendis/conviction/internal/logging"
	"github.com/rendis/conviction/internal/obs"
	"github.com/rendis/conviction/internal/persona"
	"github.com/rendis/conviction/internal/rules"
	"github.com/rendis/conviction/internal/run"
	"github.com/rendis/conviction/internal/schedule"
	"github.com/rendis/conviction/internal/secrets"
	"github.com/rendis/conviction/internal/state"
	"github.com/rendis/conviction/internal/strategy"
	"github.com/rendis/conviction/pkg/schema"
)

func main() {
	var (
		graphID        = flag.String("graph", "", "graph definition id to run")
		instrumentID   = flag.String("instrument", "", "instrument to analyze")
		asOfFlag       = flag.String("as-of", "", "analysis timestamp (RFC3339, default now)")
		definitionsDir = flag.String("definitions", "", "directory of graph definition JSON files")
		scheduleMode   = flag.Bool("schedule", false, "run the cron scheduler instead of a single run")
		showVersion    = flag.Bool("version", false, "print version and exit")
	)
	flag.Parse()

	if *showVersion {
		printVersion()
		return
	}

	cfg := loadConfig()
	if *definitionsDir != "" {
		cfg.DefinitionsDir = *definitionsDir
	}

	logger := logging.Setup(cfg.LogLevel, cfg.LogFormat)

	if err := realMain(cfg, logger, *graphID, *instrumentID, *asOfFlag, *scheduleMode); err != nil {
		logger.Error("conviction failed", "error", err)
		os.Exit(1)
	}
}

func realMain(cfg Config, logger *slog.Logger, graphID, instrumentID, asOfFlag string, scheduleMode bool) error {
	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	store, err := audit.NewLibSQLStore(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open audit store: %w", err)
	}
	defer store.Close()

	ctx := context.Background()
	if err := store.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate audit store: %w", err)
	}

	registry, err := buildRegistry(cfg)
	if err != nil {
		return err
	}

	var vault secrets.Vault
	if cfg.VaultPassphrase != "" {
		vault, err = secrets.NewAESVault(store, secrets.VaultConfig{
			Passphrase: cfg.VaultPassphrase,
			Salt:       []byte(cfg.VaultSalt),
		})
		if err != nil {
			return fmt.Errorf("open vault: %w", err)
		}
	}

	builder := graphdef.NewBuilder(registry, rules.NewInterpolator(vault))

	fetcher, err := buildFetcher(cfg, logger)
	if err != nil {
		return err
	}

	metrics := obs.New()
	hub := events.NewMemoryHub(1024)

	coord := run.NewCoordinator(builder, fetcher,
		run.WithStore(store),
		run.WithHub(hub),
		run.WithMetrics(metrics),
		run.WithLogger(logger),
		run.WithConcurrency(cfg.PoolSize),
		run.WithDefaultNodeTimeout(cfg.nodeTimeout()),
	)
	defer coord.Close()

	defs, err := graphdef.LoadDir(cfg.DefinitionsDir)
	if err != nil {
		return fmt.Errorf("load graph definitions: %w", err)
	}
	for _, def := range defs {
		if err := coord.AddDefinition(def); err != nil {
			return err
		}
	}
	logger.Info("graph definitions loaded", "count", len(defs), "dir", cfg.DefinitionsDir)

	if cfg.MetricsAddr != "" {
		go serveMetrics(cfg.MetricsAddr, logger)
	}

	if scheduleMode {
		return runScheduler(ctx, store, coord, logger)
	}

	if graphID == "" || instrumentID == "" {
		flag.Usage()
		return fmt.Errorf("both -graph and -instrument are required for a single run")
	}

	asOf := time.Now().UTC()
	if asOfFlag != "" {
		asOf, err = time.Parse(time.RFC3339, asOfFlag)
		if err != nil {
			return fmt.Errorf("parse -as-of: %w", err)
		}
	}

	var params map[string]any
	if cfg.DefaultCash > 0 {
		params = map[string]any{
			schema.SeedKeyPortfolio: schema.Portfolio{Cash: decimal.NewFromFloat(cfg.DefaultCash)},
		}
	}

	runCtx, cancel := context.WithTimeout(ctx, cfg.runTimeout())
	defer cancel()

	result, err := coord.Run(runCtx, graphID, instrumentID, asOf, params)
	if err != nil {
		return err
	}

	out, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

func runScheduler(ctx context.Context, store audit.Store, coord *run.Coordinator, logger *slog.Logger) error {
	sched := schedule.NewScheduler(store, coord, logger)
	if err := sched.RecoverMissed(ctx); err != nil {
		logger.Warn("missed-schedule recovery failed", "error", err)
	}
	if err := sched.Start(ctx); err != nil {
		return err
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("shutting down")
	sched.Stop()
	return nil
}

func buildRegistry(cfg Config) (*strategy.Registry, error) {
	registry := strategy.NewRegistry()
	if err := persona.RegisterAll(registry); err != nil {
		return nil, err
	}

	celEngine, err := rules.NewCELEngine()
	if err != nil {
		return nil, err
	}
	provider := constraints.NewStaticProvider(constraints.Limits{
		MaxPositionSize: decimal.NewFromFloat(cfg.MaxPositionSize),
		MinConfidence:   cfg.MinConfidence,
	})
	if err := aggregate.RegisterAll(registry, provider, celEngine, rules.NewExprEngine()); err != nil {
		return nil, err
	}
	return registry, nil
}

func buildFetcher(cfg Config, logger *slog.Logger) (state.Fetcher, error) {
	if cfg.Provider.BaseURL == "" {
		logger.Warn("no data provider configured, runs will see empty market data")
		return fetch.NewStaticAdapter(), nil
	}

	specs := map[string]fetch.MetricSpec{}
	if cfg.Provider.MetricsPath != "" {
		data, err := os.ReadFile(cfg.Provider.MetricsPath)
		if err != nil {
			return nil, fmt.Errorf("read provider metric specs: %w", err)
		}
		if err := json.Unmarshal(data, &specs); err != nil {
			return nil, fmt.Errorf("parse provider metric specs: %w", err)
		}
	}

	adapter, err := fetch.NewHTTPAdapter(fetch.HTTPConfig{
		Name:         "provider",
		BaseURL:      cfg.Provider.BaseURL,
		APIKeyHeader: cfg.Provider.APIKeyHeader,
		APIKey:       cfg.Provider.APIKey,
		Timeout:      cfg.Provider.timeout(),
		OnBreakerTransition: func(provider string, from, to fetch.CircuitState) {
			logger.Warn("provider circuit breaker transition", "provider", provider, "from", from, "to", to)
		},
	}, specs)
	if err != nil {
		return nil, err
	}
	return fetch.NewMemoAdapter(adapter, 5*time.Minute), nil
}

func serveMetrics(addr string, logger *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	logger.Info("metrics listening", "addr", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Error("metrics server stopped", "error", err)
	}
}
