package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aluiziolira/go-price-watch/config"
	"github.com/aluiziolira/go-price-watch/metrics"
	"github.com/aluiziolira/go-price-watch/resilience"
	"github.com/aluiziolira/go-price-watch/store"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli/v2"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		slog.Info("shutdown signal received, waiting for in-flight work to finish")
	}()

	a := &app{}
	if err := a.newCLI().RunContext(ctx, os.Args); err != nil {
		slog.Error("command failed", slog.Any("error", err))
		stop()
		os.Exit(1)
	}
}

// app carries the state shared by every command.
type app struct {
	cfg           *config.Config
	profiles      map[string]config.SiteProfile
	metrics       *metrics.Metrics
	breakers      *resilience.Registry
	metricsServer *http.Server
}

func (a *app) newCLI() *cli.App {
	return &cli.App{
		Name:  "pricewatch",
		Usage: "track supplier prices and reconcile them against the store catalog",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "verbose", Aliases: []string{"v"}, Usage: "enable debug logging"},
			&cli.StringFlag{Name: "config", Aliases: []string{"c"}, Usage: "YAML file with sites, site profiles and catalog field mapping"},
			&cli.StringFlag{Name: "env-file", Value: ".env", Usage: "dotenv file loaded before PRICEWATCH_* variables are read"},
			&cli.StringFlag{Name: "db-driver", Usage: "sqlite or postgres"},
			&cli.StringFlag{Name: "db-dsn", Usage: "database DSN or SQLite file path"},
			&cli.StringFlag{Name: "metrics-addr", Usage: "Prometheus metrics listen address (e.g. :9090)"},
		},
		Before: a.setup,
		After:  a.teardown,
		Commands: []*cli.Command{
			crawlCommand(a),
			rescrapeCommand(a),
			syncCatalogCommand(a),
			reconcileCommand(a),
			verifyCommand(a),
			checkCommand(a),
			resultsCommand(a),
			resolveCommand(a),
			runsCommand(a),
		},
	}
}

// setup loads configuration in increasing precedence: defaults, dotenv and
// environment, global flags, then the YAML file for profiles and sites.
func (a *app) setup(c *cli.Context) error {
	if err := config.LoadDotEnv(c.String("env-file")); err != nil {
		return err
	}

	cfg := config.DefaultConfig()
	if err := config.ApplyEnv(cfg); err != nil {
		return fmt.Errorf("invalid environment: %w", err)
	}
	if c.IsSet("verbose") {
		cfg.Verbose = c.Bool("verbose")
	}
	if c.IsSet("config") {
		cfg.ProfilesFile = c.String("config")
	}
	if c.IsSet("db-driver") {
		cfg.DatabaseDriver = c.String("db-driver")
	}
	if c.IsSet("db-dsn") {
		cfg.DatabaseDSN = c.String("db-dsn")
	}
	if c.IsSet("metrics-addr") {
		cfg.MetricsAddr = c.String("metrics-addr")
	}

	logger, level := newLogger(cfg.Verbose)
	slog.SetDefault(logger)
	slog.SetLogLoggerLevel(level.Level())

	if cfg.ProfilesFile != "" {
		file, err := config.LoadFile(cfg.ProfilesFile)
		if err != nil {
			return err
		}
		file.Apply(cfg)
		a.profiles = file.ProfileIndex()
		slog.Debug("config file loaded",
			slog.String("path", cfg.ProfilesFile),
			slog.Int("profiles", len(a.profiles)),
			slog.Int("sites", len(cfg.Sites)),
		)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	a.cfg = cfg
	a.metrics = metrics.NewMetrics()
	a.breakers = resilience.NewRegistry(resilience.BreakerSettings{
		FailureThreshold: cfg.BreakerFailureThreshold,
		SuccessThreshold: cfg.BreakerSuccessThreshold,
		ResetTimeout:     cfg.BreakerResetTimeout,
	}, a.metrics)

	if cfg.MetricsAddr != "" {
		a.metricsServer = &http.Server{
			Addr:    cfg.MetricsAddr,
			Handler: promhttp.HandlerFor(a.metrics.Registry, promhttp.HandlerOpts{}),
		}
		go func() {
			if err := a.metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("metrics server failed", slog.Any("error", err))
			}
		}()
		slog.Info("metrics server enabled", slog.String("addr", cfg.MetricsAddr))
	}
	return nil
}

func (a *app) teardown(*cli.Context) error {
	if a.metricsServer == nil {
		return nil
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.metricsServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("metrics server shutdown failed", slog.Any("error", err))
	}
	return nil
}

func (a *app) retryConfig() resilience.RetryConfig {
	return resilience.RetryConfig{
		MaxRetries: a.cfg.MaxRetries,
		Backoff:    a.cfg.RetryBackoff,
		BackoffMax: a.cfg.RetryBackoffMax,
	}
}

// guard returns a retrying, breaker-protected guard for a named dependency.
func (a *app) guard(name string) *resilience.Guard {
	return resilience.NewRegistryGuard(a.breakers, name, a.retryConfig())
}

func (a *app) openStore(ctx context.Context) (*store.Store, error) {
	s, err := store.Open(ctx, a.cfg.DatabaseDriver, a.cfg.DatabaseDSN)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	return s, nil
}

// withStore opens the store for the duration of fn.
func (a *app) withStore(c *cli.Context, fn func(*store.Store) error) error {
	s, err := a.openStore(c.Context)
	if err != nil {
		return err
	}
	defer func() {
		if err := s.Close(); err != nil {
			slog.Error("close store", slog.Any("error", err))
		}
	}()
	return fn(s)
}

func newLogger(verbose bool) (*slog.Logger, *slog.LevelVar) {
	level := &slog.LevelVar{}
	if verbose {
		level.Set(slog.LevelDebug)
	} else {
		level.Set(slog.LevelInfo)
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if isTerminal(os.Stderr) {
		handler = slog.NewTextHandler(os.Stderr, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	}

	return slog.New(handler), level
}

func isTerminal(f *os.File) bool {
	info, err := f.Stat()
	if err != nil {
		return false
	}
	return (info.Mode() & os.ModeCharDevice) != 0
}
