// Command conductord runs the task coordination daemon: the scheduler,
// workflow engine, backend lifecycle manager and the HTTP control API.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/conductorlabs/conductor/internal/backend"
	"github.com/conductorlabs/conductor/internal/circuitbreaker"
	"github.com/conductorlabs/conductor/internal/config"
	"github.com/conductorlabs/conductor/internal/events"
	"github.com/conductorlabs/conductor/internal/executor"
	"github.com/conductorlabs/conductor/internal/health"
	"github.com/conductorlabs/conductor/internal/httpapi"
	"github.com/conductorlabs/conductor/internal/lifecycle"
	"github.com/conductorlabs/conductor/internal/ratecontrol"
	"github.com/conductorlabs/conductor/internal/registry"
	"github.com/conductorlabs/conductor/internal/scheduler"
	"github.com/conductorlabs/conductor/internal/store"
	"github.com/conductorlabs/conductor/internal/workflow"
)

func main() {
	configPath := flag.String("config", "", "path to conductor.yaml")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := buildLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "build logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("Daemon exited", zap.Error(err))
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	// Task store: Postgres when configured, in-memory otherwise.
	var st store.Store
	if cfg.Database.Host != "" {
		pg, err := store.NewPostgresStore(store.PostgresConfig{
			Host:     cfg.Database.Host,
			Port:     cfg.Database.Port,
			User:     cfg.Database.User,
			Password: cfg.Database.Password,
			Database: cfg.Database.Database,
			SSLMode:  cfg.Database.SSLMode,
		}, logger)
		if err != nil {
			return fmt.Errorf("postgres store: %w", err)
		}
		defer pg.Close()
		st = pg
	} else {
		logger.Info("No database configured, using in-memory task store")
		st = store.NewMemoryStore()
	}

	// Event fan-out, optionally mirrored to a Redis stream.
	var downstream backend.Sink
	if cfg.Redis.Addr != "" {
		sink, err := events.NewRedisSink(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.Stream, logger)
		if err != nil {
			return fmt.Errorf("redis sink: %w", err)
		}
		defer sink.Close()
		downstream = sink
	}
	emitter := events.NewEmitter(cfg.Scheduler.HistorySize, downstream, logger)

	// Backend registry with circuit-broken HTTP clients.
	reg := registry.New(logger)
	for _, b := range cfg.Backends {
		client := backend.NewGuardedClient(b.Class,
			backend.NewHTTPClient(b.Addr), circuitbreaker.DefaultConfig(), logger)
		reg.Register(b.Class, b.Addr, client)
	}

	lm := lifecycle.NewManager(reg, cfg.Lifecycle.SweepInterval, logger)
	for _, b := range cfg.Backends {
		lm.Configure(b.Class, lifecycle.Options{
			WakeTimeout:       b.WakeTimeout,
			ReadyPollInterval: b.ReadyPollInterval,
			IdleTimeout:       b.IdleTimeout,
			SleepGrace:        b.SleepGrace,
		})
	}
	lm.Start()
	defer lm.Stop()

	gov := ratecontrol.New(logger)
	if err := configureQuotas(cfg, gov); err != nil {
		return err
	}

	exec := executor.New(reg, lm, gov, executor.Options{
		MaxSteps:            cfg.Executor.MaxSteps,
		MaxToolCallsPerStep: cfg.Executor.MaxToolCallsPerStep,
		StepTimeout:         cfg.Executor.StepTimeout,
		StepRetries:         cfg.Executor.StepRetries,
		RetryBaseDelay:      cfg.Executor.RetryBaseDelay,
		RetryMaxDelay:       cfg.Executor.RetryMaxDelay,
		TaskTimeout:         cfg.Executor.TaskTimeout,
	}, logger)

	sched := scheduler.New(exec, st, emitter, logger, scheduler.Options{
		HistorySize:   cfg.Scheduler.HistorySize,
		FallbackClass: cfg.Scheduler.FallbackClass,
	})
	for _, b := range cfg.Backends {
		sched.SetCapacity(b.Class, b.MaxConcurrent)
	}

	engine := workflow.NewEngine(sched, emitter, logger)

	prober := health.NewProber(reg, cfg.Lifecycle.HealthProbeInterval, logger)
	prober.Start()
	defer prober.Stop()

	// Control API.
	mux := http.NewServeMux()
	api := httpapi.NewServer(sched, engine, reg, lm, prober, st, logger)
	api.RegisterRoutes(mux)
	apiSrv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())
	metricsSrv := &http.Server{Addr: cfg.Server.MetricsAddr, Handler: metricsMux}

	errCh := make(chan error, 2)
	go func() {
		logger.Info("API listening", zap.String("addr", cfg.Server.Addr))
		if err := apiSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("api server: %w", err)
		}
	}()
	go func() {
		logger.Info("Metrics listening", zap.String("addr", cfg.Server.MetricsAddr))
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("metrics server: %w", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		logger.Info("Shutting down", zap.String("signal", sig.String()))
	case err := <-errCh:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := apiSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("API shutdown error", zap.Error(err))
	}
	if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Metrics shutdown error", zap.Error(err))
	}
	if err := sched.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Scheduler drain timed out", zap.Error(err))
	}
	logger.Info("Shutdown complete")
	return nil
}

// configureQuotas applies per-backend quotas, with the limits file taking
// precedence over inline backend settings.
func configureQuotas(cfg *config.Config, gov *ratecontrol.Governor) error {
	inline := make(map[string]ratecontrol.Limit, len(cfg.Backends))
	classes := make([]string, 0, len(cfg.Backends))
	for _, b := range cfg.Backends {
		classes = append(classes, b.Class)
		inline[b.Class] = ratecontrol.Limit{RequestsPerMinute: b.RequestsPerMinute, Burst: b.Burst}
	}
	if cfg.RateLimitsPath == "" {
		for class, limit := range inline {
			gov.Configure(class, limit)
		}
		return nil
	}
	limits, err := ratecontrol.LoadOverrides(cfg.RateLimitsPath, classes, ratecontrol.Limit{})
	if err != nil {
		return fmt.Errorf("rate limits: %w", err)
	}
	for class, limit := range limits {
		if limit.RequestsPerMinute <= 0 {
			limit = inline[class]
		}
		gov.Configure(class, limit)
	}
	return nil
}

func buildLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		level = zapcore.InfoLevel
	}
	var zc zap.Config
	if cfg.Format == "console" {
		zc = zap.NewDevelopmentConfig()
	} else {
		zc = zap.NewProductionConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}
