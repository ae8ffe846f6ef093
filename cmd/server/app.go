package main

import (
	"context"
	"portmeter/internal/billing"
	"portmeter/internal/config"
	"portmeter/internal/database"
	"portmeter/internal/jobs"
	"portmeter/internal/logging"
	"portmeter/internal/metrics"
	"portmeter/internal/services"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"
)

// app holds everything a command needs to run cycles.
type app struct {
	cfg      *config.Config
	log      *logrus.Logger
	registry *prometheus.Registry
	metrics  *metrics.Metrics
	cycles   *services.CycleService
	closers  []func() error
}

func newApp(ctx context.Context) (*app, error) {
	// 1. Load Config
	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, err
	}
	log := logging.New(cfg.LogLevel, cfg.LogFormat)

	// 2. Init DB
	if err := database.InitDB(cfg.DatabasePath, log); err != nil {
		return nil, err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	a := &app{cfg: cfg, log: log, registry: reg, metrics: m}

	// 3. Job queue
	var dispatcher jobs.Dispatcher
	if cfg.RedisAddr != "" {
		rd, err := jobs.NewRedisDispatcher(ctx, jobs.RedisConfig{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			Prefix:   cfg.JobQueuePrefix,
		})
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, rd.Close)
		dispatcher = rd
	} else {
		log.Warn("REDIS_ADDR not set, jobs are kept in memory and never executed")
		dispatcher = jobs.NewMemoryDispatcher(1000, log)
	}

	// 4. Metering services
	billingCfg := billing.Config{
		APIHost:      cfg.BillingAPIHost,
		APIKey:       cfg.BillingAPIKey,
		NodeID:       cfg.BillingNodeID,
		NodeType:     cfg.BillingNodeType,
		Timeout:      cfg.BillingTimeout,
		MaxRetries:   cfg.BillingMaxRetries,
		RetryBackoff: cfg.BillingRetryBackoff,
	}
	if !cfg.BillingEnabled() {
		log.Info("BILLING_API_HOST not set, billing sync disabled")
	}
	exec := services.NewLimitExecutor(dispatcher, log, m)
	a.cycles = services.NewCycleService(
		database.DB,
		services.NewLedger(log, m),
		exec,
		services.NewBillingSync(exec, log),
		billing.NewRegistry(billingCfg, log, m),
		log,
		m,
	)
	a.closers = append(a.closers, func() error {
		sqlDB, err := database.DB.DB()
		if err != nil {
			return err
		}
		return sqlDB.Close()
	})
	return a, nil
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.log.WithError(err).Warn("close failed")
		}
	}
}
