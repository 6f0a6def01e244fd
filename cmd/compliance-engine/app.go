package main

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/medlims/compliance-engine/internal/audit"
	"github.com/medlims/compliance-engine/internal/cache"
	"github.com/medlims/compliance-engine/internal/config"
	"github.com/medlims/compliance-engine/internal/currency"
	"github.com/medlims/compliance-engine/internal/database"
	"github.com/medlims/compliance-engine/internal/events"
	"github.com/medlims/compliance-engine/internal/fhir"
	"github.com/medlims/compliance-engine/internal/metrics"
	"github.com/medlims/compliance-engine/internal/notification"
	"github.com/medlims/compliance-engine/internal/realtime"
	"github.com/medlims/compliance-engine/internal/reporting"
)

type eventProducer interface {
	reporting.EventPublisher
	Close() error
}

// app holds the wired components of the service
type app struct {
	cfg    *config.Config
	logger *zap.Logger

	metrics   *metrics.Collector
	db        *sqlx.DB
	redis     *redis.Client
	producer  eventProducer
	fhir      *fhir.Client
	hub       *realtime.Hub
	notifier  notification.Notifier
	trail     *audit.Trail
	reports   *reporting.Service
	scheduler *reporting.Scheduler
	exporter  *reporting.Exporter
	currency  *currency.Service
}

// newApp connects the optional backends and wires every component. Backends
// without a configured host are skipped and the service runs in memory.
func newApp(ctx context.Context, cfg *config.Config, logger *zap.Logger, reg prometheus.Registerer) (*app, error) {
	a := &app{cfg: cfg, logger: logger}
	wired := false
	defer func() {
		if !wired {
			a.close()
		}
	}()

	var err error

	if cfg.Monitoring.EnableMetrics && reg != nil {
		a.metrics = metrics.NewCollector(reg)
	}

	if cfg.Database.Host != "" {
		if a.db, err = database.Connect(ctx, cfg.Database, logger); err != nil {
			return nil, err
		}
		if cfg.Database.RunMigrations {
			if err = database.RunMigrations(a.db, logger); err != nil {
				return nil, err
			}
		}
	}

	var reportCache *cache.ReportCache
	if cfg.Redis.Host != "" {
		if a.redis, err = cache.Connect(ctx, cfg.Redis); err != nil {
			return nil, err
		}
		reportCache = cache.NewReportCache(a.redis, cfg.Redis.TTL, logger)
	}

	if brokers := cfg.KafkaBrokers(); len(brokers) > 0 {
		a.producer = events.NewProducer(cfg.Kafka, brokers, logger)
	} else {
		a.producer = events.NopProducer{}
	}

	a.fhir = fhir.NewClient(fhir.Options{
		BaseURL:     cfg.FHIR.BaseURL,
		AccessToken: cfg.FHIR.AccessToken,
		Timeout:     cfg.FHIR.Timeout,
	}, logger, a.metrics)

	a.hub = realtime.NewHub(logger)
	a.notifier = notification.MultiNotifier{
		notification.NewLogNotifier(logger),
		realtime.NewHubNotifier(a.hub),
	}

	trailOpts := []audit.Option{audit.WithMetrics(a.metrics)}
	if a.db != nil {
		trailOpts = append(trailOpts, audit.WithStore(database.NewAuditRepository(a.db, logger)))
	}
	if a.fhir.Configured() {
		trailOpts = append(trailOpts, audit.WithEventSource(a.fhir, cfg.FHIR.PageSize))
	}
	a.trail = audit.NewTrail(cfg.Audit, logger, trailOpts...)

	reportOpts := []reporting.Option{
		reporting.WithBuilders(reporting.DefaultBuilders(reporting.StaticSource{}, a.trail)...),
		reporting.WithErrorHandler(notification.NewErrorHandler(logger, a.metrics, a.notifier)),
		reporting.WithNotifier(a.notifier),
		reporting.WithMetrics(a.metrics),
		reporting.WithEvents(a.producer),
		reporting.WithAuditRecorder(a.trail),
	}
	if a.db != nil {
		reportOpts = append(reportOpts, reporting.WithStore(database.NewReportRepository(a.db, logger)))
	}
	if reportCache != nil {
		reportOpts = append(reportOpts, reporting.WithCache(reportCache))
	}
	a.reports = reporting.NewService(cfg.Reporting, logger, reportOpts...)

	if cfg.Reporting.Scheduling.EnableScheduler {
		a.scheduler = reporting.NewScheduler(cfg.Reporting, a.reports, logger, a.metrics)
	}
	a.exporter = reporting.NewExporter(cfg.Reporting)

	if a.currency, err = currency.NewService(cfg.Currency.Default, logger); err != nil {
		return nil, fmt.Errorf("invalid default currency: %w", err)
	}
	wired = true
	return a, nil
}

// close releases the backend connections
func (a *app) close() {
	if a.trail != nil {
		a.trail.Close()
	}
	if a.producer != nil {
		if err := a.producer.Close(); err != nil {
			a.logger.Warn("Failed to close event producer", zap.Error(err))
		}
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.logger.Warn("Failed to close Redis client", zap.Error(err))
		}
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			a.logger.Warn("Failed to close database", zap.Error(err))
		}
	}
}
