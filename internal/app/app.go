// Package app wires the optional sinks shared by the gomine commands:
// Prometheus metrics, the database manager and the Kafka publisher. Sink
// failures are logged and never stop a search or a self-test.
package app

import (
	"context"
	"time"

	"github.com/bardlex/gomine/internal/config"
	"github.com/bardlex/gomine/internal/database"
	"github.com/bardlex/gomine/internal/database/influx"
	"github.com/bardlex/gomine/internal/database/postgres"
	"github.com/bardlex/gomine/internal/database/redis"
	"github.com/bardlex/gomine/internal/header"
	"github.com/bardlex/gomine/internal/messaging"
	"github.com/bardlex/gomine/internal/metrics"
	"github.com/bardlex/gomine/internal/mining"
	"github.com/bardlex/gomine/internal/validation"
	"github.com/bardlex/gomine/pkg/errors"
	"github.com/bardlex/gomine/pkg/log"
)

var errNoDatabase = errors.New(errors.ErrorTypeDatabase, "history", "no database is enabled")

// App carries the sinks of one command. DB and Publisher are nil when
// their stores are disabled.
type App struct {
	Source    string
	Config    *config.Config
	Logger    *log.Logger
	Metrics   *metrics.Metrics
	DB        *database.Manager
	Publisher messaging.Publisher

	kafka *messaging.KafkaClient
}

// New opens the sinks enabled in cfg. source names the command in stored
// records, events and metric labels.
func New(ctx context.Context, source string, cfg *config.Config, logger *log.Logger) (*App, error) {
	a := &App{
		Source:  source,
		Config:  cfg,
		Logger:  logger,
		Metrics: metrics.New(),
	}

	if dbCfg := DatabaseConfig(source, cfg); dbCfg != nil {
		db, err := database.NewManager(ctx, dbCfg, logger)
		if err != nil {
			return nil, err
		}
		a.DB = db
	}

	if cfg.Kafka.Enabled {
		a.kafka = messaging.NewKafkaClient(cfg.Kafka.Brokers, logger)
		a.Publisher = a.kafka
	}

	return a, nil
}

// DatabaseConfig maps the enabled stores in cfg, or returns nil when none
// is enabled.
func DatabaseConfig(source string, cfg *config.Config) *database.Config {
	dbCfg := &database.Config{Source: source, HeaderTTL: cfg.Redis.TTL}
	enabled := false

	if cfg.Postgres.Enabled {
		dbCfg.Postgres = postgres.DefaultConfig(cfg.Postgres.URL)
		enabled = true
	}
	if cfg.Redis.Enabled {
		dbCfg.Redis = redis.DefaultConfig(cfg.Redis.URL)
		enabled = true
	}
	if cfg.Influx.Enabled {
		dbCfg.Influx = &influx.Config{
			URL:    cfg.Influx.URL,
			Token:  cfg.Influx.Token,
			Org:    cfg.Influx.Org,
			Bucket: cfg.Influx.Bucket,
		}
		enabled = true
	}

	if !enabled {
		return nil
	}
	return dbCfg
}

// Kafka returns the Kafka client, or nil when Kafka is disabled.
func (a *App) Kafka() *messaging.KafkaClient {
	return a.kafka
}

// ServeMetrics exposes /metrics until ctx is done.
func (a *App) ServeMetrics(ctx context.Context) error {
	return a.Metrics.Serve(ctx, a.Config.MetricsAddr(), a.Logger)
}

// HeaderSource wraps src with the header cache when Redis is enabled.
func (a *App) HeaderSource(src validation.HeaderSource) validation.HeaderSource {
	if a.DB == nil {
		return src
	}
	return a.DB.Source(src)
}

// SearchHistory returns the recent runs over the template identified by
// templateHash. Lookup failures are logged and give an empty history.
func (a *App) SearchHistory(ctx context.Context, templateHash string, limit int) []*postgres.SearchRun {
	if a.DB == nil {
		return nil
	}
	runs, err := a.DB.SearchHistory(ctx, templateHash, limit)
	if err != nil {
		a.Logger.WithError(err).Warn("failed to read search history")
		return nil
	}
	return runs
}

// StoredHeaders returns the header records kept for height.
func (a *App) StoredHeaders(ctx context.Context, height int64) ([]*postgres.HeaderRecord, error) {
	if a.DB == nil {
		return nil, errNoDatabase
	}
	return a.DB.StoredHeaders(ctx, height)
}

// HashRateHistory returns the search hash rate source reported over the
// last window.
func (a *App) HashRateHistory(ctx context.Context, source string, window time.Duration) ([]influx.HashRatePoint, error) {
	if a.DB == nil {
		return nil, errNoDatabase
	}
	return a.DB.HashRateHistory(ctx, source, window)
}

// RecordFound hands a header yielded by a search to every sink.
func (a *App) RecordFound(ctx context.Context, h *header.Header, difficulty string) {
	if a.DB != nil {
		if err := a.DB.RecordFound(ctx, h); err != nil {
			a.Logger.WithError(err).Error("failed to record found header")
		}
	}
	if a.Publisher != nil {
		e := messaging.FoundEvent(a.Source, h, difficulty)
		if err := messaging.PublishHeaderEvent(ctx, a.Publisher, messaging.TopicHeadersFound, e); err != nil {
			a.Logger.WithError(err).Error("failed to publish found header")
		}
	}
}

// RecordSearch hands the statistics of a finished run to every sink.
// templateHash identifies the header template the run searched.
func (a *App) RecordSearch(ctx context.Context, templateHash string, s mining.Stats) {
	a.Metrics.ObserveSearch(a.Source, s)
	if a.DB != nil {
		if err := a.DB.RecordSearchRun(ctx, templateHash, s); err != nil {
			a.Logger.WithError(err).Error("failed to record search run")
		}
	}
	if a.Publisher != nil {
		msg := messaging.NewSearchStatsMessage(a.Source, s)
		if err := messaging.PublishSearchStats(ctx, a.Publisher, msg); err != nil {
			a.Logger.WithError(err).Error("failed to publish search stats")
		}
	}
}

// RecordValidation hands a self-test report to every sink.
func (a *App) RecordValidation(ctx context.Context, r *validation.Report) {
	a.Metrics.ObserveValidation(a.Source, r)
	if a.DB != nil {
		if err := a.DB.RecordValidation(ctx, r); err != nil {
			a.Logger.WithError(err).Error("failed to record validation")
		}
	}
	if a.Publisher != nil && r.Header != nil {
		e := messaging.ValidatedEvent(a.Source, r)
		if err := messaging.PublishHeaderEvent(ctx, a.Publisher, messaging.TopicHeadersValidated, e); err != nil {
			a.Logger.WithError(err).Error("failed to publish validation")
		}
	}
}

// Close closes every open sink.
func (a *App) Close() error {
	var firstErr error
	if a.kafka != nil {
		if err := a.kafka.Close(); err != nil {
			firstErr = err
		}
	}
	if a.DB != nil {
		if err := a.DB.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
