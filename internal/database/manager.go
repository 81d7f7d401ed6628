// Package database coordinates the stores gomine writes to: PostgreSQL for
// durable header and run records, Redis for the raw-header cache and
// counters, and InfluxDB for time series. Each store is optional.
package database

import (
	"context"
	"fmt"
	"time"

	"github.com/bardlex/gomine/internal/bitcoin"
	"github.com/bardlex/gomine/internal/compact"
	"github.com/bardlex/gomine/internal/database/influx"
	"github.com/bardlex/gomine/internal/database/postgres"
	"github.com/bardlex/gomine/internal/database/redis"
	"github.com/bardlex/gomine/internal/header"
	"github.com/bardlex/gomine/internal/mining"
	"github.com/bardlex/gomine/internal/validation"
	"github.com/bardlex/gomine/pkg/circuit"
	"github.com/bardlex/gomine/pkg/errors"
	"github.com/bardlex/gomine/pkg/log"
	"github.com/bardlex/gomine/pkg/retry"
)

// Counter names kept in Redis.
const (
	CounterFound      = "found"
	CounterTried      = "tried"
	CounterValidated  = "validated"
	CounterInvalid    = "invalid"
	CounterCacheHits  = "cache_hits"
	CounterCacheMiss  = "cache_misses"
	defaultHeaderTTL  = 24 * time.Hour
	defaultSourceName = "gomine"
	searchHistoryTTL  = 10 * time.Minute
)

// Manager coordinates all database operations. A nil store is skipped.
type Manager struct {
	Postgres *postgres.Client
	Redis    *redis.Client
	Influx   *influx.Client

	Headers    *postgres.HeaderRepository
	SearchRuns *postgres.SearchRunRepository

	source    string
	headerTTL time.Duration
	logger    *log.Logger

	circuitBreaker *circuit.Breaker
	retryConfig    *retry.Config
}

// Config selects the stores to open. A nil section disables that store.
type Config struct {
	Source    string
	HeaderTTL time.Duration
	Postgres  *postgres.Config
	Redis     *redis.Config
	Influx    *influx.Config
}

// NewManager opens every configured store. On failure the stores already
// opened are closed again.
func NewManager(ctx context.Context, cfg *Config, logger *log.Logger) (*Manager, error) {
	m := newManager(cfg, logger)

	if cfg.Postgres != nil {
		pgClient, err := postgres.NewClient(ctx, cfg.Postgres)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeDatabase, "postgres_connection",
				"failed to connect to PostgreSQL database")
		}
		if err := pgClient.Migrate(ctx); err != nil {
			_ = pgClient.Close()
			return nil, errors.Wrap(err, errors.ErrorTypeDatabase, "postgres_migrate",
				"failed to create tables")
		}
		m.Postgres = pgClient
		m.Headers = postgres.NewHeaderRepository(pgClient.DB())
		m.SearchRuns = postgres.NewSearchRunRepository(pgClient.DB())
	}

	if cfg.Redis != nil {
		redisClient, err := redis.NewClient(ctx, cfg.Redis)
		if err != nil {
			m.closeWithLog()
			return nil, errors.Wrap(err, errors.ErrorTypeDatabase, "redis_connection",
				"failed to connect to Redis database")
		}
		m.Redis = redisClient
	}

	if cfg.Influx != nil {
		influxClient, err := influx.NewClient(ctx, cfg.Influx)
		if err != nil {
			m.closeWithLog()
			return nil, errors.Wrap(err, errors.ErrorTypeDatabase, "influx_connection",
				"failed to connect to InfluxDB database")
		}
		m.Influx = influxClient
	}

	return m, nil
}

func newManager(cfg *Config, logger *log.Logger) *Manager {
	logger = logger.WithComponent("database")

	source := cfg.Source
	if source == "" {
		source = defaultSourceName
	}
	ttl := cfg.HeaderTTL
	if ttl <= 0 {
		ttl = defaultHeaderTTL
	}

	cbConfig := &circuit.Config{
		Name:            "postgres",
		MaxFailures:     3,
		SuccessRequired: 2,
		Timeout:         30 * time.Second,
		ResetTimeout:    60 * time.Second,
		OnStateChange: func(name string, from, to circuit.State) {
			logger.Warn("circuit breaker state changed", "breaker", name, "from", from.String(), "to", to.String())
		},
	}

	return &Manager{
		source:         source,
		headerTTL:      ttl,
		logger:         logger,
		circuitBreaker: circuit.New(cbConfig),
		retryConfig:    retry.DatabaseConfig(),
	}
}

func (m *Manager) closeWithLog() {
	if err := m.Close(); err != nil {
		m.logger.WithError(err).Warn("failed to close stores during error cleanup")
	}
}

// Close closes all open connections
func (m *Manager) Close() error {
	var errs []error

	if m.Postgres != nil {
		if err := m.Postgres.Close(); err != nil {
			errs = append(errs, fmt.Errorf("PostgreSQL close error: %w", err))
		}
	}

	if m.Redis != nil {
		if err := m.Redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("redis close error: %w", err))
		}
	}

	if m.Influx != nil {
		m.Influx.Close()
	}

	if len(errs) > 0 {
		return fmt.Errorf("database close errors: %v", errs)
	}
	return nil
}

// Health checks every open store
func (m *Manager) Health(ctx context.Context) error {
	if m.Postgres != nil {
		if err := m.Postgres.Health(ctx); err != nil {
			return fmt.Errorf("PostgreSQL health check failed: %w", err)
		}
	}

	if m.Redis != nil {
		if err := m.Redis.Health(ctx); err != nil {
			return fmt.Errorf("redis health check failed: %w", err)
		}
	}

	if m.Influx != nil {
		if err := m.Influx.Health(ctx); err != nil {
			return fmt.Errorf("InfluxDB health check failed: %w", err)
		}
	}

	return nil
}

// High-level operations that coordinate across the stores

// RecordFound stores a header yielded by a nonce search. PostgreSQL is
// the critical write; the cache and time series are best effort.
func (m *Manager) RecordFound(ctx context.Context, h *header.Header) error {
	hash, _ := h.Hash()
	nonce, _ := h.Nonce()
	difficulty := 0.0
	if d, err := h.Difficulty(nil); err == nil {
		difficulty = compact.Float64(d)
	}

	if err := m.storeHeader(ctx, h, true, ""); err != nil {
		return err
	}

	if m.Influx != nil {
		m.Influx.WriteNonceFound(m.source, hash.String(), nonce, difficulty)
	}
	m.cacheHeader(ctx, h)
	m.incr(ctx, CounterFound, 1)
	return nil
}

// RecordSearchRun stores the statistics of a finished run over the
// header template identified by templateHash.
func (m *Manager) RecordSearchRun(ctx context.Context, templateHash string, s mining.Stats) error {
	if m.SearchRuns != nil {
		run := postgres.NewSearchRun(m.source, templateHash, s)
		err := m.circuitBreaker.Execute(ctx, func() error {
			return retry.Do(ctx, m.retryConfig, func() error {
				if err := m.SearchRuns.CreateSearchRun(ctx, run); err != nil {
					return errors.Wrap(err, errors.ErrorTypeDatabase, "record_search_run",
						"failed to store search run in PostgreSQL").
						WithContext("header_hash", templateHash)
				}
				return nil
			})
		})
		if err != nil {
			return err
		}
	}

	if m.Influx != nil {
		m.Influx.WriteSearchRun(m.source, s)
	}
	m.dropCache(ctx, searchHistoryKey(templateHash))
	m.incr(ctx, CounterTried, int64(s.Tried))
	return nil
}

func searchHistoryKey(templateHash string) string {
	return "runs:" + templateHash
}

// SearchHistory returns up to limit of the most recent runs over the
// template identified by templateHash, newest first. The list is cached in
// Redis until the next run over the same template is recorded. Without
// PostgreSQL there is no history and the result is empty.
func (m *Manager) SearchHistory(ctx context.Context, templateHash string, limit int) ([]*postgres.SearchRun, error) {
	if m.SearchRuns == nil {
		return nil, nil
	}

	key := searchHistoryKey(templateHash)
	if m.Redis != nil {
		var runs []*postgres.SearchRun
		err := m.Redis.GetCache(ctx, key, &runs)
		switch {
		case err == nil && len(runs) >= limit:
			return runs[:limit], nil
		case err != nil && !errors.Is(err, redis.ErrCacheMiss):
			m.logger.WithError(err).Warn("search history cache read failed")
		}
	}

	runs, err := circuit.ExecuteWithResult(ctx, m.circuitBreaker, func() ([]*postgres.SearchRun, error) {
		return retry.DoWithResult(ctx, m.retryConfig, func() ([]*postgres.SearchRun, error) {
			runs, err := m.SearchRuns.GetRecentSearchRuns(ctx, templateHash, limit)
			if err != nil {
				return nil, errors.Wrap(err, errors.ErrorTypeDatabase, "search_history",
					"failed to read search runs from PostgreSQL").
					WithContext("header_hash", templateHash)
			}
			return runs, nil
		})
	})
	if err != nil {
		return nil, err
	}

	if m.Redis != nil && len(runs) > 0 {
		if err := m.Redis.SetCache(ctx, key, runs, searchHistoryTTL); err != nil {
			m.logger.WithError(err).Warn("failed to cache search history (non-critical)")
		}
	}
	return runs, nil
}

// StoredHeaders returns every header record kept for height, newest
// first. It needs PostgreSQL.
func (m *Manager) StoredHeaders(ctx context.Context, height int64) ([]*postgres.HeaderRecord, error) {
	if m.Headers == nil {
		return nil, errors.New(errors.ErrorTypeDatabase, "stored_headers", "PostgreSQL is not enabled")
	}
	return circuit.ExecuteWithResult(ctx, m.circuitBreaker, func() ([]*postgres.HeaderRecord, error) {
		return retry.DoWithResult(ctx, m.retryConfig, func() ([]*postgres.HeaderRecord, error) {
			recs, err := m.Headers.GetHeadersByHeight(ctx, height)
			if err != nil {
				return nil, errors.Wrap(err, errors.ErrorTypeDatabase, "stored_headers",
					"failed to read headers from PostgreSQL").
					WithContext("height", height)
			}
			return recs, nil
		})
	})
}

// HashRateHistory returns the search hash rate source reported over the
// last window. It needs InfluxDB.
func (m *Manager) HashRateHistory(ctx context.Context, source string, window time.Duration) ([]influx.HashRatePoint, error) {
	if m.Influx == nil {
		return nil, errors.New(errors.ErrorTypeDatabase, "hash_rate_history", "InfluxDB is not enabled")
	}
	points, err := m.Influx.GetHashRateHistory(ctx, source, window)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeDatabase, "hash_rate_history",
			"failed to query InfluxDB").
			WithContext("source", source)
	}
	return points, nil
}

// RecordValidation stores a self-test report.
func (m *Manager) RecordValidation(ctx context.Context, r *validation.Report) error {
	if r.Header != nil {
		if _, ok := r.Header.Hash(); ok {
			if err := m.storeHeader(ctx, r.Header, r.OK(), string(r.FailedStep())); err != nil {
				return err
			}
			if r.OK() {
				m.cacheHeader(ctx, r.Header)
			}
		}
	}

	if m.Influx != nil {
		m.Influx.WriteValidation(m.source, r)
	}
	if r.OK() {
		m.incr(ctx, CounterValidated, 1)
	} else {
		m.incr(ctx, CounterInvalid, 1)
	}
	return nil
}

func (m *Manager) storeHeader(ctx context.Context, h *header.Header, valid bool, failedStep string) error {
	if m.Headers == nil {
		return nil
	}
	rec, err := postgres.NewHeaderRecord(h, m.source, valid, failedStep)
	if err != nil {
		return err
	}

	err = m.circuitBreaker.Execute(ctx, func() error {
		return retry.Do(ctx, m.retryConfig, func() error {
			err := m.Headers.CreateHeader(ctx, rec)
			if err == nil || postgres.IsDuplicate(err) {
				return nil
			}
			return errors.Wrap(err, errors.ErrorTypeDatabase, "record_header",
				"failed to store header in PostgreSQL").
				WithContext("hash", rec.Hash).
				WithContext("source", rec.Source)
		})
	})
	return err
}

func (m *Manager) cacheHeader(ctx context.Context, h *header.Header) {
	if m.Redis == nil {
		return
	}
	if err := m.Redis.SetHeader(ctx, h, m.headerTTL); err != nil {
		m.logger.WithError(err).Warn("failed to cache header (non-critical)")
	}
}

func (m *Manager) dropCache(ctx context.Context, key string) {
	if m.Redis == nil {
		return
	}
	if err := m.Redis.DeleteCache(ctx, key); err != nil {
		m.logger.WithError(err).Warn("failed to drop cached entry (non-critical)", "key", key)
	}
}

func (m *Manager) incr(ctx context.Context, name string, delta int64) {
	if m.Redis == nil || delta == 0 {
		return
	}
	if _, err := m.Redis.IncrementCounter(ctx, name, delta); err != nil {
		m.logger.WithError(err).Warn("failed to update counter (non-critical)", "counter", name)
	}
}

// CachedSource reads headers through the Redis cache. Lookups by hash or
// by non-negative height are served from the cache when present; the tip
// always goes to the node.
type CachedSource struct {
	source validation.HeaderSource
	m      *Manager
}

var _ validation.HeaderSource = (*CachedSource)(nil)

// Source wraps src with the manager's cache. Without Redis it returns src
// unchanged.
func (m *Manager) Source(src validation.HeaderSource) validation.HeaderSource {
	if m.Redis == nil {
		return src
	}
	return &CachedSource{source: src, m: m}
}

// GetHeader implements validation.HeaderSource.
func (c *CachedSource) GetHeader(ctx context.Context, ref bitcoin.BlockRef) (*header.Header, error) {
	var (
		h   *header.Header
		ok  bool
		err error
	)
	switch {
	case ref.Hash != nil:
		h, ok, err = c.m.Redis.GetHeader(ctx, *ref.Hash)
	case ref.Height >= 0:
		h, ok, err = c.m.Redis.GetHeaderAtHeight(ctx, ref.Height)
	}
	if err != nil {
		c.m.logger.WithError(err).Warn("header cache read failed", "ref", ref.String())
	}
	if ok {
		c.m.incr(ctx, CounterCacheHits, 1)
		return h, nil
	}

	c.m.incr(ctx, CounterCacheMiss, 1)
	h, err = c.source.GetHeader(ctx, ref)
	if err != nil {
		return nil, err
	}
	c.m.cacheHeader(ctx, h)
	return h, nil
}
