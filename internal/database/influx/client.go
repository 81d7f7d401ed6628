// Package influx records search throughput and validation outcomes as
// InfluxDB time series.
package influx

import (
	"context"
	"fmt"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/bardlex/gomine/internal/mining"
	"github.com/bardlex/gomine/internal/validation"
)

// Measurements written by this package.
const (
	MeasurementSearch     = "search_runs"
	MeasurementFound      = "nonces_found"
	MeasurementValidation = "header_validations"
)

// Client wraps InfluxDB operations for time-series metrics
type Client struct {
	client   influxdb2.Client
	writeAPI api.WriteAPI
	queryAPI api.QueryAPI
	bucket   string
	org      string
}

// Config holds InfluxDB connection configuration
type Config struct {
	URL    string
	Token  string
	Org    string
	Bucket string
}

// NewClient creates a new InfluxDB client and checks the server's health
func NewClient(ctx context.Context, cfg *Config) (*Client, error) {
	client := influxdb2.NewClient(cfg.URL, cfg.Token)

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	c := &Client{
		client:   client,
		writeAPI: client.WriteAPI(cfg.Org, cfg.Bucket),
		queryAPI: client.QueryAPI(cfg.Org),
		bucket:   cfg.Bucket,
		org:      cfg.Org,
	}
	if err := c.Health(ctx); err != nil {
		client.Close()
		return nil, err
	}
	return c, nil
}

// Close flushes pending points and closes the connection
func (c *Client) Close() {
	c.writeAPI.Flush()
	c.client.Close()
}

// Health checks InfluxDB connectivity
func (c *Client) Health(ctx context.Context) error {
	health, err := c.client.Health(ctx)
	if err != nil {
		return fmt.Errorf("failed to check InfluxDB health: %w", err)
	}

	if health.Status != "pass" {
		msg := ""
		if health.Message != nil {
			msg = *health.Message
		}
		return fmt.Errorf("InfluxDB health check failed: %s", msg)
	}

	return nil
}

// Errors exposes asynchronous write failures.
func (c *Client) Errors() <-chan error {
	return c.writeAPI.Errors()
}

// WriteSearchRun records the statistics of one nonce search run
func (c *Client) WriteSearchRun(source string, s mining.Stats) {
	c.writeAPI.WritePoint(searchRunPoint(source, s, time.Now()))
}

// WriteNonceFound records one header yielded by a search
func (c *Client) WriteNonceFound(source, hash string, nonce uint32, difficulty float64) {
	c.writeAPI.WritePoint(noncePoint(source, hash, nonce, difficulty, time.Now()))
}

// WriteValidation records the outcome of a header self-test
func (c *Client) WriteValidation(source string, r *validation.Report) {
	c.writeAPI.WritePoint(validationPoint(source, r))
}

func searchRunPoint(source string, s mining.Stats, at time.Time) *write.Point {
	tags := map[string]string{
		"source":  source,
		"stopped": fmt.Sprintf("%t", s.Stopped),
	}
	fields := map[string]any{
		"start":       int64(s.Start),
		"end":         int64(s.End),
		"tried":       int64(s.Tried),
		"early_exits": int64(s.EarlyExits),
		"found":       int64(s.Found),
		"elapsed_ms":  float64(s.Elapsed.Microseconds()) / 1000,
		"hash_rate":   s.HashRate(),
	}
	return write.NewPoint(MeasurementSearch, tags, fields, at)
}

func noncePoint(source, hash string, nonce uint32, difficulty float64, at time.Time) *write.Point {
	tags := map[string]string{
		"source": source,
	}
	fields := map[string]any{
		"hash":       hash,
		"nonce":      int64(nonce),
		"difficulty": difficulty,
		"count":      1,
	}
	return write.NewPoint(MeasurementFound, tags, fields, at)
}

func validationPoint(source string, r *validation.Report) *write.Point {
	tags := map[string]string{
		"source": source,
		"ok":     fmt.Sprintf("%t", r.OK()),
	}
	if failed := r.FailedStep(); failed != "" {
		tags["failed_step"] = string(failed)
	}
	fields := map[string]any{
		"height":      r.Height,
		"hash":        r.Hash.String(),
		"duration_ms": float64(r.Duration.Microseconds()) / 1000,
		"count":       1,
	}
	for _, s := range r.Steps {
		if !s.Skipped {
			fields[string(s.Step)+"_ms"] = float64(s.Duration.Microseconds()) / 1000
		}
	}
	return write.NewPoint(MeasurementValidation, tags, fields, r.StartedAt)
}

// HashRatePoint is a mean hash rate over one aggregation window
type HashRatePoint struct {
	Time     time.Time `json:"time"`
	HashRate float64   `json:"hash_rate"`
}

// GetHashRateHistory returns the mean search hash rate of source over the
// last window, in five-minute buckets.
func (c *Client) GetHashRateHistory(ctx context.Context, source string, window time.Duration) ([]HashRatePoint, error) {
	query := hashRateQuery(c.bucket, source, window)

	result, err := c.queryAPI.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query hash rate history: %w", err)
	}
	defer func() { _ = result.Close() }()

	var points []HashRatePoint
	for result.Next() {
		record := result.Record()
		if value, ok := record.Value().(float64); ok {
			points = append(points, HashRatePoint{
				Time:     record.Time(),
				HashRate: value,
			})
		}
	}

	if result.Err() != nil {
		return nil, fmt.Errorf("error reading query result: %w", result.Err())
	}

	return points, nil
}

func hashRateQuery(bucket, source string, window time.Duration) string {
	return fmt.Sprintf(`
		from(bucket: %q)
		|> range(start: -%ds)
		|> filter(fn: (r) => r._measurement == %q)
		|> filter(fn: (r) => r.source == %q)
		|> filter(fn: (r) => r._field == "hash_rate")
		|> aggregateWindow(every: 5m, fn: mean, createEmpty: false)
	`, bucket, int64(max(window, time.Second)/time.Second), MeasurementSearch, source)
}

// Flush forces a write of all pending points
func (c *Client) Flush() {
	c.writeAPI.Flush()
}
