package influx

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/bardlex/gomine/internal/mining"
	"github.com/bardlex/gomine/internal/validation"
)

func lineProtocol(p *write.Point) string {
	return write.PointToLineProtocol(p, time.Nanosecond)
}

// Dashboards and the hash-rate query select on these names.
func TestMeasurementNames(t *testing.T) {
	for _, tt := range []struct{ got, want string }{
		{MeasurementSearch, "search_runs"},
		{MeasurementFound, "nonces_found"},
		{MeasurementValidation, "header_validations"},
	} {
		if tt.got != tt.want {
			t.Errorf("measurement = %q, want %q", tt.got, tt.want)
		}
	}
}

func TestSearchRunPoint(t *testing.T) {
	at := time.Unix(1231006505, 0)
	p := searchRunPoint("noncesearch", mining.Stats{
		Start: 1, End: 10, Tried: 10, EarlyExits: 9, Found: 1, Elapsed: 2 * time.Second,
	}, at)

	line := lineProtocol(p)
	for _, want := range []string{
		"search_runs,",
		"source=noncesearch",
		"stopped=false",
		"tried=10i",
		"early_exits=9i",
		"found=1i",
		"hash_rate=5",
		"elapsed_ms=2000",
		" 1231006505000000000",
	} {
		if !strings.Contains(line, want) {
			t.Errorf("line %q does not contain %q", line, want)
		}
	}
}

func TestNoncePoint(t *testing.T) {
	p := noncePoint("noncesearch", "00ab", 2083236893, 1, time.Unix(0, 0))

	if p.Name() != MeasurementFound {
		t.Errorf("Name() = %q, want %q", p.Name(), MeasurementFound)
	}
	line := lineProtocol(p)
	for _, want := range []string{`hash="00ab"`, "nonce=2083236893i", "difficulty=1"} {
		if !strings.Contains(line, want) {
			t.Errorf("line %q does not contain %q", line, want)
		}
	}
}

func TestValidationPoint(t *testing.T) {
	report := &validation.Report{
		Height:    7,
		StartedAt: time.Unix(1231006505, 0),
		Duration:  3 * time.Millisecond,
		Steps: []validation.StepResult{
			{Step: validation.StepFetch, OK: true, Duration: time.Millisecond},
			{Step: validation.StepHash, OK: false, Error: "boom", Duration: 2 * time.Millisecond},
			{Step: validation.StepSearch, OK: true, Skipped: true},
		},
	}

	line := lineProtocol(validationPoint("headerwatch", report))
	for _, want := range []string{
		"header_validations,",
		"failed_step=hash",
		"ok=false",
		"source=headerwatch",
		"height=7i",
		"fetch_ms=1",
		"hash_ms=2",
		"duration_ms=3",
	} {
		if !strings.Contains(line, want) {
			t.Errorf("line %q does not contain %q", line, want)
		}
	}
	if strings.Contains(line, "search_ms") {
		t.Errorf("line %q records a skipped step", line)
	}
}

func TestNewClient_Unreachable(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping network test in short mode")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if _, err := NewClient(ctx, &Config{URL: "http://127.0.0.1:1", Org: "o", Bucket: "b"}); err == nil {
		t.Error("NewClient() expected error for an unreachable server")
	}
}

func TestHashRateQuery(t *testing.T) {
	q := hashRateQuery("gomine", "noncesearch", 24*time.Hour)
	for _, want := range []string{
		`from(bucket: "gomine")`,
		"range(start: -86400s)",
		`r._measurement == "search_runs"`,
		`r.source == "noncesearch"`,
		`r._field == "hash_rate"`,
	} {
		if !strings.Contains(q, want) {
			t.Errorf("query %q does not contain %q", q, want)
		}
	}

	if q := hashRateQuery("b", "s", 0); !strings.Contains(q, "range(start: -1s)") {
		t.Errorf("zero window query = %q, want a one-second range", q)
	}
}

func TestClient_HashRateHistoryIntegration(t *testing.T) {
	url := os.Getenv("INFLUX_TEST_URL")
	if testing.Short() || url == "" {
		t.Skip("Skipping integration test: set INFLUX_TEST_URL, INFLUX_TEST_TOKEN, INFLUX_TEST_ORG and INFLUX_TEST_BUCKET to run")
	}

	ctx := context.Background()
	c, err := NewClient(ctx, &Config{
		URL:    url,
		Token:  os.Getenv("INFLUX_TEST_TOKEN"),
		Org:    os.Getenv("INFLUX_TEST_ORG"),
		Bucket: os.Getenv("INFLUX_TEST_BUCKET"),
	})
	if err != nil {
		t.Fatalf("NewClient() unexpected error: %v", err)
	}
	defer c.Close()

	source := "test-" + time.Now().Format("150405.000000000")
	c.WriteSearchRun(source, mining.Stats{Tried: 1000, Elapsed: time.Second})
	c.Flush()

	points, err := c.GetHashRateHistory(ctx, source, time.Hour)
	if err != nil {
		t.Fatalf("GetHashRateHistory() unexpected error: %v", err)
	}
	if len(points) == 0 {
		t.Fatal("GetHashRateHistory() returned no points for a fresh run")
	}
	if points[len(points)-1].HashRate != 1000 {
		t.Errorf("HashRate = %v, want 1000", points[len(points)-1].HashRate)
	}
}
