package metrics

import (
	"context"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bardlex/gomine/internal/mining"
	"github.com/bardlex/gomine/internal/validation"
	"github.com/bardlex/gomine/pkg/log"
)

func TestObserveSearch(t *testing.T) {
	m := New()

	observe := m.SearchObserver("noncesearch")
	observe(mining.Stats{Tried: 100, EarlyExits: 99, Found: 1, Elapsed: 2 * time.Second})
	observe(mining.Stats{Tried: 50, EarlyExits: 50, Elapsed: time.Second, Stopped: true})

	assert.Equal(t, 150.0, testutil.ToFloat64(m.NoncesTried.WithLabelValues("noncesearch")))
	assert.Equal(t, 149.0, testutil.ToFloat64(m.EarlyExits.WithLabelValues("noncesearch")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.HeadersFound.WithLabelValues("noncesearch")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SearchRuns.WithLabelValues("noncesearch", "false")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SearchRuns.WithLabelValues("noncesearch", "true")))
	assert.Equal(t, 50.0, testutil.ToFloat64(m.HashRate.WithLabelValues("noncesearch")))
}

func TestObserveProgress_OnlyMovesGauge(t *testing.T) {
	m := New()

	m.ObserveProgress("noncesearch", mining.Stats{Tried: 1000, Elapsed: time.Second})

	assert.Equal(t, 1000.0, testutil.ToFloat64(m.HashRate.WithLabelValues("noncesearch")))
	assert.Equal(t, 0, testutil.CollectAndCount(m.NoncesTried))
}

func TestObserveValidation(t *testing.T) {
	m := New()

	m.ObserveValidation("headerwatch", &validation.Report{
		Steps: []validation.StepResult{
			{Step: validation.StepFetch, OK: true},
			{Step: validation.StepSearch, OK: true, Skipped: true},
		},
	})
	m.ObserveValidation("headerwatch", &validation.Report{
		Steps: []validation.StepResult{
			{Step: validation.StepFetch, OK: true},
			{Step: validation.StepHash, OK: false},
		},
	})

	assert.Equal(t, 1.0, testutil.ToFloat64(m.Validations.WithLabelValues("headerwatch", ResultOK)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Validations.WithLabelValues("headerwatch", "hash")))
	// fetch and hash ran; search was skipped.
	assert.Equal(t, 2, testutil.CollectAndCount(m.StepDuration))
}

func TestHandler(t *testing.T) {
	m := New()
	m.ObserveSearch("noncesearch", mining.Stats{Tried: 7, Elapsed: time.Second})

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	require.Equal(t, 200, rec.Code)
	body := rec.Body.String()
	assert.True(t, strings.Contains(body, `gomine_search_nonces_tried_total{source="noncesearch"} 7`), body)
	assert.True(t, strings.Contains(body, "go_goroutines"), "runtime collectors missing")
}

func TestServe_EmptyAddr(t *testing.T) {
	logger := log.NewWithWriter(io.Discard, "test", "dev", "error", "json")
	assert.NoError(t, New().Serve(context.Background(), "", logger))
}

func TestServe_StopsWithContext(t *testing.T) {
	logger := log.NewWithWriter(io.Discard, "test", "dev", "error", "json")
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- New().Serve(ctx, "127.0.0.1:0", logger) }()

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve() did not return after cancel")
	}
}
