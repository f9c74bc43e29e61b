package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kestrelproxy/kestrel/internal/dispatcher"
	"github.com/kestrelproxy/kestrel/internal/keystate"
	"github.com/kestrelproxy/kestrel/internal/logpipeline"
	"github.com/kestrelproxy/kestrel/internal/snapshot"
	"github.com/kestrelproxy/kestrel/internal/telemetry"
	"github.com/kestrelproxy/kestrel/internal/testutil"
)

func newMetricsTestHandler(t *testing.T, reg *prometheus.Registry) http.Handler {
	t.Helper()
	ctx := context.Background()

	store := testutil.NewFakeStore()
	pub, err := snapshot.NewPublisher(ctx, store, store)
	if err != nil {
		t.Fatalf("NewPublisher: %v", err)
	}
	ks := keystate.New(store)
	logs := logpipeline.New(store, logpipeline.Config{QueueSize: 16, BatchSize: 4, FlushEvery: 20 * time.Millisecond})

	return New(Deps{
		Auth:           testutil.FakeAuth{},
		Keys:           fakeKeyLookup{"test": testProxyKey},
		Dispatcher:     dispatcher.New(pub, ks, logs),
		Snapshot:       pub,
		Metrics:        telemetry.NewMetrics(reg),
		MetricsHandler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
	})
}

func TestMetricsEndpoint(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	h := newMetricsTestHandler(t, reg)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("healthz: status = %d; body = %s", rec.Code, rec.Body.String())
	}

	req = httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("metrics: status = %d; body = %s", rec.Code, rec.Body.String())
	}
	metricsBody := rec.Body.String()
	if !strings.Contains(metricsBody, "kestrel_requests_total") {
		t.Error("metrics should contain kestrel_requests_total")
	}
	if !strings.Contains(metricsBody, "kestrel_request_duration_seconds") {
		t.Error("metrics should contain kestrel_request_duration_seconds")
	}
}

func TestMetricsMiddleware_IncrementsCounters(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	h := newMetricsTestHandler(t, reg)

	for range 3 {
		req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
	}

	families, err := reg.Gather()
	if err != nil {
		t.Fatal(err)
	}

	found := false
	for _, f := range families {
		if f.GetName() == "kestrel_requests_total" {
			found = true
			for _, m := range f.GetMetric() {
				for _, l := range m.GetLabel() {
					if l.GetName() == "path" && l.GetValue() == "/healthz" {
						if m.GetCounter().GetValue() < 3 {
							t.Errorf("requests_total for /healthz = %f, want >= 3", m.GetCounter().GetValue())
						}
					}
				}
			}
		}
	}
	if !found {
		t.Error("kestrel_requests_total metric not found")
	}
}
