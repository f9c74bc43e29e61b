package server

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	kestrel "github.com/kestrelproxy/kestrel/internal"
	"github.com/kestrelproxy/kestrel/internal/dispatcher"
	"github.com/kestrelproxy/kestrel/internal/keystate"
	"github.com/kestrelproxy/kestrel/internal/logpipeline"
	"github.com/kestrelproxy/kestrel/internal/snapshot"
	"github.com/kestrelproxy/kestrel/internal/testutil"
)

// fakeKeyLookup implements ProxyKeyLookup directly over a ProxyKey map,
// standing in for the auth package's warm cache in tests that don't need a
// full ProxyKeyAuth.
type fakeKeyLookup map[string]*kestrel.ProxyKey

func (f fakeKeyLookup) ProxyKeyByID(id string) (*kestrel.ProxyKey, error) {
	pk, ok := f[id]
	if !ok {
		return nil, kestrel.ErrNotFound
	}
	return pk, nil
}

// testProxyKey is the identity every fake auth in this file resolves to.
var testProxyKey = &kestrel.ProxyKey{ID: "test", Name: "test", GroupBalance: kestrel.PolicyFailover, Enabled: true}

// newTestHandler builds a handler wired against an upstream test server
// speaking the OpenAI schema, with a single enabled group and admin auth.
func newTestHandler(t testing.TB, upstreamURL string) http.Handler {
	t.Helper()
	ctx := context.Background()

	store := testutil.NewFakeStore()
	store.AddGroup(&kestrel.Group{
		ID: "g1", Name: "g1", Kind: kestrel.KindOpenAI, BaseURL: upstreamURL,
		APIKeys: []string{"sk-g1"}, Balance: kestrel.PolicyFailover,
		Retry: 1, Models: []string{"gpt-4o"}, Priority: 1, Enabled: true,
	})

	pub, err := snapshot.NewPublisher(ctx, store, store)
	if err != nil {
		t.Fatalf("NewPublisher: %v", err)
	}
	if err := pub.Publish(ctx); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	ks := keystate.New(store)
	logs := logpipeline.New(store, logpipeline.Config{QueueSize: 16, BatchSize: 4, FlushEvery: 20 * time.Millisecond})

	return New(Deps{
		Auth:       testutil.FakeAuth{},
		Keys:       fakeKeyLookup{"test": testProxyKey},
		Dispatcher: dispatcher.New(pub, ks, logs),
		Snapshot:   pub,
	})
}

func newEchoUpstream(t testing.TB) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer sk-g1" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"id":"chatcmpl-test","model":"gpt-4o","choices":[{"message":{"role":"assistant","content":"Hello!"}}]}`))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestHealthz(t *testing.T) {
	t.Parallel()
	h := newTestHandler(t, newEchoUpstream(t).URL)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if rec.Body.String() != "ok" {
		t.Errorf("body = %q, want %q", rec.Body.String(), "ok")
	}
}

func TestReadyz(t *testing.T) {
	t.Parallel()
	h := newTestHandler(t, newEchoUpstream(t).URL)

	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}
}

func TestReadyzFailing(t *testing.T) {
	t.Parallel()
	store := testutil.NewFakeStore()
	pub, err := snapshot.NewPublisher(context.Background(), store, store)
	if err != nil {
		t.Fatalf("NewPublisher: %v", err)
	}
	h := New(Deps{
		Auth:     testutil.FakeAuth{},
		Snapshot: pub,
		ReadyCheck: func(context.Context) error {
			return errors.New("db down")
		},
	})

	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusServiceUnavailable)
	}
}

func TestRequestIDHeader(t *testing.T) {
	t.Parallel()
	h := newTestHandler(t, newEchoUpstream(t).URL)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Header().Get("X-Request-Id") == "" {
		t.Error("X-Request-Id header should be set")
	}
}

func TestChatCompletion(t *testing.T) {
	t.Parallel()
	h := newTestHandler(t, newEchoUpstream(t).URL)

	body := `{"model":"gpt-4o","messages":[{"role":"user","content":"hello"}]}`
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer gnd_test")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d; body = %s", rec.Code, http.StatusOK, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), "chatcmpl-test") {
		t.Errorf("body missing expected id, got: %s", rec.Body.String())
	}
}

func TestChatCompletionNoAuth(t *testing.T) {
	t.Parallel()

	store := testutil.NewFakeStore()
	pub, err := snapshot.NewPublisher(context.Background(), store, store)
	if err != nil {
		t.Fatalf("NewPublisher: %v", err)
	}
	h := New(Deps{
		Auth:     testutil.RejectAuth{},
		Snapshot: pub,
	})

	body := `{"model":"gpt-4o","messages":[{"role":"user","content":"hello"}]}`
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusUnauthorized)
	}
}

func TestListModels(t *testing.T) {
	t.Parallel()
	h := newTestHandler(t, newEchoUpstream(t).URL)

	req := httptest.NewRequest(http.MethodGet, "/v1/models", nil)
	req.Header.Set("Authorization", "Bearer gnd_test")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d; body = %s", rec.Code, http.StatusOK, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), "gpt-4o") {
		t.Errorf("body missing gpt-4o, got: %s", rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), `"object":"list"`) {
		t.Error("response should be an object list")
	}
}

func TestGeminiRoute(t *testing.T) {
	t.Parallel()
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/models/gemini-2.0-flash:generateContent") {
			t.Errorf("unexpected upstream path: %s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"candidates":[{"content":{"parts":[{"text":"hi"}]}}]}`))
	}))
	defer upstream.Close()

	ctx := context.Background()
	store := testutil.NewFakeStore()
	store.AddGroup(&kestrel.Group{
		ID: "g1", Name: "g1", Kind: kestrel.KindGemini, BaseURL: upstream.URL,
		APIKeys: []string{"sk-g1"}, Balance: kestrel.PolicyFailover,
		Retry: 1, Models: []string{"gemini-2.0-flash"}, Priority: 1, Enabled: true,
	})
	pub, err := snapshot.NewPublisher(ctx, store, store)
	if err != nil {
		t.Fatalf("NewPublisher: %v", err)
	}
	if err := pub.Publish(ctx); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	ks := keystate.New(store)
	logs := logpipeline.New(store, logpipeline.Config{QueueSize: 16, BatchSize: 4, FlushEvery: 20 * time.Millisecond})
	h := New(Deps{
		Auth:       testutil.FakeAuth{},
		Keys:       fakeKeyLookup{"test": testProxyKey},
		Dispatcher: dispatcher.New(pub, ks, logs),
		Snapshot:   pub,
	})

	body := `{"contents":[{"parts":[{"text":"hi"}]}]}`
	req := httptest.NewRequest(http.MethodPost, "/v1beta/models/gemini-2.0-flash:generateContent", strings.NewReader(body))
	req.Header.Set("Authorization", "Bearer gnd_test")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d; body = %s", rec.Code, http.StatusOK, rec.Body.String())
	}
}

func TestGeminiRouteInvalidAction(t *testing.T) {
	t.Parallel()
	h := newTestHandler(t, newEchoUpstream(t).URL)

	body := `{"contents":[]}`
	req := httptest.NewRequest(http.MethodPost, "/v1beta/models/gemini-2.0-flash:unknownAction", strings.NewReader(body))
	req.Header.Set("Authorization", "Bearer gnd_test")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusNotFound)
	}
}

func TestNoEligibleGroup(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := testutil.NewFakeStore()
	pub, err := snapshot.NewPublisher(ctx, store, store)
	if err != nil {
		t.Fatalf("NewPublisher: %v", err)
	}
	ks := keystate.New(store)
	logs := logpipeline.New(store, logpipeline.Config{QueueSize: 16, BatchSize: 4, FlushEvery: 20 * time.Millisecond})
	h := New(Deps{
		Auth:       testutil.FakeAuth{},
		Keys:       fakeKeyLookup{"test": testProxyKey},
		Dispatcher: dispatcher.New(pub, ks, logs),
		Snapshot:   pub,
	})

	body := `{"model":"gpt-4o","messages":[{"role":"user","content":"hello"}]}`
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(body))
	req.Header.Set("Authorization", "Bearer gnd_test")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want %d; body = %s", rec.Code, http.StatusNotFound, rec.Body.String())
	}
}
