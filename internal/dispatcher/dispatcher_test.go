package dispatcher

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	kestrel "github.com/kestrelproxy/kestrel/internal"
	"github.com/kestrelproxy/kestrel/internal/keystate"
	"github.com/kestrelproxy/kestrel/internal/logpipeline"
	"github.com/kestrelproxy/kestrel/internal/snapshot"
	"github.com/kestrelproxy/kestrel/internal/testutil"
)

func newTestDispatcher(t *testing.T, store *testutil.FakeStore) (*Dispatcher, *keystate.Store, *snapshot.Publisher) {
	t.Helper()
	ctx := context.Background()

	pub, err := snapshot.NewPublisher(ctx, store, store)
	if err != nil {
		t.Fatalf("NewPublisher: %v", err)
	}
	if err := pub.Publish(ctx); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	ks := keystate.New(store)
	logs := logpipeline.New(store, logpipeline.Config{QueueSize: 16, BatchSize: 4, FlushEvery: 20 * time.Millisecond})

	return New(pub, ks, logs), ks, pub
}

func newTestGroup(id, baseURL string) *kestrel.Group {
	return &kestrel.Group{
		ID: id, Name: id, Kind: kestrel.KindOpenAI, BaseURL: baseURL,
		APIKeys: []string{"sk-" + id}, Balance: kestrel.PolicyFailover,
		Retry: 1, RPMLimit: 0, Models: []string{"gpt-4o"},
		Priority: 1, Enabled: true,
	}
}

func newTestProxyKey(id string) *kestrel.ProxyKey {
	return &kestrel.ProxyKey{ID: id, Name: id, TokenHash: "hash-" + id, GroupBalance: kestrel.PolicyFailover, RPMLimit: 0, Enabled: true}
}

func newTestRequest(pk *kestrel.ProxyKey, body string) *Request {
	return &Request{
		ProxyKey: pk, ProviderKind: kestrel.KindOpenAI, Endpoint: "/chat/completions",
		Model: "gpt-4o", Body: []byte(body),
	}
}

func TestDispatch_SuccessOnFirstAttempt(t *testing.T) {
	t.Parallel()

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer sk-g1" {
			t.Errorf("missing/incorrect auth header: %q", r.Header.Get("Authorization"))
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"id":"resp-1","model":"gpt-4o","choices":[{"message":{"content":"hi"}}]}`))
	}))
	defer upstream.Close()

	store := testutil.NewFakeStore()
	store.AddGroup(newTestGroup("g1", upstream.URL))
	d, _, _ := newTestDispatcher(t, store)

	pk := newTestProxyKey("pk1")
	resp, err := d.Dispatch(context.Background(), newTestRequest(pk, `{"model":"gpt-4o"}`))
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
}

func TestDispatch_FailoverToSecondGroupOn401(t *testing.T) {
	t.Parallel()

	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer bad.Close()
	good := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"id":"resp-2","model":"gpt-4o","choices":[{"message":{"content":"ok"}}]}`))
	}))
	defer good.Close()

	store := testutil.NewFakeStore()
	g1 := newTestGroup("g1", bad.URL)
	g1.Priority = 1
	g2 := newTestGroup("g2", good.URL)
	g2.Priority = 2
	store.AddGroup(g1)
	store.AddGroup(g2)

	d, ks, _ := newTestDispatcher(t, store)
	pk := newTestProxyKey("pk1")

	resp, err := d.Dispatch(context.Background(), newTestRequest(pk, `{"model":"gpt-4o"}`))
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}

	if v := ks.Validity(context.Background(), "g1", kestrel.HashKey("sk-g1")); v != kestrel.Invalid {
		t.Errorf("g1 key validity = %v, want Invalid after 401", v)
	}
}

func TestDispatch_RetrySameKeyOn500ThenSucceeds(t *testing.T) {
	t.Parallel()

	calls := 0
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"id":"resp-3","model":"gpt-4o","choices":[{"message":{"content":"ok"}}]}`))
	}))
	defer upstream.Close()

	store := testutil.NewFakeStore()
	g := newTestGroup("g1", upstream.URL)
	g.Retry = 2
	store.AddGroup(g)

	d, _, _ := newTestDispatcher(t, store)
	pk := newTestProxyKey("pk1")

	resp, err := d.Dispatch(context.Background(), newTestRequest(pk, `{"model":"gpt-4o"}`))
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
	if calls != 2 {
		t.Errorf("upstream calls = %d, want 2 (one retry)", calls)
	}
}

func TestDispatch_NonRetriableStatusReturnsVerbatim(t *testing.T) {
	t.Parallel()

	calls := 0
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":"bad request"}`))
	}))
	defer upstream.Close()

	store := testutil.NewFakeStore()
	store.AddGroup(newTestGroup("g1", upstream.URL))
	d, _, _ := newTestDispatcher(t, store)
	pk := newTestProxyKey("pk1")

	resp, err := d.Dispatch(context.Background(), newTestRequest(pk, `{"model":"gpt-4o"}`))
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400 (returned verbatim, not retried)", resp.StatusCode)
	}
	if calls != 1 {
		t.Errorf("upstream calls = %d, want 1 (no retry on 400)", calls)
	}
}

func TestDispatch_AllFailReturnsExhaustionError(t *testing.T) {
	t.Parallel()

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer upstream.Close()

	store := testutil.NewFakeStore()
	g := newTestGroup("g1", upstream.URL)
	g.Retry = 1
	store.AddGroup(g)

	d, _, _ := newTestDispatcher(t, store)
	pk := newTestProxyKey("pk1")

	_, err := d.Dispatch(context.Background(), newTestRequest(pk, `{"model":"gpt-4o"}`))
	if err == nil {
		t.Fatal("expected error when all attempts exhausted")
	}
	if !errors.Is(err, kestrel.ErrUpstreamUnavailable) {
		t.Errorf("expected ErrUpstreamUnavailable, got %v", err)
	}
	var httpErr kestrel.HTTPStatusError
	if !errors.As(err, &httpErr) {
		t.Fatalf("expected an HTTPStatusError, got %v", err)
	}
	if httpErr.HTTPStatus() != http.StatusBadGateway {
		t.Errorf("status = %d, want 502 (exhausted on 5xx -> UpstreamUnavailable per spec §7)", httpErr.HTTPStatus())
	}
}

func TestDispatch_AllFailWith4xxReturnsUpstreamRejectedVerbatim(t *testing.T) {
	t.Parallel()

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"error":"rate limited upstream"}`))
	}))
	defer upstream.Close()

	store := testutil.NewFakeStore()
	g := newTestGroup("g1", upstream.URL)
	g.Retry = 1
	store.AddGroup(g)

	d, _, _ := newTestDispatcher(t, store)
	pk := newTestProxyKey("pk1")

	_, err := d.Dispatch(context.Background(), newTestRequest(pk, `{"model":"gpt-4o"}`))
	if !errors.Is(err, kestrel.ErrUpstreamRejected) {
		t.Fatalf("expected ErrUpstreamRejected, got %v", err)
	}
	var httpErr kestrel.HTTPStatusError
	if !errors.As(err, &httpErr) {
		t.Fatalf("expected an HTTPStatusError, got %v", err)
	}
	if httpErr.HTTPStatus() != http.StatusTooManyRequests {
		t.Errorf("status = %d, want 429 (upstream's own status propagated verbatim)", httpErr.HTTPStatus())
	}
}

func TestDispatch_ForbiddenWhenAllPermittedGroupsGone(t *testing.T) {
	t.Parallel()

	store := testutil.NewFakeStore()
	store.AddGroup(newTestGroup("g1", "http://unused"))
	d, _, _ := newTestDispatcher(t, store)

	pk := newTestProxyKey("pk1")
	pk.PermittedGroups = []string{"does-not-exist"}

	_, err := d.Dispatch(context.Background(), newTestRequest(pk, `{"model":"gpt-4o"}`))
	if !errors.Is(err, kestrel.ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
}

func TestDispatch_NoEligibleGroupForUnknownModel(t *testing.T) {
	t.Parallel()

	store := testutil.NewFakeStore()
	store.AddGroup(newTestGroup("g1", "http://unused"))
	d, _, _ := newTestDispatcher(t, store)
	pk := newTestProxyKey("pk1")

	req := newTestRequest(pk, `{"model":"no-such-model"}`)
	req.Model = "no-such-model"

	_, err := d.Dispatch(context.Background(), req)
	if !errors.Is(err, kestrel.ErrNoEligibleGroup) {
		t.Fatalf("expected ErrNoEligibleGroup, got %v", err)
	}
}

func TestDispatch_FakeStreamingTranscodesResponse(t *testing.T) {
	t.Parallel()

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"id":"resp-4","model":"gpt-4o","choices":[{"message":{"content":"hi"},"finish_reason":"stop"}]}`))
	}))
	defer upstream.Close()

	store := testutil.NewFakeStore()
	g := newTestGroup("g1", upstream.URL)
	g.FakeStreaming = true
	store.AddGroup(g)

	d, _, _ := newTestDispatcher(t, store)
	pk := newTestProxyKey("pk1")

	req := newTestRequest(pk, `{"model":"gpt-4o"}`)
	req.IsStreaming = true

	resp, err := d.Dispatch(context.Background(), req)
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if !resp.IsStreaming {
		t.Error("expected IsStreaming=true on fake-streamed response")
	}
	if len(resp.Body) == 0 {
		t.Fatal("expected non-empty SSE body")
	}
	if want := "data: [DONE]\n\n"; len(resp.Body) < len(want) || string(resp.Body[len(resp.Body)-len(want):]) != want {
		t.Errorf("body does not end with SSE terminator: %q", resp.Body)
	}
}
