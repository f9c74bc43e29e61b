package logpipeline

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	kestrel "github.com/kestrelproxy/kestrel/internal"
	"github.com/kestrelproxy/kestrel/internal/testutil"
)

func newTestPipeline(t *testing.T) (*Pipeline, *testutil.FakeStore) {
	t.Helper()
	store := testutil.NewFakeStore()
	p := New(store, Config{QueueSize: 16, BatchSize: 4, FlushEvery: 20 * time.Millisecond})
	return p, store
}

func runPipeline(t *testing.T, p *Pipeline) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = p.Run(ctx) }()
	return cancel
}

func TestPipeline_InsertThenUpdateMergesBeforeFlush(t *testing.T) {
	t.Parallel()
	p, store := newTestPipeline(t)
	cancel := runPipeline(t, p)
	defer cancel()

	p.Insert(&kestrel.RequestLog{RequestID: "req-1", Method: "POST", Endpoint: "/v1/chat/completions"})
	p.Update(&kestrel.RequestLog{RequestID: "req-1", StatusCode: 200, DurationMs: 42})

	waitForCondition(t, func() bool {
		_, ok := store.GetRequestLog("req-1")
		return ok
	})

	log, ok := store.GetRequestLog("req-1")
	if !ok {
		t.Fatal("expected request log to be stored")
	}
	if log.Method != "POST" || log.StatusCode != 200 || log.DurationMs != 42 {
		t.Errorf("merged log = %+v, want method/status/duration from both phases", log)
	}
}

func TestPipeline_UpdateAfterFlushTakesDirectPath(t *testing.T) {
	t.Parallel()
	p, store := newTestPipeline(t)
	cancel := runPipeline(t, p)
	defer cancel()

	p.Insert(&kestrel.RequestLog{RequestID: "req-2", Method: "POST"})
	waitForCondition(t, func() bool {
		_, ok := store.GetRequestLog("req-2")
		return ok
	})

	p.Update(&kestrel.RequestLog{RequestID: "req-2", StatusCode: 500, ErrorMessage: "boom"})
	waitForCondition(t, func() bool {
		log, ok := store.GetRequestLog("req-2")
		return ok && log.StatusCode == 500
	})

	log, _ := store.GetRequestLog("req-2")
	if log.ErrorMessage != "boom" {
		t.Errorf("ErrorMessage = %q, want boom", log.ErrorMessage)
	}
}

func TestPipeline_TruncatesOversizedBodies(t *testing.T) {
	t.Parallel()
	store := testutil.NewFakeStore()
	p := New(store, Config{QueueSize: 16, BatchSize: 4, FlushEvery: 20 * time.Millisecond, BodyCapBytes: 8})
	cancel := runPipeline(t, p)
	defer cancel()

	p.Insert(&kestrel.RequestLog{RequestID: "req-3", RequestBody: []byte("this body is far too long")})
	waitForCondition(t, func() bool {
		_, ok := store.GetRequestLog("req-3")
		return ok
	})

	log, _ := store.GetRequestLog("req-3")
	if len(log.RequestBody) != 8 {
		t.Errorf("RequestBody len = %d, want 8", len(log.RequestBody))
	}
	if !log.ContentTruncated {
		t.Error("expected ContentTruncated = true")
	}
}

func TestPipeline_DropsWhenQueueFull(t *testing.T) {
	t.Parallel()
	store := testutil.NewFakeStore()
	p := New(store, Config{QueueSize: 1, BatchSize: 100, FlushEvery: time.Hour})

	for i := 0; i < 10; i++ {
		p.Insert(&kestrel.RequestLog{RequestID: "flood"})
	}

	if p.Stats().Dropped == 0 {
		t.Error("expected at least one dropped insert")
	}
}

func TestPipeline_RetriesThenSurrenders(t *testing.T) {
	t.Parallel()
	store := &failingStore{FakeStore: testutil.NewFakeStore()}
	p := New(store, Config{QueueSize: 16, BatchSize: 1, FlushEvery: 10 * time.Millisecond, MaxRetries: 2})
	cancel := runPipeline(t, p)
	defer cancel()

	p.Insert(&kestrel.RequestLog{RequestID: "req-4"})

	waitForCondition(t, func() bool {
		return p.Stats().Failed > 0
	})
	if store.attempts.Load() != 3 { // 1 + MaxRetries
		t.Errorf("attempts = %d, want 3", store.attempts.Load())
	}
}

func TestPipeline_StatsReportsHealthy(t *testing.T) {
	t.Parallel()
	p, _ := newTestPipeline(t)
	if !p.Stats().Healthy {
		t.Error("expected empty pipeline to report healthy")
	}
}

// failingStore wraps FakeStore so InsertRequestLog always errors, to exercise
// the retry-then-surrender path.
type failingStore struct {
	*testutil.FakeStore
	attempts atomic.Int32
}

func (f *failingStore) InsertRequestLog(ctx context.Context, log *kestrel.RequestLog) error {
	f.attempts.Add(1)
	return errors.New("write failed")
}

func waitForCondition(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}
