package keystate

import (
	"context"
	"testing"
	"time"

	kestrel "github.com/kestrelproxy/kestrel/internal"
	"github.com/kestrelproxy/kestrel/internal/testutil"
)

func TestValidity_UnknownThenObserved(t *testing.T) {
	t.Parallel()
	s := New(testutil.NewFakeStore())
	ctx := context.Background()

	if got := s.Validity(ctx, "g1", "hash1"); got != kestrel.Unknown {
		t.Errorf("initial validity = %v, want Unknown", got)
	}

	if err := s.RecordOutcome(ctx, "g1", "hash1", kestrel.KindOpenAI, OutcomeSuccess, 200, ""); err != nil {
		t.Fatal(err)
	}
	if got := s.Validity(ctx, "g1", "hash1"); got != kestrel.Valid {
		t.Errorf("validity after success = %v, want Valid", got)
	}
}

func TestRecordOutcome_AuthFailureInvalidates(t *testing.T) {
	t.Parallel()
	s := New(testutil.NewFakeStore())
	ctx := context.Background()

	if err := s.RecordOutcome(ctx, "g1", "hash1", kestrel.KindOpenAI, OutcomeAuthFail, 401, "unauthorized"); err != nil {
		t.Fatal(err)
	}
	if got := s.Validity(ctx, "g1", "hash1"); got != kestrel.Invalid {
		t.Errorf("validity after 401 = %v, want Invalid", got)
	}
}

func TestRecordOutcome_ServerErrorLeavesValidityUntouched(t *testing.T) {
	t.Parallel()
	s := New(testutil.NewFakeStore())
	ctx := context.Background()

	if err := s.RecordOutcome(ctx, "g1", "hash1", kestrel.KindOpenAI, OutcomeSuccess, 200, ""); err != nil {
		t.Fatal(err)
	}
	if err := s.RecordOutcome(ctx, "g1", "hash1", kestrel.KindOpenAI, OutcomeServerErr, 503, "unavailable"); err != nil {
		t.Fatal(err)
	}
	if got := s.Validity(ctx, "g1", "hash1"); got != kestrel.Valid {
		t.Errorf("validity after 5xx = %v, want unchanged Valid", got)
	}
}

func TestForceStatus_BypassesInference(t *testing.T) {
	t.Parallel()
	s := New(testutil.NewFakeStore())
	ctx := context.Background()

	if err := s.ForceStatus(ctx, "g1", "hash1", kestrel.KindOpenAI, false); err != nil {
		t.Fatal(err)
	}
	if got := s.Validity(ctx, "g1", "hash1"); got != kestrel.Invalid {
		t.Errorf("validity after forceStatus(false) = %v, want Invalid", got)
	}
}

func TestTryAcquireRPM_AdmitsUpToLimitThenRejects(t *testing.T) {
	t.Parallel()
	s := New(testutil.NewFakeStore())

	for i := 0; i < 3; i++ {
		ok, _ := s.TryAcquireRPM("subject-1", 3)
		if !ok {
			t.Fatalf("attempt %d should be admitted", i)
		}
	}
	ok, retryAfter := s.TryAcquireRPM("subject-1", 3)
	if ok {
		t.Error("4th attempt should be rejected")
	}
	if retryAfter <= 0 {
		t.Error("expected positive retryAfter on rejection")
	}
}

func TestTryAcquireRPM_Unlimited(t *testing.T) {
	t.Parallel()
	s := New(testutil.NewFakeStore())
	for i := 0; i < 100; i++ {
		ok, _ := s.TryAcquireRPM("subject-unlimited", 0)
		if !ok {
			t.Fatalf("attempt %d should be admitted under unlimited RPM", i)
		}
	}
}

func TestEvictStale(t *testing.T) {
	t.Parallel()
	s := New(testutil.NewFakeStore())
	s.TryAcquireRPM("old", 10)

	evicted := s.EvictStale(time.Now().Add(time.Minute))
	if evicted != 1 {
		t.Errorf("evicted = %d, want 1", evicted)
	}
	ok, _ := s.TryAcquireRPM("old", 1)
	if !ok {
		t.Error("after eviction, subject should get a fresh window")
	}
}
