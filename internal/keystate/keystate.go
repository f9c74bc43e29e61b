// Package keystate implements the in-process key-state store of spec §4.B:
// per-(group,keyHash) validity and usage, and sliding-minute RPM admission
// for both group keys and proxy keys. Durable storage backs restarts.
package keystate

import (
	"context"
	"sync"
	"time"

	kestrel "github.com/kestrelproxy/kestrel/internal"
	"github.com/kestrelproxy/kestrel/internal/storage"
)

// Outcome classifies one upstream attempt for recordOutcome (spec §4.E
// outcome classification table).
type Outcome int

const (
	OutcomeSuccess   Outcome = iota // 2xx
	OutcomeAuthFail                 // 401, 403
	OutcomeRateLimit                // 429
	OutcomeServerErr                // 500, 502, 503, 504
	OutcomeRejected                 // 400, 404, 422 -- no validity change
	OutcomeConnErr                  // connect error, deadline exceeded -- no validity change
)

// cell holds the mutable per-(group,keyHash) validity state, each guarded by
// its own lock so no coarse global lock sits on the hot path (spec §4.B
// Concurrency).
type cell struct {
	mu              sync.Mutex
	valid           bool
	forced          bool // set by forceStatus; survives until another forceStatus
	unknown         bool // true until first observation
	errorCount      int
	lastError       string
	lastStatusCode  int
	lastValidatedAt time.Time
}

// minuteWindow is a monotonically advancing fixed-window RPM counter (spec
// §4.B tryAcquireRPM: "for each subject maintain a monotonically advancing
// minute-bucket counter; admission succeeds iff current-minute count < limit").
type minuteWindow struct {
	mu      sync.Mutex
	bucket  int64 // minute number (unix seconds / 60) of the current count
	count   int64
	lastUse time.Time
}

func (w *minuteWindow) tryAcquire(limit int64, now time.Time) (ok bool, retryAfter time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.lastUse = now

	minute := now.Unix() / 60
	if minute != w.bucket {
		w.bucket = minute
		w.count = 0
	}
	if limit <= 0 || w.count < limit {
		w.count++
		return true, 0
	}
	nextMinute := time.Unix((w.bucket+1)*60, 0)
	return false, nextMinute.Sub(now)
}

// Store is the authoritative in-process key-state store. It is safe for
// concurrent use.
type Store struct {
	db storage.KeyStateStore

	mu    sync.RWMutex
	cells map[string]*cell

	rpmMu sync.RWMutex
	rpm   map[string]*minuteWindow
}

// New constructs a Store backed by db.
func New(db storage.KeyStateStore) *Store {
	return &Store{
		db:    db,
		cells: make(map[string]*cell),
		rpm:   make(map[string]*minuteWindow),
	}
}

func cellKey(groupID, keyHash string) string { return groupID + "|" + keyHash }

// getOrCreateCell returns the in-memory cell for (groupID, keyHash), loading
// it from durable storage on first touch. Double-checked locking minimizes
// write-lock contention on the hot path.
func (s *Store) getOrCreateCell(ctx context.Context, groupID, keyHash string) *cell {
	key := cellKey(groupID, keyHash)

	s.mu.RLock()
	c, ok := s.cells[key]
	s.mu.RUnlock()
	if ok {
		return c
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.cells[key]; ok {
		return c
	}

	c = &cell{unknown: true}
	if v, err := s.db.GetKeyValidity(ctx, groupID, keyHash); err == nil && v != nil {
		c.unknown = false
		c.valid = v.Valid
		c.errorCount = v.ErrorCount
		c.lastError = v.LastError
		c.lastStatusCode = v.LastStatusCode
		c.lastValidatedAt = v.LastValidatedAt
	}
	s.cells[key] = c
	return c
}

// Validity reports the tri-state verdict for (group, keyHash).
func (s *Store) Validity(ctx context.Context, groupID, keyHash string) kestrel.Validity {
	c := s.getOrCreateCell(ctx, groupID, keyHash)
	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case c.unknown:
		return kestrel.Unknown
	case c.valid:
		return kestrel.Valid
	default:
		return kestrel.Invalid
	}
}

// RecordOutcome updates validity per the classification table in spec §4.E
// and persists the change. 5xx/connect/rejected outcomes leave validity
// untouched; 401/403 mark Invalid; success marks Valid and zeros the error
// count.
func (s *Store) RecordOutcome(ctx context.Context, groupID, keyHash string, kind kestrel.ProviderKind, outcome Outcome, statusCode int, errMsg string) error {
	c := s.getOrCreateCell(ctx, groupID, keyHash)

	c.mu.Lock()
	switch outcome {
	case OutcomeSuccess:
		c.valid = true
		c.unknown = false
		c.errorCount = 0
		c.lastError = ""
	case OutcomeAuthFail:
		c.valid = false
		c.unknown = false
		c.errorCount++
		c.lastError = errMsg
	case OutcomeRateLimit, OutcomeServerErr, OutcomeRejected, OutcomeConnErr:
		// Validity untouched; still record the observation for diagnosis.
		c.errorCount++
		c.lastError = errMsg
	}
	c.lastStatusCode = statusCode
	c.lastValidatedAt = time.Now().UTC()
	snap := kestrel.KeyValidity{
		GroupID: groupID, APIKeyHash: keyHash, ProviderKind: kind,
		Valid: c.valid, ErrorCount: c.errorCount, LastError: c.lastError,
		LastStatusCode: c.lastStatusCode, LastValidatedAt: c.lastValidatedAt,
	}
	c.mu.Unlock()

	return s.db.UpsertKeyValidity(ctx, &snap)
}

// ForceStatus is an admin override that bypasses validity inference.
func (s *Store) ForceStatus(ctx context.Context, groupID, keyHash string, kind kestrel.ProviderKind, valid bool) error {
	c := s.getOrCreateCell(ctx, groupID, keyHash)
	c.mu.Lock()
	c.forced = true
	c.valid = valid
	c.unknown = false
	c.errorCount = 0
	c.lastValidatedAt = time.Now().UTC()
	snap := kestrel.KeyValidity{
		GroupID: groupID, APIKeyHash: keyHash, ProviderKind: kind,
		Valid: c.valid, LastValidatedAt: c.lastValidatedAt,
	}
	c.mu.Unlock()
	return s.db.UpsertKeyValidity(ctx, &snap)
}

// RecordUse increments the (group, key) usage counter with a read-modify-write
// against durable storage. It runs on the caller's goroutine and waits for
// both store calls; a storage error is dropped.
func (s *Store) RecordUse(ctx context.Context, groupID, keyHash string) {
	u, err := s.db.GetKeyUsage(ctx, groupID, keyHash)
	if err != nil || u == nil {
		u = &kestrel.KeyUsage{GroupID: groupID, APIKeyHash: keyHash}
	}
	u.UsageCount++
	u.LastUsedAt = time.Now().UTC()
	_ = s.db.UpsertKeyUsage(ctx, u)
}

// TryAcquireRPM performs sliding-minute-window admission for the given
// subject (a group+keyHash pair, or a bare proxy-key id). limit<=0 means
// unlimited.
func (s *Store) TryAcquireRPM(subject string, limit int64) (ok bool, retryAfter time.Duration) {
	s.rpmMu.RLock()
	w, found := s.rpm[subject]
	s.rpmMu.RUnlock()
	if !found {
		s.rpmMu.Lock()
		if w, found = s.rpm[subject]; !found {
			w = &minuteWindow{}
			s.rpm[subject] = w
		}
		s.rpmMu.Unlock()
	}
	return w.tryAcquire(limit, time.Now())
}

// EvictStale removes RPM windows not used since cutoff, bounding memory for
// long-running processes with many short-lived subjects.
func (s *Store) EvictStale(cutoff time.Time) int {
	s.rpmMu.RLock()
	var stale []string
	for k, w := range s.rpm {
		w.mu.Lock()
		last := w.lastUse
		w.mu.Unlock()
		if last.Before(cutoff) {
			stale = append(stale, k)
		}
	}
	s.rpmMu.RUnlock()

	if len(stale) == 0 {
		return 0
	}
	s.rpmMu.Lock()
	defer s.rpmMu.Unlock()
	evicted := 0
	for _, k := range stale {
		delete(s.rpm, k)
		evicted++
	}
	return evicted
}
