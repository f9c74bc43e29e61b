package testutil

import (
	"context"
	"sync"

	kestrel "github.com/kestrelproxy/kestrel/internal"
)

// FakeStore is an in-memory implementation of storage.Store for testing.
type FakeStore struct {
	mu        sync.RWMutex
	groups    map[string]*kestrel.Group
	proxyKeys map[string]*kestrel.ProxyKey // keyed by TokenHash
	validity  map[string]*kestrel.KeyValidity
	usage     map[string]*kestrel.KeyUsage
	logs      map[string]*kestrel.RequestLog
	results   []*kestrel.HealthCheckResult
	stats     map[string]*kestrel.HealthCheckStats
}

// NewFakeStore returns a FakeStore with empty collections.
func NewFakeStore() *FakeStore {
	return &FakeStore{
		groups:    make(map[string]*kestrel.Group),
		proxyKeys: make(map[string]*kestrel.ProxyKey),
		validity:  make(map[string]*kestrel.KeyValidity),
		usage:     make(map[string]*kestrel.KeyUsage),
		logs:      make(map[string]*kestrel.RequestLog),
		stats:     make(map[string]*kestrel.HealthCheckStats),
	}
}

// AddGroup inserts a group into the fake store.
func (s *FakeStore) AddGroup(g *kestrel.Group) {
	s.mu.Lock()
	s.groups[g.ID] = g
	s.mu.Unlock()
}

// AddProxyKey inserts a proxy key into the fake store.
func (s *FakeStore) AddProxyKey(k *kestrel.ProxyKey) {
	s.mu.Lock()
	s.proxyKeys[k.TokenHash] = k
	s.mu.Unlock()
}

// --- GroupStore ---

func (s *FakeStore) CreateGroup(_ context.Context, g *kestrel.Group) error {
	s.AddGroup(g)
	return nil
}

func (s *FakeStore) GetGroup(_ context.Context, id string) (*kestrel.Group, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	g, ok := s.groups[id]
	if !ok {
		return nil, kestrel.ErrNotFound
	}
	return g, nil
}

func (s *FakeStore) ListGroups(context.Context) ([]*kestrel.Group, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*kestrel.Group, 0, len(s.groups))
	for _, g := range s.groups {
		out = append(out, g)
	}
	return out, nil
}

func (s *FakeStore) UpdateGroup(_ context.Context, g *kestrel.Group) error {
	s.AddGroup(g)
	return nil
}

func (s *FakeStore) DeleteGroup(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.groups[id]
	if !ok {
		return kestrel.ErrNotFound
	}
	g.Deleted = true
	g.Enabled = false
	return nil
}

// --- ProxyKeyStore ---

func (s *FakeStore) CreateProxyKey(_ context.Context, k *kestrel.ProxyKey) error {
	s.AddProxyKey(k)
	return nil
}

func (s *FakeStore) GetProxyKeyByHash(_ context.Context, hash string) (*kestrel.ProxyKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	k, ok := s.proxyKeys[hash]
	if !ok {
		return nil, kestrel.ErrNotFound
	}
	return k, nil
}

func (s *FakeStore) ListProxyKeys(context.Context, int, int) ([]*kestrel.ProxyKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*kestrel.ProxyKey, 0, len(s.proxyKeys))
	for _, k := range s.proxyKeys {
		out = append(out, k)
	}
	return out, nil
}

func (s *FakeStore) UpdateProxyKey(_ context.Context, k *kestrel.ProxyKey) error {
	s.AddProxyKey(k)
	return nil
}

func (s *FakeStore) DeleteProxyKey(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for hash, k := range s.proxyKeys {
		if k.ID == id {
			delete(s.proxyKeys, hash)
			return nil
		}
	}
	return kestrel.ErrNotFound
}

func (s *FakeStore) TouchProxyKeyUsed(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range s.proxyKeys {
		if k.ID == id {
			k.UsageCount++
			return nil
		}
	}
	return kestrel.ErrNotFound
}

// --- KeyStateStore ---

func keyStateKey(groupID, keyHash string) string { return groupID + "|" + keyHash }

func (s *FakeStore) GetKeyValidity(_ context.Context, groupID, keyHash string) (*kestrel.KeyValidity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.validity[keyStateKey(groupID, keyHash)]
	if !ok {
		return nil, kestrel.ErrNotFound
	}
	return v, nil
}

func (s *FakeStore) ListKeyValidity(_ context.Context, groupID string) ([]*kestrel.KeyValidity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*kestrel.KeyValidity
	for _, v := range s.validity {
		if v.GroupID == groupID {
			out = append(out, v)
		}
	}
	return out, nil
}

func (s *FakeStore) UpsertKeyValidity(_ context.Context, v *kestrel.KeyValidity) error {
	s.mu.Lock()
	s.validity[keyStateKey(v.GroupID, v.APIKeyHash)] = v
	s.mu.Unlock()
	return nil
}

func (s *FakeStore) GetKeyUsage(_ context.Context, groupID, keyHash string) (*kestrel.KeyUsage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.usage[keyStateKey(groupID, keyHash)]
	if !ok {
		return nil, kestrel.ErrNotFound
	}
	return u, nil
}

func (s *FakeStore) UpsertKeyUsage(_ context.Context, u *kestrel.KeyUsage) error {
	s.mu.Lock()
	s.usage[keyStateKey(u.GroupID, u.APIKeyHash)] = u
	s.mu.Unlock()
	return nil
}

// --- LogStore ---

func (s *FakeStore) InsertRequestLog(_ context.Context, log *kestrel.RequestLog) error {
	s.mu.Lock()
	s.logs[log.RequestID] = log
	s.mu.Unlock()
	return nil
}

func (s *FakeStore) UpdateRequestLog(_ context.Context, log *kestrel.RequestLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.logs[log.RequestID]
	if !ok {
		return kestrel.ErrNotFound
	}
	existing.StatusCode = log.StatusCode
	existing.DurationMs = log.DurationMs
	existing.ResponseBody = log.ResponseBody
	existing.ResponseHeaders = log.ResponseHeaders
	existing.PromptTokens = log.PromptTokens
	existing.CompletionTokens = log.CompletionTokens
	existing.TotalTokens = log.TotalTokens
	existing.ErrorMessage = log.ErrorMessage
	return nil
}

func (s *FakeStore) ListRequestLogs(context.Context, int, int) ([]*kestrel.RequestLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*kestrel.RequestLog, 0, len(s.logs))
	for _, l := range s.logs {
		out = append(out, l)
	}
	return out, nil
}

// GetRequestLog returns the stored log for requestID, for test assertions.
func (s *FakeStore) GetRequestLog(requestID string) (*kestrel.RequestLog, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	l, ok := s.logs[requestID]
	return l, ok
}

// --- HealthStore ---

func (s *FakeStore) InsertHealthCheckResult(_ context.Context, r *kestrel.HealthCheckResult) error {
	s.mu.Lock()
	s.results = append(s.results, r)
	s.mu.Unlock()
	return nil
}

func (s *FakeStore) ListHealthCheckResults(_ context.Context, groupID string, limit int) ([]*kestrel.HealthCheckResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*kestrel.HealthCheckResult
	for i := len(s.results) - 1; i >= 0 && len(out) < limit; i-- {
		if s.results[i].GroupID == groupID {
			out = append(out, s.results[i])
		}
	}
	return out, nil
}

func (s *FakeStore) GetHealthCheckStats(_ context.Context, groupID string) (*kestrel.HealthCheckStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, st := range s.stats {
		if st.GroupID == groupID {
			return st, nil
		}
	}
	return nil, kestrel.ErrNotFound
}

func (s *FakeStore) UpsertHealthCheckStats(_ context.Context, st *kestrel.HealthCheckStats) error {
	s.mu.Lock()
	s.stats[st.GroupID+"|"+string(st.CheckType)+"|"+st.Subject] = st
	s.mu.Unlock()
	return nil
}

func (s *FakeStore) Close() error { return nil }
