// Package snapshot implements the read-mostly, copy-on-publish routing
// projection described in spec §4.A.
package snapshot

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync/atomic"

	"github.com/maypok86/otter/v2"

	kestrel "github.com/kestrelproxy/kestrel/internal"
	"github.com/kestrelproxy/kestrel/internal/storage"
)

// Snapshot is an immutable view of the routable groups and their live keys.
// In-flight requests keep a reference to the snapshot they started with;
// publishing a new one never mutates an old one out from under them.
type Snapshot struct {
	groups   map[string]*kestrel.Group
	byKind   map[kestrel.ProviderKind][]*kestrel.Group
	liveKeys map[string][]string // groupID -> upstream keys whose validity is Unknown or Valid
	ordered  []*kestrel.Group     // all routable groups, priority ascending

	// groupsForCache memoizes GroupsFor results within this snapshot's
	// lifetime. A fresh cache is built per publish, so entries never
	// outlive the snapshot they belong to.
	groupsForCache *otter.Cache[string, []*kestrel.Group]
}

// GroupByID returns the group with O(1) lookup, or nil if absent or unrouted.
func (s *Snapshot) GroupByID(id string) *kestrel.Group {
	return s.groups[id]
}

// GroupsFor returns the routable groups a proxy key may dispatch into,
// restricted to the given provider kind and optionally filtered to those
// serving model. Order follows the snapshot's priority ordering.
func (s *Snapshot) GroupsFor(pk *kestrel.ProxyKey, kind kestrel.ProviderKind, model string) []*kestrel.Group {
	key := groupsForCacheKey(pk, kind, model)
	if cached, ok := s.groupsForCache.GetIfPresent(key); ok {
		return cached
	}

	candidates := s.byKind[kind]
	out := make([]*kestrel.Group, 0, len(candidates))
	for _, g := range candidates {
		if pk != nil && !pk.Permits(g.ID) {
			continue
		}
		if model != "" && !g.HasModel(g.ResolveModel(model)) {
			continue
		}
		out = append(out, g)
	}

	s.groupsForCache.Set(key, out)
	return out
}

func groupsForCacheKey(pk *kestrel.ProxyKey, kind kestrel.ProviderKind, model string) string {
	var b strings.Builder
	if pk != nil {
		b.WriteString(pk.ID)
		for _, id := range pk.PermittedGroups {
			b.WriteByte(',')
			b.WriteString(id)
		}
	} else {
		b.WriteString("*")
	}
	b.WriteByte('|')
	b.WriteString(string(kind))
	b.WriteByte('|')
	b.WriteString(model)
	return b.String()
}

// HasLivePermittedGroup reports whether any of pk's explicitly permitted
// groups are still routable. Used to distinguish Forbidden (the key's
// entire allow-list has gone away) from NoEligibleGroup (the allow-list is
// fine but no permitted group serves the requested provider kind/model)
// when GroupsFor returns no candidates. Callers should only consult this
// when pk.PermittedGroups is non-empty -- an empty allow-list means "all
// enabled groups" and is never itself a Forbidden condition.
func (s *Snapshot) HasLivePermittedGroup(pk *kestrel.ProxyKey) bool {
	for _, id := range pk.PermittedGroups {
		if s.groups[id] != nil {
			return true
		}
	}
	return false
}

// KeysOf returns the live key subset for a group: keys whose KeyValidity is
// Unknown or Valid. Returns all configured keys if the group has no
// validity-derived exclusions.
func (s *Snapshot) KeysOf(groupID string) []string {
	return s.liveKeys[groupID]
}

// AllGroups returns every routable group in priority order.
func (s *Snapshot) AllGroups() []*kestrel.Group {
	return s.ordered
}

// Publisher builds and atomically publishes Snapshots. Publishing is cheap
// enough to run on every config change without special-casing the hot path.
type Publisher struct {
	groups    storage.GroupStore
	keyState  storage.KeyStateStore
	current   atomic.Pointer[Snapshot]
}

// NewPublisher constructs a Publisher and performs an initial publish.
func NewPublisher(ctx context.Context, groups storage.GroupStore, keyState storage.KeyStateStore) (*Publisher, error) {
	p := &Publisher{groups: groups, keyState: keyState}
	if err := p.Publish(ctx); err != nil {
		return nil, err
	}
	return p, nil
}

// Current returns the most recently published Snapshot. Safe for concurrent
// use; the returned reference never mutates.
func (p *Publisher) Current() *Snapshot {
	return p.current.Load()
}

// Publish rebuilds the snapshot from the group store and key-state store and
// atomically swaps it in. Deleted or disabled groups disappear from the next
// published snapshot (spec §4.A).
func (p *Publisher) Publish(ctx context.Context) error {
	all, err := p.groups.ListGroups(ctx)
	if err != nil {
		return fmt.Errorf("list groups: %w", err)
	}

	snap := &Snapshot{
		groups:         make(map[string]*kestrel.Group),
		byKind:         make(map[kestrel.ProviderKind][]*kestrel.Group),
		liveKeys:       make(map[string][]string),
		groupsForCache: otter.Must(&otter.Options[string, []*kestrel.Group]{MaximumSize: 1024}),
	}

	for _, g := range all {
		if !g.Routable() {
			continue
		}
		snap.groups[g.ID] = g
		snap.byKind[g.Kind] = append(snap.byKind[g.Kind], g)
		snap.ordered = append(snap.ordered, g)

		live, err := p.liveKeysFor(ctx, g)
		if err != nil {
			return fmt.Errorf("live keys for group %s: %w", g.ID, err)
		}
		snap.liveKeys[g.ID] = live
	}

	slices.SortStableFunc(snap.ordered, func(a, b *kestrel.Group) int {
		return a.Priority - b.Priority
	})

	p.current.Store(snap)
	return nil
}

// liveKeysFor returns the keys of g whose KeyValidity is Unknown or Valid.
func (p *Publisher) liveKeysFor(ctx context.Context, g *kestrel.Group) ([]string, error) {
	validity, err := p.keyState.ListKeyValidity(ctx, g.ID)
	if err != nil {
		return nil, err
	}
	invalid := make(map[string]bool, len(validity))
	for _, v := range validity {
		if !v.Valid {
			invalid[v.APIKeyHash] = true
		}
	}
	live := make([]string, 0, len(g.APIKeys))
	for _, key := range g.APIKeys {
		if invalid[kestrel.HashKey(key)] {
			continue
		}
		live = append(live, key)
	}
	return live, nil
}
