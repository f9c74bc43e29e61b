package dispatcher

import (
	"math/rand"
	"slices"
	"sync"
	"sync/atomic"

	kestrel "github.com/kestrelproxy/kestrel/internal"
)

// cursors hands out per-subject atomic round-robin counters, lazily created.
// Used both for the proxy-key-level group cursor and the group-level key
// cursor (spec §4.E Group/Key ordering).
type cursors struct {
	mu sync.Mutex
	m  map[string]*atomic.Uint64
}

func newCursors() *cursors { return &cursors{m: make(map[string]*atomic.Uint64)} }

func (c *cursors) next(subject string, mod int) int {
	if mod <= 0 {
		return 0
	}
	c.mu.Lock()
	ctr, ok := c.m[subject]
	if !ok {
		ctr = &atomic.Uint64{}
		c.m[subject] = ctr
	}
	c.mu.Unlock()
	return int(ctr.Add(1)-1) % mod
}

// orderGroups orders candidate groups per the proxy key's groupSelectionPolicy
// (spec §4.E step 2). cursorKey scopes round_robin to one proxy key.
func orderGroups(candidates []*kestrel.Group, policy kestrel.BalancePolicy, weights map[string]int, cur *cursors, cursorKey string) []*kestrel.Group {
	return orderByPolicy(candidates, policy, weights, cur, cursorKey, func(g *kestrel.Group) string { return g.ID })
}

// orderKeys orders a group's live keys per its balancePolicy (spec §4.E step
// 4.2). Group balance policies never carry per-key weights.
func orderKeys(keys []string, policy kestrel.BalancePolicy, cur *cursors, cursorKey string) []string {
	return orderByPolicy(keys, policy, nil, cur, cursorKey, func(k string) string { return k })
}

// orderByPolicy implements the four balance policies generically over any
// slice with a string identity, since groups and raw keys share the same
// four-policy ordering rules but have different weight sources.
func orderByPolicy[T any](items []T, policy kestrel.BalancePolicy, weights map[string]int, cur *cursors, cursorKey string, id func(T) string) []T {
	if len(items) <= 1 {
		return items
	}

	switch policy {
	case kestrel.PolicyRoundRobin:
		out := make([]T, len(items))
		start := cur.next(cursorKey, len(items))
		for i := range items {
			out[i] = items[(start+i)%len(items)]
		}
		return out

	case kestrel.PolicyWeighted:
		return weightedOrder(items, weights, id)

	case kestrel.PolicyRandom:
		out := slices.Clone(items)
		rand.Shuffle(len(out), func(i, j int) { out[i], out[j] = out[j], out[i] })
		return out

	case kestrel.PolicyFailover:
		fallthrough
	default:
		out := slices.Clone(items)
		slices.SortStableFunc(out, func(a, b T) int {
			wa, wb := weightOf(weights, id(a)), weightOf(weights, id(b))
			if wa != wb {
				return wb - wa // descending weight
			}
			if id(a) < id(b) {
				return -1
			}
			if id(a) > id(b) {
				return 1
			}
			return 0
		})
		return out
	}
}

func weightOf(weights map[string]int, id string) int {
	if weights == nil {
		return 1
	}
	if w, ok := weights[id]; ok && w > 0 {
		return w
	}
	return 1
}

// weightedOrder produces a full ordering via weighted sampling without
// replacement: repeatedly draw from the remaining pool proportional to
// weight, the same cumulative-weight draw used by wudi-gateway's
// WeightedBalancer.NextForRequest, applied N times instead of once so every
// candidate gets a position rather than just the first pick. Ties broken by
// id for determinism.
func weightedOrder[T any](items []T, weights map[string]int, id func(T) string) []T {
	remaining := slices.Clone(items)
	slices.SortFunc(remaining, func(a, b T) int {
		if id(a) < id(b) {
			return -1
		}
		if id(a) > id(b) {
			return 1
		}
		return 0
	})

	out := make([]T, 0, len(remaining))
	for len(remaining) > 0 {
		total := 0
		for _, it := range remaining {
			total += weightOf(weights, id(it))
		}
		if total <= 0 {
			out = append(out, remaining...)
			break
		}
		roll := rand.Intn(total)
		cumulative := 0
		pick := 0
		for i, it := range remaining {
			cumulative += weightOf(weights, id(it))
			if roll < cumulative {
				pick = i
				break
			}
		}
		out = append(out, remaining[pick])
		remaining = slices.Delete(remaining, pick, pick+1)
	}
	return out
}
