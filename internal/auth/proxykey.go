// Package auth authenticates inbound requests against the proxy-key store.
// Keys are validated by hash and cached in a W-TinyLFU cache so the hot
// dispatch path never pays a storage round-trip per request.
package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/maypok86/otter/v2"

	kestrel "github.com/kestrelproxy/kestrel/internal"
	"github.com/kestrelproxy/kestrel/internal/storage"
)

const (
	cacheTTL    = 30 * time.Second // short enough to pick up revocations promptly
	cacheMaxLen = 10_000           // max concurrent active proxy keys expected per deployment
)

// ProxyKeyAuth authenticates requests by proxy-key token. Tokens are
// accepted either as an `Authorization: Bearer <k>` header or an
// `x-api-key: <k>` header (spec §6). An optional admin key (config
// `auth.admin_key`) is checked first and, when it matches, grants the
// full admin permission set without a store round-trip.
type ProxyKeyAuth struct {
	store        storage.ProxyKeyStore
	cache        *otter.Cache[string, *kestrel.ProxyKey]
	idToHash     sync.Map // proxy key ID -> hash, for cache invalidation by ID
	adminKeyHash string   // "" disables admin-key auth
}

// NewProxyKeyAuth returns a new ProxyKeyAuth backed by store. adminKey, if
// non-empty, is hashed once and compared in constant time on every request.
func NewProxyKeyAuth(store storage.ProxyKeyStore, adminKey string) (*ProxyKeyAuth, error) {
	c, err := otter.New(&otter.Options[string, *kestrel.ProxyKey]{
		MaximumSize:      cacheMaxLen,
		ExpiryCalculator: otter.ExpiryWriting[string, *kestrel.ProxyKey](cacheTTL),
	})
	if err != nil {
		return nil, fmt.Errorf("create auth cache: %w", err)
	}
	a := &ProxyKeyAuth{store: store, cache: c}
	if adminKey != "" {
		a.adminKeyHash = kestrel.HashKey(adminKey)
	}
	return a, nil
}

// Authenticate extracts the caller's proxy-key token, validates it against
// the store (cache-first), and returns the resulting Identity.
func (a *ProxyKeyAuth) Authenticate(ctx context.Context, r *http.Request) (*kestrel.Identity, error) {
	raw := extractToken(r)
	if raw == "" {
		return nil, kestrel.ErrUnauthorized
	}
	hash := kestrel.HashKey(raw)

	if a.adminKeyHash != "" && subtle.ConstantTimeCompare([]byte(hash), []byte(a.adminKeyHash)) == 1 {
		return &kestrel.Identity{Name: "admin", Role: "admin", Perms: kestrel.RolePermissions["admin"]}, nil
	}

	if pk, ok := a.cache.GetIfPresent(hash); ok {
		if !pk.Enabled {
			return nil, kestrel.ErrUnauthorized
		}
		return buildIdentity(pk), nil
	}

	pk, err := a.store.GetProxyKeyByHash(ctx, hash)
	if err != nil {
		if errors.Is(err, kestrel.ErrNotFound) {
			return nil, kestrel.ErrUnauthorized
		}
		return nil, err
	}

	// Belt-and-suspenders: the DB lookup already matched by hash, but this
	// guards against hypothetical collation/encoding surprises.
	if subtle.ConstantTimeCompare([]byte(pk.TokenHash), []byte(hash)) != 1 {
		return nil, kestrel.ErrUnauthorized
	}
	if !pk.Enabled {
		return nil, kestrel.ErrUnauthorized
	}

	a.cache.Set(hash, pk)
	a.idToHash.Store(pk.ID, hash)

	go func() {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		_ = a.store.TouchProxyKeyUsed(ctx, pk.ID)
	}()

	return buildIdentity(pk), nil
}

// ProxyKeyByID returns the full ProxyKey record for id from the auth cache.
// Only populated once the key has authenticated at least one request since
// the last cache eviction; the ingress layer calls this immediately after
// Authenticate succeeds for the same request, so the entry is always warm.
func (a *ProxyKeyAuth) ProxyKeyByID(id string) (*kestrel.ProxyKey, error) {
	hash, ok := a.idToHash.Load(id)
	if !ok {
		return nil, kestrel.ErrNotFound
	}
	pk, ok := a.cache.GetIfPresent(hash.(string))
	if !ok {
		return nil, kestrel.ErrNotFound
	}
	return pk, nil
}

// InvalidateByID removes a cached proxy key by its ID. Used when admin
// operations (update, disable, delete) modify a key.
func (a *ProxyKeyAuth) InvalidateByID(id string) {
	if hash, ok := a.idToHash.LoadAndDelete(id); ok {
		a.cache.Invalidate(hash.(string))
	}
}

// extractToken reads the proxy-key token from either accepted header form.
func extractToken(r *http.Request) string {
	if v := r.Header.Get("Authorization"); v != "" {
		if tok, ok := strings.CutPrefix(v, "Bearer "); ok {
			return tok
		}
	}
	return r.Header.Get("x-api-key")
}

// buildIdentity constructs an Identity from a validated proxy key. Every
// store-backed proxy key is a client identity (PermDispatch only); the
// admin role is only ever granted via the config admin key above.
func buildIdentity(pk *kestrel.ProxyKey) *kestrel.Identity {
	return &kestrel.Identity{
		ProxyKeyID: pk.ID,
		Name:       pk.Name,
		Role:       "client",
		Perms:      kestrel.RolePermissions["client"],
		RPMLimit:   pk.RPMLimit,
	}
}
