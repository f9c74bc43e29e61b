package testutil

import (
	"context"
	"net/http"

	kestrel "github.com/kestrelproxy/kestrel/internal"
)

// FakeAuth always authenticates successfully with admin permissions.
type FakeAuth struct{}

// Authenticate returns a test identity with admin permissions.
func (FakeAuth) Authenticate(_ context.Context, _ *http.Request) (*kestrel.Identity, error) {
	return &kestrel.Identity{
		ProxyKeyID: "test",
		Name:       "test",
		Role:       "admin",
		Perms:      kestrel.RolePermissions["admin"],
	}, nil
}

// RejectAuth always rejects authentication.
type RejectAuth struct{}

// Authenticate always returns ErrUnauthorized.
func (RejectAuth) Authenticate(context.Context, *http.Request) (*kestrel.Identity, error) {
	return nil, kestrel.ErrUnauthorized
}
