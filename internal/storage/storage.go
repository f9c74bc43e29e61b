// Package storage defines persistence interfaces for the dispatcher.
package storage

import (
	"context"

	kestrel "github.com/kestrelproxy/kestrel/internal"
)

// GroupStore manages Group persistence (spec §6 groups table).
type GroupStore interface {
	CreateGroup(ctx context.Context, g *kestrel.Group) error
	GetGroup(ctx context.Context, id string) (*kestrel.Group, error)
	ListGroups(ctx context.Context) ([]*kestrel.Group, error)
	UpdateGroup(ctx context.Context, g *kestrel.Group) error
	DeleteGroup(ctx context.Context, id string) error
}

// ProxyKeyStore manages ProxyKey persistence (spec §6 proxy_keys table).
type ProxyKeyStore interface {
	CreateProxyKey(ctx context.Context, k *kestrel.ProxyKey) error
	GetProxyKeyByHash(ctx context.Context, hash string) (*kestrel.ProxyKey, error)
	ListProxyKeys(ctx context.Context, offset, limit int) ([]*kestrel.ProxyKey, error)
	UpdateProxyKey(ctx context.Context, k *kestrel.ProxyKey) error
	DeleteProxyKey(ctx context.Context, id string) error
	TouchProxyKeyUsed(ctx context.Context, id string) error
}

// KeyStateStore persists the learnt validity and usage state of each
// (group, key) pair (spec §6 key_validation, key_usage_stats tables). It
// backs the in-memory keystate store on restart and survives process
// bounces without re-learning every key from scratch.
type KeyStateStore interface {
	GetKeyValidity(ctx context.Context, groupID, keyHash string) (*kestrel.KeyValidity, error)
	ListKeyValidity(ctx context.Context, groupID string) ([]*kestrel.KeyValidity, error)
	UpsertKeyValidity(ctx context.Context, v *kestrel.KeyValidity) error
	GetKeyUsage(ctx context.Context, groupID, keyHash string) (*kestrel.KeyUsage, error)
	UpsertKeyUsage(ctx context.Context, u *kestrel.KeyUsage) error
}

// LogStore persists request logs (spec §6 request_logs table, §4.C
// two-phase Insert/Update).
type LogStore interface {
	InsertRequestLog(ctx context.Context, log *kestrel.RequestLog) error
	UpdateRequestLog(ctx context.Context, log *kestrel.RequestLog) error
	ListRequestLogs(ctx context.Context, offset, limit int) ([]*kestrel.RequestLog, error)
}

// HealthStore persists health scanner results (spec §6 health_check_results,
// health_check_stats tables).
type HealthStore interface {
	InsertHealthCheckResult(ctx context.Context, r *kestrel.HealthCheckResult) error
	ListHealthCheckResults(ctx context.Context, groupID string, limit int) ([]*kestrel.HealthCheckResult, error)
	GetHealthCheckStats(ctx context.Context, groupID string) (*kestrel.HealthCheckStats, error)
	UpsertHealthCheckStats(ctx context.Context, s *kestrel.HealthCheckStats) error
}

// Store combines all storage interfaces backing the dispatcher.
type Store interface {
	GroupStore
	ProxyKeyStore
	KeyStateStore
	LogStore
	HealthStore
	Close() error
}
