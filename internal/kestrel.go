// Package kestrel defines domain types and interfaces for the Kestrel LLM
// dispatcher. This package has no project imports -- it is the dependency
// root.
package kestrel

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"time"
)

// ProviderKind identifies the upstream wire schema a Group speaks.
type ProviderKind string

const (
	KindOpenAI    ProviderKind = "openai"
	KindAnthropic ProviderKind = "anthropic"
	KindGemini    ProviderKind = "gemini"
)

// BalancePolicy selects how keys within a group, or groups within a proxy
// key's permit set, are ordered for an attempt.
type BalancePolicy string

const (
	PolicyRoundRobin BalancePolicy = "round_robin"
	PolicyWeighted   BalancePolicy = "weighted"
	PolicyRandom     BalancePolicy = "random"
	PolicyFailover   BalancePolicy = "failover"
)

// Group is a named provider configuration: an upstream endpoint, an ordered
// pool of API keys, and the policy governing how those keys are used.
type Group struct {
	ID       string       `json:"id"`
	Name     string       `json:"name"`
	Kind     ProviderKind `json:"provider_kind"`
	BaseURL  string       `json:"base_url"`
	APIKeys  []string     `json:"api_keys"` // raw upstream keys, never persisted in the clear by the log pipeline
	Balance  BalancePolicy `json:"balance_policy"` // round_robin|random|failover (keys have no weights)
	Retry    int          `json:"retry_count"`     // per-group retry budget hint; global budget lives on the request
	ConnectTimeout  time.Duration `json:"connect_timeout"`
	ResponseTimeout time.Duration `json:"response_timeout"`
	RPMLimit  int64             `json:"rpm_limit"` // 0 = unlimited
	TestModel string            `json:"test_model,omitempty"`
	Proxy     *ForwardProxyConfig `json:"proxy,omitempty"`
	ParamOverrides json.RawMessage `json:"param_overrides,omitempty"` // JSON object merged into request bodies
	Headers        map[string]string `json:"headers,omitempty"`
	Aliases        map[string]string `json:"aliases,omitempty"` // requested model -> canonical upstream model
	Models         []string          `json:"models"`
	FakeStreaming  bool              `json:"fake_streaming"`
	Hosting        string            `json:"hosting,omitempty"` // "", "vertex", "bedrock", "azure"
	Region         string            `json:"region,omitempty"`
	Project        string            `json:"project,omitempty"`
	Priority       int               `json:"priority"`
	Enabled        bool              `json:"enabled"`
	Deleted        bool              `json:"deleted"`
	CreatedAt      time.Time         `json:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at"`
}

// Routable reports whether the group is visible to the dispatcher.
func (g *Group) Routable() bool { return g.Enabled && !g.Deleted }

// ResolveModel applies the group's alias map. Idempotent: resolving an
// already-canonical model returns it unchanged.
func (g *Group) ResolveModel(requested string) string {
	if g.Aliases == nil {
		return requested
	}
	if canon, ok := g.Aliases[requested]; ok {
		return canon
	}
	return requested
}

// HasModel reports whether the (already-resolved) model is served by this group.
func (g *Group) HasModel(resolved string) bool {
	for _, m := range g.Models {
		if m == resolved {
			return true
		}
	}
	return false
}

// ForwardProxyConfig describes an optional HTTP forward proxy used when
// dialing this group's upstream.
type ForwardProxyConfig struct {
	URL string `json:"url"`
}

// ProxyKey is the client-facing credential. PermittedGroups empty means "all
// enabled groups".
type ProxyKey struct {
	ID              string            `json:"id"`
	Name            string            `json:"name"`
	Token           string            `json:"-"` // raw token, never logged; TokenHash is the persisted identifier
	TokenHash       string            `json:"token_hash"`
	Description     string            `json:"description,omitempty"`
	PermittedGroups []string          `json:"allowed_groups,omitempty"`
	GroupBalance    BalancePolicy     `json:"group_balance_policy"`
	GroupWeights    map[string]int    `json:"group_weights,omitempty"`
	RPMLimit        int64             `json:"rpm_limit"`
	Enabled         bool              `json:"enabled"`
	UsageCount      int64             `json:"usage_count"`
	LastUsedAt      *time.Time        `json:"last_used_at,omitempty"`
	CreatedAt       time.Time         `json:"created_at"`
}

// Permits reports whether the key allows dispatch into the given group.
// An empty permit set means "all enabled groups".
func (pk *ProxyKey) Permits(groupID string) bool {
	if len(pk.PermittedGroups) == 0 {
		return true
	}
	for _, g := range pk.PermittedGroups {
		if g == groupID {
			return true
		}
	}
	return false
}

// Validity is a tri-state verdict for a (group, keyHash) pair.
type Validity int

const (
	Unknown Validity = iota
	Valid
	Invalid
)

func (v Validity) String() string {
	switch v {
	case Valid:
		return "valid"
	case Invalid:
		return "invalid"
	default:
		return "unknown"
	}
}

// KeyValidity is the persisted (group, keyHash) validity record.
type KeyValidity struct {
	ID              string    `json:"id"`
	GroupID         string    `json:"group_id"`
	APIKeyHash      string    `json:"api_key_hash"`
	ProviderKind    ProviderKind `json:"provider_kind"`
	Valid           bool      `json:"is_valid"`
	ErrorCount      int       `json:"error_count"`
	LastError       string    `json:"last_error,omitempty"`
	LastStatusCode  int       `json:"last_status_code,omitempty"`
	LastValidatedAt time.Time `json:"last_validated_at"`
	CreatedAt       time.Time `json:"created_at"`
}

// KeyUsage is the persisted (group, keyHash) usage counter.
type KeyUsage struct {
	ID         string    `json:"id"`
	GroupID    string    `json:"group_id"`
	APIKeyHash string    `json:"api_key_hash"`
	UsageCount int64     `json:"usage_count"`
	LastUsedAt time.Time `json:"last_used_at"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// HealthCheckType enumerates the three probe axes of §4.D.
type HealthCheckType string

const (
	CheckProvider HealthCheckType = "provider"
	CheckKey      HealthCheckType = "key"
	CheckModel    HealthCheckType = "model"
)

// HealthCheckResult is a single append-only probe observation.
type HealthCheckResult struct {
	ID        string          `json:"id"`
	GroupID   string          `json:"group_id"`
	CheckType HealthCheckType `json:"check_type"`
	Subject   string          `json:"subject"` // key hash, model name, or group id depending on CheckType
	Success   bool            `json:"success"`
	LatencyMs int             `json:"latency_ms"`
	Error     string          `json:"error,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// HealthCheckStats is the rolled-up counter set for a (group, checkType, subject).
type HealthCheckStats struct {
	GroupID            string          `json:"group_id"`
	CheckType          HealthCheckType `json:"check_type"`
	Subject            string          `json:"subject"`
	SuccessCount       int64           `json:"success_count"`
	FailCount          int64           `json:"fail_count"`
	AvgLatencyMs       float64         `json:"avg_latency_ms"`
	ConsecutiveFailures int            `json:"consecutive_failures"`
	UpdatedAt          time.Time       `json:"updated_at"`
}

// HealthAnalysis is the per-cycle human-diagnostic summary (§4.D Analysis).
type HealthAnalysis struct {
	GroupID        string `json:"group_id"`
	ProviderHealthy bool  `json:"provider_healthy"`
	KeysHealthy    bool   `json:"keys_healthy"`
	ModelsHealthy  bool   `json:"models_healthy"`
	Inconsistent   bool   `json:"inconsistent"`
	Reason         string `json:"reason,omitempty"`
}

// Selection is the short-lived tuple a request owns for one upstream attempt.
type Selection struct {
	GroupID string
	Key     string // raw upstream key for this attempt
	KeyHash string
	Attempt int
}

// RequestLog is the two-phase persisted log record (§4.C, §6 request_logs).
type RequestLog struct {
	ID               string    `json:"id"`
	RequestID        string    `json:"request_id"`
	ProxyKeyID       string    `json:"proxy_key_id"`
	GroupID          string    `json:"group_id"`
	ProviderKind     ProviderKind `json:"provider_kind"`
	Model            string    `json:"model"`
	Method           string    `json:"method"`
	Endpoint         string    `json:"endpoint"`
	RequestBody      []byte    `json:"request_body,omitempty"`
	ResponseBody     []byte    `json:"response_body,omitempty"`
	RequestHeaders   map[string]string `json:"request_headers,omitempty"`
	ResponseHeaders  map[string]string `json:"response_headers,omitempty"`
	ContentTruncated bool      `json:"content_truncated"`
	StatusCode       int       `json:"status_code"`
	DurationMs       int       `json:"duration_ms"`
	PromptTokens     int       `json:"prompt_tokens"`
	CompletionTokens int       `json:"completion_tokens"`
	TotalTokens      int       `json:"total_tokens"`
	ErrorMessage     string    `json:"error_message,omitempty"`
	ClientIP         string    `json:"client_ip,omitempty"`
	UserAgent        string    `json:"user_agent,omitempty"`
	HasTools         bool      `json:"has_tools"`
	IsStreaming      bool      `json:"is_streaming"`
	CreatedAt        time.Time `json:"created_at"`
}

// --- RBAC (re-scoped: admin vs. client only; see DESIGN.md) ---

// Permission is a bitmask representing admin-surface authorization.
type Permission uint32

const (
	PermDispatch      Permission = 1 << iota // issue dispatch requests (client proxy keys)
	PermManageGroups                         // CRUD groups
	PermManageKeys                           // CRUD proxy keys
	PermForceStatus                          // admin override of KeyValidity
	PermTriggerProbe                         // manually trigger a health-scanner probe
	PermViewLogs                             // read request_logs / health results
)

// RolePermissions maps role names to their permission bitmask.
var RolePermissions = map[string]Permission{
	"admin":  PermDispatch | PermManageGroups | PermManageKeys | PermForceStatus | PermTriggerProbe | PermViewLogs,
	"client": PermDispatch,
}

// Identity is the authenticated caller context attached to the request context.
type Identity struct {
	ProxyKeyID string     `json:"proxy_key_id"`
	Name       string     `json:"name"`
	Role       string     `json:"role"`
	Perms      Permission `json:"-"`
	RPMLimit   int64      `json:"-"`
}

// Can reports whether the identity has the given permission.
func (id *Identity) Can(p Permission) bool { return id.Perms&p == p }

// --- Context keys ---

type contextKey int

const ctxKeyMeta contextKey = 0

// requestMeta bundles per-request values into a single context allocation.
// Identity is set later by the authenticate middleware via mutation of the
// same pointer, avoiding a second context.WithValue + Request.WithContext.
type requestMeta struct {
	RequestID string
	Identity  *Identity
}

func metaFromContext(ctx context.Context) *requestMeta {
	m, _ := ctx.Value(ctxKeyMeta).(*requestMeta)
	return m
}

// IdentityFromContext extracts the authenticated identity from context.
func IdentityFromContext(ctx context.Context) *Identity {
	if m := metaFromContext(ctx); m != nil {
		return m.Identity
	}
	return nil
}

// ContextWithIdentity stores the identity in the existing requestMeta if
// present, avoiding a new context.WithValue allocation.
func ContextWithIdentity(ctx context.Context, id *Identity) context.Context {
	if m := metaFromContext(ctx); m != nil {
		m.Identity = id
		return ctx
	}
	return context.WithValue(ctx, ctxKeyMeta, &requestMeta{Identity: id})
}

// RequestIDFromContext extracts the request ID from context.
func RequestIDFromContext(ctx context.Context) string {
	if m := metaFromContext(ctx); m != nil {
		return m.RequestID
	}
	return ""
}

// ContextWithRequestID returns a context carrying the given request ID.
func ContextWithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKeyMeta, &requestMeta{RequestID: id})
}

// --- Shared constants and helpers ---

// ProxyKeyPrefix is the prefix for all Kestrel proxy keys.
const ProxyKeyPrefix = "ksl_"

// HashKey returns the hex-encoded SHA-256 hash of a raw key. Used for both
// proxy-key tokens and upstream group API keys -- raw keys are never logged.
func HashKey(raw string) string {
	h := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(h[:])
}

// Authenticator validates request credentials and returns the caller identity.
type Authenticator interface {
	Authenticate(ctx context.Context, r *http.Request) (*Identity, error)
}
