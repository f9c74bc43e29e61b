package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	kestrel "github.com/kestrelproxy/kestrel/internal"
)

// maxAdminBody is the maximum allowed admin request body size (1 MB).
const maxAdminBody = 1 << 20

// decodeJSON limits body size, decodes JSON into v, and writes a 400 on error.
// Returns true if decoding succeeded.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxAdminBody)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse("invalid request body"))
		return false
	}
	return true
}

// writeAdminError logs the full error server-side and returns a sanitized
// message to the client to avoid leaking internal details (e.g. SQLite errors).
func writeAdminError(w http.ResponseWriter, r *http.Request, err error) {
	status := errorStatus(err)
	switch {
	case errors.Is(err, kestrel.ErrNotFound):
		writeJSON(w, status, errorResponse("not found"))
	case errors.Is(err, kestrel.ErrConflict):
		writeJSON(w, status, errorResponse("conflict"))
	default:
		slog.LogAttrs(r.Context(), slog.LevelError, "admin error",
			slog.String("error", err.Error()),
		)
		writeJSON(w, status, errorResponse("internal error"))
	}
}

// --- Pagination helpers ---

type pagination struct {
	Offset int `json:"offset"`
	Limit  int `json:"limit"`
	Total  int `json:"total"`
}

type listResponse struct {
	Data       any        `json:"data"`
	Pagination pagination `json:"pagination"`
}

func parsePagination(r *http.Request) (offset, limit int) {
	offset, _ = strconv.Atoi(r.URL.Query().Get("offset"))
	limit, _ = strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	return
}

// republish rebuilds the routing snapshot after a config mutation (spec
// §4.A: "snapshots are rebuilt on configuration changes"). Best-effort: a
// failure here is logged but does not fail the admin request, since the
// store write already succeeded and the next periodic republish will pick
// up the change.
func (s *server) republish(ctx context.Context) {
	if s.deps.Snapshot == nil {
		return
	}
	if err := s.deps.Snapshot.Publish(ctx); err != nil {
		slog.LogAttrs(ctx, slog.LevelWarn, "snapshot republish failed", slog.String("error", err.Error()))
	}
}

// --- Groups ---

func (s *server) handleListGroups(w http.ResponseWriter, r *http.Request) {
	groups, err := s.deps.Store.ListGroups(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorResponse("failed to list groups"))
		return
	}
	if groups == nil {
		groups = []*kestrel.Group{}
	}
	writeJSON(w, http.StatusOK, listResponse{
		Data:       groups,
		Pagination: pagination{Offset: 0, Limit: len(groups), Total: len(groups)},
	})
}

func (s *server) handleCreateGroup(w http.ResponseWriter, r *http.Request) {
	var g kestrel.Group
	if !decodeJSON(w, r, &g) {
		return
	}
	if g.Name == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse("name is required"))
		return
	}
	if g.ID == "" {
		g.ID = uuid.Must(uuid.NewV7()).String()
	}
	if g.Balance == "" {
		g.Balance = kestrel.PolicyRoundRobin
	}
	if err := s.deps.Store.CreateGroup(r.Context(), &g); err != nil {
		writeAdminError(w, r, err)
		return
	}
	s.republish(r.Context())
	w.Header().Set("Location", "/admin/v1/groups/"+g.ID)
	writeJSON(w, http.StatusCreated, g)
}

func (s *server) handleGetGroup(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	g, err := s.deps.Store.GetGroup(r.Context(), id)
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, g)
}

func (s *server) handleUpdateGroup(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var g kestrel.Group
	if !decodeJSON(w, r, &g) {
		return
	}
	g.ID = id
	if err := s.deps.Store.UpdateGroup(r.Context(), &g); err != nil {
		writeAdminError(w, r, err)
		return
	}
	s.republish(r.Context())
	writeJSON(w, http.StatusOK, g)
}

func (s *server) handleDeleteGroup(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.deps.Store.DeleteGroup(r.Context(), id); err != nil {
		writeAdminError(w, r, err)
		return
	}
	s.republish(r.Context())
	w.WriteHeader(http.StatusNoContent)
}

// --- Proxy keys ---

// proxyKeyCreateRequest is the payload for creating a new proxy key.
type proxyKeyCreateRequest struct {
	Name            string         `json:"name"`
	Description     string         `json:"description,omitempty"`
	PermittedGroups []string       `json:"allowed_groups,omitempty"`
	GroupBalance    kestrel.BalancePolicy `json:"group_balance_policy,omitempty"`
	GroupWeights    map[string]int `json:"group_weights,omitempty"`
	RPMLimit        int64          `json:"rpm_limit,omitempty"`
}

// proxyKeyCreateResponse includes the plaintext token, shown only once.
type proxyKeyCreateResponse struct {
	*kestrel.ProxyKey
	PlaintextKey string `json:"key"`
}

func (s *server) handleListProxyKeys(w http.ResponseWriter, r *http.Request) {
	offset, limit := parsePagination(r)
	keys, err := s.deps.Store.ListProxyKeys(r.Context(), offset, limit)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorResponse("failed to list proxy keys"))
		return
	}
	if keys == nil {
		keys = []*kestrel.ProxyKey{}
	}
	writeJSON(w, http.StatusOK, listResponse{
		Data:       keys,
		Pagination: pagination{Offset: offset, Limit: limit, Total: len(keys)},
	})
}

func (s *server) handleCreateProxyKey(w http.ResponseWriter, r *http.Request) {
	var req proxyKeyCreateRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Name == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse("name is required"))
		return
	}
	balance := req.GroupBalance
	if balance == "" {
		balance = kestrel.PolicyFailover
	}

	plaintext := kestrel.ProxyKeyPrefix + uuid.Must(uuid.NewV7()).String()
	pk := &kestrel.ProxyKey{
		ID:              uuid.Must(uuid.NewV7()).String(),
		Name:            req.Name,
		TokenHash:       kestrel.HashKey(plaintext),
		Description:     req.Description,
		PermittedGroups: req.PermittedGroups,
		GroupBalance:    balance,
		GroupWeights:    req.GroupWeights,
		RPMLimit:        req.RPMLimit,
		Enabled:         true,
	}
	if err := s.deps.Store.CreateProxyKey(r.Context(), pk); err != nil {
		writeAdminError(w, r, err)
		return
	}

	w.Header().Set("Location", "/admin/v1/proxy-keys/"+pk.ID)
	writeJSON(w, http.StatusCreated, proxyKeyCreateResponse{
		ProxyKey:     pk,
		PlaintextKey: plaintext,
	})
}

func (s *server) handleUpdateProxyKey(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var update struct {
		Name            *string               `json:"name,omitempty"`
		Description     *string               `json:"description,omitempty"`
		PermittedGroups []string              `json:"allowed_groups,omitempty"`
		GroupBalance    kestrel.BalancePolicy `json:"group_balance_policy,omitempty"`
		GroupWeights    map[string]int        `json:"group_weights,omitempty"`
		RPMLimit        *int64                `json:"rpm_limit,omitempty"`
		Enabled         *bool                 `json:"enabled,omitempty"`
	}
	if !decodeJSON(w, r, &update) {
		return
	}

	// ProxyKeyStore has no GetProxyKeyByID; build the updated record from
	// the request body alone and let the store merge/overwrite by ID. The
	// auth cache is invalidated below regardless, so a stale partial record
	// never survives past the next Authenticate call for this key.
	pk := &kestrel.ProxyKey{ID: id}
	if update.Name != nil {
		pk.Name = *update.Name
	}
	if update.Description != nil {
		pk.Description = *update.Description
	}
	pk.PermittedGroups = update.PermittedGroups
	pk.GroupBalance = update.GroupBalance
	pk.GroupWeights = update.GroupWeights
	if update.RPMLimit != nil {
		pk.RPMLimit = *update.RPMLimit
	}
	if update.Enabled != nil {
		pk.Enabled = *update.Enabled
	} else {
		pk.Enabled = true
	}

	if err := s.deps.Store.UpdateProxyKey(r.Context(), pk); err != nil {
		writeAdminError(w, r, err)
		return
	}
	if s.deps.KeyInvalidator != nil {
		s.deps.KeyInvalidator.InvalidateByID(id)
	}
	writeJSON(w, http.StatusOK, pk)
}

func (s *server) handleDeleteProxyKey(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.deps.Store.DeleteProxyKey(r.Context(), id); err != nil {
		writeAdminError(w, r, err)
		return
	}
	if s.deps.KeyInvalidator != nil {
		s.deps.KeyInvalidator.InvalidateByID(id)
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- Logs ---

func (s *server) handleListLogs(w http.ResponseWriter, r *http.Request) {
	offset, limit := parsePagination(r)
	logs, err := s.deps.Store.ListRequestLogs(r.Context(), offset, limit)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorResponse("failed to list request logs"))
		return
	}
	if logs == nil {
		logs = []*kestrel.RequestLog{}
	}
	writeJSON(w, http.StatusOK, listResponse{
		Data:       logs,
		Pagination: pagination{Offset: offset, Limit: limit, Total: len(logs)},
	})
}

// --- Health ---

// groupHealthResponse bundles the recent probe history with the one rolled-up
// stats row the store returns for the group (omitted when there is none).
type groupHealthResponse struct {
	Recent []*kestrel.HealthCheckResult `json:"recent"`
	Stats  *kestrel.HealthCheckStats    `json:"stats,omitempty"`
}

func (s *server) handleGroupHealth(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	recent, err := s.deps.Store.ListHealthCheckResults(r.Context(), id, 50)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorResponse("failed to list health results"))
		return
	}
	if recent == nil {
		recent = []*kestrel.HealthCheckResult{}
	}
	stats, err := s.deps.Store.GetHealthCheckStats(r.Context(), id)
	if err != nil && !errors.Is(err, kestrel.ErrNotFound) {
		writeJSON(w, http.StatusInternalServerError, errorResponse("failed to get health stats"))
		return
	}
	writeJSON(w, http.StatusOK, groupHealthResponse{Recent: recent, Stats: stats})
}

// --- Probe trigger ---

func (s *server) handleTriggerProbe(w http.ResponseWriter, r *http.Request) {
	if s.deps.Health == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorResponse("health scanner not configured"))
		return
	}
	id := chi.URLParam(r, "id")
	s.deps.Health.TriggerProbe(id)
	w.WriteHeader(http.StatusAccepted)
}
