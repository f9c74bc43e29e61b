package server

import (
	"net/http"
	"time"

	kestrel "github.com/kestrelproxy/kestrel/internal"
)

// handleListModels returns the set of model names visible to the caller:
// the union of Models across every enabled group the caller's proxy key
// permits (spec §6 GET /v1/models), deduplicated.
func (s *server) handleListModels(w http.ResponseWriter, r *http.Request) {
	identity := kestrel.IdentityFromContext(r.Context())
	if identity == nil || identity.ProxyKeyID == "" {
		writeJSON(w, http.StatusUnauthorized, errorResponse(kestrel.ErrUnauthorized.Error()))
		return
	}
	pk, err := s.deps.Keys.ProxyKeyByID(identity.ProxyKeyID)
	if err != nil {
		writeJSON(w, errorStatus(err), errorResponse(err.Error()))
		return
	}

	seen := make(map[string]struct{})
	var names []string
	for _, g := range s.deps.Snapshot.Current().AllGroups() {
		if !g.Enabled || g.Deleted || !pk.Permits(g.ID) {
			continue
		}
		for _, m := range g.Models {
			if _, ok := seen[m]; ok {
				continue
			}
			seen[m] = struct{}{}
			names = append(names, m)
		}
	}

	now := time.Now().Unix()
	data := make([]modelEntry, len(names))
	for i, m := range names {
		data[i] = modelEntry{
			ID:      m,
			Object:  "model",
			Created: now,
			OwnedBy: "system",
		}
	}

	writeJSON(w, http.StatusOK, modelListResponse{
		Object: "list",
		Data:   data,
	})
}

type modelEntry struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	OwnedBy string `json:"owned_by"`
}

type modelListResponse struct {
	Object string       `json:"object"`
	Data   []modelEntry `json:"data"`
}
