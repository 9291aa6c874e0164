package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/qazna-org/access/internal/auth"
)

type createKeyRequest struct {
	OwnerID     string   `json:"owner_id"`
	Scopes      []string `json:"scopes"`
	TTLSeconds  int64    `json:"ttl_seconds"`
	HourlyLimit int64    `json:"hourly_limit"`
}

type createKeyResponse struct {
	*auth.APIKey
	Key string `json:"key"`
}

func (a *API) handleCreateKey(w http.ResponseWriter, r *http.Request) {
	var req createKeyRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if req.TTLSeconds < 0 {
		writeError(w, r, http.StatusBadRequest, "ttl_seconds must not be negative")
		return
	}
	plaintext, key, err := a.svc.CreateAPIKey(r.Context(), principalOf(r), auth.APIKeyRequest{
		OwnerID:     req.OwnerID,
		Scopes:      req.Scopes,
		TTL:         time.Duration(req.TTLSeconds) * time.Second,
		HourlyLimit: req.HourlyLimit,
	})
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	w.Header().Set("Location", "/v1/api-keys/"+key.ID)
	writeJSON(w, http.StatusCreated, createKeyResponse{APIKey: key, Key: plaintext})
}

func (a *API) handleListKeys(w http.ResponseWriter, r *http.Request) {
	keys, err := a.svc.ListAPIKeys(r.Context(), principalOf(r), r.URL.Query().Get("owner_id"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	if keys == nil {
		keys = []*auth.APIKey{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"keys": keys})
}

func (a *API) handleRevokeKey(w http.ResponseWriter, r *http.Request) {
	if err := a.svc.RevokeAPIKey(r.Context(), principalOf(r), chi.URLParam(r, "keyID")); err != nil {
		writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
