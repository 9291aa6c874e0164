package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/qazna-org/access/internal/auth"
)

type createUserRequest struct {
	Email    string `json:"email"`
	Handle   string `json:"handle"`
	Password string `json:"password"`
	Role     string `json:"role"`
}

type setRoleRequest struct {
	Role string `json:"role"`
}

type setActiveRequest struct {
	Active *bool `json:"active"`
}

type userResponse struct {
	*auth.User
	Scopes []string `json:"scopes"`
}

func (a *API) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	var req createUserRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	user, err := a.svc.RegisterUser(r.Context(), auth.NewUser{
		Email:    req.Email,
		Handle:   req.Handle,
		Password: req.Password,
		Role:     auth.Role(req.Role),
	})
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	w.Header().Set("Location", "/v1/users/"+user.ID)
	writeJSON(w, http.StatusCreated, userResponse{User: user, Scopes: auth.RoleScopes(user.Role).List()})
}

func (a *API) handleGetUser(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "userID")
	user, err := a.svc.GetUser(r.Context(), id)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	scopes, err := a.svc.EffectiveScopes(r.Context(), id)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, userResponse{User: user, Scopes: scopes.List()})
}

func (a *API) handleSetRole(w http.ResponseWriter, r *http.Request) {
	var req setRoleRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if err := a.svc.SetRole(r.Context(), chi.URLParam(r, "userID"), auth.Role(req.Role)); err != nil {
		writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleSetActive(w http.ResponseWriter, r *http.Request) {
	var req setActiveRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if req.Active == nil {
		writeError(w, r, http.StatusBadRequest, "active is required")
		return
	}
	if err := a.svc.SetActive(r.Context(), chi.URLParam(r, "userID"), *req.Active); err != nil {
		writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleGrantOverride(w http.ResponseWriter, r *http.Request) {
	if err := a.svc.GrantOverride(r.Context(), chi.URLParam(r, "userID"), chi.URLParam(r, "scope")); err != nil {
		writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleRevokeOverride(w http.ResponseWriter, r *http.Request) {
	if err := a.svc.RevokeOverride(r.Context(), chi.URLParam(r, "userID"), chi.URLParam(r, "scope")); err != nil {
		writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleRevokeSessions(w http.ResponseWriter, r *http.Request) {
	n, err := a.svc.RevokeSessions(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"revoked": n})
}
