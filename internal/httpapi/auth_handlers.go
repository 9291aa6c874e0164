package httpapi

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/qazna-org/access/internal/auth"
)

type loginRequest struct {
	Identifier string `json:"identifier"`
	Password   string `json:"password"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type logoutRequest struct {
	Token string `json:"token"`
}

type tokenResponse struct {
	AccessToken      string    `json:"access_token"`
	RefreshToken     string    `json:"refresh_token"`
	TokenType        string    `json:"token_type"`
	ExpiresIn        int64     `json:"expires_in"`
	RefreshExpiresAt time.Time `json:"refresh_expires_at"`
}

type principalResponse struct {
	User   *auth.User `json:"user"`
	Scopes []string   `json:"scopes"`
	Via    string     `json:"via"`
}

func clientMeta(r *http.Request) auth.ClientMeta {
	return auth.ClientMeta{Address: clientIP(r), UserAgent: r.UserAgent()}
}

func newTokenResponse(pair auth.TokenPair, now time.Time) tokenResponse {
	return tokenResponse{
		AccessToken:      pair.AccessToken,
		RefreshToken:     pair.RefreshToken,
		TokenType:        "Bearer",
		ExpiresIn:        int64(pair.AccessExpiresAt.Sub(now).Round(time.Second).Seconds()),
		RefreshExpiresAt: pair.RefreshExpiresAt,
	}
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	pair, _, err := a.svc.Login(r.Context(), req.Identifier, req.Password, clientMeta(r))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newTokenResponse(pair, time.Now()))
}

func (a *API) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.RefreshToken) == "" {
		writeError(w, r, http.StatusBadRequest, "refresh_token is required")
		return
	}
	pair, _, err := a.svc.Refresh(r.Context(), req.RefreshToken, clientMeta(r))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newTokenResponse(pair, time.Now()))
}

// handleLogout accepts the token in the body or as a bearer credential and
// answers 204 whether or not the token named a live session.
func (a *API) handleLogout(w http.ResponseWriter, r *http.Request) {
	var req logoutRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
	}
	token := strings.TrimSpace(req.Token)
	if token == "" {
		if cred, err := auth.ParseCredential(r.Header.Get("Authorization"), ""); err == nil && cred.Kind == auth.CredentialBearer {
			token = cred.Secret
		}
	}
	if token != "" {
		if err := a.svc.Logout(r.Context(), token); err != nil && errors.Is(err, auth.ErrDependencyUnavailable) {
			writeServiceError(w, r, err)
			return
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleMe(w http.ResponseWriter, r *http.Request) {
	p := principalOf(r)
	writeJSON(w, http.StatusOK, principalResponse{
		User:   p.User,
		Scopes: p.Scopes.List(),
		Via:    p.Via.String(),
	})
}
