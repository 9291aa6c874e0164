package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/qazna-org/access/internal/auth"
	"github.com/qazna-org/access/internal/obs"
)

// statusClientClosedRequest is the nginx convention for a caller that went
// away before the response was written.
const statusClientClosedRequest = 499

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	payload := map[string]any{
		"error": msg,
	}
	if rid := RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, code, payload)
}

// writeServiceError maps facade outcomes to HTTP responses. Credential
// failures carry no detail; unexpected faults become a generic 500.
func writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, context.Canceled):
		obs.Component("http").WithField("request_id", RequestIDFromContext(r.Context())).Debug("request canceled by client")
		writeError(w, r, statusClientClosedRequest, "request canceled")
	case errors.Is(err, context.DeadlineExceeded):
		obs.Component("http").WithField("request_id", RequestIDFromContext(r.Context())).Warn("request deadline exceeded")
		writeError(w, r, http.StatusGatewayTimeout, "request timed out")
	case errors.Is(err, auth.ErrAuthenticationFailed):
		unauthorized(w, r, "authentication failed")
	case errors.Is(err, auth.ErrTokenInvalid):
		unauthorized(w, r, "invalid token")
	case errors.Is(err, auth.ErrKeyInvalid):
		unauthorized(w, r, "invalid api key")
	case errors.Is(err, auth.ErrForbidden):
		writeError(w, r, http.StatusForbidden, publicMessage(err))
	case errors.Is(err, auth.ErrThrottled):
		if wait, ok := auth.RetryAfter(err); ok {
			w.Header().Set("Retry-After", retryAfterSeconds(wait))
		}
		writeError(w, r, http.StatusTooManyRequests, "rate limit exceeded")
	case errors.Is(err, auth.ErrInvalidInput):
		writeError(w, r, http.StatusBadRequest, publicMessage(err))
	case errors.Is(err, auth.ErrNotFound):
		writeError(w, r, http.StatusNotFound, "resource not found")
	case errors.Is(err, auth.ErrConflict):
		writeError(w, r, http.StatusConflict, publicMessage(err))
	case errors.Is(err, auth.ErrDependencyUnavailable):
		obs.Component("http").WithError(err).WithField("request_id", RequestIDFromContext(r.Context())).Error("dependency unavailable")
		writeError(w, r, http.StatusServiceUnavailable, "service temporarily unavailable")
	default:
		obs.Component("http").WithError(err).WithField("request_id", RequestIDFromContext(r.Context())).Error("unhandled error")
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}

func unauthorized(w http.ResponseWriter, r *http.Request, msg string) {
	w.Header().Set("WWW-Authenticate", `Bearer realm="qazna-access"`)
	writeError(w, r, http.StatusUnauthorized, msg)
}

func publicMessage(err error) string {
	return strings.TrimPrefix(err.Error(), "auth: ")
}

func decodeJSON(r *http.Request, dst any) error {
	if r.Body == nil {
		return errors.New("request body is required")
	}
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return errors.New("request body too large")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}
