package audit

import (
	"context"
	"errors"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/qazna-org/access/internal/obs"
)

type ctxKey string

const (
	requestIDKey ctxKey = "audit_request_id"
	actorKey     ctxKey = "audit_actor"
)

// WithRequestID attaches the request identifier to the context for audit logging.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey, requestID)
}

// RequestID returns the request identifier stored by WithRequestID.
func RequestID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	v, _ := ctx.Value(requestIDKey).(string)
	return v
}

// WithActor records the authenticated principal acting in ctx.
func WithActor(ctx context.Context, principalID string) context.Context {
	principalID = strings.TrimSpace(principalID)
	if principalID == "" {
		return ctx
	}
	return context.WithValue(ctx, actorKey, principalID)
}

func actor(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	v, _ := ctx.Value(actorKey).(string)
	return v
}

// LogEvent writes an audit entry enriched with request and actor context.
// Fields must never carry secrets; callers pass identifiers and causes only.
func LogEvent(ctx context.Context, event string, fields map[string]any) error {
	event = strings.TrimSpace(event)
	if event == "" {
		return errors.New("event name is required")
	}
	entry := logrus.Fields{
		"type":  "audit",
		"event": event,
	}
	if rid := RequestID(ctx); rid != "" {
		entry["request_id"] = rid
	}
	if a := actor(ctx); a != "" {
		entry["actor_id"] = a
	}
	copyFields := make(map[string]any, len(fields))
	for k, v := range fields {
		copyFields[k] = v
	}
	entry["fields"] = copyFields
	obs.Logger().WithFields(entry).Info("audit")
	return nil
}
