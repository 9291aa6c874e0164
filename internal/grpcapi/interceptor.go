package grpcapi

import (
	"context"
	"errors"
	"strconv"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/qazna-org/access/internal/audit"
	"github.com/qazna-org/access/internal/auth"
	"github.com/qazna-org/access/internal/obs"
)

// Authenticator resolves authorization or x-api-key metadata to a principal.
type Authenticator struct {
	svc    *auth.Service
	scopes map[string]string
	public map[string]bool
}

// NewAuthenticator builds interceptors for use outside Server.
func NewAuthenticator(svc *auth.Service, scopes map[string]string, publicMethods ...string) *Authenticator {
	public := make(map[string]bool, len(publicMethods))
	for _, m := range publicMethods {
		public[m] = true
	}
	return &Authenticator{svc: svc, scopes: scopes, public: public}
}

func (a *Authenticator) Unary(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	ctx, err := a.authenticate(ctx, info.FullMethod)
	if err != nil {
		return nil, err
	}
	return handler(ctx, req)
}

func (a *Authenticator) Stream(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
	ctx, err := a.authenticate(ss.Context(), info.FullMethod)
	if err != nil {
		return err
	}
	return handler(srv, &wrappedStream{ServerStream: ss, ctx: ctx})
}

func (a *Authenticator) authenticate(ctx context.Context, method string) (context.Context, error) {
	if a.public[method] {
		return ctx, nil
	}
	md, _ := metadata.FromIncomingContext(ctx)
	if rid := first(md, "x-request-id"); rid != "" {
		ctx = audit.WithRequestID(ctx, rid)
	}
	cred, err := auth.ParseCredential(first(md, "authorization"), first(md, "x-api-key"))
	if err != nil {
		return nil, status.Error(codes.Unauthenticated, "authentication required")
	}
	principal, err := a.svc.AuthenticateRequest(ctx, cred)
	if err != nil {
		return nil, toStatus(ctx, err)
	}
	if scope := a.scopes[method]; scope != "" {
		if err := a.svc.Authorize(principal, scope); err != nil {
			return nil, toStatus(ctx, err)
		}
	}
	ctx = auth.ContextWithPrincipal(ctx, principal)
	return audit.WithActor(ctx, principal.ID()), nil
}

func first(md metadata.MD, key string) string {
	if vals := md.Get(key); len(vals) > 0 {
		return strings.TrimSpace(vals[0])
	}
	return ""
}

// toStatus maps facade outcomes to gRPC codes with the same collapsing as
// the HTTP layer.
func toStatus(ctx context.Context, err error) error {
	switch {
	case errors.Is(err, auth.ErrAuthenticationFailed),
		errors.Is(err, auth.ErrTokenInvalid),
		errors.Is(err, auth.ErrKeyInvalid):
		return status.Error(codes.Unauthenticated, "invalid credentials")
	case errors.Is(err, auth.ErrForbidden):
		return status.Error(codes.PermissionDenied, strings.TrimPrefix(err.Error(), "auth: "))
	case errors.Is(err, auth.ErrThrottled):
		if wait, ok := auth.RetryAfter(err); ok {
			secs := int64(wait.Seconds() + 0.999)
			_ = grpc.SetHeader(ctx, metadata.Pairs("retry-after", strconv.FormatInt(secs, 10)))
		}
		return status.Error(codes.ResourceExhausted, "rate limit exceeded")
	case errors.Is(err, auth.ErrDependencyUnavailable):
		obs.Component("grpc").WithError(err).Error("dependency unavailable")
		return status.Error(codes.Unavailable, "service temporarily unavailable")
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	default:
		obs.Component("grpc").WithError(err).Error("unhandled error")
		return status.Error(codes.Internal, "internal error")
	}
}

type wrappedStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (w *wrappedStream) Context() context.Context { return w.ctx }
