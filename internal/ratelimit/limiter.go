package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/qazna-org/access/internal/obs"
)

// FallbackPolicy selects behaviour while the shared counter store fails.
type FallbackPolicy string

const (
	// FallbackOpen admits every request and reports degraded mode.
	FallbackOpen FallbackPolicy = "open"
	// FallbackLocal enforces limits with per-instance counters.
	FallbackLocal FallbackPolicy = "local"
)

// ParseFallback maps a config value to a policy; empty means FallbackOpen.
func ParseFallback(s string) (FallbackPolicy, error) {
	switch p := FallbackPolicy(strings.ToLower(strings.TrimSpace(s))); p {
	case "", FallbackOpen:
		return FallbackOpen, nil
	case FallbackLocal:
		return FallbackLocal, nil
	default:
		return "", fmt.Errorf("ratelimit: unknown fallback policy %q", s)
	}
}

// Decision is the outcome of one CheckAndIncrement call.
type Decision struct {
	Allowed    bool
	Limit      int64
	Count      int64
	Remaining  int64
	ResetAt    time.Time
	RetryAfter time.Duration
	// Degraded is set when the shared counter store could not be used.
	Degraded bool
}

// Limiter applies fixed-window ceilings over a shared Counter, falling back
// according to its policy when the counter errors.
type Limiter struct {
	primary  Counter
	fallback *LocalCounter
	policy   FallbackPolicy
	now      func() time.Time
	log      *logrus.Entry
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock overrides the time source.
func WithClock(fn func() time.Time) Option {
	return func(l *Limiter) {
		if fn != nil {
			l.now = fn
		}
	}
}

// WithFallback selects the degraded-mode policy.
func WithFallback(p FallbackPolicy) Option {
	return func(l *Limiter) {
		if p != "" {
			l.policy = p
		}
	}
}

// New builds a limiter over primary. A nil primary runs permanently degraded.
func New(primary Counter, opts ...Option) *Limiter {
	l := &Limiter{
		primary: primary,
		policy:  FallbackOpen,
		now:     time.Now,
		log:     obs.Component("ratelimit"),
	}
	for _, opt := range opts {
		opt(l)
	}
	l.fallback = NewLocalCounter(l.now)
	return l
}

// Policy reports the configured fallback policy.
func (l *Limiter) Policy() FallbackPolicy { return l.policy }

// CheckAndIncrement counts one request for identifier in the current window
// and reports whether it fits under ceiling. A ceiling <= 0 means unlimited.
// The only error returned is the caller's context error.
func (l *Limiter) CheckAndIncrement(ctx context.Context, identifier string, ceiling int64, window time.Duration) (Decision, error) {
	if window <= 0 {
		window = time.Hour
	}
	now := l.now()
	start := windowStart(now, window)
	reset := start.Add(window)
	if ceiling <= 0 {
		return Decision{Allowed: true, ResetAt: reset}, nil
	}
	key := bucketKey(identifier, start)
	ttl := reset.Sub(now) + time.Minute

	var (
		count    int64
		err      error
		degraded bool
	)
	if l.primary != nil {
		count, err = l.primary.Increment(ctx, key, ttl)
	} else {
		err = errors.New("no shared counter configured")
	}
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Decision{}, ctxErr
		}
		degraded = true
		obs.RateLimitDegraded()
		l.log.WithFields(logrus.Fields{
			"degraded":   true,
			"policy":     string(l.policy),
			"identifier": identifier,
			"error":      err.Error(),
		}).Warn("shared rate limit counter unavailable")

		if l.policy != FallbackLocal {
			obs.RateLimitDecision("allowed_degraded")
			return Decision{Allowed: true, Limit: ceiling, Remaining: ceiling, ResetAt: reset, Degraded: true}, nil
		}
		count, _ = l.fallback.Increment(ctx, key, ttl)
	}

	d := Decision{
		Allowed:  count <= ceiling,
		Limit:    ceiling,
		Count:    count,
		ResetAt:  reset,
		Degraded: degraded,
	}
	if d.Allowed {
		d.Remaining = ceiling - count
		obs.RateLimitDecision("allowed")
	} else {
		d.RetryAfter = reset.Sub(now)
		obs.RateLimitDecision("throttled")
	}
	return d, nil
}

func windowStart(now time.Time, window time.Duration) time.Time {
	w := int64(window / time.Second)
	if w <= 0 {
		w = 1
	}
	sec := now.Unix()
	return time.Unix(sec-sec%w, 0).UTC()
}

func bucketKey(identifier string, start time.Time) string {
	return "rl:" + identifier + ":" + strconv.FormatInt(start.Unix(), 10)
}
