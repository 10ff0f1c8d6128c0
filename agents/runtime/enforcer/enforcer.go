// Package enforcer wraps any call with a token budget, a per-key rate
// limit, a per-key circuit breaker, and a deadline, in that order: the
// token and rate checks reject a call before f is ever invoked, and the
// deadline bounds only the call the breaker admits.
package enforcer

import (
	"context"
	"time"

	"github.com/sony/gobreaker"

	"github.com/coreagent/platform/agents/runtime/apperrors"
	"github.com/coreagent/platform/agents/runtime/telemetry"
)

// Config is the Enforcement Configuration: per-process, rebuildable from
// environment variables (ENFORCE_*).
type Config struct {
	RequestTimeout       time.Duration
	PerRequestMaxTokens  int
	RateLimitPerKeyRPS   float64
	CBErrorThreshold     float64
	CBRollingWindow      time.Duration
	CBMinRequests        uint32

	// DistributedRateLimitURL, DistributedRateLimitPrefix and
	// DistributedRateLimitTTL describe a Redis fixed-window backend. New does
	// not read them: the Redis limiter is installed only through
	// WithRateLimiter(NewDistributedLimiter(...)).
	DistributedRateLimitURL    string
	DistributedRateLimitPrefix string
	DistributedRateLimitTTL    time.Duration
}

// RateLimiter is the contract both the in-process and distributed rate
// limiters satisfy.
type RateLimiter interface {
	// Allow reports whether a single unit of work for key may proceed now.
	Allow(ctx context.Context, key string) (bool, error)
}

// Enforcer applies Config's guards around an arbitrary computation.
type Enforcer struct {
	cfg      Config
	limiter  RateLimiter
	breakers *breakerSet

	logger  telemetry.Logger
	metrics telemetry.Metrics
}

// Option configures an Enforcer at construction time.
type Option func(*Enforcer)

// WithLogger overrides the default no-op logger.
func WithLogger(l telemetry.Logger) Option { return func(e *Enforcer) { e.logger = l } }

// WithMetrics overrides the default no-op metrics sink.
func WithMetrics(m telemetry.Metrics) Option { return func(e *Enforcer) { e.metrics = m } }

// WithRateLimiter overrides the default in-process token-bucket limiter,
// e.g. with a Redis-backed distributed limiter.
func WithRateLimiter(l RateLimiter) Option { return func(e *Enforcer) { e.limiter = l } }

// New builds an Enforcer with a process-local token bucket limiter, unless
// a WithRateLimiter option replaces it. cfg.DistributedRateLimitURL is not
// consulted here.
func New(cfg Config, opts ...Option) *Enforcer {
	e := &Enforcer{
		cfg:      cfg,
		limiter:  newLocalLimiter(cfg.RateLimitPerKeyRPS),
		breakers: newBreakerSet(cfg),
		logger:   telemetry.NewNoopLogger(),
		metrics:  telemetry.NewNoopMetrics(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// ErrorCode identifies which guard rejected a call, used to map the failure
// onto a transport status at the gateway boundary.
type ErrorCode string

const (
	ErrTokenLimitExceeded ErrorCode = "token_limit_exceeded"
	ErrRateLimitExceeded  ErrorCode = "rate_limit_exceeded"
	ErrCircuitBreakerOpen ErrorCode = "circuit_breaker_open"
	ErrRequestTimeout     ErrorCode = "request_timeout"
)

// ToKind maps an enforcer ErrorCode onto the error taxonomy's Kind.
func (c ErrorCode) ToKind() apperrors.Kind {
	switch c {
	case ErrRequestTimeout:
		return apperrors.KindTimeout
	case ErrRateLimitExceeded, ErrTokenLimitExceeded:
		return apperrors.KindResource
	case ErrCircuitBreakerOpen:
		return apperrors.KindAvailability
	default:
		return apperrors.KindInternal
	}
}

// Enforce runs f under all four guards for key. estimatedTokens is checked
// against cfg.PerRequestMaxTokens before anything else runs.
func (e *Enforcer) Enforce(ctx context.Context, key string, estimatedTokens int, f func(context.Context) (any, error)) (any, error) {
	if e.cfg.PerRequestMaxTokens > 0 && estimatedTokens > e.cfg.PerRequestMaxTokens {
		e.metrics.IncCounter("enforcer.rejections_total", 1, "reason", string(ErrTokenLimitExceeded))
		return nil, apperrors.Resource(string(ErrTokenLimitExceeded), nil)
	}

	allowed, err := e.limiter.Allow(ctx, key)
	if err != nil {
		return nil, apperrors.Internal("rate limiter check failed", err)
	}
	if !allowed {
		e.metrics.IncCounter("enforcer.rejections_total", 1, "reason", string(ErrRateLimitExceeded))
		return nil, apperrors.Resource(string(ErrRateLimitExceeded), nil)
	}

	breaker := e.breakers.get(key)

	result, err := breaker.Execute(func() (any, error) {
		runCtx := ctx
		var cancel context.CancelFunc
		if e.cfg.RequestTimeout > 0 {
			runCtx, cancel = context.WithTimeout(ctx, e.cfg.RequestTimeout)
			defer cancel()
		}

		type outcome struct {
			v   any
			err error
		}
		done := make(chan outcome, 1)
		go func() {
			v, err := f(runCtx)
			done <- outcome{v, err}
		}()

		select {
		case <-runCtx.Done():
			return nil, apperrors.Timeout(string(ErrRequestTimeout), runCtx.Err())
		case out := <-done:
			return out.v, out.err
		}
	})

	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			e.metrics.IncCounter("enforcer.rejections_total", 1, "reason", string(ErrCircuitBreakerOpen))
			return nil, apperrors.Availability(string(ErrCircuitBreakerOpen), err)
		}
		return nil, err
	}
	return result, nil
}
