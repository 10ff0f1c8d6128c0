package durable

import (
	"context"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/coreagent/platform/agents/runtime/apperrors"
	"github.com/coreagent/platform/agents/runtime/eventlog"
)

// maxRetryAttempts bounds the retry-with-backoff loop regardless of
// classification; a permanently-failing dependency must not retry forever.
const maxRetryAttempts = 5

// maxRetryDelay caps the exponential backoff applied to a classified
// error's base delay.
const maxRetryDelay = 30 * time.Second

// breakers holds one circuit breaker per workflow pattern: retries of a
// given pattern share a failure budget, so a systemically broken dependency
// (the LLM provider, the tool sandbox) opens the breaker for every workflow
// driving that pattern rather than per individual workflow run.
type breakerRegistry struct {
	mu       sync.Mutex
	breakers map[Pattern]*gobreaker.CircuitBreaker[any]
}

var globalBreakers = &breakerRegistry{breakers: make(map[Pattern]*gobreaker.CircuitBreaker[any])}

func (r *breakerRegistry) get(p Pattern) *gobreaker.CircuitBreaker[any] {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[p]; ok {
		return b
	}
	b := gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:        "durable:" + string(p),
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.Requests >= 10 && float64(counts.TotalFailures)/float64(counts.Requests) >= 0.5
		},
	})
	r.breakers[p] = b
	return b
}

// breakerFor returns the shared circuit breaker for pattern p. Retries of
// every workflow driving the same pattern share one failure budget.
func (e *Engine) breakerFor(p Pattern) *gobreaker.CircuitBreaker[any] {
	return globalBreakers.get(p)
}

// withRetry runs fn, classifying any error via apperrors.Classify and
// retrying with exponential backoff (base delay from the classification,
// doubled each attempt, capped at maxRetryDelay) until it succeeds, the
// error is permanent, the breaker is open, maxRetryAttempts is exhausted,
// or ctx is cancelled. Every failure counts against the circuit breaker
// regardless of whether it is retried further. Between retries it writes an
// empty-state checkpoint anchored at the event log's current sequence, so a
// crash mid-retry replays only the events already durable rather than
// re-running the whole pattern from scratch.
func (e *Engine) withRetry(ctx context.Context, workflowID string, breaker *gobreaker.CircuitBreaker[any], fn func() (TaskResult, error)) (TaskResult, error) {
	var last TaskResult
	var lastErr error

	for attempt := 0; attempt < maxRetryAttempts; attempt++ {
		result, err := breaker.Execute(func() (any, error) {
			r, err := fn()
			return r, err
		})
		if err == nil {
			return result.(TaskResult), nil
		}

		lastErr = err
		if res, ok := result.(TaskResult); ok {
			last = res
		}

		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return last, apperrors.Availability("circuit breaker open for workflow pattern", err)
		}

		class := apperrors.Classify(err)
		if !class.Retryable() {
			return last, err
		}

		select {
		case <-ctx.Done():
			return last, ctx.Err()
		default:
		}

		e.checkpointBetweenRetries(ctx, workflowID)

		delay := time.Duration(class.BaseDelay()) * time.Second
		for i := 0; i < attempt; i++ {
			delay *= 2
			if delay > maxRetryDelay {
				delay = maxRetryDelay
				break
			}
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return last, ctx.Err()
		case <-timer.C:
		}
	}
	return last, lastErr
}

// checkpointBetweenRetries reads the event log's next sequence number for
// workflowID, saves an empty-state checkpoint at the sequence just before
// it (the last event already logged), and appends a checkpoint event. Best
// effort: a checkpoint failure does not abort the retry loop.
func (e *Engine) checkpointBetweenRetries(ctx context.Context, workflowID string) {
	seq, err := e.Log.NextIndex(ctx, workflowID)
	if err != nil {
		return
	}
	_ = e.Store.SaveCheckpoint(ctx, workflowID, seq-1, []byte("{}"))
	_, _ = e.Log.Append(ctx, workflowID, eventlog.CheckpointEventType, []byte("{}"))
}
