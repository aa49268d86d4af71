package schedule

import (
	"context"
	"fmt"
)

// taskStateStore is the narrow slice of internal/persistence.Store the
// circuit breaker needs, so this package doesn't import the concrete type.
type taskStateStore interface {
	RecordFailure(ctx context.Context, taskID string, threshold int) (bool, error)
	RecordSuccess(ctx context.Context, taskID string) error
	PauseTask(ctx context.Context, taskID string) error
}

// CircuitBreakerConfig mirrors spec.md §4.G's per-task circuit breaker
// settings.
type CircuitBreakerConfig struct {
	// MaxConsecutiveFailures is the threshold passed to RecordFailure. A
	// value <= 0 disables the breaker: failures are still logged but never
	// pause the task.
	MaxConsecutiveFailures int
	// AutoPause, when true, pauses the task once MaxConsecutiveFailures is
	// exceeded rather than merely reporting it.
	AutoPause bool
	// ResetOnSuccess, when false, leaves the consecutive failure counter
	// untouched on a successful run instead of zeroing it. Defaults to true
	// in practice: callers that want the original's reset behavior simply
	// set this field, since Go's zero value for bool already matches "do
	// not reset" — actorserver's config loader defaults it to true itself.
	ResetOnSuccess bool
}

// CircuitBreaker wraps a task's durable failure counter and decides, on
// every narrative execution outcome, whether the task should trip.
type CircuitBreaker struct {
	store  taskStateStore
	config CircuitBreakerConfig
}

// NewCircuitBreaker builds a breaker over store using config.
func NewCircuitBreaker(store taskStateStore, config CircuitBreakerConfig) *CircuitBreaker {
	return &CircuitBreaker{store: store, config: config}
}

// OnSuccess resets a task's consecutive failure counter, unless
// ResetOnSuccess is false. Call this after every successful narrative
// execution.
func (b *CircuitBreaker) OnSuccess(ctx context.Context, taskID string) error {
	if !b.config.ResetOnSuccess {
		return nil
	}
	return b.store.RecordSuccess(ctx, taskID)
}

// OnFailure records a failed narrative execution and, if the task has now
// exceeded MaxConsecutiveFailures and AutoPause is set, pauses it. Reports
// whether the task was paused.
func (b *CircuitBreaker) OnFailure(ctx context.Context, taskID string) (paused bool, err error) {
	if b.config.MaxConsecutiveFailures <= 0 {
		_, err := b.store.RecordFailure(ctx, taskID, 0)
		return false, err
	}
	exceeded, err := b.store.RecordFailure(ctx, taskID, b.config.MaxConsecutiveFailures)
	if err != nil {
		return false, fmt.Errorf("schedule: record failure for %s: %w", taskID, err)
	}
	if !exceeded || !b.config.AutoPause {
		return false, nil
	}
	if err := b.store.PauseTask(ctx, taskID); err != nil {
		return false, fmt.Errorf("schedule: auto-pause %s: %w", taskID, err)
	}
	return true, nil
}
