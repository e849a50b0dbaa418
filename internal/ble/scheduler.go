package ble

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/sync/semaphore"
)

// DefaultOperationTimeout bounds every scheduled GATT operation.
const DefaultOperationTimeout = 7 * time.Second

// Scheduler lets one GATT operation run at a time. The timeout covers both
// waiting for the lock and running the operation.
type Scheduler struct {
	sem     *semaphore.Weighted
	timeout time.Duration
}

// NewScheduler creates a Scheduler. A non-positive timeout uses the default.
func NewScheduler(timeout time.Duration) *Scheduler {
	if timeout <= 0 {
		timeout = DefaultOperationTimeout
	}
	return &Scheduler{sem: semaphore.NewWeighted(1), timeout: timeout}
}

// Timeout returns the per-operation deadline.
func (s *Scheduler) Timeout() time.Duration { return s.timeout }

// Run executes op while holding the scheduler lock. Errors are normalized:
// a deadline becomes KindDeviceNotResponding, a cancelled ctx KindCancelled,
// typed errors pass through and anything else is KindCommunicationFailed.
func (s *Scheduler) Run(ctx context.Context, name string, op func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	if err := s.sem.Acquire(ctx, 1); err != nil {
		return s.mapError(name, err)
	}
	defer s.sem.Release(1)

	return s.mapError(name, op(ctx))
}

func (s *Scheduler) mapError(name string, err error) error {
	if err == nil {
		return nil
	}
	var typed *Error
	switch {
	case errors.As(err, &typed):
		return typed
	case isTimeout(err):
		slog.Warn("[BLE] operation timed out", "op", name, "timeout", s.timeout)
		return wrapError(KindDeviceNotResponding, err)
	case errors.Is(err, context.Canceled):
		return wrapError(KindCancelled, err)
	default:
		slog.Error("[BLE] operation failed", "op", name, "error", err)
		return wrapError(KindCommunicationFailed, err)
	}
}
