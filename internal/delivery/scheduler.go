package delivery

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

const retryBatchSize = 10

// ProcessRetries runs one retry sweep: it claims due failed attempts and
// re-delivers their events, at most once per event per sweep and never in
// parallel. A claim that loses the conditional update means another sweep
// got there first; the candidate is skipped.
func (e *Engine) ProcessRetries(ctx context.Context) (int, error) {
	due, err := e.events.ListDueRetries(ctx, e.now(), retryBatchSize)
	if err != nil {
		return 0, err
	}

	seen := make(map[uuid.UUID]struct{})
	processed := 0
	for _, attempt := range due {
		// An event can own several historical failed attempts; only the
		// first due one re-triggers delivery this sweep.
		if _, ok := seen[attempt.EventID]; ok {
			continue
		}
		seen[attempt.EventID] = struct{}{}

		claimed, err := e.events.ClaimRetry(ctx, attempt.ID)
		if err != nil {
			slog.Error("failed to claim retry", "error", err, "attempt_id", attempt.ID)
			continue
		}
		if !claimed {
			continue
		}

		processed++
		if err := e.DeliverEvent(ctx, attempt.EventID); err != nil {
			slog.Error("retry delivery failed", "error", err, "event_id", attempt.EventID)
		}
	}

	if processed > 0 {
		slog.Info("processed retry deliveries", "count", processed)
	}
	return processed, nil
}

// Scheduler drives ProcessRetries on a fixed period. Overlapping ticks are
// skipped, not queued: a slow sweep simply delays the next one.
type Scheduler struct {
	engine   *Engine
	interval time.Duration
	running  atomic.Bool
}

func NewScheduler(engine *Engine, interval time.Duration) *Scheduler {
	return &Scheduler{engine: engine, interval: interval}
}

func (s *Scheduler) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.Tick(ctx)
			}
		}
	}()
}

// Tick runs a single sweep unless one is already in flight.
func (s *Scheduler) Tick(ctx context.Context) {
	if !s.running.CompareAndSwap(false, true) {
		return
	}
	defer s.running.Store(false)

	defer func() {
		if r := recover(); r != nil {
			slog.Error("retry sweep panicked", "panic", r)
		}
	}()

	if _, err := s.engine.ProcessRetries(ctx); err != nil {
		slog.Error("retry sweep failed", "error", err)
	}
}
