package snapshot

import (
	"context"
	"sync/atomic"

	"basis_arb/internal/core"
)

// Writer decouples snapshotting from the engine tick path: the engine offers
// deep copies, the writer persists the most recent one. Offers made while a
// write is in flight coalesce; only the latest unwritten state matters.
type Writer[T any] struct {
	manager *Manager[T]
	logger  core.ILogger
	pending chan *T
	lastErr atomic.Pointer[error]
}

func NewWriter[T any](manager *Manager[T], logger core.ILogger) *Writer[T] {
	return &Writer[T]{
		manager: manager,
		logger:  logger.WithField("component", "snapshot_writer"),
		pending: make(chan *T, 1),
	}
}

// Offer queues state for the next write without blocking, replacing any
// state that has not been written yet.
func (w *Writer[T]) Offer(state *T) {
	for {
		select {
		case w.pending <- state:
			return
		default:
			select {
			case <-w.pending:
			default:
			}
		}
	}
}

// CheckHealth reports the outcome of the most recent write attempt. A writer
// that has not written yet is healthy.
func (w *Writer[T]) CheckHealth() error {
	if p := w.lastErr.Load(); p != nil {
		return *p
	}
	return nil
}

// Run writes offered states until ctx ends, then flushes the final pending
// state so shutdown never loses the last material change. Write failures are
// logged and never stop the loop.
func (w *Writer[T]) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			select {
			case state := <-w.pending:
				if err := w.save(ctx, state); err != nil {
					w.logger.Error("final snapshot failed", "error", err)
				}
			default:
			}
			return nil
		case state := <-w.pending:
			// A dequeued state is always written, even if cancellation
			// raced the dequeue; dropping it would lose a material change.
			if err := w.save(ctx, state); err != nil {
				w.logger.Error("snapshot write failed", "error", err)
			}
		}
	}
}

func (w *Writer[T]) save(ctx context.Context, state *T) error {
	err := w.manager.Save(context.WithoutCancel(ctx), state)
	w.lastErr.Store(&err)
	return err
}
