// Package concurrency provides the bounded dispatch pool that fans venue
// stream events out to handlers off the read-loop goroutine.
package concurrency

import (
	"errors"
	"fmt"
	"time"

	"basis_arb/internal/core"

	"github.com/alitto/pond"
)

// ErrSaturated is returned by Dispatch when the queue is full. Callers treat
// a saturated dispatch as a dropped event, never as backpressure on the
// stream read loop.
var ErrSaturated = errors.New("dispatch pool saturated")

// Config sizes a dispatch pool.
type Config struct {
	Name        string
	Workers     int
	QueueSize   int
	IdleTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 8
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 1024
	}
	if c.IdleTimeout == 0 {
		c.IdleTimeout = time.Minute
	}
	return c
}

// DispatchPool runs handler callbacks on pond workers. Dispatch never
// blocks: the stream read loops that feed it must keep draining the socket
// even when consumers fall behind.
type DispatchPool struct {
	pool   *pond.WorkerPool
	config Config
	logger core.ILogger
}

func NewDispatchPool(cfg Config, logger core.ILogger) *DispatchPool {
	cfg = cfg.withDefaults()
	logger = logger.WithField("component", "dispatch_pool").WithField("pool", cfg.Name)

	pool := pond.New(
		cfg.Workers,
		cfg.QueueSize,
		pond.MinWorkers(1),
		pond.IdleTimeout(cfg.IdleTimeout),
		pond.Strategy(pond.Balanced()),
		pond.PanicHandler(func(p interface{}) {
			logger.Error("dispatch handler panicked", "panic", p)
		}),
	)

	return &DispatchPool{pool: pool, config: cfg, logger: logger}
}

// Dispatch queues task for a worker. A full queue returns ErrSaturated and
// the task is not run.
func (dp *DispatchPool) Dispatch(task func()) error {
	if !dp.pool.TrySubmit(task) {
		return fmt.Errorf("%w: %s (queue %d)", ErrSaturated, dp.config.Name, dp.config.QueueSize)
	}
	return nil
}

// Backlog reports tasks queued but not yet running.
func (dp *DispatchPool) Backlog() uint64 {
	return dp.pool.WaitingTasks()
}

// Stop drains queued tasks and stops the workers.
func (dp *DispatchPool) Stop() {
	dp.pool.StopAndWait()
}
