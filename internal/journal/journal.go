// Package journal keeps a SQLite audit trail of completed arbitrage cycles
// and finished orders. Writes are queued off the engine loop; a journal
// failure never stops trading.
package journal

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"basis_arb/internal/core"
)

const writeQueueSize = 1024

// Cycle is one completed round trip: entry pair in, exit pair out.
type Cycle struct {
	TaskID         string
	Symbol         core.Symbol
	Direction      core.Direction
	Quantity       decimal.Decimal
	EntrySpreadPct decimal.Decimal
	ExitSpreadPct  decimal.Decimal
	PnLQuote       decimal.Decimal
	OpenedAt       time.Time
	ClosedAt       time.Time
}

// Stats are the per-task operator counters read back from the journal.
type Stats struct {
	Cycles        int64
	TotalQuantity decimal.Decimal
	TotalPnLQuote decimal.Decimal
	DoneOrders    int64
	LastClosedAt  time.Time
}

type record interface {
	insert(ctx context.Context, db *sql.DB) error
}

// Journal owns the database handle and the async write queue.
type Journal struct {
	db     *sql.DB
	logger core.ILogger
	queue  chan record
}

const schema = `
CREATE TABLE IF NOT EXISTS cycles (
	id               INTEGER PRIMARY KEY AUTOINCREMENT,
	task_id          TEXT NOT NULL,
	symbol           TEXT NOT NULL,
	direction        TEXT NOT NULL,
	quantity         TEXT NOT NULL,
	entry_spread_pct TEXT NOT NULL,
	exit_spread_pct  TEXT NOT NULL,
	pnl_quote        TEXT NOT NULL,
	opened_at        INTEGER NOT NULL,
	closed_at        INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_cycles_task ON cycles(task_id);
CREATE TABLE IF NOT EXISTS orders (
	task_id    TEXT NOT NULL,
	venue      TEXT NOT NULL,
	order_id   TEXT NOT NULL,
	symbol     TEXT NOT NULL,
	side       TEXT NOT NULL,
	type       TEXT NOT NULL,
	quantity   TEXT NOT NULL,
	filled_qty TEXT NOT NULL,
	price      TEXT NOT NULL,
	status     TEXT NOT NULL,
	updated_at INTEGER NOT NULL,
	PRIMARY KEY (task_id, venue, order_id)
);`

// Open opens (creating if needed) the journal database in WAL mode.
func Open(path string, logger core.ILogger) (*Journal, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping journal: %w", err)
	}
	// WAL keeps the trail readable while the writer holds the connection and
	// survives a crash mid-write.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create journal schema: %w", err)
	}
	return &Journal{
		db:     db,
		logger: logger.WithField("component", "journal"),
		queue:  make(chan record, writeQueueSize),
	}, nil
}

// RecordCycle queues a completed cycle. Never blocks; a full queue drops the
// record with a warning.
func (j *Journal) RecordCycle(cycle Cycle) {
	j.enqueue(cycleRecord{cycle})
}

// RecordOrder queues a finished order. Re-recording the same order replaces
// the earlier row, so stream replays after a reconnect are harmless.
func (j *Journal) RecordOrder(taskID, venue string, order core.Order) {
	j.enqueue(orderRecord{taskID: taskID, venue: venue, order: order})
}

func (j *Journal) enqueue(r record) {
	select {
	case j.queue <- r:
	default:
		j.logger.Warn("journal queue full, record dropped")
	}
}

// Run drains the write queue until ctx ends, then flushes what is left.
func (j *Journal) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			j.flush(context.WithoutCancel(ctx))
			return nil
		case r := <-j.queue:
			// A dequeued record is always written, even when cancellation
			// races the dequeue.
			j.write(context.WithoutCancel(ctx), r)
		}
	}
}

func (j *Journal) flush(ctx context.Context) {
	for {
		select {
		case r := <-j.queue:
			j.write(ctx, r)
		default:
			return
		}
	}
}

func (j *Journal) write(ctx context.Context, r record) {
	if err := r.insert(ctx, j.db); err != nil {
		j.logger.Error("journal write failed", "error", err)
	}
}

// WriteCycle inserts synchronously. The async path goes through RecordCycle.
func (j *Journal) WriteCycle(ctx context.Context, cycle Cycle) error {
	return cycleRecord{cycle}.insert(ctx, j.db)
}

// WriteOrder inserts synchronously. The async path goes through RecordOrder.
func (j *Journal) WriteOrder(ctx context.Context, taskID, venue string, order core.Order) error {
	return orderRecord{taskID: taskID, venue: venue, order: order}.insert(ctx, j.db)
}

// Stats aggregates the task's journal into operator counters.
func (j *Journal) Stats(ctx context.Context, taskID string) (Stats, error) {
	stats := Stats{
		TotalQuantity: decimal.Zero,
		TotalPnLQuote: decimal.Zero,
	}

	rows, err := j.db.QueryContext(ctx,
		`SELECT quantity, pnl_quote, closed_at FROM cycles WHERE task_id = ?`, taskID)
	if err != nil {
		return Stats{}, fmt.Errorf("read cycles: %w", err)
	}
	defer rows.Close()

	var lastClosed int64
	for rows.Next() {
		var qty, pnl string
		var closedAt int64
		if err := rows.Scan(&qty, &pnl, &closedAt); err != nil {
			return Stats{}, fmt.Errorf("scan cycle: %w", err)
		}
		q, err := decimal.NewFromString(qty)
		if err != nil {
			return Stats{}, fmt.Errorf("parse cycle quantity %q: %w", qty, err)
		}
		p, err := decimal.NewFromString(pnl)
		if err != nil {
			return Stats{}, fmt.Errorf("parse cycle pnl %q: %w", pnl, err)
		}
		stats.Cycles++
		stats.TotalQuantity = stats.TotalQuantity.Add(q)
		stats.TotalPnLQuote = stats.TotalPnLQuote.Add(p)
		if closedAt > lastClosed {
			lastClosed = closedAt
		}
	}
	if err := rows.Err(); err != nil {
		return Stats{}, fmt.Errorf("iterate cycles: %w", err)
	}
	if lastClosed > 0 {
		stats.LastClosedAt = time.UnixMilli(lastClosed)
	}

	if err := j.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM orders WHERE task_id = ?`, taskID).Scan(&stats.DoneOrders); err != nil {
		return Stats{}, fmt.Errorf("count orders: %w", err)
	}
	return stats, nil
}

// Close releases the database handle. Call after Run has returned.
func (j *Journal) Close() error {
	return j.db.Close()
}

type cycleRecord struct {
	cycle Cycle
}

func (r cycleRecord) insert(ctx context.Context, db *sql.DB) error {
	c := r.cycle
	_, err := db.ExecContext(ctx,
		`INSERT INTO cycles (task_id, symbol, direction, quantity, entry_spread_pct,
		                     exit_spread_pct, pnl_quote, opened_at, closed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.TaskID, c.Symbol.String(), string(c.Direction),
		c.Quantity.String(), c.EntrySpreadPct.String(), c.ExitSpreadPct.String(),
		c.PnLQuote.String(), c.OpenedAt.UnixMilli(), c.ClosedAt.UnixMilli(),
	)
	return err
}

type orderRecord struct {
	taskID string
	venue  string
	order  core.Order
}

func (r orderRecord) insert(ctx context.Context, db *sql.DB) error {
	o := r.order
	_, err := db.ExecContext(ctx,
		`INSERT OR REPLACE INTO orders (task_id, venue, order_id, symbol, side, type,
		                                quantity, filled_qty, price, status, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.taskID, r.venue, o.OrderID, o.Symbol.String(), string(o.Side), string(o.Type),
		o.Quantity.String(), o.FilledQty.String(), o.Price.String(), string(o.Status),
		o.UpdatedAt.UnixMilli(),
	)
	return err
}
