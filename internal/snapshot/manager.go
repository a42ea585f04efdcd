package snapshot

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"basis_arb/internal/core"
	apperrors "basis_arb/pkg/errors"
	"basis_arb/pkg/telemetry"
)

// SchemaVersion is bumped when the envelope or context shape changes.
const SchemaVersion = 1

const defaultRetain = 10

// OrderRecord is the denormalized view of one active order, kept alongside
// the serialized context so validation survives context shape drift.
type OrderRecord struct {
	OrderID   string          `json:"order_id" msgpack:"order_id"`
	Symbol    string          `json:"symbol" msgpack:"symbol"`
	Side      string          `json:"side" msgpack:"side"`
	Quantity  decimal.Decimal `json:"qty" msgpack:"qty"`
	FilledQty decimal.Decimal `json:"filled_qty" msgpack:"filled_qty"`
	Price     decimal.Decimal `json:"price" msgpack:"price"`
	Status    string          `json:"status" msgpack:"status"`
	UpdatedAt int64           `json:"updated_at_ms" msgpack:"updated_at_ms"`
}

// RecordFromOrder flattens an order into its snapshot record.
func RecordFromOrder(o core.Order) OrderRecord {
	return OrderRecord{
		OrderID:   o.OrderID,
		Symbol:    o.Symbol.String(),
		Side:      string(o.Side),
		Quantity:  o.Quantity,
		FilledQty: o.FilledQty,
		Price:     o.Price,
		Status:    string(o.Status),
		UpdatedAt: o.UpdatedAt.UnixMilli(),
	}
}

// Summary is what the manager needs to know about a context to build and
// validate envelopes. The owner supplies an extractor so this package stays
// independent of the engine types it persists.
type Summary struct {
	TaskID           string
	OrderCount       int
	PositionChecksum string
	ActiveOrders     []OrderRecord
}

// Envelope is the on-disk shape: validation metadata plus the context itself.
type Envelope[T any] struct {
	SchemaVersion    int           `json:"schema_version" msgpack:"schema_version"`
	TaskID           string        `json:"task_id" msgpack:"task_id"`
	CapturedAt       int64         `json:"captured_at" msgpack:"captured_at"`
	Codec            string        `json:"codec" msgpack:"codec"`
	OrderCount       int           `json:"order_count" msgpack:"order_count"`
	PositionChecksum string        `json:"position_checksum" msgpack:"position_checksum"`
	ActiveOrders     []OrderRecord `json:"active_orders" msgpack:"active_orders"`
	Context          T             `json:"context" msgpack:"context"`
}

// Options configure one per-task manager.
type Options struct {
	// Root is the storage root; files live under Root/TaskID/.
	Root   string
	TaskID string
	// Codec name: json (default) or msgpack.
	Codec string
	// Retain keeps the newest N snapshots; zero means the default of 10.
	Retain int
}

// Manager persists one task's context. Save is called from a single writer
// goroutine; Restore runs once at startup before the writer starts.
type Manager[T any] struct {
	dir       string
	task      string
	codec     Codec
	retain    int
	summarize func(*T) Summary
	logger    core.ILogger
	now       func() time.Time

	lastStamp int64
}

// NewManager creates the task directory and returns a manager bound to it.
func NewManager[T any](opts Options, summarize func(*T) Summary, logger core.ILogger) (*Manager[T], error) {
	if opts.TaskID == "" {
		return nil, fmt.Errorf("snapshot manager needs a task id")
	}
	codec, err := CodecForName(opts.Codec)
	if err != nil {
		return nil, err
	}
	retain := opts.Retain
	if retain <= 0 {
		retain = defaultRetain
	}
	dir := filepath.Join(opts.Root, opts.TaskID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create snapshot dir: %w", err)
	}
	return &Manager[T]{
		dir:       dir,
		task:      opts.TaskID,
		codec:     codec,
		retain:    retain,
		summarize: summarize,
		logger:    logger.WithField("component", "snapshot").WithField("task", opts.TaskID),
		now:       time.Now,
	}, nil
}

// Dir is the task's snapshot directory.
func (m *Manager[T]) Dir() string { return m.dir }

// nextStamp returns a strictly increasing unix-ms stamp so two saves in the
// same millisecond never collide on a file name.
func (m *Manager[T]) nextStamp() int64 {
	stamp := m.now().UnixMilli()
	if stamp <= m.lastStamp {
		stamp = m.lastStamp + 1
	}
	m.lastStamp = stamp
	return stamp
}

// Save writes one snapshot: encode, write snap-<ms>.tmp, fsync, rename to
// snap-<ms>.json, fsync the directory, then prune beyond retention. The
// write is cancellable before it starts, never mid-rename.
func (m *Manager[T]) Save(ctx context.Context, state *T) (err error) {
	defer func() {
		telemetry.GetGlobalMetrics().RecordSnapshotWrite(ctx, m.task, err)
	}()

	if err = ctx.Err(); err != nil {
		return err
	}

	summary := m.summarize(state)
	if summary.TaskID != m.task {
		return fmt.Errorf("snapshot for task %q offered to manager for %q", summary.TaskID, m.task)
	}

	env := Envelope[T]{
		SchemaVersion:    SchemaVersion,
		TaskID:           m.task,
		CapturedAt:       m.now().UnixMilli(),
		Codec:            m.codec.Name(),
		OrderCount:       summary.OrderCount,
		PositionChecksum: summary.PositionChecksum,
		ActiveOrders:     summary.ActiveOrders,
		Context:          *state,
	}
	data, err := m.codec.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}

	stamp := m.nextStamp()
	tmp := filepath.Join(m.dir, fmt.Sprintf("snap-%d.tmp", stamp))
	final := filepath.Join(m.dir, fmt.Sprintf("snap-%d.json", stamp))

	if err = writeFileSynced(tmp, data); err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	if err = os.Rename(tmp, final); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("commit snapshot: %w", err)
	}
	if err = syncDir(m.dir); err != nil {
		return fmt.Errorf("sync snapshot dir: %w", err)
	}

	m.prune()
	return nil
}

// Restore loads the newest snapshot that passes validation. An empty
// directory is a clean start (nil, nil); snapshots that all fail validation
// return ErrSnapshotInvalid.
func (m *Manager[T]) Restore(ctx context.Context) (*T, error) {
	stamps, err := m.listSnapshots()
	if err != nil {
		return nil, err
	}
	if len(stamps) == 0 {
		return nil, nil
	}

	var lastErr error
	for _, stamp := range stamps {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		path := filepath.Join(m.dir, fmt.Sprintf("snap-%d.json", stamp))
		state, err := m.loadOne(path)
		if err != nil {
			m.logger.Warn("snapshot rejected", "file", filepath.Base(path), "error", err)
			lastErr = err
			continue
		}
		m.logger.Info("snapshot restored", "file", filepath.Base(path))
		if stamp > m.lastStamp {
			m.lastStamp = stamp
		}
		return state, nil
	}
	return nil, fmt.Errorf("%w: %d snapshot(s) rejected, newest: %v", apperrors.ErrSnapshotInvalid, len(stamps), lastErr)
}

func (m *Manager[T]) loadOne(path string) (*T, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	env, err := m.decodeEnvelope(data)
	if err != nil {
		return nil, err
	}
	if env.SchemaVersion != SchemaVersion {
		return nil, fmt.Errorf("schema version %d, want %d", env.SchemaVersion, SchemaVersion)
	}
	if env.TaskID != m.task {
		return nil, fmt.Errorf("task id %q, want %q", env.TaskID, m.task)
	}

	summary := m.summarize(&env.Context)
	if env.OrderCount != summary.OrderCount {
		return nil, fmt.Errorf("order count %d, context has %d", env.OrderCount, summary.OrderCount)
	}
	if env.PositionChecksum != summary.PositionChecksum {
		return nil, fmt.Errorf("position checksum mismatch")
	}
	return &env.Context, nil
}

// decodeEnvelope tries the configured codec first, then the others: the file
// suffix is always .json but the payload self-describes.
func (m *Manager[T]) decodeEnvelope(data []byte) (Envelope[T], error) {
	var env Envelope[T]
	if err := m.codec.Unmarshal(data, &env); err == nil {
		return env, nil
	}
	for _, c := range codecs {
		if c.Name() == m.codec.Name() {
			continue
		}
		env = Envelope[T]{}
		if err := c.Unmarshal(data, &env); err == nil {
			return env, nil
		}
	}
	return Envelope[T]{}, fmt.Errorf("no codec decodes the payload")
}

// listSnapshots returns committed snapshot stamps, newest first.
func (m *Manager[T]) listSnapshots() ([]int64, error) {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return nil, fmt.Errorf("read snapshot dir: %w", err)
	}
	var stamps []int64
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		stamp, ok := parseSnapshotName(e.Name())
		if !ok {
			continue
		}
		stamps = append(stamps, stamp)
	}
	sort.Slice(stamps, func(i, j int) bool { return stamps[i] > stamps[j] })
	return stamps, nil
}

// prune removes snapshots beyond retention and any abandoned tmp files.
// Failures only log; the committed snapshot is already durable.
func (m *Manager[T]) prune() {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		m.logger.Warn("snapshot prune skipped", "error", err)
		return
	}
	var stamps []int64
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if strings.HasSuffix(e.Name(), ".tmp") {
			if stamp, ok := parseTmpName(e.Name()); ok && stamp < m.lastStamp {
				_ = os.Remove(filepath.Join(m.dir, e.Name()))
			}
			continue
		}
		if stamp, ok := parseSnapshotName(e.Name()); ok {
			stamps = append(stamps, stamp)
		}
	}
	if len(stamps) <= m.retain {
		return
	}
	sort.Slice(stamps, func(i, j int) bool { return stamps[i] > stamps[j] })
	for _, stamp := range stamps[m.retain:] {
		path := filepath.Join(m.dir, fmt.Sprintf("snap-%d.json", stamp))
		if err := os.Remove(path); err != nil {
			m.logger.Warn("stale snapshot not removed", "file", filepath.Base(path), "error", err)
		}
	}
}

func parseSnapshotName(name string) (int64, bool) {
	rest, ok := strings.CutPrefix(name, "snap-")
	if !ok {
		return 0, false
	}
	rest, ok = strings.CutSuffix(rest, ".json")
	if !ok {
		return 0, false
	}
	stamp, err := strconv.ParseInt(rest, 10, 64)
	if err != nil || stamp <= 0 {
		return 0, false
	}
	return stamp, true
}

func parseTmpName(name string) (int64, bool) {
	rest, ok := strings.CutPrefix(name, "snap-")
	if !ok {
		return 0, false
	}
	rest, ok = strings.CutSuffix(rest, ".tmp")
	if !ok {
		return 0, false
	}
	stamp, err := strconv.ParseInt(rest, 10, 64)
	if err != nil || stamp <= 0 {
		return 0, false
	}
	return stamp, true
}

func writeFileSynced(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}
