// Package e2e drives the full trading stack over scripted in-process venues:
// real engine loop, real exchange manager, real snapshot and journal
// plumbing. Only the venues are fake.
package e2e

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"basis_arb/internal/core"
	"basis_arb/internal/engine/arb"
	"basis_arb/internal/exchange"
	"basis_arb/internal/journal"
	"basis_arb/internal/mock"
	"basis_arb/internal/snapshot"
	"basis_arb/internal/trading/arbitrage"
	"basis_arb/pkg/logging"
	"basis_arb/pkg/telemetry"
)

const (
	waitFor  = 5 * time.Second
	pollTick = 5 * time.Millisecond
	// settle is how long negative assertions watch for activity that must
	// not happen. Dozens of analysis rounds fit into it.
	settle = 200 * time.Millisecond
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func spotInfo(symbol core.Symbol) core.SymbolInfo {
	return core.SymbolInfo{
		Symbol:         symbol,
		BasePrecision:  2,
		QuotePrecision: 2,
		MinBaseQty:     dec("0.01"),
		MinQuoteQty:    decimal.NewFromInt(1),
		Active:         true,
	}
}

func futuresInfo(symbol core.Symbol) core.SymbolInfo {
	info := spotInfo(symbol)
	info.ContractSize = dec("0.01")
	return info
}

// fastConfig compresses every engine cadence so a scenario runs in
// milliseconds. The reconciler stays off unless a test turns it on.
func fastConfig() arb.Config {
	return arb.Config{
		TickInterval:      2 * time.Millisecond,
		AnalysisInterval:  2 * time.Millisecond,
		SnapshotInterval:  time.Hour,
		RecoveryBackoff:   30 * time.Millisecond,
		ReconcileInterval: -1,
		SettleDelay:       10 * time.Millisecond,
		BreakerThreshold:  3,
		BreakerCooldown:   500 * time.Millisecond,
	}
}

// stack is one task's trading stack: an engine over a spot and a futures
// venue. Venues and the snapshot root are passed in so restart tests can
// hand a second stack what the first one left behind.
type stack struct {
	taskID  string
	spot    *mock.Venue
	futures *mock.Venue
	spotSym core.Symbol
	futSym  core.Symbol

	manager *exchange.Manager
	snaps   *snapshot.Manager[arb.Context]
	engine  *arb.Engine

	cancel context.CancelFunc
	done   chan error
}

func newVenues() (spot, futures *mock.Venue, spotSym, futSym core.Symbol) {
	spotSym = core.Symbol{Base: "BTC", Quote: "USDT"}
	futSym = spotSym.Perp()
	return mock.NewVenue("mexc", spotInfo(spotSym)),
		mock.NewVenue("gate", futuresInfo(futSym)),
		spotSym, futSym
}

func newStack(t *testing.T, taskID string, cfg arb.Config, snapshotRoot string,
	spot, futures *mock.Venue, spotSym, futSym core.Symbol, jnl *journal.Journal) *stack {
	t.Helper()
	logger := logging.NewNopLogger()

	manager, err := exchange.NewManager(taskID, []*exchange.Leg{
		{Role: core.RoleSpot, Symbol: spotSym, Public: spot.Public(), Private: spot.Private(), Priority: 0},
		{Role: core.RoleFutures, Symbol: futSym, Public: futures.Public(), Private: futures.Private(), Priority: 1},
	}, logger)
	require.NoError(t, err)

	snaps, err := snapshot.NewManager[arb.Context](
		snapshot.Options{Root: snapshotRoot, TaskID: taskID}, arb.Summarize, logger)
	require.NoError(t, err)

	eng, err := arb.New(cfg, taskID, spotSym, arbitrage.DefaultParams(), manager, snaps, jnl, logger)
	require.NoError(t, err)

	return &stack{
		taskID:  taskID,
		spot:    spot,
		futures: futures,
		spotSym: spotSym,
		futSym:  futSym,
		manager: manager,
		snaps:   snaps,
		engine:  eng,
	}
}

// start launches the run loop and blocks until the engine reaches
// MONITORING. The state gauge is reset first so a restart over the same task
// id never reads the previous run's value.
func (s *stack) start(t *testing.T) {
	t.Helper()
	telemetry.GetGlobalMetrics().SetEngineState(s.taskID, telemetry.StateCodeIdle)

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan error, 1)
	go func() { s.done <- s.engine.Run(ctx) }()

	waitState(t, s.taskID, telemetry.StateCodeMonitoring)
}

// stop ends the run loop and waits for it to exit. The engine leaves venue
// orders untouched, so a stop mid-trade doubles as a crash.
func (s *stack) stop(t *testing.T) {
	t.Helper()
	s.cancel()
	select {
	case err := <-s.done:
		require.NoError(t, err)
	case <-time.After(waitFor):
		t.Fatal("engine did not stop in time")
	}
}

// entryBooks scripts a basis wide enough to enter: buying spot at 100.01 and
// selling futures at 100.15 costs -0.14 %, under the -0.10 % entry gate.
func (s *stack) entryBooks() {
	s.spot.SetBook(s.spotSym, dec("100.00"), dec("5"), dec("100.01"), dec("5"))
	s.futures.SetBook(s.futSym, dec("100.15"), dec("5"), dec("100.16"), dec("5"))
}

// exitBooks compresses the basis: unwinding a spot-to-futures pair costs
// 0.029961 %, under the 0.03 % exit threshold.
func (s *stack) exitBooks() {
	s.spot.SetBook(s.spotSym, dec("100.10"), dec("5"), dec("100.11"), dec("5"))
	s.futures.SetBook(s.futSym, dec("100.12"), dec("5"), dec("100.13"), dec("5"))
}

// flatBooks removes the basis entirely so nothing clears the entry gate.
func (s *stack) flatBooks() {
	s.spot.SetBook(s.spotSym, dec("100.00"), dec("5"), dec("100.01"), dec("5"))
	s.futures.SetBook(s.futSym, dec("100.00"), dec("5"), dec("100.01"), dec("5"))
}

func waitState(t *testing.T, taskID string, code int64) {
	t.Helper()
	require.Eventually(t, func() bool {
		return telemetry.GetGlobalMetrics().GetEngineStates()[taskID] == code
	}, waitFor, pollTick, "engine state gauge never reached %d", code)
}

func waitActiveOrders(t *testing.T, taskID string, want int64) {
	t.Helper()
	require.Eventually(t, func() bool {
		return telemetry.GetGlobalMetrics().GetActiveOrders()[taskID] == want
	}, waitFor, pollTick, "tracked order count never reached %d", want)
}

// startJournal opens a journal in a temp dir and runs its writer until the
// returned stop function is called. Stop flushes, so Stats read after it see
// every queued record.
func startJournal(t *testing.T) (*journal.Journal, func()) {
	t.Helper()
	jnl, err := journal.Open(filepath.Join(t.TempDir(), "journal.db"), logging.NewNopLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = jnl.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- jnl.Run(ctx) }()

	stop := func() {
		cancel()
		select {
		case <-done:
		case <-time.After(waitFor):
			t.Fatal("journal did not stop in time")
		}
	}
	return jnl, stop
}
