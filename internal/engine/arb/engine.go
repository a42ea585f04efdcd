// Package arb runs the delta-neutral arbitrage state machine: one engine per
// symbol pair, driven by a tick loop that owns all context mutations. Market
// data, order updates, and fills arrive through the exchange manager's event
// bus; decisions come from the analyzer; orders go out through the manager.
package arb

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"basis_arb/internal/core"
	"basis_arb/internal/exchange"
	"basis_arb/internal/journal"
	"basis_arb/internal/snapshot"
	"basis_arb/internal/trading/arbitrage"
	apperrors "basis_arb/pkg/errors"
	"basis_arb/pkg/telemetry"
	"basis_arb/pkg/tradingutils"
)

// Config are the engine loop knobs. Zero values fall back to defaults.
type Config struct {
	// TickInterval paces the loop when no events arrive.
	TickInterval time.Duration
	// AnalysisInterval throttles opportunity and exit evaluation.
	AnalysisInterval time.Duration
	// SnapshotInterval is the periodic snapshot cadence on top of
	// material-change snapshots.
	SnapshotInterval time.Duration
	// RecoveryBackoff is how long ERROR_RECOVERY holds before resuming.
	RecoveryBackoff time.Duration
	// ReconcileInterval paces the venue order reconciler. Negative disables
	// it; zero means the 30 s default.
	ReconcileInterval time.Duration
	// SettleDelay is how long the engine waits after the last order or fill
	// event before trusting positions for rebalancing or a new hunt. Fills
	// trail order updates by a few milliseconds; acting between them would
	// trade against state that is still in flight.
	SettleDelay time.Duration
	// BreakerThreshold opens the failure breaker after this many consecutive
	// failed dispatches.
	BreakerThreshold int
	// BreakerCooldown is how long the open breaker suppresses entries.
	BreakerCooldown time.Duration
}

func (c Config) withDefaults() Config {
	if c.TickInterval <= 0 {
		c.TickInterval = 10 * time.Millisecond
	}
	if c.AnalysisInterval <= 0 {
		c.AnalysisInterval = 100 * time.Millisecond
	}
	if c.SnapshotInterval <= 0 {
		c.SnapshotInterval = 30 * time.Second
	}
	if c.RecoveryBackoff <= 0 {
		c.RecoveryBackoff = time.Second
	}
	if c.ReconcileInterval == 0 {
		c.ReconcileInterval = 30 * time.Second
	}
	if c.SettleDelay <= 0 {
		c.SettleDelay = 300 * time.Millisecond
	}
	if c.BreakerThreshold <= 0 {
		c.BreakerThreshold = 3
	}
	if c.BreakerCooldown <= 0 {
		c.BreakerCooldown = 30 * time.Second
	}
	return c
}

// Engine is the per-task trading loop. All fields past construction are owned
// by the Run goroutine.
type Engine struct {
	cfg     Config
	logger  core.ILogger
	manager *exchange.Manager

	snapshots *snapshot.Manager[Context]
	writer    *snapshot.Writer[Context]
	journal   *journal.Journal

	analyzer *arbitrage.Analyzer
	breaker  *failureBreaker
	spotInfo core.SymbolInfo

	ec   *Context
	wake chan struct{}

	reconcileCh chan reconcileReport

	lastAnalysis      time.Time
	lastSnapshot      time.Time
	lastOrderActivity time.Time
	lastFillAt        time.Time
	recoverUntil      time.Time

	// lastTickNanos is the wall-clock stamp of the last completed tick,
	// readable from other goroutines for the liveness probe.
	lastTickNanos atomic.Int64

	now func() time.Time
}

// New builds an engine for one task. The journal may be nil; snapshots are
// required because restore is the only crash-recovery path.
func New(cfg Config, taskID string, symbol core.Symbol, params arbitrage.Params,
	manager *exchange.Manager, snapshots *snapshot.Manager[Context], jnl *journal.Journal,
	logger core.ILogger) (*Engine, error) {

	if err := params.Validate(); err != nil {
		return nil, fmt.Errorf("task %s: %w", taskID, err)
	}
	if snapshots == nil {
		return nil, fmt.Errorf("task %s: snapshot manager is required", taskID)
	}
	cfg = cfg.withDefaults()

	log := logger.WithFields(map[string]interface{}{"component": "arb_engine", "task": taskID})
	e := &Engine{
		cfg:         cfg,
		logger:      log,
		manager:     manager,
		snapshots:   snapshots,
		writer:      snapshot.NewWriter(snapshots, logger),
		journal:     jnl,
		breaker:     newFailureBreaker(cfg.BreakerThreshold, cfg.BreakerCooldown),
		ec:          NewContext(taskID, symbol, params),
		wake:        make(chan struct{}, 1),
		reconcileCh: make(chan reconcileReport, 2),
		now:         time.Now,
	}
	return e, nil
}

// TaskID returns the engine's task identifier.
func (e *Engine) TaskID() string { return e.ec.TaskID }

// CheckHealth reports whether the run loop is ticking. Safe to call from
// other goroutines.
func (e *Engine) CheckHealth() error {
	last := e.lastTickNanos.Load()
	if last == 0 {
		return fmt.Errorf("task %s: loop not started", e.ec.TaskID)
	}
	limit := 10 * e.cfg.TickInterval
	if limit < time.Second {
		limit = time.Second
	}
	if age := time.Since(time.Unix(0, last)); age > limit {
		return fmt.Errorf("task %s: last tick %s ago", e.ec.TaskID, age.Round(time.Millisecond))
	}
	return nil
}

// SnapshotHealth reports the snapshot writer's most recent write outcome.
func (e *Engine) SnapshotHealth() error {
	return e.writer.CheckHealth()
}

// Run drives the engine until ctx is done. It initializes the venues,
// restores persisted state, then loops on the tick cadence and the event
// channels. A clean shutdown leaves a final snapshot behind.
func (e *Engine) Run(ctx context.Context) error {
	tickers, cancelTickers := e.manager.Subscribe(exchange.EventBookTicker)
	defer cancelTickers()
	orders, cancelOrders := e.manager.Subscribe(exchange.EventOrder)
	defer cancelOrders()
	trades, cancelTrades := e.manager.Subscribe(exchange.EventTrade)
	defer cancelTrades()

	e.transition(StateInitializing)
	if err := e.initialize(ctx); err != nil {
		e.transition(StateIdle)
		return fmt.Errorf("engine %s: %w", e.ec.TaskID, err)
	}

	bgCtx, stopBackground := context.WithCancel(context.Background())
	defer stopBackground()
	background, bgCtx := errgroup.WithContext(bgCtx)
	background.Go(func() error { return e.writer.Run(bgCtx) })
	if e.cfg.ReconcileInterval > 0 {
		background.Go(func() error { return e.pollVenueOrders(bgCtx) })
	}

	if e.ec.State != StateErrorRecovery {
		e.transition(StateMonitoring)
	}
	e.offerSnapshot(e.now())
	e.logger.Info("engine running",
		"symbol", e.ec.Symbol.String(), "state", string(e.ec.State),
		"tick", e.cfg.TickInterval.String(), "analysis", e.cfg.AnalysisInterval.String())

	ticker := time.NewTicker(e.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			e.logger.Info("engine stopping",
				"cycles", e.ec.Counters.Cycles, "failures", e.ec.Counters.Failures,
				"volume_quote", e.ec.Counters.VolumeQuote.String())
			e.offerSnapshot(e.now())
			stopBackground()
			_ = background.Wait()
			return nil

		case <-ticker.C:
			e.tick(ctx)
		case <-e.wake:
			e.tick(ctx)

		case _, ok := <-tickers:
			if !ok {
				tickers = nil
				continue
			}
			e.requestWake()
		case ev, ok := <-orders:
			if !ok {
				orders = nil
				continue
			}
			e.onOrderEvent(ev)
		case ev, ok := <-trades:
			if !ok {
				trades = nil
				continue
			}
			e.onTradeEvent(ev)
		case rep := <-e.reconcileCh:
			e.applyReconcile(ctx, rep)
		}
	}
}

// requestWake schedules an immediate tick; extra wakes coalesce.
func (e *Engine) requestWake() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

// initialize brings the venues up, builds the analyzer from live trading
// rules, and restores persisted state. Any failure here aborts startup.
func (e *Engine) initialize(ctx context.Context) error {
	if err := e.manager.Initialize(ctx); err != nil {
		return err
	}

	spotInfo, err := e.manager.SymbolInfo(core.RoleSpot)
	if err != nil {
		return fmt.Errorf("spot symbol info: %w", err)
	}
	futuresInfo, err := e.manager.SymbolInfo(core.RoleFutures)
	if err != nil {
		return fmt.Errorf("futures symbol info: %w", err)
	}
	e.spotInfo = spotInfo
	e.analyzer = arbitrage.NewAnalyzer(e.ec.Params, spotInfo, futuresInfo)

	return e.restore(ctx)
}

// restore loads the newest valid snapshot, if any, and revalidates every
// recorded order against its venue. A context restored with live orders is
// mid-flight, so the engine starts in recovery instead of trusting it.
func (e *Engine) restore(ctx context.Context) error {
	restored, err := e.snapshots.Restore(ctx)
	if err != nil {
		return fmt.Errorf("restore: %w", err)
	}
	if restored == nil {
		return nil
	}

	// Operator config wins over the persisted copy.
	restored.Params = e.ec.Params
	restored.State = StateInitializing
	if restored.ActiveOrders == nil {
		restored.ActiveOrders = make(map[core.Role]map[string]core.Order)
	}
	e.ec = restored

	if err := e.revalidateOrders(ctx); err != nil {
		return err
	}
	e.logger.Info("state restored",
		"active_orders", e.ec.ActiveOrderCount(),
		"spot_qty", e.ec.Positions.Spot.Quantity.String(),
		"futures_qty", e.ec.Positions.Futures.Quantity.String(),
		"cycles", e.ec.Counters.Cycles)

	if e.ec.ActiveOrderCount() > 0 {
		e.enterRecovery(ctx, errors.New("restored context carries open orders"))
	}
	return nil
}

// revalidateOrders resolves every restored order by REST: still-open orders
// are kept with the venue's view, done ones are retired, unknown ones are
// dropped. A venue error aborts startup because the book of record cannot be
// established.
func (e *Engine) revalidateOrders(ctx context.Context) error {
	for _, role := range e.manager.Roles() {
		for _, id := range sortedOrderIDs(e.ec.ActiveOrders[role]) {
			resolved, err := e.manager.GetActiveOrder(ctx, role, id)
			switch {
			case errors.Is(err, apperrors.ErrOrderNotFound):
				e.ec.dropOrder(role, id)
				e.logger.Warn("restored order unknown on venue, dropped",
					"role", string(role), "order_id", id)
			case err != nil:
				return fmt.Errorf("revalidate order %s on %s: %w", id, role, err)
			case resolved.IsDone():
				e.retireOrder(role, resolved)
				e.logger.Info("restored order already done, retired",
					"role", string(role), "order_id", id, "status", string(resolved.Status))
			default:
				e.ec.trackOrder(role, resolved)
			}
		}
	}
	return nil
}

func sortedOrderIDs(orders map[string]core.Order) []string {
	ids := make([]string, 0, len(orders))
	for id := range orders {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// tick advances the state machine once. Handlers never propagate: a panic is
// caught, counted, and converted into recovery.
func (e *Engine) tick(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			e.ec.Counters.Failures++
			e.logger.Error("tick panicked", "panic", fmt.Sprintf("%v", r))
			e.enterRecovery(ctx, fmt.Errorf("tick panic: %v", r))
		}
	}()

	e.lastTickNanos.Store(time.Now().UnixNano())

	now := e.now()
	if now.Sub(e.lastSnapshot) >= e.cfg.SnapshotInterval {
		e.offerSnapshot(now)
	}

	switch e.ec.State {
	case StateErrorRecovery:
		if now.Before(e.recoverUntil) {
			return
		}
		e.transition(StateMonitoring)
		e.offerSnapshot(now)
	case StateMonitoring:
		e.monitor(ctx, now)
	}
}

// monitor is the MONITORING handler: manage the held pair if any, otherwise
// hunt for the next entry.
func (e *Engine) monitor(ctx context.Context, now time.Time) {
	spot, okSpot := e.manager.BookTicker(core.RoleSpot)
	futures, okFutures := e.manager.BookTicker(core.RoleFutures)
	if !okSpot || !okFutures {
		return
	}

	if !e.ec.Positions.IsFlat() {
		if e.ec.ActiveOrderCount() == 0 && e.settled(now) && e.maybeRebalance(ctx, now) {
			return
		}
		if direction, held := e.ec.HeldDirection(); held && !e.ec.PositionOpenedAt.IsZero() {
			e.maybeExit(ctx, now, direction, spot, futures)
		}
		return
	}

	// Flat. Let in-flight orders and trailing fills settle before hunting.
	if e.ec.ActiveOrderCount() > 0 || !e.settled(now) {
		return
	}
	if e.ec.Opportunity != nil || !e.ec.PositionOpenedAt.IsZero() {
		// The last pair unwound to zero, or an entry never established.
		// Either way there is nothing held anymore.
		e.ec.Opportunity = nil
		e.ec.PositionOpenedAt = time.Time{}
		e.offerSnapshot(now)
		return
	}
	if e.breaker.Open(now) {
		return
	}
	if now.Sub(e.lastAnalysis) < e.cfg.AnalysisInterval {
		return
	}
	e.analyze(ctx, now, spot, futures)
}

// settled reports whether order and fill activity has been quiet long enough
// to trust positions.
func (e *Engine) settled(now time.Time) bool {
	return now.Sub(e.lastOrderActivity) >= e.cfg.SettleDelay &&
		now.Sub(e.lastFillAt) >= e.cfg.SettleDelay
}

// analyze runs opportunity detection and dispatches any find.
func (e *Engine) analyze(ctx context.Context, now time.Time, spot, futures core.BookTicker) {
	e.lastAnalysis = now
	e.transition(StateAnalyzing)

	op := e.analyzer.FindOpportunity(spot, futures, now)
	if op == nil {
		e.transition(StateMonitoring)
		return
	}

	e.logger.Info("opportunity detected",
		"direction", string(op.Direction), "spread_pct", op.SpreadPct.String(),
		"qty", op.MaxQuantity.String(), "buy", op.BuyPrice.String(), "sell", op.SellPrice.String())
	e.ec.Opportunity = op
	e.executeEntry(ctx, op)
}

// validateEntry re-checks an opportunity immediately before dispatch: it must
// still be fresh, within the position cap, and profitable against the books
// as they are now.
func (e *Engine) validateEntry(now time.Time, op *core.Opportunity) error {
	if !op.Fresh(now) {
		return fmt.Errorf("opportunity is %s old", now.Sub(op.ObservedAt).Round(time.Millisecond))
	}
	// The cap is compared on the venue quantity grid, with the same rounding
	// sizing uses, so a budget-sized entry is never rejected for the sub-step
	// notional overshoot that rounding introduces.
	if op.BuyPrice.IsPositive() {
		capQty := tradingutils.RoundQuantity(
			e.ec.Params.MaxPositionQuote().Div(op.BuyPrice), int(e.spotInfo.BasePrecision))
		if op.MaxQuantity.GreaterThan(capQty) {
			return fmt.Errorf("quantity %s exceeds position cap %s", op.MaxQuantity, capQty)
		}
	}

	spot, okSpot := e.manager.BookTicker(core.RoleSpot)
	futures, okFutures := e.manager.BookTicker(core.RoleFutures)
	if !okSpot || !okFutures {
		return errors.New("books unavailable")
	}
	cost := arbitrage.EntryCost(op.Direction, spot, futures)
	if !cost.LessThan(e.ec.Params.MaxEntryCostPct) {
		return fmt.Errorf("entry cost %s no longer clears %s", cost, e.ec.Params.MaxEntryCostPct)
	}
	return nil
}

// executeEntry places both legs of the pair in parallel.
func (e *Engine) executeEntry(ctx context.Context, op *core.Opportunity) {
	now := e.now()
	if err := e.validateEntry(now, op); err != nil {
		e.logger.Warn("opportunity discarded before dispatch", "reason", err.Error())
		e.ec.Opportunity = nil
		e.transition(StateMonitoring)
		return
	}
	e.transition(StateExecuting)

	reqs := map[core.Role]core.OrderRequest{
		arbitrage.BuyRole(op.Direction): {
			Side: core.SideBuy, Type: core.TypeLimit,
			Quantity: op.MaxQuantity, Price: op.BuyPrice,
		},
		arbitrage.SellRole(op.Direction): {
			Side: core.SideSell, Type: core.TypeLimit,
			Quantity: op.MaxQuantity, Price: op.SellPrice,
		},
	}

	results, err := e.manager.PlaceOrdersParallel(ctx, reqs)
	e.adoptPlacements(results)
	metrics := telemetry.GetGlobalMetrics()
	if err != nil {
		e.ec.Counters.Failures++
		e.breaker.RecordFailure(e.now())
		metrics.RecordCycle(ctx, e.ec.TaskID, "failure")
		e.logger.Error("entry placement failed", "direction", string(op.Direction), "error", err)
		e.enterRecovery(ctx, err)
		return
	}
	e.breaker.RecordSuccess()

	now = e.now()
	e.ec.PositionOpenedAt = now
	e.ec.Counters.Cycles++
	notional := op.MaxQuantity.Mul(op.BuyPrice)
	e.ec.Counters.VolumeQuote = e.ec.Counters.VolumeQuote.Add(notional)
	metrics.RecordCycle(ctx, e.ec.TaskID, "success")
	metrics.AddVolume(ctx, e.ec.TaskID, notional.InexactFloat64())

	e.logger.Info("pair entry dispatched",
		"direction", string(op.Direction), "spread_pct", op.SpreadPct.String(),
		"qty", op.MaxQuantity.String(), "notional_quote", notional.String())
	e.transition(StateMonitoring)
	e.offerSnapshot(now)
}

// adoptPlacements folds parallel placement results into the tracked order
// set: live orders are tracked, immediately-done ones (fills, compensating
// cancels) go straight to the journal.
func (e *Engine) adoptPlacements(results map[core.Role]exchange.LegResult) {
	for role, res := range results {
		if res.Err != nil {
			continue
		}
		if res.Order.IsDone() {
			e.retireOrder(role, res.Order)
			continue
		}
		e.ec.trackOrder(role, res.Order)
	}
	e.lastOrderActivity = e.now()
	telemetry.GetGlobalMetrics().SetActiveOrders(e.ec.TaskID, int64(e.ec.ActiveOrderCount()))
}

// maybeExit evaluates the unwind of the held pair and dispatches it when the
// spread has compressed below the exit threshold (or the pair aged out).
func (e *Engine) maybeExit(ctx context.Context, now time.Time, direction core.Direction, spot, futures core.BookTicker) {
	if now.Sub(e.lastAnalysis) < e.cfg.AnalysisInterval {
		return
	}
	e.lastAnalysis = now

	unwind, exit := e.analyzer.ShouldExit(direction, e.ec.PositionOpenedAt, spot, futures, now)
	if !exit {
		return
	}

	aged := e.ec.Params.PositionAgeLimit > 0 && now.Sub(e.ec.PositionOpenedAt) >= e.ec.Params.PositionAgeLimit
	if e.ec.Params.MinProfitQuote.IsPositive() && !aged {
		entrySpread, refPrice := decimal.Zero, spot.BidPrice
		if e.ec.Opportunity != nil {
			entrySpread, refPrice = e.ec.Opportunity.SpreadPct, e.ec.Opportunity.BuyPrice
		}
		qty := e.pairedQty()
		profit := arbitrage.EstimateProfitQuote(entrySpread, unwind, qty, refPrice)
		if profit.LessThan(e.ec.Params.MinProfitQuote) {
			return
		}
	}

	e.executeExit(ctx, now, direction, unwind, spot, futures)
}

// pairedQty is the matched size of the held pair.
func (e *Engine) pairedQty() decimal.Decimal {
	return decimal.Min(e.ec.Positions.Spot.Quantity.Abs(), e.ec.Positions.Futures.Quantity.Abs())
}

// executeExit flattens both legs: sell what was bought at its bid, buy back
// what was sold at its ask. Leg sizes come from the actual positions so an
// uneven pair still closes clean.
func (e *Engine) executeExit(ctx context.Context, now time.Time, direction core.Direction, unwindCost decimal.Decimal, spot, futures core.BookTicker) {
	reqs := make(map[core.Role]core.OrderRequest, 2)
	if qty := e.ec.Positions.Spot.Quantity; !qty.IsZero() {
		side, price := core.SideSell, spot.BidPrice
		if qty.IsNegative() {
			side, price = core.SideBuy, spot.AskPrice
		}
		reqs[core.RoleSpot] = core.OrderRequest{
			Side: side, Type: core.TypeLimit, Quantity: qty.Abs(), Price: price,
		}
	}
	if qty := e.ec.Positions.Futures.Quantity; !qty.IsZero() {
		side, price := core.SideSell, futures.BidPrice
		if qty.IsNegative() {
			side, price = core.SideBuy, futures.AskPrice
		}
		reqs[core.RoleFutures] = core.OrderRequest{
			Side: side, Type: core.TypeLimit, Quantity: qty.Abs(), Price: price, ReduceOnly: true,
		}
	}
	if len(reqs) == 0 {
		return
	}
	e.transition(StateExecuting)

	pairedQty := e.pairedQty()
	entrySpread, refPrice := decimal.Zero, spot.BidPrice
	if e.ec.Opportunity != nil {
		entrySpread, refPrice = e.ec.Opportunity.SpreadPct, e.ec.Opportunity.BuyPrice
	}

	results, err := e.manager.PlaceOrdersParallel(ctx, reqs)
	e.adoptPlacements(results)
	if err != nil {
		e.ec.Counters.Failures++
		e.breaker.RecordFailure(e.now())
		e.logger.Error("exit placement failed", "direction", string(direction), "error", err)
		e.enterRecovery(ctx, err)
		return
	}
	e.breaker.RecordSuccess()

	profit := arbitrage.EstimateProfitQuote(entrySpread, unwindCost, pairedQty, refPrice)
	if e.journal != nil {
		e.journal.RecordCycle(journal.Cycle{
			TaskID:         e.ec.TaskID,
			Symbol:         e.ec.Symbol,
			Direction:      direction,
			Quantity:       pairedQty,
			EntrySpreadPct: entrySpread,
			ExitSpreadPct:  unwindCost,
			PnLQuote:       profit,
			OpenedAt:       e.ec.PositionOpenedAt,
			ClosedAt:       now,
		})
	}
	e.logger.Info("pair exit dispatched",
		"direction", string(direction), "unwind_cost_pct", unwindCost.String(),
		"qty", pairedQty.String(), "est_pnl_quote", profit.String(),
		"held_for", now.Sub(e.ec.PositionOpenedAt).Round(time.Millisecond).String())

	e.ec.Opportunity = nil
	e.ec.PositionOpenedAt = time.Time{}
	e.transition(StateMonitoring)
	e.offerSnapshot(now)
}

// maybeRebalance restores delta neutrality with a market order on the excess
// leg. Returns true when an order went out (or recovery was entered).
func (e *Engine) maybeRebalance(ctx context.Context, now time.Time) bool {
	plan, ok := arbitrage.PlanRebalance(e.ec.Positions, e.ec.Params.DeltaTolerancePct)
	if !ok {
		return false
	}

	qty := e.clampToBalance(ctx, plan)
	if !qty.IsPositive() {
		e.logger.Warn("rebalance needed but no balance to trade with",
			"role", string(plan.Role), "side", string(plan.Side), "planned_qty", plan.Quantity.String())
		return false
	}

	e.transition(StateExecuting)
	order, err := e.manager.PlaceMarketOrder(ctx, plan.Role, plan.Side, qty)
	if err != nil {
		e.ec.Counters.Failures++
		e.breaker.RecordFailure(e.now())
		e.logger.Error("rebalance order failed",
			"role", string(plan.Role), "side", string(plan.Side), "qty", qty.String(), "error", err)
		e.enterRecovery(ctx, err)
		return true
	}

	e.logger.Info("rebalance order placed",
		"role", string(plan.Role), "side", string(plan.Side), "qty", qty.String(),
		"delta_ratio", e.ec.Positions.DeltaRatio().String(), "order_id", order.OrderID)
	if order.IsDone() {
		e.retireOrder(plan.Role, order)
	} else {
		e.ec.trackOrder(plan.Role, order)
	}
	e.lastOrderActivity = e.now()
	e.transition(StateMonitoring)
	e.offerSnapshot(now)
	return true
}

// clampToBalance caps a spot rebalance at what the wallet can actually
// trade. Futures rebalances reduce toward the spot leg, so their margin is
// already posted.
func (e *Engine) clampToBalance(ctx context.Context, plan arbitrage.RebalancePlan) decimal.Decimal {
	if plan.Role != core.RoleSpot {
		return plan.Quantity
	}
	leg, ok := e.manager.Leg(plan.Role)
	if !ok {
		return plan.Quantity
	}

	if plan.Side == core.SideSell {
		bal, err := e.manager.Balance(ctx, plan.Role, leg.Symbol.Base, false)
		if err != nil {
			e.logger.Warn("balance read failed, rebalance unclamped", "error", err)
			return plan.Quantity
		}
		return decimal.Min(plan.Quantity, bal.Free)
	}

	ticker, ok := e.manager.BookTicker(plan.Role)
	if !ok || !ticker.AskPrice.IsPositive() {
		return plan.Quantity
	}
	bal, err := e.manager.Balance(ctx, plan.Role, leg.Symbol.Quote, false)
	if err != nil {
		e.logger.Warn("balance read failed, rebalance unclamped", "error", err)
		return plan.Quantity
	}
	return decimal.Min(plan.Quantity, bal.Free.Div(ticker.AskPrice))
}

// enterRecovery clears the worked opportunity, cancels everything open, and
// holds the engine for the recovery backoff.
func (e *Engine) enterRecovery(ctx context.Context, cause error) {
	e.transition(StateErrorRecovery)
	e.ec.Opportunity = nil
	if err := e.manager.CancelAllOrders(ctx); err != nil {
		e.logger.Error("cancel all during recovery failed", "error", err)
	}

	now := e.now()
	e.recoverUntil = now.Add(e.cfg.RecoveryBackoff)
	e.logger.Warn("entering error recovery",
		"cause", cause.Error(), "backoff", e.cfg.RecoveryBackoff.String())
	e.offerSnapshot(now)
}

// onOrderEvent folds a streamed order update into the tracked set. Unknown
// orders are not adopted; the reconciler decides their fate.
func (e *Engine) onOrderEvent(ev exchange.Event) {
	if ev.Order == nil {
		return
	}
	order := *ev.Order
	retired := e.ec.applyOrderUpdate(ev.Role, order)
	if retired {
		if e.journal != nil {
			e.journal.RecordOrder(e.ec.TaskID, ev.Venue, order)
		}
		e.logger.Debug("order retired",
			"role", string(ev.Role), "order_id", order.OrderID, "status", string(order.Status))
	}

	now := e.now()
	e.lastOrderActivity = now
	telemetry.GetGlobalMetrics().SetActiveOrders(e.ec.TaskID, int64(e.ec.ActiveOrderCount()))
	e.offerSnapshot(now)
	e.requestWake()
}

// onTradeEvent applies a fill to the role's position leg.
func (e *Engine) onTradeEvent(ev exchange.Event) {
	if ev.Trade == nil {
		return
	}
	trade := *ev.Trade
	e.ec.applyFill(ev.Role, trade.Price, trade.SignedQty())

	now := e.now()
	e.lastFillAt = now
	metrics := telemetry.GetGlobalMetrics()
	metrics.SetPositionSize(e.ec.TaskID, e.ec.Positions.GrossQty().InexactFloat64())
	metrics.SetDeltaRatio(e.ec.TaskID, e.ec.Positions.DeltaRatio().InexactFloat64())

	e.logger.Debug("fill applied",
		"role", string(ev.Role), "price", trade.Price.String(), "signed_qty", trade.SignedQty().String(),
		"delta", e.ec.Positions.Delta().String())
	e.offerSnapshot(now)
	e.requestWake()
}

// retireOrder drops an order from the tracked set and journals its terminal
// state.
func (e *Engine) retireOrder(role core.Role, order core.Order) {
	e.ec.dropOrder(role, order.OrderID)
	if e.journal != nil {
		venue := ""
		if leg, ok := e.manager.Leg(role); ok {
			venue = leg.Public.GetName()
		}
		e.journal.RecordOrder(e.ec.TaskID, venue, order)
	}
	telemetry.GetGlobalMetrics().SetActiveOrders(e.ec.TaskID, int64(e.ec.ActiveOrderCount()))
}

// offerSnapshot hands a deep copy to the async writer. Never blocks.
func (e *Engine) offerSnapshot(now time.Time) {
	e.lastSnapshot = now
	e.ec.UpdatedAt = now
	e.writer.Offer(e.ec.DeepCopy())
}

// transition moves the state machine and publishes the new state.
func (e *Engine) transition(next State) {
	if e.ec.State == next {
		return
	}
	prev := e.ec.State
	e.ec.State = next
	e.ec.UpdatedAt = e.now()
	telemetry.GetGlobalMetrics().SetEngineState(e.ec.TaskID, next.telemetryCode())
	e.logger.Debug("state transition", "from", string(prev), "to", string(next))
}
