package telemetry

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metric names
const (
	MetricOrderbookUpdatesTotal  = "basis_arb_orderbook_updates_total"
	MetricStaleTickersTotal      = "basis_arb_stale_tickers_rejected_total"
	MetricWsReconnectsTotal      = "basis_arb_ws_reconnects_total"
	MetricWsDecodeErrorsTotal    = "basis_arb_ws_decode_errors_total"
	MetricOrderOperationsTotal   = "basis_arb_order_operations_total"
	MetricArbitrageCyclesTotal   = "basis_arb_arbitrage_cycles_total"
	MetricArbitrageVolumeTotal   = "basis_arb_arbitrage_volume_quote_total"
	MetricBookTickerLatency      = "basis_arb_book_ticker_latency_us"
	MetricPlacementLatency       = "basis_arb_order_placement_latency_ms"
	MetricSnapshotWritesTotal    = "basis_arb_snapshot_writes_total"
	MetricSnapshotWriteErrsTotal = "basis_arb_snapshot_write_errors_total"
	MetricEngineState            = "basis_arb_engine_state"
	MetricDeltaRatio             = "basis_arb_delta_ratio"
	MetricOrdersActive           = "basis_arb_orders_active"
	MetricPositionSize           = "basis_arb_position_size"
)

// Engine state codes reported by the engine_state gauge.
const (
	StateCodeIdle = iota
	StateCodeInitializing
	StateCodeMonitoring
	StateCodeAnalyzing
	StateCodeExecuting
	StateCodeErrorRecovery
)

// MetricsHolder holds initialized instruments
type MetricsHolder struct {
	OrderbookUpdatesTotal metric.Int64Counter
	StaleTickersTotal     metric.Int64Counter
	WsReconnectsTotal     metric.Int64Counter
	WsDecodeErrorsTotal   metric.Int64Counter
	OrderOperationsTotal  metric.Int64Counter
	ArbitrageCyclesTotal  metric.Int64Counter
	ArbitrageVolumeTotal  metric.Float64Counter
	BookTickerLatency     metric.Float64Histogram
	PlacementLatency      metric.Float64Histogram
	SnapshotWritesTotal   metric.Int64Counter
	SnapshotWriteErrs     metric.Int64Counter
	EngineState           metric.Int64ObservableGauge
	DeltaRatio            metric.Float64ObservableGauge
	OrdersActive          metric.Int64ObservableGauge
	PositionSize          metric.Float64ObservableGauge

	// State for observable gauges, keyed by task id.
	mu             sync.RWMutex
	engineStateMap map[string]int64
	deltaRatioMap  map[string]float64
	activeOrderMap map[string]int64
	positionMap    map[string]float64
}

var (
	globalMetrics *MetricsHolder
	initOnce      sync.Once
)

// GetGlobalMetrics returns the singleton metrics holder
func GetGlobalMetrics() *MetricsHolder {
	initOnce.Do(func() {
		globalMetrics = &MetricsHolder{
			engineStateMap: make(map[string]int64),
			deltaRatioMap:  make(map[string]float64),
			activeOrderMap: make(map[string]int64),
			positionMap:    make(map[string]float64),
		}
		// Initialization of instruments happens in InitMetrics
	})
	return globalMetrics
}

// InitMetrics initializes instruments using the meter
func (m *MetricsHolder) InitMetrics(meter metric.Meter) error {
	var err error

	m.OrderbookUpdatesTotal, err = meter.Int64Counter(MetricOrderbookUpdatesTotal, metric.WithDescription("Streaming book updates processed"))
	if err != nil {
		return err
	}

	m.StaleTickersTotal, err = meter.Int64Counter(MetricStaleTickersTotal, metric.WithDescription("Book tickers rejected as stale"))
	if err != nil {
		return err
	}

	m.WsReconnectsTotal, err = meter.Int64Counter(MetricWsReconnectsTotal, metric.WithDescription("WebSocket reconnect attempts"))
	if err != nil {
		return err
	}

	m.WsDecodeErrorsTotal, err = meter.Int64Counter(MetricWsDecodeErrorsTotal, metric.WithDescription("Frames dropped due to decode errors"))
	if err != nil {
		return err
	}

	m.OrderOperationsTotal, err = meter.Int64Counter(MetricOrderOperationsTotal, metric.WithDescription("Order place/cancel/query operations by outcome"))
	if err != nil {
		return err
	}

	m.ArbitrageCyclesTotal, err = meter.Int64Counter(MetricArbitrageCyclesTotal, metric.WithDescription("Completed arbitrage entry/exit cycles"))
	if err != nil {
		return err
	}

	m.ArbitrageVolumeTotal, err = meter.Float64Counter(MetricArbitrageVolumeTotal, metric.WithDescription("Cumulative traded volume in quote units"))
	if err != nil {
		return err
	}

	m.BookTickerLatency, err = meter.Float64Histogram(MetricBookTickerLatency, metric.WithDescription("Book ticker processing latency"), metric.WithUnit("us"))
	if err != nil {
		return err
	}

	m.PlacementLatency, err = meter.Float64Histogram(MetricPlacementLatency, metric.WithDescription("Parallel placement wall-clock latency"), metric.WithUnit("ms"))
	if err != nil {
		return err
	}

	m.SnapshotWritesTotal, err = meter.Int64Counter(MetricSnapshotWritesTotal, metric.WithDescription("Context snapshots written"))
	if err != nil {
		return err
	}

	m.SnapshotWriteErrs, err = meter.Int64Counter(MetricSnapshotWriteErrsTotal, metric.WithDescription("Context snapshot write failures"))
	if err != nil {
		return err
	}

	// Observables
	m.EngineState, err = meter.Int64ObservableGauge(MetricEngineState, metric.WithDescription("Engine state code per task"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for task, val := range m.engineStateMap {
				obs.Observe(val, metric.WithAttributes(attribute.String("task", task)))
			}
			return nil
		}))
	if err != nil {
		return err
	}

	m.DeltaRatio, err = meter.Float64ObservableGauge(MetricDeltaRatio, metric.WithDescription("Current |delta|/gross ratio per task (0=hedged)"),
		metric.WithFloat64Callback(func(ctx context.Context, obs metric.Float64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for task, val := range m.deltaRatioMap {
				obs.Observe(val, metric.WithAttributes(attribute.String("task", task)))
			}
			return nil
		}))
	if err != nil {
		return err
	}

	m.OrdersActive, err = meter.Int64ObservableGauge(MetricOrdersActive, metric.WithDescription("Number of currently open orders per task"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for task, val := range m.activeOrderMap {
				obs.Observe(val, metric.WithAttributes(attribute.String("task", task)))
			}
			return nil
		}))
	if err != nil {
		return err
	}

	m.PositionSize, err = meter.Float64ObservableGauge(MetricPositionSize, metric.WithDescription("Gross position size per task"),
		metric.WithFloat64Callback(func(ctx context.Context, obs metric.Float64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for task, val := range m.positionMap {
				obs.Observe(val, metric.WithAttributes(attribute.String("task", task)))
			}
			return nil
		}))
	if err != nil {
		return err
	}

	return nil
}

// Recording helpers for counters and histograms. All are safe on a nil
// holder or before InitMetrics so tests can run without telemetry.

func (m *MetricsHolder) RecordOrderbookUpdate(ctx context.Context, venue, symbol string) {
	if m == nil || m.OrderbookUpdatesTotal == nil {
		return
	}
	m.OrderbookUpdatesTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("venue", venue), attribute.String("symbol", symbol)))
}

func (m *MetricsHolder) RecordStaleTicker(ctx context.Context, venue, symbol string) {
	if m == nil || m.StaleTickersTotal == nil {
		return
	}
	m.StaleTickersTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("venue", venue), attribute.String("symbol", symbol)))
}

func (m *MetricsHolder) RecordWsReconnect(ctx context.Context, venue, scope string) {
	if m == nil || m.WsReconnectsTotal == nil {
		return
	}
	m.WsReconnectsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("venue", venue), attribute.String("scope", scope)))
}

func (m *MetricsHolder) RecordWsDecodeError(ctx context.Context, venue string) {
	if m == nil || m.WsDecodeErrorsTotal == nil {
		return
	}
	m.WsDecodeErrorsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("venue", venue)))
}

func (m *MetricsHolder) RecordOrderOperation(ctx context.Context, venue, op, outcome string) {
	if m == nil || m.OrderOperationsTotal == nil {
		return
	}
	m.OrderOperationsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("venue", venue), attribute.String("op", op), attribute.String("outcome", outcome)))
}

func (m *MetricsHolder) RecordCycle(ctx context.Context, task, outcome string) {
	if m == nil || m.ArbitrageCyclesTotal == nil {
		return
	}
	m.ArbitrageCyclesTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("task", task), attribute.String("outcome", outcome)))
}

func (m *MetricsHolder) AddVolume(ctx context.Context, task string, quote float64) {
	if m == nil || m.ArbitrageVolumeTotal == nil {
		return
	}
	m.ArbitrageVolumeTotal.Add(ctx, quote, metric.WithAttributes(attribute.String("task", task)))
}

func (m *MetricsHolder) ObserveBookTickerLatency(ctx context.Context, venue string, micros float64) {
	if m == nil || m.BookTickerLatency == nil {
		return
	}
	m.BookTickerLatency.Record(ctx, micros, metric.WithAttributes(attribute.String("venue", venue)))
}

func (m *MetricsHolder) ObservePlacementLatency(ctx context.Context, task string, millis float64) {
	if m == nil || m.PlacementLatency == nil {
		return
	}
	m.PlacementLatency.Record(ctx, millis, metric.WithAttributes(attribute.String("task", task)))
}

func (m *MetricsHolder) RecordSnapshotWrite(ctx context.Context, task string, err error) {
	if m == nil {
		return
	}
	if err != nil {
		if m.SnapshotWriteErrs != nil {
			m.SnapshotWriteErrs.Add(ctx, 1, metric.WithAttributes(attribute.String("task", task)))
		}
		return
	}
	if m.SnapshotWritesTotal != nil {
		m.SnapshotWritesTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("task", task)))
	}
}

// Helpers to update observable state

func (m *MetricsHolder) SetEngineState(task string, code int64) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.engineStateMap[task] = code
}

func (m *MetricsHolder) SetDeltaRatio(task string, ratio float64) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deltaRatioMap[task] = ratio
}

func (m *MetricsHolder) SetActiveOrders(task string, count int64) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.activeOrderMap[task] = count
}

func (m *MetricsHolder) SetPositionSize(task string, size float64) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.positionMap[task] = size
}

func (m *MetricsHolder) GetEngineStates() map[string]int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make(map[string]int64)
	for k, v := range m.engineStateMap {
		res[k] = v
	}
	return res
}

func (m *MetricsHolder) GetActiveOrders() map[string]int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make(map[string]int64)
	for k, v := range m.activeOrderMap {
		res[k] = v
	}
	return res
}
