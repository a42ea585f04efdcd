// Package config handles configuration loading and validation.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete configuration tree.
type Config struct {
	System    SystemConfig           `yaml:"system"`
	Telemetry TelemetryConfig        `yaml:"telemetry"`
	Storage   StorageConfig          `yaml:"storage"`
	Venues    map[string]VenueConfig `yaml:"venues"`
	Engine    EngineConfig           `yaml:"engine"`
	Tasks     []TaskConfig           `yaml:"tasks"`
}

// SystemConfig contains process-level settings.
type SystemConfig struct {
	LogLevel    string `yaml:"log_level"`
	LogEncoding string `yaml:"log_encoding"` // console or json
	// CancelOnExit cancels all open orders during graceful shutdown.
	CancelOnExit         bool `yaml:"cancel_on_exit"`
	ShutdownGraceSeconds int  `yaml:"shutdown_grace_seconds"`
}

// ShutdownGrace returns the shutdown grace period.
func (s SystemConfig) ShutdownGrace() time.Duration {
	if s.ShutdownGraceSeconds <= 0 {
		return 3 * time.Second
	}
	return time.Duration(s.ShutdownGraceSeconds) * time.Second
}

// TelemetryConfig contains telemetry settings.
type TelemetryConfig struct {
	EnableMetrics bool `yaml:"enable_metrics"`
	MetricsPort   int  `yaml:"metrics_port"`
	// DebugExporters enables the stdout trace and log exporters.
	DebugExporters bool `yaml:"debug_exporters"`
}

// StorageConfig contains snapshot and journal locations.
type StorageConfig struct {
	SnapshotRoot      string `yaml:"snapshot_root"`
	SnapshotCodec     string `yaml:"snapshot_codec"` // json or msgpack
	SnapshotRetention int    `yaml:"snapshot_retention"`
	JournalPath       string `yaml:"journal_path"`
}

// VenueConfig contains per-venue credentials and connectivity settings.
type VenueConfig struct {
	APIKey    Secret `yaml:"api_key"`
	SecretKey Secret `yaml:"secret_key"`
	BaseURL   string `yaml:"base_url"` // optional REST override
	WsURL     string `yaml:"ws_url"`   // optional WebSocket override
	// RecvWindowMS is the signed-request validity window (MEXC family).
	RecvWindowMS int `yaml:"recv_window_ms"`
	// PublicRateLimit and TradingRateLimit are requests per second.
	PublicRateLimit     int `yaml:"public_rate_limit"`
	TradingRateLimit    int `yaml:"trading_rate_limit"`
	PingIntervalSeconds int `yaml:"ping_interval_seconds"`
}

// PingInterval returns the venue keepalive cadence.
func (v VenueConfig) PingInterval() time.Duration {
	if v.PingIntervalSeconds <= 0 {
		return 15 * time.Second
	}
	return time.Duration(v.PingIntervalSeconds) * time.Second
}

// EngineConfig contains the shared engine loop settings.
type EngineConfig struct {
	TickIntervalMS           int `yaml:"tick_interval_ms"`
	AnalysisIntervalMS       int `yaml:"analysis_interval_ms"`
	SnapshotIntervalSeconds  int `yaml:"snapshot_interval_seconds"`
	RecoveryBackoffMS        int `yaml:"recovery_backoff_ms"`
	ReconcileIntervalSeconds int `yaml:"reconcile_interval_seconds"`
	// SettleDelayMS is how long the engine waits after the last fill before
	// treating positions as settled.
	SettleDelayMS int `yaml:"settle_delay_ms"`
	// MaxConsecutiveFailures trips the failure breaker; the engine then
	// holds in ERROR_RECOVERY for BreakerCooldownSeconds.
	MaxConsecutiveFailures int `yaml:"max_consecutive_failures"`
	BreakerCooldownSeconds int `yaml:"breaker_cooldown_seconds"`
}

// TickInterval returns the engine tick cadence.
func (e EngineConfig) TickInterval() time.Duration {
	if e.TickIntervalMS <= 0 {
		return 10 * time.Millisecond
	}
	return time.Duration(e.TickIntervalMS) * time.Millisecond
}

// AnalysisInterval returns the opportunity analysis throttle.
func (e EngineConfig) AnalysisInterval() time.Duration {
	if e.AnalysisIntervalMS <= 0 {
		return 100 * time.Millisecond
	}
	return time.Duration(e.AnalysisIntervalMS) * time.Millisecond
}

// SnapshotInterval returns the periodic snapshot cadence.
func (e EngineConfig) SnapshotInterval() time.Duration {
	if e.SnapshotIntervalSeconds <= 0 {
		return 30 * time.Second
	}
	return time.Duration(e.SnapshotIntervalSeconds) * time.Second
}

// RecoveryBackoff returns the pause before leaving ERROR_RECOVERY.
func (e EngineConfig) RecoveryBackoff() time.Duration {
	if e.RecoveryBackoffMS <= 0 {
		return time.Second
	}
	return time.Duration(e.RecoveryBackoffMS) * time.Millisecond
}

// ReconcileInterval returns the stray-order reconciliation cadence.
func (e EngineConfig) ReconcileInterval() time.Duration {
	if e.ReconcileIntervalSeconds <= 0 {
		return 30 * time.Second
	}
	return time.Duration(e.ReconcileIntervalSeconds) * time.Second
}

// SettleDelay returns the post-fill settle window.
func (e EngineConfig) SettleDelay() time.Duration {
	if e.SettleDelayMS <= 0 {
		return 300 * time.Millisecond
	}
	return time.Duration(e.SettleDelayMS) * time.Millisecond
}

// BreakerCooldown returns the failure-breaker cooldown.
func (e EngineConfig) BreakerCooldown() time.Duration {
	if e.BreakerCooldownSeconds <= 0 {
		return 60 * time.Second
	}
	return time.Duration(e.BreakerCooldownSeconds) * time.Second
}

// TaskConfig describes one spot/futures pair traded by one engine.
type TaskConfig struct {
	ID           string `yaml:"id"`
	Base         string `yaml:"base"`
	Quote        string `yaml:"quote"`
	SpotVenue    string `yaml:"spot_venue"`
	FuturesVenue string `yaml:"futures_venue"`

	// BasePositionSizeQuote is the target quote-denominated size per cycle.
	BasePositionSizeQuote float64 `yaml:"base_position_size_quote"`
	MaxPositionMultiplier float64 `yaml:"max_position_multiplier"`
	FuturesLeverage       float64 `yaml:"futures_leverage"`
	// MaxEntryCostPct bounds the entry spread cost; negative values demand
	// the futures leg to be richer than spot.
	MaxEntryCostPct  float64 `yaml:"max_entry_cost_pct"`
	ExitThresholdPct float64 `yaml:"exit_threshold_pct"`
	// DeltaTolerancePct triggers a rebalance when the net delta exceeds this
	// share of position size.
	DeltaTolerancePct float64 `yaml:"delta_tolerance_pct"`
	// PositionAgeLimitSeconds forces an unwind after this holding time.
	// Zero disables the limit.
	PositionAgeLimitSeconds int `yaml:"position_age_limit_seconds"`
	// MinProfitQuote skips exits that would realize less than this quote
	// amount, unless the position age limit forces the unwind. Zero
	// disables the floor.
	MinProfitQuote float64 `yaml:"min_profit_quote"`
	// MaxOrderQtyBase hard-caps any single order's base quantity at the
	// venue layer. Zero disables the cap.
	MaxOrderQtyBase float64 `yaml:"max_order_qty_base"`
}

// PositionAgeLimit returns the maximum holding time, zero when disabled.
func (t TaskConfig) PositionAgeLimit() time.Duration {
	return time.Duration(t.PositionAgeLimitSeconds) * time.Second
}

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("validation error for field '%s' (value: %v): %s", e.Field, e.Value, e.Message)
}

// LoadConfig loads configuration from a YAML file with environment variable
// expansion.
func LoadConfig(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	expandedData := expandEnvVars(string(data))

	var config Config
	if err := yaml.Unmarshal([]byte(expandedData), &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

// Validate performs comprehensive validation of the configuration.
func (c *Config) Validate() error {
	var errors []string

	if err := c.validateSystemConfig(); err != nil {
		errors = append(errors, err.Error())
	}
	if err := c.validateStorageConfig(); err != nil {
		errors = append(errors, err.Error())
	}
	if err := c.validateVenues(); err != nil {
		errors = append(errors, err.Error())
	}
	if err := c.validateTasks(); err != nil {
		errors = append(errors, err.Error())
	}

	if len(errors) > 0 {
		return fmt.Errorf("configuration validation failed:\n%s", strings.Join(errors, "\n"))
	}

	return nil
}

func (c *Config) validateSystemConfig() error {
	validLevels := []string{"DEBUG", "INFO", "WARN", "ERROR", "FATAL", ""}
	if !contains(validLevels, strings.ToUpper(c.System.LogLevel)) {
		return ValidationError{
			Field:   "system.log_level",
			Value:   c.System.LogLevel,
			Message: "must be one of: DEBUG, INFO, WARN, ERROR, FATAL",
		}
	}
	if c.System.LogEncoding != "" && c.System.LogEncoding != "console" && c.System.LogEncoding != "json" {
		return ValidationError{
			Field:   "system.log_encoding",
			Value:   c.System.LogEncoding,
			Message: "must be console or json",
		}
	}
	return nil
}

func (c *Config) validateStorageConfig() error {
	switch c.Storage.SnapshotCodec {
	case "", "json", "msgpack":
	default:
		return ValidationError{
			Field:   "storage.snapshot_codec",
			Value:   c.Storage.SnapshotCodec,
			Message: "must be json or msgpack",
		}
	}
	if c.Storage.SnapshotRetention < 0 {
		return ValidationError{
			Field:   "storage.snapshot_retention",
			Value:   c.Storage.SnapshotRetention,
			Message: "must not be negative",
		}
	}
	return nil
}

var validVenues = []string{"mexc", "gate", "mock"}

func (c *Config) validateVenues() error {
	for name, venue := range c.Venues {
		if !contains(validVenues, name) {
			return ValidationError{
				Field:   "venues",
				Value:   name,
				Message: fmt.Sprintf("must be one of: %s", strings.Join(validVenues, ", ")),
			}
		}
		if name == "mock" {
			continue
		}
		if venue.APIKey == "" {
			return ValidationError{
				Field:   fmt.Sprintf("venues.%s.api_key", name),
				Message: "API key is required",
			}
		}
		if venue.SecretKey == "" {
			return ValidationError{
				Field:   fmt.Sprintf("venues.%s.secret_key", name),
				Message: "secret key is required",
			}
		}
	}
	return nil
}

func (c *Config) validateTasks() error {
	if len(c.Tasks) == 0 {
		return ValidationError{
			Field:   "tasks",
			Message: "at least one task must be configured",
		}
	}

	seen := make(map[string]bool, len(c.Tasks))
	for i, task := range c.Tasks {
		field := fmt.Sprintf("tasks[%d]", i)
		if task.ID == "" {
			return ValidationError{Field: field + ".id", Message: "task id is required"}
		}
		if seen[task.ID] {
			return ValidationError{Field: field + ".id", Value: task.ID, Message: "task id must be unique"}
		}
		seen[task.ID] = true

		if task.Base == "" || task.Quote == "" {
			return ValidationError{Field: field, Message: "base and quote assets are required"}
		}

		spot := task.SpotVenue
		if spot == "" {
			spot = "mexc"
		}
		fut := task.FuturesVenue
		if fut == "" {
			fut = "gate"
		}
		for _, v := range []string{spot, fut} {
			if v == "mock" {
				continue
			}
			if _, ok := c.Venues[v]; !ok {
				return ValidationError{
					Field:   field,
					Value:   v,
					Message: "venue configuration not found in venues section",
				}
			}
		}

		if task.BasePositionSizeQuote <= 0 {
			return ValidationError{
				Field:   field + ".base_position_size_quote",
				Value:   task.BasePositionSizeQuote,
				Message: "must be positive",
			}
		}
		if task.FuturesLeverage <= 0 {
			return ValidationError{
				Field:   field + ".futures_leverage",
				Value:   task.FuturesLeverage,
				Message: "must be positive",
			}
		}
		if task.ExitThresholdPct <= task.MaxEntryCostPct {
			// Exiting below the entry bound would lock in a loss on every
			// cycle.
			return ValidationError{
				Field:   field + ".exit_threshold_pct",
				Value:   task.ExitThresholdPct,
				Message: "must be greater than max_entry_cost_pct",
			}
		}
		if task.DeltaTolerancePct < 0 {
			return ValidationError{
				Field:   field + ".delta_tolerance_pct",
				Value:   task.DeltaTolerancePct,
				Message: "must not be negative",
			}
		}
	}
	return nil
}

// SpotVenueOrDefault returns the task's spot venue, defaulting to mexc.
func (t TaskConfig) SpotVenueOrDefault() string {
	if t.SpotVenue == "" {
		return "mexc"
	}
	return t.SpotVenue
}

// FuturesVenueOrDefault returns the task's futures venue, defaulting to gate.
func (t TaskConfig) FuturesVenueOrDefault() string {
	if t.FuturesVenue == "" {
		return "gate"
	}
	return t.FuturesVenue
}

// String returns the configuration with credentials redacted. Secret fields
// redact themselves during marshaling.
func (c *Config) String() string {
	data, _ := yaml.Marshal(c)
	return string(data)
}

// Helper functions

func expandEnvVars(s string) string {
	return os.Expand(s, func(key string) string {
		return os.Getenv(key)
	})
}

func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}

// DefaultConfig returns a configuration suitable for tests: mock venues and
// a single BTC/USDT task.
func DefaultConfig() *Config {
	return &Config{
		System: SystemConfig{
			LogLevel:             "INFO",
			LogEncoding:          "console",
			CancelOnExit:         true,
			ShutdownGraceSeconds: 3,
		},
		Telemetry: TelemetryConfig{
			EnableMetrics: false,
			MetricsPort:   9090,
		},
		Storage: StorageConfig{
			SnapshotRoot:      "./data/snapshots",
			SnapshotCodec:     "json",
			SnapshotRetention: 10,
			JournalPath:       "./data/journal.db",
		},
		Venues: map[string]VenueConfig{
			"mock": {},
		},
		Engine: EngineConfig{
			TickIntervalMS:           10,
			AnalysisIntervalMS:       100,
			SnapshotIntervalSeconds:  30,
			RecoveryBackoffMS:        1000,
			ReconcileIntervalSeconds: 30,
			MaxConsecutiveFailures:   5,
			BreakerCooldownSeconds:   60,
		},
		Tasks: []TaskConfig{
			{
				ID:                    "btc-usdt-basis",
				Base:                  "BTC",
				Quote:                 "USDT",
				SpotVenue:             "mock",
				FuturesVenue:          "mock",
				BasePositionSizeQuote: 100,
				MaxPositionMultiplier: 1,
				FuturesLeverage:       3,
				MaxEntryCostPct:       -0.05,
				ExitThresholdPct:      0.03,
				DeltaTolerancePct:     2.0,
			},
		},
	}
}
