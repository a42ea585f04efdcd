package arb

import "basis_arb/pkg/telemetry"

// State is the engine's lifecycle phase. There is no terminal state in
// normal operation; shutdown is an external signal handled from any state.
type State string

const (
	StateIdle          State = "IDLE"
	StateInitializing  State = "INITIALIZING"
	StateMonitoring    State = "MONITORING"
	StateAnalyzing     State = "ANALYZING"
	StateExecuting     State = "EXECUTING"
	StateErrorRecovery State = "ERROR_RECOVERY"
)

// telemetryCode maps the state onto the numeric engine_state gauge.
func (s State) telemetryCode() int64 {
	switch s {
	case StateInitializing:
		return telemetry.StateCodeInitializing
	case StateMonitoring:
		return telemetry.StateCodeMonitoring
	case StateAnalyzing:
		return telemetry.StateCodeAnalyzing
	case StateExecuting:
		return telemetry.StateCodeExecuting
	case StateErrorRecovery:
		return telemetry.StateCodeErrorRecovery
	default:
		return telemetry.StateCodeIdle
	}
}
