package common

// Phase names the part of a watchdog cycle an event or failure belongs to.
type Phase string

const (
	PhaseAuth     Phase = "auth"
	PhasePoll     Phase = "poll"
	PhaseObserve  Phase = "observe"
	PhaseDispatch Phase = "dispatch"
	PhaseUpdate   Phase = "update"
	PhaseResolve  Phase = "resolve"
	PhaseSleep    Phase = "sleep"
)

// MitigationAction is the network-level action requested from the executor.
type MitigationAction string

const (
	ActionBlock MitigationAction = "block"
	ActionLimit MitigationAction = "limit"
)

// Valid reports whether a is a known action.
func (a MitigationAction) Valid() bool {
	return a == ActionBlock || a == ActionLimit
}

// DefaultInventoryGroup is the inventory group used when no policy rule names one.
const DefaultInventoryGroup = "Mirai_Bots"
