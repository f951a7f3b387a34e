// Package investigation holds the investigation state model (GraphState):
// lifecycle states, the accumulated enrichment context, decisions, budget
// counters, and the append-only decision chain.
package investigation

// State is the investigation lifecycle state. Transitions are constrained to
// the graph in transitions below; anything else is a programming error that
// fails the investigation.
type State string

const (
	StateReceived      State = "received"
	StateParsing       State = "parsing"
	StateFPCheck       State = "fp_check"
	StateEnriching     State = "enriching"
	StateReasoning     State = "reasoning"
	StateAwaitingHuman State = "awaiting_human"
	StateResponding    State = "responding"
	StateClosed        State = "closed"
	StateFailed        State = "failed"
)

// IsValid checks membership in the closed state set.
func (s State) IsValid() bool {
	switch s {
	case StateReceived, StateParsing, StateFPCheck, StateEnriching,
		StateReasoning, StateAwaitingHuman, StateResponding, StateClosed, StateFailed:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether the state ends the investigation.
func (s State) IsTerminal() bool {
	return s == StateClosed || s == StateFailed
}

// transitions is the legal state graph. Any state may additionally move to
// failed on an unrecoverable error; that edge is implicit in CanTransition.
var transitions = map[State][]State{
	StateReceived:      {StateParsing},
	StateParsing:       {StateFPCheck},
	StateFPCheck:       {StateClosed, StateEnriching},
	StateEnriching:     {StateReasoning},
	StateReasoning:     {StateResponding, StateAwaitingHuman, StateClosed},
	StateAwaitingHuman: {StateResponding, StateClosed, StateAwaitingHuman},
	StateResponding:    {StateClosed, StateAwaitingHuman},
}

// CanTransition reports whether from→to is a legal edge. failed is reachable
// from every non-terminal state.
func CanTransition(from, to State) bool {
	if to == StateFailed {
		return !from.IsTerminal()
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
