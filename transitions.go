package scout

import "fmt"

// State is a node of the session control flow.
type State string

// Session states.
const (
	StateResearching           State = "researching"
	StateDispatchingCapability State = "dispatching-capability"
	StateAwaitingSynthesis     State = "awaiting-synthesis"
	StateSynthesizing          State = "synthesizing"
	StateReviewing             State = "reviewing"
	StateTerminated            State = "terminated"
)

// IsTerminal reports whether no further transitions leave s.
func (s State) IsTerminal() bool {
	return s == StateTerminated
}

// AllStates returns every session state in control-flow order.
func AllStates() []State {
	return []State{
		StateResearching,
		StateDispatchingCapability,
		StateAwaitingSynthesis,
		StateSynthesizing,
		StateReviewing,
		StateTerminated,
	}
}

// Event is the outcome of one step that selects the next state.
type Event string

// Control-flow events.
const (
	EventDispatch       Event = "dispatch"        // oracle proposed capability calls within quota
	EventFinalize       Event = "finalize"        // oracle asked for synthesis
	EventQuotaExhausted Event = "quota-exhausted" // proposal named an exhausted capability
	EventMalformed      Event = "malformed"       // proposal unusable after retries
	EventDispatched     Event = "dispatched"      // capability calls recorded
	EventSynthesize     Event = "synthesize"
	EventDrafted        Event = "drafted"
	EventApprove        Event = "approve"         // reviewer approved
	EventCapReached     Event = "cap-reached"     // iteration cap forced approval
	EventBudgetSpent    Event = "budget-spent"    // revise requested with no quota left
	EventRevise         Event = "revise"
	EventCancel         Event = "cancel"
)

// Edge is one row of the transition table.
type Edge struct {
	From  State
	Event Event
	To    State
}

// transitions is the complete control flow of a session. Anything not listed
// here is an invariant violation.
var transitions = []Edge{
	{StateResearching, EventDispatch, StateDispatchingCapability},
	{StateResearching, EventFinalize, StateAwaitingSynthesis},
	{StateResearching, EventQuotaExhausted, StateAwaitingSynthesis},
	{StateResearching, EventMalformed, StateAwaitingSynthesis},
	{StateDispatchingCapability, EventDispatched, StateResearching},
	{StateAwaitingSynthesis, EventSynthesize, StateSynthesizing},
	{StateSynthesizing, EventDrafted, StateReviewing},
	{StateReviewing, EventApprove, StateTerminated},
	{StateReviewing, EventCapReached, StateTerminated},
	{StateReviewing, EventBudgetSpent, StateTerminated},
	{StateReviewing, EventRevise, StateResearching},
	{StateResearching, EventCancel, StateTerminated},
	{StateDispatchingCapability, EventCancel, StateTerminated},
	{StateAwaitingSynthesis, EventCancel, StateTerminated},
	{StateSynthesizing, EventCancel, StateTerminated},
	{StateReviewing, EventCancel, StateTerminated},
}

type edgeKey struct {
	from  State
	event Event
}

var transitionIndex = func() map[edgeKey]State {
	idx := make(map[edgeKey]State, len(transitions))
	for _, e := range transitions {
		idx[edgeKey{e.From, e.Event}] = e.To
	}
	return idx
}()

// Transitions returns a copy of the transition table.
func Transitions() []Edge {
	out := make([]Edge, len(transitions))
	copy(out, transitions)
	return out
}

// Next resolves the state reached from `from` on `event`.
func Next(from State, event Event) (State, error) {
	to, ok := transitionIndex[edgeKey{from, event}]
	if !ok {
		return "", invariantf("no transition from %s on %s", from, event)
	}
	return to, nil
}

// terminationFor maps the terminal events to the reason recorded on the session.
func terminationFor(event Event) (TerminationReason, error) {
	switch event {
	case EventApprove:
		return TerminationReviewerApproved, nil
	case EventCapReached:
		return TerminationIterationCap, nil
	case EventBudgetSpent:
		return TerminationQuotaExhausted, nil
	case EventCancel:
		return TerminationCancelled, nil
	default:
		return "", fmt.Errorf("%w: event %s does not terminate a session", ErrInvariantViolation, event)
	}
}
