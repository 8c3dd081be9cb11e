package scout

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// TerminationReason explains why a session stopped. It is set exactly once.
type TerminationReason string

// Termination reasons.
const (
	TerminationQuotaExhausted   TerminationReason = "quota-exhausted"
	TerminationReviewerApproved TerminationReason = "reviewer-approved"
	TerminationIterationCap     TerminationReason = "iteration-cap-reached"
	TerminationCancelled        TerminationReason = "cancelled"
)

func (r TerminationReason) valid() bool {
	switch r {
	case TerminationQuotaExhausted, TerminationReviewerApproved, TerminationIterationCap, TerminationCancelled:
		return true
	}
	return false
}

// TurnKind tags a transcript entry.
type TurnKind string

// Transcript turn kinds.
const (
	TurnUserInput        TurnKind = "user-input"
	TurnOracleDecision   TurnKind = "oracle-decision"
	TurnCapabilityResult TurnKind = "capability-result"
)

// Turn is one entry of the session transcript.
type Turn struct {
	Seq     int       `json:"seq"`
	Kind    TurnKind  `json:"kind"`
	Content string    `json:"content"`
	At      time.Time `json:"at"`

	// Oracle decisions.
	Calls      []CapabilityCall `json:"calls,omitempty"`
	Finalize   bool             `json:"finalize,omitempty"`
	Overridden bool             `json:"overridden,omitempty"` // quota override replaced the proposal

	// Capability results. DecisionSeq points back at the decision that caused the call.
	DecisionSeq int                 `json:"decision_seq,omitempty"`
	Capability  string              `json:"capability,omitempty"`
	Data        any                 `json:"data,omitempty"`
	Failed      bool                `json:"failed,omitempty"`
	ErrorKind   CapabilityErrorKind `json:"error_kind,omitempty"`
}

// Quota is the usage of one capability within a session.
type Quota struct {
	Name  string `json:"name"`
	Used  int    `json:"used"`
	Limit int    `json:"limit"`
}

// Remaining returns the calls still allowed.
func (q Quota) Remaining() int {
	return q.Limit - q.Used
}

// Exhausted reports whether the quota is at its limit.
func (q Quota) Exhausted() bool {
	return q.Used >= q.Limit
}

// Session is the state of one research → synthesis → review run.
//
// # Concurrency
//
// A Session is owned by exactly one goroutine at a time: the Workflow driving
// it. It carries no locks. Readers on other goroutines must go through the
// Manager, which publishes immutable Status snapshots.
//
// # Invariants
//
// Every mutator validates before applying and returns an error wrapping
// ErrInvariantViolation instead of breaking quota, ordering, iteration or
// termination guarantees. A failed mutation leaves the session unchanged.
type Session struct {
	ID        string
	Variant   string
	Context   map[string]any
	CreatedAt time.Time

	state       State
	transcript  []Turn
	quotaOrder  []string
	quotas      map[string]*Quota
	draft       *Artifact
	feedback    string
	iteration   int
	cap         int
	termination TerminationReason

	// Calls accepted by the router and awaiting dispatch.
	pending    []CapabilityCall
	pendingSeq int
	steps      int

	// Set when the last research phase ended in a quota override.
	quotaOverride bool
}

// NewSession creates a session for the variant with counters at zero. Each
// initial message is recorded as a user-input turn.
func NewSession(variant Variant, messages []string, context map[string]any) (*Session, error) {
	if err := variant.Validate(); err != nil {
		return nil, err
	}
	if len(messages) == 0 {
		return nil, fmt.Errorf("session requires at least one initial message")
	}

	s := &Session{
		ID:         uuid.New().String(),
		Variant:    variant.Name,
		Context:    context,
		CreatedAt:  time.Now(),
		state:      StateResearching,
		transcript: make([]Turn, 0, len(messages)),
		quotaOrder: make([]string, 0, len(variant.Quotas)),
		quotas:     make(map[string]*Quota, len(variant.Quotas)),
		cap:        variant.IterationCap,
	}
	for _, q := range variant.Quotas {
		s.quotaOrder = append(s.quotaOrder, q.Name)
		s.quotas[q.Name] = &Quota{Name: q.Name, Limit: q.Limit}
	}
	for _, msg := range messages {
		if _, err := s.RecordTurn(Turn{Kind: TurnUserInput, Content: msg}); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// RecordTurn appends a turn to the transcript and returns it with its
// sequence number assigned. A non-zero Seq must equal the next position; a
// capability result must point at an earlier oracle decision.
func (s *Session) RecordTurn(turn Turn) (Turn, error) {
	if s.termination != "" {
		return Turn{}, invariantf("record turn after termination (%s)", s.termination)
	}
	next := len(s.transcript) + 1
	if turn.Seq != 0 && turn.Seq != next {
		return Turn{}, invariantf("turn sequence %d out of order, expected %d", turn.Seq, next)
	}
	switch turn.Kind {
	case TurnUserInput, TurnOracleDecision:
	case TurnCapabilityResult:
		if turn.DecisionSeq < 1 || turn.DecisionSeq >= next {
			return Turn{}, invariantf("capability result references decision %d outside transcript", turn.DecisionSeq)
		}
		if s.transcript[turn.DecisionSeq-1].Kind != TurnOracleDecision {
			return Turn{}, invariantf("capability result references turn %d which is not an oracle decision", turn.DecisionSeq)
		}
	default:
		return Turn{}, invariantf("unknown turn kind %q", turn.Kind)
	}

	turn.Seq = next
	if turn.At.IsZero() {
		turn.At = time.Now()
	}
	s.transcript = append(s.transcript, turn)
	return turn, nil
}

// IncrementQuota consumes one unit of the named capability's quota.
func (s *Session) IncrementQuota(name string) error {
	if s.termination != "" {
		return invariantf("increment quota %q after termination", name)
	}
	q, ok := s.quotas[name]
	if !ok {
		return invariantf("increment quota for unregistered capability %q", name)
	}
	if q.Used >= q.Limit {
		return invariantf("quota %q already at limit %d", name, q.Limit)
	}
	q.Used++
	return nil
}

// SetDraft replaces the current draft artifact.
func (s *Session) SetDraft(a *Artifact) error {
	if s.termination != "" {
		return invariantf("set draft after termination")
	}
	if a == nil {
		return invariantf("set nil draft")
	}
	s.draft = a
	return nil
}

// SetFeedback replaces the last review critique.
func (s *Session) SetFeedback(text string) error {
	if s.termination != "" {
		return invariantf("set feedback after termination")
	}
	s.feedback = text
	return nil
}

// AdvanceIteration counts one review pass and returns the new count. It fails
// once the cap has been reached, since the session must already have ended.
func (s *Session) AdvanceIteration() (int, error) {
	if s.termination != "" {
		return s.iteration, invariantf("advance iteration after termination")
	}
	if s.iteration >= s.cap {
		return s.iteration, invariantf("iteration %d already at cap %d", s.iteration, s.cap)
	}
	s.iteration++
	return s.iteration, nil
}

// Terminate records the termination reason. It may only be called once.
func (s *Session) Terminate(reason TerminationReason) error {
	if !reason.valid() {
		return invariantf("unknown termination reason %q", reason)
	}
	if s.termination != "" {
		return invariantf("session already terminated (%s), cannot terminate with %s", s.termination, reason)
	}
	s.termination = reason
	s.state = StateTerminated
	s.pending = nil
	return nil
}

// State returns the current control-flow state.
func (s *Session) State() State {
	return s.state
}

// Transcript returns a copy of the transcript in causal order.
func (s *Session) Transcript() []Turn {
	out := make([]Turn, len(s.transcript))
	copy(out, s.transcript)
	return out
}

// Quota returns the usage of one capability.
func (s *Session) Quota(name string) (Quota, bool) {
	q, ok := s.quotas[name]
	if !ok {
		return Quota{}, false
	}
	return *q, true
}

// Quotas returns every quota in variant declaration order.
func (s *Session) Quotas() []Quota {
	out := make([]Quota, 0, len(s.quotaOrder))
	for _, name := range s.quotaOrder {
		out = append(out, *s.quotas[name])
	}
	return out
}

// AllExhausted reports whether no capability has budget left.
func (s *Session) AllExhausted() bool {
	for _, q := range s.quotas {
		if !q.Exhausted() {
			return false
		}
	}
	return true
}

// Draft returns the current artifact, or nil before the first synthesis.
func (s *Session) Draft() *Artifact {
	return s.draft
}

// QuotaOverridden reports whether the router ended the last research phase
// because the oracle asked for an exhausted capability.
func (s *Session) QuotaOverridden() bool {
	return s.quotaOverride
}

// Feedback returns the last review critique.
func (s *Session) Feedback() string {
	return s.feedback
}

// Iteration returns the number of completed review passes.
func (s *Session) Iteration() int {
	return s.iteration
}

// IterationCap returns the configured review cap.
func (s *Session) IterationCap() int {
	return s.cap
}

// Termination returns the termination reason, empty while running.
func (s *Session) Termination() TerminationReason {
	return s.termination
}

// Steps returns the number of control-flow steps taken so far.
func (s *Session) Steps() int {
	return s.steps
}

// transition moves the session along the transition table.
func (s *Session) transition(event Event) (State, error) {
	to, err := Next(s.state, event)
	if err != nil {
		return s.state, err
	}
	s.state = to
	return to, nil
}
