package scout

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/zoobzio/capitan"
	"github.com/zoobzio/pipz"
	"github.com/zoobzio/zyn"
)

// Router runs the research half of a session: it asks the oracle for the next
// action, enforces quotas over the proposal and dispatches accepted calls.
//
// Quota exhaustion always wins over the oracle: if any proposed capability is
// at its limit the whole turn is overridden and synthesis is forced, with no
// partial execution. A proposal that stays malformed after retries also
// forces synthesis.
type Router struct {
	identity    pipz.Identity
	registry    *Registry
	dispatcher  *Dispatcher
	provider    Provider
	temperature float32
	timeout     time.Duration
	retries     int
	call        *pipz.Timeout[*oracleCall[proposal]]
	pipeline    pipz.Chainable[*consultation]
}

// consultation is the value threaded through the consult pipeline.
type consultation struct {
	session  *Session
	variant  Variant
	fire     func(context.Context, zyn.ExtractionInput) (proposal, error)
	decision decision
	attempts int
	err      error
	forced   bool
}

// NewRouter creates a router that dispatches through dispatcher.
func NewRouter(registry *Registry, dispatcher *Dispatcher) *Router {
	r := &Router{
		identity:    pipz.NewIdentity("router", "Oracle decision router"),
		registry:    registry,
		dispatcher:  dispatcher,
		temperature: DefaultTemperature,
		timeout:     DefaultOracleTimeout,
		retries:     DefaultOracleRetries,
	}
	r.build()
	return r
}

// build composes consult → retry → force-synthesis, with every oracle request
// under the router timeout.
func (r *Router) build() {
	r.call = newOracleCall[proposal]("consult-call", r.timeout)
	var consult pipz.Chainable[*consultation] = pipz.Apply(
		pipz.NewIdentity("consult", "Ask the oracle for the next action"),
		r.consult,
	)
	var retry pipz.Chainable[*consultation] = pipz.NewRetry(
		pipz.NewIdentity("consult-retry", "Retry malformed decisions"),
		consult,
		r.retries+1,
	)
	var force pipz.Chainable[*consultation] = pipz.Apply(
		pipz.NewIdentity("force-synthesis", "Fall back to synthesis"),
		func(_ context.Context, c *consultation) (*consultation, error) {
			c.forced = true
			return c, nil
		},
	)
	r.pipeline = pipz.NewFallback(r.identity, retry, force)
}

// Builder methods

// WithProvider sets the oracle provider for the router.
func (r *Router) WithProvider(p Provider) *Router {
	r.provider = p
	return r
}

// WithTemperature sets the oracle temperature.
func (r *Router) WithTemperature(temp float32) *Router {
	r.temperature = temp
	return r
}

// WithTimeout sets the per-call oracle deadline.
func (r *Router) WithTimeout(timeout time.Duration) *Router {
	if timeout > 0 {
		r.timeout = timeout
		r.build()
	}
	return r
}

// WithRetries sets how many times a malformed decision is retried.
func (r *Router) WithRetries(n int) *Router {
	if n < 0 {
		n = 0
	}
	r.retries = n
	r.build()
	return r
}

// Decide runs one research turn against the oracle and records the decision
// turn. The returned event selects the next state.
func (r *Router) Decide(ctx context.Context, s *Session, v Variant) (Event, error) {
	provider, err := ResolveProvider(ctx, r.provider)
	if err != nil {
		return "", fmt.Errorf("router: %w", err)
	}
	synapse, err := zyn.Extract[proposal]("the next research action as a list of actions", provider)
	if err != nil {
		return "", fmt.Errorf("router: failed to create extract synapse: %w", err)
	}

	c := &consultation{
		session: s,
		variant: v,
		fire: func(ctx context.Context, in zyn.ExtractionInput) (proposal, error) {
			return synapse.FireWithInput(ctx, zyn.NewSession(), in)
		},
	}
	s.quotaOverride = false
	_, _ = r.pipeline.Process(ctx, c)
	if err := ctx.Err(); err != nil {
		return "", err
	}

	if c.forced {
		reason := "oracle produced no usable decision"
		if c.err != nil {
			reason = c.err.Error()
		}
		if _, err := s.RecordTurn(Turn{
			Kind:     TurnOracleDecision,
			Content:  fmt.Sprintf("%s; forcing synthesis after %d attempts", reason, c.attempts),
			Finalize: true,
		}); err != nil {
			return "", err
		}
		return EventMalformed, nil
	}

	d := c.decision
	calls, repeats := d.dispatchable()

	var exhausted []string
	for _, name := range d.distinctNames() {
		if q, _ := s.Quota(name); q.Exhausted() {
			exhausted = append(exhausted, name)
		}
	}
	if len(exhausted) > 0 {
		if _, err := s.RecordTurn(Turn{
			Kind:       TurnOracleDecision,
			Content:    fmt.Sprintf("%s (overridden: quota exhausted for %s)", d.reasoning, strings.Join(exhausted, ", ")),
			Calls:      d.calls(),
			Overridden: true,
		}); err != nil {
			return "", err
		}
		s.quotaOverride = true
		for _, name := range exhausted {
			q, _ := s.Quota(name)
			capitan.Emit(ctx, RouterOverridden,
				FieldSessionID.Field(s.ID),
				FieldCapability.Field(name),
				FieldReason.Field("quota exhausted"),
				FieldQuotaUsed.Field(q.Used),
				FieldQuotaLimit.Field(q.Limit),
			)
		}
		return EventQuotaExhausted, nil
	}

	if len(calls) == 0 {
		if _, err := s.RecordTurn(Turn{
			Kind:     TurnOracleDecision,
			Content:  d.reasoning,
			Finalize: true,
		}); err != nil {
			return "", err
		}
		capitan.Emit(ctx, RouterDecided,
			FieldSessionID.Field(s.ID),
			FieldCallCount.Field(0),
			FieldReason.Field(d.reasoning),
			FieldProvider.Field(provider.Name()),
			FieldTemperature.Field(r.temperature),
		)
		return EventFinalize, nil
	}

	// Each capability runs at most once per turn. A finalize alongside
	// capability calls waits for the next turn.
	content := d.reasoning
	if len(repeats) > 0 {
		content += fmt.Sprintf(" (skipped %d repeated calls)", len(repeats))
	}
	if d.finalizes() {
		content += " (finalize deferred until the calls complete)"
	}
	turn, err := s.RecordTurn(Turn{
		Kind:    TurnOracleDecision,
		Content: strings.TrimSpace(content),
		Calls:   calls,
	})
	if err != nil {
		return "", err
	}
	s.pending = calls
	s.pendingSeq = turn.Seq

	capitan.Emit(ctx, RouterDecided,
		FieldSessionID.Field(s.ID),
		FieldCallCount.Field(len(calls)),
		FieldReason.Field(d.reasoning),
		FieldProvider.Field(provider.Name()),
		FieldTemperature.Field(r.temperature),
	)
	return EventDispatch, nil
}

// consult is one oracle attempt. Failures are recorded on the consultation
// and returned so the retry connector tries again.
func (r *Router) consult(ctx context.Context, c *consultation) (*consultation, error) {
	c.attempts++
	res, err := r.call.Process(ctx, &oracleCall[proposal]{
		input: zyn.ExtractionInput{
			Text:        researchPrompt(c.session, c.variant, r.registry),
			Temperature: r.temperature,
		},
		fire: c.fire,
	})
	if err != nil {
		reason := "oracle call failed"
		if errors.Is(err, context.DeadlineExceeded) {
			reason = "oracle call timed out"
		}
		return r.reject(ctx, c, malformed(reason, err))
	}

	d, err := parseProposal(res.response, r.registry, c.session)
	if err != nil {
		return r.reject(ctx, c, err)
	}
	c.decision = d
	c.err = nil
	return c, nil
}

func (r *Router) reject(ctx context.Context, c *consultation, err error) (*consultation, error) {
	c.err = err
	capitan.Error(ctx, RouterMalformed,
		FieldSessionID.Field(c.session.ID),
		FieldAttempt.Field(c.attempts),
		FieldError.Field(err),
	)
	return c, err
}

// Dispatch runs the calls accepted by the last decision, records one
// capability-result turn per call and consumes one quota unit per call.
// Pending calls name distinct capabilities. Failed calls are recorded and
// still consume quota.
func (r *Router) Dispatch(ctx context.Context, s *Session) (Event, error) {
	if len(s.pending) == 0 {
		return "", invariantf("dispatch with no pending calls")
	}
	calls := s.pending
	decisionSeq := s.pendingSeq

	for _, call := range calls {
		start := time.Now()
		out, capErr := r.dispatcher.Invoke(ctx, call)
		if err := ctx.Err(); err != nil {
			return "", err
		}

		turn := Turn{
			Kind:        TurnCapabilityResult,
			DecisionSeq: decisionSeq,
			Capability:  call.Name,
		}
		if capErr != nil {
			turn.Failed = true
			turn.ErrorKind = capErr.Kind
			turn.Content = capErr.Error()
			capitan.Error(ctx, CapabilityFailed,
				FieldSessionID.Field(s.ID),
				FieldCapability.Field(call.Name),
				FieldErrorKind.Field(string(capErr.Kind)),
				FieldDuration.Field(time.Since(start)),
				FieldError.Field(capErr),
			)
		} else {
			turn.Content = out.Content
			turn.Data = out.Data
			capitan.Emit(ctx, CapabilityDispatched,
				FieldSessionID.Field(s.ID),
				FieldCapability.Field(call.Name),
				FieldDuration.Field(time.Since(start)),
			)
		}
		if _, err := s.RecordTurn(turn); err != nil {
			return "", err
		}
	}

	for _, call := range calls {
		if err := s.IncrementQuota(call.Name); err != nil {
			return "", err
		}
	}
	s.pending = nil
	s.pendingSeq = 0
	return EventDispatched, nil
}
