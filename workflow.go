package scout

import (
	"context"
	"errors"
	"time"

	"github.com/zoobzio/capitan"
)

// Workflow drives a session through the transition table until it
// terminates. One Workflow may run many sessions concurrently; each session
// is touched only by the goroutine running it.
type Workflow struct {
	variant     Variant
	router      *Router
	synthesizer *Synthesizer
	reviewer    *Reviewer
}

// NewWorkflow assembles a workflow for the variant from its components.
func NewWorkflow(variant Variant, router *Router, synthesizer *Synthesizer, reviewer *Reviewer) (*Workflow, error) {
	if err := variant.Validate(); err != nil {
		return nil, err
	}
	if router == nil || synthesizer == nil || reviewer == nil {
		return nil, errors.New("workflow requires a router, synthesizer and reviewer")
	}
	for _, q := range variant.Quotas {
		if _, ok := router.registry.Lookup(q.Name); !ok {
			return nil, errors.New("variant " + variant.Name + " uses unregistered capability " + q.Name)
		}
	}
	return &Workflow{
		variant:     variant,
		router:      router,
		synthesizer: synthesizer,
		reviewer:    reviewer,
	}, nil
}

// Variant returns the workflow's variant.
func (w *Workflow) Variant() Variant {
	return w.variant
}

// NewSession creates a session for this workflow's variant.
func (w *Workflow) NewSession(messages []string, context map[string]any) (*Session, error) {
	return NewSession(w.variant, messages, context)
}

// Run drives s to termination. Cancellation of ctx at any step terminates
// the session as cancelled and returns nil. A non-nil error means the session
// was aborted; it wraps ErrInvariantViolation for logic faults.
func (w *Workflow) Run(ctx context.Context, s *Session) error {
	if s.termination != "" {
		return invariantf("run on terminated session %s", s.ID)
	}
	if s.Variant != w.variant.Name {
		return invariantf("session variant %s does not match workflow variant %s", s.Variant, w.variant.Name)
	}
	start := time.Now()
	maxSteps := w.variant.MaxSteps()

	capitan.Emit(ctx, SessionStarted,
		FieldSessionID.Field(s.ID),
		FieldVariant.Field(s.Variant),
		FieldTurnCount.Field(len(s.transcript)),
	)

	for !s.state.IsTerminal() {
		if ctx.Err() != nil {
			return w.cancel(ctx, s, start)
		}
		if s.steps >= maxSteps {
			return w.abort(ctx, s, start, invariantf("step bound %d exceeded in state %s", maxSteps, s.state))
		}

		event, err := w.step(ctx, s)
		if ctx.Err() != nil {
			return w.cancel(ctx, s, start)
		}
		if err != nil {
			return w.abort(ctx, s, start, err)
		}
		if err := w.apply(ctx, s, event); err != nil {
			return w.abort(ctx, s, start, err)
		}
	}

	capitan.Emit(ctx, SessionTerminated,
		FieldSessionID.Field(s.ID),
		FieldVariant.Field(s.Variant),
		FieldTermination.Field(string(s.termination)),
		FieldIteration.Field(s.iteration),
		FieldSteps.Field(s.steps),
		FieldDuration.Field(time.Since(start)),
	)
	return nil
}

// step performs the work of the current state and returns the resulting event.
func (w *Workflow) step(ctx context.Context, s *Session) (Event, error) {
	switch s.state {
	case StateResearching:
		return w.router.Decide(ctx, s, w.variant)
	case StateDispatchingCapability:
		return w.router.Dispatch(ctx, s)
	case StateAwaitingSynthesis:
		return EventSynthesize, nil
	case StateSynthesizing:
		return w.synthesizer.Draft(ctx, s, w.variant)
	case StateReviewing:
		return w.reviewer.Review(ctx, s, w.variant)
	default:
		return "", invariantf("no step for state %s", s.state)
	}
}

// apply moves s along the edge for event and terminates it on a terminal edge.
func (w *Workflow) apply(ctx context.Context, s *Session, event Event) error {
	from := s.state
	to, err := s.transition(event)
	if err != nil {
		return err
	}
	s.steps++
	capitan.Emit(ctx, StateTransitioned,
		FieldSessionID.Field(s.ID),
		FieldFromState.Field(string(from)),
		FieldToState.Field(string(to)),
		FieldEvent.Field(string(event)),
	)
	if !to.IsTerminal() {
		return nil
	}
	reason, err := terminationFor(event)
	if err != nil {
		return err
	}
	return s.Terminate(reason)
}

func (w *Workflow) cancel(ctx context.Context, s *Session, start time.Time) error {
	if s.termination != "" {
		return nil
	}
	if _, err := s.transition(EventCancel); err != nil {
		return w.abort(ctx, s, start, err)
	}
	if err := s.Terminate(TerminationCancelled); err != nil {
		return w.abort(ctx, s, start, err)
	}
	capitan.Emit(context.WithoutCancel(ctx), SessionTerminated,
		FieldSessionID.Field(s.ID),
		FieldVariant.Field(s.Variant),
		FieldTermination.Field(string(s.termination)),
		FieldIteration.Field(s.iteration),
		FieldSteps.Field(s.steps),
		FieldDuration.Field(time.Since(start)),
	)
	return nil
}

func (w *Workflow) abort(ctx context.Context, s *Session, start time.Time, err error) error {
	capitan.Error(context.WithoutCancel(ctx), SessionAborted,
		FieldSessionID.Field(s.ID),
		FieldVariant.Field(s.Variant),
		FieldSteps.Field(s.steps),
		FieldDuration.Field(time.Since(start)),
		FieldError.Field(err),
	)
	return err
}
