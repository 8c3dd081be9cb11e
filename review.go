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

// Verdicts a reviewer may return.
const (
	VerdictApprove = "approve"
	VerdictRevise  = "revise"
)

// verdict is the structured response requested from the reviewer.
type verdict struct {
	Decision string `json:"decision"`
	Feedback string `json:"feedback"`
}

// Validate implements zyn.Validator. Unknown decisions are handled by the
// reviewer so they can be retried with a reason.
func (v verdict) Validate() error {
	return nil
}

// Reviewer critiques the draft and either ends the session or sends it back
// to research. The iteration counter is advanced before the oracle is asked,
// and the core, not the oracle, enforces the cap.
//
// Outcomes for a pass:
//   - research ended in a quota override: terminate as quota-exhausted
//   - revise with no capability quota left: terminate as quota-exhausted
//   - approve: terminate as reviewer-approved
//   - revise at the iteration cap: terminate as iteration-cap-reached
//   - revise otherwise: store feedback and return to research
//
// A reviewer that keeps failing counts as revise with no feedback.
type Reviewer struct {
	identity    pipz.Identity
	provider    Provider
	temperature float32
	timeout     time.Duration
	retries     int
	call        *pipz.Timeout[*oracleCall[verdict]]
	pipeline    pipz.Chainable[*reviewing]
}

// reviewing is the value threaded through the review pipeline.
type reviewing struct {
	prompt    string
	fire      func(context.Context, zyn.ExtractionInput) (verdict, error)
	verdict   verdict
	attempts  int
	err       error
	defaulted bool
}

// NewReviewer creates a reviewer with package defaults.
func NewReviewer() *Reviewer {
	r := &Reviewer{
		identity:    pipz.NewIdentity("review", "Review the draft artifact"),
		temperature: DefaultReviewTemperature,
		timeout:     DefaultOracleTimeout,
		retries:     DefaultOracleRetries,
	}
	r.build()
	return r
}

// build composes ask → retry → default to revise.
func (r *Reviewer) build() {
	r.call = newOracleCall[verdict]("review-call", r.timeout)
	var ask pipz.Chainable[*reviewing] = pipz.Apply(
		pipz.NewIdentity("ask", "Ask the oracle for a verdict"),
		r.ask,
	)
	var retry pipz.Chainable[*reviewing] = pipz.NewRetry(
		pipz.NewIdentity("review-retry", "Retry failed review calls"),
		ask,
		r.retries+1,
	)
	var revise pipz.Chainable[*reviewing] = pipz.Apply(
		pipz.NewIdentity("default-revise", "Treat an unusable review as revise"),
		func(_ context.Context, rv *reviewing) (*reviewing, error) {
			rv.verdict = verdict{Decision: VerdictRevise}
			rv.defaulted = true
			return rv, nil
		},
	)
	r.pipeline = pipz.NewFallback(r.identity, retry, revise)
}

// Builder methods

// WithProvider sets the oracle provider.
func (r *Reviewer) WithProvider(p Provider) *Reviewer {
	r.provider = p
	return r
}

// WithTemperature sets the oracle temperature.
func (r *Reviewer) WithTemperature(temp float32) *Reviewer {
	r.temperature = temp
	return r
}

// WithTimeout sets the per-call oracle deadline.
func (r *Reviewer) WithTimeout(timeout time.Duration) *Reviewer {
	if timeout > 0 {
		r.timeout = timeout
		r.build()
	}
	return r
}

// WithRetries sets how many times a failed review call is retried.
func (r *Reviewer) WithRetries(n int) *Reviewer {
	if n < 0 {
		n = 0
	}
	r.retries = n
	r.build()
	return r
}

// Review runs one review pass.
func (r *Reviewer) Review(ctx context.Context, s *Session, v Variant) (Event, error) {
	if s.Draft() == nil {
		return "", invariantf("review without a draft")
	}
	iteration, err := s.AdvanceIteration()
	if err != nil {
		return "", err
	}

	provider, err := ResolveProvider(ctx, r.provider)
	if err != nil {
		return "", fmt.Errorf("review: %w", err)
	}
	synapse, err := zyn.Extract[verdict]("a review verdict (approve or revise) with feedback", provider)
	if err != nil {
		return "", fmt.Errorf("review: failed to create extract synapse: %w", err)
	}

	rv := &reviewing{
		prompt: reviewPrompt(s, v),
		fire: func(ctx context.Context, in zyn.ExtractionInput) (verdict, error) {
			return synapse.FireWithInput(ctx, zyn.NewSession(), in)
		},
	}
	_, _ = r.pipeline.Process(ctx, rv)
	if err := ctx.Err(); err != nil {
		return "", err
	}

	revise := rv.verdict.Decision != VerdictApprove
	if revise {
		if err := s.SetFeedback(rv.verdict.Feedback); err != nil {
			return "", err
		}
	}
	var event Event
	switch {
	case s.QuotaOverridden(), revise && s.AllExhausted():
		event = EventBudgetSpent
	case !revise:
		event = EventApprove
	case iteration >= s.IterationCap():
		event = EventCapReached
	default:
		event = EventRevise
	}

	fields := []capitan.Field{
		FieldSessionID.Field(s.ID),
		FieldIteration.Field(iteration),
		FieldVerdict.Field(rv.verdict.Decision),
		FieldEvent.Field(string(event)),
		FieldAttempt.Field(rv.attempts),
		FieldTemperature.Field(r.temperature),
	}
	if rv.defaulted {
		capitan.Error(ctx, ReviewCompleted, append(fields, FieldError.Field(rv.err))...)
		return event, nil
	}
	capitan.Emit(ctx, ReviewCompleted, fields...)
	return event, nil
}

// ask is one review attempt. It normalizes the verdict and rejects anything
// other than approve or revise so the retry connector tries again.
func (r *Reviewer) ask(ctx context.Context, rv *reviewing) (*reviewing, error) {
	rv.attempts++
	res, err := r.call.Process(ctx, &oracleCall[verdict]{
		input: zyn.ExtractionInput{
			Text:        rv.prompt,
			Temperature: r.temperature,
		},
		fire: rv.fire,
	})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			rv.err = fmt.Errorf("review call timed out: %w", err)
		} else {
			rv.err = fmt.Errorf("review call failed: %w", err)
		}
		return rv, rv.err
	}

	v := res.response
	v.Decision = strings.ToLower(strings.TrimSpace(v.Decision))
	switch v.Decision {
	case VerdictApprove, VerdictRevise:
		rv.verdict = v
		rv.err = nil
		return rv, nil
	default:
		rv.err = fmt.Errorf("unknown review decision %q", v.Decision)
		return rv, rv.err
	}
}
