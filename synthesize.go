package scout

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/zoobzio/capitan"
	"github.com/zoobzio/pipz"
	"github.com/zoobzio/zyn"
)

// Synthesizer turns the gathered research into a draft artifact with one
// oracle call under the report envelope contract. An empty or ambiguous
// response is retried, then replaced by a fallback artifact so the session
// always has a draft to review.
type Synthesizer struct {
	identity    pipz.Identity
	provider    Provider
	temperature float32
	timeout     time.Duration
	retries     int
	call        *pipz.Timeout[*oracleCall[reportEnvelope]]
	pipeline    pipz.Chainable[*drafting]
}

// drafting is the value threaded through the synthesis pipeline.
type drafting struct {
	session  *Session
	variant  Variant
	fire     func(context.Context, zyn.ExtractionInput) (reportEnvelope, error)
	artifact *Artifact
	attempts int
	err      error
}

// NewSynthesizer creates a synthesis step with package defaults.
func NewSynthesizer() *Synthesizer {
	s := &Synthesizer{
		identity:    pipz.NewIdentity("synthesize", "Draft the report artifact"),
		temperature: DefaultTemperature,
		timeout:     DefaultOracleTimeout,
		retries:     DefaultSynthesisRetries,
	}
	s.build()
	return s
}

// build composes draft → retry → fallback artifact, with every oracle request
// under the synthesis timeout.
func (s *Synthesizer) build() {
	s.call = newOracleCall[reportEnvelope]("draft-call", s.timeout)
	var draft pipz.Chainable[*drafting] = pipz.Apply(
		pipz.NewIdentity("draft", "Ask the oracle for a report"),
		s.draft,
	)
	var retry pipz.Chainable[*drafting] = pipz.NewRetry(
		pipz.NewIdentity("draft-retry", "Retry empty or ambiguous reports"),
		draft,
		s.retries+1,
	)
	var fallback pipz.Chainable[*drafting] = pipz.Apply(
		pipz.NewIdentity("fallback-artifact", "Substitute a minimal report"),
		s.fallback,
	)
	s.pipeline = pipz.NewFallback(s.identity, retry, fallback)
}

// Builder methods

// WithProvider sets the oracle provider.
func (s *Synthesizer) WithProvider(p Provider) *Synthesizer {
	s.provider = p
	return s
}

// WithTemperature sets the oracle temperature.
func (s *Synthesizer) WithTemperature(temp float32) *Synthesizer {
	s.temperature = temp
	return s
}

// WithTimeout sets the per-call oracle deadline.
func (s *Synthesizer) WithTimeout(timeout time.Duration) *Synthesizer {
	if timeout > 0 {
		s.timeout = timeout
		s.build()
	}
	return s
}

// WithRetries sets how many times an empty or ambiguous artifact is retried.
func (s *Synthesizer) WithRetries(n int) *Synthesizer {
	if n < 0 {
		n = 0
	}
	s.retries = n
	s.build()
	return s
}

// Draft produces the session's draft artifact.
func (s *Synthesizer) Draft(ctx context.Context, sess *Session, v Variant) (Event, error) {
	provider, err := ResolveProvider(ctx, s.provider)
	if err != nil {
		return "", fmt.Errorf("synthesize: %w", err)
	}
	synapse, err := zyn.Extract[reportEnvelope]("exactly one structured report", provider)
	if err != nil {
		return "", fmt.Errorf("synthesize: failed to create extract synapse: %w", err)
	}

	start := time.Now()
	d := &drafting{
		session: sess,
		variant: v,
		fire: func(ctx context.Context, in zyn.ExtractionInput) (reportEnvelope, error) {
			return synapse.FireWithInput(ctx, zyn.NewSession(), in)
		},
	}
	_, _ = s.pipeline.Process(ctx, d)
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if d.artifact == nil {
		return "", invariantf("synthesis produced no artifact")
	}
	if err := sess.SetDraft(d.artifact); err != nil {
		return "", err
	}

	if !d.artifact.Fallback {
		capitan.Emit(ctx, SynthesisCompleted,
			FieldSessionID.Field(sess.ID),
			FieldShape.Field(string(d.artifact.Shape)),
			FieldAttempt.Field(d.attempts),
			FieldTemperature.Field(s.temperature),
			FieldDuration.Field(time.Since(start)),
		)
	}
	return EventDrafted, nil
}

func (s *Synthesizer) draft(ctx context.Context, d *drafting) (*drafting, error) {
	d.attempts++
	res, err := s.call.Process(ctx, &oracleCall[reportEnvelope]{
		input: zyn.ExtractionInput{
			Text:        synthesisPrompt(d.session, d.variant),
			Temperature: s.temperature,
		},
		fire: d.fire,
	})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return s.reject(ctx, d, fmt.Errorf("synthesis call timed out: %w", err))
		}
		return s.reject(ctx, d, fmt.Errorf("synthesis call failed: %w", err))
	}
	artifact, err := resolveArtifact(res.response, d.variant)
	if err != nil {
		return s.reject(ctx, d, err)
	}
	d.artifact = artifact
	d.err = nil
	return d, nil
}

func (s *Synthesizer) reject(ctx context.Context, d *drafting, err error) (*drafting, error) {
	d.err = err
	capitan.Error(ctx, SynthesisRejected,
		FieldSessionID.Field(d.session.ID),
		FieldAttempt.Field(d.attempts),
		FieldError.Field(err),
	)
	return d, err
}

func (s *Synthesizer) fallback(ctx context.Context, d *drafting) (*drafting, error) {
	reason := ""
	if d.err != nil {
		reason = d.err.Error()
	}
	d.artifact = fallbackArtifact(d.variant.PrimaryShape(), reason)

	err := d.err
	if err == nil {
		err = errors.New("synthesis did not produce an artifact")
	}
	capitan.Error(ctx, SynthesisFallback,
		FieldSessionID.Field(d.session.ID),
		FieldShape.Field(string(d.artifact.Shape)),
		FieldAttempt.Field(d.attempts),
		FieldError.Field(err),
	)
	return d, nil
}
