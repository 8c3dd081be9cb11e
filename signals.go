package scout

import "github.com/zoobzio/capitan"

// Signal definitions for scout session events.
// Signals follow the pattern: scout.<entity>.<event>.
var (
	// Session lifecycle signals.
	SessionStarted = capitan.NewSignal(
		"scout.session.started",
		"Session created with variant quotas and initial messages",
	)
	SessionTerminated = capitan.NewSignal(
		"scout.session.terminated",
		"Session reached a termination reason",
	)
	SessionAborted = capitan.NewSignal(
		"scout.session.aborted",
		"Session aborted on an invariant violation",
	)
	StateTransitioned = capitan.NewSignal(
		"scout.state.transitioned",
		"Session moved along the transition table",
	)

	// Router signals.
	RouterDecided = capitan.NewSignal(
		"scout.router.decided",
		"Oracle proposal accepted as a decision",
	)
	RouterMalformed = capitan.NewSignal(
		"scout.router.malformed",
		"Oracle proposal rejected as malformed",
	)
	RouterOverridden = capitan.NewSignal(
		"scout.router.overridden",
		"Proposal named an exhausted capability and synthesis was forced",
	)

	// Capability signals.
	CapabilityDispatched = capitan.NewSignal(
		"scout.capability.dispatched",
		"Capability call completed",
	)
	CapabilityFailed = capitan.NewSignal(
		"scout.capability.failed",
		"Capability call failed and was recorded as a failed attempt",
	)

	// Synthesis signals.
	SynthesisCompleted = capitan.NewSignal(
		"scout.synthesis.completed",
		"Draft artifact produced",
	)
	SynthesisRejected = capitan.NewSignal(
		"scout.synthesis.rejected",
		"Synthesis response did not fill exactly one report shape",
	)
	SynthesisFallback = capitan.NewSignal(
		"scout.synthesis.fallback",
		"Fallback artifact substituted after synthesis retries",
	)

	// Review signals.
	ReviewCompleted = capitan.NewSignal(
		"scout.review.completed",
		"Review pass finished with a verdict",
	)

	// Checkpoint signals.
	CheckpointSaved = capitan.NewSignal(
		"scout.checkpoint.saved",
		"Terminal checkpoint written",
	)
	CheckpointDuplicate = capitan.NewSignal(
		"scout.checkpoint.duplicate",
		"Checkpoint already present for session, write skipped",
	)
	CheckpointFailed = capitan.NewSignal(
		"scout.checkpoint.failed",
		"Checkpoint write failed",
	)
)

// Field keys for scout event data.
var (
	// Session metadata.
	FieldSessionID   = capitan.NewStringKey("session_id")
	FieldVariant     = capitan.NewStringKey("variant")
	FieldTermination = capitan.NewStringKey("termination")
	FieldIteration   = capitan.NewIntKey("iteration")
	FieldSteps       = capitan.NewIntKey("steps")
	FieldTurnCount   = capitan.NewIntKey("turn_count")

	// Transitions.
	FieldFromState = capitan.NewStringKey("from_state")
	FieldToState   = capitan.NewStringKey("to_state")
	FieldEvent     = capitan.NewStringKey("event")

	// Decisions and capabilities.
	FieldCapability = capitan.NewStringKey("capability")
	FieldCallCount  = capitan.NewIntKey("call_count")
	FieldReason     = capitan.NewStringKey("reason")
	FieldErrorKind  = capitan.NewStringKey("error_kind") // timeout, upstream, invalid-args
	FieldQuotaUsed  = capitan.NewIntKey("quota_used")
	FieldQuotaLimit = capitan.NewIntKey("quota_limit")

	// Synthesis and review.
	FieldShape   = capitan.NewStringKey("shape") // alpha_report, token_report
	FieldVerdict = capitan.NewStringKey("verdict")
	FieldAttempt = capitan.NewIntKey("attempt")

	// Oracle.
	FieldProvider    = capitan.NewStringKey("provider")
	FieldTemperature = capitan.NewFloat32Key("temperature")

	// Timing.
	FieldDuration = capitan.NewDurationKey("duration")

	// Error information.
	FieldError = capitan.NewErrorKey("error")
)
