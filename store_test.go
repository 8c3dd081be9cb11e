package scout

import (
	"errors"
	"testing"
)

func TestNewCheckpoint(t *testing.T) {
	v := testVariant(1, QuotaSpec{Name: "search", Limit: 2})
	s := draftedSession(t, v)
	if err := s.IncrementQuota("search"); err != nil {
		t.Fatalf("increment failed: %v", err)
	}
	if _, err := s.AdvanceIteration(); err != nil {
		t.Fatalf("advance failed: %v", err)
	}
	if err := s.Terminate(TerminationIterationCap); err != nil {
		t.Fatalf("terminate failed: %v", err)
	}

	cp, err := NewCheckpoint(s)
	if err != nil {
		t.Fatalf("NewCheckpoint failed: %v", err)
	}
	if cp.SessionID != s.ID || cp.Variant != v.Name || cp.Termination != TerminationIterationCap {
		t.Errorf("unexpected checkpoint %+v", cp)
	}
	if cp.Iteration != 1 || cp.Artifact == nil || !cp.Artifact.Fallback {
		t.Errorf("expected iteration and draft on checkpoint, got %+v", cp)
	}
	if len(cp.Quotas) != 1 || cp.Quotas[0].Used != 1 {
		t.Errorf("expected quota usage on checkpoint, got %+v", cp.Quotas)
	}
	if len(cp.Transcript) != len(s.Transcript()) {
		t.Errorf("expected full transcript, got %d turns", len(cp.Transcript))
	}
	if cp.CreatedAt.IsZero() {
		t.Error("expected creation time")
	}
}

func TestNewCheckpointRejects(t *testing.T) {
	v := testVariant(1, QuotaSpec{Name: "search", Limit: 1})

	running := newTestSession(t, v)
	if _, err := NewCheckpoint(running); !errors.Is(err, ErrInvariantViolation) {
		t.Errorf("running: expected invariant violation, got %v", err)
	}

	cancelled := newTestSession(t, v)
	if err := cancelled.Terminate(TerminationCancelled); err != nil {
		t.Fatalf("terminate failed: %v", err)
	}
	if _, err := NewCheckpoint(cancelled); !errors.Is(err, ErrInvariantViolation) {
		t.Errorf("cancelled: expected invariant violation, got %v", err)
	}
}
