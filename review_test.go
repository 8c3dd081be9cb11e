package scout

import (
	"context"
	"errors"
	"testing"
	"time"
)

func draftedSession(t *testing.T, v Variant) *Session {
	t.Helper()
	s := newTestSession(t, v)
	if err := s.SetDraft(fallbackArtifact(v.PrimaryShape(), "")); err != nil {
		t.Fatalf("set draft failed: %v", err)
	}
	return s
}

func TestReviewerOutcomes(t *testing.T) {
	tests := []struct {
		name         string
		verdict      string
		cap          int
		exhaust      bool
		overridden   bool
		want         Event
		wantFeedback string
	}{
		{"approve", approveJSON, 2, false, false, EventApprove, ""},
		{"approve is case insensitive", `{"decision": " Approve "}`, 2, false, false, EventApprove, ""},
		{"revise under cap", reviseJSON("need contract"), 2, false, false, EventRevise, "need contract"},
		{"revise at cap", reviseJSON("need contract"), 1, false, false, EventCapReached, "need contract"},
		{"revise with no quota", reviseJSON("need contract"), 2, true, false, EventBudgetSpent, "need contract"},
		{"no quota wins over cap", reviseJSON("x"), 1, true, false, EventBudgetSpent, "x"},
		{"approve after quota override", approveJSON, 2, true, true, EventBudgetSpent, ""},
		{"revise after quota override", reviseJSON("more"), 3, false, true, EventBudgetSpent, "more"},
		{"unknown verdict counts as revise", `{"decision": "maybe", "feedback": "hmm"}`, 2, false, false, EventRevise, ""},
		{"provider error counts as revise", "error: timeout", 2, false, false, EventRevise, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			oracle := newMockOracle().onReview(tt.verdict)
			v := testVariant(tt.cap, QuotaSpec{Name: "search", Limit: 1})
			s := draftedSession(t, v)
			if tt.exhaust {
				if err := s.IncrementQuota("search"); err != nil {
					t.Fatalf("increment failed: %v", err)
				}
			}
			s.quotaOverride = tt.overridden

			event, err := NewReviewer().WithProvider(oracle).Review(context.Background(), s, v)
			if err != nil {
				t.Fatalf("Review failed: %v", err)
			}
			if event != tt.want {
				t.Errorf("expected %s, got %s", tt.want, event)
			}
			if s.Iteration() != 1 {
				t.Errorf("expected iteration 1, got %d", s.Iteration())
			}
			if s.Feedback() != tt.wantFeedback {
				t.Errorf("expected feedback %q, got %q", tt.wantFeedback, s.Feedback())
			}
		})
	}
}

func TestReviewerRetriesFailures(t *testing.T) {
	oracle := newMockOracle().onReview("error: flaky", approveJSON)
	v := testVariant(2, QuotaSpec{Name: "search", Limit: 1})
	s := draftedSession(t, v)

	event, err := NewReviewer().WithProvider(oracle).Review(context.Background(), s, v)
	if err != nil {
		t.Fatalf("Review failed: %v", err)
	}
	if event != EventApprove {
		t.Errorf("expected retry to reach approve, got %s", event)
	}
	if got := oracle.count("review"); got != 2 {
		t.Errorf("expected 2 review calls, got %d", got)
	}
}

func TestReviewerRequiresDraft(t *testing.T) {
	v := testVariant(1, QuotaSpec{Name: "search", Limit: 1})
	s := newTestSession(t, v)
	_, err := NewReviewer().WithProvider(newMockOracle()).Review(context.Background(), s, v)
	if !errors.Is(err, ErrInvariantViolation) {
		t.Errorf("expected invariant violation, got %v", err)
	}
}

func TestReviewerPastCap(t *testing.T) {
	v := testVariant(1, QuotaSpec{Name: "search", Limit: 1})
	s := draftedSession(t, v)
	if _, err := s.AdvanceIteration(); err != nil {
		t.Fatalf("advance failed: %v", err)
	}
	_, err := NewReviewer().WithProvider(newMockOracle().onReview(approveJSON)).Review(context.Background(), s, v)
	if !errors.Is(err, ErrInvariantViolation) {
		t.Errorf("expected invariant violation past cap, got %v", err)
	}
}

func TestReviewerTimeoutCountsAsRevise(t *testing.T) {
	oracle := newMockOracle().onReview(approveJSON)
	oracle.delay = 200 * time.Millisecond
	v := testVariant(2, QuotaSpec{Name: "search", Limit: 1})
	s := draftedSession(t, v)

	start := time.Now()
	event, err := NewReviewer().WithProvider(oracle).WithTimeout(20*time.Millisecond).Review(context.Background(), s, v)
	if err != nil {
		t.Fatalf("Review failed: %v", err)
	}
	if event != EventRevise {
		t.Errorf("expected timed out review to count as revise, got %s", event)
	}
	if elapsed := time.Since(start); elapsed > 150*time.Millisecond {
		t.Errorf("expected both attempts to be cut at the deadline, took %v", elapsed)
	}
	if s.Feedback() != "" {
		t.Errorf("expected no feedback, got %q", s.Feedback())
	}
}

func TestReviewerWithRetries(t *testing.T) {
	oracle := newMockOracle().onReview("error: flaky", "error: flaky", approveJSON)
	v := testVariant(2, QuotaSpec{Name: "search", Limit: 1})
	s := draftedSession(t, v)

	event, err := NewReviewer().WithProvider(oracle).WithRetries(2).Review(context.Background(), s, v)
	if err != nil {
		t.Fatalf("Review failed: %v", err)
	}
	if event != EventApprove {
		t.Errorf("expected third attempt to approve, got %s", event)
	}
	if got := oracle.count("review"); got != 3 {
		t.Errorf("expected 3 review calls, got %d", got)
	}
}
