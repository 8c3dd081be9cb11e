package scout

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/zoobzio/capitan"
	capitantesting "github.com/zoobzio/capitan/testing"
)

// getStringField extracts a string field value from a captured event.
func getStringField(event capitantesting.CapturedEvent, keyName string) string {
	for _, f := range event.Fields {
		if f.Key().Name() == keyName {
			if v, ok := f.Value().(string); ok {
				return v
			}
		}
	}
	return ""
}

// forSession keeps the captured events that belong to session id.
func forSession(events []capitantesting.CapturedEvent, id string) []capitantesting.CapturedEvent {
	var out []capitantesting.CapturedEvent
	for _, e := range events {
		if getStringField(e, FieldSessionID.Name()) == id {
			out = append(out, e)
		}
	}
	return out
}

func TestSessionLifecycleEvents(t *testing.T) {
	started := capitantesting.NewEventCapture()
	terminated := capitantesting.NewEventCapture()
	l1 := capitan.Hook(SessionStarted, started.Handler())
	l2 := capitan.Hook(SessionTerminated, terminated.Handler())
	defer l1.Close()
	defer l2.Close()

	oracle := newMockOracle().
		onResearch(finalizeJSON).
		onSynthesis(tokenReportJSON).
		onReview(approveJSON)
	v := testVariant(1, QuotaSpec{Name: "search", Limit: 1})
	wf := newTestWorkflow(t, v, oracle)
	s := newTestSession(t, v)
	if err := wf.Run(context.Background(), s); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if !terminated.WaitForCount(1, time.Second) {
		t.Fatal("expected SessionTerminated event")
	}
	started.WaitForCount(1, time.Second)

	if got := forSession(started.Events(), s.ID); len(got) != 1 {
		t.Fatalf("expected 1 started event, got %d", len(got))
	}
	got := forSession(terminated.Events(), s.ID)
	if len(got) != 1 {
		t.Fatalf("expected 1 terminated event, got %d", len(got))
	}
	if term := getStringField(got[0], FieldTermination.Name()); term != string(TerminationReviewerApproved) {
		t.Errorf("expected termination %q, got %q", TerminationReviewerApproved, term)
	}
	if variant := getStringField(got[0], FieldVariant.Name()); variant != "test_variant" {
		t.Errorf("expected variant test_variant, got %q", variant)
	}
}

func TestStateTransitionedEvents(t *testing.T) {
	type edge struct{ from, to, event string }

	var mu sync.Mutex
	var edges []edge
	var id string

	listener := capitan.Hook(StateTransitioned, func(_ context.Context, e *capitan.Event) {
		sid, _ := FieldSessionID.From(e)
		from, _ := FieldFromState.From(e)
		to, _ := FieldToState.From(e)
		ev, _ := FieldEvent.From(e)
		mu.Lock()
		if sid == id {
			edges = append(edges, edge{from, to, ev})
		}
		mu.Unlock()
	})
	defer listener.Close()

	oracle := newMockOracle().
		onResearch(finalizeJSON).
		onSynthesis(tokenReportJSON).
		onReview(approveJSON)
	v := testVariant(1, QuotaSpec{Name: "search", Limit: 1})
	wf := newTestWorkflow(t, v, oracle)
	s := newTestSession(t, v)
	mu.Lock()
	id = s.ID
	mu.Unlock()
	if err := wf.Run(context.Background(), s); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	want := []edge{
		{string(StateResearching), string(StateAwaitingSynthesis), string(EventFinalize)},
		{string(StateAwaitingSynthesis), string(StateSynthesizing), string(EventSynthesize)},
		{string(StateSynthesizing), string(StateReviewing), string(EventDrafted)},
		{string(StateReviewing), string(StateTerminated), string(EventApprove)},
	}

	deadline := time.Now().Add(time.Second)
	for {
		mu.Lock()
		n := len(edges)
		mu.Unlock()
		if n >= len(want) || time.Now().After(deadline) {
			break
		}
		time.Sleep(time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(edges) != len(want) {
		t.Fatalf("expected %d transitions, got %d: %v", len(want), len(edges), edges)
	}
	// Delivery is asynchronous, so compare as a set.
	seen := make(map[edge]bool, len(edges))
	for _, e := range edges {
		seen[e] = true
	}
	for _, w := range want {
		if !seen[w] {
			t.Errorf("missing transition %v", w)
		}
	}
}

func TestRouterOverriddenEvent(t *testing.T) {
	capture := capitantesting.NewEventCapture()
	listener := capitan.Hook(RouterOverridden, capture.Handler())
	defer listener.Close()

	oracle := newMockOracle().onResearch(callJSON("search", "x"))
	router := newTestRouter(oracle, newStub("search"))
	v := testVariant(1, QuotaSpec{Name: "search", Limit: 1})
	s := newTestSession(t, v)
	if err := s.IncrementQuota("search"); err != nil {
		t.Fatalf("increment failed: %v", err)
	}
	if _, err := router.Decide(context.Background(), s, v); err != nil {
		t.Fatalf("Decide failed: %v", err)
	}

	if !capture.WaitForCount(1, time.Second) {
		t.Fatal("expected RouterOverridden event")
	}
	events := forSession(capture.Events(), s.ID)
	if len(events) != 1 {
		t.Fatalf("expected 1 override event, got %d", len(events))
	}
	if name := getStringField(events[0], FieldCapability.Name()); name != "search" {
		t.Errorf("expected capability search, got %q", name)
	}
	if reason := getStringField(events[0], FieldReason.Name()); reason != "quota exhausted" {
		t.Errorf("expected reason %q, got %q", "quota exhausted", reason)
	}
}

func TestRouterDecidedCarriesReasoning(t *testing.T) {
	capture := capitantesting.NewEventCapture()
	listener := capitan.Hook(RouterDecided, capture.Handler())
	defer listener.Close()

	router := newTestRouter(newMockOracle().onResearch(finalizeJSON))
	v := testVariant(1, QuotaSpec{Name: "search", Limit: 1})
	s := newTestSession(t, v)
	if _, err := router.Decide(context.Background(), s, v); err != nil {
		t.Fatalf("Decide failed: %v", err)
	}

	if !capture.WaitForCount(1, time.Second) {
		t.Fatal("expected RouterDecided event")
	}
	events := forSession(capture.Events(), s.ID)
	if len(events) != 1 {
		t.Fatalf("expected 1 decision event, got %d", len(events))
	}
	if reason := getStringField(events[0], FieldReason.Name()); reason != "enough research" {
		t.Errorf("expected reason %q, got %q", "enough research", reason)
	}
}

func TestCapabilityFailedEvent(t *testing.T) {
	type failData struct {
		kind     string
		err      error
		severity capitan.Severity
	}

	var mu sync.Mutex
	var failed *failData

	listener := capitan.Hook(CapabilityFailed, func(_ context.Context, e *capitan.Event) {
		kind, _ := FieldErrorKind.From(e)
		capErr, _ := FieldError.From(e)
		mu.Lock()
		failed = &failData{kind: kind, err: capErr, severity: e.Severity()}
		mu.Unlock()
	})
	defer listener.Close()

	stub := newStub("search")
	stub.block = true
	oracle := newMockOracle().onResearch(callJSON("search", "x"))
	router := newTestRouter(oracle, stub)
	v := testVariant(1, QuotaSpec{Name: "search", Limit: 1})
	s := newTestSession(t, v)
	if _, err := router.Decide(context.Background(), s, v); err != nil {
		t.Fatalf("Decide failed: %v", err)
	}
	if _, err := router.Dispatch(context.Background(), s); err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for {
		mu.Lock()
		got := failed != nil
		mu.Unlock()
		if got || time.Now().After(deadline) {
			break
		}
		time.Sleep(time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	if failed == nil {
		t.Fatal("expected CapabilityFailed event")
	}
	if failed.kind != string(CapabilityTimeout) {
		t.Errorf("expected timeout kind, got %q", failed.kind)
	}
	if failed.err == nil {
		t.Error("expected error field to be present")
	}
	if failed.severity != capitan.SeverityError {
		t.Errorf("expected Error severity, got %v", failed.severity)
	}
}

func TestSynthesisFallbackEvent(t *testing.T) {
	capture := capitantesting.NewEventCapture()
	listener := capitan.Hook(SynthesisFallback, capture.Handler())
	defer listener.Close()

	oracle := newMockOracle().onSynthesis(`{}`)
	v := testVariant(1, QuotaSpec{Name: "search", Limit: 1})
	s := newTestSession(t, v)
	if _, err := NewSynthesizer().WithProvider(oracle).Draft(context.Background(), s, v); err != nil {
		t.Fatalf("Draft failed: %v", err)
	}

	if !capture.WaitForCount(1, time.Second) {
		t.Fatal("expected SynthesisFallback event")
	}
	events := forSession(capture.Events(), s.ID)
	if len(events) != 1 {
		t.Fatalf("expected 1 fallback event, got %d", len(events))
	}
	if shape := getStringField(events[0], FieldShape.Name()); shape != string(ShapeTokenReport) {
		t.Errorf("expected shape %q, got %q", ShapeTokenReport, shape)
	}
}

func TestReviewCompletedEvent(t *testing.T) {
	capture := capitantesting.NewEventCapture()
	listener := capitan.Hook(ReviewCompleted, capture.Handler())
	defer listener.Close()

	oracle := newMockOracle().onReview(reviseJSON("more"))
	v := testVariant(1, QuotaSpec{Name: "search", Limit: 1})
	s := draftedSession(t, v)
	if _, err := NewReviewer().WithProvider(oracle).Review(context.Background(), s, v); err != nil {
		t.Fatalf("Review failed: %v", err)
	}

	if !capture.WaitForCount(1, time.Second) {
		t.Fatal("expected ReviewCompleted event")
	}
	events := forSession(capture.Events(), s.ID)
	if len(events) != 1 {
		t.Fatalf("expected 1 review event, got %d", len(events))
	}
	if ev := getStringField(events[0], FieldEvent.Name()); ev != string(EventCapReached) {
		t.Errorf("expected event %q, got %q", EventCapReached, ev)
	}
}

func TestSignalsListsEverySignal(t *testing.T) {
	sigs := Signals()
	if len(sigs) != 16 {
		t.Fatalf("expected 16 signals, got %d", len(sigs))
	}
	names := make(map[string]bool, len(sigs))
	for _, sig := range sigs {
		if names[sig.Name()] {
			t.Errorf("duplicate signal %s", sig.Name())
		}
		names[sig.Name()] = true
	}
}
