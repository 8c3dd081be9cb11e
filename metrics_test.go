package scout

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

// waitForValue polls a collector until it reaches want or a second passes.
func waitForValue(c prometheus.Collector, want float64) float64 {
	deadline := time.Now().Add(time.Second)
	for {
		got := testutil.ToFloat64(c)
		if got >= want || time.Now().After(deadline) {
			return got
		}
		time.Sleep(time.Millisecond)
	}
}

func TestMetricsFromSession(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := MustNewMetrics(reg)
	defer m.Close()

	oracle := newMockOracle().
		onResearch(callJSON("metrics_search", "x"), callJSON("metrics_search", "y")).
		onSynthesis(`{}`).
		onReview(reviseJSON("more"))
	v := testVariant(2, QuotaSpec{Name: "metrics_search", Limit: 1})
	v.Name = "metrics_variant"
	wf := newTestWorkflow(t, v, oracle)
	s, err := wf.NewSession([]string{"gm"}, nil)
	if err != nil {
		t.Fatalf("NewSession failed: %v", err)
	}
	if err := wf.Run(context.Background(), s); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if s.Termination() != TerminationQuotaExhausted {
		t.Fatalf("expected %s, got %s", TerminationQuotaExhausted, s.Termination())
	}

	terminated := m.sessions.WithLabelValues("metrics_variant", string(TerminationQuotaExhausted))
	if got := waitForValue(terminated, 1); got != 1 {
		t.Errorf("expected 1 terminated session, got %v", got)
	}
	if got := waitForValue(m.capabilities.WithLabelValues("metrics_search", "ok"), 1); got != 1 {
		t.Errorf("expected 1 ok capability call, got %v", got)
	}
	if got := waitForValue(m.overrides.WithLabelValues("metrics_search"), 1); got != 1 {
		t.Errorf("expected 1 override, got %v", got)
	}
	if got := waitForValue(m.fallbacks, 1); got < 1 {
		t.Errorf("expected a synthesis fallback, got %v", got)
	}
	if got := waitForValue(m.verdicts.WithLabelValues("revise"), 1); got < 1 {
		t.Errorf("expected a revise verdict, got %v", got)
	}
}

func TestMetricsRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := MustNewMetrics(reg)
	defer m.Close()

	defer func() {
		if recover() == nil {
			t.Error("expected duplicate registration to panic")
		}
	}()
	MustNewMetrics(reg)
}
