package scout

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/zoobzio/zyn"
)

// mockOracle implements Provider, answering each phase from its own script.
// The last response of a script repeats once the script runs out.
type mockOracle struct {
	mu        sync.Mutex
	research  []string
	synthesis []string
	review    []string
	calls     map[string]int
	prompts   []string
	delay     time.Duration
}

func newMockOracle() *mockOracle {
	return &mockOracle{calls: make(map[string]int)}
}

func (m *mockOracle) onResearch(r ...string) *mockOracle  { m.research = r; return m }
func (m *mockOracle) onSynthesis(r ...string) *mockOracle { m.synthesis = r; return m }
func (m *mockOracle) onReview(r ...string) *mockOracle    { m.review = r; return m }

func (m *mockOracle) Call(ctx context.Context, messages []zyn.Message, _ float32) (*zyn.ProviderResponse, error) {
	if len(messages) == 0 {
		return nil, errors.New("no messages provided")
	}
	prompt := messages[len(messages)-1].Content

	if m.delay > 0 {
		select {
		case <-time.After(m.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.prompts = append(m.prompts, prompt)

	var phase string
	var script []string
	switch {
	case strings.Contains(prompt, MarkerReview):
		phase, script = "review", m.review
	case strings.Contains(prompt, MarkerSynthesis):
		phase, script = "synthesis", m.synthesis
	case strings.Contains(prompt, MarkerResearch):
		phase, script = "research", m.research
	default:
		return nil, errors.New("prompt has no phase marker")
	}
	if len(script) == 0 {
		return nil, fmt.Errorf("no script for %s", phase)
	}
	n := m.calls[phase]
	m.calls[phase] = n + 1
	if n >= len(script) {
		n = len(script) - 1
	}
	if msg, ok := strings.CutPrefix(script[n], "error: "); ok {
		return nil, errors.New(msg)
	}
	return &zyn.ProviderResponse{
		Content: script[n],
		Usage:   zyn.TokenUsage{Prompt: 10, Completion: 10, Total: 20},
	}, nil
}

func (m *mockOracle) Name() string {
	return "mock"
}

func (m *mockOracle) count(phase string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[phase]
}

func (m *mockOracle) lastPrompt() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.prompts) == 0 {
		return ""
	}
	return m.prompts[len(m.prompts)-1]
}

// stubCapability returns a fixed output and counts calls.
type stubCapability struct {
	name   string
	params []Parameter
	out    Output
	err    error
	block  bool
	panics bool

	mu    sync.Mutex
	calls int
}

func newStub(name string) *stubCapability {
	return &stubCapability{
		name: name,
		params: []Parameter{{
			Name:        "query",
			Description: "What to look up",
			Type:        TypeString,
			Required:    true,
		}},
		out: Output{Content: name + " result"},
	}
}

func (c *stubCapability) Name() string            { return c.name }
func (c *stubCapability) Description() string     { return "stub " + c.name }
func (c *stubCapability) Parameters() []Parameter { return c.params }

func (c *stubCapability) Invoke(ctx context.Context, _ Args) (Output, error) {
	c.mu.Lock()
	c.calls++
	c.mu.Unlock()
	if c.panics {
		panic("stub exploded")
	}
	if c.block {
		<-ctx.Done()
		return Output{}, ctx.Err()
	}
	if c.err != nil {
		return Output{}, c.err
	}
	return c.out, nil
}

func (c *stubCapability) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

// Canned oracle responses.
const (
	finalizeJSON = `{"actions": [{"name": "finalize"}], "reasoning": "enough research"}`

	tokenReportJSON = `{"token_report": {
		"mentions_purchasable_token": true,
		"token_symbol": "CLANKER",
		"token_chain": "Base",
		"token_address": "0x1bc0c42215582d5a085795f4badbac3ff36d1bcb",
		"is_listed_on_dex": true,
		"trading_pairs": ["CLANKER/WETH"],
		"confidence_score": 8,
		"reasoning": "The post names CLANKER and it trades on Base."
	}}`

	alphaReportJSON = `{"alpha_report": {
		"is_relevant": true,
		"opportunities": [{
			"name": "CLANKER",
			"chain": "Base",
			"contract_address": "0x1bc0c42215582d5a085795f4badbac3ff36d1bcb",
			"market_cap": 42000000,
			"community_score": 7,
			"safety_score": 6,
			"justification": "Active community and DEX liquidity.",
			"sources": ["https://example.com/clanker"]
		}],
		"analysis": "One credible opportunity on Base."
	}}`

	approveJSON = `{"decision": "approve", "feedback": ""}`
)

func callJSON(name, query string) string {
	return fmt.Sprintf(`{"actions": [{"name": %q, "arguments": {"query": %q}}], "reasoning": "look up %s"}`, name, query, query)
}

func reviseJSON(feedback string) string {
	return fmt.Sprintf(`{"decision": "revise", "feedback": %q}`, feedback)
}

// testVariant builds a token_report variant with the given quotas and cap.
func testVariant(iterationCap int, quotas ...QuotaSpec) Variant {
	return Variant{
		Name:         "test_variant",
		Quotas:       quotas,
		IterationCap: iterationCap,
		Shapes:       []Shape{ShapeTokenReport},
	}
}

func newTestSession(t *testing.T, v Variant) *Session {
	t.Helper()
	s, err := NewSession(v, []string{"Just aped into $CLANKER on Base"}, nil)
	if err != nil {
		t.Fatalf("failed to create session: %v", err)
	}
	return s
}

// newTestWorkflow wires a workflow over stubs for every quota of v.
func newTestWorkflow(t *testing.T, v Variant, oracle Provider, caps ...Capability) *Workflow {
	t.Helper()
	registry := NewRegistry(caps...)
	for _, q := range v.Quotas {
		if _, ok := registry.Lookup(q.Name); !ok {
			if err := registry.Register(newStub(q.Name)); err != nil {
				t.Fatalf("failed to register stub: %v", err)
			}
		}
	}
	router := NewRouter(registry, NewDispatcher(registry).WithTimeout(time.Second)).WithProvider(oracle)
	synth := NewSynthesizer().WithProvider(oracle)
	reviewer := NewReviewer().WithProvider(oracle)
	wf, err := NewWorkflow(v, router, synth, reviewer)
	if err != nil {
		t.Fatalf("failed to create workflow: %v", err)
	}
	return wf
}
