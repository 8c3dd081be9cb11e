// Package scouttest provides test utilities for scout.
package scouttest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/zoobzio/scout"
	"github.com/zoobzio/zyn"
)

// MockStore implements scout.Store in memory, keyed by session id.
type MockStore struct {
	checkpoints map[string]*scout.Checkpoint
	writes      int
	err         error
	mu          sync.RWMutex
}

// NewMockStore creates a new in-memory mock for scout.Store.
func NewMockStore() *MockStore {
	return &MockStore{
		checkpoints: make(map[string]*scout.Checkpoint),
	}
}

// FailWith makes every subsequent save return err. Pass nil to recover.
func (m *MockStore) FailWith(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

// SaveCheckpoint stores cp unless its session already has a checkpoint.
func (m *MockStore) SaveCheckpoint(_ context.Context, cp *scout.Checkpoint) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.err != nil {
		return false, m.err
	}
	if _, ok := m.checkpoints[cp.SessionID]; ok {
		return false, nil
	}
	m.checkpoints[cp.SessionID] = cp
	m.writes++
	return true, nil
}

// GetCheckpoint loads the checkpoint for a session.
func (m *MockStore) GetCheckpoint(_ context.Context, sessionID string) (*scout.Checkpoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	cp, ok := m.checkpoints[sessionID]
	if !ok {
		return nil, fmt.Errorf("session %s: %w", sessionID, scout.ErrCheckpointNotFound)
	}
	return cp, nil
}

// Len returns the number of stored checkpoints.
func (m *MockStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.checkpoints)
}

// Writes returns how many saves actually wrote a checkpoint.
func (m *MockStore) Writes() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.writes
}

// Verify MockStore implements scout.Store.
var _ scout.Store = (*MockStore)(nil)

// Phase identifies which oracle call a prompt belongs to.
type Phase string

// Oracle phases.
const (
	PhaseResearch  Phase = "research"
	PhaseSynthesis Phase = "synthesis"
	PhaseReview    Phase = "review"
)

// PhaseOf classifies an oracle prompt by its phase marker.
func PhaseOf(prompt string) (Phase, bool) {
	switch {
	case strings.Contains(prompt, scout.MarkerReview):
		return PhaseReview, true
	case strings.Contains(prompt, scout.MarkerSynthesis):
		return PhaseSynthesis, true
	case strings.Contains(prompt, scout.MarkerResearch):
		return PhaseResearch, true
	default:
		return "", false
	}
}

// ScriptedProvider answers oracle calls from per-phase scripts. Each phase
// replays its responses in order and repeats the last one once exhausted.
// A response of the form "error: ..." is returned as a provider error.
type ScriptedProvider struct {
	mu      sync.Mutex
	scripts map[Phase][]string
	calls   map[Phase]int
	prompts []string
}

// NewScriptedProvider creates a provider with empty scripts.
func NewScriptedProvider() *ScriptedProvider {
	return &ScriptedProvider{
		scripts: make(map[Phase][]string),
		calls:   make(map[Phase]int),
	}
}

// On sets the responses for a phase.
func (p *ScriptedProvider) On(phase Phase, responses ...string) *ScriptedProvider {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.scripts[phase] = responses
	return p
}

// Call implements scout.Provider.
func (p *ScriptedProvider) Call(_ context.Context, messages []zyn.Message, _ float32) (*zyn.ProviderResponse, error) {
	if len(messages) == 0 {
		return nil, errors.New("no messages provided")
	}
	prompt := messages[len(messages)-1].Content

	p.mu.Lock()
	defer p.mu.Unlock()

	p.prompts = append(p.prompts, prompt)
	phase, ok := PhaseOf(prompt)
	if !ok {
		return nil, errors.New("scripted provider: prompt has no phase marker")
	}
	script := p.scripts[phase]
	if len(script) == 0 {
		return nil, fmt.Errorf("scripted provider: no script for %s", phase)
	}
	n := p.calls[phase]
	p.calls[phase] = n + 1
	if n >= len(script) {
		n = len(script) - 1
	}

	resp := script[n]
	if msg, isErr := strings.CutPrefix(resp, "error: "); isErr {
		return nil, errors.New(msg)
	}
	return &zyn.ProviderResponse{
		Content: resp,
		Usage: zyn.TokenUsage{
			Prompt:     len(prompt) / 4,
			Completion: len(resp) / 4,
			Total:      (len(prompt) + len(resp)) / 4,
		},
	}, nil
}

// Name implements scout.Provider.
func (p *ScriptedProvider) Name() string {
	return "scripted"
}

// Calls returns how many calls a phase received.
func (p *ScriptedProvider) Calls(phase Phase) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls[phase]
}

// Prompts returns every prompt received, in order.
func (p *ScriptedProvider) Prompts() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.prompts))
	copy(out, p.prompts)
	return out
}

var _ scout.Provider = (*ScriptedProvider)(nil)

// StubCapability is a capability that returns a fixed output or error and
// counts its invocations.
type StubCapability struct {
	name   string
	params []scout.Parameter
	output scout.Output
	err    error
	block  bool

	mu    sync.Mutex
	calls []scout.Args
}

// NewStubCapability creates a stub taking one required string argument, query.
func NewStubCapability(name, content string) *StubCapability {
	return &StubCapability{
		name: name,
		params: []scout.Parameter{{
			Name:        "query",
			Description: "What to look up",
			Type:        scout.TypeString,
			Required:    true,
		}},
		output: scout.Output{Content: content},
	}
}

// WithParameters replaces the stub's parameters.
func (c *StubCapability) WithParameters(params ...scout.Parameter) *StubCapability {
	c.params = params
	return c
}

// WithError makes every invocation fail with err.
func (c *StubCapability) WithError(err error) *StubCapability {
	c.err = err
	return c
}

// Blocking makes every invocation wait until its context is done.
func (c *StubCapability) Blocking() *StubCapability {
	c.block = true
	return c
}

// Name implements scout.Capability.
func (c *StubCapability) Name() string { return c.name }

// Description implements scout.Capability.
func (c *StubCapability) Description() string { return "stub " + c.name }

// Parameters implements scout.Capability.
func (c *StubCapability) Parameters() []scout.Parameter { return c.params }

// Invoke implements scout.Capability.
func (c *StubCapability) Invoke(ctx context.Context, args scout.Args) (scout.Output, error) {
	c.mu.Lock()
	c.calls = append(c.calls, args)
	c.mu.Unlock()

	if c.block {
		<-ctx.Done()
		return scout.Output{}, ctx.Err()
	}
	if c.err != nil {
		return scout.Output{}, c.err
	}
	return c.output, nil
}

// Calls returns how many times the stub was invoked.
func (c *StubCapability) Calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.calls)
}

var _ scout.Capability = (*StubCapability)(nil)

// Proposal builds a research response calling name with a query argument.
func Proposal(name, query string) string {
	return fmt.Sprintf(`{"actions": [{"name": %q, "arguments": {"query": %q}}], "reasoning": "look up %s"}`, name, query, query)
}

// FinalizeProposal is a research response that ends research.
const FinalizeProposal = `{"actions": [{"name": "finalize"}], "reasoning": "enough research"}`

// Verdict builds a review response.
func Verdict(decision, feedback string) string {
	return fmt.Sprintf(`{"decision": %q, "feedback": %q}`, decision, feedback)
}

// TokenReport is a valid token_report synthesis response.
const TokenReport = `{"token_report": {
	"mentions_purchasable_token": true,
	"token_symbol": "CLANKER",
	"token_chain": "Base",
	"token_address": "0x1bc0c42215582d5a085795f4badbac3ff36d1bcb",
	"is_listed_on_dex": true,
	"trading_pairs": ["CLANKER/WETH"],
	"confidence_score": 8,
	"reasoning": "The post names CLANKER and it trades on Base."
}}`

// AlphaReport is a valid alpha_report synthesis response.
const AlphaReport = `{"alpha_report": {
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

// NewTestSession creates a session for variant with one user message.
func NewTestSession(t *testing.T, variant scout.Variant, message string) *scout.Session {
	t.Helper()
	s, err := scout.NewSession(variant, []string{message}, nil)
	if err != nil {
		t.Fatalf("failed to create test session: %v", err)
	}
	return s
}

// RequireTermination asserts the session terminated with reason.
func RequireTermination(t *testing.T, s *scout.Session, reason scout.TerminationReason) {
	t.Helper()
	if s.State() != scout.StateTerminated {
		t.Fatalf("expected terminated session, got state %s", s.State())
	}
	if s.Termination() != reason {
		t.Fatalf("expected termination %q, got %q", reason, s.Termination())
	}
}

// RequireQuotaSafe asserts no quota is over its limit.
func RequireQuotaSafe(t *testing.T, s *scout.Session) {
	t.Helper()
	for _, q := range s.Quotas() {
		if q.Used > q.Limit {
			t.Fatalf("quota %s over limit: used %d of %d", q.Name, q.Used, q.Limit)
		}
	}
}
