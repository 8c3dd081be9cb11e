package scout

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/kaptinlin/jsonrepair"
)

// FinalizeAction is the reserved action name the oracle uses to request synthesis.
const FinalizeAction = "finalize"

// Action is the closed set of things the oracle may ask for in one turn.
// The only implementations are CapabilityCall and Finalize.
type Action interface {
	action()
}

// CapabilityCall asks the dispatcher to invoke a registered capability.
type CapabilityCall struct {
	Name string `json:"name"`
	Args Args   `json:"args,omitempty"`
}

func (CapabilityCall) action() {}

// Finalize asks the router to stop gathering and move to synthesis.
type Finalize struct{}

func (Finalize) action() {}

// Args are the decoded arguments of a capability call.
type Args map[string]any

// String returns a value as a string, or "" when absent or not a string.
func (a Args) String(key string) string {
	s, _ := a[key].(string)
	return s
}

// proposal is the structured response requested from the oracle on every
// research turn.
type proposal struct {
	Actions   []proposedAction `json:"actions"`
	Reasoning string           `json:"reasoning"`
}

// Validate implements zyn.Validator. Structural checks happen in parseProposal
// so rejections surface as MalformedDecisionError with a reason.
func (p proposal) Validate() error {
	return nil
}

type proposedAction struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// decision is a proposal resolved against the registry, in proposal order.
type decision struct {
	actions   []Action
	reasoning string
}

// calls returns the capability calls of the decision.
func (d decision) calls() []CapabilityCall {
	var out []CapabilityCall
	for _, a := range d.actions {
		if c, ok := a.(CapabilityCall); ok {
			out = append(out, c)
		}
	}
	return out
}

// dispatchable returns the first call per capability name, in proposal
// order, and the repeated calls that do not run this turn.
func (d decision) dispatchable() (calls, repeats []CapabilityCall) {
	seen := make(map[string]bool)
	for _, c := range d.calls() {
		if seen[c.Name] {
			repeats = append(repeats, c)
			continue
		}
		seen[c.Name] = true
		calls = append(calls, c)
	}
	return calls, repeats
}

// finalizes reports whether the oracle asked for synthesis.
func (d decision) finalizes() bool {
	for _, a := range d.actions {
		if _, ok := a.(Finalize); ok {
			return true
		}
	}
	return false
}

// distinctNames returns the capability names used by the decision, in first-use order.
func (d decision) distinctNames() []string {
	seen := make(map[string]bool)
	var names []string
	for _, c := range d.calls() {
		if !seen[c.Name] {
			seen[c.Name] = true
			names = append(names, c.Name)
		}
	}
	return names
}

// parseProposal resolves a raw proposal into a decision. Unknown names,
// capabilities outside the session's quotas, undecodable or ill-typed
// arguments, missing required parameters and empty proposals are rejected
// with a MalformedDecisionError.
func parseProposal(p proposal, registry *Registry, s *Session) (decision, error) {
	if len(p.Actions) == 0 {
		return decision{}, malformed("empty proposal", nil)
	}

	d := decision{reasoning: p.Reasoning}
	for i, pa := range p.Actions {
		name := strings.TrimSpace(pa.Name)
		if name == "" {
			return decision{}, malformed(fmt.Sprintf("action %d has no name", i), nil)
		}
		if strings.EqualFold(name, FinalizeAction) {
			d.actions = append(d.actions, Finalize{})
			continue
		}

		capability, ok := registry.Lookup(name)
		if !ok {
			return decision{}, malformed(fmt.Sprintf("unknown capability %q", name), nil)
		}
		if _, ok := s.Quota(name); !ok {
			return decision{}, malformed(fmt.Sprintf("capability %q not available to variant %s", name, s.Variant), nil)
		}
		args, err := decodeArgs(pa.Arguments)
		if err != nil {
			return decision{}, malformed(fmt.Sprintf("arguments for %q", name), err)
		}
		if err := checkArgs(capability.Parameters(), args); err != nil {
			return decision{}, malformed(fmt.Sprintf("arguments for %q", name), err)
		}
		d.actions = append(d.actions, CapabilityCall{Name: name, Args: args})
	}
	return d, nil
}

// decodeArgs accepts an object, a JSON-encoded string holding an object, or
// nothing. Broken JSON is repaired before giving up.
func decodeArgs(raw json.RawMessage) (Args, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return Args{}, nil
	}

	text := string(raw)
	if raw[0] == '"' {
		if err := json.Unmarshal(raw, &text); err != nil {
			return nil, fmt.Errorf("decode argument string: %w", err)
		}
		if strings.TrimSpace(text) == "" {
			return Args{}, nil
		}
	}

	var args Args
	if err := json.Unmarshal([]byte(text), &args); err == nil {
		if args == nil {
			args = Args{}
		}
		return args, nil
	}

	repaired, err := jsonrepair.JSONRepair(text)
	if err != nil {
		return nil, fmt.Errorf("repair arguments: %w", err)
	}
	args = nil
	if err := json.Unmarshal([]byte(repaired), &args); err != nil {
		return nil, fmt.Errorf("arguments are not an object: %w", err)
	}
	if args == nil {
		args = Args{}
	}
	return args, nil
}

// checkArgs validates args against declared parameters. Unknown keys are
// tolerated; required keys must be present and every declared key must have
// the declared JSON type.
func checkArgs(params []Parameter, args Args) error {
	var missing []string
	for _, p := range params {
		v, ok := args[p.Name]
		if !ok || v == nil {
			if p.Required {
				missing = append(missing, p.Name)
			}
			continue
		}
		if !p.Type.accepts(v) {
			return fmt.Errorf("parameter %q must be %s, got %T", p.Name, p.Type, v)
		}
		if p.Required && p.Type == TypeString && strings.TrimSpace(v.(string)) == "" {
			missing = append(missing, p.Name)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return fmt.Errorf("missing required parameters: %s", strings.Join(missing, ", "))
	}
	return nil
}
