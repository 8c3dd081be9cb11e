package scout

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// Shape names a recognized report structure.
type Shape string

// Report shapes.
const (
	ShapeAlphaReport Shape = "alpha_report"
	ShapeTokenReport Shape = "token_report"
)

func (s Shape) known() bool {
	return s == ShapeAlphaReport || s == ShapeTokenReport
}

// Chains accepted for an opportunity.
const (
	ChainBase   = "Base"
	ChainSolana = "Solana"
)

// Opportunity is one token judged worth a closer look.
type Opportunity struct {
	Name            string   `json:"name"`
	Chain           string   `json:"chain"`
	ContractAddress string   `json:"contract_address,omitempty"`
	MarketCap       *float64 `json:"market_cap,omitempty"`
	CommunityScore  int      `json:"community_score"`
	SafetyScore     int      `json:"safety_score"`
	Justification   string   `json:"justification"`
	Sources         []string `json:"sources"`

	fields presence
}

// UnmarshalJSON records which keys were present so missing required fields
// can be told apart from zero values.
func (o *Opportunity) UnmarshalJSON(data []byte) error {
	type plain Opportunity
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	fields, err := presentKeys(data)
	if err != nil {
		return err
	}
	*o = Opportunity(p)
	o.fields = fields
	return nil
}

func (o *Opportunity) check() []string {
	problems := o.fields.missing("name", "chain", "community_score", "safety_score", "justification", "sources")
	if o.fields != nil {
		if o.Chain != "" && o.Chain != ChainBase && o.Chain != ChainSolana {
			problems = append(problems, fmt.Sprintf("chain %q not one of Base, Solana", o.Chain))
		}
		if o.fields["community_score"] && !inScore(o.CommunityScore) {
			problems = append(problems, fmt.Sprintf("community_score %d outside 1-10", o.CommunityScore))
		}
		if o.fields["safety_score"] && !inScore(o.SafetyScore) {
			problems = append(problems, fmt.Sprintf("safety_score %d outside 1-10", o.SafetyScore))
		}
	}
	return problems
}

// AlphaReport assesses whether the research turned up token opportunities.
type AlphaReport struct {
	IsRelevant    bool          `json:"is_relevant"`
	Opportunities []Opportunity `json:"opportunities"`
	Analysis      string        `json:"analysis"`

	fields presence
}

// UnmarshalJSON records which keys were present.
func (r *AlphaReport) UnmarshalJSON(data []byte) error {
	type plain AlphaReport
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	fields, err := presentKeys(data)
	if err != nil {
		return err
	}
	*r = AlphaReport(p)
	r.fields = fields
	return nil
}

func (r *AlphaReport) check() []string {
	problems := r.fields.missing("is_relevant", "opportunities", "analysis")
	for i := range r.Opportunities {
		for _, p := range r.Opportunities[i].check() {
			problems = append(problems, fmt.Sprintf("opportunities[%d]: %s", i, p))
		}
	}
	return problems
}

// TokenReport classifies whether the input mentions a purchasable token.
type TokenReport struct {
	MentionsPurchasableToken bool     `json:"mentions_purchasable_token"`
	TokenSymbol              string   `json:"token_symbol,omitempty"`
	TokenChain               string   `json:"token_chain,omitempty"`
	TokenAddress             string   `json:"token_address,omitempty"`
	IsListedOnDEX            *bool    `json:"is_listed_on_dex,omitempty"`
	TradingPairs             []string `json:"trading_pairs,omitempty"`
	ConfidenceScore          int      `json:"confidence_score"`
	Reasoning                string   `json:"reasoning"`

	fields presence
}

// UnmarshalJSON records which keys were present.
func (r *TokenReport) UnmarshalJSON(data []byte) error {
	type plain TokenReport
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	fields, err := presentKeys(data)
	if err != nil {
		return err
	}
	*r = TokenReport(p)
	r.fields = fields
	return nil
}

func (r *TokenReport) check() []string {
	problems := r.fields.missing("mentions_purchasable_token", "confidence_score", "reasoning")
	if r.fields["confidence_score"] && !inScore(r.ConfidenceScore) {
		problems = append(problems, fmt.Sprintf("confidence_score %d outside 1-10", r.ConfidenceScore))
	}
	return problems
}

// Artifact is the structured output of a synthesis step. Exactly one report
// is set, matching Shape.
type Artifact struct {
	Shape    Shape        `json:"shape"`
	Alpha    *AlphaReport `json:"alpha_report,omitempty"`
	Token    *TokenReport `json:"token_report,omitempty"`
	Fallback bool         `json:"fallback,omitempty"`
}

// IsRelevant reports the shape's relevance flag.
func (a *Artifact) IsRelevant() bool {
	switch {
	case a == nil:
		return false
	case a.Alpha != nil:
		return a.Alpha.IsRelevant
	case a.Token != nil:
		return a.Token.MentionsPurchasableToken
	default:
		return false
	}
}

// Render formats the artifact for inclusion in an oracle prompt.
func (a *Artifact) Render() string {
	if a == nil {
		return "(no draft)"
	}
	var payload any = a.Alpha
	if a.Shape == ShapeTokenReport {
		payload = a.Token
	}
	data, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return fmt.Sprintf("%+v", payload)
	}
	return string(data)
}

// reportEnvelope is the structure requested from the oracle during
// synthesis. Exactly one field must be populated.
type reportEnvelope struct {
	AlphaReport *AlphaReport `json:"alpha_report,omitempty"`
	TokenReport *TokenReport `json:"token_report,omitempty"`
}

// Validate implements zyn.Validator. Shape resolution happens in
// resolveArtifact so rejections carry their detail.
func (e reportEnvelope) Validate() error {
	return nil
}

// resolveArtifact turns an envelope into an artifact of one of the variant's
// shapes, or fails with ErrEmptyOrAmbiguousArtifact.
func resolveArtifact(env reportEnvelope, variant Variant) (*Artifact, error) {
	var found []Shape
	if env.AlphaReport != nil {
		found = append(found, ShapeAlphaReport)
	}
	if env.TokenReport != nil {
		found = append(found, ShapeTokenReport)
	}
	if len(found) != 1 {
		return nil, &artifactError{shapes: len(found), detail: "expected exactly one report"}
	}

	shape := found[0]
	if !variant.allows(shape) {
		return nil, &artifactError{shapes: 1, detail: fmt.Sprintf("shape %s not allowed for variant %s", shape, variant.Name)}
	}

	var problems []string
	a := &Artifact{Shape: shape}
	switch shape {
	case ShapeAlphaReport:
		problems = env.AlphaReport.check()
		a.Alpha = env.AlphaReport
	case ShapeTokenReport:
		problems = env.TokenReport.check()
		a.Token = env.TokenReport
	}
	if len(problems) > 0 {
		return nil, &artifactError{shapes: 1, detail: fmt.Sprintf("%s: %s", shape, strings.Join(problems, "; "))}
	}
	return a, nil
}

// fallbackArtifact is the minimal report substituted when synthesis keeps
// failing. It is always marked not relevant.
func fallbackArtifact(shape Shape, reason string) *Artifact {
	text := "No report could be produced from the research gathered."
	if reason != "" {
		text += " Last error: " + reason
	}
	a := &Artifact{Shape: shape, Fallback: true}
	switch shape {
	case ShapeTokenReport:
		a.Token = &TokenReport{
			MentionsPurchasableToken: false,
			ConfidenceScore:          1,
			Reasoning:                text,
		}
	default:
		a.Shape = ShapeAlphaReport
		a.Alpha = &AlphaReport{
			IsRelevant:    false,
			Opportunities: []Opportunity{},
			Analysis:      text,
		}
	}
	return a
}

func inScore(v int) bool {
	return v >= 1 && v <= 10
}

// presence is the set of non-null keys seen when decoding a report.
type presence map[string]bool

// missing lists required keys that were absent. A nil set means the value was
// built in code rather than decoded and nothing is reported.
func (p presence) missing(required ...string) []string {
	if p == nil {
		return nil
	}
	var out []string
	for _, key := range required {
		if !p[key] {
			out = append(out, "missing "+key)
		}
	}
	sort.Strings(out)
	return out
}

func presentKeys(data []byte) (presence, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	p := make(presence, len(raw))
	for k, v := range raw {
		if string(v) != "null" {
			p[k] = true
		}
	}
	return p, nil
}
