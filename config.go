package scout

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/zoobzio/zyn"
	"gopkg.in/yaml.v3"
)

// Default configuration for scout components.
// These can be overridden per component using builder methods.
var (
	// DefaultOracleTimeout bounds a single oracle call.
	DefaultOracleTimeout = 60 * time.Second

	// DefaultCapabilityTimeout bounds a single capability call.
	DefaultCapabilityTimeout = 30 * time.Second

	// DefaultOracleRetries is how many times a malformed router decision is
	// retried before synthesis is forced.
	DefaultOracleRetries = 1

	// DefaultSynthesisRetries is how many times an empty or ambiguous artifact
	// is retried before the fallback artifact is used.
	DefaultSynthesisRetries = 1

	// DefaultTemperature is used for router and synthesis calls.
	DefaultTemperature = zyn.DefaultTemperatureDeterministic

	// DefaultReviewTemperature is used for review calls.
	DefaultReviewTemperature = zyn.DefaultTemperatureAnalytical

	// DefaultMaxSessions bounds concurrently running sessions in a Manager.
	DefaultMaxSessions = 8
)

// QuotaSpec declares one capability and how many times a session may call it.
type QuotaSpec struct {
	Name  string `yaml:"name" json:"name"`
	Limit int    `yaml:"limit" json:"limit"`
}

// Variant is a workflow configuration: which capabilities a session may use
// and how often, how many review passes it gets and which report shapes the
// synthesis step may fill. The first shape is the primary one and is used
// for the fallback artifact.
type Variant struct {
	Name         string      `yaml:"name"`
	Quotas       []QuotaSpec `yaml:"quotas"`
	IterationCap int         `yaml:"iteration_cap"`
	Shapes       []Shape     `yaml:"shapes"`

	// Oracle instructions per phase. Empty values fall back to generic text.
	ResearchInstructions  string `yaml:"research_instructions"`
	SynthesisInstructions string `yaml:"synthesis_instructions"`
	ReviewInstructions    string `yaml:"review_instructions"`
}

// Validate checks the variant can drive a session.
func (v Variant) Validate() error {
	var errs []error
	if strings.TrimSpace(v.Name) == "" {
		errs = append(errs, errors.New("name is required"))
	}
	if len(v.Quotas) == 0 {
		errs = append(errs, errors.New("at least one capability quota is required"))
	}
	seen := make(map[string]bool, len(v.Quotas))
	for _, q := range v.Quotas {
		switch {
		case q.Name == "":
			errs = append(errs, errors.New("quota with empty capability name"))
		case strings.EqualFold(q.Name, FinalizeAction):
			errs = append(errs, fmt.Errorf("capability name %q is reserved", q.Name))
		case seen[q.Name]:
			errs = append(errs, fmt.Errorf("duplicate quota for %q", q.Name))
		case q.Limit < 1:
			errs = append(errs, fmt.Errorf("quota for %q must be at least 1, got %d", q.Name, q.Limit))
		}
		seen[q.Name] = true
	}
	if v.IterationCap < 1 {
		errs = append(errs, fmt.Errorf("iteration cap must be at least 1, got %d", v.IterationCap))
	}
	if len(v.Shapes) == 0 {
		errs = append(errs, errors.New("at least one report shape is required"))
	}
	for _, s := range v.Shapes {
		if !s.known() {
			errs = append(errs, fmt.Errorf("unknown report shape %q", s))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("variant %q: %w", v.Name, errors.Join(errs...))
	}
	return nil
}

// TotalQuota returns the sum of all capability limits.
func (v Variant) TotalQuota() int {
	total := 0
	for _, q := range v.Quotas {
		total += q.Limit
	}
	return total
}

// MaxSteps is the upper bound on transitions a session of this variant can
// take. Each dispatch round trip is two steps and consumes at least one quota
// unit; each synthesis and review cycle is four steps and advances the
// iteration.
func (v Variant) MaxSteps() int {
	return 2*v.TotalQuota() + 4*v.IterationCap
}

// PrimaryShape returns the shape used for fallback artifacts.
func (v Variant) PrimaryShape() Shape {
	if len(v.Shapes) == 0 {
		return ShapeAlphaReport
	}
	return v.Shapes[0]
}

func (v Variant) allows(s Shape) bool {
	for _, allowed := range v.Shapes {
		if allowed == s {
			return true
		}
	}
	return false
}

// AlphaScout researches a token opportunity and writes an alpha report.
func AlphaScout() Variant {
	return Variant{
		Name: "alpha_scout",
		Quotas: []QuotaSpec{
			{Name: "quick_search", Limit: 3},
			{Name: "deep_search", Limit: 3},
			{Name: "get_token_data", Limit: 2},
		},
		IterationCap: 2,
		Shapes:       []Shape{ShapeAlphaReport},
		ResearchInstructions: `You are an expert crypto researcher analyzing token opportunities.
Determine whether the token under discussion is a good early-stage opportunity.
Focus on market cap and trading data, community activity and team reputation,
contract safety and audits, and recent developments.
Use quick_search for initial mentions and news, deep_search for team, contract
or development details, and get_token_data for market and DEX data.`,
		SynthesisInstructions: `You are an expert crypto analyst specializing in early-stage tokens.
Key criteria: market cap below $5M, an active and reputable community, trading
momentum, safe and audited contracts, and early stage growth potential.
Only recommend tokens that meet these criteria with strong supporting evidence.`,
		ReviewInstructions: `You are an expert crypto research reviewer.
Check that all claims are supported by research, important information is not
missing, conclusions are sound and risk factors are considered.
Approve only a complete, evidence-backed recommendation.`,
	}
}

// TokenFinder decides whether a message mentions a purchasable token and
// writes a token report.
func TokenFinder() Variant {
	return Variant{
		Name: "token_finder",
		Quotas: []QuotaSpec{
			{Name: "quick_search", Limit: 2},
			{Name: "get_token_data", Limit: 2},
		},
		IterationCap: 1,
		Shapes:       []Shape{ShapeTokenReport},
		ResearchInstructions: `You are an expert crypto analyst identifying mentions of purchasable tokens.
Look for token symbols, contract addresses, chain mentions, trading pairs and
purchase terminology. Ignore general discussion, unlaunched tokens and scams.
Use quick_search to verify the token exists and get_token_data to confirm its
contract and trading status.`,
		SynthesisInstructions: `Classify whether the input mentions a token that can be purchased on an
exchange or DEX, and report its symbol, chain, address and trading pairs.`,
		ReviewInstructions: `Check the token classification is supported by the research gathered.`,
	}
}

// Presets returns the built-in variants keyed by name.
func Presets() map[string]Variant {
	return map[string]Variant{
		AlphaScout().Name:  AlphaScout(),
		TokenFinder().Name: TokenFinder(),
	}
}

type variantFile struct {
	Variants []Variant `yaml:"variants"`
}

// LoadVariants reads a YAML document with a top-level "variants" list and
// validates every entry.
func LoadVariants(r io.Reader) ([]Variant, error) {
	var file variantFile
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&file); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, errors.New("variant file is empty")
		}
		return nil, fmt.Errorf("decode variants: %w", err)
	}
	names := make(map[string]bool, len(file.Variants))
	for _, v := range file.Variants {
		if err := v.Validate(); err != nil {
			return nil, err
		}
		if names[v.Name] {
			return nil, fmt.Errorf("duplicate variant %q", v.Name)
		}
		names[v.Name] = true
	}
	return file.Variants, nil
}
