package scout

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// Phase markers open each oracle prompt so providers and tests can tell the
// calls apart.
const (
	MarkerResearch  = "Select the next action"
	MarkerSynthesis = "Write the report"
	MarkerReview    = "Review the draft"
)

const (
	defaultResearchInstructions  = "Research the request using the available capabilities, then finalize."
	defaultSynthesisInstructions = "Summarize the research into the requested report."
	defaultReviewInstructions    = "Check the report is complete and supported by the research."
)

// RenderTranscript formats turns for an oracle prompt, oldest first.
func RenderTranscript(turns []Turn) string {
	if len(turns) == 0 {
		return "(empty transcript)"
	}
	var b strings.Builder
	for _, t := range turns {
		switch t.Kind {
		case TurnUserInput:
			fmt.Fprintf(&b, "[%d] user: %s\n", t.Seq, t.Content)
		case TurnOracleDecision:
			fmt.Fprintf(&b, "[%d] decision: %s\n", t.Seq, t.Content)
		case TurnCapabilityResult:
			status := "ok"
			if t.Failed {
				status = "failed: " + string(t.ErrorKind)
			}
			fmt.Fprintf(&b, "[%d] %s (for %d, %s): %s\n", t.Seq, t.Capability, t.DecisionSeq, status, t.Content)
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

// renderContext formats optional session context, keys sorted.
func renderContext(ctx map[string]any) string {
	if len(ctx) == 0 {
		return ""
	}
	keys := make([]string, 0, len(ctx))
	for k := range ctx {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		v := ctx[k]
		switch val := v.(type) {
		case string:
			fmt.Fprintf(&b, "%s:\n%s\n", k, val)
		default:
			data, err := json.MarshalIndent(val, "", "  ")
			if err != nil {
				fmt.Fprintf(&b, "%s: %v\n", k, val)
				continue
			}
			fmt.Fprintf(&b, "%s:\n%s\n", k, data)
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

// researchPrompt builds the router's request: instructions, remaining quota,
// available actions, feedback and transcript.
func researchPrompt(s *Session, v Variant, registry *Registry) string {
	var b strings.Builder
	b.WriteString(MarkerResearch)
	b.WriteString(" for this research session.\n\n")
	b.WriteString(orDefault(v.ResearchInstructions, defaultResearchInstructions))
	b.WriteString("\n\n")

	if rendered := renderContext(s.Context); rendered != "" {
		b.WriteString("Context:\n")
		b.WriteString(rendered)
		b.WriteString("\n\n")
	}

	b.WriteString("Remaining capability usage:\n")
	for _, q := range s.Quotas() {
		fmt.Fprintf(&b, "- %s: %d of %d remaining\n", q.Name, q.Remaining(), q.Limit)
	}

	b.WriteString("\nAvailable actions:\n")
	for _, q := range s.Quotas() {
		if q.Exhausted() {
			continue
		}
		c, ok := registry.Lookup(q.Name)
		if !ok {
			continue
		}
		fmt.Fprintf(&b, "- %s: %s\n", c.Name(), c.Description())
		for _, p := range c.Parameters() {
			req := "optional"
			if p.Required {
				req = "required"
			}
			fmt.Fprintf(&b, "    %s (%s, %s): %s\n", p.Name, p.Type, req, p.Description)
		}
	}
	fmt.Fprintf(&b, "- %s: stop researching and write the report\n", FinalizeAction)

	if fb := s.Feedback(); fb != "" {
		b.WriteString("\nReview feedback:\n")
		b.WriteString(fb)
		b.WriteString("\nConduct follow-up research to address the feedback.\n")
	}

	b.WriteString("\nTranscript:\n")
	b.WriteString(RenderTranscript(s.Transcript()))
	b.WriteString("\n\nRespond with one or more actions. Each action has a name and an arguments object.")
	return b.String()
}

// synthesisPrompt builds the request for a report of one of the variant's
// shapes. On revision rounds it carries the previous draft and the review
// feedback.
func synthesisPrompt(s *Session, v Variant) string {
	var b strings.Builder
	b.WriteString(MarkerSynthesis)
	b.WriteString(" from the research below.\n\n")
	b.WriteString(orDefault(v.SynthesisInstructions, defaultSynthesisInstructions))
	b.WriteString("\n\n")

	shapes := make([]string, len(v.Shapes))
	for i, shape := range v.Shapes {
		shapes[i] = string(shape)
	}
	fmt.Fprintf(&b, "Fill exactly one of: %s. Leave the others empty.\n\n", strings.Join(shapes, ", "))

	if rendered := renderContext(s.Context); rendered != "" {
		b.WriteString("Context:\n")
		b.WriteString(rendered)
		b.WriteString("\n\n")
	}
	if draft := s.Draft(); draft != nil {
		b.WriteString("Previous draft:\n")
		b.WriteString(draft.Render())
		b.WriteString("\n\n")
	}
	if fb := s.Feedback(); fb != "" {
		b.WriteString("Review feedback:\n")
		b.WriteString(fb)
		b.WriteString("\nRevise the report to address the feedback.\n\n")
	}
	b.WriteString("Research:\n")
	b.WriteString(RenderTranscript(s.Transcript()))
	return b.String()
}

// reviewPrompt builds the critique request for the current draft.
func reviewPrompt(s *Session, v Variant) string {
	var b strings.Builder
	b.WriteString(MarkerReview)
	b.WriteString(" below.\n\n")
	b.WriteString(orDefault(v.ReviewInstructions, defaultReviewInstructions))
	b.WriteString("\n\n")
	fmt.Fprintf(&b, "Review pass %d of %d.\n\n", s.Iteration(), s.IterationCap())

	if rendered := renderContext(s.Context); rendered != "" {
		b.WriteString("Context:\n")
		b.WriteString(rendered)
		b.WriteString("\n\n")
	}
	b.WriteString("Draft:\n")
	b.WriteString(s.Draft().Render())
	b.WriteString("\n\nResearch:\n")
	b.WriteString(RenderTranscript(s.Transcript()))
	b.WriteString("\n\nAnswer approve or revise. When revising, explain what needs more research.")
	return b.String()
}

func orDefault(s, def string) string {
	if strings.TrimSpace(s) == "" {
		return def
	}
	return s
}
