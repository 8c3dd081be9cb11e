package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/viper"
)

func TestReadLines(t *testing.T) {
	lines, err := readLines(strings.NewReader("gm\n\n  Just aped into $CLANKER  \n"))
	if err != nil {
		t.Fatalf("readLines failed: %v", err)
	}
	if len(lines) != 2 || lines[1] != "Just aped into $CLANKER" {
		t.Errorf("unexpected lines %q", lines)
	}
	if _, err := readLines(strings.NewReader("\n \n")); err == nil {
		t.Error("expected error for blank input")
	}
}

func TestAvailableVariantsMergesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "variants.yaml")
	doc := `variants:
  - name: token_finder
    iteration_cap: 3
    shapes: [token_report]
    quotas:
      - {name: get_token_data, limit: 1}
  - name: quick
    iteration_cap: 1
    shapes: [token_report]
    quotas:
      - {name: get_token_data, limit: 1}
`
	if err := os.WriteFile(path, []byte(doc), 0o600); err != nil {
		t.Fatalf("write variants: %v", err)
	}
	v := viper.New()
	v.Set(keyVariantsFile, path)

	variants, err := availableVariants(v)
	if err != nil {
		t.Fatalf("availableVariants failed: %v", err)
	}
	if len(variants) != 3 {
		t.Errorf("expected presets plus one new variant, got %d", len(variants))
	}
	if variants["token_finder"].IterationCap != 3 {
		t.Error("expected file to override preset")
	}

	v.Set(keyVariant, "quick")
	variant, err := resolveVariant(v)
	if err != nil || variant.Name != "quick" {
		t.Errorf("expected quick variant, got %+v, %v", variant, err)
	}
	v.Set(keyVariant, "missing")
	if _, err := resolveVariant(v); err == nil {
		t.Error("expected unknown variant error")
	}
}

func TestVariantsCommand(t *testing.T) {
	root := newRootCommand()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"variants"})
	if err := root.Execute(); err != nil {
		t.Fatalf("execute failed: %v", err)
	}
	for _, want := range []string{"alpha_scout", "token_finder", "quick_search=3"} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("expected output to contain %q:\n%s", want, out.String())
		}
	}
}

func TestVariantFromEnvironmentAndFlag(t *testing.T) {
	t.Setenv("SCOUT_VARIANT", "from_env")
	tests := []struct {
		name string
		args []string
		want string
	}{
		{"environment", []string{"run", "gm"}, `"from_env"`},
		{"flag wins over environment", []string{"--variant", "from_flag", "run", "gm"}, `"from_flag"`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			root := newRootCommand()
			root.SetOut(&bytes.Buffer{})
			root.SetArgs(tt.args)
			err := root.Execute()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("expected unknown variant %s, got %v", tt.want, err)
			}
		})
	}
}

func TestRunRequiresAPIKey(t *testing.T) {
	t.Setenv("SCOUT_OPENAI_API_KEY", "")
	root := newRootCommand()
	root.SetOut(&bytes.Buffer{})
	root.SetArgs([]string{"run", "gm"})
	err := root.Execute()
	if err == nil || !strings.Contains(err.Error(), "API key") {
		t.Errorf("expected missing key error, got %v", err)
	}
}

func TestParseContext(t *testing.T) {
	path := filepath.Join(t.TempDir(), "context.json")
	if err := os.WriteFile(path, []byte(`{"social_summary": "CLANKER trending on Farcaster"}`), 0o600); err != nil {
		t.Fatalf("write context: %v", err)
	}

	tests := []struct {
		name    string
		raw     string
		want    string
		wantErr bool
	}{
		{name: "empty", raw: "  "},
		{name: "inline", raw: `{"token_report": "CLANKER on Base"}`, want: "token_report"},
		{name: "file", raw: "@" + path, want: "social_summary"},
		{name: "missing file", raw: "@" + filepath.Join(t.TempDir(), "nope.json"), wantErr: true},
		{name: "not an object", raw: `["CLANKER"]`, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseContext(tt.raw)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %v", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("parseContext failed: %v", err)
			}
			if tt.want == "" {
				if got != nil {
					t.Errorf("expected no context, got %v", got)
				}
				return
			}
			if _, ok := got[tt.want]; !ok {
				t.Errorf("expected key %q in %v", tt.want, got)
			}
		})
	}
}

func TestRunRejectsBadContext(t *testing.T) {
	root := newRootCommand()
	root.SetOut(&bytes.Buffer{})
	root.SetArgs([]string{"run", "--context", "not json", "gm"})
	err := root.Execute()
	if err == nil || !strings.Contains(err.Error(), "JSON object") {
		t.Errorf("expected context error, got %v", err)
	}
}
