// Package capabilities provides HTTP-backed scout capabilities: web search
// over the Tavily API and token pool lookups over GeckoTerminal.
package capabilities

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/zoobzio/scout"
)

// Capability names.
const (
	QuickSearchName  = "quick_search"
	DeepSearchName   = "deep_search"
	TokenDataName    = "get_token_data"
	DefaultTavilyURL = "https://api.tavily.com"
)

// Search depths understood by Tavily.
const (
	DepthBasic    = "basic"
	DepthAdvanced = "advanced"
)

// Search is a web search capability backed by Tavily.
type Search struct {
	name        string
	description string
	depth       string
	maxResults  int
	apiKey      string
	baseURL     string
	client      *http.Client
}

// SearchOption configures a Search.
type SearchOption func(*Search)

// WithSearchBaseURL sets a custom Tavily base URL.
func WithSearchBaseURL(url string) SearchOption {
	return func(s *Search) {
		s.baseURL = strings.TrimRight(url, "/")
	}
}

// WithSearchHTTPClient sets a custom HTTP client.
func WithSearchHTTPClient(client *http.Client) SearchOption {
	return func(s *Search) {
		s.client = client
	}
}

// WithMaxResults sets how many results a search returns.
func WithMaxResults(n int) SearchOption {
	return func(s *Search) {
		if n > 0 {
			s.maxResults = n
		}
	}
}

// NewQuickSearch creates the quick_search capability: a basic search
// returning a few results.
func NewQuickSearch(apiKey string, opts ...SearchOption) *Search {
	return newSearch(QuickSearchName,
		"Do a quick initial web search for basic information.",
		DepthBasic, 3, apiKey, opts)
}

// NewDeepSearch creates the deep_search capability: an advanced search
// gathering more comprehensive information.
func NewDeepSearch(apiKey string, opts ...SearchOption) *Search {
	return newSearch(DeepSearchName,
		"Do a detailed web search to gather more comprehensive information.",
		DepthAdvanced, 8, apiKey, opts)
}

func newSearch(name, description, depth string, maxResults int, apiKey string, opts []SearchOption) *Search {
	s := &Search{
		name:        name,
		description: description,
		depth:       depth,
		maxResults:  maxResults,
		apiKey:      apiKey,
		baseURL:     DefaultTavilyURL,
		client:      http.DefaultClient,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Name implements scout.Capability.
func (s *Search) Name() string { return s.name }

// Description implements scout.Capability.
func (s *Search) Description() string { return s.description }

// Parameters implements scout.Capability.
func (s *Search) Parameters() []scout.Parameter {
	return []scout.Parameter{{
		Name:        "query",
		Description: "The search query",
		Type:        scout.TypeString,
		Required:    true,
	}}
}

type searchRequest struct {
	Query       string `json:"query"`
	SearchDepth string `json:"search_depth"`
	MaxResults  int    `json:"max_results"`
}

// SearchResult is one document returned by a search.
type SearchResult struct {
	Title   string  `json:"title"`
	URL     string  `json:"url"`
	Content string  `json:"content"`
	Score   float64 `json:"score"`
}

type searchResponse struct {
	Results []SearchResult `json:"results"`
	Detail  *struct {
		Error string `json:"error"`
	} `json:"detail,omitempty"`
}

// Invoke runs the search. Upstream failures are returned as plain errors and
// classified by the dispatcher.
func (s *Search) Invoke(ctx context.Context, args scout.Args) (scout.Output, error) {
	query := strings.TrimSpace(args.String("query"))
	if query == "" {
		return scout.Output{}, scout.InvalidArgs("query must not be empty")
	}

	body, err := json.Marshal(searchRequest{
		Query:       query,
		SearchDepth: s.depth,
		MaxResults:  s.maxResults,
	})
	if err != nil {
		return scout.Output{}, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/search", bytes.NewReader(body))
	if err != nil {
		return scout.Output{}, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+s.apiKey)

	resp, err := s.client.Do(req)
	if err != nil {
		return scout.Output{}, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return scout.Output{}, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return scout.Output{}, fmt.Errorf("tavily status %d: %s", resp.StatusCode, truncate(string(respBody), 200))
	}

	var sr searchResponse
	if err := json.Unmarshal(respBody, &sr); err != nil {
		return scout.Output{}, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	if sr.Detail != nil && sr.Detail.Error != "" {
		return scout.Output{}, fmt.Errorf("tavily error: %s", sr.Detail.Error)
	}

	return scout.Output{
		Content: renderResults(query, sr.Results),
		Data:    sr.Results,
	}, nil
}

func renderResults(query string, results []SearchResult) string {
	if len(results) == 0 {
		return fmt.Sprintf("No results for %q.", query)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%d results for %q:\n", len(results), query)
	for i, r := range results {
		fmt.Fprintf(&b, "%d. %s (%s)\n   %s\n", i+1, r.Title, r.URL, r.Content)
	}
	return strings.TrimRight(b.String(), "\n")
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

var _ scout.Capability = (*Search)(nil)
