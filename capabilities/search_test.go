package capabilities

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/zoobzio/scout"
)

func TestQuickSearchInvoke(t *testing.T) {
	var got searchRequest
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/search" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		auth = r.Header.Get("Authorization")
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("failed to decode request: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"results": [
			{"title": "CLANKER launch", "url": "https://example.com/a", "content": "Clanker launched on Base", "score": 0.9},
			{"title": "Clanker docs", "url": "https://example.com/b", "content": "Token deployer", "score": 0.7}
		]}`))
	}))
	defer srv.Close()

	s := NewQuickSearch("test-key", WithSearchBaseURL(srv.URL))
	out, err := s.Invoke(context.Background(), scout.Args{"query": "clanker token"})
	if err != nil {
		t.Fatalf("invoke failed: %v", err)
	}

	if got.Query != "clanker token" {
		t.Errorf("expected query 'clanker token', got %q", got.Query)
	}
	if got.SearchDepth != DepthBasic {
		t.Errorf("expected depth %q, got %q", DepthBasic, got.SearchDepth)
	}
	if got.MaxResults != 3 {
		t.Errorf("expected 3 max results, got %d", got.MaxResults)
	}
	if auth != "Bearer test-key" {
		t.Errorf("expected bearer auth, got %q", auth)
	}

	results, ok := out.Data.([]SearchResult)
	if !ok || len(results) != 2 {
		t.Fatalf("expected 2 results in data, got %#v", out.Data)
	}
	if !strings.Contains(out.Content, "CLANKER launch") {
		t.Errorf("expected content to list results, got %q", out.Content)
	}
}

func TestDeepSearchUsesAdvancedDepth(t *testing.T) {
	var got searchRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&got)
		_, _ = w.Write([]byte(`{"results": []}`))
	}))
	defer srv.Close()

	s := NewDeepSearch("k", WithSearchBaseURL(srv.URL), WithMaxResults(5))
	if s.Name() != DeepSearchName {
		t.Errorf("expected name %q, got %q", DeepSearchName, s.Name())
	}
	out, err := s.Invoke(context.Background(), scout.Args{"query": "degen"})
	if err != nil {
		t.Fatalf("invoke failed: %v", err)
	}
	if got.SearchDepth != DepthAdvanced {
		t.Errorf("expected depth %q, got %q", DepthAdvanced, got.SearchDepth)
	}
	if got.MaxResults != 5 {
		t.Errorf("expected 5 max results, got %d", got.MaxResults)
	}
	if !strings.Contains(out.Content, "No results") {
		t.Errorf("expected empty result message, got %q", out.Content)
	}
}

func TestSearchUpstreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte(`bad gateway`))
	}))
	defer srv.Close()

	s := NewQuickSearch("k", WithSearchBaseURL(srv.URL))
	_, err := s.Invoke(context.Background(), scout.Args{"query": "x"})
	if err == nil {
		t.Fatal("expected error for upstream failure")
	}
	var capErr *scout.CapabilityError
	if errors.As(err, &capErr) {
		t.Errorf("expected plain upstream error, got capability error %v", capErr)
	}
}

func TestSearchEmptyQuery(t *testing.T) {
	s := NewQuickSearch("k")
	_, err := s.Invoke(context.Background(), scout.Args{"query": "   "})
	var capErr *scout.CapabilityError
	if !errors.As(err, &capErr) || capErr.Kind != scout.CapabilityInvalidArgs {
		t.Fatalf("expected invalid-args error, got %v", err)
	}
}

func TestSearchThroughDispatcher(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"results": [{"title": "t", "url": "u", "content": "c"}]}`))
	}))
	defer srv.Close()

	registry := scout.NewRegistry(NewQuickSearch("k", WithSearchBaseURL(srv.URL)))
	d := scout.NewDispatcher(registry)

	out, capErr := d.Invoke(context.Background(), scout.CapabilityCall{
		Name: QuickSearchName,
		Args: scout.Args{"query": "base tokens"},
	})
	if capErr != nil {
		t.Fatalf("dispatch failed: %v", capErr)
	}
	if out.Content == "" {
		t.Error("expected content")
	}

	_, capErr = d.Invoke(context.Background(), scout.CapabilityCall{Name: QuickSearchName, Args: scout.Args{}})
	if capErr == nil || capErr.Kind != scout.CapabilityInvalidArgs {
		t.Fatalf("expected invalid-args for missing query, got %v", capErr)
	}
}
