package capabilities

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/zoobzio/scout"
)

// Token data defaults.
const (
	DefaultGeckoTerminalURL = "https://api.geckoterminal.com/api/v2"
	DefaultTokenCacheSize   = 256
	DefaultTokenCacheTTL    = 5 * time.Minute
)

// TokenData is the token found for a lookup.
type TokenData struct {
	Chain      string         `json:"chain"`
	Address    string         `json:"address"`
	Symbol     string         `json:"symbol"`
	Pool       string         `json:"pool"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

type tokenEntry struct {
	data     *TokenData
	storedAt time.Time
}

// TokenLookup searches GeckoTerminal pools for a token symbol or address.
// Results, including misses, are cached per normalized token.
type TokenLookup struct {
	baseURL string
	client  *http.Client
	ttl     time.Duration
	now     func() time.Time

	mu    sync.Mutex
	cache *lru.Cache[string, tokenEntry]
}

// TokenLookupOption configures a TokenLookup.
type TokenLookupOption func(*TokenLookup)

// WithTokenBaseURL sets a custom GeckoTerminal base URL.
func WithTokenBaseURL(url string) TokenLookupOption {
	return func(t *TokenLookup) {
		t.baseURL = strings.TrimRight(url, "/")
	}
}

// WithTokenHTTPClient sets a custom HTTP client.
func WithTokenHTTPClient(client *http.Client) TokenLookupOption {
	return func(t *TokenLookup) {
		t.client = client
	}
}

// WithTokenCacheTTL sets how long lookups stay cached. Zero disables expiry.
func WithTokenCacheTTL(ttl time.Duration) TokenLookupOption {
	return func(t *TokenLookup) {
		t.ttl = ttl
	}
}

// NewTokenLookup creates the get_token_data capability.
func NewTokenLookup(opts ...TokenLookupOption) *TokenLookup {
	cache, err := lru.New[string, tokenEntry](DefaultTokenCacheSize)
	if err != nil {
		panic(fmt.Sprintf("token cache: %v", err))
	}
	t := &TokenLookup{
		baseURL: DefaultGeckoTerminalURL,
		client:  http.DefaultClient,
		ttl:     DefaultTokenCacheTTL,
		now:     time.Now,
		cache:   cache,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Name implements scout.Capability.
func (t *TokenLookup) Name() string { return TokenDataName }

// Description implements scout.Capability.
func (t *TokenLookup) Description() string {
	return "Do a detailed crypto token search on GeckoTerminal to get financial, trading, and DEX data for the token. " +
		"Use this when you have a token symbol or address to search for."
}

// Parameters implements scout.Capability.
func (t *TokenLookup) Parameters() []scout.Parameter {
	return []scout.Parameter{{
		Name:        "token",
		Description: "The symbol or address of the crypto token to search for",
		Type:        scout.TypeString,
		Required:    true,
	}}
}

// Invoke looks the token up. No matching pool is a successful empty result.
func (t *TokenLookup) Invoke(ctx context.Context, args scout.Args) (scout.Output, error) {
	token := strings.TrimSpace(args.String("token"))
	if token == "" {
		return scout.Output{}, scout.InvalidArgs("token must not be empty")
	}
	key := strings.ToLower(strings.TrimPrefix(token, "$"))

	data, ok := t.cached(key)
	if !ok {
		var err error
		data, err = t.search(ctx, key)
		if err != nil {
			return scout.Output{}, err
		}
		t.store(key, data)
	}

	if data == nil {
		return scout.Output{Content: fmt.Sprintf("No DEX pool found for token %q.", token)}, nil
	}
	return scout.Output{
		Content: renderToken(data),
		Data:    data,
	}, nil
}

func (t *TokenLookup) cached(key string) (*TokenData, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	entry, ok := t.cache.Get(key)
	if !ok {
		return nil, false
	}
	if t.ttl > 0 && t.now().Sub(entry.storedAt) > t.ttl {
		t.cache.Remove(key)
		return nil, false
	}
	return entry.data, true
}

func (t *TokenLookup) store(key string, data *TokenData) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cache.Add(key, tokenEntry{data: data, storedAt: t.now()})
}

type poolSearchResponse struct {
	Data []struct {
		ID         string         `json:"id"`
		Attributes map[string]any `json:"attributes"`
		Relations  struct {
			BaseToken struct {
				Data struct {
					ID string `json:"id"`
				} `json:"data"`
			} `json:"base_token"`
		} `json:"relationships"`
	} `json:"data"`
}

func (t *TokenLookup) search(ctx context.Context, token string) (*TokenData, error) {
	q := url.Values{}
	q.Set("query", token)
	q.Set("page", "1")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.baseURL+"/search/pools?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("geckoterminal status %d: %s", resp.StatusCode, truncate(string(body), 200))
	}

	var pr poolSearchResponse
	if err := json.Unmarshal(body, &pr); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}

	for _, pool := range pr.Data {
		// Base token ids look like "base_0xabc...".
		chain, address, ok := strings.Cut(pool.Relations.BaseToken.Data.ID, "_")
		if !ok {
			continue
		}
		name, _ := pool.Attributes["name"].(string)
		symbol := strings.TrimSpace(strings.SplitN(name, "/", 2)[0])
		if !strings.EqualFold(symbol, token) && !strings.EqualFold(address, token) {
			continue
		}
		return &TokenData{
			Chain:      chain,
			Address:    address,
			Symbol:     symbol,
			Pool:       name,
			Attributes: pool.Attributes,
		}, nil
	}
	return nil, nil
}

func renderToken(d *TokenData) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Token %s on %s at %s (pool %s)", d.Symbol, d.Chain, d.Address, d.Pool)
	for _, key := range []string{"base_token_price_usd", "fdv_usd", "market_cap_usd", "reserve_in_usd"} {
		if v, ok := d.Attributes[key]; ok && v != nil {
			fmt.Fprintf(&b, "\n%s: %v", key, v)
		}
	}
	return b.String()
}

var _ scout.Capability = (*TokenLookup)(nil)
