// Package websearch provides DuckDuckGo HTML search and page text
// extraction for web-augmented retrieval.
package websearch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"
	"unicode/utf8"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/net/html"

	"github.com/hollowaylabs/docqd/internal/cache"
)

var tracer = otel.Tracer("docqd.websearch")

const defaultUserAgent = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36"

// maxBodyBytes caps how much of a fetched page is read before parsing.
const maxBodyBytes = 2 << 20

// Result is a single search hit, optionally with extracted page text.
type Result struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet"`
	Content string `json:"content,omitempty"`
}

// Config holds web search settings.
type Config struct {
	// SearchURL is the HTML search endpoint. Default: DuckDuckGo.
	SearchURL string

	// Timeout bounds each outbound HTTP request.
	Timeout time.Duration

	// CacheTTL is how long search results stay cached.
	CacheTTL time.Duration

	// CacheSize bounds the number of cached queries.
	CacheSize int

	// MaxContentChars truncates extracted page text.
	MaxContentChars int

	// UserAgent is sent on every outbound request.
	UserAgent string
}

// ApplyDefaults sets default values for unset fields.
func (c *Config) ApplyDefaults() {
	if c.SearchURL == "" {
		c.SearchURL = "https://html.duckduckgo.com/html/"
	}
	if c.Timeout == 0 {
		c.Timeout = 10 * time.Second
	}
	if c.CacheTTL == 0 {
		c.CacheTTL = 15 * time.Minute
	}
	if c.CacheSize == 0 {
		c.CacheSize = 100
	}
	if c.MaxContentChars == 0 {
		c.MaxContentChars = 5000
	}
	if c.UserAgent == "" {
		c.UserAgent = defaultUserAgent
	}
}

// Client searches the web and extracts page text.
type Client struct {
	config     Config
	httpClient *http.Client
	cache      *cache.TTL[string, []Result]
	logger     *zap.Logger
}

// NewClient creates a web search client.
func NewClient(config Config, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	config.ApplyDefaults()
	return &Client{
		config:     config,
		httpClient: &http.Client{Timeout: config.Timeout},
		cache:      cache.NewTTL[string, []Result](config.CacheSize, config.CacheTTL),
		logger:     logger,
	}
}

// Search returns up to k results for the query. Results are cached per
// (query, k) pair; a failed search returns an empty slice, not an error,
// so callers can fall back to document-only retrieval.
func (c *Client) Search(ctx context.Context, query string, k int) []Result {
	ctx, span := tracer.Start(ctx, "websearch.search")
	defer span.End()
	span.SetAttributes(attribute.String("query", query), attribute.Int("k", k))

	cacheKey := fmt.Sprintf("%s:%d", query, k)
	if cached, ok := c.cache.Get(cacheKey); ok {
		c.logger.Debug("returning cached search results", zap.String("query", query))
		return slices.Clone(cached)
	}

	results, err := c.searchHTML(ctx, query, k)
	if err != nil {
		span.RecordError(err)
		c.logger.Warn("web search failed", zap.String("query", query), zap.Error(err))
		return []Result{}
	}

	// Callers mutate their slice (SearchAndExtract fills Content), so the
	// cache keeps its own copy.
	c.cache.Set(cacheKey, slices.Clone(results))
	span.SetAttributes(attribute.Int("results", len(results)))
	return results
}

func (c *Client) searchHTML(ctx context.Context, query string, k int) ([]Result, error) {
	endpoint := c.config.SearchURL + "?q=" + url.QueryEscape(query)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", c.config.UserAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("search request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("search returned status %d", resp.StatusCode)
	}

	root, err := html.Parse(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("parsing search page: %w", err)
	}
	return parseResults(root, k), nil
}

// parseResults walks the DuckDuckGo HTML result page. Each hit lives in a
// div.result__body holding an a.result__a title link and an
// a.result__snippet.
func parseResults(root *html.Node, k int) []Result {
	results := []Result{}
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if len(results) >= k {
			return
		}
		if n.Type == html.ElementNode && n.Data == "div" && hasClass(n, "result__body") {
			if r, ok := parseResult(n); ok {
				results = append(results, r)
			}
			return
		}
		for child := n.FirstChild; child != nil; child = child.NextSibling {
			walk(child)
		}
	}
	walk(root)
	return results
}

func parseResult(body *html.Node) (Result, bool) {
	var r Result
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && n.Data == "a" {
			switch {
			case hasClass(n, "result__a") && r.Title == "":
				r.Title = strings.TrimSpace(nodeText(n))
				r.URL = normalizeURL(attr(n, "href"))
			case hasClass(n, "result__snippet") && r.Snippet == "":
				r.Snippet = strings.TrimSpace(nodeText(n))
			}
		}
		for child := n.FirstChild; child != nil; child = child.NextSibling {
			walk(child)
		}
	}
	walk(body)
	return r, r.Title != "" && r.URL != ""
}

// normalizeURL fixes the protocol-relative links DuckDuckGo emits.
func normalizeURL(raw string) string {
	if strings.HasPrefix(raw, "//") {
		return "https:" + raw
	}
	return raw
}

// Fetch retrieves a page and returns its visible text, truncated to
// MaxContentChars. Returns an empty string on any failure.
func (c *Client) Fetch(ctx context.Context, pageURL string) string {
	ctx, span := tracer.Start(ctx, "websearch.fetch")
	defer span.End()
	span.SetAttributes(attribute.String("url", pageURL))

	pageURL = normalizeURL(pageURL)
	if !strings.HasPrefix(pageURL, "http://") && !strings.HasPrefix(pageURL, "https://") {
		c.logger.Warn("skipping invalid url", zap.String("url", pageURL))
		return ""
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return ""
	}
	req.Header.Set("User-Agent", c.config.UserAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Warn("page fetch failed", zap.String("url", pageURL), zap.Error(err))
		return ""
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return ""
	}

	root, err := html.Parse(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return ""
	}

	text := extractText(root)
	if len(text) > c.config.MaxContentChars {
		text = truncateRunes(text, c.config.MaxContentChars) + "..."
	}
	return text
}

// truncateRunes cuts s to at most max bytes without splitting a rune.
func truncateRunes(s string, max int) string {
	if len(s) <= max {
		return s
	}
	for max > 0 && !utf8.RuneStart(s[max]) {
		max--
	}
	return s[:max]
}

// extractText collects visible text, skipping script and style subtrees and
// collapsing runs of whitespace.
func extractText(root *html.Node) string {
	var parts []string
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && (n.Data == "script" || n.Data == "style" || n.Data == "noscript") {
			return
		}
		if n.Type == html.TextNode {
			if t := strings.TrimSpace(n.Data); t != "" {
				parts = append(parts, t)
			}
		}
		for child := n.FirstChild; child != nil; child = child.NextSibling {
			walk(child)
		}
	}
	walk(root)
	return strings.Join(strings.Fields(strings.Join(parts, " ")), " ")
}

// SearchAndExtract searches with a 2x over-fetch, pulls page text for hits
// until k have content, and returns at most k results. Hits whose pages
// could not be fetched rank after extracted ones and only pad the result
// up to k; their snippets still give retrieval something to embed.
func (c *Client) SearchAndExtract(ctx context.Context, query string, k int) []Result {
	ctx, span := tracer.Start(ctx, "websearch.search_and_extract")
	defer span.End()

	hits := c.Search(ctx, query, k*2)

	results := make([]Result, 0, k)
	var unfetched []Result
	for _, hit := range hits {
		if len(results) >= k {
			break
		}
		if content := c.Fetch(ctx, hit.URL); content != "" {
			hit.Content = content
			results = append(results, hit)
		} else {
			unfetched = append(unfetched, hit)
		}
	}
	extracted := len(results)
	for _, hit := range unfetched {
		if len(results) >= k {
			break
		}
		results = append(results, hit)
	}

	span.SetAttributes(attribute.Int("results", len(results)), attribute.Int("extracted", extracted))
	return results
}

// ClearCache empties the search result cache.
func (c *Client) ClearCache() {
	c.cache.Clear()
}

func hasClass(n *html.Node, class string) bool {
	for _, a := range n.Attr {
		if a.Key != "class" {
			continue
		}
		for _, c := range strings.Fields(a.Val) {
			if c == class {
				return true
			}
		}
	}
	return false
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

func nodeText(n *html.Node) string {
	var sb strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			sb.WriteString(n.Data)
		}
		for child := n.FirstChild; child != nil; child = child.NextSibling {
			walk(child)
		}
	}
	walk(n)
	return sb.String()
}
