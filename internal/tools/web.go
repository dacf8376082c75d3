package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"
)

const (
	webSearchTimeout = 10 * time.Second
	webFetchTimeout  = 30 * time.Second
	defaultMaxChars  = 20000
)

// WebSearchTool queries the Brave search API and formats a numbered list.
type WebSearchTool struct {
	apiKey string
	client *http.Client
}

// NewWebSearchTool creates the web_search tool. Returns nil when no API
// key is configured, so the caller simply skips registration.
func NewWebSearchTool(apiKey string) *WebSearchTool {
	if apiKey == "" {
		return nil
	}
	return &WebSearchTool{
		apiKey: apiKey,
		client: &http.Client{Timeout: webSearchTimeout},
	}
}

func (t *WebSearchTool) Name() string { return "web_search" }

func (t *WebSearchTool) Description() string {
	return "Search the web. Returns titles, URLs, and short snippets. Use web_fetch on relevant URLs to read full content."
}

func (t *WebSearchTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"query": map[string]any{
				"type":        "string",
				"description": "Search query",
			},
			"count": map[string]any{
				"type":        "integer",
				"description": "Number of results (1-10, default 5)",
			},
		},
		"required": []string{"query"},
	}
}

func (t *WebSearchTool) Execute(ctx context.Context, turn Turn, args map[string]any) (string, error) {
	query := stringArg(args, "query")
	count := intArg(args, "count", 5)
	if count < 1 {
		count = 1
	} else if count > 10 {
		count = 10
	}

	ctx, cancel := context.WithTimeout(ctx, webSearchTimeout)
	defer cancel()

	endpoint := fmt.Sprintf("https://api.search.brave.com/res/v1/web/search?q=%s&count=%d",
		url.QueryEscape(query), count)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Sprintf("Error: search request failed: %v", err), nil
	}
	req.Header.Set("X-Subscription-Token", t.apiKey)
	req.Header.Set("Accept", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Sprintf("Error: search failed: %v", err), nil
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Sprintf("Error: search returned %d: %s", resp.StatusCode, string(body)), nil
	}

	var braveResp struct {
		Web struct {
			Results []struct {
				Title       string `json:"title"`
				URL         string `json:"url"`
				Description string `json:"description"`
			} `json:"results"`
		} `json:"web"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&braveResp); err != nil {
		return fmt.Sprintf("Error: failed to parse search response: %v", err), nil
	}
	if len(braveResp.Web.Results) == 0 {
		return "No results found for: " + query, nil
	}

	var b strings.Builder
	for i, r := range braveResp.Web.Results {
		if i >= count {
			break
		}
		fmt.Fprintf(&b, "%d. %s\n   %s\n   %s\n", i+1, r.Title, r.URL, r.Description)
	}
	return strings.TrimRight(b.String(), "\n"), nil
}

// WebFetchTool fetches a URL and returns extracted text or raw content as
// a JSON result.
type WebFetchTool struct {
	client   *http.Client
	maxChars int
}

// NewWebFetchTool creates the web_fetch tool.
func NewWebFetchTool(maxChars int) *WebFetchTool {
	if maxChars <= 0 {
		maxChars = defaultMaxChars
	}
	return &WebFetchTool{
		client:   &http.Client{Timeout: webFetchTimeout},
		maxChars: maxChars,
	}
}

func (t *WebFetchTool) Name() string { return "web_fetch" }

func (t *WebFetchTool) Description() string {
	return "Fetch a URL and return its content. extractMode \"text\" strips markup, \"raw\" returns the body as-is."
}

func (t *WebFetchTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"url": map[string]any{
				"type":        "string",
				"description": "HTTP or HTTPS URL to fetch",
			},
			"extractMode": map[string]any{
				"type":        "string",
				"description": "\"text\" (default) or \"raw\"",
			},
			"maxChars": map[string]any{
				"type":        "integer",
				"description": "Truncate the content at this many characters",
			},
		},
		"required": []string{"url"},
	}
}

// fetchResult is the JSON shape returned to the LLM.
type fetchResult struct {
	URL       string `json:"url"`
	Status    int    `json:"status,omitempty"`
	Content   string `json:"content,omitempty"`
	Truncated bool   `json:"truncated,omitempty"`
	Error     string `json:"error,omitempty"`
}

func (t *WebFetchTool) Execute(ctx context.Context, turn Turn, args map[string]any) (string, error) {
	rawURL := stringArg(args, "url")
	extractMode := stringArg(args, "extractMode")
	maxChars := intArg(args, "maxChars", t.maxChars)
	if maxChars <= 0 || maxChars > t.maxChars {
		maxChars = t.maxChars
	}

	parsed, err := url.Parse(rawURL)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") {
		return marshalResult(fetchResult{URL: rawURL, Error: "URL validation failed: only http and https are supported"}), nil
	}

	ctx, cancel := context.WithTimeout(ctx, webFetchTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return marshalResult(fetchResult{URL: rawURL, Error: err.Error()}), nil
	}
	req.Header.Set("User-Agent", "robun/1.0")

	resp, err := t.client.Do(req)
	if err != nil {
		return marshalResult(fetchResult{URL: rawURL, Error: fmt.Sprintf("fetch failed: %v", err)}), nil
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4*1024*1024))
	if err != nil {
		return marshalResult(fetchResult{URL: rawURL, Status: resp.StatusCode, Error: fmt.Sprintf("read failed: %v", err)}), nil
	}

	content := string(body)
	if extractMode != "raw" {
		content = extractText(content)
	}
	truncated := false
	if len(content) > maxChars {
		content = content[:maxChars]
		truncated = true
	}
	return marshalResult(fetchResult{
		URL:       rawURL,
		Status:    resp.StatusCode,
		Content:   content,
		Truncated: truncated,
	}), nil
}

func marshalResult(r fetchResult) string {
	out, err := json.Marshal(r)
	if err != nil {
		return fmt.Sprintf(`{"error":%q}`, err.Error())
	}
	return string(out)
}

var (
	scriptRe = regexp.MustCompile(`(?is)<(script|style|noscript)[^>]*>.*?</(script|style|noscript)>`)
	tagRe    = regexp.MustCompile(`<[^>]+>`)
	blankRe  = regexp.MustCompile(`\n{3,}`)
)

// extractText reduces an HTML document to readable text: scripts and
// styles are removed, tags stripped, entities decoded for the common
// cases, and blank runs collapsed.
func extractText(html string) string {
	text := scriptRe.ReplaceAllString(html, "")
	text = tagRe.ReplaceAllString(text, "\n")
	replacer := strings.NewReplacer(
		"&nbsp;", " ",
		"&amp;", "&",
		"&lt;", "<",
		"&gt;", ">",
		"&quot;", `"`,
		"&#39;", "'",
	)
	text = replacer.Replace(text)

	lines := strings.Split(text, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimSpace(line)
	}
	text = strings.Join(lines, "\n")
	text = blankRe.ReplaceAllString(text, "\n\n")
	return strings.TrimSpace(text)
}
