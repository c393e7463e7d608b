// Package webfetch provides a bounded HTTP fetch tool: it downloads a
// page, strips markup and returns the title plus readable text. No
// browser automation, no redirect chasing beyond the client default.
package webfetch

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

	"github.com/hua-bang/pulse-coder-sub000/internal/agent"
)

const (
	// defaultMaxChars caps the extracted text returned to the model.
	defaultMaxChars = 10000

	// maxBodyBytes caps the downloaded body regardless of max_chars.
	maxBodyBytes = 2 << 20

	fetchTimeout = 20 * time.Second
	userAgent    = "pulsecoder-webfetch/1.0"
)

// Config controls fetch defaults.
type Config struct {
	MaxChars int
}

// Tool implements the web_fetch agent tool.
type Tool struct {
	client   *http.Client
	maxChars int
}

// Option customizes Tool construction.
type Option func(*Tool)

// WithClient overrides the HTTP client; tests point it at a local
// server.
func WithClient(client *http.Client) Option {
	return func(t *Tool) {
		if client != nil {
			t.client = client
		}
	}
}

// New creates the fetch tool with defaults applied.
func New(cfg Config, opts ...Option) *Tool {
	maxChars := cfg.MaxChars
	if maxChars <= 0 {
		maxChars = defaultMaxChars
	}
	t := &Tool{
		client:   &http.Client{Timeout: fetchTimeout},
		maxChars: maxChars,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *Tool) Name() string {
	return "web_fetch"
}

func (t *Tool) Description() string {
	return "Fetch a URL and return its title and readable text content."
}

func (t *Tool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"url": {"type": "string", "description": "URL to fetch (http/https only)."},
			"max_chars": {"type": "integer", "description": "Maximum characters of text to return.", "minimum": 0}
		},
		"required": ["url"]
	}`)
}

// Execute downloads the page and extracts title + text.
func (t *Tool) Execute(ctx context.Context, input json.RawMessage, ec *agent.ExecContext) (json.RawMessage, error) {
	var params struct {
		URL      string `json:"url"`
		MaxChars int    `json:"max_chars"`
	}
	if err := json.Unmarshal(input, &params); err != nil {
		return nil, fmt.Errorf("invalid parameters: %w", err)
	}

	target, err := url.Parse(strings.TrimSpace(params.URL))
	if err != nil {
		return nil, fmt.Errorf("invalid url: %w", err)
	}
	if target.Scheme != "http" && target.Scheme != "https" {
		return nil, fmt.Errorf("unsupported scheme %q", target.Scheme)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "text/html,text/plain;q=0.9,*/*;q=0.5")

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch: status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}

	title, text := extract(string(body))

	limit := t.maxChars
	if params.MaxChars > 0 && params.MaxChars < limit {
		limit = params.MaxChars
	}
	truncated := false
	if runes := []rune(text); len(runes) > limit {
		text = string(runes[:limit])
		truncated = true
	}

	return json.Marshal(map[string]any{
		"url":       target.String(),
		"title":     title,
		"text":      text,
		"truncated": truncated,
	})
}

var (
	titleRe   = regexp.MustCompile(`(?is)<title[^>]*>(.*?)</title>`)
	scriptRe  = regexp.MustCompile(`(?is)<(script|style|noscript|head)[^>]*>.*?</(script|style|noscript|head)>`)
	tagRe     = regexp.MustCompile(`(?s)<[^>]*>`)
	spaceRe   = regexp.MustCompile(`[ \t]+`)
	newlineRe = regexp.MustCompile(`\n{3,}`)
)

// extract pulls the title and a plain-text rendering out of HTML. Non-
// HTML input passes through as text with an empty title.
func extract(body string) (title, text string) {
	if m := titleRe.FindStringSubmatch(body); m != nil {
		title = strings.TrimSpace(decodeEntities(m[1]))
	}

	cleaned := scriptRe.ReplaceAllString(body, " ")
	cleaned = tagRe.ReplaceAllString(cleaned, "\n")
	cleaned = decodeEntities(cleaned)
	cleaned = spaceRe.ReplaceAllString(cleaned, " ")

	var lines []string
	for _, line := range strings.Split(cleaned, "\n") {
		if trimmed := strings.TrimSpace(line); trimmed != "" {
			lines = append(lines, trimmed)
		}
	}
	text = strings.Join(lines, "\n")
	text = newlineRe.ReplaceAllString(text, "\n\n")
	return title, text
}

var entityReplacer = strings.NewReplacer(
	"&amp;", "&",
	"&lt;", "<",
	"&gt;", ">",
	"&quot;", `"`,
	"&#39;", "'",
	"&nbsp;", " ",
)

func decodeEntities(s string) string {
	return entityReplacer.Replace(s)
}
