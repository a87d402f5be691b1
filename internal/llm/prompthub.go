package llm

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/agentworkforce/meetingnotes/internal/apiclient"
)

type PromptHubOptions struct {
	BaseURL  string
	APIKey   string
	CacheTTL time.Duration
	Client   *apiclient.Client
	Now      func() time.Time
}

// PromptHub fetches named prompt templates from a remote registry.
type PromptHub struct {
	baseURL string
	apiKey  string
	ttl     time.Duration
	client  *apiclient.Client
	now     func() time.Time

	mu     sync.Mutex
	cached map[string]cachedPrompt
}

type cachedPrompt struct {
	text      string
	fetchedAt time.Time
}

type promptHubResponse struct {
	Data struct {
		Prompt string `json:"prompt"`
	} `json:"data"`
}

func NewPromptHub(opts PromptHubOptions) *PromptHub {
	client := opts.Client
	if client == nil {
		client = apiclient.New(apiclient.Options{MaxRetries: 1})
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = 10 * time.Minute
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &PromptHub{
		baseURL: strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/"),
		apiKey:  opts.APIKey,
		ttl:     opts.CacheTTL,
		client:  client,
		now:     opts.Now,
		cached:  map[string]cachedPrompt{},
	}
}

// Prompt returns the template named name. Callers fall back to a built-in
// template on error.
func (h *PromptHub) Prompt(ctx context.Context, name string) (string, error) {
	if h.baseURL == "" {
		return "", fmt.Errorf("prompt hub url is not configured")
	}
	h.mu.Lock()
	entry, ok := h.cached[name]
	h.mu.Unlock()
	if ok && h.now().Sub(entry.fetchedAt) < h.ttl {
		return entry.text, nil
	}

	header := http.Header{}
	if h.apiKey != "" {
		header.Set("x-api-key", h.apiKey)
	}
	var resp promptHubResponse
	if err := h.client.JSON(ctx, "prompt-hub", http.MethodGet, h.baseURL+"/agents/"+url.PathEscape(name), header, nil, &resp); err != nil {
		return "", err
	}
	text := strings.TrimSpace(resp.Data.Prompt)
	if text == "" {
		return "", fmt.Errorf("prompt %s is empty", name)
	}
	h.mu.Lock()
	h.cached[name] = cachedPrompt{text: text, fetchedAt: h.now()}
	h.mu.Unlock()
	return text, nil
}
