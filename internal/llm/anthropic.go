package llm

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/agentworkforce/meetingnotes/internal/apiclient"
	"github.com/agentworkforce/meetingnotes/internal/notes"
)

const (
	anthropicBaseURL = "https://api.anthropic.com"
	anthropicVersion = "2023-06-01"
)

type AnthropicOptions struct {
	APIKey  string
	BaseURL string
	Version string
	Client  *apiclient.Client
}

// Anthropic completes prompts with the Messages API.
type Anthropic struct {
	apiKey  string
	baseURL string
	version string
	client  *apiclient.Client
}

type anthropicRequest struct {
	Model       string             `json:"model"`
	MaxTokens   int                `json:"max_tokens"`
	System      string             `json:"system,omitempty"`
	Temperature float64            `json:"temperature"`
	Messages    []anthropicMessage `json:"messages"`
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	StopReason string `json:"stop_reason"`
}

func NewAnthropic(opts AnthropicOptions) *Anthropic {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		baseURL = anthropicBaseURL
	}
	version := strings.TrimSpace(opts.Version)
	if version == "" {
		version = anthropicVersion
	}
	client := opts.Client
	if client == nil {
		client = apiclient.New(apiclient.Options{})
	}
	return &Anthropic{apiKey: opts.APIKey, baseURL: baseURL, version: version, client: client}
}

func (a *Anthropic) Complete(ctx context.Context, req notes.CompletionRequest) (string, error) {
	if strings.TrimSpace(a.apiKey) == "" {
		return "", errors.New("anthropic api key is not configured")
	}
	header := http.Header{}
	header.Set("x-api-key", a.apiKey)
	header.Set("anthropic-version", a.version)

	var resp anthropicResponse
	err := a.client.JSON(ctx, "anthropic", http.MethodPost, a.baseURL+"/v1/messages", header, anthropicRequest{
		Model:       req.Model,
		MaxTokens:   req.MaxTokens,
		System:      req.System,
		Temperature: req.Temperature,
		Messages:    []anthropicMessage{{Role: "user", Content: req.Prompt}},
	}, &resp)
	if err != nil {
		return "", err
	}
	var text strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	if text.Len() == 0 {
		return "", errors.New("anthropic response has no text content")
	}
	return text.String(), nil
}
