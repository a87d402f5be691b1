package llm

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/agentworkforce/meetingnotes/internal/apiclient"
	"github.com/agentworkforce/meetingnotes/internal/notes"
)

const openAIBaseURL = "https://api.openai.com"

type OpenAIOptions struct {
	APIKey  string
	BaseURL string
	Client  *apiclient.Client
}

// OpenAI completes prompts with the chat completions API.
type OpenAI struct {
	apiKey  string
	baseURL string
	client  *apiclient.Client
}

type chatRequest struct {
	Model       string        `json:"model"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Messages    []chatMessage `json:"messages"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

func NewOpenAI(opts OpenAIOptions) *OpenAI {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		baseURL = openAIBaseURL
	}
	client := opts.Client
	if client == nil {
		client = apiclient.New(apiclient.Options{})
	}
	return &OpenAI{apiKey: opts.APIKey, baseURL: baseURL, client: client}
}

func (o *OpenAI) Complete(ctx context.Context, req notes.CompletionRequest) (string, error) {
	if strings.TrimSpace(o.apiKey) == "" {
		return "", errors.New("openai api key is not configured")
	}
	messages := make([]chatMessage, 0, 2)
	if req.System != "" {
		messages = append(messages, chatMessage{Role: "system", Content: req.System})
	}
	messages = append(messages, chatMessage{Role: "user", Content: req.Prompt})

	header := http.Header{}
	header.Set("Authorization", "Bearer "+o.apiKey)
	var resp chatResponse
	err := o.client.JSON(ctx, "openai", http.MethodPost, o.baseURL+"/v1/chat/completions", header, chatRequest{
		Model:       req.Model,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
		Messages:    messages,
	}, &resp)
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("openai response has no choices")
	}
	return resp.Choices[0].Message.Content, nil
}
