package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentworkforce/meetingnotes/internal/apiclient"
	"github.com/agentworkforce/meetingnotes/internal/notes"
)

func TestAnthropicCompleteSendsMessagesRequest(t *testing.T) {
	var captured anthropicRequest
	var headers http.Header
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		headers = r.Header.Clone()
		assert.Equal(t, "/v1/messages", r.URL.Path)
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&captured))
		_, _ = w.Write([]byte(`{"content":[{"type":"text","text":"<summary>done</summary>"}],"stop_reason":"end_turn"}`))
	}))
	defer server.Close()

	client := NewAnthropic(AnthropicOptions{
		APIKey:  "sk-test",
		BaseURL: server.URL,
		Client:  apiclient.New(apiclient.Options{HTTPClient: server.Client()}),
	})
	text, err := client.Complete(context.Background(), notes.CompletionRequest{
		Model:       "claude-3-7-sonnet-latest",
		Prompt:      "summarize",
		MaxTokens:   8000,
		Temperature: 0.5,
	})
	require.NoError(t, err)
	assert.Equal(t, "<summary>done</summary>", text)
	assert.Equal(t, "sk-test", headers.Get("x-api-key"))
	assert.Equal(t, "2023-06-01", headers.Get("anthropic-version"))
	assert.Equal(t, 8000, captured.MaxTokens)
	assert.Equal(t, 0.5, captured.Temperature)
	assert.Empty(t, captured.System)
	require.Len(t, captured.Messages, 1)
	assert.Equal(t, "user", captured.Messages[0].Role)
}

func TestAnthropicRetriesOverloaded(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(529)
			_, _ = w.Write([]byte(`{"type":"error","error":{"type":"overloaded_error","message":"Overloaded"}}`))
			return
		}
		_, _ = w.Write([]byte(`{"content":[{"type":"text","text":"ok"}]}`))
	}))
	defer server.Close()

	client := NewAnthropic(AnthropicOptions{
		APIKey:  "sk-test",
		BaseURL: server.URL,
		Client:  apiclient.New(apiclient.Options{HTTPClient: server.Client(), BaseDelay: time.Millisecond}),
	})
	text, err := client.Complete(context.Background(), notes.CompletionRequest{Model: "m", Prompt: "p", MaxTokens: 10})
	require.NoError(t, err)
	assert.Equal(t, "ok", text)
	assert.EqualValues(t, 2, atomic.LoadInt32(&calls))
}

func TestAnthropicRequiresAPIKey(t *testing.T) {
	_, err := NewAnthropic(AnthropicOptions{}).Complete(context.Background(), notes.CompletionRequest{Prompt: "p"})
	require.Error(t, err)
}

func TestOpenAICompleteSendsSystemAndUserMessages(t *testing.T) {
	var captured chatRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-openai", r.Header.Get("Authorization"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&captured))
		_, _ = w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"Alice: shipped."}}]}`))
	}))
	defer server.Close()

	client := NewOpenAI(OpenAIOptions{
		APIKey:  "sk-openai",
		BaseURL: server.URL,
		Client:  apiclient.New(apiclient.Options{HTTPClient: server.Client()}),
	})
	text, err := client.Complete(context.Background(), notes.CompletionRequest{
		Model:     "gpt-4-turbo",
		System:    notes.DefaultChunkSystemPrompt,
		Prompt:    `"""Alice: we shipped"""`,
		MaxTokens: 4000,
	})
	require.NoError(t, err)
	assert.Equal(t, "Alice: shipped.", text)
	require.Len(t, captured.Messages, 2)
	assert.Equal(t, "system", captured.Messages[0].Role)
	assert.Equal(t, "user", captured.Messages[1].Role)
	assert.Equal(t, 0.0, captured.Temperature)
}

func TestPromptHubFetchesAndCaches(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		assert.Equal(t, "/prompt-hub/agents/meeting-summary-agent", r.URL.Path)
		assert.Equal(t, "hub-key", r.Header.Get("x-api-key"))
		_, _ = w.Write([]byte(`{"data":{"prompt":"Summarize {transcript}"}}`))
	}))
	defer server.Close()

	hub := NewPromptHub(PromptHubOptions{
		BaseURL: server.URL + "/prompt-hub",
		APIKey:  "hub-key",
		Client:  apiclient.New(apiclient.Options{HTTPClient: server.Client()}),
	})
	for i := 0; i < 2; i++ {
		prompt, err := hub.Prompt(context.Background(), "meeting-summary-agent")
		require.NoError(t, err)
		assert.Equal(t, "Summarize {transcript}", prompt)
	}
	assert.EqualValues(t, 1, atomic.LoadInt32(&calls))
}

func TestPromptHubReportsFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	hub := NewPromptHub(PromptHubOptions{BaseURL: server.URL, Client: apiclient.New(apiclient.Options{HTTPClient: server.Client()})})
	_, err := hub.Prompt(context.Background(), "missing")
	require.Error(t, err)

	_, err = NewPromptHub(PromptHubOptions{}).Prompt(context.Background(), "x")
	require.Error(t, err)
}
