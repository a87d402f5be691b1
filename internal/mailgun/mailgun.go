package mailgun

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/agentworkforce/meetingnotes/internal/apiclient"
	"github.com/agentworkforce/meetingnotes/internal/notes"
)

const defaultBaseURL = "https://api.mailgun.net"

type Options struct {
	APIKey  string
	Domain  string
	BaseURL string
	// From overrides the default "Meeting Notes <no-reply@domain>" sender.
	From   string
	Client *apiclient.Client
}

// Sender delivers plain-text email through the Mailgun messages API.
type Sender struct {
	apiKey  string
	domain  string
	baseURL string
	from    string
	client  *apiclient.Client
}

type sendResponse struct {
	ID      string `json:"id"`
	Message string `json:"message"`
}

func New(opts Options) *Sender {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	domain := strings.TrimSpace(opts.Domain)
	from := strings.TrimSpace(opts.From)
	if from == "" {
		from = DefaultFrom(domain)
	}
	client := opts.Client
	if client == nil {
		client = apiclient.New(apiclient.Options{})
	}
	return &Sender{apiKey: opts.APIKey, domain: domain, baseURL: baseURL, from: from, client: client}
}

func DefaultFrom(domain string) string {
	return fmt.Sprintf("Meeting Notes <no-reply@%s>", domain)
}

func (s *Sender) From() string {
	return s.from
}

// Send posts the message and returns the provider message id.
func (s *Sender) Send(ctx context.Context, msg notes.Email) (string, error) {
	if s.apiKey == "" || s.domain == "" {
		return "", errors.New("mailgun api key and domain are required")
	}
	if strings.TrimSpace(msg.To) == "" {
		return "", fmt.Errorf("%w: email without recipient", notes.ErrInvalidInput)
	}
	from := msg.From
	if from == "" {
		from = s.from
	}
	form := url.Values{}
	form.Set("from", from)
	form.Set("to", msg.To)
	form.Set("subject", msg.Subject)
	form.Set("text", msg.Text)
	encoded := form.Encode()
	endpoint := s.baseURL + "/v3/" + url.PathEscape(s.domain) + "/messages"

	resp, err := s.client.Do(ctx, "mailgun", func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(encoded))
		if err != nil {
			return nil, err
		}
		req.SetBasicAuth("api", s.apiKey)
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		return req, nil
	})
	if err != nil {
		return "", err
	}
	var parsed sendResponse
	if err := json.Unmarshal(resp.Body, &parsed); err != nil {
		return "", fmt.Errorf("decode mailgun response: %w", err)
	}
	return parsed.ID, nil
}
