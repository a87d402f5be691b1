package notes

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

type TriggerKind string

const (
	TriggerScheduled       TriggerKind = "scheduled"
	TriggerQueueBatch      TriggerKind = "queue_batch"
	TriggerPlatformWebhook TriggerKind = "platform_webhook"
	TriggerDirect          TriggerKind = "direct"
	TriggerUnrecognized    TriggerKind = "unrecognized"
)

// Trigger is the closed set of inbound invocations. Classify is the only
// place that inspects raw payload shapes.
type Trigger interface {
	Kind() TriggerKind
}

// ScheduledTrigger renews subscriptions. WebhookURL, when set, replaces the
// configured notification address for this run.
type ScheduledTrigger struct {
	WebhookURL string
}

type QueueRecord struct {
	MessageID string
	Event     TranscriptEvent
	Err       error
}

type QueueBatchTrigger struct {
	Records []QueueRecord
}

type PlatformWebhookTrigger struct {
	User          string
	PageToken     string
	ResourceState string
	ChannelID     string
}

type DirectTrigger struct {
	Payload DirectPayload
}

type UnrecognizedTrigger struct {
	SourceIP string
	Reason   string
}

func (ScheduledTrigger) Kind() TriggerKind       { return TriggerScheduled }
func (QueueBatchTrigger) Kind() TriggerKind      { return TriggerQueueBatch }
func (PlatformWebhookTrigger) Kind() TriggerKind { return TriggerPlatformWebhook }
func (DirectTrigger) Kind() TriggerKind          { return TriggerDirect }
func (UnrecognizedTrigger) Kind() TriggerKind    { return TriggerUnrecognized }

// Invocation is a raw inbound call: HTTP headers when it came over HTTP and
// the request body, which may also be a serverless-style event envelope.
type Invocation struct {
	Headers  http.Header
	Body     []byte
	SourceIP string
}

const (
	headerResourceURI   = "X-Goog-Resource-Uri"
	headerChannelToken  = "X-Goog-Channel-Token"
	headerResourceState = "X-Goog-Resource-State"
	headerChannelID     = "X-Goog-Channel-Id"
)

const directPayloadSchema = `{
	"type": "object",
	"required": ["id"],
	"properties": {
		"id": {"type": "string", "minLength": 1},
		"title": {"type": "string"},
		"owner_email": {"type": "string"},
		"link": {"type": "string"}
	}
}`

const queueBodySchema = `{
	"type": "object",
	"required": ["id", "title", "owner_email"],
	"properties": {
		"id": {"type": "string", "minLength": 1},
		"title": {"type": "string"},
		"owner_email": {"type": "string", "minLength": 3},
		"link": {"type": "string"}
	}
}`

type payloadValidator struct {
	direct *jsonschema.Schema
	queue  *jsonschema.Schema
}

var validators = mustCompileValidators()

func mustCompileValidators() payloadValidator {
	compiler := jsonschema.NewCompiler()
	schemas := map[string]string{
		"https://meetingnotes.local/schemas/direct.json": directPayloadSchema,
		"https://meetingnotes.local/schemas/queue.json":  queueBodySchema,
	}
	for loc, raw := range schemas {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(raw))
		if err != nil {
			panic(err)
		}
		if err := compiler.AddResource(loc, doc); err != nil {
			panic(err)
		}
	}
	return payloadValidator{
		direct: compiler.MustCompile("https://meetingnotes.local/schemas/direct.json"),
		queue:  compiler.MustCompile("https://meetingnotes.local/schemas/queue.json"),
	}
}

func validateAgainst(schema *jsonschema.Schema, raw []byte) error {
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if err := schema.Validate(inst); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	return nil
}

// ParseDirectPayload validates and decodes a direct invocation body.
func ParseDirectPayload(raw []byte) (DirectPayload, error) {
	if err := validateAgainst(validators.direct, raw); err != nil {
		return DirectPayload{}, err
	}
	var payload DirectPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return DirectPayload{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	return payload, nil
}

func ParseQueueBody(raw []byte) (TranscriptEvent, error) {
	if err := validateAgainst(validators.queue, raw); err != nil {
		return TranscriptEvent{}, err
	}
	var event TranscriptEvent
	if err := json.Unmarshal(raw, &event); err != nil {
		return TranscriptEvent{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	return event, nil
}

func Classify(inv Invocation) Trigger {
	if inv.Headers != nil && inv.Headers.Get(headerResourceURI) != "" {
		return webhookTrigger(
			inv.Headers.Get(headerResourceURI),
			inv.Headers.Get(headerChannelToken),
			inv.Headers.Get(headerResourceState),
			inv.Headers.Get(headerChannelID),
			inv.SourceIP,
		)
	}
	if len(bytes.TrimSpace(inv.Body)) == 0 {
		return UnrecognizedTrigger{SourceIP: inv.SourceIP, Reason: "empty body"}
	}
	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(inv.Body, &envelope); err != nil {
		return UnrecognizedTrigger{SourceIP: inv.SourceIP, Reason: "body is not a json object"}
	}
	sourceIP := inv.SourceIP
	if ip := envelopeSourceIP(envelope); ip != "" {
		sourceIP = ip
	}

	if _, ok := envelope["is_scheduled"]; ok {
		var trigger ScheduledTrigger
		if raw, ok := envelope["webhook_url"]; ok {
			_ = json.Unmarshal(raw, &trigger.WebhookURL)
		}
		return trigger
	}
	if raw, ok := envelope["Records"]; ok {
		return queueBatchTrigger(raw)
	}
	if raw, ok := envelope["headers"]; ok {
		var headers map[string]string
		if json.Unmarshal(raw, &headers) == nil {
			lower := map[string]string{}
			for k, v := range headers {
				lower[strings.ToLower(k)] = v
			}
			if uri := lower["x-goog-resource-uri"]; uri != "" {
				return webhookTrigger(uri, lower["x-goog-channel-token"], lower["x-goog-resource-state"], lower["x-goog-channel-id"], sourceIP)
			}
		}
	}
	if raw, ok := envelope["body"]; ok {
		if body := unwrapBody(raw); body != nil {
			if payload, err := ParseDirectPayload(body); err == nil {
				return DirectTrigger{Payload: payload}
			}
		}
	}
	if _, ok := envelope["id"]; ok {
		if payload, err := ParseDirectPayload(inv.Body); err == nil {
			return DirectTrigger{Payload: payload}
		}
	}
	return UnrecognizedTrigger{SourceIP: sourceIP, Reason: "no known event shape"}
}

func webhookTrigger(resourceURI, channelToken, resourceState, channelID, sourceIP string) Trigger {
	user, err := url.QueryUnescape(channelToken)
	if err != nil || !strings.Contains(user, "@") {
		return UnrecognizedTrigger{SourceIP: sourceIP, Reason: "webhook without a valid channel token"}
	}
	return PlatformWebhookTrigger{
		User:          user,
		PageToken:     pageTokenFromResourceURI(resourceURI),
		ResourceState: strings.ToLower(strings.TrimSpace(resourceState)),
		ChannelID:     channelID,
	}
}

func pageTokenFromResourceURI(resourceURI string) string {
	if parsed, err := url.Parse(resourceURI); err == nil {
		if token := parsed.Query().Get("pageToken"); token != "" {
			return token
		}
	}
	if _, after, ok := strings.Cut(resourceURI, "pageToken="); ok {
		token, _, _ := strings.Cut(after, "&")
		return token
	}
	return ""
}

func queueBatchTrigger(raw json.RawMessage) Trigger {
	var records []struct {
		MessageID string          `json:"messageId"`
		Body      json.RawMessage `json:"body"`
	}
	if err := json.Unmarshal(raw, &records); err != nil {
		return UnrecognizedTrigger{Reason: "malformed Records"}
	}
	batch := QueueBatchTrigger{Records: make([]QueueRecord, 0, len(records))}
	for _, record := range records {
		item := QueueRecord{MessageID: record.MessageID}
		body := unwrapBody(record.Body)
		if body == nil {
			item.Err = fmt.Errorf("%w: record %s has no body", ErrInvalidInput, record.MessageID)
		} else {
			item.Event, item.Err = ParseQueueBody(body)
		}
		batch.Records = append(batch.Records, item)
	}
	return batch
}

// unwrapBody accepts a body given either as a JSON object or as a string
// holding one.
func unwrapBody(raw json.RawMessage) []byte {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil
	}
	if raw[0] == '"' {
		var inner string
		if err := json.Unmarshal(raw, &inner); err != nil {
			return nil
		}
		return []byte(inner)
	}
	return raw
}

func envelopeSourceIP(envelope map[string]json.RawMessage) string {
	raw, ok := envelope["requestContext"]
	if !ok {
		return ""
	}
	var requestContext struct {
		HTTP struct {
			SourceIP string `json:"sourceIp"`
		} `json:"http"`
	}
	if json.Unmarshal(raw, &requestContext) != nil {
		return ""
	}
	return requestContext.HTTP.SourceIP
}
