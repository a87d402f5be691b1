package notes

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"testing"
	"time"
)

func TestDispatchDirectInvocations(t *testing.T) {
	p := newPipeline(t)
	ctx := context.Background()

	resp := p.dispatcher.Dispatch(ctx, DirectTrigger{Payload: DirectPayload{ID: "doc9", Title: "Weekly Sync", OwnerEmail: "o@example.com"}})
	if resp.Status != http.StatusCreated || resp.ContentType != "text/plain" {
		t.Fatalf("expected 201 text/plain, got %d %s", resp.Status, resp.ContentType)
	}
	if string(resp.Body) != "Document ID doc9 is not a transcript (Weekly Sync)" {
		t.Fatalf("unexpected body %s", resp.Body)
	}

	resp = p.dispatcher.Dispatch(ctx, DirectTrigger{Payload: DirectPayload{ID: "doc9", Title: "Weekly Sync Transcript"}})
	if resp.Status != http.StatusCreated || string(resp.Body) != "missing owner_email" {
		t.Fatalf("expected 201 skip for missing owner, got %d %s", resp.Status, resp.Body)
	}
	if p.queue.Depth() != 0 {
		t.Fatalf("expected nothing queued for a skipped payload, got %d", p.queue.Depth())
	}

	resp = p.dispatcher.Dispatch(ctx, DirectTrigger{Payload: DirectPayload{ID: "doc9", Title: "Weekly Sync Transcript", OwnerEmail: "o@example.com"}})
	if resp.Status != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", resp.Status, resp.Body)
	}
	var result EnqueueResult
	if err := json.Unmarshal(resp.Body, &result); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if !result.IsQueued || result.DocumentID != "doc9" || result.MessageID == "" {
		t.Fatalf("unexpected enqueue result %+v", result)
	}
	if p.queue.Depth() != 1 {
		t.Fatalf("expected one queued task, got %d", p.queue.Depth())
	}
}

func TestDispatchDirectQueueFull(t *testing.T) {
	logger := discardLogger()
	cache := NewCache(NewInMemoryBlobStore(), "")
	queue := NewInMemoryTaskQueue(1)
	queue.TryEnqueue(QueueMessage{MessageID: "occupied"})
	intake := NewIntake(cache, queue, IntakeOptions{EnqueueTimeout: 10 * time.Millisecond, Logger: logger})
	dispatcher := NewDispatcher(nil, nil, nil, intake, nil, DispatcherOptions{Logger: logger})

	resp := dispatcher.Dispatch(context.Background(), DirectTrigger{Payload: DirectPayload{ID: "d", Title: "A Transcript", OwnerEmail: "o@example.com"}})
	if resp.Status != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", resp.Status)
	}
}

func TestDispatchWebhookSyncIsAcknowledged(t *testing.T) {
	p := newPipeline(t)
	resp := p.dispatcher.Dispatch(context.Background(), PlatformWebhookTrigger{User: "owner@example.com", ResourceState: "sync"})
	if resp.Status != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Status)
	}
	if len(p.feed.listCalls) != 0 {
		t.Fatalf("expected no change listing for sync, got %v", p.feed.listCalls)
	}
}

func TestDispatchWebhookFailureIsRetryable(t *testing.T) {
	p := newPipeline(t)
	resp := p.dispatcher.Dispatch(context.Background(), PlatformWebhookTrigger{User: "owner@example.com", PageToken: "unknown", ResourceState: "change"})
	if resp.Status != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", resp.Status)
	}
}

func TestDispatchQueueBatch(t *testing.T) {
	p := newPipeline(t)
	resp := p.dispatcher.Dispatch(context.Background(), QueueBatchTrigger{Records: []QueueRecord{
		{MessageID: "m1", Event: TranscriptEvent{DocumentID: "doc123", Title: "Standup Transcript", OwnerEmail: "owner@example.com"}},
	}})
	if resp.Status != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", resp.Status, resp.Body)
	}
	if len(p.mailer.recipients()) != 2 {
		t.Fatalf("expected two emails, got %v", p.mailer.recipients())
	}
}

func TestDispatchUnrecognizedServesLandingPage(t *testing.T) {
	dispatcher := NewDispatcher(nil, nil, nil, nil, nil, DispatcherOptions{SiteVerification: "abc123", Logger: discardLogger()})
	resp := dispatcher.Dispatch(context.Background(), UnrecognizedTrigger{SourceIP: "198.51.100.4"})
	if resp.Status != http.StatusOK || resp.ContentType != "text/html" {
		t.Fatalf("expected html 200, got %d %s", resp.Status, resp.ContentType)
	}
	if !strings.Contains(string(resp.Body), `content="abc123"`) {
		t.Fatalf("expected site verification tag, got %s", resp.Body)
	}

	resp = dispatcher.Dispatch(context.Background(), ScheduledTrigger{})
	if resp.Status != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 without renewer, got %d", resp.Status)
	}
}
