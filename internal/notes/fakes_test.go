package notes

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeFeed struct {
	mu         sync.Mutex
	startToken string
	startCalls int
	pages      map[string]ChangePage
	listCalls  []string
}

func (f *fakeFeed) StartPageToken(_ context.Context, _ string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.startCalls++
	if f.startToken == "" {
		return "", errors.New("no start token")
	}
	return f.startToken, nil
}

func (f *fakeFeed) ListChanges(_ context.Context, user, pageToken string) (ChangePage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listCalls = append(f.listCalls, user+"|"+pageToken)
	page, ok := f.pages[pageToken]
	if !ok {
		return ChangePage{}, fmt.Errorf("unknown page token %s", pageToken)
	}
	return page, nil
}

type fakeDocs struct {
	mu          sync.Mutex
	texts       map[string]string
	permissions map[string][]Permission
	exportCalls int
}

func (f *fakeDocs) ExportText(_ context.Context, documentID, _ string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.exportCalls++
	text, ok := f.texts[documentID]
	if !ok {
		return "", ErrNotFound
	}
	return text, nil
}

func (f *fakeDocs) ListPermissions(_ context.Context, documentID, _ string) ([]Permission, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.permissions[documentID], nil
}

type fakeCompleter struct {
	mu       sync.Mutex
	requests []CompletionRequest
	respond  func(CompletionRequest) (string, error)
}

func (f *fakeCompleter) Complete(_ context.Context, req CompletionRequest) (string, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	respond := f.respond
	f.mu.Unlock()
	if respond == nil {
		return "summary", nil
	}
	return respond(req)
}

func (f *fakeCompleter) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

type fakeMailer struct {
	mu     sync.Mutex
	sent   []Email
	failTo map[string]error
}

func (f *fakeMailer) Send(_ context.Context, msg Email) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failTo[msg.To]; err != nil {
		return "", err
	}
	f.sent = append(f.sent, msg)
	return fmt.Sprintf("<msg-%d@example.com>", len(f.sent)), nil
}

func (f *fakeMailer) recipients() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.sent))
	for _, msg := range f.sent {
		out = append(out, msg.To)
	}
	return out
}

type fakeSubscriber struct {
	mu       sync.Mutex
	requests []WatchRequest
	failFor  map[string]error
}

func (f *fakeSubscriber) Watch(_ context.Context, req WatchRequest) (WatchChannel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failFor[req.User]; err != nil {
		return WatchChannel{}, err
	}
	f.requests = append(f.requests, req)
	return WatchChannel{ID: req.ChannelID, ResourceID: "res-" + req.User, Expiration: req.Expiration}, nil
}

const standupTranscript = "Standup - 2026/10/16 09:00 PDT - Transcript\n" +
	"\n" +
	"Alice Smith, Bob Jones\n" +
	"\n" +
	"Transcript\n" +
	"Alice Smith: good morning everyone, let's get started\n" +
	"Alice Smith: the ingestion pipeline shipped yesterday\n" +
	"Bob Jones: great, I will monitor the dead letters today\n" +
	"Bob Jones: ok\n"

func transcriptChange(id, name string) Change {
	return Change{
		Type:   ChangeTypeFile,
		FileID: id,
		File:   &DriveFile{ID: id, Name: name, Kind: DriveFileKind, MimeType: GoogleDocMimeType},
	}
}

func chunkBody(req CompletionRequest) string {
	body := strings.TrimPrefix(req.Prompt, `"""`)
	body, _, _ = strings.Cut(body, `"""`)
	return body
}
