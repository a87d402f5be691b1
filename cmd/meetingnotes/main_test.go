package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/agentworkforce/meetingnotes/internal/config"
	"github.com/agentworkforce/meetingnotes/internal/notes"
)

const testTranscript = "Retro - 2026/10/16 15:00 PDT - Transcript\n" +
	"\n" +
	"Alice Smith, Bob Jones\n" +
	"\n" +
	"Transcript\n" +
	"Alice Smith: the release went out without incident\n" +
	"Bob Jones: next sprint we focus on the billing export\n"

type stubDrive struct {
	mu      sync.Mutex
	watched []notes.WatchRequest
}

func (d *stubDrive) StartPageToken(context.Context, string) (string, error) { return "T1", nil }

func (d *stubDrive) ListChanges(_ context.Context, _ string, pageToken string) (notes.ChangePage, error) {
	if pageToken != "T1" {
		return notes.ChangePage{NewStartPageToken: pageToken}, nil
	}
	return notes.ChangePage{
		Changes: []notes.Change{{
			Type:   notes.ChangeTypeFile,
			FileID: "doc1",
			File:   &notes.DriveFile{ID: "doc1", Name: "Retro Transcript", Kind: notes.DriveFileKind, MimeType: notes.GoogleDocMimeType},
		}},
		NewStartPageToken: "T2",
	}, nil
}

func (d *stubDrive) Watch(_ context.Context, req notes.WatchRequest) (notes.WatchChannel, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.watched = append(d.watched, req)
	return notes.WatchChannel{ID: req.ChannelID, Expiration: req.Expiration}, nil
}

func (d *stubDrive) ExportText(context.Context, string, string) (string, error) {
	return testTranscript, nil
}

func (d *stubDrive) ListPermissions(context.Context, string, string) ([]notes.Permission, error) {
	return []notes.Permission{
		{EmailAddress: "owner@example.com", Role: "owner"},
		{EmailAddress: "bob@example.com", Role: "writer"},
	}, nil
}

type stubLLM struct{}

func (stubLLM) Complete(_ context.Context, req notes.CompletionRequest) (string, error) {
	if req.System == "" {
		return "<summary>Release was clean. Billing export is next.</summary>", nil
	}
	return "release clean, billing next", nil
}

type stubMailer struct {
	mu   sync.Mutex
	sent []notes.Email
}

func (m *stubMailer) Send(_ context.Context, msg notes.Email) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, msg)
	return "msg-1", nil
}

func testDeps() (appDeps, *stubDrive, *stubMailer) {
	drive := &stubDrive{}
	mailer := &stubMailer{}
	return appDeps{Drive: drive, ChunkLLM: stubLLM{}, FinalLLM: stubLLM{}, Mailer: mailer}, drive, mailer
}

func runCommand(t *testing.T, deps appDeps, args ...string) (string, error) {
	t.Helper()
	t.Setenv("MEETINGNOTES_BACKEND_PROFILE", "memory")
	t.Setenv("MEETINGNOTES_LOG_LEVEL", "error")
	cmd := newRootCommand(deps)
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(append([]string{"--env-file", filepath.Join(t.TempDir(), "missing.env")}, args...))
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestVersionCommand(t *testing.T) {
	out, err := runCommand(t, appDeps{}, "version", "--json")
	if err != nil {
		t.Fatalf("version failed: %v", err)
	}
	var info map[string]string
	if err := json.Unmarshal([]byte(out), &info); err != nil {
		t.Fatalf("decode version output %q: %v", out, err)
	}
	if info["version"] != version {
		t.Fatalf("unexpected version output %v", info)
	}
}

func TestProcessCommandSendsNotes(t *testing.T) {
	deps, _, mailer := testDeps()
	out, err := runCommand(t, deps, "process", "--document-id", "doc1", "--owner", "owner@example.com", "--title", "Retro Transcript")
	if err != nil {
		t.Fatalf("process failed: %v", err)
	}
	if len(mailer.sent) != 1 || mailer.sent[0].To != "bob@example.com" {
		t.Fatalf("expected one email to bob, got %+v", mailer.sent)
	}
	if !strings.Contains(mailer.sent[0].Text, "Billing export is next.") {
		t.Fatalf("expected summary in email body, got %q", mailer.sent[0].Text)
	}
	if !strings.Contains(out, `"file_id": "doc1"`) {
		t.Fatalf("expected process result output, got %s", out)
	}
}

func TestProcessCommandRequiresFlags(t *testing.T) {
	deps, _, _ := testDeps()
	if _, err := runCommand(t, deps, "process", "--document-id", "doc1"); !errors.Is(err, notes.ErrInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
}

func TestPollCommandEnqueuesTranscripts(t *testing.T) {
	deps, _, _ := testDeps()
	out, err := runCommand(t, deps, "poll", "--user", "owner@example.com")
	if err != nil {
		t.Fatalf("poll failed: %v", err)
	}
	var result notes.PollResult
	if err := json.Unmarshal([]byte(out), &result); err != nil {
		t.Fatalf("decode poll output %q: %v", out, err)
	}
	if result.Accepted != 1 || result.Cursor != "T2" {
		t.Fatalf("unexpected poll result %+v", result)
	}
}

func TestRenewCommandWatchesConfiguredUsers(t *testing.T) {
	deps, drive, _ := testDeps()
	t.Setenv("MEETINGNOTES_WORKSPACE_EMAILS", "a@example.com, b@example.com")
	t.Setenv("MEETINGNOTES_WEBHOOK_URL", "https://notes.example.com/v1/webhooks/drive")
	if _, err := runCommand(t, deps, "renew"); err != nil {
		t.Fatalf("renew failed: %v", err)
	}
	if len(drive.watched) != 2 {
		t.Fatalf("expected two watch requests, got %d", len(drive.watched))
	}
	if drive.watched[0].Address != "https://notes.example.com/v1/webhooks/drive" {
		t.Fatalf("unexpected webhook address %q", drive.watched[0].Address)
	}
}

func TestBuildAppRequiresDriveCredentials(t *testing.T) {
	cfg := config.Default()
	cfg.Storage.Profile = "memory"
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	if _, err := buildApp(cfg, logger, appDeps{ChunkLLM: stubLLM{}, FinalLLM: stubLLM{}, Mailer: &stubMailer{}}); !errors.Is(err, notes.ErrInvalidInput) {
		t.Fatalf("expected invalid input without credentials, got %v", err)
	}
}

func TestBuildAppRequiresProviderKeys(t *testing.T) {
	cfg := config.Default()
	cfg.Storage.Profile = "memory"
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	deps, _, _ := testDeps()
	deps.ChunkLLM = nil
	if _, err := buildApp(cfg, logger, deps); err == nil || !strings.Contains(err.Error(), "OPENAI_API_KEY") {
		t.Fatalf("expected missing key error, got %v", err)
	}
}

func TestAppServesWebhookAndWorkerDeliversEmail(t *testing.T) {
	cfg := config.Default()
	cfg.Storage.Profile = "memory"
	cfg.Worker.RetryDelay = time.Hour
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	deps, _, mailer := testDeps()
	a, err := buildApp(cfg, logger, deps)
	if err != nil {
		t.Fatalf("build app failed: %v", err)
	}
	defer a.close()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := a.startBackground(ctx); err != nil {
		t.Fatalf("start background failed: %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, "/v1/webhooks/drive", nil)
	req.Header.Set("X-Goog-Resource-Uri", "https://www.googleapis.com/drive/v3/changes?pageToken=T1")
	req.Header.Set("X-Goog-Channel-Token", "owner%40example.com")
	req.Header.Set("X-Goog-Resource-State", "change")
	rec := httptest.NewRecorder()
	a.server().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (%s)", rec.Code, rec.Body.String())
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		mailer.mu.Lock()
		sent := len(mailer.sent)
		mailer.mu.Unlock()
		if sent == 1 {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("expected the worker to deliver one email")
}
