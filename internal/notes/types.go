package notes

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound              = errors.New("not found")
	ErrInvalidInput          = errors.New("invalid input")
	ErrQueueFull             = errors.New("queue full")
	ErrNotImplemented        = errors.New("not implemented")
	ErrMalformedTranscript   = errors.New("malformed transcript")
	ErrSummaryBudgetExceeded = errors.New("summary round budget exceeded")
	ErrSummaryNotShrinking   = errors.New("summary round did not shrink input")
	ErrPartialDelivery       = errors.New("partial delivery")
)

const (
	TranscriptTitleSuffix = " Transcript"
	GoogleDocMimeType     = "application/vnd.google-apps.document"
	DriveFileKind         = "drive#file"
	ChangeTypeFile        = "file"
)

// Artifact names stored per document in the blob cache.
const (
	ArtifactEvent         = "event"
	ArtifactHeader        = "header"
	ArtifactCondensedBody = "condensed_body"
	ArtifactSuperSummary  = "super_summary"
	ArtifactFinalSummary  = "final_summary"
	ArtifactDeadLetter    = "dead_letter"
	ArtifactPageToken     = "page_token"

	notifiedArtifactPrefix = "notified:"
)

// TranscriptEvent is the normalized unit of work: one finished transcript
// document owned by the user whose change feed reported it.
type TranscriptEvent struct {
	DocumentID string `json:"id"`
	Title      string `json:"title"`
	OwnerEmail string `json:"owner_email"`
	Link       string `json:"link,omitempty"`
}

type QueuedTask struct {
	TranscriptEvent
	IsQueued bool `json:"is_queued"`
}

type QueueMessage struct {
	MessageID  string          `json:"messageId"`
	Body       TranscriptEvent `json:"body"`
	Attempt    int             `json:"attempt,omitempty"`
	EnqueuedAt time.Time       `json:"enqueuedAt"`
	NotBefore  time.Time       `json:"notBefore,omitzero"`
}

// TaskQueue hands out messages under a lease. A dequeued message stays in
// the queue until Ack removes it or Release returns it for another attempt,
// so a consumer that stops mid-task loses nothing.
type TaskQueue interface {
	TryEnqueue(msg QueueMessage) bool
	Enqueue(ctx context.Context, msg QueueMessage) bool
	// Dequeue blocks until a message whose NotBefore has passed is available.
	Dequeue(ctx context.Context) (QueueMessage, bool)
	Ack(msg QueueMessage) error
	// Release puts msg back, replacing the leased copy. Capacity is not
	// checked since the message already holds a slot.
	Release(msg QueueMessage) error
	// Depth counts messages waiting to be dequeued, leased ones excluded.
	Depth() int
	Capacity() int
	Close() error
}

type DriveFile struct {
	ID       string
	Name     string
	Kind     string
	MimeType string
}

// Change is one entry of a change-feed page. File is nil for removals.
type Change struct {
	Type    string
	FileID  string
	Removed bool
	File    *DriveFile
}

type ChangePage struct {
	Changes           []Change
	NextPageToken     string
	NewStartPageToken string
}

type ChangeFeed interface {
	StartPageToken(ctx context.Context, user string) (string, error)
	ListChanges(ctx context.Context, user, pageToken string) (ChangePage, error)
}

type Permission struct {
	ID           string
	EmailAddress string
	DisplayName  string
	Role         string
	Type         string
}

type DocumentSource interface {
	ExportText(ctx context.Context, documentID, ownerEmail string) (string, error)
	ListPermissions(ctx context.Context, documentID, ownerEmail string) ([]Permission, error)
}

type WatchRequest struct {
	User       string
	ChannelID  string
	Address    string
	Token      string
	PageToken  string
	Expiration time.Time
}

type WatchChannel struct {
	ID         string
	ResourceID string
	Expiration time.Time
}

type Subscriber interface {
	Watch(ctx context.Context, req WatchRequest) (WatchChannel, error)
}

type CompletionRequest struct {
	Model       string
	System      string
	Prompt      string
	MaxTokens   int
	Temperature float64
}

type Completer interface {
	Complete(ctx context.Context, req CompletionRequest) (string, error)
}

type PromptSource interface {
	Prompt(ctx context.Context, name string) (string, error)
}

type Email struct {
	From    string
	To      string
	Subject string
	Text    string
}

type Mailer interface {
	Send(ctx context.Context, msg Email) (string, error)
}
