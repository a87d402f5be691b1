package notes

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

type IntakeOptions struct {
	EnqueueTimeout time.Duration
	Logger         *slog.Logger
	Observer       Observer
	NewMessageID   func() string
	Now            func() time.Time
}

// Intake is the producer side of the work queue.
type Intake struct {
	cache          *Cache
	queue          TaskQueue
	enqueueTimeout time.Duration
	logger         *slog.Logger
	observer       Observer
	newMessageID   func() string
	now            func() time.Time
}

type EnqueueResult struct {
	IsQueued  bool   `json:"is_queued"`
	MessageID string `json:"message_id"`
	TranscriptEvent
}

func NewIntake(cache *Cache, queue TaskQueue, opts IntakeOptions) *Intake {
	if opts.EnqueueTimeout <= 0 {
		opts.EnqueueTimeout = 2 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.NewMessageID == nil {
		opts.NewMessageID = uuid.NewString
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Intake{
		cache:          cache,
		queue:          queue,
		enqueueTimeout: opts.EnqueueTimeout,
		logger:         opts.Logger,
		observer:       observerOrNoop(opts.Observer),
		newMessageID:   opts.NewMessageID,
		now:            opts.Now,
	}
}

// Enqueue records the event artifact and then hands the event to the queue.
// It only returns nil once the queue has accepted the message.
func (i *Intake) Enqueue(ctx context.Context, event TranscriptEvent) (EnqueueResult, error) {
	if event.DocumentID == "" || event.OwnerEmail == "" {
		return EnqueueResult{}, ErrInvalidInput
	}
	task, err := json.Marshal(QueuedTask{TranscriptEvent: event, IsQueued: true})
	if err != nil {
		return EnqueueResult{}, err
	}
	if err := i.cache.Put(ctx, event.DocumentID, ArtifactEvent, string(task)); err != nil {
		return EnqueueResult{}, err
	}

	msg := QueueMessage{
		MessageID:  i.newMessageID(),
		Body:       event,
		EnqueuedAt: i.now().UTC(),
	}
	if !i.queue.TryEnqueue(msg) {
		waitCtx, cancel := context.WithTimeout(ctx, i.enqueueTimeout)
		ok := i.queue.Enqueue(waitCtx, msg)
		cancel()
		if !ok {
			if err := ctx.Err(); err != nil {
				return EnqueueResult{}, err
			}
			return EnqueueResult{}, fmt.Errorf("%w: document %s", ErrQueueFull, event.DocumentID)
		}
	}
	i.logger.Info("event_enqueued", "document_id", event.DocumentID, "message_id", msg.MessageID, "title", event.Title)
	i.observer.Observe(Activity{Kind: ActivityEventEnqueued, DocumentID: event.DocumentID, User: event.OwnerEmail, Detail: msg.MessageID})
	return EnqueueResult{IsQueued: true, MessageID: msg.MessageID, TranscriptEvent: event}, nil
}
