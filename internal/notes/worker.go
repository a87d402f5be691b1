package notes

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"
)

type TaskProcessor interface {
	Process(ctx context.Context, event TranscriptEvent) (ProcessResult, error)
}

type WorkerOptions struct {
	Workers     int
	MaxAttempts int
	RetryDelay  time.Duration
	TaskTimeout time.Duration
	Logger      *slog.Logger
	Observer    Observer
	Now         func() time.Time
}

// Worker drains the task queue. A message is acknowledged only after it
// completed or was dead-lettered. Failed attempts go back into the queue with
// a NotBefore RetryDelay in the future, and a task interrupted by Close is
// released unchanged for the next consumer.
type Worker struct {
	queue     TaskQueue
	processor TaskProcessor
	cache     *Cache
	opts      WorkerOptions
	logger    *slog.Logger
	observer  Observer

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
}

type deadLetterRecord struct {
	MessageID string          `json:"message_id"`
	Attempts  int             `json:"attempts"`
	Error     string          `json:"error"`
	FailedAt  time.Time       `json:"failed_at"`
	Event     TranscriptEvent `json:"event"`
}

func NewWorker(queue TaskQueue, processor TaskProcessor, cache *Cache, opts WorkerOptions) *Worker {
	if opts.Workers <= 0 {
		opts.Workers = 2
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 5
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = 30 * time.Second
	}
	if opts.TaskTimeout <= 0 {
		opts.TaskTimeout = 15 * time.Minute
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		queue:     queue,
		processor: processor,
		cache:     cache,
		opts:      opts,
		logger:    opts.Logger,
		observer:  observerOrNoop(opts.Observer),
		ctx:       ctx,
		cancel:    cancel,
	}
}

func (w *Worker) Start() {
	for i := 0; i < w.opts.Workers; i++ {
		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			w.loop()
		}()
	}
}

// Close stops the consumers and waits for in-progress tasks to be released.
func (w *Worker) Close() error {
	w.once.Do(w.cancel)
	w.wg.Wait()
	return nil
}

func (w *Worker) loop() {
	for {
		msg, ok := w.queue.Dequeue(w.ctx)
		if !ok {
			return
		}
		w.Handle(w.ctx, msg)
	}
}

// Handle processes one leased message and settles it: Ack on success or
// dead letter, Release for a retry or when ctx was cancelled mid-task. It
// reports whether the task completed.
func (w *Worker) Handle(ctx context.Context, msg QueueMessage) bool {
	attempt := msg
	attempt.Attempt++
	attempt.NotBefore = time.Time{}
	taskCtx, cancel := context.WithTimeout(ctx, w.opts.TaskTimeout)
	result, err := w.processor.Process(taskCtx, attempt.Body)
	cancel()
	if err == nil {
		w.logger.Info("task_processed",
			"message_id", msg.MessageID,
			"document_id", msg.Body.DocumentID,
			"sent", len(result.Sent),
			"skipped", len(result.Skipped),
		)
		w.ack(attempt)
		return true
	}
	if ctx.Err() != nil {
		// Shutting down: the attempt did not finish, so it does not count.
		msg.NotBefore = time.Time{}
		w.release(msg)
		w.logger.Info("task_released", "message_id", msg.MessageID, "document_id", msg.Body.DocumentID)
		return false
	}
	if attempt.Attempt >= w.opts.MaxAttempts {
		w.deadLetter(attempt, err)
		w.ack(attempt)
		return false
	}
	w.logger.Warn("task_failed", "message_id", msg.MessageID, "document_id", msg.Body.DocumentID, "attempt", attempt.Attempt, "error", err)
	w.observer.Observe(Activity{Kind: ActivityTaskRetried, DocumentID: msg.Body.DocumentID, Detail: err.Error()})
	attempt.NotBefore = w.opts.Now().Add(w.opts.RetryDelay)
	w.release(attempt)
	return false
}

func (w *Worker) ack(msg QueueMessage) {
	if err := w.queue.Ack(msg); err != nil {
		w.logger.Error("task_ack_failed", "message_id", msg.MessageID, "error", err)
	}
}

// A failed release leaves the message leased; the queue hands it out again
// after a restart or lease expiry.
func (w *Worker) release(msg QueueMessage) {
	if err := w.queue.Release(msg); err != nil {
		w.logger.Error("task_release_failed", "message_id", msg.MessageID, "error", err)
	}
}

func (w *Worker) deadLetter(msg QueueMessage, cause error) {
	w.logger.Error("task_dead_lettered", "message_id", msg.MessageID, "document_id", msg.Body.DocumentID, "attempts", msg.Attempt, "error", cause)
	w.observer.Observe(Activity{Kind: ActivityTaskDeadLetter, DocumentID: msg.Body.DocumentID, Detail: cause.Error()})
	record, err := json.Marshal(deadLetterRecord{
		MessageID: msg.MessageID,
		Attempts:  msg.Attempt,
		Error:     cause.Error(),
		FailedAt:  w.opts.Now().UTC(),
		Event:     msg.Body,
	})
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := w.cache.Put(ctx, msg.Body.DocumentID, ArtifactDeadLetter, string(record)); err != nil {
		w.logger.Error("dead_letter_write_failed", "document_id", msg.Body.DocumentID, "error", err)
	}
}
