package notes

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

const localQueuePollInterval = 10 * time.Millisecond

// localTaskQueue keeps waiting and leased messages in memory. With a path it
// persists both lists as a JSON snapshot after every mutation, so pending
// and in-flight messages survive a restart.
type localTaskQueue struct {
	path         string
	capacity     int
	pollInterval time.Duration
	now          func() time.Time
	mu           sync.Mutex
	items        []QueueMessage
	inFlight     []QueueMessage
}

type fileTaskQueueState struct {
	Items    []QueueMessage `json:"items"`
	InFlight []QueueMessage `json:"inFlight,omitempty"`
}

func NewInMemoryTaskQueue(capacity int) TaskQueue {
	return newLocalTaskQueue("", capacity)
}

func NewFileTaskQueue(path string, capacity int) (TaskQueue, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	q := newLocalTaskQueue(path, capacity)
	if err := q.load(); err != nil {
		return nil, err
	}
	return q, nil
}

func newLocalTaskQueue(path string, capacity int) *localTaskQueue {
	if capacity <= 0 {
		capacity = 1024
	}
	return &localTaskQueue{
		path:         path,
		capacity:     capacity,
		pollInterval: localQueuePollInterval,
		now:          time.Now,
		items:        []QueueMessage{},
	}
}

func (q *localTaskQueue) TryEnqueue(msg QueueMessage) bool {
	if q == nil || strings.TrimSpace(msg.MessageID) == "" {
		return false
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items)+len(q.inFlight) >= q.capacity {
		return false
	}
	q.items = append(q.items, msg)
	if err := q.saveLocked(); err != nil {
		q.items = q.items[:len(q.items)-1]
		return false
	}
	return true
}

func (q *localTaskQueue) Enqueue(ctx context.Context, msg QueueMessage) bool {
	for {
		if q.TryEnqueue(msg) {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(q.pollInterval):
		}
	}
}

func (q *localTaskQueue) Dequeue(ctx context.Context) (QueueMessage, bool) {
	if q == nil {
		return QueueMessage{}, false
	}
	for {
		if msg, ok := q.tryLease(); ok {
			return msg, true
		}
		select {
		case <-ctx.Done():
			return QueueMessage{}, false
		case <-time.After(q.pollInterval):
		}
	}
}

func (q *localTaskQueue) tryLease() (QueueMessage, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	now := q.now()
	for i, item := range q.items {
		if item.NotBefore.After(now) {
			continue
		}
		items := append(append([]QueueMessage{}, q.items[:i]...), q.items[i+1:]...)
		prevItems, prevInFlight := q.items, q.inFlight
		q.items = items
		q.inFlight = append(append([]QueueMessage{}, q.inFlight...), item)
		if err := q.saveLocked(); err != nil {
			q.items, q.inFlight = prevItems, prevInFlight
			return QueueMessage{}, false
		}
		return item, true
	}
	return QueueMessage{}, false
}

func (q *localTaskQueue) Ack(msg QueueMessage) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	prev := q.inFlight
	q.inFlight = withoutMessage(q.inFlight, msg.MessageID)
	if len(q.inFlight) == len(prev) {
		return nil
	}
	if err := q.saveLocked(); err != nil {
		q.inFlight = prev
		return err
	}
	return nil
}

func (q *localTaskQueue) Release(msg QueueMessage) error {
	if strings.TrimSpace(msg.MessageID) == "" {
		return ErrInvalidInput
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	prevItems, prevInFlight := q.items, q.inFlight
	q.inFlight = withoutMessage(q.inFlight, msg.MessageID)
	q.items = append(withoutMessage(q.items, msg.MessageID), msg)
	if err := q.saveLocked(); err != nil {
		q.items, q.inFlight = prevItems, prevInFlight
		return err
	}
	return nil
}

func (q *localTaskQueue) Depth() int {
	if q == nil {
		return 0
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *localTaskQueue) Capacity() int {
	if q == nil {
		return 0
	}
	return q.capacity
}

func (q *localTaskQueue) Close() error {
	return nil
}

func withoutMessage(list []QueueMessage, messageID string) []QueueMessage {
	out := make([]QueueMessage, 0, len(list))
	for _, item := range list {
		if item.MessageID != messageID {
			out = append(out, item)
		}
	}
	return out
}

// load restores a snapshot. Messages that were leased when the previous
// process stopped go back to the front of the queue.
func (q *localTaskQueue) load() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	data, err := os.ReadFile(q.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	var snapshot fileTaskQueueState
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return err
	}
	items := append(append([]QueueMessage{}, snapshot.InFlight...), snapshot.Items...)
	if len(items) > q.capacity {
		items = items[len(items)-q.capacity:]
	}
	q.items = items
	if len(snapshot.InFlight) > 0 || len(snapshot.Items) != len(items) {
		return q.saveLocked()
	}
	return nil
}

func (q *localTaskQueue) saveLocked() error {
	if q.path == "" {
		return nil
	}
	data, err := json.Marshal(fileTaskQueueState{Items: q.items, InFlight: q.inFlight})
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(q.path), 0o755); err != nil {
		return err
	}
	tmp := q.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, q.path)
}
