package notes

import (
	"sync"
	"time"
)

type ActivityKind string

const (
	ActivityEventEnqueued   ActivityKind = "event_enqueued"
	ActivityEventFiltered   ActivityKind = "event_filtered"
	ActivityCursorSaved     ActivityKind = "cursor_saved"
	ActivitySummaryComplete ActivityKind = "summary_complete"
	ActivityEmailSent       ActivityKind = "email_sent"
	ActivityEmailSkipped    ActivityKind = "email_skipped"
	ActivityEmailFailed     ActivityKind = "email_failed"
	ActivityTaskRetried     ActivityKind = "task_retried"
	ActivityTaskDeadLetter  ActivityKind = "task_dead_lettered"
	ActivityRenewed         ActivityKind = "subscription_renewed"
	ActivityRenewFailed     ActivityKind = "subscription_renew_failed"
)

type Activity struct {
	Kind        ActivityKind `json:"kind"`
	DocumentID  string       `json:"documentId,omitempty"`
	User        string       `json:"user,omitempty"`
	Participant string       `json:"participant,omitempty"`
	Detail      string       `json:"detail,omitempty"`
	Rounds      int          `json:"rounds,omitempty"`
	At          time.Time    `json:"at"`
}

type Observer interface {
	Observe(Activity)
}

type ObserverFunc func(Activity)

func (f ObserverFunc) Observe(a Activity) {
	f(a)
}

type noopObserver struct{}

func (noopObserver) Observe(Activity) {}

func observerOrNoop(o Observer) Observer {
	if o == nil {
		return noopObserver{}
	}
	return o
}

// ActivityHub fans activities out to subscribers. Slow subscribers lose
// activities instead of blocking the pipeline.
type ActivityHub struct {
	mu          sync.Mutex
	next        int
	subscribers map[int]chan Activity
	observers   []Observer
}

func NewActivityHub(observers ...Observer) *ActivityHub {
	return &ActivityHub{
		subscribers: map[int]chan Activity{},
		observers:   observers,
	}
}

func (h *ActivityHub) Observe(a Activity) {
	if a.At.IsZero() {
		a.At = time.Now().UTC()
	}
	h.mu.Lock()
	observers := append([]Observer(nil), h.observers...)
	for _, ch := range h.subscribers {
		select {
		case ch <- a:
		default:
		}
	}
	h.mu.Unlock()
	for _, o := range observers {
		o.Observe(a)
	}
}

func (h *ActivityHub) Subscribe(buffer int) (<-chan Activity, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Activity, buffer)
	h.mu.Lock()
	id := h.next
	h.next++
	h.subscribers[id] = ch
	h.mu.Unlock()
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subscribers, id)
			h.mu.Unlock()
			close(ch)
		})
	}
}
