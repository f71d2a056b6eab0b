package logsink

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/throw-if-null/deepresearch/internal/task"
)

const (
	TypeLogMessage   = "log_message"
	TypeStatusUpdate = "status_update"
)

const subscriberBuffer = 64

// Event is one message on a task's live channel.
type Event struct {
	Type   string `json:"type"`
	TaskID string `json:"-"`
	Seq    int64  `json:"seq,omitempty"`
	Data   any    `json:"data"`
}

type LogData struct {
	Message   string         `json:"message"`
	Timestamp time.Time      `json:"timestamp"`
	Agent     string         `json:"agent"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

type StatusData struct {
	Status task.Status `json:"status"`
	Reason string      `json:"reason,omitempty"`
}

// Subscription receives a task's live events. Delivery is lossy: when the
// buffer is full events are dropped and Dropped increases, which tells the
// consumer to replay from the durable log.
type Subscription struct {
	C <-chan Event

	ch      chan Event
	dropped atomic.Uint64
	hub     *Hub
	taskID  string
	once    sync.Once
}

func (s *Subscription) Dropped() uint64 { return s.dropped.Load() }

// Close detaches the subscription and closes C.
func (s *Subscription) Close() {
	s.once.Do(func() { s.hub.remove(s.taskID, s) })
}

// Hub fans out events to per-task subscribers.
type Hub struct {
	mu     sync.RWMutex
	subs   map[string]map[*Subscription]struct{}
	closed bool
}

func NewHub() *Hub {
	return &Hub{subs: make(map[string]map[*Subscription]struct{})}
}

func (h *Hub) Subscribe(taskID string) *Subscription {
	ch := make(chan Event, subscriberBuffer)
	sub := &Subscription{C: ch, ch: ch, hub: h, taskID: taskID}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		close(ch)
		return sub
	}
	m, ok := h.subs[taskID]
	if !ok {
		m = make(map[*Subscription]struct{})
		h.subs[taskID] = m
	}
	m[sub] = struct{}{}
	return sub
}

func (h *Hub) remove(taskID string, sub *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	m, ok := h.subs[taskID]
	if !ok {
		return
	}
	if _, ok := m[sub]; !ok {
		return
	}
	delete(m, sub)
	close(sub.ch)
	if len(m) == 0 {
		delete(h.subs, taskID)
	}
}

// Publish delivers ev to every subscriber of ev.TaskID without blocking.
func (h *Hub) Publish(ev Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for sub := range h.subs[ev.TaskID] {
		select {
		case sub.ch <- ev:
		default:
			sub.dropped.Add(1)
		}
	}
}

// SubscriberCount returns the number of live subscribers for a task.
func (h *Hub) SubscriberCount(taskID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[taskID])
}

// Close closes every subscription. Later subscriptions are closed at once.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for id, m := range h.subs {
		for sub := range m {
			close(sub.ch)
		}
		delete(h.subs, id)
	}
}
