package logsink

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/throw-if-null/deepresearch/internal/task"
)

type Store interface {
	AppendLog(ctx context.Context, e task.LogEntry) (task.LogEntry, error)
}

// Sink writes audit entries durably and then pushes them to live
// subscribers. Writes for one task are serialized so its push order matches
// seq order; different tasks never wait on each other.
type Sink struct {
	store  Store
	hub    *Hub
	logger *zap.Logger

	mu    sync.Mutex // guards tasks
	tasks map[string]*taskLog
}

// taskLog is the per-task write lock and the task's most recent seq, which
// status events carry.
type taskLog struct {
	mu   sync.Mutex
	last int64
	refs int
	done bool
}

func New(store Store, hub *Hub, logger *zap.Logger) *Sink {
	if hub == nil {
		hub = NewHub()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sink{store: store, hub: hub, logger: logger, tasks: map[string]*taskLog{}}
}

func (s *Sink) acquire(taskID string) *taskLog {
	s.mu.Lock()
	tl := s.tasks[taskID]
	if tl == nil {
		tl = &taskLog{}
		s.tasks[taskID] = tl
	}
	tl.refs++
	s.mu.Unlock()
	tl.mu.Lock()
	return tl
}

func (s *Sink) release(taskID string, tl *taskLog) {
	tl.mu.Unlock()
	s.mu.Lock()
	defer s.mu.Unlock()
	tl.refs--
	if tl.done && tl.refs == 0 && s.tasks[taskID] == tl {
		delete(s.tasks, taskID)
	}
}

// Append writes one log entry. The entry is only published after the write
// succeeds.
func (s *Sink) Append(ctx context.Context, taskID, agent, message string, metadata map[string]any) (task.LogEntry, error) {
	tl := s.acquire(taskID)
	defer s.release(taskID, tl)

	e, err := s.store.AppendLog(ctx, task.LogEntry{
		TaskID:    taskID,
		AgentType: agent,
		Message:   message,
		Metadata:  metadata,
	})
	if err != nil {
		s.logger.Error("append task log", zap.String("task_id", taskID), zap.String("agent", agent), zap.Error(err))
		return e, err
	}
	tl.last = e.Seq
	s.logger.Debug(message, zap.String("task_id", taskID), zap.String("agent", agent), zap.Int64("seq", e.Seq))
	s.hub.Publish(Event{
		Type:   TypeLogMessage,
		TaskID: taskID,
		Seq:    e.Seq,
		Data:   LogData{Message: e.Message, Timestamp: e.CreatedAt, Agent: e.AgentType, Metadata: e.Metadata},
	})
	return e, nil
}

// PublishStatus pushes a status change. The task row is the durable record.
// The event's Seq is that of the last entry appended for the task, so a
// subscriber that has replayed past it can tell the event is stale.
func (s *Sink) PublishStatus(taskID string, status task.Status, reason string) {
	tl := s.acquire(taskID)
	defer s.release(taskID, tl)
	if status.Terminal() {
		tl.done = true
	}
	s.hub.Publish(Event{Type: TypeStatusUpdate, TaskID: taskID, Seq: tl.last, Data: StatusData{Status: status, Reason: reason}})
}

// Forget drops the sink's state for a task whose driver has exited without
// finishing it. A later Append starts fresh.
func (s *Sink) Forget(taskID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tl := s.tasks[taskID]
	if tl == nil {
		return
	}
	tl.done = true
	if tl.refs == 0 {
		delete(s.tasks, taskID)
	}
}

// tracked reports how many tasks the sink holds state for.
func (s *Sink) tracked() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}

func (s *Sink) Subscribe(taskID string) *Subscription {
	return s.hub.Subscribe(taskID)
}

func (s *Sink) Close() {
	s.hub.Close()
}
