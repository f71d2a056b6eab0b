package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/throw-if-null/deepresearch/internal/agent"
	"github.com/throw-if-null/deepresearch/internal/hooks"
	"github.com/throw-if-null/deepresearch/internal/task"
)

// TaskStore is the part of the store the manager uses.
type TaskStore interface {
	Store
	Create(ctx context.Context, q task.Query, maxRevisions int) (*task.Task, error)
	ListActive(ctx context.Context) ([]*task.Task, error)
	RequestCancel(ctx context.Context, id string) (bool, error)
}

// LiveSink is the sink a manager needs: it can also drop a task's live state
// once its driver exits.
type LiveSink interface {
	Sink
	Forget(taskID string)
}

// Finisher runs once a task reaches a terminal state.
type Finisher interface {
	Finish(ctx context.Context, t *task.Task) (hooks.Result, error)
}

type ManagerConfig struct {
	// Workers caps how many tasks are driven concurrently.
	Workers int
	// MaxRevisions is stamped on every task this manager creates.
	MaxRevisions int
	Driver       Config
}

// Manager accepts tasks and runs a driver for each on a bounded pool.
type Manager struct {
	store        TaskStore
	sink         LiveSink
	driver       *Driver
	finisher     Finisher
	logger       *zap.Logger
	maxRevisions int

	sem     chan struct{}
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running *running
}

func NewManager(s TaskStore, sink LiveSink, agents agent.Set, cfg ManagerConfig, finisher Finisher, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		store:        s,
		sink:         sink,
		driver:       NewDriver(s, sink, agents, cfg.Driver, logger.Named("driver")),
		finisher:     finisher,
		logger:       logger,
		maxRevisions: cfg.MaxRevisions,
		sem:          make(chan struct{}, cfg.Workers),
		ctx:          ctx,
		cancel:       cancel,
		running:      newRunning(),
	}
}

// Submit validates and persists a new task, then starts driving it. The
// returned task is the freshly created pending record.
func (m *Manager) Submit(ctx context.Context, q task.Query) (*task.Task, error) {
	if err := m.ctx.Err(); err != nil {
		return nil, fmt.Errorf("manager stopped: %w", err)
	}
	t, err := m.store.Create(ctx, q, m.maxRevisions)
	if err != nil {
		return nil, err
	}
	m.log(ctx, t.ID, "task submitted", map[string]any{
		"topic":         t.Query.Topic,
		"depth_level":   t.Query.DepthLevel,
		"max_revisions": t.MaxRevisions,
	})
	m.spawn(t.ID)
	return t, nil
}

// Resume starts a driver for every non-terminal task in the store. It
// returns how many were started.
func (m *Manager) Resume(ctx context.Context) (int, error) {
	active, err := m.store.ListActive(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, t := range active {
		if m.spawn(t.ID) {
			m.logger.Info("resuming task", zap.String("task_id", t.ID), zap.String("status", string(t.Status)))
			n++
		}
	}
	return n, nil
}

// Cancel records a cancellation request. The task reaches failed once its
// driver observes the request, at the latest when the in-flight adapter call
// returns.
func (m *Manager) Cancel(ctx context.Context, id string) error {
	changed, err := m.store.RequestCancel(ctx, id)
	if err != nil {
		return err
	}
	if changed {
		m.log(ctx, id, "cancellation requested", nil)
		// no-op when a local driver already holds the task
		m.spawn(id)
	}
	return nil
}

// Wait blocks until the local driver for id exits or ctx ends.
func (m *Manager) Wait(ctx context.Context, id string) error {
	done := m.running.done(id)
	if done == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Active reports how many drivers are running or queued.
func (m *Manager) Active() int { return m.running.len() }

// Shutdown stops all drivers, leaving their tasks resumable, and waits for
// them to exit.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.cancel()
	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) spawn(id string) bool {
	if m.ctx.Err() != nil {
		return false
	}
	done, ok := m.running.register(id)
	if !ok {
		return false
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer m.running.unregister(id, done)

		select {
		case m.sem <- struct{}{}:
		case <-m.ctx.Done():
			return
		}
		defer func() { <-m.sem }()
		m.run(m.ctx, id)
	}()
	return true
}

func (m *Manager) run(ctx context.Context, id string) {
	log := m.logger.With(zap.String("task_id", id))
	defer m.sink.Forget(id)
	defer func() {
		if r := recover(); r != nil {
			log.Error("driver panicked", zap.Any("panic", r))
			if _, err := m.driver.fail(ctx, id, fmt.Errorf("driver panicked: %v", r)); err != nil {
				log.Error("record panic failure", zap.Error(err))
			}
		}
	}()

	start := time.Now()
	t, err := m.driver.Run(ctx, id)
	if err != nil {
		if m.ctx.Err() != nil {
			log.Info("driver stopped, task left for resume", zap.Error(err))
			return
		}
		log.Error("driver exited", zap.Error(err))
		return
	}
	log.Info("task finished",
		zap.String("status", string(t.Status)),
		zap.Int("revision_count", t.RevisionCount),
		zap.Duration("elapsed", time.Since(start)),
	)
	if m.finisher == nil {
		return
	}
	res, err := m.finisher.Finish(context.WithoutCancel(ctx), t)
	if err != nil {
		log.Warn("terminal hook", zap.Error(err), zap.Int("exit_code", res.ExitCode))
		return
	}
	log.Info("report written", zap.String("path", res.ReportPath))
}

func (m *Manager) log(ctx context.Context, id, msg string, md map[string]any) {
	if _, err := m.sink.Append(ctx, id, task.AgentOrchestrator, msg, md); err != nil {
		m.logger.Warn("write task log", zap.String("task_id", id), zap.Error(err))
	}
}
