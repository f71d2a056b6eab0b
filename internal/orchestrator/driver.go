// Package orchestrator drives research tasks through their lifecycle.
//
// A Driver owns one task at a time. Every state change goes through the
// store's compare-and-set Transition, so two drivers racing on the same task
// cannot both apply a step: the loser gets a conflict, re-reads, and carries
// on from whatever state the winner left.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/throw-if-null/deepresearch/internal/agent"
	"github.com/throw-if-null/deepresearch/internal/store"
	"github.com/throw-if-null/deepresearch/internal/task"
	"github.com/throw-if-null/deepresearch/internal/telemetry"
)

type Store interface {
	Get(ctx context.Context, id string) (*task.Task, error)
	Transition(ctx context.Context, id string, expected task.Status, m task.Mutation) (*task.Task, error)
}

type Sink interface {
	Append(ctx context.Context, taskID, agent, message string, metadata map[string]any) (task.LogEntry, error)
	PublishStatus(taskID string, status task.Status, reason string)
}

// Revision limit policies.
const (
	FailOnRevisionLimit     = "fail"
	CompleteOnRevisionLimit = "complete"
)

var errDeadline = errors.New("task deadline exceeded")

type Config struct {
	Retry           agent.Policy
	MinQualityScore float64
	// OnRevisionLimit decides what a failing critique does once
	// max_revisions is reached.
	OnRevisionLimit string
	// TaskTimeout bounds a task's whole lifetime, measured from creation.
	TaskTimeout time.Duration
	// MaxConflicts is how many consecutive lost transitions a driver
	// tolerates before giving the task up to whoever is winning.
	MaxConflicts int
}

func DefaultConfig() Config {
	return Config{
		Retry:           agent.DefaultPolicy(),
		MinQualityScore: 6.5,
		OnRevisionLimit: FailOnRevisionLimit,
		TaskTimeout:     15 * time.Minute,
		MaxConflicts:    3,
	}
}

type Driver struct {
	store  Store
	sink   Sink
	agents agent.Set
	cfg    Config
	logger *zap.Logger
}

func NewDriver(s Store, sink Sink, agents agent.Set, cfg Config, logger *zap.Logger) *Driver {
	if cfg.MaxConflicts <= 0 {
		cfg.MaxConflicts = 3
	}
	if cfg.OnRevisionLimit == "" {
		cfg.OnRevisionLimit = FailOnRevisionLimit
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Driver{store: s, sink: sink, agents: agents, cfg: cfg, logger: logger}
}

// Run advances task id until it reaches a terminal state. If ctx ends first
// the task is left as it is so another driver can resume it; the returned
// error is then ctx.Err().
func (d *Driver) Run(ctx context.Context, id string) (result *task.Task, err error) {
	ctx, span := telemetry.StartTaskSpan(ctx, id)
	defer func() { telemetry.End(span, err) }()

	t, err := d.store.Get(context.WithoutCancel(ctx), id)
	if err != nil {
		return nil, err
	}
	runCtx := ctx
	if d.cfg.TaskTimeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithDeadline(ctx, t.CreatedAt.Add(d.cfg.TaskTimeout))
		defer cancel()
	}
	log := d.logger.With(zap.String("task_id", id))

	conflicts := 0
	for {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if runCtx.Err() != nil {
			return d.fail(ctx, id, errDeadline)
		}

		t, err := d.store.Get(runCtx, id)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if runCtx.Err() != nil {
				continue
			}
			return nil, err
		}
		if t.Status.Terminal() {
			return t, nil
		}
		if t.CancelRequested {
			return d.fail(ctx, id, task.ErrCancelled)
		}

		err = d.step(runCtx, t)
		switch {
		case err == nil:
			conflicts = 0
		case errors.Is(err, store.ErrConflict):
			conflicts++
			span.AddEvent(telemetry.EventConflict)
			log.Info("lost transition race, re-reading", zap.Int("conflicts", conflicts), zap.Error(err))
			if conflicts >= d.cfg.MaxConflicts {
				return nil, fmt.Errorf("giving up after %d conflicts: %w", conflicts, err)
			}
		case ctx.Err() != nil:
			return nil, ctx.Err()
		case runCtx.Err() != nil:
			// deadline; handled at the top of the loop
		default:
			log.Warn("task failed", zap.String("status", string(t.Status)), zap.Error(err))
			return d.fail(ctx, id, err)
		}
	}
}

// step performs the single transition out of t.Status.
func (d *Driver) step(ctx context.Context, t *task.Task) error {
	switch t.Status {
	case task.StatusPending:
		_, err := d.transition(ctx, t, task.Mutation{To: task.StatusPlanning})
		return err

	case task.StatusPlanning:
		plan, err := callAgent(ctx, d, t, task.AgentPlanner, d.agents.Planner.Plan)
		if err != nil {
			return err
		}
		if err := d.checkpoint(ctx, t); err != nil {
			return err
		}
		_, err = d.transition(ctx, t, task.Mutation{To: task.StatusInProgress, Plan: plan})
		return err

	case task.StatusInProgress:
		res, err := callAgent(ctx, d, t, task.AgentResearcher, d.agents.Researcher.Research)
		if err != nil {
			return err
		}
		if res == nil || res.Report == nil {
			return agent.Fatal("research", errors.New("researcher returned no draft"))
		}
		if err := d.checkpoint(ctx, t); err != nil {
			return err
		}
		_, err = d.transition(ctx, t, task.Mutation{To: task.StatusReviewing, AppendSources: res.Sources, Report: res.Report})
		return err

	case task.StatusReviewing:
		return d.review(ctx, t)

	case task.StatusRevising:
		if t.RevisionCount >= t.MaxRevisions {
			return task.ErrRevisionLimit
		}
		rev, err := callAgent(ctx, d, t, task.AgentReviser, d.agents.Reviser.Revise)
		if err != nil {
			return err
		}
		if rev == nil || rev.Report == nil {
			return agent.Fatal("revise", errors.New("reviser returned no draft"))
		}
		if err := d.checkpoint(ctx, t); err != nil {
			return err
		}
		_, err = d.transition(ctx, t, task.Mutation{
			To:                task.StatusReviewing,
			IncrementRevision: true,
			Report:            rev.Report,
			AppendSources:     rev.Sources,
		})
		return err
	}
	return fmt.Errorf("%w: no step out of %s", task.ErrIllegalTransition, t.Status)
}

func (d *Driver) review(ctx context.Context, t *task.Task) error {
	if t.Report == nil {
		return agent.Fatal("critique", errors.New("no draft to review"))
	}
	fb, err := callAgent(ctx, d, t, task.AgentCritic, d.agents.Critic.Critique)
	if err != nil {
		return err
	}
	if fb == nil {
		return agent.Fatal("critique", errors.New("critic returned no feedback"))
	}
	if err := d.checkpoint(ctx, t); err != nil {
		return err
	}
	md := map[string]any{"score": fb.Score, "round": fb.Round, "decision": fb.Decision, "threshold": d.cfg.MinQualityScore}

	if fb.Passed(d.cfg.MinQualityScore) {
		_, err := d.transition(ctx, t, task.Mutation{To: task.StatusCompleted},
			note{task.AgentCritic, fmt.Sprintf("critique passed with score %.1f", fb.Score), md})
		return err
	}

	if t.RevisionCount < t.MaxRevisions {
		_, err := d.transition(ctx, t, task.Mutation{To: task.StatusRevising, AppendFeedback: fb},
			note{task.AgentCritic, fmt.Sprintf("critique failed with score %.1f, revision %d of %d", fb.Score, t.RevisionCount+1, t.MaxRevisions), md})
		return err
	}

	if d.cfg.OnRevisionLimit == CompleteOnRevisionLimit {
		_, err := d.transition(ctx, t, task.Mutation{To: task.StatusCompleted, Reason: "revision limit reached; draft not approved"},
			note{task.AgentOrchestrator, fmt.Sprintf("revision limit of %d reached, completing with unapproved draft", t.MaxRevisions), md})
		return err
	}
	return task.ErrRevisionLimit
}

// checkpoint re-reads the task after an adapter returns. A cancellation
// request, or a task that another driver has advanced, discards the
// adapter's result. Status alone would miss a full revising round trip, so
// the revision count and feedback length are compared too.
func (d *Driver) checkpoint(ctx context.Context, t *task.Task) error {
	cur, err := d.store.Get(ctx, t.ID)
	if err != nil {
		return err
	}
	if cur.CancelRequested {
		d.log(ctx, t.ID, task.AgentOrchestrator, "discarding adapter result: cancellation requested", nil)
		return task.ErrCancelled
	}
	if cur.Status != t.Status {
		return fmt.Errorf("%w: task moved to %s while %s was running", store.ErrConflict, cur.Status, t.Status)
	}
	if cur.RevisionCount != t.RevisionCount || len(cur.Feedback) != len(t.Feedback) {
		return fmt.Errorf("%w: task advanced to revision %d while %s ran on revision %d", store.ErrConflict, cur.RevisionCount, t.Status, t.RevisionCount)
	}
	return nil
}

// note is a log entry that only makes sense once its transition applied.
type note struct {
	agent string
	msg   string
	md    map[string]any
}

// transition applies m with t.Status as the expected status. On success it
// writes notes, then the status change entry, then publishes the status.
func (d *Driver) transition(ctx context.Context, t *task.Task, m task.Mutation, notes ...note) (*task.Task, error) {
	next, err := d.store.Transition(ctx, t.ID, t.Status, m)
	if err != nil {
		return nil, err
	}
	for _, n := range notes {
		d.log(ctx, t.ID, n.agent, n.msg, n.md)
	}
	telemetry.AddTransition(trace.SpanFromContext(ctx), string(t.Status), string(next.Status))
	d.log(ctx, t.ID, task.AgentOrchestrator, fmt.Sprintf("status changed: %s -> %s", t.Status, next.Status), map[string]any{
		"from":           string(t.Status),
		"to":             string(next.Status),
		"revision_count": next.RevisionCount,
	})
	d.sink.PublishStatus(t.ID, next.Status, next.Reason)
	return next, nil
}

// fail moves the task to failed with a log entry naming cause. It runs to
// completion even if ctx has ended.
func (d *Driver) fail(ctx context.Context, id string, cause error) (*task.Task, error) {
	ctx = context.WithoutCancel(ctx)
	reason := failureReason(cause)
	if errors.Is(cause, task.ErrCancelled) {
		trace.SpanFromContext(ctx).AddEvent(telemetry.EventCancelled)
	}
	d.log(ctx, id, task.AgentOrchestrator, "task failed: "+reason, map[string]any{"reason": reason})

	var lastErr error
	for i := 0; i < d.cfg.MaxConflicts; i++ {
		t, err := d.store.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if t.Status.Terminal() {
			return t, nil
		}
		next, err := d.transition(ctx, t, task.Mutation{To: task.StatusFailed, Reason: reason})
		if err == nil {
			return next, nil
		}
		if !errors.Is(err, store.ErrConflict) {
			return nil, err
		}
		lastErr = err
	}
	return nil, lastErr
}

func failureReason(err error) string {
	switch {
	case errors.Is(err, task.ErrCancelled):
		return "cancelled by request"
	case errors.Is(err, task.ErrRevisionLimit):
		return "revision limit exceeded"
	case errors.Is(err, errDeadline):
		return errDeadline.Error()
	case errors.Is(err, agent.ErrRetryExhausted), errors.Is(err, agent.ErrFatal):
		return err.Error()
	}
	return "unexpected error: " + err.Error()
}

func (d *Driver) log(ctx context.Context, taskID, agentType, msg string, md map[string]any) {
	if _, err := d.sink.Append(context.WithoutCancel(ctx), taskID, agentType, msg, md); err != nil {
		d.logger.Warn("write task log", zap.String("task_id", taskID), zap.Error(err))
	}
}
