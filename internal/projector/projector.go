// Package projector derives the read-side status view of a task. Nothing it
// returns is stored; every field is recomputed from the task row and its log.
package projector

import (
	"context"

	"github.com/throw-if-null/deepresearch/internal/task"
)

// Stages shown to clients.
const (
	StageInitializing     = "initializing"
	StagePlanningStrategy = "planning_strategy"
	StageGatheringData    = "gathering_data"
	StageCritiquingDraft  = "critiquing_draft"
	StageRevisingDraft    = "revising_draft"
	StageFinished         = "finished"
	StageFailed           = "failed"
)

var stages = map[task.Status]string{
	task.StatusPending:    StageInitializing,
	task.StatusPlanning:   StagePlanningStrategy,
	task.StatusInProgress: StageGatheringData,
	task.StatusReviewing:  StageCritiquingDraft,
	task.StatusRevising:   StageRevisingDraft,
	task.StatusCompleted:  StageFinished,
	task.StatusFailed:     StageFailed,
}

// Stage maps a status to its coarse stage name.
func Stage(s task.Status) string {
	if st, ok := stages[s]; ok {
		return st
	}
	return "unknown"
}

type Progress struct {
	MessagesLogged int `json:"messages_logged"`
	Revisions      int `json:"revisions"`
	SearchQueries  int `json:"search_queries"`
}

type Status struct {
	TaskID          string       `json:"task_id"`
	Status          task.Status  `json:"status"`
	Progress        Progress     `json:"progress"`
	CurrentStage    string       `json:"current_stage"`
	Result          *task.Report `json:"result"`
	Reason          string       `json:"reason,omitempty"`
	CancelRequested bool         `json:"cancel_requested,omitempty"`
}

// Project builds the status view from a task snapshot and its log count.
// Result is set only for completed tasks.
func Project(t *task.Task, messages int) Status {
	st := Status{
		TaskID: t.ID,
		Status: t.Status,
		Progress: Progress{
			MessagesLogged: messages,
			Revisions:      t.RevisionCount,
			SearchQueries:  t.Sources.DistinctQueries(),
		},
		CurrentStage:    Stage(t.Status),
		Reason:          t.Reason,
		CancelRequested: t.CancelRequested && !t.Status.Terminal(),
	}
	if t.Status == task.StatusCompleted {
		st.Result = t.Report
	}
	return st
}

type Store interface {
	Get(ctx context.Context, id string) (*task.Task, error)
	CountLogs(ctx context.Context, taskID string) (int, error)
}

type Projector struct {
	store Store
}

func New(s Store) *Projector { return &Projector{store: s} }

// Status reads the task and its log count and projects them.
func (p *Projector) Status(ctx context.Context, id string) (Status, error) {
	t, err := p.store.Get(ctx, id)
	if err != nil {
		return Status{}, err
	}
	n, err := p.store.CountLogs(ctx, id)
	if err != nil {
		return Status{}, err
	}
	return Project(t, n), nil
}
