// Package agent defines the capability boundaries the orchestrator drives
// and the retry/timeout policy wrapped around every call.
package agent

import (
	"context"

	"github.com/throw-if-null/deepresearch/internal/task"
)

type Planner interface {
	Plan(ctx context.Context, mem task.Memory) (*task.Plan, error)
}

type Researcher interface {
	Research(ctx context.Context, mem task.Memory) (*ResearchResult, error)
}

type Critic interface {
	Critique(ctx context.Context, mem task.Memory) (*task.Feedback, error)
}

type Reviser interface {
	Revise(ctx context.Context, mem task.Memory) (*Revision, error)
}

// ResearchResult is the evidence gathered for a plan plus the first draft.
type ResearchResult struct {
	Sources []task.Source
	Report  *task.Report
}

// Revision replaces the current draft. Sources gathered while revising are
// appended to the task's evidence.
type Revision struct {
	Report  *task.Report
	Sources []task.Source
}

// Set bundles the four adapters a driver needs.
type Set struct {
	Planner    Planner
	Researcher Researcher
	Critic     Critic
	Reviser    Reviser
}
