package llm

import (
	"context"
	"errors"

	"github.com/throw-if-null/deepresearch/internal/agent"
	"github.com/throw-if-null/deepresearch/internal/task"
)

var (
	_ agent.Planner = (*Client)(nil)
	_ agent.Critic  = (*Client)(nil)
	_ agent.Reviser = (*Client)(nil)
)

func (c *Client) Plan(ctx context.Context, mem task.Memory) (*task.Plan, error) {
	var p task.Plan
	if err := c.completeJSON(ctx, "plan", plannerSystem, plannerPrompt(mem), &p); err != nil {
		return nil, err
	}
	if p.MainTopic == "" {
		p.MainTopic = mem.Query.Topic
	}
	if len(p.SearchQueries) == 0 {
		return nil, agent.Fatal("plan", errors.New("plan has no search queries"))
	}
	if err := p.Validate(); err != nil {
		return nil, agent.Fatal("plan", err)
	}
	return &p, nil
}

// Draft writes the first report from gathered sources.
func (c *Client) Draft(ctx context.Context, mem task.Memory, sources []task.Source) (*task.Report, error) {
	var r task.Report
	if err := c.completeJSON(ctx, "draft", drafterSystem, drafterPrompt(mem, sources), &r); err != nil {
		return nil, err
	}
	if err := r.Validate(); err != nil {
		return nil, agent.Fatal("draft", err)
	}
	return &r, nil
}

func (c *Client) Critique(ctx context.Context, mem task.Memory) (*task.Feedback, error) {
	if mem.Report == nil {
		return nil, agent.Fatal("critique", errors.New("no draft to critique"))
	}
	var fb task.Feedback
	if err := c.completeJSON(ctx, "critique", criticSystem, criticPrompt(mem), &fb); err != nil {
		return nil, err
	}
	fb.Round = len(mem.Feedback) + 1
	if err := fb.Validate(); err != nil {
		return nil, agent.Fatal("critique", err)
	}
	return &fb, nil
}

func (c *Client) Revise(ctx context.Context, mem task.Memory) (*agent.Revision, error) {
	if mem.Report == nil {
		return nil, agent.Fatal("revise", errors.New("no draft to revise"))
	}
	var r task.Report
	if err := c.completeJSON(ctx, "revise", reviserSystem, reviserPrompt(mem), &r); err != nil {
		return nil, err
	}
	if err := r.Validate(); err != nil {
		return nil, agent.Fatal("revise", err)
	}
	return &agent.Revision{Report: &r}, nil
}
