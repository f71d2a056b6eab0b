package websearch

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/throw-if-null/deepresearch/internal/agent"
	"github.com/throw-if-null/deepresearch/internal/task"
)

type Searcher interface {
	Search(ctx context.Context, query string) ([]task.Source, error)
}

// ToolName tags search calls in usage reports.
const ToolName = "web_search"

// Drafter turns gathered sources into a first report.
type Drafter interface {
	Draft(ctx context.Context, mem task.Memory, sources []task.Source) (*task.Report, error)
}

var _ agent.Researcher = (*Researcher)(nil)

// Researcher runs the plan's search queries in parallel and drafts a report
// from the combined results. Results keep plan query order.
type Researcher struct {
	search      Searcher
	draft       Drafter
	maxQueries  int
	concurrency int
}

func NewResearcher(s Searcher, d Drafter, maxQueries, concurrency int) *Researcher {
	if maxQueries <= 0 {
		maxQueries = 5
	}
	if concurrency <= 0 {
		concurrency = 3
	}
	return &Researcher{search: s, draft: d, maxQueries: maxQueries, concurrency: concurrency}
}

func (r *Researcher) Research(ctx context.Context, mem task.Memory) (*agent.ResearchResult, error) {
	queries := planQueries(mem)
	if len(queries) > r.maxQueries {
		queries = queries[:r.maxQueries]
	}
	if len(queries) == 0 {
		return nil, agent.Fatal("research", errors.New("no search queries"))
	}

	results := make([][]task.Source, len(queries))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.concurrency)
	for i, q := range queries {
		g.Go(func() error {
			srcs, err := r.search.Search(gctx, q)
			agent.RecordTool(gctx, agent.ToolCall{Tool: ToolName, Query: q, Results: len(srcs), Err: err})
			if err != nil {
				return fmt.Errorf("search %q: %w", q, err)
			}
			results[i] = srcs
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var sources []task.Source
	for _, rs := range results {
		sources = append(sources, rs...)
	}
	if len(sources) == 0 {
		return nil, agent.Fatal("research", fmt.Errorf("no sources found for %d queries", len(queries)))
	}

	report, err := r.draft.Draft(ctx, mem, sources)
	if err != nil {
		return nil, err
	}
	return &agent.ResearchResult{Sources: sources, Report: report}, nil
}

func planQueries(mem task.Memory) []string {
	if mem.Plan != nil && len(mem.Plan.SearchQueries) > 0 {
		return mem.Plan.SearchQueries
	}
	qs := []string{mem.Query.Topic}
	for _, s := range mem.Query.Subtopics {
		qs = append(qs, mem.Query.Topic+" "+s)
	}
	return qs
}
