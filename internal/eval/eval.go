// Package eval grades finished research reports against expectations and
// aggregates the grades into a run summary.
package eval

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/throw-if-null/deepresearch/internal/task"
)

// Case is one evaluation input. Expected lists keywords the report should
// cover; ExpectedSources lists fragments that should appear among its
// references.
type Case struct {
	Name            string         `json:"name"`
	Input           string         `json:"input"`
	Expected        []string       `json:"expected"`
	ExpectedSources []string       `json:"expected_sources,omitempty"`
	Metadata        map[string]any `json:"metadata,omitempty"`
}

func (c Case) displayName() string {
	if c.Name != "" {
		return c.Name
	}
	if len(c.Input) > 50 {
		return c.Input[:50] + "..."
	}
	return c.Input
}

type Dimension struct {
	Score  float64 `json:"score"`
	Reason string  `json:"reason"`
}

type Grade struct {
	Passed    bool
	Score     float64
	Reason    string
	Breakdown map[string]Dimension
}

type Grader interface {
	Type() string
	Grade(ctx context.Context, r *task.Report, c Case) (Grade, error)
}

// Output is what a subject produced for one case.
type Output struct {
	Report           *task.Report
	PromptTokens     int
	CompletionTokens int
	CostUSD          float64
}

// Subject produces the report under evaluation for a case.
type Subject func(ctx context.Context, c Case) (Output, error)

// Pricing converts token usage to dollars. Rates are USD per million tokens.
type Pricing struct {
	PromptPerMTok     float64
	CompletionPerMTok float64
}

// DefaultPricing matches the default model's list price.
var DefaultPricing = Pricing{PromptPerMTok: 0.59, CompletionPerMTok: 0.79}

func (p Pricing) Cost(prompt, completion int) float64 {
	return (float64(prompt)*p.PromptPerMTok + float64(completion)*p.CompletionPerMTok) / 1e6
}

// UsageFromLogs totals the token usage recorded on a task's log entries.
func UsageFromLogs(entries []task.LogEntry) (prompt, completion int) {
	for _, e := range entries {
		prompt += metaInt(e.Metadata["prompt_tokens"])
		completion += metaInt(e.Metadata["completion_tokens"])
	}
	return prompt, completion
}

// metaInt reads a count from log metadata, which holds float64 after a JSON
// round trip.
func metaInt(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	case json.Number:
		i, _ := n.Int64()
		return int(i)
	}
	return 0
}

type Record struct {
	Name       string               `json:"name"`
	Input      string               `json:"input"`
	Expected   []string             `json:"expected"`
	Output     string               `json:"output"`
	Passed     bool                 `json:"passed"`
	Score      float64              `json:"score"`
	Reason     string               `json:"reason"`
	LatencyMS  float64              `json:"latency_ms"`
	Error      string               `json:"error,omitempty"`
	GraderType string               `json:"grader_type"`
	Breakdown  map[string]Dimension `json:"breakdown,omitempty"`
	Tokens     int                  `json:"tokens,omitempty"`
	CostUSD    float64              `json:"cost_usd,omitempty"`
}

// Run evaluates every case, at most concurrency at a time, and returns the
// records in case order. A subject or grader error is recorded on the case
// rather than aborting the run.
func Run(ctx context.Context, cases []Case, subject Subject, g Grader, concurrency int) ([]Record, error) {
	out := make([]Record, len(cases))
	eg, ctx := errgroup.WithContext(ctx)
	if concurrency > 0 {
		eg.SetLimit(concurrency)
	}
	for i, c := range cases {
		eg.Go(func() error {
			out[i] = runCase(ctx, c, subject, g)
			return ctx.Err()
		})
	}
	if err := eg.Wait(); err != nil {
		return out, err
	}
	return out, nil
}

func runCase(ctx context.Context, c Case, subject Subject, g Grader) Record {
	rec := Record{
		Name:       c.displayName(),
		Input:      c.Input,
		Expected:   c.Expected,
		GraderType: g.Type(),
	}
	start := time.Now()
	res, err := subject(ctx, c)
	rec.LatencyMS = float64(time.Since(start).Microseconds()) / 1000
	rec.Tokens = res.PromptTokens + res.CompletionTokens
	rec.CostUSD = res.CostUSD
	report := res.Report
	if err != nil {
		rec.Error = err.Error()
		rec.Reason = "subject failed"
		return rec
	}
	if report == nil {
		rec.Error = "no report"
		rec.Reason = "subject returned no report"
		return rec
	}
	rec.Output = report.Text()

	gr, err := g.Grade(ctx, report, c)
	if err != nil {
		rec.Error = err.Error()
		rec.Reason = "grader failed"
		return rec
	}
	rec.Passed = gr.Passed
	rec.Score = gr.Score
	rec.Reason = gr.Reason
	rec.Breakdown = gr.Breakdown
	return rec
}

type Summary struct {
	Name         string   `json:"name"`
	Timestamp    string   `json:"timestamp"`
	Total        int      `json:"total"`
	Passed       int      `json:"passed"`
	Failed       int      `json:"failed"`
	Errors       int      `json:"errors"`
	PassRate     float64  `json:"pass_rate"`
	AvgScore     float64  `json:"avg_score"`
	AvgLatencyMS float64  `json:"avg_latency_ms"`
	TotalCostUSD float64  `json:"total_cost_usd"`
	Results      []Record `json:"results"`
}

// Summarize aggregates records. PassRate is a percentage; errored records
// count toward neither passed nor failed.
func Summarize(name string, records []Record, now time.Time) Summary {
	s := Summary{
		Name:      name,
		Timestamp: now.UTC().Format(time.RFC3339),
		Total:     len(records),
		Results:   records,
	}
	if len(records) == 0 {
		s.Results = []Record{}
		return s
	}
	var score, latency float64
	for _, r := range records {
		switch {
		case r.Error != "":
			s.Errors++
		case r.Passed:
			s.Passed++
		default:
			s.Failed++
		}
		score += r.Score
		latency += r.LatencyMS
		s.TotalCostUSD += r.CostUSD
	}
	n := float64(len(records))
	s.PassRate = float64(s.Passed) / n * 100
	s.AvgScore = score / n
	s.AvgLatencyMS = latency / n
	return s
}

// LoadCases reads a JSON array of cases.
func LoadCases(path string) ([]Case, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cases []Case
	if err := json.Unmarshal(b, &cases); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return cases, nil
}
