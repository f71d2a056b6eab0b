package eval

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/throw-if-null/deepresearch/internal/task"
)

func fullReport() *task.Report {
	return &task.Report{
		Title:    "Solid-state batteries",
		Abstract: "An overview of solid electrolytes.",
		Sections: []task.Section{
			{Title: "Chemistry", Content: "Sulfide and oxide electrolytes conduct lithium ions."},
			{Title: "Manufacturing", Content: "Dry-room processes dominate cost."},
			{Title: "Outlook", Content: "Toyota targets 2027 for commercial cells."},
		},
		Conclusion: "Promising but early.",
		References: []string{
			"https://en.wikipedia.org/wiki/Solid-state_battery",
			"https://example.org/electrolytes",
			"https://example.org/toyota",
		},
	}
}

func TestReportGrader_FullMarks(t *testing.T) {
	g := NewReportGrader()
	gr, err := g.Grade(context.Background(), fullReport(), Case{
		Expected:        []string{"electrolyte", "Toyota", "lithium"},
		ExpectedSources: []string{"wikipedia.org"},
	})
	require.NoError(t, err)
	assert.True(t, gr.Passed)
	assert.InDelta(t, 1.0, gr.Score, 1e-9)
	assert.Equal(t, "all checks passed", gr.Reason)
	assert.Len(t, gr.Breakdown, 3)
}

func TestReportGrader_PartialCredit(t *testing.T) {
	r := fullReport()
	r.Abstract = ""
	r.References = r.References[:1]
	g := NewReportGrader()

	gr, err := g.Grade(context.Background(), r, Case{Expected: []string{"electrolyte", "graphite", "sodium", "lithium"}})
	require.NoError(t, err)

	structure := gr.Breakdown[DimStructure]
	assert.InDelta(t, 2.0/3.0, structure.Score, 1e-9)
	assert.Contains(t, structure.Reason, "missing abstract")
	assert.InDelta(t, 1.0/3.0, gr.Breakdown[DimSources].Score, 1e-9)
	assert.InDelta(t, 0.5, gr.Breakdown[DimCoverage].Score, 1e-9)
	assert.Contains(t, gr.Breakdown[DimCoverage].Reason, "graphite, sodium")

	want := 0.3*(2.0/3.0) + 0.3*(1.0/3.0) + 0.4*0.5
	assert.InDelta(t, want, gr.Score, 1e-9)
	assert.False(t, gr.Passed)
}

func TestRun_RecordsErrorsAndOrder(t *testing.T) {
	cases := []Case{
		{Name: "good", Input: "batteries", Expected: []string{"lithium"}},
		{Input: "this input is long enough that the display name has to be shortened"},
		{Name: "empty", Input: "nothing"},
	}
	var calls atomic.Int32
	subject := func(_ context.Context, c Case) (Output, error) {
		calls.Add(1)
		switch c.Name {
		case "good":
			return Output{Report: fullReport(), PromptTokens: 900, CompletionTokens: 100, CostUSD: 0.01}, nil
		case "empty":
			return Output{}, nil
		}
		return Output{}, errors.New("driver failed")
	}

	recs, err := Run(context.Background(), cases, subject, NewReportGrader(), 2)
	require.NoError(t, err)
	require.Len(t, recs, 3)
	assert.Equal(t, int32(3), calls.Load())

	assert.Equal(t, "good", recs[0].Name)
	assert.True(t, recs[0].Passed)
	assert.Equal(t, "report", recs[0].GraderType)
	assert.Contains(t, recs[0].Output, "Solid-state batteries")
	assert.Equal(t, 1000, recs[0].Tokens)
	assert.InDelta(t, 0.01, recs[0].CostUSD, 1e-12)

	assert.Equal(t, "this input is long enough that the display name ha...", recs[1].Name)
	assert.Equal(t, "driver failed", recs[1].Error)
	assert.False(t, recs[1].Passed)

	assert.Equal(t, "no report", recs[2].Error)
}

func TestSummarize(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	s := Summarize("nightly", []Record{
		{Passed: true, Score: 1, LatencyMS: 10},
		{Passed: false, Score: 0.5, LatencyMS: 20},
		{Error: "boom", LatencyMS: 30},
		{Passed: true, Score: 0.9, LatencyMS: 40, CostUSD: 0.25},
	}, now)

	assert.Equal(t, 4, s.Total)
	assert.Equal(t, 2, s.Passed)
	assert.Equal(t, 1, s.Failed)
	assert.Equal(t, 1, s.Errors)
	assert.InDelta(t, 50.0, s.PassRate, 1e-9)
	assert.InDelta(t, 0.6, s.AvgScore, 1e-9)
	assert.InDelta(t, 25.0, s.AvgLatencyMS, 1e-9)
	assert.InDelta(t, 0.25, s.TotalCostUSD, 1e-9)
	assert.Equal(t, "2026-01-02T03:04:05Z", s.Timestamp)

	empty := Summarize("none", nil, now)
	assert.Zero(t, empty.PassRate)
	assert.NotNil(t, empty.Results)
}

func TestPricingAndUsageFromLogs(t *testing.T) {
	entries := []task.LogEntry{
		{Message: "planner finished", Metadata: map[string]any{"prompt_tokens": float64(1000), "completion_tokens": float64(200)}},
		{Message: `tool call web_search "q": 3 results`, Metadata: map[string]any{"results": float64(3)}},
		{Message: "critic failed", Metadata: map[string]any{"prompt_tokens": 500, "completion_tokens": int64(50)}},
		{Message: "status changed: pending -> planning"},
	}
	prompt, completion := UsageFromLogs(entries)
	assert.Equal(t, 1500, prompt)
	assert.Equal(t, 250, completion)

	p := Pricing{PromptPerMTok: 2, CompletionPerMTok: 10}
	assert.InDelta(t, (1500*2.0+250*10.0)/1e6, p.Cost(prompt, completion), 1e-12)
	assert.Zero(t, Pricing{}.Cost(prompt, completion))
}

func TestLoadCases(t *testing.T) {
	p := filepath.Join(t.TempDir(), "cases.json")
	require.NoError(t, os.WriteFile(p, []byte(`[{"name":"a","input":"q","expected":["x","y"]}]`), 0o644))
	cases, err := LoadCases(p)
	require.NoError(t, err)
	require.Len(t, cases, 1)
	assert.Equal(t, []string{"x", "y"}, cases[0].Expected)

	require.NoError(t, os.WriteFile(p, []byte(`{`), 0o644))
	_, err = LoadCases(p)
	assert.Error(t, err)
}
