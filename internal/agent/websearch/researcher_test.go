package websearch

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/throw-if-null/deepresearch/internal/agent"
	"github.com/throw-if-null/deepresearch/internal/task"
)

type fakeSearcher struct {
	mu       sync.Mutex
	seen     []string
	inflight atomic.Int32
	peak     atomic.Int32
	fail     map[string]error
}

func (f *fakeSearcher) Search(ctx context.Context, q string) ([]task.Source, error) {
	n := f.inflight.Add(1)
	defer f.inflight.Add(-1)
	for {
		p := f.peak.Load()
		if n <= p || f.peak.CompareAndSwap(p, n) {
			break
		}
	}
	time.Sleep(5 * time.Millisecond)

	f.mu.Lock()
	f.seen = append(f.seen, q)
	f.mu.Unlock()
	if err := f.fail[q]; err != nil {
		return nil, err
	}
	return []task.Source{{ID: "id-" + q, Title: q, Query: q}}, nil
}

type fakeDrafter struct {
	got []task.Source
}

func (f *fakeDrafter) Draft(_ context.Context, mem task.Memory, sources []task.Source) (*task.Report, error) {
	f.got = sources
	return &task.Report{Title: mem.Query.Topic}, nil
}

func TestResearcher_FansOutAndKeepsOrder(t *testing.T) {
	s := &fakeSearcher{}
	d := &fakeDrafter{}
	r := NewResearcher(s, d, 4, 2)

	mem := task.Memory{
		Query: task.Query{Topic: "qc"},
		Plan:  &task.Plan{MainTopic: "qc", SearchQueries: []string{"a", "b", "c", "d", "e"}},
	}
	res, err := r.Research(context.Background(), mem)
	require.NoError(t, err)

	require.Len(t, res.Sources, 4)
	for i, q := range []string{"a", "b", "c", "d"} {
		assert.Equal(t, q, res.Sources[i].Query)
	}
	assert.LessOrEqual(t, s.peak.Load(), int32(2))
	assert.Equal(t, "qc", res.Report.Title)
	assert.Len(t, d.got, 4)
}

func TestResearcher_FallsBackToQuery(t *testing.T) {
	s := &fakeSearcher{}
	r := NewResearcher(s, &fakeDrafter{}, 5, 3)
	res, err := r.Research(context.Background(), task.Memory{Query: task.Query{Topic: "qc", Subtopics: []string{"hardware"}}})
	require.NoError(t, err)
	assert.Equal(t, 2, task.Sources(res.Sources).DistinctQueries())
}

func TestResearcher_PropagatesClassification(t *testing.T) {
	s := &fakeSearcher{fail: map[string]error{"b": agent.Transient("wikipedia", errors.New("429"))}}
	r := NewResearcher(s, &fakeDrafter{}, 5, 3)
	_, err := r.Research(context.Background(), task.Memory{Plan: &task.Plan{MainTopic: "x", SearchQueries: []string{"a", "b"}}})
	require.Error(t, err)
	assert.True(t, agent.IsTransient(err))
}

func TestResearcher_NoSourcesIsFatal(t *testing.T) {
	empty := searcherFunc(func(context.Context, string) ([]task.Source, error) { return nil, nil })
	_, err := NewResearcher(empty, &fakeDrafter{}, 5, 3).Research(context.Background(), task.Memory{Query: task.Query{Topic: "x"}})
	assert.True(t, agent.IsFatal(err))
}

type searcherFunc func(context.Context, string) ([]task.Source, error)

func (f searcherFunc) Search(ctx context.Context, q string) ([]task.Source, error) { return f(ctx, q) }

func TestResearcher_ReportsEachSearch(t *testing.T) {
	s := &fakeSearcher{fail: map[string]error{"b": agent.Fatal("wikipedia", errors.New("400"))}}
	var mu sync.Mutex
	calls := map[string]agent.ToolCall{}
	ctx, m := agent.WithMeter(context.Background(), func(c agent.ToolCall) {
		mu.Lock()
		defer mu.Unlock()
		calls[c.Query] = c
	})

	ok := NewResearcher(s, &fakeDrafter{}, 5, 3)
	_, err := ok.Research(ctx, task.Memory{Plan: &task.Plan{MainTopic: "x", SearchQueries: []string{"a", "c"}}})
	require.NoError(t, err)
	_, err = ok.Research(ctx, task.Memory{Plan: &task.Plan{MainTopic: "x", SearchQueries: []string{"b"}}})
	require.Error(t, err)

	require.Len(t, calls, 3)
	assert.Equal(t, ToolName, calls["a"].Tool)
	assert.Equal(t, 1, calls["a"].Results)
	assert.Error(t, calls["b"].Err)
	assert.Zero(t, calls["b"].Results)
	assert.Equal(t, 3, m.Usage().ToolCalls)
}
