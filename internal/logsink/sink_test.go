package logsink

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/throw-if-null/deepresearch/internal/task"
)

type memStore struct {
	mu      sync.Mutex
	seq     int64
	entries []task.LogEntry
	fail    error
}

func (m *memStore) AppendLog(_ context.Context, e task.LogEntry) (task.LogEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return e, m.fail
	}
	m.seq++
	e.Seq = m.seq
	e.ID = fmt.Sprintf("log-%d", m.seq)
	m.entries = append(m.entries, e)
	return e, nil
}

func TestSink_DeliversInWriteOrder(t *testing.T) {
	st := &memStore{}
	sink := New(st, nil, zaptest.NewLogger(t))
	sub := sink.Subscribe("t1")
	defer sub.Close()

	for i := 0; i < 10; i++ {
		_, err := sink.Append(context.Background(), "t1", task.AgentPlanner, fmt.Sprintf("m%d", i), nil)
		require.NoError(t, err)
	}
	sink.PublishStatus("t1", task.StatusCompleted, "")

	var last int64
	for i := 0; i < 10; i++ {
		ev := <-sub.C
		require.Equal(t, TypeLogMessage, ev.Type)
		assert.Greater(t, ev.Seq, last)
		last = ev.Seq
		data := ev.Data.(LogData)
		assert.Equal(t, fmt.Sprintf("m%d", i), data.Message)
		assert.Equal(t, task.AgentPlanner, data.Agent)
	}
	ev := <-sub.C
	assert.Equal(t, TypeStatusUpdate, ev.Type)
	assert.Equal(t, task.StatusCompleted, ev.Data.(StatusData).Status)
	assert.Equal(t, last, ev.Seq, "status carries the seq of the entry before it")
	assert.Zero(t, sub.Dropped())
}

func TestSink_FailedWriteIsNotPublished(t *testing.T) {
	st := &memStore{fail: errors.New("disk full")}
	sink := New(st, nil, zaptest.NewLogger(t))
	sub := sink.Subscribe("t1")
	defer sub.Close()

	_, err := sink.Append(context.Background(), "t1", task.AgentCritic, "lost", nil)
	require.Error(t, err)

	select {
	case ev := <-sub.C:
		t.Fatalf("unexpected event %+v", ev)
	default:
	}
}

func TestSink_IsolatesTasks(t *testing.T) {
	sink := New(&memStore{}, nil, zaptest.NewLogger(t))
	a := sink.Subscribe("a")
	defer a.Close()
	b := sink.Subscribe("b")
	defer b.Close()

	_, err := sink.Append(context.Background(), "a", task.AgentOrchestrator, "for a", nil)
	require.NoError(t, err)

	ev := <-a.C
	assert.Equal(t, "for a", ev.Data.(LogData).Message)
	select {
	case ev := <-b.C:
		t.Fatalf("b received %+v", ev)
	default:
	}
}

func TestHub_DropsWhenFull(t *testing.T) {
	h := NewHub()
	sub := h.Subscribe("t1")
	defer sub.Close()

	for i := 0; i < subscriberBuffer+5; i++ {
		h.Publish(Event{Type: TypeLogMessage, TaskID: "t1", Seq: int64(i + 1)})
	}
	assert.Equal(t, uint64(5), sub.Dropped())
	assert.Len(t, sub.C, subscriberBuffer)
}

func TestHub_CloseAndUnsubscribe(t *testing.T) {
	h := NewHub()
	sub := h.Subscribe("t1")
	assert.Equal(t, 1, h.SubscriberCount("t1"))

	sub.Close()
	sub.Close()
	assert.Equal(t, 0, h.SubscriberCount("t1"))
	_, ok := <-sub.C
	assert.False(t, ok)

	other := h.Subscribe("t2")
	h.Close()
	_, ok = <-other.C
	assert.False(t, ok)
	other.Close()

	late := h.Subscribe("t3")
	_, ok = <-late.C
	assert.False(t, ok)
}

// blockingStore holds AppendLog for one task until released.
type blockingStore struct {
	memStore
	task    string
	entered chan struct{}
	release chan struct{}
}

func (b *blockingStore) AppendLog(ctx context.Context, e task.LogEntry) (task.LogEntry, error) {
	if e.TaskID == b.task {
		close(b.entered)
		<-b.release
	}
	return b.memStore.AppendLog(ctx, e)
}

func TestSink_SlowTaskDoesNotBlockOthers(t *testing.T) {
	st := &blockingStore{task: "slow", entered: make(chan struct{}), release: make(chan struct{})}
	sink := New(st, nil, zaptest.NewLogger(t))

	done := make(chan error, 1)
	go func() {
		_, err := sink.Append(context.Background(), "slow", task.AgentResearcher, "stuck", nil)
		done <- err
	}()
	<-st.entered

	fast := make(chan error, 1)
	go func() {
		_, err := sink.Append(context.Background(), "fast", task.AgentPlanner, "quick", nil)
		fast <- err
	}()
	select {
	case err := <-fast:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("append for another task waited on the slow write")
	}

	close(st.release)
	require.NoError(t, <-done)
}

func TestSink_ForgetsFinishedAndAbandonedTasks(t *testing.T) {
	sink := New(&memStore{}, nil, zaptest.NewLogger(t))
	ctx := context.Background()

	_, err := sink.Append(ctx, "done", task.AgentOrchestrator, "x", nil)
	require.NoError(t, err)
	_, err = sink.Append(ctx, "paused", task.AgentOrchestrator, "y", nil)
	require.NoError(t, err)
	require.Equal(t, 2, sink.tracked())

	sink.PublishStatus("done", task.StatusFailed, "cancelled by request")
	assert.Equal(t, 1, sink.tracked())

	sink.PublishStatus("paused", task.StatusPlanning, "")
	sink.Forget("paused")
	assert.Zero(t, sink.tracked())

	// a resumed task starts over and still tags status with its latest seq
	sub := sink.Subscribe("paused")
	defer sub.Close()
	e, err := sink.Append(ctx, "paused", task.AgentOrchestrator, "resumed", nil)
	require.NoError(t, err)
	sink.PublishStatus("paused", task.StatusInProgress, "")
	<-sub.C
	ev := <-sub.C
	assert.Equal(t, e.Seq, ev.Seq)
}
