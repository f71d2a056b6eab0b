package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/throw-if-null/deepresearch/internal/api"
	"github.com/throw-if-null/deepresearch/internal/logsink"
	"github.com/throw-if-null/deepresearch/internal/projector"
	"github.com/throw-if-null/deepresearch/internal/store"
	"github.com/throw-if-null/deepresearch/internal/task"
)

// directTasks stands in for the orchestrator: it writes to the store and
// never drives anything.
type directTasks struct {
	store *store.Store
}

func (d directTasks) Submit(ctx context.Context, q task.Query) (*task.Task, error) {
	return d.store.Create(ctx, q, 3)
}

func (d directTasks) Cancel(ctx context.Context, id string) error {
	_, err := d.store.RequestCancel(ctx, id)
	return err
}

type fixture struct {
	store *store.Store
	sink  *logsink.Sink
	ts    *httptest.Server
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "research.db"))
	require.NoError(t, err)
	sink := logsink.New(s, nil, zaptest.NewLogger(t))
	srv := New(s, directTasks{store: s}, sink, zaptest.NewLogger(t))
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ts.Close()
		sink.Close()
		s.Close()
	})
	return &fixture{store: s, sink: sink, ts: ts}
}

func (f *fixture) do(t *testing.T, method, path, body string) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(method, f.ts.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	res, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer res.Body.Close()
	respBody, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	return res, respBody
}

func (f *fixture) create(t *testing.T, topic string) *task.Task {
	t.Helper()
	tk, err := f.store.Create(context.Background(), task.Query{Topic: topic}, 3)
	require.NoError(t, err)
	return tk
}

func (f *fixture) advance(t *testing.T, id string, from task.Status, m task.Mutation) {
	t.Helper()
	_, err := f.store.Transition(context.Background(), id, from, m)
	require.NoError(t, err)
	_, err = f.sink.Append(context.Background(), id, task.AgentOrchestrator, string(from)+" -> "+string(m.To), nil)
	require.NoError(t, err)
	f.sink.PublishStatus(id, m.To, m.Reason)
}

func TestHealthz(t *testing.T) {
	f := newFixture(t)
	res, body := f.do(t, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, "ok", string(body))
}

func TestSubmit(t *testing.T) {
	f := newFixture(t)

	res, body := f.do(t, http.MethodPost, "/v1/research", `{"topic":"fusion energy","subtopics":["tokamaks"]}`)
	require.Equal(t, http.StatusAccepted, res.StatusCode, string(body))
	var out api.SubmitResponse
	require.NoError(t, json.Unmarshal(body, &out))
	assert.NotEmpty(t, out.TaskID)
	assert.Equal(t, task.StatusPending, out.Status)
	assert.Equal(t, "/v1/research/"+out.TaskID+"/live", out.MonitoringURL)

	got, err := f.store.Get(context.Background(), out.TaskID)
	require.NoError(t, err)
	assert.Equal(t, []string{"tokamaks"}, got.Query.Subtopics)
	assert.Equal(t, task.DefaultDepthLevel, got.Query.DepthLevel)
}

func TestSubmit_Rejections(t *testing.T) {
	f := newFixture(t)

	res, body := f.do(t, http.MethodPost, "/v1/research", `{"topic":"   "}`)
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)
	var e api.ErrorResponse
	require.NoError(t, json.Unmarshal(body, &e))
	assert.Equal(t, "topic", e.Field)

	res, _ = f.do(t, http.MethodPost, "/v1/research", `{"topic":"x","depth_level":7}`)
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)

	res, _ = f.do(t, http.MethodPost, "/v1/research", `{not json`)
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)

	all, err := f.store.List(context.Background(), store.ListOptions{})
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestStatus_Projection(t *testing.T) {
	f := newFixture(t)
	tk := f.create(t, "graphene")
	f.advance(t, tk.ID, task.StatusPending, task.Mutation{To: task.StatusPlanning})
	f.advance(t, tk.ID, task.StatusPlanning, task.Mutation{To: task.StatusInProgress, Plan: &task.Plan{MainTopic: "graphene"}})
	f.advance(t, tk.ID, task.StatusInProgress, task.Mutation{
		To: task.StatusReviewing,
		AppendSources: []task.Source{
			{ID: "a", Query: "graphene uses"},
			{ID: "b", Query: "graphene uses"},
			{ID: "c", Query: "graphene cost"},
		},
		Report: &task.Report{Title: "Graphene"},
	})

	res, body := f.do(t, http.MethodGet, "/v1/research/"+tk.ID+"/status", "")
	require.Equal(t, http.StatusOK, res.StatusCode)
	var st projector.Status
	require.NoError(t, json.Unmarshal(body, &st))
	assert.Equal(t, task.StatusReviewing, st.Status)
	assert.Equal(t, projector.StageCritiquingDraft, st.CurrentStage)
	assert.Equal(t, projector.Progress{MessagesLogged: 3, Revisions: 0, SearchQueries: 2}, st.Progress)
	assert.Nil(t, st.Result)

	f.advance(t, tk.ID, task.StatusReviewing, task.Mutation{To: task.StatusCompleted})
	_, body = f.do(t, http.MethodGet, "/v1/research/"+tk.ID+"/status", "")
	require.NoError(t, json.Unmarshal(body, &st))
	assert.Equal(t, projector.StageFinished, st.CurrentStage)
	require.NotNil(t, st.Result)
	assert.Equal(t, "Graphene", st.Result.Title)
}

func TestGet_Errors(t *testing.T) {
	f := newFixture(t)
	res, _ := f.do(t, http.MethodGet, "/v1/research/nope", "")
	assert.Equal(t, http.StatusNotFound, res.StatusCode)
	res, _ = f.do(t, http.MethodGet, "/v1/research/bad%20id/status", "")
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)

	tk := f.create(t, "x")
	res, body := f.do(t, http.MethodGet, "/v1/research/"+tk.ID, "")
	require.Equal(t, http.StatusOK, res.StatusCode)
	var got task.Task
	require.NoError(t, json.Unmarshal(body, &got))
	assert.Equal(t, tk.ID, got.ID)
}

func TestList(t *testing.T) {
	f := newFixture(t)
	a := f.create(t, "a")
	f.create(t, "b")
	f.create(t, "c")
	f.advance(t, a.ID, task.StatusPending, task.Mutation{To: task.StatusFailed, Reason: "x"})

	var out []projector.Status
	_, body := f.do(t, http.MethodGet, "/v1/research", "")
	require.NoError(t, json.Unmarshal(body, &out))
	assert.Len(t, out, 3)

	_, body = f.do(t, http.MethodGet, "/v1/research?limit=2", "")
	require.NoError(t, json.Unmarshal(body, &out))
	assert.Len(t, out, 2)

	_, body = f.do(t, http.MethodGet, "/v1/research?status=failed", "")
	require.NoError(t, json.Unmarshal(body, &out))
	require.Len(t, out, 1)
	assert.Equal(t, a.ID, out[0].TaskID)

	res, _ := f.do(t, http.MethodGet, "/v1/research?status=sleeping", "")
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)
	res, _ = f.do(t, http.MethodGet, "/v1/research?limit=-1", "")
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)
}

func TestCancel(t *testing.T) {
	f := newFixture(t)
	tk := f.create(t, "a")

	res, body := f.do(t, http.MethodPost, "/v1/research/"+tk.ID+"/cancel", "")
	require.Equal(t, http.StatusAccepted, res.StatusCode, string(body))
	var out api.CancelResponse
	require.NoError(t, json.Unmarshal(body, &out))
	assert.True(t, out.CancelRequested)

	res, _ = f.do(t, http.MethodDelete, "/v1/research/"+tk.ID, "")
	assert.Equal(t, http.StatusAccepted, res.StatusCode)

	done := f.create(t, "b")
	f.advance(t, done.ID, task.StatusPending, task.Mutation{To: task.StatusFailed})
	res, _ = f.do(t, http.MethodPost, "/v1/research/"+done.ID+"/cancel", "")
	assert.Equal(t, http.StatusConflict, res.StatusCode)

	res, _ = f.do(t, http.MethodDelete, "/v1/research/missing", "")
	assert.Equal(t, http.StatusNotFound, res.StatusCode)
}

func TestLogs_Paging(t *testing.T) {
	f := newFixture(t)
	tk := f.create(t, "a")
	for i := 0; i < 5; i++ {
		_, err := f.sink.Append(context.Background(), tk.ID, task.AgentResearcher, "entry", map[string]any{"i": i})
		require.NoError(t, err)
	}

	var page api.LogsResponse
	_, body := f.do(t, http.MethodGet, "/v1/research/"+tk.ID+"/logs?limit=2", "")
	require.NoError(t, json.Unmarshal(body, &page))
	require.Len(t, page.Entries, 2)
	assert.Equal(t, float64(0), page.Entries[0].Metadata["i"])

	_, body = f.do(t, http.MethodGet, "/v1/research/"+tk.ID+"/logs?after="+strconv.FormatInt(page.Next, 10), "")
	require.NoError(t, json.Unmarshal(body, &page))
	require.Len(t, page.Entries, 3)
	assert.Equal(t, float64(2), page.Entries[0].Metadata["i"])

	_, body = f.do(t, http.MethodGet, "/v1/research/"+tk.ID+"/logs?after="+strconv.FormatInt(page.Next, 10), "")
	require.NoError(t, json.Unmarshal(body, &page))
	assert.Empty(t, page.Entries)

	res, _ := f.do(t, http.MethodGet, "/v1/research/missing/logs", "")
	assert.Equal(t, http.StatusNotFound, res.StatusCode)
	res, _ = f.do(t, http.MethodGet, "/v1/research/"+tk.ID+"/logs?after=x", "")
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)
}

type wireEvent struct {
	Type string          `json:"type"`
	Seq  int64           `json:"seq"`
	Data json.RawMessage `json:"data"`
}

func dialLive(t *testing.T, f *fixture, path string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(f.ts.URL, "http") + path
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

// readUntilClosed collects events until the server closes the stream.
func readUntilClosed(t *testing.T, conn *websocket.Conn) ([]wireEvent, error) {
	t.Helper()
	var out []wireEvent
	for {
		conn.SetReadDeadline(time.Now().Add(10 * time.Second))
		var ev wireEvent
		if err := conn.ReadJSON(&ev); err != nil {
			return out, err
		}
		out = append(out, ev)
	}
}

func statusOf(t *testing.T, ev wireEvent) task.Status {
	t.Helper()
	var d logsink.StatusData
	require.NoError(t, json.Unmarshal(ev.Data, &d))
	return d.Status
}

func TestLive_ReplaysThenStreamsUntilTerminal(t *testing.T) {
	f := newFixture(t)
	tk := f.create(t, "a")
	_, err := f.sink.Append(context.Background(), tk.ID, task.AgentOrchestrator, "task submitted", nil)
	require.NoError(t, err)

	conn := dialLive(t, f, "/v1/research/"+tk.ID+"/live")

	// replayed entry, then the current status
	var first, second wireEvent
	require.NoError(t, conn.ReadJSON(&first))
	assert.Equal(t, logsink.TypeLogMessage, first.Type)
	require.NoError(t, conn.ReadJSON(&second))
	assert.Equal(t, logsink.TypeStatusUpdate, second.Type)
	assert.Equal(t, task.StatusPending, statusOf(t, second))

	f.advance(t, tk.ID, task.StatusPending, task.Mutation{To: task.StatusPlanning})
	f.advance(t, tk.ID, task.StatusPlanning, task.Mutation{To: task.StatusFailed, Reason: "boom"})

	rest, err := readUntilClosed(t, conn)
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "err = %v", err)

	var statuses []task.Status
	last := first.Seq
	for _, ev := range rest {
		if ev.Type == logsink.TypeLogMessage {
			assert.Greater(t, ev.Seq, last)
			last = ev.Seq
			continue
		}
		statuses = append(statuses, statusOf(t, ev))
	}
	assert.Equal(t, []task.Status{task.StatusPlanning, task.StatusFailed}, statuses)
}

func TestLive_FinishedTaskClosesAfterReplay(t *testing.T) {
	old := terminalWait
	terminalWait = 50 * time.Millisecond
	t.Cleanup(func() { terminalWait = old })

	f := newFixture(t)
	tk := f.create(t, "a")
	f.advance(t, tk.ID, task.StatusPending, task.Mutation{To: task.StatusFailed, Reason: "cancelled by request"})

	conn := dialLive(t, f, "/ws/"+tk.ID)
	events, err := readUntilClosed(t, conn)
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "err = %v", err)
	require.Len(t, events, 2)
	assert.Equal(t, logsink.TypeLogMessage, events[0].Type)
	assert.Equal(t, task.StatusFailed, statusOf(t, events[1]))
}

func TestLive_UnknownTask(t *testing.T) {
	f := newFixture(t)
	res, _ := f.do(t, http.MethodGet, "/v1/research/missing/live", "")
	assert.Equal(t, http.StatusNotFound, res.StatusCode)
}
