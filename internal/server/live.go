package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/throw-if-null/deepresearch/internal/logsink"
	"github.com/throw-if-null/deepresearch/internal/task"
)

const (
	writeWait  = 10 * time.Second
	pingPeriod = 30 * time.Second
	replayPage = 500
)

// terminalWait bounds how long a stream for an already finished task waits
// for the final status push before closing from the store snapshot.
var terminalWait = 2 * time.Second

var errClientGone = errors.New("client closed connection")

// handleLive streams a task's log and status changes. It subscribes before
// replaying the durable log so nothing written in between is missed, and
// replays again whenever the subscription reports dropped events.
func (s *Server) handleLive(w http.ResponseWriter, r *http.Request) {
	id, ok := taskID(w, r)
	if !ok {
		return
	}
	if _, err := s.store.Get(r.Context(), id); err != nil {
		s.fail(w, "live", err)
		return
	}

	sub := s.live.Subscribe(id)
	defer sub.Close()

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade", zap.String("task_id", id), zap.Error(err))
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	st := &liveStream{conn: conn, store: s.store, taskID: id}
	err = st.run(ctx, sub)
	switch {
	case err == nil:
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "task finished"),
			time.Now().Add(writeWait))
	case ctx.Err() != nil:
	default:
		s.logger.Warn("live stream", zap.String("task_id", id), zap.Error(err))
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "stream error"),
			time.Now().Add(writeWait))
	}
}

type liveStream struct {
	conn     *websocket.Conn
	store    Store
	taskID   string
	last     int64
	lastSent task.Status
	dropped  uint64
}

// run returns nil once the terminal status has been sent.
func (l *liveStream) run(ctx context.Context, sub *logsink.Subscription) error {
	if err := l.replay(ctx); err != nil {
		return err
	}
	t, err := l.store.Get(ctx, l.taskID)
	if err != nil {
		return err
	}

	var deadline <-chan time.Time
	if t.Status.Terminal() {
		deadline = time.After(terminalWait)
	} else if err := l.sendStatus(t.Status, t.Reason); err != nil {
		return err
	}

	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline:
			if err := l.replay(ctx); err != nil {
				return err
			}
			return l.sendStatus(t.Status, t.Reason)
		case <-ping.C:
			l.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := l.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return err
			}
		case ev, ok := <-sub.C:
			if !ok {
				return errors.New("live channel closed")
			}
			if d := sub.Dropped(); d != l.dropped {
				l.dropped = d
				if err := l.replay(ctx); err != nil {
					return err
				}
			}
			done, err := l.deliver(ev)
			if err != nil || done {
				return err
			}
		}
	}
}

// deliver forwards one live event unless replay already covered it.
func (l *liveStream) deliver(ev logsink.Event) (bool, error) {
	switch ev.Type {
	case logsink.TypeLogMessage:
		if ev.Seq <= l.last {
			return false, nil
		}
		l.last = ev.Seq
		return false, l.write(ev)
	case logsink.TypeStatusUpdate:
		data, ok := ev.Data.(logsink.StatusData)
		if !ok {
			return false, nil
		}
		if ev.Seq < l.last && !data.Status.Terminal() {
			return false, nil
		}
		if data.Status == l.lastSent {
			return data.Status.Terminal(), nil
		}
		if err := l.sendStatus(data.Status, data.Reason); err != nil {
			return false, err
		}
		return data.Status.Terminal(), nil
	}
	return false, nil
}

// replay sends every durable entry after the last one delivered.
func (l *liveStream) replay(ctx context.Context) error {
	for {
		entries, err := l.store.ListLogs(ctx, l.taskID, l.last, replayPage)
		if err != nil {
			return err
		}
		for _, e := range entries {
			ev := logsink.Event{
				Type: logsink.TypeLogMessage,
				Seq:  e.Seq,
				Data: logsink.LogData{Message: e.Message, Timestamp: e.CreatedAt, Agent: e.AgentType, Metadata: e.Metadata},
			}
			if err := l.write(ev); err != nil {
				return err
			}
			l.last = e.Seq
		}
		if len(entries) < replayPage {
			return nil
		}
	}
}

func (l *liveStream) sendStatus(st task.Status, reason string) error {
	l.lastSent = st
	return l.write(logsink.Event{
		Type: logsink.TypeStatusUpdate,
		Seq:  l.last,
		Data: logsink.StatusData{Status: st, Reason: reason},
	})
}

func (l *liveStream) write(ev logsink.Event) error {
	l.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := l.conn.WriteJSON(ev); err != nil {
		if websocket.IsCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
			return errClientGone
		}
		return err
	}
	return nil
}
