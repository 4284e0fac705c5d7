package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/quarrylabs/quarry/internal/engine"
	"github.com/quarrylabs/quarry/internal/session"
	"github.com/quarrylabs/quarry/internal/stream"
)

// historyTurns caps how many past conversation turns are handed to a
// run; the engine truncates further when building prompts.
const historyTurns = 8

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || localOrigin(origin)
	},
}

// wsClientMessage is anything the client may send over the stream.
type wsClientMessage struct {
	Type                string       `json:"type"`
	Query               string       `json:"query,omitempty"`
	ConversationHistory []wsExchange `json:"conversation_history,omitempty"`
}

type wsExchange struct {
	Query  string `json:"query"`
	Answer string `json:"answer"`
}

// wsSink adapts one WebSocket connection to the stream.Sink interface.
// The publisher serializes Send calls; the mutex only guards against a
// concurrent Close.
type wsSink struct {
	conn    *websocket.Conn
	timeout time.Duration

	mu     sync.Mutex
	closed bool
}

func newWSSink(conn *websocket.Conn, timeout time.Duration) *wsSink {
	return &wsSink{conn: conn, timeout: timeout}
}

func (ws *wsSink) Send(ctx context.Context, e stream.Event) error {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	if ws.closed {
		return errors.New("sink closed")
	}
	deadline := time.Now().Add(ws.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := ws.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return ws.conn.WriteJSON(e)
}

func (ws *wsSink) Close(ctx context.Context) error {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	if ws.closed {
		return nil
	}
	ws.closed = true
	deadline := time.Now().Add(time.Second)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = ws.conn.WriteControl(websocket.CloseMessage, msg, deadline)
	return ws.conn.Close()
}

// handleStream upgrades to a WebSocket and pumps client messages until
// the connection drops. Malformed or unexpected input produces an
// error event on the stream, never a close.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	sess, err := s.sessions.Get(id)
	if err != nil {
		writeError(w, http.StatusNotFound, fmt.Sprintf("session %s not found", id))
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written its own error response.
		s.logger.Debug("ws.upgrade_failed", zap.String("session_id", id), zap.Error(err))
		return
	}
	conn.SetReadLimit(1 << 20)

	sink := newWSSink(conn, s.config.SendTimeout)
	s.publisher.Attach(id, sink)
	s.logger.Info("ws.attached", zap.String("session_id", id))
	defer func() {
		s.publisher.Detach(id, sink)
		sink.Close(context.Background())
		s.logger.Info("ws.detached", zap.String("session_id", id))
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var msg wsClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			s.publishProtocolError(id, fmt.Sprintf("malformed message: %v", err))
			continue
		}
		switch msg.Type {
		case "query":
			s.handleQueryMessage(sess, msg)
		case "ping":
			s.publisher.Publish(id, stream.NewEvent(stream.TypeLog, "pong"))
		default:
			s.publishProtocolError(id, fmt.Sprintf("unknown message type %q", msg.Type))
		}
	}
}

func (s *Server) publishProtocolError(sessionID, msg string) {
	s.publisher.Publish(sessionID, stream.NewEvent(stream.TypeError, map[string]any{
		"message":    msg,
		"error_type": "ProtocolError",
	}))
}

// handleQueryMessage starts one run for the session. The run executes
// on the server's base context: a client that disconnects mid-run does
// not cancel it, and the turn is still recorded.
func (s *Server) handleQueryMessage(sess *session.Session, msg wsClientMessage) {
	id := sess.ID
	if msg.Query == "" {
		s.publishProtocolError(id, "query message has no query text")
		return
	}
	if err := sess.BeginRun(); err != nil {
		label := "InternalError"
		switch {
		case errors.Is(err, session.ErrRunInProgress):
			label = "RunInProgress"
		case errors.Is(err, session.ErrNotFound):
			label = "NotFound"
		}
		s.publisher.Publish(id, stream.NewEvent(stream.TypeError, map[string]any{
			"message":    err.Error(),
			"error_type": label,
		}))
		return
	}

	go func() {
		defer sess.EndRun()

		if err := sess.WaitUntilReady(s.baseCtx, s.config.ReadyTimeout); err != nil {
			label := "NotFound"
			var perr *session.ProvisioningError
			if errors.As(err, &perr) {
				label = "ProvisioningError"
			}
			s.publisher.Publish(id, stream.NewEvent(stream.TypeError, map[string]any{
				"message":    err.Error(),
				"error_type": label,
			}))
			return
		}

		interp := sess.Interpreter()
		if interp == nil {
			s.publisher.Publish(id, stream.NewEvent(stream.TypeError, map[string]any{
				"message":    fmt.Sprintf("session %s not found", id),
				"error_type": "NotFound",
			}))
			return
		}

		supplied := msg.ConversationHistory
		if len(supplied) > historyTurns {
			supplied = supplied[len(supplied)-historyTurns:]
		}
		history := make([]engine.Exchange, 0, historyTurns)
		if len(supplied) > 0 {
			for _, h := range supplied {
				history = append(history, engine.Exchange{Query: h.Query, Answer: h.Answer})
			}
		} else {
			for _, turn := range sess.RecentTurns(historyTurns) {
				history = append(history, engine.Exchange{Query: turn.Query, Answer: turn.Answer})
			}
		}

		info := sess.DatasetInfo()
		meta := sess.Meta()
		answer, err := s.eng.Run(s.baseCtx, engine.RunRequest{
			SessionID: id,
			Query:     msg.Query,
			Executor:  interp,
			Dataset: engine.DatasetContext{
				Name:        sess.Dataset.Name,
				Rows:        info.Rows,
				Columns:     info.Columns,
				Description: meta.Description,
				ColumnNotes: meta.Columns,
			},
			History: history,
		})
		if err != nil {
			// The engine already published the terminal error event.
			s.logger.Warn("run.error", zap.String("session_id", id), zap.Error(err))
			return
		}
		sess.RecordTurn(msg.Query, answer)
	}()
}
