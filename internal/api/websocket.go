package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/nugget/loanrisk-agent/internal/agent"
	"github.com/nugget/loanrisk-agent/internal/llm"
)

// wsWriteWait bounds each frame write.
const wsWriteWait = 10 * time.Second

// doneFrame closes out one query on the stream.
type doneFrame struct {
	Type       string `json:"type"`
	RunID      string `json:"run_id,omitempty"`
	Incomplete bool   `json:"incomplete,omitempty"`
	Cycles     int    `json:"cycles,omitempty"`
}

// handleCallAgentWS streams trace entries as a run produces them. The
// client sends {"query": ...} frames one at a time; each run ends with
// a {"type":"done"} frame. Queries on one connection run sequentially.
func (s *Server) handleCallAgentWS(w http.ResponseWriter, r *http.Request) {
	var sid string
	header := http.Header{}
	if c, err := r.Cookie(SessionCookie); err == nil && c.Value != "" {
		sid = c.Value
	} else {
		sid = uuid.NewString()
		header.Add("Set-Cookie", newSessionCookie(sid).String())
	}

	conn, err := s.upgrader.Upgrade(w, r, header)
	if err != nil {
		// Upgrade has already written the HTTP error.
		s.logger.Debug("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	log := s.logger.With("session", sid, "transport", "websocket")
	log.Info("websocket connected")

	for {
		var req QueryRequest
		if err := conn.ReadJSON(&req); err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Info("websocket closed normally")
			} else {
				log.Debug("websocket read ended", "error", err)
			}
			return
		}

		if req.Query == "" {
			frame := agent.TraceEntry{Type: agent.EntryError, Content: "query is required", ToolCalls: []llm.ToolCall{}}
			if err := s.writeFrame(conn, frame); err != nil {
				return
			}
			continue
		}

		if s.sessions != nil {
			s.sessions.Touch(sid)
		}
		if !s.streamRun(r.Context(), conn, log, sid, req.Query) {
			return
		}
	}
}

// streamRun executes one query, writing each trace entry as a frame.
// It reports false when the connection is no longer writable.
func (s *Server) streamRun(ctx context.Context, conn *websocket.Conn, log *slog.Logger, sid, query string) bool {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.ensureToken(ctx)

	var writeErr error
	onStep := func(e agent.TraceEntry) {
		if writeErr != nil {
			return
		}
		if writeErr = s.writeFrame(conn, e); writeErr != nil {
			log.Debug("websocket write failed, cancelling run", "error", writeErr)
			cancel()
		}
	}

	res, err := s.runner.Run(ctx, sid, query, onStep)
	if writeErr != nil {
		return false
	}
	if err != nil {
		s.logRunError(sid, err)
	}

	done := doneFrame{Type: "done"}
	if res != nil {
		done.RunID = res.RunID
		done.Incomplete = res.Incomplete
		done.Cycles = res.Cycles
	}
	return s.writeFrame(conn, done) == nil
}

func (s *Server) writeFrame(conn *websocket.Conn, v any) error {
	if err := conn.SetWriteDeadline(time.Now().Add(wsWriteWait)); err != nil {
		return err
	}
	return conn.WriteJSON(v)
}
