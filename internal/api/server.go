// Package api implements the HTTP front end: the /callagent endpoint,
// its WebSocket streaming twin, and a few read-only status endpoints.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/nugget/loanrisk-agent/internal/agent"
	"github.com/nugget/loanrisk-agent/internal/buildinfo"
	"github.com/nugget/loanrisk-agent/internal/credential"
	"github.com/nugget/loanrisk-agent/internal/session"
	"github.com/nugget/loanrisk-agent/internal/usage"
)

// SessionCookie names the cookie carrying the session identifier.
const SessionCookie = "loanrisk_session"

// maxQueryBody bounds the /callagent request body.
const maxQueryBody = 64 << 10

// writeJSON encodes v as JSON to w, logging any errors at debug level.
// Errors here typically mean the client disconnected mid-response,
// which is not actionable but worth tracking for debugging.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// Runner answers one query within a session.
type Runner interface {
	Run(ctx context.Context, sessionID, query string, onStep agent.StepFunc) (*agent.Result, error)
}

// TokenSource refreshes the outbound bearer token ahead of a run.
type TokenSource interface {
	EnsureToken(ctx context.Context) (string, error)
}

// credentialStatus is implemented by token sources that can report on
// the cached credential without refreshing it.
type credentialStatus interface {
	Current() (credential.Credential, bool)
}

// UsageReporter aggregates recorded token usage.
type UsageReporter interface {
	Summary(start, end time.Time) (*usage.Summary, error)
	SummaryByModel(start, end time.Time) (map[string]*usage.Summary, error)
	SummaryBySession(start, end time.Time) (map[string]*usage.Summary, error)
}

// Pinger checks that the reasoning provider is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// readyTimeout bounds the provider check behind GET /ready.
const readyTimeout = 5 * time.Second

// QueryRequest is the body of POST /callagent and of each WebSocket
// request frame.
type QueryRequest struct {
	Query string `json:"query"`
}

// Server is the HTTP API server.
type Server struct {
	address  string
	port     int
	runner   Runner
	sessions *session.Store
	tokens   TokenSource
	usage    UsageReporter
	model    Pinger
	logger   *slog.Logger
	server   *http.Server
	upgrader websocket.Upgrader
}

// NewServer creates a new API server.
func NewServer(address string, port int, runner Runner, sessions *session.Store, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		address:  address,
		port:     port,
		runner:   runner,
		sessions: sessions,
		logger:   logger.With("component", "api"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
	}
}

// SetTokenSource configures the credential refreshed before each run.
func (s *Server) SetTokenSource(ts TokenSource) {
	s.tokens = ts
}

// SetUsageStore configures the usage store for the summary endpoint.
func (s *Server) SetUsageStore(u UsageReporter) {
	s.usage = u
}

// SetModelCheck configures the provider check behind GET /ready.
func (s *Server) SetModelCheck(p Pinger) {
	s.model = p
}

// Handler returns the routed handler with request logging applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /callagent", s.handleCallAgent)
	mux.HandleFunc("GET /callagent/ws", s.handleCallAgentWS)

	mux.HandleFunc("GET /v1/session/history", s.handleSessionHistory)
	mux.HandleFunc("GET /v1/usage/summary", s.handleUsageSummary)

	mux.HandleFunc("GET /v1/version", s.handleVersion)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /ready", s.handleReady)
	mux.HandleFunc("GET /{$}", s.handleRoot)

	return s.withLogging(mux)
}

// Start begins serving HTTP requests. It returns http.ErrServerClosed
// after Shutdown.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.address, s.port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		// Runs take several reasoning steps; the WebSocket handler
		// manages its own per-frame deadlines.
		WriteTimeout: 5 * time.Minute,
		BaseContext:  func(_ net.Listener) context.Context { return ctx },
	}

	addr := s.address
	if addr == "" {
		addr = "0.0.0.0"
	}
	s.logger.Info("starting API server", "address", addr, "port", s.port)
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
		)
	})
}

// sessionID returns the caller's session id, minting one and setting
// the cookie when the request carries none.
func (s *Server) sessionID(w http.ResponseWriter, r *http.Request) string {
	if c, err := r.Cookie(SessionCookie); err == nil && c.Value != "" {
		return c.Value
	}
	id := uuid.NewString()
	http.SetCookie(w, newSessionCookie(id))
	return id
}

func newSessionCookie(id string) *http.Cookie {
	return &http.Cookie{
		Name:     SessionCookie,
		Value:    id,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	}
}

// ensureToken refreshes the credential before a run. A failure is only
// logged: the calls that need the token will fail and that failure
// shows up in the trace.
func (s *Server) ensureToken(ctx context.Context) {
	if s.tokens == nil {
		return
	}
	if _, err := s.tokens.EnsureToken(ctx); err != nil {
		s.logger.Error("failed to obtain access token", "error", err)
	}
}

func (s *Server) handleCallAgent(w http.ResponseWriter, r *http.Request) {
	var req QueryRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxQueryBody)).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Query == "" {
		s.errorResponse(w, http.StatusBadRequest, "query is required")
		return
	}

	sid := s.sessionID(w, r)
	if s.sessions != nil {
		s.sessions.Touch(sid)
	}
	s.logger.Info("query received", "session", sid, "query_len", len(req.Query))

	s.ensureToken(r.Context())

	res, err := s.runner.Run(r.Context(), sid, req.Query, nil)
	if err != nil {
		s.logRunError(sid, err)
		if res == nil {
			s.errorResponse(w, http.StatusInternalServerError, "agent error: "+err.Error())
			return
		}
	}

	trace := res.Trace
	if trace == nil {
		trace = []agent.TraceEntry{}
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, trace, s.logger)
}

// logRunError logs a failed run. A reasoning timeout is the model being
// slow, not a fault in the service, so it is logged as a warning.
func (s *Server) logRunError(sid string, err error) {
	if agent.IsReasoningTimeout(err) {
		s.logger.Warn("agent run timed out waiting for the model", "session", sid, "error", err)
		return
	}
	s.logger.Error("agent run failed", "session", sid, "error", err)
}

// sessionHistory is the shape of GET /v1/session/history.
type sessionHistory struct {
	ID          string          `json:"id"`
	Queries     []string        `json:"queries"`
	Transcripts [][]historyItem `json:"transcripts"`
}

type historyItem struct {
	Role       string `json:"role"`
	Content    string `json:"content"`
	ToolCalls  int    `json:"tool_calls,omitempty"`
	ToolCallID string `json:"tool_call_id,omitempty"`
}

func (s *Server) handleSessionHistory(w http.ResponseWriter, r *http.Request) {
	out := sessionHistory{Queries: []string{}, Transcripts: [][]historyItem{}}

	if c, err := r.Cookie(SessionCookie); err == nil && c.Value != "" && s.sessions != nil {
		out.ID = c.Value
		if sess, ok := s.sessions.Get(c.Value); ok {
			out.Queries = append(out.Queries, sess.Queries...)
			for _, tr := range sess.Transcripts {
				items := make([]historyItem, 0, len(tr))
				for _, m := range tr {
					items = append(items, historyItem{
						Role:       m.Role,
						Content:    m.Content,
						ToolCalls:  len(m.ToolCalls),
						ToolCallID: m.ToolCallID,
					})
				}
				out.Transcripts = append(out.Transcripts, items)
			}
		}
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, out, s.logger)
}

func (s *Server) handleUsageSummary(w http.ResponseWriter, r *http.Request) {
	if s.usage == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "usage store not configured")
		return
	}

	hours := parseIntParam(r, "hours", 24)
	if hours <= 0 {
		s.errorResponse(w, http.StatusBadRequest, "hours must be positive")
		return
	}

	by := r.URL.Query().Get("by")
	if by == "" {
		by = "model"
	}
	var grouped func(start, end time.Time) (map[string]*usage.Summary, error)
	switch by {
	case "model":
		grouped = s.usage.SummaryByModel
	case "session":
		grouped = s.usage.SummaryBySession
	default:
		s.errorResponse(w, http.StatusBadRequest, "by must be model or session")
		return
	}
	end := time.Now()
	start := end.Add(-time.Duration(hours) * time.Hour)
	// Records are stamped at second resolution; include the current second.
	end = end.Add(time.Second)

	total, err := s.usage.Summary(start, end)
	if err != nil {
		s.logger.Error("usage summary failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "usage query failed")
		return
	}
	groups, err := grouped(start, end)
	if err != nil {
		s.logger.Error("grouped usage query failed", "by", by, "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "usage query failed")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"period_hours": hours,
		"total":        total,
		"by_" + by:     groups,
	}, s.logger)
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{
		"name":    buildinfo.ApplicationName,
		"version": buildinfo.Version,
		"status":  "ok",
	}, s.logger)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, buildinfo.RuntimeInfo(), s.logger)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{"status": "healthy"}
	if s.sessions != nil {
		resp["sessions"] = s.sessions.Stats()["sessions"]
	}
	if cs, ok := s.tokens.(credentialStatus); ok {
		// Reported only; a stale token is refreshed on the next run.
		if _, usable := cs.Current(); usable {
			resp["credential"] = "valid"
		} else {
			resp["credential"] = "refresh_due"
		}
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, resp, s.logger)
}

// handleReady reports whether the reasoning provider answers. Unlike
// /health it makes an outbound call.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.model == nil {
		w.Header().Set("Content-Type", "application/json")
		writeJSON(w, map[string]string{"status": "ready"}, s.logger)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), readyTimeout)
	defer cancel()
	if err := s.model.Ping(ctx); err != nil {
		s.logger.Warn("reasoning provider not ready", "error", err)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		writeJSON(w, map[string]string{"status": "unavailable", "error": err.Error()}, s.logger)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{"status": "ready"}, s.logger)
}

func (s *Server) errorResponse(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	writeJSON(w, map[string]any{
		"error": map[string]any{
			"message": message,
			"code":    code,
		},
	}, s.logger)
}

func parseIntParam(r *http.Request, name string, defaultVal int) int {
	v := r.URL.Query().Get(name)
	if v == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return n
}
