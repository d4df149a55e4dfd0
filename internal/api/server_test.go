package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nugget/loanrisk-agent/internal/agent"
	"github.com/nugget/loanrisk-agent/internal/credential"
	"github.com/nugget/loanrisk-agent/internal/llm"
	"github.com/nugget/loanrisk-agent/internal/session"
	"github.com/nugget/loanrisk-agent/internal/usage"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeRunner replays a fixed trace through onStep and records calls.
type fakeRunner struct {
	mu       sync.Mutex
	sessions []string
	queries  []string
	trace    []agent.TraceEntry
	err      error
	nilRes   bool
	tokenSeq *[]string
}

func (f *fakeRunner) Run(_ context.Context, sessionID, query string, onStep agent.StepFunc) (*agent.Result, error) {
	f.mu.Lock()
	f.sessions = append(f.sessions, sessionID)
	f.queries = append(f.queries, query)
	if f.tokenSeq != nil {
		*f.tokenSeq = append(*f.tokenSeq, "run")
	}
	f.mu.Unlock()

	if f.nilRes {
		return nil, f.err
	}
	res := &agent.Result{RunID: "run-1", Cycles: 2}
	for _, e := range f.trace {
		res.Trace = append(res.Trace, e)
		if onStep != nil {
			onStep(e)
		}
	}
	return res, f.err
}

type fakeTokens struct {
	seq *[]string
	err error
}

func (f *fakeTokens) EnsureToken(context.Context) (string, error) {
	*f.seq = append(*f.seq, "token")
	return "tok", f.err
}

type fakeUsage struct{}

func (fakeUsage) Summary(start, end time.Time) (*usage.Summary, error) {
	return &usage.Summary{TotalRecords: 3, TotalRuns: 2, TotalInputTokens: 300}, nil
}

func (fakeUsage) SummaryByModel(start, end time.Time) (map[string]*usage.Summary, error) {
	return map[string]*usage.Summary{"ibm/granite-4-h-small": {TotalRecords: 3}}, nil
}

func (fakeUsage) SummaryBySession(start, end time.Time) (map[string]*usage.Summary, error) {
	return map[string]*usage.Summary{"sess-1": {TotalRecords: 2, TotalRuns: 1}}, nil
}

// statusTokens is a token source that also reports the cached credential.
type statusTokens struct {
	usable bool
}

func (statusTokens) EnsureToken(context.Context) (string, error) { return "tok", nil }

func (s statusTokens) Current() (credential.Credential, bool) {
	return credential.Credential{AccessToken: "tok"}, s.usable
}

type fakePinger struct{ err error }

func (f fakePinger) Ping(context.Context) error { return f.err }

func sampleTrace() []agent.TraceEntry {
	return []agent.TraceEntry{
		{Type: agent.EntryHuman, Content: "what is matt's credit score?", ToolCalls: []llm.ToolCall{}},
		{Type: agent.EntryAI, ToolCalls: []llm.ToolCall{{ID: "c1", Function: llm.FunctionCall{Name: "get_credit_score", Arguments: map[string]any{"customer_id": "matt"}}}}},
		{Type: agent.EntryTool, Content: "685", ToolCalls: []llm.ToolCall{}},
		{Type: agent.EntryAI, Content: "Matt's credit score is 685.", ToolCalls: []llm.ToolCall{}},
	}
}

func newTestServer(t *testing.T, runner Runner, sessions *session.Store) (*Server, *httptest.Server) {
	t.Helper()
	s := NewServer("", 0, runner, sessions, quietLogger())
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return s, ts
}

func postQuery(t *testing.T, client *http.Client, url, body string) *http.Response {
	t.Helper()
	resp, err := client.Post(url+"/callagent", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST /callagent: %v", err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestCallAgent_ReturnsTrace(t *testing.T) {
	runner := &fakeRunner{trace: sampleTrace()}
	_, ts := newTestServer(t, runner, session.NewStore(time.Hour, 0))

	resp := postQuery(t, ts.Client(), ts.URL, `{"query":"what is matt's credit score?"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	var got []map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(got) != 4 {
		t.Fatalf("entries = %d, want 4", len(got))
	}
	for _, key := range []string{"type", "content", "toolCalls"} {
		if _, ok := got[1][key]; !ok {
			t.Errorf("entry missing %q: %v", key, got[1])
		}
	}
	if got[3]["content"] != "Matt's credit score is 685." {
		t.Errorf("final content = %v", got[3]["content"])
	}
	if runner.queries[0] != "what is matt's credit score?" {
		t.Errorf("query = %q", runner.queries[0])
	}
}

func TestCallAgent_SessionCookieReused(t *testing.T) {
	runner := &fakeRunner{trace: sampleTrace()}
	_, ts := newTestServer(t, runner, session.NewStore(time.Hour, 0))

	jar, err := cookiejar.New(nil)
	if err != nil {
		t.Fatalf("cookiejar: %v", err)
	}
	client := ts.Client()
	client.Jar = jar

	first := postQuery(t, client, ts.URL, `{"query":"one"}`)
	var cookie *http.Cookie
	for _, c := range first.Cookies() {
		if c.Name == SessionCookie {
			cookie = c
		}
	}
	if cookie == nil || cookie.Value == "" {
		t.Fatal("session cookie not set on first request")
	}

	postQuery(t, client, ts.URL, `{"query":"two"}`)

	if len(runner.sessions) != 2 {
		t.Fatalf("runs = %d, want 2", len(runner.sessions))
	}
	if runner.sessions[0] != cookie.Value || runner.sessions[1] != cookie.Value {
		t.Errorf("sessions = %v, want both %q", runner.sessions, cookie.Value)
	}
}

func TestCallAgent_BadRequests(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"invalid json", `{"query":`},
		{"empty query", `{"query":""}`},
		{"missing query", `{}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			runner := &fakeRunner{}
			_, ts := newTestServer(t, runner, nil)
			resp := postQuery(t, ts.Client(), ts.URL, tt.body)
			if resp.StatusCode != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", resp.StatusCode)
			}
			if len(runner.queries) != 0 {
				t.Error("runner called for a bad request")
			}
		})
	}
}

func TestCallAgent_EnsuresTokenBeforeRun(t *testing.T) {
	var seq []string
	runner := &fakeRunner{trace: sampleTrace(), tokenSeq: &seq}
	s, ts := newTestServer(t, runner, nil)
	s.SetTokenSource(&fakeTokens{seq: &seq, err: errors.New("iam unavailable")})

	resp := postQuery(t, ts.Client(), ts.URL, `{"query":"q"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200 despite token failure", resp.StatusCode)
	}
	if strings.Join(seq, ",") != "token,run" {
		t.Errorf("sequence = %v, want token then run", seq)
	}
}

func TestCallAgent_PartialTraceOnRunError(t *testing.T) {
	trace := append(sampleTrace()[:2], agent.TraceEntry{Type: agent.EntryError, Content: "reasoning step 2: boom", ToolCalls: []llm.ToolCall{}})
	runner := &fakeRunner{trace: trace, err: errors.New("boom")}
	_, ts := newTestServer(t, runner, nil)

	resp := postQuery(t, ts.Client(), ts.URL, `{"query":"q"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var got []agent.TraceEntry
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(got) != 3 || got[2].Type != agent.EntryError {
		t.Errorf("trace = %+v, want partial trace ending in error", got)
	}
}

func TestCallAgent_NoResult(t *testing.T) {
	runner := &fakeRunner{nilRes: true, err: errors.New("boom")}
	_, ts := newTestServer(t, runner, nil)

	resp := postQuery(t, ts.Client(), ts.URL, `{"query":"q"}`)
	if resp.StatusCode != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", resp.StatusCode)
	}
}

func TestCallAgentWS_StreamsEntriesThenDone(t *testing.T) {
	runner := &fakeRunner{trace: sampleTrace()}
	_, ts := newTestServer(t, runner, session.NewStore(time.Hour, 0))

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/callagent/ws"
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	var cookieSet bool
	for _, c := range resp.Cookies() {
		if c.Name == SessionCookie && c.Value != "" {
			cookieSet = true
		}
	}
	if !cookieSet {
		t.Error("session cookie not set on upgrade")
	}

	for round := 0; round < 2; round++ {
		if err := conn.WriteJSON(QueryRequest{Query: "what is matt's credit score?"}); err != nil {
			t.Fatalf("WriteJSON: %v", err)
		}

		var types []string
		for {
			if err := conn.SetReadDeadline(time.Now().Add(5 * time.Second)); err != nil {
				t.Fatalf("SetReadDeadline: %v", err)
			}
			var frame map[string]any
			if err := conn.ReadJSON(&frame); err != nil {
				t.Fatalf("ReadJSON: %v", err)
			}
			typ, _ := frame["type"].(string)
			types = append(types, typ)
			if typ == "done" {
				if frame["run_id"] != "run-1" {
					t.Errorf("done frame = %v", frame)
				}
				break
			}
		}

		want := "human,ai,tool,ai,done"
		if got := strings.Join(types, ","); got != want {
			t.Errorf("round %d frames = %s, want %s", round, got, want)
		}
	}

	if len(runner.sessions) != 2 || runner.sessions[0] != runner.sessions[1] {
		t.Errorf("sessions = %v, want one session reused", runner.sessions)
	}
}

func TestCallAgentWS_EmptyQuery(t *testing.T) {
	runner := &fakeRunner{}
	_, ts := newTestServer(t, runner, nil)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/callagent/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	if err := conn.WriteJSON(QueryRequest{}); err != nil {
		t.Fatalf("WriteJSON: %v", err)
	}
	_, raw, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	var frame agent.TraceEntry
	if err := json.Unmarshal(raw, &frame); err != nil {
		t.Fatalf("decode frame: %v", err)
	}
	if frame.Type != agent.EntryError {
		t.Errorf("frame = %+v, want error", frame)
	}
	// Same wire shape as every other trace entry.
	if !strings.Contains(string(raw), `"toolCalls":[]`) {
		t.Errorf("frame = %s, want empty toolCalls array", raw)
	}
	if len(runner.queries) != 0 {
		t.Error("runner called for an empty query")
	}
}

func TestSessionHistory(t *testing.T) {
	sessions := session.NewStore(time.Hour, 0)
	sessions.Append("sess-1", "hello", []llm.Message{
		{Role: llm.RoleUser, Content: "hello"},
		{Role: llm.RoleAssistant, Content: "Hi, how can I help?"},
	})
	_, ts := newTestServer(t, &fakeRunner{}, sessions)

	req, err := http.NewRequest(http.MethodGet, ts.URL+"/v1/session/history", nil)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	req.AddCookie(&http.Cookie{Name: SessionCookie, Value: "sess-1"})
	resp, err := ts.Client().Do(req)
	if err != nil {
		t.Fatalf("GET history: %v", err)
	}
	defer resp.Body.Close()

	var got sessionHistory
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.ID != "sess-1" || len(got.Queries) != 1 || len(got.Transcripts) != 1 {
		t.Fatalf("history = %+v", got)
	}
	if got.Transcripts[0][1].Content != "Hi, how can I help?" {
		t.Errorf("transcript = %+v", got.Transcripts[0])
	}
}

func TestSessionHistory_NoCookie(t *testing.T) {
	_, ts := newTestServer(t, &fakeRunner{}, session.NewStore(time.Hour, 0))

	resp, err := ts.Client().Get(ts.URL + "/v1/session/history")
	if err != nil {
		t.Fatalf("GET history: %v", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), `"queries":[]`) {
		t.Errorf("body = %s, want empty queries array", body)
	}
}

func TestUsageSummary(t *testing.T) {
	s, ts := newTestServer(t, &fakeRunner{}, nil)

	resp, err := ts.Client().Get(ts.URL + "/v1/usage/summary")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("status without store = %d, want 503", resp.StatusCode)
	}

	s.SetUsageStore(fakeUsage{})
	resp, err = ts.Client().Get(ts.URL + "/v1/usage/summary?hours=6")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	var got struct {
		PeriodHours int                       `json:"period_hours"`
		Total       usage.Summary             `json:"total"`
		ByModel     map[string]*usage.Summary `json:"by_model"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.PeriodHours != 6 || got.Total.TotalRuns != 2 || got.ByModel["ibm/granite-4-h-small"] == nil {
		t.Errorf("summary = %+v", got)
	}
}

func TestStatusEndpoints(t *testing.T) {
	_, ts := newTestServer(t, &fakeRunner{}, session.NewStore(time.Hour, 0))

	tests := []struct {
		path string
		want string
	}{
		{"/health", `"status":"healthy"`},
		{"/v1/version", `"version"`},
		{"/", `"status":"ok"`},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			resp, err := ts.Client().Get(ts.URL + tt.path)
			if err != nil {
				t.Fatalf("GET %s: %v", tt.path, err)
			}
			defer resp.Body.Close()
			body, _ := io.ReadAll(resp.Body)
			if resp.StatusCode != http.StatusOK || !strings.Contains(string(body), tt.want) {
				t.Errorf("GET %s = %d %s", tt.path, resp.StatusCode, body)
			}
		})
	}
}

func TestUsageSummary_GroupBy(t *testing.T) {
	s, ts := newTestServer(t, &fakeRunner{}, nil)
	s.SetUsageStore(fakeUsage{})

	resp, err := ts.Client().Get(ts.URL + "/v1/usage/summary?by=session")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	var got struct {
		BySession map[string]*usage.Summary `json:"by_session"`
		ByModel   map[string]*usage.Summary `json:"by_model"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.BySession["sess-1"] == nil || got.BySession["sess-1"].TotalRuns != 1 {
		t.Errorf("by_session = %+v", got.BySession)
	}
	if got.ByModel != nil {
		t.Errorf("by_model should be absent when grouping by session, got %+v", got.ByModel)
	}

	bad, err := ts.Client().Get(ts.URL + "/v1/usage/summary?by=tool")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	bad.Body.Close()
	if bad.StatusCode != http.StatusBadRequest {
		t.Errorf("by=tool status = %d, want 400", bad.StatusCode)
	}
}

func TestHealth_CredentialStatus(t *testing.T) {
	tests := []struct {
		usable bool
		want   string
	}{
		{true, `"credential":"valid"`},
		{false, `"credential":"refresh_due"`},
	}
	for _, tt := range tests {
		s, ts := newTestServer(t, &fakeRunner{}, nil)
		s.SetTokenSource(statusTokens{usable: tt.usable})

		resp, err := ts.Client().Get(ts.URL + "/health")
		if err != nil {
			t.Fatalf("GET /health: %v", err)
		}
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK || !strings.Contains(string(body), tt.want) {
			t.Errorf("usable=%v: /health = %d %s, want %s", tt.usable, resp.StatusCode, body, tt.want)
		}
	}
}

func TestReady(t *testing.T) {
	tests := []struct {
		name       string
		pinger     Pinger
		wantStatus int
		wantBody   string
	}{
		{"no check configured", nil, http.StatusOK, `"status":"ready"`},
		{"provider up", fakePinger{}, http.StatusOK, `"status":"ready"`},
		{"provider down", fakePinger{err: errors.New("connection refused")}, http.StatusServiceUnavailable, "connection refused"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, ts := newTestServer(t, &fakeRunner{}, nil)
			if tt.pinger != nil {
				s.SetModelCheck(tt.pinger)
			}

			resp, err := ts.Client().Get(ts.URL + "/ready")
			if err != nil {
				t.Fatalf("GET /ready: %v", err)
			}
			defer resp.Body.Close()
			body, _ := io.ReadAll(resp.Body)
			if resp.StatusCode != tt.wantStatus || !strings.Contains(string(body), tt.wantBody) {
				t.Errorf("/ready = %d %s, want %d containing %s", resp.StatusCode, body, tt.wantStatus, tt.wantBody)
			}
		})
	}
}
