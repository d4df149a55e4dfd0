// Package agent implements the reasoning and tooling loop that answers
// a query: the model either answers or requests tool calls, the tools
// run, and their results go back to the model until it answers or the
// cycle cap is reached.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/nugget/loanrisk-agent/internal/config"
	"github.com/nugget/loanrisk-agent/internal/llm"
	"github.com/nugget/loanrisk-agent/internal/session"
	"github.com/nugget/loanrisk-agent/internal/tools"
	"github.com/nugget/loanrisk-agent/internal/usage"
)

const instrumentationName = "github.com/nugget/loanrisk-agent/internal/agent"

// DefaultMaxCycles bounds reasoning/tooling round trips per run.
const DefaultMaxCycles = 10

// Config holds the loop's per-run limits and model selection.
type Config struct {
	Model            string
	Provider         string // recorded with usage, e.g. "watsonx"
	MaxCycles        int
	ReasoningTimeout time.Duration // per reasoning step; zero means ctx only
	ToolTimeout      time.Duration // per tool call; zero means ctx only
	SystemPrompt     string
}

// UsageRecorder persists token usage for each reasoning step.
type UsageRecorder interface {
	Record(ctx context.Context, rec usage.Record) error
}

// Loop is the agent execution loop. A Loop is safe for concurrent Runs.
type Loop struct {
	logger   *slog.Logger
	llm      llm.Client
	tools    *tools.Registry
	sessions *session.Store
	cfg      Config

	usage   UsageRecorder
	pricing map[string]config.PricingEntry

	tracer     trace.Tracer
	steps      metric.Int64Counter
	toolCalls  metric.Int64Counter
	incomplete metric.Int64Counter
}

// Option configures a Loop.
type Option func(*Loop)

// WithUsage records every reasoning step's token usage, priced with
// the given table.
func WithUsage(rec UsageRecorder, pricing map[string]config.PricingEntry) Option {
	return func(l *Loop) {
		l.usage = rec
		l.pricing = pricing
	}
}

// WithTracer overrides the global tracer provider.
func WithTracer(t trace.Tracer) Option {
	return func(l *Loop) { l.tracer = t }
}

// NewLoop creates an agent loop. sessions may be nil, in which case
// every run starts without history and nothing is kept.
func NewLoop(logger *slog.Logger, client llm.Client, registry *tools.Registry, sessions *session.Store, cfg Config, opts ...Option) *Loop {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxCycles <= 0 {
		cfg.MaxCycles = DefaultMaxCycles
	}
	l := &Loop{
		logger:   logger.With("component", "agent"),
		llm:      client,
		tools:    registry,
		sessions: sessions,
		cfg:      cfg,
		tracer:   otel.Tracer(instrumentationName),
	}
	for _, o := range opts {
		o(l)
	}

	meter := otel.Meter(instrumentationName)
	var err error
	if l.steps, err = meter.Int64Counter("agent.reasoning.steps",
		metric.WithDescription("Reasoning steps taken")); err != nil {
		l.logger.Warn("failed to create counter", "name", "agent.reasoning.steps", "error", err)
	}
	if l.toolCalls, err = meter.Int64Counter("agent.tool.calls",
		metric.WithDescription("Tool calls executed, by tool and outcome")); err != nil {
		l.logger.Warn("failed to create counter", "name", "agent.tool.calls", "error", err)
	}
	if l.incomplete, err = meter.Int64Counter("agent.runs.incomplete",
		metric.WithDescription("Runs stopped at the cycle cap")); err != nil {
		l.logger.Warn("failed to create counter", "name", "agent.runs.incomplete", "error", err)
	}
	return l
}

// Tools returns the registry the loop offers to the model.
func (l *Loop) Tools() *tools.Registry { return l.tools }

// Run answers query within sessionID. Each trace entry is passed to
// onStep (which may be nil) as soon as it exists and is also collected
// in the returned Result.
//
// A failed reasoning step ends the run and is returned as the error
// together with the partial Result. An unknown tool ends the run after
// its batch is closed out; that case is reported in Result.Error with a
// nil returned error, since the trace is still a valid answer to send.
func (l *Loop) Run(ctx context.Context, sessionID, query string, onStep StepFunc) (*Result, error) {
	runID := uuid.NewString()
	ctx, span := l.tracer.Start(ctx, "agent.run", trace.WithAttributes(
		attribute.String("run.id", runID),
		attribute.String("session.id", sessionID),
	))
	defer span.End()

	log := l.logger.With("run_id", runID, "session", sessionID)
	start := time.Now()

	res := &Result{RunID: runID}
	emit := func(e TraceEntry) {
		res.Trace = append(res.Trace, e)
		if onStep != nil {
			onStep(e)
		}
	}

	var prefix []llm.Message
	if l.cfg.SystemPrompt != "" {
		prefix = append(prefix, llm.Message{Role: llm.RoleSystem, Content: l.cfg.SystemPrompt})
	}
	if l.sessions != nil {
		prefix = append(prefix, l.sessions.History(sessionID)...)
	}

	userMsg := llm.Message{Role: llm.RoleUser, Content: query}
	res.Transcript = append(res.Transcript, userMsg)
	emit(entryFor(userMsg))

	log.Info("agent run started", "history", len(prefix), "max_cycles", l.cfg.MaxCycles)

	defer func() {
		if l.sessions != nil {
			l.sessions.Append(sessionID, query, res.Transcript)
		}
	}()

	defs := l.tools.List()
	for cycle := 1; cycle <= l.cfg.MaxCycles; cycle++ {
		res.Cycles = cycle

		msgs := make([]llm.Message, 0, len(prefix)+len(res.Transcript))
		msgs = append(msgs, prefix...)
		msgs = append(msgs, res.Transcript...)

		resp, err := l.reason(ctx, cycle, msgs, defs)
		if err != nil {
			log.Error("reasoning step failed", "cycle", cycle, "error", err)
			span.RecordError(err)
			span.SetStatus(codes.Error, "reasoning failed")
			emit(TraceEntry{Type: EntryError, Content: err.Error(), ToolCalls: []llm.ToolCall{}})
			return res, err
		}
		l.recordUsage(ctx, log, runID, sessionID, cycle, resp)

		reply := resp.Message.Clone()
		reply.Role = llm.RoleAssistant
		for i := range reply.ToolCalls {
			if reply.ToolCalls[i].ID == "" {
				reply.ToolCalls[i].ID = "call_" + uuid.NewString()
			}
		}
		res.Transcript = append(res.Transcript, reply)
		emit(entryFor(reply))

		if len(reply.ToolCalls) == 0 {
			log.Info("agent run completed",
				"cycles", cycle,
				"elapsed", time.Since(start).Round(time.Millisecond),
				"answer_len", len(reply.Content),
			)
			span.SetAttributes(attribute.Int("agent.cycles", cycle))
			return res, nil
		}

		results, fatal := l.runTools(ctx, log, cycle, reply.ToolCalls)
		for _, m := range results {
			res.Transcript = append(res.Transcript, m)
			emit(entryFor(m))
		}
		if fatal != nil {
			log.Error("agent run aborted", "cycle", cycle, "error", fatal)
			span.RecordError(fatal)
			span.SetStatus(codes.Error, "unknown tool")
			res.Error = fatal
			emit(TraceEntry{Type: EntryError, Content: fatal.Error(), ToolCalls: []llm.ToolCall{}})
			return res, nil
		}
	}

	res.Incomplete = true
	emit(TraceEntry{Type: EntrySystem, Content: IncompleteMarker, ToolCalls: []llm.ToolCall{}})
	if l.incomplete != nil {
		l.incomplete.Add(ctx, 1)
	}
	span.SetAttributes(attribute.Int("agent.cycles", res.Cycles), attribute.Bool("agent.incomplete", true))
	log.Warn("agent run hit cycle cap",
		"cycles", res.Cycles,
		"elapsed", time.Since(start).Round(time.Millisecond),
	)
	return res, nil
}

// reason performs one bounded model call.
func (l *Loop) reason(ctx context.Context, cycle int, msgs []llm.Message, defs []map[string]any) (*llm.ChatResponse, error) {
	ctx, span := l.tracer.Start(ctx, "agent.reason", trace.WithAttributes(
		attribute.Int("agent.cycle", cycle),
		attribute.Int("agent.messages", len(msgs)),
	))
	defer span.End()

	rctx := ctx
	if l.cfg.ReasoningTimeout > 0 {
		var cancel context.CancelFunc
		rctx, cancel = context.WithTimeout(ctx, l.cfg.ReasoningTimeout)
		defer cancel()
	}

	l.logger.Debug("calling model", "model", l.cfg.Model, "cycle", cycle, "messages", len(msgs), "tools", len(defs))
	resp, err := l.llm.Chat(rctx, l.cfg.Model, msgs, defs)

	outcome := "ok"
	if err != nil {
		outcome = "error"
		if ctx.Err() == nil && errors.Is(rctx.Err(), context.DeadlineExceeded) {
			err = &ErrReasoningTimeout{Timeout: l.cfg.ReasoningTimeout, Cycle: cycle}
			outcome = "timeout"
		} else {
			err = fmt.Errorf("reasoning step %d: %w", cycle, err)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, outcome)
	}
	if l.steps != nil {
		l.steps.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
	}
	if err != nil {
		return nil, err
	}
	span.SetAttributes(
		attribute.Int("llm.input_tokens", resp.InputTokens),
		attribute.Int("llm.output_tokens", resp.OutputTokens),
		attribute.Int("llm.tool_calls", len(resp.Message.ToolCalls)),
	)
	return resp, nil
}

// runTools executes one batch concurrently and returns the tool
// messages in call order. The returned error is non-nil when the batch
// named a tool the registry does not hold.
func (l *Loop) runTools(ctx context.Context, log *slog.Logger, cycle int, calls []llm.ToolCall) ([]llm.Message, error) {
	out := make([]llm.Message, len(calls))
	errs := make([]error, len(calls))

	var g errgroup.Group
	for i, tc := range calls {
		g.Go(func() error {
			content, err := l.execTool(ctx, log, cycle, tc)
			out[i] = llm.Message{Role: llm.RoleTool, Content: content, ToolCallID: tc.ID}
			errs[i] = err
			return nil
		})
	}
	_ = g.Wait()

	for _, err := range errs {
		var unavailable *tools.ErrToolUnavailable
		if errors.As(err, &unavailable) {
			return out, err
		}
	}
	return out, nil
}

// execTool runs a single call. Failures become the tool message content
// so the model can see them and retry; the error is also returned for
// the batch to classify.
func (l *Loop) execTool(ctx context.Context, log *slog.Logger, cycle int, tc llm.ToolCall) (string, error) {
	name := tc.Function.Name
	ctx, span := l.tracer.Start(ctx, "agent.tool", trace.WithAttributes(
		attribute.String("tool.name", name),
		attribute.String("tool.call_id", tc.ID),
		attribute.Int("agent.cycle", cycle),
	))
	defer span.End()

	tctx := ctx
	if l.cfg.ToolTimeout > 0 {
		var cancel context.CancelFunc
		tctx, cancel = context.WithTimeout(ctx, l.cfg.ToolTimeout)
		defer cancel()
	}

	start := time.Now()
	log.Debug("executing tool", "tool", name, "call_id", tc.ID, "args", tc.Function.Arguments)
	result, err := l.tools.Execute(tctx, name, tc.Function.Arguments)
	elapsed := time.Since(start)

	outcome := "ok"
	if err != nil {
		var unavailable *tools.ErrToolUnavailable
		switch {
		case errors.As(err, &unavailable):
			outcome = "unavailable"
		case ctx.Err() == nil && errors.Is(tctx.Err(), context.DeadlineExceeded):
			outcome = "timeout"
			err = fmt.Errorf("tool %s timed out after %s: %w", name, l.cfg.ToolTimeout, err)
		default:
			outcome = "error"
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, outcome)
		log.Warn("tool failed", "tool", name, "call_id", tc.ID, "outcome", outcome, "elapsed", elapsed.Round(time.Millisecond), "error", err)
		result = "Error: " + err.Error()
	} else {
		log.Info("tool executed", "tool", name, "call_id", tc.ID, "elapsed", elapsed.Round(time.Millisecond), "result_len", len(result))
	}

	if l.toolCalls != nil {
		l.toolCalls.Add(ctx, 1, metric.WithAttributes(
			attribute.String("tool", name),
			attribute.String("outcome", outcome),
		))
	}
	return result, err
}

func (l *Loop) recordUsage(ctx context.Context, log *slog.Logger, runID, sessionID string, cycle int, resp *llm.ChatResponse) {
	if l.usage == nil {
		return
	}
	model := resp.Model
	if model == "" {
		model = l.cfg.Model
	}
	rec := usage.Record{
		Timestamp:    time.Now(),
		RunID:        runID,
		SessionID:    sessionID,
		Model:        model,
		Provider:     l.cfg.Provider,
		Cycle:        cycle,
		ToolCalls:    len(resp.Message.ToolCalls),
		InputTokens:  resp.InputTokens,
		OutputTokens: resp.OutputTokens,
		CostUSD:      usage.ComputeCost(model, resp.InputTokens, resp.OutputTokens, l.pricing),
	}
	if err := l.usage.Record(ctx, rec); err != nil {
		log.Warn("failed to record usage", "cycle", cycle, "error", err)
	}
}
