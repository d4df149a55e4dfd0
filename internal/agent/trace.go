package agent

import (
	"errors"
	"fmt"
	"time"

	"github.com/nugget/loanrisk-agent/internal/llm"
)

// Trace entry types, in the wire vocabulary the front end renders.
const (
	EntryHuman  = "human"
	EntryAI     = "ai"
	EntryTool   = "tool"
	EntrySystem = "system"
	EntryError  = "error"
)

// IncompleteMarker is the content of the system entry appended when a
// run stops at the cycle cap without a final answer.
const IncompleteMarker = "Agent stopped after reaching the maximum number of reasoning cycles without a final answer."

// TraceEntry is one externally visible step of a run.
type TraceEntry struct {
	Type      string         `json:"type"`
	Content   string         `json:"content"`
	ToolCalls []llm.ToolCall `json:"toolCalls"`
}

// StepFunc receives trace entries as the run produces them. It is
// called from the goroutine running the loop, never concurrently.
type StepFunc func(TraceEntry)

// Result is the outcome of one run, complete or partial.
type Result struct {
	RunID      string
	Trace      []TraceEntry
	Transcript []llm.Message // this run's messages only
	Incomplete bool          // stopped at the cycle cap
	Cycles     int           // reasoning steps taken
	Error      error         // fatal tool-level error that ended the run
}

// ErrReasoningTimeout is returned when a single reasoning step exceeds
// its deadline.
type ErrReasoningTimeout struct {
	Timeout time.Duration
	Cycle   int
}

func (e *ErrReasoningTimeout) Error() string {
	return fmt.Sprintf("reasoning step %d exceeded %s", e.Cycle, e.Timeout)
}

// entryFor converts a transcript message into its trace entry.
func entryFor(m llm.Message) TraceEntry {
	e := TraceEntry{Content: m.Content}
	switch m.Role {
	case llm.RoleUser:
		e.Type = EntryHuman
	case llm.RoleAssistant:
		e.Type = EntryAI
		e.ToolCalls = m.Clone().ToolCalls
	case llm.RoleTool:
		e.Type = EntryTool
	default:
		e.Type = EntrySystem
	}
	if e.ToolCalls == nil {
		e.ToolCalls = []llm.ToolCall{}
	}
	return e
}

// IsReasoningTimeout reports whether err came from a reasoning deadline.
func IsReasoningTimeout(err error) bool {
	var rt *ErrReasoningTimeout
	return errors.As(err, &rt)
}
