// Package llm provides reasoning clients for the agent loop.
package llm

import "time"

// Message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Message represents a chat message for the LLM.
type Message struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"` // For tool responses
}

// FunctionCall names a tool and carries its decoded arguments.
type FunctionCall struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// ToolCall represents a tool call from the model.
type ToolCall struct {
	ID       string       `json:"id,omitempty"`
	Function FunctionCall `json:"function"`
}

// Clone returns a deep copy of m's slices so the copy can outlive the
// transcript it came from.
func (m Message) Clone() Message {
	if len(m.ToolCalls) == 0 {
		m.ToolCalls = nil
		return m
	}
	calls := make([]ToolCall, len(m.ToolCalls))
	for i, tc := range m.ToolCalls {
		calls[i] = tc
		if tc.Function.Arguments != nil {
			args := make(map[string]any, len(tc.Function.Arguments))
			for k, v := range tc.Function.Arguments {
				args[k] = v
			}
			calls[i].Function.Arguments = args
		}
	}
	m.ToolCalls = calls
	return m
}

// CloneMessages deep-copies a transcript.
func CloneMessages(msgs []Message) []Message {
	if msgs == nil {
		return nil
	}
	out := make([]Message, len(msgs))
	for i, m := range msgs {
		out[i] = m.Clone()
	}
	return out
}

// ChatResponse is the unified response from any provider. Wire format
// conversion happens at provider boundaries (watsonx.go, ollama.go).
type ChatResponse struct {
	Model        string
	CreatedAt    time.Time
	Message      Message
	FinishReason string

	// Token usage (provider-neutral)
	InputTokens  int
	OutputTokens int

	TotalDuration time.Duration
}

// Options are decoding parameters, passed through to the provider
// without interpretation. Zero values are omitted from the request.
type Options struct {
	MaxNewTokens int
	MinNewTokens int
	Temperature  float64
	RandomSeed   int
	TopP         float64
	TopK         int
}
