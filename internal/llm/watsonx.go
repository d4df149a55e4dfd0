package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/nugget/loanrisk-agent/internal/config"
	"github.com/nugget/loanrisk-agent/internal/gateway"
)

// WatsonxConfig identifies the watsonx.ai deployment to chat with.
type WatsonxConfig struct {
	ServiceURL string
	ProjectID  string
	APIVersion string
	Options    Options
}

// WatsonxClient talks to the watsonx.ai text/chat endpoint.
type WatsonxClient struct {
	cfg    WatsonxConfig
	poster Poster
	tokens TokenSource
	logger *slog.Logger
}

// NewWatsonxClient creates a client. Every call is bearer-authenticated
// with a token from tokens.
func NewWatsonxClient(cfg WatsonxConfig, poster Poster, tokens TokenSource, logger *slog.Logger) *WatsonxClient {
	if logger == nil {
		logger = slog.Default()
	}
	cfg.ServiceURL = strings.TrimRight(cfg.ServiceURL, "/")
	return &WatsonxClient{
		cfg:    cfg,
		poster: poster,
		tokens: tokens,
		logger: logger.With("provider", "watsonx"),
	}
}

type watsonxFunction struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type watsonxToolCall struct {
	ID       string          `json:"id"`
	Type     string          `json:"type"`
	Function watsonxFunction `json:"function"`
}

type watsonxMessage struct {
	Role       string            `json:"role"`
	Content    string            `json:"content"`
	ToolCalls  []watsonxToolCall `json:"tool_calls,omitempty"`
	ToolCallID string            `json:"tool_call_id,omitempty"`
}

// watsonxRequest always carries the decoding parameters: zero is a
// meaningful setting (temperature 0 is greedy decoding).
type watsonxRequest struct {
	ModelID     string           `json:"model_id"`
	ProjectID   string           `json:"project_id"`
	Messages    []watsonxMessage `json:"messages"`
	Tools       []map[string]any `json:"tools,omitempty"`
	MaxTokens   int              `json:"max_tokens"`
	MinTokens   int              `json:"min_tokens"`
	Temperature float64          `json:"temperature"`
	Seed        int              `json:"seed"`
	TopP        float64          `json:"top_p"`
	TopK        int              `json:"top_k"`
}

type watsonxResponse struct {
	ID      string `json:"id"`
	ModelID string `json:"model_id"`
	Created int64  `json:"created"`
	Choices []struct {
		Index        int            `json:"index"`
		Message      watsonxMessage `json:"message"`
		FinishReason string         `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

func (c *WatsonxClient) chatURL() string {
	return c.cfg.ServiceURL + "/ml/v1/text/chat?version=" + url.QueryEscape(c.cfg.APIVersion)
}

// Chat sends one chat request. The caller's context bounds the whole
// exchange, including any token refresh it triggers.
func (c *WatsonxClient) Chat(ctx context.Context, model string, messages []Message, tools []map[string]any) (*ChatResponse, error) {
	token, err := c.tokens.EnsureToken(ctx)
	if err != nil {
		return nil, fmt.Errorf("watsonx token: %w", err)
	}

	wire, err := toWatsonxMessages(messages)
	if err != nil {
		return nil, err
	}
	opts := c.cfg.Options
	req := watsonxRequest{
		ModelID:     model,
		ProjectID:   c.cfg.ProjectID,
		Messages:    wire,
		Tools:       tools,
		MaxTokens:   opts.MaxNewTokens,
		MinTokens:   opts.MinNewTokens,
		Temperature: opts.Temperature,
		Seed:        opts.RandomSeed,
		TopP:        opts.TopP,
		TopK:        opts.TopK,
	}

	if c.logger.Enabled(ctx, config.LevelTrace) {
		if b, err := json.Marshal(req); err == nil {
			c.logger.Log(ctx, config.LevelTrace, "watsonx request", "body", string(b))
		}
	}

	start := time.Now()
	var resp watsonxResponse
	headers := map[string]string{"Authorization": "Bearer " + token}
	if err := c.poster.CallJSON(ctx, c.chatURL(), headers, req, &resp); err != nil {
		if dropRejectedToken(c.tokens, err) {
			c.logger.Warn("watsonx rejected bearer token, cached credential dropped")
		}
		return nil, err
	}
	elapsed := time.Since(start)

	if len(resp.Choices) == 0 {
		return nil, &gateway.MalformedResponseError{Target: c.chatURL(), Field: "choices[0]"}
	}
	choice := resp.Choices[0]

	msg, err := fromWatsonxMessage(choice.Message)
	if err != nil {
		return nil, &gateway.MalformedResponseError{Target: c.chatURL(), Err: err}
	}

	c.logger.Debug("watsonx response",
		"model", resp.ModelID,
		"finish_reason", choice.FinishReason,
		"tool_calls", len(msg.ToolCalls),
		"input_tokens", resp.Usage.PromptTokens,
		"output_tokens", resp.Usage.CompletionTokens,
		"elapsed", elapsed,
	)

	out := &ChatResponse{
		Model:         resp.ModelID,
		Message:       msg,
		FinishReason:  choice.FinishReason,
		InputTokens:   resp.Usage.PromptTokens,
		OutputTokens:  resp.Usage.CompletionTokens,
		TotalDuration: elapsed,
	}
	if resp.Created > 0 {
		out.CreatedAt = time.Unix(resp.Created, 0)
	}
	if out.Model == "" {
		out.Model = model
	}
	return out, nil
}

// Ping confirms credentials can be issued. The chat endpoint has no
// cheap health check.
func (c *WatsonxClient) Ping(ctx context.Context) error {
	if _, err := c.tokens.EnsureToken(ctx); err != nil {
		return fmt.Errorf("watsonx token: %w", err)
	}
	return nil
}

func toWatsonxMessages(messages []Message) ([]watsonxMessage, error) {
	out := make([]watsonxMessage, 0, len(messages))
	for _, m := range messages {
		wm := watsonxMessage{
			Role:       m.Role,
			Content:    m.Content,
			ToolCallID: m.ToolCallID,
		}
		for _, tc := range m.ToolCalls {
			args := tc.Function.Arguments
			if args == nil {
				args = map[string]any{}
			}
			b, err := json.Marshal(args)
			if err != nil {
				return nil, fmt.Errorf("encode arguments for %s: %w", tc.Function.Name, err)
			}
			wm.ToolCalls = append(wm.ToolCalls, watsonxToolCall{
				ID:   tc.ID,
				Type: "function",
				Function: watsonxFunction{
					Name:      tc.Function.Name,
					Arguments: string(b),
				},
			})
		}
		out = append(out, wm)
	}
	return out, nil
}

// fromWatsonxMessage decodes the JSON-string arguments watsonx returns
// into maps.
func fromWatsonxMessage(wm watsonxMessage) (Message, error) {
	msg := Message{
		Role:       wm.Role,
		Content:    wm.Content,
		ToolCallID: wm.ToolCallID,
	}
	if msg.Role == "" {
		msg.Role = RoleAssistant
	}
	for _, tc := range wm.ToolCalls {
		args := map[string]any{}
		if s := strings.TrimSpace(tc.Function.Arguments); s != "" {
			if err := json.Unmarshal([]byte(s), &args); err != nil {
				return Message{}, fmt.Errorf("decode arguments for %s: %w", tc.Function.Name, err)
			}
		}
		msg.ToolCalls = append(msg.ToolCalls, ToolCall{
			ID:       tc.ID,
			Function: FunctionCall{Name: tc.Function.Name, Arguments: args},
		})
	}
	return msg, nil
}
