package llm

import (
	"context"
	"errors"
	"net/http"

	"github.com/nugget/loanrisk-agent/internal/gateway"
)

// Client is the interface that all reasoning providers implement.
type Client interface {
	// Chat sends the full transcript and tool definitions and returns
	// one assistant message.
	Chat(ctx context.Context, model string, messages []Message, tools []map[string]any) (*ChatResponse, error)

	// Ping checks if the provider is reachable.
	Ping(ctx context.Context) error
}

// TokenSource yields a bearer token for authenticated providers.
type TokenSource interface {
	EnsureToken(ctx context.Context) (string, error)
}

// Poster sends a JSON request through the outbound gateway.
type Poster interface {
	CallJSON(ctx context.Context, target string, headers map[string]string, payload any, out any) error
}

// invalidator is implemented by token sources that can discard a
// credential the remote side refused.
type invalidator interface {
	Invalidate()
}

// dropRejectedToken invalidates the cached credential when err is a 401
// from the remote, so the next call issues a fresh token. It reports
// whether anything was dropped. The failed call is not retried.
func dropRejectedToken(tokens TokenSource, err error) bool {
	var rce *gateway.RemoteCallError
	if !errors.As(err, &rce) || rce.Status != http.StatusUnauthorized {
		return false
	}
	inv, ok := tokens.(invalidator)
	if !ok {
		return false
	}
	inv.Invalidate()
	return true
}
