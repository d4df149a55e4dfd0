// Package gateway is the single outbound POST path shared by the
// credential cache, the reasoning client, and the RAG-backed tools. It
// normalizes every failure into a [RemoteCallError] so callers have one
// error surface to reason about. There are no retries: callers decide.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/nugget/loanrisk-agent/internal/httpkit"
)

const instrumentationName = "github.com/nugget/loanrisk-agent/internal/gateway"

// errorBodyLimit bounds how much of a failed response is kept.
const errorBodyLimit = 4096

// Gateway performs single JSON-returning POST requests.
type Gateway struct {
	client   *http.Client
	logger   *slog.Logger
	timeout  time.Duration
	tracer   trace.Tracer
	duration metric.Float64Histogram
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithHTTPClient replaces the default httpkit client.
func WithHTTPClient(c *http.Client) Option {
	return func(g *Gateway) { g.client = c }
}

// WithTimeout bounds each call. Zero leaves only the caller's context.
func WithTimeout(d time.Duration) Option {
	return func(g *Gateway) { g.timeout = d }
}

// WithTracer overrides the global tracer provider.
func WithTracer(t trace.Tracer) Option {
	return func(g *Gateway) { g.tracer = t }
}

// New creates a gateway. Instrumentation defaults to the global otel
// providers, which are no-ops until telemetry is initialized.
func New(logger *slog.Logger, opts ...Option) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	g := &Gateway{
		// Deadlines come from the per-call timeout and ctx, not the client.
		client: httpkit.NewClient(0),
		logger: logger.With("component", "gateway"),
		tracer: otel.Tracer(instrumentationName),
	}
	for _, o := range opts {
		o(g)
	}

	h, err := otel.Meter(instrumentationName).Float64Histogram(
		"gateway.call.duration",
		metric.WithDescription("Outbound call duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		g.logger.Warn("failed to create duration histogram", "error", err)
	} else {
		g.duration = h
	}
	return g
}

// Call POSTs body to target with the given headers and decodes the JSON
// response into out (which may be nil to discard it).
func (g *Gateway) Call(ctx context.Context, target string, headers map[string]string, body []byte, out any) error {
	if g.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}

	host := hostOf(target)
	ctx, span := g.tracer.Start(ctx, "gateway.call",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("server.address", host)),
	)
	defer span.End()

	start := time.Now()
	status, err := g.do(ctx, target, headers, body, out)
	elapsed := time.Since(start)

	if g.duration != nil {
		g.duration.Record(ctx, float64(elapsed.Milliseconds()),
			metric.WithAttributes(
				attribute.String("server.address", host),
				attribute.Int("http.response.status_code", status),
			))
	}
	span.SetAttributes(attribute.Int("http.response.status_code", status))

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		g.logger.Warn("outbound call failed", "host", host, "status", status, "elapsed", elapsed, "error", err)
		return err
	}

	g.logger.Debug("outbound call", "host", host, "status", status, "elapsed", elapsed)
	return nil
}

// CallJSON marshals payload as the request body. A JSON Content-Type is
// added unless headers already carry one.
func (g *Gateway) CallJSON(ctx context.Context, target string, headers map[string]string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	h := make(map[string]string, len(headers)+2)
	h["Content-Type"] = "application/json"
	h["Accept"] = "application/json"
	for k, v := range headers {
		h[k] = v
	}
	return g.Call(ctx, target, h, body, out)
}

func (g *Gateway) do(ctx context.Context, target string, headers map[string]string, body []byte, out any) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return 0, &RemoteCallError{Target: target, Err: fmt.Errorf("create request: %w", err)}
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return 0, &RemoteCallError{Target: target, Timeout: isTimeout(ctx, err), Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		errBody := httpkit.ErrorBody(resp.Body, errorBodyLimit)
		return resp.StatusCode, &RemoteCallError{Target: target, Status: resp.StatusCode, Body: errBody}
	}
	defer httpkit.Drain(resp.Body)

	if out == nil {
		return resp.StatusCode, nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		if isTimeout(ctx, err) {
			return resp.StatusCode, &RemoteCallError{Target: target, Status: resp.StatusCode, Timeout: true, Err: err}
		}
		return resp.StatusCode, &MalformedResponseError{Target: target, Err: fmt.Errorf("decode response: %w", err)}
	}
	return resp.StatusCode, nil
}

func isTimeout(ctx context.Context, err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func hostOf(target string) string {
	u, err := url.Parse(target)
	if err != nil || u.Host == "" {
		return target
	}
	return u.Host
}
