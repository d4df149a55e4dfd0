// Package httpkit builds the HTTP clients used for outbound calls (IAM
// token issuance, watsonx chat, RAG scoring, the local Ollama daemon)
// so they share one set of transport limits and identifying headers.
package httpkit

import (
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/nugget/loanrisk-agent/internal/buildinfo"
)

// drainLimit caps how much of an unread body is discarded so the
// connection can go back to the pool.
const drainLimit = 64 << 10

// TransportConfig holds connection-level limits for outbound calls.
type TransportConfig struct {
	DialTimeout         time.Duration
	TLSHandshakeTimeout time.Duration
	// Model endpoints think before they answer, so this is generous.
	ResponseHeaderTimeout time.Duration
	IdleConnTimeout       time.Duration
	MaxIdleConnsPerHost   int
}

// DefaultTransport is the configuration NewClient uses unless a
// transport is supplied.
var DefaultTransport = TransportConfig{
	DialTimeout:           10 * time.Second,
	TLSHandshakeTimeout:   10 * time.Second,
	ResponseHeaderTimeout: 120 * time.Second,
	IdleConnTimeout:       90 * time.Second,
	MaxIdleConnsPerHost:   5,
}

// NewTransport creates an http.Transport honoring tc and the proxy
// environment.
func NewTransport(tc TransportConfig) *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   tc.DialTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   tc.TLSHandshakeTimeout,
		ResponseHeaderTimeout: tc.ResponseHeaderTimeout,
		IdleConnTimeout:       tc.IdleConnTimeout,
		MaxIdleConns:          4 * tc.MaxIdleConnsPerHost,
		MaxIdleConnsPerHost:   tc.MaxIdleConnsPerHost,
		ForceAttemptHTTP2:     true,
	}
}

// ClientOption configures a client built by NewClient.
type ClientOption func(*clientConfig)

type clientConfig struct {
	transport http.RoundTripper
	headers   http.Header
}

// WithTransport replaces the default transport. Tests use it to inject
// stub round trippers.
func WithTransport(rt http.RoundTripper) ClientOption {
	return func(c *clientConfig) { c.transport = rt }
}

// WithHeader adds a header sent on every request that does not already
// carry it. An empty value removes a default.
func WithHeader(key, value string) ClientOption {
	return func(c *clientConfig) {
		if value == "" {
			c.headers.Del(key)
			return
		}
		c.headers.Set(key, value)
	}
}

// NewClient builds an *http.Client. A zero timeout leaves deadlines to
// the request context. Every request identifies the service with
// User-Agent and asks for JSON.
func NewClient(timeout time.Duration, opts ...ClientOption) *http.Client {
	cfg := &clientConfig{headers: http.Header{}}
	cfg.headers.Set("User-Agent", buildinfo.UserAgent())
	cfg.headers.Set("Accept", "application/json")
	for _, o := range opts {
		o(cfg)
	}

	rt := cfg.transport
	if rt == nil {
		rt = NewTransport(DefaultTransport)
	}
	if len(cfg.headers) > 0 {
		rt = &headerTransport{base: rt, headers: cfg.headers}
	}
	return &http.Client{Timeout: timeout, Transport: rt}
}

// headerTransport fills in default headers the caller left unset.
type headerTransport struct {
	base    http.RoundTripper
	headers http.Header
}

func (t *headerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	var cloned bool
	for k, v := range t.headers {
		if req.Header.Get(k) != "" {
			continue
		}
		// A RoundTripper must not modify the caller's request.
		if !cloned {
			req = req.Clone(req.Context())
			cloned = true
		}
		req.Header[k] = v
	}
	return t.base.RoundTrip(req)
}

// Drain discards what is left of rc, up to a limit, and closes it.
func Drain(rc io.ReadCloser) {
	if rc == nil {
		return
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(rc, drainLimit))
	rc.Close()
}

// ErrorBody reads at most limit bytes of an error response for
// inclusion in an error value, then drains and closes rc.
func ErrorBody(rc io.ReadCloser, limit int64) string {
	if rc == nil {
		return ""
	}
	body, err := io.ReadAll(io.LimitReader(rc, limit))
	Drain(rc)
	if err != nil {
		return fmt.Sprintf("(failed to read error body: %v)", err)
	}
	return string(body)
}
