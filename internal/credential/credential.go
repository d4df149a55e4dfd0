// Package credential issues and caches the IAM bearer token used for
// every authenticated outbound call. A token is reused until it comes
// within a safety margin of expiry, and concurrent callers that find it
// stale share a single refresh.
package credential

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/nugget/loanrisk-agent/internal/gateway"
)

// DefaultMargin is how long before expiry a token stops being reused.
const DefaultMargin = 300 * time.Second

// DefaultRefreshTimeout bounds a single issuance round trip.
const DefaultRefreshTimeout = 30 * time.Second

// Credential is an issued bearer token and its absolute expiry.
type Credential struct {
	AccessToken string
	ExpiresAt   time.Time
}

// ValidAt reports whether the token can still be used at now, keeping
// margin in reserve.
func (c Credential) ValidAt(now time.Time, margin time.Duration) bool {
	return c.AccessToken != "" && now.Add(margin).Before(c.ExpiresAt)
}

// Issuer obtains a fresh credential.
type Issuer interface {
	Issue(ctx context.Context) (Credential, error)
}

// Poster is the slice of the outbound gateway the IAM issuer needs.
type Poster interface {
	Call(ctx context.Context, target string, headers map[string]string, body []byte, out any) error
}

// IAMIssuer exchanges an API key for a bearer token at an IBM Cloud IAM
// token endpoint.
type IAMIssuer struct {
	poster   Poster
	endpoint string
	apiKey   string
}

// NewIAMIssuer creates an issuer for the given endpoint and API key.
func NewIAMIssuer(poster Poster, endpoint, apiKey string) *IAMIssuer {
	return &IAMIssuer{poster: poster, endpoint: endpoint, apiKey: apiKey}
}

type iamResponse struct {
	AccessToken string `json:"access_token"`
	Expiration  int64  `json:"expiration"`
}

// Issue performs the apikey grant. Expiration in the response is epoch
// seconds.
func (i *IAMIssuer) Issue(ctx context.Context) (Credential, error) {
	form := url.Values{}
	form.Set("grant_type", "urn:ibm:params:oauth:grant-type:apikey")
	form.Set("apikey", i.apiKey)

	headers := map[string]string{
		"Content-Type": "application/x-www-form-urlencoded",
		"Accept":       "application/json",
	}

	var resp iamResponse
	if err := i.poster.Call(ctx, i.endpoint, headers, []byte(form.Encode()), &resp); err != nil {
		return Credential{}, err
	}
	if resp.AccessToken == "" {
		return Credential{}, &gateway.MalformedResponseError{Target: i.endpoint, Field: "access_token"}
	}
	if resp.Expiration <= 0 {
		return Credential{}, &gateway.MalformedResponseError{Target: i.endpoint, Field: "expiration"}
	}
	return Credential{
		AccessToken: resp.AccessToken,
		ExpiresAt:   time.Unix(resp.Expiration, 0),
	}, nil
}

// Cache holds the current credential and refreshes it on demand.
type Cache struct {
	issuer         Issuer
	margin         time.Duration
	refreshTimeout time.Duration
	now            func() time.Time
	logger         *slog.Logger

	group singleflight.Group

	mu   sync.RWMutex
	cred Credential
}

// CacheOption configures a Cache.
type CacheOption func(*Cache)

// WithClock replaces time.Now. Tests use it to move across the margin.
func WithClock(now func() time.Time) CacheOption {
	return func(c *Cache) { c.now = now }
}

// WithRefreshTimeout bounds each issuance call.
func WithRefreshTimeout(d time.Duration) CacheOption {
	return func(c *Cache) { c.refreshTimeout = d }
}

// NewCache creates an empty cache. A negative margin is treated as zero.
func NewCache(issuer Issuer, margin time.Duration, logger *slog.Logger, opts ...CacheOption) *Cache {
	if margin < 0 {
		margin = 0
	}
	if logger == nil {
		logger = slog.Default()
	}
	c := &Cache{
		issuer:         issuer,
		margin:         margin,
		refreshTimeout: DefaultRefreshTimeout,
		now:            time.Now,
		logger:         logger.With("component", "credential"),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// EnsureToken returns a usable bearer token, refreshing if the cached
// one is missing or inside the margin. Concurrent callers share one
// refresh. The refresh runs detached from ctx so a caller that gives up
// does not abort it for the others. On failure the previous credential
// is left in place.
func (c *Cache) EnsureToken(ctx context.Context) (string, error) {
	if cred, ok := c.valid(); ok {
		return cred.AccessToken, nil
	}

	ch := c.group.DoChan("token", func() (any, error) {
		// Another flight may have finished between our check and now.
		if cred, ok := c.valid(); ok {
			return cred, nil
		}
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.refreshTimeout)
		defer cancel()

		cred, err := c.issuer.Issue(rctx)
		if err != nil {
			c.logger.Warn("credential refresh failed", "error", err)
			return nil, err
		}

		c.mu.Lock()
		c.cred = cred
		c.mu.Unlock()

		c.logger.Debug("credential refreshed", "expires_at", cred.ExpiresAt)
		return cred, nil
	})

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case r := <-ch:
		if r.Err != nil {
			return "", fmt.Errorf("refresh credential: %w", r.Err)
		}
		return r.Val.(Credential).AccessToken, nil
	}
}

// Current returns the cached credential without refreshing, and
// whether it is still usable outside the refresh margin.
func (c *Cache) Current() (Credential, bool) {
	return c.valid()
}

// Invalidate drops the cached credential so the next EnsureToken
// refreshes.
func (c *Cache) Invalidate() {
	c.mu.Lock()
	c.cred = Credential{}
	c.mu.Unlock()
}

func (c *Cache) valid() (Credential, bool) {
	c.mu.RLock()
	cred := c.cred
	c.mu.RUnlock()
	return cred, cred.ValidAt(c.now(), c.margin)
}
