// Package remote is the HTTP client for the upstream content API. It lists
// followed accounts, answers the three queries of the detection protocol
// and serves the live stories of an account together with the mute list.
package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/net/http2"
	"golang.org/x/time/rate"

	"github.com/kalambet/relayfeed/internal/detect"
	"github.com/kalambet/relayfeed/internal/metrics"
	"github.com/kalambet/relayfeed/internal/storage"
)

const (
	defaultTimeout     = 30 * time.Second
	defaultMaxAttempts = 3
	initialBackoff     = 500 * time.Millisecond
	maxBodyBytes       = 1 << 20
	maxFollowingPages  = 100
)

// ErrUnauthorized is returned when the API rejects the token.
var ErrUnauthorized = errors.New("remote: unauthorized")

// StatusError is a non-2xx response.
type StatusError struct {
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d: %s", e.Status, e.Body)
}

// Options tunes a Client. Zero values use the defaults.
type Options struct {
	Timeout           time.Duration
	MaxAttempts       int
	RequestsPerMinute int // <= 0 disables client-side limiting
	InitialBackoff    time.Duration
}

// Client talks to the upstream API.
type Client struct {
	token       string
	baseURL     string
	httpClient  *http.Client
	limiter     *rate.Limiter
	timeout     time.Duration
	maxAttempts int
	backoff     time.Duration
	logger      *slog.Logger
}

// NewClient creates a Client for baseURL authenticating with token.
func NewClient(baseURL, token string, opts Options) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = defaultMaxAttempts
	}
	if opts.InitialBackoff <= 0 {
		opts.InitialBackoff = initialBackoff
	}
	limit := rate.Inf
	if opts.RequestsPerMinute > 0 {
		limit = rate.Every(time.Minute / time.Duration(opts.RequestsPerMinute))
	}
	return &Client{
		token:       token,
		baseURL:     strings.TrimRight(baseURL, "/"),
		httpClient:  newHTTPClient(),
		limiter:     rate.NewLimiter(limit, 1),
		timeout:     opts.Timeout,
		maxAttempts: opts.MaxAttempts,
		backoff:     opts.InitialBackoff,
		logger:      slog.Default(),
	}
}

// newHTTPClient enables HTTP/2 on TLS connections while keeping HTTP/1.1
// for plain endpoints.
func newHTTPClient() *http.Client {
	t := http.DefaultTransport.(*http.Transport).Clone()
	if err := http2.ConfigureTransport(t); err != nil {
		slog.Warn("http2 unavailable, using HTTP/1.1", "error", err)
	}
	return &http.Client{Transport: t}
}

// ListEntities returns every followed account, following pagination.
func (c *Client) ListEntities(ctx context.Context) ([]storage.Entity, error) {
	var out []storage.Entity
	cursor := ""
	for page := 0; page < maxFollowingPages; page++ {
		q := url.Values{}
		if cursor != "" {
			q.Set("cursor", cursor)
		}
		var p followingPage
		if err := c.get(ctx, "list_following", "/v1/me/following", q, &p); err != nil {
			return nil, fmt.Errorf("listing following: %w", err)
		}
		for _, a := range p.Accounts {
			out = append(out, a.entity())
		}
		if p.NextCursor == "" {
			return out, nil
		}
		cursor = p.NextCursor
	}
	return nil, fmt.Errorf("listing following: more than %d pages", maxFollowingPages)
}

// EntitySummary implements detect.Remote.
func (c *Client) EntitySummary(ctx context.Context, entityID string) (detect.Summary, error) {
	var a Account
	if err := c.get(ctx, "entity_summary", "/v1/accounts/"+url.PathEscape(entityID), nil, &a); err != nil {
		return detect.Summary{}, fmt.Errorf("account %s: %w", entityID, err)
	}
	return detect.Summary{ItemCount: a.ItemCount, IsPrivate: a.IsPrivate}, nil
}

// LatestItem implements detect.Remote.
func (c *Client) LatestItem(ctx context.Context, entityID string) (*storage.Item, error) {
	items, err := c.items(ctx, "latest_item", entityID, 1)
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, nil
	}
	return &items[0], nil
}

// RecentItems implements detect.Remote.
func (c *Client) RecentItems(ctx context.Context, entityID string, limit int) ([]storage.Item, error) {
	return c.items(ctx, "recent_items", entityID, limit)
}

func (c *Client) items(ctx context.Context, op, entityID string, limit int) ([]storage.Item, error) {
	q := url.Values{}
	q.Set("limit", strconv.Itoa(limit))
	var p itemsPage
	if err := c.get(ctx, op, "/v1/accounts/"+url.PathEscape(entityID)+"/items", q, &p); err != nil {
		return nil, fmt.Errorf("items of %s: %w", entityID, err)
	}
	out := make([]storage.Item, 0, len(p.Items))
	for _, m := range p.Items {
		out = append(out, m.item(entityID))
	}
	return out, nil
}

// Stories implements detect.StoryRemote. Stories are returned newest
// first.
func (c *Client) Stories(ctx context.Context, entityID string) ([]storage.Item, error) {
	var p itemsPage
	if err := c.get(ctx, "stories", "/v1/accounts/"+url.PathEscape(entityID)+"/stories", nil, &p); err != nil {
		return nil, fmt.Errorf("stories of %s: %w", entityID, err)
	}
	out := make([]storage.Item, 0, len(p.Items))
	for _, m := range p.Items {
		it := m.item(entityID)
		it.Kind = storage.KindStory
		out = append(out, it)
	}
	return out, nil
}

// MutedStories returns the ids of accounts whose stories the user muted.
func (c *Client) MutedStories(ctx context.Context) ([]string, error) {
	var p mutedPage
	if err := c.get(ctx, "muted_stories", "/v1/me/muted_stories", nil, &p); err != nil {
		return nil, fmt.Errorf("muted stories: %w", err)
	}
	return p.AccountIDs, nil
}

// get performs a GET with rate limiting and retries, decoding the JSON
// body into dst.
func (c *Client) get(ctx context.Context, op, path string, query url.Values, dst any) error {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.backoff
	bo.MaxInterval = 30 * time.Second

	body, err := backoff.Retry(ctx, func() ([]byte, error) {
		return c.do(ctx, op, u)
	},
		backoff.WithBackOff(bo),
		backoff.WithMaxTries(uint(c.maxAttempts)),
		backoff.WithNotify(func(err error, next time.Duration) {
			c.logger.Debug("remote call failed, retrying", "operation", op, "retry_in", next, "error", err)
		}),
	)
	if err != nil {
		return err
	}

	if err := json.Unmarshal(body, dst); err != nil {
		return fmt.Errorf("decoding %s response: %w", op, err)
	}
	return nil
}

// do performs a single attempt. Errors that must not be retried are
// wrapped with backoff.Permanent.
func (c *Client) do(ctx context.Context, op, u string) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, backoff.Permanent(err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, u, nil)
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("creating request: %w", err))
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		metrics.RecordRemoteCall(op, "error")
		if ctx.Err() != nil {
			return nil, backoff.Permanent(ctx.Err())
		}
		return nil, fmt.Errorf("executing request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	metrics.RecordRemoteCall(op, strconv.Itoa(resp.StatusCode))
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		return body, nil
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, backoff.Permanent(ErrUnauthorized)
	case resp.StatusCode == http.StatusTooManyRequests:
		serr := &StatusError{Status: resp.StatusCode, Body: string(body)}
		if secs, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil && secs > 0 {
			return nil, backoff.RetryAfter(secs)
		}
		return nil, serr
	case resp.StatusCode >= 500:
		return nil, &StatusError{Status: resp.StatusCode, Body: string(body)}
	default:
		return nil, backoff.Permanent(&StatusError{Status: resp.StatusCode, Body: string(body)})
	}
}
