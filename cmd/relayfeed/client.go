package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/kalambet/relayfeed/internal/api"
	"github.com/kalambet/relayfeed/internal/config"
)

// errServerDown is returned when nothing answers on the configured port.
var errServerDown = errors.New("relayfeed server is not running")

// apiClient talks to the management endpoints of a running server.
type apiClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

var newAPIClient = func() (*apiClient, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	token, err := config.APIToken(config.NewSecretStore())
	if err != nil {
		return nil, fmt.Errorf("getting API token: %w", err)
	}

	return &apiClient{
		baseURL:    fmt.Sprintf("http://127.0.0.1:%d", cfg.Server.Port),
		token:      token,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}, nil
}

// syncResult is the body of POST /sync.
type syncResult struct {
	Status string `json:"status"`
	JobID  string `json:"job_id,omitempty"`
}

func (c *apiClient) status(ctx context.Context) (api.StatusResponse, error) {
	var st api.StatusResponse
	err := c.call(ctx, http.MethodGet, "/status", &st)
	return st, err
}

func (c *apiClient) entities(ctx context.Context, tier string, stale bool) ([]api.EntityView, error) {
	q := url.Values{}
	if tier != "" {
		q.Set("tier", tier)
	}
	if stale {
		q.Set("stale", "true")
	}
	path := "/entities"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var views []api.EntityView
	err := c.call(ctx, http.MethodGet, path, &views)
	return views, err
}

func (c *apiClient) requestSync(ctx context.Context) (syncResult, error) {
	var res syncResult
	err := c.call(ctx, http.MethodPost, "/sync", &res)
	return res, err
}

func (c *apiClient) call(ctx context.Context, method, path string, dst any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w (%v)", errServerDown, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return apiError(resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(dst); err != nil {
		return fmt.Errorf("decoding %s response: %w", path, err)
	}
	return nil
}

// apiError turns the server's error envelope into an error. Bodies that
// are not an envelope are reported verbatim.
func apiError(resp *http.Response) error {
	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return fmt.Errorf("server returned %d (failed to read body: %w)", resp.StatusCode, err)
	}
	var envelope struct {
		Error struct {
			Message string `json:"message"`
			Type    string `json:"type"`
		} `json:"error"`
	}
	if json.Unmarshal(body, &envelope) == nil && envelope.Error.Message != "" {
		return fmt.Errorf("server returned %d: %s (%s)", resp.StatusCode, envelope.Error.Message, envelope.Error.Type)
	}
	return fmt.Errorf("server returned %d: %s", resp.StatusCode, string(body))
}
