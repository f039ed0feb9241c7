package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kalambet/relayfeed/internal/feed"
	"github.com/kalambet/relayfeed/internal/priority"
	"github.com/kalambet/relayfeed/internal/scheduler"
	"github.com/kalambet/relayfeed/internal/storage"
	"github.com/kalambet/relayfeed/internal/worker"
)

// StatusSource reports scheduler state. Implemented by scheduler.Orchestrator.
type StatusSource interface {
	Stats(ctx context.Context) (scheduler.Stats, error)
	LastSummary(ctx context.Context) (scheduler.PassSummary, bool, error)
	Running() bool
}

// Store is the subset of storage.Store the API reads.
type Store interface {
	Stats(ctx context.Context) (storage.Stats, error)
	ListEntities(ctx context.Context, includeStale bool) ([]storage.Entity, error)
	ListActivityRecords(ctx context.Context) ([]storage.ActivityRecord, error)
}

// PassTrigger enqueues a sync pass. Implemented by worker.Trigger.
type PassTrigger interface {
	Request(reason string) (jobID string, queued bool, err error)
}

// FeedRenderer renders the RSS feed. Implemented by feed.Renderer.
type FeedRenderer interface {
	Render(ctx context.Context, w io.Writer, limit, days int) error
}

// OverrideSet reports forced-high entity names.
type OverrideSet interface {
	Contains(name string) bool
	Names() []string
}

type Deps struct {
	Store     Store
	Status    StatusSource
	Trigger   PassTrigger
	Feed      FeedRenderer
	Overrides OverrideSet
	Tokens    TokenSource

	// StoryStatus is set when the stories stream is enabled.
	StoryStatus StatusSource

	FeedLimit int
	FeedDays  int
}

// StatusResponse is the body of GET /status. The top-level fields describe
// the posts stream.
type StatusResponse struct {
	Stats     scheduler.Stats        `json:"stats"`
	LastPass  *scheduler.PassSummary `json:"last_pass,omitempty"`
	Running   bool                   `json:"running"`
	Overrides []string               `json:"overrides"`
	Stories   *StreamStatus          `json:"stories,omitempty"`
}

// StreamStatus is the state of a secondary stream.
type StreamStatus struct {
	Stats    scheduler.Stats        `json:"stats"`
	LastPass *scheduler.PassSummary `json:"last_pass,omitempty"`
	Running  bool                   `json:"running"`
}

// EntityView is one row of GET /entities.
type EntityView struct {
	ID                     string     `json:"id"`
	Name                   string     `json:"name"`
	FullName               string     `json:"full_name,omitempty"`
	Stale                  bool       `json:"stale"`
	Override               bool       `json:"override"`
	Tier                   string     `json:"tier"`
	Tracked                bool       `json:"tracked"`
	LastKnownItemID        string     `json:"last_known_item_id,omitempty"`
	LastKnownItemDate      *time.Time `json:"last_known_item_date,omitempty"`
	ItemCountHint          int        `json:"item_count_hint"`
	ConsecutiveEmptyChecks int        `json:"consecutive_empty_checks"`
	LastCheckedAt          *time.Time `json:"last_checked_at,omitempty"`
}

// NewHandler returns the HTTP API. /health, /feed.rss and /metrics are
// public; the rest require the bearer token.
func NewHandler(deps Deps) http.Handler {
	if deps.FeedLimit <= 0 {
		deps.FeedLimit = feed.DefaultLimit
	}
	if deps.FeedDays <= 0 {
		deps.FeedDays = feed.DefaultDays
	}

	if deps.Tokens == nil {
		deps.Tokens = StaticToken("")
	}
	tokens := newCachedToken(deps.Tokens, tokenCacheTTL)

	r := chi.NewRouter()

	r.Get("/health", handleHealth(deps))
	r.Get("/feed.rss", handleFeed(deps))
	r.Handle("/metrics", promhttp.Handler())

	r.Group(func(r chi.Router) {
		r.Use(requireToken(tokens))
		r.Get("/status", handleStatus(deps))
		r.Get("/entities", handleEntities(deps))
		r.Post("/sync", handleSync(deps))
	})

	return r
}

func handleHealth(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st, err := deps.Store.Stats(r.Context())
		if err != nil {
			httpError(w, http.StatusServiceUnavailable, "api_error", "storage unavailable: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"status":  "ok",
			"storage": st,
		})
	}
}

func handleFeed(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit, err := intParam(r, "limit", deps.FeedLimit)
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}
		days, err := intParam(r, "days", deps.FeedDays)
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}
		if err := feed.ValidateWindow(limit, days); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}

		// Render into memory first so a storage error still yields a JSON error.
		var buf bytes.Buffer
		if err := deps.Feed.Render(r.Context(), &buf, limit, days); err != nil {
			slog.Error("rendering feed failed", "error", err)
			httpError(w, http.StatusInternalServerError, "api_error", "failed to render feed")
			return
		}
		w.Header().Set("Content-Type", "application/rss+xml; charset=utf-8")
		w.Write(buf.Bytes())
	}
}

func handleStatus(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp, err := buildStatus(r.Context(), deps)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to load status: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func handleEntities(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		includeStale := r.URL.Query().Get("stale") == "true"
		views, err := buildEntityViews(r.Context(), deps, includeStale)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list entities: %v", err)
			return
		}
		if tier := r.URL.Query().Get("tier"); tier != "" {
			if _, err := priority.ParseTier(tier); err != nil {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
				return
			}
			filtered := views[:0]
			for _, v := range views {
				if v.Tier == tier {
					filtered = append(filtered, v)
				}
			}
			views = filtered
		}
		writeJSON(w, http.StatusOK, views)
	}
}

func handleSync(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, queued, err := deps.Trigger.Request(worker.ReasonManual)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to queue sync: %v", err)
			return
		}
		if !queued {
			writeJSON(w, http.StatusAccepted, map[string]string{"status": "already_queued"})
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "queued", "job_id": id})
	}
}

func buildStatus(ctx context.Context, deps Deps) (StatusResponse, error) {
	posts, err := streamStatus(ctx, deps.Status)
	if err != nil {
		return StatusResponse{}, err
	}
	resp := StatusResponse{
		Stats:     posts.Stats,
		LastPass:  posts.LastPass,
		Running:   posts.Running,
		Overrides: []string{},
	}
	if deps.Overrides != nil {
		resp.Overrides = deps.Overrides.Names()
	}
	if deps.StoryStatus != nil {
		stories, err := streamStatus(ctx, deps.StoryStatus)
		if err != nil {
			return StatusResponse{}, fmt.Errorf("stories: %w", err)
		}
		resp.Stories = &stories
	}
	return resp, nil
}

func streamStatus(ctx context.Context, src StatusSource) (StreamStatus, error) {
	stats, err := src.Stats(ctx)
	if err != nil {
		return StreamStatus{}, err
	}
	st := StreamStatus{Stats: stats, Running: src.Running()}
	last, ok, err := src.LastSummary(ctx)
	if err != nil {
		return StreamStatus{}, err
	}
	if ok {
		st.LastPass = &last
	}
	return st, nil
}

// buildEntityViews joins the entity cache with the ledger, ordered by tier
// rank and then name.
func buildEntityViews(ctx context.Context, deps Deps, includeStale bool) ([]EntityView, error) {
	entities, err := deps.Store.ListEntities(ctx, includeStale)
	if err != nil {
		return nil, err
	}
	records, err := deps.Store.ListActivityRecords(ctx)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]storage.ActivityRecord, len(records))
	for _, rec := range records {
		byID[rec.EntityID] = rec
	}

	views := make([]EntityView, 0, len(entities))
	for _, e := range entities {
		v := EntityView{
			ID:       e.ID,
			Name:     e.Name,
			FullName: e.FullName,
			Stale:    e.Stale,
			Tier:     string(priority.Dormant),
		}
		if deps.Overrides != nil {
			v.Override = deps.Overrides.Contains(e.Name)
		}
		if rec, ok := byID[e.ID]; ok {
			v.Tracked = true
			v.Tier = string(rec.Tier)
			v.LastKnownItemID = rec.LastKnownItemID
			v.LastKnownItemDate = rec.LastKnownItemDate
			v.ItemCountHint = rec.ItemCountHint
			v.ConsecutiveEmptyChecks = rec.ConsecutiveEmptyChecks
			v.LastCheckedAt = rec.LastCheckedAt
		}
		views = append(views, v)
	}
	sort.SliceStable(views, func(i, j int) bool {
		ri, rj := priority.Tier(views[i].Tier).Rank(), priority.Tier(views[j].Tier).Rank()
		if ri != rj {
			return ri < rj
		}
		return views[i].Name < views[j].Name
	})
	return views, nil
}

func intParam(r *http.Request, key string, defaultVal int) (int, error) {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal, nil
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer", key)
	}
	return v, nil
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}
