// Package api exposes the tile data layer over HTTP and MCP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/kalambet/fitscope/internal/breaker"
	"github.com/kalambet/fitscope/internal/inflight"
	"github.com/kalambet/fitscope/internal/storage"
	"github.com/kalambet/fitscope/internal/tiles"
)

const (
	maxRequestBodySize = 64 << 10
	maxAnalysisWait    = time.Minute
)

// Deps holds what the handlers serve. All fields except Token and Logger are required.
type Deps struct {
	Tiles    *tiles.Aggregator
	Store    *storage.Store
	Breakers *breaker.Registry
	Ops      *inflight.Registry
	Token    string
	Logger   *zap.Logger
}

// TilesRequest is the body of POST /tiles and POST /analyses.
type TilesRequest struct {
	Idea         string   `json:"idea"`
	SessionID    string   `json:"session_id,omitempty"`
	Tiles        []string `json:"tiles,omitempty"`
	ForceRefresh bool     `json:"force_refresh,omitempty"`
	NoPersist    bool     `json:"no_persist,omitempty"`
}

func (req TilesRequest) options() (tiles.Options, error) {
	opts := tiles.Options{ForceRefresh: req.ForceRefresh, NoPersist: req.NoPersist}
	for _, name := range req.Tiles {
		t, err := tiles.ParseType(name)
		if err != nil {
			return tiles.Options{}, err
		}
		opts.Tiles = append(opts.Tiles, t)
	}
	return opts, nil
}

// ResponseView is the JSON rendering of a stored response.
type ResponseView struct {
	ID              string                   `json:"id"`
	Idea            string                   `json:"idea"`
	Source          string                   `json:"source"`
	Endpoint        string                   `json:"endpoint"`
	Payload         json.RawMessage          `json:"payload"`
	SchemaVersion   int                      `json:"schema_version"`
	CreatedAt       time.Time                `json:"created_at"`
	ExpiresAt       time.Time                `json:"expires_at"`
	Expired         bool                     `json:"expired"`
	Metadata        storage.Metadata         `json:"metadata"`
	DerivedInsights *storage.DerivedInsights `json:"derived_insights,omitempty"`
}

// AnalysisView reports an operation registered through POST /analyses.
type AnalysisView struct {
	ID        string     `json:"id"`
	Status    string     `json:"status"` // pending, completed, failed
	SessionID string     `json:"session_id,omitempty"`
	StartedAt time.Time  `json:"started_at,omitzero"`
	SettledAt *time.Time `json:"settled_at,omitempty"`
	Result    any        `json:"result,omitempty"`
	Error     string     `json:"error,omitempty"`
}

// StorageView is the body of GET /storage.
type StorageView struct {
	Mode            storage.Mode  `json:"mode"`
	Usage           storage.Usage `json:"usage"`
	Stats           storage.Stats `json:"stats"`
	LastFullRefresh string        `json:"last_full_refresh,omitempty"`
}

// NewHandler returns the HTTP API. /health and /metrics are public, every
// other route requires the bearer token.
func NewHandler(deps Deps) http.Handler {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger(deps.Logger))

	r.Get("/health", handleHealth(deps))
	r.Handle("/metrics", promhttp.Handler())

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))

		r.Post("/tiles", handleFetchTiles(deps))
		r.Get("/tiles/{tile}", handleFetchTile(deps))
		r.Post("/analyses", handleStartAnalysis(deps))
		r.Get("/analyses/{id}", handleGetAnalysis(deps))
		r.Delete("/sessions/{id}", handleClearSession(deps))
		r.Get("/responses", handleListResponses(deps))
		r.Delete("/responses", handleDeleteResponses(deps))
		r.Get("/storage", handleStorage(deps))
		r.Get("/breakers", handleBreakers(deps))
		r.Post("/breakers/reset", handleResetBreakers(deps))
	})

	return r
}

func handleHealth(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"status":  "ok",
			"storage": deps.Store.Mode(),
		})
	}
}

func decodeTilesRequest(w http.ResponseWriter, r *http.Request) (TilesRequest, tiles.Options, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	defer r.Body.Close()

	var req TilesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
		return req, tiles.Options{}, false
	}
	req.Idea = strings.TrimSpace(req.Idea)
	if req.Idea == "" {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "idea is required")
		return req, tiles.Options{}, false
	}
	opts, err := req.options()
	if err != nil {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
		return req, tiles.Options{}, false
	}
	return req, opts, true
}

func handleFetchTiles(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		req, opts, ok := decodeTilesRequest(w, r)
		if !ok {
			return
		}

		res, err := deps.Tiles.FetchAll(r.Context(), req.Idea, opts)
		if errors.Is(err, tiles.ErrUnknownTile) {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "fetching tiles: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, res)
	}
}

func handleFetchTile(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tile, err := tiles.ParseType(chi.URLParam(r, "tile"))
		if err != nil {
			httpError(w, http.StatusNotFound, "not_found", "%v", err)
			return
		}
		idea := strings.TrimSpace(r.URL.Query().Get("idea"))
		if idea == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "idea query parameter is required")
			return
		}
		opts := tiles.Options{
			ForceRefresh: parseBoolParam(r, "force_refresh"),
			NoPersist:    parseBoolParam(r, "no_persist"),
		}

		td, err := deps.Tiles.FetchTile(r.Context(), idea, tile, opts)
		if errors.Is(err, tiles.ErrUnknownTile) {
			httpError(w, http.StatusNotFound, "not_found", "tile %s is not enabled", tile)
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "fetching tile: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, td)
	}
}

func handleStartAnalysis(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		req, opts, ok := decodeTilesRequest(w, r)
		if !ok {
			return
		}

		op, err := deps.Tiles.Analyze(r.Context(), req.Idea, req.SessionID, opts)
		switch {
		case errors.Is(err, tiles.ErrUnknownTile):
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		case err != nil:
			httpError(w, http.StatusServiceUnavailable, "api_error", "starting analysis: %v", err)
			return
		}
		writeJSON(w, http.StatusAccepted, AnalysisView{
			ID:        op.ID,
			Status:    "pending",
			SessionID: op.SessionID,
			StartedAt: op.StartedAt,
		})
	}
}

// handleGetAnalysis reports an analysis. ?wait=<duration> blocks until it
// settles or the wait elapses.
func handleGetAnalysis(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		if s := r.URL.Query().Get("wait"); s != "" {
			wait, err := time.ParseDuration(s)
			if err != nil || wait < 0 {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid wait %q", s)
				return
			}
			ctx, cancel := context.WithTimeout(r.Context(), min(wait, maxAnalysisWait))
			defer cancel()
			// The outcome is re-read below whichever way Wait returns.
			_, _ = deps.Ops.Wait(ctx, id)
		}

		if out, ok := deps.Ops.Result(id); ok {
			view := AnalysisView{
				ID:        out.ID,
				Status:    "completed",
				SessionID: out.SessionID,
				StartedAt: out.StartedAt,
				SettledAt: &out.SettledAt,
				Result:    out.Result,
			}
			if out.Err != nil {
				view.Status = "failed"
				view.Result = nil
				view.Error = out.Err.Error()
			}
			writeJSON(w, http.StatusOK, view)
			return
		}
		if deps.Ops.IsPending(id) {
			writeJSON(w, http.StatusOK, AnalysisView{ID: id, Status: "pending"})
			return
		}
		httpError(w, http.StatusNotFound, "not_found", "analysis not found")
	}
}

func handleClearSession(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		n := deps.Ops.ClearSessionOperations(chi.URLParam(r, "id"))
		writeJSON(w, http.StatusOK, map[string]int{"cancelled": n})
	}
}

func toView(rec storage.StoredResponse, now time.Time) ResponseView {
	return ResponseView{
		ID:              rec.ID,
		Idea:            rec.Idea,
		Source:          rec.Source,
		Endpoint:        rec.Endpoint,
		Payload:         rec.Payload,
		SchemaVersion:   rec.SchemaVersion,
		CreatedAt:       rec.CreatedAt,
		ExpiresAt:       rec.ExpiresAt,
		Expired:         rec.Expired(now),
		Metadata:        rec.Metadata,
		DerivedInsights: rec.DerivedInsights,
	}
}

func handleListResponses(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		var (
			recs []storage.StoredResponse
			err  error
		)
		switch {
		case q.Get("idea") != "":
			recs, err = deps.Store.GetByIdea(r.Context(), q.Get("idea"))
		case q.Get("source") != "":
			recs, err = deps.Store.GetBySource(r.Context(), q.Get("source"))
		default:
			recs, err = deps.Store.GetRecent(r.Context(), parseIntParam(r, "limit", 20, 200))
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "listing responses: %v", err)
			return
		}

		now := time.Now()
		views := make([]ResponseView, 0, len(recs))
		for _, rec := range recs {
			views = append(views, toView(rec, now))
		}
		writeJSON(w, http.StatusOK, views)
	}
}

// handleDeleteResponses clears responses for ?idea=, expired ones for
// ?expired=true, or everything for ?all=true. A bare DELETE is rejected.
func handleDeleteResponses(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		var (
			n   int
			err error
		)
		switch idea := r.URL.Query().Get("idea"); {
		case idea != "":
			n, err = deps.Store.ClearForIdea(ctx, idea)
		case parseBoolParam(r, "expired"):
			n, err = deps.Store.ClearExpired(ctx)
		case parseBoolParam(r, "all"):
			n, err = deps.Store.ClearAll(ctx)
		default:
			httpError(w, http.StatusBadRequest, "invalid_request_error", "pass idea, expired=true or all=true")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "deleting responses: %v", err)
			return
		}
		deps.Logger.Info("responses deleted", zap.Int("count", n), zap.String("query", r.URL.RawQuery))
		writeJSON(w, http.StatusOK, map[string]int{"deleted": n})
	}
}

func handleStorage(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stats, err := deps.Store.Stats(r.Context())
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "reading stats: %v", err)
			return
		}
		view := StorageView{
			Mode:  deps.Store.Mode(),
			Usage: deps.Store.EstimateUsage(r.Context()),
			Stats: stats,
		}
		last, err := deps.Store.GetMeta(r.Context(), tiles.MetaLastFullRefresh)
		switch {
		case err == nil:
			view.LastFullRefresh = last
		case !errors.Is(err, storage.ErrNotFound):
			httpError(w, http.StatusInternalServerError, "api_error", "reading meta: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, view)
	}
}

func handleBreakers(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		snaps := deps.Breakers.Snapshot()
		if snaps == nil {
			snaps = []breaker.Snapshot{}
		}
		writeJSON(w, http.StatusOK, snaps)
	}
}

// handleResetBreakers closes one breaker, or all of them when the body
// names neither source nor tile.
func handleResetBreakers(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var key breaker.Key
		if err := json.NewDecoder(r.Body).Decode(&key); err != nil && !errors.Is(err, io.EOF) {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}

		if key == (breaker.Key{}) {
			n := 0
			for _, s := range deps.Breakers.Snapshot() {
				if deps.Breakers.Reset(s.Key) {
					n++
				}
			}
			writeJSON(w, http.StatusOK, map[string]int{"reset": n})
			return
		}
		if !deps.Breakers.Reset(key) {
			httpError(w, http.StatusNotFound, "not_found", "no breaker for %s", key)
			return
		}
		writeJSON(w, http.StatusOK, map[string]int{"reset": 1})
	}
}
