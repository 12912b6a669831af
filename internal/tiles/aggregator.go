package tiles

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/kalambet/fitscope/internal/breaker"
	"github.com/kalambet/fitscope/internal/inflight"
	"github.com/kalambet/fitscope/internal/logging"
	"github.com/kalambet/fitscope/internal/metrics"
	"github.com/kalambet/fitscope/internal/storage"
)

// MetaLastFullRefresh is the meta key stamped after a forced refresh of every tile.
const MetaLastFullRefresh = "last_full_refresh"

// ErrUnknownTile is returned when a requested tile has no adapter.
var ErrUnknownTile = errors.New("no adapter for tile")

// Store is the subset of the response store the aggregator uses.
type Store interface {
	Get(ctx context.Context, id string) (storage.StoredResponse, error)
	Put(ctx context.Context, r storage.StoredResponse) error
	PutInsight(ctx context.Context, in storage.Insight) error
	SetMeta(ctx context.Context, key, value string) error
}

// Config tunes caching and fan-out.
type Config struct {
	TTL         time.Duration          // freshness of a persisted response
	TileTTL     map[Type]time.Duration // per-tile override of TTL
	Concurrency int                    // max tiles in flight per fetch; 0 means all
}

// DefaultConfig caches fast-moving tiles briefly and structural ones for longer.
func DefaultConfig() Config {
	return Config{
		TTL: 6 * time.Hour,
		TileTTL: map[Type]time.Duration{
			Sentiment:    time.Hour,
			MarketTrends: 6 * time.Hour,
			Competitors:  24 * time.Hour,
			MarketSize:   7 * 24 * time.Hour,
			Engagement:   3 * time.Hour,
			Financial:    24 * time.Hour,
		},
	}
}

func (c Config) ttlFor(t Type) time.Duration {
	if d, ok := c.TileTTL[t]; ok && d > 0 {
		return d
	}
	if c.TTL > 0 {
		return c.TTL
	}
	return DefaultConfig().TTL
}

// Option configures an Aggregator.
type Option func(*Aggregator)

// WithStore enables cache reads and persistence.
func WithStore(s Store) Option {
	return func(a *Aggregator) { a.store = s }
}

// WithInflight enables Analyze.
func WithInflight(r *inflight.Registry) Option {
	return func(a *Aggregator) { a.ops = r }
}

// WithConfig replaces DefaultConfig.
func WithConfig(c Config) Option {
	return func(a *Aggregator) { a.cfg = c }
}

// WithLogger sets the aggregator logger.
func WithLogger(l *zap.Logger) Option {
	return func(a *Aggregator) { a.logger = l }
}

// WithClock overrides time.Now for timestamps and expiry (tests).
func WithClock(now func() time.Time) Option {
	return func(a *Aggregator) { a.now = now }
}

// WithTracer overrides the global otel tracer.
func WithTracer(t trace.Tracer) Option {
	return func(a *Aggregator) { a.tracer = t }
}

// Aggregator fans an idea out to one adapter per tile.
type Aggregator struct {
	adapters map[Type]Adapter
	order    []Type
	breakers *breaker.Registry
	store    Store
	ops      *inflight.Registry
	cfg      Config
	now      func() time.Time
	logger   *zap.Logger
	tracer   trace.Tracer
}

// New builds an aggregator over adapters, one per tile. Breakers come from
// the shared registry so every caller sees the same breaker per upstream.
func New(breakers *breaker.Registry, adapters []Adapter, opts ...Option) (*Aggregator, error) {
	if breakers == nil {
		return nil, errors.New("tiles: breaker registry is required")
	}
	a := &Aggregator{
		adapters: make(map[Type]Adapter, len(adapters)),
		breakers: breakers,
		cfg:      DefaultConfig(),
		now:      time.Now,
	}
	for _, ad := range adapters {
		if _, dup := a.adapters[ad.Tile()]; dup {
			return nil, fmt.Errorf("tiles: duplicate adapter for %s", ad.Tile())
		}
		a.adapters[ad.Tile()] = ad
		a.order = append(a.order, ad.Tile())
	}
	for _, opt := range opts {
		opt(a)
	}
	a.logger = logging.OrNop(a.logger)
	if a.tracer == nil {
		a.tracer = otel.Tracer("github.com/kalambet/fitscope/internal/tiles")
	}
	return a, nil
}

// Tiles lists the registered tiles in registration order.
func (a *Aggregator) Tiles() []Type {
	return append([]Type(nil), a.order...)
}

// FetchAll fetches every requested tile concurrently. The result holds
// exactly one entry per requested tile: genuine, cached or degraded. The
// only error is an unknown tile in opts.Tiles.
func (a *Aggregator) FetchAll(ctx context.Context, idea string, opts Options) (Result, error) {
	requested := opts.Tiles
	if len(requested) == 0 {
		requested = a.order
	}
	selected := make([]Adapter, 0, len(requested))
	seen := make(map[Type]bool, len(requested))
	for _, t := range requested {
		if seen[t] {
			continue
		}
		seen[t] = true
		ad, ok := a.adapters[t]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownTile, t)
		}
		selected = append(selected, ad)
	}

	ctx, span := a.tracer.Start(ctx, "tiles.fetch_all", trace.WithAttributes(
		attribute.Int("tiles.count", len(selected)),
		attribute.Bool("tiles.force_refresh", opts.ForceRefresh),
	))
	defer span.End()

	var (
		mu  sync.Mutex
		out = make(Result, len(selected))
		g   errgroup.Group
	)
	if a.cfg.Concurrency > 0 {
		g.SetLimit(a.cfg.Concurrency)
	}
	for _, ad := range selected {
		g.Go(func() error {
			td := a.fetchOne(ctx, idea, ad, opts)
			mu.Lock()
			out[ad.Tile()] = td
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	degraded := 0
	for _, td := range out {
		if td.Degraded {
			degraded++
		}
	}
	span.SetAttributes(attribute.Int("tiles.degraded", degraded))

	full := opts.ForceRefresh && len(opts.Tiles) == 0 && degraded == 0
	if full && a.store != nil && !opts.NoPersist && ctx.Err() == nil {
		stamp := a.now().UTC().Format(time.RFC3339)
		if err := a.store.SetMeta(ctx, MetaLastFullRefresh, stamp); err != nil {
			a.logger.Warn("recording full refresh failed", zap.Error(err))
		}
	}

	a.logger.Debug("tiles fetched",
		zap.String("idea", idea),
		zap.Int("tiles", len(out)),
		zap.Int("degraded", degraded),
	)
	return out, nil
}

// FetchTile fetches a single tile.
func (a *Aggregator) FetchTile(ctx context.Context, idea string, tile Type, opts Options) (TileData, error) {
	ad, ok := a.adapters[tile]
	if !ok {
		return TileData{}, fmt.Errorf("%w: %s", ErrUnknownTile, tile)
	}
	return a.fetchOne(ctx, idea, ad, opts), nil
}

// Analyze registers a FetchAll with the in-flight registry and returns its
// operation. ctx only gates registration: the fetch itself runs under the
// registry's lifetime and keeps going after the caller goes away.
func (a *Aggregator) Analyze(ctx context.Context, idea, sessionID string, opts Options) (inflight.Operation, error) {
	if err := ctx.Err(); err != nil {
		return inflight.Operation{}, err
	}
	if a.ops == nil {
		return inflight.Operation{}, errors.New("tiles: in-flight registry not configured")
	}
	for _, t := range opts.Tiles {
		if _, ok := a.adapters[t]; !ok {
			return inflight.Operation{}, fmt.Errorf("%w: %s", ErrUnknownTile, t)
		}
	}
	id := uuid.NewString()
	return a.ops.Register(id, inflight.KindFetch, sessionID, func(ctx context.Context) (any, error) {
		res, err := a.FetchAll(ctx, idea, opts)
		if err == nil && ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return res, err
	})
}

// fetchOne resolves one tile: cache, then breaker-guarded adapter, then
// persistence. It always returns a TileData.
func (a *Aggregator) fetchOne(ctx context.Context, idea string, ad Adapter, opts Options) TileData {
	tile := ad.Tile()
	start := time.Now()
	ctx, span := a.tracer.Start(ctx, "tiles.fetch", trace.WithAttributes(
		attribute.String("tile", string(tile)),
		attribute.String("source", ad.Source()),
	))
	defer span.End()
	defer func() {
		metrics.TileFetchDuration.WithLabelValues(string(tile)).Observe(time.Since(start).Seconds())
	}()

	id := storage.ResponseID(idea, ad.Source(), ad.Endpoint())

	if !opts.ForceRefresh && a.store != nil {
		if td, ok := a.cached(ctx, id, ad); ok {
			a.record(span, tile, "cached")
			return td
		}
	}

	b := a.breakers.Get(breaker.Key{Source: ad.Source(), Tile: string(tile)})
	td, err := breaker.Execute(ctx, b,
		func(ctx context.Context) (TileData, error) {
			raw, err := ad.Fetch(ctx, idea)
			if err != nil {
				return TileData{}, err
			}
			return normalize(tile, ad.Source(), raw, a.now())
		},
		func(cause error) (TileData, error) {
			if !errors.Is(cause, breaker.ErrOpen) && ctx.Err() == nil {
				a.logger.Warn("tile degraded",
					zap.String("tile", string(tile)),
					zap.String("source", ad.Source()),
					zap.Error(cause),
				)
			}
			return fallbackFor(tile, ad.Source(), cause, a.now()), nil
		},
	)
	if err != nil {
		// Unreachable: fallbackFor never fails.
		td = fallbackFor(tile, ad.Source(), err, a.now())
	}

	if ctx.Err() != nil {
		if td.Degraded {
			td.DegradedReason = reasonCancelled
		}
		a.record(span, tile, "cancelled")
		return td
	}
	if td.Degraded {
		span.SetStatus(codes.Error, td.DegradedReason)
		a.record(span, tile, "fallback")
		return td
	}

	if !opts.NoPersist && a.store != nil {
		a.persist(ctx, id, idea, ad, td)
	}
	a.record(span, tile, "ok")
	return td
}

func (a *Aggregator) record(span trace.Span, tile Type, outcome string) {
	span.SetAttributes(attribute.String("tiles.outcome", outcome))
	metrics.TileFetches.WithLabelValues(string(tile), outcome).Inc()
}

func (a *Aggregator) cached(ctx context.Context, id string, ad Adapter) (TileData, bool) {
	resp, err := a.store.Get(ctx, id)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			a.logger.Debug("cache read failed", zap.String("id", id), zap.Error(err))
		}
		return TileData{}, false
	}
	if resp.Expired(a.now()) {
		return TileData{}, false
	}
	td, err := normalize(ad.Tile(), ad.Source(), resp.Payload, resp.CreatedAt)
	if err != nil {
		a.logger.Debug("cached payload unreadable", zap.String("id", id), zap.Error(err))
		return TileData{}, false
	}
	td.FromCache = true
	return td, true
}

// persist writes the raw response and the tile insight. Failures are logged:
// the caller already has its data.
func (a *Aggregator) persist(ctx context.Context, id, idea string, ad Adapter, td TileData) {
	now := a.now()
	tile := ad.Tile()
	resp := storage.StoredResponse{
		ID:            id,
		Idea:          idea,
		Source:        ad.Source(),
		Endpoint:      ad.Endpoint(),
		Payload:       td.Raw,
		SchemaVersion: storage.CurrentSchemaVersion,
		CreatedAt:     now,
		ExpiresAt:     now.Add(a.cfg.ttlFor(tile)),
		Metadata: storage.Metadata{
			Query:      idea,
			Topics:     []string{string(tile)},
			Confidence: td.Confidence,
		},
	}
	if err := a.store.Put(ctx, resp); err != nil {
		a.logger.Warn("persisting tile response failed", zap.String("tile", string(tile)), zap.Error(err))
		return
	}

	insight := storage.Insight{
		ID:                storage.InsightID(idea, string(tile)),
		Idea:              idea,
		TileType:          string(tile),
		Data:              td.Raw,
		Confidence:        td.Confidence,
		CreatedAt:         now,
		SourceResponseIDs: []string{id},
	}
	if err := a.store.PutInsight(ctx, insight); err != nil {
		a.logger.Warn("persisting tile insight failed", zap.String("tile", string(tile)), zap.Error(err))
	}
}
