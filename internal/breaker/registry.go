package breaker

import (
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kalambet/fitscope/internal/logging"
)

// Registry owns one Breaker per Key for its lifetime. Lookup-or-create is
// atomic, so concurrent callers never get two breakers for the same key.
type Registry struct {
	cfg    Config
	now    func() time.Time
	logger *zap.Logger

	mu       sync.Mutex
	breakers map[Key]*Breaker
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithClock overrides the clock used for cooldowns (tests).
func WithClock(now func() time.Time) RegistryOption {
	return func(r *Registry) { r.now = now }
}

// WithLogger sets the logger handed to every breaker.
func WithLogger(l *zap.Logger) RegistryOption {
	return func(r *Registry) { r.logger = l }
}

// NewRegistry creates an empty registry. Zero fields in cfg take DefaultConfig values.
func NewRegistry(cfg Config, opts ...RegistryOption) *Registry {
	r := &Registry{
		cfg:      cfg.withDefaults(),
		now:      time.Now,
		breakers: make(map[Key]*Breaker),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = logging.OrNop(r.logger)
	return r
}

// Get returns the breaker for key, creating it on first use.
func (r *Registry) Get(key Key) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if b, ok := r.breakers[key]; ok {
		return b
	}
	b := newBreaker(key, r.cfg, r.now, r.logger)
	r.breakers[key] = b
	return b
}

// Reset closes the breaker for key. It reports false if no breaker exists yet.
func (r *Registry) Reset(key Key) bool {
	r.mu.Lock()
	b, ok := r.breakers[key]
	r.mu.Unlock()
	if !ok {
		return false
	}
	b.reset()
	r.logger.Info("circuit breaker reset", zap.String("key", key.String()))
	return true
}

// Snapshot returns the state of every breaker, ordered by key.
func (r *Registry) Snapshot() []Snapshot {
	r.mu.Lock()
	list := make([]*Breaker, 0, len(r.breakers))
	for _, b := range r.breakers {
		list = append(list, b)
	}
	r.mu.Unlock()

	out := make([]Snapshot, len(list))
	for i, b := range list {
		out[i] = b.Snapshot()
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Key.Source != out[j].Key.Source {
			return out[i].Key.Source < out[j].Key.Source
		}
		return out[i].Key.Tile < out[j].Key.Tile
	})
	return out
}
