// Package inflight tracks long-running operations that must keep going after
// the caller that started them stops watching.
package inflight

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kalambet/fitscope/internal/logging"
	"github.com/kalambet/fitscope/internal/metrics"
)

var (
	// ErrDuplicateOperation is returned when an id is registered while a
	// previous operation with the same id is still pending.
	ErrDuplicateOperation = errors.New("operation already pending")
	// ErrInvalidOperation is returned for an empty id or a nil function.
	ErrInvalidOperation = errors.New("invalid operation")
	// ErrNotFound is returned by Wait for ids the registry does not know.
	ErrNotFound = errors.New("operation not found")
)

// Kind classifies an operation.
type Kind string

const (
	KindFetch   Kind = "fetch"
	KindCompute Kind = "compute"
	KindEnhance Kind = "enhance"
)

// Func is the tracked work. ctx is cancelled when the operation's session is
// cleared or the registry is closed, never when the registering caller goes away.
type Func func(ctx context.Context) (any, error)

// Operation describes one tracked operation.
type Operation struct {
	ID        string    `json:"id"`
	Kind      Kind      `json:"kind"`
	SessionID string    `json:"session_id,omitempty"`
	StartedAt time.Time `json:"started_at"`
}

// Outcome is a settled operation and what it produced.
type Outcome struct {
	Operation
	Result    any       `json:"result,omitempty"`
	Err       error     `json:"-"`
	SettledAt time.Time `json:"settled_at"`
}

type entry struct {
	op     Operation
	cancel context.CancelFunc
	done   chan struct{}
}

// Config controls retention of resolved operations.
type Config struct {
	Retention     time.Duration // resolved entries older than this are swept
	SweepInterval time.Duration // cadence of Run
}

// DefaultConfig keeps resolved results for 30 minutes and sweeps every minute.
func DefaultConfig() Config {
	return Config{Retention: 30 * time.Minute, SweepInterval: time.Minute}
}

// Option configures a Registry.
type Option func(*Registry)

// WithClock overrides time.Now (tests).
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// WithLogger sets the registry logger.
func WithLogger(l *zap.Logger) Option {
	return func(r *Registry) { r.logger = l }
}

// WithBus publishes settlement events on b instead of a private bus.
func WithBus(b *Bus) Option {
	return func(r *Registry) { r.bus = b }
}

// Registry owns pending and resolved operations. Operations run under the
// registry's own context, so they outlive the request that started them.
type Registry struct {
	cfg    Config
	now    func() time.Time
	logger *zap.Logger
	bus    *Bus

	ctx  context.Context
	stop context.CancelFunc
	wg   sync.WaitGroup

	mu       sync.Mutex
	pending  map[string]*entry
	resolved map[string]*Outcome
}

// NewRegistry creates a registry. Zero Config fields take DefaultConfig values.
func NewRegistry(cfg Config, opts ...Option) *Registry {
	d := DefaultConfig()
	if cfg.Retention <= 0 {
		cfg.Retention = d.Retention
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = d.SweepInterval
	}
	ctx, stop := context.WithCancel(context.Background())
	r := &Registry{
		cfg:      cfg,
		now:      time.Now,
		ctx:      ctx,
		stop:     stop,
		pending:  make(map[string]*entry),
		resolved: make(map[string]*Outcome),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = logging.OrNop(r.logger)
	if r.bus == nil {
		r.bus = NewBus()
	}
	return r
}

// Bus returns the bus settlement events are published on.
func (r *Registry) Bus() *Bus {
	return r.bus
}

// Register starts fn in the background and tracks it under id. A resolved
// result for the same id is discarded.
func (r *Registry) Register(id string, kind Kind, sessionID string, fn Func) (Operation, error) {
	if id == "" || fn == nil {
		return Operation{}, ErrInvalidOperation
	}
	if kind == "" {
		kind = KindFetch
	}

	r.mu.Lock()
	if r.ctx.Err() != nil {
		r.mu.Unlock()
		return Operation{}, fmt.Errorf("registering %s: registry closed: %w", id, ErrInvalidOperation)
	}
	if _, ok := r.pending[id]; ok {
		r.mu.Unlock()
		return Operation{}, fmt.Errorf("registering %s: %w", id, ErrDuplicateOperation)
	}
	ctx, cancel := context.WithCancel(r.ctx)
	e := &entry{
		op:     Operation{ID: id, Kind: kind, SessionID: sessionID, StartedAt: r.now()},
		cancel: cancel,
		done:   make(chan struct{}),
	}
	delete(r.resolved, id)
	r.pending[id] = e
	metrics.InflightPending.Set(float64(len(r.pending)))
	r.wg.Add(1)
	r.mu.Unlock()

	r.logger.Debug("operation registered",
		zap.String("id", id),
		zap.String("kind", string(kind)),
		zap.String("session_id", sessionID),
	)

	go r.run(ctx, e, fn)
	return e.op, nil
}

func (r *Registry) run(ctx context.Context, e *entry, fn Func) {
	defer r.wg.Done()
	defer close(e.done)
	defer e.cancel()

	result, err := call(ctx, fn)
	r.settle(ctx, e, result, err)
}

func call(ctx context.Context, fn Func) (result any, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("operation panicked: %v", p)
		}
	}()
	return fn(ctx)
}

func (r *Registry) settle(ctx context.Context, e *entry, result any, err error) {
	id := e.op.ID

	r.mu.Lock()
	if r.pending[id] != e {
		// Session clearing already removed it.
		r.mu.Unlock()
		return
	}
	delete(r.pending, id)
	metrics.InflightPending.Set(float64(len(r.pending)))

	// A cancelled run is dropped whatever it returned: operations that
	// degrade instead of failing still come back with a nil error.
	if ctx.Err() != nil {
		r.mu.Unlock()
		r.logger.Debug("operation cancelled", zap.String("id", id))
		return
	}

	out := &Outcome{Operation: e.op, Result: result, Err: err, SettledAt: r.now()}
	r.resolved[id] = out
	r.mu.Unlock()

	ev := Event{ID: id, Kind: e.op.Kind, SessionID: e.op.SessionID, Result: result, Err: err}
	if err != nil {
		ev.Name = EventFailed
		r.logger.Warn("operation failed", zap.String("id", id), zap.Error(err))
	} else {
		ev.Name = EventCompleted
		r.logger.Debug("operation completed", zap.String("id", id))
	}
	r.bus.Publish(ev)
}

// IsPending reports whether id is still running.
func (r *Registry) IsPending(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.pending[id]
	return ok
}

// Result returns the resolved outcome for id, if any.
func (r *Registry) Result(id string) (Outcome, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out, ok := r.resolved[id]
	if !ok {
		return Outcome{}, false
	}
	return *out, true
}

// Wait blocks until id settles or ctx is done. A cancelled operation yields
// an error wrapping context.Canceled.
func (r *Registry) Wait(ctx context.Context, id string) (Outcome, error) {
	r.mu.Lock()
	if out, ok := r.resolved[id]; ok {
		r.mu.Unlock()
		return *out, nil
	}
	e, ok := r.pending[id]
	r.mu.Unlock()
	if !ok {
		return Outcome{}, fmt.Errorf("waiting for %s: %w", id, ErrNotFound)
	}

	select {
	case <-ctx.Done():
		return Outcome{}, ctx.Err()
	case <-e.done:
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if out, ok := r.resolved[id]; ok && out.StartedAt.Equal(e.op.StartedAt) {
		return *out, nil
	}
	return Outcome{}, fmt.Errorf("waiting for %s: %w", id, context.Canceled)
}

// SessionOperations lists the pending operations of one session, oldest first.
func (r *Registry) SessionOperations(sessionID string) []Operation {
	r.mu.Lock()
	var ops []Operation
	for _, e := range r.pending {
		if e.op.SessionID == sessionID {
			ops = append(ops, e.op)
		}
	}
	r.mu.Unlock()

	sort.Slice(ops, func(i, j int) bool {
		if !ops[i].StartedAt.Equal(ops[j].StartedAt) {
			return ops[i].StartedAt.Before(ops[j].StartedAt)
		}
		return ops[i].ID < ops[j].ID
	})
	return ops
}

// ClearSessionOperations cancels every pending operation of one session and
// drops them without notification. It returns the number cancelled.
func (r *Registry) ClearSessionOperations(sessionID string) int {
	r.mu.Lock()
	var cancelled []*entry
	for id, e := range r.pending {
		if e.op.SessionID == sessionID {
			delete(r.pending, id)
			cancelled = append(cancelled, e)
		}
	}
	metrics.InflightPending.Set(float64(len(r.pending)))
	r.mu.Unlock()

	for _, e := range cancelled {
		e.cancel()
	}
	if len(cancelled) > 0 {
		r.logger.Info("session operations cleared",
			zap.String("session_id", sessionID),
			zap.Int("cancelled", len(cancelled)),
		)
	}
	return len(cancelled)
}

// SweepOlderThan drops resolved outcomes settled more than maxAge ago and
// returns how many were dropped.
func (r *Registry) SweepOlderThan(maxAge time.Duration) int {
	cutoff := r.now().Add(-maxAge)

	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for id, out := range r.resolved {
		if out.SettledAt.Before(cutoff) {
			delete(r.resolved, id)
			n++
		}
	}
	return n
}

// Run sweeps resolved outcomes on a fixed cadence until ctx is cancelled.
func (r *Registry) Run(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := r.SweepOlderThan(r.cfg.Retention); n > 0 {
				r.logger.Debug("swept resolved operations", zap.Int("count", n))
			}
		}
	}
}

// Close cancels every pending operation and waits for their goroutines.
func (r *Registry) Close() {
	r.mu.Lock()
	r.stop()
	r.mu.Unlock()
	r.wg.Wait()
}
