package gate

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/tinywideclouds/go-marketplace-notifications/pkg/dispatch"
	urn "github.com/tinywideclouds/go-platform/pkg/net/v1"
)

// Registry owns one Gate per user. A gate is mounted (created and its
// preferences loaded) on first use and torn down by Evict, Close or, when an
// idle TTL is set, by Sweep.
type Registry struct {
	transport dispatch.Transport
	store     dispatch.PreferenceStore
	logger    *slog.Logger
	idleTTL   time.Duration
	now       func() time.Time

	mu    sync.Mutex
	gates map[string]*mount
}

type mount struct {
	gate *Gate

	// lastUsed is guarded by Registry.mu.
	lastUsed time.Time

	loadMu   sync.Mutex
	loaded   bool
	loadedAt time.Time
}

type Option func(*Registry)

// WithIdleTTL makes Sweep evict gates that have not been used for ttl, and
// makes Get reload preferences that were last read more than ttl ago.
func WithIdleTTL(ttl time.Duration) Option {
	return func(r *Registry) {
		r.idleTTL = ttl
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		r.now = now
	}
}

func NewRegistry(transport dispatch.Transport, store dispatch.PreferenceStore, logger *slog.Logger, opts ...Option) *Registry {
	r := &Registry{
		transport: transport,
		store:     store,
		logger:    logger,
		now:       time.Now,
		gates:     make(map[string]*mount),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Get returns the user's gate, mounting it on first access. Concurrent calls
// for the same user share a single preference load. A failed load leaves the
// gate on its current preferences and is retried by the next Get.
func (r *Registry) Get(ctx context.Context, user urn.URN) *Gate {
	key := user.String()
	now := r.now()

	r.mu.Lock()
	m, ok := r.gates[key]
	if !ok {
		m = &mount{gate: New(user, r.transport, r.store, r.logger)}
		r.gates[key] = m
	}
	m.lastUsed = now
	r.mu.Unlock()

	m.loadMu.Lock()
	defer m.loadMu.Unlock()
	if m.loaded && !r.expired(m.loadedAt, now) {
		return m.gate
	}
	if err := m.gate.refreshPreferences(ctx); err != nil {
		m.gate.logger.Warn("Failed to load notification preferences, retrying on next use", "err", err)
		return m.gate
	}
	m.loaded = true
	m.loadedAt = now
	return m.gate
}

// Lookup returns the gate only if it is already mounted.
func (r *Registry) Lookup(user urn.URN) (*Gate, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.gates[user.String()]
	if !ok {
		return nil, false
	}
	return m.gate, true
}

// Len returns the number of mounted gates.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.gates)
}

// Evict unmounts the user's gate, if any.
func (r *Registry) Evict(ctx context.Context, user urn.URN) {
	r.mu.Lock()
	m, ok := r.gates[user.String()]
	delete(r.gates, user.String())
	r.mu.Unlock()

	if ok {
		m.gate.Close(ctx)
	}
}

// Sweep closes and unmounts every gate idle for longer than the idle TTL.
// It returns the number of gates evicted.
func (r *Registry) Sweep(ctx context.Context) int {
	if r.idleTTL <= 0 {
		return 0
	}
	now := r.now()

	var idle []*mount
	r.mu.Lock()
	for key, m := range r.gates {
		if r.expired(m.lastUsed, now) {
			idle = append(idle, m)
			delete(r.gates, key)
		}
	}
	r.mu.Unlock()

	for _, m := range idle {
		m.gate.Close(ctx)
	}
	if len(idle) > 0 {
		r.logger.Debug("Idle notification gates evicted", "count", len(idle))
	}
	return len(idle)
}

// RunEviction sweeps every half idle TTL until ctx is done. It returns
// immediately when no idle TTL is set.
func (r *Registry) RunEviction(ctx context.Context) {
	if r.idleTTL <= 0 {
		return
	}
	ticker := time.NewTicker(r.idleTTL / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Sweep(ctx)
		}
	}
}

// Close unmounts every gate.
func (r *Registry) Close(ctx context.Context) {
	r.mu.Lock()
	gates := r.gates
	r.gates = make(map[string]*mount)
	r.mu.Unlock()

	for _, m := range gates {
		m.gate.Close(ctx)
	}
	r.logger.Debug("Notification gates closed", "count", len(gates))
}

func (r *Registry) expired(since, now time.Time) bool {
	return r.idleTTL > 0 && now.Sub(since) > r.idleTTL
}
