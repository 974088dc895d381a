package connector

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/polisai/polis-privacy/internal/governance"
	"github.com/polisai/polis-privacy/pkg/domain"
)

// Kind names a connector implementation. The set is closed: adding a kind
// means adding a case to build.
type Kind string

const (
	KindMemory      Kind = "memory"
	KindAsyncMemory Kind = "async_memory"
	KindEmail       Kind = "email"
)

// ConnectionConfig describes one configured connection.
type ConnectionConfig struct {
	Key            string
	Kind           Kind
	Rows           map[string][]domain.Row // memory kinds: collection -> seed rows
	PendingPolls   int                     // async_memory: polls before a job is ready
	Recipient      string                  // email: where instructions go
	CallTimeout    time.Duration
	RateLimit      governance.RateLimiterConfig
	CircuitBreaker governance.CircuitBreakerConfig
}

// Registry resolves connection keys to governed connectors.
type Registry struct {
	mu       sync.RWMutex
	raw      map[string]Connector
	governed map[string]Connector
	timeouts map[string]time.Duration
	limits   map[string]governance.RateLimiterConfig
	limiter  *governance.RateLimiter
	breakers *governance.CircuitBreakerSet
	logger   *slog.Logger
}

// NewRegistry builds every configured connection.
func NewRegistry(configs []ConnectionConfig, logger *slog.Logger) (*Registry, error) {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{
		raw:      make(map[string]Connector),
		governed: make(map[string]Connector),
		timeouts: make(map[string]time.Duration),
		limits:   make(map[string]governance.RateLimiterConfig),
		limiter:  governance.NewRateLimiter(nil),
		breakers: governance.NewCircuitBreakerSet(governance.CircuitBreakerConfig{
			MaxFailures:         governance.DefaultCircuitBreakerConfig().MaxFailures,
			Timeout:             governance.DefaultCircuitBreakerConfig().Timeout,
			MaxHalfOpenRequests: 1,
			IsFailure:           countsAgainstCircuit,
		}),
		logger: logger,
	}
	for _, cfg := range configs {
		c, err := build(cfg, logger)
		if err != nil {
			return nil, err
		}
		r.Register(cfg, c)
	}
	return r, nil
}

func build(cfg ConnectionConfig, logger *slog.Logger) (Connector, error) {
	switch cfg.Kind {
	case KindMemory:
		m := NewMemoryConnector()
		for collection, rows := range cfg.Rows {
			m.Seed(collection, rows...)
		}
		return m, nil
	case KindAsyncMemory:
		a := NewAsyncMemoryConnector(cfg.PendingPolls)
		for collection, rows := range cfg.Rows {
			a.Seed(collection, rows...)
		}
		return a, nil
	case KindEmail:
		return NewEmailConnector(cfg.Key, cfg.Recipient, logger.With("connection", cfg.Key)), nil
	default:
		return nil, fmt.Errorf("%w: connection %q has unknown kind %q", domain.ErrConfigInvalid, cfg.Key, cfg.Kind)
	}
}

// countsAgainstCircuit keeps validation failures from tripping a breaker.
func countsAgainstCircuit(err error) bool {
	return !errors.Is(err, ErrInvalidSecrets) &&
		!errors.Is(err, ErrUnsupportedMasking) &&
		!errors.Is(err, context.Canceled)
}

// Register installs (or replaces) a connector under cfg.Key.
func (r *Registry) Register(cfg ConnectionConfig, c Connector) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cfg.CircuitBreaker.MaxFailures > 0 {
		r.breakers.Configure(cfg.Key, cfg.CircuitBreaker)
	}
	if cfg.RateLimit.RequestsPerSecond > 0 {
		r.limits[cfg.Key] = cfg.RateLimit
		r.limiter.Configure(r.limits)
	}
	r.timeouts[cfg.Key] = cfg.CallTimeout
	r.raw[cfg.Key] = c

	g := &governedConnector{
		key:     cfg.Key,
		inner:   c,
		limiter: r.limiter,
		breaker: r.breakers.Get(cfg.Key),
		timeout: cfg.CallTimeout,
	}
	if async, ok := c.(AsyncConnector); ok {
		r.governed[cfg.Key] = &governedAsyncConnector{governedConnector: g, async: async}
	} else {
		r.governed[cfg.Key] = g
	}
}

// Get returns the governed connector for key.
func (r *Registry) Get(key string) (Connector, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.governed[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrConnectionNotFound, key)
	}
	return c, nil
}

// Raw returns the unwrapped connector, mainly for inspection in tests and tools.
func (r *Registry) Raw(key string) (Connector, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.raw[key]
	return c, ok
}

// Keys lists the registered connection keys.
func (r *Registry) Keys() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	keys := make([]string, 0, len(r.raw))
	for k := range r.raw {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

// EmailConnectors returns every email connector, ordered by key.
func (r *Registry) EmailConnectors() []*EmailConnector {
	var out []*EmailConnector
	for _, key := range r.Keys() {
		c, _ := r.Raw(key)
		if e, ok := c.(*EmailConnector); ok {
			out = append(out, e)
		}
	}
	return out
}

// BreakerStates reports the circuit state of every connection.
func (r *Registry) BreakerStates() map[string]governance.CircuitBreakerState {
	return r.breakers.States()
}

type governedConnector struct {
	key     string
	inner   Connector
	limiter *governance.RateLimiter
	breaker *governance.CircuitBreaker
	timeout time.Duration
}

func (g *governedConnector) call(ctx context.Context, fn func(context.Context) error) error {
	if !g.limiter.AllowContext(ctx, g.key) {
		if err := ctx.Err(); err != nil {
			return err
		}
		return fmt.Errorf("%w: %s", ErrRateLimited, g.key)
	}
	return g.breaker.ExecuteContext(ctx, func(ctx context.Context) error {
		callCtx, cancel := governance.WithCallTimeout(ctx, g.timeout)
		defer cancel()
		return fn(callCtx)
	})
}

func (g *governedConnector) Capabilities() Capabilities {
	return CapabilitiesOf(g.inner)
}

func (g *governedConnector) Query(ctx context.Context, req QueryRequest) ([]domain.Row, error) {
	var rows []domain.Row
	err := g.call(ctx, func(ctx context.Context) error {
		var err error
		rows, err = g.inner.Query(ctx, req)
		return err
	})
	return rows, err
}

func (g *governedConnector) Mutate(ctx context.Context, req MutateRequest) (int, error) {
	var n int
	err := g.call(ctx, func(ctx context.Context) error {
		var err error
		n, err = g.inner.Mutate(ctx, req)
		return err
	})
	return n, err
}

func (g *governedConnector) PropagateConsent(ctx context.Context, req ConsentRequest) error {
	return g.call(ctx, func(ctx context.Context) error {
		return g.inner.PropagateConsent(ctx, req)
	})
}

type governedAsyncConnector struct {
	*governedConnector
	async AsyncConnector
}

func (g *governedAsyncConnector) Start(ctx context.Context, job AsyncJob) (string, error) {
	var ref string
	err := g.call(ctx, func(ctx context.Context) error {
		var err error
		ref, err = g.async.Start(ctx, job)
		return err
	})
	return ref, err
}

func (g *governedAsyncConnector) Poll(ctx context.Context, jobRef string) (PollStatus, error) {
	var status PollStatus
	err := g.call(ctx, func(ctx context.Context) error {
		var err error
		status, err = g.async.Poll(ctx, jobRef)
		return err
	})
	return status, err
}

func (g *governedAsyncConnector) FetchResult(ctx context.Context, jobRef string) (AsyncResult, error) {
	var result AsyncResult
	err := g.call(ctx, func(ctx context.Context) error {
		var err error
		result, err = g.async.FetchResult(ctx, jobRef)
		return err
	})
	return result, err
}
