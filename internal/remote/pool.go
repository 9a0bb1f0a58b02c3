package remote

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"

	"go.uber.org/zap"
)

// ErrPoolExhausted is returned when an endpoint already has the maximum
// number of sessions and no idle one is live. Acquire fails fast; it never
// blocks waiting for capacity.
var ErrPoolExhausted = errors.New("connection pool exhausted")

// PoolSession is the session contract the pool manages. *Session satisfies
// it; tests substitute fakes.
type PoolSession interface {
	Alive() bool
	Close() error
	Exec(ctx context.Context, cmd string) (int, string, string, error)
	ReadFile(path string) (string, error)
	WriteFile(path, content string, mode os.FileMode, backup func(string) string, temp func(string) string) error
}

// DialFunc establishes a new authenticated session.
type DialFunc func(ctx context.Context, cfg Config) (PoolSession, error)

// Pool multiplexes reusable sessions across heterogeneous endpoints. Each
// endpoint gets its own bucket with its own lock, so operations against
// distinct endpoints never contend.
type Pool struct {
	max  int
	dial DialFunc
	log  *zap.Logger

	mu      sync.Mutex // guards the bucket map only
	buckets map[string]*bucket
}

type bucket struct {
	mu     sync.Mutex
	idle   []PoolSession
	active int
}

// PoolStats is a point-in-time view of one endpoint's bucket.
type PoolStats struct {
	Pooled int
	Active int
	Total  int
}

// Option configures a Pool.
type Option func(*Pool)

// WithDialer overrides session establishment (used by tests and the
// sandbox-less fan-out tests).
func WithDialer(d DialFunc) Option {
	return func(p *Pool) { p.dial = d }
}

// WithLogger attaches a logger; defaults to a nop logger.
func WithLogger(log *zap.Logger) Option {
	return func(p *Pool) { p.log = log }
}

// NewPool creates a pool allowing up to maxPerEndpoint sessions per
// endpoint identity.
func NewPool(maxPerEndpoint int, opts ...Option) *Pool {
	if maxPerEndpoint <= 0 {
		maxPerEndpoint = 5
	}
	p := &Pool{
		max: maxPerEndpoint,
		dial: func(ctx context.Context, cfg Config) (PoolSession, error) {
			return dial(ctx, cfg)
		},
		log:     zap.NewNop(),
		buckets: make(map[string]*bucket),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Pool) bucket(key string) *bucket {
	p.mu.Lock()
	defer p.mu.Unlock()
	b, ok := p.buckets[key]
	if !ok {
		b = &bucket{}
		p.buckets[key] = b
	}
	return b
}

// Acquire returns an idle live session for the endpoint, or establishes a
// new one while capacity remains. The invariant active+idle <= max holds
// throughout: a slot is reserved before dialing and returned on failure.
func (p *Pool) Acquire(ctx context.Context, cfg Config) (PoolSession, error) {
	key := cfg.Endpoint.Key()
	b := p.bucket(key)

	b.mu.Lock()
	for len(b.idle) > 0 {
		s := b.idle[len(b.idle)-1]
		b.idle = b.idle[:len(b.idle)-1]
		if s.Alive() {
			b.active++
			b.mu.Unlock()
			return s, nil
		}
		_ = s.Close()
		p.log.Debug("discarded dead pooled session", zap.String("endpoint", key))
	}
	if b.active >= p.max {
		b.mu.Unlock()
		return nil, fmt.Errorf("%w for %s (max %d)", ErrPoolExhausted, key, p.max)
	}
	b.active++ // reserve the slot before the (slow) dial
	b.mu.Unlock()

	s, err := p.dial(ctx, cfg)
	if err != nil {
		b.mu.Lock()
		b.active--
		b.mu.Unlock()
		return nil, err
	}
	p.log.Debug("established session", zap.String("endpoint", key))
	return s, nil
}

// Release returns a checked-out session. Live sessions go back on the idle
// list; dead ones are closed and discarded.
func (p *Pool) Release(cfg Config, s PoolSession) {
	if s == nil {
		return
	}
	b := p.bucket(cfg.Endpoint.Key())
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.active > 0 {
		b.active--
	}
	if s.Alive() {
		b.idle = append(b.idle, s)
		return
	}
	_ = s.Close()
}

// CloseAll drains every bucket, closes every idle session, and resets
// counters. Intended for process shutdown.
func (p *Pool) CloseAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for key, b := range p.buckets {
		b.mu.Lock()
		for _, s := range b.idle {
			_ = s.Close()
		}
		b.idle = nil
		b.active = 0
		b.mu.Unlock()
		p.log.Debug("drained bucket", zap.String("endpoint", key))
	}
}

// Stats reports per-endpoint pool occupancy.
func (p *Pool) Stats() map[string]PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]PoolStats, len(p.buckets))
	for key, b := range p.buckets {
		b.mu.Lock()
		out[key] = PoolStats{
			Pooled: len(b.idle),
			Active: b.active,
			Total:  len(b.idle) + b.active,
		}
		b.mu.Unlock()
	}
	return out
}
