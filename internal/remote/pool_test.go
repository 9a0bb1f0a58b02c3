package remote

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"testing"
)

// fakeSession implements PoolSession for offline pool tests.
type fakeSession struct {
	alive  atomic.Bool
	closed atomic.Bool

	execCode   int
	execStdout string
	execErr    error
}

func newFakeSession() *fakeSession {
	s := &fakeSession{}
	s.alive.Store(true)
	return s
}

func (s *fakeSession) Alive() bool { return s.alive.Load() }

func (s *fakeSession) Close() error {
	s.closed.Store(true)
	s.alive.Store(false)
	return nil
}

func (s *fakeSession) Exec(ctx context.Context, cmd string) (int, string, string, error) {
	return s.execCode, s.execStdout, "", s.execErr
}

func (s *fakeSession) ReadFile(path string) (string, error) { return "", nil }

func (s *fakeSession) WriteFile(path, content string, mode os.FileMode, backup func(string) string, temp func(string) string) error {
	return nil
}

func testConfig(host string) Config {
	return Config{Endpoint: Endpoint{Protocol: "ssh", Host: host, Port: 22, User: "root"}}
}

func fakeDialer(dialed *atomic.Int32) DialFunc {
	return func(ctx context.Context, cfg Config) (PoolSession, error) {
		if dialed != nil {
			dialed.Add(1)
		}
		return newFakeSession(), nil
	}
}

func TestPool_AcquireReuseRelease(t *testing.T) {
	var dialed atomic.Int32
	pool := NewPool(2, WithDialer(fakeDialer(&dialed)))
	cfg := testConfig("h1")
	ctx := context.Background()

	s1, err := pool.Acquire(ctx, cfg)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	pool.Release(cfg, s1)

	s2, err := pool.Acquire(ctx, cfg)
	if err != nil {
		t.Fatalf("Acquire after release: %v", err)
	}
	if s2 != s1 {
		t.Error("expected idle session to be reused")
	}
	if dialed.Load() != 1 {
		t.Errorf("dialed %d times, want 1", dialed.Load())
	}
}

func TestPool_ExhaustionFailsFast(t *testing.T) {
	pool := NewPool(2, WithDialer(fakeDialer(nil)))
	cfg := testConfig("h1")
	ctx := context.Background()

	if _, err := pool.Acquire(ctx, cfg); err != nil {
		t.Fatalf("first Acquire: %v", err)
	}
	if _, err := pool.Acquire(ctx, cfg); err != nil {
		t.Fatalf("second Acquire: %v", err)
	}
	_, err := pool.Acquire(ctx, cfg)
	if !errors.Is(err, ErrPoolExhausted) {
		t.Fatalf("third Acquire err = %v, want ErrPoolExhausted", err)
	}
}

func TestPool_ConcurrentExhaustion(t *testing.T) {
	pool := NewPool(2, WithDialer(fakeDialer(nil)))
	cfg := testConfig("h1")

	var ok, exhausted atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := pool.Acquire(context.Background(), cfg)
			switch {
			case err == nil:
				ok.Add(1)
			case errors.Is(err, ErrPoolExhausted):
				exhausted.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if ok.Load() != 2 || exhausted.Load() != 1 {
		t.Errorf("ok=%d exhausted=%d, want 2/1", ok.Load(), exhausted.Load())
	}
}

func TestPool_InvariantUnderConcurrency(t *testing.T) {
	const max = 3
	pool := NewPool(max, WithDialer(fakeDialer(nil)))
	cfg := testConfig("h1")

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				s, err := pool.Acquire(context.Background(), cfg)
				if err != nil {
					continue
				}
				pool.Release(cfg, s)
			}
		}()
	}

	donePolling := make(chan struct{})
	go func() {
		defer close(donePolling)
		for i := 0; i < 1000; i++ {
			for _, st := range pool.Stats() {
				if st.Total > max {
					t.Errorf("invariant violated: total=%d > max=%d", st.Total, max)
					return
				}
			}
		}
	}()

	wg.Wait()
	<-donePolling

	for _, st := range pool.Stats() {
		if st.Total > max {
			t.Errorf("final invariant violated: total=%d > max=%d", st.Total, max)
		}
	}
}

func TestPool_DeadSessionDiscarded(t *testing.T) {
	var dialed atomic.Int32
	pool := NewPool(2, WithDialer(fakeDialer(&dialed)))
	cfg := testConfig("h1")
	ctx := context.Background()

	s, _ := pool.Acquire(ctx, cfg)
	pool.Release(cfg, s)

	// Kill the idle session; the next acquire must dial a fresh one.
	s.(*fakeSession).alive.Store(false)
	s2, err := pool.Acquire(ctx, cfg)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if s2 == s {
		t.Error("dead session was returned from the pool")
	}
	if !s.(*fakeSession).closed.Load() {
		t.Error("dead session was not closed")
	}
	if dialed.Load() != 2 {
		t.Errorf("dialed %d times, want 2", dialed.Load())
	}
}

func TestPool_ReleaseDeadSessionNotPooled(t *testing.T) {
	pool := NewPool(2, WithDialer(fakeDialer(nil)))
	cfg := testConfig("h1")

	s, _ := pool.Acquire(context.Background(), cfg)
	s.(*fakeSession).alive.Store(false)
	pool.Release(cfg, s)

	st := pool.Stats()[cfg.Endpoint.Key()]
	if st.Pooled != 0 || st.Active != 0 {
		t.Errorf("stats = %+v, want empty bucket", st)
	}
	if !s.(*fakeSession).closed.Load() {
		t.Error("dead session not closed on release")
	}
}

func TestPool_PerEndpointIsolation(t *testing.T) {
	pool := NewPool(1, WithDialer(fakeDialer(nil)))
	ctx := context.Background()

	if _, err := pool.Acquire(ctx, testConfig("h1")); err != nil {
		t.Fatalf("h1: %v", err)
	}
	// h1 is at capacity; h2 must be unaffected.
	if _, err := pool.Acquire(ctx, testConfig("h2")); err != nil {
		t.Fatalf("h2: %v", err)
	}
	if _, err := pool.Acquire(ctx, testConfig("h1")); !errors.Is(err, ErrPoolExhausted) {
		t.Fatalf("h1 second acquire err = %v, want ErrPoolExhausted", err)
	}
}

func TestPool_CloseAll(t *testing.T) {
	pool := NewPool(4, WithDialer(fakeDialer(nil)))
	ctx := context.Background()

	sessions := make([]PoolSession, 0, 3)
	for i := 0; i < 3; i++ {
		s, err := pool.Acquire(ctx, testConfig(fmt.Sprintf("h%d", i)))
		if err != nil {
			t.Fatalf("Acquire: %v", err)
		}
		sessions = append(sessions, s)
	}
	for i, s := range sessions {
		pool.Release(testConfig(fmt.Sprintf("h%d", i)), s)
	}

	pool.CloseAll()

	for i, s := range sessions {
		if !s.(*fakeSession).closed.Load() {
			t.Errorf("session %d not closed", i)
		}
	}
	for key, st := range pool.Stats() {
		if st.Total != 0 {
			t.Errorf("bucket %s not drained: %+v", key, st)
		}
	}
}
