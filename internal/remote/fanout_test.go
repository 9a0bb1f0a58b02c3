package remote

import (
	"context"
	"errors"
	"testing"
)

func TestFanOut_CollectsPerHostResults(t *testing.T) {
	dialer := func(ctx context.Context, cfg Config) (PoolSession, error) {
		if cfg.Host == "down.example.com" {
			return nil, errors.New("connection refused")
		}
		s := newFakeSession()
		s.execStdout = "ok from " + cfg.Host
		return s, nil
	}
	pool := NewPool(2, WithDialer(dialer))

	cfgs := []Config{
		testConfig("a.example.com"),
		testConfig("down.example.com"),
		testConfig("b.example.com"),
	}
	results := FanOut(context.Background(), pool, cfgs, "systemctl status ssh", 2)

	if len(results) != 3 {
		t.Fatalf("got %d results, want 3", len(results))
	}
	if results[0].Host != "a.example.com" || results[0].Err != nil || results[0].Stdout != "ok from a.example.com" {
		t.Errorf("result[0] = %+v", results[0])
	}
	if results[1].Err == nil {
		t.Error("down host should carry an error entry")
	}
	if results[2].Err != nil {
		t.Errorf("one host's failure aborted another: %v", results[2].Err)
	}
}

func TestFanOut_ReleasesSessions(t *testing.T) {
	pool := NewPool(1, WithDialer(fakeDialer(nil)))
	cfgs := []Config{testConfig("h1"), testConfig("h2")}

	// Two rounds against the same pool with max 1 per endpoint: deadlock or
	// exhaustion here would mean fan-out leaked its sessions.
	for i := 0; i < 2; i++ {
		results := FanOut(context.Background(), pool, cfgs, "pwd", 4)
		for _, r := range results {
			if r.Err != nil {
				t.Fatalf("round %d host %s: %v", i, r.Host, r.Err)
			}
		}
	}

	for key, st := range pool.Stats() {
		if st.Active != 0 {
			t.Errorf("bucket %s still has %d active sessions", key, st.Active)
		}
	}
}
