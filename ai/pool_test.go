package ai

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/agentflow-io/agentflow/core"
)

// stubProvider is a canned-response Provider for pool tests.
type stubProvider struct {
	name    string
	pingErr error
	pinged  bool
}

func (s *stubProvider) Name() string { return s.name }

func (s *stubProvider) Generate(ctx context.Context, req Request) (*Response, error) {
	return &Response{Content: "ok", Provider: s.name}, nil
}

func (s *stubProvider) GenerateStream(ctx context.Context, req Request, fn StreamFunc) (*Response, error) {
	return s.Generate(ctx, req)
}

func (s *stubProvider) Ping(ctx context.Context) error {
	s.pinged = true
	return s.pingErr
}

func testTiers() []TierSpec {
	return []TierSpec{
		{Name: "fast", Provider: &stubProvider{name: "local"}, Rank: 1},
		{Name: "standard", Provider: &stubProvider{name: "openai"}, Rank: 2},
		{Name: "advanced", Provider: &stubProvider{name: "anthropic"}, Rank: 3},
	}
}

func TestPoolGetAndDefault(t *testing.T) {
	pool, err := NewClientPool("fast", testTiers(), nil)
	if err != nil {
		t.Fatalf("NewClientPool: %v", err)
	}

	p, err := pool.Get("standard")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if p.Name() != "openai" {
		t.Errorf("Get(standard) = %s, want openai", p.Name())
	}

	if pool.Default().Name() != "local" {
		t.Errorf("Default() = %s, want local", pool.Default().Name())
	}
	if pool.DefaultTier() != "fast" {
		t.Errorf("DefaultTier() = %s, want fast", pool.DefaultTier())
	}

	if _, err := pool.Get("turbo"); !errors.Is(err, core.ErrTierNotFound) {
		t.Errorf("Get(turbo) err = %v, want ErrTierNotFound", err)
	}
}

func TestPoolMostCapable(t *testing.T) {
	pool, err := NewClientPool("fast", testTiers(), nil)
	if err != nil {
		t.Fatalf("NewClientPool: %v", err)
	}
	tier, provider := pool.MostCapable()
	if tier != "advanced" || provider.Name() != "anthropic" {
		t.Errorf("MostCapable() = %s/%s, want advanced/anthropic", tier, provider.Name())
	}
}

func TestPoolSwapValidation(t *testing.T) {
	pool, err := NewClientPool("fast", testTiers(), nil)
	if err != nil {
		t.Fatalf("NewClientPool: %v", err)
	}

	if err := pool.Swap("missing", testTiers()); !errors.Is(err, core.ErrInvalidConfiguration) {
		t.Errorf("Swap with unknown default: err = %v", err)
	}

	dup := append(testTiers(), TierSpec{Name: "fast", Provider: &stubProvider{name: "x"}, Rank: 9})
	if err := pool.Swap("fast", dup); !errors.Is(err, core.ErrInvalidConfiguration) {
		t.Errorf("Swap with duplicate tier: err = %v", err)
	}

	// Failed swaps leave the previous table intact
	if _, err := pool.Get("standard"); err != nil {
		t.Errorf("table lost after rejected swap: %v", err)
	}
}

func TestProbeDropsUnreachableNonDefaultTiers(t *testing.T) {
	dead := &stubProvider{name: "dead", pingErr: fmt.Errorf("connection refused")}
	alive := &stubProvider{name: "alive"}
	defaultDead := &stubProvider{name: "default-dead", pingErr: fmt.Errorf("connection refused")}

	tiers := []TierSpec{
		{Name: "fast", Provider: defaultDead, Rank: 1},
		{Name: "standard", Provider: alive, Rank: 2},
		{Name: "advanced", Provider: dead, Rank: 3},
	}
	pool, err := NewClientPool("fast", tiers, nil)
	if err != nil {
		t.Fatalf("NewClientPool: %v", err)
	}

	pool.Probe(context.Background(), time.Second)

	if _, err := pool.Get("advanced"); !errors.Is(err, core.ErrTierNotFound) {
		t.Errorf("unreachable tier survived probe: err = %v", err)
	}
	if _, err := pool.Get("standard"); err != nil {
		t.Errorf("reachable tier dropped: %v", err)
	}
	// The default tier stays even when its ping would fail
	if _, err := pool.Get("fast"); err != nil {
		t.Errorf("default tier dropped: %v", err)
	}
	if defaultDead.pinged {
		t.Error("default tier was pinged; it is exempt from probing")
	}
}
