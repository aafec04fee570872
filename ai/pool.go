package ai

import (
	"context"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"github.com/agentflow-io/agentflow/core"
)

// TierSpec binds a named routing tier to a provider. Rank orders tiers
// by capability; the highest rank is "most capable" and serves as the
// fallback for verification and retry escalation.
type TierSpec struct {
	Name     string
	Provider Provider
	Rank     int
}

type poolSnapshot struct {
	tiers       map[string]TierSpec
	defaultTier string
}

// ClientPool holds the live tier-to-provider table. Lookups read an
// atomic snapshot; hot reloads swap the whole snapshot at once so a
// turn in flight keeps the table it started with.
type ClientPool struct {
	snapshot atomic.Value // poolSnapshot
	logger   core.Logger
}

// NewClientPool builds a pool from the given tiers. defaultTier must be
// one of them.
func NewClientPool(defaultTier string, tiers []TierSpec, logger core.Logger) (*ClientPool, error) {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	p := &ClientPool{logger: logger}
	if err := p.Swap(defaultTier, tiers); err != nil {
		return nil, err
	}
	return p, nil
}

// Swap atomically replaces the tier table.
func (p *ClientPool) Swap(defaultTier string, tiers []TierSpec) error {
	table := make(map[string]TierSpec, len(tiers))
	for _, spec := range tiers {
		if spec.Name == "" || spec.Provider == nil {
			return fmt.Errorf("client pool: %w: tier needs a name and a provider", core.ErrInvalidConfiguration)
		}
		if _, dup := table[spec.Name]; dup {
			return fmt.Errorf("client pool: %w: duplicate tier %q", core.ErrInvalidConfiguration, spec.Name)
		}
		table[spec.Name] = spec
	}
	if _, ok := table[defaultTier]; !ok {
		return fmt.Errorf("client pool: %w: default tier %q not configured", core.ErrInvalidConfiguration, defaultTier)
	}

	p.snapshot.Store(poolSnapshot{tiers: table, defaultTier: defaultTier})
	p.logger.Info("Provider pool updated", map[string]interface{}{
		"operation":    "pool_swap",
		"tiers":        len(table),
		"default_tier": defaultTier,
	})
	return nil
}

func (p *ClientPool) current() poolSnapshot {
	return p.snapshot.Load().(poolSnapshot)
}

// Get returns the provider for a tier name.
func (p *ClientPool) Get(tier string) (Provider, error) {
	snap := p.current()
	spec, ok := snap.tiers[tier]
	if !ok {
		return nil, fmt.Errorf("client pool: %w: %s", core.ErrTierNotFound, tier)
	}
	return spec.Provider, nil
}

// Default returns the default tier's provider.
func (p *ClientPool) Default() Provider {
	snap := p.current()
	return snap.tiers[snap.defaultTier].Provider
}

// DefaultTier returns the default tier's name.
func (p *ClientPool) DefaultTier() string {
	return p.current().defaultTier
}

// MostCapable returns the highest-ranked tier and its provider.
func (p *ClientPool) MostCapable() (string, Provider) {
	snap := p.current()
	var best *TierSpec
	for name := range snap.tiers {
		spec := snap.tiers[name]
		if best == nil || spec.Rank > best.Rank ||
			(spec.Rank == best.Rank && spec.Name < best.Name) {
			best = &spec
		}
	}
	return best.Name, best.Provider
}

// Names returns the configured tier names, sorted.
func (p *ClientPool) Names() []string {
	snap := p.current()
	names := make([]string, 0, len(snap.tiers))
	for name := range snap.tiers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Probe pings every probeable tier and drops unreachable ones from the
// table. The default tier is never dropped; a dead default should fail
// loudly at call time rather than silently rerouting everything.
func (p *ClientPool) Probe(ctx context.Context, timeout time.Duration) {
	snap := p.current()

	kept := make([]TierSpec, 0, len(snap.tiers))
	for name := range snap.tiers {
		spec := snap.tiers[name]
		pinger, ok := spec.Provider.(Pinger)
		if !ok || name == snap.defaultTier {
			kept = append(kept, spec)
			continue
		}

		probeCtx, cancel := context.WithTimeout(ctx, timeout)
		err := pinger.Ping(probeCtx)
		cancel()

		if err != nil {
			p.logger.Warn("Dropping unreachable tier", map[string]interface{}{
				"operation": "pool_probe",
				"tier":      name,
				"provider":  spec.Provider.Name(),
				"error":     err.Error(),
			})
			continue
		}
		kept = append(kept, spec)
	}

	// Swap cannot fail here: the default tier was kept unconditionally.
	_ = p.Swap(snap.defaultTier, kept)
}
