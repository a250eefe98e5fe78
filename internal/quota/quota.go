// Package quota enforces the per-creator ceiling on concurrently pending
// scheduled messages. The "daily limit" is a concurrent-pending cap, not a
// rolling 24h rate: a job that stays pending keeps counting.
package quota

import (
	"context"
	"sync"

	"milo/pkg/logx"
)

// PendingCounter is the slice of the job store the gate needs.
type PendingCounter interface {
	CountPending(ctx context.Context, creatorPhone string) (int, error)
}

// Config carries the static fallback limits. A limit of 0 means unlimited.
type Config struct {
	FreeLimit    int
	PremiumLimit int
}

// Result is the gate's verdict for one creator.
type Result struct {
	Allowed   bool
	Remaining int
	Limit     int // 0 means unlimited
	Current   int
	IsPremium bool
}

type Gate struct {
	counter PendingCounter
	ent     Entitlements
	log     logx.Logger

	mu  sync.RWMutex
	cfg Config
}

func NewGate(counter PendingCounter, ent Entitlements, cfg Config, log logx.Logger) *Gate {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Gate{counter: counter, ent: ent, cfg: normalize(cfg), log: log}
}

func normalize(cfg Config) Config {
	if cfg.FreeLimit <= 0 {
		cfg.FreeLimit = 3
	}
	return cfg
}

// Apply swaps the static limits at runtime (config hot reload).
func (g *Gate) Apply(cfg Config) {
	g.mu.Lock()
	g.cfg = normalize(cfg)
	g.mu.Unlock()
}

func (g *Gate) config() Config {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.cfg
}

// Check reports whether the creator may schedule another message.
//
// Entitlement lookups degrade to the static config defaults when the
// collaborator is unavailable; the gate itself never fails the primary
// operation over a tier lookup.
func (g *Gate) Check(ctx context.Context, creatorPhone string) (Result, error) {
	cfg := g.config()
	premium := false
	limit := cfg.FreeLimit
	if g.ent != nil {
		p, err := g.ent.IsPremium(ctx, creatorPhone)
		if err != nil {
			g.log.Warn("entitlement lookup failed, using free tier defaults",
				logx.String("creator", creatorPhone), logx.Err(err))
		} else {
			premium = p
		}
	}
	if premium {
		limit = cfg.PremiumLimit
		if g.ent != nil {
			if l, err := g.ent.PremiumLimit(ctx); err == nil {
				limit = l
			}
		}
	}

	if limit == 0 {
		// Unlimited tier bypasses counting entirely.
		return Result{Allowed: true, Limit: 0, IsPremium: premium}, nil
	}

	current, err := g.counter.CountPending(ctx, creatorPhone)
	if err != nil {
		return Result{}, err
	}
	remaining := limit - current
	if remaining < 0 {
		remaining = 0
	}
	return Result{
		Allowed:   current < limit,
		Remaining: remaining,
		Limit:     limit,
		Current:   current,
		IsPremium: premium,
	}, nil
}
