// Package dispatch is the delivery engine: a single polling sweep that
// selects due scheduled messages, pushes them through the WhatsApp
// transport, records every attempt, and re-enqueues recurring jobs.
package dispatch

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/time/rate"

	"milo/internal/store"
	"milo/internal/telemetry"
	"milo/internal/whatsapp"
	"milo/pkg/logx"
)

// Config controls sweep timing and retry policy.
type Config struct {
	// Interval between sweeps. Default 1m.
	Interval time.Duration
	// Grace allows slightly-early dispatch of a due job. Default 1m.
	Grace time.Duration
	// LookaheadMargin widens the backward window beyond interval+grace so
	// jobs missed during transient downtime are still picked up. Default 5m.
	LookaheadMargin time.Duration
	// BatchSize caps how many jobs one sweep selects. Default 50.
	BatchSize int
	// MaxAttempts before a job fails permanently. Default 3.
	MaxAttempts int
	// SendTimeout bounds each individual send. Default 10s.
	SendTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = time.Minute
	}
	if c.Grace <= 0 {
		c.Grace = time.Minute
	}
	if c.LookaheadMargin <= 0 {
		c.LookaheadMargin = 5 * time.Minute
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 50
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 10 * time.Second
	}
	return c
}

// lookahead is the backward reach of the selection window.
func (c Config) lookahead() time.Duration {
	return c.Interval + c.Grace + c.LookaheadMargin
}

// JobStore is the slice of the store the dispatcher needs.
type JobStore interface {
	SelectDue(ctx context.Context, now time.Time, lookahead, grace time.Duration, limit int) ([]store.Job, error)
	CompleteAndReschedule(ctx context.Context, id int64, whatsappMessageID string, next *store.Job) error
	RecordAttempt(ctx context.Context, id int64) error
	MarkFailed(ctx context.Context, id int64) error
	AppendLog(ctx context.Context, e store.LogEntry) error
}

type Dispatcher struct {
	jobs   JobStore
	client whatsapp.Client
	sink   telemetry.Sink
	log    logx.Logger

	// Now is the sweep clock, overridable in tests.
	Now func() time.Time
	// KnownUser reports whether a phone belongs to an existing Milo user;
	// unknown recipients get an onboarding line appended. Optional.
	KnownUser func(ctx context.Context, phone string) bool

	mu  sync.Mutex
	cfg Config
	c   *cron.Cron

	// running is the non-reentrancy guard: a new sweep never starts while
	// the previous one is executing.
	running atomic.Bool

	// readyLog rate-limits "transport not ready" noise. The readiness
	// check itself still runs every sweep.
	readyLog *rate.Limiter
}

func New(cfg Config, jobs JobStore, client whatsapp.Client, sink telemetry.Sink, log logx.Logger) *Dispatcher {
	if sink == nil {
		sink = telemetry.Nop{}
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Dispatcher{
		jobs:     jobs,
		client:   client,
		sink:     sink,
		log:      log,
		Now:      time.Now,
		cfg:      cfg.withDefaults(),
		readyLog: rate.NewLimiter(rate.Every(5*time.Minute), 1),
	}
}

// Start begins the recurring sweep. The first sweep runs after one
// interval; callers wanting an immediate catch-up call Tick themselves.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.c != nil {
		return nil
	}
	return d.startLocked(ctx)
}

func (d *Dispatcher) startLocked(ctx context.Context) error {
	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	spec := fmt.Sprintf("@every %s", d.cfg.Interval)
	if _, err := c.AddFunc(spec, func() { d.Tick(ctx) }); err != nil {
		return fmt.Errorf("dispatch: register sweep: %w", err)
	}
	c.Start()
	d.c = c
	d.log.Info("dispatcher started",
		logx.Duration("interval", d.cfg.Interval),
		logx.Duration("grace", d.cfg.Grace),
		logx.Duration("lookahead", d.cfg.lookahead()),
		logx.Int("batch", d.cfg.BatchSize))
	return nil
}

// Stop halts the sweep loop. An in-flight sweep finishes on its own.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	c := d.c
	d.c = nil
	d.mu.Unlock()
	if c != nil {
		<-c.Stop().Done()
		d.log.Info("dispatcher stopped")
	}
}

// Apply swaps the config at runtime; a changed interval restarts the
// sweep loop.
func (d *Dispatcher) Apply(ctx context.Context, cfg Config) {
	cfg = cfg.withDefaults()
	d.mu.Lock()
	restart := d.c != nil && cfg.Interval != d.cfg.Interval
	d.cfg = cfg
	c := d.c
	if restart {
		d.c = nil
	}
	d.mu.Unlock()

	if restart {
		<-c.Stop().Done()
		d.mu.Lock()
		if err := d.startLocked(ctx); err != nil {
			d.log.Error("dispatcher restart after config change failed", logx.Err(err))
		}
		d.mu.Unlock()
	}
}

func (d *Dispatcher) config() Config {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cfg
}
