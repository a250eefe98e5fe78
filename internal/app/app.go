// Package app wires the scheduled-message engine together: config, store,
// sessions, quota gate, conversation flow, and the delivery dispatcher.
// All collaborators are explicit fields; there is no ambient global state.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"milo/internal/config"
	"milo/internal/dateparse"
	"milo/internal/dispatch"
	"milo/internal/flow"
	"milo/internal/identity"
	"milo/internal/quota"
	"milo/internal/schedule"
	"milo/internal/session"
	"milo/internal/store"
	"milo/internal/telemetry"
	"milo/internal/whatsapp"
	"milo/pkg/logx"
)

type App struct {
	log      logx.Logger
	logClose func() error

	store      *store.Store
	sessions   session.Store
	rdb        *redis.Client
	gate       *quota.Gate
	flow       *flow.Controller
	dispatcher *dispatch.Dispatcher
	client     whatsapp.Client
	norm       schedule.Normalizer

	cfgPath string
}

// New builds the full engine from a loaded config. The transport client
// is injected by the caller; tests pass a fake.
func New(cfgPath string, cfg *config.Config, client whatsapp.Client) (*App, error) {
	log, logClose := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File:    logx.FileConfig{Enabled: cfg.Logging.File.Enabled, Path: cfg.Logging.File.Path},
	})

	ref := time.Local
	if cfg.Bot.Timezone != "" {
		loc, err := time.LoadLocation(cfg.Bot.Timezone)
		if err != nil {
			_ = logClose()
			return nil, fmt.Errorf("bot.timezone: %w", err)
		}
		ref = loc
	}

	st, err := store.Open(store.Config{
		Driver:      cfg.Storage.Driver,
		Path:        storagePath(cfg),
		DSN:         cfg.Storage.DSN,
		BusyTimeout: config.Duration(cfg.Storage.BusyTimeout, 5*time.Second),
	}, log.With(logx.String("comp", "store")))
	if err != nil {
		_ = logClose()
		return nil, err
	}

	var sessions session.Store
	var rdb *redis.Client
	if cfg.Sessions.Driver == "redis" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Sessions.Redis.Addr,
			Password: cfg.Sessions.Redis.Password,
			DB:       cfg.Sessions.Redis.DB,
		})
		sessions = session.NewRedis(rdb, config.Duration(cfg.Sessions.TTL, 30*time.Minute))
	} else {
		sessions = session.NewMemory()
	}

	premium := make(map[string]bool, len(cfg.Quota.PremiumPhones))
	for _, p := range cfg.Quota.PremiumPhones {
		if phone, err := identity.CanonicalPhone(p); err == nil {
			premium[phone] = true
		}
	}
	gate := quota.NewGate(st, quota.Static{Premium: premium, Limit: cfg.Quota.PremiumLimit},
		quota.Config{FreeLimit: cfg.Quota.FreeLimit, PremiumLimit: cfg.Quota.PremiumLimit},
		log.With(logx.String("comp", "quota")))

	norm := schedule.Normalizer{Ref: ref}
	parser := dateparse.Parser{}
	ctl := flow.NewController(sessions, st, gate, client, parser, norm,
		log.With(logx.String("comp", "flow")))

	sink := telemetry.LogSink{Log: log.With(logx.String("comp", "telemetry"))}
	disp := dispatch.New(dispatchConfig(cfg), st, client, sink,
		log.With(logx.String("comp", "dispatch")))
	disp.KnownUser = func(ctx context.Context, phone string) bool {
		known, err := st.KnownCreator(ctx, phone)
		return err == nil && known
	}

	return &App{
		log:        log,
		logClose:   logClose,
		store:      st,
		sessions:   sessions,
		rdb:        rdb,
		gate:       gate,
		flow:       ctl,
		dispatcher: disp,
		client:     client,
		norm:       norm,
		cfgPath:    cfgPath,
	}, nil
}

// Start launches the dispatcher, runs one immediate catch-up sweep, and
// begins applying config file changes live.
func (a *App) Start(ctx context.Context) error {
	if err := a.dispatcher.Start(ctx); err != nil {
		return err
	}
	go a.dispatcher.Tick(ctx)

	go func() {
		err := config.Watch(ctx, a.cfgPath, a.log.With(logx.String("comp", "config")), func(cfg *config.Config) {
			a.dispatcher.Apply(ctx, dispatchConfig(cfg))
			a.gate.Apply(quota.Config{FreeLimit: cfg.Quota.FreeLimit, PremiumLimit: cfg.Quota.PremiumLimit})
		})
		if err != nil {
			a.log.Warn("config watch unavailable", logx.Err(err))
		}
	}()

	a.log.Info("milo started")
	return nil
}

func (a *App) Stop() {
	a.dispatcher.Stop()
	if a.rdb != nil {
		_ = a.rdb.Close()
	}
	if err := a.store.Close(); err != nil {
		a.log.Warn("store close failed", logx.Err(err))
	}
	a.log.Info("milo stopped")
	_ = a.logClose()
}

func dispatchConfig(cfg *config.Config) dispatch.Config {
	return dispatch.Config{
		Interval:        config.Duration(cfg.Dispatcher.Interval, time.Minute),
		Grace:           config.Duration(cfg.Dispatcher.Grace, time.Minute),
		LookaheadMargin: config.Duration(cfg.Dispatcher.LookaheadMargin, 5*time.Minute),
		BatchSize:       cfg.Dispatcher.BatchSize,
		MaxAttempts:     cfg.Dispatcher.MaxAttempts,
		SendTimeout:     config.Duration(cfg.Dispatcher.SendTimeout, 10*time.Second),
	}
}

func storagePath(cfg *config.Config) string {
	if cfg.Storage.Path != "" {
		return cfg.Storage.Path
	}
	return "./milo.db"
}
