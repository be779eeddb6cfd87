// Package app assembles the outpost service: config, logging, storage,
// policy, dispatch, schedule, and the HTTP API.
package app

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	logx "outpost/pkg/logx"

	"outpost/internal/carrier"
	"outpost/internal/config"
	"outpost/internal/dispatch"
	"outpost/internal/httpapi"
	"outpost/internal/oracle"
	"outpost/internal/queue"
	"outpost/internal/ratelimit"
	"outpost/internal/relevance"
	"outpost/internal/render"
	"outpost/internal/storage"
	"outpost/internal/timing"
)

// inboundRetention is how long inbound activity rows are kept. They only
// serve the activity window and the classifier context, so a month is ample.
const inboundRetention = 30 * 24 * time.Hour

type App struct {
	cfgMgr *config.Manager
	logSvc *logx.Service
	log    logx.Logger

	store      storage.Store
	limits     *ratelimit.Service
	predictor  *timing.Predictor
	queue      *queue.Service
	dispatcher *dispatch.Service
	api        *httpapi.Server

	cron        *cron.Cron
	tickEntry   cron.EntryID
	tickEvery   time.Duration
	cancelWatch context.CancelFunc
	cfgCh       chan *config.Config
	wg          sync.WaitGroup
}

// New loads the config file and builds every service. Nothing runs until
// Start.
func New(cfgPath string) (*App, error) {
	mgr := config.NewManager(cfgPath)
	cfg, err := mgr.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	logSvc, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	mgr.SetLogger(log.With(logx.String("component", "config")))

	store, err := storage.Open(storage.Config{
		Driver:      cfg.Storage.Driver,
		Path:        cfg.Storage.Path,
		BusyTimeout: config.DurationOr(cfg.Storage.BusyTimeout, 0),
	}, log.With(logx.String("component", "storage")))
	if err != nil {
		_ = logSvc.Close()
		return nil, fmt.Errorf("open storage: %w", err)
	}

	policy, err := policyFromConfig(cfg)
	if err != nil {
		_ = store.Close()
		_ = logSvc.Close()
		return nil, err
	}
	limits := ratelimit.New(store, policy, log.With(logx.String("component", "ratelimit")))

	slots, err := slotsFromConfig(cfg)
	if err != nil {
		_ = store.Close()
		_ = logSvc.Close()
		return nil, err
	}
	predictor := timing.New(store, limits, timing.Config{Slots: slots},
		log.With(logx.String("component", "timing")))

	oracleClient, err := oracleFromConfig(cfg, log)
	if err != nil {
		_ = store.Close()
		_ = logSvc.Close()
		return nil, err
	}
	oracleTimeout := config.DurationOr(cfg.Dispatch.OracleTimeout, 20*time.Second)
	classifier := relevance.New(oracleClient, oracleTimeout,
		log.With(logx.String("component", "relevance")))
	renderer := render.New(oracleClient, oracleTimeout,
		log.With(logx.String("component", "render")))

	sender := carrierFromConfig(cfg, log)

	q := queue.New(store, limits, predictor, log.With(logx.String("component", "queue")))
	dispatcher := dispatch.New(store, limits, classifier, renderer, sender,
		dispatchFromConfig(cfg), log.With(logx.String("component", "dispatch")))

	a := &App{
		cfgMgr:     mgr,
		logSvc:     logSvc,
		log:        log,
		store:      store,
		limits:     limits,
		predictor:  predictor,
		queue:      q,
		dispatcher: dispatcher,
		tickEvery:  config.DurationOr(cfg.Dispatch.Interval, 30*time.Second),
	}
	if cfg.HTTP.Enabled {
		a.api = httpapi.NewServer(httpapi.Config{
			Addr:         cfg.HTTP.Addr,
			ReadTimeout:  config.DurationOr(cfg.HTTP.ReadTimeout, 10*time.Second),
			WriteTimeout: config.DurationOr(cfg.HTTP.WriteTimeout, 10*time.Second),
			IdleTimeout:  config.DurationOr(cfg.HTTP.IdleTimeout, time.Minute),
		}, q, limits, store, log.With(logx.String("component", "http")))
	}
	return a, nil
}

// Queue exposes the enqueue service for embedding callers.
func (a *App) Queue() *queue.Service { return a.queue }

func (a *App) Start(ctx context.Context) error {
	cfg := a.cfgMgr.Get()

	a.cron = cron.New()
	if cfg.Dispatch.Enabled {
		id, err := a.cron.AddFunc(fmt.Sprintf("@every %s", a.tickEvery), a.tick)
		if err != nil {
			return fmt.Errorf("schedule dispatch tick: %w", err)
		}
		a.tickEntry = id
	}
	if _, err := a.cron.AddFunc("@daily", a.housekeeping); err != nil {
		return fmt.Errorf("schedule housekeeping: %w", err)
	}
	a.cron.Start()

	if a.api != nil {
		if err := a.api.Start(); err != nil {
			return fmt.Errorf("start http api: %w", err)
		}
	}

	watchCtx, cancel := context.WithCancel(ctx)
	a.cancelWatch = cancel
	a.cfgCh = a.cfgMgr.Subscribe(1)
	a.wg.Add(2)
	go func() {
		defer a.wg.Done()
		if err := a.cfgMgr.Watch(watchCtx); err != nil && watchCtx.Err() == nil {
			a.log.Warn("config watch stopped", logx.Err(err))
		}
	}()
	go func() {
		defer a.wg.Done()
		for {
			select {
			case <-watchCtx.Done():
				return
			case next, ok := <-a.cfgCh:
				if !ok {
					return
				}
				a.applyReload(next)
			}
		}
	}()

	a.log.Info("outpost started",
		logx.Bool("dispatch", cfg.Dispatch.Enabled),
		logx.Bool("http", a.api != nil),
		logx.Duration("tick_interval", a.tickEvery))
	return nil
}

func (a *App) Stop(ctx context.Context) error {
	if a.cancelWatch != nil {
		a.cancelWatch()
	}
	if a.cron != nil {
		stopCtx := a.cron.Stop()
		select {
		case <-stopCtx.Done():
		case <-ctx.Done():
		}
	}
	if a.api != nil {
		a.api.Stop(ctx)
	}
	a.wg.Wait()
	if a.cfgCh != nil {
		a.cfgMgr.Unsubscribe(a.cfgCh)
	}
	err := a.store.Close()
	a.log.Info("outpost stopped")
	_ = a.logSvc.Close()
	return err
}

func (a *App) tick() {
	if err := a.dispatcher.Tick(context.Background()); err != nil {
		a.log.Error("dispatch tick failed", logx.Err(err))
	}
}

// applyReload pushes a validated config change into the running services.
// Storage, the oracle provider, and the HTTP bind address stay fixed for the
// process lifetime; changing those needs a restart.
func (a *App) applyReload(cfg *config.Config) {
	a.logSvc.Apply(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})

	policy, err := policyFromConfig(cfg)
	if err != nil {
		a.log.Error("reload: bad rate policy, keeping previous", logx.Err(err))
	} else {
		a.limits.Apply(policy)
	}

	a.dispatcher.Apply(dispatchFromConfig(cfg))
	a.dispatcher.SetCarrier(carrierFromConfig(cfg, a.log))

	if every := config.DurationOr(cfg.Dispatch.Interval, 30*time.Second); a.cron != nil && (every != a.tickEvery || cfg.Dispatch.Enabled != (a.tickEntry != 0)) {
		if a.tickEntry != 0 {
			a.cron.Remove(a.tickEntry)
			a.tickEntry = 0
		}
		if cfg.Dispatch.Enabled {
			id, err := a.cron.AddFunc(fmt.Sprintf("@every %s", every), a.tick)
			if err != nil {
				a.log.Error("reload: reschedule tick failed", logx.Err(err))
			} else {
				a.tickEntry = id
			}
		}
		a.tickEvery = every
	}

	a.log.Info("config reloaded")
}

// housekeeping prunes old inbound activity and requeues claims abandoned by
// crashed workers. Runs daily.
func (a *App) housekeeping() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	if n, err := a.store.PruneInboundBefore(ctx, time.Now().Add(-inboundRetention)); err != nil {
		a.log.Warn("inbound prune failed", logx.Err(err))
	} else if n > 0 {
		a.log.Info("pruned inbound activity", logx.Int("rows", n))
	}
	if n, err := a.store.ReleaseStaleClaims(ctx, time.Now().Add(-time.Hour)); err != nil {
		a.log.Warn("stale claim sweep failed", logx.Err(err))
	} else if n > 0 {
		a.log.Info("released stale claims", logx.Int("count", n))
	}
}

func policyFromConfig(cfg *config.Config) (ratelimit.Policy, error) {
	p := ratelimit.Policy{
		DailyCap:       cfg.Rate.DailyCap,
		HourlyCap:      cfg.Rate.HourlyCap,
		ActivityWindow: config.DurationOr(cfg.Rate.ActivityWindow, 10*time.Minute),
	}

	start, end := cfg.Rate.QuietStart, cfg.Rate.QuietEnd
	if start == "" {
		start = "22:00"
	}
	if end == "" {
		end = "08:00"
	}
	qs, err := ratelimit.ParseClock(start)
	if err != nil {
		return p, fmt.Errorf("rate.quiet_start: %w", err)
	}
	qe, err := ratelimit.ParseClock(end)
	if err != nil {
		return p, fmt.Errorf("rate.quiet_end: %w", err)
	}
	p.Quiet = ratelimit.Window{Start: qs, End: qe}

	if tz := cfg.Timing.Timezone; tz != "" {
		loc, err := time.LoadLocation(tz)
		if err != nil {
			return p, fmt.Errorf("timing.timezone: %w", err)
		}
		p.Location = loc
	}
	return p, nil
}

func slotsFromConfig(cfg *config.Config) ([]ratelimit.ClockTime, error) {
	slots := make([]ratelimit.ClockTime, 0, len(cfg.Timing.DefaultSlots))
	for i, raw := range cfg.Timing.DefaultSlots {
		ct, err := ratelimit.ParseClock(raw)
		if err != nil {
			return nil, fmt.Errorf("timing.default_slots[%d]: %w", i, err)
		}
		slots = append(slots, ct)
	}
	return slots, nil
}

func dispatchFromConfig(cfg *config.Config) dispatch.Config {
	return dispatch.Config{
		Interval:   config.DurationOr(cfg.Dispatch.Interval, 30*time.Second),
		BatchSize:  cfg.Dispatch.BatchSize,
		ClaimTTL:   config.DurationOr(cfg.Dispatch.ClaimTTL, 0),
		RetryDelay: config.DurationOr(cfg.Dispatch.RetryDelay, 0),
	}
}

func oracleFromConfig(cfg *config.Config, log logx.Logger) (oracle.Oracle, error) {
	return oracle.New(cfg.Oracle.Provider, cfg.Oracle.APIKey, cfg.Oracle.APIBase, cfg.Oracle.Model,
		log.With(logx.String("component", "oracle")))
}

func carrierFromConfig(cfg *config.Config, log logx.Logger) carrier.Adapter {
	clog := log.With(logx.String("component", "carrier"))
	if cfg.Carrier.Endpoint == "" {
		return carrier.NewLog(clog)
	}
	hook, err := carrier.NewWebhook(carrier.WebhookConfig{
		Endpoint:   cfg.Carrier.Endpoint,
		RatePerSec: cfg.Carrier.RatePerSec,
		Timeout:    config.DurationOr(cfg.Carrier.Timeout, 0),
	}, clog)
	if err != nil {
		log.Error("carrier webhook init failed, logging sends instead", logx.Err(err))
		return carrier.NewLog(clog)
	}
	return hook
}
