// Package dispatch drives delivery: it periodically claims due messages,
// applies rate and quiet-hour policy, classifies, renders, and hands the
// final text to the carrier, one atomic group at a time.
package dispatch

import (
	"context"
	"fmt"
	"os"
	"runtime/debug"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	logx "outpost/pkg/logx"

	"outpost/internal/carrier"
	"outpost/internal/outbound"
	"outpost/internal/ratelimit"
	"outpost/internal/relevance"
	"outpost/internal/render"
	"outpost/internal/storage"
)

// Config tunes the dispatcher.
type Config struct {
	// Interval between ticks. Informational here; the scheduler owns the
	// timer. Used to derive the claim TTL default.
	Interval time.Duration
	// BatchSize caps how many messages one tick claims. Default 50.
	BatchSize int
	// ClaimTTL is how long a claim may sit unfinished before another worker
	// may take it over. Default 5x Interval.
	ClaimTTL time.Duration
	// RetryDelay is how far a group is pushed out after a carrier failure.
	// Default 5m.
	RetryDelay time.Duration
	// WorkerID identifies this dispatcher instance in claims. Defaults to
	// the hostname and pid.
	WorkerID string
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = 30 * time.Second
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 50
	}
	if c.ClaimTTL <= 0 {
		c.ClaimTTL = 5 * c.Interval
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = 5 * time.Minute
	}
	if c.WorkerID == "" {
		host, _ := os.Hostname()
		c.WorkerID = fmt.Sprintf("%s-%d", host, os.Getpid())
	}
	return c
}

type Service struct {
	store      storage.Store
	limits     *ratelimit.Service
	classifier *relevance.Classifier
	renderer   *render.Renderer
	log        logx.Logger
	now        func() time.Time

	mu     sync.Mutex
	cfg    Config
	sender carrier.Adapter

	// ticking guards against overlapping ticks when a slow batch outlasts
	// the scheduler interval.
	ticking atomic.Bool
}

func New(store storage.Store, limits *ratelimit.Service, classifier *relevance.Classifier, renderer *render.Renderer, sender carrier.Adapter, cfg Config, log logx.Logger) *Service {
	return &Service{
		store:      store,
		limits:     limits,
		classifier: classifier,
		renderer:   renderer,
		sender:     sender,
		cfg:        cfg.withDefaults(),
		log:        log,
		now:        time.Now,
	}
}

// SetNow overrides the clock for tests.
func (s *Service) SetNow(now func() time.Time) { s.now = now }

// Apply swaps in new tuning at runtime.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.cfg = cfg.withDefaults()
	s.mu.Unlock()
}

// SetCarrier swaps the carrier adapter at runtime, used when the carrier
// endpoint or pacing changes on a config reload.
func (s *Service) SetCarrier(sender carrier.Adapter) {
	s.mu.Lock()
	s.sender = sender
	s.mu.Unlock()
}

func (s *Service) config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

func (s *Service) carrierAdapter() carrier.Adapter {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sender
}

// Tick processes one bounded batch of due messages. Calls are non-overlapping:
// if a previous tick is still running the call returns immediately. A failure
// in one group is logged and does not stop the rest of the batch.
func (s *Service) Tick(ctx context.Context) error {
	if !s.ticking.CompareAndSwap(false, true) {
		s.log.Debug("tick skipped, previous still running")
		return nil
	}
	defer s.ticking.Store(false)

	cfg := s.config()
	now := s.now()

	if n, err := s.store.ReleaseStaleClaims(ctx, now.Add(-cfg.ClaimTTL)); err != nil {
		s.log.Warn("stale claim release failed", logx.Err(err))
	} else if n > 0 {
		s.log.Info("released stale claims", logx.Int("count", n))
	}

	msgs, err := s.store.ClaimDue(ctx, now, cfg.BatchSize, cfg.WorkerID)
	if err != nil {
		return fmt.Errorf("claim due messages: %w", err)
	}
	if len(msgs) == 0 {
		return nil
	}

	groups := groupMessages(msgs)
	s.log.Debug("tick claimed batch",
		logx.Int("messages", len(msgs)), logx.Int("groups", len(groups)))

	for _, g := range groups {
		s.processGroupSafe(ctx, g)
	}
	return nil
}

// processGroupSafe isolates one group: a panic or error in it is logged and
// the batch continues.
func (s *Service) processGroupSafe(ctx context.Context, g []*outbound.Message) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("panic processing group",
				logx.String("group", g[0].GroupKey()),
				logx.Any("panic", r),
				logx.Stack(string(debug.Stack())))
		}
	}()
	if err := s.processGroup(ctx, g); err != nil {
		s.log.Error("group processing failed",
			logx.String("group", g[0].GroupKey()),
			logx.String("user_id", g[0].UserID),
			logx.Err(err))
	}
}

// groupMessages partitions a claimed batch into delivery groups, preserving
// the batch's priority-then-schedule order across groups and sorting members
// by sequence position within each.
func groupMessages(msgs []*outbound.Message) [][]*outbound.Message {
	byKey := make(map[string][]*outbound.Message)
	var order []string
	for _, m := range msgs {
		k := m.GroupKey()
		if _, seen := byKey[k]; !seen {
			order = append(order, k)
		}
		byKey[k] = append(byKey[k], m)
	}
	groups := make([][]*outbound.Message, 0, len(order))
	for _, k := range order {
		g := byKey[k]
		sort.Slice(g, func(i, j int) bool { return g[i].SequencePosition < g[j].SequencePosition })
		groups = append(groups, g)
	}
	return groups
}
