// Package ratelimit decides whether a delivery attempt is currently allowed
// for a user: rolling daily/hourly caps, quiet hours, and the recent-activity
// override.
package ratelimit

import (
	"context"
	"sync"
	"time"

	logx "outpost/pkg/logx"

	"outpost/internal/outbound"
	"outpost/internal/storage"
)

// Denial reasons reported by CheckLimits.
const (
	ReasonDailyLimit  = "daily_limit"
	ReasonHourlyLimit = "hourly_limit"
)

// Policy is the default sending policy; per-user settings override it.
type Policy struct {
	DailyCap       int
	HourlyCap      int
	Quiet          Window
	ActivityWindow time.Duration
	Location       *time.Location
}

func (p Policy) withDefaults() Policy {
	if p.DailyCap <= 0 {
		p.DailyCap = 10
	}
	if p.HourlyCap <= 0 {
		p.HourlyCap = 2
	}
	if p.ActivityWindow <= 0 {
		p.ActivityWindow = 10 * time.Minute
	}
	if p.Location == nil {
		p.Location = time.UTC
	}
	return p
}

// Decision is the outcome of a rate budget check.
type Decision struct {
	Allowed         bool
	Reason          string
	NextAvailableAt time.Time
}

type Service struct {
	store storage.Store
	log   logx.Logger
	now   func() time.Time

	mu     sync.Mutex
	policy Policy
}

func New(store storage.Store, policy Policy, log logx.Logger) *Service {
	return &Service{
		store:  store,
		log:    log,
		now:    time.Now,
		policy: policy.withDefaults(),
	}
}

// SetNow overrides the clock. Test helper.
func (s *Service) SetNow(now func() time.Time) { s.now = now }

// Apply swaps the default policy at runtime (config hot reload).
func (s *Service) Apply(policy Policy) {
	s.mu.Lock()
	s.policy = policy.withDefaults()
	s.mu.Unlock()
}

func (s *Service) currentPolicy() Policy {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.policy
}

// Location returns the user's timezone, falling back to the default policy
// location when the user has no override (or an invalid one).
func (s *Service) Location(ctx context.Context, userID string) *time.Location {
	pol := s.currentPolicy()
	u, err := s.store.GetUserSettings(ctx, userID)
	if err != nil || u.Timezone == "" {
		return pol.Location
	}
	loc, err := time.LoadLocation(u.Timezone)
	if err != nil {
		s.log.Warn("invalid user timezone; using default",
			logx.String("user_id", userID), logx.String("tz", u.Timezone))
		return pol.Location
	}
	return loc
}

// CheckLimits reports whether the user has rate budget left right now.
// When denied, NextAvailableAt is the start of the window in which the
// exhausted cap resets.
func (s *Service) CheckLimits(ctx context.Context, userID string) (Decision, error) {
	pol := s.currentPolicy()

	// One settings read covers caps and timezone.
	dailyCap, hourlyCap := pol.DailyCap, pol.HourlyCap
	loc := pol.Location
	if u, err := s.store.GetUserSettings(ctx, userID); err == nil {
		if u.DailyCap > 0 {
			dailyCap = u.DailyCap
		}
		if u.HourlyCap > 0 {
			hourlyCap = u.HourlyCap
		}
		if u.Timezone != "" {
			if l, err := time.LoadLocation(u.Timezone); err == nil {
				loc = l
			}
		}
	}
	now := s.now().In(loc)

	b, err := s.store.GetBudget(ctx, userID)
	if err != nil {
		return Decision{}, err
	}
	b.Roll(now)

	if b.DayCount >= dailyCap {
		return Decision{
			Allowed:         false,
			Reason:          ReasonDailyLimit,
			NextAvailableAt: outbound.DayWindowStart(now).AddDate(0, 0, 1),
		}, nil
	}
	if b.HourCount >= hourlyCap {
		return Decision{
			Allowed:         false,
			Reason:          ReasonHourlyLimit,
			NextAvailableAt: outbound.HourWindowStart(now).Add(time.Hour),
		}, nil
	}
	return Decision{Allowed: true}, nil
}

// QuietWindow resolves the user's quiet window (override or default).
func (s *Service) QuietWindow(ctx context.Context, userID string) Window {
	pol := s.currentPolicy()
	w := pol.Quiet
	u, err := s.store.GetUserSettings(ctx, userID)
	if err != nil {
		return w
	}
	if u.QuietStart != "" && u.QuietEnd != "" {
		start, err1 := ParseClock(u.QuietStart)
		end, err2 := ParseClock(u.QuietEnd)
		if err1 == nil && err2 == nil {
			w = Window{Start: start, End: end}
		}
	}
	return w
}

// IsQuietHours reports whether t falls in the user's quiet window,
// evaluated in the user's timezone.
func (s *Service) IsQuietHours(ctx context.Context, userID string, t time.Time) bool {
	return s.QuietWindow(ctx, userID).Contains(t.In(s.Location(ctx, userID)))
}

// QuietEndAfter returns the first moment at or after t outside the user's
// quiet window.
func (s *Service) QuietEndAfter(ctx context.Context, userID string, t time.Time) time.Time {
	return s.QuietWindow(ctx, userID).EndAfter(t.In(s.Location(ctx, userID)))
}

// IsUserActive reports whether the user sent an inbound message within the
// trailing activity window. An active user bypasses quiet hours but never
// the caps.
func (s *Service) IsUserActive(ctx context.Context, userID string) bool {
	pol := s.currentPolicy()
	last, ok, err := s.store.LastInboundAt(ctx, userID)
	if err != nil {
		s.log.Warn("activity lookup failed", logx.String("user_id", userID), logx.Err(err))
		return false
	}
	if !ok {
		return false
	}
	return s.now().Sub(last) <= pol.ActivityWindow
}

// IncrementBudget charges one send against the user's counters. Called
// exactly once per delivered group, never per member.
func (s *Service) IncrementBudget(ctx context.Context, userID string) error {
	now := s.now().In(s.Location(ctx, userID))
	return s.store.IncrementBudget(ctx, userID, now)
}
