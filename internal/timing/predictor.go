// Package timing picks the future moment a delayable message is most likely
// to be read, from the user's learned response pattern or a default heuristic.
package timing

import (
	"context"
	"errors"
	"sort"
	"time"

	logx "outpost/pkg/logx"

	"outpost/internal/ratelimit"
	"outpost/internal/storage"
)

// policyReader is the slice of the rate limit service the predictor needs.
type policyReader interface {
	IsUserActive(ctx context.Context, userID string) bool
	IsQuietHours(ctx context.Context, userID string, t time.Time) bool
	QuietEndAfter(ctx context.Context, userID string, t time.Time) time.Time
	Location(ctx context.Context, userID string) *time.Location
}

// Config is the fallback heuristic for users without a learned pattern.
type Config struct {
	// Slots are the default daily send slots, local to the user.
	Slots []ratelimit.ClockTime
}

func (c Config) withDefaults() Config {
	if len(c.Slots) == 0 {
		// Mid-morning and mid-afternoon.
		c.Slots = []ratelimit.ClockTime{{Hour: 10}, {Hour: 15}}
	}
	return c
}

type Predictor struct {
	store  storage.Store
	policy policyReader
	cfg    Config
	log    logx.Logger
	now    func() time.Time
}

func New(store storage.Store, policy policyReader, cfg Config, log logx.Logger) *Predictor {
	return &Predictor{
		store:  store,
		policy: policy,
		cfg:    cfg.withDefaults(),
		log:    log,
		now:    time.Now,
	}
}

// SetNow overrides the clock. Test helper.
func (p *Predictor) SetNow(now func() time.Time) { p.now = now }

// OptimalSendTime returns when a delayable message for this user should next
// be attempted. Currently-active users get "now"; everyone else gets a
// strictly future timestamp.
func (p *Predictor) OptimalSendTime(ctx context.Context, userID string) time.Time {
	now := p.now()
	if p.policy.IsUserActive(ctx, userID) {
		return now
	}

	loc := p.policy.Location(ctx, userID)
	pattern, err := p.store.GetPattern(ctx, userID)
	if err == nil && len(pattern.BestHours) > 0 {
		if pattern.Timezone != "" {
			if l, lerr := time.LoadLocation(pattern.Timezone); lerr == nil {
				loc = l
			}
		}
		if t, ok := p.fromPattern(ctx, userID, now.In(loc), pattern.BestHours, pattern.BestDays); ok {
			return t
		}
		// Pattern produced nothing usable; fall through to the heuristic.
	} else if err != nil && !errors.Is(err, storage.ErrNotFound) {
		p.log.Warn("pattern lookup failed", logx.String("user_id", userID), logx.Err(err))
	}

	return p.fromDefaults(ctx, userID, now.In(loc))
}

// fromPattern finds the earliest future day/hour combination satisfying the
// learned sets, advancing past quiet hours.
func (p *Predictor) fromPattern(ctx context.Context, userID string, now time.Time, hours, days []int) (time.Time, bool) {
	sorted := append([]int(nil), hours...)
	sort.Ints(sorted)

	for off := 0; off < 14; off++ {
		day := now.AddDate(0, 0, off)
		if len(days) > 0 && !containsInt(days, int(day.Weekday())) {
			continue
		}
		for _, h := range sorted {
			if h < 0 || h > 23 {
				continue
			}
			y, mo, d := day.Date()
			cand := time.Date(y, mo, d, h, 0, 0, 0, now.Location())
			if !cand.After(now) {
				continue
			}
			if p.policy.IsQuietHours(ctx, userID, cand) {
				cand = p.policy.QuietEndAfter(ctx, userID, cand)
			}
			if cand.After(now) {
				return cand, true
			}
		}
	}
	return time.Time{}, false
}

// fromDefaults picks the next fixed weekday slot, rolling over weekends and
// advancing past quiet hours.
func (p *Predictor) fromDefaults(ctx context.Context, userID string, now time.Time) time.Time {
	for off := 0; off < 8; off++ {
		day := now.AddDate(0, 0, off)
		if wd := day.Weekday(); wd == time.Saturday || wd == time.Sunday {
			continue
		}
		for _, slot := range p.cfg.Slots {
			y, mo, d := day.Date()
			cand := time.Date(y, mo, d, slot.Hour, slot.Minute, 0, 0, now.Location())
			if !cand.After(now) {
				continue
			}
			if p.policy.IsQuietHours(ctx, userID, cand) {
				cand = p.policy.QuietEndAfter(ctx, userID, cand)
			}
			if cand.After(now) {
				return cand
			}
		}
	}
	// Every candidate evaporated (degenerate quiet window config).
	// Never return a past time; an hour out is a safe floor.
	return now.Add(time.Hour)
}

// RecordResponse appends the observed response hour/weekday to the user's
// pattern. Distinct values only; nothing is ever removed automatically.
func (p *Predictor) RecordResponse(ctx context.Context, userID string, respondedAt time.Time) error {
	loc := p.policy.Location(ctx, userID)

	pattern, err := p.store.GetPattern(ctx, userID)
	if errors.Is(err, storage.ErrNotFound) {
		pattern.UserID = userID
		pattern.Timezone = loc.String()
	} else if err != nil {
		return err
	}
	if pattern.Timezone != "" {
		if l, lerr := time.LoadLocation(pattern.Timezone); lerr == nil {
			loc = l
		}
	}

	local := respondedAt.In(loc)
	if h := local.Hour(); !pattern.HasHour(h) {
		pattern.BestHours = append(pattern.BestHours, h)
	}
	if d := int(local.Weekday()); !pattern.HasDay(d) {
		pattern.BestDays = append(pattern.BestDays, d)
	}
	pattern.LastUpdated = p.now()

	return p.store.SavePattern(ctx, pattern)
}

func containsInt(vs []int, v int) bool {
	for _, x := range vs {
		if x == v {
			return true
		}
	}
	return false
}
