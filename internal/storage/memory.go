package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"outpost/internal/outbound"
)

// Memory is an in-process Store used by tests and ephemeral runs.
// All group mutations hold one lock, so they are atomic the same way the
// sqlite driver's transactions are.
type Memory struct {
	mu        sync.Mutex
	messages  map[string]*outbound.Message
	budgets   map[string]outbound.RateBudget
	settings  map[string]outbound.UserSettings
	patterns  map[string]outbound.ResponsePattern
	inbound   map[string][]outbound.InboundMessage
	reformuls []outbound.ReformulationTask
}

func NewMemory() *Memory {
	return &Memory{
		messages: map[string]*outbound.Message{},
		budgets:  map[string]outbound.RateBudget{},
		settings: map[string]outbound.UserSettings{},
		patterns: map[string]outbound.ResponsePattern{},
		inbound:  map[string][]outbound.InboundMessage{},
	}
}

func (s *Memory) Close() error { return nil }

func (s *Memory) InsertMessage(ctx context.Context, m *outbound.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.messages[m.ID]; ok {
		return fmt.Errorf("insert %s: %w", m.ID, ErrConflict)
	}
	cp := *m
	s.messages[m.ID] = &cp
	return nil
}

func (s *Memory) InsertSequence(ctx context.Context, ms []*outbound.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range ms {
		if _, ok := s.messages[m.ID]; ok {
			return fmt.Errorf("insert %s: %w", m.ID, ErrConflict)
		}
	}
	for _, m := range ms {
		cp := *m
		s.messages[m.ID] = &cp
	}
	return nil
}

func (s *Memory) GetMessage(ctx context.Context, id string) (*outbound.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *m
	return &cp, nil
}

func (s *Memory) ClaimDue(ctx context.Context, now time.Time, limit int, claimedBy string) ([]*outbound.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []*outbound.Message
	for _, m := range s.messages {
		if m.Status == outbound.StatusQueued && m.ClaimedBy == "" && !m.ScheduledFor.After(now) {
			due = append(due, m)
		}
	}
	sort.SliceStable(due, func(i, j int) bool {
		a, b := due[i], due[j]
		if a.Priority.Rank() != b.Priority.Rank() {
			return a.Priority.Rank() < b.Priority.Rank()
		}
		if !a.ScheduledFor.Equal(b.ScheduledFor) {
			return a.ScheduledFor.Before(b.ScheduledFor)
		}
		return a.SequencePosition < b.SequencePosition
	})
	if len(due) > limit {
		// Keep whole sequences together past the cut.
		keep := due[:limit]
		seqs := map[string]bool{}
		for _, m := range keep {
			if m.SequenceID != "" {
				seqs[m.SequenceID] = true
			}
		}
		for _, m := range due[limit:] {
			if m.SequenceID != "" && seqs[m.SequenceID] {
				keep = append(keep, m)
			}
		}
		due = keep
	}

	out := make([]*outbound.Message, 0, len(due))
	for _, m := range due {
		m.ClaimedBy = claimedBy
		m.ClaimedAt = now
		cp := *m
		out = append(out, &cp)
	}
	return out, nil
}

func (s *Memory) RescheduleGroup(ctx context.Context, ids []string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		m, ok := s.messages[id]
		if !ok || m.Status != outbound.StatusQueued {
			return fmt.Errorf("reschedule %s: %w", id, ErrConflict)
		}
	}
	for _, id := range ids {
		m := s.messages[id]
		m.ScheduledFor = at
		m.ClaimedBy = ""
		m.ClaimedAt = time.Time{}
	}
	return nil
}

func (s *Memory) SaveFinalTexts(ctx context.Context, texts map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id := range texts {
		m, ok := s.messages[id]
		if !ok || m.Status != outbound.StatusQueued {
			return fmt.Errorf("save final text %s: %w", id, ErrConflict)
		}
	}
	for id, text := range texts {
		s.messages[id].FinalText = text
	}
	return nil
}

func (s *Memory) MarkGroupSent(ctx context.Context, texts map[string]string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id := range texts {
		m, ok := s.messages[id]
		if !ok || m.Status != outbound.StatusQueued {
			return fmt.Errorf("mark sent %s: %w", id, ErrConflict)
		}
	}
	for id, text := range texts {
		m := s.messages[id]
		m.Status = outbound.StatusSent
		m.FinalText = text
		m.SentAt = at
		m.ClaimedBy = ""
		m.ClaimedAt = time.Time{}
	}
	return nil
}

func (s *Memory) SupersedeGroup(ctx context.Context, ids []string, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		m, ok := s.messages[id]
		if !ok || m.Status != outbound.StatusQueued {
			return fmt.Errorf("supersede %s: %w", id, ErrConflict)
		}
	}
	for _, id := range ids {
		m := s.messages[id]
		m.Status = outbound.StatusSuperseded
		m.SupersededReason = reason
		m.ClaimedBy = ""
		m.ClaimedAt = time.Time{}
	}
	return nil
}

func (s *Memory) CancelMessage(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[id]
	if !ok || m.Status != outbound.StatusQueued {
		return ErrConflict
	}
	m.Status = outbound.StatusCancelled
	m.ClaimedBy = ""
	m.ClaimedAt = time.Time{}
	return nil
}

func (s *Memory) ReleaseStaleClaims(ctx context.Context, before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, m := range s.messages {
		if m.Status == outbound.StatusQueued && !m.ClaimedAt.IsZero() && m.ClaimedAt.Before(before) {
			m.ClaimedBy = ""
			m.ClaimedAt = time.Time{}
			n++
		}
	}
	return n, nil
}

func (s *Memory) GetBudget(ctx context.Context, userID string) (outbound.RateBudget, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.budgets[userID]
	if !ok {
		return outbound.RateBudget{UserID: userID}, nil
	}
	return b, nil
}

func (s *Memory) IncrementBudget(ctx context.Context, userID string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.budgets[userID]
	if !ok {
		b = outbound.RateBudget{UserID: userID}
	}
	b.Roll(now)
	b.DayCount++
	b.HourCount++
	b.UpdatedAt = now
	s.budgets[userID] = b
	return nil
}

func (s *Memory) GetUserSettings(ctx context.Context, userID string) (outbound.UserSettings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.settings[userID]
	if !ok {
		return outbound.UserSettings{UserID: userID}, nil
	}
	return u, nil
}

func (s *Memory) UpsertUserSettings(ctx context.Context, u outbound.UserSettings) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settings[u.UserID] = u
	return nil
}

func (s *Memory) RecordInbound(ctx context.Context, m outbound.InboundMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m.ReceivedAt.IsZero() {
		m.ReceivedAt = time.Now()
	}
	s.inbound[m.UserID] = append(s.inbound[m.UserID], m)
	return nil
}

func (s *Memory) LastInboundAt(ctx context.Context, userID string) (time.Time, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msgs := s.inbound[userID]
	if len(msgs) == 0 {
		return time.Time{}, false, nil
	}
	last := msgs[0].ReceivedAt
	for _, m := range msgs[1:] {
		if m.ReceivedAt.After(last) {
			last = m.ReceivedAt
		}
	}
	return last, true, nil
}

func (s *Memory) InboundSince(ctx context.Context, userID string, since time.Time, limit int) ([]outbound.InboundMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []outbound.InboundMessage
	for _, m := range s.inbound[userID] {
		if m.ReceivedAt.After(since) {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ReceivedAt.Before(out[j].ReceivedAt) })
	if len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (s *Memory) PruneInboundBefore(ctx context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for user, msgs := range s.inbound {
		kept := msgs[:0]
		for _, m := range msgs {
			if m.ReceivedAt.Before(cutoff) {
				n++
				continue
			}
			kept = append(kept, m)
		}
		s.inbound[user] = kept
	}
	return n, nil
}

func (s *Memory) GetPattern(ctx context.Context, userID string) (outbound.ResponsePattern, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.patterns[userID]
	if !ok {
		return outbound.ResponsePattern{UserID: userID}, ErrNotFound
	}
	return p, nil
}

func (s *Memory) SavePattern(ctx context.Context, p outbound.ResponsePattern) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.patterns[p.UserID] = p
	return nil
}

func (s *Memory) InsertReformulationTask(ctx context.Context, t outbound.ReformulationTask) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reformuls = append(s.reformuls, t)
	return nil
}

// ReformulationTasks returns a copy of the recorded tasks. Test helper.
func (s *Memory) ReformulationTasks() []outbound.ReformulationTask {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]outbound.ReformulationTask, len(s.reformuls))
	copy(out, s.reformuls)
	return out
}
