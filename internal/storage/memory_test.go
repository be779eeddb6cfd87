package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"outpost/internal/outbound"
)

func queued(id, userID string, prio outbound.Priority, at time.Time) *outbound.Message {
	return &outbound.Message{
		ID:           id,
		UserID:       userID,
		ProducerID:   "agent-a",
		Payload:      json.RawMessage(`{}`),
		Priority:     prio,
		Status:       outbound.StatusQueued,
		ScheduledFor: at,
		QueuedAt:     at.Add(-time.Minute),
	}
}

func TestClaimDueOrderingAndExclusivity(t *testing.T) {
	t.Parallel()
	s := NewMemory()
	ctx := context.Background()
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	must := func(err error) {
		t.Helper()
		if err != nil {
			t.Fatal(err)
		}
	}
	must(s.InsertMessage(ctx, queued("b-low-early", "u1", outbound.PriorityLow, now.Add(-2*time.Hour))))
	must(s.InsertMessage(ctx, queued("a-urgent", "u2", outbound.PriorityUrgent, now.Add(-time.Minute))))
	must(s.InsertMessage(ctx, queued("c-low-late", "u3", outbound.PriorityLow, now.Add(-time.Minute))))
	must(s.InsertMessage(ctx, queued("future", "u4", outbound.PriorityUrgent, now.Add(time.Hour))))

	got, err := s.ClaimDue(ctx, now, 50, "w1")
	if err != nil {
		t.Fatalf("ClaimDue error: %v", err)
	}
	want := []string{"a-urgent", "b-low-early", "c-low-late"}
	if len(got) != len(want) {
		t.Fatalf("claimed %d messages, want %d", len(got), len(want))
	}
	for i, m := range got {
		if m.ID != want[i] {
			t.Fatalf("claim order %v, want %v", ids(got), want)
		}
		if m.ClaimedBy != "w1" {
			t.Fatalf("claimed by %q, want w1", m.ClaimedBy)
		}
	}

	// A second worker sees nothing.
	again, err := s.ClaimDue(ctx, now, 50, "w2")
	if err != nil {
		t.Fatalf("ClaimDue error: %v", err)
	}
	if len(again) != 0 {
		t.Fatalf("second worker claimed %v, want none", ids(again))
	}
}

func TestClaimDueKeepsSequenceWholeAcrossLimit(t *testing.T) {
	t.Parallel()
	s := NewMemory()
	ctx := context.Background()
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	ms := make([]*outbound.Message, 0, 3)
	for i := 1; i <= 3; i++ {
		m := queued(fmt.Sprintf("seq-%d", i), "u1", outbound.PriorityMedium, now.Add(-time.Minute))
		m.SequenceID = "seq"
		m.SequencePosition = i
		m.SequenceTotal = 3
		ms = append(ms, m)
	}
	if err := s.InsertSequence(ctx, ms); err != nil {
		t.Fatalf("InsertSequence error: %v", err)
	}

	got, err := s.ClaimDue(ctx, now, 2, "w1")
	if err != nil {
		t.Fatalf("ClaimDue error: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("claimed %v, want the whole sequence past the limit", ids(got))
	}
}

func TestRescheduleGroupAtomicAndConflicts(t *testing.T) {
	t.Parallel()
	s := NewMemory()
	ctx := context.Background()
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	if err := s.InsertMessage(ctx, queued("m1", "u1", outbound.PriorityLow, now)); err != nil {
		t.Fatal(err)
	}
	if err := s.InsertMessage(ctx, queued("m2", "u1", outbound.PriorityLow, now)); err != nil {
		t.Fatal(err)
	}
	if err := s.MarkGroupSent(ctx, map[string]string{"m2": "done"}, now); err != nil {
		t.Fatalf("MarkGroupSent error: %v", err)
	}

	// A group containing a sent member must fail without touching m1.
	later := now.Add(time.Hour)
	err := s.RescheduleGroup(ctx, []string{"m1", "m2"}, later)
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("error = %v, want ErrConflict", err)
	}
	m1, err := s.GetMessage(ctx, "m1")
	if err != nil {
		t.Fatal(err)
	}
	if !m1.ScheduledFor.Equal(now) {
		t.Fatalf("m1 moved to %v despite group conflict", m1.ScheduledFor)
	}

	if err := s.RescheduleGroup(ctx, []string{"m1"}, later); err != nil {
		t.Fatalf("RescheduleGroup error: %v", err)
	}
	m1, _ = s.GetMessage(ctx, "m1")
	if !m1.ScheduledFor.Equal(later) {
		t.Fatalf("m1 scheduled at %v, want %v", m1.ScheduledFor, later)
	}
	if m1.ClaimedBy != "" {
		t.Fatal("reschedule must release the claim")
	}
}

func TestReleaseStaleClaims(t *testing.T) {
	t.Parallel()
	s := NewMemory()
	ctx := context.Background()
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	if err := s.InsertMessage(ctx, queued("m1", "u1", outbound.PriorityLow, now.Add(-time.Hour))); err != nil {
		t.Fatal(err)
	}
	if _, err := s.ClaimDue(ctx, now.Add(-30*time.Minute), 10, "dead"); err != nil {
		t.Fatal(err)
	}

	// Cutoff before the claim: nothing released yet.
	n, err := s.ReleaseStaleClaims(ctx, now.Add(-45*time.Minute))
	if err != nil || n != 0 {
		t.Fatalf("ReleaseStaleClaims = %d, %v; want 0 releases", n, err)
	}

	n, err = s.ReleaseStaleClaims(ctx, now)
	if err != nil || n != 1 {
		t.Fatalf("ReleaseStaleClaims = %d, %v; want 1 release", n, err)
	}
	got, err := s.ClaimDue(ctx, now, 10, "w2")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].ID != "m1" {
		t.Fatalf("reclaim got %v, want m1", ids(got))
	}
}

func TestBudgetRollover(t *testing.T) {
	t.Parallel()
	s := NewMemory()
	ctx := context.Background()

	now := time.Date(2026, 3, 10, 14, 50, 0, 0, time.UTC)
	for i := 0; i < 2; i++ {
		if err := s.IncrementBudget(ctx, "u1", now); err != nil {
			t.Fatal(err)
		}
	}
	b, err := s.GetBudget(ctx, "u1")
	if err != nil {
		t.Fatal(err)
	}
	if b.DayCount != 2 || b.HourCount != 2 {
		t.Fatalf("counts = %d/%d, want 2/2", b.DayCount, b.HourCount)
	}

	// Next hour: hourly counter resets, daily stays.
	next := time.Date(2026, 3, 10, 15, 5, 0, 0, time.UTC)
	if err := s.IncrementBudget(ctx, "u1", next); err != nil {
		t.Fatal(err)
	}
	b, _ = s.GetBudget(ctx, "u1")
	if b.DayCount != 3 || b.HourCount != 1 {
		t.Fatalf("counts = %d/%d, want 3/1 after hour rollover", b.DayCount, b.HourCount)
	}

	// Next day: both reset.
	tomorrow := time.Date(2026, 3, 11, 9, 0, 0, 0, time.UTC)
	if err := s.IncrementBudget(ctx, "u1", tomorrow); err != nil {
		t.Fatal(err)
	}
	b, _ = s.GetBudget(ctx, "u1")
	if b.DayCount != 1 || b.HourCount != 1 {
		t.Fatalf("counts = %d/%d, want 1/1 after day rollover", b.DayCount, b.HourCount)
	}
}

func TestInboundSinceBoundedNewestLast(t *testing.T) {
	t.Parallel()
	s := NewMemory()
	ctx := context.Background()
	base := time.Date(2026, 3, 10, 10, 0, 0, 0, time.UTC)

	for i := 0; i < 8; i++ {
		err := s.RecordInbound(ctx, outbound.InboundMessage{
			ID: fmt.Sprintf("in-%d", i), UserID: "u1", Body: "x",
			ReceivedAt: base.Add(time.Duration(i) * time.Minute),
		})
		if err != nil {
			t.Fatal(err)
		}
	}

	got, err := s.InboundSince(ctx, "u1", base.Add(90*time.Second), 5)
	if err != nil {
		t.Fatal(err)
	}
	// Messages 2..7 qualify; the limit keeps the newest five, ordered oldest
	// to newest.
	if len(got) != 5 {
		t.Fatalf("got %d messages, want 5", len(got))
	}
	if got[0].ID != "in-3" || got[4].ID != "in-7" {
		t.Fatalf("window = %s..%s, want in-3..in-7", got[0].ID, got[4].ID)
	}
}

func TestGetPatternNotFound(t *testing.T) {
	t.Parallel()
	s := NewMemory()
	_, err := s.GetPattern(context.Background(), "nobody")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("error = %v, want ErrNotFound", err)
	}
}

func ids(ms []*outbound.Message) []string {
	out := make([]string, len(ms))
	for i, m := range ms {
		out[i] = m.ID
	}
	return out
}
