package queue

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	logx "outpost/pkg/logx"

	"outpost/internal/outbound"
	"outpost/internal/ratelimit"
	"outpost/internal/storage"
	"outpost/internal/timing"
)

func newTestQueue(t *testing.T) (*Service, *storage.Memory, func(time.Time)) {
	t.Helper()
	store := storage.NewMemory()
	limits := ratelimit.New(store, ratelimit.Policy{}, logx.Nop())
	predictor := timing.New(store, limits, timing.Config{}, logx.Nop())
	svc := New(store, limits, predictor, logx.Nop())

	set := func(now time.Time) {
		svc.SetNow(func() time.Time { return now })
		limits.SetNow(func() time.Time { return now })
		predictor.SetNow(func() time.Time { return now })
	}
	return svc, store, set
}

func payload(s string) json.RawMessage { return json.RawMessage(s) }

func TestEnqueueImmediateWhenCannotDelay(t *testing.T) {
	t.Parallel()
	svc, store, set := newTestQueue(t)
	now := time.Date(2026, 3, 10, 20, 0, 0, 0, time.UTC)
	set(now)
	ctx := context.Background()

	m, err := svc.Enqueue(ctx, outbound.EnqueueRequest{
		UserID:     "u1",
		ProducerID: "agent-a",
		Payload:    payload(`{"kind":"appointment"}`),
		Priority:   outbound.PriorityHigh,
		CanDelay:   false,
	})
	if err != nil {
		t.Fatalf("Enqueue error: %v", err)
	}
	if m.ID == "" {
		t.Fatal("enqueued message has no id")
	}
	if !m.ScheduledFor.Equal(now) {
		t.Fatalf("ScheduledFor = %v, want now for canDelay=false", m.ScheduledFor)
	}

	got, err := store.GetMessage(ctx, m.ID)
	if err != nil {
		t.Fatalf("GetMessage error: %v", err)
	}
	if got.Status != outbound.StatusQueued {
		t.Fatalf("Status = %s, want queued", got.Status)
	}
}

func TestEnqueueDelayableUsesPredictor(t *testing.T) {
	t.Parallel()
	svc, _, set := newTestQueue(t)
	now := time.Date(2026, 3, 10, 20, 0, 0, 0, time.UTC) // Tuesday evening
	set(now)

	m, err := svc.Enqueue(context.Background(), outbound.EnqueueRequest{
		UserID:     "u1",
		ProducerID: "agent-a",
		Payload:    payload(`{"kind":"tip"}`),
		Priority:   outbound.PriorityLow,
		CanDelay:   true,
	})
	if err != nil {
		t.Fatalf("Enqueue error: %v", err)
	}
	want := time.Date(2026, 3, 11, 10, 0, 0, 0, time.UTC)
	if !m.ScheduledFor.Equal(want) {
		t.Fatalf("ScheduledFor = %v, want predictor slot %v", m.ScheduledFor, want)
	}
}

func TestEnqueueDelayableActiveUserSendsNow(t *testing.T) {
	t.Parallel()
	svc, store, set := newTestQueue(t)
	now := time.Date(2026, 3, 10, 20, 0, 0, 0, time.UTC)
	set(now)
	ctx := context.Background()

	err := store.RecordInbound(ctx, outbound.InboundMessage{
		ID: "in1", UserID: "u1", Body: "hello", ReceivedAt: now.Add(-2 * time.Minute),
	})
	if err != nil {
		t.Fatalf("RecordInbound error: %v", err)
	}

	m, err := svc.Enqueue(ctx, outbound.EnqueueRequest{
		UserID:     "u1",
		ProducerID: "agent-a",
		Payload:    payload(`{"kind":"tip"}`),
		Priority:   outbound.PriorityLow,
		CanDelay:   true,
	})
	if err != nil {
		t.Fatalf("Enqueue error: %v", err)
	}
	if !m.ScheduledFor.Equal(now) {
		t.Fatalf("ScheduledFor = %v, want now for an active user", m.ScheduledFor)
	}
}

func TestEnqueueValidation(t *testing.T) {
	t.Parallel()
	svc, _, set := newTestQueue(t)
	set(time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC))
	ctx := context.Background()

	tests := []struct {
		name string
		req  outbound.EnqueueRequest
	}{
		{"missing user", outbound.EnqueueRequest{ProducerID: "a", Payload: payload(`{}`), Priority: outbound.PriorityLow}},
		{"missing producer", outbound.EnqueueRequest{UserID: "u", Payload: payload(`{}`), Priority: outbound.PriorityLow}},
		{"missing payload", outbound.EnqueueRequest{UserID: "u", ProducerID: "a", Priority: outbound.PriorityLow}},
		{"bad priority", outbound.EnqueueRequest{UserID: "u", ProducerID: "a", Payload: payload(`{}`), Priority: "critical"}},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Enqueue(ctx, tt.req)
			if !errors.Is(err, outbound.ErrInvalidRequest) {
				t.Fatalf("Enqueue error = %v, want ErrInvalidRequest", err)
			}
		})
	}
}

func TestEnqueueSequenceSharesScheduleAndGroup(t *testing.T) {
	t.Parallel()
	svc, store, set := newTestQueue(t)
	now := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	set(now)
	ctx := context.Background()

	ms, err := svc.EnqueueSequence(ctx, outbound.SequenceRequest{
		UserID:     "u1",
		ProducerID: "agent-a",
		Parts:      []json.RawMessage{payload(`{"p":1}`), payload(`{"p":2}`), payload(`{"p":3}`)},
		Priority:   outbound.PriorityMedium,
	})
	if err != nil {
		t.Fatalf("EnqueueSequence error: %v", err)
	}
	if len(ms) != 3 {
		t.Fatalf("got %d messages, want 3", len(ms))
	}
	seqID := ms[0].SequenceID
	if seqID == "" {
		t.Fatal("sequence id not assigned")
	}
	for i, m := range ms {
		if m.SequenceID != seqID {
			t.Fatalf("part %d has sequence id %q, want %q", i+1, m.SequenceID, seqID)
		}
		if m.SequencePosition != i+1 {
			t.Fatalf("part %d position = %d", i+1, m.SequencePosition)
		}
		if m.SequenceTotal != 3 {
			t.Fatalf("part %d total = %d, want 3", i+1, m.SequenceTotal)
		}
		if !m.ScheduledFor.Equal(ms[0].ScheduledFor) {
			t.Fatalf("part %d scheduled at %v, others at %v", i+1, m.ScheduledFor, ms[0].ScheduledFor)
		}
		if _, err := store.GetMessage(ctx, m.ID); err != nil {
			t.Fatalf("part %d not persisted: %v", i+1, err)
		}
	}
}

func TestEnqueueSequenceTooManyParts(t *testing.T) {
	t.Parallel()
	svc, _, set := newTestQueue(t)
	set(time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC))

	parts := make([]json.RawMessage, outbound.MaxSequenceParts+1)
	for i := range parts {
		parts[i] = payload(`{}`)
	}
	_, err := svc.EnqueueSequence(context.Background(), outbound.SequenceRequest{
		UserID:     "u1",
		ProducerID: "agent-a",
		Parts:      parts,
		Priority:   outbound.PriorityLow,
	})
	if !errors.Is(err, outbound.ErrInvalidRequest) {
		t.Fatalf("error = %v, want ErrInvalidRequest for oversize sequence", err)
	}
}

func TestRecordInboundFeedsPattern(t *testing.T) {
	t.Parallel()
	svc, store, set := newTestQueue(t)
	now := time.Date(2026, 3, 10, 19, 0, 0, 0, time.UTC) // Tuesday
	set(now)
	ctx := context.Background()

	if err := svc.RecordInbound(ctx, "u1", "sounds good"); err != nil {
		t.Fatalf("RecordInbound error: %v", err)
	}

	last, ok, err := store.LastInboundAt(ctx, "u1")
	if err != nil || !ok {
		t.Fatalf("LastInboundAt = %v, %v, %v", last, ok, err)
	}
	if !last.Equal(now) {
		t.Fatalf("LastInboundAt = %v, want %v", last, now)
	}

	recs, err := store.InboundSince(ctx, "u1", now.Add(-time.Minute), 5)
	if err != nil {
		t.Fatalf("InboundSince error: %v", err)
	}
	if len(recs) != 1 || recs[0].ID == "" || recs[0].Body != "sounds good" {
		t.Fatalf("stored inbound = %+v, want one record with an assigned id", recs)
	}

	pat, err := store.GetPattern(ctx, "u1")
	if err != nil {
		t.Fatalf("GetPattern error: %v", err)
	}
	if !pat.HasHour(19) || !pat.HasDay(int(time.Tuesday)) {
		t.Fatalf("pattern not updated: hours=%v days=%v", pat.BestHours, pat.BestDays)
	}
}
