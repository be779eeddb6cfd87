// Package queue is the producer-facing entry point: it accepts enqueue
// requests, decides the initial send time and records inbound user activity.
package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	logx "outpost/pkg/logx"

	"outpost/internal/outbound"
	"outpost/internal/ratelimit"
	"outpost/internal/storage"
	"outpost/internal/timing"
)

type Service struct {
	store     storage.Store
	limits    *ratelimit.Service
	predictor *timing.Predictor
	log       logx.Logger
	now       func() time.Time
}

func New(store storage.Store, limits *ratelimit.Service, predictor *timing.Predictor, log logx.Logger) *Service {
	return &Service{
		store:     store,
		limits:    limits,
		predictor: predictor,
		log:       log,
		now:       time.Now,
	}
}

// SetNow overrides the clock for tests.
func (s *Service) SetNow(now func() time.Time) { s.now = now }

// Enqueue persists a single message and returns it with its id and schedule
// filled in. Messages that cannot be delayed, or whose user is mid-chat,
// schedule for now; everything else asks the timing predictor.
func (s *Service) Enqueue(ctx context.Context, req outbound.EnqueueRequest) (*outbound.Message, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	now := s.now()
	m := &outbound.Message{
		ID:                   uuid.NewString(),
		UserID:               req.UserID,
		ProducerID:           req.ProducerID,
		ConversationRef:      req.ConversationRef,
		Payload:              req.Payload,
		Priority:             req.Priority,
		Status:               outbound.StatusQueued,
		RequiresFreshContext: req.RequiresFreshContext,
		ScheduledFor:         s.scheduleFor(ctx, req.UserID, req.CanDelay, now),
		QueuedAt:             now,
	}
	if err := s.store.InsertMessage(ctx, m); err != nil {
		return nil, fmt.Errorf("enqueue: %w", err)
	}
	s.log.Info("message enqueued",
		logx.String("message_id", m.ID),
		logx.String("user_id", m.UserID),
		logx.String("producer_id", m.ProducerID),
		logx.String("priority", string(m.Priority)),
		logx.Time("scheduled_for", m.ScheduledFor))
	return m, nil
}

// EnqueueSequence persists an ordered group of messages sharing one schedule.
// The whole group is inserted in a single transaction so a partial sequence
// can never exist.
func (s *Service) EnqueueSequence(ctx context.Context, req outbound.SequenceRequest) ([]*outbound.Message, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	now := s.now()
	at := s.scheduleFor(ctx, req.UserID, req.CanDelay, now)
	seqID := uuid.NewString()
	ms := make([]*outbound.Message, 0, len(req.Parts))
	for i, part := range req.Parts {
		ms = append(ms, &outbound.Message{
			ID:                   uuid.NewString(),
			UserID:               req.UserID,
			ProducerID:           req.ProducerID,
			ConversationRef:      req.ConversationRef,
			Payload:              part,
			Priority:             req.Priority,
			Status:               outbound.StatusQueued,
			RequiresFreshContext: req.RequiresFreshContext,
			ScheduledFor:         at,
			SequenceID:           seqID,
			SequencePosition:     i + 1,
			SequenceTotal:        len(req.Parts),
			QueuedAt:             now,
		})
	}
	if err := s.store.InsertSequence(ctx, ms); err != nil {
		return nil, fmt.Errorf("enqueue sequence: %w", err)
	}
	s.log.Info("sequence enqueued",
		logx.String("sequence_id", seqID),
		logx.String("user_id", req.UserID),
		logx.Int("parts", len(ms)),
		logx.Time("scheduled_for", at))
	return ms, nil
}

func (s *Service) scheduleFor(ctx context.Context, userID string, canDelay bool, now time.Time) time.Time {
	if !canDelay {
		return now
	}
	if s.limits.IsUserActive(ctx, userID) {
		return now
	}
	return s.predictor.OptimalSendTime(ctx, userID)
}

// Cancel marks a queued message cancelled. Sent or superseded messages are
// left alone.
func (s *Service) Cancel(ctx context.Context, messageID string) error {
	return s.store.CancelMessage(ctx, messageID)
}

// Get returns a message by id.
func (s *Service) Get(ctx context.Context, messageID string) (*outbound.Message, error) {
	return s.store.GetMessage(ctx, messageID)
}

// RecordInbound stores an inbound user message. It both resets the activity
// window and feeds the timing predictor's learned response pattern.
func (s *Service) RecordInbound(ctx context.Context, userID, body string) error {
	now := s.now()
	in := outbound.InboundMessage{
		ID:         uuid.NewString(),
		UserID:     userID,
		Body:       body,
		ReceivedAt: now,
	}
	if err := s.store.RecordInbound(ctx, in); err != nil {
		return fmt.Errorf("record inbound: %w", err)
	}
	if err := s.predictor.RecordResponse(ctx, userID, now); err != nil {
		// Pattern learning is best effort; the inbound record already landed.
		s.log.Warn("response pattern update failed",
			logx.String("user_id", userID), logx.Err(err))
	}
	return nil
}
