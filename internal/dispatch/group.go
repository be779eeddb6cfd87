package dispatch

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	logx "outpost/pkg/logx"

	"outpost/internal/carrier"
	"outpost/internal/outbound"
)

// inboundContextLimit caps how many inbound messages are fetched for the
// relevance check.
const inboundContextLimit = 5

// processGroup runs the full delivery pipeline for one group: policy checks,
// relevance, rendering, carrier send, bookkeeping. Either every member ends
// up sent, or the whole group is rescheduled or superseded together.
func (s *Service) processGroup(ctx context.Context, g []*outbound.Message) error {
	cfg := s.config()
	now := s.now()
	userID := g[0].UserID
	ids := groupIDs(g)

	dec, err := s.limits.CheckLimits(ctx, userID)
	if err != nil {
		return fmt.Errorf("check limits: %w", err)
	}
	if !dec.Allowed {
		at := dec.NextAvailableAt
		if !at.After(now) {
			at = now.Add(cfg.Interval)
		}
		if err := s.store.RescheduleGroup(ctx, ids, at); err != nil {
			return fmt.Errorf("reschedule after %s: %w", dec.Reason, err)
		}
		s.log.Info("group rescheduled by rate limit",
			logx.String("group", g[0].GroupKey()),
			logx.String("user_id", userID),
			logx.String("reason", dec.Reason),
			logx.Time("next", at))
		return nil
	}

	// Quiet hours hold non-urgent messages unless the user is mid-chat.
	if g[0].Priority != outbound.PriorityUrgent &&
		s.limits.IsQuietHours(ctx, userID, now) &&
		!s.limits.IsUserActive(ctx, userID) {
		at := s.limits.QuietEndAfter(ctx, userID, now)
		if !at.After(now) {
			at = now.Add(cfg.Interval)
		}
		if err := s.store.RescheduleGroup(ctx, ids, at); err != nil {
			return fmt.Errorf("reschedule for quiet hours: %w", err)
		}
		s.log.Info("group rescheduled for quiet hours",
			logx.String("group", g[0].GroupKey()),
			logx.String("user_id", userID),
			logx.Time("next", at))
		return nil
	}

	if stale, err := s.checkRelevance(ctx, g); err != nil {
		return err
	} else if stale {
		return nil
	}

	texts := make(map[string]string, len(g))
	for _, m := range g {
		text := s.renderer.Render(ctx, m)
		m.FinalText = text
		texts[m.ID] = text
	}
	// Persist the rendered text before the first send attempt so a retried
	// group resends the same body instead of rendering again.
	if err := s.store.SaveFinalTexts(ctx, texts); err != nil {
		return fmt.Errorf("save final texts: %w", err)
	}

	sender := s.carrierAdapter()
	for _, m := range g {
		err := sender.SendText(ctx, carrier.OutboundText{
			MessageID:        m.ID,
			UserID:           m.UserID,
			ConversationRef:  m.ConversationRef,
			Body:             m.FinalText,
			SequencePosition: m.SequencePosition,
			SequenceTotal:    m.SequenceTotal,
		})
		if err != nil {
			// A mid-group carrier failure reschedules the whole group so the
			// sequence is retried as a unit. Parts already handed to the
			// carrier may go out again on the retry.
			at := now.Add(cfg.RetryDelay)
			if rErr := s.store.RescheduleGroup(ctx, ids, at); rErr != nil {
				return fmt.Errorf("carrier send: %v; reschedule: %w", err, rErr)
			}
			return fmt.Errorf("carrier send, group rescheduled: %w", err)
		}
	}

	if err := s.store.MarkGroupSent(ctx, texts, s.now()); err != nil {
		return fmt.Errorf("mark sent: %w", err)
	}
	if err := s.limits.IncrementBudget(ctx, userID); err != nil {
		s.log.Warn("budget increment failed",
			logx.String("user_id", userID), logx.Err(err))
	}
	s.log.Info("group delivered",
		logx.String("group", g[0].GroupKey()),
		logx.String("user_id", userID),
		logx.Int("parts", len(g)),
		logx.String("priority", string(g[0].Priority)))
	return nil
}

// checkRelevance classifies every member that asked for a fresh-context check.
// One stale member supersedes the whole group: sending the remainder of a
// sequence around a withdrawn part would break its coherence. Returns true
// when the group was superseded.
func (s *Service) checkRelevance(ctx context.Context, g []*outbound.Message) (bool, error) {
	for _, m := range g {
		if !m.RequiresFreshContext {
			continue
		}
		recent, err := s.store.InboundSince(ctx, m.UserID, m.QueuedAt, inboundContextLimit)
		if err != nil {
			return false, fmt.Errorf("load inbound context: %w", err)
		}
		res := s.classifier.Classify(ctx, m, recent)
		if res.Classification != outbound.ClassStale {
			continue
		}
		if err := s.store.SupersedeGroup(ctx, groupIDs(g), res.Reason); err != nil {
			return false, fmt.Errorf("supersede group: %w", err)
		}
		s.log.Info("group superseded as stale",
			logx.String("group", m.GroupKey()),
			logx.String("message_id", m.ID),
			logx.String("reason", res.Reason))
		if res.ShouldReformulate {
			task := outbound.ReformulationTask{
				ID:         uuid.NewString(),
				MessageID:  m.ID,
				UserID:     m.UserID,
				ProducerID: m.ProducerID,
				Payload:    m.Payload,
				Reason:     res.Reason,
				CreatedAt:  s.now(),
			}
			if err := s.store.InsertReformulationTask(ctx, task); err != nil {
				s.log.Warn("reformulation task insert failed",
					logx.String("message_id", m.ID), logx.Err(err))
			}
		}
		return true, nil
	}
	return false, nil
}

func groupIDs(g []*outbound.Message) []string {
	ids := make([]string, len(g))
	for i, m := range g {
		ids[i] = m.ID
	}
	return ids
}
