package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	logx "outpost/pkg/logx"

	"outpost/internal/outbound"
	"outpost/internal/storage"
)

// maxBodyBytes bounds request bodies; payloads are short SMS material.
const maxBodyBytes = 64 << 10

type enqueueRequest struct {
	UserID               string            `json:"user_id"`
	ProducerID           string            `json:"producer_id"`
	ConversationRef      string            `json:"conversation_ref,omitempty"`
	Priority             string            `json:"priority"`
	CanDelay             bool              `json:"can_delay"`
	RequiresFreshContext bool              `json:"requires_fresh_context"`
	Payload              json.RawMessage   `json:"payload,omitempty"`
	Parts                []json.RawMessage `json:"parts,omitempty"`
}

type enqueueResponse struct {
	MessageID    string    `json:"message_id,omitempty"`
	MessageIDs   []string  `json:"message_ids,omitempty"`
	SequenceID   string    `json:"sequence_id,omitempty"`
	ScheduledFor time.Time `json:"scheduled_for"`
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	prio, err := outbound.ParsePriority(req.Priority)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if len(req.Parts) > 0 {
		ms, err := s.queue.EnqueueSequence(r.Context(), outbound.SequenceRequest{
			UserID:               req.UserID,
			ProducerID:           req.ProducerID,
			ConversationRef:      req.ConversationRef,
			Parts:                req.Parts,
			Priority:             prio,
			CanDelay:             req.CanDelay,
			RequiresFreshContext: req.RequiresFreshContext,
		})
		if err != nil {
			s.writeEnqueueError(w, err)
			return
		}
		ids := make([]string, len(ms))
		for i, m := range ms {
			ids[i] = m.ID
		}
		writeJSON(w, http.StatusCreated, enqueueResponse{
			MessageIDs:   ids,
			SequenceID:   ms[0].SequenceID,
			ScheduledFor: ms[0].ScheduledFor,
		})
		return
	}

	m, err := s.queue.Enqueue(r.Context(), outbound.EnqueueRequest{
		UserID:               req.UserID,
		ProducerID:           req.ProducerID,
		ConversationRef:      req.ConversationRef,
		Payload:              req.Payload,
		Priority:             prio,
		CanDelay:             req.CanDelay,
		RequiresFreshContext: req.RequiresFreshContext,
	})
	if err != nil {
		s.writeEnqueueError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, enqueueResponse{MessageID: m.ID, ScheduledFor: m.ScheduledFor})
}

// writeEnqueueError maps validation errors to 400 and storage failures to
// 500, so producers see persistence failures synchronously.
func (s *Server) writeEnqueueError(w http.ResponseWriter, err error) {
	if errors.Is(err, outbound.ErrInvalidRequest) {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.log.Error("enqueue failed", logx.Err(err))
	writeError(w, http.StatusInternalServerError, "enqueue failed")
}

type inboundRequest struct {
	Body string `json:"body"`
}

func (s *Server) handleInbound(w http.ResponseWriter, r *http.Request) {
	userID := r.PathValue("id")
	if strings.TrimSpace(userID) == "" {
		writeError(w, http.StatusBadRequest, "user id is required")
		return
	}
	var req inboundRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.queue.RecordInbound(r.Context(), userID, req.Body); err != nil {
		s.log.Error("record inbound failed", logx.String("user_id", userID), logx.Err(err))
		writeError(w, http.StatusInternalServerError, "record inbound failed")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type budgetResponse struct {
	UserID    string    `json:"user_id"`
	DayStart  time.Time `json:"day_start"`
	DayCount  int       `json:"day_count"`
	HourStart time.Time `json:"hour_start"`
	HourCount int       `json:"hour_count"`
}

func (s *Server) handleBudget(w http.ResponseWriter, r *http.Request) {
	userID := r.PathValue("id")
	if strings.TrimSpace(userID) == "" {
		writeError(w, http.StatusBadRequest, "user id is required")
		return
	}
	b, err := s.store.GetBudget(r.Context(), userID)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		s.log.Error("budget read failed", logx.String("user_id", userID), logx.Err(err))
		writeError(w, http.StatusInternalServerError, "budget read failed")
		return
	}
	b.UserID = userID
	b.Roll(time.Now().In(s.limits.Location(r.Context(), userID)))
	writeJSON(w, http.StatusOK, budgetResponse{
		UserID:    b.UserID,
		DayStart:  b.DayStart,
		DayCount:  b.DayCount,
		HourStart: b.HourStart,
		HourCount: b.HourCount,
	})
}

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return errors.New("invalid request body: " + err.Error())
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
