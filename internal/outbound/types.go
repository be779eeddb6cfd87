// Package outbound holds the shared domain model for queued outbound
// messages, rate budgets, and learned response patterns.
package outbound

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// MaxSequenceParts caps the number of payload fragments a producer may
// group into one atomic delivery. Longer sequences are rejected at enqueue.
const MaxSequenceParts = 5

// ErrInvalidRequest marks enqueue requests rejected before touching storage.
var ErrInvalidRequest = errors.New("invalid request")

// Priority is one of four fixed severity tiers.
type Priority string

const (
	PriorityUrgent Priority = "urgent"
	PriorityHigh   Priority = "high"
	PriorityMedium Priority = "medium"
	PriorityLow    Priority = "low"
)

// Rank returns the processing rank of the priority; lower is processed first.
func (p Priority) Rank() int {
	switch p {
	case PriorityUrgent:
		return 0
	case PriorityHigh:
		return 1
	case PriorityMedium:
		return 2
	case PriorityLow:
		return 3
	default:
		// Unknown priorities sort after everything valid.
		return 4
	}
}

func (p Priority) Valid() bool { return p.Rank() < 4 }

// ParsePriority validates and normalizes a priority string.
func ParsePriority(s string) (Priority, error) {
	p := Priority(strings.ToLower(strings.TrimSpace(s)))
	if !p.Valid() {
		return "", fmt.Errorf("invalid priority %q (want urgent|high|medium|low)", s)
	}
	return p, nil
}

// Status is the lifecycle state of a queued message.
// Transitions are one-way: queued -> sent | superseded | cancelled.
type Status string

const (
	StatusQueued     Status = "queued"
	StatusSent       Status = "sent"
	StatusSuperseded Status = "superseded"
	StatusCancelled  Status = "cancelled"
)

// Classification is the relevance verdict for a pending message.
type Classification string

const (
	ClassRelevant   Classification = "RELEVANT"
	ClassStale      Classification = "STALE"
	ClassContextual Classification = "CONTEXTUAL"
)

// Message is a durable unit of pending outbound communication.
//
// The payload is opaque to the orchestrator; it is only ever handed to the
// relevance classifier and the renderer.
type Message struct {
	ID              string
	UserID          string
	ProducerID      string
	ConversationRef string

	Payload  json.RawMessage
	Priority Priority

	ScheduledFor         time.Time
	Status               Status
	RequiresFreshContext bool

	// FinalText is set at most once, by the renderer, before the message
	// transitions to sent. Empty means not rendered yet.
	FinalText string

	// Sequence grouping. Empty SequenceID means the message is its own
	// one-member group. Positions are 1..SequenceTotal, contiguous.
	SequenceID       string
	SequencePosition int
	SequenceTotal    int

	SupersededReason string

	QueuedAt  time.Time
	SentAt    time.Time
	ClaimedBy string
	ClaimedAt time.Time
}

// GroupKey returns the grouping key used by the dispatcher: the sequence id
// when present, otherwise the message's own id.
func (m *Message) GroupKey() string {
	if m.SequenceID != "" {
		return m.SequenceID
	}
	return m.ID
}

// EnqueueRequest is the producer-facing enqueue contract.
type EnqueueRequest struct {
	UserID               string
	ProducerID           string
	ConversationRef      string
	Payload              json.RawMessage
	Priority             Priority
	CanDelay             bool
	RequiresFreshContext bool
}

// Validate checks the request fields producers control.
func (r *EnqueueRequest) Validate() error {
	if strings.TrimSpace(r.UserID) == "" {
		return fmt.Errorf("%w: user id is required", ErrInvalidRequest)
	}
	if strings.TrimSpace(r.ProducerID) == "" {
		return fmt.Errorf("%w: producer id is required", ErrInvalidRequest)
	}
	if len(r.Payload) == 0 {
		return fmt.Errorf("%w: payload is required", ErrInvalidRequest)
	}
	if !r.Priority.Valid() {
		return fmt.Errorf("%w: invalid priority %q", ErrInvalidRequest, string(r.Priority))
	}
	return nil
}

// SequenceRequest enqueues an ordered multi-part notification delivered
// all-or-nothing.
type SequenceRequest struct {
	UserID               string
	ProducerID           string
	ConversationRef      string
	Parts                []json.RawMessage
	Priority             Priority
	CanDelay             bool
	RequiresFreshContext bool
}

func (r *SequenceRequest) Validate() error {
	if strings.TrimSpace(r.UserID) == "" {
		return fmt.Errorf("%w: user id is required", ErrInvalidRequest)
	}
	if strings.TrimSpace(r.ProducerID) == "" {
		return fmt.Errorf("%w: producer id is required", ErrInvalidRequest)
	}
	if len(r.Parts) == 0 {
		return fmt.Errorf("%w: sequence needs at least one part", ErrInvalidRequest)
	}
	if len(r.Parts) > MaxSequenceParts {
		return fmt.Errorf("%w: sequence has %d parts, max is %d", ErrInvalidRequest, len(r.Parts), MaxSequenceParts)
	}
	for i, p := range r.Parts {
		if len(p) == 0 {
			return fmt.Errorf("%w: sequence part %d is empty", ErrInvalidRequest, i+1)
		}
	}
	if !r.Priority.Valid() {
		return fmt.Errorf("%w: invalid priority %q", ErrInvalidRequest, string(r.Priority))
	}
	return nil
}

// RateBudget tracks per-user rolling daily/hourly send counters.
// Counters only increase within a window and reset when it rolls over.
type RateBudget struct {
	UserID    string
	DayStart  time.Time
	DayCount  int
	HourStart time.Time
	HourCount int
	UpdatedAt time.Time
}

// DayWindowStart returns midnight of t's calendar day in t's location.
func DayWindowStart(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

// HourWindowStart returns the top of t's hour in t's location.
func HourWindowStart(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, t.Hour(), 0, 0, 0, t.Location())
}

// Roll resets any counter whose window has expired relative to now.
// Counters never decrease inside a live window.
func (b *RateBudget) Roll(now time.Time) {
	day := DayWindowStart(now)
	if !b.DayStart.Equal(day) {
		b.DayStart = day
		b.DayCount = 0
	}
	hour := HourWindowStart(now)
	if !b.HourStart.Equal(hour) {
		b.HourStart = hour
		b.HourCount = 0
	}
}

// UserSettings carries per-user overrides of the default dispatch policy.
// Zero cap values mean "use the configured default"; empty quiet times mean
// "use the configured default window".
type UserSettings struct {
	UserID     string
	DailyCap   int
	HourlyCap  int
	QuietStart string // "HH:MM", empty = default
	QuietEnd   string
	Timezone   string // IANA name, empty = default
}

// ResponsePattern is the per-user learned timing preference.
// Hour/day sets are append-only with respect to distinct values.
type ResponsePattern struct {
	UserID      string
	BestHours   []int // hours of day, 0-23
	BestDays    []int // weekday indices, time.Weekday numbering
	Timezone    string
	LastUpdated time.Time
}

// HasHour reports whether h is already in BestHours.
func (p *ResponsePattern) HasHour(h int) bool {
	for _, v := range p.BestHours {
		if v == h {
			return true
		}
	}
	return false
}

// HasDay reports whether d is already in BestDays.
func (p *ResponsePattern) HasDay(d int) bool {
	for _, v := range p.BestDays {
		if v == d {
			return true
		}
	}
	return false
}

// InboundMessage is a recorded inbound user message, used for the activity
// window and as classifier context. ID is assigned by the caller before the
// record is stored.
type InboundMessage struct {
	ID         string
	UserID     string
	Body       string
	ReceivedAt time.Time
}

// ReformulationTask asks the original producer for an updated payload after
// its queued message went stale.
type ReformulationTask struct {
	ID         string
	MessageID  string
	UserID     string
	ProducerID string
	Payload    json.RawMessage
	Reason     string
	CreatedAt  time.Time
}
