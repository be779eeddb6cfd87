// Package carrier is the delivery boundary: the dispatcher hands finalized
// text to an Adapter and everything below (transmission, delivery receipts,
// carrier retries) is someone else's problem.
package carrier

import "context"

// OutboundText is one finalized message for one user channel.
type OutboundText struct {
	MessageID       string `json:"message_id"`
	UserID          string `json:"user_id"`
	ConversationRef string `json:"conversation_ref,omitempty"`
	Body            string `json:"body"`
	// Sequence metadata lets the carrier render multi-part context
	// (e.g. "1/3") without understanding the payload.
	SequencePosition int `json:"sequence_position,omitempty"`
	SequenceTotal    int `json:"sequence_total,omitempty"`
}

// Adapter delivers finalized text to the user's SMS channel.
// Only the dispatcher holds a reference to an Adapter.
type Adapter interface {
	SendText(ctx context.Context, msg OutboundText) error
}
