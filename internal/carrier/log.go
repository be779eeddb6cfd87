package carrier

import (
	"context"

	logx "outpost/pkg/logx"
)

// Log is the adapter used when no carrier endpoint is configured. Every send
// succeeds and is written to the log instead of a gateway, which keeps local
// runs and demos working without SMS infrastructure.
type Log struct {
	log logx.Logger
}

func NewLog(log logx.Logger) *Log { return &Log{log: log} }

func (l *Log) SendText(ctx context.Context, msg OutboundText) error {
	l.log.Info("carrier send (log only)",
		logx.String("message_id", msg.MessageID),
		logx.String("user_id", msg.UserID),
		logx.Int("sequence_position", msg.SequencePosition),
		logx.String("body", msg.Body))
	return nil
}
