// Package storage is the durable record of queued messages, rate budgets,
// response patterns, and inbound activity.
package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	logx "outpost/pkg/logx"

	"outpost/internal/outbound"
)

var (
	// ErrNotFound is returned when a keyed record does not exist.
	ErrNotFound = errors.New("storage: not found")
	// ErrConflict is returned when a one-way status transition is violated,
	// e.g. rescheduling a message that is no longer queued.
	ErrConflict = errors.New("storage: conflict")
)

// Config configures storage.
//
// Driver values:
//   - "sqlite": SQLite database file (default)
//   - "memory": in-process store, used by tests and ephemeral runs
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Store is the persistence API used by the enqueue and dispatch services.
//
// Group mutations (InsertSequence, RescheduleGroup, MarkGroupSent, SupersedeGroup)
// are transactional: either every member is updated or none.
type Store interface {
	// Queue.
	InsertMessage(ctx context.Context, m *outbound.Message) error
	InsertSequence(ctx context.Context, ms []*outbound.Message) error
	GetMessage(ctx context.Context, id string) (*outbound.Message, error)
	// ClaimDue atomically claims up to limit queued messages with
	// scheduledFor <= now for the given worker and returns them ordered by
	// priority rank, then scheduled time.
	ClaimDue(ctx context.Context, now time.Time, limit int, claimedBy string) ([]*outbound.Message, error)
	// RescheduleGroup moves every listed queued message to the same new
	// scheduled time and releases its claim.
	RescheduleGroup(ctx context.Context, ids []string, at time.Time) error
	// SaveFinalTexts persists rendered text for queued messages without
	// changing their status, so a retried delivery reuses the same body.
	// texts maps message id to final text.
	SaveFinalTexts(ctx context.Context, texts map[string]string) error
	// MarkGroupSent transitions every listed message to sent with its final
	// rendered text. texts maps message id to final text.
	MarkGroupSent(ctx context.Context, texts map[string]string, at time.Time) error
	// SupersedeGroup marks every listed message superseded with the reason.
	SupersedeGroup(ctx context.Context, ids []string, reason string) error
	CancelMessage(ctx context.Context, id string) error
	// ReleaseStaleClaims requeues messages claimed before the cutoff whose
	// worker never finished (crash recovery). Returns the number released.
	ReleaseStaleClaims(ctx context.Context, before time.Time) (int, error)

	// Rate budget.
	GetBudget(ctx context.Context, userID string) (outbound.RateBudget, error)
	// IncrementBudget rolls expired windows and adds one send to both
	// counters, atomically per user.
	IncrementBudget(ctx context.Context, userID string, now time.Time) error

	// Per-user policy overrides.
	GetUserSettings(ctx context.Context, userID string) (outbound.UserSettings, error)
	UpsertUserSettings(ctx context.Context, s outbound.UserSettings) error

	// Inbound activity.
	RecordInbound(ctx context.Context, m outbound.InboundMessage) error
	LastInboundAt(ctx context.Context, userID string) (time.Time, bool, error)
	// InboundSince returns up to limit inbound messages received after since,
	// newest last.
	InboundSince(ctx context.Context, userID string, since time.Time, limit int) ([]outbound.InboundMessage, error)
	PruneInboundBefore(ctx context.Context, cutoff time.Time) (int, error)

	// Response patterns.
	GetPattern(ctx context.Context, userID string) (outbound.ResponsePattern, error)
	SavePattern(ctx context.Context, p outbound.ResponsePattern) error

	// Reformulation boundary.
	InsertReformulationTask(ctx context.Context, t outbound.ReformulationTask) error

	Close() error
}

// Open initializes the configured store.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	switch driver {
	case "", "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	case "memory":
		return NewMemory(), nil
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
