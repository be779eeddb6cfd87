package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	logx "outpost/pkg/logx"

	_ "modernc.org/sqlite"

	"outpost/internal/outbound"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}

	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

const insertMessageSQL = `INSERT INTO messages(
	id, user_id, producer_id, conversation_ref, payload, priority, priority_rank,
	scheduled_for, status, requires_fresh, final_text,
	sequence_id, sequence_position, sequence_total, queued_at)
VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`

func insertArgs(m *outbound.Message) []any {
	return []any{
		m.ID, m.UserID, m.ProducerID, nullStr(m.ConversationRef),
		string(m.Payload), string(m.Priority), m.Priority.Rank(),
		m.ScheduledFor.UnixMilli(), string(m.Status), boolInt(m.RequiresFreshContext),
		nullStr(m.FinalText), nullStr(m.SequenceID), m.SequencePosition, m.SequenceTotal,
		m.QueuedAt.UnixMilli(),
	}
}

func (s *sqliteStore) InsertMessage(ctx context.Context, m *outbound.Message) error {
	_, err := s.db.ExecContext(ctx, insertMessageSQL, insertArgs(m)...)
	return err
}

func (s *sqliteStore) InsertSequence(ctx context.Context, ms []*outbound.Message) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	for _, m := range ms {
		if _, err := tx.ExecContext(ctx, insertMessageSQL, insertArgs(m)...); err != nil {
			return err
		}
	}
	return tx.Commit()
}

const messageColumns = `id, user_id, producer_id, conversation_ref, payload, priority,
	scheduled_for, status, requires_fresh, final_text,
	sequence_id, sequence_position, sequence_total, superseded_reason,
	queued_at, sent_at, claimed_by, claimed_at`

func scanMessage(row interface{ Scan(...any) error }) (*outbound.Message, error) {
	var (
		m            outbound.Message
		convRef      sql.NullString
		payload      string
		priority     string
		scheduledFor int64
		status       string
		fresh        int
		finalText    sql.NullString
		seqID        sql.NullString
		reason       sql.NullString
		queuedAt     int64
		sentAt       sql.NullInt64
		claimedBy    sql.NullString
		claimedAt    sql.NullInt64
	)
	err := row.Scan(&m.ID, &m.UserID, &m.ProducerID, &convRef, &payload, &priority,
		&scheduledFor, &status, &fresh, &finalText,
		&seqID, &m.SequencePosition, &m.SequenceTotal, &reason,
		&queuedAt, &sentAt, &claimedBy, &claimedAt)
	if err != nil {
		return nil, err
	}
	m.ConversationRef = convRef.String
	m.Payload = []byte(payload)
	m.Priority = outbound.Priority(priority)
	m.ScheduledFor = time.UnixMilli(scheduledFor)
	m.Status = outbound.Status(status)
	m.RequiresFreshContext = fresh != 0
	m.FinalText = finalText.String
	m.SequenceID = seqID.String
	m.SupersededReason = reason.String
	m.QueuedAt = time.UnixMilli(queuedAt)
	if sentAt.Valid {
		m.SentAt = time.UnixMilli(sentAt.Int64)
	}
	m.ClaimedBy = claimedBy.String
	if claimedAt.Valid {
		m.ClaimedAt = time.UnixMilli(claimedAt.Int64)
	}
	return &m, nil
}

func (s *sqliteStore) GetMessage(ctx context.Context, id string) (*outbound.Message, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = ?`, id)
	m, err := scanMessage(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return m, nil
}

func (s *sqliteStore) ClaimDue(ctx context.Context, now time.Time, limit int, claimedBy string) ([]*outbound.Message, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx,
		`SELECT `+messageColumns+` FROM messages
		 WHERE status = 'queued' AND claimed_by IS NULL AND scheduled_for <= ?
		 ORDER BY priority_rank ASC, scheduled_for ASC, sequence_position ASC
		 LIMIT ?`,
		now.UnixMilli(), limit)
	if err != nil {
		return nil, err
	}
	msgs, seqIDs, err := collectMessages(rows)
	if err != nil {
		return nil, err
	}

	// A sequence is delivered all-or-nothing, so pull in any queued members
	// the batch limit cut off. By the shared-scheduledFor invariant they are
	// due whenever one member is.
	for _, seqID := range seqIDs {
		extra, err := tx.QueryContext(ctx,
			`SELECT `+messageColumns+` FROM messages
			 WHERE sequence_id = ? AND status = 'queued' AND claimed_by IS NULL
			 ORDER BY sequence_position ASC`, seqID)
		if err != nil {
			return nil, err
		}
		more, _, err := collectMessages(extra)
		if err != nil {
			return nil, err
		}
		for _, m := range more {
			if !containsID(msgs, m.ID) {
				msgs = append(msgs, m)
			}
		}
	}

	for _, m := range msgs {
		if _, err := tx.ExecContext(ctx,
			`UPDATE messages SET claimed_by = ?, claimed_at = ?
			 WHERE id = ? AND status = 'queued' AND claimed_by IS NULL`,
			claimedBy, now.UnixMilli(), m.ID); err != nil {
			return nil, err
		}
		m.ClaimedBy = claimedBy
		m.ClaimedAt = now
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return msgs, nil
}

func collectMessages(rows *sql.Rows) ([]*outbound.Message, []string, error) {
	defer rows.Close()
	var (
		msgs   []*outbound.Message
		seqIDs []string
		seen   = map[string]bool{}
	)
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, nil, err
		}
		msgs = append(msgs, m)
		if m.SequenceID != "" && !seen[m.SequenceID] {
			seen[m.SequenceID] = true
			seqIDs = append(seqIDs, m.SequenceID)
		}
	}
	return msgs, seqIDs, rows.Err()
}

func containsID(ms []*outbound.Message, id string) bool {
	for _, m := range ms {
		if m.ID == id {
			return true
		}
	}
	return false
}

func (s *sqliteStore) RescheduleGroup(ctx context.Context, ids []string, at time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	for _, id := range ids {
		res, err := tx.ExecContext(ctx,
			`UPDATE messages SET scheduled_for = ?, claimed_by = NULL, claimed_at = NULL
			 WHERE id = ? AND status = 'queued'`,
			at.UnixMilli(), id)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n != 1 {
			return fmt.Errorf("reschedule %s: %w", id, ErrConflict)
		}
	}
	return tx.Commit()
}

func (s *sqliteStore) SaveFinalTexts(ctx context.Context, texts map[string]string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	for id, text := range texts {
		res, err := tx.ExecContext(ctx,
			`UPDATE messages SET final_text = ? WHERE id = ? AND status = 'queued'`,
			text, id)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n != 1 {
			return fmt.Errorf("save final text %s: %w", id, ErrConflict)
		}
	}
	return tx.Commit()
}

func (s *sqliteStore) MarkGroupSent(ctx context.Context, texts map[string]string, at time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	for id, text := range texts {
		res, err := tx.ExecContext(ctx,
			`UPDATE messages SET status = 'sent', final_text = ?, sent_at = ?, claimed_by = NULL, claimed_at = NULL
			 WHERE id = ? AND status = 'queued'`,
			text, at.UnixMilli(), id)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n != 1 {
			return fmt.Errorf("mark sent %s: %w", id, ErrConflict)
		}
	}
	return tx.Commit()
}

func (s *sqliteStore) SupersedeGroup(ctx context.Context, ids []string, reason string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	for _, id := range ids {
		res, err := tx.ExecContext(ctx,
			`UPDATE messages SET status = 'superseded', superseded_reason = ?, claimed_by = NULL, claimed_at = NULL
			 WHERE id = ? AND status = 'queued'`,
			reason, id)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n != 1 {
			return fmt.Errorf("supersede %s: %w", id, ErrConflict)
		}
	}
	return tx.Commit()
}

func (s *sqliteStore) CancelMessage(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE messages SET status = 'cancelled', claimed_by = NULL, claimed_at = NULL
		 WHERE id = ? AND status = 'queued'`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return ErrConflict
	}
	return nil
}

func (s *sqliteStore) ReleaseStaleClaims(ctx context.Context, before time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE messages SET claimed_by = NULL, claimed_at = NULL
		 WHERE status = 'queued' AND claimed_at IS NOT NULL AND claimed_at < ?`,
		before.UnixMilli())
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *sqliteStore) GetBudget(ctx context.Context, userID string) (outbound.RateBudget, error) {
	b := outbound.RateBudget{UserID: userID}
	var dayStart, hourStart, updatedAt int64
	err := s.db.QueryRowContext(ctx,
		`SELECT day_start, day_count, hour_start, hour_count, updated_at
		 FROM rate_budgets WHERE user_id = ?`, userID).
		Scan(&dayStart, &b.DayCount, &hourStart, &b.HourCount, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return b, nil
	}
	if err != nil {
		return b, err
	}
	b.DayStart = time.UnixMilli(dayStart)
	b.HourStart = time.UnixMilli(hourStart)
	b.UpdatedAt = time.UnixMilli(updatedAt)
	return b, nil
}

func (s *sqliteStore) IncrementBudget(ctx context.Context, userID string, now time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	b := outbound.RateBudget{UserID: userID}
	var dayStart, hourStart int64
	err = tx.QueryRowContext(ctx,
		`SELECT day_start, day_count, hour_start, hour_count FROM rate_budgets WHERE user_id = ?`,
		userID).Scan(&dayStart, &b.DayCount, &hourStart, &b.HourCount)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		// first send for this user
	case err != nil:
		return err
	default:
		b.DayStart = time.UnixMilli(dayStart)
		b.HourStart = time.UnixMilli(hourStart)
	}

	b.Roll(now)
	b.DayCount++
	b.HourCount++

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO rate_budgets(user_id, day_start, day_count, hour_start, hour_count, updated_at)
		 VALUES(?,?,?,?,?,?)
		 ON CONFLICT(user_id) DO UPDATE SET
		   day_start=excluded.day_start, day_count=excluded.day_count,
		   hour_start=excluded.hour_start, hour_count=excluded.hour_count,
		   updated_at=excluded.updated_at`,
		userID, b.DayStart.UnixMilli(), b.DayCount, b.HourStart.UnixMilli(), b.HourCount,
		now.UnixMilli()); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *sqliteStore) GetUserSettings(ctx context.Context, userID string) (outbound.UserSettings, error) {
	u := outbound.UserSettings{UserID: userID}
	var quietStart, quietEnd, tz sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT daily_cap, hourly_cap, quiet_start, quiet_end, timezone
		 FROM user_settings WHERE user_id = ?`, userID).
		Scan(&u.DailyCap, &u.HourlyCap, &quietStart, &quietEnd, &tz)
	if errors.Is(err, sql.ErrNoRows) {
		return u, nil
	}
	if err != nil {
		return u, err
	}
	u.QuietStart = quietStart.String
	u.QuietEnd = quietEnd.String
	u.Timezone = tz.String
	return u, nil
}

func (s *sqliteStore) UpsertUserSettings(ctx context.Context, u outbound.UserSettings) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO user_settings(user_id, daily_cap, hourly_cap, quiet_start, quiet_end, timezone)
		 VALUES(?,?,?,?,?,?)
		 ON CONFLICT(user_id) DO UPDATE SET
		   daily_cap=excluded.daily_cap, hourly_cap=excluded.hourly_cap,
		   quiet_start=excluded.quiet_start, quiet_end=excluded.quiet_end,
		   timezone=excluded.timezone`,
		u.UserID, u.DailyCap, u.HourlyCap, nullStr(u.QuietStart), nullStr(u.QuietEnd), nullStr(u.Timezone))
	return err
}

func (s *sqliteStore) RecordInbound(ctx context.Context, m outbound.InboundMessage) error {
	if m.ReceivedAt.IsZero() {
		m.ReceivedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO inbound_activity(id, user_id, body, received_at) VALUES(?,?,?,?)`,
		m.ID, m.UserID, m.Body, m.ReceivedAt.UnixMilli())
	return err
}

func (s *sqliteStore) LastInboundAt(ctx context.Context, userID string) (time.Time, bool, error) {
	var ms int64
	err := s.db.QueryRowContext(ctx,
		`SELECT received_at FROM inbound_activity WHERE user_id = ? ORDER BY received_at DESC LIMIT 1`,
		userID).Scan(&ms)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return time.UnixMilli(ms), true, nil
}

func (s *sqliteStore) InboundSince(ctx context.Context, userID string, since time.Time, limit int) ([]outbound.InboundMessage, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, body, received_at FROM (
		   SELECT id, user_id, body, received_at FROM inbound_activity
		   WHERE user_id = ? AND received_at > ?
		   ORDER BY received_at DESC LIMIT ?
		 ) ORDER BY received_at ASC`,
		userID, since.UnixMilli(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []outbound.InboundMessage
	for rows.Next() {
		var m outbound.InboundMessage
		var ms int64
		if err := rows.Scan(&m.ID, &m.UserID, &m.Body, &ms); err != nil {
			return nil, err
		}
		m.ReceivedAt = time.UnixMilli(ms)
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *sqliteStore) PruneInboundBefore(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM inbound_activity WHERE received_at < ?`, cutoff.UnixMilli())
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *sqliteStore) GetPattern(ctx context.Context, userID string) (outbound.ResponsePattern, error) {
	p := outbound.ResponsePattern{UserID: userID}
	var hours, days string
	var tz sql.NullString
	var updated int64
	err := s.db.QueryRowContext(ctx,
		`SELECT best_hours, best_days, timezone, last_updated FROM response_patterns WHERE user_id = ?`,
		userID).Scan(&hours, &days, &tz, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return p, ErrNotFound
	}
	if err != nil {
		return p, err
	}
	p.BestHours = splitInts(hours)
	p.BestDays = splitInts(days)
	p.Timezone = tz.String
	p.LastUpdated = time.UnixMilli(updated)
	return p, nil
}

func (s *sqliteStore) SavePattern(ctx context.Context, p outbound.ResponsePattern) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO response_patterns(user_id, best_hours, best_days, timezone, last_updated)
		 VALUES(?,?,?,?,?)
		 ON CONFLICT(user_id) DO UPDATE SET
		   best_hours=excluded.best_hours, best_days=excluded.best_days,
		   timezone=excluded.timezone, last_updated=excluded.last_updated`,
		p.UserID, joinInts(p.BestHours), joinInts(p.BestDays), nullStr(p.Timezone),
		p.LastUpdated.UnixMilli())
	return err
}

func (s *sqliteStore) InsertReformulationTask(ctx context.Context, t outbound.ReformulationTask) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO reformulation_tasks(id, message_id, user_id, producer_id, payload, reason, created_at)
		 VALUES(?,?,?,?,?,?,?)`,
		t.ID, t.MessageID, t.UserID, t.ProducerID, string(t.Payload), nullStr(t.Reason),
		t.CreatedAt.UnixMilli())
	return err
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

func boolInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

func joinInts(vs []int) string {
	parts := make([]string, 0, len(vs))
	for _, v := range vs {
		parts = append(parts, strconv.Itoa(v))
	}
	return strings.Join(parts, ",")
}

func splitInts(s string) []int {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	var out []int
	for _, p := range strings.Split(s, ",") {
		v, err := strconv.Atoi(strings.TrimSpace(p))
		if err == nil {
			out = append(out, v)
		}
	}
	return out
}
