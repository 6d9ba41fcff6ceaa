package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// LastNudgeSentAt returns users.last_nudge_at.
func (s *Store) LastNudgeSentAt(ctx context.Context, userID int64) (time.Time, bool, error) {
	if s == nil || s.db == nil {
		return time.Time{}, false, ErrDisabled
	}
	var ts sql.NullInt64
	err := s.db.QueryRowContext(ctx, `SELECT last_nudge_at FROM users WHERE id = ?`, userID).Scan(&ts)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	t := fromNullUnix(ts)
	return t, !t.IsZero(), nil
}

// CountNudgesSince counts nudge_log rows for userID at or after since.
func (s *Store) CountNudgesSince(ctx context.Context, userID int64, since time.Time) (int, error) {
	if s == nil || s.db == nil {
		return 0, ErrDisabled
	}
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM nudge_log WHERE user_id = ? AND sent_at >= ?`,
		userID, since.UTC().Unix()).Scan(&n)
	return n, err
}

// CountNudgesToday counts nudges sent since UTC midnight of now.
func (s *Store) CountNudgesToday(ctx context.Context, userID int64, now time.Time) (int, error) {
	return s.CountNudgesSince(ctx, userID, startOfDayUTC(now))
}

// RecordNudge stores a delivered nudge in one transaction. It does these steps:
//   - appends the text as an assistant message
//   - charges it as free or paid
//   - writes nudge_log
//   - bumps last_nudge_at
//
// It returns the charged kind.
func (s *Store) RecordNudge(ctx context.Context, rec NudgeRecord) (string, error) {
	if rec.At.IsZero() {
		rec.At = s.now()
	}
	kind := NudgeKindFree
	err := s.tx(ctx, func(tx *sql.Tx) error {
		var used int
		if err := tx.QueryRowContext(ctx, `SELECT nudge_free_used FROM users WHERE id = ?`, rec.UserID).Scan(&used); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrNotFound
			}
			return err
		}

		var cost int64
		if used < rec.FreeLimit {
			if _, err := tx.ExecContext(ctx, `UPDATE users SET nudge_free_used = nudge_free_used + 1 WHERE id = ?`, rec.UserID); err != nil {
				return err
			}
		} else {
			kind = NudgeKindPaid
			cost = rec.Cost
			if _, err := tx.ExecContext(ctx, `UPDATE users SET paid_tokens = MAX(paid_tokens - ?, 0) WHERE id = ?`, cost, rec.UserID); err != nil {
				return err
			}
		}

		if rec.ConversationID > 0 && rec.Text != "" {
			if _, err := appendMessageTx(ctx, tx, rec.ConversationID, RoleAssistant, rec.Text, rec.At); err != nil {
				return err
			}
		}
		ts := rec.At.UTC().Unix()
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO nudge_log(user_id, conversation_id, kind, cost, sent_at) VALUES(?, ?, ?, ?, ?)`,
			rec.UserID, rec.ConversationID, kind, cost, ts); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `UPDATE users SET last_nudge_at = ? WHERE id = ?`, ts, rec.UserID)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("record nudge for user %d: %w", rec.UserID, err)
	}
	return kind, nil
}
