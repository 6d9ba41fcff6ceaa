package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// expiryColumns lists the columns ExpireSubscriptions may compare against.
var expiryColumns = map[string]struct{}{
	"sub_end": {},
}

// GrantDailyAllowance adds amount free tokens to every free-tier, non-banned
// user not yet granted on now's UTC day. It returns the granted user ids.
func (s *Store) GrantDailyAllowance(ctx context.Context, amount int64, now time.Time) ([]int64, error) {
	if amount <= 0 {
		return nil, nil
	}
	dayStart := startOfDayUTC(now).Unix()
	ts := now.UTC().Unix()
	reason := "daily:" + now.UTC().Format("2006-01-02")

	var ids []int64
	err := s.tx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `
			SELECT id FROM users
			WHERE subscription = 'free' AND banned = 0
			  AND (last_daily_bonus_at IS NULL OR last_daily_bonus_at < ?)
			ORDER BY id`, dayStart)
		if err != nil {
			return err
		}
		for rows.Next() {
			var id int64
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return err
			}
			ids = append(ids, id)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		for _, id := range ids {
			if _, err := tx.ExecContext(ctx,
				`UPDATE users SET free_tokens = free_tokens + ?, last_daily_bonus_at = ? WHERE id = ?`,
				amount, ts, id); err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO allowance_log(user_id, amount, reason, created_at) VALUES(?, ?, ?, ?)`,
				id, amount, reason, ts); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("grant daily allowance: %w", err)
	}
	return ids, nil
}

// ExpireSubscriptions downgrades users whose col is before now to the free
// plan and clears col. col must be allowlisted; anything else returns
// ErrInvalidColumn without touching the database.
func (s *Store) ExpireSubscriptions(ctx context.Context, col string, now time.Time) ([]int64, error) {
	if _, ok := expiryColumns[col]; !ok {
		return nil, fmt.Errorf("%w: %q", ErrInvalidColumn, col)
	}
	ts := now.UTC().Unix()

	var ids []int64
	err := s.tx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx,
			`SELECT id FROM users WHERE `+col+` IS NOT NULL AND `+col+` < ? ORDER BY id`, ts)
		if err != nil {
			return err
		}
		for rows.Next() {
			var id int64
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return err
			}
			ids = append(ids, id)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}
		if len(ids) == 0 {
			return nil
		}
		_, err = tx.ExecContext(ctx,
			`UPDATE users SET subscription = 'free', `+col+` = NULL WHERE `+col+` IS NOT NULL AND `+col+` < ?`, ts)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("expire subscriptions: %w", err)
	}
	return ids, nil
}
