package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

const userColumns = `id, username, created_at, banned, subscription, sub_end,
	free_tokens, paid_tokens, last_daily_bonus_at,
	nudge_enabled, nudge_per_day, nudge_min_gap_sec, nudge_min_delay_sec, nudge_max_delay_sec,
	nudge_window, nudge_free_used, last_nudge_at`

type rowScanner interface{ Scan(dest ...any) error }

func scanUser(r rowScanner) (User, error) {
	var (
		u                        User
		created                  int64
		banned, enabled          int
		subEnd, bonus, lastNudge sql.NullInt64
		gap, minDelay, maxDelay  int64
	)
	err := r.Scan(&u.ID, &u.Username, &created, &banned, &u.Subscription, &subEnd,
		&u.FreeTokens, &u.PaidTokens, &bonus,
		&enabled, &u.Nudge.PerDay, &gap, &minDelay, &maxDelay,
		&u.Nudge.Window, &u.NudgeFreeUsed, &lastNudge)
	if err != nil {
		return User{}, err
	}
	u.CreatedAt = fromUnix(created)
	u.Banned = banned != 0
	u.SubEnd = fromNullUnix(subEnd)
	u.LastDailyBonusAt = fromNullUnix(bonus)
	u.Nudge.Enabled = enabled != 0
	u.Nudge.MinGap = fromSecs(gap)
	u.Nudge.MinDelay = fromSecs(minDelay)
	u.Nudge.MaxDelay = fromSecs(maxDelay)
	u.LastNudgeAt = fromNullUnix(lastNudge)
	return u, nil
}

// EnsureUser inserts the user with the given nudge defaults if it is new,
// otherwise refreshes the username. created reports whether a row was inserted.
func (s *Store) EnsureUser(ctx context.Context, id int64, username string, defaults NudgeSettings) (u User, created bool, err error) {
	err = s.tx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO users (id, username, created_at,
				nudge_enabled, nudge_per_day, nudge_min_gap_sec, nudge_min_delay_sec, nudge_max_delay_sec, nudge_window)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO NOTHING`,
			id, username, s.now().UTC().Unix(),
			boolToInt(defaults.Enabled), defaults.PerDay,
			secs(defaults.MinGap), secs(defaults.MinDelay), secs(defaults.MaxDelay), defaults.Window,
		)
		if err != nil {
			return err
		}
		n, _ := res.RowsAffected()
		created = n > 0
		if !created && username != "" {
			if _, err := tx.ExecContext(ctx, `UPDATE users SET username = ? WHERE id = ? AND username <> ?`, username, id, username); err != nil {
				return err
			}
		}
		u, err = scanUser(tx.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id = ?`, id))
		return err
	})
	if err != nil {
		return User{}, false, fmt.Errorf("ensure user %d: %w", id, err)
	}
	return u, created, nil
}

func (s *Store) GetUser(ctx context.Context, id int64) (User, error) {
	if s == nil || s.db == nil {
		return User{}, ErrDisabled
	}
	u, err := scanUser(s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, ErrNotFound
	}
	return u, err
}

// UpdateNudgeSettings overwrites the stored nudge profile.
func (s *Store) UpdateNudgeSettings(ctx context.Context, id int64, ns NudgeSettings) error {
	res, err := s.exec(ctx, `
		UPDATE users SET nudge_enabled = ?, nudge_per_day = ?, nudge_min_gap_sec = ?,
			nudge_min_delay_sec = ?, nudge_max_delay_sec = ?, nudge_window = ?
		WHERE id = ?`,
		boolToInt(ns.Enabled), ns.PerDay, secs(ns.MinGap), secs(ns.MinDelay), secs(ns.MaxDelay), ns.Window, id)
	return affectedOne(res, err)
}

func (s *Store) SetNudgeEnabled(ctx context.Context, id int64, on bool) error {
	res, err := s.exec(ctx, `UPDATE users SET nudge_enabled = ? WHERE id = ?`, boolToInt(on), id)
	return affectedOne(res, err)
}

func (s *Store) SetBanned(ctx context.Context, id int64, banned bool) error {
	res, err := s.exec(ctx, `UPDATE users SET banned = ? WHERE id = ?`, boolToInt(banned), id)
	return affectedOne(res, err)
}

// SetSubscription sets plan and expiry. A zero end clears sub_end.
func (s *Store) SetSubscription(ctx context.Context, id int64, plan string, end time.Time) error {
	plan = strings.TrimSpace(plan)
	if plan == "" {
		plan = "free"
	}
	res, err := s.exec(ctx, `UPDATE users SET subscription = ?, sub_end = ? WHERE id = ?`, plan, unixOrNull(end), id)
	return affectedOne(res, err)
}

func (s *Store) ListUserIDs(ctx context.Context) ([]int64, error) {
	return s.queryIDs(ctx, `SELECT id FROM users ORDER BY id`)
}

// ListCandidates returns users that are enabled, not banned and own at least
// one conversation.
func (s *Store) ListCandidates(ctx context.Context) ([]int64, error) {
	return s.queryIDs(ctx, `
		SELECT u.id FROM users u
		WHERE u.nudge_enabled = 1 AND u.banned = 0
		  AND EXISTS (SELECT 1 FROM conversations c WHERE c.user_id = u.id)
		ORDER BY u.id`)
}

func (s *Store) queryIDs(ctx context.Context, query string, args ...any) ([]int64, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func affectedOne(res sql.Result, err error) error {
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
