package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// UpsertPendingPlan replaces the user's pending plan and returns the new row id.
func (s *Store) UpsertPendingPlan(ctx context.Context, userID, convID int64, fireAt time.Time) (int64, error) {
	var id int64
	err := s.tx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM nudge_plan WHERE user_id = ? AND status = ?`, userID, PlanPending); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx,
			`INSERT INTO nudge_plan(user_id, conversation_id, fire_at, status, created_at) VALUES(?, ?, ?, ?, ?)`,
			userID, convID, fireAt.UTC().Unix(), PlanPending, s.now().UTC().Unix())
		if err != nil {
			return err
		}
		id, err = res.LastInsertId()
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("upsert plan for user %d: %w", userID, err)
	}
	return id, nil
}

func (s *Store) ClearPendingPlan(ctx context.Context, userID int64) error {
	if _, err := s.exec(ctx, `DELETE FROM nudge_plan WHERE user_id = ? AND status = ?`, userID, PlanPending); err != nil {
		return fmt.Errorf("clear plan for user %d: %w", userID, err)
	}
	return nil
}

// RetirePendingPlan moves the pending plan to status (SENT or SKIPPED).
// It is a no-op when the user has no pending plan.
func (s *Store) RetirePendingPlan(ctx context.Context, userID int64, status PlanStatus, at time.Time) error {
	if status == PlanPending {
		return fmt.Errorf("retire plan: status must not be %s", PlanPending)
	}
	if _, err := s.exec(ctx,
		`UPDATE nudge_plan SET status = ?, sent_at = ? WHERE user_id = ? AND status = ?`,
		status, unixOrNull(at), userID, PlanPending); err != nil {
		return fmt.Errorf("retire plan for user %d: %w", userID, err)
	}
	return nil
}

func (s *Store) PendingPlan(ctx context.Context, userID int64) (PlanEntry, bool, error) {
	if s == nil || s.db == nil {
		return PlanEntry{}, false, ErrDisabled
	}
	p, err := scanPlan(s.db.QueryRowContext(ctx, `SELECT `+planColumns+` FROM nudge_plan WHERE user_id = ? AND status = ?`, userID, PlanPending))
	if errors.Is(err, sql.ErrNoRows) {
		return PlanEntry{}, false, nil
	}
	if err != nil {
		return PlanEntry{}, false, err
	}
	return p, true, nil
}

// ListPendingPlans returns every pending plan ordered by fire time.
func (s *Store) ListPendingPlans(ctx context.Context) ([]PlanEntry, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+planColumns+` FROM nudge_plan WHERE status = ? ORDER BY fire_at, id`, PlanPending)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []PlanEntry
	for rows.Next() {
		p, err := scanPlan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

const planColumns = `id, user_id, conversation_id, fire_at, status, created_at, sent_at`

func scanPlan(r rowScanner) (PlanEntry, error) {
	var (
		p               PlanEntry
		fireAt, created int64
		status          string
		sent            sql.NullInt64
	)
	if err := r.Scan(&p.ID, &p.UserID, &p.ConversationID, &fireAt, &status, &created, &sent); err != nil {
		return PlanEntry{}, err
	}
	p.FireAt = fromUnix(fireAt)
	p.Status = PlanStatus(status)
	p.CreatedAt = fromUnix(created)
	p.SentAt = fromNullUnix(sent)
	return p, nil
}
