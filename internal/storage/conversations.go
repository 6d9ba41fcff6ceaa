package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

func (s *Store) CreateConversation(ctx context.Context, userID int64, title string) (int64, error) {
	now := s.now().UTC().Unix()
	res, err := s.exec(ctx,
		`INSERT INTO conversations(user_id, title, created_at, updated_at) VALUES(?, ?, ?, ?)`,
		userID, title, now, now)
	if err != nil {
		return 0, fmt.Errorf("create conversation: %w", err)
	}
	return res.LastInsertId()
}

// ActiveConversation returns the user's most recently updated conversation.
func (s *Store) ActiveConversation(ctx context.Context, userID int64) (int64, bool, error) {
	if s == nil || s.db == nil {
		return 0, false, ErrDisabled
	}
	var id int64
	err := s.db.QueryRowContext(ctx,
		`SELECT id FROM conversations WHERE user_id = ? ORDER BY updated_at DESC, id DESC LIMIT 1`,
		userID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return id, true, nil
}

// ConversationOwner returns the user id owning conv, or ErrNotFound.
func (s *Store) ConversationOwner(ctx context.Context, convID int64) (int64, error) {
	if s == nil || s.db == nil {
		return 0, ErrDisabled
	}
	var uid int64
	err := s.db.QueryRowContext(ctx, `SELECT user_id FROM conversations WHERE id = ?`, convID).Scan(&uid)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	return uid, err
}

// AppendMessage stores a message and bumps the conversation's updated_at.
func (s *Store) AppendMessage(ctx context.Context, convID int64, role, content string, at time.Time) (int64, error) {
	if at.IsZero() {
		at = s.now()
	}
	var id int64
	err := s.tx(ctx, func(tx *sql.Tx) error {
		var err error
		id, err = appendMessageTx(ctx, tx, convID, role, content, at)
		return err
	})
	return id, err
}

func appendMessageTx(ctx context.Context, tx *sql.Tx, convID int64, role, content string, at time.Time) (int64, error) {
	ts := at.UTC().Unix()
	res, err := tx.ExecContext(ctx,
		`INSERT INTO messages(conversation_id, role, content, created_at) VALUES(?, ?, ?, ?)`,
		convID, role, content, ts)
	if err != nil {
		return 0, fmt.Errorf("append message: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE conversations SET updated_at = MAX(updated_at, ?) WHERE id = ?`, ts, convID); err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// LastActivity returns the time of the newest message in conv, falling back
// to the conversation's updated_at. ok is false when conv does not exist.
func (s *Store) LastActivity(ctx context.Context, convID int64) (time.Time, bool, error) {
	if s == nil || s.db == nil {
		return time.Time{}, false, ErrDisabled
	}
	var ts sql.NullInt64
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE((SELECT MAX(created_at) FROM messages WHERE conversation_id = c.id), c.updated_at)
		FROM conversations c WHERE c.id = ?`, convID).Scan(&ts)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	t := fromNullUnix(ts)
	return t, !t.IsZero(), nil
}
