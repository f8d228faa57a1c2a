package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// UpsertUser inserts or updates a directory record and refreshes the display
// summary embedded in every conversation the user belongs to.
func (db *DB) UpsertUser(ctx context.Context, u *User) error {
	return db.BulkUpsertUsers(ctx, []User{*u})
}

// BulkUpsertUsers upserts directory records in one transaction.
func (db *DB) BulkUpsertUsers(ctx context.Context, users []User) error {
	if len(users) == 0 {
		return nil
	}
	return db.RunTx(ctx, func(t *Tx) error {
		for _, u := range users {
			if u.UpdatedAt == 0 {
				u.UpdatedAt = t.now
			}
			if _, err := t.tx.ExecContext(ctx, `
				INSERT INTO users (id, display_name, avatar_url, push_token, updated_at)
				VALUES (?, ?, ?, ?, ?)
				ON CONFLICT(id) DO UPDATE SET
					display_name = CASE WHEN excluded.display_name != '' THEN excluded.display_name ELSE users.display_name END,
					avatar_url = CASE WHEN excluded.avatar_url != '' THEN excluded.avatar_url ELSE users.avatar_url END,
					push_token = CASE WHEN excluded.push_token != '' THEN excluded.push_token ELSE users.push_token END,
					updated_at = excluded.updated_at`,
				u.ID, u.DisplayName, u.AvatarURL, u.PushToken, u.UpdatedAt); err != nil {
				return fmt.Errorf("upsert user %s: %w", u.ID, err)
			}
			if _, err := t.tx.ExecContext(ctx, `
				UPDATE conversation_members SET
					display_name = (SELECT display_name FROM users WHERE id = ?),
					avatar_url = (SELECT avatar_url FROM users WHERE id = ?),
					summary_at = ?
				WHERE user_id = ?`, u.ID, u.ID, u.UpdatedAt, u.ID); err != nil {
				return fmt.Errorf("refresh summaries of %s: %w", u.ID, err)
			}
		}
		return nil
	})
}

// GetUser returns one directory record or ErrNotFound.
func (db *DB) GetUser(ctx context.Context, id string) (*User, error) {
	var u User
	err := db.QueryRowContext(ctx, `
		SELECT id, display_name, avatar_url, push_token, updated_at FROM users WHERE id = ?`, id).
		Scan(&u.ID, &u.DisplayName, &u.AvatarURL, &u.PushToken, &u.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// GetUsers returns the known records among ids keyed by id.
func (db *DB) GetUsers(ctx context.Context, ids []string) (map[string]User, error) {
	out := make(map[string]User, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	rows, err := db.QueryContext(ctx, `
		SELECT id, display_name, avatar_url, push_token, updated_at FROM users
		WHERE id IN (`+placeholders(len(ids))+`)`, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var u User
		if err := rows.Scan(&u.ID, &u.DisplayName, &u.AvatarURL, &u.PushToken, &u.UpdatedAt); err != nil {
			return nil, err
		}
		out[u.ID] = u
	}
	return out, rows.Err()
}
