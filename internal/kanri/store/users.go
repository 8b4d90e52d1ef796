package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/bdobrica/Kanri/common/textnorm"
)

const userColumns = `user_id, display_name, normalized_name, email, handle`

// UpsertUser inserts u or refreshes the display name, email and handle of an
// existing user with the same id.
func (s *Store) UpsertUser(ctx context.Context, u *User) error {
	u.NormalizedName = textnorm.Name(u.DisplayName)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (user_id, display_name, normalized_name, email, handle)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			display_name = excluded.display_name,
			normalized_name = excluded.normalized_name,
			email = excluded.email,
			handle = excluded.handle
	`, u.ID, u.DisplayName, u.NormalizedName, u.Email, u.Handle)
	if err != nil {
		return fmt.Errorf("failed to upsert user %s: %w", u.ID, err)
	}
	return nil
}

// GetUser returns the user with the given id or ErrNotFound.
func (s *Store) GetUser(ctx context.Context, id string) (*User, error) {
	return s.getUserWhere(ctx, "user_id = ?", id)
}

// GetUserByHandle returns the user whose chat handle is handle or ErrNotFound.
func (s *Store) GetUserByHandle(ctx context.Context, handle string) (*User, error) {
	return s.getUserWhere(ctx, "handle = ? AND handle <> ''", handle)
}

// FindUsersByName returns users whose normalized display name equals the
// normalized form of name.
func (s *Store) FindUsersByName(ctx context.Context, name string) ([]*User, error) {
	return s.queryUsers(ctx, `SELECT `+userColumns+` FROM users WHERE normalized_name = ? ORDER BY user_id`,
		textnorm.Name(name))
}

// ListUsers returns all users ordered by id.
func (s *Store) ListUsers(ctx context.Context) ([]*User, error) {
	return s.queryUsers(ctx, `SELECT `+userColumns+` FROM users ORDER BY user_id`)
}

// DeleteUser removes a user and, through cascades, their assignments, time
// entries and comments.
func (s *Store) DeleteUser(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM users WHERE user_id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete user: %w", err)
	}
	return expectOneRow(res, "user "+id)
}

// UserCount returns the number of users.
func (s *Store) UserCount(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM users`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count users: %w", err)
	}
	return n, nil
}

func (s *Store) getUserWhere(ctx context.Context, where string, arg any) (*User, error) {
	var u User
	err := s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE `+where, arg).
		Scan(&u.ID, &u.DisplayName, &u.NormalizedName, &u.Email, &u.Handle)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("user %v: %w", arg, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return &u, nil
}

func (s *Store) queryUsers(ctx context.Context, query string, args ...any) ([]*User, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query users: %w", err)
	}
	defer rows.Close()

	var users []*User
	for rows.Next() {
		var u User
		if err := rows.Scan(&u.ID, &u.DisplayName, &u.NormalizedName, &u.Email, &u.Handle); err != nil {
			return nil, fmt.Errorf("failed to scan user: %w", err)
		}
		users = append(users, &u)
	}
	return users, rows.Err()
}
