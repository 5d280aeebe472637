package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

const userColumns = "id, email, is_active, llm_api_key, created_at"

// CreateUser inserts a user and returns its ID.
func (db *DB) CreateUser(ctx context.Context, email string) (int64, error) {
	email = strings.TrimSpace(email)
	if email == "" {
		return 0, errors.New("email is required")
	}
	res, err := db.conn.ExecContext(ctx, "INSERT INTO users (email) VALUES (?)", email)
	if err != nil {
		return 0, fmt.Errorf("inserting user: %w", err)
	}
	return res.LastInsertId()
}

// GetUser returns a user by ID, or nil if it does not exist.
func (db *DB) GetUser(ctx context.Context, id int64) (*User, error) {
	row := db.conn.QueryRowContext(ctx, "SELECT "+userColumns+" FROM users WHERE id = ?", id)
	u, err := scanUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return u, nil
}

// ListUsers returns all users ordered by ID.
func (db *DB) ListUsers(ctx context.Context) ([]User, error) {
	return db.queryUsers(ctx, "SELECT "+userColumns+" FROM users ORDER BY id")
}

// ActiveUsers returns users whose account is active.
func (db *DB) ActiveUsers(ctx context.Context) ([]User, error) {
	return db.queryUsers(ctx, "SELECT "+userColumns+" FROM users WHERE is_active = 1 ORDER BY id")
}

// SetUserAPIKey stores or clears (nil) the user's classifier credential.
func (db *DB) SetUserAPIKey(ctx context.Context, id int64, key *string) error {
	res, err := db.conn.ExecContext(ctx, "UPDATE users SET llm_api_key = ? WHERE id = ?", key, id)
	if err != nil {
		return err
	}
	return requireAffected(res)
}

// SetUserActive enables or disables a user.
func (db *DB) SetUserActive(ctx context.Context, id int64, active bool) error {
	res, err := db.conn.ExecContext(ctx, "UPDATE users SET is_active = ? WHERE id = ?", boolInt(active), id)
	if err != nil {
		return err
	}
	return requireAffected(res)
}

func (db *DB) queryUsers(ctx context.Context, query string, args ...any) ([]User, error) {
	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, *u)
	}
	return users, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner) (*User, error) {
	var u User
	var active int
	if err := row.Scan(&u.ID, &u.Email, &active, &u.LLMAPIKey, &u.CreatedAt); err != nil {
		return nil, err
	}
	u.Active = active != 0
	return &u, nil
}

func requireAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
