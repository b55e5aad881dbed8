package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrDuplicateEmail    = errors.New("email already registered")
	ErrDuplicateUsername = errors.New("username already taken")
)

// User is a row of the users table.
type User struct {
	ID             int64
	Email          string
	Username       string
	HashedPassword string
	IsActive       bool
	CreatedAt      time.Time
}

// CreateUser inserts u and returns it with ID and CreatedAt set. Unique
// violations map to ErrDuplicateEmail or ErrDuplicateUsername.
func (r *Repository) CreateUser(ctx context.Context, u User) (User, error) {
	conn, err := r.db.conn()
	if err != nil {
		return User{}, err
	}

	u.CreatedAt = time.Now().UTC()
	u.IsActive = true
	res, err := conn.ExecContext(ctx,
		`INSERT INTO users (email, username, hashed_password, is_active, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		u.Email, u.Username, u.HashedPassword, boolInt(u.IsActive), formatTime(u.CreatedAt))
	if err != nil {
		msg := err.Error()
		switch {
		case strings.Contains(msg, "UNIQUE constraint failed: users.email"):
			return User{}, ErrDuplicateEmail
		case strings.Contains(msg, "UNIQUE constraint failed: users.username"):
			return User{}, ErrDuplicateUsername
		}
		return User{}, fmt.Errorf("failed to insert user: %w", err)
	}

	u.ID, err = res.LastInsertId()
	if err != nil {
		return User{}, fmt.Errorf("failed to get last insert id: %w", err)
	}
	return u, nil
}

// GetUserByEmail returns ErrNotFound when no user has email.
func (r *Repository) GetUserByEmail(ctx context.Context, email string) (User, error) {
	return r.getUser(ctx, "email = ?", email)
}

// GetUserByID returns ErrNotFound when id does not exist.
func (r *Repository) GetUserByID(ctx context.Context, id int64) (User, error) {
	return r.getUser(ctx, "id = ?", id)
}

// UsernameTaken reports whether username is already registered.
func (r *Repository) UsernameTaken(ctx context.Context, username string) (bool, error) {
	_, err := r.getUser(ctx, "username = ?", username)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

func (r *Repository) getUser(ctx context.Context, where string, arg interface{}) (User, error) {
	conn, err := r.db.conn()
	if err != nil {
		return User{}, err
	}

	var (
		u         User
		active    int
		createdAt string
	)
	err = conn.QueryRowContext(ctx,
		`SELECT id, email, username, hashed_password, is_active, created_at
		 FROM users WHERE `+where, arg).
		Scan(&u.ID, &u.Email, &u.Username, &u.HashedPassword, &active, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, ErrNotFound
	}
	if err != nil {
		return User{}, fmt.Errorf("failed to query user: %w", err)
	}
	u.IsActive = active != 0
	u.CreatedAt = parseTime(createdAt)
	return u, nil
}
