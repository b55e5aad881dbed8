package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Generation statuses.
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// Generation is one row of the generation history.
type Generation struct {
	ID           int64     `json:"id"`
	RequestID    string    `json:"request_id"`
	UserID       *int64    `json:"user_id,omitempty"`
	Prompt       string    `json:"prompt"`
	Backend      string    `json:"backend"`
	Device       string    `json:"device,omitempty"`
	Enhanced     bool      `json:"enhanced"`
	Fallback     bool      `json:"fallback"`
	ImagePath    string    `json:"image_path,omitempty"`
	LatestPath   string    `json:"latest_path,omitempty"`
	Guidance     float64   `json:"guidance"`
	Steps        int       `json:"steps"`
	DurationMS   int64     `json:"duration_ms"`
	Status       string    `json:"status"`
	ErrorMessage string    `json:"error_message,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

const insertGenerationQuery = `
	INSERT INTO generations (
		request_id, user_id, prompt, backend, device, enhanced, fallback,
		image_path, latest_path, guidance, steps, duration_ms, status,
		error_message, created_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

func generationArgs(g Generation) []interface{} {
	var userID interface{}
	if g.UserID != nil {
		userID = *g.UserID
	}
	if g.CreatedAt.IsZero() {
		g.CreatedAt = time.Now()
	}
	return []interface{}{
		g.RequestID, userID, g.Prompt, g.Backend, nullString(g.Device),
		boolInt(g.Enhanced), boolInt(g.Fallback),
		nullString(g.ImagePath), nullString(g.LatestPath),
		g.Guidance, g.Steps, g.DurationMS, g.Status,
		nullString(g.ErrorMessage), formatTime(g.CreatedAt),
	}
}

// RecordGeneration stores g. With a running AsyncWriter the insert is queued
// and the returned id is 0; a full queue falls back to a synchronous write.
func (r *Repository) RecordGeneration(ctx context.Context, g Generation) (int64, error) {
	if r.asyncWriter != nil && r.asyncWriter.IsStarted() {
		if r.asyncWriter.Write(g) {
			return 0, nil
		}
	}
	return r.InsertGeneration(ctx, g)
}

// InsertGeneration stores g synchronously and returns its id.
func (r *Repository) InsertGeneration(ctx context.Context, g Generation) (int64, error) {
	conn, err := r.db.conn()
	if err != nil {
		return 0, err
	}
	res, err := conn.ExecContext(ctx, insertGenerationQuery, generationArgs(g)...)
	if err != nil {
		return 0, fmt.Errorf("failed to insert generation: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to get last insert id: %w", err)
	}
	return id, nil
}

// GenerationWriteHandler is the AsyncWriter handler for queued generations.
func (r *Repository) GenerationWriteHandler() WriteHandler {
	return func(ctx context.Context, op WriteOperation) error {
		g, ok := op.Data.(Generation)
		if !ok {
			return fmt.Errorf("invalid operation type %T, want Generation", op.Data)
		}
		_, err := r.InsertGeneration(ctx, g)
		return err
	}
}

// RecentGenerations returns up to limit rows, newest first. A non-nil userID
// restricts the result to that user's generations.
func (r *Repository) RecentGenerations(ctx context.Context, userID *int64, limit int) ([]Generation, error) {
	conn, err := r.db.conn()
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 50
	}

	query := `
		SELECT id, request_id, user_id, prompt, backend, device, enhanced, fallback,
		       image_path, latest_path, guidance, steps, duration_ms, status,
		       error_message, created_at
		FROM generations`
	args := []interface{}{}
	if userID != nil {
		query += ` WHERE user_id = ?`
		args = append(args, *userID)
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query generations: %w", err)
	}
	defer rows.Close()

	out := []Generation{}
	for rows.Next() {
		var (
			g                                        Generation
			uid                                      sql.NullInt64
			device, imagePath, latestPath, errorText sql.NullString
			enhanced, fallback                       int
			createdAt                                string
		)
		if err := rows.Scan(&g.ID, &g.RequestID, &uid, &g.Prompt, &g.Backend, &device,
			&enhanced, &fallback, &imagePath, &latestPath, &g.Guidance, &g.Steps,
			&g.DurationMS, &g.Status, &errorText, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan generation: %w", err)
		}
		if uid.Valid {
			id := uid.Int64
			g.UserID = &id
		}
		g.Device = device.String
		g.ImagePath = imagePath.String
		g.LatestPath = latestPath.String
		g.ErrorMessage = errorText.String
		g.Enhanced = enhanced != 0
		g.Fallback = fallback != 0
		g.CreatedAt = parseTime(createdAt)
		out = append(out, g)
	}
	return out, rows.Err()
}

// CountGenerations returns the number of stored generations.
func (r *Repository) CountGenerations(ctx context.Context) (int64, error) {
	conn, err := r.db.conn()
	if err != nil {
		return 0, err
	}
	var n int64
	if err := conn.QueryRowContext(ctx, "SELECT COUNT(*) FROM generations").Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count generations: %w", err)
	}
	return n, nil
}
