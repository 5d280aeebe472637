package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

const taskColumns = "id, user_id, name, prompt, active, created_at, updated_at"

// CreateTask inserts a task and returns its ID.
func (db *DB) CreateTask(ctx context.Context, userID int64, name, prompt string) (int64, error) {
	if strings.TrimSpace(prompt) == "" {
		return 0, errors.New("prompt is required")
	}
	res, err := db.conn.ExecContext(ctx,
		"INSERT INTO tasks (user_id, name, prompt) VALUES (?, ?, ?)",
		userID, name, prompt,
	)
	if err != nil {
		return 0, fmt.Errorf("inserting task: %w", err)
	}
	return res.LastInsertId()
}

// GetTask returns a task by ID, or nil if it does not exist.
func (db *DB) GetTask(ctx context.Context, id int64) (*Task, error) {
	row := db.conn.QueryRowContext(ctx, "SELECT "+taskColumns+" FROM tasks WHERE id = ?", id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return t, nil
}

// ListTasks returns every task, or only the user's when userID is non-zero.
func (db *DB) ListTasks(ctx context.Context, userID int64) ([]Task, error) {
	if userID == 0 {
		return db.queryTasks(ctx, "SELECT "+taskColumns+" FROM tasks ORDER BY id")
	}
	return db.queryTasks(ctx, "SELECT "+taskColumns+" FROM tasks WHERE user_id = ? ORDER BY id", userID)
}

// ActiveTasks returns the user's active tasks.
func (db *DB) ActiveTasks(ctx context.Context, userID int64) ([]Task, error) {
	return db.queryTasks(ctx,
		"SELECT "+taskColumns+" FROM tasks WHERE user_id = ? AND active = 1 ORDER BY id", userID)
}

// SetTaskActive enables or disables a task.
func (db *DB) SetTaskActive(ctx context.Context, id int64, active bool) error {
	res, err := db.conn.ExecContext(ctx,
		"UPDATE tasks SET active = ?, updated_at = datetime('now') WHERE id = ?", boolInt(active), id)
	if err != nil {
		return err
	}
	return requireAffected(res)
}

// LinkSource attaches a source to a task. Linking twice is a no-op.
func (db *DB) LinkSource(ctx context.Context, taskID, sourceID int64) error {
	_, err := db.conn.ExecContext(ctx,
		"INSERT OR IGNORE INTO source_tasks (source_id, task_id) VALUES (?, ?)", sourceID, taskID)
	if err != nil {
		return fmt.Errorf("linking source %d to task %d: %w", sourceID, taskID, err)
	}
	return nil
}

// UnlinkSource detaches a source from a task.
func (db *DB) UnlinkSource(ctx context.Context, taskID, sourceID int64) error {
	res, err := db.conn.ExecContext(ctx,
		"DELETE FROM source_tasks WHERE source_id = ? AND task_id = ?", sourceID, taskID)
	if err != nil {
		return err
	}
	return requireAffected(res)
}

// TaskSources returns the IDs of the sources linked to a task.
func (db *DB) TaskSources(ctx context.Context, taskID int64) ([]int64, error) {
	rows, err := db.conn.QueryContext(ctx,
		"SELECT source_id FROM source_tasks WHERE task_id = ? ORDER BY source_id", taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (db *DB) queryTasks(ctx context.Context, query string, args ...any) ([]Task, error) {
	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, *t)
	}
	return tasks, rows.Err()
}

func scanTask(row rowScanner) (*Task, error) {
	var t Task
	var active int
	if err := row.Scan(&t.ID, &t.UserID, &t.Name, &t.Prompt, &active, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return nil, err
	}
	t.Active = active != 0
	return &t, nil
}
