package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	sq "github.com/Masterminds/squirrel"
)

// UpsertResult records a terminal classification for the pair,
// overwriting any pending row.
func (t *Tx) UpsertResult(ctx context.Context, itemID, taskID int64, out Outcome) error {
	at := NewTime(out.ClassifiedAt)
	response, err := json.Marshal(map[string]any{
		"rationale":     out.Rationale,
		"tokens_used":   out.TokensUsed,
		"classified_at": at.Format(timeLayout),
	})
	if err != nil {
		return fmt.Errorf("encoding response: %w", err)
	}
	_, err = t.tx.ExecContext(ctx,
		`INSERT INTO item_task_results (item_id, task_id, classified, matches, classified_at, response)
		VALUES (?, ?, 1, ?, ?, ?)
		ON CONFLICT (item_id, task_id) DO UPDATE SET
			classified = 1,
			matches = excluded.matches,
			classified_at = excluded.classified_at,
			response = excluded.response,
			updated_at = datetime('now')`,
		itemID, taskID, boolInt(out.Matches), at, string(response),
	)
	if err != nil {
		return fmt.Errorf("upserting result for item %d task %d: %w", itemID, taskID, err)
	}
	return nil
}

// GetResult returns the result row for a pair, or nil if none exists.
func (db *DB) GetResult(ctx context.Context, itemID, taskID int64) (*ItemTaskResult, error) {
	row := db.conn.QueryRowContext(ctx,
		`SELECT item_id, task_id, classified, matches, classified_at, response
		FROM item_task_results WHERE item_id = ? AND task_id = ?`, itemID, taskID)
	r, err := scanResult(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return r, nil
}

// ResetResult marks a pair as pending so the next classification run
// judges it again. Pairs without a row are already pending.
func (db *DB) ResetResult(ctx context.Context, itemID, taskID int64) error {
	_, err := db.conn.ExecContext(ctx,
		`INSERT INTO item_task_results (item_id, task_id, classified)
		VALUES (?, ?, 0)
		ON CONFLICT (item_id, task_id) DO UPDATE SET
			classified = 0,
			matches = NULL,
			classified_at = NULL,
			updated_at = datetime('now')`,
		itemID, taskID,
	)
	if err != nil {
		return fmt.Errorf("resetting result for item %d task %d: %w", itemID, taskID, err)
	}
	return nil
}

// ResultsForTask returns the classified items of a task, newest first.
// When matchedOnly is set, unmatched items are left out.
func (db *DB) ResultsForTask(ctx context.Context, taskID int64, matchedOnly bool, limit int) ([]MatchedItem, error) {
	cols := append([]string{}, itemColumns...)
	cols = append(cols, "s.name", "r.item_id", "r.task_id", "r.classified", "r.matches", "r.classified_at", "r.response")
	q := builder.Select(cols...).
		From("item_task_results r").
		Join("items i ON i.id = r.item_id").
		Join("sources s ON s.id = i.source_id").
		Where(sq.Eq{"r.task_id": taskID, "r.classified": 1}).
		OrderBy("i.published_at DESC", "i.id DESC")
	if matchedOnly {
		q = q.Where(sq.Eq{"r.matches": 1})
	}
	if limit > 0 {
		q = q.Limit(uint64(limit))
	}
	query, args, err := q.ToSql()
	if err != nil {
		return nil, err
	}

	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []MatchedItem
	for rows.Next() {
		var m MatchedItem
		var published, fetched Time
		var payload, response string
		var classified int
		var matches sql.NullInt64
		var classifiedAt NullTime
		if err := rows.Scan(
			&m.Item.ID, &m.Item.SourceID, &m.Item.Title, &m.Item.Body, &m.Item.URL, &m.Item.ExternalID,
			&published, &fetched, &payload,
			&m.SourceName,
			&m.Result.ItemID, &m.Result.TaskID, &classified, &matches, &classifiedAt, &response,
		); err != nil {
			return nil, err
		}
		m.Item.PublishedAt = published.Time
		m.Item.FetchedAt = fetched.Time
		if err := json.Unmarshal([]byte(payload), &m.Item.RawPayload); err != nil {
			return nil, fmt.Errorf("decoding raw payload of item %d: %w", m.Item.ID, err)
		}
		fillResult(&m.Result, classified, matches, classifiedAt)
		if err := json.Unmarshal([]byte(response), &m.Result.Response); err != nil {
			return nil, fmt.Errorf("decoding response of item %d: %w", m.Item.ID, err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// TaskSummaries returns every task with its linked source count and
// classified/matched totals.
func (db *DB) TaskSummaries(ctx context.Context) ([]TaskSummary, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT t.id, t.user_id, t.name, t.prompt, t.active, t.created_at, t.updated_at,
			(SELECT COUNT(*) FROM source_tasks st WHERE st.task_id = t.id),
			(SELECT COUNT(*) FROM item_task_results r WHERE r.task_id = t.id AND r.classified = 1),
			(SELECT COUNT(*) FROM item_task_results r WHERE r.task_id = t.id AND r.matches = 1)
		FROM tasks t ORDER BY t.id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []TaskSummary
	for rows.Next() {
		var s TaskSummary
		var active int
		if err := rows.Scan(&s.Task.ID, &s.Task.UserID, &s.Task.Name, &s.Task.Prompt, &active,
			&s.Task.CreatedAt, &s.Task.UpdatedAt, &s.Sources, &s.Classified, &s.Matched); err != nil {
			return nil, err
		}
		s.Task.Active = active != 0
		out = append(out, s)
	}
	return out, rows.Err()
}

func scanResult(row rowScanner) (*ItemTaskResult, error) {
	var r ItemTaskResult
	var classified int
	var matches sql.NullInt64
	var classifiedAt NullTime
	var response string
	if err := row.Scan(&r.ItemID, &r.TaskID, &classified, &matches, &classifiedAt, &response); err != nil {
		return nil, err
	}
	fillResult(&r, classified, matches, classifiedAt)
	if err := json.Unmarshal([]byte(response), &r.Response); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}
	return &r, nil
}

func fillResult(r *ItemTaskResult, classified int, matches sql.NullInt64, classifiedAt NullTime) {
	r.Classified = classified != 0
	if matches.Valid {
		m := matches.Int64 != 0
		r.Matches = &m
	}
	r.ClassifiedAt = classifiedAt.Ptr()
}
