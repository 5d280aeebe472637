package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
)

// keyChunk bounds the size of IN lists sent to SQLite.
const keyChunk = 500

var itemColumns = []string{
	"i.id", "i.source_id", "i.title", "i.body", "i.url", "i.external_id",
	"i.published_at", "i.fetched_at", "i.raw_payload",
}

// ItemExists reports whether the source already holds an item with the
// given url or external ID. An item with neither key never exists.
func (t *Tx) ItemExists(ctx context.Context, sourceID int64, url, externalID *string) (bool, error) {
	var keys sq.Or
	if url != nil {
		keys = append(keys, sq.Eq{"url": *url})
	}
	if externalID != nil {
		keys = append(keys, sq.Eq{"external_id": *externalID})
	}
	if len(keys) == 0 {
		return false, nil
	}

	query, args, err := builder.Select("1").From("items").
		Where(sq.Eq{"source_id": sourceID}).Where(keys).Limit(1).ToSql()
	if err != nil {
		return false, err
	}
	var one int
	err = t.tx.QueryRowContext(ctx, query, args...).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("checking item existence: %w", err)
	}
	return true, nil
}

// ExistingKeys returns which of the given urls and external IDs are
// already stored for the source.
func (t *Tx) ExistingKeys(ctx context.Context, sourceID int64, urls, externalIDs []string) (Keys, error) {
	keys := Keys{URLs: map[string]bool{}, ExternalIDs: map[string]bool{}}
	if err := t.collectKeys(ctx, sourceID, "url", urls, keys.URLs); err != nil {
		return keys, err
	}
	if err := t.collectKeys(ctx, sourceID, "external_id", externalIDs, keys.ExternalIDs); err != nil {
		return keys, err
	}
	return keys, nil
}

func (t *Tx) collectKeys(ctx context.Context, sourceID int64, column string, values []string, into map[string]bool) error {
	for start := 0; start < len(values); start += keyChunk {
		end := min(start+keyChunk, len(values))
		query, args, err := builder.Select(column).From("items").
			Where(sq.Eq{"source_id": sourceID, column: values[start:end]}).ToSql()
		if err != nil {
			return err
		}
		rows, err := t.tx.QueryContext(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("loading existing %s keys: %w", column, err)
		}
		for rows.Next() {
			var v string
			if err := rows.Scan(&v); err != nil {
				rows.Close()
				return err
			}
			into[v] = true
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return err
		}
	}
	return nil
}

// InsertItem stores a new item and sets item.ID.
func (t *Tx) InsertItem(ctx context.Context, item *Item) (int64, error) {
	payload, err := json.Marshal(nonNilMap(item.RawPayload))
	if err != nil {
		return 0, fmt.Errorf("encoding raw payload: %w", err)
	}
	fetched := item.FetchedAt
	if fetched.IsZero() {
		fetched = time.Now()
	}
	res, err := t.tx.ExecContext(ctx,
		`INSERT INTO items (source_id, title, body, url, external_id, published_at, fetched_at, raw_payload)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		item.SourceID, item.Title, item.Body, item.URL, item.ExternalID,
		NewTime(item.PublishedAt), NewTime(fetched), string(payload),
	)
	if err != nil {
		return 0, fmt.Errorf("inserting item: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	item.ID = id
	return id, nil
}

// GetItem returns an item by ID, or nil if it does not exist.
func (db *DB) GetItem(ctx context.Context, id int64) (*Item, error) {
	query, args, err := builder.Select(itemColumns...).From("items i").Where(sq.Eq{"i.id": id}).ToSql()
	if err != nil {
		return nil, err
	}
	it, err := scanItem(db.conn.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return it, nil
}

// ItemsForSource returns the items of a source, newest first.
func (db *DB) ItemsForSource(ctx context.Context, sourceID int64) ([]Item, error) {
	return db.queryItems(ctx, builder.Select(itemColumns...).From("items i").
		Where(sq.Eq{"i.source_id": sourceID}).OrderBy("i.published_at DESC", "i.id DESC"))
}

// ItemsAfter returns up to limit items with an ID greater than afterID,
// in ID order.
func (db *DB) ItemsAfter(ctx context.Context, afterID int64, limit int) ([]Item, error) {
	return db.queryItems(ctx, builder.Select(itemColumns...).From("items i").
		Where(sq.Gt{"i.id": afterID}).OrderBy("i.id").Limit(uint64(limit)))
}

// CandidateItems returns the items of the task's linked sources that
// were published after since and have no terminal result for the task.
func (db *DB) CandidateItems(ctx context.Context, taskID int64, since time.Time) ([]Item, error) {
	return db.queryItems(ctx, builder.Select(itemColumns...).Distinct().
		From("items i").
		Join("source_tasks st ON st.source_id = i.source_id").
		LeftJoin("item_task_results r ON r.item_id = i.id AND r.task_id = ?", taskID).
		Where(sq.Eq{"st.task_id": taskID}).
		Where(sq.Gt{"i.published_at": NewTime(since)}).
		Where(sq.Or{sq.Eq{"r.item_id": nil}, sq.Eq{"r.classified": 0}}).
		OrderBy("i.published_at", "i.id"))
}

func (db *DB) queryItems(ctx context.Context, q sq.SelectBuilder) ([]Item, error) {
	query, args, err := q.ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []Item
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, *it)
	}
	return items, rows.Err()
}

func scanItem(row rowScanner) (*Item, error) {
	var it Item
	var published, fetched Time
	var payload string
	if err := row.Scan(&it.ID, &it.SourceID, &it.Title, &it.Body, &it.URL, &it.ExternalID,
		&published, &fetched, &payload); err != nil {
		return nil, err
	}
	it.PublishedAt = published.Time
	it.FetchedAt = fetched.Time
	if payload != "" {
		if err := json.Unmarshal([]byte(payload), &it.RawPayload); err != nil {
			return nil, fmt.Errorf("decoding raw payload of item %d: %w", it.ID, err)
		}
	}
	return &it, nil
}

func nonNilMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
