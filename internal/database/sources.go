package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
)

var sourceColumns = []string{
	"s.id", "s.user_id", "s.name", "s.kind", "s.locator", "s.active", "s.last_fetched_at", "s.created_at",
}

// SourceFilter narrows ListSources. Zero values match everything.
type SourceFilter struct {
	UserID int64
	Kind   SourceKind
	Active *bool
}

// CreateSource inserts a source and returns its ID.
func (db *DB) CreateSource(ctx context.Context, userID int64, name string, kind SourceKind, locator string) (int64, error) {
	if !kind.Valid() {
		return 0, fmt.Errorf("unknown source kind %q", kind)
	}
	locator = strings.TrimSpace(locator)
	if locator == "" {
		return 0, errors.New("locator is required")
	}
	if strings.TrimSpace(name) == "" {
		name = locator
	}
	res, err := db.conn.ExecContext(ctx,
		"INSERT INTO sources (user_id, name, kind, locator) VALUES (?, ?, ?, ?)",
		userID, name, string(kind), locator,
	)
	if err != nil {
		return 0, fmt.Errorf("inserting source: %w", err)
	}
	return res.LastInsertId()
}

// GetSource returns a source by ID, or nil if it does not exist.
func (db *DB) GetSource(ctx context.Context, id int64) (*Source, error) {
	query, args, err := builder.Select(sourceColumns...).From("sources s").Where(sq.Eq{"s.id": id}).ToSql()
	if err != nil {
		return nil, err
	}
	s, err := scanSource(db.conn.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return s, nil
}

// ListSources returns the sources matching f ordered by ID.
func (db *DB) ListSources(ctx context.Context, f SourceFilter) ([]Source, error) {
	q := builder.Select(sourceColumns...).From("sources s").OrderBy("s.id")
	if f.UserID != 0 {
		q = q.Where(sq.Eq{"s.user_id": f.UserID})
	}
	if f.Kind != "" {
		q = q.Where(sq.Eq{"s.kind": string(f.Kind)})
	}
	if f.Active != nil {
		q = q.Where(sq.Eq{"s.active": boolInt(*f.Active)})
	}
	return db.querySources(ctx, q)
}

// ActiveSourcesForActiveTasks returns the active sources of the given
// kind that are linked to at least one active task.
func (db *DB) ActiveSourcesForActiveTasks(ctx context.Context, kind SourceKind) ([]Source, error) {
	q := builder.Select(sourceColumns...).Distinct().
		From("sources s").
		Join("source_tasks st ON st.source_id = s.id").
		Join("tasks t ON t.id = st.task_id").
		Where(sq.Eq{"s.kind": string(kind), "s.active": 1, "t.active": 1}).
		OrderBy("s.id")
	return db.querySources(ctx, q)
}

// SetSourceActive enables or disables a source.
func (db *DB) SetSourceActive(ctx context.Context, id int64, active bool) error {
	res, err := db.conn.ExecContext(ctx, "UPDATE sources SET active = ? WHERE id = ?", boolInt(active), id)
	if err != nil {
		return err
	}
	return requireAffected(res)
}

// TouchSource records that the source was fetched at the given time.
func (t *Tx) TouchSource(ctx context.Context, sourceID int64, at time.Time) error {
	_, err := t.tx.ExecContext(ctx, "UPDATE sources SET last_fetched_at = ? WHERE id = ?", NewTime(at), sourceID)
	if err != nil {
		return fmt.Errorf("updating last_fetched_at: %w", err)
	}
	return nil
}

func (db *DB) querySources(ctx context.Context, q sq.SelectBuilder) ([]Source, error) {
	query, args, err := q.ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sources []Source
	for rows.Next() {
		s, err := scanSource(rows)
		if err != nil {
			return nil, err
		}
		sources = append(sources, *s)
	}
	return sources, rows.Err()
}

func scanSource(row rowScanner) (*Source, error) {
	var s Source
	var kind string
	var active int
	var fetched NullTime
	if err := row.Scan(&s.ID, &s.UserID, &s.Name, &kind, &s.Locator, &active, &fetched, &s.CreatedAt); err != nil {
		return nil, err
	}
	s.Kind = SourceKind(kind)
	s.Active = active != 0
	s.LastFetchedAt = fetched.Ptr()
	return &s, nil
}
