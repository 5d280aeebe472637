package database

import "context"

// GetStats returns aggregate counts across all tables.
func (db *DB) GetStats(ctx context.Context) (*Stats, error) {
	var s Stats
	err := db.conn.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(*) FROM users),
			(SELECT COUNT(*) FROM sources),
			(SELECT COUNT(*) FROM sources WHERE kind = 'rss'),
			(SELECT COUNT(*) FROM sources WHERE kind = 'telegram'),
			(SELECT COUNT(*) FROM items),
			(SELECT COUNT(*) FROM tasks),
			(SELECT COUNT(*) FROM tasks WHERE active = 1),
			(SELECT COUNT(*) FROM item_task_results WHERE classified = 1),
			(SELECT COUNT(*) FROM item_task_results WHERE matches = 1)`,
	).Scan(&s.Users, &s.Sources, &s.RSSSources, &s.TGSources, &s.Items,
		&s.Tasks, &s.ActiveTasks, &s.Classified, &s.Matched)
	if err != nil {
		return nil, err
	}
	return &s, nil
}
