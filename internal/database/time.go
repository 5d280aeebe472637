package database

import (
	"database/sql/driver"
	"fmt"
	"time"
)

// timeLayout is fixed width so that string comparison in SQL matches
// chronological order.
const timeLayout = "2006-01-02 15:04:05.000000"

// Time is a UTC timestamp stored as fixed-width text.
type Time struct {
	time.Time
}

// NewTime wraps t, normalized to UTC with microsecond precision.
func NewTime(t time.Time) Time {
	return Time{t.UTC().Truncate(time.Microsecond)}
}

// Value implements driver.Valuer.
func (t Time) Value() (driver.Value, error) {
	return t.UTC().Format(timeLayout), nil
}

// Scan implements sql.Scanner.
func (t *Time) Scan(src any) error {
	var s string
	switch v := src.(type) {
	case string:
		s = v
	case []byte:
		s = string(v)
	case time.Time:
		*t = NewTime(v)
		return nil
	case nil:
		*t = Time{}
		return nil
	default:
		return fmt.Errorf("cannot scan %T into Time", src)
	}
	parsed, err := time.ParseInLocation(timeLayout, s, time.UTC)
	if err != nil {
		// Rows written by SQLite defaults use datetime('now').
		parsed, err = time.ParseInLocation(time.DateTime, s, time.UTC)
		if err != nil {
			return fmt.Errorf("parsing time %q: %w", s, err)
		}
	}
	t.Time = parsed
	return nil
}

// NullTime is a Time that may be NULL.
type NullTime struct {
	Time  Time
	Valid bool
}

// Scan implements sql.Scanner.
func (n *NullTime) Scan(src any) error {
	if src == nil {
		n.Time, n.Valid = Time{}, false
		return nil
	}
	n.Valid = true
	return n.Time.Scan(src)
}

// Ptr returns the time or nil when NULL.
func (n NullTime) Ptr() *time.Time {
	if !n.Valid {
		return nil
	}
	t := n.Time.Time
	return &t
}

func nowText() string {
	return time.Now().UTC().Format(timeLayout)
}
