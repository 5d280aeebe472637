package database

import (
	"bytes"
	"database/sql"
	"path/filepath"
	"strings"
	"testing"

	_ "modernc.org/sqlite"

	"github.com/TobiSchelling/newswatcher/internal/logging"
)

func TestMigrateNewDB(t *testing.T) {
	db := openTestDB(t)

	version, err := getSchemaVersion(db.conn)
	if err != nil {
		t.Fatalf("getSchemaVersion: %v", err)
	}
	if version != latestVersion() {
		t.Errorf("expected version %d, got %d", latestVersion(), version)
	}
}

func TestMigrateFromVersionOne(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "v1.db")

	raw, err := sql.Open("sqlite", dbPath)
	if err != nil {
		t.Fatalf("open raw db: %v", err)
	}
	tx, err := raw.Begin()
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := migrations[0].Up(tx); err != nil {
		t.Fatalf("apply v1: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if _, err := raw.Exec("PRAGMA user_version = 1"); err != nil {
		t.Fatalf("stamp v1: %v", err)
	}
	if _, err := raw.Exec("INSERT INTO users (email) VALUES ('old@example.com')"); err != nil {
		t.Fatalf("seed user: %v", err)
	}
	raw.Close()

	db, err := Open(dbPath, logging.Discard())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer db.Close()

	users, err := db.ListUsers(t.Context())
	if err != nil {
		t.Fatalf("ListUsers: %v", err)
	}
	if len(users) != 1 || users[0].LLMAPIKey != nil {
		t.Errorf("expected migrated user without key, got %+v", users)
	}
}

func TestMigrateIdempotent(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "idem.db")

	db1, err := Open(dbPath, logging.Discard())
	if err != nil {
		t.Fatalf("first Open: %v", err)
	}
	db1.Close()

	db2, err := Open(dbPath, logging.Discard())
	if err != nil {
		t.Fatalf("second Open: %v", err)
	}
	defer db2.Close()

	version, err := getSchemaVersion(db2.conn)
	if err != nil {
		t.Fatalf("getSchemaVersion: %v", err)
	}
	if version != latestVersion() {
		t.Errorf("expected version %d, got %d", latestVersion(), version)
	}
}

func TestMigrationsAreOrdered(t *testing.T) {
	for i, m := range migrations {
		if m.Version != i+1 {
			t.Errorf("migration at index %d has version %d, want %d", i, m.Version, i+1)
		}
		if m.Description == "" {
			t.Errorf("migration %d has no description", m.Version)
		}
	}
}

func TestOpenLogsToInjectedLogger(t *testing.T) {
	var buf bytes.Buffer
	db, err := Open(filepath.Join(t.TempDir(), "logged.db"), logging.NewWithWriter(&buf, "info"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer db.Close()

	out := buf.String()
	if !strings.Contains(out, "applying migration") || !strings.Contains(out, "component=database") {
		t.Errorf("expected migration logs on injected logger, got %q", out)
	}
}
