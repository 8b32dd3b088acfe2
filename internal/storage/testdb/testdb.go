// Package testdb opens migrated SQLite databases for tests and seeds collaborator rows.
package testdb

import (
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"taxreply/internal/config"
	"taxreply/internal/storage"
)

// Open returns a migrated database file under t.TempDir, closed on cleanup.
func Open(t testing.TB) *sql.DB {
	t.Helper()
	cfg := &config.Config{
		Databases: map[string]config.DatabaseConfig{
			"sqlite3": {DSN: filepath.Join(t.TempDir(), "test.db")},
		},
	}
	db, err := storage.Open("sqlite3", cfg)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := storage.Migrate(db, "sqlite3"); err != nil {
		db.Close()
		t.Fatalf("migrate db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

// InsertCase creates a case row.
func InsertCase(t testing.TB, db *sql.DB, name, instruction string) int64 {
	t.Helper()
	return insert(t, db, `INSERT INTO cases (name, custom_instruction, created_at) VALUES (?, ?, ?)`,
		name, instruction, time.Now().UTC())
}

// InsertDocument creates a document row with its extracted text.
func InsertDocument(t testing.TB, db *sql.DB, caseID int64, filename, docType, text string) int64 {
	t.Helper()
	return insert(t, db, `INSERT INTO documents (case_id, filename, doc_type, extracted_text, created_at) VALUES (?, ?, ?, ?, ?)`,
		caseID, filename, docType, text, time.Now().UTC())
}

// InsertRound creates a round row.
func InsertRound(t testing.TB, db *sql.DB, caseID int64, number int) int64 {
	t.Helper()
	return insert(t, db, `INSERT INTO rounds (case_id, number, created_at) VALUES (?, ?, ?)`,
		caseID, number, time.Now().UTC())
}

// InsertQuestion creates a question row.
func InsertQuestion(t testing.TB, db *sql.DB, roundID int64, number int, text, response string) int64 {
	t.Helper()
	now := time.Now().UTC()
	return insert(t, db, `INSERT INTO questions (round_id, number, text, response, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)`,
		roundID, number, text, response, now, now)
}

func insert(t testing.TB, db *sql.DB, query string, args ...any) int64 {
	t.Helper()
	res, err := db.Exec(query, args...)
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		t.Fatalf("last insert id: %v", err)
	}
	return id
}
