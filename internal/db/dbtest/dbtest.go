// Package dbtest connects tests to a scratch PostgreSQL database. Tests are
// skipped when TEST_DATABASE_URL is unset or the server is unreachable.
package dbtest

import (
	"context"
	"database/sql"
	"os"
	"testing"

	"github.com/campuslink/chat-app/internal/db"
)

// Open returns a migrated database with every table truncated.
func Open(t testing.TB) *sql.DB {
	t.Helper()
	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	conn, err := db.Open(context.Background(), url)
	if err != nil {
		t.Skipf("postgres not available: %v", err)
	}
	if err := db.Migrate(url); err != nil {
		conn.Close()
		t.Fatalf("migrate: %v", err)
	}
	truncate(t, conn)
	t.Cleanup(func() {
		truncate(t, conn)
		conn.Close()
	})
	return conn
}

func truncate(t testing.TB, conn *sql.DB) {
	const q = `TRUNCATE direct_messages, anonymous_reports, anonymous_messages RESTART IDENTITY CASCADE`
	if _, err := conn.Exec(q); err != nil {
		t.Fatalf("truncate: %v", err)
	}
}
