package db

import (
	"io/fs"
	"strings"
	"testing"
)

func TestMigrationsArePaired(t *testing.T) {
	entries, err := fs.ReadDir(migrations, "migrations")
	if err != nil {
		t.Fatalf("read embedded migrations: %v", err)
	}
	ups, downs := map[string]bool{}, map[string]bool{}
	for _, e := range entries {
		name := e.Name()
		switch {
		case strings.HasSuffix(name, ".up.sql"):
			ups[strings.TrimSuffix(name, ".up.sql")] = true
		case strings.HasSuffix(name, ".down.sql"):
			downs[strings.TrimSuffix(name, ".down.sql")] = true
		default:
			t.Errorf("unexpected file in migrations: %s", name)
		}
	}
	if len(ups) == 0 {
		t.Fatal("no migrations embedded")
	}
	for v := range ups {
		if !downs[v] {
			t.Errorf("migration %s has no down file", v)
		}
	}
}

func TestMigrationsDeclareSeenAndReportUniqueness(t *testing.T) {
	up1, err := fs.ReadFile(migrations, "migrations/000001_messaging.up.sql")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(up1), "seen          BOOLEAN     NOT NULL DEFAULT FALSE") {
		t.Error("direct_messages.seen must default to false")
	}
	up2, err := fs.ReadFile(migrations, "migrations/000002_anonymous.up.sql")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(up2), "UNIQUE (message_id, reporter_user_id)") {
		t.Error("anonymous_reports must be unique per reporter")
	}
}
