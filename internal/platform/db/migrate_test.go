package db

import (
	"os"
	"path/filepath"
	"testing"
)

func writeMigrations(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, content := range files {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}
	return dir
}

func TestLoadMigrations_SortedByVersion(t *testing.T) {
	dir := writeMigrations(t, map[string]string{
		"010_webhook_event_ttl.sql": "ALTER TABLE webhook_event ADD COLUMN expires_at TIMESTAMPTZ;",
		"001_claims.sql":            "CREATE TABLE claim (id UUID PRIMARY KEY);",
		"002_retry_queue.sql":       "CREATE TABLE retry_queue (id UUID PRIMARY KEY);",
	})

	files, err := NewMigrator(nil, dir).loadMigrations()
	if err != nil {
		t.Fatalf("loadMigrations: %v", err)
	}
	if len(files) != 3 {
		t.Fatalf("expected 3 migrations, got %d", len(files))
	}
	wantOrder := []int{1, 2, 10}
	for i, want := range wantOrder {
		if files[i].Version != want {
			t.Errorf("position %d: expected version %d, got %d", i, want, files[i].Version)
		}
	}
	if files[0].Name != "001_claims.sql" {
		t.Errorf("expected 001_claims.sql first, got %s", files[0].Name)
	}
	if files[0].SQL == "" {
		t.Error("expected migration SQL loaded")
	}
}

func TestLoadMigrations_SkipsNonMigrations(t *testing.T) {
	dir := writeMigrations(t, map[string]string{
		"001_claims.sql": "CREATE TABLE claim (id UUID PRIMARY KEY);",
		"seed.sql":       "INSERT INTO claim DEFAULT VALUES;",
		"notes.txt":      "not sql",
	})

	files, err := NewMigrator(nil, dir).loadMigrations()
	if err != nil {
		t.Fatalf("loadMigrations: %v", err)
	}
	if len(files) != 1 {
		t.Fatalf("expected only the numbered sql file, got %d", len(files))
	}
}

func TestLoadMigrations_MissingDir(t *testing.T) {
	if _, err := NewMigrator(nil, "/nonexistent/migrations").loadMigrations(); err == nil {
		t.Error("expected error for missing directory")
	}
}

func TestParseVersion(t *testing.T) {
	tests := []struct {
		name string
		want int
		ok   bool
	}{
		{"001_claims.sql", 1, true},
		{"042_backfill.sql", 42, true},
		{"claims.sql", 0, false},
		{"abc_claims.sql", 0, false},
	}
	for _, tt := range tests {
		got, ok := parseVersion(tt.name)
		if got != tt.want || ok != tt.ok {
			t.Errorf("parseVersion(%q) = (%d, %v), want (%d, %v)", tt.name, got, ok, tt.want, tt.ok)
		}
	}
}
