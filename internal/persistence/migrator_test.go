package persistence

import (
	"io/fs"
	"strings"
	"testing"
	"testing/fstest"

	"AgentLedger/migrations"
)

func TestListMigrationFiles(t *testing.T) {
	files := fstest.MapFS{
		"000002_projections.up.sql":   {Data: []byte("SELECT 2")},
		"000001_event_log.up.sql":     {Data: []byte("SELECT 1")},
		"000001_event_log.down.sql":   {Data: []byte("SELECT -1")},
		"000002_projections.down.sql": {Data: []byte("SELECT -2")},
		"README.md":                   {Data: []byte("notes")},
		"archive/000000_old.up.sql":   {Data: []byte("SELECT 0")},
	}
	m := &Migrator{files: files}

	up, err := m.listMigrationFiles(".up.sql")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	want := []string{"000001_event_log.up.sql", "000002_projections.up.sql"}
	if strings.Join(up, ",") != strings.Join(want, ",") {
		t.Errorf("up files = %v, want %v", up, want)
	}

	down, err := m.listMigrationFiles(".down.sql")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(down) != 2 || down[0] != "000001_event_log.down.sql" {
		t.Errorf("down files = %v", down)
	}
}

func TestExtractVersion(t *testing.T) {
	cases := map[string]string{
		"000001_event_log.up.sql":   "000001",
		"000002_projections.up.sql": "000002",
		"noversion.sql":             "noversion.sql",
	}
	for in, want := range cases {
		if got := extractVersion(in); got != want {
			t.Errorf("extractVersion(%q) = %q, want %q", in, got, want)
		}
	}
}

// Every embedded up-migration needs a matching down-migration.
func TestEmbeddedMigrationsPaired(t *testing.T) {
	m := &Migrator{files: migrations.FS}
	up, err := m.listMigrationFiles(".up.sql")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(up) == 0 {
		t.Fatal("no embedded migrations")
	}
	for _, f := range up {
		down := strings.TrimSuffix(f, ".up.sql") + ".down.sql"
		if _, err := fs.Stat(migrations.FS, down); err != nil {
			t.Errorf("%s has no down migration: %v", f, err)
		}
	}
}
