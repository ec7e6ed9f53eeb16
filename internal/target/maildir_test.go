package target

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/korgalore/korgalore/internal/kerrors"
)

func countFiles(t *testing.T, dir string) int {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("reading %s: %v", dir, err)
	}
	return len(entries)
}

func TestNewMaildirCreatesStructure(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mail", "lists")
	m, err := NewMaildir("md", path)
	if err != nil {
		t.Fatal(err)
	}
	for _, sub := range []string{"cur", "new", "tmp"} {
		if _, err := os.Stat(filepath.Join(path, sub)); err != nil {
			t.Errorf("missing %s: %v", sub, err)
		}
	}
	if m.ID() != "md" || m.Type() != "maildir" {
		t.Errorf("identity = %s/%s", m.ID(), m.Type())
	}
}

func TestNewMaildirRequiresPath(t *testing.T) {
	if _, err := NewMaildir("md", ""); !errors.Is(err, kerrors.ErrConfiguration) {
		t.Fatalf("want configuration error, got %v", err)
	}
}

func TestMaildirImportLandsInNew(t *testing.T) {
	path := filepath.Join(t.TempDir(), "md")
	m, err := NewMaildir("md", path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := m.ImportMessage([]byte("From: a@b\r\n\r\nhi\r\n"), nil, ""); err != nil {
		t.Fatalf("ImportMessage: %v", err)
	}
	if got := countFiles(t, filepath.Join(path, "new")); got != 1 {
		t.Errorf("new/ holds %d files, want 1", got)
	}
	if got := countFiles(t, filepath.Join(path, "tmp")); got != 0 {
		t.Errorf("tmp/ holds %d leftover files", got)
	}
}

func TestMaildirSubfolder(t *testing.T) {
	path := filepath.Join(t.TempDir(), "md")
	m, err := NewMaildir("md", path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := m.ImportMessage([]byte("x"), nil, "2026/08"); err != nil {
		t.Fatalf("ImportMessage: %v", err)
	}
	if _, err := m.ImportMessage([]byte("y"), nil, "2026/08"); err != nil {
		t.Fatalf("ImportMessage: %v", err)
	}
	sub := filepath.Join(path, "2026", "08")
	if got := countFiles(t, filepath.Join(sub, "new")); got != 2 {
		t.Errorf("subfolder new/ holds %d files, want 2", got)
	}
	// Second import must reuse the cached child maildir.
	if len(m.dirs) != 2 {
		t.Errorf("dir cache holds %d entries, want 2", len(m.dirs))
	}
}
