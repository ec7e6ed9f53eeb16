package target

import (
	"os"
	"path/filepath"

	"github.com/emersion/go-maildir"
	"go.uber.org/zap"

	"github.com/korgalore/korgalore/internal/kerrors"
)

// Maildir delivers messages into a local maildir, optionally into a child
// maildir named by the delivery's subfolder.
type Maildir struct {
	id   string
	path string

	// subfolder maildirs already materialized this process.
	dirs map[string]maildir.Dir
}

// NewMaildir initializes the base maildir, creating the cur/new/tmp
// structure (and missing parents) as needed.
func NewMaildir(id, path string) (*Maildir, error) {
	if path == "" {
		return nil, kerrors.Configuration("maildir target %q requires a path", id)
	}
	path = expandHome(path)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, kerrors.Configuration("maildir target %q: %v", id, err)
	}
	d := maildir.Dir(path)
	if err := d.Init(); err != nil {
		return nil, kerrors.Configuration(
			"maildir target %q: initializing %s: %v", id, path, err)
	}
	return &Maildir{id: id, path: path, dirs: map[string]maildir.Dir{"": d}}, nil
}

func (m *Maildir) ID() string   { return m.id }
func (m *Maildir) Type() string { return "maildir" }

func (m *Maildir) DefaultLabels() []string { return nil }

func (m *Maildir) Connect() error {
	zap.L().Debug("maildir target ready",
		zap.String("target", m.id), zap.String("path", m.path))
	return nil
}

// dir returns the maildir for a subfolder, materializing and caching it on
// first use.
func (m *Maildir) dir(subfolder string) (maildir.Dir, error) {
	if d, ok := m.dirs[subfolder]; ok {
		return d, nil
	}
	path := filepath.Join(m.path, subfolder)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", kerrors.Configuration("maildir target %q: %v", m.id, err)
	}
	d := maildir.Dir(path)
	if err := d.Init(); err != nil {
		return "", kerrors.Configuration(
			"maildir target %q: initializing subfolder %s: %v", m.id, subfolder, err)
	}
	m.dirs[subfolder] = d
	return d, nil
}

// ImportMessage writes the message atomically: into tmp/, then renamed
// into new/. Labels are ignored.
func (m *Maildir) ImportMessage(raw []byte, labels []string, subfolder string) (Result, error) {
	d, err := m.dir(subfolder)
	if err != nil {
		return Result{}, err
	}
	del, err := maildir.NewDelivery(string(d))
	if err != nil {
		return Result{}, kerrors.Delivery("maildir target %q: %v", m.id, err)
	}
	if _, err := del.Write(raw); err != nil {
		del.Abort()
		return Result{}, kerrors.Delivery("maildir target %q: %v", m.id, err)
	}
	if err := del.Close(); err != nil {
		return Result{}, kerrors.Delivery("maildir target %q: %v", m.id, err)
	}
	return Result{}, nil
}

func (m *Maildir) Disconnect() error { return nil }
