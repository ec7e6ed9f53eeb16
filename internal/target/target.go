// Package target implements delivery endpoints. Every variant exposes the
// same import-one-message contract; the orchestrator treats them
// uniformly.
package target

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/korgalore/korgalore/internal/config"
	"github.com/korgalore/korgalore/internal/kerrors"
)

// Result is the outcome of importing one message.
type Result struct {
	// ID is the endpoint's identifier for the stored message, when it
	// has one.
	ID string
	// Skipped reports that the endpoint already held the message.
	Skipped bool
}

// Target is a delivery endpoint. Connect is idempotent; Disconnect may be
// called without a prior Connect.
type Target interface {
	ID() string
	Type() string

	// DefaultLabels are applied when a delivery configures none.
	DefaultLabels() []string

	Connect() error

	// ImportMessage stores one message. The raw bytes arrive
	// CRLF-normalized with the trace header injected. Labels and
	// subfolder are interpreted per variant; most ignore one or both.
	ImportMessage(raw []byte, labels []string, subfolder string) (Result, error)

	Disconnect() error
}

// New constructs the target for one [targets.<name>] config section.
// Interactive selects between browser OAuth flows and authentication
// errors for targets with token lifecycles.
func New(id string, cfg config.Target, configDir string, interactive bool) (Target, error) {
	switch cfg.Type {
	case config.TargetPipe:
		return NewPipe(id, cfg.Command)
	case config.TargetMaildir:
		return NewMaildir(id, cfg.Path)
	case config.TargetIMAP:
		return NewIMAP(id, cfg, configDir, interactive)
	case config.TargetJMAP:
		return NewJMAP(id, cfg)
	case config.TargetGmail:
		return NewGmail(id, cfg, configDir, interactive)
	}
	return nil, kerrors.Configuration("target %q: unknown type %q", id, cfg.Type)
}

// expandHome resolves environment variables and a leading ~ in a
// user-supplied path.
func expandHome(path string) string {
	path = os.ExpandEnv(path)
	if path == "~" || strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			path = filepath.Join(home, strings.TrimPrefix(path, "~"))
		}
	}
	return path
}
