// Package lei wraps the lei (local email interface) subprocess. lei owns
// the local search index; korgalore only creates, updates, lists and
// forgets searches, then reads the resulting v2 git repositories directly.
package lei

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/korgalore/korgalore/internal/httpx"
	"github.com/korgalore/korgalore/internal/kerrors"
)

// LoreAll is the external index queried for thread and subsystem searches.
const LoreAll = "https://lore.kernel.org/all"

// Runner executes lei commands. The zero value is usable; tests substitute
// the Exec field to script lei output.
type Runner struct {
	// Exec runs lei with the given arguments and returns the exit code
	// and trimmed stdout. When nil, the real lei binary is invoked.
	Exec func(args []string) (int, []byte, error)
}

func (r *Runner) run(args []string) (int, []byte, error) {
	if r != nil && r.Exec != nil {
		return r.Exec(args)
	}
	cmd := exec.Command("lei", args...)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	err := cmd.Run()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return exitErr.ExitCode(), bytes.TrimSpace(out.Bytes()), nil
		}
		return -1, nil, kerrors.PublicInbox("lei not found, is it installed: %v", err)
	}
	return 0, bytes.TrimSpace(out.Bytes()), nil
}

// ListSearches returns the output paths of all v2 searches lei knows
// about, with the v2: prefix stripped.
func (r *Runner) ListSearches() ([]string, error) {
	code, out, err := r.run([]string{"ls-search", "-l", "-f", "json"})
	if err != nil {
		return nil, err
	}
	if code != 0 {
		return nil, kerrors.PublicInbox("lei ls-search failed: %s", out)
	}
	var entries []struct {
		Output string `json:"output"`
	}
	if err := json.Unmarshal(out, &entries); err != nil {
		return nil, kerrors.PublicInbox("parsing lei ls-search output: %v", err)
	}
	var searches []string
	for _, e := range entries {
		if len(e.Output) > 3 && e.Output[:3] == "v2:" {
			searches = append(searches, e.Output[3:])
		}
	}
	return searches, nil
}

// QueryThread creates a new search collecting the whole thread around a
// message id (given without angle brackets).
func (r *Runner) QueryThread(msgid, outputPath string) error {
	return r.Query("mid:"+msgid, outputPath, true)
}

// Query creates a new v2 search at outputPath for an arbitrary lei query.
// With threads set, whole threads are included when any message matches.
func (r *Runner) Query(query, outputPath string, threads bool) error {
	if err := os.MkdirAll(filepath.Dir(outputPath), 0o755); err != nil {
		return kerrors.PublicInbox("creating search dir: %v", err)
	}
	args := []string{"q", query}
	if threads {
		args = append(args, "--threads")
	}
	args = append(args,
		"--only", LoreAll,
		"--user-agent", httpx.UserAgent(),
		"-o", "v2:"+outputPath)
	code, out, err := r.run(args)
	if err != nil {
		return err
	}
	if code != 0 {
		return kerrors.PublicInbox("lei q failed: %s", out)
	}
	return nil
}

// Update refreshes an existing search from its external sources.
func (r *Runner) Update(searchPath string) error {
	code, out, err := r.run([]string{
		"up", "--user-agent", httpx.UserAgent(), searchPath})
	if err != nil {
		return err
	}
	if code != 0 {
		return kerrors.PublicInbox("lei up %s failed: %s", searchPath, out)
	}
	return nil
}

// ForgetSearch removes a search from lei's tracking and deletes its data.
func (r *Runner) ForgetSearch(searchPath string) error {
	code, out, err := r.run([]string{"forget-search", searchPath})
	if err != nil {
		return err
	}
	if code != 0 {
		return fmt.Errorf("lei forget-search %s: %s: %w",
			searchPath, out, kerrors.ErrPublicInbox)
	}
	return nil
}
