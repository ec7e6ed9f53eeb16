// Package bozo maintains the bozofilter, a plain-text list of sender
// addresses whose messages are skipped at delivery time.
package bozo

import (
	"bufio"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/korgalore/korgalore/internal/kerrors"
)

const fileName = "bozofilter.txt"

// Path returns the bozofilter file path under the config directory.
func Path(configDir string) string {
	return filepath.Join(configDir, fileName)
}

// Filter is a set of lowercase email addresses.
type Filter map[string]bool

// Load parses the bozofilter file. A missing file is an empty filter, not
// an error. Empty lines and comments are skipped; trailing # comments are
// stripped.
func Load(configDir string) (Filter, error) {
	f, err := os.Open(Path(configDir))
	if err != nil {
		if os.IsNotExist(err) {
			return Filter{}, nil
		}
		return nil, kerrors.Configuration("reading bozofilter: %v", err)
	}
	defer f.Close()

	filter := Filter{}
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if i := strings.Index(line, "#"); i >= 0 {
			line = strings.TrimSpace(line[:i])
		}
		if line == "" {
			continue
		}
		filter[strings.ToLower(line)] = true
	}
	if err := scanner.Err(); err != nil {
		return nil, kerrors.Configuration("reading bozofilter: %v", err)
	}
	return filter, nil
}

// Match reports whether the lowercase address is in the filter. An empty
// address never matches.
func (f Filter) Match(addr string) bool {
	return addr != "" && f[strings.ToLower(addr)]
}

// Add appends the given addresses to the bozofilter, skipping ones already
// present, and returns how many were added. Each new line carries a dated
// comment, extended with reason when given.
func Add(configDir string, addresses []string, reason string) (int, error) {
	existing, err := Load(configDir)
	if err != nil {
		return 0, err
	}

	comment := "added on " + time.Now().Format("2006-01-02")
	if reason != "" {
		comment += ", " + reason
	}

	var lines []string
	for _, addr := range addresses {
		addr = strings.ToLower(strings.TrimSpace(addr))
		if addr == "" || existing[addr] {
			continue
		}
		existing[addr] = true
		lines = append(lines, fmt.Sprintf("%s # %s\n", addr, comment))
	}
	if len(lines) == 0 {
		return 0, nil
	}

	if err := os.MkdirAll(configDir, 0o755); err != nil {
		return 0, kerrors.Configuration("creating config dir: %v", err)
	}
	f, err := os.OpenFile(Path(configDir), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return 0, kerrors.Configuration("opening bozofilter: %v", err)
	}
	defer f.Close()
	for _, line := range lines {
		if _, err := f.WriteString(line); err != nil {
			return 0, kerrors.Configuration("writing bozofilter: %v", err)
		}
	}
	return len(lines), nil
}

// EnsureExists creates the bozofilter file with explanatory boilerplate if
// it is missing, and returns its path.
func EnsureExists(configDir string) (string, error) {
	path := Path(configDir)
	if err := os.MkdirAll(configDir, 0o755); err != nil {
		return "", kerrors.Configuration("creating config dir: %v", err)
	}
	if _, err := os.Stat(path); err == nil {
		return path, nil
	}
	boilerplate := `# Korgalore bozofilter - one email address per line
# Lines starting with # are comments
# Trailing comments after # are also supported
#
# Example:
# spammer@example.com # added on 2026-01-15, sends junk

`
	if err := os.WriteFile(path, []byte(boilerplate), 0o644); err != nil {
		return "", kerrors.Configuration("creating bozofilter: %v", err)
	}
	return path, nil
}

// Edit opens the bozofilter in the user's editor ($EDITOR, then $VISUAL,
// then vi) and reports whether the editor exited cleanly.
func Edit(configDir string) error {
	path, err := EnsureExists(configDir)
	if err != nil {
		return err
	}
	editor := os.Getenv("EDITOR")
	if editor == "" {
		editor = os.Getenv("VISUAL")
	}
	if editor == "" {
		editor = "vi"
	}
	cmd := exec.Command(editor, path)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		return kerrors.Configuration("editor %s: %v", editor, err)
	}
	return nil
}
