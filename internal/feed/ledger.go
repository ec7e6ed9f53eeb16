package feed

import (
	"bufio"
	"encoding/json"
	"os"
	"strings"
	"time"

	"github.com/korgalore/korgalore/internal/kerrors"
)

// failedEntry is one line of the failed ledger, stored as the JSON array
// [epoch, commit, first_failure_iso, retry_count].
type failedEntry struct {
	Epoch        int
	Commit       string
	FirstFailure time.Time
	RetryCount   int
}

func (e failedEntry) MarshalJSON() ([]byte, error) {
	return json.Marshal([]any{
		e.Epoch, e.Commit, e.FirstFailure.UTC().Format(time.RFC3339), e.RetryCount,
	})
}

func (e *failedEntry) UnmarshalJSON(data []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if len(raw) != 4 {
		return kerrors.State("failed-ledger entry has %d fields, want 4", len(raw))
	}
	var iso string
	if err := json.Unmarshal(raw[0], &e.Epoch); err != nil {
		return err
	}
	if err := json.Unmarshal(raw[1], &e.Commit); err != nil {
		return err
	}
	if err := json.Unmarshal(raw[2], &iso); err != nil {
		return err
	}
	if err := json.Unmarshal(raw[3], &e.RetryCount); err != nil {
		return err
	}
	t, err := time.Parse(time.RFC3339, iso)
	if err != nil {
		return kerrors.State("failed-ledger timestamp %q: %v", iso, err)
	}
	e.FirstFailure = t
	return nil
}

// rejectedEntry is one line of the rejected ledger, the JSON array
// [epoch, commit].
type rejectedEntry struct {
	Epoch  int
	Commit string
}

func (e rejectedEntry) MarshalJSON() ([]byte, error) {
	return json.Marshal([]any{e.Epoch, e.Commit})
}

func (e *rejectedEntry) UnmarshalJSON(data []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if len(raw) != 2 {
		return kerrors.State("rejected-ledger entry has %d fields, want 2", len(raw))
	}
	if err := json.Unmarshal(raw[0], &e.Epoch); err != nil {
		return err
	}
	return json.Unmarshal(raw[1], &e.Commit)
}

func (b *base) loadFailed(name string) ([]failedEntry, error) {
	f, err := os.Open(b.failedPath(name))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, kerrors.State("reading failed ledger %s/%s: %v", b.key, name, err)
	}
	defer f.Close()

	var entries []failedEntry
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var e failedEntry
		if err := json.Unmarshal([]byte(line), &e); err != nil {
			return nil, kerrors.State("parsing failed ledger %s/%s: %v", b.key, name, err)
		}
		entries = append(entries, e)
	}
	if err := scanner.Err(); err != nil {
		return nil, kerrors.State("reading failed ledger %s/%s: %v", b.key, name, err)
	}
	return entries, nil
}

// writeFailed rewrites the failed ledger. An empty ledger removes the
// file, which is how the system signals "nothing pending" at a glance.
func (b *base) writeFailed(name string, entries []failedEntry) error {
	path := b.failedPath(name)
	if len(entries) == 0 {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return kerrors.State("removing failed ledger %s/%s: %v", b.key, name, err)
		}
		return nil
	}
	var sb strings.Builder
	for _, e := range entries {
		line, err := json.Marshal(e)
		if err != nil {
			return kerrors.State("encoding failed ledger %s/%s: %v", b.key, name, err)
		}
		sb.Write(line)
		sb.WriteByte('\n')
	}
	if err := os.WriteFile(path, []byte(sb.String()), 0o644); err != nil {
		return kerrors.State("writing failed ledger %s/%s: %v", b.key, name, err)
	}
	return nil
}

// removeFailed drops one entry from the failed ledger.
func (b *base) removeFailed(name string, epoch int, commit string) error {
	entries, err := b.loadFailed(name)
	if err != nil {
		return err
	}
	kept := entries[:0]
	for _, e := range entries {
		if e.Epoch == epoch && e.Commit == commit {
			continue
		}
		kept = append(kept, e)
	}
	return b.writeFailed(name, kept)
}

func (b *base) appendRejected(name string, epoch int, commit string) error {
	line, err := json.Marshal(rejectedEntry{Epoch: epoch, Commit: commit})
	if err != nil {
		return kerrors.State("encoding rejected ledger %s/%s: %v", b.key, name, err)
	}
	f, err := os.OpenFile(b.rejectedPath(name), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return kerrors.State("opening rejected ledger %s/%s: %v", b.key, name, err)
	}
	defer f.Close()
	if _, err := f.Write(append(line, '\n')); err != nil {
		return kerrors.State("writing rejected ledger %s/%s: %v", b.key, name, err)
	}
	return nil
}

func (b *base) isRejected(name string, epoch int, commit string) (bool, error) {
	f, err := os.Open(b.rejectedPath(name))
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, kerrors.State("reading rejected ledger %s/%s: %v", b.key, name, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var e rejectedEntry
		if err := json.Unmarshal([]byte(line), &e); err != nil {
			return false, kerrors.State("parsing rejected ledger %s/%s: %v", b.key, name, err)
		}
		if e.Epoch == epoch && e.Commit == commit {
			return true, nil
		}
	}
	return false, scanner.Err()
}
