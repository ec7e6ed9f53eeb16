// Package gitcmd wraps the git subprocess invocations used by feeds. All
// epoch repositories are bare, so commands run with --git-dir rather than -C
// to stay compatible with safe.bareRepository=explicit.
package gitcmd

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/korgalore/korgalore/internal/httpx"
	"github.com/korgalore/korgalore/internal/kerrors"
)

// gitEnvBlacklist lists git environment variables that must be stripped so
// subprocess git commands use the intended gitdir, not a parent repo.
var gitEnvBlacklist = map[string]bool{
	"GIT_DIR":                          true,
	"GIT_WORK_TREE":                    true,
	"GIT_INDEX_FILE":                   true,
	"GIT_OBJECT_DIRECTORY":             true,
	"GIT_ALTERNATE_OBJECT_DIRECTORIES": true,
}

// Runner executes git commands against bare repositories. The zero value is
// usable; tests substitute the Exec field to script git output.
type Runner struct {
	// Exec runs git with the given arguments and returns the exit code
	// and trimmed stdout. When nil, the real git binary is invoked.
	Exec func(gitdir string, args []string, stdin []byte) (int, []byte, error)
}

// run dispatches to Exec or the real subprocess.
func (r *Runner) run(gitdir string, args []string, stdin []byte) (int, []byte, error) {
	if r != nil && r.Exec != nil {
		return r.Exec(gitdir, args, stdin)
	}
	return realExec(gitdir, args, stdin)
}

func realExec(gitdir string, args []string, stdin []byte) (int, []byte, error) {
	full := make([]string, 0, len(args)+2)
	if gitdir != "" {
		full = append(full, "--git-dir", gitdir)
	}
	full = append(full, args...)

	cmd := exec.Command("git", full...)
	for _, e := range os.Environ() {
		if k, _, ok := strings.Cut(e, "="); ok && gitEnvBlacklist[k] {
			continue
		}
		cmd.Env = append(cmd.Env, e)
	}
	if stdin != nil {
		cmd.Stdin = bytes.NewReader(stdin)
	}
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	err := cmd.Run()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return exitErr.ExitCode(), bytes.TrimSpace(out.Bytes()), nil
		}
		return -1, nil, kerrors.Git("git not found or failed to start: %v", err)
	}
	return 0, bytes.TrimSpace(out.Bytes()), nil
}

// Run executes a git command and returns trimmed stdout, turning nonzero
// exits into git errors.
func (r *Runner) Run(gitdir string, args ...string) ([]byte, error) {
	code, out, err := r.run(gitdir, args, nil)
	if err != nil {
		return nil, err
	}
	if code != 0 {
		return nil, kerrors.Git("git %s: %s", strings.Join(args, " "), out)
	}
	return out, nil
}

// Clone performs the shallow mirror clone used for epoch repositories.
func (r *Runner) Clone(repoURL, dst string) error {
	_, err := r.Run("", "clone", "--mirror", "--depth=1", repoURL, dst)
	return err
}

// RemoteUpdate fetches the latest state of the origin remote.
func (r *Runner) RemoteUpdate(gitdir string) error {
	_, err := r.Run(gitdir, "remote", "update", "origin", "--prune")
	return err
}

// DefaultBranch detects the default branch of a bare repository: the HEAD
// symref first, the first listed branch next, "master" as a last resort.
func (r *Runner) DefaultBranch(gitdir string) string {
	if out, err := r.Run(gitdir, "symbolic-ref", "--short", "HEAD"); err == nil {
		if b := strings.TrimSpace(string(out)); b != "" {
			return b
		}
	}
	if out, err := r.Run(gitdir, "for-each-ref", "--format=%(refname:short)", "refs/heads/"); err == nil {
		for _, line := range strings.Split(string(out), "\n") {
			if b := strings.TrimSpace(line); b != "" {
				return b
			}
		}
	}
	return "master"
}

// CommitExists reports whether the commit resolves in the repository.
func (r *Runner) CommitExists(gitdir, commit string) bool {
	code, _, err := r.run(gitdir, []string{"cat-file", "-e", commit + "^{commit}"}, nil)
	return err == nil && code == 0
}

// RevListRange returns the commits on the ancestry path from last
// (exclusive) to the branch tip, oldest first.
func (r *Runner) RevListRange(gitdir, last, branch string) ([]string, error) {
	out, err := r.Run(gitdir, "rev-list", "--reverse", "--ancestry-path",
		fmt.Sprintf("%s..%s", last, branch))
	if err != nil {
		return nil, err
	}
	return splitCommits(out), nil
}

// RevListAll returns every commit on the branch, oldest first.
func (r *Runner) RevListAll(gitdir, branch string) ([]string, error) {
	out, err := r.Run(gitdir, "rev-list", "--reverse", branch)
	if err != nil {
		return nil, err
	}
	return splitCommits(out), nil
}

// RevListSince returns commits with a commit date at or after since,
// oldest first. Used by rebase recovery to find a replacement cursor.
func (r *Runner) RevListSince(gitdir, since, branch string) ([]string, error) {
	out, err := r.Run(gitdir, "rev-list", "--reverse",
		"--since-as-filter="+since, branch)
	if err != nil {
		return nil, err
	}
	return splitCommits(out), nil
}

// TopCommit returns the branch tip, or "" for an empty repository.
func (r *Runner) TopCommit(gitdir, branch string) (string, error) {
	code, out, err := r.run(gitdir, []string{"rev-list", "-n", "1", branch}, nil)
	if err != nil {
		return "", err
	}
	if code != 0 {
		// rev-list fails on a branch with no commits.
		return "", nil
	}
	return strings.TrimSpace(string(out)), nil
}

// FirstCommit returns the root commit of the branch, or "" for an empty
// repository.
func (r *Runner) FirstCommit(gitdir, branch string) (string, error) {
	code, out, err := r.run(gitdir, []string{"rev-list", "--max-parents=0", branch}, nil)
	if err != nil {
		return "", err
	}
	if code != 0 {
		return "", nil
	}
	commits := splitCommits(out)
	if len(commits) == 0 {
		return "", nil
	}
	return commits[0], nil
}

// CommitDate returns the committer date of a commit in ISO 8601 form.
func (r *Runner) CommitDate(gitdir, commit string) (string, error) {
	out, err := r.Run(gitdir, "show", "-s", "--format=%ci", commit)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}

// ErrNoMessageFile is wrapped by ShowMessage when the commit has no m file.
// Deletion markers in public-inbox repositories are commits without one.
var ErrNoMessageFile = kerrors.State("commit has no message file")

// ShowMessage returns the raw message stored in the m file of the commit
// tree. A missing file is reported as ErrNoMessageFile, distinct from other
// git failures.
func (r *Runner) ShowMessage(gitdir, commit string) ([]byte, error) {
	code, out, err := r.run(gitdir, []string{"show", commit + ":m"}, nil)
	if err != nil {
		return nil, err
	}
	if code == 128 {
		return nil, fmt.Errorf("%s: %w", commit, ErrNoMessageFile)
	}
	if code != 0 {
		return nil, kerrors.Git("git show %s:m: %s", commit, out)
	}
	return out, nil
}

// ShowRef returns the show-ref output for the repository. Search-feed
// repositories carry a single ref, which doubles as a change fingerprint.
func (r *Runner) ShowRef(gitdir string) (string, error) {
	code, out, err := r.run(gitdir, []string{"show-ref"}, nil)
	if err != nil {
		return "", err
	}
	if code != 0 {
		// show-ref exits 1 for a repository with no refs.
		return "", nil
	}
	return string(out), nil
}

func splitCommits(out []byte) []string {
	s := strings.TrimSpace(string(out))
	if s == "" {
		return nil
	}
	return strings.Split(s, "\n")
}

// SetupUserAgent probes the git binary and exports GIT_HTTP_USER_AGENT so
// that epoch clones and fetches identify themselves as korgalore traffic.
func SetupUserAgent() error {
	out, err := exec.Command("git", "--version").Output()
	if err != nil {
		return kerrors.Git("git not found, is it installed: %v", err)
	}
	return os.Setenv("GIT_HTTP_USER_AGENT", userAgentFromVersion(out))
}

// userAgentFromVersion builds the git HTTP user agent from `git --version`
// output. Unparseable output falls back to the bare korgalore agent.
func userAgentFromVersion(out []byte) string {
	fields := strings.Fields(strings.TrimSpace(string(out)))
	if len(fields) == 0 {
		return httpx.UserAgent()
	}
	return fmt.Sprintf("git/%s (%s)", fields[len(fields)-1], httpx.UserAgent())
}
