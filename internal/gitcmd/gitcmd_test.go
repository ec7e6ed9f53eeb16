package gitcmd

import (
	"errors"
	"strings"
	"testing"

	"github.com/korgalore/korgalore/internal/kerrors"
)

// scripted returns a Runner whose Exec matches on the first argument and
// replies with a canned exit code and output.
func scripted(t *testing.T, replies map[string]struct {
	code int
	out  string
}) *Runner {
	t.Helper()
	return &Runner{
		Exec: func(_ string, args []string, _ []byte) (int, []byte, error) {
			key := strings.Join(args, " ")
			for prefix, reply := range replies {
				if strings.HasPrefix(key, prefix) {
					return reply.code, []byte(reply.out), nil
				}
			}
			t.Fatalf("unexpected git invocation: %v", args)
			return 0, nil, nil
		},
	}
}

func TestRunNonzeroExitIsGitError(t *testing.T) {
	r := &Runner{
		Exec: func(_ string, _ []string, _ []byte) (int, []byte, error) {
			return 128, []byte("fatal: not a git repository"), nil
		},
	}
	_, err := r.Run("/repo", "rev-parse", "HEAD")
	if !errors.Is(err, kerrors.ErrGit) {
		t.Fatalf("err = %v, want ErrGit", err)
	}
	if !strings.Contains(err.Error(), "not a git repository") {
		t.Errorf("err = %v, want git output included", err)
	}
}

func TestDefaultBranch(t *testing.T) {
	tests := []struct {
		name    string
		replies map[string]struct {
			code int
			out  string
		}
		want string
	}{
		{
			name: "symref",
			replies: map[string]struct {
				code int
				out  string
			}{
				"symbolic-ref": {0, "main"},
			},
			want: "main",
		},
		{
			name: "first listed branch",
			replies: map[string]struct {
				code int
				out  string
			}{
				"symbolic-ref": {1, ""},
				"for-each-ref": {0, "trunk\nother"},
			},
			want: "trunk",
		},
		{
			name: "fallback",
			replies: map[string]struct {
				code int
				out  string
			}{
				"symbolic-ref": {1, ""},
				"for-each-ref": {0, ""},
			},
			want: "master",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := scripted(t, tt.replies)
			if got := r.DefaultBranch("/repo"); got != tt.want {
				t.Errorf("DefaultBranch() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestRevListRangeOldestFirst(t *testing.T) {
	var gotArgs []string
	r := &Runner{
		Exec: func(gitdir string, args []string, _ []byte) (int, []byte, error) {
			gotArgs = args
			return 0, []byte("aaa\nbbb\nccc"), nil
		},
	}
	commits, err := r.RevListRange("/repo", "old", "master")
	if err != nil {
		t.Fatal(err)
	}
	if len(commits) != 3 || commits[0] != "aaa" || commits[2] != "ccc" {
		t.Errorf("commits = %v", commits)
	}
	joined := strings.Join(gotArgs, " ")
	if !strings.Contains(joined, "--reverse") ||
		!strings.Contains(joined, "--ancestry-path") ||
		!strings.Contains(joined, "old..master") {
		t.Errorf("args = %v", gotArgs)
	}
}

func TestRevListEmptyOutput(t *testing.T) {
	r := &Runner{
		Exec: func(_ string, _ []string, _ []byte) (int, []byte, error) {
			return 0, []byte(""), nil
		},
	}
	commits, err := r.RevListAll("/repo", "master")
	if err != nil {
		t.Fatal(err)
	}
	if commits != nil {
		t.Errorf("commits = %v, want nil", commits)
	}
}

func TestTopCommitEmptyRepo(t *testing.T) {
	r := &Runner{
		Exec: func(_ string, _ []string, _ []byte) (int, []byte, error) {
			return 128, []byte("fatal: bad revision"), nil
		},
	}
	top, err := r.TopCommit("/repo", "master")
	if err != nil {
		t.Fatal(err)
	}
	if top != "" {
		t.Errorf("top = %q, want empty", top)
	}
}

func TestShowMessage(t *testing.T) {
	raw := "From: a@example.com\n\nbody\n"
	r := scripted(t, map[string]struct {
		code int
		out  string
	}{
		"show abc123:m": {0, raw},
	})
	got, err := r.ShowMessage("/repo", "abc123")
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != raw {
		t.Errorf("message = %q", got)
	}
}

func TestShowMessageMissingFile(t *testing.T) {
	r := &Runner{
		Exec: func(_ string, _ []string, _ []byte) (int, []byte, error) {
			return 128, []byte("fatal: path 'm' does not exist"), nil
		},
	}
	_, err := r.ShowMessage("/repo", "abc123")
	if !errors.Is(err, ErrNoMessageFile) {
		t.Fatalf("err = %v, want ErrNoMessageFile", err)
	}
}

func TestCommitExists(t *testing.T) {
	r := &Runner{
		Exec: func(_ string, args []string, _ []byte) (int, []byte, error) {
			if strings.HasSuffix(args[len(args)-1], "^{commit}") &&
				strings.HasPrefix(args[len(args)-1], "known") {
				return 0, nil, nil
			}
			return 1, nil, nil
		},
	}
	if !r.CommitExists("/repo", "known") {
		t.Error("CommitExists(known) = false")
	}
	if r.CommitExists("/repo", "unknown") {
		t.Error("CommitExists(unknown) = true")
	}
}

func TestUserAgentFromVersion(t *testing.T) {
	tests := []struct {
		name string
		out  string
		want string
	}{
		{"normal", "git version 2.43.0\n", "git/2.43.0 ("},
		{"empty output", "", "korgalore/"},
		{"whitespace only", "  \n", "korgalore/"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := userAgentFromVersion([]byte(tt.out))
			if !strings.HasPrefix(got, tt.want) {
				t.Errorf("userAgentFromVersion(%q) = %q, want prefix %q",
					tt.out, got, tt.want)
			}
		})
	}
}

func TestShowRefNoRefs(t *testing.T) {
	r := &Runner{
		Exec: func(_ string, _ []string, _ []byte) (int, []byte, error) {
			return 1, nil, nil
		},
	}
	out, err := r.ShowRef("/repo")
	if err != nil {
		t.Fatal(err)
	}
	if out != "" {
		t.Errorf("out = %q, want empty", out)
	}
}
