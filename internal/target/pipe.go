package target

import (
	"bytes"
	"errors"
	"os/exec"

	"github.com/kballard/go-shellquote"
	"go.uber.org/zap"

	"github.com/korgalore/korgalore/internal/kerrors"
)

// Pipe delivers messages by piping them to an external command, with the
// delivery labels appended as extra positional arguments.
type Pipe struct {
	id   string
	args []string
}

// NewPipe parses the configured command string with shell quoting rules.
func NewPipe(id, command string) (*Pipe, error) {
	if command == "" {
		return nil, kerrors.Configuration("pipe target %q requires a command", id)
	}
	args, err := shellquote.Split(command)
	if err != nil {
		return nil, kerrors.Configuration("pipe target %q: invalid command: %v", id, err)
	}
	if len(args) == 0 {
		return nil, kerrors.Configuration("pipe target %q requires a non-empty command", id)
	}
	return &Pipe{id: id, args: args}, nil
}

func (p *Pipe) ID() string   { return p.id }
func (p *Pipe) Type() string { return "pipe" }

func (p *Pipe) DefaultLabels() []string { return nil }

func (p *Pipe) Connect() error {
	zap.L().Debug("pipe target ready", zap.String("target", p.id),
		zap.String("command", p.args[0]))
	return nil
}

// ImportMessage spawns the command with the raw bytes on stdin. Nonzero
// exit codes and spawn failures both surface as delivery errors.
func (p *Pipe) ImportMessage(raw []byte, labels []string, subfolder string) (Result, error) {
	args := append(append([]string{}, p.args[1:]...), labels...)
	cmd := exec.Command(p.args[0], args...)
	cmd.Stdin = bytes.NewReader(raw)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return Result{}, kerrors.Delivery(
				"pipe command exited %d: %s",
				exitErr.ExitCode(), bytes.TrimSpace(stderr.Bytes()))
		}
		return Result{}, kerrors.Delivery("pipe command %s: %v", p.args[0], err)
	}
	return Result{}, nil
}

func (p *Pipe) Disconnect() error { return nil }
