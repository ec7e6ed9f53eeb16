package main

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/korgalore/korgalore/internal/target"
)

func newAuthCmd(stdout, stderr io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "auth <target>",
		Short: "Run the OAuth browser flow for a target",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if cmdAuth(cmd.Context(), args[0], stdout, stderr) != 0 {
				return errExit
			}
			return nil
		},
	}
}

// reauthenticator is implemented by targets with a token lifecycle.
type reauthenticator interface {
	Reauthenticate(ctx context.Context) error
}

func cmdAuth(ctx context.Context, name string, stdout, stderr io.Writer) int {
	e, err := loadEnv()
	if err != nil {
		fmt.Fprintf(stderr, "korgalore auth: %v\n", err) //nolint:errcheck // best-effort stderr
		return 1
	}
	cfg, ok := e.cfg.Targets[name]
	if !ok {
		fmt.Fprintf(stderr, "korgalore auth: unknown target %q\n", name) //nolint:errcheck // best-effort stderr
		return 1
	}
	t, err := target.New(name, cfg, e.configDir, true)
	if err != nil {
		fmt.Fprintf(stderr, "korgalore auth: %v\n", err) //nolint:errcheck // best-effort stderr
		return 1
	}
	ra, ok := t.(reauthenticator)
	if !ok {
		fmt.Fprintf(stderr, "korgalore auth: target %q (%s) does not use OAuth\n", //nolint:errcheck // best-effort stderr
			name, t.Type())
		return 1
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if err := ra.Reauthenticate(ctx); err != nil {
		fmt.Fprintf(stderr, "korgalore auth: %v\n", err) //nolint:errcheck // best-effort stderr
		return 1
	}
	fmt.Fprintf(stdout, "Authenticated %q\n", name) //nolint:errcheck // best-effort stdout
	return 0
}
