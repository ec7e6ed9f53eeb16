package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/korgalore/korgalore/internal/httpx"
)

// Build metadata — injected via ldflags at build time.
var (
	commit = "unknown"
	date   = "unknown"
)

func newVersionCmd(stdout io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print korgalore version information",
		Args:  cobra.NoArgs,
		Run: func(_ *cobra.Command, _ []string) {
			fmt.Fprintf(stdout, "korgalore %s (commit: %s, built: %s)\n", //nolint:errcheck // best-effort stdout
				httpx.Version, commit, date)
		},
	}
}
