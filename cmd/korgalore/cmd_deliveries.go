package main

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/spf13/cobra"
)

func newDeliveriesCmd(stdout, stderr io.Writer) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "deliveries",
		Short: "Inspect configured deliveries",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List all configured deliveries",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			if cmdDeliveriesList(stdout, stderr) != 0 {
				return errExit
			}
			return nil
		},
	})
	return cmd
}

func cmdDeliveriesList(stdout, stderr io.Writer) int {
	e, err := loadEnv()
	if err != nil {
		fmt.Fprintf(stderr, "korgalore deliveries: %v\n", err) //nolint:errcheck // best-effort stderr
		return 1
	}
	names := make([]string, 0, len(e.cfg.Deliveries))
	for name := range e.cfg.Deliveries {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		d := e.cfg.Deliveries[name]
		line := fmt.Sprintf("%s: %s -> %s", name, d.Feed, d.Target)
		if len(d.Labels) > 0 {
			line += " [" + strings.Join(d.Labels, ", ") + "]"
		}
		if d.Subfolder != "" {
			line += " (subfolder: " + d.Subfolder + ")"
		}
		fmt.Fprintln(stdout, line) //nolint:errcheck // best-effort stdout
	}
	if len(names) == 0 {
		fmt.Fprintln(stdout, "No deliveries configured.") //nolint:errcheck // best-effort stdout
	}
	return 0
}
