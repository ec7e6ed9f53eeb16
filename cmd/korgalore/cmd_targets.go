package main

import (
	"fmt"
	"io"
	"sort"

	"github.com/spf13/cobra"

	"github.com/korgalore/korgalore/internal/target"
)

func newTargetsCmd(stdout, stderr io.Writer) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "targets",
		Short: "Inspect configured delivery targets",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List all configured targets",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			if cmdTargetsList(stdout, stderr) != 0 {
				return errExit
			}
			return nil
		},
	})
	var showIDs bool
	labelsCmd := &cobra.Command{
		Use:   "labels <target>",
		Short: "List the labels or mailboxes available on a target",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			if cmdTargetsLabels(args[0], showIDs, stdout, stderr) != 0 {
				return errExit
			}
			return nil
		},
	}
	labelsCmd.Flags().BoolVar(&showIDs, "ids", false,
		"show server-side label ids")
	cmd.AddCommand(labelsCmd)
	return cmd
}

func cmdTargetsList(stdout, stderr io.Writer) int {
	e, err := loadEnv()
	if err != nil {
		fmt.Fprintf(stderr, "korgalore targets: %v\n", err) //nolint:errcheck // best-effort stderr
		return 1
	}
	names := make([]string, 0, len(e.cfg.Targets))
	for name := range e.cfg.Targets {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		t := e.cfg.Targets[name]
		fmt.Fprintf(stdout, "%s: %s\n", name, t.Type) //nolint:errcheck // best-effort stdout
	}
	if len(names) == 0 {
		fmt.Fprintln(stdout, "No targets configured.") //nolint:errcheck // best-effort stdout
	}
	return 0
}

func cmdTargetsLabels(name string, showIDs bool, stdout, stderr io.Writer) int {
	e, err := loadEnv()
	if err != nil {
		fmt.Fprintf(stderr, "korgalore targets: %v\n", err) //nolint:errcheck // best-effort stderr
		return 1
	}
	cfg, ok := e.cfg.Targets[name]
	if !ok {
		fmt.Fprintf(stderr, "korgalore targets: unknown target %q\n", name) //nolint:errcheck // best-effort stderr
		return 1
	}
	t, err := target.New(name, cfg, e.configDir, true)
	if err != nil {
		fmt.Fprintf(stderr, "korgalore targets: %v\n", err) //nolint:errcheck // best-effort stderr
		return 1
	}
	defer t.Disconnect() //nolint:errcheck // best-effort cleanup

	switch tt := t.(type) {
	case *target.Gmail:
		labels, err := tt.ListLabels()
		if err != nil {
			fmt.Fprintf(stderr, "korgalore targets: %v\n", err) //nolint:errcheck // best-effort stderr
			return 1
		}
		for _, l := range labels {
			if showIDs {
				fmt.Fprintf(stdout, "%s\t%s\n", l.Name, l.Id) //nolint:errcheck // best-effort stdout
			} else {
				fmt.Fprintln(stdout, l.Name) //nolint:errcheck // best-effort stdout
			}
		}
	case *target.JMAP:
		mailboxes, err := tt.ListMailboxes()
		if err != nil {
			fmt.Fprintf(stderr, "korgalore targets: %v\n", err) //nolint:errcheck // best-effort stderr
			return 1
		}
		for _, mb := range mailboxes {
			if showIDs {
				fmt.Fprintf(stdout, "%s\t%s\n", mb.Name, mb.ID) //nolint:errcheck // best-effort stdout
			} else {
				fmt.Fprintln(stdout, mb.Name) //nolint:errcheck // best-effort stdout
			}
		}
	default:
		fmt.Fprintf(stderr, "korgalore targets: target %q (%s) has no label listing\n", //nolint:errcheck // best-effort stderr
			name, t.Type())
		return 1
	}
	return 0
}
