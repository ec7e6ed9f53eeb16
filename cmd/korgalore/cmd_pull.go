package main

import (
	"fmt"
	"io"
	"sort"

	"github.com/spf13/cobra"

	"github.com/korgalore/korgalore/internal/kerrors"
	"github.com/korgalore/korgalore/internal/pull"
	"github.com/korgalore/korgalore/internal/tracking"
)

func newPullCmd(stdout, stderr io.Writer) *cobra.Command {
	var force, noUpdate bool
	cmd := &cobra.Command{
		Use:   "pull [delivery]",
		Short: "Fetch new messages and deliver them",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			if cmdPull(args, force, noUpdate, stdout, stderr) != 0 {
				return errExit
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false,
		"deliver for every delivery even without feed changes")
	cmd.Flags().BoolVar(&noUpdate, "no-update", false,
		"skip the feed update pass")
	return cmd
}

func cmdPull(args []string, force, noUpdate bool, stdout, stderr io.Writer) int {
	e, err := loadEnv()
	if err != nil {
		fmt.Fprintf(stderr, "korgalore pull: %v\n", err) //nolint:errcheck // best-effort stderr
		return 1
	}
	opts := pull.Options{Force: force, NoUpdate: noUpdate}
	if len(args) > 0 {
		opts.Delivery = args[0]
	}

	manifest := tracking.Load(e.dataDir)
	p := pull.New(e.cfg, e.configDir, e.dataDir, nil, nil, manifest, true)
	summaries, err := p.Run(opts)
	if err != nil {
		if kerrors.IsAuth(err) {
			fmt.Fprintf(stderr, "korgalore pull: %v\nRun 'korgalore auth <target>' to re-authenticate.\n", err) //nolint:errcheck // best-effort stderr
		} else {
			fmt.Fprintf(stderr, "korgalore pull: %v\n", err) //nolint:errcheck // best-effort stderr
		}
		return 1
	}

	names := make([]string, 0, len(summaries))
	for name := range summaries {
		names = append(names, name)
	}
	sort.Strings(names)
	total := 0
	for _, name := range names {
		s := summaries[name]
		total += s.Delivered
		if s.Delivered > 0 || s.Skipped > 0 || s.Failed > 0 {
			fmt.Fprintf(stdout, "%s: %d delivered, %d skipped, %d failed\n", //nolint:errcheck // best-effort stdout
				name, s.Delivered, s.Skipped, s.Failed)
		}
	}
	if total == 0 {
		fmt.Fprintln(stdout, "No new messages.") //nolint:errcheck // best-effort stdout
	}
	return 0
}
