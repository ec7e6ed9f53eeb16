package main

import (
	"fmt"
	"io"
	"sort"

	"github.com/spf13/cobra"

	"github.com/korgalore/korgalore/internal/bozo"
	"github.com/korgalore/korgalore/internal/xdg"
)

func newBozoCmd(stdout, stderr io.Writer) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "bozo",
		Short: "Manage the bozofilter of never-deliver senders",
	}

	var reason string
	addCmd := &cobra.Command{
		Use:   "add <address>...",
		Short: "Add sender addresses to the bozofilter",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			if cmdBozoAdd(args, reason, stdout, stderr) != 0 {
				return errExit
			}
			return nil
		},
	}
	addCmd.Flags().StringVar(&reason, "reason", "", "note stored next to the entries")
	cmd.AddCommand(addCmd)

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List filtered addresses",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			if cmdBozoList(stdout, stderr) != 0 {
				return errExit
			}
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "edit",
		Short: "Open the bozofilter in your editor",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			if cmdBozoEdit(stderr) != 0 {
				return errExit
			}
			return nil
		},
	})
	return cmd
}

func cmdBozoAdd(addresses []string, reason string, stdout, stderr io.Writer) int {
	configDir, err := xdg.ConfigDir()
	if err != nil {
		fmt.Fprintf(stderr, "korgalore bozo: %v\n", err) //nolint:errcheck // best-effort stderr
		return 1
	}
	added, err := bozo.Add(configDir, addresses, reason)
	if err != nil {
		fmt.Fprintf(stderr, "korgalore bozo: %v\n", err) //nolint:errcheck // best-effort stderr
		return 1
	}
	fmt.Fprintf(stdout, "Added %d address(es) to the bozofilter\n", added) //nolint:errcheck // best-effort stdout
	return 0
}

func cmdBozoList(stdout, stderr io.Writer) int {
	configDir, err := xdg.ConfigDir()
	if err != nil {
		fmt.Fprintf(stderr, "korgalore bozo: %v\n", err) //nolint:errcheck // best-effort stderr
		return 1
	}
	filter, err := bozo.Load(configDir)
	if err != nil {
		fmt.Fprintf(stderr, "korgalore bozo: %v\n", err) //nolint:errcheck // best-effort stderr
		return 1
	}
	addrs := make([]string, 0, len(filter))
	for addr := range filter {
		addrs = append(addrs, addr)
	}
	sort.Strings(addrs)
	for _, addr := range addrs {
		fmt.Fprintln(stdout, addr) //nolint:errcheck // best-effort stdout
	}
	if len(addrs) == 0 {
		fmt.Fprintln(stdout, "The bozofilter is empty.") //nolint:errcheck // best-effort stdout
	}
	return 0
}

func cmdBozoEdit(stderr io.Writer) int {
	configDir, err := xdg.ConfigDir()
	if err != nil {
		fmt.Fprintf(stderr, "korgalore bozo: %v\n", err) //nolint:errcheck // best-effort stderr
		return 1
	}
	if err := bozo.Edit(configDir); err != nil {
		fmt.Fprintf(stderr, "korgalore bozo: %v\n", err) //nolint:errcheck // best-effort stderr
		return 1
	}
	return 0
}
