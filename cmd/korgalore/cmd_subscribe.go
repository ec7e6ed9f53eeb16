package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/korgalore/korgalore/internal/feed"
	"github.com/korgalore/korgalore/internal/kerrors"
)

func newSubscribeCmd(stdout, stderr io.Writer) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "subscribe",
		Short: "Manage mailing list subscriptions",
	}

	var name, targetName, subfolder string
	var labels []string
	var fromStart bool
	addCmd := &cobra.Command{
		Use:   "add <url|lei:path>",
		Short: "Subscribe to a public-inbox archive or lei search",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			if cmdSubscribeAdd(args[0], name, targetName, labels, subfolder,
				fromStart, stdout, stderr) != 0 {
				return errExit
			}
			return nil
		},
	}
	addCmd.Flags().StringVar(&name, "name", "", "subscription name (default: from URL)")
	addCmd.Flags().StringVar(&targetName, "target", "", "target for deliveries")
	addCmd.Flags().StringSliceVar(&labels, "labels", nil, "labels to apply")
	addCmd.Flags().StringVar(&subfolder, "subfolder", "", "target subfolder")
	addCmd.Flags().BoolVar(&fromStart, "from-start", false,
		"deliver the whole archive history, not just new messages")
	if err := addCmd.MarkFlagRequired("target"); err != nil {
		panic(err)
	}
	cmd.AddCommand(addCmd)

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List subscriptions managed under conf.d",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			if cmdSubscribeList(stdout, stderr) != 0 {
				return errExit
			}
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "pause <name>",
		Short: "Pause a subscription without losing its state",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			if cmdSubscribePause(args[0], stdout, stderr) != 0 {
				return errExit
			}
			return nil
		},
	})

	var skip bool
	resumeCmd := &cobra.Command{
		Use:   "resume <name>",
		Short: "Resume a paused subscription",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			if cmdSubscribeResume(args[0], skip, stdout, stderr) != 0 {
				return errExit
			}
			return nil
		},
	}
	resumeCmd.Flags().BoolVar(&skip, "skip", false,
		"skip messages that arrived while paused")
	cmd.AddCommand(resumeCmd)

	var deleteData bool
	stopCmd := &cobra.Command{
		Use:   "stop <name>",
		Short: "Remove a subscription",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			if cmdSubscribeStop(args[0], deleteData, stdout, stderr) != 0 {
				return errExit
			}
			return nil
		},
	}
	stopCmd.Flags().BoolVar(&deleteData, "delete", false,
		"also delete the feed's local data")
	cmd.AddCommand(stopCmd)
	return cmd
}

// subscriptionName derives a default name from the feed reference: the
// last path segment.
func subscriptionName(ref string) string {
	ref = strings.TrimPrefix(ref, "lei:")
	ref = strings.TrimRight(ref, "/")
	if i := strings.LastIndex(ref, "/"); i >= 0 {
		ref = ref[i+1:]
	}
	return ref
}

func subscriptionFile(configDir, name string) string {
	return filepath.Join(configDir, "conf.d", name+".toml")
}

func cmdSubscribeAdd(url, name, targetName string, labels []string,
	subfolder string, fromStart bool, stdout, stderr io.Writer) int {
	e, err := loadEnv()
	if err != nil {
		fmt.Fprintf(stderr, "korgalore subscribe: %v\n", err) //nolint:errcheck // best-effort stderr
		return 1
	}
	if name == "" {
		name = subscriptionName(url)
	}
	if name == "" {
		fmt.Fprintln(stderr, "korgalore subscribe: cannot derive a name, use --name") //nolint:errcheck // best-effort stderr
		return 1
	}
	if _, ok := e.cfg.Targets[targetName]; !ok {
		fmt.Fprintf(stderr, "korgalore subscribe: unknown target %q\n", targetName) //nolint:errcheck // best-effort stderr
		return 1
	}
	if _, exists := e.cfg.Deliveries[name]; exists {
		fmt.Fprintf(stderr, "korgalore subscribe: delivery %q already exists\n", name) //nolint:errcheck // best-effort stderr
		return 1
	}

	var b strings.Builder
	fmt.Fprintf(&b, "[feeds.%s]\nurl = %q\n\n", name, url)
	fmt.Fprintf(&b, "[deliveries.%s]\nfeed = %q\ntarget = %q\n", name, name, targetName)
	if len(labels) > 0 {
		quoted := make([]string, len(labels))
		for i, l := range labels {
			quoted[i] = fmt.Sprintf("%q", l)
		}
		fmt.Fprintf(&b, "labels = [%s]\n", strings.Join(quoted, ", "))
	}
	if subfolder != "" {
		fmt.Fprintf(&b, "subfolder = %q\n", subfolder)
	}

	path := subscriptionFile(e.configDir, name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		fmt.Fprintf(stderr, "korgalore subscribe: %v\n", err) //nolint:errcheck // best-effort stderr
		return 1
	}
	if _, err := os.Stat(path); err == nil {
		fmt.Fprintf(stderr, "korgalore subscribe: %s already exists\n", path) //nolint:errcheck // best-effort stderr
		return 1
	}
	if err := os.WriteFile(path, []byte(b.String()), 0o644); err != nil {
		fmt.Fprintf(stderr, "korgalore subscribe: %v\n", err) //nolint:errcheck // best-effort stderr
		return 1
	}
	fmt.Fprintf(stdout, "Subscribed to %s as %q\n", url, name) //nolint:errcheck // best-effort stdout

	if fromStart {
		if err := initDeliveryState(e, name, url, true); err != nil {
			fmt.Fprintf(stderr, "korgalore subscribe: %v\n", err) //nolint:errcheck // best-effort stderr
			return 1
		}
		fmt.Fprintln(stdout, "The next pull will deliver the whole archive history.") //nolint:errcheck // best-effort stdout
	}
	return 0
}

// initDeliveryState primes a delivery cursor, fetching the feed first so
// there is a tip to anchor on.
func initDeliveryState(e *env, name, url string, fromStart bool) error {
	f, err := feed.New(name, url, e.dataDir, nil, nil)
	if err != nil {
		return err
	}
	if err := f.Lock(); err != nil {
		return err
	}
	defer f.Unlock() //nolint:errcheck // best-effort unlock
	if _, err := f.UpdateFeed(); err != nil {
		return err
	}
	return f.InitDeliveryState(name, fromStart)
}

func cmdSubscribeList(stdout, stderr io.Writer) int {
	e, err := loadEnv()
	if err != nil {
		fmt.Fprintf(stderr, "korgalore subscribe: %v\n", err) //nolint:errcheck // best-effort stderr
		return 1
	}
	entries, err := os.ReadDir(filepath.Join(e.configDir, "conf.d"))
	if err != nil {
		if os.IsNotExist(err) {
			fmt.Fprintln(stdout, "No subscriptions.") //nolint:errcheck // best-effort stdout
			return 0
		}
		fmt.Fprintf(stderr, "korgalore subscribe: %v\n", err) //nolint:errcheck // best-effort stderr
		return 1
	}
	found := false
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".toml") {
			continue
		}
		name := strings.TrimSuffix(entry.Name(), ".toml")
		data, err := os.ReadFile(filepath.Join(e.configDir, "conf.d", entry.Name()))
		if err != nil {
			continue
		}
		state := "active"
		if strings.Contains(string(data), "[deliveries-paused.") {
			state = "paused"
		}
		fmt.Fprintf(stdout, "%s (%s)\n", name, state) //nolint:errcheck // best-effort stdout
		found = true
	}
	if !found {
		fmt.Fprintln(stdout, "No subscriptions.") //nolint:errcheck // best-effort stdout
	}
	return 0
}

// rewriteSections swaps section prefixes in a subscription file.
func rewriteSections(path, from, to string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return kerrors.Configuration("no subscription file at %s", path)
		}
		return err
	}
	text := string(data)
	if !strings.Contains(text, "["+from+".") {
		return kerrors.Configuration("no [%s] section in %s", from, path)
	}
	text = strings.ReplaceAll(text, "["+from+".", "["+to+".")
	return os.WriteFile(path, []byte(text), 0o644)
}

func cmdSubscribePause(name string, stdout, stderr io.Writer) int {
	e, err := loadEnv()
	if err != nil {
		fmt.Fprintf(stderr, "korgalore subscribe: %v\n", err) //nolint:errcheck // best-effort stderr
		return 1
	}
	path := subscriptionFile(e.configDir, name)
	if err := rewriteSections(path, "deliveries", "deliveries-paused"); err != nil {
		fmt.Fprintf(stderr, "korgalore subscribe: %v\n", err) //nolint:errcheck // best-effort stderr
		return 1
	}
	fmt.Fprintf(stdout, "Paused %q\n", name) //nolint:errcheck // best-effort stdout
	return 0
}

func cmdSubscribeResume(name string, skip bool, stdout, stderr io.Writer) int {
	e, err := loadEnv()
	if err != nil {
		fmt.Fprintf(stderr, "korgalore subscribe: %v\n", err) //nolint:errcheck // best-effort stderr
		return 1
	}
	path := subscriptionFile(e.configDir, name)
	if err := rewriteSections(path, "deliveries-paused", "deliveries"); err != nil {
		fmt.Fprintf(stderr, "korgalore subscribe: %v\n", err) //nolint:errcheck // best-effort stderr
		return 1
	}
	if skip {
		// Re-anchor at the tip so the backlog from the pause is not
		// delivered.
		cfg, err := loadEnv()
		if err == nil {
			if d, ok := cfg.cfg.Deliveries[name]; ok {
				if url, err := cfg.cfg.FeedURL(d.Feed); err == nil {
					if err := initDeliveryState(cfg, name, url, false); err != nil {
						fmt.Fprintf(stderr, "korgalore subscribe: %v\n", err) //nolint:errcheck // best-effort stderr
						return 1
					}
				}
			}
		}
	}
	fmt.Fprintf(stdout, "Resumed %q\n", name) //nolint:errcheck // best-effort stdout
	return 0
}

func cmdSubscribeStop(name string, deleteData bool, stdout, stderr io.Writer) int {
	e, err := loadEnv()
	if err != nil {
		fmt.Fprintf(stderr, "korgalore subscribe: %v\n", err) //nolint:errcheck // best-effort stderr
		return 1
	}
	path := subscriptionFile(e.configDir, name)
	if err := os.Remove(path); err != nil {
		if os.IsNotExist(err) {
			fmt.Fprintf(stderr, "korgalore subscribe: no subscription %q\n", name) //nolint:errcheck // best-effort stderr
		} else {
			fmt.Fprintf(stderr, "korgalore subscribe: %v\n", err) //nolint:errcheck // best-effort stderr
		}
		return 1
	}
	if deleteData {
		dir := filepath.Join(e.dataDir, name)
		if err := os.RemoveAll(dir); err != nil {
			fmt.Fprintf(stderr, "korgalore subscribe: %v\n", err) //nolint:errcheck // best-effort stderr
			return 1
		}
	}
	fmt.Fprintf(stdout, "Unsubscribed %q\n", name) //nolint:errcheck // best-effort stdout
	return 0
}
