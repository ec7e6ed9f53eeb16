package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/korgalore/korgalore/internal/gitcmd"
	"github.com/korgalore/korgalore/internal/lei"
	"github.com/korgalore/korgalore/internal/message"
	"github.com/korgalore/korgalore/internal/tracking"
)

func newTrackCmd(stdout, stderr io.Writer) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "track",
		Short: "Follow individual email threads",
	}

	var targetName string
	var labels []string
	addCmd := &cobra.Command{
		Use:   "add <message-id>",
		Short: "Start tracking the thread around a message id",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			if cmdTrackAdd(args[0], targetName, labels, stdout, stderr) != 0 {
				return errExit
			}
			return nil
		},
	}
	addCmd.Flags().StringVar(&targetName, "target", "", "target for deliveries")
	addCmd.Flags().StringSliceVar(&labels, "labels", nil, "labels to apply")
	if err := addCmd.MarkFlagRequired("target"); err != nil {
		panic(err)
	}
	cmd.AddCommand(addCmd)

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List tracked threads",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			if cmdTrackList(stdout, stderr) != 0 {
				return errExit
			}
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "pause <track-id>",
		Short: "Pause a tracked thread",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			if cmdTrackPause(args[0], stdout, stderr) != 0 {
				return errExit
			}
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "resume <track-id>",
		Short: "Resume a paused or expired thread",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			if cmdTrackResume(args[0], stdout, stderr) != 0 {
				return errExit
			}
			return nil
		},
	})

	var deleteData bool
	stopCmd := &cobra.Command{
		Use:   "stop <track-id>",
		Short: "Stop tracking a thread",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			if cmdTrackStop(args[0], deleteData, stdout, stderr) != 0 {
				return errExit
			}
			return nil
		},
	}
	stopCmd.Flags().BoolVar(&deleteData, "delete", false,
		"also forget the lei search and delete its data")
	cmd.AddCommand(stopCmd)
	return cmd
}

func cmdTrackAdd(msgid, targetName string, labels []string, stdout, stderr io.Writer) int {
	e, err := loadEnv()
	if err != nil {
		fmt.Fprintf(stderr, "korgalore track: %v\n", err) //nolint:errcheck // best-effort stderr
		return 1
	}
	if _, ok := e.cfg.Targets[targetName]; !ok {
		fmt.Fprintf(stderr, "korgalore track: unknown target %q\n", targetName) //nolint:errcheck // best-effort stderr
		return 1
	}
	msgid = strings.Trim(msgid, "<>")

	manifest := tracking.Load(e.dataDir)
	if th := manifest.GetByMsgID("<" + msgid + ">"); th != nil {
		fmt.Fprintf(stderr, "korgalore track: already tracked as %s\n", th.TrackID) //nolint:errcheck // best-effort stderr
		return 1
	}

	trackID := tracking.NewTrackID()
	searchPath := manifest.SearchPath(trackID)
	lr := &lei.Runner{}
	if err := lr.QueryThread(msgid, searchPath); err != nil {
		fmt.Fprintf(stderr, "korgalore track: %v\n", err) //nolint:errcheck // best-effort stderr
		return 1
	}

	subject := searchSubject(searchPath)
	if subject == "" {
		subject = "(no messages yet)"
	}
	if _, err := manifest.Add(trackID, "<"+msgid+">", subject, targetName,
		labels, searchPath); err != nil {
		fmt.Fprintf(stderr, "korgalore track: %v\n", err) //nolint:errcheck // best-effort stderr
		return 1
	}
	fmt.Fprintf(stdout, "Tracking %s: %s\n", trackID, subject) //nolint:errcheck // best-effort stdout
	return 0
}

// searchSubject reads the subject of the newest message in a freshly
// created search, for the manifest entry. Best effort.
func searchSubject(searchPath string) string {
	entries, err := os.ReadDir(filepath.Join(searchPath, "git"))
	if err != nil {
		return ""
	}
	highest := -1
	for _, entry := range entries {
		name := strings.TrimSuffix(entry.Name(), ".git")
		if n, err := strconv.Atoi(name); err == nil && n > highest {
			highest = n
		}
	}
	if highest < 0 {
		return ""
	}
	git := &gitcmd.Runner{}
	gitdir := filepath.Join(searchPath, "git", fmt.Sprintf("%d.git", highest))
	branch := git.DefaultBranch(gitdir)
	tip, err := git.TopCommit(gitdir, branch)
	if err != nil {
		return ""
	}
	raw, err := git.ShowMessage(gitdir, tip)
	if err != nil {
		zap.L().Debug("reading tracked thread subject", zap.Error(err))
		return ""
	}
	return message.New(raw).Subject()
}

func cmdTrackList(stdout, stderr io.Writer) int {
	e, err := loadEnv()
	if err != nil {
		fmt.Fprintf(stderr, "korgalore track: %v\n", err) //nolint:errcheck // best-effort stderr
		return 1
	}
	manifest := tracking.Load(e.dataDir)
	threads := manifest.All()
	if len(threads) == 0 {
		fmt.Fprintln(stdout, "No tracked threads.") //nolint:errcheck // best-effort stdout
		return 0
	}
	sort.Slice(threads, func(i, j int) bool {
		return threads[i].Created.Before(threads[j].Created)
	})
	for _, th := range threads {
		fmt.Fprintf(stdout, "%s  %-8s  %3d msgs  %s\n", //nolint:errcheck // best-effort stdout
			th.TrackID, th.Status, th.MessageCount, th.Subject)
	}
	return 0
}

func cmdTrackPause(trackID string, stdout, stderr io.Writer) int {
	e, err := loadEnv()
	if err != nil {
		fmt.Fprintf(stderr, "korgalore track: %v\n", err) //nolint:errcheck // best-effort stderr
		return 1
	}
	manifest := tracking.Load(e.dataDir)
	if err := manifest.Pause(trackID); err != nil {
		fmt.Fprintf(stderr, "korgalore track: %v\n", err) //nolint:errcheck // best-effort stderr
		return 1
	}
	fmt.Fprintf(stdout, "Paused %s\n", trackID) //nolint:errcheck // best-effort stdout
	return 0
}

func cmdTrackResume(trackID string, stdout, stderr io.Writer) int {
	e, err := loadEnv()
	if err != nil {
		fmt.Fprintf(stderr, "korgalore track: %v\n", err) //nolint:errcheck // best-effort stderr
		return 1
	}
	manifest := tracking.Load(e.dataDir)
	if err := manifest.Resume(trackID); err != nil {
		fmt.Fprintf(stderr, "korgalore track: %v\n", err) //nolint:errcheck // best-effort stderr
		return 1
	}
	fmt.Fprintf(stdout, "Resumed %s\n", trackID) //nolint:errcheck // best-effort stdout
	return 0
}

func cmdTrackStop(trackID string, deleteData bool, stdout, stderr io.Writer) int {
	e, err := loadEnv()
	if err != nil {
		fmt.Fprintf(stderr, "korgalore track: %v\n", err) //nolint:errcheck // best-effort stderr
		return 1
	}
	manifest := tracking.Load(e.dataDir)
	if deleteData {
		th, err := manifest.Get(trackID)
		if err != nil {
			fmt.Fprintf(stderr, "korgalore track: %v\n", err) //nolint:errcheck // best-effort stderr
			return 1
		}
		lr := &lei.Runner{}
		if err := lr.ForgetSearch(th.LeiPath); err != nil {
			zap.L().Warn("forgetting lei search", zap.Error(err))
		}
	}
	if err := manifest.Remove(trackID, deleteData); err != nil {
		fmt.Fprintf(stderr, "korgalore track: %v\n", err) //nolint:errcheck // best-effort stderr
		return 1
	}
	fmt.Fprintf(stdout, "Stopped tracking %s\n", trackID) //nolint:errcheck // best-effort stdout
	return 0
}
