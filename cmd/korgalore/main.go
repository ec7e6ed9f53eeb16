// korgalore fetches public-inbox mailing list messages and delivers them
// into local or remote mailboxes.
package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/korgalore/korgalore/internal/config"
	"github.com/korgalore/korgalore/internal/gitcmd"
	"github.com/korgalore/korgalore/internal/httpx"
	"github.com/korgalore/korgalore/internal/xdg"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

// errExit is a sentinel error returned by cobra RunE functions to signal
// non-zero exit. The command has already written its own error to stderr.
var errExit = errors.New("exit")

// verboseFlag holds the value of the --verbose persistent flag.
var verboseFlag bool

// run executes the korgalore CLI with the given args, writing output to
// stdout and errors to stderr. Returns the exit code.
func run(args []string, stdout, stderr io.Writer) int {
	root := newRootCmd(stdout, stderr)
	if args == nil {
		args = []string{}
	}
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)
	if err := root.Execute(); err != nil {
		return 1
	}
	return 0
}

// newRootCmd creates the root cobra command with all subcommands.
func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	root := &cobra.Command{
		Use:           "korgalore",
		Short:         "Deliver public-inbox mailing list messages to your mailbox",
		SilenceErrors: true,
		SilenceUsage:  true,
		Args:          cobra.ArbitraryArgs,
		PersistentPreRun: func(_ *cobra.Command, _ []string) {
			setupLogger(stderr, verboseFlag)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				return cmd.Help()
			}
			fmt.Fprintf(stderr, "korgalore: unknown command %q\n", args[0]) //nolint:errcheck // best-effort stderr
			return errExit
		},
	}
	root.PersistentFlags().BoolVarP(&verboseFlag, "verbose", "v", false,
		"enable debug logging")
	root.CompletionOptions.DisableDefaultCmd = true
	root.AddCommand(
		newPullCmd(stdout, stderr),
		newDeliveriesCmd(stdout, stderr),
		newTargetsCmd(stdout, stderr),
		newSubscribeCmd(stdout, stderr),
		newTrackCmd(stdout, stderr),
		newBozoCmd(stdout, stderr),
		newAuthCmd(stdout, stderr),
		newVersionCmd(stdout),
	)
	return root
}

// setupLogger installs the global zap logger writing to stderr.
func setupLogger(stderr io.Writer, verbose bool) {
	level := zapcore.InfoLevel
	if verbose {
		level = zapcore.DebugLevel
	}
	encCfg := zap.NewDevelopmentEncoderConfig()
	core := zapcore.NewCore(
		zapcore.NewConsoleEncoder(encCfg),
		zapcore.AddSync(writerSyncer{stderr}),
		level,
	)
	zap.ReplaceGlobals(zap.New(core))
}

type writerSyncer struct{ io.Writer }

func (writerSyncer) Sync() error { return nil }

// env carries the loaded configuration and the resolved directories
// every command needs.
type env struct {
	cfg       *config.Config
	configDir string
	dataDir   string
}

// loadEnv resolves the XDG directories, migrates legacy config section
// names, loads the configuration and applies the global HTTP and git
// user agents.
func loadEnv() (*env, error) {
	configDir, err := xdg.ConfigDir()
	if err != nil {
		return nil, err
	}
	dataDir, err := xdg.DataDir()
	if err != nil {
		return nil, err
	}
	if changed, err := config.RenameLegacySections(configDir); err != nil {
		return nil, err
	} else if changed {
		zap.L().Info("renamed legacy [sources] config sections to [deliveries]")
	}
	cfg, err := config.Load(configDir)
	if err != nil {
		return nil, err
	}
	httpx.SetUserAgentID(cfg.Main.UserAgentPlus)
	if err := gitcmd.SetupUserAgent(); err != nil {
		zap.L().Debug("probing git version failed", zap.Error(err))
	}
	return &env{cfg: cfg, configDir: configDir, dataDir: dataDir}, nil
}
