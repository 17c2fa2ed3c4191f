package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/snajpa/rllm/internal/build"
	"github.com/snajpa/rllm/internal/config"
	"github.com/snajpa/rllm/internal/driver"
	"github.com/snajpa/rllm/internal/errors"
	"github.com/snajpa/rllm/internal/history"
	"github.com/snajpa/rllm/internal/llm"
	"github.com/snajpa/rllm/internal/logging"
	"github.com/snajpa/rllm/internal/transcript"
	"github.com/snajpa/rllm/internal/workspace"
)

var portCmd = &cobra.Command{
	Use:   "port [range]",
	Short: "Port a commit range onto the base branch",
	Long: `Port a commit range onto the base branch.

Every attempt resets the work branch to the base and cherry-picks each
commit of the range in order. Conflicts are resolved with the model; when
the build is enabled, build errors are fixed the same way. Failed attempts
are retried with a larger context budget.

Create the file STOP in the state directory to stop after the current
commit.

Examples:
  rllm port v6.12..v6.13 --base my-tree --branch my-tree-6.13
  RLLM_LLM_BACKEND=gemini rllm port --build`,
	Args: cobra.MaximumNArgs(1),
	RunE: runPort,
}

func init() {
	rootCmd.AddCommand(portCmd)

	portCmd.Flags().String("base", "", "commit or branch the port starts from")
	portCmd.Flags().String("branch", "", "work branch reset to the base on every attempt")
	portCmd.Flags().Int("attempts", 0, "maximum attempts over the range")
	portCmd.Flags().Bool("build", false, "build after porting and fix build errors")
	bindFlags(portCmd.Flags(), map[string]string{
		"base":     "repo.base",
		"branch":   "repo.branch",
		"attempts": "driver.max_attempts",
		"build":    "build.enabled",
	})
}

func runPort(cmd *cobra.Command, args []string) error {
	if len(args) == 1 {
		viper.Set("repo.range", args[0])
	}
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if cfg.Repo.Range == "" {
		return errors.NewValidationError("no commit range given").WithField("repo.range")
	}
	if cfg.Repo.Base == "" {
		return errors.NewValidationError("no base given").WithField("repo.base")
	}

	repoDir, err := filepath.Abs(cfg.Repo.Path)
	if err != nil {
		return err
	}
	stateDir := cfg.Paths.ResolveStateDir(repoDir)

	logger, err := openLogger(cfg, stateDir)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Close() }()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ws, err := workspace.Open(repoDir)
	if err != nil {
		return err
	}
	client, cache, err := llm.New(ctx, cfg.LLM)
	if err != nil {
		return err
	}
	store, err := history.Open(cfg.History.Backend, cfg.HistoryPath(repoDir))
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	tr := transcript.New(cmd.OutOrStdout())

	var builder driver.BuildRunner
	if cfg.Build.Enabled {
		runner, closeExec, err := openBuild(ctx, cfg, logger, tr)
		if err != nil {
			return err
		}
		defer closeExec()
		builder = runner
	}

	d := driver.New(cfg, ws, client, cache, store, builder, logger, tr)
	if cfg.Driver.WatchStop {
		w, err := driver.WatchStop(stateDir, logger)
		if err != nil {
			logger.Warn("cannot watch for STOP file", "error", err)
		} else {
			defer w.Close()
			d.SetStopWatcher(w)
		}
	}

	report, err := d.Run(ctx)
	printReport(cmd, report)
	return err
}

func openLogger(cfg *config.Config, stateDir string) (*logging.Logger, error) {
	if !cfg.Logging.Enabled {
		return logging.NopLogger(), nil
	}
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}
	return logging.NewLoggerWithRotation(stateDir, cfg.Logging.Level, logging.RotationConfig{
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		Compress:   cfg.Logging.Compress,
	})
}

func openBuild(ctx context.Context, cfg *config.Config, logger *logging.Logger, tr *transcript.Transcript) (*build.Runner, func(), error) {
	commands, err := build.ParseCommands(cfg.Build.Commands)
	if err != nil {
		return nil, nil, err
	}
	exec, err := build.New(ctx, &cfg.Build)
	if err != nil {
		return nil, nil, err
	}
	closeExec := func() { _ = exec.Close() }
	return build.NewRunner(exec, commands, cfg.Build.ReadTimeout(), logger, tr.Stream()), closeExec, nil
}

func printReport(cmd *cobra.Command, r *driver.Report) {
	if r == nil {
		return
	}
	out := cmd.OutOrStdout()
	fmt.Fprintln(out)
	fmt.Fprintf(out, "Run:      %s\n", r.RunID)
	fmt.Fprintf(out, "Commits:  %d\n", len(r.Commits))
	fmt.Fprintf(out, "Attempts: %d\n", r.Attempts)
	fmt.Fprintf(out, "Duration: %s\n", r.Duration.Round(1e6))
	if r.Resolved {
		fmt.Fprintf(out, "Result:   ported, HEAD %s\n", workspace.ShortSHA(r.Head))
		return
	}
	fmt.Fprintln(out, "Result:   not ported")
	for _, key := range r.Failed {
		fmt.Fprintf(out, "  gave up on %s\n", key)
	}
}
