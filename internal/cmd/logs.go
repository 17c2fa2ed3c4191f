package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/snajpa/rllm/internal/config"
	"github.com/snajpa/rllm/internal/logging"
	"github.com/snajpa/rllm/internal/workspace"
)

var logsCmd = &cobra.Command{
	Use:   "logs",
	Short: "View port logs",
	Long: `View and filter rllm.log from the state directory.

Examples:
  # Show the last 50 entries
  rllm logs

  # Everything the model was asked about one commit
  rllm logs --commit 1a2b3c --phase gather -n 0

  # Warnings of one run as CSV
  rllm logs --run 6f0c... --level warn --format csv

  # Entries of the last hour mentioning the build
  rllm logs --since 1h --grep build`,
	RunE: runLogs,
}

var (
	logsTail   int
	logsLevel  string
	logsRun    string
	logsCommit string
	logsPhase  string
	logsSince  string
	logsGrep   string
	logsFormat string
)

func init() {
	rootCmd.AddCommand(logsCmd)

	logsCmd.Flags().IntVarP(&logsTail, "tail", "n", 50, "Number of entries to show (0 for all)")
	logsCmd.Flags().StringVar(&logsLevel, "level", "", "Filter by minimum level (debug/info/warn/error)")
	logsCmd.Flags().StringVar(&logsRun, "run", "", "Filter by run ID")
	logsCmd.Flags().StringVar(&logsCommit, "commit", "", "Filter by commit (prefix)")
	logsCmd.Flags().StringVar(&logsPhase, "phase", "", "Filter by phase (merge, gather, solve, build, fixup)")
	logsCmd.Flags().StringVar(&logsSince, "since", "", "Show entries since duration ago (e.g., 1h, 30m)")
	logsCmd.Flags().StringVar(&logsGrep, "grep", "", "Show entries whose message contains this text")
	logsCmd.Flags().StringVar(&logsFormat, "format", "pretty", "Output format: pretty, text, json, csv")
}

var (
	logTimeStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	logAttrStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("6"))
	levelStyles  = map[string]lipgloss.Style{
		logging.LevelDebug: lipgloss.NewStyle().Foreground(lipgloss.Color("8")),
		logging.LevelInfo:  lipgloss.NewStyle().Foreground(lipgloss.Color("4")),
		logging.LevelWarn:  lipgloss.NewStyle().Foreground(lipgloss.Color("3")),
		logging.LevelError: lipgloss.NewStyle().Foreground(lipgloss.Color("1")).Bold(true),
	}
)

func runLogs(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	repoDir, err := filepath.Abs(cfg.Repo.Path)
	if err != nil {
		return err
	}

	entries, err := logging.ReadEntries(cfg.Paths.ResolveStateDir(repoDir))
	if err != nil {
		return err
	}
	entries, err = selectEntries(entries, time.Now())
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if len(entries) == 0 {
		fmt.Fprintln(out, "No matching log entries found.")
		return nil
	}
	if logsFormat == "pretty" {
		return writePretty(out, entries)
	}
	return logging.Export(out, entries, logsFormat)
}

// selectEntries applies the command's filters and tail limit.
func selectEntries(entries []logging.Entry, now time.Time) ([]logging.Entry, error) {
	entries = logging.FilterEntries(entries, logging.Filter{
		Level:    logsLevel,
		RunID:    logsRun,
		Commit:   logsCommit,
		Phase:    logsPhase,
		Contains: logsGrep,
	})

	if logsSince != "" {
		d, err := time.ParseDuration(logsSince)
		if err != nil {
			return nil, fmt.Errorf("invalid duration format: %w", err)
		}
		since := now.Add(-d)
		kept := entries[:0]
		for _, e := range entries {
			if !e.Time.Before(since) {
				kept = append(kept, e)
			}
		}
		entries = kept
	}

	if logsTail > 0 && len(entries) > logsTail {
		entries = entries[len(entries)-logsTail:]
	}
	return entries, nil
}

func writePretty(w io.Writer, entries []logging.Entry) error {
	for _, e := range entries {
		if _, err := fmt.Fprintln(w, formatEntry(e)); err != nil {
			return err
		}
	}
	return nil
}

// formatEntry formats an entry for the terminal.
func formatEntry(e logging.Entry) string {
	var sb strings.Builder
	sb.WriteString(logTimeStyle.Render("[" + e.Time.Format("15:04:05.000") + "]"))
	sb.WriteString(" ")

	level := strings.ToUpper(e.Level)
	if style, ok := levelStyles[level]; ok {
		sb.WriteString(style.Render(fmt.Sprintf("%-5s", level)))
	} else {
		sb.WriteString(fmt.Sprintf("%-5s", level))
	}
	sb.WriteString(" ")
	sb.WriteString(e.Message)

	if e.Commit != "" {
		sb.WriteString(" ")
		sb.WriteString(logAttrStyle.Render("commit=" + workspace.ShortSHA(e.Commit)))
	}
	if e.Phase != "" {
		sb.WriteString(" ")
		sb.WriteString(logAttrStyle.Render("phase=" + e.Phase))
	}
	if len(e.Attrs) > 0 {
		b, _ := json.Marshal(e.Attrs)
		sb.WriteString(" ")
		sb.Write(b)
	}
	return sb.String()
}
