package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/snajpa/rllm/internal/config"
	"github.com/snajpa/rllm/internal/history"
	"github.com/snajpa/rllm/internal/workspace"
)

var historyCmd = &cobra.Command{
	Use:   "history [key]",
	Short: "Show stored porting history",
	Long: `Show the iteration results stored by previous runs.

Without arguments, lists one line per stored result. With a key (a commit
sha, or fixup:<sha> for build fixups), prints that result in full,
including every prompt and response.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runHistory,
}

var historyFormat string

func init() {
	rootCmd.AddCommand(historyCmd)
	historyCmd.Flags().StringVar(&historyFormat, "format", "yaml", "Output format for a single result: yaml, json")
}

func runHistory(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	repoDir, err := filepath.Abs(cfg.Repo.Path)
	if err != nil {
		return err
	}
	store, err := history.Open(cfg.History.Backend, cfg.HistoryPath(repoDir))
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	out := cmd.OutOrStdout()
	if len(args) == 0 {
		results, err := store.List()
		if err != nil {
			return err
		}
		return listHistory(out, results)
	}

	result, ok, err := store.Get(args[0])
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("no history stored for %s", args[0])
	}
	return writeResult(out, result, historyFormat)
}

func listHistory(w io.Writer, results []*history.IterationResult) error {
	if len(results) == 0 {
		_, err := fmt.Fprintln(w, "No history stored.")
		return err
	}
	sort.Slice(results, func(i, j int) bool {
		return results[i].UpdatedAt.Before(results[j].UpdatedAt)
	})

	for _, r := range results {
		status := "unresolved"
		if r.Resolved {
			status = "resolved"
		}
		line := fmt.Sprintf("%-19s %-5s attempt %-2d %-10s %2d steps",
			shortKey(r.Key), r.Kind, r.Attempt, status, len(r.Steps))
		if failures := r.Failures(); len(failures) > 0 {
			var parts []string
			for reason, n := range failures {
				parts = append(parts, fmt.Sprintf("%s=%d", reason, n))
			}
			sort.Strings(parts)
			line += "  " + strings.Join(parts, " ")
		}
		if _, err := fmt.Fprintln(w, line); err != nil {
			return err
		}
	}
	return nil
}

func shortKey(key string) string {
	if sha, ok := strings.CutPrefix(key, "fixup:"); ok {
		return "fixup:" + workspace.ShortSHA(sha)
	}
	return workspace.ShortSHA(key)
}

func writeResult(w io.Writer, result *history.IterationResult, format string) error {
	switch strings.ToLower(format) {
	case "yaml", "":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(result); err != nil {
			return err
		}
		return enc.Close()
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(result)
	default:
		return fmt.Errorf("unsupported format: %s (supported: yaml, json)", format)
	}
}
