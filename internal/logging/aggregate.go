package logging

import (
	"bufio"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// Entry is one parsed line of rllm.log.
type Entry struct {
	Time    time.Time      `json:"time"`
	Level   string         `json:"level"`
	Message string         `json:"msg"`
	RunID   string         `json:"run_id,omitempty"`
	Commit  string         `json:"commit,omitempty"`
	Phase   string         `json:"phase,omitempty"`
	Attrs   map[string]any `json:"attrs,omitempty"`
}

// Filter selects entries. Zero fields match everything; set fields are
// combined with AND.
type Filter struct {
	// Level keeps entries at or above this level.
	Level    string
	RunID    string
	Commit   string // prefix match, so abbreviated shas work
	Phase    string
	Contains string
}

var levelRank = map[string]int{
	LevelDebug: 0,
	LevelInfo:  1,
	LevelWarn:  2,
	LevelError: 3,
}

// ReadEntries parses {stateDir}/rllm.log. Unparseable lines are skipped.
// Entries are returned in time order.
func ReadEntries(stateDir string) ([]Entry, error) {
	f, err := os.Open(filepath.Join(stateDir, FileName))
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}
	defer func() { _ = f.Close() }()

	var entries []Entry
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024) // evidence can make long lines
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		if e, err := parseEntry(line); err == nil {
			entries = append(entries, e)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("error reading log file: %w", err)
	}

	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].Time.Before(entries[j].Time)
	})
	return entries, nil
}

func parseEntry(line string) (Entry, error) {
	var raw map[string]any
	if err := json.Unmarshal([]byte(line), &raw); err != nil {
		return Entry{}, fmt.Errorf("invalid JSON: %w", err)
	}

	e := Entry{Attrs: make(map[string]any)}
	for k, v := range raw {
		s, _ := v.(string)
		switch k {
		case "time":
			if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
				e.Time = t
			}
		case "level":
			e.Level = s
		case "msg":
			e.Message = s
		case "run_id":
			e.RunID = s
		case "commit":
			e.Commit = s
		case "phase":
			e.Phase = s
		default:
			e.Attrs[k] = v
		}
	}
	return e, nil
}

// Match reports whether e passes the filter.
func (f Filter) Match(e Entry) bool {
	if f.Level != "" {
		if want, ok := levelRank[ParseLevel(f.Level)]; ok {
			if got, ok := levelRank[e.Level]; ok && got < want {
				return false
			}
		}
	}
	if f.RunID != "" && e.RunID != f.RunID {
		return false
	}
	if f.Commit != "" && !strings.HasPrefix(e.Commit, f.Commit) {
		return false
	}
	if f.Phase != "" && e.Phase != f.Phase {
		return false
	}
	if f.Contains != "" && !strings.Contains(e.Message, f.Contains) {
		return false
	}
	return true
}

// FilterEntries returns the entries that pass f.
func FilterEntries(entries []Entry, f Filter) []Entry {
	var out []Entry
	for _, e := range entries {
		if f.Match(e) {
			out = append(out, e)
		}
	}
	return out
}

// Export writes entries to w as "json", "text" or "csv".
func Export(w io.Writer, entries []Entry, format string) error {
	switch strings.ToLower(format) {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(entries)
	case "text", "":
		return exportText(w, entries)
	case "csv":
		return exportCSV(w, entries)
	default:
		return fmt.Errorf("unsupported export format: %s (supported: json, text, csv)", format)
	}
}

func exportText(w io.Writer, entries []Entry) error {
	for _, e := range entries {
		var ctx []string
		if e.Commit != "" {
			ctx = append(ctx, "commit="+shortSHA(e.Commit))
		}
		if e.Phase != "" {
			ctx = append(ctx, "phase="+e.Phase)
		}

		line := fmt.Sprintf("[%s] %-5s %s", e.Time.Format("2006-01-02 15:04:05.000"), e.Level, e.Message)
		if len(ctx) > 0 {
			line += " (" + strings.Join(ctx, ", ") + ")"
		}
		if len(e.Attrs) > 0 {
			b, _ := json.Marshal(e.Attrs)
			line += " " + string(b)
		}
		if _, err := fmt.Fprintln(w, line); err != nil {
			return fmt.Errorf("failed to write text entry: %w", err)
		}
	}
	return nil
}

func exportCSV(w io.Writer, entries []Entry) error {
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"time", "level", "message", "run_id", "commit", "phase", "attrs"}); err != nil {
		return fmt.Errorf("failed to write CSV header: %w", err)
	}
	for _, e := range entries {
		attrs := ""
		if len(e.Attrs) > 0 {
			if b, err := json.Marshal(e.Attrs); err == nil {
				attrs = string(b)
			}
		}
		rec := []string{e.Time.Format(time.RFC3339Nano), e.Level, e.Message, e.RunID, e.Commit, e.Phase, attrs}
		if err := cw.Write(rec); err != nil {
			return fmt.Errorf("failed to write CSV record: %w", err)
		}
	}
	cw.Flush()
	return cw.Error()
}

func shortSHA(sha string) string {
	if len(sha) > 12 {
		return sha[:12]
	}
	return sha
}
