package gather

import (
	"fmt"
	"path"
	"strconv"
	"strings"

	"github.com/gobwas/glob"

	"github.com/snajpa/rllm/internal/errors"
	"github.com/snajpa/rllm/internal/numbered"
	"github.com/snajpa/rllm/internal/workspace"
)

// toolError is a failed tool run reported back to the model. It never
// costs budget.
type toolError struct {
	outcome Outcome
	msg     string
}

func (e *toolError) Error() string { return e.msg }

func invalid(format string, args ...any) *toolError {
	return &toolError{outcome: OutcomeInvalid, msg: "ERROR: " + fmt.Sprintf(format, args...)}
}

func failed(format string, args ...any) *toolError {
	return &toolError{outcome: OutcomeError, msg: "ERROR: " + fmt.Sprintf(format, args...)}
}

// run executes a well-formed ask and returns the text shown to the model.
func (s *Session) run(ask Ask) (string, *toolError) {
	switch ask.Tool {
	case ToolGrepContext:
		if len(ask.Params) < 1 {
			return "", invalid("grep-context needs a pattern")
		}
		return s.grepContext(ask.Params[0], ask.Params[1:])
	case ToolCatContext, ToolBlameLine:
		if len(ask.Params) != 2 {
			return "", invalid("%s needs exactly two parameters: <line> <path>", ask.Tool)
		}
		line, err := strconv.Atoi(ask.Params[0])
		if err != nil {
			return "", invalid("Invalid line number: %s", ask.Params[0])
		}
		if ask.Tool == ToolCatContext {
			return s.catContext(line, ask.Params[1])
		}
		return s.blameLine(line, ask.Params[1])
	default:
		return "", invalid("Unknown tool: %s", ask.Name)
	}
}

// fileLines returns the lines of a working tree file through the session
// cache. The session never writes to the tree, so entries stay valid.
func (s *Session) fileLines(p string) ([]string, *toolError) {
	if outsideTree(p) {
		return nil, failed("Path is outside the repository: %s", p)
	}
	p = cleanPath(p)
	if lines, ok := s.files.Get(p); ok {
		return lines, nil
	}
	content, err := s.repo.ReadFile(p)
	if err != nil {
		if errors.Is(err, errors.ErrPathEscape) {
			return nil, failed("Path is outside the repository: %s", p)
		}
		return nil, failed("File not found or is a directory: %s", p)
	}
	lines := numbered.SplitLines(content)
	s.files.Add(p, lines)
	return lines, nil
}

// lineAt validates that line exists in the file at p.
func (s *Session) lineAt(line int, p string) ([]string, *toolError) {
	lines, terr := s.fileLines(p)
	if terr != nil {
		return nil, terr
	}
	if line < 1 || line > len(lines) {
		return nil, failed("Line not found: %d, the file only has %d lines", line, len(lines))
	}
	return lines, nil
}

func (s *Session) catContext(line int, p string) (string, *toolError) {
	lines, terr := s.lineAt(line, p)
	if terr != nil {
		return "", terr
	}
	win := numbered.Around(line, line, s.opts.CatContext, len(lines))
	return fmt.Sprintf("%s:\n%s", cleanPath(p), numbered.EncodeWindow(lines, win)), nil
}

func (s *Session) blameLine(line int, p string) (string, *toolError) {
	lines, terr := s.lineAt(line, p)
	if terr != nil {
		return "", terr
	}
	b, err := s.repo.Blame("", cleanPath(p), line)
	if err != nil {
		return "", failed("blame failed: %v", err)
	}
	var sb strings.Builder
	if b.Committed() {
		fmt.Fprintf(&sb, "%s:%d last changed by commit %s (%s <%s>): %s\n",
			cleanPath(p), line, workspace.ShortSHA(b.SHA), b.Author, b.Mail, b.Summary)
	} else {
		fmt.Fprintf(&sb, "%s:%d is not committed yet\n", cleanPath(p), line)
	}
	sb.WriteString(numbered.EncodeWindow(lines, numbered.Window{Start: line, End: line}))
	return sb.String(), nil
}

// grepContext searches for pattern under the given paths (files,
// directories or globs; default the whole tree) and shows the context
// around every match, merging overlapping windows per file.
func (s *Session) grepContext(pattern string, paths []string) (string, *toolError) {
	if len(paths) == 0 {
		paths = []string{"."}
	}

	var (
		specs []string
		globs []glob.Glob
	)
	for _, p := range paths {
		if outsideTree(p) {
			return "", failed("Path is outside the repository: %s", p)
		}
		p = cleanPath(p)
		if !strings.ContainsAny(p, "*?[{") {
			if _, err := s.repo.Resolve(p); err != nil {
				return "", failed("Path is outside the repository: %s", p)
			}
			if !s.repo.Exists(p) {
				return "", failed("File not found: %s", p)
			}
			specs = append(specs, p)
			continue
		}
		g, err := glob.Compile(p, '/')
		if err != nil {
			return "", invalid("Invalid glob %s: %v", p, err)
		}
		base := globBase(p)
		if _, err := s.repo.Resolve(base); err != nil {
			return "", failed("Path is outside the repository: %s", p)
		}
		globs = append(globs, g)
		specs = append(specs, base)
	}

	matches, err := s.repo.Grep(pattern, specs)
	if err != nil {
		return "", failed("grep failed: %v", err)
	}

	// Group match lines by file, keeping git's order.
	var order []string
	byFile := make(map[string][]int)
	for _, m := range matches {
		if !matchesAny(m.Path, paths, globs) {
			continue
		}
		if _, seen := byFile[m.Path]; !seen {
			order = append(order, m.Path)
		}
		byFile[m.Path] = append(byFile[m.Path], m.Line)
	}
	if len(order) == 0 {
		return fmt.Sprintf("Nothing found for pattern %q\n", pattern), nil
	}

	var sb strings.Builder
	for _, file := range order {
		lines, terr := s.fileLines(file)
		if terr != nil {
			continue
		}
		for _, win := range mergeWindows(byFile[file], s.opts.GrepContext, len(lines)) {
			fmt.Fprintf(&sb, "%s:\n", file)
			sb.WriteString(numbered.EncodeWindow(lines, win))
		}
	}
	return sb.String(), nil
}

// matchesAny reports whether a match path is selected. Plain paths were
// already applied as pathspecs; globs filter what their base returned.
func matchesAny(p string, paths []string, globs []glob.Glob) bool {
	if len(globs) == 0 {
		return true
	}
	for _, g := range globs {
		if g.Match(p) {
			return true
		}
	}
	for _, raw := range paths {
		raw = cleanPath(raw)
		if strings.ContainsAny(raw, "*?[{") {
			continue
		}
		if raw == "." || p == raw || strings.HasPrefix(p, raw+"/") {
			return true
		}
	}
	return false
}

// globBase returns the directory part of a glob before its first
// wildcard.
func globBase(pattern string) string {
	i := strings.IndexAny(pattern, "*?[{")
	dir := path.Dir(pattern[:i] + "x")
	if dir == "" {
		return "."
	}
	return dir
}

// mergeWindows turns match lines into context windows, merging windows
// that overlap or touch.
func mergeWindows(lines []int, margin, lineCount int) []numbered.Window {
	spans := make([]numbered.Window, 0, len(lines))
	for _, n := range lines {
		spans = append(spans, numbered.Window{Start: n, End: n})
	}
	return numbered.Regions(spans, margin, lineCount)
}
