package solution

import (
	"fmt"
	"strings"

	"github.com/snajpa/rllm/internal/numbered"
)

// Files reads and atomically replaces working tree files.
type Files interface {
	ReadFile(rel string) (string, error)
	WriteFile(rel, content string) error
}

// Target is the window a solution must replace, with its text as it was
// shown to the model.
type Target struct {
	Path     string
	Window   numbered.Window
	Original string
}

// NewTarget captures the text of win from file content.
func NewTarget(path, content string, win numbered.Window) Target {
	return Target{Path: path, Window: win, Original: WindowText(content, win)}
}

// WindowText returns the lines of win in content, including their line
// terminators.
func WindowText(content string, win numbered.Window) string {
	offsets := lineOffsets(content)
	win = win.Clamp(len(offsets))
	if win.Len() == 0 {
		return ""
	}
	return content[offsets[win.Start-1]:lineEnd(content, offsets, win.End)]
}

// Strategy names how a solution was placed.
type Strategy string

const (
	StrategyNoop       Strategy = "noop"
	StrategyAnchored   Strategy = "anchored"
	StrategyPositional Strategy = "positional"
)

// Result is the outcome of applying a solution.
type Result struct {
	Applied  bool
	Changed  bool
	Strategy Strategy
	Reason   Reason
	Detail   string
	// Err is the underlying I/O error for ReasonIOError.
	Err error
}

func rejected(reason Reason, detail string) Result {
	return Result{Reason: reason, Detail: detail}
}

// Apply splices sol into the file in place of the target window.
//
// A solution replaces the whole window. It is taken to span the window
// when it starts at the window's first line, or when its text begins and
// ends with the window's first and last lines, which tolerates drifted
// numbering. Anything else is a partial answer and is rejected with
// ReasonStartMismatch rather than guessed at.
//
// Whole lines shared at the start and end of both texts are left
// untouched; only the differing middle is replaced, at the place where the
// window text is found in the current file. When the window text is no
// longer in the file, the solution is placed by line number. The file is
// rewritten atomically.
func Apply(files Files, target Target, sol *Solution) Result {
	content, err := files.ReadFile(target.Path)
	if err != nil {
		return Result{Reason: ReasonIOError, Detail: err.Error(), Err: err}
	}

	original := target.Original
	replacement := sol.Text()
	if original != "" && !strings.HasSuffix(original, "\n") {
		replacement = strings.TrimSuffix(replacement, "\n")
	}

	if original == replacement {
		return Result{Applied: true, Strategy: StrategyNoop}
	}

	prefix, suffix := commonLines(original, replacement)
	if sol.Start != target.Window.Start && (prefix == 0 || suffix == 0) {
		return rejected(ReasonStartMismatch, fmt.Sprintf(
			"solution starts at line %d but the window starts at line %d; answer with the whole window",
			sol.Start, target.Window.Start))
	}

	offsets := lineOffsets(content)
	var (
		updated  string
		strategy Strategy
	)

	if at := locate(content, original, offsets, target.Window.Start); at >= 0 {
		oHead, oTail := affixBytes(original, prefix, suffix)
		rHead, rTail := affixBytes(replacement, prefix, suffix)
		updated = content[:at+oHead] + replacement[rHead:rTail] + content[at+oTail:]
		strategy = StrategyAnchored
	} else {
		if sol.Start != target.Window.Start {
			return rejected(ReasonStartMismatch, fmt.Sprintf("solution starts at line %d but the window starts at line %d",
				sol.Start, target.Window.Start))
		}
		win := target.Window.Clamp(len(offsets))
		if win.Len() == 0 {
			return rejected(ReasonStartMismatch, "window "+target.Window.String()+" is outside the file")
		}
		start := offsets[win.Start-1]
		end := lineEnd(content, offsets, win.End)
		if !strings.HasSuffix(content[start:end], "\n") {
			replacement = strings.TrimSuffix(replacement, "\n")
		}
		updated = content[:start] + replacement + content[end:]
		strategy = StrategyPositional
	}

	if updated == content {
		return Result{Applied: true, Strategy: strategy}
	}
	if err := files.WriteFile(target.Path, updated); err != nil {
		return Result{Reason: ReasonIOError, Detail: err.Error(), Err: err}
	}
	return Result{Applied: true, Changed: true, Strategy: strategy}
}

// ParseAndApply parses a response, validates it against the target and
// applies it.
func ParseAndApply(files Files, response string, target Target) (*Solution, Result) {
	sol, reason, detail := Parse(response)
	if reason != ReasonNone {
		return sol, rejected(reason, detail)
	}
	if reason, detail := sol.Validate(target.Window); reason != ReasonNone {
		return sol, rejected(reason, detail)
	}
	return sol, Apply(files, target, sol)
}

// commonLines returns how many whole lines a and b share at their start
// and at their end. The two counts never overlap.
func commonLines(a, b string) (prefix, suffix int) {
	la, lb := splitText(a), splitText(b)
	n := min(len(la), len(lb))
	for prefix < n && la[prefix] == lb[prefix] {
		prefix++
	}
	for suffix < n-prefix && la[len(la)-1-suffix] == lb[len(lb)-1-suffix] {
		suffix++
	}
	return prefix, suffix
}

// affixBytes converts line counts from commonLines into byte offsets in
// text: the end of the first prefix lines and the start of the last suffix
// lines.
func affixBytes(text string, prefix, suffix int) (head, tail int) {
	offsets := lineOffsets(text)
	head, tail = len(text), len(text)
	if prefix < len(offsets) {
		head = offsets[prefix]
	}
	if suffix > 0 {
		tail = offsets[len(offsets)-suffix]
	}
	return head, tail
}

func splitText(text string) []string {
	if text == "" {
		return nil
	}
	return strings.Split(strings.TrimSuffix(text, "\n"), "\n")
}

// locate returns the byte offset of text in content, preferring the
// occurrence at line startLine. It returns -1 when text is not present.
func locate(content, text string, offsets []int, startLine int) int {
	if text == "" {
		return -1
	}
	if startLine >= 1 && startLine <= len(offsets) {
		at := offsets[startLine-1]
		if strings.HasPrefix(content[at:], text) {
			return at
		}
	}
	return strings.Index(content, text)
}

// lineOffsets returns the byte offset at which every line starts.
func lineOffsets(content string) []int {
	if content == "" {
		return nil
	}
	offsets := []int{0}
	for i := 0; i < len(content)-1; i++ {
		if content[i] == '\n' {
			offsets = append(offsets, i+1)
		}
	}
	return offsets
}

// lineEnd returns the offset just past line n (1-based), including its
// terminator.
func lineEnd(content string, offsets []int, n int) int {
	if n < len(offsets) {
		return offsets[n]
	}
	return len(content)
}
