// Package numbered implements the line-numbered text format exchanged with
// the model. Every line is rendered as a right-aligned 1-based line number,
// one space, and the literal line content:
//
//	 9 static int foo(void)
//	10 {
//
// The same grammar is used to show evidence to the model and to parse its
// answer back, so Encode and Decode are exact inverses for well-formed
// input. A decoded line must match
//
//	^\s{0,5}(\d{1,6}) (.*)$
//
// Fence lines (lines starting with three backticks) delimit numbered blocks
// inside free-form model output.
package numbered

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Fence is the marker that opens and closes a numbered block.
const Fence = "```"

// MaxLineNumber is the largest line number the grammar can express.
const MaxLineNumber = 999999

var lineRe = regexp.MustCompile(`^\s{0,5}(\d{1,6}) (.*)$`)

// Window is an inclusive, 1-based line range.
type Window struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// Len returns the number of lines in the window.
func (w Window) Len() int {
	if w.End < w.Start {
		return 0
	}
	return w.End - w.Start + 1
}

// Contains reports whether line n lies inside the window.
func (w Window) Contains(n int) bool {
	return n >= w.Start && n <= w.End
}

// Overlaps reports whether two windows share at least one line.
func (w Window) Overlaps(o Window) bool {
	return w.Start <= o.End && o.Start <= w.End
}

// Clamp restricts the window to [1, lineCount].
func (w Window) Clamp(lineCount int) Window {
	if w.Start < 1 {
		w.Start = 1
	}
	if w.End > lineCount {
		w.End = lineCount
	}
	return w
}

// String renders the window as "start-end".
func (w Window) String() string {
	return fmt.Sprintf("%d-%d", w.Start, w.End)
}

// Around returns the window of lines within margin of [start, end], clamped
// to the file bounds.
func Around(start, end, margin, lineCount int) Window {
	return Window{Start: start - margin, End: end + margin}.Clamp(lineCount)
}

// Regions widens every span by margin, clamps it to the file and merges
// the results that overlap or touch. Spans are expected in ascending order.
func Regions(spans []Window, margin, lineCount int) []Window {
	var out []Window
	for _, s := range spans {
		win := Around(s.Start, s.End, margin, lineCount)
		if win.Len() == 0 {
			continue
		}
		if k := len(out) - 1; k >= 0 && win.Start <= out[k].End+1 {
			out[k].End = max(out[k].End, win.End)
			continue
		}
		out = append(out, win)
	}
	return out
}

// Width returns the column width needed to render line numbers up to max.
func Width(max int) int {
	if max < 1 {
		return 1
	}
	return len(strconv.Itoa(max))
}

// SplitLines splits text into lines without their terminators. A single
// trailing newline does not produce an extra empty line.
func SplitLines(text string) []string {
	if text == "" {
		return nil
	}
	text = strings.TrimSuffix(text, "\n")
	return strings.Split(text, "\n")
}

// Encode renders lines numbered from first, padding numbers to width.
// A width below the natural width of the largest number is widened.
func Encode(lines []string, first, width int) string {
	if len(lines) == 0 {
		return ""
	}
	if w := Width(first + len(lines) - 1); w > width {
		width = w
	}
	var sb strings.Builder
	for i, line := range lines {
		fmt.Fprintf(&sb, "%*d %s\n", width, first+i, line)
	}
	return sb.String()
}

// EncodeWindow renders the lines of win taken from a whole file. The width
// is derived from the largest line number in the window.
func EncodeWindow(fileLines []string, win Window) string {
	win = win.Clamp(len(fileLines))
	if win.Len() == 0 {
		return ""
	}
	return Encode(fileLines[win.Start-1:win.End], win.Start, Width(win.End))
}

// EncodeRegions renders several windows of one file with a common width,
// separated by "..." lines.
func EncodeRegions(fileLines []string, regions []Window) string {
	if len(regions) == 0 {
		return ""
	}
	width := Width(regions[len(regions)-1].End)
	var sb strings.Builder
	for i, r := range regions {
		r = r.Clamp(len(fileLines))
		if r.Len() == 0 {
			continue
		}
		if i > 0 {
			sb.WriteString("...\n")
		}
		sb.WriteString(Encode(fileLines[r.Start-1:r.End], r.Start, width))
	}
	return sb.String()
}

// EncodeText numbers every line of text from 1.
func EncodeText(text string) string {
	lines := SplitLines(text)
	return Encode(lines, 1, Width(len(lines)))
}

// Line is one decoded numbered line.
type Line struct {
	Number  int
	Content string
}

// DecodeLine parses a single numbered line. ok is false when the line does
// not follow the grammar.
func DecodeLine(s string) (Line, bool) {
	s = strings.TrimSuffix(s, "\r")
	m := lineRe.FindStringSubmatch(s)
	if m == nil {
		return Line{}, false
	}
	n, err := strconv.Atoi(m[1])
	if err != nil || n < 1 {
		return Line{}, false
	}
	return Line{Number: n, Content: m[2]}, true
}

// Decode parses numbered lines out of text. Lines that do not follow the
// grammar are returned separately so callers can decide how strict to be.
func Decode(text string) (lines []Line, rejected []string) {
	for _, s := range SplitLines(text) {
		if l, ok := DecodeLine(s); ok {
			lines = append(lines, l)
			continue
		}
		rejected = append(rejected, s)
	}
	return lines, rejected
}

// IsFence reports whether line opens or closes a fenced block.
func IsFence(line string) bool {
	return strings.HasPrefix(strings.TrimSpace(line), Fence)
}

// CountFences returns the number of fence lines in text.
func CountFences(text string) int {
	n := 0
	for _, line := range strings.Split(text, "\n") {
		if IsFence(line) {
			n++
		}
	}
	return n
}

// LastFence returns the body of the last fenced block in text. When the
// final fence is left open the remainder after it is returned. ok is false
// when text contains no fence at all.
func LastFence(text string) (body string, ok bool) {
	lines := strings.Split(text, "\n")
	var fences []int
	for i, line := range lines {
		if IsFence(line) {
			fences = append(fences, i)
		}
	}
	switch {
	case len(fences) == 0:
		return "", false
	case len(fences)%2 == 1:
		open := fences[len(fences)-1]
		return strings.Join(lines[open+1:], "\n"), true
	default:
		open, closing := fences[len(fences)-2], fences[len(fences)-1]
		return strings.Join(lines[open+1:closing], "\n"), true
	}
}

// Fenced wraps body in a fenced block.
func Fenced(body string) string {
	if body != "" && !strings.HasSuffix(body, "\n") {
		body += "\n"
	}
	return Fence + "\n" + body + Fence + "\n"
}
