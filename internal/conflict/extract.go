// Package conflict extracts marker-delimited conflict blocks from file text.
//
// Lines are first labeled in a single pass: every line from an opening
// "<<<<<<<" marker through its matching ">>>>>>>" marker carries the
// ordinal of its block, and the ordinal advances at each closing marker.
// Labeled lines are then grouped into [Block] values whose core spans the
// markers and whose window widens the core by a caller-supplied margin.
package conflict

import (
	"strings"

	"github.com/snajpa/rllm/internal/numbered"
)

// Marker prefixes written by git into conflicted files.
const (
	MarkerOurs   = "<<<<<<<"
	MarkerBase   = "|||||||"
	MarkerSep    = "======="
	MarkerTheirs = ">>>>>>>"
)

// Side identifies which part of a conflict a labeled line belongs to.
type Side int

const (
	// SideNone is a line outside any conflict.
	SideNone Side = iota
	// SideMarker is one of the marker lines itself.
	SideMarker
	// SideOurs is a line of the current branch's version.
	SideOurs
	// SideBase is a line of the merge base (diff3 style).
	SideBase
	// SideTheirs is a line of the incoming version.
	SideTheirs
)

// Unlabeled is the ordinal carried by lines outside any conflict.
const Unlabeled = -1

// LabeledLine is one line of the scanned file.
type LabeledLine struct {
	Number  int // 1-based
	Text    string
	Ordinal int
	Side    Side
}

// Block is one conflict with its context window.
type Block struct {
	Path    string
	Ordinal int
	// Core spans the opening marker through the closing marker.
	Core numbered.Window
	// Window is Core widened by the margin, clamped to the file.
	Window numbered.Window
	// Lines holds the raw core lines, markers included.
	Lines []string
}

// Label scans text and tags every line with its conflict ordinal and side.
// An opening marker without a matching closing marker leaves its lines
// unlabeled.
func Label(text string) []LabeledLine {
	lines := numbered.SplitLines(text)
	out := make([]LabeledLine, len(lines))

	ordinal := 0
	depth := 0
	side := SideNone
	openAt := -1

	for i, line := range lines {
		out[i] = LabeledLine{Number: i + 1, Text: line, Ordinal: Unlabeled, Side: SideNone}

		switch {
		case strings.HasPrefix(line, MarkerOurs):
			if depth == 0 {
				openAt = i
			}
			depth++
			side = SideOurs
			out[i].Side = SideMarker
		case depth > 0 && strings.HasPrefix(line, MarkerBase):
			side = SideBase
			out[i].Side = SideMarker
		case depth > 0 && isSeparator(line):
			side = SideTheirs
			out[i].Side = SideMarker
		case depth > 0 && strings.HasPrefix(line, MarkerTheirs):
			out[i].Side = SideMarker
			depth--
			if depth == 0 {
				for j := openAt; j <= i; j++ {
					out[j].Ordinal = ordinal
				}
				ordinal++
				side = SideNone
				openAt = -1
			}
		case depth > 0:
			out[i].Side = side
		}
	}

	// Unterminated block: drop its sides so it reads as plain text.
	if openAt >= 0 {
		for j := openAt; j < len(out); j++ {
			out[j].Side = SideNone
		}
	}

	return out
}

func isSeparator(line string) bool {
	return strings.TrimRight(line, " \t\r") == MarkerSep
}

// Extract returns the conflict blocks of text in ordinal order. margin is
// the number of context lines added on each side of a block's core.
func Extract(path, text string, margin int) []Block {
	labeled := Label(text)
	lineCount := len(labeled)

	var blocks []Block
	for _, l := range labeled {
		if l.Ordinal == Unlabeled {
			continue
		}
		if len(blocks) == 0 || blocks[len(blocks)-1].Ordinal != l.Ordinal {
			blocks = append(blocks, Block{
				Path:    path,
				Ordinal: l.Ordinal,
				Core:    numbered.Window{Start: l.Number, End: l.Number},
			})
		}
		b := &blocks[len(blocks)-1]
		b.Core.End = l.Number
		b.Lines = append(b.Lines, l.Text)
	}

	for i := range blocks {
		blocks[i].Window = numbered.Around(blocks[i].Core.Start, blocks[i].Core.End, margin, lineCount)
	}
	return blocks
}

// First returns the lowest-ordinal block of text.
func First(path, text string, margin int) (Block, bool) {
	blocks := Extract(path, text, margin)
	if len(blocks) == 0 {
		return Block{}, false
	}
	return blocks[0], true
}

// HasMarkers reports whether text contains at least one complete conflict.
func HasMarkers(text string) bool {
	for _, l := range Label(text) {
		if l.Ordinal != Unlabeled {
			return true
		}
	}
	return false
}

// Ours returns the current branch's side of the block.
func (b Block) Ours() []string {
	return b.side(SideOurs)
}

// Base returns the merge-base side of the block, empty unless the file was
// written in diff3 style.
func (b Block) Base() []string {
	return b.side(SideBase)
}

// Theirs returns the incoming side of the block.
func (b Block) Theirs() []string {
	return b.side(SideTheirs)
}

func (b Block) side(want Side) []string {
	var out []string
	for _, l := range Label(strings.Join(b.Lines, "\n")) {
		if l.Side == want {
			out = append(out, l.Text)
		}
	}
	return out
}
