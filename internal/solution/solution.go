// Package solution parses the model's numbered answer and splices it back
// into the working tree.
//
// The answer is the last fenced block of the response. Numbered lines map
// absolute line numbers to replacement text; the numbers must be
// contiguous and overlap the target window. Placement is anchored on the
// window's original text rather than on the numbers, so answers whose
// numbering drifted still land where the window is.
package solution

import (
	"fmt"
	"sort"
	"strings"

	"github.com/snajpa/rllm/internal/numbered"
)

// Reason names why a solution was not applied. Reasons are recorded on the
// porting step and fed back to the next attempt; they are never fatal.
type Reason string

const (
	ReasonNone            Reason = ""
	ReasonNoMergeBlocks   Reason = "no_merge_blocks"
	ReasonStartMismatch   Reason = "solution_start_mismatch"
	ReasonMissingLines    Reason = "solution_missing_lines"
	ReasonNoOverlap       Reason = "no_overlap"
	ReasonIOError         Reason = "io_error"
	ReasonNoSolution      Reason = "no_solution"
	ReasonNoEditLocations Reason = "no_edit_locations"
	// ReasonMarkersLeft is a merge answer that still carries a complete
	// conflict.
	ReasonMarkersLeft Reason = "conflict_markers_left"
)

// Solution is a parsed numbered answer.
type Solution struct {
	// Start and End are the smallest and largest line numbers present.
	Start int `json:"start"`
	End   int `json:"end"`
	// Lines holds the replacement text ordered by line number.
	Lines []string `json:"lines"`
	// Discarded are non-numbered lines found inside the fence.
	Discarded []string `json:"discarded,omitempty"`
	// Rationale is the free text the model wrote before the block.
	Rationale string `json:"rationale,omitempty"`
}

// Window returns the line range the solution claims to cover.
func (s *Solution) Window() numbered.Window {
	return numbered.Window{Start: s.Start, End: s.End}
}

// Text returns the replacement text, one terminated line per entry.
func (s *Solution) Text() string {
	if len(s.Lines) == 0 {
		return ""
	}
	return strings.Join(s.Lines, "\n") + "\n"
}

// Numbered renders the solution back in the numbered format.
func (s *Solution) Numbered() string {
	return numbered.Encode(s.Lines, s.Start, numbered.Width(s.End))
}

// Parse extracts the solution from a model response. Non-numbered lines
// inside the fence are discarded. A response without a fence or without
// numbered lines yields ReasonNoSolution; gaps in the numbering yield
// ReasonMissingLines. When a number repeats, the later line wins.
func Parse(response string) (*Solution, Reason, string) {
	body, ok := numbered.LastFence(response)
	if !ok {
		return nil, ReasonNoSolution, "response contains no fenced block"
	}

	decoded, rejected := numbered.Decode(body)
	if len(decoded) == 0 {
		return nil, ReasonNoSolution, "fenced block contains no numbered lines"
	}

	byNumber := make(map[int]string, len(decoded))
	for _, l := range decoded {
		byNumber[l.Number] = l.Content
	}
	keys := make([]int, 0, len(byNumber))
	for n := range byNumber {
		keys = append(keys, n)
	}
	sort.Ints(keys)

	sol := &Solution{
		Start:     keys[0],
		End:       keys[len(keys)-1],
		Discarded: rejected,
		Rationale: rationale(response),
	}
	var missing []int
	for n := sol.Start; n <= sol.End; n++ {
		content, ok := byNumber[n]
		if !ok {
			missing = append(missing, n)
			continue
		}
		sol.Lines = append(sol.Lines, content)
	}
	if len(missing) > 0 {
		return sol, ReasonMissingLines, fmt.Sprintf("solution %s is missing lines %s", sol.Window(), formatLines(missing))
	}
	return sol, ReasonNone, ""
}

// Validate checks the solution against the target window.
func (s *Solution) Validate(window numbered.Window) (Reason, string) {
	if !s.Window().Overlaps(window) {
		return ReasonNoOverlap, fmt.Sprintf("solution lines %s do not overlap window %s", s.Window(), window)
	}
	return ReasonNone, ""
}

// rationale returns the text before the opening fence of the last block.
func rationale(response string) string {
	lines := strings.Split(response, "\n")
	var fences []int
	for i, line := range lines {
		if numbered.IsFence(line) {
			fences = append(fences, i)
		}
	}
	if len(fences) == 0 {
		return ""
	}
	open := fences[len(fences)-1]
	if len(fences)%2 == 0 {
		open = fences[len(fences)-2]
	}
	return strings.TrimSpace(strings.Join(lines[:open], "\n"))
}

func formatLines(ns []int) string {
	const limit = 10
	parts := make([]string, 0, min(len(ns), limit))
	for i, n := range ns {
		if i == limit {
			parts = append(parts, "...")
			break
		}
		parts = append(parts, fmt.Sprint(n))
	}
	return strings.Join(parts, ", ")
}
