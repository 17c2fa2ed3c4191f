package fixup

import (
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/snajpa/rllm/internal/numbered"
	"github.com/snajpa/rllm/internal/prompt"
)

// Location is one place the model wants to edit.
type Location struct {
	Path      string
	Lines     numbered.Window
	Rationale string
}

var editRe = regexp.MustCompile(`^\s*` + regexp.QuoteMeta(prompt.EditPrefix) + `\s*([^\s:]+):(\d+)(?:-(\d+))?\s*(?:#\s*(.*))?$`)

// ParseLocations extracts the EDIT lines of a response. Ranges given
// backwards are swapped; repeated locations are kept once. complete
// reports whether the end marker was seen.
func ParseLocations(response string) (locs []Location, complete bool) {
	seen := make(map[string]bool)
	for _, line := range strings.Split(response, "\n") {
		if strings.TrimSpace(line) == prompt.EndMarker {
			complete = true
			break
		}
		m := editRe.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		start, err := strconv.Atoi(m[2])
		if err != nil || start < 1 {
			continue
		}
		end := start
		if m[3] != "" {
			if end, err = strconv.Atoi(m[3]); err != nil || end < 1 {
				continue
			}
		}
		if end < start {
			start, end = end, start
		}

		loc := Location{
			Path:      cleanPath(m[1]),
			Lines:     numbered.Window{Start: start, End: end},
			Rationale: strings.TrimSpace(m[4]),
		}
		key := loc.Path + ":" + loc.Lines.String()
		if seen[key] {
			continue
		}
		seen[key] = true
		locs = append(locs, loc)
	}
	return locs, complete
}

func cleanPath(p string) string {
	return strings.TrimPrefix(relativePath(p, ""), "./")
}

// order sorts locations for application: files in order of first
// appearance, and within a file from the bottom up, so that edits do not
// shift the lines of locations still to come.
func order(locs []Location) []Location {
	rank := make(map[string]int)
	for _, l := range locs {
		if _, ok := rank[l.Path]; !ok {
			rank[l.Path] = len(rank)
		}
	}
	out := append([]Location(nil), locs...)
	sort.SliceStable(out, func(i, j int) bool {
		if rank[out[i].Path] != rank[out[j].Path] {
			return rank[out[i].Path] < rank[out[j].Path]
		}
		return out[i].Lines.Start > out[j].Lines.Start
	})
	return out
}
