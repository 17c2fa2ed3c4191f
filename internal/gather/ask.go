package gather

import (
	"path"
	"regexp"
	"strconv"
	"strings"
	"unicode"
)

// Tool is a context-gathering command the model may issue.
type Tool string

const (
	ToolGrepContext Tool = "grep-context"
	ToolCatContext  Tool = "cat-context"
	ToolBlameLine   Tool = "blame-line"
	ToolClose       Tool = "close"
)

var toolNames = map[string]Tool{
	"grep-context":   ToolGrepContext,
	"grep-context-n": ToolGrepContext,
	"cat-context":    ToolCatContext,
	"blame-line":     ToolBlameLine,
	"close":          ToolClose,
}

var askLineRe = regexp.MustCompile(`^\s*ASK:\s*(.*?)\s*$`)

// Ask is one parsed request.
type Ask struct {
	Tool   Tool
	Params []string
	// Raw is the text after "ASK:" as the model wrote it.
	Raw string
	// Name is the tool name as written, kept for error messages.
	Name string
}

// Known reports whether the ask names a supported tool.
func (a Ask) Known() bool {
	return a.Tool != ""
}

// Key identifies the ask for deduplication. Equivalent spellings of the
// same request (tool alias, path form, line number form) share a key.
func (a Ask) Key() string {
	params := make([]string, len(a.Params))
	copy(params, a.Params)

	switch a.Tool {
	case ToolCatContext, ToolBlameLine:
		if len(params) == 2 {
			if n, err := strconv.Atoi(params[0]); err == nil {
				params[0] = strconv.Itoa(n)
			}
			params[1] = cleanPath(params[1])
		}
	case ToolGrepContext:
		if len(params) == 1 {
			params = append(params, ".")
		}
		for i := 1; i < len(params); i++ {
			params[i] = cleanPath(params[i])
		}
	}
	return string(a.Tool) + "\x00" + strings.Join(params, "\x00")
}

// String renders the ask the way the model is expected to write it.
func (a Ask) String() string {
	name := string(a.Tool)
	if name == "" {
		name = a.Name
	}
	parts := []string{name}
	for _, p := range a.Params {
		if p == "" || strings.IndexFunc(p, unicode.IsSpace) >= 0 {
			p = `"` + p + `"`
		}
		parts = append(parts, p)
	}
	return strings.Join(parts, " ")
}

// ParseAsk finds the first ASK line in a model response. ok is false when
// the response contains none.
func ParseAsk(response string) (Ask, bool) {
	for _, line := range strings.Split(response, "\n") {
		m := askLineRe.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		fields := splitParams(m[1])
		if len(fields) == 0 {
			return Ask{Raw: m[1]}, true
		}
		return Ask{
			Tool:   toolNames[fields[0]],
			Name:   fields[0],
			Params: fields[1:],
			Raw:    m[1],
		}, true
	}
	return Ask{}, false
}

// splitParams splits on whitespace outside double quotes and removes the
// quotes.
func splitParams(s string) []string {
	var (
		out     []string
		cur     strings.Builder
		inQuote bool
		started bool
	)
	for _, r := range s {
		switch {
		case r == '"':
			inQuote = !inQuote
			started = true
		case unicode.IsSpace(r) && !inQuote:
			if started {
				out = append(out, cur.String())
				cur.Reset()
				started = false
			}
		default:
			cur.WriteRune(r)
			started = true
		}
	}
	if started {
		out = append(out, cur.String())
	}
	return out
}

// cleanPath normalizes a repository-relative path. Paths leading out of
// the tree keep their leading ".." so outsideTree still sees them.
func cleanPath(p string) string {
	return path.Clean(p)
}

// outsideTree reports whether p is absolute or climbs above the
// repository root.
func outsideTree(p string) bool {
	clean := path.Clean(p)
	return path.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, "../")
}
