package fixup

import (
	"path"
	"regexp"
	"strconv"
	"strings"

	"github.com/snajpa/rllm/internal/util"
)

// Severity classifies a diagnostic.
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
	SeverityNote    Severity = "note"
)

// Diagnostic is one compiler message pointing at a source location.
type Diagnostic struct {
	Path     string
	Line     int
	Column   int
	Severity Severity
	// Message is everything after "path:line:col: ", severity included.
	Message string
}

// Blocking reports whether the diagnostic fails the build.
func (d Diagnostic) Blocking() bool {
	return d.Severity == SeverityError
}

func (d Diagnostic) key() string {
	return d.Path + ":" + strconv.Itoa(d.Line) + ":" + strconv.Itoa(d.Column) + ":" + d.Message
}

var (
	diagnosticRe = regexp.MustCompile(`^([^\s:]+):(\d+):(\d+):\s*(.+)$`)
	severityRe   = regexp.MustCompile(`^(fatal error|error|warning|note):`)
)

// ParseDiagnostics extracts "path:line:col: message" diagnostics from
// build output. Escape sequences are stripped first. The severity comes
// from the word that starts the message; messages without one, as the Go
// compiler prints them, are errors. Paths are cleaned and, when they are
// under prefix (the build host's checkout), made relative to it.
// Duplicates are reported once, in order of first appearance.
func ParseDiagnostics(output, prefix string) []Diagnostic {
	var diags []Diagnostic
	seen := make(map[string]bool)

	for _, line := range strings.Split(util.StripANSI(output), "\n") {
		m := diagnosticRe.FindStringSubmatch(strings.TrimSpace(line))
		if m == nil {
			continue
		}
		lineNo, err := strconv.Atoi(m[2])
		if err != nil || lineNo < 1 {
			continue
		}
		col, _ := strconv.Atoi(m[3])

		d := Diagnostic{
			Path:     relativePath(m[1], prefix),
			Line:     lineNo,
			Column:   col,
			Severity: SeverityError,
			Message:  m[4],
		}
		if sm := severityRe.FindStringSubmatch(m[4]); sm != nil {
			switch sm[1] {
			case "warning":
				d.Severity = SeverityWarning
			case "note":
				d.Severity = SeverityNote
			}
		}

		if k := d.key(); !seen[k] {
			seen[k] = true
			diags = append(diags, d)
		}
	}
	return diags
}

// Blocking returns the diagnostics that fail the build.
func Blocking(diags []Diagnostic) []Diagnostic {
	var out []Diagnostic
	for _, d := range diags {
		if d.Blocking() {
			out = append(out, d)
		}
	}
	return out
}

func relativePath(p, prefix string) string {
	p = path.Clean(p)
	if prefix != "" {
		prefix = path.Clean(prefix)
		if rel, ok := strings.CutPrefix(p, prefix+"/"); ok {
			p = rel
		}
	}
	return p
}
