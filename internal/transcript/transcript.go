// Package transcript echoes the resolution loop to the operator in real
// time: prompts sections, streamed model output, evidence, rejections and
// applied edits, so a human can audit or interrupt the run.
package transcript

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"

	"github.com/snajpa/rllm/internal/util"
)

var (
	primaryColor = lipgloss.Color("#A78BFA")
	successColor = lipgloss.Color("#10B981")
	warningColor = lipgloss.Color("#F59E0B")
	errorColor   = lipgloss.Color("#F87171")
	mutedColor   = lipgloss.Color("#9CA3AF")

	sectionStyle  = lipgloss.NewStyle().Bold(true).Foreground(primaryColor)
	ruleStyle     = lipgloss.NewStyle().Foreground(mutedColor)
	labelStyle    = lipgloss.NewStyle().Bold(true)
	askStyle      = lipgloss.NewStyle().Foreground(primaryColor)
	appliedStyle  = lipgloss.NewStyle().Bold(true).Foreground(successColor)
	rejectedStyle = lipgloss.NewStyle().Bold(true).Foreground(errorColor)
	infoStyle     = lipgloss.NewStyle().Foreground(warningColor)
)

const defaultWidth = 100

// Transcript writes the human-readable run transcript. A nil *Transcript
// discards everything.
type Transcript struct {
	mu    sync.Mutex
	w     io.Writer
	width int
}

// New creates a transcript writing to w. When w is a terminal, section
// rules span its width.
func New(w io.Writer) *Transcript {
	width := defaultWidth
	if f, ok := w.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		if cols, _, err := term.GetSize(int(f.Fd())); err == nil && cols > 0 {
			width = cols
		}
	}
	return &Transcript{w: w, width: width}
}

// Discard returns a transcript that writes nothing.
func Discard() *Transcript {
	return &Transcript{w: io.Discard, width: defaultWidth}
}

func (t *Transcript) printf(format string, args ...any) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	_, _ = fmt.Fprintf(t.w, format, args...)
}

// Section starts a new titled section.
func (t *Transcript) Section(format string, args ...any) {
	if t == nil {
		return
	}
	title := util.TruncateANSI(fmt.Sprintf(format, args...), t.width-4)
	rest := t.width - lipgloss.Width(title) - 4
	if rest < 0 {
		rest = 0
	}
	t.printf("\n%s %s %s\n", ruleStyle.Render("=="), sectionStyle.Render(title), ruleStyle.Render(strings.Repeat("=", rest)))
}

// Stream returns a writer for streamed model output, echoed verbatim.
func (t *Transcript) Stream() io.Writer {
	if t == nil {
		return io.Discard
	}
	return streamWriter{t}
}

type streamWriter struct{ t *Transcript }

func (s streamWriter) Write(p []byte) (int, error) {
	s.t.mu.Lock()
	defer s.t.mu.Unlock()
	return s.t.w.Write(p)
}

// Block echoes a labelled block of literal text, such as evidence or an
// accepted solution.
func (t *Transcript) Block(label, body string) {
	if t == nil {
		return
	}
	if body != "" && !strings.HasSuffix(body, "\n") {
		body += "\n"
	}
	t.printf("%s\n%s", labelStyle.Render(label+":"), body)
}

// Ask echoes one context-gathering request with its budget afterwards.
func (t *Transcript) Ask(ask, budgetLeft string) {
	t.printf("%s %s\n", askStyle.Render(">>"), ask)
	t.printf("%s\n", ruleStyle.Render("BUDGET_LEFT: "+budgetLeft))
}

// Rejected echoes a rejection with its reason.
func (t *Transcript) Rejected(reason, format string, args ...any) {
	t.printf("%s %s\n", rejectedStyle.Render("REJECTED ("+reason+")"), fmt.Sprintf(format, args...))
}

// Applied echoes an applied edit.
func (t *Transcript) Applied(format string, args ...any) {
	t.printf("%s %s\n", appliedStyle.Render("APPLIED"), fmt.Sprintf(format, args...))
}

// Info echoes a status line.
func (t *Transcript) Info(format string, args ...any) {
	t.printf("%s\n", infoStyle.Render(fmt.Sprintf(format, args...)))
}
