// Package prompt builds the prompts sent to the model.
//
// Every resolution prompt has a common part (instructions, commit, code
// window) shared by the context-gathering turns and by the final solution
// request, so that a backend prompt cache can keep the evaluated prefix.
package prompt

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/snajpa/rllm/internal/budget"
	"github.com/snajpa/rllm/internal/numbered"
)

// Builder defines the interface for building prompts from context.
type Builder interface {
	// Build generates a prompt string from the given context.
	// Returns an error if the context is invalid for this prompt type.
	Build(ctx *Context) (string, error)
}

// PhaseType identifies which prompt is being built.
type PhaseType string

const (
	PhaseMerge         PhaseType = "merge"
	PhaseAsk           PhaseType = "ask"
	PhaseSolution      PhaseType = "solution"
	PhaseEditLocations PhaseType = "edit_locations"
	PhaseFixup         PhaseType = "fixup"
)

// Protocol keywords shared with the parsers.
const (
	AskPrefix  = "ASK:"
	EditPrefix = "EDIT:"
	EndMarker  = "END_EDITS"
)

// Sentinel errors for prompt validation
var (
	ErrNilContext      = errors.New("prompt context is nil")
	ErrInvalidPhase    = errors.New("invalid phase for this builder")
	ErrMissingCommit   = errors.New("commit information is required")
	ErrMissingTarget   = errors.New("target code window is required")
	ErrMissingAsk      = errors.New("ask session information is required")
	ErrMissingErrors   = errors.New("build errors are required")
	ErrMissingLocation = errors.New("edit location is required")
)

// Context provides all the information needed to build any prompt type.
// Not all fields are required for every prompt type; builders validate
// that the fields they need are present.
type Context struct {
	// Phase identifies which type of prompt is being built
	Phase PhaseType

	// Common is the shared prefix for ask and solution prompts
	Common string

	// Commit is the upstream commit being ported (merge prompts)
	Commit *CommitInfo

	// Target is the code window the model must rewrite
	Target *TargetInfo

	// Evidence is the text gathered by the context-gathering session
	Evidence string

	// BuildOutput is the failing build output of the previous attempt
	// (merge prompts) or of the current build (fixup prompts)
	BuildOutput string

	// Previous is the earlier attempt at the same location, if any
	Previous *PreviousAttempt

	// Ask carries the context-gathering state (ask prompts)
	Ask *AskInfo

	// Errors are the blocking diagnostics (fixup prompts)
	Errors []ErrorInfo

	// ErrorContext is numbered source around every error, keyed by path
	// in display order (fixup prompts)
	ErrorContext []FileContext

	// Location is the edit location being fixed (fixup prompts)
	Location *LocationInfo
}

// CommitInfo describes a commit shown to the model.
type CommitInfo struct {
	SHA         string
	AuthorName  string
	AuthorEmail string
	Date        time.Time
	Message     string
	Patch       string
}

// TargetInfo is the code window to be rewritten.
type TargetInfo struct {
	Path   string
	Window numbered.Window
	// Numbered is the window rendered in the numbered format
	Numbered string
	// PreImage and PostImage are the upstream file regions touched by the
	// commit, before and after it, rendered in the numbered format
	PreImage  string
	PostImage string
}

// PreviousAttempt is the feedback from an earlier attempt.
type PreviousAttempt struct {
	Window    numbered.Window
	Rationale string
	Solution  string
	Reason    string
}

// AskInfo is the state of a context-gathering session.
type AskInfo struct {
	// History is the rendered transcript of earlier asks and results
	History string
	Budget  budget.Budget
}

// ErrorInfo is one compiler diagnostic.
type ErrorInfo struct {
	Path    string
	Line    int
	Column  int
	Message string
}

// String renders the diagnostic the way compilers print it.
func (e ErrorInfo) String() string {
	return fmt.Sprintf("%s:%d:%d: %s", e.Path, e.Line, e.Column, e.Message)
}

// FileContext is numbered source of one file.
type FileContext struct {
	Path     string
	Numbered string
}

// LocationInfo is one edit location with its culprit commit.
type LocationInfo struct {
	Path      string
	Lines     numbered.Window
	Rationale string
	Culprit   *CommitInfo
}

// CommitDetails renders a commit like git show: header, indented message
// and patch, numbered from 1 so the model can refer to its lines.
func CommitDetails(c *CommitInfo) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "commit %s\n", c.SHA)
	fmt.Fprintf(&sb, "Author: %s <%s>\n", c.AuthorName, c.AuthorEmail)
	if !c.Date.IsZero() {
		fmt.Fprintf(&sb, "Date:   %s\n", c.Date.Format("Mon Jan 2 15:04:05 2006 -0700"))
	}
	sb.WriteString("\n")
	for _, line := range numbered.SplitLines(c.Message) {
		if line == "" {
			sb.WriteString("\n")
			continue
		}
		fmt.Fprintf(&sb, "    %s\n", line)
	}
	if c.Patch != "" {
		sb.WriteString("\n")
		sb.WriteString(c.Patch)
	}
	return numbered.EncodeText(sb.String())
}

// fenced writes body inside a fence.
func fenced(sb *strings.Builder, body string) {
	sb.WriteString(numbered.Fenced(body))
}

func validatePhase(ctx *Context, want PhaseType) error {
	if ctx == nil {
		return ErrNilContext
	}
	if ctx.Phase != want {
		return fmt.Errorf("%w: expected %s, got %s", ErrInvalidPhase, want, ctx.Phase)
	}
	return nil
}
