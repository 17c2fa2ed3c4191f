// Package errors defines the error values shared by every rllm package and
// the helpers the driver uses to classify them.
//
// Errors fall into three tiers:
//
//   - Malformed model output is never an error value. The solution and
//     gather packages classify it into named reasons that are recorded as
//     porting steps and fed back to the model.
//   - Transport failures ([InferenceError], [BuildError], [TimeoutError])
//     abort the current attempt. [IsRetryable] reports true for them and
//     the driver redoes the attempt from scratch with a larger budget.
//   - Git failures that could leave the tree inconsistent are [GitError]s
//     with [SeverityCritical]. [IsFatal] reports them and the driver stops
//     after a hard reset.
//
// Usage:
//
//	err := errors.NewGitError("cherry-pick failed", errors.ErrCherryPickFailed).
//		WithOp("cherry-pick").
//		WithRepository(dir).
//		WithGitOutput(out)
//
//	switch {
//	case errors.IsFatal(err):
//	case errors.IsRetryable(err):
//	}
package errors

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Re-exported so callers need a single errors import.
var (
	Is     = errors.Is
	As     = errors.As
	Unwrap = errors.Unwrap
	New    = errors.New
	Join   = errors.Join
)

// Severity orders errors by how much of the run they invalidate.
type Severity int

const (
	SeverityDebug Severity = iota
	SeverityInfo
	SeverityWarning
	// SeverityError fails the current attempt.
	SeverityError
	// SeverityCritical stops the run.
	SeverityCritical
)

var severityNames = [...]string{"debug", "info", "warning", "error", "critical"}

func (s Severity) String() string {
	if s < 0 || int(s) >= len(severityNames) {
		return "unknown"
	}
	return severityNames[s]
}

// -----------------------------------------------------------------------------
// Sentinel Errors
// -----------------------------------------------------------------------------

// Source control
var (
	ErrNotGitRepository = New("not a git repository")
	// ErrCherryPickFailed is a cherry-pick failure that left no conflicts.
	ErrCherryPickFailed = New("cherry-pick failed")
	ErrCommitFailed     = New("commit creation failed")
	// ErrPathEscape marks a path that resolves outside the repository.
	ErrPathEscape = New("path escapes repository root")
)

// Resolution
var (
	// ErrUnresolved means conflicts or build errors remain after the turn
	// or pass budget. It is retried with a larger context budget.
	ErrUnresolved = New("unresolved after turn budget")
	// ErrNoConflictMarkers marks a conflicted path whose content has no markers.
	ErrNoConflictMarkers = New("no conflict markers found")
)

// Inference
var (
	// ErrCacheUnsupported means the backend has no prompt cache. Callers
	// treat it as a no-op.
	ErrCacheUnsupported = New("prompt cache unsupported")
	ErrCacheMiss        = New("prompt cache miss")
	ErrEmptyResponse    = New("empty model response")
)

// General
var (
	ErrTimeout         = New("operation timed out")
	ErrCanceled        = New("operation canceled")
	ErrOperationFailed = New("operation failed")
)

// -----------------------------------------------------------------------------
// Classified errors
// -----------------------------------------------------------------------------

// RllmError is implemented by every typed error of this package.
type RllmError interface {
	error
	Unwrap() error
	Severity() Severity
	// IsRetryable reports whether redoing the attempt from scratch may succeed.
	IsRetryable() bool
}

// classified carries what every typed error shares.
type classified struct {
	message   string
	cause     error
	severity  Severity
	retryable bool
}

func (c *classified) Unwrap() error      { return c.cause }
func (c *classified) Severity() Severity { return c.severity }
func (c *classified) IsRetryable() bool  { return c.retryable }

// format renders "kind [k=v, ...]: message: cause".
func (c *classified) format(kind string, attrs ...string) string {
	var sb strings.Builder
	sb.WriteString(kind)

	var set []string
	for i := 0; i+1 < len(attrs); i += 2 {
		if attrs[i+1] != "" {
			set = append(set, attrs[i]+"="+attrs[i+1])
		}
	}
	if len(set) > 0 {
		sb.WriteString(" [" + strings.Join(set, ", ") + "]")
	}
	if c.message != "" {
		sb.WriteString(": " + c.message)
	}
	if c.cause != nil {
		sb.WriteString(": " + c.cause.Error())
	}
	return sb.String()
}

// -----------------------------------------------------------------------------
// Tier 3: source control
// -----------------------------------------------------------------------------

// GitError is a failed git invocation.
type GitError struct {
	classified
	Op         string // git subcommand, e.g. "cherry-pick"
	Repository string
	GitOutput  string
}

// NewGitError creates a GitError with SeverityError. Use WithSeverity to
// mark failures that must stop the run.
func NewGitError(message string, cause error) *GitError {
	return &GitError{classified: classified{message: message, cause: cause, severity: SeverityError}}
}

func (e *GitError) WithOp(op string) *GitError {
	e.Op = op
	return e
}

func (e *GitError) WithRepository(path string) *GitError {
	e.Repository = path
	return e
}

func (e *GitError) WithGitOutput(output string) *GitError {
	e.GitOutput = output
	return e
}

func (e *GitError) WithSeverity(s Severity) *GitError {
	e.severity = s
	return e
}

func (e *GitError) Error() string {
	msg := e.format("git error", "op", e.Op, "repo", e.Repository)
	if out := strings.TrimSpace(e.GitOutput); out != "" {
		msg += "\ngit output: " + out
	}
	return msg
}

// Is matches any *GitError target.
func (e *GitError) Is(target error) bool {
	_, ok := target.(*GitError)
	return ok
}

// -----------------------------------------------------------------------------
// Tier 2: transports
// -----------------------------------------------------------------------------

// InferenceError is a failure talking to the language-model service. It
// is retryable unless WithRetryable(false) says otherwise, as for requests
// the server rejects outright.
type InferenceError struct {
	classified
	Endpoint   string
	StatusCode int
}

func NewInferenceError(message string, cause error) *InferenceError {
	return &InferenceError{classified: classified{message: message, cause: cause, severity: SeverityError, retryable: true}}
}

func (e *InferenceError) WithEndpoint(endpoint string) *InferenceError {
	e.Endpoint = endpoint
	return e
}

func (e *InferenceError) WithStatus(code int) *InferenceError {
	e.StatusCode = code
	return e
}

func (e *InferenceError) WithRetryable(r bool) *InferenceError {
	e.retryable = r
	return e
}

func (e *InferenceError) Error() string {
	status := ""
	if e.StatusCode != 0 {
		status = fmt.Sprint(e.StatusCode)
	}
	return e.format("inference error", "endpoint", e.Endpoint, "status", status)
}

func (e *InferenceError) Is(target error) bool {
	_, ok := target.(*InferenceError)
	return ok
}

// BuildError is a failure reaching or driving the build host. A build that
// runs and fails to compile is not a BuildError but a build result with a
// non-zero status.
type BuildError struct {
	classified
	Host    string
	Command string
}

func NewBuildError(message string, cause error) *BuildError {
	return &BuildError{classified: classified{message: message, cause: cause, severity: SeverityError, retryable: true}}
}

func (e *BuildError) WithHost(host string) *BuildError {
	e.Host = host
	return e
}

func (e *BuildError) WithCommand(cmd string) *BuildError {
	e.Command = cmd
	return e
}

func (e *BuildError) Error() string {
	cmd := ""
	if e.Command != "" {
		cmd = fmt.Sprintf("%q", e.Command)
	}
	return e.format("build error", "host", e.Host, "cmd", cmd)
}

func (e *BuildError) Is(target error) bool {
	_, ok := target.(*BuildError)
	return ok
}

// TimeoutError is an operation that ran out of time. It also matches
// ErrTimeout.
type TimeoutError struct {
	classified
	Operation string
	Duration  time.Duration
}

func NewTimeoutError(operation string, d time.Duration) *TimeoutError {
	return &TimeoutError{
		classified: classified{severity: SeverityWarning, retryable: true},
		Operation:  operation,
		Duration:   d,
	}
}

func (e *TimeoutError) WithCause(cause error) *TimeoutError {
	e.cause = cause
	return e
}

func (e *TimeoutError) Error() string {
	msg := fmt.Sprintf("timeout error: %s (timeout: %s)", e.Operation, e.Duration)
	if e.cause != nil {
		msg += ": " + e.cause.Error()
	}
	return msg
}

func (e *TimeoutError) Is(target error) bool {
	if _, ok := target.(*TimeoutError); ok {
		return true
	}
	return target == ErrTimeout
}

// -----------------------------------------------------------------------------
// Input and lookup
// -----------------------------------------------------------------------------

// NotFoundError is a missing file, commit or other named resource.
type NotFoundError struct {
	classified
	ResourceType string
	ResourceID   string
}

func NewNotFoundError(resourceType, resourceID string) *NotFoundError {
	return &NotFoundError{
		classified:   classified{severity: SeverityWarning},
		ResourceType: resourceType,
		ResourceID:   resourceID,
	}
}

func (e *NotFoundError) WithCause(cause error) *NotFoundError {
	e.cause = cause
	return e
}

func (e *NotFoundError) Error() string {
	msg := fmt.Sprintf("%s '%s' not found", e.ResourceType, e.ResourceID)
	if e.cause != nil {
		msg += ": " + e.cause.Error()
	}
	return msg
}

func (e *NotFoundError) Is(target error) bool {
	_, ok := target.(*NotFoundError)
	return ok
}

// ValidationError is invalid configuration or input.
//
//	errors.NewValidationError("commit range is empty").
//		WithField("repo.range").WithValue("v6.13..v6.13")
type ValidationError struct {
	classified
	Field string
	Value any
}

func NewValidationError(message string) *ValidationError {
	return &ValidationError{classified: classified{message: message, severity: SeverityWarning}}
}

func (e *ValidationError) WithField(field string) *ValidationError {
	e.Field = field
	return e
}

func (e *ValidationError) WithValue(value any) *ValidationError {
	e.Value = value
	return e
}

func (e *ValidationError) WithCause(cause error) *ValidationError {
	e.cause = cause
	return e
}

func (e *ValidationError) Error() string {
	value := ""
	if e.Value != nil {
		value = fmt.Sprint(e.Value)
	}
	return e.format("validation error", "field", e.Field, "value", value)
}

func (e *ValidationError) Is(target error) bool {
	_, ok := target.(*ValidationError)
	return ok
}

// -----------------------------------------------------------------------------
// Classification
// -----------------------------------------------------------------------------

// IsRetryable reports whether err is transient: a typed error marked
// retryable anywhere in the chain, or ErrTimeout.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var re RllmError
	if As(err, &re) {
		return re.IsRetryable()
	}
	return Is(err, ErrTimeout)
}

// IsFatal reports whether err must stop the run instead of triggering
// another attempt.
func IsFatal(err error) bool {
	return err != nil && GetSeverity(err) == SeverityCritical
}

// GetSeverity returns the severity of the first typed error in the chain,
// SeverityError for untyped errors and SeverityDebug for nil.
func GetSeverity(err error) Severity {
	if err == nil {
		return SeverityDebug
	}
	var re RllmError
	if As(err, &re) {
		return re.Severity()
	}
	return SeverityError
}
