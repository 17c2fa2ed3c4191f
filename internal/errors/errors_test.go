package errors

import (
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"
)

func TestSeverity_String(t *testing.T) {
	tests := []struct {
		severity Severity
		want     string
	}{
		{SeverityDebug, "debug"},
		{SeverityInfo, "info"},
		{SeverityWarning, "warning"},
		{SeverityError, "error"},
		{SeverityCritical, "critical"},
		{Severity(99), "unknown"},
		{Severity(-1), "unknown"},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprint(int(tt.severity)), func(t *testing.T) {
			if got := tt.severity.String(); got != tt.want {
				t.Errorf("Severity.String() = %q, want %q", got, tt.want)
			}
		})
	}
}

// -----------------------------------------------------------------------------
// Error messages
// -----------------------------------------------------------------------------

func TestError_Messages(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{
			name: "git bare",
			err:  NewGitError("cherry-pick failed", nil),
			want: "git error: cherry-pick failed",
		},
		{
			name: "git with op repo and cause",
			err:  NewGitError("cherry-pick failed", ErrCherryPickFailed).WithOp("cherry-pick").WithRepository("/src/linux"),
			want: "git error [op=cherry-pick, repo=/src/linux]: cherry-pick failed: cherry-pick failed",
		},
		{
			name: "git output appended",
			err:  NewGitError("commit failed", ErrCommitFailed).WithOp("commit-tree").WithGitOutput("  fatal: bad tree\n"),
			want: "git error [op=commit-tree]: commit failed: commit creation failed\ngit output: fatal: bad tree",
		},
		{
			name: "inference with status",
			err:  NewInferenceError("completion failed", nil).WithEndpoint("http://gpu:8080").WithStatus(503),
			want: "inference error [endpoint=http://gpu:8080, status=503]: completion failed",
		},
		{
			name: "build with command",
			err:  NewBuildError("session failed", ErrOperationFailed).WithHost("builder").WithCommand("make -j8"),
			want: `build error [host=builder, cmd="make -j8"]: session failed: operation failed`,
		},
		{
			name: "timeout",
			err:  NewTimeoutError("completion", 30*time.Second),
			want: "timeout error: completion (timeout: 30s)",
		},
		{
			name: "timeout with cause",
			err:  NewTimeoutError("build", time.Minute).WithCause(ErrCanceled),
			want: "timeout error: build (timeout: 1m0s): operation canceled",
		},
		{
			name: "not found",
			err:  NewNotFoundError("file", "kernel/sched/core.c"),
			want: "file 'kernel/sched/core.c' not found",
		},
		{
			name: "not found with cause",
			err:  NewNotFoundError("commit", "1a2b3c").WithCause(ErrNotGitRepository),
			want: "commit '1a2b3c' not found: not a git repository",
		},
		{
			name: "validation",
			err:  NewValidationError("commit range is empty").WithField("repo.range").WithValue("v6.13..v6.13"),
			want: "validation error [field=repo.range, value=v6.13..v6.13]: commit range is empty",
		},
		{
			name: "validation without value",
			err:  NewValidationError("must be positive").WithField("driver.max_attempts"),
			want: "validation error [field=driver.max_attempts]: must be positive",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.want {
				t.Errorf("Error() = %q, want %q", got, tt.want)
			}
		})
	}
}

// -----------------------------------------------------------------------------
// Matching
// -----------------------------------------------------------------------------

func TestError_IsAndUnwrap(t *testing.T) {
	t.Run("git error unwraps to sentinel", func(t *testing.T) {
		err := NewGitError("cherry-pick failed", ErrCherryPickFailed)
		if !Is(err, ErrCherryPickFailed) {
			t.Error("GitError does not match its cause")
		}
		if !Is(err, &GitError{}) {
			t.Error("GitError does not match *GitError target")
		}
		if Is(err, &BuildError{}) {
			t.Error("GitError matches *BuildError target")
		}
	})

	t.Run("timeout matches ErrTimeout", func(t *testing.T) {
		err := fmt.Errorf("solve: %w", NewTimeoutError("completion", time.Second))
		if !Is(err, ErrTimeout) {
			t.Error("wrapped TimeoutError does not match ErrTimeout")
		}
		if !Is(err, &TimeoutError{}) {
			t.Error("wrapped TimeoutError does not match *TimeoutError")
		}
	})

	t.Run("as finds typed error through wrapping", func(t *testing.T) {
		inner := NewInferenceError("completion failed", ErrEmptyResponse).WithStatus(500)
		err := Join(ErrCanceled, fmt.Errorf("attempt 2: %w", inner))

		var ie *InferenceError
		if !As(err, &ie) {
			t.Fatal("As() did not find InferenceError")
		}
		if ie.StatusCode != 500 {
			t.Errorf("StatusCode = %d, want 500", ie.StatusCode)
		}
		if !Is(err, ErrEmptyResponse) {
			t.Error("cause not reachable through Join")
		}
	})

	t.Run("unwrap", func(t *testing.T) {
		cause := errors.New("dial tcp: refused")
		if got := Unwrap(NewBuildError("connect", cause)); got != cause {
			t.Errorf("Unwrap() = %v, want %v", got, cause)
		}
		if got := Unwrap(NewValidationError("bad").WithCause(cause)); got != cause {
			t.Errorf("Unwrap() = %v, want %v", got, cause)
		}
		if got := Unwrap(NewNotFoundError("file", "x")); got != nil {
			t.Errorf("Unwrap() = %v, want nil", got)
		}
	})
}

// -----------------------------------------------------------------------------
// Classification
// -----------------------------------------------------------------------------

func TestClassification(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		retryable bool
		fatal     bool
		severity  Severity
	}{
		{"nil", nil, false, false, SeverityDebug},
		{"plain", errors.New("boom"), false, false, SeverityError},
		{"sentinel timeout", fmt.Errorf("read: %w", ErrTimeout), true, false, SeverityError},
		{"unresolved", ErrUnresolved, false, false, SeverityError},
		{"git default", NewGitError("reset", nil), false, false, SeverityError},
		{"git critical", NewGitError("reset", nil).WithSeverity(SeverityCritical), false, true, SeverityCritical},
		{"inference", NewInferenceError("completion", nil), true, false, SeverityError},
		{"inference rejected", NewInferenceError("bad request", nil).WithStatus(400).WithRetryable(false), false, false, SeverityError},
		{"build", NewBuildError("session", nil), true, false, SeverityError},
		{"timeout", NewTimeoutError("build", time.Second), true, false, SeverityWarning},
		{"validation", NewValidationError("bad"), false, false, SeverityWarning},
		{"not found", NewNotFoundError("file", "a.c"), false, false, SeverityWarning},
		{"wrapped critical", fmt.Errorf("attempt 1: %w", NewGitError("commit", ErrCommitFailed).WithSeverity(SeverityCritical)), false, true, SeverityCritical},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsRetryable(tt.err); got != tt.retryable {
				t.Errorf("IsRetryable() = %v, want %v", got, tt.retryable)
			}
			if got := IsFatal(tt.err); got != tt.fatal {
				t.Errorf("IsFatal() = %v, want %v", got, tt.fatal)
			}
			if got := GetSeverity(tt.err); got != tt.severity {
				t.Errorf("GetSeverity() = %v, want %v", got, tt.severity)
			}
		})
	}
}

func TestRllmError_Implementations(t *testing.T) {
	errs := []RllmError{
		NewGitError("x", nil),
		NewInferenceError("x", nil),
		NewBuildError("x", nil),
		NewTimeoutError("x", time.Second),
		NewNotFoundError("file", "x"),
		NewValidationError("x"),
	}
	for _, err := range errs {
		if strings.TrimSpace(err.Error()) == "" {
			t.Errorf("%T has empty message", err)
		}
	}
}

func TestSentinels_Distinct(t *testing.T) {
	sentinels := []error{
		ErrNotGitRepository, ErrCherryPickFailed, ErrCommitFailed, ErrPathEscape,
		ErrUnresolved, ErrNoConflictMarkers,
		ErrCacheUnsupported, ErrCacheMiss, ErrEmptyResponse,
		ErrTimeout, ErrCanceled, ErrOperationFailed,
	}
	for i, a := range sentinels {
		for j, b := range sentinels {
			if i != j && Is(a, b) {
				t.Errorf("%v matches %v", a, b)
			}
		}
	}
}
