package prompt

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/snajpa/rllm/internal/budget"
	"github.com/snajpa/rllm/internal/numbered"
)

func testCommit() *CommitInfo {
	return &CommitInfo{
		SHA:         "0123456789abcdef0123456789abcdef01234567",
		AuthorName:  "Jane Doe",
		AuthorEmail: "jane@example.com",
		Date:        time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC),
		Message:     "net: fix foo\n\nLonger explanation.\n",
		Patch:       "diff --git a/a.c b/a.c\n--- a/a.c\n+++ b/a.c\n@@ -1 +1 @@\n-old\n+new\n",
	}
}

func testTarget() *TargetInfo {
	return &TargetInfo{
		Path:     "a.c",
		Window:   numbered.Window{Start: 3, End: 5},
		Numbered: "3 <<<<<<< ours\n4 A\n5 >>>>>>> theirs\n",
	}
}

func TestCommitDetails(t *testing.T) {
	got := CommitDetails(testCommit())
	lines := numbered.SplitLines(got)

	wantPrefixes := []string{
		" 1 commit 0123456789abcdef0123456789abcdef01234567",
		" 2 Author: Jane Doe <jane@example.com>",
		" 3 Date:   Thu Jan 2 03:04:05 2025 +0000",
		" 4 ",
		" 5     net: fix foo",
		" 6 ",
		" 7     Longer explanation.",
		" 8 ",
		" 9 diff --git a/a.c b/a.c",
	}
	for i, want := range wantPrefixes {
		if i >= len(lines) || lines[i] != want {
			t.Fatalf("line %d = %q, want %q\nfull:\n%s", i+1, lines[i], want, got)
		}
	}
	if decoded, rejected := numbered.Decode(got); len(rejected) != 0 || len(decoded) != len(lines) {
		t.Errorf("commit details should decode cleanly, rejected %v", rejected)
	}
}

func TestMergeBuilder_Build(t *testing.T) {
	tests := []struct {
		name        string
		ctx         *Context
		wantErr     error
		contains    []string
		notContains []string
	}{
		{
			name: "minimal",
			ctx: &Context{
				Phase:  PhaseMerge,
				Commit: testCommit(),
				Target: testTarget(),
			},
			contains: []string{
				"You are resolving a Git merge conflict.",
				"The original commit:",
				"commit 0123456789abcdef",
				"In file: a.c",
				"4 A",
			},
			notContains: []string{
				"already attempted",
				"before the commit",
			},
		},
		{
			name: "with images and previous attempt",
			ctx: &Context{
				Phase:  PhaseMerge,
				Commit: testCommit(),
				Target: &TargetInfo{
					Path:      "a.c",
					Window:    numbered.Window{Start: 3, End: 5},
					Numbered:  "3 x\n",
					PreImage:  "1 old\n",
					PostImage: "1 new\n",
				},
				BuildOutput: "a.c:4:1: error: expected ';'",
				Previous: &PreviousAttempt{
					Window:   numbered.Window{Start: 3, End: 5},
					Solution: "3 B\n",
				},
			},
			contains: []string{
				"Upstream a.c before the commit:",
				"Upstream a.c after the commit:",
				"already attempted this merge",
				"expected ';'",
				"previous resolution of this file at lines 3-5",
			},
		},
		{
			name:    "nil context",
			ctx:     nil,
			wantErr: ErrNilContext,
		},
		{
			name: "rejected earlier turn",
			ctx: &Context{
				Phase:    PhaseMerge,
				Commit:   testCommit(),
				Target:   testTarget(),
				Previous: &PreviousAttempt{Reason: "solution_missing_lines: solution 3-5 is missing lines 4"},
			},
			contains: []string{
				"already attempted this merge",
				"It was rejected: solution_missing_lines",
			},
			notContains: []string{
				"Output of the build",
				"previous resolution of this file",
			},
		},
		{
			name:    "wrong phase",
			ctx:     &Context{Phase: PhaseAsk, Commit: testCommit(), Target: testTarget()},
			wantErr: ErrInvalidPhase,
		},
		{
			name:    "missing commit",
			ctx:     &Context{Phase: PhaseMerge, Target: testTarget()},
			wantErr: ErrMissingCommit,
		},
		{
			name:    "missing target",
			ctx:     &Context{Phase: PhaseMerge, Commit: testCommit()},
			wantErr: ErrMissingTarget,
		},
	}

	b := NewMergeBuilder()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := b.Build(tt.ctx)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("Build() error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Build() unexpected error: %v", err)
			}
			for _, want := range tt.contains {
				if !strings.Contains(got, want) {
					t.Errorf("prompt missing %q", want)
				}
			}
			for _, unwanted := range tt.notContains {
				if strings.Contains(got, unwanted) {
					t.Errorf("prompt should not contain %q", unwanted)
				}
			}
		})
	}
}

func TestAskAndSolutionShareCommonPrefix(t *testing.T) {
	common, err := NewMergeBuilder().Build(&Context{Phase: PhaseMerge, Commit: testCommit(), Target: testTarget()})
	if err != nil {
		t.Fatal(err)
	}

	ask, err := NewAskBuilder().Build(&Context{
		Phase:  PhaseAsk,
		Common: common,
		Ask: &AskInfo{
			History: "ASK: cat-context 3 a.c\nERROR: DUPLICATE REQUEST REJECTED.\n",
			Budget:  budget.New(120, 4),
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	solution, err := NewSolutionBuilder().Build(&Context{
		Phase:    PhaseSolution,
		Common:   common,
		Target:   testTarget(),
		Evidence: "a.c:\n1 x\n",
	})
	if err != nil {
		t.Fatal(err)
	}

	for _, p := range []string{ask, solution} {
		if !strings.HasPrefix(p, common) {
			t.Error("prompt does not start with the common prefix")
		}
	}
	for _, want := range []string{
		"ASK: grep-context",
		"ASK: cat-context <line> <path>",
		"ASK: blame-line",
		"ASK: close",
		"Your previous asks and their results:",
		"DUPLICATE REQUEST REJECTED",
		"BUDGET_LEFT: 120 lines and 4 asks",
	} {
		if !strings.Contains(ask, want) {
			t.Errorf("ask prompt missing %q", want)
		}
	}
	for _, want := range []string{"Additional context you gathered", "1 x", "lines 3-5 of a.c"} {
		if !strings.Contains(solution, want) {
			t.Errorf("solution prompt missing %q", want)
		}
	}
}

func TestAskBuilder_Errors(t *testing.T) {
	if _, err := NewAskBuilder().Build(&Context{Phase: PhaseAsk}); !errors.Is(err, ErrMissingAsk) {
		t.Errorf("error = %v, want ErrMissingAsk", err)
	}
	ask, err := NewAskBuilder().Build(&Context{Phase: PhaseAsk, Ask: &AskInfo{Budget: budget.New(5, 1)}})
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(ask, "previous asks") {
		t.Error("empty history should not be announced")
	}
}

func TestFixupBuilders(t *testing.T) {
	errs := []ErrorInfo{{Path: "a.c", Line: 4, Column: 2, Message: "error: unknown type 'foo_t'"}}
	errorContext := []FileContext{{Path: "a.c", Numbered: "4 foo_t x;\n"}}

	common, err := NewEditLocationsBuilder().Build(&Context{
		Phase:        PhaseEditLocations,
		Errors:       errs,
		ErrorContext: errorContext,
	})
	if err != nil {
		t.Fatal(err)
	}
	request := NewEditLocationsBuilder().Request(common, "")
	for _, want := range []string{"a.c:4:2: error: unknown type 'foo_t'", "Code around the errors in a.c:", "EDIT: <path>:<line>[-<line>]", EndMarker} {
		if !strings.Contains(request, want) {
			t.Errorf("edit-locations prompt missing %q", want)
		}
	}

	fix, err := NewFixupBuilder().Build(&Context{
		Phase:  PhaseFixup,
		Errors: errs,
		Location: &LocationInfo{
			Path:      "a.c",
			Lines:     numbered.Window{Start: 4, End: 4},
			Rationale: "foo_t was renamed",
			Culprit:   testCommit(),
		},
		Previous: &PreviousAttempt{Rationale: "rename it", Solution: "4 bar_t x;\n", Reason: "no_overlap"},
		Target:   &TargetInfo{Path: "a.c", Window: numbered.Window{Start: 1, End: 9}, Numbered: "4 foo_t x;\n"},
	})
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{
		"Location to fix: a.c:4-4",
		"Reason: foo_t was renamed",
		"The commit that introduced the code",
		"already attempted to fix this location",
		"Failure: no_overlap",
		"Your rationale then: rename it",
		"4 bar_t x;",
		"This is the code block to be fixed:",
	} {
		if !strings.Contains(fix, want) {
			t.Errorf("fixup prompt missing %q", want)
		}
	}

	if _, err := NewFixupBuilder().Build(&Context{Phase: PhaseFixup, Errors: errs}); !errors.Is(err, ErrMissingLocation) {
		t.Errorf("error = %v, want ErrMissingLocation", err)
	}
	if _, err := NewEditLocationsBuilder().Build(&Context{Phase: PhaseEditLocations}); !errors.Is(err, ErrMissingErrors) {
		t.Errorf("error = %v, want ErrMissingErrors", err)
	}
}
