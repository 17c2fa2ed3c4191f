// Package history records porting attempts and persists the latest result
// per commit, so that retries and restarted runs can show the model what
// was tried before at the same location.
package history

import (
	"time"

	"github.com/snajpa/rllm/internal/numbered"
	"github.com/snajpa/rllm/internal/solution"
)

// Kind distinguishes merge results from fixup results.
type Kind string

const (
	KindMerge Kind = "merge"
	KindFixup Kind = "fixup"
)

// FixupKey returns the store key of the fixup result for a range whose
// last ported commit is tail.
func FixupKey(tail string) string {
	return "fixup:" + tail
}

// ResolvedBlock is an accepted solution for one conflict window.
type ResolvedBlock struct {
	SHA            string          `json:"sha" yaml:"sha"`
	Path           string          `json:"path" yaml:"path"`
	Window         numbered.Window `json:"window" yaml:"window"`
	ConflictedText string          `json:"conflicted_text" yaml:"conflicted_text"`
	SolutionText   string          `json:"solution_text" yaml:"solution_text"`
}

// PortingStep is one resolution attempt at one block or edit location.
type PortingStep struct {
	Kind   Kind            `json:"kind" yaml:"kind"`
	Path   string          `json:"path" yaml:"path"`
	Window numbered.Window `json:"window" yaml:"window"`
	// Line is the edit location line for fixup steps.
	Line      int    `json:"line,omitempty" yaml:"line,omitempty"`
	Rationale string `json:"rationale,omitempty" yaml:"rationale,omitempty"`
	Prompt    string `json:"prompt" yaml:"prompt"`
	Response  string `json:"response" yaml:"response"`
	Evidence  string `json:"evidence,omitempty" yaml:"evidence,omitempty"`
	// Solution is the parsed solution in numbered form, if one was parsed.
	Solution       string          `json:"solution,omitempty" yaml:"solution,omitempty"`
	FailureReason  solution.Reason `json:"failure_reason,omitempty" yaml:"failure_reason,omitempty"`
	FailureDetail  string          `json:"failure_detail,omitempty" yaml:"failure_detail,omitempty"`
	ResolvedBlocks []ResolvedBlock `json:"resolved_blocks,omitempty" yaml:"resolved_blocks,omitempty"`
	At             time.Time       `json:"at" yaml:"at"`
}

// Failed reports whether the step recorded a failure.
func (s *PortingStep) Failed() bool {
	return s.FailureReason != solution.ReasonNone
}

// IterationResult is the outcome of one merge or fixup iteration for one
// commit in one attempt.
type IterationResult struct {
	Key         string        `json:"key" yaml:"key"`
	Kind        Kind          `json:"kind" yaml:"kind"`
	SHA         string        `json:"sha" yaml:"sha"`
	RunID       string        `json:"run_id,omitempty" yaml:"run_id,omitempty"`
	Attempt     int           `json:"attempt" yaml:"attempt"`
	LLMTouched  bool          `json:"llm_touched" yaml:"llm_touched"`
	Resolved    bool          `json:"resolved" yaml:"resolved"`
	CommittedAs string        `json:"committed_as,omitempty" yaml:"committed_as,omitempty"`
	ResetTarget string        `json:"reset_target" yaml:"reset_target"`
	Steps       []PortingStep `json:"porting_steps" yaml:"porting_steps"`
	// BuildOutput is the failing build output observed after this result
	// was committed, shown to the next merge attempt of the same commit.
	BuildOutput string    `json:"build_output,omitempty" yaml:"build_output,omitempty"`
	UpdatedAt   time.Time `json:"updated_at" yaml:"updated_at"`
}

// NewResult creates an empty result keyed by sha for merges and by
// FixupKey for fixups.
func NewResult(kind Kind, sha string) *IterationResult {
	key := sha
	if kind == KindFixup {
		key = FixupKey(sha)
	}
	return &IterationResult{Key: key, Kind: kind, SHA: sha}
}

// AddStep appends a step.
func (r *IterationResult) AddStep(step PortingStep) {
	if step.At.IsZero() {
		step.At = time.Now()
	}
	r.Steps = append(r.Steps, step)
}

// PreviousSolution returns the latest accepted solution for exactly the
// given commit, path and window, or nil.
func (r *IterationResult) PreviousSolution(sha, path string, win numbered.Window) *ResolvedBlock {
	if r == nil {
		return nil
	}
	for i := len(r.Steps) - 1; i >= 0; i-- {
		blocks := r.Steps[i].ResolvedBlocks
		for j := len(blocks) - 1; j >= 0; j-- {
			b := &blocks[j]
			if b.SHA == sha && b.Path == path && b.Window == win {
				return b
			}
		}
	}
	return nil
}

// LatestStepAt returns the latest fixup step at path:line, or nil.
func (r *IterationResult) LatestStepAt(path string, line int) *PortingStep {
	if r == nil {
		return nil
	}
	for i := len(r.Steps) - 1; i >= 0; i-- {
		s := &r.Steps[i]
		if s.Kind == KindFixup && s.Path == path && s.Line == line {
			return s
		}
	}
	return nil
}

// Failures counts the failed steps by reason.
func (r *IterationResult) Failures() map[solution.Reason]int {
	out := make(map[solution.Reason]int)
	for _, s := range r.Steps {
		if s.Failed() {
			out[s.FailureReason]++
		}
	}
	return out
}
