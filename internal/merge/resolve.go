package merge

import (
	"context"
	"regexp"
	"strconv"
	"strings"

	"github.com/snajpa/rllm/internal/conflict"
	"github.com/snajpa/rllm/internal/gather"
	"github.com/snajpa/rllm/internal/history"
	"github.com/snajpa/rllm/internal/llm"
	"github.com/snajpa/rllm/internal/logging"
	"github.com/snajpa/rllm/internal/numbered"
	"github.com/snajpa/rllm/internal/prompt"
	"github.com/snajpa/rllm/internal/solution"
	"github.com/snajpa/rllm/internal/workspace"
)

// resolveBlock runs one resolution attempt for block: build the common
// prompt, gather evidence, request the solution and apply it. The
// returned step records the attempt whatever its outcome; err is set
// only for failures that end the iteration.
func (m *Machine) resolveBlock(ctx context.Context, logger *logging.Logger, commit workspace.Commit, block conflict.Block, content string, in Input, result *history.IterationResult) (history.PortingStep, error) {
	path, win := block.Path, block.Window
	step := history.PortingStep{Kind: history.KindMerge, Path: path, Window: win}
	logger = logger.With("path", path, "window", win.String())

	m.tr.Info("conflict block %d in %s, window %s", block.Ordinal, path, win)

	patch, err := m.ws.Patch(commit.SHA)
	if err != nil {
		return step, err
	}
	pre, post := m.images(commit, path)
	target := &prompt.TargetInfo{
		Path:      path,
		Window:    win,
		Numbered:  numbered.EncodeWindow(numbered.SplitLines(content), win),
		PreImage:  pre,
		PostImage: post,
	}
	pctx := &prompt.Context{
		Phase:    prompt.PhaseMerge,
		Commit:   commitInfo(commit, patch),
		Target:   target,
		Previous: previousAttempt(result, in, path, win),
	}
	if in.Previous != nil {
		pctx.BuildOutput = in.Previous.BuildOutput
	}
	common, err := prompt.NewMergeBuilder().Build(pctx)
	if err != nil {
		return step, err
	}

	warming := llm.StartWarmUp(ctx, m.client, m.cache, common)
	applyTarget := solution.NewTarget(path, content, win)
	if warmed, err := warming.Wait(); err != nil {
		logger.Warn("prompt cache warm-up failed", "error", err)
	} else if warmed {
		logger.Debug("prompt cache warm")
	}

	evidence, session, err := gather.Gather(ctx, m.ws, m.client, common, m.opts.Gather, logger, m.tr)
	step.Evidence = evidence
	if err != nil {
		return step, err
	}

	text, err := prompt.NewSolutionBuilder().Build(&prompt.Context{
		Phase:    prompt.PhaseSolution,
		Common:   common,
		Evidence: evidence,
		Target:   target,
	})
	if err != nil {
		return step, err
	}
	step.Prompt = text

	m.tr.Section("solution for %s:%s", path, win)
	response, err := llm.Collect(ctx, m.client, llm.Request{
		Prompt:      text,
		Temperature: m.opts.Temperature,
		MaxTokens:   m.opts.MaxTokens,
	}, llm.FenceClosed(), m.tr.Stream())
	step.Response = response
	if err != nil {
		return step, err
	}

	sol, res := m.apply(response, applyTarget)
	if sol != nil {
		step.Rationale = sol.Rationale
		step.Solution = sol.Numbered()
	}
	if !res.Applied {
		step.FailureReason = res.Reason
		step.FailureDetail = res.Detail
		logger.Warn("solution rejected",
			"reason", string(res.Reason),
			"detail", res.Detail,
			"evidence_lines", session.Consumed(),
		)
		m.tr.Rejected(string(res.Reason), "%s", res.Detail)
		return step, nil
	}

	step.ResolvedBlocks = []history.ResolvedBlock{{
		SHA:            commit.SHA,
		Path:           path,
		Window:         win,
		ConflictedText: applyTarget.Original,
		SolutionText:   sol.Text(),
	}}
	logger.Info("solution applied",
		"strategy", string(res.Strategy),
		"changed", res.Changed,
		"solution", sol.Window().String(),
		"evidence_lines", session.Consumed(),
	)
	m.tr.Block("solution", sol.Numbered())
	m.tr.Applied("%s:%s (%s)", path, win, res.Strategy)
	return step, nil
}

// apply parses the answer and splices it in. An answer that re-emits a
// complete conflict resolves nothing and is rejected before it is written.
func (m *Machine) apply(response string, target solution.Target) (*solution.Solution, solution.Result) {
	sol, reason, detail := solution.Parse(response)
	if reason != solution.ReasonNone {
		return sol, solution.Result{Reason: reason, Detail: detail}
	}
	if reason, detail := sol.Validate(target.Window); reason != solution.ReasonNone {
		return sol, solution.Result{Reason: reason, Detail: detail}
	}
	if conflict.HasMarkers(sol.Text()) {
		return sol, solution.Result{
			Reason: solution.ReasonMarkersLeft,
			Detail: "the solution still contains the <<<<<<< ======= >>>>>>> conflict; answer with the resolved lines only",
		}
	}
	return sol, solution.Apply(m.ws, target, sol)
}

func commitInfo(c workspace.Commit, patch string) *prompt.CommitInfo {
	return &prompt.CommitInfo{
		SHA:         c.SHA,
		AuthorName:  c.Author.Name,
		AuthorEmail: c.Author.Email,
		Date:        c.Author.When,
		Message:     c.Message,
		Patch:       patch,
	}
}

// previousAttempt returns the feedback for the block at path:win. A
// rejected turn of this iteration takes precedence over the accepted
// solution of an earlier attempt.
func previousAttempt(result *history.IterationResult, in Input, path string, win numbered.Window) *prompt.PreviousAttempt {
	for i := len(result.Steps) - 1; i >= 0; i-- {
		s := &result.Steps[i]
		if s.Path != path || s.Window != win {
			continue
		}
		if !s.Failed() {
			break
		}
		reason := string(s.FailureReason)
		if s.FailureDetail != "" {
			reason += ": " + s.FailureDetail
		}
		return &prompt.PreviousAttempt{
			Window:    win,
			Rationale: s.Rationale,
			Solution:  s.Solution,
			Reason:    reason,
		}
	}

	rb := in.Previous.PreviousSolution(in.SHA, path, win)
	if rb == nil {
		return nil
	}
	lines := numbered.SplitLines(rb.SolutionText)
	return &prompt.PreviousAttempt{
		Window:   win,
		Solution: numbered.Encode(lines, win.Start, numbered.Width(win.Start+len(lines)-1)),
	}
}

// -----------------------------------------------------------------------------
// Upstream pre- and post-images
// -----------------------------------------------------------------------------

var hunkRe = regexp.MustCompile(`^@@ -(\d+)(?:,(\d+))? \+(\d+)(?:,(\d+))? @@`)

// hunk is the header of one diff hunk.
type hunk struct {
	oldStart, oldLines int
	newStart, newLines int
}

func parseHunks(patch string) []hunk {
	var hunks []hunk
	for _, line := range strings.Split(patch, "\n") {
		m := hunkRe.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		hunks = append(hunks, hunk{
			oldStart: atoi(m[1]),
			oldLines: count(m[2]),
			newStart: atoi(m[3]),
			newLines: count(m[4]),
		})
	}
	return hunks
}

func atoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}

// count parses a hunk line count, which git omits when it is 1.
func count(s string) int {
	if s == "" {
		return 1
	}
	return atoi(s)
}

// images renders the regions of path touched by commit as they were
// upstream before and after it. Paths the commit does not touch, or that
// do not exist on one side, yield empty strings.
func (m *Machine) images(commit workspace.Commit, path string) (pre, post string) {
	patch, err := m.ws.PatchForPath(commit.SHA, path)
	if err != nil {
		return "", ""
	}
	hunks := parseHunks(patch)
	if len(hunks) == 0 {
		return "", ""
	}

	if len(commit.Parents) > 0 {
		if content, ok, err := m.ws.FileAt(commit.Parents[0], path); err == nil && ok {
			var spans []numbered.Window
			for _, h := range hunks {
				spans = append(spans, span(h.oldStart, h.oldLines))
			}
			pre = renderRegions(content, spans, m.opts.WindowMargin)
		}
	}
	if content, ok, err := m.ws.FileAt(commit.SHA, path); err == nil && ok {
		var spans []numbered.Window
		for _, h := range hunks {
			spans = append(spans, span(h.newStart, h.newLines))
		}
		post = renderRegions(content, spans, m.opts.WindowMargin)
	}
	return pre, post
}

// span is the line range of one side of a hunk. An empty side is
// anchored at the line it follows.
func span(start, lines int) numbered.Window {
	if lines == 0 {
		return numbered.Window{Start: max(start, 1), End: max(start, 1)}
	}
	return numbered.Window{Start: start, End: start + lines - 1}
}

// renderRegions renders the regions of content around spans.
func renderRegions(content string, spans []numbered.Window, margin int) string {
	lines := numbered.SplitLines(content)
	return numbered.EncodeRegions(lines, numbered.Regions(spans, margin, len(lines)))
}

// -----------------------------------------------------------------------------
// Commit message
// -----------------------------------------------------------------------------

var trailerRe = regexp.MustCompile(`^[A-Za-z0-9-]+: `)

// AddTrailer appends trailer to message, joining an existing trailer
// block when the last paragraph is one. A message already carrying the
// trailer is returned unchanged.
func AddTrailer(message, trailer string) string {
	msg := strings.TrimRight(message, "\n")
	if msg == "" {
		return trailer + "\n"
	}
	for _, line := range strings.Split(msg, "\n") {
		if line == trailer {
			return msg + "\n"
		}
	}

	paragraphs := strings.Split(msg, "\n\n")
	sep := "\n\n"
	if len(paragraphs) > 1 && isTrailerBlock(paragraphs[len(paragraphs)-1]) {
		sep = "\n"
	}
	return msg + sep + trailer + "\n"
}

func isTrailerBlock(paragraph string) bool {
	for _, line := range strings.Split(paragraph, "\n") {
		if !trailerRe.MatchString(line) {
			return false
		}
	}
	return true
}
