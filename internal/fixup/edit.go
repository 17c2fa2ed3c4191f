package fixup

import (
	"context"
	"fmt"

	"github.com/snajpa/rllm/internal/gather"
	"github.com/snajpa/rllm/internal/history"
	"github.com/snajpa/rllm/internal/llm"
	"github.com/snajpa/rllm/internal/logging"
	"github.com/snajpa/rllm/internal/numbered"
	"github.com/snajpa/rllm/internal/prompt"
	"github.com/snajpa/rllm/internal/solution"
	"github.com/snajpa/rllm/internal/workspace"
)

const retryLocations = "\nYour previous answer contained no usable EDIT line. " +
	"Answer again, one EDIT line per location in the form above, for files and lines that exist.\n"

// warmAndGather warms the prompt cache for common and runs a
// context-gathering session over it.
func (m *Machine) warmAndGather(ctx context.Context, logger *logging.Logger, common string) (string, *gather.Session, error) {
	warming := llm.StartWarmUp(ctx, m.client, m.cache, common)
	if warmed, err := warming.Wait(); err != nil {
		logger.Warn("prompt cache warm-up failed", "error", err)
	} else if warmed {
		logger.Debug("prompt cache warm")
	}
	return gather.Gather(ctx, m.ws, m.client, common, m.opts.Gather, logger, m.tr)
}

// editLocations asks the model where to edit, re-prompting until a
// response names at least one location in the working tree or the
// attempts run out. The exchange is recorded as one step.
func (m *Machine) editLocations(ctx context.Context, logger *logging.Logger, fc fixContext, result *history.IterationResult) ([]Location, error) {
	builder := prompt.NewEditLocationsBuilder()
	common, err := builder.Build(&prompt.Context{
		Phase:        prompt.PhaseEditLocations,
		Errors:       fc.errors,
		ErrorContext: fc.context,
	})
	if err != nil {
		return nil, err
	}

	evidence, _, err := m.warmAndGather(ctx, logger, common)
	if err != nil {
		return nil, err
	}

	step := history.PortingStep{Kind: history.KindFixup, Evidence: evidence}
	var locs []Location
	for attempt := 1; attempt <= m.opts.LocationAttempts; attempt++ {
		text := builder.Request(common, evidence)
		if attempt > 1 {
			text += retryLocations
		}
		m.tr.Section("edit locations (request %d)", attempt)
		response, err := llm.Collect(ctx, m.client, llm.Request{
			Prompt:      text,
			Temperature: m.opts.Temperature,
			MaxTokens:   m.opts.MaxTokens,
		}, llm.Marker(prompt.EndMarker), m.tr.Stream())
		step.Prompt, step.Response = text, response
		if err != nil {
			result.AddStep(step)
			return nil, err
		}

		parsed, complete := ParseLocations(response)
		locs = m.usable(logger, parsed)
		logger.Info("edit locations parsed",
			"request", attempt,
			"parsed", len(parsed),
			"usable", len(locs),
			"complete", complete,
		)
		if len(locs) > 0 {
			break
		}
		m.tr.Rejected(string(solution.ReasonNoEditLocations), "no usable EDIT line in response %d", attempt)
	}

	if len(locs) == 0 {
		step.FailureReason = solution.ReasonNoEditLocations
		step.FailureDetail = fmt.Sprintf("no usable EDIT line after %d requests", m.opts.LocationAttempts)
		result.AddStep(step)
		return nil, nil
	}
	result.AddStep(step)

	locs = order(locs)
	if len(locs) > m.opts.MaxLocations {
		logger.Warn("edit locations capped", "requested", len(locs), "max", m.opts.MaxLocations)
		locs = locs[:m.opts.MaxLocations]
	}
	for _, l := range locs {
		m.tr.Info("%s %s:%s # %s", prompt.EditPrefix, l.Path, l.Lines, l.Rationale)
	}
	return locs, nil
}

// usable drops locations outside the working tree and clamps line ranges
// to the file.
func (m *Machine) usable(logger *logging.Logger, locs []Location) []Location {
	var out []Location
	for _, l := range locs {
		if !m.ws.Exists(l.Path) {
			logger.Debug("edit location not in working tree", "path", l.Path)
			continue
		}
		content, err := m.ws.ReadFile(l.Path)
		if err != nil {
			continue
		}
		n := len(numbered.SplitLines(content))
		if l.Lines.Start > n {
			logger.Debug("edit location beyond end of file", "path", l.Path, "lines", l.Lines.String(), "file_lines", n)
			continue
		}
		l.Lines = l.Lines.Clamp(n)
		out = append(out, l)
	}
	return out
}

// fixLocation runs one resolution attempt at loc and stages the file when
// the solution changed it.
func (m *Machine) fixLocation(ctx context.Context, logger *logging.Logger, fc fixContext, loc Location, in Input, result *history.IterationResult) (history.PortingStep, error) {
	step := history.PortingStep{Kind: history.KindFixup, Path: loc.Path, Line: loc.Lines.Start}
	logger = logger.With("path", loc.Path, "lines", loc.Lines.String())

	content, err := m.ws.ReadFile(loc.Path)
	if err != nil {
		return step, err
	}
	lines := numbered.SplitLines(content)
	win := numbered.Around(loc.Lines.Start, loc.Lines.End, m.opts.WindowMargin, len(lines))
	step.Window = win
	step.Rationale = loc.Rationale

	m.tr.Section("fix %s:%s", loc.Path, loc.Lines)

	target := &prompt.TargetInfo{
		Path:     loc.Path,
		Window:   win,
		Numbered: numbered.EncodeWindow(lines, win),
	}
	common, err := prompt.NewFixupBuilder().Build(&prompt.Context{
		Phase:        prompt.PhaseFixup,
		Errors:       fc.errors,
		ErrorContext: fc.context,
		Location: &prompt.LocationInfo{
			Path:      loc.Path,
			Lines:     loc.Lines,
			Rationale: loc.Rationale,
			Culprit:   m.culprit(logger, loc),
		},
		Target:   target,
		Previous: previousStep(result, in.Previous, loc.Path, loc.Lines.Start),
	})
	if err != nil {
		return step, err
	}

	applyTarget := solution.NewTarget(loc.Path, content, win)
	evidence, session, err := m.warmAndGather(ctx, logger, common)
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

	response, err := llm.Collect(ctx, m.client, llm.Request{
		Prompt:      text,
		Temperature: m.opts.Temperature,
		MaxTokens:   m.opts.MaxTokens,
	}, llm.FenceClosed(), m.tr.Stream())
	step.Response = response
	if err != nil {
		return step, err
	}

	sol, res := solution.ParseAndApply(m.ws, response, applyTarget)
	if sol != nil {
		if sol.Rationale != "" {
			step.Rationale = sol.Rationale
		}
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

	if res.Changed {
		if err := m.ws.Stage(loc.Path); err != nil {
			return step, err
		}
		step.ResolvedBlocks = []history.ResolvedBlock{{
			SHA:            in.Tail,
			Path:           loc.Path,
			Window:         win,
			ConflictedText: applyTarget.Original,
			SolutionText:   sol.Text(),
		}}
	}
	logger.Info("solution applied",
		"strategy", string(res.Strategy),
		"changed", res.Changed,
		"evidence_lines", session.Consumed(),
	)
	m.tr.Block("solution", sol.Numbered())
	m.tr.Applied("%s:%s (%s)", loc.Path, win, res.Strategy)
	return step, nil
}

// culprit returns the commit that last changed the first line of loc, or
// nil when blame is off or the line is not committed.
func (m *Machine) culprit(logger *logging.Logger, loc Location) *prompt.CommitInfo {
	if !m.opts.AttachBlame {
		return nil
	}
	bl, err := m.ws.Blame("HEAD", loc.Path, loc.Lines.Start)
	if err != nil || !bl.Committed() {
		if err != nil {
			logger.Debug("blame failed", "error", err)
		}
		return nil
	}
	c, err := m.ws.CommitInfo(bl.SHA)
	if err != nil {
		return nil
	}
	patch, err := m.ws.PatchForPath(bl.SHA, loc.Path)
	if err != nil {
		return nil
	}
	logger.Debug("culprit attached", "sha", workspace.ShortSHA(c.SHA), "subject", c.Subject())
	return &prompt.CommitInfo{
		SHA:         c.SHA,
		AuthorName:  c.Author.Name,
		AuthorEmail: c.Author.Email,
		Date:        c.Author.When,
		Message:     c.Message,
		Patch:       patch,
	}
}

// previousStep returns the latest earlier attempt at path:line, looking
// at this iteration first.
func previousStep(result, previous *history.IterationResult, path string, line int) *prompt.PreviousAttempt {
	s := result.LatestStepAt(path, line)
	if s == nil {
		s = previous.LatestStepAt(path, line)
	}
	if s == nil {
		return nil
	}
	reason := string(s.FailureReason)
	if s.FailureDetail != "" {
		reason += ": " + s.FailureDetail
	}
	return &prompt.PreviousAttempt{
		Window:    s.Window,
		Rationale: s.Rationale,
		Solution:  s.Solution,
		Reason:    reason,
	}
}
