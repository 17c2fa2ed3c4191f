// Package fixup implements the fixup iteration: turn a failed build's
// diagnostics into edit locations chosen by the model, then fix every
// location with the same evidence and reconcile steps used for merges.
//
// States: PARSE_ERRORS, then (no blocking error) SUCCESS, or
// GATHER_CONTEXT, REQUEST_EDIT_LOCATIONS, PARSE_LOCATIONS and the
// per-location loop. Every applied edit is staged at once so the next
// location sees it.
package fixup

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/snajpa/rllm/internal/config"
	"github.com/snajpa/rllm/internal/errors"
	"github.com/snajpa/rllm/internal/gather"
	"github.com/snajpa/rllm/internal/history"
	"github.com/snajpa/rllm/internal/llm"
	"github.com/snajpa/rllm/internal/logging"
	"github.com/snajpa/rllm/internal/merge"
	"github.com/snajpa/rllm/internal/numbered"
	"github.com/snajpa/rllm/internal/prompt"
	"github.com/snajpa/rllm/internal/transcript"
	"github.com/snajpa/rllm/internal/workspace"
)

// maxDiagnostics bounds the errors shown to the model.
const maxDiagnostics = 32

// Options configures a Machine.
type Options struct {
	WindowMargin      int
	ErrorContextLines int
	MaxLocations      int
	LocationAttempts  int
	AttachBlame       bool
	// PathPrefix is stripped from diagnostic paths, normally the checkout
	// directory on the build host.
	PathPrefix  string
	Temperature float64
	MaxTokens   int
	Gather      gather.Options
	Committer   workspace.Signature
}

// NewOptions derives fixup options for attempt from the configuration.
func NewOptions(cfg *config.Config, attempt int) Options {
	return Options{
		WindowMargin:      cfg.Fixup.WindowMargin,
		ErrorContextLines: cfg.Fixup.ErrorContextLines,
		MaxLocations:      cfg.Fixup.MaxLocations,
		LocationAttempts:  cfg.Fixup.LocationAttempts,
		AttachBlame:       cfg.Fixup.AttachBlame,
		PathPrefix:        cfg.Build.Workdir,
		Temperature:       cfg.LLM.Temperature,
		MaxTokens:         cfg.LLM.MaxTokens,
		Gather:            gather.NewOptions(cfg, attempt),
		Committer: workspace.Signature{
			Name:  cfg.Repo.CommitterName,
			Email: cfg.Repo.CommitterEmail,
		},
	}
}

// Input is one fixup iteration request.
type Input struct {
	// Tail is the last ported commit of the range; results are keyed by it.
	Tail    string
	Attempt int
	RunID   string
	// BuildOutput is the captured output of the failed build.
	BuildOutput string
	// Previous is an earlier fixup result for the same tail. It is only read.
	Previous *history.IterationResult
}

// Machine runs fixup iterations against one workspace.
type Machine struct {
	ws     *workspace.Workspace
	client llm.Client
	cache  llm.PromptCache
	opts   Options
	logger *logging.Logger
	tr     *transcript.Transcript
}

// New creates a Machine.
func New(ws *workspace.Workspace, client llm.Client, cache llm.PromptCache, opts Options, logger *logging.Logger, tr *transcript.Transcript) *Machine {
	if opts.LocationAttempts <= 0 {
		opts.LocationAttempts = 1
	}
	if opts.MaxLocations <= 0 {
		opts.MaxLocations = 8
	}
	if cache == nil {
		cache = llm.NoCache{}
	}
	return &Machine{
		ws:     ws,
		client: client,
		cache:  cache,
		opts:   opts,
		logger: logging.OrNop(logger).WithPhase("fixup"),
		tr:     tr,
	}
}

// fixContext is the diagnostics part shared by every prompt of one
// iteration.
type fixContext struct {
	errors  []prompt.ErrorInfo
	context []prompt.FileContext
}

// Iterate fixes the working tree after a failed build of in.Tail.
//
// Without blocking diagnostics the result is resolved and nothing
// changes. Otherwise the applied edits are committed on top of HEAD.
// When no edit could be applied the tree is reset and ErrUnresolved is
// returned; inference and git failures also reset the tree.
func (m *Machine) Iterate(ctx context.Context, in Input) (*history.IterationResult, error) {
	logger := m.logger.WithCommit(in.Tail)

	result := history.NewResult(history.KindFixup, in.Tail)
	result.Attempt = in.Attempt
	result.RunID = in.RunID
	result.BuildOutput = in.BuildOutput

	head, err := m.ws.Head()
	if err != nil {
		return result, err
	}
	result.ResetTarget = head

	m.tr.Section("fixup after %s", workspace.ShortSHA(in.Tail))

	diags := m.blocking(in.BuildOutput)
	if len(diags) == 0 {
		logger.Info("no blocking diagnostics in build output")
		m.tr.Info("no blocking diagnostics found")
		result.Resolved = true
		result.UpdatedAt = time.Now()
		return result, nil
	}
	logger.Info("blocking diagnostics", "count", len(diags))
	result.LLMTouched = true

	fc, err := m.fixContext(diags)
	if err != nil {
		return result, m.abort(head, err)
	}

	locs, err := m.editLocations(ctx, logger, fc, result)
	if err != nil {
		return result, m.abort(head, err)
	}
	if len(locs) == 0 {
		return result, m.abort(head, fmt.Errorf("%w: no edit locations", errors.ErrUnresolved))
	}

	changed := 0
	for _, loc := range locs {
		step, err := m.fixLocation(ctx, logger, fc, loc, in, result)
		result.AddStep(step)
		if err != nil {
			return result, m.abort(head, err)
		}
		if !step.Failed() && len(step.ResolvedBlocks) > 0 {
			changed++
		}
	}
	if changed == 0 {
		m.tr.Rejected("unresolved", "no location could be fixed")
		return result, m.abort(head, fmt.Errorf("%w: none of %d locations fixed", errors.ErrUnresolved, len(locs)))
	}

	sha, err := m.commit(head, in.Tail, diags)
	if err != nil {
		return result, m.abort(head, err)
	}
	result.Resolved = true
	result.CommittedAs = sha
	result.ResetTarget = sha
	result.UpdatedAt = time.Now()

	logger.Info("fixup committed", "committed_as", sha, "locations", len(locs), "changed", changed)
	m.tr.Applied("fixup committed as %s", workspace.ShortSHA(sha))
	return result, nil
}

// blocking parses the build output and keeps the errors in files of the
// working tree.
func (m *Machine) blocking(output string) []Diagnostic {
	var out []Diagnostic
	for _, d := range Blocking(ParseDiagnostics(output, m.opts.PathPrefix)) {
		if !m.ws.Exists(d.Path) {
			m.logger.Debug("diagnostic outside the working tree", "path", d.Path)
			continue
		}
		out = append(out, d)
		if len(out) == maxDiagnostics {
			break
		}
	}
	return out
}

// fixContext renders the diagnostics and the numbered code around them,
// one block per file in order of first appearance.
func (m *Machine) fixContext(diags []Diagnostic) (fixContext, error) {
	var fc fixContext
	spans := make(map[string][]numbered.Window)
	var paths []string
	for _, d := range diags {
		fc.errors = append(fc.errors, prompt.ErrorInfo{Path: d.Path, Line: d.Line, Column: d.Column, Message: d.Message})
		if _, ok := spans[d.Path]; !ok {
			paths = append(paths, d.Path)
		}
		spans[d.Path] = append(spans[d.Path], numbered.Window{Start: d.Line, End: d.Line})
	}

	for _, p := range paths {
		content, err := m.ws.ReadFile(p)
		if err != nil {
			return fc, err
		}
		lines := numbered.SplitLines(content)
		s := spans[p]
		sort.Slice(s, func(i, j int) bool { return s[i].Start < s[j].Start })
		fc.context = append(fc.context, prompt.FileContext{
			Path:     p,
			Numbered: numbered.EncodeRegions(lines, numbered.Regions(s, m.opts.ErrorContextLines, len(lines))),
		})
	}
	return fc, nil
}

// commit records the staged fixes on top of head.
func (m *Machine) commit(head, tail string, diags []Diagnostic) (string, error) {
	tree, err := m.ws.WriteTree()
	if err != nil {
		return "", err
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Fix build after porting %s\n\n", workspace.ShortSHA(tail))
	for i, d := range diags {
		if i == 10 {
			fmt.Fprintf(&sb, "... and %d more\n", len(diags)-i)
			break
		}
		fmt.Fprintf(&sb, "%s:%d:%d: %s\n", d.Path, d.Line, d.Column, d.Message)
	}
	message := merge.AddTrailer(sb.String(), merge.PortedTrailer)

	sig := m.opts.Committer
	if sig.Name == "" {
		sig.Name, sig.Email = "rllm", "rllm@localhost"
	}
	sig.When = time.Now()

	sha, err := m.ws.CommitTree(tree, []string{head}, message, sig, sig)
	if err != nil {
		return "", err
	}
	if err := m.ws.UpdateHead(sha, "rllm: fixup "+workspace.ShortSHA(tail)); err != nil {
		return "", err
	}
	if err := m.ws.ResetHard(sha); err != nil {
		return "", err
	}
	return sha, nil
}

func (m *Machine) abort(head string, err error) error {
	if resetErr := m.ws.ResetHard(head); resetErr != nil {
		m.logger.Error("hard reset failed", "target", head, "error", resetErr)
		return errors.Join(err, resetErr)
	}
	m.logger.Info("working tree reset", "target", head)
	return err
}
