// Package merge implements the merge iteration: cherry-pick one commit
// and resolve its conflicts block by block with the model.
//
// The conflict loop always takes the first block of the first conflicted
// path. A file is staged once it has no markers left, and the commit is
// created once no path is conflicted.
package merge

import (
	"context"
	"fmt"
	"time"

	"github.com/snajpa/rllm/internal/config"
	"github.com/snajpa/rllm/internal/conflict"
	"github.com/snajpa/rllm/internal/errors"
	"github.com/snajpa/rllm/internal/gather"
	"github.com/snajpa/rllm/internal/history"
	"github.com/snajpa/rllm/internal/llm"
	"github.com/snajpa/rllm/internal/logging"
	"github.com/snajpa/rllm/internal/solution"
	"github.com/snajpa/rllm/internal/transcript"
	"github.com/snajpa/rllm/internal/workspace"
)

// PortedTrailer marks commits whose conflicts were resolved by the model.
const PortedTrailer = "Ported-by: rllm"

// Options configures a Machine.
type Options struct {
	WindowMargin    int
	MaxTurns        int
	NoMarkersPolicy string
	Temperature     float64
	MaxTokens       int
	Gather          gather.Options
	Committer       workspace.Signature
}

// NewOptions derives merge options for attempt from the configuration.
func NewOptions(cfg *config.Config, attempt int) Options {
	return Options{
		WindowMargin:    cfg.Merge.WindowMargin,
		MaxTurns:        cfg.Merge.MaxTurns,
		NoMarkersPolicy: cfg.Merge.NoMarkersPolicy,
		Temperature:     cfg.LLM.Temperature,
		MaxTokens:       cfg.LLM.MaxTokens,
		Gather:          gather.NewOptions(cfg, attempt),
		Committer: workspace.Signature{
			Name:  cfg.Repo.CommitterName,
			Email: cfg.Repo.CommitterEmail,
		},
	}
}

// Input is one merge iteration request.
type Input struct {
	SHA     string
	Attempt int
	RunID   string
	// Previous is the persisted result of an earlier attempt at the same
	// commit. It is only read.
	Previous *history.IterationResult
}

// Machine runs merge iterations against one workspace.
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
	if opts.MaxTurns <= 0 {
		opts.MaxTurns = 12
	}
	if cache == nil {
		cache = llm.NoCache{}
	}
	return &Machine{
		ws:     ws,
		client: client,
		cache:  cache,
		opts:   opts,
		logger: logging.OrNop(logger).WithPhase("merge"),
		tr:     tr,
	}
}

// Iterate ports in.SHA onto HEAD.
//
// The returned result is never nil. On success it records the new commit
// and advances ResetTarget to it. Unresolved conflicts after MaxTurns
// return ErrUnresolved; inference failures are returned as they are.
// In both cases, and on any git failure, the working tree is reset to the
// HEAD the iteration started from.
func (m *Machine) Iterate(ctx context.Context, in Input) (*history.IterationResult, error) {
	logger := m.logger.WithCommit(in.SHA)

	result := history.NewResult(history.KindMerge, in.SHA)
	result.Attempt = in.Attempt
	result.RunID = in.RunID

	head, err := m.ws.Head()
	if err != nil {
		return result, err
	}
	result.ResetTarget = head

	commit, err := m.ws.CommitInfo(in.SHA)
	if err != nil {
		return result, err
	}
	m.tr.Section("merge %s %s", commit.Short(), commit.Subject())

	conflicted, err := m.ws.CherryPick(in.SHA)
	if err != nil {
		logger.Error("cherry-pick failed", "error", err)
		return result, m.abort(head, err)
	}

	if conflicted {
		logger.Info("cherry-pick conflicted")
		if err := m.conflictLoop(ctx, logger, commit, in, result); err != nil {
			return result, m.abort(head, err)
		}
	}

	message := commit.Message
	if result.LLMTouched {
		message = AddTrailer(message, PortedTrailer)
	}
	sha, err := m.commit(head, commit, message)
	if err != nil {
		return result, m.abort(head, err)
	}

	result.Resolved = true
	result.CommittedAs = sha
	result.ResetTarget = sha
	result.UpdatedAt = time.Now()

	logger.Info("commit ported",
		"committed_as", sha,
		"llm_touched", result.LLMTouched,
		"steps", len(result.Steps),
	)
	m.tr.Applied("committed %s as %s", commit.Short(), workspace.ShortSHA(sha))
	return result, nil
}

// conflictLoop resolves conflicts until none is left or the turns run out.
func (m *Machine) conflictLoop(ctx context.Context, logger *logging.Logger, commit workspace.Commit, in Input, result *history.IterationResult) error {
	for turn := 1; ; turn++ {
		if err := ctx.Err(); err != nil {
			return errors.Join(errors.ErrCanceled, err)
		}

		paths, err := m.ws.ConflictedPaths()
		if err != nil {
			return err
		}
		if len(paths) == 0 {
			return nil
		}
		if turn > m.opts.MaxTurns {
			logger.Warn("conflicts left unresolved",
				"turns", m.opts.MaxTurns,
				"paths", paths,
			)
			m.tr.Rejected("unresolved", "%d conflicted paths left after %d turns", len(paths), m.opts.MaxTurns)
			return fmt.Errorf("%w: %d paths after %d turns", errors.ErrUnresolved, len(paths), m.opts.MaxTurns)
		}

		path := paths[0]
		if !m.ws.Exists(path) {
			// Deleted on one side; keep the deletion.
			if err := m.ws.Remove(path); err != nil {
				return err
			}
			m.recordNoMarkers(logger, result, path, "file is deleted, deletion staged")
			continue
		}

		content, err := m.ws.ReadFile(path)
		if err != nil {
			return err
		}
		block, ok := conflict.First(path, content, m.opts.WindowMargin)
		if !ok {
			if err := m.noMarkers(logger, result, path); err != nil {
				return err
			}
			continue
		}

		result.LLMTouched = true
		step, err := m.resolveBlock(ctx, logger, commit, block, content, in, result)
		result.AddStep(step)
		if err != nil {
			return err
		}
		if step.Failed() {
			continue
		}

		updated, err := m.ws.ReadFile(path)
		if err != nil {
			return err
		}
		if !conflict.HasMarkers(updated) {
			if err := m.ws.Stage(path); err != nil {
				return err
			}
			logger.Info("file resolved", "path", path)
			m.tr.Applied("staged %s", path)
		}
	}
}

// noMarkers applies the configured policy to a conflicted path without
// conflict markers.
func (m *Machine) noMarkers(logger *logging.Logger, result *history.IterationResult, path string) error {
	switch m.opts.NoMarkersPolicy {
	case config.NoMarkersStage:
		if err := m.ws.Stage(path); err != nil {
			return err
		}
		m.recordNoMarkers(logger, result, path, "no conflict markers, file staged as is")
		return nil
	case config.NoMarkersDelete:
		if err := m.ws.Remove(path); err != nil {
			return err
		}
		m.recordNoMarkers(logger, result, path, "no conflict markers, deletion staged")
		return nil
	default:
		m.recordNoMarkers(logger, result, path, "no conflict markers, aborting")
		return errors.NewNotFoundError("conflict markers", path).WithCause(errors.ErrNoConflictMarkers)
	}
}

func (m *Machine) recordNoMarkers(logger *logging.Logger, result *history.IterationResult, path, detail string) {
	result.AddStep(history.PortingStep{
		Kind:          history.KindMerge,
		Path:          path,
		FailureReason: solution.ReasonNoMergeBlocks,
		FailureDetail: detail,
	})
	logger.Warn("conflicted path without markers",
		"path", path,
		"policy", m.opts.NoMarkersPolicy,
		"detail", detail,
	)
	m.tr.Rejected(string(solution.ReasonNoMergeBlocks), "%s: %s", path, detail)
}

// commit records the index as a commit on top of head with the original
// author and moves HEAD to it.
func (m *Machine) commit(head string, commit workspace.Commit, message string) (string, error) {
	tree, err := m.ws.WriteTree()
	if err != nil {
		return "", err
	}
	committer := m.opts.Committer
	if committer.Name == "" {
		committer = commit.Committer
	}
	committer.When = time.Now()

	sha, err := m.ws.CommitTree(tree, []string{head}, message, commit.Author, committer)
	if err != nil {
		return "", err
	}
	if err := m.ws.UpdateHead(sha, "rllm: port "+commit.Short()); err != nil {
		return "", err
	}
	if err := m.ws.ResetHard(sha); err != nil {
		return "", err
	}
	_ = m.ws.QuitCherryPick()
	return sha, nil
}

// abort resets the working tree to head and returns err, joined with any
// failure of the reset itself.
func (m *Machine) abort(head string, err error) error {
	_ = m.ws.QuitCherryPick()
	if resetErr := m.ws.ResetHard(head); resetErr != nil {
		m.logger.Error("hard reset failed", "target", head, "error", resetErr)
		return errors.Join(err, resetErr)
	}
	m.logger.Info("working tree reset", "target", head)
	return err
}
