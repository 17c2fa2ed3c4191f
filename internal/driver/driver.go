// Package driver walks the configured commit range: every attempt resets
// the work branch to the base, ports each commit with the merge machine,
// then builds the result and runs fixup passes until the build passes.
//
// Failed attempts are retried with a larger context budget while the
// error allows it (see retry.Decide). Every iteration result is persisted
// so later attempts, and later runs, see what was tried before.
package driver

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/snajpa/rllm/internal/build"
	"github.com/snajpa/rllm/internal/config"
	"github.com/snajpa/rllm/internal/errors"
	"github.com/snajpa/rllm/internal/fixup"
	"github.com/snajpa/rllm/internal/history"
	"github.com/snajpa/rllm/internal/llm"
	"github.com/snajpa/rllm/internal/logging"
	"github.com/snajpa/rllm/internal/merge"
	"github.com/snajpa/rllm/internal/retry"
	"github.com/snajpa/rllm/internal/transcript"
	"github.com/snajpa/rllm/internal/workspace"
)

// ErrStopRequested is joined with ErrCanceled when a STOP file ends a run.
var ErrStopRequested = errors.New("stop file present")

// BuildRunner runs the build pipeline. *build.Runner implements it.
type BuildRunner interface {
	Run(ctx context.Context, vars build.Vars) (*build.Result, error)
}

// Report summarizes a run.
type Report struct {
	RunID    string   `json:"run_id"`
	Commits  []string `json:"commits"`
	Attempts int      `json:"attempts"`
	Resolved bool     `json:"resolved"`
	Head     string   `json:"head,omitempty"`
	// Failed lists the keys that used up their attempts.
	Failed   []string      `json:"failed,omitempty"`
	Duration time.Duration `json:"duration"`
}

// Driver runs ports. A Driver is used for a single run.
type Driver struct {
	cfg     *config.Config
	ws      *workspace.Workspace
	client  llm.Client
	cache   llm.PromptCache
	store   history.Store
	builder BuildRunner
	stop    *StopWatcher
	retries *retry.Manager
	runID   string
	logger  *logging.Logger
	tr      *transcript.Transcript
}

// New creates a Driver. builder may be nil, in which case nothing is
// built and a run ends once every commit is ported.
func New(cfg *config.Config, ws *workspace.Workspace, client llm.Client, cache llm.PromptCache, store history.Store, builder BuildRunner, logger *logging.Logger, tr *transcript.Transcript) *Driver {
	runID := uuid.NewString()
	return &Driver{
		cfg:     cfg,
		ws:      ws,
		client:  client,
		cache:   cache,
		store:   store,
		builder: builder,
		retries: retry.NewManager(),
		runID:   runID,
		logger:  logging.OrNop(logger).WithRun(runID),
		tr:      tr,
	}
}

// SetStopWatcher makes the driver stop between commits and build passes
// once w reports a request.
func (d *Driver) SetStopWatcher(w *StopWatcher) {
	d.stop = w
}

// RunID returns the identifier recorded on every result of this run.
func (d *Driver) RunID() string {
	return d.runID
}

// Retries returns the attempt bookkeeping of the run.
func (d *Driver) Retries() *retry.Manager {
	return d.retries
}

// Run ports the configured range. On success the work branch holds the
// ported commits, followed by any fixup commits.
func (d *Driver) Run(ctx context.Context) (*Report, error) {
	start := time.Now()
	report := &Report{RunID: d.runID}
	defer func() { report.Duration = time.Since(start) }()

	commits, err := d.ws.RevList(d.cfg.Repo.Range)
	if err != nil {
		return report, err
	}
	if len(commits) == 0 {
		return report, errors.NewValidationError("commit range is empty").
			WithField("repo.range").WithValue(d.cfg.Repo.Range)
	}
	report.Commits = commits

	maxAttempts := max(d.cfg.Driver.MaxAttempts, 1)
	d.logger.Info("port started",
		"range", d.cfg.Repo.Range,
		"base", d.cfg.Repo.Base,
		"branch", d.cfg.Repo.Branch,
		"commits", len(commits),
		"max_attempts", maxAttempts,
	)

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		report.Attempts = attempt
		d.tr.Section("attempt %d of %d", attempt, maxAttempts)

		err = d.attempt(ctx, attempt, commits)
		if err == nil {
			report.Resolved = true
			report.Head, _ = d.ws.Head()
			d.logger.Info("port finished", "attempts", attempt, "head", report.Head)
			d.tr.Applied("ported %d commits onto %s in %d attempts", len(commits), d.cfg.Repo.Branch, attempt)
			return report, nil
		}

		action := retry.Decide(err, attempt, maxAttempts)
		d.logger.Warn("attempt failed", "attempt", attempt, "error", err, "action", action.String())
		d.tr.Rejected(action.String(), "attempt %d: %v", attempt, err)
		if action == retry.Stop {
			break
		}
	}
	report.Failed = d.retries.Failed()
	return report, err
}

// attempt ports every commit once, then builds and fixes the result.
func (d *Driver) attempt(ctx context.Context, attempt int, commits []string) error {
	logger := d.logger.With("attempt", attempt)
	if err := d.ws.CheckoutBranch(d.cfg.Repo.Branch, d.cfg.Repo.Base); err != nil {
		return err
	}

	m := merge.New(d.ws, d.client, d.cache, merge.NewOptions(d.cfg, attempt), logger, d.tr)
	var touched []*history.IterationResult
	for i, sha := range commits {
		if err := d.checkStop(ctx); err != nil {
			return err
		}
		logger.Info("porting commit", "sha", sha, "index", i+1, "of", len(commits))

		prev := d.previous(logger, sha)
		d.retries.GetOrCreateState(sha, d.cfg.Driver.MaxAttempts)
		result, err := m.Iterate(ctx, merge.Input{SHA: sha, Attempt: attempt, RunID: d.runID, Previous: prev})
		if result.BuildOutput == "" && prev != nil {
			result.BuildOutput = prev.BuildOutput
		}
		if putErr := d.store.Put(result); putErr != nil {
			return errors.Join(err, putErr)
		}
		d.retries.RecordAttempt(sha, len(result.Steps), err)
		if err != nil {
			return err
		}
		if result.LLMTouched {
			touched = append(touched, result)
		}
	}

	if d.builder == nil {
		return nil
	}
	return d.buildAndFix(ctx, logger, attempt, commits[len(commits)-1], touched)
}

// buildAndFix builds HEAD and runs fixup passes until the build passes or
// fixup.max_passes is used up. The output of every failed build is stored
// on the merge results the model produced, for the next attempt's merge
// prompts.
func (d *Driver) buildAndFix(ctx context.Context, logger *logging.Logger, attempt int, tail string, touched []*history.IterationResult) error {
	f := fixup.New(d.ws, d.client, d.cache, fixup.NewOptions(d.cfg, attempt), logger, d.tr)
	key := history.FixupKey(tail)
	d.retries.GetOrCreateState(key, d.cfg.Driver.MaxAttempts)

	for pass := 1; ; pass++ {
		if err := d.checkStop(ctx); err != nil {
			return err
		}
		res, err := d.build(ctx, logger)
		if err != nil {
			return err
		}
		if res.Succeeded() {
			logger.Info("build passed", "pass", pass)
			d.tr.Applied("build passed")
			return nil
		}

		output := res.Output()
		d.tr.Rejected("build_failed", "build failed with status %d", res.Status)
		for _, r := range touched {
			r.BuildOutput = output
			if err := d.store.Put(r); err != nil {
				return err
			}
		}
		if pass > d.cfg.Fixup.MaxPasses {
			return fmt.Errorf("%w: build still failing after %d fixup passes", errors.ErrUnresolved, d.cfg.Fixup.MaxPasses)
		}

		prev := d.previous(logger, key)
		result, err := f.Iterate(ctx, fixup.Input{
			Tail:        tail,
			Attempt:     attempt,
			RunID:       d.runID,
			BuildOutput: output,
			Previous:    prev,
		})
		if putErr := d.store.Put(result); putErr != nil {
			return errors.Join(err, putErr)
		}
		d.retries.RecordAttempt(key, len(result.Steps), err)
		if err != nil {
			return err
		}
	}
}

func (d *Driver) build(ctx context.Context, logger *logging.Logger) (*build.Result, error) {
	head, err := d.ws.Head()
	if err != nil {
		return nil, err
	}
	if remote := d.cfg.Build.PushRemote; remote != "" {
		if err := d.ws.Push(remote, d.cfg.Repo.Branch); err != nil {
			return nil, errors.NewBuildError("cannot push work branch", err).WithHost(remote)
		}
	}

	d.tr.Section("build %s", workspace.ShortSHA(head))
	logger.Info("build started", "head", head)
	return d.builder.Run(ctx, build.Vars{
		Branch:  d.cfg.Repo.Branch,
		Commit:  head,
		Workdir: d.cfg.Build.Workdir,
	})
}

// previous loads the stored result for key. Store failures only lose the
// feedback, so they are logged and ignored.
func (d *Driver) previous(logger *logging.Logger, key string) *history.IterationResult {
	res, ok, err := d.store.Get(key)
	if err != nil {
		logger.Warn("cannot read history", "key", key, "error", err)
		return nil
	}
	if !ok {
		return nil
	}
	return res
}

func (d *Driver) checkStop(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return errors.Join(errors.ErrCanceled, err)
	}
	if d.stop.Requested() {
		d.tr.Info("stop requested through %s", d.stop.Path())
		return errors.Join(errors.ErrCanceled, ErrStopRequested)
	}
	return nil
}
