package driver

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/snajpa/rllm/internal/build"
	"github.com/snajpa/rllm/internal/config"
	"github.com/snajpa/rllm/internal/errors"
	"github.com/snajpa/rllm/internal/history"
	"github.com/snajpa/rllm/internal/llm"
	"github.com/snajpa/rllm/internal/llm/llmtest"
	"github.com/snajpa/rllm/internal/testutil"
	"github.com/snajpa/rllm/internal/transcript"
	"github.com/snajpa/rllm/internal/workspace"
)

const (
	baseText   = "l1\nl2\nl3\nX\nl5\nl6\nl7\nl8\nl9\nl10\n"
	oursText   = "l1\nl2\nl3\nA\nl5\nl6\nl7\nl8\nl9\nl10\n"
	theirsText = "l1\nl2\nl3\nB\nl5\nl6\nl7\nl8\nl9\nl10\n"
)

const takeTheirs = "Keep the upstream line.\n" +
	"```\n" +
	" 1 l1\n 2 l2\n 3 l3\n 4 B\n 5 l5\n 6 l6\n 7 l7\n 8 l8\n 9 l9\n10 l10\n" +
	"```\n"

// fakeBuilder returns canned results in order and records the variables
// of every build.
type fakeBuilder struct {
	mu      sync.Mutex
	results []*build.Result
	vars    []build.Vars
}

func (f *fakeBuilder) Run(_ context.Context, vars build.Vars) (*build.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.vars = append(f.vars, vars)
	if len(f.results) == 0 {
		return &build.Result{}, nil
	}
	r := f.results[0]
	f.results = f.results[1:]
	return r, nil
}

func failedBuild(output string) *build.Result {
	return &build.Result{
		Status:   2,
		Commands: []build.CommandResult{{Command: "make", Status: 2, Output: output}},
	}
}

func setupPort(t *testing.T) (dir, sha string, cfg *config.Config) {
	t.Helper()
	dir, sha = testutil.SetupConflict(t, "small.txt", baseText, oursText, theirsText)

	cfg = config.Default()
	cfg.Repo.Path = dir
	cfg.Repo.Base = "main"
	cfg.Repo.Range = "main..upstream"
	cfg.Repo.Branch = "rllm-port"
	cfg.Merge.MaxTurns = 1
	cfg.Fixup.WindowMargin = 1
	cfg.Fixup.MaxPasses = 1
	cfg.Driver.MaxAttempts = 2
	return dir, sha, cfg
}

func newDriver(t *testing.T, cfg *config.Config, client llm.Client, builder BuildRunner) (*Driver, history.Store) {
	t.Helper()
	ws, err := workspace.Open(cfg.Repo.Path)
	if err != nil {
		t.Fatal(err)
	}
	store := history.NewMemoryStore()
	return New(cfg, ws, client, nil, store, builder, nil, transcript.Discard()), store
}

func TestRun_PortsRange(t *testing.T) {
	dir, sha, cfg := setupPort(t)
	client := llmtest.NewScripted("ASK: close\n", takeTheirs)
	d, store := newDriver(t, cfg, client, nil)

	report, err := d.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if !report.Resolved || report.Attempts != 1 || len(report.Commits) != 1 || report.Commits[0] != sha {
		t.Errorf("report = %+v", report)
	}
	if report.RunID != d.RunID() || report.RunID == "" {
		t.Errorf("RunID = %q", report.RunID)
	}

	if branch := testutil.Git(t, dir, "rev-parse", "--abbrev-ref", "HEAD"); branch != "rllm-port" {
		t.Errorf("checked out %s, want rllm-port", branch)
	}
	if got := testutil.ReadFile(t, dir, "small.txt"); got != theirsText {
		t.Errorf("small.txt = %q", got)
	}
	if report.Head != testutil.Head(t, dir) {
		t.Errorf("Head = %s, want %s", report.Head, testutil.Head(t, dir))
	}

	result, ok, err := store.Get(sha)
	if err != nil || !ok {
		t.Fatalf("store.Get() = %v, %v", ok, err)
	}
	if !result.Resolved || result.RunID != d.RunID() || result.CommittedAs != report.Head {
		t.Errorf("stored result = %+v", result)
	}
}

func TestRun_RetriesWithLargerBudget(t *testing.T) {
	dir, sha, cfg := setupPort(t)
	client := llmtest.NewScripted(
		"ASK: close\n", "I do not know.\n",
		"ASK: close\n", takeTheirs,
	)
	d, store := newDriver(t, cfg, client, nil)

	report, err := d.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if report.Attempts != 2 || !report.Resolved {
		t.Errorf("report = %+v", report)
	}
	if got := testutil.ReadFile(t, dir, "small.txt"); got != theirsText {
		t.Errorf("small.txt = %q", got)
	}

	prompts := client.Prompts()
	if len(prompts) != 4 {
		t.Fatalf("prompts = %d, want 4", len(prompts))
	}
	budget := func(p string) string {
		i := strings.Index(p, "BUDGET_LEFT: ")
		if i < 0 {
			return ""
		}
		return strings.SplitN(p[i:], "\n", 2)[0]
	}
	if first, second := budget(prompts[0]), budget(prompts[2]); first == "" || first == second {
		t.Errorf("budget did not grow: %q then %q", first, second)
	}

	result, _, _ := store.Get(sha)
	if result.Attempt != 2 || !result.Resolved {
		t.Errorf("stored result attempt=%d resolved=%v", result.Attempt, result.Resolved)
	}
	state := d.Retries().GetState(sha)
	if state == nil || state.Attempts != 2 || !state.Succeeded {
		t.Errorf("retry state = %+v", state)
	}
}

func TestRun_GivesUpAfterMaxAttempts(t *testing.T) {
	dir, sha, cfg := setupPort(t)
	client := llmtest.NewScripted(
		"ASK: close\n", "I do not know.\n",
		"ASK: close\n", "Still no idea.\n",
	)
	d, _ := newDriver(t, cfg, client, nil)
	ours := testutil.Head(t, dir)

	report, err := d.Run(context.Background())
	if !errors.Is(err, errors.ErrUnresolved) {
		t.Fatalf("Run() error = %v, want ErrUnresolved", err)
	}
	if report.Resolved || report.Attempts != 2 {
		t.Errorf("report = %+v", report)
	}
	if len(report.Failed) != 1 || report.Failed[0] != sha {
		t.Errorf("Failed = %v, want [%s]", report.Failed, sha)
	}
	if got := testutil.Head(t, dir); got != ours {
		t.Errorf("HEAD = %s, want base %s", got, ours)
	}
	if testutil.HasUncommittedChanges(t, dir) {
		t.Error("working tree dirty after giving up")
	}
}

func TestRun_BuildAndFixup(t *testing.T) {
	dir, sha, cfg := setupPort(t)
	client := llmtest.NewScripted(
		"ASK: close\n", takeTheirs,
		"ASK: close\n", "EDIT: small.txt:4 # B must become C\nEND_EDITS\n",
		"ASK: close\n", "Replace B with C.\n```\n3 l3\n4 C\n5 l5\n```\n",
	)
	builder := &fakeBuilder{results: []*build.Result{
		failedBuild("small.txt:4:1: error: B is not allowed here\n"),
	}}
	d, store := newDriver(t, cfg, client, builder)

	report, err := d.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if !report.Resolved {
		t.Errorf("report = %+v", report)
	}

	want := strings.Replace(theirsText, "B", "C", 1)
	if got := testutil.ReadFile(t, dir, "small.txt"); got != want {
		t.Errorf("small.txt = %q, want %q", got, want)
	}
	msg := testutil.Git(t, dir, "log", "-1", "--format=%s")
	if msg != "Fix build after porting "+workspace.ShortSHA(sha) {
		t.Errorf("HEAD subject = %q", msg)
	}

	if len(builder.vars) != 2 {
		t.Fatalf("builds = %d, want 2", len(builder.vars))
	}
	if v := builder.vars[0]; v.Branch != "rllm-port" || v.Workdir != cfg.Build.Workdir {
		t.Errorf("build vars = %+v", v)
	}
	if builder.vars[1].Commit != report.Head {
		t.Errorf("second build of %s, want %s", builder.vars[1].Commit, report.Head)
	}

	merged, _, _ := store.Get(sha)
	if !strings.Contains(merged.BuildOutput, "B is not allowed here") {
		t.Errorf("merge result BuildOutput = %q", merged.BuildOutput)
	}
	fixed, ok, _ := store.Get(history.FixupKey(sha))
	if !ok || !fixed.Resolved || fixed.CommittedAs != report.Head {
		t.Errorf("fixup result = %+v", fixed)
	}
}

func TestRun_BuildStillFailing(t *testing.T) {
	_, sha, cfg := setupPort(t)
	cfg.Driver.MaxAttempts = 1
	cfg.Fixup.MaxPasses = 0
	client := llmtest.NewScripted("ASK: close\n", takeTheirs)
	builder := &fakeBuilder{results: []*build.Result{failedBuild("small.txt:4:1: error: no\n")}}
	d, store := newDriver(t, cfg, client, builder)

	_, err := d.Run(context.Background())
	if !errors.Is(err, errors.ErrUnresolved) {
		t.Fatalf("Run() error = %v, want ErrUnresolved", err)
	}
	merged, _, _ := store.Get(sha)
	if !strings.Contains(merged.BuildOutput, "error: no") {
		t.Errorf("BuildOutput = %q", merged.BuildOutput)
	}
}

func TestRun_EmptyRange(t *testing.T) {
	_, _, cfg := setupPort(t)
	cfg.Repo.Range = "main..main"
	d, _ := newDriver(t, cfg, llmtest.NewScripted(), nil)

	_, err := d.Run(context.Background())
	var vErr *errors.ValidationError
	if !errors.As(err, &vErr) || vErr.Field != "repo.range" {
		t.Errorf("Run() error = %v, want ValidationError on repo.range", err)
	}
}

func TestRun_StopFile(t *testing.T) {
	_, _, cfg := setupPort(t)
	stateDir := t.TempDir()
	if err := os.WriteFile(filepath.Join(stateDir, StopFileName), nil, 0o644); err != nil {
		t.Fatal(err)
	}
	w, err := WatchStop(stateDir, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer w.Close()

	client := llmtest.NewScripted("ASK: close\n", takeTheirs)
	d, _ := newDriver(t, cfg, client, nil)
	d.SetStopWatcher(w)

	report, err := d.Run(context.Background())
	if !errors.Is(err, errors.ErrCanceled) || !errors.Is(err, ErrStopRequested) {
		t.Fatalf("Run() error = %v, want stop request", err)
	}
	if report.Attempts != 1 {
		t.Errorf("Attempts = %d, want 1", report.Attempts)
	}
	if n := len(client.Prompts()); n != 0 {
		t.Errorf("prompts = %d, want 0", n)
	}
}

func TestStopWatcher(t *testing.T) {
	stateDir := filepath.Join(t.TempDir(), "state")
	w, err := WatchStop(stateDir, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer w.Close()

	if w.Requested() {
		t.Fatal("Requested() = true before the STOP file exists")
	}

	waitFor := func(want bool) {
		t.Helper()
		deadline := time.Now().Add(5 * time.Second)
		for time.Now().Before(deadline) {
			if w.Requested() == want {
				return
			}
			time.Sleep(10 * time.Millisecond)
		}
		t.Fatalf("Requested() did not become %v", want)
	}

	if err := os.WriteFile(w.Path(), []byte("please\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	waitFor(true)

	if err := os.Remove(w.Path()); err != nil {
		t.Fatal(err)
	}
	waitFor(false)

	w.Close()
	w.Close()
}

func TestStopWatcher_Nil(t *testing.T) {
	var w *StopWatcher
	if w.Requested() || w.Path() != "" {
		t.Error("nil StopWatcher requested a stop")
	}
	w.Close()
}
