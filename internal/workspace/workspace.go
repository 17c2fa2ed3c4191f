// Package workspace provides the Workspace resource: the one git working
// tree a port runs against.
//
// All source-control access goes through the git CLI via a
// [CommandExecutor], so tests can replace command execution without a
// repository. The working tree, the index and HEAD are mutated in place;
// callers must not run two resolution attempts against the same Workspace
// concurrently.
package workspace

import (
	"bytes"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/snajpa/rllm/internal/errors"
)

// -----------------------------------------------------------------------------
// Command Executor
// -----------------------------------------------------------------------------

// CommandExecutor abstracts command execution for testability.
type CommandExecutor interface {
	// Run executes a command and returns combined output.
	Run(dir string, env []string, name string, args ...string) ([]byte, error)

	// Output executes a command and returns stdout only. Stderr is folded
	// into the returned error.
	Output(dir string, env []string, name string, args ...string) ([]byte, error)
}

// CLICommandExecutor executes commands using os/exec.
type CLICommandExecutor struct{}

// NewCLICommandExecutor creates a new CLI command executor.
func NewCLICommandExecutor() *CLICommandExecutor {
	return &CLICommandExecutor{}
}

// Run executes a command and returns combined output.
func (e *CLICommandExecutor) Run(dir string, env []string, name string, args ...string) ([]byte, error) {
	cmd := exec.Command(name, args...)
	cmd.Dir = dir
	if len(env) > 0 {
		cmd.Env = append(os.Environ(), env...)
	}
	return cmd.CombinedOutput()
}

// Output executes a command and returns stdout.
func (e *CLICommandExecutor) Output(dir string, env []string, name string, args ...string) ([]byte, error) {
	cmd := exec.Command(name, args...)
	cmd.Dir = dir
	if len(env) > 0 {
		cmd.Env = append(os.Environ(), env...)
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil && stderr.Len() > 0 {
		return out, &stderrError{err: err, stderr: stderr.String()}
	}
	return out, err
}

type stderrError struct {
	err    error
	stderr string
}

func (e *stderrError) Error() string {
	return e.err.Error() + ": " + strings.TrimSpace(e.stderr)
}

func (e *stderrError) Unwrap() error {
	return e.err
}

// exitCode returns the process exit code carried by err, or -1.
func exitCode(err error) int {
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		return ee.ExitCode()
	}
	var coder interface{ ExitCode() int }
	if errors.As(err, &coder) {
		return coder.ExitCode()
	}
	return -1
}

// -----------------------------------------------------------------------------
// Workspace
// -----------------------------------------------------------------------------

// Workspace is a git working tree owned by one driver.
type Workspace struct {
	root     string
	executor CommandExecutor
}

// Open returns the Workspace containing dir. It fails with
// ErrNotGitRepository when dir is not inside a git working tree.
func Open(dir string) (*Workspace, error) {
	return OpenWithExecutor(dir, NewCLICommandExecutor())
}

// OpenWithExecutor is like Open but runs git through executor.
func OpenWithExecutor(dir string, executor CommandExecutor) (*Workspace, error) {
	out, err := executor.Output(dir, nil, "git", "rev-parse", "--show-toplevel")
	if err != nil {
		return nil, errors.NewGitError("not a git working tree", errors.ErrNotGitRepository).
			WithOp("rev-parse").
			WithRepository(dir).
			WithGitOutput(err.Error())
	}
	root := strings.TrimSpace(string(out))
	if resolved, err := filepath.EvalSymlinks(root); err == nil {
		root = resolved
	}
	return &Workspace{root: root, executor: executor}, nil
}

// Root returns the absolute path of the working tree.
func (w *Workspace) Root() string {
	return w.root
}

// git runs a git subcommand and returns its combined output.
func (w *Workspace) git(args ...string) (string, error) {
	return w.gitEnv(nil, args...)
}

func (w *Workspace) gitEnv(env []string, args ...string) (string, error) {
	out, err := w.executor.Run(w.root, env, "git", args...)
	if err != nil {
		return string(out), errors.NewGitError("git "+args[0]+" failed", err).
			WithOp(args[0]).
			WithRepository(w.root).
			WithGitOutput(string(out))
	}
	return string(out), nil
}

// gitOutput runs a git subcommand and returns stdout only.
func (w *Workspace) gitOutput(args ...string) (string, error) {
	out, err := w.executor.Output(w.root, nil, "git", args...)
	if err != nil {
		return string(out), errors.NewGitError("git "+args[0]+" failed", err).
			WithOp(args[0]).
			WithRepository(w.root)
	}
	return string(out), nil
}

// -----------------------------------------------------------------------------
// Commits
// -----------------------------------------------------------------------------

// Signature identifies the author or committer of a commit.
type Signature struct {
	Name  string    `json:"name" yaml:"name"`
	Email string    `json:"email" yaml:"email"`
	When  time.Time `json:"when" yaml:"when"`
}

// Commit is the metadata of one commit.
type Commit struct {
	SHA       string
	Parents   []string
	Author    Signature
	Committer Signature
	Message   string
}

// Subject returns the first line of the commit message.
func (c Commit) Subject() string {
	subject, _, _ := strings.Cut(c.Message, "\n")
	return subject
}

// Short returns the abbreviated sha.
func (c Commit) Short() string {
	return ShortSHA(c.SHA)
}

// ShortSHA abbreviates sha to 12 characters.
func ShortSHA(sha string) string {
	if len(sha) > 12 {
		return sha[:12]
	}
	return sha
}

// Head returns the sha HEAD points to.
func (w *Workspace) Head() (string, error) {
	return w.RevParse("HEAD")
}

// RevParse resolves rev to a commit sha.
func (w *Workspace) RevParse(rev string) (string, error) {
	out, err := w.gitOutput("rev-parse", "--verify", "--quiet", rev+"^{commit}")
	if err != nil {
		return "", errors.NewGitError("unknown revision "+rev, errors.NewNotFoundError("revision", rev)).
			WithOp("rev-parse").
			WithRepository(w.root)
	}
	return strings.TrimSpace(out), nil
}

// RevList returns the non-merge commits of rangeSpec ("from..to"), oldest
// first.
func (w *Workspace) RevList(rangeSpec string) ([]string, error) {
	out, err := w.gitOutput("rev-list", "--reverse", "--no-merges", rangeSpec)
	if err != nil {
		return nil, err
	}
	return strings.Fields(out), nil
}

const commitFormat = "%H%x00%P%x00%an%x00%ae%x00%aI%x00%cn%x00%ce%x00%cI%x00%B"

// CommitInfo returns the metadata of sha.
func (w *Workspace) CommitInfo(sha string) (Commit, error) {
	out, err := w.gitOutput("show", "-s", "--format="+commitFormat, sha)
	if err != nil {
		return Commit{}, err
	}
	fields := strings.SplitN(out, "\x00", 9)
	if len(fields) != 9 {
		return Commit{}, errors.NewGitError("unexpected commit format", errors.ErrOperationFailed).
			WithOp("show").
			WithRepository(w.root).
			WithGitOutput(out)
	}
	authorWhen, _ := time.Parse(time.RFC3339, fields[4])
	committerWhen, _ := time.Parse(time.RFC3339, fields[7])
	return Commit{
		SHA:       fields[0],
		Parents:   strings.Fields(fields[1]),
		Author:    Signature{Name: fields[2], Email: fields[3], When: authorWhen},
		Committer: Signature{Name: fields[5], Email: fields[6], When: committerWhen},
		Message:   strings.TrimRight(fields[8], "\n") + "\n",
	}, nil
}

// Patch returns the unified diff of sha against its first parent.
func (w *Workspace) Patch(sha string) (string, error) {
	return w.gitOutput("show", "--no-color", "--format=", "--patch", "--first-parent", sha)
}

// PatchForPath is like Patch but limited to one path.
func (w *Workspace) PatchForPath(sha, path string) (string, error) {
	return w.gitOutput("show", "--no-color", "--format=", "--patch", "--first-parent", sha, "--", path)
}

// FileAt returns the content of path at rev. ok is false when the path does
// not exist at rev.
func (w *Workspace) FileAt(rev, path string) (content string, ok bool, err error) {
	spec := rev + ":" + filepath.ToSlash(path)
	if _, err := w.executor.Output(w.root, nil, "git", "cat-file", "-e", spec); err != nil {
		return "", false, nil
	}
	out, err := w.gitOutput("cat-file", "blob", spec)
	if err != nil {
		return "", false, err
	}
	return out, true, nil
}

// -----------------------------------------------------------------------------
// Cherry-pick and index
// -----------------------------------------------------------------------------

// CherryPick applies sha to the working tree and index without committing.
// conflicted is true when the pick stopped on conflicts. Any other failure
// is a critical GitError wrapping ErrCherryPickFailed.
func (w *Workspace) CherryPick(sha string) (conflicted bool, err error) {
	out, err := w.executor.Run(w.root, nil, "git", "cherry-pick", "--no-commit", sha)
	if err == nil {
		return false, nil
	}
	output := string(out)
	if strings.Contains(output, "CONFLICT") || strings.Contains(output, "could not apply") {
		return true, nil
	}
	return false, errors.NewGitError("failed to cherry-pick commit "+ShortSHA(sha), errors.ErrCherryPickFailed).
		WithOp("cherry-pick").
		WithRepository(w.root).
		WithGitOutput(output).
		WithSeverity(errors.SeverityCritical)
}

// QuitCherryPick forgets an in-progress cherry-pick without touching the
// index or working tree.
func (w *Workspace) QuitCherryPick() error {
	_, err := w.git("cherry-pick", "--quit")
	return err
}

// ConflictedPaths returns the paths with unmerged index entries.
func (w *Workspace) ConflictedPaths() ([]string, error) {
	out, err := w.gitOutput("diff", "--name-only", "--diff-filter=U", "-z")
	if err != nil {
		return nil, err
	}
	var paths []string
	seen := make(map[string]bool)
	for _, p := range strings.Split(out, "\x00") {
		if p != "" && !seen[p] {
			seen[p] = true
			paths = append(paths, p)
		}
	}
	return paths, nil
}

// Stage adds path to the index, clearing any conflict on it.
func (w *Workspace) Stage(path string) error {
	_, err := w.git("add", "--", path)
	return err
}

// Remove deletes path from the index and the working tree, clearing any
// conflict on it.
func (w *Workspace) Remove(path string) error {
	_, err := w.git("rm", "-f", "-q", "--ignore-unmatch", "--", path)
	return err
}

// WriteTree writes the index as a tree and returns its id.
func (w *Workspace) WriteTree() (string, error) {
	out, err := w.gitOutput("write-tree")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// CommitTree creates a commit object for tree and returns its sha. An empty
// result is a critical error wrapping ErrCommitFailed.
func (w *Workspace) CommitTree(tree string, parents []string, message string, author, committer Signature) (string, error) {
	args := []string{"commit-tree", tree}
	for _, p := range parents {
		args = append(args, "-p", p)
	}
	args = append(args, "-m", strings.TrimRight(message, "\n"))

	env := []string{
		"GIT_AUTHOR_NAME=" + author.Name,
		"GIT_AUTHOR_EMAIL=" + author.Email,
		"GIT_COMMITTER_NAME=" + committer.Name,
		"GIT_COMMITTER_EMAIL=" + committer.Email,
	}
	if !author.When.IsZero() {
		env = append(env, "GIT_AUTHOR_DATE="+gitDate(author.When))
	}
	if !committer.When.IsZero() {
		env = append(env, "GIT_COMMITTER_DATE="+gitDate(committer.When))
	}

	out, err := w.executor.Output(w.root, env, "git", args...)
	sha := strings.TrimSpace(string(out))
	if err != nil || sha == "" {
		cause := errors.ErrCommitFailed
		if err != nil {
			cause = errors.Join(errors.ErrCommitFailed, err)
		}
		return "", errors.NewGitError("failed to create commit", cause).
			WithOp("commit-tree").
			WithRepository(w.root).
			WithSeverity(errors.SeverityCritical)
	}
	return sha, nil
}

// gitDate renders t in git's internal "<unix> <offset>" form.
func gitDate(t time.Time) string {
	return strconv.FormatInt(t.Unix(), 10) + " " + t.Format("-0700")
}

// UpdateHead points HEAD (and the branch it names) at sha.
func (w *Workspace) UpdateHead(sha, reason string) error {
	_, err := w.git("update-ref", "-m", reason, "HEAD", sha)
	return err
}

// ResetHard resets index and working tree to rev.
func (w *Workspace) ResetHard(rev string) error {
	_, err := w.git("reset", "-q", "--hard", rev)
	return err
}

// CheckoutBranch force-creates branch at start and checks it out,
// discarding local changes.
func (w *Workspace) CheckoutBranch(branch, start string) error {
	_, err := w.git("checkout", "-q", "-f", "-B", branch, start)
	return err
}

// Push force-pushes branch to remote.
func (w *Workspace) Push(remote, branch string) error {
	_, err := w.git("push", "-q", "-f", remote, branch+":refs/heads/"+branch)
	return err
}

// -----------------------------------------------------------------------------
// Blame and grep
// -----------------------------------------------------------------------------

// BlameLine is the attribution of one line.
type BlameLine struct {
	SHA     string
	Author  string
	Mail    string
	Summary string
	Text    string
}

// Committed reports whether the line comes from a commit rather than from
// uncommitted changes.
func (b BlameLine) Committed() bool {
	return strings.Trim(b.SHA, "0") != ""
}

// Blame attributes line (1-based) of path at rev. An empty rev blames the
// working tree file.
func (w *Workspace) Blame(rev, path string, line int) (BlameLine, error) {
	args := []string{"blame", "--porcelain", "-L", strconv.Itoa(line) + "," + strconv.Itoa(line)}
	if rev != "" {
		args = append(args, rev)
	}
	args = append(args, "--", path)

	out, err := w.gitOutput(args...)
	if err != nil {
		return BlameLine{}, err
	}
	return parseBlame(out)
}

func parseBlame(out string) (BlameLine, error) {
	var b BlameLine
	for i, line := range strings.Split(out, "\n") {
		if i == 0 {
			if f := strings.Fields(line); len(f) > 0 {
				b.SHA = f[0]
			}
			continue
		}
		switch {
		case strings.HasPrefix(line, "\t"):
			b.Text = line[1:]
		case strings.HasPrefix(line, "author "):
			b.Author = strings.TrimPrefix(line, "author ")
		case strings.HasPrefix(line, "author-mail "):
			b.Mail = strings.Trim(strings.TrimPrefix(line, "author-mail "), "<>")
		case strings.HasPrefix(line, "summary "):
			b.Summary = strings.TrimPrefix(line, "summary ")
		}
	}
	if b.SHA == "" {
		return BlameLine{}, errors.NewGitError("empty blame output", errors.ErrOperationFailed).WithOp("blame")
	}
	return b, nil
}

// GrepMatch is one matching line.
type GrepMatch struct {
	Path string
	Line int
	Text string
}

// Grep searches tracked files under pathspecs for pattern (basic regular
// expression). No match is not an error.
func (w *Workspace) Grep(pattern string, pathspecs []string) ([]GrepMatch, error) {
	args := []string{"grep", "--no-color", "-n", "-I", "-z", "-e", pattern, "--"}
	args = append(args, pathspecs...)

	out, err := w.executor.Output(w.root, nil, "git", args...)
	if err != nil {
		if exitCode(err) == 1 {
			return nil, nil
		}
		return nil, errors.NewGitError("git grep failed", err).
			WithOp("grep").
			WithRepository(w.root)
	}

	var matches []GrepMatch
	for _, line := range strings.Split(string(out), "\n") {
		parts := strings.SplitN(line, "\x00", 3)
		if len(parts) != 3 {
			continue
		}
		n, err := strconv.Atoi(parts[1])
		if err != nil {
			continue
		}
		matches = append(matches, GrepMatch{Path: parts[0], Line: n, Text: parts[2]})
	}
	return matches, nil
}

// -----------------------------------------------------------------------------
// Files
// -----------------------------------------------------------------------------

// Resolve maps a repository-relative path to an absolute path inside the
// working tree. Paths that climb above the root, absolute paths outside
// it, paths into .git and symlinks leading out of the tree fail with
// ErrPathEscape. They are never rebased onto the root.
func (w *Workspace) Resolve(rel string) (string, error) {
	if strings.Contains(rel, "\x00") {
		return "", escapeError("path contains a null character", rel)
	}

	clean := filepath.Clean(filepath.FromSlash(strings.TrimSpace(rel)))
	if filepath.IsAbs(clean) {
		r, err := filepath.Rel(w.root, clean)
		if err != nil {
			return "", escapeError("path escapes repository root", rel)
		}
		clean = r
	}
	if climbs(clean) {
		return "", escapeError("path escapes repository root", rel)
	}
	if first, _, _ := strings.Cut(filepath.ToSlash(clean), "/"); first == ".git" {
		return "", escapeError("path points into the git directory", rel)
	}

	abs := filepath.Join(w.root, clean)
	// Symlinks may still lead outside the tree.
	if real, err := filepath.EvalSymlinks(abs); err == nil {
		r, err := filepath.Rel(w.root, real)
		if err != nil || climbs(r) {
			return "", escapeError("path escapes repository root", rel)
		}
	}
	return abs, nil
}

// climbs reports whether a cleaned relative path leaves its base directory.
func climbs(rel string) bool {
	return rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

func escapeError(msg, rel string) error {
	return errors.NewValidationError(msg).WithField("path").WithValue(rel).WithCause(errors.ErrPathEscape)
}

// Rel returns path relative to the root, in slash form.
func (w *Workspace) Rel(abs string) string {
	r, err := filepath.Rel(w.root, abs)
	if err != nil {
		return abs
	}
	return filepath.ToSlash(r)
}

// Exists reports whether rel names an existing file or directory.
func (w *Workspace) Exists(rel string) bool {
	abs, err := w.Resolve(rel)
	if err != nil {
		return false
	}
	_, err = os.Lstat(abs)
	return err == nil
}

// ReadFile returns the content of a working tree file.
func (w *Workspace) ReadFile(rel string) (string, error) {
	abs, err := w.Resolve(rel)
	if err != nil {
		return "", err
	}
	info, err := os.Stat(abs)
	if err != nil {
		if os.IsNotExist(err) {
			return "", errors.NewNotFoundError("file", rel).WithCause(err)
		}
		return "", err
	}
	if info.IsDir() {
		return "", errors.NewValidationError("is a directory").WithField("path").WithValue(rel)
	}
	content, err := os.ReadFile(abs)
	if err != nil {
		return "", err
	}
	return string(content), nil
}

// WriteFile atomically replaces a working tree file: content goes to a
// temporary file in the same directory which is then renamed over the
// target. The temporary file is removed on failure.
func (w *Workspace) WriteFile(rel, content string) error {
	abs, err := w.Resolve(rel)
	if err != nil {
		return err
	}
	return WriteFileAtomic(abs, []byte(content))
}

// WriteFileAtomic writes data to path through a temporary sibling file,
// keeping the mode of an existing target.
func WriteFileAtomic(path string, data []byte) (err error) {
	mode := os.FileMode(0o644)
	if info, statErr := os.Stat(path); statErr == nil {
		mode = info.Mode().Perm()
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".rllm-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	defer func() {
		if err != nil {
			_ = os.Remove(tmpPath)
		}
	}()

	if _, err = tmp.Write(data); err != nil {
		_ = tmp.Close()
		return err
	}
	if err = tmp.Close(); err != nil {
		return err
	}
	if err = os.Chmod(tmpPath, mode); err != nil {
		return err
	}
	return os.Rename(tmpPath, path)
}
