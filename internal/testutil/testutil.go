// Package testutil provides temporary git repositories for rllm tests.
package testutil

import (
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
)

// Identity used for every commit created by the helpers.
const (
	TestName  = "Rllm Test"
	TestEmail = "test@rllm.dev"
)

// SetupTestRepo creates a temporary git repository with one commit on
// branch main. The repository is removed when the test completes.
func SetupTestRepo(t *testing.T) string {
	t.Helper()
	SkipIfNoGit(t)

	dir := t.TempDir()

	mustGit(t, dir, "init", "-q")
	mustGit(t, dir, "config", "user.email", TestEmail)
	mustGit(t, dir, "config", "user.name", TestName)
	mustGit(t, dir, "config", "commit.gpgsign", "false")

	writeFile(t, dir, "README.md", "# Test Repository\n")
	mustGit(t, dir, "add", ".")
	mustGit(t, dir, "commit", "-q", "-m", "Initial commit")

	// Some systems default to master
	mustGit(t, dir, "branch", "-M", "main")

	return dir
}

// SetupTestRepoWithContent creates a test repository and commits files on
// top of the initial commit. files maps relative paths to contents.
func SetupTestRepoWithContent(t *testing.T, files map[string]string) string {
	t.Helper()

	dir := SetupTestRepo(t)
	for path, content := range files {
		writeFile(t, dir, path, content)
	}
	mustGit(t, dir, "add", ".")
	mustGit(t, dir, "commit", "-q", "-m", "Add test files")

	return dir
}

// SetupConflict builds a repository where cherry-picking the returned
// commit onto main conflicts in path. base is committed first, theirs is
// committed on branch "upstream" and ours on main. The repository is left
// on main.
func SetupConflict(t *testing.T, path, base, ours, theirs string) (dir, sha string) {
	t.Helper()

	dir = SetupTestRepoWithContent(t, map[string]string{path: base})
	CreateBranch(t, dir, "upstream")
	CheckoutBranch(t, dir, "upstream")
	CommitFile(t, dir, path, theirs, "Upstream change to "+path)
	sha = Head(t, dir)
	CheckoutBranch(t, dir, "main")
	CommitFile(t, dir, path, ours, "Local change to "+path)

	return dir, sha
}

// CommitFile creates or updates a file and commits it.
func CommitFile(t *testing.T, repoDir, path, content, message string) {
	t.Helper()

	writeFile(t, repoDir, path, content)
	mustGit(t, repoDir, "add", path)
	mustGit(t, repoDir, "commit", "-q", "-m", message)
}

// CreateBranch creates a new branch in the repository.
func CreateBranch(t *testing.T, repoDir, branch string) {
	t.Helper()
	mustGit(t, repoDir, "branch", branch)
}

// CheckoutBranch switches to a branch.
func CheckoutBranch(t *testing.T, repoDir, branch string) {
	t.Helper()
	mustGit(t, repoDir, "checkout", "-q", branch)
}

// Head returns the full sha of HEAD.
func Head(t *testing.T, repoDir string) string {
	t.Helper()
	return Git(t, repoDir, "rev-parse", "HEAD")
}

// GetCommitCount returns the number of commits reachable from HEAD.
func GetCommitCount(t *testing.T, repoDir string) int {
	t.Helper()

	out := Git(t, repoDir, "rev-list", "--count", "HEAD")
	n := 0
	for _, c := range out {
		if c < '0' || c > '9' {
			t.Fatalf("unexpected commit count %q", out)
		}
		n = n*10 + int(c-'0')
	}
	return n
}

// HasUncommittedChanges returns true if the repository has uncommitted changes.
func HasUncommittedChanges(t *testing.T, repoDir string) bool {
	t.Helper()
	return Git(t, repoDir, "status", "--porcelain") != ""
}

// ReadFile returns the content of a file in the working tree.
func ReadFile(t *testing.T, repoDir, path string) string {
	t.Helper()

	content, err := os.ReadFile(filepath.Join(repoDir, path))
	if err != nil {
		t.Fatalf("failed to read %s: %v", path, err)
	}
	return string(content)
}

// Git runs a git command and returns its trimmed stdout, failing the test
// on error.
func Git(t *testing.T, repoDir string, args ...string) string {
	t.Helper()

	cmd := exec.Command("git", args...)
	cmd.Dir = repoDir
	cmd.Env = gitEnv()
	out, err := cmd.Output()
	if err != nil {
		stderr := ""
		if ee, ok := err.(*exec.ExitError); ok {
			stderr = string(ee.Stderr)
		}
		t.Fatalf("git %s: %v\n%s", strings.Join(args, " "), err, stderr)
	}
	return strings.TrimSpace(string(out))
}

// SkipIfNoGit skips the test if git is not installed.
func SkipIfNoGit(t *testing.T) {
	t.Helper()

	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not found in PATH, skipping test")
	}
}

func mustGit(t *testing.T, dir string, args ...string) {
	t.Helper()

	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	cmd.Env = gitEnv()
	if output, err := cmd.CombinedOutput(); err != nil {
		t.Fatalf("git %s: %v\n%s", strings.Join(args, " "), err, output)
	}
}

func writeFile(t *testing.T, dir, path, content string) {
	t.Helper()

	fullPath := filepath.Join(dir, path)
	if err := os.MkdirAll(filepath.Dir(fullPath), 0o755); err != nil {
		t.Fatalf("failed to create directory for %s: %v", path, err)
	}
	if err := os.WriteFile(fullPath, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write file %s: %v", path, err)
	}
}

func gitEnv() []string {
	return append(os.Environ(),
		"GIT_AUTHOR_NAME="+TestName,
		"GIT_AUTHOR_EMAIL="+TestEmail,
		"GIT_COMMITTER_NAME="+TestName,
		"GIT_COMMITTER_EMAIL="+TestEmail,
		"GIT_CONFIG_NOSYSTEM=1",
	)
}
