package workspace

import (
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/snajpa/rllm/internal/errors"
	"github.com/snajpa/rllm/internal/testutil"
)

// -----------------------------------------------------------------------------
// Mock Command Executor for Unit Tests
// -----------------------------------------------------------------------------

type mockCall struct {
	dir  string
	env  []string
	name string
	args []string
}

type mockExecutor struct {
	calls   []mockCall
	outputs [][]byte
	errs    []error
	idx     int
}

func (m *mockExecutor) addResponse(output string, err error) {
	m.outputs = append(m.outputs, []byte(output))
	m.errs = append(m.errs, err)
}

func (m *mockExecutor) next(dir string, env []string, name string, args []string) ([]byte, error) {
	m.calls = append(m.calls, mockCall{dir: dir, env: env, name: name, args: args})
	i := m.idx
	m.idx++
	if i < len(m.outputs) {
		return m.outputs[i], m.errs[i]
	}
	return nil, nil
}

func (m *mockExecutor) Run(dir string, env []string, name string, args ...string) ([]byte, error) {
	return m.next(dir, env, name, args)
}

func (m *mockExecutor) Output(dir string, env []string, name string, args ...string) ([]byte, error) {
	return m.next(dir, env, name, args)
}

func newMockWorkspace(t *testing.T) (*Workspace, *mockExecutor) {
	t.Helper()
	m := &mockExecutor{}
	m.addResponse("/repo\n", nil)
	ws, err := OpenWithExecutor("/repo", m)
	if err != nil {
		t.Fatalf("OpenWithExecutor failed: %v", err)
	}
	return ws, m
}

// -----------------------------------------------------------------------------
// Unit tests
// -----------------------------------------------------------------------------

func TestOpenWithExecutor_NotARepository(t *testing.T) {
	m := &mockExecutor{}
	m.addResponse("", exec.ErrNotFound)

	_, err := OpenWithExecutor("/nowhere", m)
	if !errors.Is(err, errors.ErrNotGitRepository) {
		t.Errorf("OpenWithExecutor() error = %v, want ErrNotGitRepository", err)
	}
}

func TestCherryPick_NonConflictFailureIsFatal(t *testing.T) {
	ws, m := newMockWorkspace(t)
	m.addResponse("fatal: bad object deadbeef\n", exec.ErrNotFound)

	conflicted, err := ws.CherryPick("deadbeef")
	if conflicted {
		t.Error("conflicted = true for a non-conflict failure")
	}
	if !errors.Is(err, errors.ErrCherryPickFailed) {
		t.Errorf("error = %v, want ErrCherryPickFailed", err)
	}
	if !errors.IsFatal(err) {
		t.Error("cherry-pick failure should be fatal")
	}
}

func TestCherryPick_ConflictOutput(t *testing.T) {
	ws, m := newMockWorkspace(t)
	m.addResponse("error: could not apply 1234567... change\nCONFLICT (content): Merge conflict in a.c\n", exec.ErrNotFound)

	conflicted, err := ws.CherryPick("1234567")
	if err != nil || !conflicted {
		t.Errorf("CherryPick() = (%v, %v), want (true, nil)", conflicted, err)
	}
	got := strings.Join(m.calls[1].args, " ")
	if got != "cherry-pick --no-commit 1234567" {
		t.Errorf("git args = %q", got)
	}
}

func TestCommitTree_EmptyOutputFails(t *testing.T) {
	ws, m := newMockWorkspace(t)
	m.addResponse("", nil)

	when := time.Date(2025, 1, 2, 3, 4, 5, 0, time.FixedZone("", 3600))
	_, err := ws.CommitTree("tree", []string{"p1"}, "msg\n", Signature{Name: "A", Email: "a@x", When: when}, Signature{Name: "C", Email: "c@x"})
	if !errors.Is(err, errors.ErrCommitFailed) {
		t.Fatalf("error = %v, want ErrCommitFailed", err)
	}

	call := m.calls[1]
	if strings.Join(call.args, " ") != "commit-tree tree -p p1 -m msg" {
		t.Errorf("args = %v", call.args)
	}
	var foundDate bool
	for _, e := range call.env {
		if e == "GIT_AUTHOR_DATE=1735783445 +0100" {
			foundDate = true
		}
		if strings.HasPrefix(e, "GIT_COMMITTER_DATE=") {
			t.Errorf("zero committer time should not set %s", e)
		}
	}
	if !foundDate {
		t.Errorf("author date missing from env %v", call.env)
	}
}

func TestParseBlame(t *testing.T) {
	out := "0bc21e701a6f99d9e0b0c1c2c3c4c5c6c7c8c9c0 4 4 1\n" +
		"author Jane Hacker\n" +
		"author-mail <jane@example.org>\n" +
		"author-time 1700000000\n" +
		"summary mm: fix the thing\n" +
		"filename mm/a.c\n" +
		"\tint x = 1;\n"

	b, err := parseBlame(out)
	if err != nil {
		t.Fatal(err)
	}
	if b.Author != "Jane Hacker" || b.Mail != "jane@example.org" || b.Summary != "mm: fix the thing" || b.Text != "int x = 1;" {
		t.Errorf("parseBlame() = %+v", b)
	}
	if !b.Committed() {
		t.Error("Committed() = false")
	}
	if (BlameLine{SHA: strings.Repeat("0", 40)}).Committed() {
		t.Error("zero sha reported as committed")
	}
}

func TestShortSHA(t *testing.T) {
	if got := ShortSHA("0123456789abcdef"); got != "0123456789ab" {
		t.Errorf("ShortSHA() = %q", got)
	}
	if got := ShortSHA("abc"); got != "abc" {
		t.Errorf("ShortSHA() = %q", got)
	}
}

// -----------------------------------------------------------------------------
// Integration tests against real repositories
// -----------------------------------------------------------------------------

const tenLines = "l1\nl2\nl3\nX\nl5\nl6\nl7\nl8\nl9\nl10\n"

func TestWorkspace_CherryPickConflict(t *testing.T) {
	dir, sha := testutil.SetupConflict(t, "small.txt", tenLines,
		strings.Replace(tenLines, "X", "A", 1),
		strings.Replace(tenLines, "X", "B", 1))

	ws, err := Open(dir)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	conflicted, err := ws.CherryPick(sha)
	if err != nil || !conflicted {
		t.Fatalf("CherryPick() = (%v, %v), want conflict", conflicted, err)
	}
	paths, err := ws.ConflictedPaths()
	if err != nil {
		t.Fatal(err)
	}
	if len(paths) != 1 || paths[0] != "small.txt" {
		t.Fatalf("ConflictedPaths() = %v", paths)
	}

	if err := ws.WriteFile("small.txt", strings.Replace(tenLines, "X", "B", 1)); err != nil {
		t.Fatal(err)
	}
	if err := ws.Stage("small.txt"); err != nil {
		t.Fatal(err)
	}
	if paths, _ := ws.ConflictedPaths(); len(paths) != 0 {
		t.Fatalf("conflicts left after Stage: %v", paths)
	}

	tree, err := ws.WriteTree()
	if err != nil {
		t.Fatal(err)
	}
	head, err := ws.Head()
	if err != nil {
		t.Fatal(err)
	}
	info, err := ws.CommitInfo(sha)
	if err != nil {
		t.Fatal(err)
	}
	if info.Subject() != "Upstream change to small.txt" || info.Author.Email != testutil.TestEmail {
		t.Errorf("CommitInfo() = %+v", info)
	}

	newSHA, err := ws.CommitTree(tree, []string{head}, info.Message+"\nPorted-by: rllm\n", info.Author, info.Committer)
	if err != nil {
		t.Fatal(err)
	}
	if err := ws.UpdateHead(newSHA, "test"); err != nil {
		t.Fatal(err)
	}
	if err := ws.ResetHard(newSHA); err != nil {
		t.Fatal(err)
	}
	_ = ws.QuitCherryPick()

	if got := testutil.Head(t, dir); got != newSHA {
		t.Errorf("HEAD = %s, want %s", got, newSHA)
	}
	if testutil.HasUncommittedChanges(t, dir) {
		t.Error("working tree dirty after commit")
	}
	msg := testutil.Git(t, dir, "log", "-1", "--format=%B")
	if !strings.HasSuffix(msg, "Ported-by: rllm") {
		t.Errorf("commit message = %q", msg)
	}
}

func TestWorkspace_RevListAndPatch(t *testing.T) {
	dir := testutil.SetupTestRepoWithContent(t, map[string]string{"a.c": "int a;\n"})
	base := testutil.Head(t, dir)
	testutil.CommitFile(t, dir, "a.c", "int a;\nint b;\n", "add b")
	testutil.CommitFile(t, dir, "b.c", "int c;\n", "add c")

	ws, err := Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	shas, err := ws.RevList(base + "..HEAD")
	if err != nil {
		t.Fatal(err)
	}
	if len(shas) != 2 {
		t.Fatalf("RevList() = %v", shas)
	}

	patch, err := ws.Patch(shas[0])
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(patch, "+int b;") {
		t.Errorf("Patch() = %q", patch)
	}

	content, ok, err := ws.FileAt(shas[0], "a.c")
	if err != nil || !ok || content != "int a;\nint b;\n" {
		t.Errorf("FileAt() = (%q, %v, %v)", content, ok, err)
	}
	if _, ok, err := ws.FileAt(shas[0], "b.c"); ok || err != nil {
		t.Errorf("FileAt(missing) = (%v, %v)", ok, err)
	}

	if _, err := ws.RevParse("no-such-branch"); err == nil {
		t.Error("RevParse(unknown) succeeded")
	}
}

func TestWorkspace_GrepAndBlame(t *testing.T) {
	dir := testutil.SetupTestRepoWithContent(t, map[string]string{
		"src/a.c": "int alpha;\nint beta;\n",
		"src/b.c": "int gamma;\n",
	})
	ws, err := Open(dir)
	if err != nil {
		t.Fatal(err)
	}

	matches, err := ws.Grep("beta", []string{"src"})
	if err != nil {
		t.Fatal(err)
	}
	if len(matches) != 1 || matches[0].Path != "src/a.c" || matches[0].Line != 2 {
		t.Errorf("Grep() = %+v", matches)
	}

	none, err := ws.Grep("delta", []string{"."})
	if err != nil || len(none) != 0 {
		t.Errorf("Grep(no match) = (%v, %v)", none, err)
	}

	b, err := ws.Blame("", "src/a.c", 2)
	if err != nil {
		t.Fatal(err)
	}
	if b.Summary != "Add test files" || b.Text != "int beta;" {
		t.Errorf("Blame() = %+v", b)
	}
}

func TestWorkspace_Resolve(t *testing.T) {
	dir := testutil.SetupTestRepoWithContent(t, map[string]string{"a/b.txt": "x\n"})
	ws, err := Open(dir)
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		path    string
		wantErr bool
	}{
		{"a/b.txt", false},
		{filepath.Join(ws.Root(), "a", "b.txt"), false},
		{".", false},
		{"", false},
		{"a/../a/b.txt", false},
		{"../outside", true},
		{"../" + filepath.Base(ws.Root()) + "/a/b.txt", true},
		{"a/../../a/b.txt", true},
		{"/a/b.txt", true},
		{".git/config", true},
		{"a/../.git/config", true},
		{"a\x00b", true},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			abs, err := ws.Resolve(tt.path)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Resolve(%q) error = %v, wantErr %v", tt.path, err, tt.wantErr)
			}
			if err == nil && !strings.HasPrefix(abs, ws.Root()) {
				t.Errorf("Resolve(%q) = %q outside root", tt.path, abs)
			}
			if err != nil && !errors.Is(err, errors.ErrPathEscape) {
				t.Errorf("Resolve(%q) error does not wrap ErrPathEscape: %v", tt.path, err)
			}
		})
	}

	t.Run("symlink out of tree", func(t *testing.T) {
		outside := t.TempDir()
		if err := os.Symlink(outside, filepath.Join(dir, "link")); err != nil {
			t.Skip("symlinks unsupported")
		}
		if _, err := ws.Resolve("link"); !errors.Is(err, errors.ErrPathEscape) {
			t.Errorf("Resolve(link) error = %v", err)
		}
	})
}

func TestWorkspace_ReadWriteFile(t *testing.T) {
	dir := testutil.SetupTestRepoWithContent(t, map[string]string{"a/b.txt": "x\n"})
	ws, err := Open(dir)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := ws.ReadFile("missing.txt"); !errors.Is(err, &errors.NotFoundError{}) {
		t.Errorf("ReadFile(missing) error = %v", err)
	}
	if _, err := ws.ReadFile("a"); err == nil {
		t.Error("ReadFile(directory) succeeded")
	}

	if err := os.Chmod(filepath.Join(dir, "a/b.txt"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := ws.WriteFile("a/b.txt", "y\n"); err != nil {
		t.Fatal(err)
	}
	got, err := ws.ReadFile("a/b.txt")
	if err != nil || got != "y\n" {
		t.Errorf("ReadFile() = (%q, %v)", got, err)
	}
	info, err := os.Stat(filepath.Join(dir, "a/b.txt"))
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0o755 {
		t.Errorf("mode = %v, want 0755", info.Mode().Perm())
	}

	entries, err := os.ReadDir(filepath.Join(dir, "a"))
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Errorf("temporary files left behind: %v", entries)
	}
}

func TestWriteFileAtomic_FailureRemovesTemp(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "sub")
	if err := os.Mkdir(target, 0o755); err != nil {
		t.Fatal(err)
	}
	// Renaming a file over a non-empty directory fails.
	if err := os.WriteFile(filepath.Join(target, "keep"), nil, 0o644); err != nil {
		t.Fatal(err)
	}

	if err := WriteFileAtomic(target, []byte("data")); err == nil {
		t.Fatal("WriteFileAtomic over a directory succeeded")
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Errorf("temporary file not removed: %v", entries)
	}
}
