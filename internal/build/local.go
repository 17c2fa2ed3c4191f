package build

import (
	"context"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/creack/pty"

	"github.com/snajpa/rllm/internal/errors"
)

// outputDrain bounds how long output is read after a command exits, in
// case a background process keeps the terminal open.
const outputDrain = 2 * time.Second

// termSize is wide enough that compilers do not wrap diagnostics.
var termSize = &pty.Winsize{Rows: 50, Cols: 240}

// Local runs commands with sh -c on this machine, each in its own
// pseudo-terminal.
type Local struct {
	dir string
}

// NewLocal creates a local executor running commands in dir. An empty dir
// means the current directory.
func NewLocal(dir string) (*Local, error) {
	dir = expandHome(dir)
	if dir != "" {
		info, err := os.Stat(dir)
		if err != nil {
			return nil, errors.NewBuildError("build directory unavailable", err).WithHost("local")
		}
		if !info.IsDir() {
			return nil, errors.NewBuildError("build directory is not a directory", nil).WithHost("local")
		}
	}
	return &Local{dir: dir}, nil
}

// Host implements Executor.
func (l *Local) Host() string {
	return "local"
}

// Run implements Executor.
func (l *Local) Run(ctx context.Context, command string, out io.Writer) (int, error) {
	if err := ctx.Err(); err != nil {
		return -1, err
	}

	cmd := exec.Command("sh", "-c", command)
	cmd.Dir = l.dir
	ptmx, err := pty.StartWithSize(cmd, termSize)
	if err != nil {
		return -1, err
	}
	defer func() { _ = ptmx.Close() }()

	copied := make(chan struct{})
	go func() {
		// Reading the terminal ends with EIO once every writer is gone.
		_, _ = io.Copy(out, ptmx)
		close(copied)
	}()

	waited := make(chan error, 1)
	go func() { waited <- cmd.Wait() }()

	var waitErr error
	select {
	case waitErr = <-waited:
	case <-ctx.Done():
		interrupt(cmd.Process.Pid, GracefulStopTimeout)
		<-waited
		return -1, ctx.Err()
	}

	select {
	case <-copied:
	case <-time.After(outputDrain):
	}

	if waitErr != nil {
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			if status := exitErr.ExitCode(); status >= 0 {
				return status, nil
			}
			// Killed by a signal.
			return 128, nil
		}
		return -1, waitErr
	}
	return 0, nil
}

// Close implements Executor.
func (l *Local) Close() error {
	return nil
}

func expandHome(p string) string {
	if p == "~" || strings.HasPrefix(p, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(p, "~"))
		}
	}
	return p
}
