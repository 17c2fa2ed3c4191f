package build

import (
	"os/exec"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// GracefulStopTimeout is how long an interrupted build may take to exit
// before its process tree is killed.
const GracefulStopTimeout = 2 * time.Second

// descendantPIDs returns all descendants of pid, children before their
// own children.
func descendantPIDs(pid int) []int {
	if pid <= 0 {
		return nil
	}
	output, err := exec.Command("pgrep", "-P", strconv.Itoa(pid)).Output()
	if err != nil {
		return nil
	}

	var out []int
	for _, line := range strings.Fields(string(output)) {
		child, err := strconv.Atoi(line)
		if err != nil {
			continue
		}
		out = append(out, child)
		out = append(out, descendantPIDs(child)...)
	}
	return out
}

// processAlive checks whether pid exists with kill(pid, 0).
func processAlive(pid int) bool {
	return pid > 0 && syscall.Kill(pid, 0) == nil
}

// killProcessTree sends SIGKILL to pid and its descendants, deepest first.
func killProcessTree(pid int) {
	if pid <= 0 {
		return
	}
	descendants := descendantPIDs(pid)
	for i := len(descendants) - 1; i >= 0; i-- {
		if processAlive(descendants[i]) {
			_ = syscall.Kill(descendants[i], syscall.SIGKILL)
		}
	}
	if processAlive(pid) {
		_ = syscall.Kill(pid, syscall.SIGKILL)
	}
}

// waitForExit polls until pid exits or timeout passes. It reports whether
// the process is gone.
func waitForExit(pid int, timeout time.Duration) bool {
	if !processAlive(pid) {
		return true
	}
	deadline := time.After(timeout)
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-deadline:
			return !processAlive(pid)
		case <-ticker.C:
			if !processAlive(pid) {
				return true
			}
		}
	}
}

// interrupt stops a build started in its own session: SIGINT to the
// process group, then SIGKILL to whatever is left of the tree.
func interrupt(pid int, timeout time.Duration) {
	if pid <= 0 {
		return
	}
	tree := append([]int{pid}, descendantPIDs(pid)...)
	_ = syscall.Kill(-pid, syscall.SIGINT)
	if waitForExit(pid, timeout) {
		return
	}
	for _, p := range tree {
		killProcessTree(p)
	}
}
