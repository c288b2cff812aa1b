// Package procutil provides process liveness checks and process-group
// signalling for the subprocesses the orchestrator owns.
package procutil

import (
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

// PIDAlive reports whether pid refers to a process a run could still be
// driven by. Reaped pids and zombies count as dead; a pid owned by another
// user (the null signal answers EPERM) counts as alive.
func PIDAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	switch err := syscall.Kill(pid, 0); {
	case err == nil:
	case errors.Is(err, syscall.EPERM):
	default:
		return false
	}
	switch processState(pid) {
	case "Z", "X":
		return false
	}
	return true
}

// processState returns the scheduler state letter for pid, preferring the
// State: line of /proc/<pid>/status and falling back to ps(1) on hosts
// without procfs. Unknown states come back empty and read as live.
func processState(pid int) string {
	if b, err := os.ReadFile(filepath.Join("/proc", strconv.Itoa(pid), "status")); err == nil {
		for _, line := range strings.Split(string(b), "\n") {
			rest, ok := strings.CutPrefix(line, "State:")
			if !ok {
				continue
			}
			if fields := strings.Fields(rest); len(fields) > 0 {
				return fields[0]
			}
			break
		}
		return ""
	}
	out, err := exec.Command("ps", "-o", "state=", "-p", strconv.Itoa(pid)).Output()
	if err != nil {
		return ""
	}
	state := strings.TrimSpace(string(out))
	if state == "" {
		return ""
	}
	return state[:1]
}

// TerminateGroup sends SIGTERM to the process group of pid, falling back to
// the single process when no group exists.
func TerminateGroup(pid int) {
	signalGroup(pid, syscall.SIGTERM)
}

// KillGroup sends SIGKILL to the process group of pid.
func KillGroup(pid int) {
	signalGroup(pid, syscall.SIGKILL)
}

func signalGroup(pid int, sig syscall.Signal) {
	if pid <= 0 {
		return
	}
	if pgid, err := syscall.Getpgid(pid); err == nil && pgid > 0 {
		_ = syscall.Kill(-pgid, sig)
		return
	}
	_ = syscall.Kill(pid, sig)
}
