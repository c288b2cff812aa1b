package agentexec

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/davidbarr/foreman/internal/procutil"
)

const (
	heartbeatInterval = 30 * time.Second
	killGrace         = 5 * time.Second
)

// runSubprocess executes a resolved invocation with stdout/stderr teed live
// into the log files, heartbeat callbacks, and terminate→kill escalation of
// the whole process group on timeout or cancellation.
func runSubprocess(ctx context.Context, inv ResolvedInvocation, req Request, stdin io.Reader) *ExecResult {
	res := &ExecResult{
		StdoutPath: req.Logs.Stdout,
		StderrPath: req.Logs.Stderr,
		Extra:      map[string]any{},
		Invocation: &inv,
	}
	if len(inv.Cmd) == 0 {
		res.Success = false
		res.ReturnCode = -1
		res.ErrorMessage = "empty invocation"
		return res
	}

	if err := os.MkdirAll(filepath.Dir(req.Logs.Stdout), 0o755); err != nil {
		return failResult(res, err)
	}
	stdoutFile, err := os.Create(req.Logs.Stdout)
	if err != nil {
		return failResult(res, err)
	}
	defer func() { _ = stdoutFile.Close() }()
	stderrFile, err := os.Create(req.Logs.Stderr)
	if err != nil {
		return failResult(res, err)
	}
	defer func() { _ = stderrFile.Close() }()

	timeout := time.Duration(req.TimeoutSec) * time.Second
	runCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	cmd := exec.Command(inv.Cmd[0], inv.Cmd[1:]...)
	cmd.Dir = req.Cwd
	cmd.Env = mergeEnv(os.Environ(), inv.Env)
	cmd.Stdout = stdoutFile
	cmd.Stderr = stderrFile
	if stdin != nil {
		cmd.Stdin = stdin
	} else {
		// Avoid interactive reads if the CLI tries stdin for confirmations.
		cmd.Stdin = strings.NewReader("")
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return failResult(res, err)
	}

	heartbeatStop := make(chan struct{})
	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)
		if req.Heartbeat == nil {
			return
		}
		ticker := time.NewTicker(heartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				req.Heartbeat(int(time.Since(start).Seconds()), fileSize(req.Logs.Stdout), fileSize(req.Logs.Stderr))
			case <-heartbeatStop:
				return
			}
		}
	}()

	waitCh := make(chan error, 1)
	go func() { waitCh <- cmd.Wait() }()

	var waitErr error
	timedOut := false
	select {
	case waitErr = <-waitCh:
	case <-runCtx.Done():
		timedOut = runCtx.Err() == context.DeadlineExceeded
		procutil.TerminateGroup(cmd.Process.Pid)
		select {
		case waitErr = <-waitCh:
		case <-time.After(killGrace):
			procutil.KillGroup(cmd.Process.Pid)
			waitErr = <-waitCh
		}
	}
	close(heartbeatStop)
	<-heartbeatDone

	res.ReturnCode = -1
	if cmd.ProcessState != nil {
		res.ReturnCode = cmd.ProcessState.ExitCode()
	}
	switch {
	case timedOut:
		res.Success = false
		res.ErrorMessage = fmt.Sprintf("timed out after %ds", req.TimeoutSec)
	case runCtx.Err() == context.Canceled:
		res.Success = false
		res.ErrorMessage = "cancelled"
	case waitErr != nil:
		res.Success = false
		res.ErrorMessage = waitErr.Error()
	default:
		res.Success = res.ReturnCode == 0
		if !res.Success {
			res.ErrorMessage = fmt.Sprintf("exit status %d", res.ReturnCode)
		}
	}
	return res
}

func failResult(res *ExecResult, err error) *ExecResult {
	res.Success = false
	res.ReturnCode = -1
	res.ErrorMessage = err.Error()
	return res
}

func fileSize(path string) int64 {
	info, err := os.Stat(path)
	if err != nil {
		return 0
	}
	return info.Size()
}

func mergeEnv(base []string, overrides map[string]string) []string {
	if len(overrides) == 0 {
		return base
	}
	out := make([]string, 0, len(base)+len(overrides))
	for _, kv := range base {
		key := kv
		if i := strings.IndexByte(kv, '='); i >= 0 {
			key = kv[:i]
		}
		if _, ok := overrides[key]; ok {
			continue
		}
		out = append(out, kv)
	}
	for k, v := range overrides {
		out = append(out, k+"="+v)
	}
	return out
}

// dryRunResult touches the log files and reports success without executing.
func dryRunResult(inv ResolvedInvocation, req Request) *ExecResult {
	_ = os.MkdirAll(filepath.Dir(req.Logs.Stdout), 0o755)
	_ = os.WriteFile(req.Logs.Stdout, []byte("[dry-run] command not executed\n"), 0o644)
	_ = os.WriteFile(req.Logs.Stderr, nil, 0o644)
	if req.OutPath != "" {
		_ = os.WriteFile(req.OutPath, []byte("[dry-run] no output\n"), 0o644)
	}
	return &ExecResult{
		ReturnCode: 0,
		StdoutPath: req.Logs.Stdout,
		StderrPath: req.Logs.Stderr,
		Extra:      map[string]any{"dry_run": true},
		Success:    true,
		Invocation: &inv,
	}
}
