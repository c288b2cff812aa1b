// Package gate runs external pass/fail quality checks (lint, tests, builds)
// with heartbeat logging and pytest-style count parsing.
package gate

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/davidbarr/foreman/internal/config"
	"github.com/davidbarr/foreman/internal/metrics"
	"github.com/davidbarr/foreman/internal/procutil"
)

// Gate is one configured external check.
type Gate struct {
	Name     string
	Required bool
	Command  string
	Args     []string
}

// Result is the outcome of one gate execution.
type Result struct {
	Name        string `json:"name"`
	OK          bool   `json:"ok"`
	ReturnCode  int    `json:"returncode"`
	DurationMS  int64  `json:"duration_ms"`
	LogPath     string `json:"log_path"`
	TestsFailed *int   `json:"tests_failed,omitempty"`
	TestsTotal  *int   `json:"tests_total,omitempty"`
}

// ErrBinaryMissing marks a gate whose command binary cannot be found.
var ErrBinaryMissing = errors.New("gate binary not found")

// Runner executes gates sequentially with heartbeat lines appended to each
// gate's log while the subprocess is alive.
type Runner struct {
	Gates             []Gate
	HeartbeatInterval time.Duration
	TimeoutSec        int
}

// FromConfig builds the runner from the enabled gate declarations.
func FromConfig(gates []config.GateConfig, timeoutSec int) *Runner {
	r := &Runner{HeartbeatInterval: 30 * time.Second, TimeoutSec: timeoutSec}
	for _, g := range gates {
		if !g.IsEnabled() {
			continue
		}
		r.Gates = append(r.Gates, Gate{
			Name:     g.Name,
			Required: g.IsRequired(),
			Command:  g.Command,
			Args:     append([]string{}, g.Args...),
		})
	}
	return r
}

// Subset returns the gates matching names, all gates when names is empty.
func (r *Runner) Subset(names []string) []Gate {
	if len(names) == 0 {
		return r.Gates
	}
	want := map[string]bool{}
	for _, n := range names {
		want[n] = true
	}
	var out []Gate
	for _, g := range r.Gates {
		if want[g.Name] {
			out = append(out, g)
		}
	}
	return out
}

// Run executes one gate in cwd, capturing stdout+stderr into logPath.
// Gate failures are reported through Result; an error is returned only when
// the log file cannot be created or the command cannot be started
// (ErrBinaryMissing when its binary is missing).
func (r *Runner) Run(ctx context.Context, g Gate, cwd string, logPath string) (Result, error) {
	res := Result{Name: g.Name, LogPath: logPath, ReturnCode: -1}
	if err := os.MkdirAll(filepath.Dir(logPath), 0o755); err != nil {
		return res, err
	}
	logFile, err := os.Create(logPath)
	if err != nil {
		return res, err
	}
	defer func() { _ = logFile.Close() }()
	var logMu sync.Mutex

	timeout := time.Duration(r.TimeoutSec) * time.Second
	runCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	cmd := exec.Command(g.Command, g.Args...)
	cmd.Dir = cwd
	cmd.Stdout = lockedWriter{f: logFile, mu: &logMu}
	cmd.Stderr = lockedWriter{f: logFile, mu: &logMu}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	start := time.Now()
	if err := cmd.Start(); err != nil {
		var execErr *exec.Error
		if errors.As(err, &execErr) {
			return res, fmt.Errorf("%w: %s", ErrBinaryMissing, g.Command)
		}
		return res, err
	}

	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		interval := r.HeartbeatInterval
		if interval <= 0 {
			return
		}
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				logMu.Lock()
				fmt.Fprintf(logFile, "[gate %s] still running, elapsed %ds\n", g.Name, int(time.Since(start).Seconds()))
				logMu.Unlock()
			case <-stop:
				return
			}
		}
	}()

	waitCh := make(chan error, 1)
	go func() { waitCh <- cmd.Wait() }()
	select {
	case <-waitCh:
	case <-runCtx.Done():
		procutil.TerminateGroup(cmd.Process.Pid)
		select {
		case <-waitCh:
		case <-time.After(5 * time.Second):
			procutil.KillGroup(cmd.Process.Pid)
			<-waitCh
		}
	}
	close(stop)
	<-done

	res.DurationMS = time.Since(start).Milliseconds()
	if cmd.ProcessState != nil {
		res.ReturnCode = cmd.ProcessState.ExitCode()
	}
	res.OK = res.ReturnCode == 0 && runCtx.Err() == nil

	if failed, total, ok := metrics.ParsePytestCounts(logTail(logPath, 50)); ok {
		res.TestsFailed = &failed
		res.TestsTotal = &total
	}
	return res, nil
}

// RunAll executes the named subset in order, one gate at a time for
// deterministic log interleaving.
func (r *Runner) RunAll(ctx context.Context, names []string, cwd string, logPathFor func(gate string) string) ([]Result, error) {
	var out []Result
	for _, g := range r.Subset(names) {
		res, err := r.Run(ctx, g, cwd, logPathFor(g.Name))
		if err != nil {
			return out, err
		}
		out = append(out, res)
		if ctx.Err() != nil {
			return out, ctx.Err()
		}
	}
	return out, nil
}

// AllRequiredPassed reports whether every required gate in results is ok.
func AllRequiredPassed(gates []Gate, results []Result) bool {
	required := map[string]bool{}
	for _, g := range gates {
		if g.Required {
			required[g.Name] = true
		}
	}
	for _, res := range results {
		if required[res.Name] && !res.OK {
			return false
		}
	}
	return true
}

// FirstFailure returns the first non-ok result, nil when all passed.
func FirstFailure(results []Result) *Result {
	for i := range results {
		if !results[i].OK {
			return &results[i]
		}
	}
	return nil
}

type lockedWriter struct {
	f  *os.File
	mu *sync.Mutex
}

func (w lockedWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.f.Write(p)
}

// logTail returns the last n lines of a log file.
func logTail(path string, n int) string {
	b, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	lines := strings.Split(strings.TrimRight(string(b), "\n"), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}

// Tail exposes logTail for evidence capture.
func Tail(path string, n int) string { return logTail(path, n) }
