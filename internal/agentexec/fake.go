package agentexec

import (
	"context"
	"os"
	"path/filepath"
	"strings"
)

// Fake is a scriptable adapter for tests and dry runs. Responses come from
// ResponsesDir: <stage>.md supplies text-mode output, <stage>.sh (run with
// bash in the worktree) scripts apply-mode mutations. The stage name is
// derived from the prompt file name.
type Fake struct {
	opts Options
}

func NewFake(opts Options) *Fake {
	if opts.Binary == "" {
		opts.Binary = "fake-agent"
	}
	return &Fake{opts: opts}
}

func (f *Fake) Name() string { return "fake" }

func (f *Fake) stageFromPrompt(promptPath string) string {
	base := filepath.Base(promptPath)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	// Per-attempt prompts look like "<stage>.attempt-02".
	if i := strings.Index(base, ".attempt-"); i >= 0 {
		base = base[:i]
	}
	return base
}

func (f *Fake) ResolveInvocation(req Request, apply bool) ResolvedInvocation {
	rm := f.opts.resolve(req.Selector)
	stage := f.stageFromPrompt(req.PromptPath)
	cmd := []string{f.opts.Binary, "--stage", stage}
	if apply {
		cmd = append(cmd, "--apply")
	}
	return ResolvedInvocation{
		Cmd:       cmd,
		Artifacts: baseArtifacts(req, !apply),
		ModelInfo: rm.info(f.Name()),
	}
}

func (f *Fake) touchLogs(req Request, stdout string) {
	_ = os.MkdirAll(filepath.Dir(req.Logs.Stdout), 0o755)
	_ = os.WriteFile(req.Logs.Stdout, []byte(stdout), 0o644)
	_ = os.WriteFile(req.Logs.Stderr, nil, 0o644)
}

func (f *Fake) RunText(ctx context.Context, req Request) *ExecResult {
	inv := f.ResolveInvocation(req, false)
	stage := f.stageFromPrompt(req.PromptPath)
	res := &ExecResult{
		ReturnCode: 0,
		StdoutPath: req.Logs.Stdout,
		StderrPath: req.Logs.Stderr,
		Extra:      map[string]any{},
		Success:    true,
		Invocation: &inv,
	}
	text := "fake response for " + stage + "\n"
	if f.opts.ResponsesDir != "" {
		for _, name := range []string{stage + ".md", "default.md"} {
			if b, err := os.ReadFile(filepath.Join(f.opts.ResponsesDir, name)); err == nil {
				text = string(b)
				break
			}
		}
	}
	f.touchLogs(req, text)
	if req.OutPath != "" {
		if err := os.WriteFile(req.OutPath, []byte(text), 0o644); err != nil {
			return failResult(res, err)
		}
	}
	return res
}

func (f *Fake) RunApply(ctx context.Context, req Request) *ExecResult {
	inv := f.ResolveInvocation(req, true)
	stage := f.stageFromPrompt(req.PromptPath)
	if f.opts.ResponsesDir != "" {
		script := filepath.Join(f.opts.ResponsesDir, stage+".sh")
		if _, err := os.Stat(script); err == nil {
			return runSubprocess(ctx, ResolvedInvocation{
				Cmd:       []string{"bash", script},
				Artifacts: inv.Artifacts,
				ModelInfo: inv.ModelInfo,
			}, req, nil)
		}
	}
	f.touchLogs(req, "fake apply for "+stage+"\n")
	return &ExecResult{
		ReturnCode: 0,
		StdoutPath: req.Logs.Stdout,
		StderrPath: req.Logs.Stderr,
		Extra:      map[string]any{},
		Success:    true,
		Invocation: &inv,
	}
}
