package agentexec

import (
	"context"
	"os"
	"strings"
)

// Cursor drives the Cursor agent CLI in print mode with the prompt on stdin.
// Apply mode passes --force so edits are written without confirmation.
type Cursor struct {
	opts Options
}

func NewCursor(opts Options) *Cursor {
	if opts.Binary == "" {
		opts.Binary = "cursor-agent"
	}
	return &Cursor{opts: opts}
}

func (c *Cursor) Name() string { return "cursor" }

func (c *Cursor) ResolveInvocation(req Request, apply bool) ResolvedInvocation {
	rm := c.opts.resolve(req.Selector)
	cmd := []string{c.opts.Binary, "agent", "--print"}
	if rm.Model != "" {
		cmd = append(cmd, "--model", rm.Model)
	}
	if apply {
		cmd = append(cmd, "--force")
	}
	cmd = append(cmd, c.opts.ExtraArgs...)

	return ResolvedInvocation{
		Cmd:       cmd,
		Artifacts: baseArtifacts(req, !apply),
		ModelInfo: rm.info(c.Name()),
	}
}

func (c *Cursor) run(ctx context.Context, req Request, apply bool) *ExecResult {
	inv := c.ResolveInvocation(req, apply)
	if c.opts.DryRun {
		return dryRunResult(inv, req)
	}
	prompt, err := os.ReadFile(req.PromptPath)
	if err != nil {
		return failResult(&ExecResult{
			StdoutPath: req.Logs.Stdout,
			StderrPath: req.Logs.Stderr,
			Extra:      map[string]any{},
			Invocation: &inv,
		}, err)
	}
	return runSubprocess(ctx, inv, req, strings.NewReader(string(prompt)))
}

func (c *Cursor) RunText(ctx context.Context, req Request) *ExecResult {
	res := c.run(ctx, req, false)
	if !res.Failed() && req.OutPath != "" {
		if err := os.WriteFile(req.OutPath, []byte(res.ReadStdout()), 0o644); err != nil {
			res.Success = false
			res.ErrorMessage = err.Error()
		}
	}
	return res
}

func (c *Cursor) RunApply(ctx context.Context, req Request) *ExecResult {
	return c.run(ctx, req, true)
}
