package agentexec

import (
	"context"
	"fmt"
	"os"
)

// Codex drives the Codex CLI. Text mode runs under a read-only sandbox;
// apply mode uses --full-auto. The final answer is captured via
// --output-last-message.
type Codex struct {
	opts Options
}

func NewCodex(opts Options) *Codex {
	if opts.Binary == "" {
		opts.Binary = "codex"
	}
	return &Codex{opts: opts}
}

func (c *Codex) Name() string { return "codex" }

func (c *Codex) ResolveInvocation(req Request, apply bool) ResolvedInvocation {
	rm := c.opts.resolve(req.Selector)
	cmd := []string{c.opts.Binary, "exec", "--cd", req.Cwd}
	if apply {
		cmd = append(cmd, "--full-auto")
	} else {
		cmd = append(cmd, "--sandbox", "read-only")
	}
	if rm.WebSearch {
		cmd = append(cmd, "--search")
	}
	if rm.Model != "" {
		cmd = append(cmd, "-m", rm.Model)
	} else if rm.Profile != "" {
		cmd = append(cmd, "-p", rm.Profile)
	}
	if rm.ReasoningEffort != "" {
		cmd = append(cmd, "--config", fmt.Sprintf("model_reasoning_effort=%q", rm.ReasoningEffort))
	}
	cmd = append(cmd, "--json")
	if !apply && req.OutPath != "" {
		cmd = append(cmd, "--output-last-message", req.OutPath)
	}
	cmd = append(cmd, c.opts.ExtraArgs...)
	cmd = append(cmd, "@"+req.PromptPath)

	return ResolvedInvocation{
		Cmd:       cmd,
		Artifacts: baseArtifacts(req, !apply),
		ModelInfo: rm.info(c.Name()),
	}
}

func (c *Codex) RunText(ctx context.Context, req Request) *ExecResult {
	inv := c.ResolveInvocation(req, false)
	if c.opts.DryRun {
		return dryRunResult(inv, req)
	}
	res := runSubprocess(ctx, inv, req, nil)
	if !res.Failed() && req.OutPath != "" {
		// The CLI normally writes the file itself; fall back to stdout when a
		// given build doesn't support --output-last-message.
		if _, err := os.Stat(req.OutPath); err != nil {
			_ = os.WriteFile(req.OutPath, []byte(res.ReadStdout()), 0o644)
		}
	}
	return res
}

func (c *Codex) RunApply(ctx context.Context, req Request) *ExecResult {
	inv := c.ResolveInvocation(req, true)
	if c.opts.DryRun {
		return dryRunResult(inv, req)
	}
	return runSubprocess(ctx, inv, req, nil)
}
