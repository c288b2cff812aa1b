package agentexec

import (
	"context"
	"os"
)

// Copilot drives the Copilot CLI. Tool access is only granted in apply mode.
type Copilot struct {
	opts Options
}

func NewCopilot(opts Options) *Copilot {
	if opts.Binary == "" {
		opts.Binary = "copilot"
	}
	return &Copilot{opts: opts}
}

func (c *Copilot) Name() string { return "copilot" }

func (c *Copilot) ResolveInvocation(req Request, apply bool) ResolvedInvocation {
	rm := c.opts.resolve(req.Selector)
	cmd := []string{c.opts.Binary, "--prompt-file", req.PromptPath}
	if rm.Model != "" {
		cmd = append(cmd, "--model", rm.Model)
	}
	if apply {
		cmd = append(cmd, "--allow-all-tools")
	}
	cmd = append(cmd, c.opts.ExtraArgs...)

	return ResolvedInvocation{
		Cmd:       cmd,
		Artifacts: baseArtifacts(req, !apply),
		ModelInfo: rm.info(c.Name()),
	}
}

func (c *Copilot) RunText(ctx context.Context, req Request) *ExecResult {
	inv := c.ResolveInvocation(req, false)
	if c.opts.DryRun {
		return dryRunResult(inv, req)
	}
	res := runSubprocess(ctx, inv, req, nil)
	if !res.Failed() && req.OutPath != "" {
		if err := os.WriteFile(req.OutPath, []byte(res.ReadStdout()), 0o644); err != nil {
			res.Success = false
			res.ErrorMessage = err.Error()
		}
	}
	return res
}

func (c *Copilot) RunApply(ctx context.Context, req Request) *ExecResult {
	inv := c.ResolveInvocation(req, true)
	if c.opts.DryRun {
		return dryRunResult(inv, req)
	}
	return runSubprocess(ctx, inv, req, nil)
}
