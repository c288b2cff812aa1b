package agentexec

import (
	"context"
	"encoding/json"
	"os"
	"strings"
)

// ClaudeCode drives the Claude Code CLI in --print mode. Text mode pins
// --permission-mode plan (no edits); apply mode uses acceptEdits. The prompt
// is streamed over stdin.
type ClaudeCode struct {
	opts Options
}

func NewClaudeCode(opts Options) *ClaudeCode {
	if opts.Binary == "" {
		opts.Binary = "claude"
	}
	return &ClaudeCode{opts: opts}
}

func (c *ClaudeCode) Name() string { return "claude_code" }

func (c *ClaudeCode) ResolveInvocation(req Request, apply bool) ResolvedInvocation {
	rm := c.opts.resolve(req.Selector)
	cmd := []string{c.opts.Binary, "--print"}
	if rm.Model != "" {
		cmd = append(cmd, "--model", rm.Model)
	}
	if apply {
		cmd = append(cmd, "--permission-mode", "acceptEdits")
	} else {
		cmd = append(cmd, "--permission-mode", "plan")
	}
	format := c.opts.OutputFormat
	if format == "" {
		format = "json"
	}
	cmd = append(cmd, "--output-format", format)
	cmd = append(cmd, c.opts.ExtraArgs...)

	return ResolvedInvocation{
		Cmd:       cmd,
		Artifacts: baseArtifacts(req, !apply),
		ModelInfo: rm.info(c.Name()),
	}
}

type claudeOutput struct {
	Result string         `json:"result"`
	Usage  map[string]any `json:"usage"`
}

func (c *ClaudeCode) run(ctx context.Context, req Request, apply bool) *ExecResult {
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

func (c *ClaudeCode) RunText(ctx context.Context, req Request) *ExecResult {
	res := c.run(ctx, req, false)
	if res.Failed() || req.OutPath == "" {
		return res
	}
	text := res.ReadStdout()
	var doc claudeOutput
	if err := json.Unmarshal([]byte(strings.TrimSpace(text)), &doc); err == nil && doc.Result != "" {
		text = doc.Result
		if doc.Usage != nil {
			res.Extra["usage"] = doc.Usage
		}
	}
	if err := os.WriteFile(req.OutPath, []byte(text), 0o644); err != nil {
		res.Success = false
		res.ErrorMessage = err.Error()
	}
	return res
}

func (c *ClaudeCode) RunApply(ctx context.Context, req Request) *ExecResult {
	return c.run(ctx, req, true)
}
