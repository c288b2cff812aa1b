package agentexec

import (
	"context"
	"encoding/json"
	"os"
	"strings"
)

// Gemini drives the Gemini CLI. Apply mode auto-approves edits via
// --approval-mode yolo; text mode relies on the CLI refusing edits without
// approval. Output is requested as JSON so the final response and token
// usage can be parsed from stdout.
type Gemini struct {
	opts Options
}

func NewGemini(opts Options) *Gemini {
	if opts.Binary == "" {
		opts.Binary = "gemini"
	}
	return &Gemini{opts: opts}
}

func (g *Gemini) Name() string { return "gemini" }

func (g *Gemini) ResolveInvocation(req Request, apply bool) ResolvedInvocation {
	rm := g.opts.resolve(req.Selector)
	cmd := []string{g.opts.Binary}
	if rm.Model != "" {
		cmd = append(cmd, "--model", rm.Model)
	}
	if apply {
		cmd = append(cmd, "--approval-mode", "yolo")
	}
	format := g.opts.OutputFormat
	if format == "" {
		format = "json"
	}
	cmd = append(cmd, "--output-format", format)
	cmd = append(cmd, g.opts.ExtraArgs...)
	cmd = append(cmd, "--prompt", "@"+req.PromptPath)

	return ResolvedInvocation{
		Cmd:       cmd,
		Artifacts: baseArtifacts(req, !apply),
		ModelInfo: rm.info(g.Name()),
	}
}

type geminiOutput struct {
	Response string         `json:"response"`
	Usage    map[string]any `json:"usage"`
}

func (g *Gemini) RunText(ctx context.Context, req Request) *ExecResult {
	inv := g.ResolveInvocation(req, false)
	if g.opts.DryRun {
		return dryRunResult(inv, req)
	}
	res := runSubprocess(ctx, inv, req, nil)
	if res.Failed() || req.OutPath == "" {
		return res
	}
	text := res.ReadStdout()
	var doc geminiOutput
	if err := json.Unmarshal([]byte(strings.TrimSpace(text)), &doc); err == nil && doc.Response != "" {
		text = doc.Response
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

func (g *Gemini) RunApply(ctx context.Context, req Request) *ExecResult {
	inv := g.ResolveInvocation(req, true)
	if g.opts.DryRun {
		return dryRunResult(inv, req)
	}
	return runSubprocess(ctx, inv, req, nil)
}
