// Package agentexec wraps external code-generation CLI agents behind a
// uniform adapter contract: text mode (agent answers into a file, worktree
// read-only) and apply mode (agent mutates the worktree).
package agentexec

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
)

// LogPaths names the stdout/stderr capture files for one invocation.
type LogPaths struct {
	Stdout string
	Stderr string
}

// ResolvedInvocation fully describes a subprocess before execution: argv,
// extra env, produced artifacts, and the model metadata used for meta.json.
type ResolvedInvocation struct {
	Cmd       []string          `json:"cmd"`
	Env       map[string]string `json:"env,omitempty"`
	Artifacts map[string]string `json:"artifacts,omitempty"`
	ModelInfo map[string]string `json:"model_info,omitempty"`
}

// ModelSelector is the resolved model choice passed to an adapter. At most
// one of Model and Profile is set.
type ModelSelector struct {
	Model           string
	Profile         string
	ReasoningEffort string
	WebSearch       bool
}

// Request carries the per-invocation inputs shared by both modes.
type Request struct {
	Cwd        string
	PromptPath string
	OutPath    string // text mode only
	Logs       LogPaths
	TimeoutSec int
	Selector   ModelSelector
	// Heartbeat, when set, is called periodically while the subprocess runs.
	Heartbeat func(elapsedSec int, stdoutBytes int64, stderrBytes int64)
}

// Adapter is the uniform contract over one agent CLI.
type Adapter interface {
	Name() string
	// ResolveInvocation returns the exact subprocess this request would run,
	// without executing. apply selects mutate mode.
	ResolveInvocation(req Request, apply bool) ResolvedInvocation
	// RunText invokes the agent read-only; the final answer lands in
	// req.OutPath.
	RunText(ctx context.Context, req Request) *ExecResult
	// RunApply invokes the agent with permission to mutate req.Cwd.
	RunApply(ctx context.Context, req Request) *ExecResult
}

// ExecResult is the outcome of one adapter invocation.
type ExecResult struct {
	ReturnCode   int
	StdoutPath   string
	StderrPath   string
	Extra        map[string]any
	Success      bool
	ErrorMessage string
	Invocation   *ResolvedInvocation
}

// Failed reports whether the invocation failed.
func (r *ExecResult) Failed() bool {
	return r == nil || !r.Success || r.ReturnCode != 0
}

func (r *ExecResult) readLog(path string) string {
	b, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return string(b)
}

// ReadStdout returns the captured stdout, empty when absent.
func (r *ExecResult) ReadStdout() string { return r.readLog(r.StdoutPath) }

// ReadStderr returns the captured stderr, empty when absent.
func (r *ExecResult) ReadStderr() string { return r.readLog(r.StderrPath) }

// combinedErrorText lowercases stdout+stderr+error message for marker scans.
func (r *ExecResult) combinedErrorText() string {
	return strings.ToLower(r.ReadStdout() + "\n" + r.ReadStderr() + "\n" + r.ErrorMessage)
}

var quotaMarkers = []string{
	"quota",
	"rate limit",
	"too many requests",
	"429",
	"capacity",
	"resource_exhausted",
	"resource exhausted",
	"model_capacity_exhausted",
}

// IsQuotaError reports whether the failure looks quota/capacity related.
func (r *ExecResult) IsQuotaError() bool {
	if !r.Failed() {
		return false
	}
	text := r.combinedErrorText()
	for _, m := range quotaMarkers {
		if strings.Contains(text, m) {
			return true
		}
	}
	return false
}

var modelUnavailableMarkers = []string{
	"model not found",
	"model does not exist",
	"unknown model",
	"invalid model",
	"not available",
}

// IsModelUnavailableError reports whether the named model was rejected by
// the agent's service.
func (r *ExecResult) IsModelUnavailableError() bool {
	if !r.Failed() {
		return false
	}
	text := r.combinedErrorText()
	for _, m := range modelUnavailableMarkers {
		if strings.Contains(text, m) {
			return true
		}
	}
	return false
}

var transientMarkers = []string{
	"timed out",
	"timeout",
	"5xx server error",
	"500 internal server error",
	"502 bad gateway",
	"503 service unavailable",
	"504 gateway timeout",
	"connection reset",
	"overloaded",
}

// IsTransientError reports whether the failure is worth retrying (quota,
// rate limits, timeouts, transport-level flakes).
func (r *ExecResult) IsTransientError() bool {
	if !r.Failed() {
		return false
	}
	if r.IsQuotaError() {
		return true
	}
	text := r.combinedErrorText()
	for _, m := range transientMarkers {
		if strings.Contains(text, m) {
			return true
		}
	}
	return false
}

// TransientDetail names the first marker that classified the failure; empty
// when none matched. Recorded as error_info.details on the stage record.
func (r *ExecResult) TransientDetail() string {
	if !r.Failed() {
		return ""
	}
	text := r.combinedErrorText()
	for _, m := range append(append([]string{}, quotaMarkers...), transientMarkers...) {
		if strings.Contains(text, m) {
			return m
		}
	}
	return ""
}

var (
	retryAfterRe  = regexp.MustCompile(`retry after (\d+)\s*s`)
	waitSecondsRe = regexp.MustCompile(`wait (\d+) seconds?`)
	resetInRe     = regexp.MustCompile(`reset in (?:(\d+)h\s*)?(?:(\d+)m\s*)?(?:(\d+)s)?`)
)

// RetryAfterSeconds extracts a wait hint from the error output. Returns the
// largest hint found, or -1 when none is present.
func (r *ExecResult) RetryAfterSeconds() int {
	text := r.combinedErrorText()
	best := -1
	for _, m := range retryAfterRe.FindAllStringSubmatch(text, -1) {
		if n, err := strconv.Atoi(m[1]); err == nil && n > best {
			best = n
		}
	}
	for _, m := range waitSecondsRe.FindAllStringSubmatch(text, -1) {
		if n, err := strconv.Atoi(m[1]); err == nil && n > best {
			best = n
		}
	}
	for _, m := range resetInRe.FindAllStringSubmatch(text, -1) {
		total := 0
		any := false
		for i, mult := range []int{3600, 60, 1} {
			if m[i+1] != "" {
				n, err := strconv.Atoi(m[i+1])
				if err != nil {
					continue
				}
				total += n * mult
				any = true
			}
		}
		if any && total > best {
			best = total
		}
	}
	return best
}

// TokenUsage is the parsed token accounting of one invocation.
type TokenUsage struct {
	Input  int
	Output int
	Total  int
}

var (
	inputTokensRe  = regexp.MustCompile(`(?i)(?:input|prompt)[_\s]?tokens?[:\s]+([\d,]+)`)
	outputTokensRe = regexp.MustCompile(`(?i)(?:output|completion)[_\s]?tokens?[:\s]+([\d,]+)`)
	totalTokensRe  = regexp.MustCompile(`(?i)total[_\s]?tokens?[:\s]+([\d,]+)`)
)

type usageDoc struct {
	Usage struct {
		InputTokens      int `json:"input_tokens"`
		PromptTokens     int `json:"prompt_tokens"`
		OutputTokens     int `json:"output_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

// TokenUsage extracts token counts from extra data or the stdout stream.
// Supports both JSON usage objects and plain-text token lines.
func (r *ExecResult) TokenUsage() *TokenUsage {
	if r == nil {
		return nil
	}
	if r.Extra != nil {
		if u, ok := r.Extra["usage"].(map[string]any); ok {
			in := intFromAny(u["input_tokens"]) + intFromAny(u["prompt_tokens"])
			out := intFromAny(u["output_tokens"]) + intFromAny(u["completion_tokens"])
			if in > 0 || out > 0 {
				return &TokenUsage{Input: in, Output: out, Total: in + out}
			}
		}
	}
	stdout := r.ReadStdout()
	for _, line := range strings.Split(stdout, "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "{") {
			continue
		}
		var doc usageDoc
		if err := json.Unmarshal([]byte(line), &doc); err != nil {
			continue
		}
		in := doc.Usage.InputTokens + doc.Usage.PromptTokens
		out := doc.Usage.OutputTokens + doc.Usage.CompletionTokens
		if in > 0 || out > 0 {
			return &TokenUsage{Input: in, Output: out, Total: in + out}
		}
	}
	usage := TokenUsage{}
	if m := inputTokensRe.FindStringSubmatch(stdout); m != nil {
		usage.Input = atoiCommas(m[1])
	}
	if m := outputTokensRe.FindStringSubmatch(stdout); m != nil {
		usage.Output = atoiCommas(m[1])
	}
	if m := totalTokensRe.FindStringSubmatch(stdout); m != nil {
		usage.Total = atoiCommas(m[1])
	}
	if usage.Input == 0 && usage.Output == 0 && usage.Total == 0 {
		return nil
	}
	if usage.Total == 0 {
		usage.Total = usage.Input + usage.Output
	}
	return &usage
}

// ModelUsed returns the model the invocation actually ran with, when known.
func (r *ExecResult) ModelUsed() string {
	if r == nil {
		return ""
	}
	if r.Invocation != nil {
		if m := r.Invocation.ModelInfo["model"]; m != "" {
			return m
		}
	}
	if r.Extra != nil {
		for _, k := range []string{"model", "model_id"} {
			if m, ok := r.Extra[k].(string); ok && m != "" {
				return m
			}
		}
	}
	return ""
}

func intFromAny(v any) int {
	switch t := v.(type) {
	case float64:
		return int(t)
	case int:
		return t
	case json.Number:
		n, _ := t.Int64()
		return int(n)
	default:
		return 0
	}
}

func atoiCommas(s string) int {
	n, _ := strconv.Atoi(strings.ReplaceAll(s, ",", ""))
	return n
}

// Options is the shared adapter construction surface.
type Options struct {
	Binary                 string
	ExtraArgs              []string
	DryRun                 bool
	DefaultModel           string
	DefaultProfile         string
	DefaultReasoningEffort string
	// OutputFormat overrides the machine-readable output flag for CLIs that
	// support one (gemini, claude_code). Empty means json.
	OutputFormat string
	// ResponsesDir scripts the fake adapter.
	ResponsesDir string
}

// resolvedModel merges adapter defaults with the request selector. A
// selector model clears the default profile and vice versa.
type resolvedModel struct {
	Model           string
	Profile         string
	ReasoningEffort string
	WebSearch       bool
}

func (o Options) resolve(sel ModelSelector) resolvedModel {
	rm := resolvedModel{
		Model:           o.DefaultModel,
		Profile:         o.DefaultProfile,
		ReasoningEffort: o.DefaultReasoningEffort,
		WebSearch:       sel.WebSearch,
	}
	if sel.Model != "" {
		rm.Model = sel.Model
		rm.Profile = ""
	} else if sel.Profile != "" {
		rm.Profile = sel.Profile
		rm.Model = ""
	}
	if sel.ReasoningEffort != "" {
		rm.ReasoningEffort = sel.ReasoningEffort
	}
	return rm
}

func (rm resolvedModel) info(executor string) map[string]string {
	info := map[string]string{"executor": executor}
	if rm.Model != "" {
		info["model"] = rm.Model
	}
	if rm.Profile != "" {
		info["profile"] = rm.Profile
	}
	if rm.ReasoningEffort != "" {
		info["reasoning_effort"] = rm.ReasoningEffort
	}
	return info
}

func baseArtifacts(req Request, textMode bool) map[string]string {
	a := map[string]string{
		"stdout": req.Logs.Stdout,
		"stderr": req.Logs.Stderr,
	}
	if textMode && req.OutPath != "" {
		a["output"] = req.OutPath
	}
	return a
}

// New constructs the adapter for an engine type name.
func New(engine string, opts Options) (Adapter, error) {
	switch engine {
	case "codex":
		return NewCodex(opts), nil
	case "gemini":
		return NewGemini(opts), nil
	case "claude_code":
		return NewClaudeCode(opts), nil
	case "copilot":
		return NewCopilot(opts), nil
	case "cursor":
		return NewCursor(opts), nil
	case "fake":
		return NewFake(opts), nil
	default:
		return nil, fmt.Errorf("unknown engine type: %q", engine)
	}
}
