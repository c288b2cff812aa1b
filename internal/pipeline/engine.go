package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/expr-lang/expr"

	"github.com/davidbarr/foreman/internal/agentexec"
	"github.com/davidbarr/foreman/internal/artifact"
	"github.com/davidbarr/foreman/internal/backlog"
	"github.com/davidbarr/foreman/internal/config"
	"github.com/davidbarr/foreman/internal/gate"
	"github.com/davidbarr/foreman/internal/guardrail"
	"github.com/davidbarr/foreman/internal/metrics"
	"github.com/davidbarr/foreman/internal/prompt"
	"github.com/davidbarr/foreman/internal/router"
	"github.com/davidbarr/foreman/internal/runpaths"
	"github.com/davidbarr/foreman/internal/state"
	"github.com/davidbarr/foreman/internal/workspace"
)

// Failure categories attached to stage records.
const (
	CategoryExecutorError      = "executor_error"
	CategoryTransientError     = "transient_error"
	CategoryModelUnavailable   = "model_unavailable_error"
	CategoryGateFailure        = "gate_failure"
	CategoryGuardrailViolation = "guardrail_violation"
	CategoryEmptyDiff          = "empty_diff"
	CategoryParseError         = "parse_error"
	CategoryTimeout            = "timeout"
	CategoryCancelled          = "cancelled"
	CategoryUnknown            = "unknown"
)

// maxBacklogItems bounds how many work items a decomposition may produce;
// oversized backlogs are coalesced deterministically.
const maxBacklogItems = 20

// CustomFunc is a registered callable for custom nodes.
type CustomFunc func(ctx context.Context, eng *Engine, node NodeDefinition) error

// Result is the pipeline outcome surfaced to the runner.
type Result struct {
	Success                bool
	FailedStage            string
	FailureCategory        string
	Err                    string
	ReviewChangesRequested bool
	ItemsTotal             int
	ItemsCompleted         int
	ItemsFailed            int
}

// Engine executes one pipeline for one run. The outer loop is cooperative
// single-threaded; only a map node fans out.
type Engine struct {
	Cfg       *config.Config
	Paths     *runpaths.RunPaths
	Artifacts *artifact.Store
	State     *state.Store
	Collector *metrics.Collector
	Router    *router.Router
	Gates     *gate.Runner
	Guards    *guardrail.Guardrails
	Workspace *workspace.Workspace
	Prompts   *prompt.Registry
	Backlog   *backlog.Backlog
	Custom    map[string]CustomFunc
	// ExtraEnv feeds `when` conditions alongside the artifact snapshot.
	ExtraEnv map[string]any
	// Resuming skips nodes whose stage already completed.
	Resuming bool

	logger *log.Logger
}

func (e *Engine) log() *log.Logger {
	if e.logger == nil {
		e.logger = log.New(os.Stderr, "[foreman] ", log.LstdFlags)
	}
	return e.logger
}

// Progress appends a machine-readable event to logs/progress.ndjson.
func (e *Engine) Progress(event string, fields map[string]any) {
	doc := map[string]any{
		"ts":    time.Now().UTC().Format(time.RFC3339Nano),
		"event": event,
	}
	for k, v := range fields {
		doc[k] = v
	}
	b, err := json.Marshal(doc)
	if err != nil {
		return
	}
	path := e.Paths.ProgressFile()
	_ = os.MkdirAll(filepath.Dir(path), 0o755)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return
	}
	defer func() { _ = f.Close() }()
	_, _ = f.Write(append(b, '\n'))
}

type nodeError struct {
	category string
	err      error
}

func (n *nodeError) Error() string { return n.err.Error() }

func nodeErr(category string, format string, args ...any) *nodeError {
	return &nodeError{category: category, err: fmt.Errorf(format, args...)}
}

// fsmStage maps a node id to its FSM stage. Map nodes drive the inner
// implement_item..next_item loop themselves.
func fsmStage(nodeID string) state.Stage {
	switch nodeID {
	case "implement", "implement_direct", "fix":
		return state.StageImplementItem
	default:
		if s := state.Stage(nodeID); state.Valid(s) {
			return s
		}
		return ""
	}
}

// Run walks the pipeline nodes in order, starting at resumeFrom when set.
func (e *Engine) Run(ctx context.Context, def *PipelineDefinition, resumeFrom string) *Result {
	res := &Result{Success: true}
	keys := append([]string{artifact.KeyTask}, def.DefaultContext...)
	if err := e.Artifacts.LoadFromDisk(keys...); err != nil {
		e.log().Printf("context prefetch: %v", err)
	}

	start := 0
	if resumeFrom != "" {
		for i, n := range def.Nodes {
			if n.ID == resumeFrom || string(fsmStage(n.ID)) == resumeFrom {
				start = i
				break
			}
		}
	}

	for i := start; i < len(def.Nodes); i++ {
		node := def.Nodes[i]
		stage := fsmStage(node.ID)

		if e.Resuming && stage != "" && e.State.StageCompleted(stage) && node.Type != NodeMap {
			// Idempotent re-entry: a completed stage produces no new record.
			continue
		}
		if ctx.Err() != nil {
			return e.fail(res, node.ID, nodeErr(CategoryCancelled, "cancelled"))
		}
		if skip, why := e.shouldSkip(node); skip {
			e.recordSkip(node.ID, why)
			continue
		}

		if stage != "" && node.Type != NodeMap {
			if err := e.State.TransitionTo(stage); err != nil {
				return e.fail(res, node.ID, nodeErr(CategoryUnknown, "state transition: %v", err))
			}
		}
		e.Progress("stage_started", map[string]any{"stage": node.ID})

		var nerr *nodeError
		switch node.Type {
		case NodeLLMText:
			nerr = e.runLLMText(ctx, node)
		case NodeLLMApply:
			nerr = e.runLLMApply(ctx, node)
		case NodeGate:
			nerr = e.runGateNode(ctx, node)
		case NodeMap:
			nerr = e.runMapNode(ctx, node, res)
		case NodeCustom:
			nerr = e.runCustomNode(ctx, node)
		default:
			nerr = nodeErr(CategoryUnknown, "unknown node type %q", node.Type)
		}

		if nerr != nil {
			return e.fail(res, node.ID, nerr)
		}
		if stage != "" && node.Type != NodeMap {
			e.State.MarkStageCompleted(stage)
		}
		e.Progress("stage_finished", map[string]any{"stage": node.ID, "status": "success"})

		if node.ID == "knowledge_update" && e.Cfg.Knowledge.Mode == "auto" {
			if err := e.applyKnowledge(node); err != nil {
				e.log().Printf("knowledge auto-apply: %v", err)
			}
		}

		// A review that requests changes ends the pipeline as success
		// without shipping.
		if node.ID == "review" {
			if verdict, ok := e.reviewVerdict(); ok && verdict == "changes_requested" {
				res.ReviewChangesRequested = true
				e.Progress("review_changes_requested", nil)
				return res
			}
		}
	}
	return res
}

func (e *Engine) fail(res *Result, nodeID string, nerr *nodeError) *Result {
	res.Success = false
	res.FailedStage = nodeID
	res.FailureCategory = nerr.category
	res.Err = nerr.err.Error()
	if stage := fsmStage(nodeID); stage != "" {
		e.State.MarkStageFailed(stage, nerr.err.Error())
	}
	if terr := e.State.TransitionTo(state.StageFailed); terr != nil {
		e.log().Printf("transition to failed: %v", terr)
	}
	e.Progress("stage_finished", map[string]any{
		"stage":            nodeID,
		"status":           "fail",
		"failure_category": nerr.category,
		"error":            nerr.err.Error(),
	})
	return res
}

func (e *Engine) shouldSkip(node NodeDefinition) (bool, string) {
	cond := strings.TrimSpace(node.Config.When)
	if cond == "" {
		return false, ""
	}
	env := map[string]any{}
	for k, v := range e.Artifacts.Snapshot() {
		env[k] = v
	}
	for k, v := range e.ExtraEnv {
		env[k] = v
	}
	prog, err := expr.Compile(cond, expr.Env(env), expr.AllowUndefinedVariables())
	if err != nil {
		e.log().Printf("node %s: when condition %q: %v (skipping node)", node.ID, cond, err)
		return true, "condition error: " + err.Error()
	}
	out, err := expr.Run(prog, env)
	if err != nil {
		e.log().Printf("node %s: when condition %q: %v (skipping node)", node.ID, cond, err)
		return true, "condition error: " + err.Error()
	}
	if truthy(out) {
		return false, ""
	}
	return true, "condition false: " + cond
}

func truthy(v any) bool {
	switch t := v.(type) {
	case bool:
		return t
	case string:
		return t != "" && t != "false"
	case nil:
		return false
	default:
		return true
	}
}

func (e *Engine) recordSkip(stage string, why string) {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	e.Collector.Record(metrics.StageRecord{
		RunID:            e.Paths.RunID,
		Stage:            stage,
		Attempt:          1,
		StartTS:          now,
		EndTS:            now,
		Status:           metrics.StatusSkip,
		FailureMessage:   why,
		AgentInvocations: 0,
	})
	e.Progress("stage_finished", map[string]any{"stage": stage, "status": "skip", "reason": why})
}

// contextVars builds the template variable view over node inputs.
func (e *Engine) contextVars(inputs []string) map[string]string {
	vars := map[string]string{}
	for _, key := range inputs {
		if v, ok := e.Artifacts.Get(key); ok {
			vars[key] = v
		}
	}
	return vars
}

// invocationOutcome summarizes one agent call chain (with fallbacks) for the
// stage record.
type invocationOutcome struct {
	result          *agentexec.ExecResult
	executor        string
	selector        config.ModelSelector
	attempts        int
	fallbackApplied bool
	originalModel   string
	duration        time.Duration
}

// invokeAgent renders nothing; it runs an already-materialized prompt file
// through the stage's adapter, applying fallback rules on transient
// failures.
func (e *Engine) invokeAgent(ctx context.Context, stageName string, itemID string, attempt int, promptPath string, apply bool, outPath string, timeoutSec int) (*invocationOutcome, *nodeError) {
	adapter, selector, err := e.Router.ExecutorForStage(stageName)
	if err != nil {
		return nil, nodeErr(CategoryExecutorError, "resolve executor for %s: %v", stageName, err)
	}
	out := &invocationOutcome{executor: adapter.Name(), selector: selector}

	timeout := timeoutSec
	if timeout <= 0 {
		timeout = e.Cfg.StageTimeout(stageName)
	}
	logDir := e.Paths.StageLogDir(stageName, attempt)
	start := time.Now()

	for {
		out.attempts++
		req := agentexec.Request{
			Cwd:        e.Workspace.Dir,
			PromptPath: promptPath,
			OutPath:    outPath,
			Logs: agentexec.LogPaths{
				Stdout: filepath.Join(logDir, "stdout.log"),
				Stderr: filepath.Join(logDir, "stderr.log"),
			},
			TimeoutSec: timeout,
			Selector:   router.ToAgentSelector(selector),
			Heartbeat: func(elapsed int, stdoutBytes, stderrBytes int64) {
				e.Progress("stage_heartbeat", map[string]any{
					"stage":        stageName,
					"item_id":      itemID,
					"elapsed_s":    elapsed,
					"stdout_bytes": stdoutBytes,
					"stderr_bytes": stderrBytes,
				})
			},
		}
		var res *agentexec.ExecResult
		if apply {
			res = adapter.RunApply(ctx, req)
		} else {
			res = adapter.RunText(ctx, req)
		}
		out.result = res
		e.Router.RecordAttempt(stageName, itemID, attempt, res, out.fallbackApplied)

		if !res.Failed() {
			out.duration = time.Since(start)
			return out, nil
		}
		if ctx.Err() != nil {
			out.duration = time.Since(start)
			return out, nodeErr(CategoryCancelled, "cancelled")
		}
		if !res.IsTransientError() && !res.IsModelUnavailableError() {
			out.duration = time.Since(start)
			return out, nil
		}
		next, applied := e.Router.ApplyFallback(stageName, res, selector)
		if !applied {
			out.duration = time.Since(start)
			return out, nil
		}
		if out.originalModel == "" {
			out.originalModel = selector.Model
			if out.originalModel == "" {
				out.originalModel = selector.Profile
			}
		}
		out.fallbackApplied = true
		e.Progress("fallback_applied", map[string]any{
			"stage":      stageName,
			"item_id":    itemID,
			"from_model": selector.Model,
			"to_model":   next.Model,
			"to_profile": next.Profile,
		})
		if wait := res.RetryAfterSeconds(); wait > 0 {
			if wait > 60 {
				wait = 60
			}
			select {
			case <-time.After(time.Duration(wait) * time.Second):
			case <-ctx.Done():
				out.duration = time.Since(start)
				return out, nodeErr(CategoryCancelled, "cancelled")
			}
		}
		selector = next
		out.selector = next
	}
}

func classifyResult(res *agentexec.ExecResult) *nodeError {
	switch {
	case res == nil:
		return nodeErr(CategoryExecutorError, "no result")
	case strings.Contains(res.ErrorMessage, "timed out"):
		return nodeErr(CategoryTimeout, "%s", res.ErrorMessage)
	case res.IsModelUnavailableError():
		return nodeErr(CategoryModelUnavailable, "model unavailable: %s", firstLine(res.ErrorMessage, res.ReadStderr()))
	case res.IsTransientError():
		return nodeErr(CategoryTransientError, "transient failure: %s", firstLine(res.ErrorMessage, res.ReadStderr()))
	default:
		return nodeErr(CategoryExecutorError, "agent failed: %s", firstLine(res.ErrorMessage, res.ReadStderr()))
	}
}

func firstLine(candidates ...string) string {
	for _, c := range candidates {
		for _, line := range strings.Split(c, "\n") {
			if trimmed := strings.TrimSpace(line); trimmed != "" {
				return trimmed
			}
		}
	}
	return "unknown error"
}

// baseRecord seeds a stage record with the invocation outcome.
func (e *Engine) baseRecord(stageName string, itemID string, attempt int, start time.Time, inv *invocationOutcome) metrics.StageRecord {
	rec := metrics.StageRecord{
		RunID:            e.Paths.RunID,
		Stage:            stageName,
		ItemID:           itemID,
		Attempt:          attempt,
		StartTS:          start.Format(time.RFC3339Nano),
		AgentInvocations: 1,
	}
	if inv != nil {
		rec.AgentInvocations = inv.attempts
		rec.Executor = inv.executor
		rec.Model = inv.selector.Model
		rec.Profile = inv.selector.Profile
		rec.ReasoningEffort = inv.selector.ReasoningEffort
		rec.LLMDurationMS = inv.duration.Milliseconds()
		rec.FallbackApplied = inv.fallbackApplied
		rec.OriginalModel = inv.originalModel
		if inv.result != nil {
			if usage := inv.result.TokenUsage(); usage != nil {
				rec.Tokens = &metrics.TokenUsage{Input: usage.Input, Output: usage.Output, Total: usage.Total}
			}
			if detail := inv.result.TransientDetail(); detail != "" {
				rec.ErrorInfo = &metrics.ErrorInfo{Kind: "transient_match", Details: detail}
			}
			rec.Artifacts = map[string]string{
				"stdout": inv.result.StdoutPath,
				"stderr": inv.result.StderrPath,
			}
		}
	}
	return rec
}

func (e *Engine) finishRecord(rec *metrics.StageRecord, start time.Time, nerr *nodeError) {
	end := time.Now().UTC()
	rec.EndTS = end.Format(time.RFC3339Nano)
	rec.DurationMS = end.Sub(start).Milliseconds()
	if nerr == nil {
		rec.Status = metrics.StatusSuccess
	} else {
		switch nerr.category {
		case CategoryTimeout:
			rec.Status = metrics.StatusTimeout
		case CategoryCancelled:
			rec.Status = metrics.StatusCancel
		default:
			rec.Status = metrics.StatusFail
		}
		rec.FailureCategory = nerr.category
		rec.FailureMessage = nerr.err.Error()
	}
	e.Collector.Record(*rec)
}

// runLLMText renders the template, invokes the adapter read-only, and stores
// the produced text under the node's first output key.
func (e *Engine) runLLMText(ctx context.Context, node NodeDefinition) *nodeError {
	start := time.Now().UTC()
	vars := e.contextVars(node.Inputs)
	text, err := e.Prompts.Render(node.Template, vars)
	if err != nil {
		rec := e.baseRecord(node.ID, "", 1, start, nil)
		nerr := nodeErr(CategoryUnknown, "render template: %v", err)
		e.finishRecord(&rec, start, nerr)
		return nerr
	}
	promptPath := e.Paths.PromptFile(node.ID, 1)
	if err := runpaths.WriteFileAtomic(promptPath, []byte(text)); err != nil {
		rec := e.baseRecord(node.ID, "", 1, start, nil)
		nerr := nodeErr(CategoryUnknown, "write prompt: %v", err)
		e.finishRecord(&rec, start, nerr)
		return nerr
	}

	outPath := filepath.Join(e.Paths.ArtifactsDir(), node.ID+".out.md")
	inv, nerr := e.invokeAgent(ctx, node.ID, "", 1, promptPath, false, outPath, node.Config.TimeoutSeconds)
	rec := e.baseRecord(node.ID, "", 1, start, inv)
	rec.InputsFingerprint = metrics.Fingerprint(text)
	if nerr == nil && inv.result.Failed() {
		nerr = classifyResult(inv.result)
	}

	var output string
	if nerr == nil {
		b, err := os.ReadFile(outPath)
		if err != nil {
			nerr = nodeErr(CategoryExecutorError, "read agent output: %v", err)
		} else {
			output = string(b)
		}
	}

	// Decompose output must parse as a backlog before the node can succeed.
	if nerr == nil && len(node.Outputs) > 0 && node.Outputs[0] == artifact.KeyBacklog {
		bl, err := backlog.Parse(e.Paths.RunID, output)
		if err != nil {
			nerr = nodeErr(CategoryParseError, "%v", err)
		} else {
			bl = bl.Coalesce(maxBacklogItems)
			e.Backlog = bl
			if y, err := bl.ToYAML(); err == nil {
				output = string(y)
			}
		}
	}
	if nerr == nil && len(node.Outputs) > 0 {
		if err := e.Artifacts.Set(node.Outputs[0], output, node.ID); err != nil {
			nerr = nodeErr(CategoryUnknown, "%v", err)
		}
		rec.OutputsFingerprint = metrics.Fingerprint(output)
	}
	e.finishRecord(&rec, start, nerr)
	return nerr
}

// runLLMApply renders the template, lets the adapter mutate the workspace,
// captures the diff, and enforces guardrails.
func (e *Engine) runLLMApply(ctx context.Context, node NodeDefinition) *nodeError {
	start := time.Now().UTC()
	vars := e.contextVars(node.Inputs)
	text, err := e.Prompts.Render(node.Template, vars)
	if err != nil {
		rec := e.baseRecord(node.ID, "", 1, start, nil)
		nerr := nodeErr(CategoryUnknown, "render template: %v", err)
		e.finishRecord(&rec, start, nerr)
		return nerr
	}
	promptPath := e.Paths.PromptFile(node.ID, 1)
	if err := runpaths.WriteFileAtomic(promptPath, []byte(text)); err != nil {
		rec := e.baseRecord(node.ID, "", 1, start, nil)
		nerr := nodeErr(CategoryUnknown, "write prompt: %v", err)
		e.finishRecord(&rec, start, nerr)
		return nerr
	}

	inv, nerr := e.invokeAgent(ctx, node.ID, "", 1, promptPath, true, "", node.Config.TimeoutSeconds)
	rec := e.baseRecord(node.ID, "", 1, start, inv)
	rec.InputsFingerprint = metrics.Fingerprint(text)
	if nerr == nil && inv.result.Failed() {
		nerr = classifyResult(inv.result)
	}
	if nerr == nil {
		nerr = e.captureAndGuard(node.ID, &rec)
	}
	e.finishRecord(&rec, start, nerr)
	return nerr
}

// captureAndGuard snapshots the workspace diff into patch.diff and applies
// guardrails over the changed-file set.
func (e *Engine) captureAndGuard(sourceNode string, rec *metrics.StageRecord) *nodeError {
	empty, err := e.Workspace.DiffEmpty()
	if err != nil {
		return nodeErr(CategoryUnknown, "workspace diff: %v", err)
	}
	if empty {
		return nodeErr(CategoryEmptyDiff, "agent produced no change")
	}
	if err := e.Workspace.DiffTo(e.Paths.PatchDiffFile(), nil); err != nil {
		return nodeErr(CategoryUnknown, "capture diff: %v", err)
	}
	diffBytes, err := os.ReadFile(e.Paths.PatchDiffFile())
	if err != nil {
		return nodeErr(CategoryUnknown, "read diff: %v", err)
	}
	if err := e.Artifacts.Set(artifact.KeyPatchDiff, string(diffBytes), sourceNode); err != nil {
		return nodeErr(CategoryUnknown, "%v", err)
	}
	stats := metrics.DiffStatsFromDiff(string(diffBytes))
	rec.DiffStats = &stats
	rec.OutputsFingerprint = metrics.Fingerprint(string(diffBytes))
	if rec.Artifacts == nil {
		rec.Artifacts = map[string]string{}
	}
	rec.Artifacts["patch_diff"] = e.Paths.PatchDiffFile()

	changed, err := e.Workspace.ChangedFiles()
	if err != nil {
		return nodeErr(CategoryUnknown, "changed files: %v", err)
	}
	if err := e.Guards.CheckFiles(changed); err != nil {
		return nodeErr(CategoryGuardrailViolation, "%v", err)
	}
	untracked, err := e.Workspace.UntrackedFiles()
	if err != nil {
		return nodeErr(CategoryUnknown, "untracked files: %v", err)
	}
	if err := e.Guards.CheckNewFiles(untracked, e.Workspace.Dir); err != nil {
		return nodeErr(CategoryGuardrailViolation, "%v", err)
	}
	return nil
}

// runGateNode executes the configured gate subset against the workspace.
func (e *Engine) runGateNode(ctx context.Context, node NodeDefinition) *nodeError {
	start := time.Now().UTC()
	rec := e.baseRecord(node.ID, "", 1, start, nil)
	rec.AgentInvocations = 0

	results, err := e.Gates.RunAll(ctx, node.Config.Gates, e.Workspace.Dir, func(g string) string {
		return e.Paths.GateLogFile(g, "", 1)
	})
	rec.Gates = gateRecords(results)
	rec.VerifyDurationMS = totalGateMS(results)
	var nerr *nodeError
	switch {
	case err != nil && ctx.Err() != nil:
		nerr = nodeErr(CategoryCancelled, "cancelled")
	case err != nil:
		nerr = nodeErr(CategoryExecutorError, "%v", err)
	case !gate.AllRequiredPassed(e.Gates.Subset(node.Config.Gates), results):
		failure := gate.FirstFailure(results)
		nerr = nodeErr(CategoryGateFailure, "gate %s failed (exit %d)", failure.Name, failure.ReturnCode)
	}
	e.finishRecord(&rec, start, nerr)
	return nerr
}

func (e *Engine) runCustomNode(ctx context.Context, node NodeDefinition) *nodeError {
	start := time.Now().UTC()
	rec := e.baseRecord(node.ID, "", 1, start, nil)
	rec.AgentInvocations = 0
	fn, ok := e.Custom[node.Config.Callable]
	var nerr *nodeError
	if !ok {
		nerr = nodeErr(CategoryUnknown, "unknown custom callable: %q", node.Config.Callable)
	} else if err := fn(ctx, e, node); err != nil {
		if ne, isNode := err.(*nodeError); isNode {
			nerr = ne
		} else {
			nerr = nodeErr(CategoryUnknown, "%v", err)
		}
	}
	e.finishRecord(&rec, start, nerr)
	return nerr
}

// applyKnowledge appends the distilled lessons to the first allow-listed
// knowledge file inside the workspace. Only allow-listed paths may be
// touched; everything else stays under the run's artifacts directory.
func (e *Engine) applyKnowledge(node NodeDefinition) error {
	if len(e.Cfg.Knowledge.Allowlist) == 0 || len(node.Outputs) == 0 {
		return nil
	}
	text, ok := e.Artifacts.Get(node.Outputs[0])
	if !ok || strings.TrimSpace(text) == "" {
		return nil
	}
	target := e.Cfg.Knowledge.Allowlist[0]
	if err := e.Guards.CheckNewFiles([]string{target}, e.Workspace.Dir); err != nil {
		return err
	}
	path := filepath.Join(e.Workspace.Dir, target)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	_, werr := fmt.Fprintf(f, "\n<!-- foreman:lessons %s -->\n%s\n", e.Paths.RunID, strings.TrimSpace(text))
	if cerr := f.Close(); werr == nil {
		werr = cerr
	}
	if werr != nil {
		return werr
	}
	// The applied edit is captured as its own patch artifact, scoped to the
	// knowledge file so unrelated pending changes stay out of it.
	diff, err := e.Workspace.DiffOf(target)
	if err != nil {
		return err
	}
	if strings.TrimSpace(diff) != "" {
		return e.Artifacts.Set(artifact.KeyKnowledgeAgentsPatch, diff, node.ID)
	}
	return nil
}

// reviewVerdict parses the stored review for its verdict line.
func (e *Engine) reviewVerdict() (string, bool) {
	text, ok := e.Artifacts.Get(artifact.KeyReview)
	if !ok {
		return "", false
	}
	return ParseVerdict(text)
}

// ParseVerdict extracts approve|changes_requested from a review document:
// the first "verdict:" line or a VERDICT= marker.
func ParseVerdict(text string) (string, bool) {
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(strings.ToLower(line))
		for _, prefix := range []string{"verdict:", "verdict="} {
			if strings.HasPrefix(line, prefix) {
				v := strings.TrimSpace(strings.TrimPrefix(line, prefix))
				v = strings.Trim(v, "*`\"' ")
				switch v {
				case "approve", "approved":
					return "approve", true
				case "changes_requested", "changes requested":
					return "changes_requested", true
				}
			}
		}
	}
	return "", false
}

func gateRecords(results []gate.Result) []metrics.GateRecord {
	var out []metrics.GateRecord
	for _, r := range results {
		gr := metrics.GateRecord{
			Name:        r.Name,
			ExitCode:    r.ReturnCode,
			DurationMS:  r.DurationMS,
			Passed:      r.OK,
			TestsFailed: r.TestsFailed,
			TestsTotal:  r.TestsTotal,
		}
		if !r.OK {
			gr.ErrorOutput = gate.Tail(r.LogPath, 30)
		}
		out = append(out, gr)
	}
	return out
}

func totalGateMS(results []gate.Result) int64 {
	var total int64
	for _, r := range results {
		total += r.DurationMS
	}
	return total
}
