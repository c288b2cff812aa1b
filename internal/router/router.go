// Package router resolves which adapter and model serve each stage, applies
// the fallback policy on transient failures, and keeps the per-stage attempt
// history used for mid-run introspection.
package router

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/davidbarr/foreman/internal/agentexec"
	"github.com/davidbarr/foreman/internal/config"
)

// AttemptRecord mirrors one adapter invocation for a (stage, item).
type AttemptRecord struct {
	ID              string                       `json:"id"`
	AttemptNumber   int                          `json:"attempt_number"`
	ModelInfo       map[string]string            `json:"model_info,omitempty"`
	Invocation      *agentexec.ResolvedInvocation `json:"invocation,omitempty"`
	Succeeded       bool                         `json:"succeeded"`
	ErrorMessage    string                       `json:"error_message,omitempty"`
	FallbackApplied bool                         `json:"fallback_applied,omitempty"`
	RecordedAt      time.Time                    `json:"recorded_at"`
}

// StageExecution is the attempt history for one (stage, item) pair. It is a
// logging mirror of the stage metrics so introspection does not require
// parsing jsonl mid-run.
type StageExecution struct {
	Stage    string          `json:"stage"`
	ItemID   string          `json:"item_id,omitempty"`
	Attempts []AttemptRecord `json:"attempts"`
}

// LatestAttempt returns the most recent attempt, nil when none recorded.
func (s *StageExecution) LatestAttempt() *AttemptRecord {
	if s == nil || len(s.Attempts) == 0 {
		return nil
	}
	return &s.Attempts[len(s.Attempts)-1]
}

// Router owns the adapter set and the deterministic per-stage selection.
type Router struct {
	cfg    *config.Config
	dryRun bool

	mu         sync.Mutex
	adapters   map[config.EngineType]agentexec.Adapter
	executions map[string]*StageExecution
	switches   map[string]int // fallback switches consumed per stage
}

func New(cfg *config.Config, dryRun bool) *Router {
	return &Router{
		cfg:        cfg,
		dryRun:     dryRun,
		adapters:   map[config.EngineType]agentexec.Adapter{},
		executions: map[string]*StageExecution{},
		switches:   map[string]int{},
	}
}

// ExecutorTypeForStage selects the executor for a stage:
// stages.<stage>.executor when set, else stage_engines.<stage>.type when
// set, else engine.type.
func (r *Router) ExecutorTypeForStage(stage string) config.EngineType {
	if sc, ok := r.cfg.Stages[stage]; ok && sc.Executor != "" {
		return sc.Executor
	}
	if sc, ok := r.cfg.StageEngines[stage]; ok && sc.Type != "" {
		return sc.Type
	}
	return r.cfg.Engine.Type
}

// Adapter returns (building lazily) the adapter for an executor type.
func (r *Router) Adapter(t config.EngineType) (agentexec.Adapter, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if a, ok := r.adapters[t]; ok {
		return a, nil
	}
	opts := agentexec.Options{
		Binary:    r.binaryFor(t),
		ExtraArgs: r.cfg.Engine.ExtraArgs,
		DryRun:    r.dryRun,
	}
	if t == config.EngineFake {
		// The fake adapter is scripted from a directory; its binary setting
		// doubles as the responses path.
		opts.ResponsesDir = opts.Binary
		opts.Binary = ""
	}
	if ec, ok := r.cfg.Executors[string(t)]; ok {
		opts.DefaultModel = ec.Default.Model
		opts.DefaultReasoningEffort = ec.Default.ReasoningEffort
		opts.OutputFormat = ec.Default.OutputFormat
	}
	if opts.OutputFormat == "" && t == r.cfg.Engine.Type {
		opts.OutputFormat = r.cfg.Engine.OutputFormat
	}
	a, err := agentexec.New(string(t), opts)
	if err != nil {
		return nil, err
	}
	r.adapters[t] = a
	return a, nil
}

func (r *Router) binaryFor(t config.EngineType) string {
	if ec, ok := r.cfg.Executors[string(t)]; ok && ec.Bin != "" {
		return ec.Bin
	}
	if t == r.cfg.Engine.Type && r.cfg.Engine.Binary != "" {
		return r.cfg.Engine.Binary
	}
	return ""
}

// ResolveSelector walks the five precedence layers for a stage:
//  1. stages.<stage>.model|profile
//  2. executor per-stage profile map (codex)
//  3. executors.<name>.default
//  4. legacy engine.model|profile|reasoning_effort
//  5. empty selector (the CLI's own default)
func (r *Router) ResolveSelector(stage string) config.ModelSelector {
	executor := r.ExecutorTypeForStage(stage)

	if sc, ok := r.cfg.Stages[stage]; ok {
		if sel := sc.Selector(); sel.Model != "" || sel.Profile != "" {
			return sel
		}
	}
	if ec, ok := r.cfg.Executors[string(executor)]; ok {
		if profile, ok := ec.Profiles[stage]; ok && profile != "" {
			return config.ModelSelector{Profile: profile}
		}
	}
	if ec, ok := r.cfg.Executors[string(executor)]; ok {
		if ec.Default.Model != "" {
			return config.ModelSelector{
				Model:           ec.Default.Model,
				ReasoningEffort: ec.Default.ReasoningEffort,
			}
		}
	}
	if e := r.cfg.Engine; e.Model != "" || e.Profile != "" {
		return config.ModelSelector{
			Model:           e.Model,
			Profile:         e.Profile,
			ReasoningEffort: e.ReasoningEffort,
		}
	}
	return config.ModelSelector{}
}

// ExecutorForStage resolves both the adapter and the selector for a stage.
func (r *Router) ExecutorForStage(stage string) (agentexec.Adapter, config.ModelSelector, error) {
	t := r.ExecutorTypeForStage(stage)
	a, err := r.Adapter(t)
	if err != nil {
		return nil, config.ModelSelector{}, err
	}
	return a, r.ResolveSelector(stage), nil
}

// ApplyFallback evaluates the ordered fallback rules against a failed result
// and returns the replacement selector for the next attempt. The second
// return is false when no rule matched or the stage's switch budget is
// exhausted.
func (r *Router) ApplyFallback(stage string, result *agentexec.ExecResult, current config.ModelSelector) (config.ModelSelector, bool) {
	if !r.cfg.Fallback.IsEnabled() || len(r.cfg.Fallback.Rules) == 0 || result == nil {
		return current, false
	}
	executor := r.ExecutorTypeForStage(stage)
	errText := strings.ToLower(result.ReadStdout() + "\n" + result.ReadStderr() + "\n" + result.ErrorMessage)

	for _, rule := range r.cfg.Fallback.Rules {
		if rule.Match.Executor != "" && rule.Match.Executor != executor {
			continue
		}
		if len(rule.Match.ErrorContains) > 0 {
			matched := false
			for _, marker := range rule.Match.ErrorContains {
				if strings.Contains(errText, strings.ToLower(marker)) {
					matched = true
					break
				}
			}
			if !matched {
				continue
			}
		}
		r.mu.Lock()
		used := r.switches[stage]
		if used >= rule.MaxRetries {
			r.mu.Unlock()
			return current, false
		}
		r.switches[stage] = used + 1
		r.mu.Unlock()
		return config.ModelSelector{
			Model:   rule.SwitchTo.Model,
			Profile: rule.SwitchTo.Profile,
		}, true
	}
	return current, false
}

func executionKey(stage string, itemID string) string {
	if itemID == "" {
		return stage
	}
	return stage + "/" + itemID
}

// RecordAttempt appends an attempt to the (stage, item) execution history.
func (r *Router) RecordAttempt(stage string, itemID string, attempt int, result *agentexec.ExecResult, fallbackApplied bool) AttemptRecord {
	rec := AttemptRecord{
		ID:              ulid.Make().String(),
		AttemptNumber:   attempt,
		FallbackApplied: fallbackApplied,
		RecordedAt:      time.Now().UTC(),
	}
	if result != nil {
		rec.Succeeded = !result.Failed()
		rec.ErrorMessage = result.ErrorMessage
		rec.Invocation = result.Invocation
		if result.Invocation != nil {
			rec.ModelInfo = result.Invocation.ModelInfo
		}
	}
	key := executionKey(stage, itemID)
	r.mu.Lock()
	exec := r.executions[key]
	if exec == nil {
		exec = &StageExecution{Stage: stage, ItemID: itemID}
		r.executions[key] = exec
	}
	exec.Attempts = append(exec.Attempts, rec)
	r.mu.Unlock()
	return rec
}

// Execution returns the history for a (stage, item), nil when absent.
func (r *Router) Execution(stage string, itemID string) *StageExecution {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.executions[executionKey(stage, itemID)]
}

// ExecutionHistory returns a copy of all recorded executions.
func (r *Router) ExecutionHistory() map[string]*StageExecution {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]*StageExecution, len(r.executions))
	for k, v := range r.executions {
		out[k] = v
	}
	return out
}

// ToAgentSelector converts the config selector into the adapter form.
func ToAgentSelector(sel config.ModelSelector) agentexec.ModelSelector {
	return agentexec.ModelSelector{
		Model:           sel.Model,
		Profile:         sel.Profile,
		ReasoningEffort: sel.ReasoningEffort,
		WebSearch:       sel.WebSearch,
	}
}

// StageModelInfo describes the resolved routing for one stage, for meta.json.
type StageModelInfo struct {
	Stage           string `json:"stage"`
	Executor        string `json:"executor"`
	Model           string `json:"model,omitempty"`
	Profile         string `json:"profile,omitempty"`
	ReasoningEffort string `json:"reasoning_effort,omitempty"`
}

// DescribeStages resolves routing for a list of stages without executing.
func (r *Router) DescribeStages(stages []string) ([]StageModelInfo, error) {
	var out []StageModelInfo
	for _, stage := range stages {
		t := r.ExecutorTypeForStage(stage)
		if _, err := r.Adapter(t); err != nil {
			return nil, fmt.Errorf("stage %s: %w", stage, err)
		}
		sel := r.ResolveSelector(stage)
		out = append(out, StageModelInfo{
			Stage:           stage,
			Executor:        string(t),
			Model:           sel.Model,
			Profile:         sel.Profile,
			ReasoningEffort: sel.ReasoningEffort,
		})
	}
	return out, nil
}
