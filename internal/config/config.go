// Package config defines the orchestrator configuration surface. Documents
// load from YAML (strict) or JSON, then pass through explicit defaulting and
// validation phases before any component consumes them.
package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// EngineType names a supported agent CLI adapter.
type EngineType string

const (
	EngineCodex      EngineType = "codex"
	EngineGemini     EngineType = "gemini"
	EngineClaudeCode EngineType = "claude_code"
	EngineCopilot    EngineType = "copilot"
	EngineCursor     EngineType = "cursor"
	EngineFake       EngineType = "fake"
)

// KnownEngines lists every supported engine type.
var KnownEngines = []EngineType{
	EngineCodex, EngineGemini, EngineClaudeCode, EngineCopilot, EngineCursor, EngineFake,
}

func validEngine(t EngineType) bool {
	for _, k := range KnownEngines {
		if t == k {
			return true
		}
	}
	return false
}

// ReasoningEfforts are the accepted effort levels.
var ReasoningEfforts = []string{"low", "medium", "high"}

func validReasoningEffort(s string) bool {
	if s == "" {
		return true
	}
	for _, r := range ReasoningEfforts {
		if s == r {
			return true
		}
	}
	return false
}

// ModelSelector is a resolved model choice for one invocation. At most one
// of Model and Profile may be set.
type ModelSelector struct {
	Model           string `json:"model,omitempty" yaml:"model,omitempty"`
	Profile         string `json:"profile,omitempty" yaml:"profile,omitempty"`
	ReasoningEffort string `json:"reasoning_effort,omitempty" yaml:"reasoning_effort,omitempty"`
	WebSearch       bool   `json:"web_search,omitempty" yaml:"web_search,omitempty"`
}

// IsZero reports whether the selector carries no explicit choice.
func (m ModelSelector) IsZero() bool {
	return m.Model == "" && m.Profile == "" && m.ReasoningEffort == "" && !m.WebSearch
}

func (m ModelSelector) validate(where string) error {
	if m.Model != "" && m.Profile != "" {
		return fmt.Errorf("%s: model and profile are mutually exclusive", where)
	}
	if !validReasoningEffort(m.ReasoningEffort) {
		return fmt.Errorf("%s: invalid reasoning_effort %q (want low|medium|high)", where, m.ReasoningEffort)
	}
	return nil
}

// EngineConfig is the legacy global engine block (and per-stage override
// shape under stage_engines).
type EngineConfig struct {
	Type            EngineType     `json:"type,omitempty" yaml:"type,omitempty"`
	Binary          string         `json:"binary,omitempty" yaml:"binary,omitempty"`
	ExtraArgs       []string       `json:"extra_args,omitempty" yaml:"extra_args,omitempty"`
	Timeout         int            `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	StageTimeouts   map[string]int `json:"stage_timeouts,omitempty" yaml:"stage_timeouts,omitempty"`
	Model           string         `json:"model,omitempty" yaml:"model,omitempty"`
	Profile         string         `json:"profile,omitempty" yaml:"profile,omitempty"`
	ReasoningEffort string         `json:"reasoning_effort,omitempty" yaml:"reasoning_effort,omitempty"`
	OutputFormat    string         `json:"output_format,omitempty" yaml:"output_format,omitempty"`
}

// ExecutorDefault is the per-executor default selection.
type ExecutorDefault struct {
	Model           string `json:"model,omitempty" yaml:"model,omitempty"`
	ReasoningEffort string `json:"reasoning_effort,omitempty" yaml:"reasoning_effort,omitempty"`
	OutputFormat    string `json:"output_format,omitempty" yaml:"output_format,omitempty"`
}

// ExecutorConfig configures one named executor.
type ExecutorConfig struct {
	Bin      string            `json:"bin,omitempty" yaml:"bin,omitempty"`
	Default  ExecutorDefault   `json:"default,omitempty" yaml:"default,omitempty"`
	Profiles map[string]string `json:"profiles,omitempty" yaml:"profiles,omitempty"`
}

// StageConfig is the highest-priority per-stage override.
type StageConfig struct {
	Executor        EngineType `json:"executor,omitempty" yaml:"executor,omitempty"`
	Model           string     `json:"model,omitempty" yaml:"model,omitempty"`
	Profile         string     `json:"profile,omitempty" yaml:"profile,omitempty"`
	ReasoningEffort string     `json:"reasoning_effort,omitempty" yaml:"reasoning_effort,omitempty"`
	WebSearch       bool       `json:"web_search,omitempty" yaml:"web_search,omitempty"`
}

// Selector converts the stage override into a ModelSelector.
func (s StageConfig) Selector() ModelSelector {
	return ModelSelector{
		Model:           s.Model,
		Profile:         s.Profile,
		ReasoningEffort: s.ReasoningEffort,
		WebSearch:       s.WebSearch,
	}
}

// FallbackMatch selects which failures a fallback rule applies to.
type FallbackMatch struct {
	Executor      EngineType `json:"executor,omitempty" yaml:"executor,omitempty"`
	ErrorContains []string   `json:"error_contains,omitempty" yaml:"error_contains,omitempty"`
}

// FallbackSwitch is the selector replacement a matched rule applies.
type FallbackSwitch struct {
	Model   string `json:"model,omitempty" yaml:"model,omitempty"`
	Profile string `json:"profile,omitempty" yaml:"profile,omitempty"`
}

// FallbackRule is one ordered entry of the fallback policy.
type FallbackRule struct {
	Match      FallbackMatch  `json:"match" yaml:"match"`
	SwitchTo   FallbackSwitch `json:"switch_to" yaml:"switch_to"`
	MaxRetries int            `json:"max_retries,omitempty" yaml:"max_retries,omitempty"`
}

// FallbackConfig is the ordered fallback policy.
type FallbackConfig struct {
	Enabled *bool          `json:"enabled,omitempty" yaml:"enabled,omitempty"`
	Rules   []FallbackRule `json:"rules,omitempty" yaml:"rules,omitempty"`
}

// IsEnabled defaults to true when unset.
func (f FallbackConfig) IsEnabled() bool { return f.Enabled == nil || *f.Enabled }

// GateConfig declares one external quality gate.
type GateConfig struct {
	Name     string   `json:"name" yaml:"name"`
	Enabled  *bool    `json:"enabled,omitempty" yaml:"enabled,omitempty"`
	Command  string   `json:"command" yaml:"command"`
	Args     []string `json:"args,omitempty" yaml:"args,omitempty"`
	Required *bool    `json:"required,omitempty" yaml:"required,omitempty"`
}

func (g GateConfig) IsEnabled() bool  { return g.Enabled == nil || *g.Enabled }
func (g GateConfig) IsRequired() bool { return g.Required == nil || *g.Required }

// GitConfig controls branch/commit/push behavior.
type GitConfig struct {
	BaseBranch string `json:"base_branch,omitempty" yaml:"base_branch,omitempty"`
	Remote     string `json:"remote,omitempty" yaml:"remote,omitempty"`
	AutoCommit bool   `json:"auto_commit,omitempty" yaml:"auto_commit,omitempty"`
	AutoPush   bool   `json:"auto_push,omitempty" yaml:"auto_push,omitempty"`
	CreatePR   bool   `json:"create_pr,omitempty" yaml:"create_pr,omitempty"`
	PRDraft    bool   `json:"pr_draft,omitempty" yaml:"pr_draft,omitempty"`
}

// GuardrailsConfig restricts which files a stage may touch.
type GuardrailsConfig struct {
	Enabled           *bool    `json:"enabled,omitempty" yaml:"enabled,omitempty"`
	Mode              string   `json:"mode,omitempty" yaml:"mode,omitempty"` // blacklist|allowlist
	AllowedPatterns   []string `json:"allowed_patterns,omitempty" yaml:"allowed_patterns,omitempty"`
	ForbiddenPatterns []string `json:"forbidden_patterns,omitempty" yaml:"forbidden_patterns,omitempty"`
	ForbiddenPaths    []string `json:"forbidden_paths,omitempty" yaml:"forbidden_paths,omitempty"`
	ForbiddenNewFiles []string `json:"forbidden_new_files,omitempty" yaml:"forbidden_new_files,omitempty"`
	MaxFilesChanged   int      `json:"max_files_changed,omitempty" yaml:"max_files_changed,omitempty"`
}

func (g GuardrailsConfig) IsEnabled() bool { return g.Enabled == nil || *g.Enabled }

// RunConfig controls the work-item loop.
type RunConfig struct {
	MaxFixAttempts                int    `json:"max_fix_attempts,omitempty" yaml:"max_fix_attempts,omitempty"`
	ParallelItems                 int    `json:"parallel_items,omitempty" yaml:"parallel_items,omitempty"`
	StopOnFirstFailure            bool   `json:"stop_on_first_failure,omitempty" yaml:"stop_on_first_failure,omitempty"`
	PerItemVerify                 string `json:"per_item_verify,omitempty" yaml:"per_item_verify,omitempty"` // full|fast
	FastVerifyMaxPytestTargets    int    `json:"fast_verify_max_pytest_targets,omitempty" yaml:"fast_verify_max_pytest_targets,omitempty"`
	FastVerifySkipPytestNoTargets *bool  `json:"fast_verify_skip_pytest_if_no_targets,omitempty" yaml:"fast_verify_skip_pytest_if_no_targets,omitempty"`
}

// KnowledgeConfig controls the post-run knowledge update stage.
type KnowledgeConfig struct {
	Enabled    bool           `json:"enabled,omitempty" yaml:"enabled,omitempty"`
	Mode       string         `json:"mode,omitempty" yaml:"mode,omitempty"`       // off|suggest|auto
	Trigger    string         `json:"trigger,omitempty" yaml:"trigger,omitempty"` // per_item|per_run
	BranchMode string         `json:"branch_mode,omitempty" yaml:"branch_mode,omitempty"`
	Allowlist  []string       `json:"allowlist,omitempty" yaml:"allowlist,omitempty"`
	Markers    []string       `json:"markers,omitempty" yaml:"markers,omitempty"`
	Limits     map[string]int `json:"limits,omitempty" yaml:"limits,omitempty"`
	ArchGating bool           `json:"architecture_gatekeeping,omitempty" yaml:"architecture_gatekeeping,omitempty"`
}

// Config is the full orchestrator configuration.
type Config struct {
	Engine       EngineConfig              `json:"engine,omitempty" yaml:"engine,omitempty"`
	StageEngines map[string]EngineConfig   `json:"stage_engines,omitempty" yaml:"stage_engines,omitempty"`
	Executors    map[string]ExecutorConfig `json:"executors,omitempty" yaml:"executors,omitempty"`
	Stages       map[string]StageConfig    `json:"stages,omitempty" yaml:"stages,omitempty"`
	Fallback     FallbackConfig            `json:"fallback,omitempty" yaml:"fallback,omitempty"`
	Gates        []GateConfig              `json:"gates,omitempty" yaml:"gates,omitempty"`
	Git          GitConfig                 `json:"git,omitempty" yaml:"git,omitempty"`
	Guardrails   GuardrailsConfig          `json:"guardrails,omitempty" yaml:"guardrails,omitempty"`
	Run          RunConfig                 `json:"run,omitempty" yaml:"run,omitempty"`
	Knowledge    KnowledgeConfig           `json:"knowledge,omitempty" yaml:"knowledge,omitempty"`
}

// Load reads, defaults, and validates a config document.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		if err := decodeJSONStrict(b, &cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	default:
		if err := decodeYAMLStrict(b, &cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	}
	ApplyDefaults(&cfg)
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns the built-in configuration with no file loaded.
func Default() *Config {
	cfg := &Config{}
	ApplyDefaults(cfg)
	return cfg
}

func decodeJSONStrict(b []byte, cfg *Config) error {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	if err := dec.Decode(cfg); err != nil {
		return err
	}
	var trailing any
	if err := dec.Decode(&trailing); err != io.EOF {
		if err == nil {
			return fmt.Errorf("json: multiple top-level values are not allowed")
		}
		return err
	}
	return nil
}

func decodeYAMLStrict(b []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		if err == io.EOF {
			return nil
		}
		return err
	}
	var trailing any
	if err := dec.Decode(&trailing); err != io.EOF {
		if err == nil {
			return fmt.Errorf("yaml: multiple documents are not allowed")
		}
		return err
	}
	return nil
}

// ApplyDefaults fills unset fields with documented defaults.
func ApplyDefaults(cfg *Config) {
	if cfg == nil {
		return
	}
	if cfg.Engine.Type == "" {
		cfg.Engine.Type = EngineCodex
	}
	if cfg.Engine.Timeout == 0 {
		cfg.Engine.Timeout = 600
	}
	if cfg.Git.BaseBranch == "" {
		cfg.Git.BaseBranch = "main"
	}
	if cfg.Git.Remote == "" {
		cfg.Git.Remote = "origin"
	}
	if cfg.Guardrails.Mode == "" {
		cfg.Guardrails.Mode = "blacklist"
	}
	if len(cfg.Guardrails.ForbiddenNewFiles) == 0 {
		cfg.Guardrails.ForbiddenNewFiles = []string{"pr_body.md", "review.md", "plan.md"}
	}
	if cfg.Run.MaxFixAttempts == 0 {
		cfg.Run.MaxFixAttempts = 3
	}
	if cfg.Run.ParallelItems == 0 {
		cfg.Run.ParallelItems = 1
	}
	if cfg.Run.PerItemVerify == "" {
		cfg.Run.PerItemVerify = "full"
	}
	if cfg.Run.FastVerifyMaxPytestTargets == 0 {
		cfg.Run.FastVerifyMaxPytestTargets = 6
	}
	if cfg.Run.FastVerifySkipPytestNoTargets == nil {
		t := true
		cfg.Run.FastVerifySkipPytestNoTargets = &t
	}
	if cfg.Knowledge.Mode == "" {
		cfg.Knowledge.Mode = "off"
	}
	if cfg.Knowledge.Trigger == "" {
		cfg.Knowledge.Trigger = "per_run"
	}
	if len(cfg.Knowledge.Allowlist) == 0 {
		cfg.Knowledge.Allowlist = []string{"AGENTS.md", "docs/architecture.md"}
	}
}

// Validate checks enum/range/uniqueness constraints.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}
	if !validEngine(cfg.Engine.Type) {
		return fmt.Errorf("invalid engine.type: %q", cfg.Engine.Type)
	}
	if cfg.Engine.Timeout < 30 {
		return fmt.Errorf("engine.timeout must be >= 30 seconds, got %d", cfg.Engine.Timeout)
	}
	if err := (ModelSelector{
		Model:           cfg.Engine.Model,
		Profile:         cfg.Engine.Profile,
		ReasoningEffort: cfg.Engine.ReasoningEffort,
	}).validate("engine"); err != nil {
		return err
	}
	for stage, sc := range cfg.StageEngines {
		if sc.Type != "" && !validEngine(sc.Type) {
			return fmt.Errorf("stage_engines.%s: invalid type %q", stage, sc.Type)
		}
		if err := (ModelSelector{Model: sc.Model, Profile: sc.Profile, ReasoningEffort: sc.ReasoningEffort}).validate("stage_engines." + stage); err != nil {
			return err
		}
	}
	for name, ec := range cfg.Executors {
		if !validEngine(EngineType(name)) {
			return fmt.Errorf("executors.%s: unknown executor", name)
		}
		if !validReasoningEffort(ec.Default.ReasoningEffort) {
			return fmt.Errorf("executors.%s.default: invalid reasoning_effort %q", name, ec.Default.ReasoningEffort)
		}
	}
	for stage, sc := range cfg.Stages {
		if sc.Executor != "" && !validEngine(sc.Executor) {
			return fmt.Errorf("stages.%s: invalid executor %q", stage, sc.Executor)
		}
		if err := sc.Selector().validate("stages." + stage); err != nil {
			return err
		}
	}
	for i, rule := range cfg.Fallback.Rules {
		if rule.MaxRetries < 1 || rule.MaxRetries > 5 {
			return fmt.Errorf("fallback.rules[%d]: max_retries must be in [1..5], got %d", i, rule.MaxRetries)
		}
		if rule.SwitchTo.Model != "" && rule.SwitchTo.Profile != "" {
			return fmt.Errorf("fallback.rules[%d]: switch_to model and profile are mutually exclusive", i)
		}
		if rule.SwitchTo.Model == "" && rule.SwitchTo.Profile == "" {
			return fmt.Errorf("fallback.rules[%d]: switch_to requires model or profile", i)
		}
		if rule.Match.Executor != "" && !validEngine(rule.Match.Executor) {
			return fmt.Errorf("fallback.rules[%d]: invalid match.executor %q", i, rule.Match.Executor)
		}
	}
	seen := map[string]bool{}
	for _, g := range cfg.Gates {
		name := strings.TrimSpace(g.Name)
		if name == "" {
			return fmt.Errorf("gates: name is required")
		}
		if seen[name] {
			return fmt.Errorf("gates: duplicate name %q", name)
		}
		seen[name] = true
		if strings.TrimSpace(g.Command) == "" {
			return fmt.Errorf("gates.%s: command is required", name)
		}
	}
	switch cfg.Guardrails.Mode {
	case "blacklist", "allowlist":
	default:
		return fmt.Errorf("invalid guardrails.mode: %q (want blacklist|allowlist)", cfg.Guardrails.Mode)
	}
	if cfg.Run.MaxFixAttempts < 1 || cfg.Run.MaxFixAttempts > 10 {
		return fmt.Errorf("run.max_fix_attempts must be in [1..10], got %d", cfg.Run.MaxFixAttempts)
	}
	if cfg.Run.ParallelItems < 1 {
		return fmt.Errorf("run.parallel_items must be >= 1, got %d", cfg.Run.ParallelItems)
	}
	switch cfg.Run.PerItemVerify {
	case "full", "fast":
	default:
		return fmt.Errorf("invalid run.per_item_verify: %q (want full|fast)", cfg.Run.PerItemVerify)
	}
	switch cfg.Knowledge.Mode {
	case "off", "suggest", "auto":
	default:
		return fmt.Errorf("invalid knowledge.mode: %q (want off|suggest|auto)", cfg.Knowledge.Mode)
	}
	switch cfg.Knowledge.Trigger {
	case "per_item", "per_run":
	default:
		return fmt.Errorf("invalid knowledge.trigger: %q (want per_item|per_run)", cfg.Knowledge.Trigger)
	}
	return nil
}

// StageTimeout returns the effective timeout in seconds for a stage.
func (c *Config) StageTimeout(stage string) int {
	if t, ok := c.Engine.StageTimeouts[stage]; ok && t > 0 {
		return t
	}
	return c.Engine.Timeout
}
