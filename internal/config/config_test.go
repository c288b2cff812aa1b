package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "foreman.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestDefaultsApplied(t *testing.T) {
	cfg := Default()
	assert.Equal(t, EngineCodex, cfg.Engine.Type)
	assert.Equal(t, 600, cfg.Engine.Timeout)
	assert.Equal(t, 3, cfg.Run.MaxFixAttempts)
	assert.Equal(t, 1, cfg.Run.ParallelItems)
	assert.Equal(t, "full", cfg.Run.PerItemVerify)
	assert.Equal(t, "blacklist", cfg.Guardrails.Mode)
	assert.Equal(t, "main", cfg.Git.BaseBranch)
	assert.True(t, cfg.Fallback.IsEnabled())
	assert.Contains(t, cfg.Guardrails.ForbiddenNewFiles, "pr_body.md")
}

func TestLoadFullDocument(t *testing.T) {
	path := writeConfig(t, `
engine:
  type: gemini
  timeout: 900
  stage_timeouts:
    implement: 1800
stages:
  plan:
    executor: codex
    profile: planning
fallback:
  rules:
    - match:
        executor: gemini
        error_contains: ["429", "quota"]
      switch_to:
        model: gemini-2.5-flash
      max_retries: 1
gates:
  - name: ruff
    command: ruff
    args: ["check", "."]
  - name: pytest
    command: pytest
    args: ["-q"]
run:
  max_fix_attempts: 5
  parallel_items: 2
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, EngineGemini, cfg.Engine.Type)
	assert.Equal(t, 1800, cfg.StageTimeout("implement"))
	assert.Equal(t, 900, cfg.StageTimeout("plan"))
	assert.Equal(t, "planning", cfg.Stages["plan"].Profile)
	require.Len(t, cfg.Fallback.Rules, 1)
	assert.Equal(t, "gemini-2.5-flash", cfg.Fallback.Rules[0].SwitchTo.Model)
	assert.Equal(t, 5, cfg.Run.MaxFixAttempts)
	assert.True(t, cfg.Gates[1].IsRequired())
}

func TestRejectsUnknownKeys(t *testing.T) {
	path := writeConfig(t, "engine:\n  typ: codex\n")
	_, err := Load(path)
	assert.Error(t, err)
}

func TestRejectsModelAndProfile(t *testing.T) {
	path := writeConfig(t, `
stages:
  plan:
    model: gpt-5
    profile: planning
`)
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "mutually exclusive")
}

func TestRejectsDuplicateGateNames(t *testing.T) {
	path := writeConfig(t, `
gates:
  - name: pytest
    command: pytest
  - name: pytest
    command: pytest
`)
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate name")
}

func TestRejectsOutOfRangeValues(t *testing.T) {
	for _, doc := range []string{
		"engine:\n  timeout: 5\n",
		"run:\n  max_fix_attempts: 11\n",
		"fallback:\n  rules:\n    - match: {}\n      switch_to: {model: x}\n      max_retries: 6\n",
		"guardrails:\n  mode: denylist\n",
		"engine:\n  reasoning_effort: extreme\n",
	} {
		path := writeConfig(t, doc)
		_, err := Load(path)
		assert.Error(t, err, "doc: %s", doc)
	}
}

func TestFallbackRuleRequiresSwitchTarget(t *testing.T) {
	path := writeConfig(t, `
fallback:
  rules:
    - match:
        error_contains: ["429"]
      switch_to: {}
      max_retries: 1
`)
	_, err := Load(path)
	assert.Error(t, err)
}
