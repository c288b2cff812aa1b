package server

import (
	"encoding/json"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/davidbarr/foreman/internal/metrics"
	"github.com/davidbarr/foreman/internal/procutil"
	"github.com/davidbarr/foreman/internal/runpaths"
	"github.com/davidbarr/foreman/internal/state"
)

// Façade status taxonomy.
const (
	StatusRunning   = "running"
	StatusSuccess   = "success"
	StatusFail      = "fail"
	StatusCancelled = "cancelled"
	StatusUnknown   = "unknown"
)

// RunSummary is one row of GET /runs.
type RunSummary struct {
	RunID        string `json:"run_id"`
	Status       string `json:"status"`
	CurrentStage string `json:"current_stage,omitempty"`
	CreatedAt    string `json:"created_at,omitempty"`
	UpdatedAt    string `json:"updated_at,omitempty"`
	TaskSummary  string `json:"task_summary,omitempty"`
}

// RunDetail is the full GET /runs/{id} document.
type RunDetail struct {
	RunID         string                        `json:"run_id"`
	Status        string                        `json:"status"`
	CurrentStage  string                        `json:"current_stage,omitempty"`
	CurrentItemID string                        `json:"current_item_id,omitempty"`
	StageStatuses map[string]*state.StageStatus `json:"stage_statuses,omitempty"`
	LastError     map[string]string             `json:"last_error,omitempty"`
	Artifacts     []string                      `json:"artifacts"`
	RunMetrics    *metrics.RunRecord            `json:"run_metrics,omitempty"`
	StageCount    int                           `json:"stage_count"`
}

// RunStatus is the compact GET /runs/{id}/status document.
type RunStatus struct {
	RunID        string `json:"run_id"`
	Status       string `json:"status"`
	CurrentStage string `json:"current_stage,omitempty"`
	ElapsedMS    int64  `json:"elapsed_ms"`
	HasDiff      bool   `json:"has_diff"`
	HasMetrics   bool   `json:"has_metrics"`
}

// StartRequest is the POST /runs/start body.
type StartRequest struct {
	Task       string         `json:"task"`
	RepoPath   string         `json:"repo_path,omitempty"`
	BaseBranch string         `json:"base_branch,omitempty"`
	Pipeline   string         `json:"pipeline,omitempty"`
	Overrides  map[string]any `json:"config_overrides,omitempty"`
}

// loadRunState reads state.json tolerantly; nil when missing or corrupt.
func loadRunState(paths *runpaths.RunPaths) *state.RunState {
	b, err := os.ReadFile(paths.StateFile())
	if err != nil {
		return nil
	}
	var st state.RunState
	if err := json.Unmarshal(b, &st); err != nil {
		return nil
	}
	return &st
}

// loadRunRecord reads metrics/run.json; nil until the run completes.
func loadRunRecord(paths *runpaths.RunPaths) *metrics.RunRecord {
	b, err := os.ReadFile(paths.RunMetricsFile())
	if err != nil {
		return nil
	}
	var rec metrics.RunRecord
	if err := json.Unmarshal(b, &rec); err != nil {
		return nil
	}
	return &rec
}

// runStatusOf maps the persisted artifacts to the façade taxonomy.
func runStatusOf(paths *runpaths.RunPaths) (string, *state.RunState) {
	st := loadRunState(paths)
	if rec := loadRunRecord(paths); rec != nil {
		switch rec.FinalStatus {
		case "success":
			return StatusSuccess, st
		case "fail":
			return StatusFail, st
		case "cancelled":
			return StatusCancelled, st
		}
	}
	if st == nil {
		return StatusUnknown, nil
	}
	switch st.CurrentStage {
	case state.StageDone:
		return StatusSuccess, st
	case state.StageFailed:
		return StatusFail, st
	default:
		// A non-terminal stage whose driver process is gone is neither
		// running nor finished.
		if pid, ok := readPID(paths); ok && !procutil.PIDAlive(pid) {
			return StatusUnknown, st
		}
		return StatusRunning, st
	}
}

func readPID(paths *runpaths.RunPaths) (int, bool) {
	b, err := os.ReadFile(paths.PIDFile())
	if err != nil {
		return 0, false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(b)))
	if err != nil || pid <= 0 {
		return 0, false
	}
	return pid, true
}

func elapsedMS(st *state.RunState) int64 {
	if st == nil {
		return 0
	}
	created, err := time.Parse(time.RFC3339, st.CreatedAt)
	if err != nil {
		return 0
	}
	updated, err := time.Parse(time.RFC3339, st.UpdatedAt)
	if err != nil {
		return 0
	}
	return updated.Sub(created).Milliseconds()
}
