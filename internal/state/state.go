// Package state persists the run's finite-state machine and makes resume
// possible: given only state.json, the runner can determine where to
// continue.
package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/davidbarr/foreman/internal/runpaths"
)

// Stage is one phase of the run FSM.
type Stage string

const (
	StageInit            Stage = "init"
	StagePlan            Stage = "plan"
	StageSpec            Stage = "spec"
	StageDecompose       Stage = "decompose"
	StageImplementItem   Stage = "implement_item"
	StageCaptureDiff     Stage = "capture_diff"
	StageVerify          Stage = "verify"
	StageFixLoop         Stage = "fix_loop"
	StageNextItem        Stage = "next_item"
	StageReview          Stage = "review"
	StageShip            Stage = "ship"
	StageKnowledgeUpdate Stage = "knowledge_update"
	StageDone            Stage = "done"
	StageFailed          Stage = "failed"
)

// Order is the linear walk of the FSM; the implement→next_item loop cycles
// through the inner stages per work item.
var Order = []Stage{
	StageInit, StagePlan, StageSpec, StageDecompose,
	StageImplementItem, StageCaptureDiff, StageVerify, StageFixLoop, StageNextItem,
	StageReview, StageShip, StageKnowledgeUpdate, StageDone,
}

// Valid reports whether s is a known stage.
func Valid(s Stage) bool {
	switch s {
	case StageInit, StagePlan, StageSpec, StageDecompose, StageImplementItem,
		StageCaptureDiff, StageVerify, StageFixLoop, StageNextItem, StageReview,
		StageShip, StageKnowledgeUpdate, StageDone, StageFailed:
		return true
	}
	return false
}

// StageStatus records one stage's execution status within the run.
type StageStatus struct {
	Stage       Stage  `json:"stage"`
	Status      string `json:"status"` // pending|running|completed|failed
	StartedAt   string `json:"started_at,omitempty"`
	CompletedAt string `json:"completed_at,omitempty"`
	Error       string `json:"error,omitempty"`
}

// RunState is the persisted FSM record for a run.
type RunState struct {
	RunID               string                  `json:"run_id"`
	CurrentStage        Stage                   `json:"current_stage"`
	CurrentItemID       string                  `json:"current_item_id,omitempty"`
	CurrentIteration    int                     `json:"current_iteration"`
	BaselineSHA         string                  `json:"baseline_sha,omitempty"`
	StageStatuses       map[string]*StageStatus `json:"stage_statuses"`
	LastFailureEvidence map[string]string       `json:"last_failure_evidence"`
	CreatedAt           string                  `json:"created_at"`
	UpdatedAt           string                  `json:"updated_at"`
}

// Load/save errors. Corruption makes a run non-resumable; callers treat
// ErrInvalid differently from a missing file.
var (
	ErrNotFound = errors.New("state file not found")
	ErrInvalid  = errors.New("state file invalid")
)

// Store manages state.json for one run. Mutations are serialized so the
// map executor's workers can share one store.
type Store struct {
	paths  *runpaths.RunPaths
	logger *log.Logger

	mu    sync.Mutex
	state *RunState
}

func NewStore(paths *runpaths.RunPaths) *Store {
	return &Store{
		paths:  paths,
		logger: log.New(os.Stderr, "[foreman] ", log.LstdFlags),
	}
}

func nowISO() string { return time.Now().UTC().Format(time.RFC3339) }

// Initialize creates a fresh state at stage init and saves it.
func (s *Store) Initialize() (*RunState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := nowISO()
	s.state = &RunState{
		RunID:               s.paths.RunID,
		CurrentStage:        StageInit,
		StageStatuses:       map[string]*StageStatus{},
		LastFailureEvidence: map[string]string{},
		CreatedAt:           now,
		UpdatedAt:           now,
	}
	if err := s.saveLocked(); err != nil {
		return nil, err
	}
	return s.state, nil
}

// Load parses state.json from disk.
func (s *Store) Load() (*RunState, error) {
	b, err := os.ReadFile(s.paths.StateFile())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, s.paths.StateFile())
		}
		return nil, err
	}
	var st RunState
	if err := json.Unmarshal(b, &st); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if st.RunID == "" || !Valid(st.CurrentStage) {
		return nil, fmt.Errorf("%w: missing run_id or unknown stage %q", ErrInvalid, st.CurrentStage)
	}
	if st.StageStatuses == nil {
		st.StageStatuses = map[string]*StageStatus{}
	}
	if st.LastFailureEvidence == nil {
		st.LastFailureEvidence = map[string]string{}
	}
	s.mu.Lock()
	s.state = &st
	s.mu.Unlock()
	return s.state, nil
}

// State returns the in-memory state; callers must Initialize or Load first.
func (s *Store) State() *RunState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Save atomically replaces state.json.
func (s *Store) Save() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveLocked()
}

func (s *Store) saveLocked() error {
	if s.state == nil {
		return fmt.Errorf("state not initialized")
	}
	s.state.UpdatedAt = nowISO()
	b, err := json.MarshalIndent(s.state, "", "  ")
	if err != nil {
		return err
	}
	return runpaths.WriteFileAtomic(s.paths.StateFile(), b)
}

// saveOrLog swallows persistence errors from mutation helpers; a state
// write must never abort an in-flight stage.
func (s *Store) saveOrLog(op string) {
	if err := s.saveLocked(); err != nil {
		s.logger.Printf("state save after %s failed: %v", op, err)
	}
}

// TransitionTo moves the FSM to stage: the target is marked running, any
// previously running stage is marked completed, and the state is saved.
func (s *Store) TransitionTo(stage Stage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == nil {
		return fmt.Errorf("state not initialized")
	}
	if !Valid(stage) {
		return fmt.Errorf("unknown stage: %q", stage)
	}
	now := nowISO()
	for _, ss := range s.state.StageStatuses {
		if ss.Status == "running" {
			ss.Status = "completed"
			ss.CompletedAt = now
		}
	}
	key := string(stage)
	ss := s.state.StageStatuses[key]
	if ss == nil {
		ss = &StageStatus{Stage: stage}
		s.state.StageStatuses[key] = ss
	}
	ss.Status = "running"
	ss.StartedAt = now
	ss.CompletedAt = ""
	ss.Error = ""
	s.state.CurrentStage = stage
	return s.saveLocked()
}

// MarkStageCompleted marks the named stage (or the current one when empty)
// completed.
func (s *Store) MarkStageCompleted(stage Stage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == nil {
		return
	}
	if stage == "" {
		stage = s.state.CurrentStage
	}
	ss := s.state.StageStatuses[string(stage)]
	if ss == nil {
		ss = &StageStatus{Stage: stage}
		s.state.StageStatuses[string(stage)] = ss
	}
	ss.Status = "completed"
	ss.CompletedAt = nowISO()
	s.saveOrLog("mark_stage_completed")
}

// MarkStageFailed marks the named stage (or the current one) failed with the
// given error text.
func (s *Store) MarkStageFailed(stage Stage, errMsg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == nil {
		return
	}
	if stage == "" {
		stage = s.state.CurrentStage
	}
	ss := s.state.StageStatuses[string(stage)]
	if ss == nil {
		ss = &StageStatus{Stage: stage}
		s.state.StageStatuses[string(stage)] = ss
	}
	ss.Status = "failed"
	ss.CompletedAt = nowISO()
	ss.Error = errMsg
	s.saveOrLog("mark_stage_failed")
}

func (s *Store) SetCurrentItem(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == nil {
		return
	}
	s.state.CurrentItemID = id
	s.state.CurrentIteration = 0
	s.saveOrLog("set_current_item")
}

func (s *Store) IncrementIteration() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == nil {
		return 0
	}
	s.state.CurrentIteration++
	s.saveOrLog("increment_iteration")
	return s.state.CurrentIteration
}

func (s *Store) SetBaselineSHA(sha string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == nil {
		return
	}
	s.state.BaselineSHA = sha
	s.saveOrLog("set_baseline_sha")
}

func (s *Store) SetFailureEvidence(evidence map[string]string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == nil {
		return
	}
	s.state.LastFailureEvidence = map[string]string{}
	for k, v := range evidence {
		s.state.LastFailureEvidence[k] = v
	}
	s.saveOrLog("set_failure_evidence")
}

func (s *Store) ClearFailureEvidence() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == nil {
		return
	}
	s.state.LastFailureEvidence = map[string]string{}
	s.saveOrLog("clear_failure_evidence")
}

// IsResumable reports whether the run can continue from its current stage.
func (s *Store) IsResumable() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == nil {
		return false
	}
	return s.state.CurrentStage != StageDone && s.state.CurrentStage != StageFailed
}

// ResumePoint returns the stage to re-enter. A stage left running at process
// death is re-entered from its beginning; re-entry is idempotent by design.
func (s *Store) ResumePoint() Stage {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == nil {
		return StageInit
	}
	return s.state.CurrentStage
}

// StageCompleted reports whether a stage already ran to completion, letting
// resume skip it without emitting a duplicate metrics record.
func (s *Store) StageCompleted(stage Stage) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == nil {
		return false
	}
	ss := s.state.StageStatuses[string(stage)]
	return ss != nil && ss.Status == "completed"
}
