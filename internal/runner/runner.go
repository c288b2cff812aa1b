// Package runner composes the run-scoped components (paths, state, metrics,
// router, gates, workspace, guardrails, pipeline engine) into a full run
// with resume support.
package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/davidbarr/foreman/internal/artifact"
	"github.com/davidbarr/foreman/internal/backlog"
	"github.com/davidbarr/foreman/internal/config"
	"github.com/davidbarr/foreman/internal/gate"
	"github.com/davidbarr/foreman/internal/guardrail"
	"github.com/davidbarr/foreman/internal/metrics"
	"github.com/davidbarr/foreman/internal/pipeline"
	"github.com/davidbarr/foreman/internal/prompt"
	"github.com/davidbarr/foreman/internal/router"
	"github.com/davidbarr/foreman/internal/runpaths"
	"github.com/davidbarr/foreman/internal/state"
	"github.com/davidbarr/foreman/internal/version"
	"github.com/davidbarr/foreman/internal/workspace"
)

// Options configure one Runner.
type Options struct {
	Config     *config.Config
	BaseDir    string
	RepoPath   string
	PipelineID string
	RunID      string // empty: generate
	DryRun     bool
}

// Runner owns one run end to end. No component is shared between runs.
type Runner struct {
	Cfg        *config.Config
	Paths      *runpaths.RunPaths
	State      *state.Store
	Writer     *metrics.Writer
	Collector  *metrics.Collector
	Router     *router.Router
	Gates      *gate.Runner
	Guards     *guardrail.Guardrails
	Workspace  *workspace.Workspace
	Registry   *pipeline.Registry
	Prompts    *prompt.Registry
	PipelineID string
	RepoPath   string
	DryRun     bool

	logger    *log.Logger
	startedAt time.Time
}

// New builds a runner and the run directory skeleton.
func New(opts Options) (*Runner, error) {
	if opts.Config == nil {
		opts.Config = config.Default()
	}
	if opts.PipelineID == "" {
		opts.PipelineID = "standard"
	}
	if opts.RepoPath == "" {
		opts.RepoPath = "."
	}
	var paths *runpaths.RunPaths
	var err error
	if opts.RunID == "" {
		paths, err = runpaths.CreateNew(opts.BaseDir)
	} else {
		paths, err = runpaths.CreateWithID(opts.BaseDir, opts.RunID)
	}
	if err != nil {
		return nil, err
	}
	return attach(opts, paths)
}

// FromExisting re-attaches to a run directory for resume/status.
func FromExisting(opts Options, runID string) (*Runner, error) {
	if opts.Config == nil {
		opts.Config = config.Default()
	}
	if opts.PipelineID == "" {
		opts.PipelineID = "standard"
	}
	paths, err := runpaths.FromExisting(opts.BaseDir, runID)
	if err != nil {
		return nil, err
	}
	return attach(opts, paths)
}

func attach(opts Options, paths *runpaths.RunPaths) (*Runner, error) {
	writer := metrics.NewWriter(paths)
	r := &Runner{
		Cfg:        opts.Config,
		Paths:      paths,
		State:      state.NewStore(paths),
		Writer:     writer,
		Collector:  metrics.NewCollector(writer),
		Router:     router.New(opts.Config, opts.DryRun),
		Gates:      gate.FromConfig(opts.Config.Gates, opts.Config.Engine.Timeout),
		Guards:     guardrail.FromConfig(opts.Config.Guardrails),
		Workspace:  workspace.New(opts.RepoPath, paths.WorktreeDir(), paths.RunID),
		Registry:   pipeline.NewRegistry(),
		Prompts:    prompt.NewRegistry(),
		PipelineID: opts.PipelineID,
		RepoPath:   opts.RepoPath,
		DryRun:     opts.DryRun,
		logger:     log.New(os.Stderr, "[foreman] ", log.LstdFlags),
		startedAt:  time.Now().UTC(),
	}
	return r, nil
}

func (r *Runner) engine(store *artifact.Store) *pipeline.Engine {
	eng := &pipeline.Engine{
		Cfg:       r.Cfg,
		Paths:     r.Paths,
		Artifacts: store,
		State:     r.State,
		Collector: r.Collector,
		Router:    r.Router,
		Gates:     r.Gates,
		Guards:    r.Guards,
		Workspace: r.Workspace,
		Prompts:   r.Prompts,
		Custom: map[string]pipeline.CustomFunc{
			"ship": shipCallable,
		},
		ExtraEnv: map[string]any{
			"knowledge_enabled": fmt.Sprintf("%v", r.Cfg.Knowledge.Enabled && r.Cfg.Knowledge.Mode != "off"),
		},
	}
	return eng
}

func (r *Runner) writePIDFile() {
	if err := runpaths.WriteFileAtomic(r.Paths.PIDFile(), []byte(strconv.Itoa(os.Getpid()))); err != nil {
		r.logger.Printf("write pid file: %v", err)
	}
}

// Run executes the configured pipeline for a task.
func (r *Runner) Run(ctx context.Context, task string) error {
	if _, err := r.State.Initialize(); err != nil {
		return fmt.Errorf("initialize state: %w", err)
	}
	r.writePIDFile()
	store := artifact.NewStore(r.Paths)
	if err := store.Set(artifact.KeyTask, task, "init"); err != nil {
		return err
	}

	if _, err := r.Workspace.Create(r.Cfg.Git.BaseBranch); err != nil {
		return r.finishEarly(store, task, fmt.Errorf("create workspace: %w", err))
	}
	r.Workspace.ValidateBaseBranch(r.Cfg.Git.BaseBranch)
	r.State.SetBaselineSHA(r.Workspace.BaselineSHA())

	r.buildContextPack(store)

	def, err := r.Registry.Resolve(r.PipelineID)
	if err != nil {
		return r.finishEarly(store, task, err)
	}
	eng := r.engine(store)
	res := eng.Run(ctx, def, "")
	return r.finalize(store, task, res)
}

// Resume continues an interrupted run from its persisted state.
func (r *Runner) Resume(ctx context.Context) error {
	st, err := r.State.Load()
	if err != nil {
		return fmt.Errorf("load state: %w", err)
	}
	if !r.State.IsResumable() {
		return fmt.Errorf("run %s is not resumable (stage %s)", r.Paths.RunID, st.CurrentStage)
	}
	r.writePIDFile()

	if !r.Workspace.Exists() {
		if st.BaselineSHA == "" {
			return fmt.Errorf("cannot recreate workspace: no baseline sha recorded")
		}
		if _, err := r.Workspace.CreateAt(st.BaselineSHA); err != nil {
			return fmt.Errorf("recreate workspace: %w", err)
		}
		if err := r.Workspace.Reset(st.BaselineSHA); err != nil {
			return fmt.Errorf("reset workspace: %w", err)
		}
	} else if err := r.Workspace.Attach(st.BaselineSHA); err != nil {
		return err
	}

	store := artifact.NewStore(r.Paths)
	if err := store.LoadFromDisk(
		artifact.KeyTask, artifact.KeyPlan, artifact.KeySpec, artifact.KeyBacklog,
		artifact.KeyProjectMap, artifact.KeyToolingSnapshot, artifact.KeyVerifyCommands,
		artifact.KeyReview,
	); err != nil {
		r.logger.Printf("resume context load: %v", err)
	}
	task, _ := store.Get(artifact.KeyTask)

	// A patch.diff from before the crash may no longer match the workspace;
	// re-diff instead of trusting it.
	if empty, err := r.Workspace.DiffEmpty(); err == nil && !empty {
		if err := r.Workspace.DiffTo(r.Paths.PatchDiffFile(), nil); err != nil {
			r.logger.Printf("resume re-diff: %v", err)
		}
	} else {
		_ = os.Remove(r.Paths.PatchDiffFile())
	}

	def, err := r.Registry.Resolve(r.PipelineID)
	if err != nil {
		return err
	}
	eng := r.engine(store)
	eng.Resuming = true
	if raw, ok := store.Get(artifact.KeyBacklog); ok {
		if bl, err := backlog.Parse(r.Paths.RunID, raw); err == nil {
			eng.Backlog = bl
		} else {
			r.logger.Printf("resume backlog parse: %v", err)
		}
	}

	res := eng.Run(ctx, def, string(r.State.ResumePoint()))
	return r.finalize(store, task, res)
}

func (r *Runner) finishEarly(store *artifact.Store, task string, cause error) error {
	res := &pipeline.Result{
		Success:         false,
		FailedStage:     string(state.StageInit),
		FailureCategory: "workspace_error",
		Err:             cause.Error(),
	}
	r.State.MarkStageFailed(state.StageInit, cause.Error())
	if err := r.State.TransitionTo(state.StageFailed); err != nil {
		r.logger.Printf("transition to failed: %v", err)
	}
	if ferr := r.finalize(store, task, res); ferr != nil {
		return ferr
	}
	return cause
}

// finalize transitions the FSM terminal, writes meta.json and run.json, and
// appends the global index line.
func (r *Runner) finalize(store *artifact.Store, task string, res *pipeline.Result) error {
	finalStatus := "success"
	if res.Success {
		if err := r.State.TransitionTo(state.StageDone); err != nil {
			r.logger.Printf("transition to done: %v", err)
		}
	} else {
		finalStatus = "fail"
		if res.FailureCategory == pipeline.CategoryCancelled {
			finalStatus = "cancelled"
		}
	}

	end := time.Now().UTC()
	var finalDiff *metrics.DiffStats
	if b, err := os.ReadFile(r.Paths.PatchDiffFile()); err == nil && len(b) > 0 {
		stats := metrics.DiffStatsFromDiff(string(b))
		finalDiff = &stats
	}

	sel := r.Router.ResolveSelector("implement")
	runRec := r.Collector.Aggregate(metrics.AggregateInput{
		RunID:          r.Paths.RunID,
		TaskText:       task,
		Engine:         string(r.Cfg.Engine.Type),
		Model:          sel.Model,
		BaseBranch:     r.Cfg.Git.BaseBranch,
		FinalStatus:    finalStatus,
		FailureReason:  res.Err,
		ItemsTotal:     res.ItemsTotal,
		ItemsCompleted: res.ItemsCompleted,
		ItemsFailed:    res.ItemsFailed,
		FinalDiffStats: finalDiff,
		EndTS:          end,
	})
	if err := r.Writer.WriteRun(runRec); err != nil {
		r.logger.Printf("write run.json: %v", err)
	}
	if err := r.writeMeta(end); err != nil {
		r.logger.Printf("write meta.json: %v", err)
	}
	if err := metrics.AppendToIndex(r.Paths.Base, metrics.IndexEntry{
		RunID:       r.Paths.RunID,
		StartTS:     r.startedAt.Format(time.RFC3339Nano),
		EndTS:       end.Format(time.RFC3339Nano),
		FinalStatus: finalStatus,
		Engine:      string(r.Cfg.Engine.Type),
		TaskSummary: summarize(task),
	}); err != nil {
		r.logger.Printf("append index: %v", err)
	}

	if !res.Success {
		return fmt.Errorf("run failed at %s: %s (%s)", res.FailedStage, res.Err, res.FailureCategory)
	}
	return nil
}

// Meta is the meta.json document.
type Meta struct {
	RunID         string                        `json:"run_id"`
	StartTime     string                        `json:"start_time"`
	EndTime       string                        `json:"end_time,omitempty"`
	Engine        string                        `json:"engine"`
	BaseBranch    string                        `json:"base_branch"`
	BranchName    string                        `json:"branch_name"`
	Versions      map[string]string             `json:"versions,omitempty"`
	StageStatuses map[string]*state.StageStatus `json:"stage_statuses"`
	StageModels   []router.StageModelInfo       `json:"stage_models,omitempty"`
	DryRun        bool                          `json:"dry_run,omitempty"`
}

func (r *Runner) writeMeta(end time.Time) error {
	def, err := r.Registry.Resolve(r.PipelineID)
	if err != nil {
		return err
	}
	var stages []string
	for _, n := range def.Nodes {
		stages = append(stages, n.ID)
	}
	models, err := r.Router.DescribeStages(stages)
	if err != nil {
		r.logger.Printf("describe stages: %v", err)
	}
	meta := Meta{
		RunID:         r.Paths.RunID,
		StartTime:     r.startedAt.Format(time.RFC3339Nano),
		EndTime:       end.Format(time.RFC3339Nano),
		Engine:        string(r.Cfg.Engine.Type),
		BaseBranch:    r.Cfg.Git.BaseBranch,
		BranchName:    r.Workspace.Branch,
		Versions:      r.toolVersions(),
		StageStatuses: r.State.State().StageStatuses,
		StageModels:   models,
		DryRun:        r.DryRun,
	}
	b, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return err
	}
	return runpaths.WriteFileAtomic(r.Paths.MetaFile(), b)
}

func (r *Runner) toolVersions() map[string]string {
	out := map[string]string{"foreman": version.Version}
	if v, err := exec.Command("git", "--version").Output(); err == nil {
		out["git"] = strings.TrimSpace(string(v))
	}
	return out
}

func summarize(task string) string {
	task = strings.TrimSpace(strings.Split(task, "\n")[0])
	if len(task) > 120 {
		task = task[:120]
	}
	return task
}

// shipCallable commits the run branch when git.auto_commit is set, pushes it
// when git.auto_push is set, and writes the PR body artifact.
func shipCallable(ctx context.Context, eng *pipeline.Engine, node pipeline.NodeDefinition) error {
	task, _ := eng.Artifacts.Get(artifact.KeyTask)
	diff, _ := eng.Artifacts.Get(artifact.KeyPatchDiff)

	if eng.Cfg.Git.AutoCommit {
		msg := "foreman: " + summarize(task)
		if msg == "foreman: " {
			msg = "foreman: automated change"
		}
		if _, err := eng.Workspace.CommitAll(msg); err != nil {
			return fmt.Errorf("commit: %w", err)
		}
	}
	if eng.Cfg.Git.AutoPush {
		if err := eng.Workspace.Push(eng.Cfg.Git.Remote, ""); err != nil {
			return fmt.Errorf("push: %w", err)
		}
	}

	stats := metrics.DiffStatsFromDiff(diff)
	var b strings.Builder
	fmt.Fprintf(&b, "## Summary\n\n%s\n\n", summarize(task))
	fmt.Fprintf(&b, "## Changes\n\n%d files changed, +%d/-%d lines.\n", stats.FilesChanged, stats.LinesAdded, stats.LinesRemoved)
	if len(stats.FilesList) > 0 {
		b.WriteString("\n")
		for _, f := range stats.FilesList {
			fmt.Fprintf(&b, "- `%s`\n", f)
		}
	}
	return eng.Artifacts.Set(artifact.KeyPRBody, b.String(), node.ID)
}
