package server

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"sync"

	"github.com/oklog/ulid/v2"

	"github.com/davidbarr/foreman/internal/config"
	"github.com/davidbarr/foreman/internal/runner"
)

// Pool errors surfaced as HTTP statuses by the handlers.
var (
	ErrSaturated   = errors.New("worker pool saturated")
	ErrUnknownRun  = errors.New("unknown run")
	ErrRunFinished = errors.New("run already finished")
	ErrRunActive   = errors.New("run still active")
)

// Job tracks one queued or running pipeline execution.
type Job struct {
	ID         string
	RunID      string
	Task       string
	RepoPath   string
	PipelineID string
	Cancel     context.CancelFunc
	Done       chan struct{}

	mu  sync.Mutex
	err error
}

// Err returns the job's terminal error, nil while running or on success.
func (j *Job) Err() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.err
}

func (j *Job) finished() bool {
	select {
	case <-j.Done:
		return true
	default:
		return false
	}
}

// Pool runs queued pipelines, one goroutine per run, bounded by MaxWorkers.
type Pool struct {
	BaseDir    string
	Cfg        *config.Config
	MaxWorkers int

	baseCtx context.Context
	logger  *log.Logger

	// OnFinish, when set, observes each run's terminal status.
	OnFinish func(status string)

	mu      sync.Mutex
	slots   int
	byRunID map[string]*Job
}

func NewPool(ctx context.Context, baseDir string, cfg *config.Config, maxWorkers int) *Pool {
	if maxWorkers <= 0 {
		maxWorkers = 2
	}
	return &Pool{
		BaseDir:    baseDir,
		Cfg:        cfg,
		MaxWorkers: maxWorkers,
		baseCtx:    ctx,
		logger:     log.New(os.Stderr, "[foreman-server] ", log.LstdFlags),
		byRunID:    map[string]*Job{},
	}
}

// Active returns the number of in-flight runs.
func (p *Pool) Active() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.slots
}

// Job returns the tracked job for a run id, nil when this process never
// owned it.
func (p *Pool) Job(runID string) *Job {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.byRunID[runID]
}

// Start validates and launches a run. Returns the new run id.
func (p *Pool) Start(req StartRequest) (string, error) {
	if strings.TrimSpace(req.Task) == "" {
		return "", fmt.Errorf("task is required")
	}
	cfg := *p.Cfg
	if req.BaseBranch != "" {
		cfg.Git.BaseBranch = req.BaseBranch
	}
	pipelineID := req.Pipeline
	if pipelineID == "" {
		pipelineID = "standard"
	}
	repoPath := req.RepoPath
	if repoPath == "" {
		repoPath = "."
	}

	r, err := runner.New(runner.Options{
		Config:     &cfg,
		BaseDir:    p.BaseDir,
		RepoPath:   repoPath,
		PipelineID: pipelineID,
	})
	if err != nil {
		return "", err
	}

	p.mu.Lock()
	if p.slots >= p.MaxWorkers {
		p.mu.Unlock()
		return "", ErrSaturated
	}
	p.slots++
	ctx, cancel := context.WithCancel(p.baseCtx)
	job := &Job{
		ID:         ulid.Make().String(),
		RunID:      r.Paths.RunID,
		Task:       req.Task,
		RepoPath:   repoPath,
		PipelineID: pipelineID,
		Cancel:     cancel,
		Done:       make(chan struct{}),
	}
	p.byRunID[job.RunID] = job
	p.mu.Unlock()

	go func() {
		defer func() {
			p.mu.Lock()
			p.slots--
			p.mu.Unlock()
			close(job.Done)
		}()
		err := r.Run(ctx, req.Task)
		job.mu.Lock()
		job.err = err
		job.mu.Unlock()
		if err != nil {
			p.logger.Printf("run %s: %v", job.RunID, err)
		}
		if p.OnFinish != nil {
			status := StatusSuccess
			switch {
			case err != nil && ctx.Err() != nil:
				status = StatusCancelled
			case err != nil:
				status = StatusFail
			}
			p.OnFinish(status)
		}
	}()
	return job.RunID, nil
}

// CancelRun cancels an in-flight run owned by this process.
func (p *Pool) CancelRun(runID string) error {
	job := p.Job(runID)
	if job == nil {
		return ErrUnknownRun
	}
	if job.finished() {
		return ErrRunFinished
	}
	job.Cancel()
	return nil
}

// Restart starts a new run reusing a prior run's task and settings.
func (p *Pool) Restart(runID string) (string, error) {
	job := p.Job(runID)
	if job == nil {
		return "", ErrUnknownRun
	}
	if !job.finished() {
		return "", ErrRunActive
	}
	return p.Start(StartRequest{
		Task:     job.Task,
		RepoPath: job.RepoPath,
		Pipeline: job.PipelineID,
	})
}

// CancelAll cancels every in-flight run; used at shutdown.
func (p *Pool) CancelAll() {
	p.mu.Lock()
	jobs := make([]*Job, 0, len(p.byRunID))
	for _, j := range p.byRunID {
		jobs = append(jobs, j)
	}
	p.mu.Unlock()
	for _, j := range jobs {
		if !j.finished() {
			j.Cancel()
		}
	}
}
