// Package workspace provides the isolated git-worktree copy of the base
// repository that a run mutates. The primary checkout is never touched.
package workspace

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/davidbarr/foreman/internal/runpaths"
)

// Workspace wraps one run's isolated worktree at a known baseline commit.
type Workspace struct {
	RepoPath string
	Dir      string
	Branch   string

	baseline string
	logger   *log.Logger
	mu       sync.Mutex
}

// New prepares a workspace handle; Create materializes it.
func New(repoPath string, dir string, runID string) *Workspace {
	return &Workspace{
		RepoPath: repoPath,
		Dir:      dir,
		Branch:   "foreman/run/" + runID,
		logger:   log.New(os.Stderr, "[foreman] ", log.LstdFlags),
	}
}

// Create materializes the worktree on a run branch at the tip of baseBranch.
// Idempotent: a stale worktree at the same path is replaced.
func (w *Workspace) Create(baseBranch string) (string, error) {
	if !IsRepo(w.RepoPath) {
		return "", fmt.Errorf("not a git repo: %s", w.RepoPath)
	}
	sha, err := revParse(w.RepoPath, baseBranch)
	if err != nil {
		return "", fmt.Errorf("resolve base branch %s: %w", baseBranch, err)
	}
	return w.materialize(sha)
}

// CreateAt materializes the worktree at an exact commit, used by resume to
// rebuild a missing workspace at the recorded baseline.
func (w *Workspace) CreateAt(sha string) (string, error) {
	if !IsRepo(w.RepoPath) {
		return "", fmt.Errorf("not a git repo: %s", w.RepoPath)
	}
	sha = strings.TrimSpace(sha)
	if sha == "" {
		return "", fmt.Errorf("baseline sha is required")
	}
	return w.materialize(sha)
}

func (w *Workspace) materialize(sha string) (string, error) {
	w.baseline = sha
	// Replace any stale worktree from a previous attempt at the same path.
	// It goes first: git refuses to move a branch a worktree has checked out.
	_, _ = git(w.RepoPath, "worktree", "remove", "--force", w.Dir)
	if _, err := git(w.RepoPath, "branch", "--force", w.Branch, sha); err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(w.Dir), 0o755); err != nil {
		return "", err
	}
	if _, err := git(w.RepoPath, "worktree", "add", w.Dir, w.Branch); err != nil {
		return "", err
	}
	return w.Dir, nil
}

// Attach re-binds to an existing worktree, recovering the baseline from sha.
func (w *Workspace) Attach(baselineSHA string) error {
	if _, err := os.Stat(w.Dir); err != nil {
		return fmt.Errorf("worktree missing: %w", err)
	}
	w.baseline = strings.TrimSpace(baselineSHA)
	return nil
}

// Exists reports whether the worktree directory is present.
func (w *Workspace) Exists() bool {
	info, err := os.Stat(w.Dir)
	return err == nil && info.IsDir()
}

// BaselineSHA returns the commit the workspace was created at.
func (w *Workspace) BaselineSHA() string { return w.baseline }

// Mutex serializes workspace-mutating critical sections across map workers.
func (w *Workspace) Mutex() *sync.Mutex { return &w.mu }

// ValidateBaseBranch soft-checks that the repository's checked-out branch
// matches the expectation, logging a warning on mismatch.
func (w *Workspace) ValidateBaseBranch(expected string) {
	out, err := git(w.RepoPath, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		w.logger.Printf("base branch check skipped: %v", err)
		return
	}
	current := strings.TrimSpace(out)
	if current != expected {
		w.logger.Printf("base repo is on %q, expected %q; run continues against %q", current, expected, expected)
	}
}

// Reset hard-resets the worktree to sha (the baseline when empty) and
// removes untracked files.
func (w *Workspace) Reset(sha string) error {
	if sha == "" {
		sha = w.baseline
	}
	if sha == "" {
		return fmt.Errorf("no baseline sha to reset to")
	}
	if _, err := git(w.Dir, "reset", "--hard", sha); err != nil {
		return err
	}
	_, err := git(w.Dir, "clean", "-fd")
	return err
}

// DiffTo captures the combined staged+unstaged+untracked diff into outPath,
// excluding the given pathspecs. The pre-call staging state is restored.
func (w *Workspace) DiffTo(outPath string, excludePatterns []string) error {
	stagedOut, err := git(w.Dir, "diff", "--name-only", "--cached")
	if err != nil {
		return err
	}
	stagedBefore := splitLines(stagedOut)

	if _, err := git(w.Dir, "add", "-A"); err != nil {
		return err
	}
	args := []string{"diff", "--cached"}
	if len(excludePatterns) > 0 {
		args = append(args, "--", ".")
		for _, pat := range excludePatterns {
			args = append(args, ":(exclude)"+pat)
		}
	}
	diff, err := git(w.Dir, args...)
	if err != nil {
		return err
	}

	// Restore the staging state we found.
	if _, err := git(w.Dir, "reset", "--quiet"); err != nil {
		return err
	}
	if len(stagedBefore) > 0 {
		addArgs := append([]string{"add", "--"}, stagedBefore...)
		if _, err := git(w.Dir, addArgs...); err != nil {
			return err
		}
	}
	return runpaths.WriteFileAtomic(outPath, []byte(diff))
}

// DiffOf returns the pending diff limited to the given pathspecs. New files
// are registered with intent-to-add first so they appear in the output.
func (w *Workspace) DiffOf(pathspecs ...string) (string, error) {
	if len(pathspecs) == 0 {
		return "", nil
	}
	addArgs := append([]string{"add", "-N", "--"}, pathspecs...)
	if _, err := git(w.Dir, addArgs...); err != nil {
		return "", err
	}
	diffArgs := append([]string{"diff", "--"}, pathspecs...)
	return git(w.Dir, diffArgs...)
}

// DiffEmpty reports whether the worktree has no pending changes.
func (w *Workspace) DiffEmpty() (bool, error) {
	out, err := git(w.Dir, "status", "--porcelain")
	if err != nil {
		return false, err
	}
	return strings.TrimSpace(out) == "", nil
}

// ChangedFiles lists paths with staged, unstaged, or untracked changes.
func (w *Workspace) ChangedFiles() ([]string, error) {
	out, err := git(w.Dir, "status", "--porcelain")
	if err != nil {
		return nil, err
	}
	var files []string
	for _, line := range strings.Split(out, "\n") {
		if len(line) < 4 {
			continue
		}
		path := strings.TrimSpace(line[3:])
		// Renames are reported as "old -> new"; the new path is what changed.
		if i := strings.Index(path, " -> "); i >= 0 {
			path = path[i+4:]
		}
		path = strings.Trim(path, `"`)
		if path != "" {
			files = append(files, path)
		}
	}
	return files, nil
}

// UntrackedFiles lists files not yet known to git.
func (w *Workspace) UntrackedFiles() ([]string, error) {
	out, err := git(w.Dir, "ls-files", "--others", "--exclude-standard")
	if err != nil {
		return nil, err
	}
	return splitLines(out), nil
}

// CommitAll stages everything and commits, returning the new HEAD sha.
// Worktrees are ephemeral and may lack a configured identity, so one is
// supplied on the command line whenever the repo does not provide its own.
func (w *Workspace) CommitAll(message string) (string, error) {
	if _, err := git(w.Dir, "add", "--all"); err != nil {
		return "", err
	}
	args := []string{"commit", "--allow-empty", "-m", message}
	if !hasIdentity(w.Dir) {
		args = append([]string{
			"-c", "user.name=foreman",
			"-c", "user.email=runs@foreman.invalid",
		}, args...)
	}
	if _, err := git(w.Dir, args...); err != nil {
		return "", err
	}
	return w.HeadSHA()
}

// Push publishes the run branch. Best-effort for callers: failures are
// returned but should not abort a completed run.
func (w *Workspace) Push(remote string, branch string) error {
	if branch == "" {
		branch = w.Branch
	}
	_, err := git(w.Dir, "push", remote, branch)
	return err
}

// Remove detaches and deletes the worktree directory.
func (w *Workspace) Remove() error {
	_, err := git(w.RepoPath, "worktree", "remove", "--force", w.Dir)
	return err
}

// HeadSHA returns the worktree's current HEAD.
func (w *Workspace) HeadSHA() (string, error) { return HeadSHA(w.Dir) }

func splitLines(s string) []string {
	var out []string
	for _, line := range strings.Split(s, "\n") {
		if trimmed := strings.TrimSpace(line); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
