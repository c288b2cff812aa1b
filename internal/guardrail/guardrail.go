// Package guardrail enforces allow/deny policy over the files a stage may
// modify or create inside the workspace.
package guardrail

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/davidbarr/foreman/internal/config"
)

// Violation reports which rule rejected which files. Violations abort the
// current stage attempt and are not retried.
type Violation struct {
	Rule  string
	Files []string
}

func (v *Violation) Error() string {
	return fmt.Sprintf("guardrail violation (%s): %s", v.Rule, strings.Join(v.Files, ", "))
}

// Guardrails holds the compiled policy.
type Guardrails struct {
	Enabled           bool
	Mode              string // blacklist|allowlist
	AllowedPatterns   []string
	ForbiddenPatterns []string
	ForbiddenPaths    []string
	ForbiddenNewFiles []string
	MaxFilesChanged   int
}

// FromConfig builds guardrails from the loaded configuration.
func FromConfig(cfg config.GuardrailsConfig) *Guardrails {
	return &Guardrails{
		Enabled:           cfg.IsEnabled(),
		Mode:              cfg.Mode,
		AllowedPatterns:   append([]string{}, cfg.AllowedPatterns...),
		ForbiddenPatterns: append([]string{}, cfg.ForbiddenPatterns...),
		ForbiddenPaths:    append([]string{}, cfg.ForbiddenPaths...),
		ForbiddenNewFiles: append([]string{}, cfg.ForbiddenNewFiles...),
		MaxFilesChanged:   cfg.MaxFilesChanged,
	}
}

func matchAny(patterns []string, path string) (string, bool) {
	path = filepath.ToSlash(path)
	for _, pat := range patterns {
		if ok, err := doublestar.Match(pat, path); err == nil && ok {
			return pat, true
		}
	}
	return "", false
}

// IsFileAllowed applies the mode's pattern policy to one path.
func (g *Guardrails) IsFileAllowed(path string) bool {
	if !g.Enabled {
		return true
	}
	path = filepath.ToSlash(strings.TrimSpace(path))
	for _, p := range g.ForbiddenPaths {
		if path == filepath.ToSlash(p) || strings.HasPrefix(path, filepath.ToSlash(p)+"/") {
			return false
		}
	}
	if _, hit := matchAny(g.ForbiddenPatterns, path); hit {
		return false
	}
	if g.Mode == "allowlist" {
		_, hit := matchAny(g.AllowedPatterns, path)
		return hit
	}
	return true
}

// CheckFiles validates a changed-file set. It returns a *Violation when any
// file is disallowed, the total exceeds MaxFilesChanged, or the allowlist is
// empty in allowlist mode. Calling it twice over the same list is free of
// side effects.
func (g *Guardrails) CheckFiles(changed []string) error {
	if !g.Enabled {
		return nil
	}
	if g.Mode == "allowlist" && len(g.AllowedPatterns) == 0 {
		return &Violation{Rule: "empty_allowlist", Files: append([]string{}, changed...)}
	}
	var blocked []string
	for _, f := range changed {
		if !g.IsFileAllowed(f) {
			blocked = append(blocked, f)
		}
	}
	if len(blocked) > 0 {
		sort.Strings(blocked)
		return &Violation{Rule: "file_not_allowed", Files: blocked}
	}
	if g.MaxFilesChanged > 0 && len(changed) > g.MaxFilesChanged {
		return &Violation{
			Rule:  fmt.Sprintf("max_files_changed (%d > %d)", len(changed), g.MaxFilesChanged),
			Files: append([]string{}, changed...),
		}
	}
	return nil
}

// CheckNewFiles blocks run artifacts (pr_body.md and friends) from being
// created inside the workspace; those belong under the run's artifacts dir.
func (g *Guardrails) CheckNewFiles(newFiles []string, worktreeRoot string) error {
	if !g.Enabled || len(g.ForbiddenNewFiles) == 0 {
		return nil
	}
	forbidden := map[string]bool{}
	for _, name := range g.ForbiddenNewFiles {
		forbidden[name] = true
	}
	var blocked []string
	for _, f := range newFiles {
		if forbidden[filepath.Base(f)] {
			blocked = append(blocked, f)
		}
	}
	if len(blocked) > 0 {
		sort.Strings(blocked)
		return &Violation{Rule: "forbidden_new_file in " + worktreeRoot, Files: blocked}
	}
	return nil
}
