package runner

import (
	"fmt"
	"os/exec"
	"sort"
	"strings"

	"github.com/davidbarr/foreman/internal/artifact"
)

const projectMapMaxEntries = 400

// buildContextPack writes the repo context artifacts the planning prompts
// consume: a tracked-file map, a tooling snapshot, and the rendered verify
// commands. All best-effort; a missing pack degrades prompts, not the run.
func (r *Runner) buildContextPack(store *artifact.Store) {
	if m := r.projectMap(); m != "" {
		if err := store.Set(artifact.KeyProjectMap, m, "init"); err != nil {
			r.logger.Printf("context pack: %v", err)
		}
	}
	if s := r.toolingSnapshot(); s != "" {
		if err := store.Set(artifact.KeyToolingSnapshot, s, "init"); err != nil {
			r.logger.Printf("context pack: %v", err)
		}
	}
	if v := r.verifyCommands(); v != "" {
		if err := store.Set(artifact.KeyVerifyCommands, v, "init"); err != nil {
			r.logger.Printf("context pack: %v", err)
		}
	}
}

// projectMap renders the tracked files of the workspace grouped by top-level
// directory, truncated to a prompt-friendly size.
func (r *Runner) projectMap() string {
	out, err := exec.Command("git", "-C", r.Workspace.Dir, "ls-files").Output()
	if err != nil {
		return ""
	}
	files := strings.Split(strings.TrimSpace(string(out)), "\n")
	if len(files) == 0 || files[0] == "" {
		return ""
	}

	byDir := map[string][]string{}
	for _, f := range files {
		top := "."
		if i := strings.IndexByte(f, '/'); i >= 0 {
			top = f[:i]
		}
		byDir[top] = append(byDir[top], f)
	}
	var dirs []string
	for d := range byDir {
		dirs = append(dirs, d)
	}
	sort.Strings(dirs)

	var b strings.Builder
	b.WriteString("# Project map\n\n")
	total := 0
	for _, d := range dirs {
		fmt.Fprintf(&b, "## %s (%d files)\n", d, len(byDir[d]))
		for _, f := range byDir[d] {
			if total >= projectMapMaxEntries {
				fmt.Fprintf(&b, "... truncated (%d files total)\n", len(files))
				return b.String()
			}
			fmt.Fprintf(&b, "- %s\n", f)
			total++
		}
	}
	return b.String()
}

// toolingSnapshot probes the versions of git and the configured gate tools.
func (r *Runner) toolingSnapshot() string {
	var b strings.Builder
	b.WriteString("# Tooling\n\n")
	probe := func(name string, args ...string) {
		out, err := exec.Command(name, args...).Output()
		if err != nil {
			fmt.Fprintf(&b, "- %s: not available\n", name)
			return
		}
		first := strings.TrimSpace(strings.Split(string(out), "\n")[0])
		fmt.Fprintf(&b, "- %s: %s\n", name, first)
	}
	probe("git", "--version")
	seen := map[string]bool{"git": true}
	for _, g := range r.Gates.Gates {
		if seen[g.Command] {
			continue
		}
		seen[g.Command] = true
		probe(g.Command, "--version")
	}
	return b.String()
}

// verifyCommands renders the gate command lines a change must pass.
func (r *Runner) verifyCommands() string {
	if len(r.Gates.Gates) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("# Verification commands\n\n")
	for _, g := range r.Gates.Gates {
		required := ""
		if !g.Required {
			required = " (optional)"
		}
		fmt.Fprintf(&b, "- %s: `%s %s`%s\n", g.Name, g.Command, strings.Join(g.Args, " "), required)
	}
	return b.String()
}
