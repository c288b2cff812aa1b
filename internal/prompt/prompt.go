// Package prompt renders stage prompts: a pure function from template name
// plus variables to text. Built-in templates cover the standard pipeline;
// callers may register replacements.
package prompt

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

var placeholderRe = regexp.MustCompile(`\{\{([a-z_]+)\}\}`)

// Render substitutes {{key}} placeholders from vars. Unknown placeholders
// render as empty strings so optional context keys stay optional.
func Render(template string, vars map[string]string) string {
	return placeholderRe.ReplaceAllStringFunc(template, func(m string) string {
		key := placeholderRe.FindStringSubmatch(m)[1]
		return vars[key]
	})
}

// Registry maps template names to template text.
type Registry struct {
	templates map[string]string
}

// NewRegistry returns a registry seeded with the built-in templates.
func NewRegistry() *Registry {
	r := &Registry{templates: map[string]string{}}
	for name, tpl := range builtinTemplates {
		r.templates[name] = tpl
	}
	return r
}

// Register adds or replaces a template.
func (r *Registry) Register(name string, template string) {
	r.templates[name] = template
}

// Names lists registered template names, sorted.
func (r *Registry) Names() []string {
	out := make([]string, 0, len(r.templates))
	for name := range r.templates {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Render materializes a named template with vars.
func (r *Registry) Render(name string, vars map[string]string) (string, error) {
	tpl, ok := r.templates[name]
	if !ok {
		return "", fmt.Errorf("unknown prompt template: %q", name)
	}
	return strings.TrimLeft(Render(tpl, vars), "\n"), nil
}

var builtinTemplates = map[string]string{
	"plan": `
You are planning a code change. Produce a concise implementation plan in markdown.

Task:
{{task}}

Project map:
{{project_map}}

Tooling:
{{tooling_snapshot}}
`,
	"spec": `
Turn the plan below into a precise technical specification in markdown.
Cover behavior, edge cases, and acceptance criteria. Do not write code.

Task:
{{task}}

Plan:
{{plan}}
`,
	"decompose": `
Break the specification into a backlog of small, independently verifiable
work items. Answer with YAML only, in this shape:

items:
  - id: W001
    title: short imperative title
    objective: what must exist afterwards
    acceptance:
      - observable criterion
    files_hint: []
    depends_on: []

Specification:
{{spec}}
`,
	"implement": `
Implement the following work item in this repository. Modify files directly.
Keep the change minimal and aligned with the acceptance criteria.

Work item:
{{current_item}}

Specification:
{{spec}}

Verification commands that must pass:
{{verify_commands}}
`,
	"fix": `
The previous attempt at this work item failed verification. Fix the code so
the checks pass. Modify files directly.

Work item:
{{current_item}}

Failure evidence:
{{failure_evidence}}
`,
	"review": `
Review the change below against the specification. Answer in markdown and
include a line "verdict: approve" or "verdict: changes_requested".

Specification:
{{spec}}

Diff:
{{patch_diff}}
`,
	"pr_body": `
Write a pull request description for the change below: summary, motivation,
and test notes.

Task:
{{task}}

Diff:
{{patch_diff}}
`,
	"knowledge_update": `
Distill durable lessons from this run that future runs should know. Answer
in markdown. Only propose edits to the files listed.

Allowed files:
{{knowledge_allowlist}}

Review:
{{review}}

Lessons:
{{lessons}}
`,
}
