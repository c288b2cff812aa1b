// Package backlog models the ordered work items the implementation loop
// iterates over, serialized as YAML in the run's context directory.
package backlog

import (
	"fmt"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// Work item statuses.
const (
	StatusTodo       = "todo"
	StatusInProgress = "in_progress"
	StatusDone       = "done"
	StatusFailed     = "failed"
	StatusSkipped    = "skipped"
)

var idRe = regexp.MustCompile(`^W\d{3}$`)

// Item is one unit of work produced by decompose.
type Item struct {
	ID         string   `yaml:"id" json:"id"`
	Title      string   `yaml:"title" json:"title"`
	Objective  string   `yaml:"objective" json:"objective"`
	Acceptance []string `yaml:"acceptance" json:"acceptance"`
	FilesHint  []string `yaml:"files_hint,omitempty" json:"files_hint,omitempty"`
	DependsOn  []string `yaml:"depends_on,omitempty" json:"depends_on,omitempty"`
	Status     string   `yaml:"status" json:"status"`
	Attempts   int      `yaml:"attempts" json:"attempts"`
	Notes      string   `yaml:"notes,omitempty" json:"notes,omitempty"`
}

func (i *Item) validate() error {
	if !idRe.MatchString(i.ID) {
		return fmt.Errorf("item id %q does not match W### format", i.ID)
	}
	if strings.TrimSpace(i.Title) == "" || len(i.Title) > 200 {
		return fmt.Errorf("item %s: title must be 1..200 chars", i.ID)
	}
	if strings.TrimSpace(i.Objective) == "" {
		return fmt.Errorf("item %s: objective is required", i.ID)
	}
	if len(i.Acceptance) == 0 {
		return fmt.Errorf("item %s: at least one acceptance criterion is required", i.ID)
	}
	for _, dep := range i.DependsOn {
		if dep == i.ID {
			return fmt.Errorf("item %s: depends on itself", i.ID)
		}
	}
	return nil
}

// Backlog is the ordered item list for one run.
type Backlog struct {
	RunID string  `yaml:"run_id,omitempty" json:"run_id,omitempty"`
	Items []*Item `yaml:"items" json:"items"`
}

// New returns an empty backlog for a run.
func New(runID string) *Backlog {
	return &Backlog{RunID: runID}
}

// Add appends an item after validating it and its id uniqueness.
func (b *Backlog) Add(item *Item) error {
	if item.Status == "" {
		item.Status = StatusTodo
	}
	if err := item.validate(); err != nil {
		return err
	}
	if b.Lookup(item.ID) != nil {
		return fmt.Errorf("duplicate item id: %s", item.ID)
	}
	b.Items = append(b.Items, item)
	return nil
}

// Lookup returns the item with the given id, nil when absent.
func (b *Backlog) Lookup(id string) *Item {
	for _, item := range b.Items {
		if item.ID == id {
			return item
		}
	}
	return nil
}

// NextTodo returns the first item in insertion order whose status is todo
// and whose dependencies are all done. Nil when nothing is ready.
func (b *Backlog) NextTodo() *Item {
	for _, item := range b.Items {
		if item.Status != StatusTodo {
			continue
		}
		if b.depsDone(item) {
			return item
		}
	}
	return nil
}

func (b *Backlog) depsDone(item *Item) bool {
	for _, dep := range item.DependsOn {
		d := b.Lookup(dep)
		if d == nil || d.Status != StatusDone {
			return false
		}
	}
	return true
}

// Exhausted reports whether no todo item will ever become ready: everything
// is terminal, or every remaining todo has a failed/missing dependency.
func (b *Backlog) Exhausted() bool {
	for _, item := range b.Items {
		if item.Status == StatusTodo || item.Status == StatusInProgress {
			if b.depsCanComplete(item) {
				return false
			}
		}
	}
	return true
}

func (b *Backlog) depsCanComplete(item *Item) bool {
	for _, dep := range item.DependsOn {
		d := b.Lookup(dep)
		if d == nil {
			return false
		}
		if d.Status == StatusFailed || d.Status == StatusSkipped {
			return false
		}
		if d.Status != StatusDone && !b.depsCanComplete(d) {
			return false
		}
	}
	return true
}

// DetectCycles returns one error per dependency problem (unknown ids,
// cycles). An empty list means the graph is a valid DAG.
func (b *Backlog) DetectCycles() []error {
	var errs []error
	for _, item := range b.Items {
		for _, dep := range item.DependsOn {
			if b.Lookup(dep) == nil {
				errs = append(errs, fmt.Errorf("item %s depends on unknown item %s", item.ID, dep))
			}
		}
	}

	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := map[string]int{}
	var visit func(id string, path []string)
	visit = func(id string, path []string) {
		switch color[id] {
		case gray:
			errs = append(errs, fmt.Errorf("dependency cycle: %s", strings.Join(append(path, id), " -> ")))
			return
		case black:
			return
		}
		color[id] = gray
		if item := b.Lookup(id); item != nil {
			for _, dep := range item.DependsOn {
				if b.Lookup(dep) != nil {
					visit(dep, append(path, id))
				}
			}
		}
		color[id] = black
	}
	for _, item := range b.Items {
		visit(item.ID, nil)
	}
	return errs
}

// Counts returns (total, done, failed).
func (b *Backlog) Counts() (int, int, int) {
	done, failed := 0, 0
	for _, item := range b.Items {
		switch item.Status {
		case StatusDone:
			done++
		case StatusFailed:
			failed++
		}
	}
	return len(b.Items), done, failed
}

// Coalesce merges the backlog down to at most maxItems items. Items are
// folded into the preceding buckets deterministically: titles join with
// " + ", acceptance and files concatenate in order, and dependencies outside
// the group are kept once each, in order. A backlog already within the
// limit is returned unchanged.
func (b *Backlog) Coalesce(maxItems int) *Backlog {
	if maxItems <= 0 || len(b.Items) <= maxItems {
		return b
	}
	out := New(b.RunID)
	per := (len(b.Items) + maxItems - 1) / maxItems
	for i := 0; i < len(b.Items); i += per {
		end := i + per
		if end > len(b.Items) {
			end = len(b.Items)
		}
		group := b.Items[i:end]
		merged := &Item{
			ID:        fmt.Sprintf("W%03d", len(out.Items)+1),
			Status:    StatusTodo,
			Objective: group[0].Objective,
		}
		var titles []string
		seenDep := map[string]bool{}
		memberIDs := map[string]bool{}
		for _, item := range group {
			memberIDs[item.ID] = true
		}
		for _, item := range group {
			titles = append(titles, item.Title)
			merged.Acceptance = append(merged.Acceptance, item.Acceptance...)
			merged.FilesHint = append(merged.FilesHint, item.FilesHint...)
			for _, dep := range item.DependsOn {
				if !memberIDs[dep] && !seenDep[dep] {
					seenDep[dep] = true
					merged.DependsOn = append(merged.DependsOn, dep)
				}
			}
		}
		merged.Title = truncate(strings.Join(titles, " + "), 200)
		out.Items = append(out.Items, merged)
	}
	// External deps still reference original ids; remap them to the buckets
	// that absorbed those items.
	bucketOf := map[string]string{}
	for bi, start := 0, 0; start < len(b.Items); bi, start = bi+1, start+per {
		end := start + per
		if end > len(b.Items) {
			end = len(b.Items)
		}
		for _, item := range b.Items[start:end] {
			bucketOf[item.ID] = out.Items[bi].ID
		}
	}
	for _, merged := range out.Items {
		var deps []string
		seen := map[string]bool{}
		for _, dep := range merged.DependsOn {
			mapped := bucketOf[dep]
			if mapped == "" || mapped == merged.ID || seen[mapped] {
				continue
			}
			seen[mapped] = true
			deps = append(deps, mapped)
		}
		merged.DependsOn = deps
	}
	return out
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// ToYAML serializes the backlog.
func (b *Backlog) ToYAML() ([]byte, error) {
	return yaml.Marshal(b)
}

var fenceRe = regexp.MustCompile("(?s)^\\s*```[a-zA-Z0-9_-]*\\n(.*?)\\n?```\\s*$")

// StripCodeFence removes a single wrapping markdown code fence; agents often
// return YAML wrapped in one.
func StripCodeFence(s string) string {
	if m := fenceRe.FindStringSubmatch(s); m != nil {
		return m[1]
	}
	return s
}

// Parse reads a backlog from YAML, stripping a wrapping code fence first,
// and validates every item plus the dependency graph.
func Parse(runID string, raw string) (*Backlog, error) {
	cleaned := StripCodeFence(raw)
	var doc Backlog
	if err := yaml.Unmarshal([]byte(cleaned), &doc); err != nil {
		return nil, fmt.Errorf("parse backlog yaml: %w", err)
	}
	if len(doc.Items) == 0 {
		return nil, fmt.Errorf("parse backlog yaml: no items")
	}
	out := New(runID)
	for _, item := range doc.Items {
		if err := out.Add(item); err != nil {
			return nil, err
		}
	}
	if errs := out.DetectCycles(); len(errs) > 0 {
		return nil, fmt.Errorf("invalid backlog: %v", errs[0])
	}
	return out, nil
}
