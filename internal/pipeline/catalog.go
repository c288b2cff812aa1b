package pipeline

import (
	"fmt"
	"sort"
	"sync"

	"github.com/davidbarr/foreman/internal/artifact"
)

// builtinCatalog is constructed once and treated as immutable after start.
var (
	builtinOnce    sync.Once
	builtinCatalog map[string]*PipelineDefinition
)

func builtins() map[string]*PipelineDefinition {
	builtinOnce.Do(func() {
		builtinCatalog = map[string]*PipelineDefinition{}
		for _, def := range []*PipelineDefinition{standardPipeline(), directPipeline(), reviewOnlyPipeline()} {
			def.Builtin = true
			def.SchemaVersion = 1
			builtinCatalog[def.ID] = def
		}
	})
	return builtinCatalog
}

// Registry resolves pipeline definitions for one runner. Builtins are shared
// and read-only; registered definitions shadow them per instance.
type Registry struct {
	mu     sync.Mutex
	custom map[string]*PipelineDefinition
}

func NewRegistry() *Registry {
	return &Registry{custom: map[string]*PipelineDefinition{}}
}

// Register adds a custom pipeline after validation.
func (r *Registry) Register(def *PipelineDefinition) error {
	if err := ValidateDefinition(def); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.custom[def.ID] = def
	return nil
}

// Resolve returns the named pipeline, custom definitions first.
func (r *Registry) Resolve(id string) (*PipelineDefinition, error) {
	r.mu.Lock()
	if def, ok := r.custom[id]; ok {
		r.mu.Unlock()
		return def, nil
	}
	r.mu.Unlock()
	if def, ok := builtins()[id]; ok {
		return def, nil
	}
	return nil, fmt.Errorf("unknown pipeline: %q", id)
}

// IDs lists every resolvable pipeline id, sorted.
func (r *Registry) IDs() []string {
	set := map[string]bool{}
	for id := range builtins() {
		set[id] = true
	}
	r.mu.Lock()
	for id := range r.custom {
		set[id] = true
	}
	r.mu.Unlock()
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// standardPipeline is the full plan→ship flow.
func standardPipeline() *PipelineDefinition {
	return &PipelineDefinition{
		ID:             "standard",
		Name:           "Standard",
		Description:    "plan, spec, decompose, per-item implement+verify, review, ship",
		DefaultContext: []string{artifact.KeyProjectMap, artifact.KeyToolingSnapshot, artifact.KeyVerifyCommands},
		Nodes: []NodeDefinition{
			{
				ID: "plan", Type: NodeLLMText, Template: "plan",
				Inputs:  []string{artifact.KeyTask, artifact.KeyProjectMap, artifact.KeyToolingSnapshot},
				Outputs: []string{artifact.KeyPlan},
			},
			{
				ID: "spec", Type: NodeLLMText, Template: "spec",
				Inputs:  []string{artifact.KeyTask, artifact.KeyPlan},
				Outputs: []string{artifact.KeySpec},
			},
			{
				ID: "decompose", Type: NodeLLMText, Template: "decompose",
				Inputs:  []string{artifact.KeySpec},
				Outputs: []string{artifact.KeyBacklog},
			},
			{
				ID: "implement", Type: NodeMap,
				Config: NodeConfig{
					Concurrency: 1,
					ItemPipeline: []NodeDefinition{
						{
							ID: "implement", Type: NodeLLMApply, Template: "implement",
							Inputs:  []string{artifact.KeyCurrentItem, artifact.KeySpec, artifact.KeyVerifyCommands},
							Outputs: []string{artifact.KeyPatchDiff},
						},
						{ID: "verify", Type: NodeGate},
					},
				},
			},
			{
				ID: "review", Type: NodeLLMText, Template: "review",
				Inputs:  []string{artifact.KeySpec, artifact.KeyPatchDiff},
				Outputs: []string{artifact.KeyReview},
			},
			{
				ID: "ship", Type: NodeCustom,
				Inputs: []string{artifact.KeyTask, artifact.KeyPatchDiff},
				Config: NodeConfig{Callable: "ship"},
			},
			{
				ID: "knowledge_update", Type: NodeLLMText, Template: "knowledge_update",
				Inputs:  []string{artifact.KeyReview},
				Outputs: []string{artifact.KeyKnowledgeArchPatch},
				Config:  NodeConfig{When: `knowledge_enabled == "true"`},
			},
		},
	}
}

// directPipeline applies the task in one shot without decomposition.
func directPipeline() *PipelineDefinition {
	return &PipelineDefinition{
		ID:             "direct",
		Name:           "Direct",
		Description:    "single implement_direct apply plus verification",
		DefaultContext: []string{artifact.KeyVerifyCommands},
		Nodes: []NodeDefinition{
			{
				ID: "implement_direct", Type: NodeLLMApply, Template: "implement",
				Inputs:  []string{artifact.KeyTask, artifact.KeyVerifyCommands},
				Outputs: []string{artifact.KeyPatchDiff},
			},
			{ID: "verify", Type: NodeGate},
			{
				ID: "ship", Type: NodeCustom,
				Inputs: []string{artifact.KeyTask, artifact.KeyPatchDiff},
				Config: NodeConfig{Callable: "ship"},
			},
		},
	}
}

// reviewOnlyPipeline reviews an existing diff without modifying anything.
func reviewOnlyPipeline() *PipelineDefinition {
	return &PipelineDefinition{
		ID:             "review_only",
		Name:           "Review only",
		Description:    "review the current workspace diff, no ship",
		DefaultContext: []string{artifact.KeyPatchDiff},
		Nodes: []NodeDefinition{
			{
				ID: "review", Type: NodeLLMText, Template: "review",
				Inputs:  []string{artifact.KeySpec, artifact.KeyPatchDiff},
				Outputs: []string{artifact.KeyReview},
			},
		},
	}
}
