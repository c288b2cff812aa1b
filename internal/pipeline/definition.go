// Package pipeline defines typed pipeline documents and the engine that
// executes them node by node against a run's workspace and artifact store.
package pipeline

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"
)

// Node types.
const (
	NodeLLMText  = "llm_text"
	NodeLLMApply = "llm_apply"
	NodeGate     = "gate"
	NodeMap      = "map"
	NodeCustom   = "custom"
)

// NodeConfig carries the type-specific node settings.
type NodeConfig struct {
	Gates          []string         `json:"gates,omitempty" yaml:"gates,omitempty"`
	ItemPipeline   []NodeDefinition `json:"item_pipeline,omitempty" yaml:"item_pipeline,omitempty"`
	Concurrency    int              `json:"concurrency,omitempty" yaml:"concurrency,omitempty"`
	TimeoutSeconds int              `json:"timeout_seconds,omitempty" yaml:"timeout_seconds,omitempty"`
	When           string           `json:"when,omitempty" yaml:"when,omitempty"`
	Callable       string           `json:"callable,omitempty" yaml:"callable,omitempty"`
}

// NodeDefinition is one typed step of a pipeline. The node id doubles as the
// stage name for routing, metrics, and state.
type NodeDefinition struct {
	ID       string     `json:"id" yaml:"id"`
	Type     string     `json:"type" yaml:"type"`
	Template string     `json:"template,omitempty" yaml:"template,omitempty"`
	Inputs   []string   `json:"inputs,omitempty" yaml:"inputs,omitempty"`
	Outputs  []string   `json:"outputs,omitempty" yaml:"outputs,omitempty"`
	Config   NodeConfig `json:"config,omitempty" yaml:"config,omitempty"`
}

// PipelineDefinition is an ordered list of nodes plus the context keys to
// prefetch into the artifact store on start.
type PipelineDefinition struct {
	ID             string           `json:"id" yaml:"id"`
	Name           string           `json:"name" yaml:"name"`
	Description    string           `json:"description,omitempty" yaml:"description,omitempty"`
	SchemaVersion  int              `json:"schema_version,omitempty" yaml:"schema_version,omitempty"`
	DefaultContext []string         `json:"default_context,omitempty" yaml:"default_context,omitempty"`
	Nodes          []NodeDefinition `json:"nodes" yaml:"nodes"`
	Builtin        bool             `json:"builtin,omitempty" yaml:"builtin,omitempty"`
}

const definitionSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["id", "name", "nodes"],
  "properties": {
    "id": {"type": "string", "minLength": 1},
    "name": {"type": "string", "minLength": 1},
    "description": {"type": "string"},
    "schema_version": {"type": "integer", "minimum": 1},
    "default_context": {"type": "array", "items": {"type": "string"}},
    "builtin": {"type": "boolean"},
    "nodes": {"type": "array", "minItems": 1, "items": {"$ref": "#/$defs/node"}}
  },
  "$defs": {
    "node": {
      "type": "object",
      "required": ["id", "type"],
      "properties": {
        "id": {"type": "string", "minLength": 1},
        "type": {"enum": ["llm_text", "llm_apply", "gate", "map", "custom"]},
        "template": {"type": "string"},
        "inputs": {"type": "array", "items": {"type": "string"}},
        "outputs": {"type": "array", "items": {"type": "string"}},
        "config": {
          "type": "object",
          "properties": {
            "gates": {"type": "array", "items": {"type": "string"}},
            "item_pipeline": {"type": "array", "items": {"$ref": "#/$defs/node"}},
            "concurrency": {"type": "integer", "minimum": 1},
            "timeout_seconds": {"type": "integer", "minimum": 1},
            "when": {"type": "string"},
            "callable": {"type": "string"}
          }
        }
      }
    }
  }
}`

var compiledSchema = jsonschema.MustCompileString("pipeline.schema.json", definitionSchema)

// ParseDefinition loads a pipeline document from YAML or JSON, validating it
// against the embedded schema and structural rules.
func ParseDefinition(raw []byte) (*PipelineDefinition, error) {
	// Normalize through YAML (a JSON document is valid YAML).
	var doc any
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parse pipeline: %w", err)
	}
	b, err := json.Marshal(normalizeForSchema(doc))
	if err != nil {
		return nil, err
	}
	// Validate the JSON-decoded shape; the schema library expects the types
	// json.Unmarshal produces.
	var jsonDoc any
	if err := json.Unmarshal(b, &jsonDoc); err != nil {
		return nil, err
	}
	if err := compiledSchema.Validate(jsonDoc); err != nil {
		return nil, fmt.Errorf("pipeline schema: %w", err)
	}
	var def PipelineDefinition
	if err := json.Unmarshal(b, &def); err != nil {
		return nil, fmt.Errorf("parse pipeline: %w", err)
	}
	if err := ValidateDefinition(&def); err != nil {
		return nil, err
	}
	return &def, nil
}

// ValidateDefinition checks the structural rules the schema cannot express.
func ValidateDefinition(def *PipelineDefinition) error {
	if def == nil || len(def.Nodes) == 0 {
		return fmt.Errorf("pipeline requires at least one node")
	}
	seen := map[string]bool{}
	for _, n := range def.Nodes {
		if seen[n.ID] {
			return fmt.Errorf("pipeline %s: duplicate node id %q", def.ID, n.ID)
		}
		seen[n.ID] = true
		if err := validateNode(def.ID, n, false); err != nil {
			return err
		}
	}
	return nil
}

func validateNode(pipelineID string, n NodeDefinition, nested bool) error {
	switch n.Type {
	case NodeLLMText, NodeLLMApply:
		if strings.TrimSpace(n.Template) == "" {
			return fmt.Errorf("pipeline %s: node %s requires a template", pipelineID, n.ID)
		}
	case NodeGate:
	case NodeCustom:
		if strings.TrimSpace(n.Config.Callable) == "" {
			return fmt.Errorf("pipeline %s: custom node %s requires config.callable", pipelineID, n.ID)
		}
	case NodeMap:
		if nested {
			return fmt.Errorf("pipeline %s: map node %s may not nest inside a map", pipelineID, n.ID)
		}
		if len(n.Config.ItemPipeline) == 0 {
			return fmt.Errorf("pipeline %s: map node %s requires config.item_pipeline", pipelineID, n.ID)
		}
		if n.Config.Concurrency < 0 {
			return fmt.Errorf("pipeline %s: map node %s concurrency must be positive", pipelineID, n.ID)
		}
		for _, inner := range n.Config.ItemPipeline {
			if err := validateNode(pipelineID, inner, true); err != nil {
				return err
			}
		}
	default:
		return fmt.Errorf("pipeline %s: node %s has unknown type %q", pipelineID, n.ID, n.Type)
	}
	return nil
}

// normalizeForSchema converts YAML's map[any]any shapes into the
// map[string]any the schema validator expects.
func normalizeForSchema(v any) any {
	switch t := v.(type) {
	case map[any]any:
		out := map[string]any{}
		for k, val := range t {
			out[fmt.Sprint(k)] = normalizeForSchema(val)
		}
		return out
	case map[string]any:
		out := map[string]any{}
		for k, val := range t {
			out[k] = normalizeForSchema(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = normalizeForSchema(val)
		}
		return out
	default:
		return v
	}
}
