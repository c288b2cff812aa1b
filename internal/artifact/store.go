// Package artifact holds the in-memory keyed store of values produced by
// pipeline nodes, mirrored to canonical files under the run directory.
package artifact

import (
	"encoding/hex"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/zeebo/blake3"

	"github.com/davidbarr/foreman/internal/runpaths"
)

// Well-known store keys. Keys with a canonical file are persisted on Set.
const (
	KeyTask                 = "task"
	KeyPlan                 = "plan"
	KeySpec                 = "spec"
	KeyBacklog              = "backlog"
	KeyProjectMap           = "project_map"
	KeyToolingSnapshot      = "tooling_snapshot"
	KeyVerifyCommands       = "verify_commands"
	KeyPatchDiff            = "patch_diff"
	KeyReview               = "review"
	KeyPRBody               = "pr_body"
	KeyImplementationReport = "implementation_report"
	KeyKnowledgeAgentsPatch = "knowledge_agents_patch"
	KeyKnowledgeArchPatch   = "knowledge_arch_patch"
	KeyCurrentItem          = "current_item"
)

type entry struct {
	value      string
	sourceNode string
	hash       string
	ts         time.Time
}

// Store is a single-run, single-process keyed artifact store. Later writes
// for the same key overwrite earlier ones.
type Store struct {
	paths *runpaths.RunPaths

	mu      sync.RWMutex
	entries map[string]entry
}

func NewStore(paths *runpaths.RunPaths) *Store {
	return &Store{paths: paths, entries: map[string]entry{}}
}

// canonicalFile maps well-known keys to their on-disk home. Keys without a
// file live only in memory for the duration of the run.
func (s *Store) canonicalFile(key string) string {
	if s.paths == nil {
		return ""
	}
	switch key {
	case KeyTask:
		return s.paths.TaskFile()
	case KeyPlan:
		return s.paths.PlanFile()
	case KeySpec:
		return s.paths.SpecFile()
	case KeyBacklog:
		return s.paths.BacklogFile()
	case KeyProjectMap:
		return s.paths.ProjectMapFile()
	case KeyToolingSnapshot:
		return s.paths.ToolingSnapshotFile()
	case KeyVerifyCommands:
		return s.paths.VerifyCommandsFile()
	case KeyPatchDiff:
		return s.paths.PatchDiffFile()
	case KeyReview:
		return s.paths.ReviewFile()
	case KeyPRBody:
		return s.paths.PRBodyFile()
	case KeyKnowledgeAgentsPatch:
		return s.paths.KnowledgePatchFile()
	case KeyKnowledgeArchPatch:
		return s.paths.KnowledgeReportFile()
	default:
		return ""
	}
}

// Set stores value under key and persists it to the key's canonical file
// when one exists.
func (s *Store) Set(key string, value string, sourceNode string) error {
	sum := blake3.Sum256([]byte(value))
	s.mu.Lock()
	s.entries[key] = entry{
		value:      value,
		sourceNode: sourceNode,
		hash:       hex.EncodeToString(sum[:]),
		ts:         time.Now().UTC(),
	}
	s.mu.Unlock()

	if file := s.canonicalFile(key); file != "" {
		if err := runpaths.WriteFileAtomic(file, []byte(value)); err != nil {
			return fmt.Errorf("persist artifact %s: %w", key, err)
		}
	}
	return nil
}

// Get returns the latest value for key.
func (s *Store) Get(key string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[key]
	return e.value, ok
}

// Hash returns the blake3 content hash of the stored value, empty when the
// key is absent. Used for cheap change detection; never persisted.
func (s *Store) Hash(key string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.entries[key].hash
}

// Source returns the node id that last wrote key.
func (s *Store) Source(key string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.entries[key].sourceNode
}

// Keys returns the set of keys currently present.
func (s *Store) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.entries))
	for k := range s.entries {
		out = append(out, k)
	}
	return out
}

// Snapshot returns a copy of the key→value map for condition evaluation.
func (s *Store) Snapshot() map[string]string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]string, len(s.entries))
	for k, e := range s.entries {
		out[k] = e.value
	}
	return out
}

// LoadFromDisk pre-populates keys from their canonical files when present,
// used on start (default_context) and on resume.
func (s *Store) LoadFromDisk(keys ...string) error {
	for _, key := range keys {
		file := s.canonicalFile(key)
		if file == "" {
			continue
		}
		b, err := os.ReadFile(file)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return fmt.Errorf("load artifact %s: %w", key, err)
		}
		sum := blake3.Sum256(b)
		s.mu.Lock()
		s.entries[key] = entry{
			value: string(b),
			hash:  hex.EncodeToString(sum[:]),
			ts:    time.Now().UTC(),
		}
		s.mu.Unlock()
	}
	return nil
}
