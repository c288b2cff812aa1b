package metrics

import (
	"bufio"
	"encoding/json"
	"log"
	"os"
	"path/filepath"

	"github.com/davidbarr/foreman/internal/runpaths"
)

// Writer persists stage records (append-only jsonl) and the run record
// (atomic replace). Stage-record write errors are logged, never raised:
// metrics must not crash a run. WriteRun returns its error to the caller.
type Writer struct {
	paths  *runpaths.RunPaths
	logger *log.Logger
}

func NewWriter(paths *runpaths.RunPaths) *Writer {
	return &Writer{
		paths:  paths,
		logger: log.New(os.Stderr, "[foreman] ", log.LstdFlags),
	}
}

func appendLine(path string, v any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()
	// One write per line keeps lines self-contained for tail-tolerant readers.
	if _, err := f.Write(append(b, '\n')); err != nil {
		return err
	}
	return f.Sync()
}

// WriteStage appends one record to stages.jsonl.
func (w *Writer) WriteStage(rec StageRecord) {
	if err := appendLine(w.paths.StageMetricsFile(), rec); err != nil {
		w.logger.Printf("write stage metrics (stage=%s attempt=%d): %v", rec.Stage, rec.Attempt, err)
	}
}

// WriteStages appends a batch; one bad record does not block the rest.
func (w *Writer) WriteStages(recs []StageRecord) {
	for _, rec := range recs {
		w.WriteStage(rec)
	}
}

// WriteRun atomically replaces metrics/run.json.
func (w *Writer) WriteRun(rec RunRecord) error {
	b, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return err
	}
	return runpaths.WriteFileAtomic(w.paths.RunMetricsFile(), b)
}

// ReadStages parses stages.jsonl, skipping blank and corrupt lines (a
// truncated tail from a process death must not hide the rest).
func (w *Writer) ReadStages() ([]StageRecord, error) {
	return ReadStagesFile(w.paths.StageMetricsFile())
}

// ReadStagesFile reads any stages.jsonl path with the same tolerance.
func ReadStagesFile(path string) ([]StageRecord, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer func() { _ = f.Close() }()

	var out []StageRecord
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec StageRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			continue
		}
		out = append(out, rec)
	}
	if err := sc.Err(); err != nil {
		return out, err
	}
	return out, nil
}

// AppendToIndex appends a run summary line to <base>/runs/index.jsonl.
func AppendToIndex(base string, entry IndexEntry) error {
	return appendLine(runpaths.IndexFile(base), entry)
}

// ReadIndex reads the global index with the same corrupt-line tolerance.
func ReadIndex(base string) ([]IndexEntry, error) {
	f, err := os.Open(runpaths.IndexFile(base))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer func() { _ = f.Close() }()
	var out []IndexEntry
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var e IndexEntry
		if err := json.Unmarshal(line, &e); err != nil {
			continue
		}
		out = append(out, e)
	}
	return out, sc.Err()
}
