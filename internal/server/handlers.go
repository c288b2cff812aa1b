package server

import (
	"bufio"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/davidbarr/foreman/internal/config"
	"github.com/davidbarr/foreman/internal/runpaths"
	"github.com/davidbarr/foreman/internal/state"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) runPaths(runID string) (*runpaths.RunPaths, bool) {
	if strings.Contains(runID, "/") || strings.Contains(runID, "..") {
		return nil, false
	}
	paths, err := runpaths.FromExisting(s.config.BaseDir, runID)
	if err != nil {
		return nil, false
	}
	return paths, true
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	activeOnly := q.Get("active_only") == "true"
	limit := parseIntDefault(q.Get("limit"), 50)
	offset := parseIntDefault(q.Get("offset"), 0)

	ids, err := runpaths.ListRunIDs(s.config.BaseDir)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	summaries := []RunSummary{}
	for _, id := range ids {
		paths := &runpaths.RunPaths{Base: s.config.BaseDir, RunID: id}
		status, st := runStatusOf(paths)
		if activeOnly && status != StatusRunning {
			continue
		}
		sum := RunSummary{RunID: id, Status: status}
		if st != nil {
			sum.CurrentStage = string(st.CurrentStage)
			sum.CreatedAt = st.CreatedAt
			sum.UpdatedAt = st.UpdatedAt
		}
		if task, err := os.ReadFile(paths.TaskFile()); err == nil {
			sum.TaskSummary = firstLine(string(task), 120)
		}
		summaries = append(summaries, sum)
	}
	if offset > len(summaries) {
		offset = len(summaries)
	}
	end := offset + limit
	if end > len(summaries) {
		end = len(summaries)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"runs":  summaries[offset:end],
		"total": len(summaries),
	})
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	paths, ok := s.runPaths(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, "unknown run")
		return
	}
	status, st := runStatusOf(paths)
	detail := RunDetail{
		RunID:     paths.RunID,
		Status:    status,
		Artifacts: listArtifacts(paths),
	}
	if st != nil {
		detail.CurrentStage = string(st.CurrentStage)
		detail.CurrentItemID = st.CurrentItemID
		detail.StageStatuses = st.StageStatuses
		if len(st.LastFailureEvidence) > 0 {
			detail.LastError = st.LastFailureEvidence
		}
		detail.StageCount = len(st.StageStatuses)
	}
	detail.RunMetrics = loadRunRecord(paths)
	writeJSON(w, http.StatusOK, detail)
}

func (s *Server) handleRunStatus(w http.ResponseWriter, r *http.Request) {
	paths, ok := s.runPaths(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, "unknown run")
		return
	}
	status, st := runStatusOf(paths)
	doc := RunStatus{
		RunID:     paths.RunID,
		Status:    status,
		ElapsedMS: elapsedMS(st),
	}
	if st != nil {
		doc.CurrentStage = string(st.CurrentStage)
	}
	if info, err := os.Stat(paths.PatchDiffFile()); err == nil && info.Size() > 0 {
		doc.HasDiff = true
	}
	if _, err := os.Stat(paths.RunMetricsFile()); err == nil {
		doc.HasMetrics = true
	}
	writeJSON(w, http.StatusOK, doc)
}

func (s *Server) handleStartRun(w http.ResponseWriter, r *http.Request) {
	var req StartRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}
	runID, err := s.pool.Start(req)
	switch {
	case errors.Is(err, ErrSaturated):
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	case err != nil:
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.runsStarted.Inc()
	writeJSON(w, http.StatusOK, map[string]string{"run_id": runID, "status": "queued"})
}

func (s *Server) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("id")
	err := s.pool.CancelRun(runID)
	switch {
	case errors.Is(err, ErrUnknownRun):
		writeError(w, http.StatusNotFound, "unknown run")
	case errors.Is(err, ErrRunFinished):
		writeError(w, http.StatusConflict, "run already finished")
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
	default:
		writeJSON(w, http.StatusOK, map[string]string{"run_id": runID, "status": "cancelling"})
	}
}

func (s *Server) handleRestartRun(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("id")
	newID, err := s.pool.Restart(runID)
	switch {
	case errors.Is(err, ErrUnknownRun):
		writeError(w, http.StatusNotFound, "unknown run")
	case errors.Is(err, ErrRunActive):
		writeError(w, http.StatusConflict, "run still active")
	case errors.Is(err, ErrSaturated):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
	default:
		s.runsStarted.Inc()
		writeJSON(w, http.StatusOK, map[string]string{
			"original_run_id": runID,
			"new_run_id":      newID,
		})
	}
}

// handleTailLog tails a log file with cursor pagination. cursor is the line
// offset to read from; cursor<0 means "from the end".
func (s *Server) handleTailLog(w http.ResponseWriter, r *http.Request) {
	paths, ok := s.runPaths(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, "unknown run")
		return
	}
	name := r.PathValue("name")
	if strings.Contains(name, "..") || strings.Contains(name, "/") {
		writeError(w, http.StatusNotFound, "unknown log")
		return
	}
	cursor := parseIntDefault(r.URL.Query().Get("cursor"), -1)
	count := parseIntDefault(r.URL.Query().Get("lines"), 100)
	if count <= 0 {
		count = 100
	}

	path := filepath.Join(paths.LogsDir(), name)
	if !strings.HasSuffix(name, ".log") && !strings.HasSuffix(name, ".ndjson") {
		path += ".log"
	}
	lines, err := readLines(path)
	if err != nil {
		writeError(w, http.StatusNotFound, "unknown log")
		return
	}
	start := cursor
	if start < 0 {
		start = len(lines) - count
	}
	if start < 0 {
		start = 0
	}
	end := start + count
	if end > len(lines) {
		end = len(lines)
	}
	if start > len(lines) {
		start = len(lines)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"lines":  lines[start:end],
		"cursor": end,
		"total":  len(lines),
	})
}

var servableExtensions = map[string]string{
	".md":   "text/markdown; charset=utf-8",
	".yaml": "text/plain; charset=utf-8",
	".yml":  "text/plain; charset=utf-8",
	".json": "application/json",
	".diff": "text/plain; charset=utf-8",
	".txt":  "text/plain; charset=utf-8",
	".log":  "text/plain; charset=utf-8",
}

// handleArtifact serves a file under context/, artifacts/, or prompts/.
// Anything escaping the run directory or off the extension whitelist is a
// 404.
func (s *Server) handleArtifact(w http.ResponseWriter, r *http.Request) {
	paths, ok := s.runPaths(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, "unknown run")
		return
	}
	rel := filepath.Clean(r.PathValue("relpath"))
	if rel == "." || strings.HasPrefix(rel, "..") || filepath.IsAbs(rel) {
		writeError(w, http.StatusNotFound, "unknown artifact")
		return
	}
	top := strings.Split(filepath.ToSlash(rel), "/")[0]
	switch top {
	case "context", "artifacts", "prompts":
	default:
		writeError(w, http.StatusNotFound, "unknown artifact")
		return
	}
	ctype, ok := servableExtensions[strings.ToLower(filepath.Ext(rel))]
	if !ok {
		writeError(w, http.StatusNotFound, "unknown artifact")
		return
	}
	full := filepath.Join(paths.RunDir(), rel)
	b, err := os.ReadFile(full)
	if err != nil {
		writeError(w, http.StatusNotFound, "unknown artifact")
		return
	}
	w.Header().Set("Content-Type", ctype)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(b)
}

func (s *Server) handleEngines(w http.ResponseWriter, _ *http.Request) {
	engines := make([]string, 0, len(config.KnownEngines))
	for _, e := range config.KnownEngines {
		engines = append(engines, string(e))
	}
	stages := make([]string, 0, len(state.Order))
	for _, st := range state.Order {
		stages = append(stages, string(st))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"engines":          engines,
		"default_engine":   string(s.config.RunConfig.Engine.Type),
		"stages":           stages,
		"reasoning_levels": config.ReasoningEfforts,
	})
}

func listArtifacts(paths *runpaths.RunPaths) []string {
	out := []string{}
	for _, dir := range []string{paths.ContextDir(), paths.ArtifactsDir(), paths.PromptsDir()} {
		entries, err := os.ReadDir(dir)
		if err != nil {
			continue
		}
		base := filepath.Base(dir)
		for _, e := range entries {
			if !e.IsDir() {
				out = append(out, base+"/"+e.Name())
			}
		}
	}
	return out
}

func readLines(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()
	var lines []string
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		lines = append(lines, sc.Text())
	}
	return lines, sc.Err()
}

func parseIntDefault(s string, def int) int {
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}

func firstLine(s string, max int) string {
	line := strings.TrimSpace(strings.Split(s, "\n")[0])
	if len(line) > max {
		line = line[:max]
	}
	return line
}
