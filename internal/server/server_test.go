package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/davidbarr/foreman/internal/config"
	"github.com/davidbarr/foreman/internal/runpaths"
	"github.com/davidbarr/foreman/internal/state"
)

func newTestServer(t *testing.T, base string, cfg *config.Config) *Server {
	t.Helper()
	if cfg == nil {
		cfg = config.Default()
	}
	s := New(Config{Addr: "127.0.0.1:0", BaseDir: base, RunConfig: cfg, MaxWorkers: 2})
	t.Cleanup(s.Shutdown)
	return s
}

func get(t *testing.T, s *Server, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func post(t *testing.T, s *Server, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, json.NewEncoder(&buf).Encode(body))
	req := httptest.NewRequest(http.MethodPost, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func seedRun(t *testing.T, base string, stage state.Stage) *runpaths.RunPaths {
	t.Helper()
	paths, err := runpaths.CreateNew(base)
	require.NoError(t, err)
	st := state.NewStore(paths)
	_, err = st.Initialize()
	require.NoError(t, err)
	require.NoError(t, st.TransitionTo(stage))
	require.NoError(t, os.WriteFile(paths.TaskFile(), []byte("add add(a,b)\nmore detail"), 0o644))
	return paths
}

func TestHealth(t *testing.T) {
	s := newTestServer(t, t.TempDir(), nil)
	rec := get(t, s, "/health")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestListRunsAndStatusMapping(t *testing.T) {
	base := t.TempDir()
	s := newTestServer(t, base, nil)
	running := seedRun(t, base, state.StagePlan)
	done := seedRun(t, base, state.StageDone)
	failed := seedRun(t, base, state.StageFailed)

	rec := get(t, s, "/runs")
	require.Equal(t, http.StatusOK, rec.Code)
	var doc struct {
		Runs  []RunSummary `json:"runs"`
		Total int          `json:"total"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &doc))
	require.Equal(t, 3, doc.Total)

	byID := map[string]string{}
	for _, r := range doc.Runs {
		byID[r.RunID] = r.Status
	}
	assert.Equal(t, StatusRunning, byID[running.RunID])
	assert.Equal(t, StatusSuccess, byID[done.RunID])
	assert.Equal(t, StatusFail, byID[failed.RunID])

	rec = get(t, s, "/runs?active_only=true")
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &doc))
	require.Len(t, doc.Runs, 1)
	assert.Equal(t, running.RunID, doc.Runs[0].RunID)
	assert.Equal(t, "add add(a,b)", doc.Runs[0].TaskSummary)
}

func TestGetRunDetailAndStatus(t *testing.T) {
	base := t.TempDir()
	s := newTestServer(t, base, nil)
	paths := seedRun(t, base, state.StageVerify)
	require.NoError(t, os.WriteFile(paths.PatchDiffFile(), []byte("diff --git a/x b/x\n"), 0o644))

	rec := get(t, s, "/runs/"+paths.RunID)
	require.Equal(t, http.StatusOK, rec.Code)
	var detail RunDetail
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &detail))
	assert.Equal(t, StatusRunning, detail.Status)
	assert.Equal(t, "verify", detail.CurrentStage)
	assert.Contains(t, detail.Artifacts, "context/task.md")
	assert.Contains(t, detail.Artifacts, "artifacts/patch.diff")

	rec = get(t, s, "/runs/"+paths.RunID+"/status")
	require.Equal(t, http.StatusOK, rec.Code)
	var status RunStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.True(t, status.HasDiff)
	assert.False(t, status.HasMetrics)

	rec = get(t, s, "/runs/nope")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestArtifactServingAndTraversal(t *testing.T) {
	base := t.TempDir()
	s := newTestServer(t, base, nil)
	paths := seedRun(t, base, state.StagePlan)
	require.NoError(t, os.WriteFile(paths.PlanFile(), []byte("# plan"), 0o644))

	rec := get(t, s, "/runs/"+paths.RunID+"/artifacts/context/plan.md")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "# plan", rec.Body.String())

	// Non-whitelisted locations/extensions 404.
	for _, path := range []string{
		"/runs/" + paths.RunID + "/artifacts/worktree/secret.md",
		"/runs/" + paths.RunID + "/artifacts/context/task.exe",
	} {
		rec := get(t, s, path)
		assert.Equal(t, http.StatusNotFound, rec.Code, "path %s", path)
	}

	// Escapes are rejected at the handler even if routing let them through.
	for _, rel := range []string{"../state.json", "context/../../other/x.md", "/etc/passwd"} {
		req := httptest.NewRequest(http.MethodGet, "/ignored", nil)
		req.SetPathValue("id", paths.RunID)
		req.SetPathValue("relpath", rel)
		rec := httptest.NewRecorder()
		s.handleArtifact(rec, req)
		assert.Equal(t, http.StatusNotFound, rec.Code, "relpath %s", rel)
	}
}

func TestLogTailCursor(t *testing.T) {
	base := t.TempDir()
	s := newTestServer(t, base, nil)
	paths := seedRun(t, base, state.StagePlan)
	var content bytes.Buffer
	for i := 0; i < 10; i++ {
		content.WriteString(time.Now().Format("15:04:05"))
		content.WriteString(" line\n")
	}
	require.NoError(t, os.WriteFile(filepath.Join(paths.LogsDir(), "gate_pytest_W001_1.log"), content.Bytes(), 0o644))

	rec := get(t, s, "/runs/"+paths.RunID+"/logs/gate_pytest_W001_1?cursor=-1&lines=3")
	require.Equal(t, http.StatusOK, rec.Code)
	var doc struct {
		Lines  []string `json:"lines"`
		Cursor int      `json:"cursor"`
		Total  int      `json:"total"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &doc))
	assert.Len(t, doc.Lines, 3)
	assert.Equal(t, 10, doc.Cursor)
	assert.Equal(t, 10, doc.Total)

	rec = get(t, s, "/runs/"+paths.RunID+"/logs/gate_pytest_W001_1?cursor=0&lines=5")
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &doc))
	assert.Len(t, doc.Lines, 5)
	assert.Equal(t, 5, doc.Cursor)

	rec = get(t, s, "/runs/"+paths.RunID+"/logs/..%2Fstate")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func initServerTestRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	run := func(args ...string) {
		t.Helper()
		cmd := exec.Command("git", append([]string{"-C", dir}, args...)...)
		cmd.Env = append(os.Environ(),
			"GIT_AUTHOR_NAME=test", "GIT_AUTHOR_EMAIL=test@test",
			"GIT_COMMITTER_NAME=test", "GIT_COMMITTER_EMAIL=test@test",
		)
		out, err := cmd.CombinedOutput()
		require.NoError(t, err, "git %v: %s", args, out)
	}
	run("init", "-b", "main")
	run("config", "user.name", "test")
	run("config", "user.email", "test@test")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("hi"), 0o644))
	run("add", "-A")
	run("commit", "-m", "initial")
	return dir
}

func TestStartCancelRestartFlow(t *testing.T) {
	base := t.TempDir()
	repo := initServerTestRepo(t)
	responses := t.TempDir()
	for name, content := range map[string]string{
		"plan.md":      "# plan\n",
		"spec.md":      "# spec\n",
		"decompose.md": "items:\n  - id: W001\n    title: t\n    objective: o\n    acceptance: [a]\n",
		"review.md":    "verdict: approve\n",
		"implement.sh": "#!/bin/bash\necho done > done.txt\n",
	} {
		require.NoError(t, os.WriteFile(filepath.Join(responses, name), []byte(content), 0o755))
	}
	cfg := config.Default()
	cfg.Engine.Type = config.EngineFake
	cfg.Engine.Binary = responses
	s := newTestServer(t, base, cfg)

	// Validation error.
	rec := post(t, s, "/runs/start", StartRequest{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = post(t, s, "/runs/start", StartRequest{Task: "do things", RepoPath: repo})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var started map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &started))
	runID := started["run_id"]
	require.NotEmpty(t, runID)
	assert.Equal(t, "queued", started["status"])

	// Wait for the run to finish.
	job := s.pool.Job(runID)
	require.NotNil(t, job)
	select {
	case <-job.Done:
	case <-time.After(30 * time.Second):
		t.Fatal("run did not finish")
	}

	// Cancel after completion conflicts.
	rec = post(t, s, "/runs/"+runID+"/cancel", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	// Cancel of unknown run 404s.
	rec = post(t, s, "/runs/does-not-exist/cancel", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	// Restart finished run.
	rec = post(t, s, "/runs/"+runID+"/restart", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var restarted map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &restarted))
	assert.Equal(t, runID, restarted["original_run_id"])
	assert.NotEmpty(t, restarted["new_run_id"])
	assert.NotEqual(t, runID, restarted["new_run_id"])

	if job2 := s.pool.Job(restarted["new_run_id"]); job2 != nil {
		select {
		case <-job2.Done:
		case <-time.After(30 * time.Second):
			t.Fatal("restarted run did not finish")
		}
	}
}

func TestDeadProcessMapsToUnknown(t *testing.T) {
	base := t.TempDir()
	s := newTestServer(t, base, nil)
	paths := seedRun(t, base, state.StageImplementItem)

	cmd := exec.Command("true")
	require.NoError(t, cmd.Run())
	require.NoError(t, os.WriteFile(paths.PIDFile(), []byte(strconv.Itoa(cmd.Process.Pid)), 0o644))

	rec := get(t, s, "/runs/"+paths.RunID+"/status")
	require.Equal(t, http.StatusOK, rec.Code)
	var status RunStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, StatusUnknown, status.Status)
}

func TestEnginesEndpoint(t *testing.T) {
	s := newTestServer(t, t.TempDir(), nil)
	rec := get(t, s, "/config/engines")
	require.Equal(t, http.StatusOK, rec.Code)
	var doc struct {
		Engines       []string `json:"engines"`
		DefaultEngine string   `json:"default_engine"`
		Stages        []string `json:"stages"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &doc))
	assert.Contains(t, doc.Engines, "codex")
	assert.Contains(t, doc.Engines, "fake")
	assert.Equal(t, "codex", doc.DefaultEngine)
	assert.Contains(t, doc.Stages, "implement_item")
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(t, t.TempDir(), nil)
	rec := get(t, s, "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "foreman_active_runs")
}

func TestCSRFBlocksRemoteOrigin(t *testing.T) {
	s := newTestServer(t, t.TempDir(), nil)
	var buf bytes.Buffer
	require.NoError(t, json.NewEncoder(&buf).Encode(StartRequest{Task: "x"}))
	req := httptest.NewRequest(http.MethodPost, "/runs/start", &buf)
	req.Header.Set("Origin", "https://evil.example.com")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}
