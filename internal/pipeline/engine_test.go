package pipeline

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/davidbarr/foreman/internal/artifact"
	"github.com/davidbarr/foreman/internal/backlog"
	"github.com/davidbarr/foreman/internal/config"
	"github.com/davidbarr/foreman/internal/gate"
	"github.com/davidbarr/foreman/internal/guardrail"
	"github.com/davidbarr/foreman/internal/metrics"
	"github.com/davidbarr/foreman/internal/prompt"
	"github.com/davidbarr/foreman/internal/router"
	"github.com/davidbarr/foreman/internal/runpaths"
	"github.com/davidbarr/foreman/internal/state"
	"github.com/davidbarr/foreman/internal/workspace"
)

func initTestRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	run := func(args ...string) {
		t.Helper()
		cmd := exec.Command("git", append([]string{"-C", dir}, args...)...)
		cmd.Env = append(os.Environ(),
			"GIT_AUTHOR_NAME=test",
			"GIT_AUTHOR_EMAIL=test@test",
			"GIT_COMMITTER_NAME=test",
			"GIT_COMMITTER_EMAIL=test@test",
		)
		out, err := cmd.CombinedOutput()
		if err != nil {
			t.Fatalf("git %v: %v\n%s", args, err, out)
		}
	}
	run("init", "-b", "main")
	run("config", "user.name", "test")
	run("config", "user.email", "test@test")
	if err := os.WriteFile(filepath.Join(dir, "README.md"), []byte("# repo\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	run("add", "-A")
	run("commit", "-m", "initial")
	return dir
}

type harness struct {
	eng       *Engine
	responses string
	writer    *metrics.Writer
}

func newHarness(t *testing.T, cfg *config.Config) *harness {
	t.Helper()
	repo := initTestRepo(t)
	base := t.TempDir()
	paths, err := runpaths.CreateNew(base)
	if err != nil {
		t.Fatal(err)
	}
	responses := t.TempDir()
	cfg.Engine.Type = config.EngineFake
	cfg.Engine.Binary = responses

	ws := workspace.New(repo, paths.WorktreeDir(), paths.RunID)
	if _, err := ws.Create("main"); err != nil {
		t.Fatal(err)
	}

	st := state.NewStore(paths)
	if _, err := st.Initialize(); err != nil {
		t.Fatal(err)
	}
	st.SetBaselineSHA(ws.BaselineSHA())

	writer := metrics.NewWriter(paths)
	store := artifact.NewStore(paths)
	if err := store.Set(artifact.KeyTask, "add add(a,b)", "init"); err != nil {
		t.Fatal(err)
	}

	eng := &Engine{
		Cfg:       cfg,
		Paths:     paths,
		Artifacts: store,
		State:     st,
		Collector: metrics.NewCollector(writer),
		Router:    router.New(cfg, false),
		Gates:     gate.FromConfig(cfg.Gates, 60),
		Guards:    guardrail.FromConfig(cfg.Guardrails),
		Workspace: ws,
		Prompts:   prompt.NewRegistry(),
		Custom:    map[string]CustomFunc{"ship": func(context.Context, *Engine, NodeDefinition) error { return nil }},
	}
	return &harness{eng: eng, responses: responses, writer: writer}
}

func (h *harness) script(t *testing.T, name string, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(h.responses, name), []byte(content), 0o755); err != nil {
		t.Fatal(err)
	}
}

func singleItemBacklogYAML() string {
	return "```yaml\nitems:\n  - id: W001\n    title: add add function\n    objective: implement add\n    acceptance:\n      - add returns the sum\n    files_hint: [src/app.py]\n```\n"
}

// passGate succeeds once src/app.py contains "a + b".
func passGate() config.GateConfig {
	return config.GateConfig{
		Name:    "checksum",
		Command: "sh",
		Args:    []string{"-c", "grep -q 'a + b' src/app.py"},
	}
}

func records(t *testing.T, h *harness) []metrics.StageRecord {
	t.Helper()
	recs, err := h.writer.ReadStages()
	if err != nil {
		t.Fatal(err)
	}
	return recs
}

func find(recs []metrics.StageRecord, stage string, attempt int) *metrics.StageRecord {
	for i := range recs {
		if recs[i].Stage == stage && recs[i].Attempt == attempt {
			return &recs[i]
		}
	}
	return nil
}

func TestHappyPathSingleItem(t *testing.T) {
	cfg := config.Default()
	cfg.Gates = []config.GateConfig{passGate()}
	h := newHarness(t, cfg)

	h.script(t, "plan.md", "# plan\n")
	h.script(t, "spec.md", "# spec\n")
	h.script(t, "decompose.md", singleItemBacklogYAML())
	h.script(t, "review.md", "Looks good.\n\nverdict: approve\n")
	h.script(t, "implement.sh", "#!/bin/bash\nmkdir -p src\nprintf 'def add(a, b):\\n    return a + b\\n' > src/app.py\n")

	res := h.eng.Run(context.Background(), mustResolve(t, "standard"), "")
	if !res.Success {
		t.Fatalf("pipeline failed at %s: %s (%s)", res.FailedStage, res.Err, res.FailureCategory)
	}
	if res.ItemsTotal != 1 || res.ItemsCompleted != 1 || res.ItemsFailed != 0 {
		t.Fatalf("items: %+v", res)
	}

	// Artifacts persisted.
	diff, err := os.ReadFile(h.eng.Paths.PatchDiffFile())
	if err != nil || len(diff) == 0 {
		t.Fatalf("patch.diff: %v (%d bytes)", err, len(diff))
	}
	if _, err := os.ReadFile(h.eng.Paths.PlanFile()); err != nil {
		t.Fatalf("plan.md: %v", err)
	}

	// Backlog all done.
	raw, err := os.ReadFile(h.eng.Paths.BacklogFile())
	if err != nil {
		t.Fatal(err)
	}
	bl, err := backlog.Parse(h.eng.Paths.RunID, string(raw))
	if err != nil {
		t.Fatal(err)
	}
	if bl.Items[0].Status != backlog.StatusDone {
		t.Fatalf("item status: %s", bl.Items[0].Status)
	}

	recs := records(t, h)
	impl := find(recs, "implement", 1)
	if impl == nil || impl.Status != metrics.StatusSuccess || impl.ItemID != "W001" {
		t.Fatalf("implement record: %+v", impl)
	}
	if impl.DiffStats == nil || impl.DiffStats.FilesChanged != 1 {
		t.Fatalf("diff stats: %+v", impl.DiffStats)
	}
	verify := find(recs, "verify", 1)
	if verify == nil || verify.Status != metrics.StatusSuccess {
		t.Fatalf("verify record: %+v", verify)
	}
}

func TestFixLoopRecoversOnSecondAttempt(t *testing.T) {
	cfg := config.Default()
	cfg.Gates = []config.GateConfig{passGate()}
	h := newHarness(t, cfg)

	h.script(t, "plan.md", "# plan\n")
	h.script(t, "spec.md", "# spec\n")
	h.script(t, "decompose.md", singleItemBacklogYAML())
	h.script(t, "review.md", "verdict: approve\n")
	// Attempt 1 writes the wrong operator; the fix attempt repairs it.
	h.script(t, "implement.sh", "#!/bin/bash\nmkdir -p src\nprintf 'def add(a, b):\\n    return a - b\\n' > src/app.py\n")
	h.script(t, "fix.sh", "#!/bin/bash\nprintf 'def add(a, b):\\n    return a + b\\n' > src/app.py\n")

	res := h.eng.Run(context.Background(), mustResolve(t, "standard"), "")
	if !res.Success {
		t.Fatalf("pipeline failed: %+v", res)
	}

	recs := records(t, h)
	first := find(recs, "implement", 1)
	if first == nil || first.Status != metrics.StatusFail || first.FailureCategory != CategoryGateFailure {
		t.Fatalf("first attempt: %+v", first)
	}
	second := find(recs, "fix", 2)
	if second == nil || second.Status != metrics.StatusSuccess {
		t.Fatalf("second attempt: %+v", second)
	}
	if first.ItemID != second.ItemID {
		t.Fatal("attempts belong to different items")
	}
}

func TestGuardrailViolationIsTerminal(t *testing.T) {
	cfg := config.Default()
	cfg.Gates = []config.GateConfig{passGate()}
	cfg.Guardrails.ForbiddenPatterns = []string{".env", "**/.env"}
	h := newHarness(t, cfg)

	h.script(t, "plan.md", "# plan\n")
	h.script(t, "spec.md", "# spec\n")
	h.script(t, "decompose.md", singleItemBacklogYAML())
	h.script(t, "implement.sh", "#!/bin/bash\nmkdir -p src\nprintf 'def add(a, b):\\n    return a + b\\n' > src/app.py\necho 'SECRET=1' > .env\n")

	res := h.eng.Run(context.Background(), mustResolve(t, "standard"), "")
	if res.Success {
		t.Fatal("guardrail breach must fail the run")
	}
	if res.FailureCategory != CategoryGuardrailViolation {
		t.Fatalf("category: %s", res.FailureCategory)
	}

	recs := records(t, h)
	impl := find(recs, "implement", 1)
	if impl == nil || impl.FailureCategory != CategoryGuardrailViolation {
		t.Fatalf("implement record: %+v", impl)
	}
	// Terminal: exactly one attempt, no fix retries.
	if find(recs, "fix", 2) != nil {
		t.Fatal("guardrail violation must not be retried")
	}
	if h.eng.State.State().CurrentStage != state.StageFailed {
		t.Fatalf("fsm stage: %s", h.eng.State.State().CurrentStage)
	}
	st := h.eng.State.State().StageStatuses["implement_item"]
	if st == nil || st.Status != "failed" {
		t.Fatalf("implement_item status: %+v", st)
	}
}

func TestEmptyDiffRetries(t *testing.T) {
	cfg := config.Default()
	cfg.Run.MaxFixAttempts = 2
	cfg.Gates = []config.GateConfig{passGate()}
	h := newHarness(t, cfg)

	h.script(t, "plan.md", "# plan\n")
	h.script(t, "spec.md", "# spec\n")
	h.script(t, "decompose.md", singleItemBacklogYAML())
	h.script(t, "implement.sh", "#!/bin/bash\ntrue\n")
	h.script(t, "fix.sh", "#!/bin/bash\nmkdir -p src\nprintf 'def add(a, b):\\n    return a + b\\n' > src/app.py\n")

	res := h.eng.Run(context.Background(), mustResolve(t, "standard"), "")
	if !res.Success {
		t.Fatalf("pipeline failed: %+v", res)
	}
	recs := records(t, h)
	first := find(recs, "implement", 1)
	if first == nil || first.FailureCategory != CategoryEmptyDiff {
		t.Fatalf("first attempt: %+v", first)
	}
}

func TestConcurrentMapWithDependencies(t *testing.T) {
	cfg := config.Default()
	cfg.Run.ParallelItems = 2
	cfg.Gates = []config.GateConfig{{
		Name:    "files",
		Command: "sh",
		Args:    []string{"-c", "ls out_*.txt >/dev/null 2>&1"},
	}}
	h := newHarness(t, cfg)

	h.script(t, "plan.md", "# plan\n")
	h.script(t, "spec.md", "# spec\n")
	backlogYAML := "items:\n" +
		"  - id: W001\n    title: first\n    objective: o1\n    acceptance: [a]\n" +
		"  - id: W002\n    title: second\n    objective: o2\n    acceptance: [a]\n    depends_on: [W001]\n" +
		"  - id: W003\n    title: third\n    objective: o3\n    acceptance: [a]\n"
	h.script(t, "decompose.md", backlogYAML)
	h.script(t, "review.md", "verdict: approve\n")
	// The script appends a marker per invocation; W002's marker can only
	// appear after W001's because of the dependency edge.
	h.script(t, "implement.sh", "#!/bin/bash\nn=$(ls out_*.txt 2>/dev/null | wc -l)\ntouch \"out_$n.txt\"\necho \"$(date +%s%N)\" >> order.log\n")
	h.script(t, "fix.sh", "#!/bin/bash\ntrue\n")

	res := h.eng.Run(context.Background(), mustResolve(t, "standard"), "")
	if !res.Success {
		t.Fatalf("pipeline failed: %+v", res)
	}
	if res.ItemsCompleted != 3 {
		t.Fatalf("items completed: %d", res.ItemsCompleted)
	}

	raw, err := os.ReadFile(h.eng.Paths.BacklogFile())
	if err != nil {
		t.Fatal(err)
	}
	bl, err := backlog.Parse(h.eng.Paths.RunID, string(raw))
	if err != nil {
		t.Fatal(err)
	}
	for _, id := range []string{"W001", "W002", "W003"} {
		if bl.Lookup(id).Status != backlog.StatusDone {
			t.Fatalf("%s status: %s", id, bl.Lookup(id).Status)
		}
	}

	// Distinct item ids on the per-item records.
	recs := records(t, h)
	items := map[string]bool{}
	for _, r := range recs {
		if r.Stage == "implement" {
			items[r.ItemID] = true
		}
	}
	if len(items) != 3 {
		t.Fatalf("implement item ids: %v", items)
	}
}

func TestReviewChangesRequestedSkipsShip(t *testing.T) {
	cfg := config.Default()
	cfg.Gates = []config.GateConfig{passGate()}
	h := newHarness(t, cfg)
	shipCalled := false
	h.eng.Custom["ship"] = func(context.Context, *Engine, NodeDefinition) error {
		shipCalled = true
		return nil
	}

	h.script(t, "plan.md", "# plan\n")
	h.script(t, "spec.md", "# spec\n")
	h.script(t, "decompose.md", singleItemBacklogYAML())
	h.script(t, "implement.sh", "#!/bin/bash\nmkdir -p src\nprintf 'def add(a, b):\\n    return a + b\\n' > src/app.py\n")
	h.script(t, "review.md", "Needs work.\n\nverdict: changes_requested\n")

	res := h.eng.Run(context.Background(), mustResolve(t, "standard"), "")
	if !res.Success {
		t.Fatalf("pipeline failed: %+v", res)
	}
	if !res.ReviewChangesRequested {
		t.Fatal("changes_requested not surfaced")
	}
	if shipCalled {
		t.Fatal("ship must be skipped")
	}
}

func TestFallbackOnTransient429(t *testing.T) {
	cfg := config.Default()
	cfg.Gates = []config.GateConfig{passGate()}
	cfg.Stages = map[string]config.StageConfig{
		"implement": {Model: "gemini-2.5-pro"},
	}
	cfg.Fallback.Rules = []config.FallbackRule{{
		Match:      config.FallbackMatch{ErrorContains: []string{"429", "quota"}},
		SwitchTo:   config.FallbackSwitch{Model: "gemini-2.5-flash"},
		MaxRetries: 1,
	}}
	h := newHarness(t, cfg)

	h.script(t, "plan.md", "# plan\n")
	h.script(t, "spec.md", "# spec\n")
	h.script(t, "decompose.md", singleItemBacklogYAML())
	h.script(t, "review.md", "verdict: approve\n")
	// First invocation rate-limits; the retry (after the model switch)
	// succeeds. The marker file lives next to the script, surviving across
	// invocations within the run.
	h.script(t, "implement.sh", `#!/bin/bash
if [ ! -f "$0.marker" ]; then
  touch "$0.marker"
  echo "Error: 429 Too Many Requests" >&2
  exit 1
fi
mkdir -p src
printf 'def add(a, b):\n    return a + b\n' > src/app.py
`)

	res := h.eng.Run(context.Background(), mustResolve(t, "standard"), "")
	if !res.Success {
		t.Fatalf("pipeline failed: %+v", res)
	}

	recs := records(t, h)
	impl := find(recs, "implement", 1)
	if impl == nil || impl.Status != metrics.StatusSuccess {
		t.Fatalf("implement record: %+v", impl)
	}
	if !impl.FallbackApplied || impl.OriginalModel != "gemini-2.5-pro" || impl.Model != "gemini-2.5-flash" {
		t.Fatalf("fallback fields: applied=%v original=%q model=%q", impl.FallbackApplied, impl.OriginalModel, impl.Model)
	}
	if impl.AgentInvocations != 2 {
		t.Fatalf("agent invocations: %d", impl.AgentInvocations)
	}

	hist := h.eng.Router.Execution("implement", "W001")
	if hist == nil || len(hist.Attempts) != 2 {
		t.Fatalf("execution history: %+v", hist)
	}
	if !hist.Attempts[1].FallbackApplied {
		t.Fatalf("second attempt record: %+v", hist.Attempts[1])
	}
}

func TestParseErrorOnBadBacklog(t *testing.T) {
	cfg := config.Default()
	h := newHarness(t, cfg)
	h.script(t, "plan.md", "# plan\n")
	h.script(t, "spec.md", "# spec\n")
	h.script(t, "decompose.md", "this is not a backlog")

	res := h.eng.Run(context.Background(), mustResolve(t, "standard"), "")
	if res.Success || res.FailureCategory != CategoryParseError {
		t.Fatalf("result: %+v", res)
	}
}

func TestWhenConditionSkipsNode(t *testing.T) {
	cfg := config.Default()
	cfg.Gates = []config.GateConfig{passGate()}
	h := newHarness(t, cfg)
	h.eng.ExtraEnv = map[string]any{"knowledge_enabled": "false"}

	h.script(t, "plan.md", "# plan\n")
	h.script(t, "spec.md", "# spec\n")
	h.script(t, "decompose.md", singleItemBacklogYAML())
	h.script(t, "implement.sh", "#!/bin/bash\nmkdir -p src\nprintf 'def add(a, b):\\n    return a + b\\n' > src/app.py\n")
	h.script(t, "review.md", "verdict: approve\n")

	res := h.eng.Run(context.Background(), mustResolve(t, "standard"), "")
	if !res.Success {
		t.Fatalf("pipeline failed: %+v", res)
	}
	recs := records(t, h)
	ku := find(recs, "knowledge_update", 1)
	if ku == nil || ku.Status != metrics.StatusSkip {
		t.Fatalf("knowledge_update record: %+v", ku)
	}
}

func TestKnowledgeAutoApply(t *testing.T) {
	cfg := config.Default()
	cfg.Gates = []config.GateConfig{passGate()}
	cfg.Knowledge.Enabled = true
	cfg.Knowledge.Mode = "auto"
	h := newHarness(t, cfg)
	h.eng.ExtraEnv = map[string]any{"knowledge_enabled": "true"}

	h.script(t, "plan.md", "# plan\n")
	h.script(t, "spec.md", "# spec\n")
	h.script(t, "decompose.md", singleItemBacklogYAML())
	h.script(t, "review.md", "verdict: approve\n")
	h.script(t, "implement.sh", "#!/bin/bash\nmkdir -p src\nprintf 'def add(a, b):\\n    return a + b\\n' > src/app.py\n")
	h.script(t, "knowledge_update.md", "Always run the checksum gate before shipping.\n")

	res := h.eng.Run(context.Background(), mustResolve(t, "standard"), "")
	if !res.Success {
		t.Fatalf("pipeline failed: %+v", res)
	}

	// Lessons landed in the allow-listed workspace file.
	b, err := os.ReadFile(filepath.Join(h.eng.Workspace.Dir, "AGENTS.md"))
	if err != nil {
		t.Fatalf("AGENTS.md: %v", err)
	}
	if !strings.Contains(string(b), "Always run the checksum gate") {
		t.Fatalf("lessons not applied:\n%s", b)
	}

	// The applied edit is mirrored as a scoped patch artifact.
	kb, err := os.ReadFile(h.eng.Paths.KnowledgePatchFile())
	if err != nil {
		t.Fatalf("knowledge patch: %v", err)
	}
	if !strings.Contains(string(kb), "AGENTS.md") {
		t.Fatalf("knowledge patch content:\n%s", kb)
	}
	if _, err := os.Stat(h.eng.Paths.KnowledgeReportFile()); err != nil {
		t.Fatalf("knowledge report: %v", err)
	}
}

func mustResolve(t *testing.T, id string) *PipelineDefinition {
	t.Helper()
	def, err := NewRegistry().Resolve(id)
	if err != nil {
		t.Fatal(err)
	}
	return def
}

func TestParseVerdict(t *testing.T) {
	cases := []struct {
		text string
		want string
		ok   bool
	}{
		{"verdict: approve", "approve", true},
		{"**Verdict:** approve", "", false},
		{"Verdict: changes_requested", "changes_requested", true},
		{"VERDICT=approve", "approve", true},
		{"some text\nverdict: changes requested\nmore", "changes_requested", true},
		{"no verdict here", "", false},
	}
	for _, tc := range cases {
		got, ok := ParseVerdict(tc.text)
		if ok != tc.ok || got != tc.want {
			t.Fatalf("%q: got (%q,%v) want (%q,%v)", tc.text, got, ok, tc.want, tc.ok)
		}
	}
}

func TestDefinitionValidation(t *testing.T) {
	good := []byte(`
id: custom
name: Custom
nodes:
  - id: plan
    type: llm_text
    template: plan
    outputs: [plan]
`)
	def, err := ParseDefinition(good)
	if err != nil {
		t.Fatal(err)
	}
	if def.ID != "custom" || len(def.Nodes) != 1 {
		t.Fatalf("parsed: %+v", def)
	}

	bad := [][]byte{
		[]byte("id: x\nname: X\nnodes: []\n"),
		[]byte("id: x\nname: X\nnodes:\n  - id: a\n    type: wat\n"),
		[]byte("id: x\nname: X\nnodes:\n  - id: a\n    type: llm_text\n"), // no template
		[]byte("id: x\nname: X\nnodes:\n  - id: a\n    type: map\n"),      // no item_pipeline
		[]byte("id: x\nname: X\nnodes:\n  - id: a\n    type: custom\n"),   // no callable
	}
	for i, doc := range bad {
		if _, err := ParseDefinition(doc); err == nil {
			t.Fatalf("bad doc %d accepted", i)
		}
	}
}

func TestRegistryResolveBuiltins(t *testing.T) {
	r := NewRegistry()
	for _, id := range []string{"standard", "direct", "review_only"} {
		def, err := r.Resolve(id)
		if err != nil {
			t.Fatalf("%s: %v", id, err)
		}
		if !def.Builtin {
			t.Fatalf("%s not marked builtin", id)
		}
	}
	if _, err := r.Resolve("nope"); err == nil {
		t.Fatal("unknown pipeline resolved")
	}
	ids := fmt.Sprint(r.IDs())
	if !strings.Contains(ids, "standard") {
		t.Fatalf("ids: %s", ids)
	}
}
