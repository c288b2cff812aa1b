package agentexec

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeLogs(t *testing.T, stdout string, stderr string) LogPaths {
	t.Helper()
	dir := t.TempDir()
	logs := LogPaths{
		Stdout: filepath.Join(dir, "stdout.log"),
		Stderr: filepath.Join(dir, "stderr.log"),
	}
	if err := os.WriteFile(logs.Stdout, []byte(stdout), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(logs.Stderr, []byte(stderr), 0o644); err != nil {
		t.Fatal(err)
	}
	return logs
}

func failedResult(t *testing.T, stdout string, stderr string, errMsg string) *ExecResult {
	t.Helper()
	logs := writeLogs(t, stdout, stderr)
	return &ExecResult{
		ReturnCode:   1,
		StdoutPath:   logs.Stdout,
		StderrPath:   logs.Stderr,
		Success:      false,
		ErrorMessage: errMsg,
	}
}

func TestQuotaClassification(t *testing.T) {
	res := failedResult(t, "", "Error: 429 Too Many Requests", "")
	if !res.IsQuotaError() {
		t.Fatal("429 should classify as quota")
	}
	if !res.IsTransientError() {
		t.Fatal("quota errors are transient")
	}
	ok := failedResult(t, "", "syntax error in prompt", "")
	if ok.IsQuotaError() || ok.IsTransientError() {
		t.Fatal("plain failure misclassified")
	}
}

func TestModelUnavailableClassification(t *testing.T) {
	res := failedResult(t, "", "error: model not found: gpt-9", "")
	if !res.IsModelUnavailableError() {
		t.Fatal("expected model unavailable")
	}
}

func TestTransientTimeoutClassification(t *testing.T) {
	res := failedResult(t, "", "", "timed out after 600s")
	if !res.IsTransientError() {
		t.Fatal("timeout should classify transient")
	}
	if got := res.TransientDetail(); !strings.Contains(got, "timed out") {
		t.Fatalf("detail = %q", got)
	}
}

func TestSuccessNeverClassifies(t *testing.T) {
	logs := writeLogs(t, "quota rate limit 429", "")
	res := &ExecResult{ReturnCode: 0, StdoutPath: logs.Stdout, StderrPath: logs.Stderr, Success: true}
	if res.IsQuotaError() || res.IsTransientError() || res.IsModelUnavailableError() {
		t.Fatal("successful results must not classify as errors")
	}
}

func TestRetryAfterSeconds(t *testing.T) {
	cases := []struct {
		text string
		want int
	}{
		{"please retry after 30s", 30},
		{"rate limited; wait 45 seconds", 45},
		{"quota will reset in 1h 2m 3s", 3723},
		{"quota will reset in 90s", 90},
		{"no hint here", -1},
		{"retry after 10s or retry after 20s", 20},
	}
	for _, tc := range cases {
		res := failedResult(t, "", tc.text, "")
		if got := res.RetryAfterSeconds(); got != tc.want {
			t.Fatalf("%q: got %d want %d", tc.text, got, tc.want)
		}
	}
}

func TestTokenUsageFromJSONStream(t *testing.T) {
	stdout := `{"type":"turn"}
{"usage":{"input_tokens":120,"output_tokens":30}}
done`
	logs := writeLogs(t, stdout, "")
	res := &ExecResult{ReturnCode: 0, StdoutPath: logs.Stdout, StderrPath: logs.Stderr, Success: true}
	u := res.TokenUsage()
	if u == nil || u.Input != 120 || u.Output != 30 || u.Total != 150 {
		t.Fatalf("usage = %+v", u)
	}
}

func TestTokenUsageFromPlainText(t *testing.T) {
	logs := writeLogs(t, "prompt tokens: 1,200\ncompletion tokens: 400\n", "")
	res := &ExecResult{ReturnCode: 0, StdoutPath: logs.Stdout, StderrPath: logs.Stderr, Success: true}
	u := res.TokenUsage()
	if u == nil || u.Input != 1200 || u.Output != 400 || u.Total != 1600 {
		t.Fatalf("usage = %+v", u)
	}
}

func TestCodexInvocationShape(t *testing.T) {
	c := NewCodex(Options{})
	req := Request{
		Cwd:        "/work",
		PromptPath: "/run/prompts/implement.md",
		OutPath:    "/run/artifacts/out.md",
		Logs:       LogPaths{Stdout: "/run/logs/stdout.log", Stderr: "/run/logs/stderr.log"},
		Selector:   ModelSelector{Model: "gpt-5-codex", ReasoningEffort: "high"},
	}
	inv := c.ResolveInvocation(req, false)
	joined := strings.Join(inv.Cmd, " ")
	for _, want := range []string{"codex exec", "--cd /work", "--sandbox read-only", "-m gpt-5-codex", "--output-last-message /run/artifacts/out.md", "@/run/prompts/implement.md"} {
		if !strings.Contains(joined, want) {
			t.Fatalf("invocation missing %q: %s", want, joined)
		}
	}
	if inv.ModelInfo["executor"] != "codex" || inv.ModelInfo["model"] != "gpt-5-codex" {
		t.Fatalf("model info: %+v", inv.ModelInfo)
	}
	if inv.Artifacts["output"] != "/run/artifacts/out.md" {
		t.Fatalf("artifacts: %+v", inv.Artifacts)
	}

	apply := c.ResolveInvocation(req, true)
	joined = strings.Join(apply.Cmd, " ")
	if !strings.Contains(joined, "--full-auto") || strings.Contains(joined, "read-only") {
		t.Fatalf("apply invocation: %s", joined)
	}
}

func TestSelectorModelClearsDefaultProfile(t *testing.T) {
	opts := Options{DefaultProfile: "planning"}
	rm := opts.resolve(ModelSelector{Model: "gpt-5"})
	if rm.Model != "gpt-5" || rm.Profile != "" {
		t.Fatalf("resolve: %+v", rm)
	}
	rm = opts.resolve(ModelSelector{})
	if rm.Profile != "planning" || rm.Model != "" {
		t.Fatalf("default resolve: %+v", rm)
	}
}

func TestFakeAdapterTextMode(t *testing.T) {
	responses := t.TempDir()
	if err := os.WriteFile(filepath.Join(responses, "plan.md"), []byte("# The Plan\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	f := NewFake(Options{ResponsesDir: responses})
	dir := t.TempDir()
	req := Request{
		Cwd:        dir,
		PromptPath: filepath.Join(dir, "plan.md"),
		OutPath:    filepath.Join(dir, "out.md"),
		Logs:       LogPaths{Stdout: filepath.Join(dir, "stdout.log"), Stderr: filepath.Join(dir, "stderr.log")},
	}
	res := f.RunText(context.Background(), req)
	if res.Failed() {
		t.Fatalf("fake failed: %s", res.ErrorMessage)
	}
	b, err := os.ReadFile(req.OutPath)
	if err != nil {
		t.Fatal(err)
	}
	if string(b) != "# The Plan\n" {
		t.Fatalf("output: %q", b)
	}
}

func TestFakeAdapterApplyScript(t *testing.T) {
	responses := t.TempDir()
	script := "#!/bin/bash\necho hello > created.txt\n"
	if err := os.WriteFile(filepath.Join(responses, "implement.sh"), []byte(script), 0o755); err != nil {
		t.Fatal(err)
	}
	f := NewFake(Options{ResponsesDir: responses})
	work := t.TempDir()
	logDir := t.TempDir()
	req := Request{
		Cwd:        work,
		PromptPath: filepath.Join(logDir, "implement.md"),
		Logs:       LogPaths{Stdout: filepath.Join(logDir, "stdout.log"), Stderr: filepath.Join(logDir, "stderr.log")},
		TimeoutSec: 30,
	}
	res := f.RunApply(context.Background(), req)
	if res.Failed() {
		t.Fatalf("apply failed: %s (%s)", res.ErrorMessage, res.ReadStderr())
	}
	if _, err := os.Stat(filepath.Join(work, "created.txt")); err != nil {
		t.Fatalf("script did not run in cwd: %v", err)
	}
}

func TestSubprocessTimeout(t *testing.T) {
	dir := t.TempDir()
	req := Request{
		Cwd:        dir,
		Logs:       LogPaths{Stdout: filepath.Join(dir, "stdout.log"), Stderr: filepath.Join(dir, "stderr.log")},
		TimeoutSec: 1,
	}
	res := runSubprocess(context.Background(), ResolvedInvocation{Cmd: []string{"sleep", "30"}}, req, nil)
	if !res.Failed() {
		t.Fatal("expected timeout failure")
	}
	if !strings.Contains(res.ErrorMessage, "timed out after 1s") {
		t.Fatalf("error message: %q", res.ErrorMessage)
	}
}

func TestSubprocessMissingBinary(t *testing.T) {
	dir := t.TempDir()
	req := Request{
		Cwd:  dir,
		Logs: LogPaths{Stdout: filepath.Join(dir, "stdout.log"), Stderr: filepath.Join(dir, "stderr.log")},
	}
	res := runSubprocess(context.Background(), ResolvedInvocation{Cmd: []string{"definitely-not-a-binary-xyz"}}, req, nil)
	if !res.Failed() || res.ErrorMessage == "" {
		t.Fatalf("expected start failure, got %+v", res)
	}
}

func TestStageFromPromptPath(t *testing.T) {
	f := NewFake(Options{})
	if got := f.stageFromPrompt("/x/prompts/fix.attempt-03.md"); got != "fix" {
		t.Fatalf("stage = %q", got)
	}
	if got := f.stageFromPrompt("/x/prompts/plan.md"); got != "plan" {
		t.Fatalf("stage = %q", got)
	}
}
