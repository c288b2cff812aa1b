package gate

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/davidbarr/foreman/internal/config"
)

func TestRunPassingGate(t *testing.T) {
	r := &Runner{HeartbeatInterval: time.Minute, TimeoutSec: 30}
	logPath := filepath.Join(t.TempDir(), "gate_true.log")
	res, err := r.Run(context.Background(), Gate{Name: "true", Command: "true", Required: true}, t.TempDir(), logPath)
	if err != nil {
		t.Fatal(err)
	}
	if !res.OK || res.ReturnCode != 0 {
		t.Fatalf("result: %+v", res)
	}
}

func TestRunFailingGateIsNotAnError(t *testing.T) {
	r := &Runner{HeartbeatInterval: time.Minute, TimeoutSec: 30}
	logPath := filepath.Join(t.TempDir(), "gate_false.log")
	res, err := r.Run(context.Background(), Gate{Name: "false", Command: "false"}, t.TempDir(), logPath)
	if err != nil {
		t.Fatal(err)
	}
	if res.OK || res.ReturnCode != 1 {
		t.Fatalf("result: %+v", res)
	}
}

func TestRunMissingBinary(t *testing.T) {
	r := &Runner{HeartbeatInterval: time.Minute, TimeoutSec: 30}
	logPath := filepath.Join(t.TempDir(), "gate_missing.log")
	_, err := r.Run(context.Background(), Gate{Name: "nope", Command: "definitely-not-a-binary-xyz"}, t.TempDir(), logPath)
	if !errors.Is(err, ErrBinaryMissing) {
		t.Fatalf("want ErrBinaryMissing, got %v", err)
	}
}

func TestGateCapturesOutputAndPytestCounts(t *testing.T) {
	r := &Runner{HeartbeatInterval: time.Minute, TimeoutSec: 30}
	logPath := filepath.Join(t.TempDir(), "gate_pytest.log")
	g := Gate{Name: "pytest", Command: "sh", Args: []string{"-c", "echo '==== 2 failed, 3 passed in 0.5s ===='; exit 1"}}
	res, err := r.Run(context.Background(), g, t.TempDir(), logPath)
	if err != nil {
		t.Fatal(err)
	}
	if res.OK {
		t.Fatal("expected failure")
	}
	if res.TestsFailed == nil || *res.TestsFailed != 2 || res.TestsTotal == nil || *res.TestsTotal != 5 {
		t.Fatalf("counts: %+v", res)
	}
	b, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(b), "2 failed") {
		t.Fatalf("log content: %s", b)
	}
}

func TestHeartbeatLines(t *testing.T) {
	r := &Runner{HeartbeatInterval: 200 * time.Millisecond, TimeoutSec: 30}
	logPath := filepath.Join(t.TempDir(), "gate_slow.log")
	g := Gate{Name: "slow", Command: "sleep", Args: []string{"1"}}
	res, err := r.Run(context.Background(), g, t.TempDir(), logPath)
	if err != nil {
		t.Fatal(err)
	}
	if !res.OK {
		t.Fatalf("result: %+v", res)
	}
	b, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(b), "still running") {
		t.Fatalf("expected heartbeat lines, got: %q", b)
	}
}

func TestGateTimeout(t *testing.T) {
	r := &Runner{HeartbeatInterval: time.Minute, TimeoutSec: 1}
	logPath := filepath.Join(t.TempDir(), "gate_timeout.log")
	res, err := r.Run(context.Background(), Gate{Name: "hang", Command: "sleep", Args: []string{"30"}}, t.TempDir(), logPath)
	if err != nil {
		t.Fatal(err)
	}
	if res.OK {
		t.Fatal("timed-out gate must not pass")
	}
}

func TestSubsetAndRequired(t *testing.T) {
	r := FromConfig([]config.GateConfig{
		{Name: "ruff", Command: "ruff"},
		{Name: "pytest", Command: "pytest"},
		{Name: "optional", Command: "x", Required: boolPtr(false)},
		{Name: "disabled", Command: "x", Enabled: boolPtr(false)},
	}, 60)
	if len(r.Gates) != 3 {
		t.Fatalf("gates: %+v", r.Gates)
	}
	sub := r.Subset([]string{"pytest"})
	if len(sub) != 1 || sub[0].Name != "pytest" {
		t.Fatalf("subset: %+v", sub)
	}

	results := []Result{
		{Name: "ruff", OK: true},
		{Name: "pytest", OK: false},
		{Name: "optional", OK: false},
	}
	if AllRequiredPassed(r.Gates, results) {
		t.Fatal("required pytest failed; must not pass")
	}
	results[1].OK = true
	if !AllRequiredPassed(r.Gates, results) {
		t.Fatal("optional failure must not block")
	}
}

func boolPtr(b bool) *bool { return &b }
