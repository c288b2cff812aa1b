package guardrail

import (
	"errors"
	"testing"
)

func TestBlacklistMode(t *testing.T) {
	g := &Guardrails{
		Enabled:           true,
		Mode:              "blacklist",
		ForbiddenPatterns: []string{"**/*.env", ".env"},
		ForbiddenPaths:    []string{"secrets"},
	}
	if !g.IsFileAllowed("src/app.py") {
		t.Fatal("src/app.py should be allowed")
	}
	if g.IsFileAllowed(".env") {
		t.Fatal(".env should be blocked")
	}
	if g.IsFileAllowed("config/prod.env") {
		t.Fatal("nested .env should be blocked")
	}
	if g.IsFileAllowed("secrets/key.pem") {
		t.Fatal("forbidden path should be blocked")
	}
}

func TestAllowlistMode(t *testing.T) {
	g := &Guardrails{
		Enabled:         true,
		Mode:            "allowlist",
		AllowedPatterns: []string{"src/**", "tests/**"},
	}
	if !g.IsFileAllowed("src/deep/nested/mod.py") {
		t.Fatal("src/** should match nested path")
	}
	if g.IsFileAllowed("README.md") {
		t.Fatal("unlisted file should be blocked")
	}
}

func TestEmptyAllowlistBlocksEverything(t *testing.T) {
	g := &Guardrails{Enabled: true, Mode: "allowlist"}
	for _, p := range []string{"a", "src/x.py", ".env"} {
		if g.IsFileAllowed(p) {
			t.Fatalf("%s allowed with empty allowlist", p)
		}
	}
	err := g.CheckFiles([]string{"src/x.py"})
	var v *Violation
	if !errors.As(err, &v) || v.Rule != "empty_allowlist" {
		t.Fatalf("err = %v", err)
	}
}

func TestCheckFilesReportsBlockedSet(t *testing.T) {
	g := &Guardrails{
		Enabled:           true,
		Mode:              "blacklist",
		ForbiddenPatterns: []string{".env"},
	}
	err := g.CheckFiles([]string{"src/app.py", ".env"})
	var v *Violation
	if !errors.As(err, &v) {
		t.Fatalf("expected violation, got %v", err)
	}
	if len(v.Files) != 1 || v.Files[0] != ".env" {
		t.Fatalf("blocked files: %v", v.Files)
	}
	// Idempotent: same call, same answer, no accumulated state.
	err2 := g.CheckFiles([]string{"src/app.py", ".env"})
	var v2 *Violation
	if !errors.As(err2, &v2) || len(v2.Files) != 1 {
		t.Fatalf("second check diverged: %v", err2)
	}
}

func TestMaxFilesChanged(t *testing.T) {
	g := &Guardrails{Enabled: true, Mode: "blacklist", MaxFilesChanged: 2}
	if err := g.CheckFiles([]string{"a", "b"}); err != nil {
		t.Fatalf("under limit: %v", err)
	}
	if err := g.CheckFiles([]string{"a", "b", "c"}); err == nil {
		t.Fatal("over limit should fail")
	}
}

func TestDisabledGuardrails(t *testing.T) {
	g := &Guardrails{Enabled: false, Mode: "allowlist"}
	if err := g.CheckFiles([]string{".env"}); err != nil {
		t.Fatalf("disabled guardrails must pass: %v", err)
	}
}

func TestCheckNewFiles(t *testing.T) {
	g := &Guardrails{
		Enabled:           true,
		Mode:              "blacklist",
		ForbiddenNewFiles: []string{"pr_body.md", "review.md"},
	}
	if err := g.CheckNewFiles([]string{"src/new.py"}, "/wt"); err != nil {
		t.Fatalf("normal new file: %v", err)
	}
	err := g.CheckNewFiles([]string{"docs/pr_body.md"}, "/wt")
	var v *Violation
	if !errors.As(err, &v) {
		t.Fatalf("expected violation, got %v", err)
	}
}
