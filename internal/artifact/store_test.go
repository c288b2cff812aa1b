package artifact

import (
	"os"
	"testing"

	"github.com/davidbarr/foreman/internal/runpaths"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	paths, err := runpaths.CreateNew(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	return NewStore(paths)
}

func TestSetPersistsCanonicalFile(t *testing.T) {
	s := newTestStore(t)
	if err := s.Set(KeyPlan, "# Plan\n", "plan"); err != nil {
		t.Fatal(err)
	}
	b, err := os.ReadFile(s.paths.PlanFile())
	if err != nil {
		t.Fatal(err)
	}
	if string(b) != "# Plan\n" {
		t.Fatalf("unexpected plan file: %q", b)
	}
	if src := s.Source(KeyPlan); src != "plan" {
		t.Fatalf("source = %q", src)
	}
}

func TestSetOverwrites(t *testing.T) {
	s := newTestStore(t)
	if err := s.Set(KeyTask, "first", "init"); err != nil {
		t.Fatal(err)
	}
	h1 := s.Hash(KeyTask)
	if err := s.Set(KeyTask, "second", "init"); err != nil {
		t.Fatal(err)
	}
	got, ok := s.Get(KeyTask)
	if !ok || got != "second" {
		t.Fatalf("got %q ok=%v", got, ok)
	}
	if s.Hash(KeyTask) == h1 {
		t.Fatal("hash did not change on overwrite")
	}
}

func TestGetAbsent(t *testing.T) {
	s := newTestStore(t)
	if _, ok := s.Get("missing"); ok {
		t.Fatal("expected absent key")
	}
	if h := s.Hash("missing"); h != "" {
		t.Fatalf("hash for absent key: %q", h)
	}
}

func TestLoadFromDisk(t *testing.T) {
	s := newTestStore(t)
	if err := os.WriteFile(s.paths.TaskFile(), []byte("do things"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := s.LoadFromDisk(KeyTask, KeyPlan); err != nil {
		t.Fatal(err)
	}
	got, ok := s.Get(KeyTask)
	if !ok || got != "do things" {
		t.Fatalf("got %q ok=%v", got, ok)
	}
	if _, ok := s.Get(KeyPlan); ok {
		t.Fatal("plan should stay absent")
	}
}

func TestMemoryOnlyKey(t *testing.T) {
	s := newTestStore(t)
	if err := s.Set(KeyCurrentItem, "W001", "map"); err != nil {
		t.Fatal(err)
	}
	got, ok := s.Get(KeyCurrentItem)
	if !ok || got != "W001" {
		t.Fatalf("got %q ok=%v", got, ok)
	}
}
