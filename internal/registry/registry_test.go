package registry

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/nrosset/forgeagent/internal/agenterrors"
)

func TestGetUnknownIsNotFound(t *testing.T) {
	r := New()
	if _, err := r.Get("no_such_tool"); err == nil {
		t.Fatalf("expected error for unknown tool")
	} else if !isNotFound(err) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func isNotFound(err error) bool {
	return err == agenterrors.ErrNotFound
}

func TestDetectForGoProject(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "go.mod"), []byte("module x\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	r := New()
	entries := r.DetectFor(dir)
	found := map[string]bool{}
	for _, e := range entries {
		found[e.Name] = true
	}
	if !found["go_test"] || !found["gofmt"] {
		t.Fatalf("expected go_test and gofmt to detect go.mod, got %+v", entries)
	}
	if found["cargo_build"] {
		t.Fatalf("cargo_build should not detect a project with only go.mod")
	}
}

func TestEntryAllowedDeny(t *testing.T) {
	r := New()
	e, err := r.Get("cargo_build")
	if err != nil {
		t.Fatal(err)
	}
	if ok, _ := e.Allowed([]string{"publish"}); ok {
		t.Fatalf("expected `publish` to be denied for cargo_build")
	}
	if ok, _ := e.Allowed([]string{"build"}); !ok {
		t.Fatalf("expected `build` to be allowed for cargo_build")
	}
}

func TestListPreservesRegistrationOrder(t *testing.T) {
	r := New()
	all := r.List()
	if len(all) == 0 {
		t.Fatalf("expected registered entries")
	}
	if all[0].Name != "cargo_build" {
		t.Fatalf("expected cargo_build first, got %s", all[0].Name)
	}
}
