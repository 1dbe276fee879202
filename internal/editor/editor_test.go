package editor

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/nrosset/forgeagent/internal/llm"
	"github.com/nrosset/forgeagent/internal/types"
)

type fakeProposer struct {
	content string
	err     error
	calls   int
}

func (f *fakeProposer) ProposeEdit(ctx context.Context, req llm.EditRequest) (string, error) {
	f.calls++
	if f.err != nil {
		return "", f.err
	}
	return f.content, nil
}

func newEditor(t *testing.T, fp *fakeProposer) (*Editor, string) {
	t.Helper()
	root := t.TempDir()
	return &Editor{root: root, llm: fp}, root
}

func TestProposeOneWritesAtomicallyAndLogs(t *testing.T) {
	fp := &fakeProposer{content: "package main\n\nfunc main() {}\n"}
	ed, root := newEditor(t, fp)

	outcomes, err := ed.ProposeAndApply(context.Background(),
		[]types.EditIntent{{Path: "main.go", Intent: "create entrypoint"}},
		"add a main function", types.DefaultSettings())
	if err != nil {
		t.Fatalf("ProposeAndApply: %v", err)
	}
	if len(outcomes) != 1 || !outcomes[0].Applied {
		t.Fatalf("expected one applied outcome, got %+v", outcomes)
	}
	data, err := os.ReadFile(filepath.Join(root, "main.go"))
	if err != nil {
		t.Fatalf("expected file written: %v", err)
	}
	if string(data) != fp.content {
		t.Fatalf("file content mismatch: %q", string(data))
	}
	logData, err := os.ReadFile(filepath.Join(root, "agent.log"))
	if err != nil {
		t.Fatalf("expected agent.log: %v", err)
	}
	if !strings.Contains(string(logData), "main.go") {
		t.Fatalf("agent.log missing path: %q", string(logData))
	}
}

func TestProposeOneDryRunDoesNotWrite(t *testing.T) {
	fp := &fakeProposer{content: "new content\n"}
	ed, root := newEditor(t, fp)

	s := types.DefaultSettings()
	s.DryRun = true
	outcomes, err := ed.ProposeAndApply(context.Background(),
		[]types.EditIntent{{Path: "f.txt", Intent: "touch"}}, "req", s)
	if err != nil {
		t.Fatalf("ProposeAndApply: %v", err)
	}
	if !outcomes[0].DryRun || outcomes[0].Applied {
		t.Fatalf("expected dry-run outcome, got %+v", outcomes[0])
	}
	if _, err := os.Stat(filepath.Join(root, "f.txt")); err == nil {
		t.Fatalf("dry run must not write the file")
	}
}

func TestProposeOneExportPatchWritesNumberedFile(t *testing.T) {
	fp := &fakeProposer{content: "line1\nline2\n"}
	ed, root := newEditor(t, fp)

	if err := os.WriteFile(filepath.Join(root, "f.txt"), []byte("line1\nold\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	s := types.DefaultSettings()
	s.ExportPatch = true
	outcomes, err := ed.ProposeAndApply(context.Background(),
		[]types.EditIntent{{Path: "f.txt", Intent: "change line 2"}}, "req", s)
	if err != nil {
		t.Fatalf("ProposeAndApply: %v", err)
	}
	if outcomes[0].PatchPath == "" {
		t.Fatalf("expected a patch path, got %+v", outcomes[0])
	}
	if !strings.HasSuffix(outcomes[0].PatchPath, "001.patch") {
		t.Fatalf("expected numbered patch file, got %s", outcomes[0].PatchPath)
	}
	data, err := os.ReadFile(outcomes[0].PatchPath)
	if err != nil {
		t.Fatalf("expected patch file on disk: %v", err)
	}
	if !strings.Contains(string(data), "-old") || !strings.Contains(string(data), "+line2") {
		t.Fatalf("patch content missing expected diff lines:\n%s", data)
	}
	if _, err := os.Stat(filepath.Join(root, "f.txt")); err == nil {
		content, _ := os.ReadFile(filepath.Join(root, "f.txt"))
		if string(content) != "line1\nold\n" {
			t.Fatalf("export-patch mode must not mutate the source file")
		}
	}
}

func TestProposeOneRejectsEmptyContent(t *testing.T) {
	fp := &fakeProposer{content: "   \n  "}
	ed, _ := newEditor(t, fp)
	_, err := ed.ProposeAndApply(context.Background(),
		[]types.EditIntent{{Path: "f.txt", Intent: "blank"}}, "req", types.DefaultSettings())
	if err == nil {
		t.Fatalf("expected error for empty proposed content")
	}
}

func TestProposeAndApplyLaterEditWinsSameFile(t *testing.T) {
	calls := []string{"first\n", "second\n"}
	i := 0
	root := t.TempDir()
	ed := &Editor{root: root, llm: fakeSeq(&i, calls)}

	_, err := ed.ProposeAndApply(context.Background(), []types.EditIntent{
		{Path: "f.txt", Intent: "first pass"},
		{Path: "f.txt", Intent: "second pass"},
	}, "req", types.DefaultSettings())
	if err != nil {
		t.Fatalf("ProposeAndApply: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(root, "f.txt"))
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "second\n" {
		t.Fatalf("expected later edit to win, got %q", string(data))
	}
}

type seqProposer struct {
	i   *int
	out []string
}

func (s *seqProposer) ProposeEdit(ctx context.Context, req llm.EditRequest) (string, error) {
	v := s.out[*s.i]
	*s.i++
	return v, nil
}

func fakeSeq(i *int, out []string) *seqProposer {
	return &seqProposer{i: i, out: out}
}
