// Package editor implements the edit proposer: for each planned edit, ask
// the LM for the file's complete new content, render a unified diff for
// display, and apply it as an atomic write, a dry-run notice, or an
// exported patch file.
package editor

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/nrosset/forgeagent/internal/agenterrors"
	"github.com/nrosset/forgeagent/internal/atomicio"
	"github.com/nrosset/forgeagent/internal/diff"
	"github.com/nrosset/forgeagent/internal/llm"
	"github.com/nrosset/forgeagent/internal/types"
)

// Outcome records what happened to one proposed edit: its diff for display
// and which apply path was taken.
type Outcome struct {
	Path      string
	Diff      diff.UnifiedDiff
	Applied   bool
	DryRun    bool
	PatchPath string // set when exported instead of applied
}

// proposer is the narrow LM seam Editor depends on, satisfied by
// *llm.Client; kept as an interface so tests can supply a fake without an
// HTTP round trip.
type proposer interface {
	ProposeEdit(ctx context.Context, req llm.EditRequest) (string, error)
}

// Editor proposes and applies edits for one project root.
type Editor struct {
	root     string
	llm      proposer
	patchSeq int
}

// New creates an Editor rooted at root.
func New(root string, llmClient *llm.Client) *Editor {
	return &Editor{root: root, llm: llmClient}
}

// ProposeAndApply runs the full Edit Proposer algorithm over every edit in
// order, applying the tie-break "later wins" rule for repeated paths within
// the same turn by simply processing edits in planner order — this function
// is itself intended to be called once per turn with the full edit list.
func (ed *Editor) ProposeAndApply(ctx context.Context, edits []types.EditIntent, userRequest string, s types.Settings) ([]Outcome, error) {
	var outcomes []Outcome
	for _, e := range edits {
		o, err := ed.proposeOne(ctx, e, userRequest, s)
		if err != nil {
			return outcomes, err
		}
		outcomes = append(outcomes, o)
	}
	return outcomes, nil
}

func (ed *Editor) proposeOne(ctx context.Context, e types.EditIntent, userRequest string, s types.Settings) (Outcome, error) {
	absPath, err := atomicio.Contain(ed.root, e.Path)
	if err != nil {
		return Outcome{}, err
	}
	oldContent, existed, err := atomicio.ReadFile(absPath)
	if err != nil {
		return Outcome{}, err
	}
	isNew := !existed

	instruction := userRequest + "\nFile-specific intent: " + e.Intent
	if isNew {
		instruction += "\nThis file does not exist yet; create it."
	}

	newContent, err := ed.llm.ProposeEdit(ctx, llm.EditRequest{
		FilePath:    e.Path,
		FileContent: oldContent,
		Instruction: instruction,
	})
	if err != nil {
		return Outcome{}, fmt.Errorf("editor: propose %s: %w", e.Path, err)
	}
	if strings.TrimSpace(newContent) == "" {
		return Outcome{}, fmt.Errorf("%w: empty proposed content for %s", agenterrors.ErrPlan, e.Path)
	}

	d := diff.Compute(e.Path, e.Path, oldContent, newContent)
	o := Outcome{Path: e.Path, Diff: d}

	switch {
	case s.DryRun:
		o.DryRun = true
	case s.ExportPatch:
		patchPath, err := ed.exportPatch(d, s.PatchDir)
		if err != nil {
			return Outcome{}, err
		}
		o.PatchPath = patchPath
	default:
		if err := atomicio.WriteAtomic(absPath, []byte(newContent), 0o644); err != nil {
			return Outcome{}, err
		}
		if err := ed.appendAgentLog(absPath); err != nil {
			return Outcome{}, err
		}
		o.Applied = true
	}
	return o, nil
}

// exportPatch writes d to "<patch_dir>/NNN.patch" using a monotonically
// increasing counter scoped to this Editor instance.
func (ed *Editor) exportPatch(d diff.UnifiedDiff, patchDir string) (string, error) {
	if patchDir == "" {
		patchDir = "diffs"
	}
	ed.patchSeq++
	dir := filepath.Join(ed.root, patchDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("%w: mkdir patch dir: %v", agenterrors.ErrIO, err)
	}
	name := fmt.Sprintf("%03d.patch", ed.patchSeq)
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(d.String()), 0o644); err != nil {
		return "", fmt.Errorf("%w: write patch: %v", agenterrors.ErrIO, err)
	}
	return path, nil
}

// appendAgentLog records "<epoch> <abs_path>" in "<root>/agent.log".
func (ed *Editor) appendAgentLog(absPath string) error {
	f, err := os.OpenFile(filepath.Join(ed.root, "agent.log"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("%w: open agent.log: %v", agenterrors.ErrIO, err)
	}
	defer f.Close()
	line := strconv.FormatInt(time.Now().Unix(), 10) + " " + absPath + "\n"
	_, err = f.WriteString(line)
	return err
}
