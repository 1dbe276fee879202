package repl

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/nrosset/forgeagent/internal/config"
	"github.com/nrosset/forgeagent/internal/models"
	"github.com/nrosset/forgeagent/internal/orchestrator"
	"github.com/nrosset/forgeagent/internal/types"
)

func TestClassifyIntentGoalPrefix(t *testing.T) {
	if got := ClassifyIntent("goal: ship the release"); got != IntentGoal {
		t.Fatalf("expected IntentGoal, got %v", got)
	}
}

func TestClassifyIntentGoalPhrase(t *testing.T) {
	if got := ClassifyIntent("I want to migrate the database"); got != IntentGoal {
		t.Fatalf("expected IntentGoal, got %v", got)
	}
}

func TestClassifyIntentSimpleChangeVerb(t *testing.T) {
	if got := ClassifyIntent("rename the Config struct to Settings"); got != IntentSimpleChange {
		t.Fatalf("expected IntentSimpleChange, got %v", got)
	}
}

func TestClassifyIntentFallsBackToInfo(t *testing.T) {
	if got := ClassifyIntent("what does this project do?"); got != IntentInfo {
		t.Fatalf("expected IntentInfo, got %v", got)
	}
}

type fakeOrch struct {
	timeline []types.TimelineEntry
}

func (f *fakeOrch) Run(context.Context, string) (orchestrator.TurnResult, error) {
	return orchestrator.TurnResult{Informational: true, Summary: "ok"}, nil
}

func (f *fakeOrch) Timeline() []types.TimelineEntry {
	return f.timeline
}

func newTestREPL(t *testing.T) (*REPL, string, *bytes.Buffer) {
	t.Helper()
	root := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, ".agent"), 0o755); err != nil {
		t.Fatal(err)
	}
	var buf bytes.Buffer
	orch := &fakeOrch{timeline: []types.TimelineEntry{{Agent: "Planner", Verdict: "planned"}}}
	settings := config.NewSettingsStore()
	r := New(root, orch, settings, models.Registry{DefaultModel: "gpt-4o-mini"}, &buf)
	return r, root, &buf
}

type fakeQueue struct {
	tasks []types.ScheduledTask
}

func (f *fakeQueue) ExecuteDue(ctx context.Context, apply func(context.Context, types.Plan) error) ([]types.ScheduledTask, error) {
	for _, task := range f.tasks {
		if err := apply(ctx, task.Plan); err != nil {
			return nil, err
		}
	}
	ran := f.tasks
	f.tasks = nil
	return ran, nil
}

func TestDrainDueTasksAppliesEveryDuePlan(t *testing.T) {
	r, _, buf := newTestREPL(t)
	var applied []types.Plan
	q := &fakeQueue{tasks: []types.ScheduledTask{{Plan: types.Plan{Notes: "heal cargo build"}}}}
	r.SetScheduler(q, func(_ context.Context, p types.Plan) error {
		applied = append(applied, p)
		return nil
	})

	r.drainDueTasks(context.Background())
	if len(applied) != 1 || applied[0].Notes != "heal cargo build" {
		t.Fatalf("expected the due plan to be applied, got %+v", applied)
	}
	if !strings.Contains(buf.String(), "1 scheduled task(s)") {
		t.Fatalf("expected a drain notice, got %q", buf.String())
	}
}

func TestHandleCommandToggleUnknownKeyReportsError(t *testing.T) {
	r, _, buf := newTestREPL(t)
	r.handleCommand("/toggle bogus on")
	if !strings.Contains(buf.String(), "unknown toggle key") {
		t.Fatalf("expected unknown-key message, got %q", buf.String())
	}
}

func TestHandleCommandToggleKnownKeyFlipsSetting(t *testing.T) {
	r, _, _ := newTestREPL(t)
	r.handleCommand("/toggle dry_run on")
	if !r.settings.Get().DryRun {
		t.Fatalf("expected dry_run to be toggled on")
	}
}

func TestHandleCommandIgnoreMergesPatterns(t *testing.T) {
	r, root, _ := newTestREPL(t)
	r.handleCommand("/ignore *.tmp build/")
	data, err := os.ReadFile(filepath.Join(root, ".gitignore"))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "*.tmp") || !strings.Contains(string(data), "build/") {
		t.Fatalf("expected merged patterns, got %q", data)
	}
}

func TestHandleCommandReportWritesFile(t *testing.T) {
	r, root, buf := newTestREPL(t)
	r.handleCommand("/report")
	if _, err := os.Stat(filepath.Join(root, "report.md")); err != nil {
		t.Fatalf("expected report.md to be written: %v", err)
	}
	if !strings.Contains(buf.String(), "Planner") {
		t.Fatalf("expected report output to mention timeline entries, got %q", buf.String())
	}
}

func TestHandleCommandModelUnknownReportsError(t *testing.T) {
	r, _, buf := newTestREPL(t)
	r.handleCommand("/model does-not-exist")
	if !strings.Contains(buf.String(), "unknown model") {
		t.Fatalf("expected unknown-model message, got %q", buf.String())
	}
}

func TestHandleCommandSetPatchDir(t *testing.T) {
	r, _, buf := newTestREPL(t)
	r.handleCommand("/set patch_dir out")
	if r.settings.Get().PatchDir != "out" {
		t.Fatalf("expected patch_dir to be updated, got %q", r.settings.Get().PatchDir)
	}
	if !strings.Contains(buf.String(), "out") {
		t.Fatalf("expected confirmation message, got %q", buf.String())
	}
}
