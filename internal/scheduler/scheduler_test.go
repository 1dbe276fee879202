package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/nrosset/forgeagent/internal/types"
)

func open(t *testing.T) (*Scheduler, string) {
	t.Helper()
	root := t.TempDir()
	s, err := Open(root)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s, root
}

func TestScheduleThenExecuteDueRunsPastDueTasks(t *testing.T) {
	s, _ := open(t)
	plan := types.Plan{Notes: "heal attempt"}
	if err := s.Schedule(plan, -time.Second); err != nil {
		t.Fatal(err)
	}

	var ran []types.Plan
	applied, err := s.ExecuteDue(context.Background(), func(_ context.Context, p types.Plan) error {
		ran = append(ran, p)
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(applied) != 1 || len(ran) != 1 {
		t.Fatalf("expected exactly one task executed, got %d/%d", len(applied), len(ran))
	}
	if ran[0].Notes != "heal attempt" {
		t.Fatalf("unexpected plan notes: %q", ran[0].Notes)
	}
	if len(s.Pending()) != 0 {
		t.Fatalf("expected queue drained after execution, got %d pending", len(s.Pending()))
	}
}

func TestExecuteDueLeavesFutureTasksQueued(t *testing.T) {
	s, _ := open(t)
	if err := s.Schedule(types.Plan{Notes: "later"}, time.Hour); err != nil {
		t.Fatal(err)
	}

	applied, err := s.ExecuteDue(context.Background(), func(context.Context, types.Plan) error { return nil })
	if err != nil {
		t.Fatal(err)
	}
	if len(applied) != 0 {
		t.Fatalf("expected no tasks due yet, got %d", len(applied))
	}
	if len(s.Pending()) != 1 {
		t.Fatalf("expected the future task to remain queued, got %d", len(s.Pending()))
	}
}

func TestExecuteDueStopsAtFirstApplyFailure(t *testing.T) {
	s, _ := open(t)
	if err := s.Schedule(types.Plan{Notes: "a"}, -2*time.Second); err != nil {
		t.Fatal(err)
	}
	if err := s.Schedule(types.Plan{Notes: "b"}, -time.Second); err != nil {
		t.Fatal(err)
	}

	boom := errors.New("apply failed")
	calls := 0
	_, err := s.ExecuteDue(context.Background(), func(context.Context, types.Plan) error {
		calls++
		return boom
	})
	if err == nil {
		t.Fatalf("expected propagated apply error")
	}
	if calls != 1 {
		t.Fatalf("expected apply stop after first failure, got %d calls", calls)
	}
}

func TestScheduledTaskSurvivesReopen(t *testing.T) {
	s, root := open(t)
	if err := s.Schedule(types.Plan{Notes: "checkpointed"}, -time.Second); err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}

	reopened, err := Open(root)
	if err != nil {
		t.Fatal(err)
	}
	defer reopened.Close()

	if len(reopened.Pending()) != 1 {
		t.Fatalf("expected checkpointed task to survive reopen, got %d", len(reopened.Pending()))
	}
	if reopened.Pending()[0].Plan.Notes != "checkpointed" {
		t.Fatalf("unexpected plan notes after reopen: %q", reopened.Pending()[0].Plan.Notes)
	}
}

func TestCorrectionCacheRoundTrips(t *testing.T) {
	s, _ := open(t)
	if _, ok := s.CorrectionGet("go test", "missing import"); ok {
		t.Fatalf("expected no cached correction before CorrectionPut")
	}
	if err := s.CorrectionPut("go test", "missing import", "--- a/f.go\n+++ f.go\n"); err != nil {
		t.Fatal(err)
	}
	patch, ok := s.CorrectionGet("go test", "missing import")
	if !ok {
		t.Fatalf("expected cached correction after CorrectionPut")
	}
	if patch != "--- a/f.go\n+++ f.go\n" {
		t.Fatalf("unexpected cached patch: %q", patch)
	}
	if _, ok := s.CorrectionGet("go test", "different failure"); ok {
		t.Fatalf("expected no hit for a different failure signature")
	}
}
