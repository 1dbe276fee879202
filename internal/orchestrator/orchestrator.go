// Package orchestrator drives one turn end to end: understand the project,
// plan, summarize or mutate it, run its actions (healing persistent
// failures), verify, and persist the turn's state. Every sub-step publishes
// to the bus and appends exactly one TimelineEntry.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/nrosset/forgeagent/internal/agenterrors"
	"github.com/nrosset/forgeagent/internal/atomicio"
	"github.com/nrosset/forgeagent/internal/bus"
	"github.com/nrosset/forgeagent/internal/config"
	"github.com/nrosset/forgeagent/internal/editor"
	"github.com/nrosset/forgeagent/internal/inventory"
	"github.com/nrosset/forgeagent/internal/logging"
	"github.com/nrosset/forgeagent/internal/memory"
	"github.com/nrosset/forgeagent/internal/registry"
	"github.com/nrosset/forgeagent/internal/types"
)

// maxOuterAttempts bounds Run's retry of a whole turn on any raised error.
const maxOuterAttempts = 3

// topFileCount is how many top-level files the Think/Understand step lists.
const topFileCount = 10

// summarizer is the narrow LM seam the Summarize step depends on.
type summarizer interface {
	ChatText(ctx context.Context, system, user string) (string, error)
}

// plannerSeam is the narrow Planner seam Orchestrator depends on.
type plannerSeam interface {
	Plan(ctx context.Context, root, userRequest string, m types.Manifest, history []types.ChatTurn, facts []types.MemoryFact) (types.Plan, error)
}

// editorSeam is the narrow Edit Proposer seam Orchestrator depends on.
type editorSeam interface {
	ProposeAndApply(ctx context.Context, edits []types.EditIntent, userRequest string, s types.Settings) ([]editor.Outcome, error)
}

// actionRunner is the narrow Command Executor seam Orchestrator depends on.
// In production this is a *heal.Heal wrapping the real Executor, so a
// persistently failing action goes through the self-healing loop before Act
// reports failure.
type actionRunner interface {
	Run(ctx context.Context, a types.ActionRun) (types.RunResult, error)
}

// TurnResult is everything one Turn produced, for the REPL or caller to
// render.
type TurnResult struct {
	Plan          types.Plan
	Informational bool
	Summary       string
	EditOutcomes  []editor.Outcome
	Deleted       []string
	RunResults    []types.RunResult
	VerifyResult  *types.RunResult
}

// state is the persisted shape of "<root>/.agent/state.json".
type state struct {
	LastRequest   string    `json:"last_request"`
	LastNotes     string    `json:"last_notes"`
	LastVerdict   string    `json:"last_verdict"`
	EditCount     int       `json:"edit_count"`
	ActionCount   int       `json:"action_count"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Orchestrator drives turns for one project root.
type Orchestrator struct {
	root     string
	llm      summarizer
	planner  plannerSeam
	editor   editorSeam
	act      actionRunner
	reg      *registry.Registry
	manifest types.Manifest
	settings *config.SettingsStore
	bus      *bus.Bus
	short    *memory.ShortTerm
	long     *memory.LongTerm

	mu       sync.Mutex
	timeline []types.TimelineEntry
}

// New creates an Orchestrator. act is typically a *heal.Heal so that Act
// engages the Self-Healing Loop on persistent command failure.
func New(root string, llmClient summarizer, pl plannerSeam, ed editorSeam, act actionRunner,
	reg *registry.Registry, m types.Manifest, settings *config.SettingsStore, b *bus.Bus,
	short *memory.ShortTerm, long *memory.LongTerm) *Orchestrator {
	return &Orchestrator{
		root: root, llm: llmClient, planner: pl, editor: ed, act: act,
		reg: reg, manifest: m, settings: settings, bus: b, short: short, long: long,
	}
}

// Timeline returns a copy of every TimelineEntry recorded so far.
func (o *Orchestrator) Timeline() []types.TimelineEntry {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]types.TimelineEntry, len(o.timeline))
	copy(out, o.timeline)
	return out
}

// Run drives Turn with the outer retry policy: up to maxOuterAttempts on
// any raised error, each attempt's failure logged to agent_diagnostics.log.
func (o *Orchestrator) Run(ctx context.Context, userRequest string) (TurnResult, error) {
	var lastErr error
	for attempt := 1; attempt <= maxOuterAttempts; attempt++ {
		res, err := o.Turn(ctx, userRequest)
		if err == nil {
			return res, nil
		}
		lastErr = err
		logging.Diag("orchestrator: turn attempt %d/%d failed: %v", attempt, maxOuterAttempts, err)
	}
	return TurnResult{}, lastErr
}

// Turn runs the eight-step algorithm once: Think/Understand, Plan,
// Summarize (if informational), Propose & Apply Edits, Delete, Act, Verify,
// Persist state.
func (o *Orchestrator) Turn(ctx context.Context, userRequest string) (TurnResult, error) {
	o.short.Add(types.ChatTurn{Role: "user", Content: userRequest})

	var inv []types.FileMeta
	if _, err := o.substep("Think", false, func() (string, error) {
		fs, walkErr := inventory.Walk(o.root)
		if walkErr != nil {
			return "walk_error", fmt.Errorf("%w: %v", agenterrors.ErrIO, walkErr)
		}
		inv = fs
		o.publish(bus.EventPlan, "Think", bannerFor(fs), false)
		return fmt.Sprintf("indexed %d file(s)", len(fs)), nil
	}); err != nil {
		return TurnResult{}, err
	}

	var plan types.Plan
	if _, err := o.substep("Planner", true, func() (string, error) {
		p, perr := o.planner.Plan(ctx, o.root, userRequest, o.manifest, o.short.Recent(), o.long.Facts())
		plan = p
		if perr != nil {
			return "plan_error", perr
		}
		if err := o.persistPlan(plan); err != nil {
			return "plan_error", err
		}
		return "planned", nil
	}); err != nil {
		return TurnResult{}, err
	}

	if goal, ok := goalDescription(userRequest); ok {
		if err := atomicio.WriteAtomic(filepath.Join(o.root, ".agent", "goal.txt"), []byte(goal+"\n"), 0o644); err != nil {
			return TurnResult{}, err
		}
	}

	result := TurnResult{Plan: plan, Informational: plan.IsInformational()}

	if result.Informational {
		summary, err := o.substep("Summarizer", true, func() (string, error) {
			return o.summarize(ctx, userRequest, plan, inv)
		})
		if err != nil {
			return result, err
		}
		result.Summary = summary
		o.short.Add(types.ChatTurn{Role: "assistant", Content: summary})
	}

	if len(plan.Edit) > 0 {
		_, err := o.substep("Editor", true, func() (string, error) {
			outcomes, eerr := o.editor.ProposeAndApply(ctx, plan.Edit, userRequest, o.settings.Get())
			result.EditOutcomes = outcomes
			if eerr != nil {
				return "edit_error", eerr
			}
			return fmt.Sprintf("applied %d edit(s)", len(outcomes)), nil
		})
		if err != nil {
			return result, err
		}
	}

	if len(plan.Delete) > 0 {
		_, err := o.substep("Delete", false, func() (string, error) {
			deleted, derr := o.deletePaths(plan.Delete)
			result.Deleted = deleted
			if derr != nil {
				return "delete_error", derr
			}
			return fmt.Sprintf("deleted %d path(s)", len(deleted)), nil
		})
		if err != nil {
			return result, err
		}
	}

	if len(plan.Actions) > 0 {
		_, err := o.substep("Executor", false, func() (string, error) {
			results, aerr := o.runActions(ctx, plan.Actions)
			result.RunResults = results
			if aerr != nil {
				return "act_error", aerr
			}
			if o.settings.Get().DryRun {
				return "dry-run", nil
			}
			return "success", nil
		})
		if err != nil {
			return result, err
		}
	}

	if marker := canonicalVerifyMarker(o.root); marker != "" && !o.settings.Get().DryRun {
		_, err := o.substep("Verify", false, func() (string, error) {
			vr, verr := o.verify(ctx)
			result.VerifyResult = vr
			if verr != nil {
				return "verify_failed", verr
			}
			return "verified", nil
		})
		if err != nil {
			return result, err
		}
	}

	if err := o.persistState(userRequest, plan, result); err != nil {
		return result, err
	}
	return result, nil
}

// substep wraps one sub-step with a Start/End bus publish and exactly one
// appended TimelineEntry.
func (o *Orchestrator) substep(name string, llmUsed bool, fn func() (string, error)) (string, error) {
	start := time.Now()
	o.publish(bus.EventSubStepStart, name, "", llmUsed)

	verdict, err := fn()

	end := time.Now()
	o.mu.Lock()
	o.timeline = append(o.timeline, types.TimelineEntry{
		Start: start, End: end, Agent: name, LLM: llmUsed, Verdict: verdict,
	})
	o.mu.Unlock()
	o.publish(bus.EventSubStepEnd, name, verdict, llmUsed)
	return verdict, err
}

func (o *Orchestrator) publish(kind bus.EventKind, agent, verdict string, llmUsed bool) {
	if o.bus == nil {
		return
	}
	o.bus.Publish(bus.Event{Kind: kind, Agent: agent, Verdict: verdict, LLM: llmUsed})
}

// goalDescription reports whether userRequest is a "goal:"-prefixed turn
// and returns the description with the prefix stripped.
func goalDescription(userRequest string) (string, bool) {
	const prefix = "goal:"
	if !strings.HasPrefix(strings.ToLower(strings.TrimSpace(userRequest)), prefix) {
		return "", false
	}
	trimmed := strings.TrimSpace(userRequest)
	return strings.TrimSpace(trimmed[len(prefix):]), true
}

func bannerFor(files []types.FileMeta) string {
	var names []string
	for i, f := range files {
		if i >= topFileCount {
			break
		}
		names = append(names, f.Path)
	}
	return "top-level files: " + strings.Join(names, ", ")
}

func (o *Orchestrator) persistPlan(plan types.Plan) error {
	dir := filepath.Join(o.root, ".agent")
	data, err := json.MarshalIndent(plan, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: marshal plan: %v", agenterrors.ErrPlan, err)
	}
	if err := atomicio.WriteAtomic(filepath.Join(dir, "plan.json"), data, 0o644); err != nil {
		return err
	}
	return atomicio.WriteAtomic(filepath.Join(dir, "plan.md"), []byte(renderPlanMarkdown(plan)), 0o644)
}

func renderPlanMarkdown(p types.Plan) string {
	var b strings.Builder
	b.WriteString("# Plan\n\n")
	if p.Notes != "" {
		fmt.Fprintf(&b, "%s\n\n", p.Notes)
	}
	if len(p.Read) > 0 {
		b.WriteString("## Read\n")
		for _, r := range p.Read {
			fmt.Fprintf(&b, "- %s\n", r)
		}
		b.WriteString("\n")
	}
	if len(p.Edit) > 0 {
		b.WriteString("## Edit\n")
		for _, e := range p.Edit {
			fmt.Fprintf(&b, "- %s: %s\n", e.Path, e.Intent)
		}
		b.WriteString("\n")
	}
	if len(p.Delete) > 0 {
		b.WriteString("## Delete\n")
		for _, d := range p.Delete {
			fmt.Fprintf(&b, "- %s\n", d)
		}
		b.WriteString("\n")
	}
	if len(p.Actions) > 0 {
		b.WriteString("## Actions\n")
		for _, a := range p.Actions {
			fmt.Fprintf(&b, "- %s %s\n", a.Program, strings.Join(a.Args, " "))
		}
		b.WriteString("\n")
	}
	if p.Error != "" {
		fmt.Fprintf(&b, "## Error\n%s\n", p.Error)
	}
	return b.String()
}

// summarizeCaps bound the context gathered for an informational turn.
const (
	summarizeMaxFiles    = 8
	summarizeMaxFileSize = 20 * 1024
	summarizeMaxTotal    = 80 * 1024
)

func (o *Orchestrator) summarize(ctx context.Context, userRequest string, plan types.Plan, inv []types.FileMeta) (string, error) {
	paths := plan.Read
	if len(paths) == 0 {
		for _, f := range inv {
			paths = append(paths, f.Path)
		}
	}

	var b strings.Builder
	count := 0
	total := 0
	for _, rel := range paths {
		if count >= summarizeMaxFiles || total >= summarizeMaxTotal {
			break
		}
		abs, err := atomicio.Contain(o.root, rel)
		if err != nil {
			continue
		}
		content, exists, err := atomicio.ReadFile(abs)
		if err != nil || !exists {
			continue
		}
		if len(content) > summarizeMaxFileSize {
			content = content[:summarizeMaxFileSize]
		}
		if total+len(content) > summarizeMaxTotal {
			content = content[:summarizeMaxTotal-total]
		}
		fmt.Fprintf(&b, "=== %s ===\n%s\n\n", rel, content)
		total += len(content)
		count++
	}

	system := "You are an assistant summarizing a codebase for a developer's question. Be concise and specific."
	user := fmt.Sprintf("Question: %s\n\nProject files:\n%s", userRequest, b.String())
	summary, err := o.llm.ChatText(ctx, system, user)
	if err != nil {
		return "", fmt.Errorf("orchestrator: summarize: %w", err)
	}
	return summary, nil
}

func (o *Orchestrator) deletePaths(paths []string) ([]string, error) {
	var deleted []string
	for _, rel := range paths {
		abs, err := atomicio.Contain(o.root, rel)
		if err != nil {
			return deleted, err
		}
		if err := atomicio.Delete(abs); err != nil {
			return deleted, err
		}
		deleted = append(deleted, rel)
	}
	return deleted, nil
}

func (o *Orchestrator) runActions(ctx context.Context, actions []types.ActionRun) ([]types.RunResult, error) {
	var results []types.RunResult
	for _, a := range actions {
		res, err := o.act.Run(ctx, a)
		results = append(results, res)
		if err != nil {
			o.recordFailureFact(res, err)
			return results, err
		}
	}
	return results, nil
}

// recordFailureFact remembers a persistent command failure so later planning
// rounds are warned off the same approach.
func (o *Orchestrator) recordFailureFact(res types.RunResult, runErr error) {
	if o.long == nil || res.CommandLine == "" {
		return
	}
	_ = o.long.RecordFact(types.MemoryFact{
		Fact:   fmt.Sprintf("`%s` failed: %s", res.CommandLine, firstLine(runErr.Error())),
		Source: res.FullLogPath,
	})
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

// ApplyPlan runs a previously produced plan's mutation-and-action path
// without a fresh planning round: edits, then deletes, then actions, each
// under the same containment checks as an interactive turn. It returns a
// commit-style message capturing the edit and action counts. This is the
// path scheduled tasks re-enter through.
func (o *Orchestrator) ApplyPlan(ctx context.Context, plan types.Plan) (string, error) {
	result := TurnResult{Plan: plan}

	if len(plan.Edit) > 0 {
		if _, err := o.substep("Editor", true, func() (string, error) {
			outcomes, eerr := o.editor.ProposeAndApply(ctx, plan.Edit, plan.Notes, o.settings.Get())
			result.EditOutcomes = outcomes
			if eerr != nil {
				return "edit_error", eerr
			}
			return fmt.Sprintf("applied %d edit(s)", len(outcomes)), nil
		}); err != nil {
			return "", err
		}
	}

	if len(plan.Delete) > 0 {
		if _, err := o.substep("Delete", false, func() (string, error) {
			deleted, derr := o.deletePaths(plan.Delete)
			result.Deleted = deleted
			if derr != nil {
				return "delete_error", derr
			}
			return fmt.Sprintf("deleted %d path(s)", len(deleted)), nil
		}); err != nil {
			return "", err
		}
	}

	if len(plan.Actions) > 0 {
		if _, err := o.substep("Executor", false, func() (string, error) {
			results, aerr := o.runActions(ctx, plan.Actions)
			result.RunResults = results
			if aerr != nil {
				return "act_error", aerr
			}
			return "success", nil
		}); err != nil {
			return "", err
		}
	}

	msg := fmt.Sprintf("agent: apply scheduled plan (%d edit(s), %d action(s))",
		len(result.EditOutcomes), len(result.RunResults))
	return msg, nil
}

// canonicalMarkers lists the project marker files whose presence on disk
// enables the Verify step. The marker found does not pick the command:
// verify runs the first Tool Registry entry from DetectFor whose action is a
// test, else the first detected entry.
var canonicalMarkers = []string{"Cargo.toml", "package.json", "go.mod", "pom.xml"}

func canonicalVerifyMarker(root string) string {
	for _, m := range canonicalMarkers {
		if _, err := os.Stat(filepath.Join(root, m)); err == nil {
			return m
		}
	}
	return ""
}

func (o *Orchestrator) verify(ctx context.Context) (*types.RunResult, error) {
	entries := o.reg.DetectFor(o.root)
	// Prefer the project's canonical test command over a plain build.
	for _, pass := range []types.LogHint{types.LogHintTest, ""} {
		for _, e := range entries {
			if e.Build == nil {
				continue
			}
			action := e.Build(o.root)
			if pass != "" && action.LogHint != pass {
				continue
			}
			res, err := o.act.Run(ctx, action)
			return &res, err
		}
	}
	return nil, nil
}

func (o *Orchestrator) persistState(userRequest string, plan types.Plan, result TurnResult) error {
	verdict := "success"
	if result.Informational {
		verdict = "informational"
	}
	st := state{
		LastRequest: userRequest,
		LastNotes:   plan.Notes,
		LastVerdict: verdict,
		EditCount:   len(result.EditOutcomes),
		ActionCount: len(result.RunResults),
		UpdatedAt:   time.Now(),
	}
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: marshal state: %v", agenterrors.ErrIO, err)
	}
	if err := atomicio.WriteAtomic(filepath.Join(o.root, ".agent", "state.json"), data, 0o644); err != nil {
		return err
	}
	return o.appendAgentLog(st)
}

func (o *Orchestrator) appendAgentLog(st state) error {
	f, err := os.OpenFile(filepath.Join(o.root, "agent.log"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("%w: open agent.log: %v", agenterrors.ErrIO, err)
	}
	defer f.Close()
	line := strconv.FormatInt(st.UpdatedAt.Unix(), 10) + " turn verdict=" + st.LastVerdict +
		" edits=" + strconv.Itoa(st.EditCount) + " actions=" + strconv.Itoa(st.ActionCount) + "\n"
	_, err = f.WriteString(line)
	return err
}
