// Package repl implements the interactive REPL and autonomous driver: a
// readline-backed loop that classifies input as a Goal, a SimpleChange, or
// plain Info, routes each to the Orchestrator, and handles a fixed set of
// "/"-prefixed commands. The autonomous driver runs turns on a fixed
// interval, drains due scheduled tasks, and self-assesses periodically.
package repl

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/chzyer/readline"
	"github.com/mattn/go-runewidth"

	"github.com/nrosset/forgeagent/internal/config"
	"github.com/nrosset/forgeagent/internal/inventory"
	"github.com/nrosset/forgeagent/internal/models"
	"github.com/nrosset/forgeagent/internal/orchestrator"
	"github.com/nrosset/forgeagent/internal/types"
)

// State is a state in the REPL's turn state machine.
type State string

const (
	StateIdle          State = "Idle"
	StateAwaitingInput State = "AwaitingInput"
	StateOrchestrating State = "Orchestrating"
	StateShutdown      State = "Shutdown"
)

// Intent classifies non-command input for the orchestrator.
type Intent string

const (
	IntentGoal         Intent = "Goal"
	IntentSimpleChange Intent = "SimpleChange"
	IntentInfo         Intent = "Info"
)

// endMarker terminates a multi-line input block.
const endMarker = "/end"

// maxTurnAttempts bounds the REPL's own per-turn retry bookkeeping.
const maxTurnAttempts = 3

// autonomousInterval is the default cadence of the autonomous driver.
const autonomousInterval = 30 * time.Second

// selfAssessInterval is how often the autonomous driver checks for an
// upgrade sentinel.
const selfAssessInterval = 5 * time.Minute

// turnRunner is the narrow Orchestrator seam the REPL depends on.
type turnRunner interface {
	Run(ctx context.Context, userRequest string) (orchestrator.TurnResult, error)
	Timeline() []types.TimelineEntry
}

// taskQueue is the narrow Scheduler seam the autonomous driver drains.
type taskQueue interface {
	ExecuteDue(ctx context.Context, apply func(context.Context, types.Plan) error) ([]types.ScheduledTask, error)
}

// REPL drives one interactive session against one project root.
type REPL struct {
	root     string
	orch     turnRunner
	settings *config.SettingsStore
	modelReg models.Registry

	queue taskQueue
	apply func(context.Context, types.Plan) error

	out io.Writer

	mu         sync.Mutex
	state      State
	cancelTurn context.CancelFunc
}

// New creates a REPL. out defaults to os.Stdout when nil.
func New(root string, orch turnRunner, settings *config.SettingsStore, modelReg models.Registry, out io.Writer) *REPL {
	if out == nil {
		out = os.Stdout
	}
	return &REPL{root: root, orch: orch, settings: settings, modelReg: modelReg, out: out, state: StateIdle}
}

// SetScheduler attaches a task queue and the plan-apply function due tasks
// re-enter through. The autonomous driver drains the queue on every tick.
func (r *REPL) SetScheduler(q taskQueue, apply func(context.Context, types.Plan) error) {
	r.queue = q
	r.apply = apply
}

func (r *REPL) setState(s State) {
	r.mu.Lock()
	r.state = s
	r.mu.Unlock()
}

// State returns the REPL's current state.
func (r *REPL) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Run drives the interactive loop until the user quits or ctx is cancelled.
func (r *REPL) Run(ctx context.Context) error {
	fmt.Fprintln(r.out, "forgeagent — exit/Ctrl-D to quit, Ctrl+C aborts the current turn")

	rl, err := readline.NewEx(&readline.Config{
		Prompt:            "\033[36m>\033[0m ",
		HistoryFile:       filepath.Join(r.root, ".agent", "history"),
		HistorySearchFold: true,
		InterruptPrompt:   "^C",
		EOFPrompt:         "exit",
	})
	if err != nil {
		return fmt.Errorf("repl: init readline: %w", err)
	}
	defer rl.Close()

	intrCh := make(chan os.Signal, 1)
	signal.Notify(intrCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(intrCh)

	go func() {
		for {
			select {
			case <-intrCh:
				r.abortTurn()
			case <-ctx.Done():
				return
			}
		}
	}()

	r.setState(StateAwaitingInput)
	for {
		line, err := rl.Readline()
		if err == readline.ErrInterrupt {
			continue
		}
		if err != nil {
			r.setState(StateShutdown)
			return nil
		}

		input := strings.TrimSpace(line)
		if input == "" {
			continue
		}
		if input == "/quit" || input == "/exit" {
			r.setState(StateShutdown)
			return nil
		}

		input, err = r.collectMultiline(rl, input)
		if err != nil {
			r.setState(StateShutdown)
			return nil
		}

		if strings.HasPrefix(input, "/") {
			r.handleCommand(input)
			continue
		}

		r.runTurnWithRetry(ctx, input)
	}
}

// abortTurn cancels the in-flight turn's context, if a turn is running.
func (r *REPL) abortTurn() {
	r.mu.Lock()
	cancel := r.cancelTurn
	running := r.state == StateOrchestrating
	r.mu.Unlock()
	if running && cancel != nil {
		cancel()
	}
}

// collectMultiline reads further lines from rl until a line equal to
// endMarker, if the first line opts into multi-line input with a trailing
// backslash.
func (r *REPL) collectMultiline(rl *readline.Instance, first string) (string, error) {
	if !strings.HasSuffix(first, "\\") {
		return first, nil
	}
	var b strings.Builder
	b.WriteString(strings.TrimSuffix(first, "\\"))
	for {
		line, err := rl.Readline()
		if err != nil {
			return "", err
		}
		if strings.TrimSpace(line) == endMarker {
			break
		}
		b.WriteString("\n")
		b.WriteString(line)
	}
	return b.String(), nil
}

func (r *REPL) runTurnWithRetry(ctx context.Context, input string) {
	intent := ClassifyIntent(input)
	if intent == IntentGoal && !strings.HasPrefix(strings.ToLower(input), "goal:") {
		input = "goal: " + input
	}
	fmt.Fprintf(r.out, "\033[90m[%s]\033[0m\n", intent)

	turnCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	r.mu.Lock()
	r.state = StateOrchestrating
	r.cancelTurn = cancel
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		r.state = StateAwaitingInput
		r.cancelTurn = nil
		r.mu.Unlock()
	}()

	var lastErr error
	for attempt := 1; attempt <= maxTurnAttempts; attempt++ {
		res, err := r.orch.Run(turnCtx, input)
		if err == nil {
			r.printResult(res)
			return
		}
		lastErr = err
		if turnCtx.Err() != nil {
			fmt.Fprintln(r.out, "\033[33m⚠ turn aborted\033[0m")
			return
		}
	}
	fmt.Fprintf(r.out, "error: %v\n", lastErr)
}

func (r *REPL) printResult(res orchestrator.TurnResult) {
	if res.Informational {
		fmt.Fprintln(r.out, res.Summary)
		return
	}
	for _, o := range res.EditOutcomes {
		switch {
		case o.DryRun:
			fmt.Fprintf(r.out, "(dry run) would edit %s\n", o.Path)
		case o.PatchPath != "":
			fmt.Fprintf(r.out, "exported patch for %s -> %s\n", o.Path, o.PatchPath)
		default:
			fmt.Fprintf(r.out, "applied edit to %s\n", o.Path)
		}
	}
	for _, path := range res.Deleted {
		fmt.Fprintf(r.out, "deleted %s\n", path)
	}
	for _, rr := range res.RunResults {
		fmt.Fprintf(r.out, "ran `%s` (exit %d)\n", runewidth.Truncate(rr.CommandLine, maxEchoWidth, "…"), rr.ExitCode)
	}
}

// maxEchoWidth bounds echoed command lines to one display row.
const maxEchoWidth = 100

// ClassifyIntent applies the deterministic routing rules: a "goal:" prefix
// or goal phrasing wins first, then a fixed verb list for SimpleChange,
// else Info.
func ClassifyIntent(input string) Intent {
	lower := strings.ToLower(strings.TrimSpace(input))
	if strings.HasPrefix(lower, "goal:") {
		return IntentGoal
	}
	for _, phrase := range goalPhrases {
		if strings.Contains(lower, phrase) {
			return IntentGoal
		}
	}
	for _, verb := range simpleChangeVerbs {
		if strings.Contains(lower, verb) {
			return IntentSimpleChange
		}
	}
	return IntentInfo
}

var goalPhrases = []string{"i want to", "the goal is", "my goal is", "i'd like to achieve", "work towards"}

var simpleChangeVerbs = []string{"rename", "modify", "add", "remove", "refactor", "change", "delete"}

func (r *REPL) handleCommand(input string) {
	fields := strings.Fields(input)
	cmd := fields[0]
	args := fields[1:]

	switch cmd {
	case "/help":
		r.printHelp()
	case "/model":
		r.cmdModel(args)
	case "/env":
		r.cmdEnv(args)
	case "/set":
		r.cmdSet(args)
	case "/report":
		r.cmdReport()
	case "/timeline":
		r.cmdTimeline()
	case "/review":
		r.cmdReview()
	case "/toggle":
		r.cmdToggle(args)
	case "/ignore":
		r.cmdIgnore(args)
	default:
		fmt.Fprintf(r.out, "unknown command %q; try /help\n", cmd)
	}
}

func (r *REPL) printHelp() {
	fmt.Fprint(r.out, `commands:
  /help                     show this message
  /quit, /exit              leave the REPL
  /model <id>               select a model from the registry
  /env KEY=VAL ...          upsert .agent.env
  /set <key> <value>        set a setting (patch_dir)
  /report                   print a summary of the current turn history
  /timeline                 print recorded timeline entries
  /review                   show the current edit and safety settings
  /toggle <key> on|off      toggle unsafe, dry_run, ask_before_destructive, export_patch
  /ignore <pattern>...      merge patterns into .gitignore
`)
}

func (r *REPL) cmdModel(args []string) {
	if len(args) == 0 {
		fmt.Fprintf(r.out, "current default model: %s\n", r.modelReg.DefaultModel)
		return
	}
	info, ok := r.modelReg.Get(args[0])
	if !ok {
		fmt.Fprintf(r.out, "unknown model %q\n", args[0])
		return
	}
	// Later tier resolutions (LM client, manifest rebuild) read these.
	os.Setenv("MODEL_ID", info.ID)
	os.Setenv("OPENAI_MODEL", info.ID)
	fmt.Fprintf(r.out, "selected model %s (provider=%s)\n", info.ID, info.Provider)
}

func (r *REPL) cmdEnv(args []string) {
	pairs := make(map[string]string, len(args))
	for _, a := range args {
		k, v, ok := strings.Cut(a, "=")
		if !ok {
			fmt.Fprintf(r.out, "skipping malformed pair %q (want KEY=VAL)\n", a)
			continue
		}
		pairs[k] = v
	}
	if len(pairs) == 0 {
		return
	}
	if err := config.UpsertAgentEnv(r.root, pairs); err != nil {
		fmt.Fprintf(r.out, "error: %v\n", err)
		return
	}
	fmt.Fprintf(r.out, "updated %d env var(s) in %s\n", len(pairs), config.EnvFileName)
}

func (r *REPL) cmdSet(args []string) {
	if len(args) != 2 {
		fmt.Fprintln(r.out, "usage: /set <key> <value>")
		return
	}
	switch args[0] {
	case "patch_dir":
		r.settings.SetPatchDir(args[1])
		fmt.Fprintf(r.out, "patch_dir set to %s\n", args[1])
	default:
		fmt.Fprintf(r.out, "unknown setting %q\n", args[0])
	}
}

func (r *REPL) cmdReport() {
	tl := r.orch.Timeline()
	var b strings.Builder
	b.WriteString("# Report\n\n")
	b.WriteString("## Timeline\n\n")
	b.WriteString("| agent | verdict | duration |\n")
	b.WriteString("|---|---|---|\n")
	for _, e := range tl {
		fmt.Fprintf(&b, "| %s | %s | %dms |\n", e.Agent, e.Verdict, e.End.Sub(e.Start).Milliseconds())
	}
	path := filepath.Join(r.root, "report.md")
	if err := os.WriteFile(path, []byte(b.String()), 0o644); err != nil {
		fmt.Fprintf(r.out, "error writing report: %v\n", err)
		return
	}
	fmt.Fprint(r.out, b.String())
}

func (r *REPL) cmdTimeline() {
	for _, e := range r.orch.Timeline() {
		fmt.Fprintf(r.out, "%s -> %s [%s] llm=%v\n", e.Start.Format(time.RFC3339), e.Agent, e.Verdict, e.LLM)
	}
}

func (r *REPL) cmdReview() {
	s := r.settings.Get()
	fmt.Fprintf(r.out, "dry_run=%v export_patch=%v patch_dir=%s unsafe=%v ask_before_destructive=%v\n",
		s.DryRun, s.ExportPatch, s.PatchDir, s.UnsafeMode, s.AskBeforeDestructive)
}

func (r *REPL) cmdToggle(args []string) {
	if len(args) != 2 {
		fmt.Fprintln(r.out, "usage: /toggle <key> on|off")
		return
	}
	on := args[1] == "on"
	if !on && args[1] != "off" {
		fmt.Fprintln(r.out, "usage: /toggle <key> on|off")
		return
	}
	if !r.settings.Toggle(args[0], on) {
		fmt.Fprintf(r.out, "unknown toggle key %q\n", args[0])
		return
	}
	fmt.Fprintf(r.out, "%s -> %v\n", args[0], on)
}

func (r *REPL) cmdIgnore(args []string) {
	if len(args) == 0 {
		fmt.Fprintln(r.out, "usage: /ignore <pattern>...")
		return
	}
	if err := inventory.MergeIgnorePatterns(r.root, args); err != nil {
		fmt.Fprintf(r.out, "error: %v\n", err)
		return
	}
	fmt.Fprintf(r.out, "merged %d pattern(s) into .gitignore\n", len(args))
}

// RunAutonomous drives the Orchestrator on a fixed interval until ctx is
// cancelled or an interrupt arrives. Each tick first drains due scheduled
// tasks through the attached apply path, then runs one turn toward goal. A
// parallel self-assessment every selfAssessInterval checks for a
// ".latest_version" sentinel newer than AGENT_VERSION.
func (r *REPL) RunAutonomous(ctx context.Context, goal string) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	ticker := time.NewTicker(autonomousInterval)
	defer ticker.Stop()
	assessTicker := time.NewTicker(selfAssessInterval)
	defer assessTicker.Stop()

	r.setState(StateOrchestrating)
	defer r.setState(StateShutdown)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			r.drainDueTasks(ctx)
			if ctx.Err() != nil {
				return nil
			}
			if _, err := r.orch.Run(ctx, goal); err != nil {
				fmt.Fprintf(r.out, "autonomous turn error: %v\n", err)
			}
		case <-assessTicker.C:
			r.selfAssess()
		}
	}
}

func (r *REPL) drainDueTasks(ctx context.Context) {
	if r.queue == nil || r.apply == nil {
		return
	}
	ran, err := r.queue.ExecuteDue(ctx, r.apply)
	if err != nil {
		fmt.Fprintf(r.out, "scheduled task error: %v\n", err)
	}
	if len(ran) > 0 {
		fmt.Fprintf(r.out, "ran %d scheduled task(s)\n", len(ran))
	}
}

func (r *REPL) selfAssess() {
	path := filepath.Join(r.root, ".latest_version")
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}
	latest := strings.TrimSpace(string(data))
	current := os.Getenv("AGENT_VERSION")
	if latest != "" && latest != current {
		fmt.Fprintf(r.out, "self-assessment: newer version %s available (current %s)\n", latest, current)
	}
}
