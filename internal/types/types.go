// Package types holds the data model shared by every subsystem: the plan a
// turn produces, the actions it runs, the results those actions yield, and
// the append-only records (Timeline, Memory) that outlive a single turn.
package types

import "time"

// FileMeta describes one file in the project inventory. Immutable once
// produced by a walk; a new walk produces a fresh slice.
type FileMeta struct {
	Path string `json:"path"` // relative to project root
	Size int64  `json:"size"`
	Ext  string `json:"ext,omitempty"`
}

// Providers records which LM provider credentials are present in the
// environment and which one was selected.
type Providers struct {
	OpenAI    bool   `json:"openai"`
	Groq      bool   `json:"groq"`
	Local     bool   `json:"local"`
	Anthropic bool   `json:"anthropic"`
	Model     string `json:"model"`
	BaseURL   string `json:"base_url"`
}

// Tools records which known command-line tools were found on PATH.
type Tools struct {
	Fs       bool `json:"fs"`
	Cargo    bool `json:"cargo"`
	Npm      bool `json:"npm"`
	Bun      bool `json:"bun"`
	Pnpm     bool `json:"pnpm"`
	Yarn     bool `json:"yarn"`
	Pytest   bool `json:"pytest"`
	Go       bool `json:"go"`
	Mvn      bool `json:"mvn"`
	Git      bool `json:"git"`
	Github   bool `json:"github"`
	Rg       bool `json:"rg"`
	Grep     bool `json:"grep"`
	Prettier bool `json:"prettier"`
	Eslint   bool `json:"eslint"`
	Rustfmt  bool `json:"rustfmt"`
	Clippy   bool `json:"clippy"`
	Gofmt    bool `json:"gofmt"`
	Black    bool `json:"black"`
	Flake8   bool `json:"flake8"`
}

// Manifest is the detected capability set of the host: LM providers and
// tool binaries. Produced once at startup; consulted by Planner and Executor.
type Manifest struct {
	Providers Providers `json:"providers"`
	Tools     Tools     `json:"tools"`
}

// Signal is an optional directive a Plan may carry for the orchestrator.
type Signal string

const (
	SignalRetry    Signal = "Retry"
	SignalAbort    Signal = "Abort"
	SignalContinue Signal = "Continue"
)

// EditIntent is one planned file edit: a path and the natural-language
// intent behind the change.
type EditIntent struct {
	Path   string `json:"path"`
	Intent string `json:"intent"`
}

// LogHint classifies what an action is for; used to route its log file and
// to pick the right tool for "verify" steps.
type LogHint string

const (
	LogHintBuild   LogHint = "build"
	LogHintTest    LogHint = "test"
	LogHintRun     LogHint = "run"
	LogHintCommand LogHint = "command"
)

// ActionRun is a subprocess invocation with bounded retries and backoff.
type ActionRun struct {
	Kind      string   `json:"kind"` // always "run"; reserved for future variants
	Program   string   `json:"program"`
	Args      []string `json:"args"`
	Workdir   string   `json:"workdir,omitempty"`
	LogHint   LogHint  `json:"log_hint,omitempty"`
	Retries   uint     `json:"retries"`
	BackoffMs uint     `json:"backoff_ms"`
}

// Plan is the structured output of one planning round.
type Plan struct {
	Read    []string     `json:"read"`
	Edit    []EditIntent `json:"edit"`
	Delete  []string     `json:"delete"`
	Actions []ActionRun  `json:"actions"`
	Notes   string       `json:"notes"`
	Signal  Signal       `json:"signal,omitempty"`
	Error   string       `json:"error,omitempty"`
}

// IsInformational reports whether this plan carries no mutation or
// execution work — the orchestrator then takes the summarize path instead.
func (p Plan) IsInformational() bool {
	return len(p.Edit) == 0 && len(p.Actions) == 0
}

// EditProposal is the transient result of asking the LM for a file's new
// content; applied via atomic write or exported as a patch.
type EditProposal struct {
	AbsPath    string
	OldContent string
	NewContent string
	IsNewFile  bool
}

// RunResult is the observable outcome of one subprocess invocation.
type RunResult struct {
	ExitCode    int    `json:"exit_code"`
	DurationMs  int64  `json:"duration_ms"`
	LogTail     string `json:"log_tail"` // trailing bytes only, capped at MaxLogTailBytes
	FullLogPath string `json:"full_log_path"`
	CommandLine string `json:"command_line"`
	TimedOut    bool   `json:"timed_out"`
}

// MaxLogTailBytes is the fixed cap on RunResult.LogTail, pinned by the
// design note resolving the 4000-vs-4096 ambiguity in favor of 4096.
const MaxLogTailBytes = 4096

// DefaultMaxHeal is the default bound on Self-Healing Loop corrective cycles.
const DefaultMaxHeal = 3

// DefaultRetries is the default Action.Run retry count, pinned by the design
// note resolving the 1-vs-3 ambiguity in favor of 3.
const DefaultRetries = 3

// TimelineEntry is one append-only record of an externally visible action.
type TimelineEntry struct {
	Start   time.Time `json:"start"`
	End     time.Time `json:"end"`
	Agent   string    `json:"agent"`
	LLM     bool      `json:"llm"`
	Tokens  int       `json:"tokens"`
	Verdict string    `json:"verdict"`
}

// MemoryFact is one long-term fact with its citation, deduplicated on
// (Fact, Source).
type MemoryFact struct {
	Fact   string `json:"fact"`
	Source string `json:"source"`
}

// Key returns the dedup key for this fact.
func (f MemoryFact) Key() string { return f.Fact + "\x00" + f.Source }

// ChatTurn is one short-term memory entry: a role ("user"/"assistant") and
// its content, held in a bounded ring buffer.
type ChatTurn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ScheduledTask is a Plan queued for later execution, FIFO within the same
// due instant.
type ScheduledTask struct {
	ExecuteAt time.Time `json:"execute_at"`
	Plan      Plan      `json:"plan"`
}

// Settings is process-wide, toggleable configuration initialized once at
// startup and mutated only through the REPL's /toggle and /set commands.
type Settings struct {
	AskBeforeDestructive bool   `json:"ask_before_destructive"`
	UnsafeMode           bool   `json:"unsafe_mode"`
	DryRun               bool   `json:"dry_run"`
	ExportPatch          bool   `json:"export_patch"`
	PatchDir             string `json:"patch_dir"`
}

// DefaultSettings returns the process-wide default Settings.
func DefaultSettings() Settings {
	return Settings{
		AskBeforeDestructive: true,
		UnsafeMode:           false,
		DryRun:               false,
		PatchDir:             "diffs",
	}
}
