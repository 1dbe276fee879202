// Package heal implements the self-healing loop: run a command, and on
// failure feed its log tail and the working-tree diff to the LM for a
// minimal corrective patch, apply it, and re-run, up to a bounded number of
// corrective cycles with exponential backoff before escalating.
package heal

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/nrosset/forgeagent/internal/agenterrors"
	"github.com/nrosset/forgeagent/internal/atomicio"
	"github.com/nrosset/forgeagent/internal/diff"
	"github.com/nrosset/forgeagent/internal/types"
)

// Runner is the narrow Executor seam Heal depends on.
type Runner interface {
	Run(ctx context.Context, a types.ActionRun) (types.RunResult, error)
}

// Patcher is the narrow LM seam Heal depends on.
type Patcher interface {
	ProposePatch(ctx context.Context, logTail, workingDiff string) (string, error)
}

// Corrections caches previously proposed patches by failure signature, so a
// repeat of the same failure is tried against the cached patch before the LM
// is asked again.
type Corrections interface {
	CorrectionGet(program, logTail string) (string, bool)
	CorrectionPut(program, logTail, patchText string) error
}

// Heal drives one action through its bounded corrective loop.
type Heal struct {
	root        string
	exec        Runner
	llm         Patcher
	corrections Corrections
	maxHeal     int
	baseBackoff time.Duration
	escalate    func(types.Plan)
	sleep       func(time.Duration)
}

// New creates a Heal with the default max_heal (3) and base backoff (2s).
// escalate is called with a high-level healing Plan when every attempt is
// exhausted; it may be nil.
func New(root string, exec Runner, llmClient Patcher, escalate func(types.Plan)) *Heal {
	return &Heal{
		root:        root,
		exec:        exec,
		llm:         llmClient,
		maxHeal:     types.DefaultMaxHeal,
		baseBackoff: 2 * time.Second,
		escalate:    escalate,
		sleep:       time.Sleep,
	}
}

// SetCorrections attaches a correction cache; nil disables caching.
func (h *Heal) SetCorrections(c Corrections) { h.corrections = c }

// Run executes a, healing up to h.maxHeal times on failure. Each execution
// honors the action's own retry count and backoff before it counts as a
// failed heal attempt. Returns the final RunResult and, on exhaustion, an
// error wrapping ErrHealingExhausted.
func (h *Heal) Run(ctx context.Context, a types.ActionRun) (types.RunResult, error) {
	var lastResult types.RunResult
	var lastErr error
	var appliedPatch string // the patch applied before the most recent re-run
	usedCache := false

	for attempt := 1; ; attempt++ {
		res, err := h.runWithRetries(ctx, a)
		if err == nil {
			if appliedPatch != "" && h.corrections != nil && lastResult.LogTail != "" {
				_ = h.corrections.CorrectionPut(a.Program, lastResult.LogTail, appliedPatch)
			}
			return res, nil
		}
		lastResult, lastErr = res, err

		if attempt > h.maxHeal {
			break
		}

		var patchText string
		var perr error
		if cached, ok := h.cachedPatch(a.Program, res.LogTail); ok && !usedCache {
			// A prior run already healed this exact failure signature; try
			// its patch before spending another LM call.
			patchText, usedCache = cached, true
		} else {
			patchText, perr = h.llm.ProposePatch(ctx, res.LogTail, h.gitDiff(ctx))
		}
		appliedPatch = ""
		if perr == nil {
			if applyErr := h.applyPatch(patchText); applyErr != nil {
				// Do not retry with the same patch; fall through to the
				// next heal iteration, which will ask for a fresh one.
				lastErr = applyErr
			} else {
				appliedPatch = patchText
			}
		} else {
			lastErr = fmt.Errorf("%w: %v", agenterrors.ErrPlan, perr)
		}

		h.backoff(ctx, attempt)
	}

	if h.escalate != nil {
		h.escalate(types.Plan{
			Actions: []types.ActionRun{a},
			Notes:   "escalated after healing exhausted: " + lastErr.Error(),
		})
	}
	return lastResult, fmt.Errorf("%w: %v", agenterrors.ErrHealingExhausted, lastErr)
}

// runWithRetries executes a up to a.Retries times (at least once), sleeping
// a.BackoffMs between tries. Guardrail denials are never retried.
func (h *Heal) runWithRetries(ctx context.Context, a types.ActionRun) (types.RunResult, error) {
	tries := int(a.Retries)
	if tries < 1 {
		tries = 1
	}
	var res types.RunResult
	var err error
	for i := 0; i < tries; i++ {
		res, err = h.exec.Run(ctx, a)
		if err == nil || errors.Is(err, agenterrors.ErrPermissionDenied) || ctx.Err() != nil {
			return res, err
		}
		if i < tries-1 && a.BackoffMs > 0 {
			select {
			case <-ctx.Done():
				return res, err
			case <-after(h.sleep, time.Duration(a.BackoffMs)*time.Millisecond):
			}
		}
	}
	return res, err
}

func (h *Heal) cachedPatch(program, logTail string) (string, bool) {
	if h.corrections == nil || logTail == "" {
		return "", false
	}
	return h.corrections.CorrectionGet(program, logTail)
}

func (h *Heal) backoff(ctx context.Context, attempt int) {
	d := h.baseBackoff * time.Duration(1<<uint(attempt-1))
	const maxBackoff = 30 * time.Second
	if d > maxBackoff {
		d = maxBackoff
	}
	select {
	case <-ctx.Done():
	case <-after(h.sleep, d):
	}
}

// after returns a channel that closes once sleep has blocked for d — a thin
// seam so tests can inject an instantaneous sleep without a real timer.
func after(sleep func(time.Duration), d time.Duration) <-chan struct{} {
	ch := make(chan struct{})
	go func() {
		sleep(d)
		close(ch)
	}()
	return ch
}

func (h *Heal) gitDiff(ctx context.Context) string {
	cmd := exec.CommandContext(ctx, "git", "diff")
	cmd.Dir = h.root
	var out bytes.Buffer
	cmd.Stdout = &out
	if err := cmd.Run(); err != nil {
		return ""
	}
	return out.String()
}

// applyPatch applies patchText to the file named in its "+++ " header,
// preferring the system patch -p0 binary when present on PATH and falling
// back to the in-process differ otherwise, per -p0 semantics.
func (h *Heal) applyPatch(patchText string) error {
	path := targetPath(patchText)
	if path == "" {
		return fmt.Errorf("%w: patch has no +++ target header", agenterrors.ErrPatchApply)
	}
	absPath, err := atomicio.Contain(h.root, path)
	if err != nil {
		return err
	}

	if _, err := exec.LookPath("patch"); err == nil {
		cmd := exec.Command("patch", "-p0")
		cmd.Dir = h.root
		cmd.Stdin = strings.NewReader(patchText)
		if out, err := cmd.CombinedOutput(); err != nil {
			return fmt.Errorf("%w: system patch: %v: %s", agenterrors.ErrPatchApply, err, out)
		}
		return nil
	}

	oldContent, _, err := atomicio.ReadFile(absPath)
	if err != nil {
		return err
	}
	newContent, err := diff.Apply(oldContent, patchText)
	if err != nil {
		return err
	}
	return atomicio.WriteAtomic(absPath, []byte(newContent), 0o644)
}

// targetPath extracts the path from a unified diff's "+++ " header line.
func targetPath(patchText string) string {
	for _, line := range strings.Split(patchText, "\n") {
		if strings.HasPrefix(line, "+++ ") {
			p := strings.TrimSpace(strings.TrimPrefix(line, "+++ "))
			if p == "/dev/null" {
				return ""
			}
			return p
		}
	}
	return ""
}
