// Package planner turns a user request into a structured Plan:
// memory-calibrated LM decomposition with a strict-parse/strip-fence
// fallback chain, a regex-based heuristic for when the LM is unreachable,
// path validation against the live inventory, and action preflight against
// the capability manifest.
package planner

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/nrosset/forgeagent/internal/agenterrors"
	"github.com/nrosset/forgeagent/internal/inventory"
	"github.com/nrosset/forgeagent/internal/llm"
	"github.com/nrosset/forgeagent/internal/manifest"
	"github.com/nrosset/forgeagent/internal/registry"
	"github.com/nrosset/forgeagent/internal/types"
)

// maxMemoryEntries bounds how many chat turns and facts feed calibration.
const maxMemoryEntries = 10

// maxReadPlusEdit caps the combined read+edit paths per Plan.
const maxReadPlusEdit = 6

const systemPromptTemplate = `You are the Planner for a coding agent. Decompose the user's request into the minimum plan needed, as a single JSON object with exactly these fields:

{
  "read": ["<path>", ...],
  "edit": [{"path": "<path>", "intent": "<what to change, one sentence>"}],
  "delete": ["<path>", ...],
  "actions": [{"kind":"run","program":"<name>","args":["..."],"workdir":"","log_hint":"build|test|run|command","retries":3,"backoff_ms":750}],
  "notes": "<free-text summary or rationale>"
}

Rules:
- "read" and "edit" together name at most %d paths. Prefer reading before editing.
- Only name actions whose program is listed as runnable in the capability preamble below.
- If the request asks a question or wants information, leave "edit" and "actions" empty and answer in "notes".
- Output ONLY the JSON object. No markdown fences, no commentary, no <think> blocks.

%s

Project files (sample):
%s`

// Planner produces a Plan from a user request, the project's File Inventory,
// and its Capability Manifest, consulting the Tool Registry for action
// preflight and its own LM client for decomposition.
type Planner struct {
	llm *llm.Client
	reg *registry.Registry
}

// New creates a Planner. reg is used for action preflight and the
// heuristic fallback's verb-to-tool inference.
func New(llmClient *llm.Client, reg *registry.Registry) *Planner {
	return &Planner{llm: llmClient, reg: reg}
}

// Plan runs the full Planner algorithm: inventory, calibration, LM call
// with fallback chain, path validation, action preflight, and the
// read+edit cap.
func (p *Planner) Plan(ctx context.Context, root, userRequest string, m types.Manifest, history []types.ChatTurn, facts []types.MemoryFact) (types.Plan, error) {
	files, err := inventory.Walk(root)
	if err != nil {
		return types.Plan{}, fmt.Errorf("planner: walk inventory: %w", err)
	}

	constraints := calibrate(history, facts, userRequest)
	preamble := manifest.Preamble(m)
	if constraints != "" {
		preamble = preamble + "\n\n" + constraints
	}
	system := fmt.Sprintf(systemPromptTemplate, maxReadPlusEdit, preamble, renderFileSample(files))

	plan, planErr := p.planViaLLM(ctx, system, userRequest)
	if planErr != nil {
		plan = p.fallback(root, files, userRequest)
		plan.Error = planErr.Error()
	}

	plan = validatePaths(files, plan)
	plan = p.preflightActions(m, plan)
	plan = capReadEdit(plan, maxReadPlusEdit)
	return plan, nil
}

func (p *Planner) planViaLLM(ctx context.Context, system, user string) (types.Plan, error) {
	if p.llm == nil {
		return types.Plan{}, fmt.Errorf("%w: no LM client configured", agenterrors.ErrPlan)
	}
	plan, err := llm.ChatJSON[types.Plan](ctx, p.llm, system, user)
	if err != nil {
		return types.Plan{}, fmt.Errorf("%w: %v", agenterrors.ErrPlan, err)
	}
	return plan, nil
}

// fallback builds a Plan without the LM: filename-shaped tokens from the
// request become reads or edits depending on verb cues, standard project
// roots are seeded as reads, and verbs (build/test/run) are matched against
// the Tool Registry's project detector.
func (p *Planner) fallback(root string, files []types.FileMeta, userRequest string) types.Plan {
	lower := strings.ToLower(userRequest)
	editVerbs := []string{"edit", "modify", "change", "refactor", "add", "fix", "update"}
	wantsEdit := false
	for _, v := range editVerbs {
		if strings.Contains(lower, v) {
			wantsEdit = true
			break
		}
	}

	var plan types.Plan
	for _, tok := range filenameRe.FindAllString(userRequest, -1) {
		if wantsEdit {
			plan.Edit = append(plan.Edit, types.EditIntent{Path: tok, Intent: userRequest})
		} else {
			plan.Read = append(plan.Read, tok)
		}
	}

	plan.Read = append(plan.Read, "src/main.rs", "Cargo.toml", "package.json", "pyproject.toml", "README.md")

	if p.reg != nil {
		detected := p.reg.DetectFor(root)
		verbTool := map[string]string{"build": "cargo_build", "test": "go_test", "run": "npm_test"}
		for verb := range verbTool {
			if !strings.Contains(lower, verb) {
				continue
			}
			for _, e := range detected {
				if strings.Contains(e.Name, verb) || (verb == "build" && strings.Contains(e.Name, "build")) {
					plan.Actions = append(plan.Actions, e.Build(root))
				}
			}
		}
	}

	plan.Notes = "fallback heuristic plan (LM unavailable)"
	return plan
}

var filenameRe = regexp.MustCompile(`[\w./-]+\.[A-Za-z0-9]{1,8}`)

func pathIn(files []types.FileMeta, rel string) bool {
	for _, f := range files {
		if f.Path == rel {
			return true
		}
	}
	return false
}

// validatePaths drops any read/delete entry (and non-new-file edit) whose
// path does not resolve under root, recording a note for each drop.
func validatePaths(files []types.FileMeta, plan types.Plan) types.Plan {
	var notes []string
	keepRead := plan.Read[:0:0]
	for _, r := range plan.Read {
		if pathIn(files, r) {
			keepRead = append(keepRead, r)
		} else {
			notes = append(notes, fmt.Sprintf("dropped read %q: does not exist", r))
		}
	}
	plan.Read = keepRead

	keepDelete := plan.Delete[:0:0]
	for _, d := range plan.Delete {
		if pathIn(files, d) {
			keepDelete = append(keepDelete, d)
		} else {
			notes = append(notes, fmt.Sprintf("dropped delete %q: does not exist", d))
		}
	}
	plan.Delete = keepDelete
	// edit paths may be new files; no existence check.

	if len(notes) > 0 {
		plan.Notes = strings.TrimSpace(plan.Notes + "\n" + strings.Join(notes, "\n"))
	}
	return plan
}

// preflightActions drops any action whose program is not runnable per m,
// appending a note listing the drops.
func (p *Planner) preflightActions(m types.Manifest, plan types.Plan) types.Plan {
	var kept []types.ActionRun
	var dropped []string
	for _, a := range plan.Actions {
		if ok, reason := manifest.CanRun(m, a.Program); ok {
			kept = append(kept, a)
		} else {
			dropped = append(dropped, fmt.Sprintf("dropped action %q: %s", a.Program, reason))
		}
	}
	plan.Actions = kept
	if len(dropped) > 0 {
		plan.Notes = strings.TrimSpace(plan.Notes + "\n" + strings.Join(dropped, "\n"))
	}
	return plan
}

// capReadEdit enforces |read|+|edit| <= max, popping reads first.
func capReadEdit(plan types.Plan, max int) types.Plan {
	for len(plan.Read)+len(plan.Edit) > max && len(plan.Read) > 0 {
		plan.Read = plan.Read[:len(plan.Read)-1]
	}
	for len(plan.Read)+len(plan.Edit) > max && len(plan.Edit) > 0 {
		plan.Edit = plan.Edit[:len(plan.Edit)-1]
	}
	return plan
}

func renderFileSample(files []types.FileMeta) string {
	var sb strings.Builder
	limit := len(files)
	if limit > 80 {
		limit = 80
	}
	for _, f := range files[:limit] {
		fmt.Fprintf(&sb, "%s (%d bytes)\n", f.Path, f.Size)
	}
	return sb.String()
}

// calibrate renders recent chat turns and long-term facts into a
// MUST-NOT / SHOULD-PREFER constraints block: cap at maxMemoryEntries,
// keyword-filter against the request, then bucket by provenance.
func calibrate(history []types.ChatTurn, facts []types.MemoryFact, request string) string {
	if len(history) == 0 && len(facts) == 0 {
		return ""
	}

	recent := history
	if len(recent) > maxMemoryEntries {
		recent = recent[len(recent)-maxMemoryEntries:]
	}

	sortedFacts := make([]types.MemoryFact, len(facts))
	copy(sortedFacts, facts)
	sort.Slice(sortedFacts, func(i, j int) bool { return sortedFacts[i].Fact < sortedFacts[j].Fact })
	if len(sortedFacts) > maxMemoryEntries {
		sortedFacts = sortedFacts[:maxMemoryEntries]
	}

	kws := tokenize(request)
	var shouldPrefer []string
	for _, t := range recent {
		if containsAny(strings.ToLower(t.Content), kws) {
			shouldPrefer = append(shouldPrefer, "  - "+truncateText(t.Content, 160))
		}
	}
	var mustNot []string
	for _, f := range sortedFacts {
		if containsAny(strings.ToLower(f.Fact), kws) {
			mustNot = append(mustNot, fmt.Sprintf("  - %s (source: %s)", f.Fact, f.Source))
		}
	}

	if len(shouldPrefer) == 0 && len(mustNot) == 0 {
		return ""
	}

	var sb strings.Builder
	if len(mustNot) > 0 {
		sb.WriteString("MUST NOT (prior failures — do not repeat these approaches):\n")
		sb.WriteString(strings.Join(mustNot, "\n"))
		sb.WriteString("\n")
	}
	if len(shouldPrefer) > 0 {
		if sb.Len() > 0 {
			sb.WriteString("\n")
		}
		sb.WriteString("SHOULD PREFER (recent turns related to this request):\n")
		sb.WriteString(strings.Join(shouldPrefer, "\n"))
	}
	return sb.String()
}

func tokenize(s string) []string {
	fields := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !('a' <= r && r <= 'z' || '0' <= r && r <= '9')
	})
	var out []string
	for _, f := range fields {
		if len(f) >= 3 {
			out = append(out, f)
		}
	}
	return out
}

func containsAny(haystack string, needles []string) bool {
	words := make(map[string]bool)
	for _, w := range tokenize(haystack) {
		words[w] = true
	}
	for _, n := range needles {
		if words[n] {
			return true
		}
	}
	return false
}

func truncateText(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
