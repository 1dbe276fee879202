package orchestrator_test

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/nrosset/forgeagent/internal/config"
	"github.com/nrosset/forgeagent/internal/editor"
	"github.com/nrosset/forgeagent/internal/memory"
	"github.com/nrosset/forgeagent/internal/orchestrator"
	"github.com/nrosset/forgeagent/internal/registry"
	"github.com/nrosset/forgeagent/internal/types"
)

func TestOrchestratorAcceptance(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Orchestrator Acceptance Suite")
}

type e2ePlanner struct {
	plan types.Plan
}

func (p *e2ePlanner) Plan(context.Context, string, string, types.Manifest, []types.ChatTurn, []types.MemoryFact) (types.Plan, error) {
	return p.plan, nil
}

type e2eEditor struct {
	outcomes []editor.Outcome
}

func (e *e2eEditor) ProposeAndApply(context.Context, []types.EditIntent, string, types.Settings) ([]editor.Outcome, error) {
	return e.outcomes, nil
}

type e2eRunner struct {
	results []types.RunResult
	i       int
}

func (r *e2eRunner) Run(context.Context, types.ActionRun) (types.RunResult, error) {
	if r.i >= len(r.results) {
		return types.RunResult{}, nil
	}
	res := r.results[r.i]
	r.i++
	return res, nil
}

type e2eSummarizer struct{ text string }

func (s *e2eSummarizer) ChatText(context.Context, string, string) (string, error) {
	return s.text, nil
}

func newOrch(root string, plan types.Plan, outcomes []editor.Outcome, results []types.RunResult, summary string, settings *config.SettingsStore) *orchestrator.Orchestrator {
	reg := registry.New()
	short := memory.NewShortTerm()
	long, err := memory.OpenLongTerm(root)
	Expect(err).NotTo(HaveOccurred())
	if settings == nil {
		settings = config.NewSettingsStore()
	}
	return orchestrator.New(root, &e2eSummarizer{text: summary}, &e2ePlanner{plan: plan},
		&e2eEditor{outcomes: outcomes}, &e2eRunner{results: results}, reg, types.Manifest{}, settings, nil, short, long)
}

var _ = Describe("end-to-end turn scenarios", func() {
	var root string

	BeforeEach(func() {
		root = GinkgoT().TempDir()
	})

	It("dry-run build records a dry-run Executor verdict", func() {
		if err := os.WriteFile(filepath.Join(root, "Cargo.toml"), []byte("[package]\n"), 0o644); err != nil {
			Fail(err.Error())
		}
		settings := config.NewSettingsStore()
		settings.Toggle("dry_run", true)
		plan := types.Plan{Actions: []types.ActionRun{{Program: "cargo", Args: []string{"build"}, LogHint: "build"}}}
		o := newOrch(root, plan, nil, []types.RunResult{{ExitCode: 0}}, "", settings)

		res, err := o.Run(context.Background(), "please build")
		Expect(err).NotTo(HaveOccurred())
		Expect(res.Informational).To(BeFalse())

		var sawExecutor bool
		for _, e := range o.Timeline() {
			if e.Agent == "Executor" {
				sawExecutor = true
				Expect(e.Verdict).To(Equal("dry-run"))
			}
		}
		Expect(sawExecutor).To(BeTrue())
	})

	It("new-file edit export leaves the target file absent from disk", func() {
		settings := config.NewSettingsStore()
		settings.Toggle("export_patch", true)
		plan := types.Plan{Edit: []types.EditIntent{{Path: "src/hello.rs", Intent: "add a main that prints Hi"}}}
		outcomes := []editor.Outcome{{Path: "src/hello.rs", PatchPath: filepath.Join(root, "diffs", "001.patch")}}
		o := newOrch(root, plan, outcomes, nil, "", settings)

		res, err := o.Run(context.Background(), "create src/hello.rs with a main that prints Hi")
		Expect(err).NotTo(HaveOccurred())
		Expect(res.EditOutcomes).To(HaveLen(1))
		Expect(res.EditOutcomes[0].PatchPath).NotTo(BeEmpty())

		_, statErr := os.Stat(filepath.Join(root, "src", "hello.rs"))
		Expect(os.IsNotExist(statErr)).To(BeTrue())
	})

	It("rejects a delete plan that escapes the project root", func() {
		plan := types.Plan{Delete: []string{"../outside.txt"}}
		o := newOrch(root, plan, nil, nil, "", nil)

		_, err := o.Turn(context.Background(), "clean up")
		Expect(err).To(HaveOccurred())
	})

	It("an action that succeeds records an Executor verdict of success", func() {
		plan := types.Plan{Actions: []types.ActionRun{{Program: "cargo", Args: []string{"build"}}}}
		o := newOrch(root, plan, nil, []types.RunResult{{ExitCode: 0}}, "", nil)

		res, err := o.Run(context.Background(), "please build")
		Expect(err).NotTo(HaveOccurred())
		Expect(res.RunResults).To(HaveLen(1))

		for _, e := range o.Timeline() {
			if e.Agent == "Executor" {
				Expect(e.Verdict).To(Equal("success"))
			}
		}
	})

	It("answers an informational request without mutating any file and keeps the summary verbatim", func() {
		plan := types.Plan{Notes: "describe the repo"}
		o := newOrch(root, plan, nil, nil, "this repo builds forgeagent", nil)

		res, err := o.Run(context.Background(), "what does this project do?")
		Expect(err).NotTo(HaveOccurred())
		Expect(res.Informational).To(BeTrue())
		Expect(res.Summary).To(Equal("this repo builds forgeagent"))
	})

	It("persists goal.txt, plan.json and plan.md, and the timeline has a Planner row", func() {
		plan := types.Plan{Notes: "stand up a CI pipeline"}
		o := newOrch(root, plan, nil, nil, "", nil)

		_, err := o.Run(context.Background(), "goal: add CI")
		Expect(err).NotTo(HaveOccurred())

		for _, name := range []string{"goal.txt", "plan.json", "plan.md"} {
			_, statErr := os.Stat(filepath.Join(root, ".agent", name))
			Expect(statErr).NotTo(HaveOccurred(), "expected .agent/%s to exist", name)
		}

		var sawPlanner bool
		for _, e := range o.Timeline() {
			if e.Agent == "Planner" {
				sawPlanner = true
			}
		}
		Expect(sawPlanner).To(BeTrue())

		goalBody, err := os.ReadFile(filepath.Join(root, ".agent", "goal.txt"))
		Expect(err).NotTo(HaveOccurred())
		Expect(strings.TrimSpace(string(goalBody))).To(Equal("add CI"))
	})
})
