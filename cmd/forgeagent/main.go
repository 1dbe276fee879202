// Command forgeagent wires every subsystem together behind a cobra CLI
// surface and launches either the interactive REPL, the autonomous driver,
// or a one-shot subcommand.
package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/nrosset/forgeagent/internal/bus"
	"github.com/nrosset/forgeagent/internal/config"
	"github.com/nrosset/forgeagent/internal/editor"
	"github.com/nrosset/forgeagent/internal/executor"
	"github.com/nrosset/forgeagent/internal/heal"
	"github.com/nrosset/forgeagent/internal/llm"
	"github.com/nrosset/forgeagent/internal/logging"
	"github.com/nrosset/forgeagent/internal/manifest"
	"github.com/nrosset/forgeagent/internal/memory"
	"github.com/nrosset/forgeagent/internal/models"
	"github.com/nrosset/forgeagent/internal/orchestrator"
	"github.com/nrosset/forgeagent/internal/planner"
	"github.com/nrosset/forgeagent/internal/registry"
	"github.com/nrosset/forgeagent/internal/repl"
	"github.com/nrosset/forgeagent/internal/scheduler"
	"github.com/nrosset/forgeagent/internal/types"
)

var (
	flagExportPatch bool
	flagPatchDir    string
	flagAutonomous  bool
	flagUnsafe      bool
	flagDryRun      bool
	flagReport      bool
)

// healEscalateDelay is how far in the future an exhausted healing loop's
// recovery plan is scheduled.
const healEscalateDelay = 5 * time.Minute

// app holds every wired subsystem for one project root.
type app struct {
	root     string
	settings *config.SettingsStore
	reg      *registry.Registry
	manifest types.Manifest
	orch     *orchestrator.Orchestrator
	repl     *repl.REPL
	modelReg models.Registry
	sched    *scheduler.Scheduler
}

func buildApp(root string) (*app, error) {
	if err := config.LoadAgentEnv(root); err != nil {
		return nil, err
	}
	if _, err := logging.Init(root); err != nil {
		return nil, err
	}

	modelReg := models.Load()
	m := manifest.Build(modelReg)

	settings := config.NewSettingsStore()
	settings.Toggle("unsafe", flagUnsafe)
	settings.Toggle("dry_run", flagDryRun || os.Getenv("DRY_RUN") == "1")
	settings.Toggle("export_patch", flagExportPatch)
	if flagPatchDir != "" {
		settings.SetPatchDir(flagPatchDir)
	}

	b := bus.New()
	llmClient := llm.New()
	if info, ok := modelReg.Get(m.Providers.Model); ok {
		llmClient = llm.NewForModel(info)
	}
	reg := registry.New()

	sched, err := scheduler.Open(root)
	if err != nil {
		return nil, err
	}

	exec := executor.New(root, settings, m, b, confirmOnStdin)
	exec.SetEcho(os.Stdout)
	h := heal.New(root, exec, llmClient, func(p types.Plan) {
		if serr := sched.Schedule(p, healEscalateDelay); serr != nil {
			logging.Diag("failed to schedule healing plan: %v", serr)
			return
		}
		logging.Diag("scheduled healing plan after exhausted attempts: %s", p.Notes)
	})
	h.SetCorrections(sched)

	pl := planner.New(llmClient, reg)
	ed := editor.New(root, llmClient)
	short := memory.NewShortTerm()
	long, err := memory.OpenLongTerm(root)
	if err != nil {
		return nil, err
	}

	orch := orchestrator.New(root, llmClient, pl, ed, h, reg, m, settings, b, short, long)
	r := repl.New(root, orch, settings, modelReg, os.Stdout)
	r.SetScheduler(sched, func(ctx context.Context, p types.Plan) error {
		msg, aerr := orch.ApplyPlan(ctx, p)
		if aerr != nil {
			return aerr
		}
		logging.Diag("%s", msg)
		return nil
	})

	return &app{root: root, settings: settings, reg: reg, manifest: m, orch: orch, repl: r, modelReg: modelReg, sched: sched}, nil
}

// Close releases subsystems that hold on-disk handles.
func (a *app) Close() {
	if err := a.sched.Close(); err != nil {
		logging.Diag("closing scheduler: %v", err)
	}
}

// confirmOnStdin asks the user to approve a destructive command on the
// terminal, failing closed on any read error.
func confirmOnStdin(prompt string) bool {
	fmt.Fprintf(os.Stderr, "%s [y/N] ", prompt)
	answer, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil {
		return false
	}
	answer = strings.TrimSpace(strings.ToLower(answer))
	return answer == "y" || answer == "yes"
}

func main() {
	root, err := os.Getwd()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	rootCmd := &cobra.Command{
		Use:   "forgeagent",
		Short: "An agent that plans, edits, runs, and heals changes to a project",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := buildApp(root)
			if err != nil {
				return err
			}
			defer a.Close()
			if flagReport {
				printReport(a.orch)
				return nil
			}
			if flagAutonomous {
				return a.repl.RunAutonomous(cmd.Context(), "continue the current goal")
			}
			return a.repl.Run(cmd.Context())
		},
	}
	rootCmd.PersistentFlags().BoolVar(&flagExportPatch, "export-patch", false, "export proposed edits as .patch files instead of applying them")
	rootCmd.PersistentFlags().StringVar(&flagPatchDir, "patch-dir", "diffs", "directory for exported patches")
	rootCmd.PersistentFlags().BoolVar(&flagAutonomous, "autonomous", false, "run the autonomous driver instead of the interactive REPL")
	rootCmd.PersistentFlags().BoolVar(&flagUnsafe, "unsafe", false, "bypass the capability manifest when running commands")
	rootCmd.PersistentFlags().BoolVar(&flagDryRun, "dry-run", false, "propose edits and actions without applying or running them")
	rootCmd.PersistentFlags().BoolVar(&flagReport, "report", false, "print the recorded timeline and exit")

	rootCmd.AddCommand(runCmd(root), goalCmd(root), toolCmd(root), reportCmd(root))

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runCmd(root string) *cobra.Command {
	return &cobra.Command{
		Use:   "run <code|file>",
		Short: "run one turn for a SimpleChange or Info request without entering the REPL",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := buildApp(root)
			if err != nil {
				return err
			}
			defer a.Close()
			res, err := a.orch.Run(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			printTurn(res)
			return nil
		},
	}
}

func goalCmd(root string) *cobra.Command {
	return &cobra.Command{
		Use:   "goal <description>",
		Short: "run one turn classified as a Goal",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := buildApp(root)
			if err != nil {
				return err
			}
			defer a.Close()
			res, err := a.orch.Run(cmd.Context(), "goal: "+strings.Join(args, " "))
			if err != nil {
				return err
			}
			printTurn(res)
			return nil
		},
	}
}

func toolCmd(root string) *cobra.Command {
	tool := &cobra.Command{Use: "tool", Short: "inspect or invoke the Tool Registry"}

	tool.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "list every registered tool entry",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := buildApp(root)
			if err != nil {
				return err
			}
			defer a.Close()
			registry.WriteTable(os.Stdout, a.reg.List())
			return nil
		},
	})

	tool.AddCommand(&cobra.Command{
		Use:   "run <name> [args...]",
		Short: "invoke one tool entry directly, subject to its safety policy",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := buildApp(root)
			if err != nil {
				return err
			}
			defer a.Close()
			entry, err := a.reg.Get(args[0])
			if err != nil {
				return err
			}
			extra := args[1:]
			if ok, reason := entry.Allowed(extra); !ok {
				return fmt.Errorf("tool run denied: %s", reason)
			}
			action := entry.Build(root)
			action.Args = append(action.Args, extra...)

			exec := executor.New(root, a.settings, a.manifest, nil, confirmOnStdin)
			res, err := exec.Run(cmd.Context(), action)
			fmt.Println(res.LogTail)
			return err
		},
	})

	return tool
}

func reportCmd(root string) *cobra.Command {
	return &cobra.Command{
		Use:   "report",
		Short: "print the orchestrator's recorded timeline",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := buildApp(root)
			if err != nil {
				return err
			}
			defer a.Close()
			printReport(a.orch)
			return nil
		},
	}
}

func printReport(orch *orchestrator.Orchestrator) {
	for _, e := range orch.Timeline() {
		fmt.Printf("%s -> %s [%s] llm=%v\n", e.Start.Format(time.RFC3339), e.Agent, e.Verdict, e.LLM)
	}
}

func printTurn(res orchestrator.TurnResult) {
	if res.Informational {
		fmt.Println(res.Summary)
		return
	}
	for _, o := range res.EditOutcomes {
		switch {
		case o.DryRun:
			fmt.Printf("(dry run) would edit %s\n", o.Path)
		case o.PatchPath != "":
			fmt.Printf("exported patch for %s -> %s\n", o.Path, o.PatchPath)
		default:
			fmt.Printf("applied edit to %s\n", o.Path)
		}
	}
	for _, path := range res.Deleted {
		fmt.Printf("deleted %s\n", path)
	}
	for _, rr := range res.RunResults {
		fmt.Printf("ran `%s` exit=%d\n", rr.CommandLine, rr.ExitCode)
	}
}
