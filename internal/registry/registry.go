// Package registry implements the tool registry: a fixed map from tool name
// to {project detector, command builder, safety policy}, looked up by the
// Planner's fallback heuristic and the `tool` subcommands.
package registry

import (
	"io"
	"os"
	"path/filepath"

	"github.com/aquasecurity/table"

	"github.com/nrosset/forgeagent/internal/agenterrors"
	"github.com/nrosset/forgeagent/internal/types"
)

// Detector reports whether this tool's entry applies to root (e.g. a
// Cargo.toml exists).
type Detector func(root string) bool

// Builder yields the Action.Run this tool entry would execute in root.
type Builder func(root string) types.ActionRun

// Policy is the argument-token allow/deny safety policy for one tool entry.
// Args are checked against Deny first; if Allow is non-empty, every arg must
// also appear in it.
type Policy struct {
	Allow []string
	Deny  []string
}

// Entry is one Tool Registry row.
type Entry struct {
	Name     string
	Detect   Detector
	Build    Builder
	Policy   Policy
	Describe string
}

// Registry is the fixed tool-name → Entry map, built once at startup.
type Registry struct {
	byName map[string]Entry
	order  []string
}

func exists(root, rel string) bool {
	_, err := os.Stat(filepath.Join(root, rel))
	return err == nil
}

func run(workdir, program string, args ...string) types.ActionRun {
	return types.ActionRun{
		Kind:      "run",
		Program:   program,
		Args:      args,
		Workdir:   workdir,
		Retries:   types.DefaultRetries,
		BackoffMs: 750,
	}
}

// New builds the fixed Tool Registry.
func New() *Registry {
	r := &Registry{byName: make(map[string]Entry)}

	r.add(Entry{
		Name:     "cargo_build",
		Describe: "build a Rust crate",
		Detect:   func(root string) bool { return exists(root, "Cargo.toml") },
		Build: func(root string) types.ActionRun {
			a := run(root, "cargo", "build")
			a.LogHint = types.LogHintBuild
			return a
		},
		Policy: Policy{Deny: []string{"--", "publish"}},
	})
	r.add(Entry{
		Name:     "npm_test",
		Describe: "run the npm test script",
		Detect:   func(root string) bool { return exists(root, "package.json") },
		Build: func(root string) types.ActionRun {
			a := run(root, "npm", "test")
			a.LogHint = types.LogHintTest
			return a
		},
	})
	r.add(Entry{
		Name:     "pytest",
		Describe: "run pytest",
		Detect:   func(root string) bool { return exists(root, "pyproject.toml") || exists(root, "setup.py") },
		Build: func(root string) types.ActionRun {
			a := run(root, "pytest")
			a.LogHint = types.LogHintTest
			return a
		},
	})
	r.add(Entry{
		Name:     "go_test",
		Describe: "run go test ./...",
		Detect:   func(root string) bool { return exists(root, "go.mod") },
		Build: func(root string) types.ActionRun {
			a := run(root, "go", "test", "./...")
			a.LogHint = types.LogHintTest
			return a
		},
	})
	r.add(Entry{
		Name:     "mvn_test",
		Describe: "run mvn test",
		Detect:   func(root string) bool { return exists(root, "pom.xml") },
		Build: func(root string) types.ActionRun {
			a := run(root, "mvn", "test")
			a.LogHint = types.LogHintTest
			return a
		},
	})
	r.add(Entry{
		Name:     "rustfmt",
		Describe: "format Rust sources in place",
		Detect:   func(root string) bool { return exists(root, "Cargo.toml") },
		Build: func(root string) types.ActionRun {
			a := run(root, "cargo", "fmt")
			a.LogHint = types.LogHintCommand
			return a
		},
	})
	r.add(Entry{
		Name:     "prettier",
		Describe: "check formatting with prettier",
		Detect:   func(root string) bool { return exists(root, "package.json") },
		Build: func(root string) types.ActionRun {
			a := run(root, "prettier", "--check", ".")
			a.LogHint = types.LogHintCommand
			return a
		},
	})
	r.add(Entry{
		Name:     "black",
		Describe: "check formatting with black",
		Detect:   func(root string) bool { return exists(root, "pyproject.toml") },
		Build: func(root string) types.ActionRun {
			a := run(root, "black", "--check", ".")
			a.LogHint = types.LogHintCommand
			return a
		},
	})
	r.add(Entry{
		Name:     "gofmt",
		Describe: "list files needing gofmt",
		Detect:   func(root string) bool { return exists(root, "go.mod") },
		Build: func(root string) types.ActionRun {
			a := run(root, "gofmt", "-l", ".")
			a.LogHint = types.LogHintCommand
			return a
		},
	})
	r.add(Entry{
		Name:     "clippy",
		Describe: "lint a Rust crate with clippy",
		Detect:   func(root string) bool { return exists(root, "Cargo.toml") },
		Build: func(root string) types.ActionRun {
			a := run(root, "cargo", "clippy")
			a.LogHint = types.LogHintCommand
			return a
		},
		Policy: Policy{Deny: []string{"--fix"}},
	})
	r.add(Entry{
		Name:     "eslint",
		Describe: "lint JS/TS sources",
		Detect:   func(root string) bool { return exists(root, "package.json") },
		Build: func(root string) types.ActionRun {
			a := run(root, "eslint", ".")
			a.LogHint = types.LogHintCommand
			return a
		},
	})
	r.add(Entry{
		Name:     "flake8",
		Describe: "lint Python sources",
		Detect:   func(root string) bool { return exists(root, "pyproject.toml") || exists(root, "setup.py") },
		Build: func(root string) types.ActionRun {
			a := run(root, "flake8", ".")
			a.LogHint = types.LogHintCommand
			return a
		},
	})
	r.add(Entry{
		Name:     "grep",
		Describe: "search the tree with grep",
		Detect:   func(root string) bool { return true },
		Build: func(root string) types.ActionRun {
			a := run(root, "grep", "-rn", "TODO", ".")
			a.LogHint = types.LogHintCommand
			return a
		},
	})
	r.add(Entry{
		Name:     "rg",
		Describe: "search the tree with ripgrep",
		Detect:   func(root string) bool { return true },
		Build: func(root string) types.ActionRun {
			a := run(root, "rg", "TODO")
			a.LogHint = types.LogHintCommand
			return a
		},
	})
	r.add(Entry{
		Name:     "git_diff",
		Describe: "show the working-tree diff",
		Detect:   func(root string) bool { return exists(root, ".git") },
		Build: func(root string) types.ActionRun {
			a := run(root, "git", "diff")
			a.LogHint = types.LogHintCommand
			return a
		},
	})

	return r
}

func (r *Registry) add(e Entry) {
	r.byName[e.Name] = e
	r.order = append(r.order, e.Name)
}

// Get looks up an entry by name, returning agenterrors.ErrNotFound if absent.
func (r *Registry) Get(name string) (Entry, error) {
	e, ok := r.byName[name]
	if !ok {
		return Entry{}, agenterrors.ErrNotFound
	}
	return e, nil
}

// List returns every entry in registration order.
func (r *Registry) List() []Entry {
	out := make([]Entry, 0, len(r.order))
	for _, n := range r.order {
		out = append(out, r.byName[n])
	}
	return out
}

// DetectFor returns the entries whose Detect matches root, used by the
// Planner fallback to infer actions from verbs.
func (r *Registry) DetectFor(root string) []Entry {
	var out []Entry
	for _, e := range r.List() {
		if e.Detect(root) {
			out = append(out, e)
		}
	}
	return out
}

// Allowed checks program+args against Entry's Policy: a denied token fails
// immediately; a non-empty Allow list requires every arg to appear in it.
func (e Entry) Allowed(args []string) (bool, string) {
	for _, a := range args {
		for _, d := range e.Policy.Deny {
			if a == d {
				return false, "argument `" + a + "` is denied for " + e.Name
			}
		}
	}
	if len(e.Policy.Allow) == 0 {
		return true, ""
	}
	for _, a := range args {
		found := false
		for _, ok := range e.Policy.Allow {
			if a == ok {
				found = true
				break
			}
		}
		if !found {
			return false, "argument `" + a + "` is not in the allowlist for " + e.Name
		}
	}
	return true, ""
}

// WriteTable renders entries as an aligned table to w, as printed by the
// `tool list` subcommand.
func WriteTable(w io.Writer, entries []Entry) {
	t := table.New(w)
	t.SetHeaders("Name", "Description")
	for _, e := range entries {
		t.AddRow(e.Name, e.Describe)
	}
	t.Render()
}
