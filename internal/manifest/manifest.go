// Package manifest probes the environment and PATH at startup to produce
// the capability manifest the Planner and Executor consult before trusting
// an LM-proposed action.
package manifest

import (
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/nrosset/forgeagent/internal/models"
	"github.com/nrosset/forgeagent/internal/types"
)

// known maps a program name to whether it's in our fixed probe table; used
// by CanRun to decide between the Manifest fields and a raw PATH lookup.
var known = map[string]func(types.Tools) bool{
	"cargo":        func(t types.Tools) bool { return t.Cargo },
	"npm":          func(t types.Tools) bool { return t.Npm },
	"bun":          func(t types.Tools) bool { return t.Bun },
	"pnpm":         func(t types.Tools) bool { return t.Pnpm },
	"yarn":         func(t types.Tools) bool { return t.Yarn },
	"pytest":       func(t types.Tools) bool { return t.Pytest },
	"go":           func(t types.Tools) bool { return t.Go },
	"mvn":          func(t types.Tools) bool { return t.Mvn },
	"git":          func(t types.Tools) bool { return t.Git },
	"gh":           func(t types.Tools) bool { return t.Github },
	"github":       func(t types.Tools) bool { return t.Github },
	"rg":           func(t types.Tools) bool { return t.Rg },
	"grep":         func(t types.Tools) bool { return t.Grep },
	"prettier":     func(t types.Tools) bool { return t.Prettier },
	"eslint":       func(t types.Tools) bool { return t.Eslint },
	"rustfmt":      func(t types.Tools) bool { return t.Rustfmt },
	"clippy":       func(t types.Tools) bool { return t.Clippy },
	"cargo-clippy": func(t types.Tools) bool { return t.Clippy },
	"gofmt":        func(t types.Tools) bool { return t.Gofmt },
	"black":        func(t types.Tools) bool { return t.Black },
	"flake8":       func(t types.Tools) bool { return t.Flake8 },
}

func has(name string) bool {
	_, err := exec.LookPath(name)
	return err == nil
}

// Build probes env vars and PATH and returns a fresh Manifest. MODEL_ID,
// when set, picks the model; otherwise a non-empty registry's default model
// is used before the built-in defaults. If the resolved model has a registry
// entry, that entry's api_key_env can additionally mark its provider as
// available; it never clears a provider the env vars already enabled.
func Build(reg models.Registry) types.Manifest {
	openai := os.Getenv("OPENAI_API_KEY") != ""
	groq := os.Getenv("GROQ_API_KEY") != ""
	anthropic := os.Getenv("ANTHROPIC_API_KEY") != ""
	local := os.Getenv("LOCAL_MODEL") != ""

	baseURL := firstNonEmpty(os.Getenv("OPENAI_BASE_URL"), os.Getenv("GROQ_BASE_URL"))
	if baseURL == "" {
		if groq {
			baseURL = "https://api.groq.com/openai/v1"
		} else {
			baseURL = "https://api.openai.com/v1"
		}
	}

	model := os.Getenv("MODEL_ID")
	if model == "" {
		if reg.DefaultModel != "" {
			model = reg.DefaultModel
		} else if groq {
			model = "llama-3.3-70b-versatile"
		} else {
			model = "gpt-4o-mini"
		}
	}

	if info, ok := reg.Get(model); ok {
		switch info.Provider {
		case "anthropic":
			anthropic = anthropic || os.Getenv(info.APIKeyEnv) != ""
		case "groq":
			groq = groq || os.Getenv(info.APIKeyEnv) != ""
		case "openai":
			openai = openai || os.Getenv(info.APIKeyEnv) != ""
		}
	}

	return types.Manifest{
		Providers: types.Providers{
			OpenAI:    openai,
			Groq:      groq,
			Local:     local,
			Anthropic: anthropic,
			Model:     model,
			BaseURL:   baseURL,
		},
		Tools: types.Tools{
			Fs:       true,
			Cargo:    has("cargo"),
			Npm:      has("npm"),
			Bun:      has("bun"),
			Pnpm:     has("pnpm"),
			Yarn:     has("yarn"),
			Pytest:   has("pytest"),
			Go:       has("go"),
			Mvn:      has("mvn"),
			Git:      has("git"),
			Github:   has("gh"),
			Rg:       has("rg"),
			Grep:     has("grep"),
			Prettier: has("prettier"),
			Eslint:   has("eslint"),
			Rustfmt:  has("rustfmt"),
			Clippy:   has("cargo-clippy"),
			Gofmt:    has("gofmt"),
			Black:    has("black"),
			Flake8:   has("flake8"),
		},
	}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

// CanRun reports whether program is runnable given m, and why not if it
// isn't. Programs outside the fixed probe table fall back to a live PATH
// lookup.
func CanRun(m types.Manifest, program string) (bool, string) {
	if check, ok := known[program]; ok {
		if check(m.Tools) {
			return true, ""
		}
		return false, fmt.Sprintf("binary `%s` not on PATH", program)
	}
	if has(program) {
		return true, ""
	}
	return false, fmt.Sprintf("binary `%s` not on PATH", program)
}

// Preamble renders the human-readable capability summary the Planner's
// system prompt is seeded with.
func Preamble(m types.Manifest) string {
	var b strings.Builder
	b.WriteString("A file index listing project files is provided for a birds-eye view.\n")
	b.WriteString("Use the `fs` capability for file operations:\n")
	b.WriteString("- add paths to `read` to view file contents\n")
	b.WriteString("- provide {path,intent} entries in `edit` to modify files\n")
	b.WriteString("- list paths in `delete` to remove them\n\n")
	b.WriteString("You can also request actions to run other tools.\nEnabled tools:\n")

	t := m.Tools
	add := func(name string, ok bool) {
		if ok {
			b.WriteString("- " + name + "\n")
		}
	}
	add("fs", t.Fs)
	add("cargo", t.Cargo)
	add("npm", t.Npm)
	add("bun", t.Bun)
	add("pnpm", t.Pnpm)
	add("yarn", t.Yarn)
	add("pytest", t.Pytest)
	add("go", t.Go)
	add("mvn", t.Mvn)
	add("git", t.Git)
	add("github", t.Github)
	add("rg", t.Rg)
	add("grep", t.Grep)
	add("prettier", t.Prettier)
	add("eslint", t.Eslint)
	add("rustfmt", t.Rustfmt)
	add("clippy", t.Clippy)
	add("gofmt", t.Gofmt)
	add("black", t.Black)
	add("flake8", t.Flake8)

	fmt.Fprintf(&b, "\nLLM provider base_url = %s, model = %s\n", m.Providers.BaseURL, m.Providers.Model)
	return b.String()
}
