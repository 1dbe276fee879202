// Package config loads and upserts the project's .agent.env file and holds
// the process-wide Settings toggled from the REPL.
package config

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
)

// EnvFileName is the dotenv-style file loaded from the project root at
// startup and upserted by the REPL's /env command.
const EnvFileName = ".agent.env"

// LoadAgentEnv parses "<root>/.agent.env" (if present) with godotenv and
// applies every key to the process environment, without overwriting a key
// already set in the real environment. A missing file is not an error.
func LoadAgentEnv(root string) error {
	path := rootJoin(root)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("config: read %s: %w", path, err)
	}
	pairs, err := godotenv.Parse(strings.NewReader(string(data)))
	if err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}
	for k, v := range pairs {
		if _, set := os.LookupEnv(k); !set {
			_ = os.Setenv(k, v)
		}
	}
	return nil
}

func rootJoin(root string) string {
	if root == "" {
		return EnvFileName
	}
	return root + string(os.PathSeparator) + EnvFileName
}

// ReadAgentEnv returns the raw KEY=VAL pairs currently on disk as an
// unordered map, ignoring blank lines and comments. Used by the round-trip test
// (read_agent_env ∘ upsert_agent_env) and by /env for display.
func ReadAgentEnv(root string) (map[string]string, error) {
	data, err := os.ReadFile(rootJoin(root))
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]string{}, nil
		}
		return nil, fmt.Errorf("config: read %s: %w", rootJoin(root), err)
	}
	return godotenv.Parse(strings.NewReader(string(data)))
}

// UpsertAgentEnv rewrites "<root>/.agent.env", overlaying pairs on top of
// whatever was already there. Lines that are comments or don't parse as
// KEY=VAL are preserved verbatim and in their original position; keys in
// pairs are written even if they did not previously exist, appended at the
// end in map iteration order made deterministic by sorting.
//
// Expectations:
//   - Every (k,v) in pairs is present after the call
//   - Every prior key not present in pairs is preserved
//   - Comments and blank lines survive untouched
func UpsertAgentEnv(root string, pairs map[string]string) error {
	target := rootJoin(root)
	existingLines, err := readLines(target)
	if err != nil {
		return err
	}

	seen := make(map[string]bool, len(pairs))
	var out []string
	for _, line := range existingLines {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			out = append(out, line)
			continue
		}
		key, _, ok := splitKV(trimmed)
		if !ok {
			out = append(out, line)
			continue
		}
		if v, overridden := pairs[key]; overridden {
			out = append(out, key+"="+v)
			seen[key] = true
			continue
		}
		out = append(out, line)
	}
	for _, k := range sortedKeys(pairs) {
		if !seen[k] {
			out = append(out, k+"="+pairs[k])
		}
	}

	f, err := os.Create(target)
	if err != nil {
		return fmt.Errorf("config: write %s: %w", target, err)
	}
	defer f.Close()
	w := bufio.NewWriter(f)
	for _, line := range out {
		if _, err := w.WriteString(line + "\n"); err != nil {
			return fmt.Errorf("config: write %s: %w", target, err)
		}
	}
	return w.Flush()
}

func readLines(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	if len(data) == 0 {
		return nil, nil
	}
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	return lines, nil
}

func splitKV(line string) (key, val string, ok bool) {
	idx := strings.Index(line, "=")
	if idx < 0 {
		return "", "", false
	}
	return strings.TrimSpace(line[:idx]), strings.TrimSpace(line[idx+1:]), true
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	for i := 1; i < len(keys); i++ {
		for j := i; j > 0 && keys[j-1] > keys[j]; j-- {
			keys[j-1], keys[j] = keys[j], keys[j-1]
		}
	}
	return keys
}
