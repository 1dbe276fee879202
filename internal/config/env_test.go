package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestUpsertAgentEnv_PreservesPriorKeys(t *testing.T) {
	dir := t.TempDir()
	envPath := filepath.Join(dir, EnvFileName)
	if err := os.WriteFile(envPath, []byte("# a comment\nFOO=bar\nBAZ=qux\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	if err := UpsertAgentEnv(dir, map[string]string{"FOO": "updated", "NEW": "1"}); err != nil {
		t.Fatal(err)
	}

	got, err := ReadAgentEnv(dir)
	if err != nil {
		t.Fatal(err)
	}
	want := map[string]string{"FOO": "updated", "BAZ": "qux", "NEW": "1"}
	for k, v := range want {
		if got[k] != v {
			t.Errorf("key %s: got %q, want %q", k, got[k], v)
		}
	}

	raw, _ := os.ReadFile(envPath)
	if !containsLine(string(raw), "# a comment") {
		t.Errorf("comment line was not preserved, got:\n%s", raw)
	}
}

func TestUpsertAgentEnv_IdempotentOnRepeat(t *testing.T) {
	dir := t.TempDir()
	pairs := map[string]string{"A": "1", "B": "2"}
	if err := UpsertAgentEnv(dir, pairs); err != nil {
		t.Fatal(err)
	}
	first, _ := os.ReadFile(filepath.Join(dir, EnvFileName))
	if err := UpsertAgentEnv(dir, pairs); err != nil {
		t.Fatal(err)
	}
	second, _ := os.ReadFile(filepath.Join(dir, EnvFileName))
	if string(first) != string(second) {
		t.Errorf("expected idempotent upsert, got:\n%s\nvs\n%s", first, second)
	}
}

func TestReadAgentEnv_MissingFileReturnsEmpty(t *testing.T) {
	dir := t.TempDir()
	got, err := ReadAgentEnv(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 0 {
		t.Errorf("expected empty map, got %v", got)
	}
}

func containsLine(haystack, line string) bool {
	for _, l := range splitLines(haystack) {
		if l == line {
			return true
		}
	}
	return false
}

func splitLines(s string) []string {
	var out []string
	start := 0
	for i, c := range s {
		if c == '\n' {
			out = append(out, s[start:i])
			start = i + 1
		}
	}
	if start < len(s) {
		out = append(out, s[start:])
	}
	return out
}
