// Package inventory walks a project root into a sorted FileMeta list,
// honoring both a fixed ignore list and the project's own .gitignore, and
// compacts oversized trees by extension weight.
package inventory

import (
	"os"
	"path/filepath"
	"sort"
	"strings"

	gitignore "github.com/sabhiram/go-gitignore"

	"github.com/nrosset/forgeagent/internal/types"
)

// MaxEntries is the cap on an inventory result; trees larger than this are
// compacted by extension weight, highest first, ties broken by ascending
// size bucket.
const MaxEntries = 800

// fixedIgnore are directory names always excluded regardless of .gitignore.
var fixedIgnore = []string{"node_modules", "target", "dist", "build", ".git", "vendor", ".agent"}

// Walk enumerates root into a sorted FileMeta slice, applying fixedIgnore
// and the project's .gitignore (if present), then compacting to MaxEntries
// when the raw count exceeds it.
func Walk(root string) ([]types.FileMeta, error) {
	matcher := loadMatcher(root)

	var out []types.FileMeta
	err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil // skip inaccessible entries
		}
		rel, relErr := filepath.Rel(root, path)
		if relErr != nil || rel == "." {
			return nil
		}
		if d.IsDir() {
			if isFixedIgnoreDir(d.Name()) {
				return filepath.SkipDir
			}
			if matcher != nil && matcher.MatchesPath(rel+"/") {
				return filepath.SkipDir
			}
			return nil
		}
		if matcher != nil && matcher.MatchesPath(rel) {
			return nil
		}
		info, ierr := d.Info()
		if ierr != nil {
			return nil
		}
		out = append(out, types.FileMeta{
			Path: filepath.ToSlash(rel),
			Size: info.Size(),
			Ext:  strings.TrimPrefix(filepath.Ext(rel), "."),
		})
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })

	if len(out) > MaxEntries {
		out = compact(out)
	}
	return out, nil
}

func isFixedIgnoreDir(name string) bool {
	for _, n := range fixedIgnore {
		if name == n {
			return true
		}
	}
	return false
}

func loadMatcher(root string) *gitignore.GitIgnore {
	path := filepath.Join(root, ".gitignore")
	m, err := gitignore.CompileIgnoreFile(path)
	if err != nil {
		return nil
	}
	return m
}

// extWeight ranks extensions: source > config > docs > other.
func extWeight(ext string) int {
	switch strings.ToLower(ext) {
	case "go", "rs", "py", "js", "ts", "jsx", "tsx", "java", "c", "cpp", "h", "hpp", "rb":
		return 3
	case "toml", "yaml", "yml", "json", "mod", "sum", "cfg", "ini":
		return 2
	case "md", "txt", "rst":
		return 1
	default:
		return 0
	}
}

// sizeBucket groups a file size into a coarse ascending bucket, used as the
// tie-break after extension weight.
func sizeBucket(size int64) int {
	switch {
	case size < 1024:
		return 0
	case size < 16*1024:
		return 1
	case size < 256*1024:
		return 2
	default:
		return 3
	}
}

func compact(in []types.FileMeta) []types.FileMeta {
	out := make([]types.FileMeta, len(in))
	copy(out, in)
	sort.SliceStable(out, func(i, j int) bool {
		wi, wj := extWeight(out[i].Ext), extWeight(out[j].Ext)
		if wi != wj {
			return wi > wj
		}
		bi, bj := sizeBucket(out[i].Size), sizeBucket(out[j].Size)
		if bi != bj {
			return bi < bj
		}
		return out[i].Path < out[j].Path
	})
	return out[:MaxEntries]
}

// MergeIgnorePatterns appends patterns not already present to
// "<root>/.gitignore", creating it if absent. Idempotent: calling it twice
// with the same patterns produces the same file as calling it once.
func MergeIgnorePatterns(root string, patterns []string) error {
	path := filepath.Join(root, ".gitignore")
	existing := map[string]bool{}
	var lines []string
	if data, err := os.ReadFile(path); err == nil {
		for _, l := range strings.Split(string(data), "\n") {
			if l == "" {
				continue
			}
			lines = append(lines, l)
			existing[l] = true
		}
	} else if !os.IsNotExist(err) {
		return err
	}

	changed := false
	for _, p := range patterns {
		if p == "" || existing[p] {
			continue
		}
		lines = append(lines, p)
		existing[p] = true
		changed = true
	}
	if !changed && len(lines) == 0 {
		return nil
	}

	return os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0o644)
}
