// Package atomicio implements the atomic write/delete contract and the root
// containment check every project mutation must pass through: writes go to a
// sibling temp file, fsync, then rename; any path is rejected unless its
// canonical form stays under the project root's canonical form.
package atomicio

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/nrosset/forgeagent/internal/agenterrors"
)

// Contain canonicalizes path against root and returns the absolute path if
// it stays within root, or ErrPathEscape otherwise.
func Contain(root, path string) (string, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return "", fmt.Errorf("atomicio: resolve root: %w", err)
	}
	canonRoot, err := filepath.EvalSymlinks(absRoot)
	if err != nil {
		canonRoot = absRoot // root may not exist yet in tests; fall back to absolute form
	}

	var target string
	if filepath.IsAbs(path) {
		target = path
	} else {
		target = filepath.Join(absRoot, path)
	}
	canonTarget := target
	if resolved, err := filepath.EvalSymlinks(target); err == nil {
		canonTarget = resolved
	} else {
		// Target may not exist yet (new file) — canonicalize its parent instead.
		parent := filepath.Dir(target)
		if resolvedParent, perr := filepath.EvalSymlinks(parent); perr == nil {
			canonTarget = filepath.Join(resolvedParent, filepath.Base(target))
		}
	}

	rel, err := filepath.Rel(canonRoot, canonTarget)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s", agenterrors.ErrPathEscape, path)
	}
	return canonTarget, nil
}

// WriteAtomic creates parent directories, writes content to a sibling
// temporary file, fsyncs it, then renames it over target. On any failure
// the target is left byte-identical to its prior state.
func WriteAtomic(path string, content []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("atomicio: mkdir %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, ".tmp-"+filepath.Base(path)+"-*")
	if err != nil {
		return fmt.Errorf("atomicio: create temp: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) // no-op once the rename below succeeds

	if _, err := tmp.Write(content); err != nil {
		tmp.Close()
		return fmt.Errorf("atomicio: write temp: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("atomicio: fsync temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("atomicio: close temp: %w", err)
	}
	if err := os.Chmod(tmpPath, perm); err != nil {
		return fmt.Errorf("atomicio: chmod temp: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("atomicio: rename into place: %w", err)
	}
	return nil
}

// Delete removes path outright if it's a file, or recursively if it's a
// directory. The caller is responsible for the containment check.
func Delete(path string) error {
	info, err := os.Lstat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("atomicio: stat %s: %w", path, err)
	}
	if info.IsDir() {
		return os.RemoveAll(path)
	}
	return os.Remove(path)
}

// ReadFile reads path's content, returning ("", false, nil) if it doesn't exist.
func ReadFile(path string) (content string, exists bool, err error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("atomicio: read %s: %w", path, err)
	}
	return string(data), true, nil
}
