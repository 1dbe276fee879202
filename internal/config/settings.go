package config

import (
	"sync"

	"github.com/nrosset/forgeagent/internal/types"
)

// SettingsStore guards process-wide Settings behind a mutex, mutated only
// through Toggle/Set — the narrow-API discipline the design notes require
// for every piece of global state.
type SettingsStore struct {
	mu sync.RWMutex
	s  types.Settings
}

// NewSettingsStore creates a store seeded with types.DefaultSettings.
func NewSettingsStore() *SettingsStore {
	return &SettingsStore{s: types.DefaultSettings()}
}

// Get returns a copy of the current Settings.
func (s *SettingsStore) Get() types.Settings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.s
}

// Toggle flips a boolean setting by key ("unsafe", "dry_run",
// "ask_before_destructive", "export_patch"). Returns false for an unknown key.
func (s *SettingsStore) Toggle(key string, on bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch key {
	case "unsafe":
		s.s.UnsafeMode = on
	case "dry_run":
		s.s.DryRun = on
	case "ask_before_destructive":
		s.s.AskBeforeDestructive = on
	case "export_patch":
		s.s.ExportPatch = on
	default:
		return false
	}
	return true
}

// SetPatchDir updates the export-patch output directory.
func (s *SettingsStore) SetPatchDir(dir string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.s.PatchDir = dir
}
