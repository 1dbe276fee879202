// Package memory implements short-term chat memory and the long-term
// MemoryFact store: a bounded ring buffer for recent turns and a
// deduplicated JSON fact log under ".agent/memory.json", both consulted by
// the Planner's calibration block.
package memory

import (
	"encoding/json"
	"path/filepath"
	"sync"

	"github.com/nrosset/forgeagent/internal/atomicio"
	"github.com/nrosset/forgeagent/internal/types"
)

// shortTermCapacity bounds the ring buffer of chat turns fed to calibration.
const shortTermCapacity = 10

// ShortTerm is a bounded ring buffer of recent chat turns.
type ShortTerm struct {
	mu    sync.Mutex
	turns []types.ChatTurn
}

// NewShortTerm creates an empty ShortTerm buffer.
func NewShortTerm() *ShortTerm { return &ShortTerm{} }

// Add appends t, evicting the oldest turn once at capacity.
func (s *ShortTerm) Add(t types.ChatTurn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.turns = append(s.turns, t)
	if len(s.turns) > shortTermCapacity {
		s.turns = s.turns[len(s.turns)-shortTermCapacity:]
	}
}

// Recent returns a copy of the buffered turns, oldest first.
func (s *ShortTerm) Recent() []types.ChatTurn {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]types.ChatTurn, len(s.turns))
	copy(out, s.turns)
	return out
}

// LongTerm is the JSON-backed long-term fact store, deduplicated on
// (Fact, Source).
type LongTerm struct {
	mu    sync.Mutex
	path  string
	facts []types.MemoryFact
	seen  map[string]bool
}

// OpenLongTerm loads "<root>/.agent/memory.json" if present, or starts empty.
func OpenLongTerm(root string) (*LongTerm, error) {
	path := filepath.Join(root, ".agent", "memory.json")
	lt := &LongTerm{path: path, seen: make(map[string]bool)}

	content, exists, err := atomicio.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if exists {
		var facts []types.MemoryFact
		if jerr := json.Unmarshal([]byte(content), &facts); jerr == nil {
			lt.facts = facts
			for _, f := range facts {
				lt.seen[f.Key()] = true
			}
		}
	}
	return lt, nil
}

// RecordFact appends f if not already present, persisting the store
// immediately. A repeat of the same (fact, source) pair is a no-op.
func (lt *LongTerm) RecordFact(f types.MemoryFact) error {
	lt.mu.Lock()
	defer lt.mu.Unlock()
	if lt.seen[f.Key()] {
		return nil
	}
	lt.seen[f.Key()] = true
	lt.facts = append(lt.facts, f)
	return lt.persistLocked()
}

// Facts returns a copy of every stored fact.
func (lt *LongTerm) Facts() []types.MemoryFact {
	lt.mu.Lock()
	defer lt.mu.Unlock()
	out := make([]types.MemoryFact, len(lt.facts))
	copy(out, lt.facts)
	return out
}

func (lt *LongTerm) persistLocked() error {
	data, err := json.MarshalIndent(lt.facts, "", "  ")
	if err != nil {
		return err
	}
	return atomicio.WriteAtomic(lt.path, data, 0o644)
}
