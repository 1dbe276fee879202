// Package scheduler implements the delayed-task queue: an in-memory
// due-time-ordered queue of ScheduledTask, checkpointed to an embedded
// LevelDB store so a restart does not silently drop a pending healing plan,
// plus a correction cache keyed by failure signature.
package scheduler

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"

	"github.com/nrosset/forgeagent/internal/types"
)

const (
	prefixTask       = "t|"
	prefixCorrection = "c|"
)

type pendingTask struct {
	key  string
	task types.ScheduledTask
}

// Scheduler holds the due-time-ordered task queue and the correction cache,
// both backed by one LevelDB handle at "<root>/.agent/scheduler.db".
type Scheduler struct {
	mu    sync.Mutex
	db    *leveldb.DB
	queue []pendingTask
}

// Open opens (or creates) the checkpoint database and loads any pending
// tasks left over from a prior run.
func Open(root string) (*Scheduler, error) {
	path := filepath.Join(root, ".agent", "scheduler.db")
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("scheduler: open leveldb at %s: %w", path, err)
	}
	s := &Scheduler{db: db}
	s.loadCheckpoint()
	if n := len(s.queue); n > 0 {
		slog.Info("scheduler: recovered pending tasks from checkpoint", "count", n)
	}
	return s, nil
}

// Close releases the underlying LevelDB handle.
func (s *Scheduler) Close() error {
	return s.db.Close()
}

func (s *Scheduler) loadCheckpoint() {
	iter := s.db.NewIterator(util.BytesPrefix([]byte(prefixTask)), nil)
	defer iter.Release()
	for iter.Next() {
		var task types.ScheduledTask
		if err := json.Unmarshal(iter.Value(), &task); err != nil {
			continue
		}
		s.queue = append(s.queue, pendingTask{key: string(iter.Key()), task: task})
	}
	s.sortQueueLocked()
}

func (s *Scheduler) sortQueueLocked() {
	sort.Slice(s.queue, func(i, j int) bool {
		return s.queue[i].task.ExecuteAt.Before(s.queue[j].task.ExecuteAt)
	})
}

// Schedule pushes plan to run at now+delay, checkpointing it to disk so a
// process restart does not lose it.
func (s *Scheduler) Schedule(plan types.Plan, delay time.Duration) error {
	task := types.ScheduledTask{ExecuteAt: time.Now().Add(delay), Plan: plan}
	key := fmt.Sprintf("%s%020d|%s", prefixTask, task.ExecuteAt.UnixNano(), uuid.New().String())

	data, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("scheduler: marshal task: %w", err)
	}
	if err := s.db.Put([]byte(key), data, nil); err != nil {
		return fmt.Errorf("scheduler: checkpoint task: %w", err)
	}

	s.mu.Lock()
	s.queue = append(s.queue, pendingTask{key: key, task: task})
	s.sortQueueLocked()
	s.mu.Unlock()
	slog.Info("scheduler: task queued", "execute_at", task.ExecuteAt, "actions", len(plan.Actions), "edits", len(plan.Edit))
	return nil
}

// Pending returns every queued ScheduledTask, earliest first.
func (s *Scheduler) Pending() []types.ScheduledTask {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]types.ScheduledTask, len(s.queue))
	for i, p := range s.queue {
		out[i] = p.task
	}
	return out
}

// ExecuteDue pops every task whose ExecuteAt has passed and runs it through
// apply in FIFO order, removing its checkpoint once apply returns, whether
// apply succeeded or failed.
// Returns the tasks it ran (successfully or not) up to and including the
// first failure, and that failure's error.
func (s *Scheduler) ExecuteDue(ctx context.Context, apply func(context.Context, types.Plan) error) ([]types.ScheduledTask, error) {
	now := time.Now()
	s.mu.Lock()
	var due []pendingTask
	var remaining []pendingTask
	for _, p := range s.queue {
		if !p.task.ExecuteAt.After(now) {
			due = append(due, p)
		} else {
			remaining = append(remaining, p)
		}
	}
	s.queue = remaining
	s.mu.Unlock()

	var ran []types.ScheduledTask
	for _, p := range due {
		ran = append(ran, p.task)
		if err := apply(ctx, p.task.Plan); err != nil {
			_ = s.db.Delete([]byte(p.key), nil)
			return ran, fmt.Errorf("scheduler: execute due task: %w", err)
		}
		_ = s.db.Delete([]byte(p.key), nil)
	}
	return ran, nil
}

// correctionKey hashes (program, logTail) into the correction-cache key, so
// a repeat of the same failure signature is tried against the cached patch
// before asking the LM again.
func correctionKey(program, logTail string) string {
	sum := sha256.Sum256([]byte(program + "\x00" + logTail))
	return prefixCorrection + hex.EncodeToString(sum[:])
}

// CorrectionGet returns a previously cached patch for this failure
// signature, if one exists.
func (s *Scheduler) CorrectionGet(program, logTail string) (string, bool) {
	data, err := s.db.Get([]byte(correctionKey(program, logTail)), nil)
	if err != nil {
		return "", false
	}
	return string(data), true
}

// CorrectionPut caches patchText as the fix for this failure signature.
func (s *Scheduler) CorrectionPut(program, logTail, patchText string) error {
	return s.db.Put([]byte(correctionKey(program, logTail)), []byte(patchText), nil)
}
