// Package state persists job progress to a single local JSON file. The
// persisted copy is the recovery source of truth for resumability.
package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"menucost"
)

// maxLearningsDeltas caps the rolling learnings string. Long jobs append one
// delta per batch; only the most recent deltas are kept, oldest trimmed
// first at the separator.
const maxLearningsDeltas = 20

// Store owns the on-disk JobState. The in-memory copy is mutated only
// through Store methods; every mutation is flushed immediately. A crash
// between batches loses at most one unflushed batch.
type Store struct {
	mu          sync.Mutex
	path        string
	state       menucost.JobState
	lastSaveErr error
}

// NewStore creates a store for the given file path, attempting to resume
// from an existing persisted copy. A missing or corrupt file starts fresh;
// corruption is logged, never propagated.
func NewStore(path string) *Store {
	s := &Store{
		path:  path,
		state: menucost.NewJobState(),
	}
	s.load()
	return s
}

func (s *Store) load() {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			slog.Warn("STATE: Unreadable state file, starting fresh", "path", s.path, "error", err)
		}
		return
	}

	var loaded menucost.JobState
	if err := json.Unmarshal(data, &loaded); err != nil {
		slog.Warn("STATE: Corrupted state file, starting fresh", "path", s.path, "error", err)
		return
	}

	if loaded.ProcessedItems == nil {
		loaded.ProcessedItems = make([]menucost.LineItem, 0)
	}
	if loaded.CurrentLearnings == "" {
		loaded.CurrentLearnings = menucost.DefaultLearnings
	}

	s.state = loaded
	slog.Info("STATE: Resumed", "processed_count", loaded.ProcessedCount)
}

// Save flushes the in-memory state to disk. The write is atomic (temp file
// plus rename) so a crash mid-write never corrupts the previous checkpoint.
// A failed save leaves the on-disk copy stale; callers must treat the error
// accordingly.
func (s *Store) Save() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveLocked()
}

func (s *Store) saveLocked() error {
	data, err := json.MarshalIndent(s.state, "", "  ")
	if err != nil {
		s.lastSaveErr = err
		return fmt.Errorf("failed to marshal job state: %w", err)
	}

	if dir := filepath.Dir(s.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			s.lastSaveErr = err
			return fmt.Errorf("failed to create state directory: %w", err)
		}
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		s.lastSaveErr = err
		return fmt.Errorf("failed to write job state: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		s.lastSaveErr = err
		return fmt.Errorf("failed to replace job state: %w", err)
	}

	s.lastSaveErr = nil
	return nil
}

// AppendBatch is the durability checkpoint: it extends the processed-item
// list, increments the counter, folds the learnings delta into the rolling
// string, and persists — all as one operation. Count and item list are
// mutated together, so they never diverge even when the flush fails.
func (s *Store) AppendBatch(items []menucost.LineItem, delta string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.state.ProcessedItems = append(s.state.ProcessedItems, items...)
	s.state.ProcessedCount += len(items)
	if strings.TrimSpace(delta) != "" {
		s.state.CurrentLearnings = capLearnings(s.state.CurrentLearnings + menucost.LearningsSeparator + delta)
	}

	return s.saveLocked()
}

// SetStatus updates the job status and persists immediately, so a
// concurrent status poll sees transitions as they happen.
func (s *Store) SetStatus(status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.state.Status = status
	return s.saveLocked()
}

// Reset deletes the persisted copy and returns to a blank state. Only safe
// between runs.
func (s *Store) Reset() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to delete state file: %w", err)
	}
	s.state = menucost.NewJobState()
	s.lastSaveErr = nil
	return nil
}

// ProcessedNames returns the set of dish names already checkpointed.
func (s *Store) ProcessedNames() map[string]struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.ProcessedNames()
}

// Snapshot returns a copy of the current state. The item slice is copied so
// callers cannot alias the store's backing array.
func (s *Store) Snapshot() menucost.JobState {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := s.state
	snap.ProcessedItems = make([]menucost.LineItem, len(s.state.ProcessedItems))
	copy(snap.ProcessedItems, s.state.ProcessedItems)
	return snap
}

// LastSaveErr reports the most recent flush failure, if the on-disk copy is
// currently stale. Surfaced to status polling as a degraded-durability
// warning.
func (s *Store) LastSaveErr() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSaveErr
}

// capLearnings keeps the most recent deltas when the rolling string grows
// past the cap.
func capLearnings(learnings string) string {
	parts := strings.Split(learnings, menucost.LearningsSeparator)
	if len(parts) <= maxLearningsDeltas {
		return learnings
	}
	return strings.Join(parts[len(parts)-maxLearningsDeltas:], menucost.LearningsSeparator)
}
