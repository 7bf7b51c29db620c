// Package checkpoint implements atomic per-target JSON state files and
// exclusive per-target lock files, rooted at a configurable directory
// (default ~/.config/weiboloader/).
//
// Save/Load are grounded on the teacher's fetch.FetchState.saveLocked
// (tmp-file + fsync + rename) and LoadState (corrupt-or-mismatched state is
// discarded rather than treated as fatal).
package checkpoint

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
)

// CursorState is the durable iterator checkpoint.
type CursorState struct {
	Version     int      `json:"version"`
	Cursor      string   `json:"cursor"`
	Page        int      `json:"page"`
	SeenMids    []string `json:"seen_mids"`
	OptionsHash string   `json:"options_hash"`
	Timestamp   int64    `json:"timestamp"` // unix seconds, CST is a display concern only
}

// CurrentVersion is bumped whenever CursorState's on-disk shape changes in a
// way older readers can't tolerate. A version mismatch is treated exactly
// like a corrupt file: discarded, target restarts from the beginning.
// Rejecting rather than attempting a migration is the safer default — a
// half-migrated cursor state silently skipping or repeating posts is worse
// than an extra re-fetch from the start.
const CurrentVersion = 1

// Store is a stateless façade over rootDir; safe for concurrent use across
// distinct target_keys (each target has its own state/lock file).
type Store struct {
	rootDir string
}

// New returns a Store rooted at dir. Callers pass the resolved default
// (~/.config/weiboloader/) or an override; New does not create the directory.
func New(dir string) *Store {
	return &Store{rootDir: dir}
}

func (s *Store) statePath(targetKey string) string {
	return filepath.Join(s.rootDir, sanitizeKey(targetKey)+".json")
}

func (s *Store) lockPath(targetKey string) string {
	return filepath.Join(s.rootDir, sanitizeKey(targetKey)+".lock")
}

func sanitizeKey(key string) string {
	out := make([]rune, 0, len(key))
	for _, r := range key {
		switch r {
		case '/', '\\', ':':
			out = append(out, '_')
		default:
			out = append(out, r)
		}
	}
	return string(out)
}

// Load reads the persisted CursorState for targetKey. A malformed file or a
// version/options-hash mismatch against wantOptionsHash returns (nil, nil)
// with a logged warning — this is not an error the caller should propagate,
// it is a signal to restart the target fresh.
func (s *Store) Load(targetKey, wantOptionsHash string) (*CursorState, error) {
	path := s.statePath(targetKey)
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("checkpoint: read %s: %w", path, err)
	}
	var cs CursorState
	if err := json.Unmarshal(data, &cs); err != nil {
		log.Printf("checkpoint: %s: corrupt JSON, discarding: %v", targetKey, err)
		return nil, nil
	}
	if cs.Version != CurrentVersion {
		log.Printf("checkpoint: %s: version %d != current %d, discarding", targetKey, cs.Version, CurrentVersion)
		return nil, nil
	}
	if cs.OptionsHash != wantOptionsHash {
		log.Printf("checkpoint: %s: options_hash mismatch, discarding", targetKey)
		return nil, nil
	}
	return &cs, nil
}

// Save atomically writes state for targetKey: write to a sibling tmp file,
// fsync, rename over the destination. A crash between write and rename
// leaves the prior state file intact.
func (s *Store) Save(targetKey string, state *CursorState) error {
	if err := os.MkdirAll(s.rootDir, 0o755); err != nil {
		return fmt.Errorf("checkpoint: mkdir %s: %w", s.rootDir, err)
	}
	state.Version = CurrentVersion
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("checkpoint: marshal %s: %w", targetKey, err)
	}
	dest := s.statePath(targetKey)
	tmp, err := os.CreateTemp(s.rootDir, ".checkpoint-*.json.tmp")
	if err != nil {
		return fmt.Errorf("checkpoint: create temp: %w", err)
	}
	name := tmp.Name()
	_, werr := tmp.Write(data)
	if werr == nil {
		werr = tmp.Sync()
	}
	cerr := tmp.Close()
	if werr != nil || cerr != nil {
		os.Remove(name)
		if werr != nil {
			return fmt.Errorf("checkpoint: write %s: %w", targetKey, werr)
		}
		return fmt.Errorf("checkpoint: close %s: %w", targetKey, cerr)
	}
	if err := os.Rename(name, dest); err != nil {
		os.Remove(name)
		return fmt.Errorf("checkpoint: rename %s: %w", targetKey, err)
	}
	return nil
}

// ErrLockHeld is returned by Lock when another process already holds the
// target's lock file.
var ErrLockHeld = errors.New("checkpoint: lock held by another process")

// Unlock releases a lock acquired by Lock. Callers should defer it
// immediately after a successful Lock.
type Unlock func()

// Lock acquires the exclusive per-target lock file, failing fast (never
// blocking) if already held: a contended target fails rather than waiting,
// so two instances never race the same checkpoint.
func (s *Store) Lock(targetKey string) (Unlock, error) {
	if err := os.MkdirAll(s.rootDir, 0o755); err != nil {
		return nil, fmt.Errorf("checkpoint: mkdir %s: %w", s.rootDir, err)
	}
	path := s.lockPath(targetKey)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrLockHeld, targetKey)
		}
		return nil, fmt.Errorf("checkpoint: lock %s: %w", targetKey, err)
	}
	f.Close()
	released := false
	return func() {
		if released {
			return
		}
		released = true
		os.Remove(path)
	}, nil
}
