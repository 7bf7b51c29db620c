// Package stamps implements a target_key → latest-seen-timestamp map used
// by --latest-stamps to bound a target's incremental re-harvest to posts
// newer than the last run.
//
// Persistence mirrors checkpoint.Store's tmp-file + fsync + rename idiom,
// applied to a single shared file instead of one file per target.
package stamps

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/weiboloader/weiboloader/internal/weibo"
)

// Map is a target_key → iso8601-cst timestamp map, safe for concurrent use
// though in practice only the orchestrator's single thread ever mutates it.
type Map struct {
	mu   sync.Mutex
	path string
	data map[string]string
}

// Load reads path if it exists, or returns an empty Map rooted at path
// (created on first Save) if it does not.
func Load(path string) (*Map, error) {
	m := &Map{path: path, data: make(map[string]string)}
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return m, nil
	}
	if err != nil {
		return nil, fmt.Errorf("stamps: read %s: %w", path, err)
	}
	if err := json.Unmarshal(raw, &m.data); err != nil {
		return nil, fmt.Errorf("stamps: corrupt %s: %w", path, err)
	}
	return m, nil
}

// Get returns the stamp for targetKey and whether one is recorded.
func (m *Map) Get(targetKey string) (time.Time, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	raw, ok := m.data[targetKey]
	if !ok {
		return time.Time{}, false
	}
	t, err := time.ParseInLocation(time.RFC3339, raw, weibo.CST)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// Advance sets stamps[targetKey] to newest if newest is later than the
// currently recorded value.
func (m *Map) Advance(targetKey string, newest time.Time) {
	if newest.IsZero() {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.data[targetKey]
	if ok {
		if t, err := time.ParseInLocation(time.RFC3339, cur, weibo.CST); err == nil && !newest.After(t) {
			return
		}
	}
	m.data[targetKey] = newest.In(weibo.CST).Format(time.RFC3339)
}

// Save atomically rewrites the whole map to path.
func (m *Map) Save() error {
	m.mu.Lock()
	data, err := json.MarshalIndent(m.data, "", "  ")
	m.mu.Unlock()
	if err != nil {
		return fmt.Errorf("stamps: marshal: %w", err)
	}
	dir := filepath.Dir(m.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("stamps: mkdir %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, ".stamps-*.json.tmp")
	if err != nil {
		return fmt.Errorf("stamps: create temp: %w", err)
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
			return fmt.Errorf("stamps: write: %w", werr)
		}
		return fmt.Errorf("stamps: close: %w", cerr)
	}
	if err := os.Rename(name, m.path); err != nil {
		os.Remove(name)
		return fmt.Errorf("stamps: rename: %w", err)
	}
	return nil
}
