package stamps

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/weiboloader/weiboloader/internal/weibo"
)

func TestAdvance_onlyMovesForward(t *testing.T) {
	m, err := Load(filepath.Join(t.TempDir(), "stamps.json"))
	if err != nil {
		t.Fatal(err)
	}
	later := time.Date(2026, 1, 10, 0, 0, 0, 0, weibo.CST)
	earlier := time.Date(2026, 1, 1, 0, 0, 0, 0, weibo.CST)

	m.Advance("user:1", later)
	m.Advance("user:1", earlier)

	got, ok := m.Get("user:1")
	if !ok {
		t.Fatal("expected stamp to be present")
	}
	if !got.Equal(later) {
		t.Fatalf("expected stamp to stay at %v, got %v", later, got)
	}
}

func TestSaveLoad_roundTrips(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stamps.json")
	m, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	ts := time.Date(2026, 3, 4, 5, 6, 7, 0, weibo.CST)
	m.Advance("topic:abc", ts)
	if err := m.Save(); err != nil {
		t.Fatal(err)
	}

	m2, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	got, ok := m2.Get("topic:abc")
	if !ok {
		t.Fatal("expected stamp to round-trip")
	}
	if !got.Equal(ts) {
		t.Fatalf("got %v, want %v", got, ts)
	}
}

func TestLoad_missingFileStartsEmpty(t *testing.T) {
	m, err := Load(filepath.Join(t.TempDir(), "does-not-exist.json"))
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := m.Get("anything"); ok {
		t.Fatal("expected no stamp for a fresh map")
	}
}
