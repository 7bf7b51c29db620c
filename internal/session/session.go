// Package session persists a verified cookie jar to disk as session_{uid}.dat
// so a later run can skip login entirely. Serialization uses the jar's
// gob-encodable snapshot; the write path mirrors checkpoint.Store's
// tmp-file + fsync + rename idiom so a crash mid-save never corrupts a
// previously-good session file.
package session

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"time"
)

// Cookie is the minimal serializable projection of http.Cookie this package
// persists; only the fields a cookiejar.Jar needs to be reconstructed.
type Cookie struct {
	Name    string
	Value   string
	Domain  string
	Path    string
	Expires time.Time
	Secure  bool
}

// file is the on-disk shape of a session_{uid}.dat.
type file struct {
	UID     string
	Cookies []Cookie
}

// Store roots session files at dir (default ~/.config/weiboloader/).
type Store struct {
	dir string
}

func New(dir string) *Store {
	return &Store{dir: dir}
}

func (s *Store) path(uid string) string {
	return filepath.Join(s.dir, fmt.Sprintf("session_%s.dat", uid))
}

// Save writes cookies for uid atomically. Called only after VerifyLogin
// confirms the session is good — persisting an unverified session would let
// a later run silently reuse cookies that never actually authenticated.
func (s *Store) Save(uid string, cookies []Cookie) error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("session: mkdir %s: %w", s.dir, err)
	}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(file{UID: uid, Cookies: cookies}); err != nil {
		return fmt.Errorf("session: encode %s: %w", uid, err)
	}
	dest := s.path(uid)
	tmp, err := os.CreateTemp(s.dir, ".session-*.dat.tmp")
	if err != nil {
		return fmt.Errorf("session: create temp: %w", err)
	}
	name := tmp.Name()
	_, werr := tmp.Write(buf.Bytes())
	if werr == nil {
		werr = tmp.Sync()
	}
	cerr := tmp.Close()
	if werr != nil || cerr != nil {
		os.Remove(name)
		if werr != nil {
			return fmt.Errorf("session: write %s: %w", uid, werr)
		}
		return fmt.Errorf("session: close %s: %w", uid, cerr)
	}
	if err := os.Rename(name, dest); err != nil {
		os.Remove(name)
		return fmt.Errorf("session: rename %s: %w", uid, err)
	}
	return nil
}

// LoadByUID reads the session file for an explicit uid, if any.
func (s *Store) LoadByUID(uid string) ([]Cookie, error) {
	return load(s.path(uid))
}

// LoadMostRecent auto-loads the most-recently-modified session_*.dat in dir.
// Returns ("", nil, nil) if none exist.
func (s *Store) LoadMostRecent() (uid string, cookies []Cookie, err error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil, nil
		}
		return "", nil, fmt.Errorf("session: readdir %s: %w", s.dir, err)
	}
	type candidate struct {
		name    string
		modTime time.Time
	}
	var candidates []candidate
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if len(name) < len("session_.dat") || name[:len("session_")] != "session_" {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		candidates = append(candidates, candidate{name, info.ModTime()})
	}
	if len(candidates) == 0 {
		return "", nil, nil
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].modTime.After(candidates[j].modTime) })
	latest := candidates[0].name
	f, err := load(filepath.Join(s.dir, latest))
	if err != nil {
		return "", nil, err
	}
	return uidFromFilename(latest), f, nil
}

func uidFromFilename(name string) string {
	trimmed := name
	trimmed = trimmed[len("session_"):]
	if len(trimmed) > len(".dat") {
		trimmed = trimmed[:len(trimmed)-len(".dat")]
	}
	return trimmed
}

func load(path string) ([]Cookie, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("session: read %s: %w", path, err)
	}
	var f file
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&f); err != nil {
		return nil, fmt.Errorf("session: decode %s: %w", path, err)
	}
	return f.Cookies, nil
}

// ToHTTPCookies converts stored cookies into *http.Cookie values scoped to u,
// filtering out anything expired, for installing into a cookiejar.Jar.
func ToHTTPCookies(u *url.URL, cookies []Cookie) []*http.Cookie {
	now := time.Now()
	out := make([]*http.Cookie, 0, len(cookies))
	for _, c := range cookies {
		if !c.Expires.IsZero() && c.Expires.Before(now) {
			continue
		}
		out = append(out, &http.Cookie{
			Name:   c.Name,
			Value:  c.Value,
			Domain: c.Domain,
			Path:   c.Path,
			Secure: c.Secure,
		})
	}
	return out
}

// FromJar extracts the cookies a jar holds for u as the serializable Cookie
// form Save persists.
func FromJar(jar interface{ Cookies(*url.URL) []*http.Cookie }, u *url.URL) []Cookie {
	hc := jar.Cookies(u)
	out := make([]Cookie, 0, len(hc))
	for _, c := range hc {
		out = append(out, Cookie{
			Name:   c.Name,
			Value:  c.Value,
			Domain: u.Host,
			Path:   c.Path,
			Secure: c.Secure,
		})
	}
	return out
}
