// Package cursor implements a resumable paginated iterator: a finite,
// non-restartable lazy sequence of weibo.Post, deduplicated by mid,
// freezable to and thawable from a checkpoint.CursorState.
//
// The fetch-then-dedup-then-yield loop is grounded on the teacher's
// fetch.Fetcher category loop (internal/indexer/fetch/fetcher.go): fetch a
// page, filter against prior state, advance the cursor, persist.
package cursor

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/weiboloader/weiboloader/internal/checkpoint"
	"github.com/weiboloader/weiboloader/internal/weibo"
)

// PageFetcher is the external raw-JSON→record adapter contract: given the
// current cursor/page, return the next page's posts in order plus the
// server's next cursor (empty + hasNext=false means the feed ended).
type PageFetcher interface {
	FetchPage(ctx context.Context, cursor string, page int) (posts []weibo.Post, nextCursor string, hasNext bool, err error)
}

// OptionsHash computes the deterministic digest over run options that would
// change which posts are yielded, e.g. target selector + filters. Callers
// pass in whatever strings identify the run's selection criteria; order
// matters for reproducibility so callers should pass a stable, pre-sorted
// set.
func OptionsHash(parts ...string) string {
	h := sha256.New()
	for _, p := range parts {
		h.Write([]byte(p))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Iterator is a finite, non-restartable, lazily-fetched sequence of Posts for
// one target. Only the orchestrator's single goroutine should call Next;
// Iterator is not safe for concurrent use.
type Iterator struct {
	fetcher     PageFetcher
	optionsHash string

	cursor string
	page   int
	seen   map[string]struct{}

	buffer []weibo.Post
	done   bool
}

// New starts a fresh iterator (no resume) for optionsHash.
func New(fetcher PageFetcher, optionsHash string) *Iterator {
	return &Iterator{
		fetcher:     fetcher,
		optionsHash: optionsHash,
		page:        1,
		seen:        make(map[string]struct{}),
	}
}

// Thaw restores cursor/page/seen_mids from a checkpoint. Returns an iterator
// starting fresh if state is nil or its options_hash doesn't match
// optionsHash — a changed selection/filter set invalidates the resumed
// position rather than silently reusing it.
func Thaw(fetcher PageFetcher, optionsHash string, state *checkpoint.CursorState) *Iterator {
	it := New(fetcher, optionsHash)
	if state == nil || state.OptionsHash != optionsHash {
		return it
	}
	it.cursor = state.Cursor
	it.page = state.Page
	if it.page == 0 {
		it.page = 1
	}
	for _, m := range state.SeenMids {
		it.seen[m] = struct{}{}
	}
	return it
}

// Freeze returns the current CursorState without mutating iterator position
// — calling Freeze twice without an intervening Next produces byte-equal
// state.
func (it *Iterator) Freeze() *checkpoint.CursorState {
	mids := make([]string, 0, len(it.seen))
	for m := range it.seen {
		mids = append(mids, m)
	}
	// Sort for determinism so two Freeze calls serialize identically even
	// though map iteration order is randomized.
	sortStrings(mids)
	return &checkpoint.CursorState{
		Version:     checkpoint.CurrentVersion,
		Cursor:      it.cursor,
		Page:        it.page,
		SeenMids:    mids,
		OptionsHash: it.optionsHash,
	}
}

func sortStrings(s []string) {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && s[j-1] > s[j]; j-- {
			s[j-1], s[j] = s[j], s[j-1]
		}
	}
}

// Next returns the next undelivered Post, or (zero, false, nil) when the
// feed is exhausted. It fetches a new page when the internal buffer is
// empty, drops posts whose mid was already seen, and advances cursor/page
// from the response.
func (it *Iterator) Next(ctx context.Context) (weibo.Post, bool, error) {
	for {
		if len(it.buffer) > 0 {
			p := it.buffer[0]
			it.buffer = it.buffer[1:]
			return p, true, nil
		}
		if it.done {
			return weibo.Post{}, false, nil
		}
		posts, nextCursor, hasNext, err := it.fetcher.FetchPage(ctx, it.cursor, it.page)
		if err != nil {
			return weibo.Post{}, false, fmt.Errorf("cursor: fetch page %d: %w", it.page, err)
		}
		if !hasNext {
			it.done = true
		}
		if nextCursor != "" {
			it.cursor = nextCursor
		} else {
			it.page++
		}
		if len(posts) == 0 {
			if !hasNext {
				return weibo.Post{}, false, nil
			}
			continue
		}
		fresh := make([]weibo.Post, 0, len(posts))
		for _, p := range posts {
			if _, dup := it.seen[p.Mid]; dup {
				continue
			}
			it.seen[p.Mid] = struct{}{}
			fresh = append(fresh, p)
		}
		if len(fresh) == 0 && !hasNext {
			return weibo.Post{}, false, nil
		}
		it.buffer = fresh
	}
}
