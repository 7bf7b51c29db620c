package orchestrator

import (
	"context"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/weiboloader/weiboloader/internal/checkpoint"
	"github.com/weiboloader/weiboloader/internal/cursor"
	"github.com/weiboloader/weiboloader/internal/downloader"
	"github.com/weiboloader/weiboloader/internal/events"
	"github.com/weiboloader/weiboloader/internal/naming"
	"github.com/weiboloader/weiboloader/internal/stamps"
	"github.com/weiboloader/weiboloader/internal/weibo"
)

type recordingSink struct {
	events []events.Event
}

func (r *recordingSink) Emit(ev events.Event) { r.events = append(r.events, ev) }

type fakeFetcher struct {
	pages [][]weibo.Post
	i     int
}

func (f *fakeFetcher) FetchPage(ctx context.Context, cursorStr string, page int) ([]weibo.Post, string, bool, error) {
	if f.i >= len(f.pages) {
		return nil, "", false, nil
	}
	posts := f.pages[f.i]
	f.i++
	return posts, "", f.i < len(f.pages), nil
}

func newTestOrchestrator(t *testing.T, download Downloader, pages [][]weibo.Post) (*Orchestrator, *recordingSink) {
	t.Helper()
	sink := &recordingSink{}
	cp := checkpoint.New(t.TempDir())
	sm, err := stamps.Load(filepath.Join(t.TempDir(), "stamps.json"))
	if err != nil {
		t.Fatal(err)
	}
	o := New(cp, sm, naming.Default{}, download, events.New(sink), &atomic.Bool{},
		func(target weibo.Target, optionsHash string, state *checkpoint.CursorState) (*cursor.Iterator, error) {
			return cursor.Thaw(&fakeFetcher{pages: pages}, optionsHash, state), nil
		})
	return o, sink
}

func TestRunBatch_allDownloadsSucceed(t *testing.T) {
	post := weibo.Post{
		Mid:       "1",
		CreatedAt: time.Date(2026, 1, 1, 0, 0, 0, 0, weibo.CST),
		User:      weibo.User{Nickname: "alice"},
		MediaItems: []weibo.MediaItem{
			{Type: weibo.Picture, URL: "http://x/1.jpg", Index: 0},
		},
	}
	download := func(ctx context.Context, url, dest string) (downloader.Outcome, string, error) {
		return downloader.Downloaded, dest, nil
	}
	o, sink := newTestOrchestrator(t, download, [][]weibo.Post{{post}})

	destRoot := t.TempDir()
	target := weibo.Target{Kind: weibo.TargetUser, UID: "1", Nickname: "alice"}
	results, code := o.RunBatch(context.Background(), destRoot, Options{MaxWorkers: 2}, []weibo.Target{target})

	if code != ExitOK {
		t.Fatalf("expected ExitOK, got %v", code)
	}
	if len(results) != 1 || results[0].Downloaded != 1 {
		t.Fatalf("unexpected results: %+v", results)
	}
	var sawTargetDone bool
	for _, ev := range sink.events {
		if ev.Kind == events.TargetDone {
			sawTargetDone = true
		}
	}
	if !sawTargetDone {
		t.Error("expected a TARGET_DONE event")
	}
}

func TestRunBatch_failedTargetReportedButBatchContinues(t *testing.T) {
	post := weibo.Post{
		Mid:       "1",
		CreatedAt: time.Date(2026, 1, 1, 0, 0, 0, 0, weibo.CST),
		MediaItems: []weibo.MediaItem{
			{Type: weibo.Picture, URL: "http://x/1.jpg"},
		},
	}
	download := func(ctx context.Context, url, dest string) (downloader.Outcome, string, error) {
		return downloader.Failed, "", context.DeadlineExceeded
	}
	o, _ := newTestOrchestrator(t, download, [][]weibo.Post{{post}})

	destRoot := t.TempDir()
	t1 := weibo.Target{Kind: weibo.TargetUser, UID: "1"}
	t2 := weibo.Target{Kind: weibo.TargetUser, UID: "2"}
	results, code := o.RunBatch(context.Background(), destRoot, Options{MaxWorkers: 2}, []weibo.Target{t1, t2})

	if code != ExitAnyFailed {
		t.Fatalf("expected ExitAnyFailed, got %v", code)
	}
	if len(results) != 2 {
		t.Fatalf("expected both targets processed, got %d results", len(results))
	}
	if results[0].FailedN != 1 || results[1].FailedN != 1 {
		t.Fatalf("expected each target to record one failure: %+v", results)
	}
}

func TestRunBatch_noPicturesSkipsAllMediaForPost(t *testing.T) {
	post := weibo.Post{
		Mid:       "1",
		CreatedAt: time.Date(2026, 1, 1, 0, 0, 0, 0, weibo.CST),
		MediaItems: []weibo.MediaItem{
			{Type: weibo.Picture, URL: "http://x/1.jpg"},
		},
	}
	called := false
	download := func(ctx context.Context, url, dest string) (downloader.Outcome, string, error) {
		called = true
		return downloader.Downloaded, dest, nil
	}
	o, sink := newTestOrchestrator(t, download, [][]weibo.Post{{post}})

	destRoot := t.TempDir()
	target := weibo.Target{Kind: weibo.TargetUser, UID: "1"}
	_, code := o.RunBatch(context.Background(), destRoot, Options{NoPictures: true}, []weibo.Target{target})

	if code != ExitOK {
		t.Fatalf("expected ExitOK, got %v", code)
	}
	if called {
		t.Error("download should never be called when --no-pictures drops the only media item")
	}
	var sawPostDone bool
	for _, ev := range sink.events {
		if ev.Kind == events.PostDone {
			sawPostDone = true
		}
	}
	if !sawPostDone {
		t.Error("expected POST_DONE even for a post with zero jobs")
	}
}

func TestRunBatch_interruptedBeforeStartStopsBatch(t *testing.T) {
	o, _ := newTestOrchestrator(t, nil, nil)
	o.interrupted.Store(true)

	target := weibo.Target{Kind: weibo.TargetUser, UID: "1"}
	results, code := o.RunBatch(context.Background(), t.TempDir(), Options{}, []weibo.Target{target})

	if code != ExitInterrupt {
		t.Fatalf("expected ExitInterrupt, got %v", code)
	}
	if len(results) != 0 {
		t.Fatalf("expected no targets processed once interrupted, got %d", len(results))
	}
}
