// Package orchestrator drives the per-target workflow: sequencing
// iteration, bounded worker-pool media dispatch, checkpointing, stamps,
// metadata sidecar writes, and batch/interrupt semantics.
//
// Grounded on the teacher's internal/supervisor/supervisor.go (context
// cancellation + errCh + WaitGroup, signal-driven shutdown) generalized from
// "supervise N child processes" to "drive N per-post media workers", and on
// internal/indexer/fetch/fetcher.go's category worker pool for the
// bounded-concurrency dispatch shape.
package orchestrator

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/weiboloader/weiboloader/internal/checkpoint"
	"github.com/weiboloader/weiboloader/internal/cursor"
	"github.com/weiboloader/weiboloader/internal/downloader"
	"github.com/weiboloader/weiboloader/internal/events"
	"github.com/weiboloader/weiboloader/internal/naming"
	"github.com/weiboloader/weiboloader/internal/stamps"
	"github.com/weiboloader/weiboloader/internal/weibo"
)

// PerMediaTimeout and MinPostDeadline compute the per-post wall-clock
// deadline: now + max(MinPostDeadline, media_count * PerMediaTimeout).
const (
	PerMediaTimeout = 30 * time.Second
	MinPostDeadline = 60 * time.Second
	pollTick        = 500 * time.Millisecond
)

// defaultMaxWorkers bounds concurrent media downloads when Options.MaxWorkers
// is left unset.
const defaultMaxWorkers = 4

// ExitCode mirrors the batch-level exit code table.
type ExitCode int

const (
	ExitOK        ExitCode = 0
	ExitAnyFailed ExitCode = 1
	ExitInitFail  ExitCode = 2
	ExitAuthFail  ExitCode = 3
	ExitInterrupt ExitCode = 5
)

// Options configures one Run.
type Options struct {
	MaxWorkers      int
	NoResume        bool
	FastUpdate      bool
	LatestStamps    bool
	Count           int // 0 = unlimited
	NoPictures      bool
	NoVideos        bool
	DirnamePattern  string
	FilenamePattern string
	MetadataJSON    bool // write {dest_dir}/{mid}.json with the post's raw payload
	PostMetadataTxt bool // write {dest_dir}/{mid}.txt with a plain-text summary
}

// Downloader is the subset of downloader.Download the orchestrator needs,
// letting tests substitute a fake.
type Downloader func(ctx context.Context, url, dest string) (downloader.Outcome, string, error)

// Orchestrator drives a batch of targets against one set of collaborators.
type Orchestrator struct {
	checkpoints *checkpoint.Store
	stampsMap   *stamps.Map
	templater   naming.Templater
	download    Downloader
	bus         *events.Bus
	interrupted *atomic.Bool
	newIterator func(target weibo.Target, optionsHash string, state *checkpoint.CursorState) (*cursor.Iterator, error)
}

// New constructs an Orchestrator. newIterator binds a target to a
// cursor.PageFetcher — supplied by the caller since building a fetcher
// requires the adapter/API collaborator this package has no dependency on.
func New(
	checkpoints *checkpoint.Store,
	stampsMap *stamps.Map,
	templater naming.Templater,
	download Downloader,
	bus *events.Bus,
	interrupted *atomic.Bool,
	newIterator func(target weibo.Target, optionsHash string, state *checkpoint.CursorState) (*cursor.Iterator, error),
) *Orchestrator {
	if bus == nil {
		bus = events.New(nil)
	}
	if interrupted == nil {
		interrupted = &atomic.Bool{}
	}
	return &Orchestrator{
		checkpoints: checkpoints,
		stampsMap:   stampsMap,
		templater:   templater,
		download:    download,
		bus:         bus,
		interrupted: interrupted,
		newIterator: newIterator,
	}
}

// TargetResult summarizes one target's outcome for batch accounting.
type TargetResult struct {
	TargetKey  string
	Downloaded int
	SkippedN   int
	FailedN    int
	Err        error
}

// RunBatch sequences targets one at a time; a failure on one target is
// reported but does not abort the batch. A target counts as failed when it
// returns an error or records any failed media job. It returns every
// TargetResult and the aggregate ExitCode.
func (o *Orchestrator) RunBatch(ctx context.Context, destRoot string, options Options, targets []weibo.Target) ([]TargetResult, ExitCode) {
	results := make([]TargetResult, 0, len(targets))
	anyFailed := false
	for _, target := range targets {
		if o.interrupted.Load() {
			o.bus.Emit(events.Event{Kind: events.Interrupted, TargetKey: target.Key()})
			return results, ExitInterrupt
		}
		res := o.runTarget(ctx, destRoot, options, target)
		results = append(results, res)
		if res.Err != nil || res.FailedN > 0 {
			anyFailed = true
		}
		if o.interrupted.Load() {
			o.bus.Emit(events.Event{Kind: events.Interrupted, TargetKey: target.Key()})
			return results, ExitInterrupt
		}
	}
	if anyFailed {
		return results, ExitAnyFailed
	}
	return results, ExitOK
}

// runTarget drives one target end to end: lock, resume-or-restart the
// iterator, stream posts, dispatch their media jobs, checkpoint after each
// post that did not hit the per-post deadline, and advance stamps at the end.
func (o *Orchestrator) runTarget(ctx context.Context, destRoot string, options Options, target weibo.Target) TargetResult {
	targetKey := target.Key()
	o.bus.Emit(events.Event{Kind: events.TargetStart, TargetKey: targetKey})

	unlock, err := o.checkpoints.Lock(targetKey)
	if err != nil {
		o.bus.Emit(events.Event{Kind: events.Stage, TargetKey: targetKey, Message: "lock contended"})
		return TargetResult{TargetKey: targetKey, Err: fmt.Errorf("%w: %v", weibo.ErrTarget, err)}
	}
	defer unlock()

	optionsHash := cursor.OptionsHash(targetKey, options.DirnamePattern, options.FilenamePattern,
		boolStr(options.NoPictures), boolStr(options.NoVideos))

	var state *checkpoint.CursorState
	if !options.NoResume {
		state, err = o.checkpoints.Load(targetKey, optionsHash)
		if err != nil {
			return TargetResult{TargetKey: targetKey, Err: fmt.Errorf("%w: %v", weibo.ErrTarget, err)}
		}
	}

	it, err := o.newIterator(target, optionsHash, state)
	if err != nil {
		return TargetResult{TargetKey: targetKey, Err: fmt.Errorf("%w: %v", weibo.ErrTarget, err)}
	}

	dirName := o.templater.Dirname(target, options.DirnamePattern)
	destDir := filepath.Join(destRoot, dirName)
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return TargetResult{TargetKey: targetKey, Err: fmt.Errorf("%w: mkdir %s: %v", weibo.ErrTarget, destDir, err)}
	}

	result := TargetResult{TargetKey: targetKey}
	postsProcessed := 0
	var newestSeen time.Time

	var cutoff time.Time
	hasCutoff := false
	if options.LatestStamps {
		cutoff, hasCutoff = o.stampsMap.Get(targetKey)
	}

stream:
	for {
		if o.interrupted.Load() {
			break
		}
		post, ok, err := it.Next(ctx)
		if err != nil {
			result.Err = fmt.Errorf("%w: %v", weibo.ErrTarget, err)
			break
		}
		if !ok {
			break
		}
		if hasCutoff && !post.CreatedAt.After(cutoff) {
			break
		}

		if err := writeMetadataSidecars(destDir, post, options); err != nil {
			o.bus.Emit(events.Event{Kind: events.Stage, TargetKey: targetKey, Message: "metadata sidecar write failed: " + err.Error()})
		}

		jobs := buildJobs(target, post, destDir, o.templater, options)

		if len(jobs) == 0 {
			o.bus.Emit(events.Event{Kind: events.PostDone, TargetKey: targetKey})
			o.advanceCheckpoint(targetKey, it)
			postsProcessed++
			if post.CreatedAt.After(newestSeen) {
				newestSeen = post.CreatedAt
			}
			if options.Count > 0 && postsProcessed >= options.Count {
				break
			}
			continue
		}

		postResult := o.runPost(ctx, targetKey, postsProcessed, jobs, options.MaxWorkers)
		result.Downloaded += postResult.downloaded
		result.SkippedN += postResult.skipped
		result.FailedN += postResult.failed

		o.bus.Emit(events.Event{
			Kind: events.PostDone, TargetKey: targetKey,
			Downloaded: postResult.downloaded, SkippedN: postResult.skipped, FailedN: postResult.failed,
			TimedOut: postResult.timedOut,
		})

		if !postResult.timedOut {
			o.advanceCheckpoint(targetKey, it)
		}

		if post.CreatedAt.After(newestSeen) {
			newestSeen = post.CreatedAt
		}
		postsProcessed++

		if options.FastUpdate && postResult.hadPreexisting {
			break stream
		}
		if options.Count > 0 && postsProcessed >= options.Count {
			break
		}
	}

	if options.LatestStamps {
		o.stampsMap.Advance(targetKey, newestSeen)
		if err := o.stampsMap.Save(); err != nil {
			o.bus.Emit(events.Event{Kind: events.Stage, TargetKey: targetKey, Message: "stamps save failed: " + err.Error()})
		}
	}

	o.bus.Emit(events.Event{
		Kind: events.TargetDone, TargetKey: targetKey,
		Downloaded: result.Downloaded, SkippedN: result.SkippedN, FailedN: result.FailedN,
	})
	return result
}

func (o *Orchestrator) advanceCheckpoint(targetKey string, it *cursor.Iterator) {
	state := it.Freeze()
	if err := o.checkpoints.Save(targetKey, state); err != nil {
		o.bus.Emit(events.Event{Kind: events.Stage, TargetKey: targetKey, Message: "checkpoint save failed: " + err.Error()})
	}
}

// job is one media item bound to its destination path.
type job struct {
	item     weibo.MediaItem
	destPath string
}

func buildJobs(target weibo.Target, post weibo.Post, destDir string, templater naming.Templater, options Options) []job {
	var jobs []job
	for _, item := range post.MediaItems {
		if item.Type == weibo.Picture && options.NoPictures {
			continue
		}
		if item.Type == weibo.Video && options.NoVideos {
			continue
		}
		v := naming.VarsForPost(target, post)
		v.Index = item.Index
		v.Name = item.FilenameHint
		if item.Type == weibo.Video {
			v.Type = "video"
		} else {
			v.Type = "picture"
		}
		filename := templater.Filename(v, options.FilenamePattern)
		jobs = append(jobs, job{item: item, destPath: filepath.Join(destDir, filename)})
	}
	return jobs
}

// writeMetadataSidecars writes {dest_dir}/{mid}.json (the post's raw
// payload, if MetadataJSON is set) and {dest_dir}/{mid}.txt (a plain-text
// summary, if PostMetadataTxt is set). A post with an empty Mid is skipped
// since there's no stable filename to key it on.
func writeMetadataSidecars(destDir string, post weibo.Post, options Options) error {
	if post.Mid == "" || (!options.MetadataJSON && !options.PostMetadataTxt) {
		return nil
	}
	if options.MetadataJSON && len(post.Raw) > 0 {
		path := filepath.Join(destDir, post.Mid+".json")
		if err := os.WriteFile(path, post.Raw, 0o644); err != nil {
			return fmt.Errorf("orchestrator: write %s: %w", path, err)
		}
	}
	if options.PostMetadataTxt {
		path := filepath.Join(destDir, post.Mid+".txt")
		summary := postSummary(post)
		if err := os.WriteFile(path, []byte(summary), 0o644); err != nil {
			return fmt.Errorf("orchestrator: write %s: %w", path, err)
		}
	}
	return nil
}

func postSummary(post weibo.Post) string {
	return fmt.Sprintf("mid: %s\nbid: %s\nnickname: %s\nuid: %s\ncreated_at: %s\n\n%s\n",
		post.Mid, post.Bid, post.User.Nickname, post.User.UID,
		post.CreatedAt.In(weibo.CST).Format(time.RFC3339), post.Text)
}

type postOutcome struct {
	downloaded     int
	skipped        int
	failed         int
	timedOut       bool
	hadPreexisting bool
}

type jobResult struct {
	outcome        downloader.Outcome
	hadPreexisting bool
}

// runPost dispatches jobs to a bounded worker pool sized by maxWorkers and
// waits for completion with a ≤0.5s polling tick, enforcing the per-post
// deadline. One goroutine is still spawned per job so results can be
// collected as soon as each completes, but each blocks on sem before
// actually issuing its download, so no more than maxWorkers run at once.
func (o *Orchestrator) runPost(parent context.Context, targetKey string, postIndex int, jobs []job, maxWorkers int) postOutcome {
	if maxWorkers < 1 {
		maxWorkers = defaultMaxWorkers
	}
	deadline := time.Duration(len(jobs)) * PerMediaTimeout
	if deadline < MinPostDeadline {
		deadline = MinPostDeadline
	}
	ctx, cancel := context.WithTimeout(parent, deadline)
	defer cancel()

	type indexedResult struct {
		idx int
		res jobResult
	}
	resultsCh := make(chan indexedResult, len(jobs))
	sem := make(chan struct{}, maxWorkers)

	for i, j := range jobs {
		go func(i int, j job) {
			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-ctx.Done():
				resultsCh <- indexedResult{i, jobResult{outcome: downloader.Failed}}
				return
			}
			outcome, _, err := o.download(ctx, j.item.URL, j.destPath)
			_ = err
			resultsCh <- indexedResult{i, jobResult{outcome: outcome, hadPreexisting: outcome == downloader.Skipped}}
		}(i, j)
	}

	var out postOutcome
	done := make(map[int]bool)
	mediaDone := 0
	ticker := time.NewTicker(pollTick)
	defer ticker.Stop()

	for len(done) < len(jobs) {
		select {
		case r := <-resultsCh:
			if done[r.idx] {
				continue
			}
			done[r.idx] = true
			mediaDone++
			switch r.res.outcome {
			case downloader.Downloaded:
				out.downloaded++
			case downloader.Skipped:
				out.skipped++
				out.hadPreexisting = out.hadPreexisting || r.res.hadPreexisting
			default:
				out.failed++
			}
			o.bus.Emit(events.Event{
				Kind: events.MediaDone, TargetKey: targetKey,
				Outcome: toEventOutcome(r.res.outcome), Filename: jobs[r.idx].destPath,
				PostIndex: postIndex, MediaDone: mediaDone, MediaTotal: len(jobs),
			})
		case <-ticker.C:
			if o.interrupted.Load() {
				markRemainingFailed(&out, &done, jobs, o.bus, targetKey, postIndex, &mediaDone)
				return out
			}
			if time.Now().After(timeFromDeadline(ctx)) {
				out.timedOut = true
				markRemainingFailed(&out, &done, jobs, o.bus, targetKey, postIndex, &mediaDone)
				return out
			}
		}
	}
	return out
}

func timeFromDeadline(ctx context.Context) time.Time {
	d, ok := ctx.Deadline()
	if !ok {
		return time.Now().Add(time.Hour)
	}
	return d
}

func markRemainingFailed(out *postOutcome, done *map[int]bool, jobs []job, bus *events.Bus, targetKey string, postIndex int, mediaDone *int) {
	for idx, j := range jobs {
		if (*done)[idx] {
			continue
		}
		(*done)[idx] = true
		*mediaDone++
		out.failed++
		bus.Emit(events.Event{
			Kind: events.MediaDone, TargetKey: targetKey,
			Outcome: events.Failed, Filename: j.destPath,
			PostIndex: postIndex, MediaDone: *mediaDone, MediaTotal: len(jobs),
		})
	}
}

func toEventOutcome(o downloader.Outcome) events.DownloadOutcome {
	switch o {
	case downloader.Downloaded:
		return events.Downloaded
	case downloader.Skipped:
		return events.Skipped
	default:
		return events.Failed
	}
}

func boolStr(b bool) string {
	if b {
		return "1"
	}
	return "0"
}
