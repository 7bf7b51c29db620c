// Command weiboloader harvests media from m.weibo.cn for a batch of targets:
// users, super-topics, searches, or single posts.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/weiboloader/weiboloader/internal/captcha"
	"github.com/weiboloader/weiboloader/internal/checkpoint"
	"github.com/weiboloader/weiboloader/internal/cursor"
	"github.com/weiboloader/weiboloader/internal/downloader"
	"github.com/weiboloader/weiboloader/internal/events"
	"github.com/weiboloader/weiboloader/internal/httpclient"
	"github.com/weiboloader/weiboloader/internal/httpctx"
	"github.com/weiboloader/weiboloader/internal/metrics"
	"github.com/weiboloader/weiboloader/internal/naming"
	"github.com/weiboloader/weiboloader/internal/orchestrator"
	"github.com/weiboloader/weiboloader/internal/stamps"
	"github.com/weiboloader/weiboloader/internal/weibo"
)

func main() {
	os.Exit(run())
}

func run() int {
	var (
		cookie        = flag.String("cookie", "", "raw cookie header string")
		cookieFile    = flag.String("cookie-file", "", "path to a file containing a raw cookie header")
		sessionFile   = flag.String("sessionfile", "", "explicit session file path")
		noVideos      = flag.Bool("no-videos", false, "skip video media")
		noPictures    = flag.Bool("no-pictures", false, "skip picture media")
		dirPattern    = flag.String("dirname-pattern", "", "override the destination directory template")
		filePattern   = flag.String("filename-pattern", "", "override the destination filename template")
		count         = flag.Int("count", 0, "stop each target after N posts (0 = unlimited)")
		fastUpdate    = flag.Bool("fast-update", false, "stop a target at the first pre-existing file")
		latestStamps  = flag.String("latest-stamps", "", "path to the incremental-cutoff stamps file")
		noResume      = flag.Bool("no-resume", false, "ignore any existing checkpoint and start fresh")
		captchaMode   = flag.String("captcha-mode", "auto", "auto|browser|manual|skip")
		maxWorkers    = flag.Int("max-workers", 4, "media download worker pool size")
		destDir       = flag.String("dest", ".", "root destination directory")
		configDir     = flag.String("config-dir", defaultConfigDir(), "checkpoint/session/lock directory")
		metricsAddr   = flag.String("metrics-addr", "", "optional host:port to expose Prometheus /metrics")
		metadataJSON  = flag.Bool("metadata-json", false, "write a {mid}.json raw-payload sidecar per post")
		postMetaTxt   = flag.Bool("post-metadata-txt", false, "write a {mid}.txt plain-text summary sidecar per post")
	)
	flag.Parse()
	targetArgs := flag.Args()

	if len(targetArgs) == 0 {
		fmt.Fprintln(os.Stderr, "weiboloader: at least one target is required")
		return int(orchestrator.ExitInitFail)
	}

	targets, err := parseTargets(targetArgs)
	if err != nil {
		log.Printf("weiboloader: init: %v", err)
		return int(orchestrator.ExitInitFail)
	}

	var interrupted atomic.Bool
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		interrupted.Store(true)
		cancel()
	}()

	httpclient.GlobalHostSem.Reconfigure(*maxWorkers)

	reg := metrics.New()
	if *metricsAddr != "" {
		go func() {
			if err := reg.Serve(ctx, *metricsAddr); err != nil {
				log.Printf("weiboloader: metrics server: %v", err)
			}
		}()
	}

	bus := events.New(events.NewThrottledSink(consoleSink{}, 100*time.Millisecond))

	hctx, err := httpctx.New(httpctx.Options{
		SessionDir:  *configDir,
		MaxWorkers:  *maxWorkers,
		CaptchaMode: captcha.Mode(*captchaMode),
		CaptchaPrompt: func(url string) {
			fmt.Fprintf(os.Stderr, "CAPTCHA challenge detected, please resolve in a browser: %s\n", url)
		},
		Bus:         bus,
		Interrupted: interrupted.Load,
	})
	if err != nil {
		log.Printf("weiboloader: init: %v", err)
		return int(orchestrator.ExitInitFail)
	}

	if err := installCredentials(hctx, *cookie, *cookieFile, *sessionFile); err != nil {
		log.Printf("weiboloader: init: %v", err)
		return int(orchestrator.ExitInitFail)
	}

	state, uid := hctx.VerifyLogin(ctx)
	bus.Emit(events.Event{Kind: events.LoginStatus, LoginOK: state == httpctx.LoginTrue, LoginUID: uid})
	switch state {
	case httpctx.LoginTrue:
		if err := hctx.SaveSession(uid); err != nil {
			log.Printf("weiboloader: save session: %v", err)
		}
	case httpctx.LoginFalse:
		log.Printf("weiboloader: login rejected")
		return int(orchestrator.ExitAuthFail)
	case httpctx.LoginUnknown:
		log.Printf("weiboloader: login status unknown, proceeding with existing cookies")
	}

	cp := checkpoint.New(*configDir)

	stampsPath := *latestStamps
	if stampsPath == "" {
		stampsPath = filepath.Join(*configDir, "stamps.json")
	}
	sm, err := stamps.Load(stampsPath)
	if err != nil {
		log.Printf("weiboloader: init: %v", err)
		return int(orchestrator.ExitInitFail)
	}

	dl := func(c context.Context, url, dest string) (downloader.Outcome, string, error) {
		return downloader.Download(c, hctx, url, dest)
	}

	newIterator := func(target weibo.Target, optionsHash string, cpState *checkpoint.CursorState) (*cursor.Iterator, error) {
		fetcher := newWeiboFetcher(hctx, target)
		return cursor.Thaw(fetcher, optionsHash, cpState), nil
	}

	orch := orchestrator.New(cp, sm, naming.Default{}, dl, bus, &interrupted, newIterator)

	opts := orchestrator.Options{
		MaxWorkers:      *maxWorkers,
		NoResume:        *noResume,
		FastUpdate:      *fastUpdate,
		LatestStamps:    *latestStamps != "",
		Count:           *count,
		NoPictures:      *noPictures,
		NoVideos:        *noVideos,
		DirnamePattern:  *dirPattern,
		FilenamePattern: *filePattern,
		MetadataJSON:    *metadataJSON,
		PostMetadataTxt: *postMetaTxt,
	}

	results, code := orch.RunBatch(ctx, *destDir, opts, targets)
	for _, r := range results {
		if r.Err != nil {
			log.Printf("weiboloader: target %s failed: %v", r.TargetKey, r.Err)
		}
	}
	return int(code)
}

// requesterAdapter satisfies weibo.Requester by translating its
// package-local RequesterOpts into httpctx.RequestOpts — the weibo package
// deliberately doesn't import httpctx (httpctx imports weibo for its
// sentinel errors, so the reverse import would be a cycle), so this small
// shim lives at the wiring layer instead.
type requesterAdapter struct {
	hctx *httpctx.Context
}

func (r requesterAdapter) Request(ctx context.Context, method, url string, opts weibo.RequesterOpts) (*http.Response, []byte, error) {
	return r.hctx.Request(ctx, method, url, httpctx.RequestOpts{
		Bucket:       opts.Bucket,
		AllowCaptcha: opts.AllowCaptcha,
		Retries:      opts.Retries,
	})
}

// newWeiboFetcher dispatches target.Kind to the matching weibo.Fetcher
// constructor.
func newWeiboFetcher(hctx *httpctx.Context, target weibo.Target) *weibo.Fetcher {
	req := requesterAdapter{hctx: hctx}
	switch target.Kind {
	case weibo.TargetSuperTopic:
		return weibo.NewSuperTopicFetcher(req, target.ContainerID)
	case weibo.TargetSearch:
		return weibo.NewSearchFetcher(req, target.Keyword)
	case weibo.TargetMid:
		return weibo.NewSingleFetcher(req, target.Mid)
	default:
		return weibo.NewUserFetcher(req, target.UID)
	}
}

// parseTargets turns CLI positional arguments into weibo.Target values.
// Full target-string grammar (nickname resolution, URL extraction) belongs
// to a richer CLI-layer collaborator; this recognizes the plain forms a
// positional argument can already take.
func parseTargets(args []string) ([]weibo.Target, error) {
	targets := make([]weibo.Target, 0, len(args))
	for _, a := range args {
		switch {
		case strings.HasPrefix(a, "uid:"):
			targets = append(targets, weibo.Target{Kind: weibo.TargetUser, UID: strings.TrimPrefix(a, "uid:")})
		case strings.HasPrefix(a, "topic:"):
			targets = append(targets, weibo.Target{Kind: weibo.TargetSuperTopic, ContainerID: strings.TrimPrefix(a, "topic:")})
		case strings.HasPrefix(a, "search:"):
			targets = append(targets, weibo.Target{Kind: weibo.TargetSearch, Keyword: strings.TrimPrefix(a, "search:")})
		case strings.HasPrefix(a, "mid:"):
			targets = append(targets, weibo.Target{Kind: weibo.TargetMid, Mid: strings.TrimPrefix(a, "mid:")})
		default:
			targets = append(targets, weibo.Target{Kind: weibo.TargetUser, UID: a})
		}
	}
	return targets, nil
}

func defaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".weiboloader"
	}
	return filepath.Join(home, ".config", "weiboloader")
}

func installCredentials(hctx *httpctx.Context, cookie, cookieFile, sessionFile string) error {
	switch {
	case cookie != "":
		return hctx.InstallCookieString(cookie)
	case cookieFile != "":
		data, err := os.ReadFile(cookieFile)
		if err != nil {
			return fmt.Errorf("read cookie file: %w", err)
		}
		return hctx.InstallCookieString(strings.TrimSpace(string(data)))
	case sessionFile != "":
		uid := strings.TrimSuffix(strings.TrimPrefix(filepath.Base(sessionFile), "session_"), ".dat")
		return hctx.LoadSessionFor(uid)
	default:
		return hctx.LoadSession()
	}
}

// consoleSink is the default Sink when no richer progress renderer is wired
// in — a minimal stand-in, not a full terminal UI.
type consoleSink struct{}

func (consoleSink) Emit(ev events.Event) {
	switch ev.Kind {
	case events.Stage:
		fmt.Fprintf(os.Stderr, "[%s] %s\n", ev.TargetKey, ev.Message)
	case events.TargetStart:
		fmt.Fprintf(os.Stderr, "=== starting %s ===\n", ev.TargetKey)
	case events.TargetDone:
		fmt.Fprintf(os.Stderr, "=== %s done: %d downloaded, %d skipped, %d failed ===\n",
			ev.TargetKey, ev.Downloaded, ev.SkippedN, ev.FailedN)
	case events.Interrupted:
		fmt.Fprintf(os.Stderr, "!!! interrupted during %s !!!\n", ev.TargetKey)
	case events.LoginStatus:
		fmt.Fprintf(os.Stderr, "login: ok=%v uid=%s\n", ev.LoginOK, ev.LoginUID)
	}
}
