// Package ratelimit implements a two-bucket sliding-window rate controller:
// independent "api" and "media" buckets, each gated by a sliding
// request-count window plus reactive exponential backoff on 403/418.
//
// The sliding-window-log approach (keep every timestamp, trim the window on
// each check) is the exact-accounting alternative to a token bucket; Weibo's
// endpoints enforce a hard ceiling on the count in any rolling window, not
// just an amortized rate, so a token bucket (which only bounds the average)
// would eventually exceed it. This is hand-rolled for that reason (see
// DESIGN.md).
package ratelimit

import (
	"container/list"
	"context"
	"math/rand"
	"sync"
	"time"
)

// Bucket names used by HTTPContext and the Media Downloader.
const (
	BucketAPI   = "api"
	BucketMedia = "media"
)

// BucketParams configures one sliding window + backoff bucket.
type BucketParams struct {
	Limit          int           // max requests per Window
	Window         time.Duration // sliding window size
	BaseDelay      time.Duration // backoff base delay
	MaxDelay       time.Duration // backoff cap
	JitterRatio    float64       // fraction of the computed delay added as jitter
	RequestInterval time.Duration // minimum spacing between two requests in the bucket
}

// DefaultAPIParams is the conservative ceiling observed for m.weibo.cn's
// container API: 30 requests per 600s window.
func DefaultAPIParams() BucketParams {
	return BucketParams{
		Limit:           30,
		Window:          600 * time.Second,
		BaseDelay:       2 * time.Second,
		MaxDelay:        120 * time.Second,
		JitterRatio:     0.25,
		RequestInterval: 1 * time.Second,
	}
}

// DefaultMediaParams mirrors the API bucket's shape with a higher per-window
// ceiling, since CDN media fetches are cheaper server-side than paginated
// API calls and tolerate more concurrency before tripping abuse detection.
func DefaultMediaParams() BucketParams {
	return BucketParams{
		Limit:           60,
		Window:          600 * time.Second,
		BaseDelay:       2 * time.Second,
		MaxDelay:        120 * time.Second,
		JitterRatio:     0.25,
		RequestInterval: 250 * time.Millisecond,
	}
}

// Controller is the small capability interface callers depend on, letting a
// custom strategy replace Sliding without touching HTTPContext or the media
// downloader.
type Controller interface {
	WaitBefore(ctx context.Context, bucket string) error
	Observe(bucket string, statusCode int)
}

type bucketState struct {
	mu        sync.Mutex
	params    BucketParams
	times     *list.List // ring of time.Time, oldest-first
	lastReq   time.Time
	failures  int
	armedUntil time.Time
}

// Sliding is the default Controller: one sliding window + backoff state per
// bucket name, created lazily on first use with DefaultAPIParams /
// DefaultMediaParams unless overridden through NewSliding's overrides map.
type Sliding struct {
	mu      sync.Mutex
	buckets map[string]*bucketState
	params  map[string]BucketParams
	now     func() time.Time // overridable for tests
}

// NewSliding constructs a Sliding controller. Pass nil to use defaults for
// the "api" and "media" buckets; pass a map to override specific buckets.
func NewSliding(overrides map[string]BucketParams) *Sliding {
	s := &Sliding{
		buckets: make(map[string]*bucketState),
		params: map[string]BucketParams{
			BucketAPI:   DefaultAPIParams(),
			BucketMedia: DefaultMediaParams(),
		},
		now: time.Now,
	}
	for k, v := range overrides {
		s.params[k] = v
	}
	return s
}

func (s *Sliding) bucket(name string) *bucketState {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.buckets[name]
	if !ok {
		p, ok := s.params[name]
		if !ok {
			p = DefaultAPIParams()
		}
		b = &bucketState{params: p, times: list.New()}
		s.buckets[name] = b
	}
	return b
}

// WaitBefore blocks until bucket has quota, honoring ctx cancellation so the
// sleep stays promptly interruptible. On return it records the request
// timestamp.
func (s *Sliding) WaitBefore(ctx context.Context, bucket string) error {
	b := s.bucket(bucket)
	for {
		wait, ready := b.computeWait(s.now())
		if ready {
			b.recordRequest(s.now())
			return nil
		}
		if err := sleepCtx(ctx, wait); err != nil {
			return err
		}
	}
}

// computeWait returns the duration to sleep and whether the bucket is
// immediately ready (wait==0 implies ready==true, but armed backoff delays
// can produce wait>0 while the window itself has room).
func (b *bucketState) computeWait(now time.Time) (time.Duration, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	// Trim timestamps outside the window.
	cutoff := now.Add(-b.params.Window)
	for e := b.times.Front(); e != nil; {
		next := e.Next()
		if e.Value.(time.Time).Before(cutoff) {
			b.times.Remove(e)
		}
		e = next
	}

	var waits []time.Duration

	if !b.armedUntil.IsZero() && now.Before(b.armedUntil) {
		waits = append(waits, b.armedUntil.Sub(now))
	}
	if b.times.Len() >= b.params.Limit {
		oldest := b.times.Front().Value.(time.Time)
		until := oldest.Add(b.params.Window).Sub(now)
		if until > 0 {
			waits = append(waits, until)
		}
	}
	if !b.lastReq.IsZero() {
		sinceLast := now.Sub(b.lastReq)
		if sinceLast < b.params.RequestInterval {
			waits = append(waits, b.params.RequestInterval-sinceLast)
		}
	}

	if len(waits) == 0 {
		return 0, true
	}
	max := waits[0]
	for _, w := range waits[1:] {
		if w > max {
			max = w
		}
	}
	return max, false
}

func (b *bucketState) recordRequest(now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.times.PushBack(now)
	b.lastReq = now
	if !b.armedUntil.IsZero() && !now.Before(b.armedUntil) {
		b.armedUntil = time.Time{}
	}
}

// Observe reacts to a response status: 403/418 arms a one-shot backoff delay
// with an exponentially-growing base (doubling per consecutive failure,
// capped at MaxDelay) plus jitter; any 2xx resets the failure counter and
// clears any armed delay. Formula grounded on the teacher's
// httpclient/retry.go jitter()/backoff computation.
func (s *Sliding) Observe(bucket string, statusCode int) {
	b := s.bucket(bucket)
	b.mu.Lock()
	defer b.mu.Unlock()

	switch {
	case statusCode == 403 || statusCode == 418:
		b.failures++
		base := b.params.BaseDelay
		for i := 1; i < b.failures && base < b.params.MaxDelay; i++ {
			base *= 2
		}
		if base > b.params.MaxDelay {
			base = b.params.MaxDelay
		}
		jitter := time.Duration(rand.Float64() * b.params.JitterRatio * float64(base))
		delay := base + jitter
		if delay > b.params.MaxDelay {
			delay = b.params.MaxDelay
		}
		b.armedUntil = s.now().Add(delay)
	case statusCode >= 200 && statusCode < 300:
		b.failures = 0
		b.armedUntil = time.Time{}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
