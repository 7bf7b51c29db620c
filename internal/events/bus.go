// Package events defines the event bus contract: a sink receives structured
// progress events and must never be allowed to panic or error the core —
// every emission is wrapped to swallow sink failures.
package events

import (
	"fmt"
	"time"

	"golang.org/x/time/rate"
)

// Kind tags an Event's shape; required fields vary per kind.
type Kind string

const (
	Stage       Kind = "STAGE"
	TargetStart Kind = "TARGET_START"
	MediaDone   Kind = "MEDIA_DONE"
	PostDone    Kind = "POST_DONE"
	TargetDone  Kind = "TARGET_DONE"
	Interrupted Kind = "INTERRUPTED"
	LoginStatus Kind = "LOGIN_STATUS"
)

// DownloadOutcome tags how a single media job resolved.
type DownloadOutcome string

const (
	Downloaded DownloadOutcome = "DOWNLOADED"
	Skipped    DownloadOutcome = "SKIPPED"
	Failed     DownloadOutcome = "FAILED"
)

// Event is the value passed to Sink.Emit. Fields not applicable to Kind are
// left zero.
type Event struct {
	Kind Kind

	TargetKey string
	Message   string // STAGE free-form text

	// MEDIA_DONE
	Outcome    DownloadOutcome
	Filename   string
	PostIndex  int
	MediaDone  int
	MediaTotal int

	// POST_DONE / TARGET_DONE
	Downloaded int
	SkippedN   int
	FailedN    int
	TimedOut   bool

	// LOGIN_STATUS
	LoginOK  bool
	LoginUID string

	Err error
}

// Sink receives Events. A sink must never be allowed to propagate a panic or
// error into the core — see Emit.
type Sink interface {
	Emit(Event)
}

// Bus wraps a Sink so every emission is crash-proof: a panicking or nil Sink
// never takes down the core.
type Bus struct {
	sink Sink
}

// New wraps sink. A nil sink is always acceptable and becomes a no-op bus.
func New(sink Sink) *Bus {
	if sink == nil {
		sink = NullSink{}
	}
	return &Bus{sink: sink}
}

// Emit delivers ev to the underlying sink, recovering any panic so a
// misbehaving sink (e.g. a progress renderer) can never corrupt the download
// engine's control flow.
func (b *Bus) Emit(ev Event) {
	defer func() { recover() }() //nolint:errcheck // intentional: sinks never throw into the core
	b.sink.Emit(ev)
}

// NullSink discards every event. Always a valid Sink.
type NullSink struct{}

func (NullSink) Emit(Event) {}

// ThrottledSink wraps another Sink and rate-limits how often a burst of
// high-frequency events (MEDIA_DONE in particular, emitted once per
// completion within a post) reaches it, so a slow external renderer isn't
// overwhelmed during a fast batch of small-file completions. Every event
// kind other than MEDIA_DONE always passes through unthrottled; dropped
// MEDIA_DONE events are folded into the next one's counters by the caller
// (the orchestrator), not silently lost from aggregate accounting — this
// sink only throttles *rendering*, never the accounting.
//
// Token-bucket smoothing is appropriate here (unlike the core
// RateController, which needs exact sliding-window accounting) because this
// only paces a UI — an amortized rate is all a renderer needs.
type ThrottledSink struct {
	inner   Sink
	limiter *rate.Limiter
}

// NewThrottledSink allows at most one MEDIA_DONE event through per interval,
// always letting the burst's first and the caller's final event through.
func NewThrottledSink(inner Sink, interval time.Duration) *ThrottledSink {
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	return &ThrottledSink{inner: inner, limiter: rate.NewLimiter(rate.Every(interval), 1)}
}

func (t *ThrottledSink) Emit(ev Event) {
	if ev.Kind == MediaDone && ev.MediaDone != ev.MediaTotal && !t.limiter.Allow() {
		return
	}
	t.inner.Emit(ev)
}

// StageMessage is a small helper for the common STAGE event shape.
func StageMessage(targetKey, format string, args ...interface{}) Event {
	return Event{Kind: Stage, TargetKey: targetKey, Message: fmt.Sprintf(format, args...)}
}
