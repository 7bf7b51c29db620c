package httpclient

import (
	"net/url"
	"sync"
)

// HostSemaphore is a process-global per-host concurrency limiter. The media
// worker pool fans multiple simultaneous downloads out to the same handful
// of CDN hosts; this caps in-flight requests per host, whereas the rate
// controller's bucket is tracked globally, not per-host. The CLI sets the
// cap to the worker-pool size (--max-workers) at startup via Reconfigure.
//
// Usage: acquire before sending a request, release when the response arrives.
//
//	release := GlobalHostSem.Acquire(host)
//	defer release()
type HostSemaphore struct {
	mu    sync.Mutex
	sems  map[string]chan struct{}
	limit int
}

// GlobalHostSem is the shared per-host limiter. Default cap: 4 concurrent
// requests per host across the entire process; Reconfigure narrows or
// widens this once the real worker-pool size (--max-workers) is known.
var GlobalHostSem = NewHostSemaphore(4)

func NewHostSemaphore(concurrency int) *HostSemaphore {
	if concurrency < 1 {
		concurrency = 1
	}
	return &HostSemaphore{
		sems:  make(map[string]chan struct{}),
		limit: concurrency,
	}
}

// Reconfigure changes the per-host concurrency cap for every host going
// forward. Hosts already in use keep their old cap until next referenced
// fresh, since an in-flight channel's buffer can't be resized; callers
// should call this once at startup, before any requests are issued.
func (h *HostSemaphore) Reconfigure(concurrency int) {
	if concurrency < 1 {
		concurrency = 1
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.limit = concurrency
	h.sems = make(map[string]chan struct{})
}

// Acquire blocks until a slot is available for host and returns a release func.
// host should be the scheme+host (e.g. "http://example.com:8080").
func (h *HostSemaphore) Acquire(host string) func() {
	sem := h.semFor(host)
	sem <- struct{}{}
	return func() { <-sem }
}

func (h *HostSemaphore) semFor(host string) chan struct{} {
	// Normalise: strip path/query, keep scheme+host.
	if u, err := url.Parse(host); err == nil {
		host = u.Scheme + "://" + u.Host
	}
	h.mu.Lock()
	s, ok := h.sems[host]
	if !ok {
		s = make(chan struct{}, h.limit)
		h.sems[host] = s
	}
	h.mu.Unlock()
	return s
}
