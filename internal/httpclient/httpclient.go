// Package httpclient builds the pooled *http.Transport the HTTP Context runs
// on, sized off the worker-pool concurrency so the connection pool never
// starves a full batch of simultaneous downloads. Kept as its own small
// package, as the teacher does, so the pool-sizing policy isn't buried
// inside httpctx.Context's constructor.
package httpclient

import (
	"net/http"
	"time"
)

// ForContext returns a transport sized for maxWorkers concurrent media
// downloads plus API calls. Acquiring a connection must never block request
// dispatch indefinitely, so MaxConnsPerHost is left at 0 (unbounded) —
// per-host request concurrency is instead capped explicitly by
// GlobalHostSem.
func ForContext(maxWorkers int) *http.Transport {
	if maxWorkers < 1 {
		maxWorkers = 4
	}
	return &http.Transport{
		MaxIdleConns:          maxWorkers * 2,
		MaxIdleConnsPerHost:   maxWorkers * 2,
		MaxConnsPerHost:       0,
		IdleConnTimeout:       90 * time.Second,
		ResponseHeaderTimeout: 20 * time.Second,
		ExpectContinueTimeout: 5 * time.Second,
	}
}
