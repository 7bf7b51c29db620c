package captcha

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestSkip_alwaysReturnsErrSkipped(t *testing.T) {
	err := Skip{}.Resolve(context.Background(), "https://weibo.com/verify", nil)
	if !errors.Is(err, ErrSkipped) {
		t.Fatalf("expected ErrSkipped, got %v", err)
	}
}

func TestManual_resolvesOnSignal(t *testing.T) {
	wait := make(chan struct{})
	m := &Manual{Wait: wait}
	go close(wait)
	if err := m.Resolve(context.Background(), "https://weibo.com/verify", nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestManual_timesOutWithContextDeadline(t *testing.T) {
	m := &Manual{Wait: make(chan struct{})}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	err := m.Resolve(ctx, "https://weibo.com/verify", nil)
	if !errors.Is(err, ErrTimedOut) {
		t.Fatalf("expected ErrTimedOut, got %v", err)
	}
}

func TestNew_autoPrefersBrowserWhenAvailable(t *testing.T) {
	browser := Skip{}
	h := New(ModeAuto, browser, nil)
	if h != browser {
		t.Fatalf("expected auto mode to prefer the supplied browser handler")
	}
}

func TestNew_autoFallsBackToManual(t *testing.T) {
	h := New(ModeAuto, nil, nil)
	if _, ok := h.(*Manual); !ok {
		t.Fatalf("expected auto mode with no browser handler to fall back to Manual, got %T", h)
	}
}

func TestNew_skipMode(t *testing.T) {
	h := New(ModeSkip, Skip{}, nil)
	if _, ok := h.(Skip); !ok {
		t.Fatalf("expected skip mode to dispatch to Skip, got %T", h)
	}
}
