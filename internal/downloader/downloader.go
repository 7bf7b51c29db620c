// Package downloader implements a single Download operation that streams one
// media URL to a destination path with a hard wall-clock deadline, atomic
// finalization, and no partial-file leakage.
//
// Grounded on the teacher's internal/materializer/download.go (streaming
// HTTP-to-file, .part suffix, range/full split) generalized to a single
// deadline-bounded full-body fetch — partial-range resumption isn't
// supported, so the range-request half of the teacher's file has no home
// here (see DESIGN.md).
package downloader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/weiboloader/weiboloader/internal/httpctx"
	"github.com/weiboloader/weiboloader/internal/ratelimit"
)

// MediaDownloadTimeout bounds the entire Download call, independent of how
// many chunks stall along the way.
const MediaDownloadTimeout = 60 * time.Second

const chunkSize = 64 * 1024

// Outcome tags how Download resolved.
type Outcome string

const (
	Downloaded Outcome = "DOWNLOADED"
	Skipped    Outcome = "SKIPPED"
	Failed     Outcome = "FAILED"
)

// Requester is the subset of httpctx.Context Download needs, so tests can
// substitute a fake without standing up a real Context.
type Requester interface {
	Request(ctx context.Context, method, url string, opts httpctx.RequestOpts) (*http.Response, []byte, error)
}

// Download fetches url into dest. If dest already exists with size > 0, it
// returns Skipped without any network call.
func Download(ctx context.Context, c Requester, url, dest string) (Outcome, string, error) {
	if fi, err := os.Stat(dest); err == nil && fi.Size() > 0 {
		return Skipped, dest, nil
	}

	deadline := time.Now().Add(MediaDownloadTimeout)
	ctx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	resp, _, err := c.Request(ctx, http.MethodGet, url, httpctx.RequestOpts{
		Bucket:       ratelimit.BucketMedia,
		AllowCaptcha: false,
		Retries:      2,
		Timeout:      httpctx.Timeout{Connect: 10 * time.Second, Read: httpctx.STREAM_READ_TIMEOUT},
		Stream:       true,
	})
	if err != nil {
		return Failed, "", fmt.Errorf("downloader: request %s: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Failed, "", fmt.Errorf("downloader: unexpected status %d for %s", resp.StatusCode, url)
	}

	partPath := dest + ".part"
	if err := streamToFile(resp.Body, partPath, deadline); err != nil {
		os.Remove(partPath)
		return Failed, "", err
	}
	if err := os.Rename(partPath, dest); err != nil {
		os.Remove(partPath)
		return Failed, "", fmt.Errorf("downloader: rename %s: %w", dest, err)
	}
	return Downloaded, dest, nil
}

var errDeadlineExceeded = errors.New("downloader: wall-clock deadline exceeded")

// streamToFile copies src into a freshly-created path in bounded chunks,
// aborting if now ever reaches deadline, then fsyncs before returning.
func streamToFile(src io.Reader, path string, deadline time.Time) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("downloader: create %s: %w", path, err)
	}
	defer f.Close()

	buf := make([]byte, chunkSize)
	for {
		if time.Now().After(deadline) {
			return errDeadlineExceeded
		}
		n, rerr := src.Read(buf)
		if n > 0 {
			if _, werr := f.Write(buf[:n]); werr != nil {
				return fmt.Errorf("downloader: write %s: %w", path, werr)
			}
		}
		if rerr != nil {
			if rerr == io.EOF {
				break
			}
			return fmt.Errorf("downloader: read body: %w", rerr)
		}
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("downloader: fsync %s: %w", path, err)
	}
	return nil
}
