package downloader

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/weiboloader/weiboloader/internal/httpctx"
)

// fakeRequester stands in for httpctx.Context, issuing a real httptest
// request so Download exercises its actual streaming/deadline logic against
// real bytes over a real connection.
type fakeRequester struct {
	client *http.Client
}

func (f *fakeRequester) Request(ctx context.Context, method, url string, opts httpctx.RequestOpts) (*http.Response, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, nil)
	if err != nil {
		return nil, nil, err
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, nil, err
	}
	if !opts.Stream {
		body, rerr := io.ReadAll(resp.Body)
		resp.Body.Close()
		return resp, body, rerr
	}
	return resp, nil, nil
}

func TestDownload_skipsExistingNonEmptyFile(t *testing.T) {
	dir := t.TempDir()
	dest := filepath.Join(dir, "a.jpg")
	if err := os.WriteFile(dest, []byte("existing"), 0o644); err != nil {
		t.Fatal(err)
	}
	outcome, path, err := Download(context.Background(), &fakeRequester{}, "http://example.invalid/a.jpg", dest)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome != Skipped {
		t.Fatalf("expected Skipped, got %s", outcome)
	}
	if path != dest {
		t.Errorf("expected path %s, got %s", dest, path)
	}
}

func TestDownload_success(t *testing.T) {
	payload := bytes.Repeat([]byte("x"), 200*1024)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(payload)
	}))
	defer srv.Close()

	dir := t.TempDir()
	dest := filepath.Join(dir, "video.mp4")
	outcome, path, err := Download(context.Background(), &fakeRequester{client: srv.Client()}, srv.URL, dest)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome != Downloaded {
		t.Fatalf("expected Downloaded, got %s", outcome)
	}
	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, payload) {
		t.Errorf("downloaded content mismatch: got %d bytes, want %d", len(got), len(payload))
	}
	if _, err := os.Stat(path + ".part"); !os.IsNotExist(err) {
		t.Errorf("expected .part to be gone after success")
	}
}

func TestDownload_serverErrorLeavesNoPart(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	dir := t.TempDir()
	dest := filepath.Join(dir, "fail.jpg")
	outcome, _, err := Download(context.Background(), &fakeRequester{client: srv.Client()}, srv.URL, dest)
	if err == nil {
		t.Fatal("expected error")
	}
	if outcome != Failed {
		t.Fatalf("expected Failed, got %s", outcome)
	}
	if _, err := os.Stat(dest + ".part"); !os.IsNotExist(err) {
		t.Errorf("expected no .part left behind")
	}
	if _, err := os.Stat(dest); !os.IsNotExist(err) {
		t.Errorf("expected no final file on failure")
	}
}
