// Package httpctx owns the cookie jar, session lifecycle, rate-controller
// integration, CAPTCHA detection/routing, and the streaming request helper
// every outbound call flows through.
//
// Grounded on the teacher's internal/indexer/fetch/condget.go (conditional
// GET / streaming helper shape) and internal/httpclient/httpclient.go (client
// construction), generalized from "IPTV playlist fetch" to "Weibo API +
// media fetch" and extended with the CAPTCHA detour condget.go never needed.
package httpctx

import (
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"regexp"
	"time"

	"github.com/andybalholm/brotli"
	"golang.org/x/net/publicsuffix"

	"github.com/weiboloader/weiboloader/internal/captcha"
	"github.com/weiboloader/weiboloader/internal/events"
	"github.com/weiboloader/weiboloader/internal/httpclient"
	"github.com/weiboloader/weiboloader/internal/ratelimit"
	"github.com/weiboloader/weiboloader/internal/safeurl"
	"github.com/weiboloader/weiboloader/internal/session"
	"github.com/weiboloader/weiboloader/internal/weibo"
)

// captchaRedirectPattern matches the verification-page redirect Weibo issues
// in lieu of a bare 418.
var captchaRedirectPattern = regexp.MustCompile(`(?i)weibo\.com/(?:p/)?(?:verify|login)`)

const (
	// DefaultConnectTimeout bounds the connect phase of a non-streaming call.
	DefaultConnectTimeout = 10 * time.Second
	// LoginVerifyTimeout bounds VerifyLogin end-to-end.
	LoginVerifyTimeout = 10 * time.Second
	// APIBase is the m.weibo.cn mobile API origin every Request path is
	// resolved against when callers pass a path rather than an absolute URL.
	APIBase = "https://m.weibo.cn"
)

// LoginState is VerifyLogin's tri-state result: confirmed logged in with a
// uid, confirmed logged out, or unknown (the verify call itself failed) —
// VerifyLogin never returns an error to its caller.
type LoginState int

const (
	LoginUnknown LoginState = iota
	LoginFalse
	LoginTrue
)

// Options configures a new Context.
type Options struct {
	SessionDir    string // rootDir for session_{uid}.dat files
	MaxWorkers    int    // sizes the connection pool to match worker-pool concurrency
	RateLimiter   ratelimit.Controller
	CaptchaMode   captcha.Mode
	CaptchaBrowser captcha.Handler
	CaptchaPrompt func(string)
	Bus           *events.Bus
	Interrupted   func() bool // polled at the start of each Request attempt
}

// Context owns the cookie jar, rate controller, and CAPTCHA handler for one
// run. A single Context is shared read-only across the media worker pool.
type Context struct {
	client      *http.Client
	jar         *cookiejar.Jar
	rc          ratelimit.Controller
	captchaH    captcha.Handler
	bus         *events.Bus
	sessions    *session.Store
	interrupted func() bool

	uid string
}

// New constructs a Context. The cookie jar starts empty; call LoadSession or
// InstallCookieString before VerifyLogin.
func New(opts Options) (*Context, error) {
	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return nil, fmt.Errorf("httpctx: new cookie jar: %w", err)
	}
	maxWorkers := opts.MaxWorkers
	if maxWorkers < 1 {
		maxWorkers = 4
	}
	transport := httpclient.ForContext(maxWorkers)
	rc := opts.RateLimiter
	if rc == nil {
		rc = ratelimit.NewSliding(nil)
	}
	bus := opts.Bus
	if bus == nil {
		bus = events.New(nil)
	}
	interrupted := opts.Interrupted
	if interrupted == nil {
		interrupted = func() bool { return false }
	}
	ch := captcha.New(opts.CaptchaMode, opts.CaptchaBrowser, opts.CaptchaPrompt)
	return &Context{
		client:      &http.Client{Jar: jar, Transport: transport},
		jar:         jar,
		rc:          rc,
		captchaH:    ch,
		bus:         bus,
		sessions:    session.New(opts.SessionDir),
		interrupted: interrupted,
	}, nil
}

// LoadSession auto-loads the most-recently-modified session file in the
// session directory, installing its cookies. No-op if none exist.
func (c *Context) LoadSession() error {
	uid, cookies, err := c.sessions.LoadMostRecent()
	if err != nil {
		return err
	}
	if cookies == nil {
		return nil
	}
	c.installCookies(cookies)
	c.uid = uid
	return nil
}

// LoadSessionFor loads an explicit uid's session file.
func (c *Context) LoadSessionFor(uid string) error {
	cookies, err := c.sessions.LoadByUID(uid)
	if err != nil {
		return err
	}
	if cookies == nil {
		return nil
	}
	c.installCookies(cookies)
	c.uid = uid
	return nil
}

// InstallCookieString parses a raw "k=v; k2=v2" cookie header string, as
// produced by a browser-import collaborator, and installs it.
func (c *Context) InstallCookieString(raw string) error {
	base, _ := url.Parse(APIBase)
	req := &http.Request{Header: make(http.Header)}
	req.Header.Set("Cookie", raw)
	parsed := req.Cookies()
	if len(parsed) == 0 {
		return fmt.Errorf("httpctx: no cookies parsed from input")
	}
	c.jar.SetCookies(base, parsed)
	return nil
}

func (c *Context) installCookies(cookies []session.Cookie) {
	base, _ := url.Parse(APIBase)
	c.jar.SetCookies(base, session.ToHTTPCookies(base, cookies))
}

// VerifyLogin issues GET /api/config with retries=1, allow_captcha=false, a
// short timeout, and never returns an error — network failures and non-200
// statuses collapse into LoginUnknown; a payload without "login":true yields
// LoginFalse.
func (c *Context) VerifyLogin(ctx context.Context) (state LoginState, uid string) {
	ctx, cancel := context.WithTimeout(ctx, LoginVerifyTimeout)
	defer cancel()
	resp, body, err := c.Request(ctx, http.MethodGet, APIBase+"/api/config", RequestOpts{
		Bucket:       ratelimit.BucketAPI,
		AllowCaptcha: false,
		Retries:      1,
		Timeout:      Scalar(LoginVerifyTimeout),
	})
	if err != nil {
		return LoginUnknown, ""
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return LoginUnknown, ""
	}
	ok, foundUID := parseLoginConfig(body)
	if !ok {
		return LoginFalse, ""
	}
	c.uid = foundUID
	return LoginTrue, foundUID
}

// parseLoginConfig is a minimal extraction of the login uid out of
// /api/config's payload; the full response schema belongs to the
// raw-JSON→record adapter, so this only looks for the one field VerifyLogin
// needs.
func parseLoginConfig(body []byte) (ok bool, uid string) {
	// "login":true ... "uid":"1234567890"
	if !bytes.Contains(body, []byte(`"login":true`)) {
		return false, ""
	}
	idx := bytes.Index(body, []byte(`"uid":"`))
	if idx < 0 {
		return true, ""
	}
	rest := body[idx+len(`"uid":"`):]
	end := bytes.IndexByte(rest, '"')
	if end < 0 {
		return true, ""
	}
	return true, string(rest[:end])
}

// SaveSession persists the current jar's cookies under the verified uid.
// Callers must only invoke this after VerifyLogin returns LoginTrue —
// saving an unverified session would let a later run silently reuse cookies
// that never actually authenticated.
func (c *Context) SaveSession(uid string) error {
	base, _ := url.Parse(APIBase)
	cookies := session.FromJar(c.jar, base)
	return c.sessions.Save(uid, cookies)
}

// RequestOpts configures one Request call.
type RequestOpts struct {
	Bucket       string
	AllowCaptcha bool
	Retries      int
	Timeout      Timeout
	Stream       bool // when true, Response.Body is NOT read into memory and carries a per-read deadline
}

var retryableStatus = map[int]bool{
	429: true, 500: true, 502: true, 503: true, 504: true,
}

// Request is the single chokepoint every outbound call flows through:
// WaitBefore(bucket) → send → Observe(bucket, status), with CAPTCHA
// detection and retry-on-retryable-status layered on top.
//
// On Stream==false the body is fully read and returned in the []byte; the
// *http.Response's Body is already closed. On Stream==true the caller owns
// resp.Body (wrapped with the per-chunk deadline reader) and must close it.
func (c *Context) Request(ctx context.Context, method, rawURL string, opts RequestOpts) (*http.Response, []byte, error) {
	if !safeurl.IsHTTPOrHTTPS(rawURL) {
		return nil, nil, fmt.Errorf("httpctx: refusing non-http(s) URL: %s", rawURL)
	}
	if opts.Bucket == "" {
		opts.Bucket = ratelimit.BucketAPI
	}
	connectTimeout := opts.Timeout.Connect
	if connectTimeout <= 0 {
		connectTimeout = DefaultConnectTimeout
	}

	var lastErr error
	attempts := opts.Retries + 1
	for attempt := 0; attempt < attempts; attempt++ {
		if c.interrupted() {
			return nil, nil, weibo.ErrInterrupt
		}
		if err := c.rc.WaitBefore(ctx, opts.Bucket); err != nil {
			return nil, nil, fmt.Errorf("httpctx: rate wait: %w", err)
		}

		reqCtx := ctx
		var cancel context.CancelFunc
		if !opts.Stream {
			reqCtx, cancel = context.WithTimeout(ctx, connectTimeout+opts.Timeout.Read)
		}
		req, err := http.NewRequestWithContext(reqCtx, method, rawURL, nil)
		if err != nil {
			if cancel != nil {
				cancel()
			}
			return nil, nil, fmt.Errorf("httpctx: build request: %w", err)
		}
		req.Header.Set("Accept-Encoding", "gzip, br")
		req.Header.Set("User-Agent", "Mozilla/5.0 (Linux; Android 10) weiboloader")
		req.Header.Set("Referer", APIBase+"/")

		release := httpclient.GlobalHostSem.Acquire(req.URL.Scheme + "://" + req.URL.Host)
		resp, err := c.client.Do(req)
		release()
		if err != nil {
			if cancel != nil {
				cancel()
			}
			lastErr = err
			c.rc.Observe(opts.Bucket, 0)
			continue
		}

		c.rc.Observe(opts.Bucket, resp.StatusCode)

		if isCaptcha(resp) && opts.AllowCaptcha {
			resp.Body.Close()
			if cancel != nil {
				cancel()
			}
			if err := c.handleCaptcha(ctx, resp); err != nil {
				return nil, nil, fmt.Errorf("%w: %v", weibo.ErrCaptchaDetected, err)
			}
			// Retry once after a resolved challenge; this attempt is not counted
			// against Retries.
			resp2, body2, err2 := c.doOnce(ctx, method, rawURL, opts, connectTimeout)
			return resp2, body2, err2
		}
		if isCaptcha(resp) && !opts.AllowCaptcha {
			resp.Body.Close()
			if cancel != nil {
				cancel()
			}
			return nil, nil, weibo.ErrCaptchaDetected
		}

		if retryableStatus[resp.StatusCode] && attempt < attempts-1 {
			resp.Body.Close()
			if cancel != nil {
				cancel()
			}
			lastErr = fmt.Errorf("httpctx: retryable status %d", resp.StatusCode)
			continue
		}

		if opts.Stream {
			resp.Body = &decodingCloser{wrapDeadline(resp.Body, opts.Timeout.Read), decodeWrapper(resp)}
			return resp, nil, nil
		}
		body, rerr := readBody(resp)
		resp.Body.Close()
		if cancel != nil {
			cancel()
		}
		if rerr != nil {
			lastErr = rerr
			continue
		}
		return resp, body, nil
	}
	return nil, nil, fmt.Errorf("httpctx: all %d attempts failed: %w", attempts, lastErr)
}

// doOnce performs a single attempt with no further CAPTCHA/retry recursion;
// used for the one retry issued immediately after a CAPTCHA challenge
// resolves.
func (c *Context) doOnce(ctx context.Context, method, rawURL string, opts RequestOpts, connectTimeout time.Duration) (*http.Response, []byte, error) {
	if err := c.rc.WaitBefore(ctx, opts.Bucket); err != nil {
		return nil, nil, fmt.Errorf("httpctx: rate wait: %w", err)
	}
	reqCtx := ctx
	var cancel context.CancelFunc
	if !opts.Stream {
		reqCtx, cancel = context.WithTimeout(ctx, connectTimeout+opts.Timeout.Read)
		defer cancel()
	}
	req, err := http.NewRequestWithContext(reqCtx, method, rawURL, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("httpctx: build request: %w", err)
	}
	req.Header.Set("Accept-Encoding", "gzip, br")
	release := httpclient.GlobalHostSem.Acquire(req.URL.Scheme + "://" + req.URL.Host)
	resp, err := c.client.Do(req)
	release()
	if err != nil {
		c.rc.Observe(opts.Bucket, 0)
		return nil, nil, err
	}
	c.rc.Observe(opts.Bucket, resp.StatusCode)
	if opts.Stream {
		resp.Body = &decodingCloser{wrapDeadline(resp.Body, opts.Timeout.Read), decodeWrapper(resp)}
		return resp, nil, nil
	}
	body, rerr := readBody(resp)
	resp.Body.Close()
	if rerr != nil {
		return nil, nil, rerr
	}
	return resp, body, nil
}

func isCaptcha(resp *http.Response) bool {
	if resp.StatusCode == 418 {
		return true
	}
	if loc := resp.Header.Get("Location"); loc != "" && captchaRedirectPattern.MatchString(loc) {
		return true
	}
	if resp.Request != nil && resp.Request.URL != nil && captchaRedirectPattern.MatchString(resp.Request.URL.String()) {
		return true
	}
	return false
}

func (c *Context) handleCaptcha(ctx context.Context, resp *http.Response) error {
	challengeURL := resp.Header.Get("Location")
	if challengeURL == "" && resp.Request != nil && resp.Request.URL != nil {
		challengeURL = resp.Request.URL.String()
	}
	c.bus.Emit(events.Event{Kind: events.Stage, Message: "captcha challenge detected: " + challengeURL})
	hctx, cancel := context.WithTimeout(ctx, captcha.DefaultHandlerTimeout)
	defer cancel()
	var pauser captcha.PauseResumer
	if p, ok := interface{}(c.bus).(captcha.PauseResumer); ok {
		pauser = p
	}
	return c.captchaH.Resolve(hctx, challengeURL, pauser)
}

// readBody fully drains resp.Body, transparently undoing gzip/br
// content-encoding.
func readBody(resp *http.Response) ([]byte, error) {
	r, err := decodeBody(resp)
	if err != nil {
		return nil, err
	}
	defer func() {
		if c, ok := r.(io.Closer); ok && r != resp.Body {
			c.Close()
		}
	}()
	return io.ReadAll(r)
}

func decodeBody(resp *http.Response) (io.Reader, error) {
	switch resp.Header.Get("Content-Encoding") {
	case "br":
		return brotli.NewReader(resp.Body), nil
	case "gzip":
		return gzip.NewReader(resp.Body)
	default:
		return resp.Body, nil
	}
}

// decodeWrapper returns a func producing the (possibly) decoding reader chain
// for a streaming response, applied lazily since gzip.NewReader needs to read
// the header up front.
func decodeWrapper(resp *http.Response) func(io.Reader) (io.Reader, error) {
	enc := resp.Header.Get("Content-Encoding")
	return func(r io.Reader) (io.Reader, error) {
		switch enc {
		case "br":
			return brotli.NewReader(r), nil
		case "gzip":
			return gzip.NewReader(r)
		default:
			return r, nil
		}
	}
}

func wrapDeadline(body io.ReadCloser, perRead time.Duration) io.ReadCloser {
	return newDeadlineReader(body, perRead)
}

// decodingCloser lazily applies a content-decoding transform on first Read,
// since brotli/gzip readers wrap an io.Reader but we only have a ReadCloser
// whose Close must still reach the original body.
type decodingCloser struct {
	io.ReadCloser
	transform func(io.Reader) (io.Reader, error)
}

func (d *decodingCloser) Read(p []byte) (int, error) {
	if d.transform != nil {
		r, err := d.transform(d.ReadCloser)
		if err != nil {
			return 0, fmt.Errorf("httpctx: init decoder: %w", err)
		}
		d.ReadCloser = struct {
			io.Reader
			io.Closer
		}{r, d.ReadCloser}
		d.transform = nil
	}
	return d.ReadCloser.Read(p)
}

// ErrNotCaptcha is never returned; retained so callers can errors.Is a
// non-CAPTCHA sentinel family without a type switch. (kept minimal: unused
// beyond documentation of intent)
var ErrNotCaptcha = errors.New("httpctx: not a captcha response")
