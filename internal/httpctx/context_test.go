package httpctx

import (
	"context"
	"net/http"
	"testing"
)

func TestIsCaptcha_status418(t *testing.T) {
	resp := &http.Response{StatusCode: 418, Header: http.Header{}}
	if !isCaptcha(resp) {
		t.Error("expected 418 to be detected as captcha")
	}
}

func TestIsCaptcha_redirectLocation(t *testing.T) {
	h := http.Header{}
	h.Set("Location", "https://weibo.com/verify?from=abc")
	resp := &http.Response{StatusCode: 302, Header: h}
	if !isCaptcha(resp) {
		t.Error("expected verify redirect to be detected as captcha")
	}
}

func TestIsCaptcha_ordinaryResponseIsNot(t *testing.T) {
	resp := &http.Response{StatusCode: 200, Header: http.Header{}}
	if isCaptcha(resp) {
		t.Error("expected ordinary 200 to not be a captcha")
	}
}

func TestParseLoginConfig(t *testing.T) {
	cases := []struct {
		body    string
		wantOK  bool
		wantUID string
	}{
		{`{"login":true,"uid":"123456"}`, true, "123456"},
		{`{"login":false}`, false, ""},
		{`not json at all`, false, ""},
	}
	for _, c := range cases {
		ok, uid := parseLoginConfig([]byte(c.body))
		if ok != c.wantOK || uid != c.wantUID {
			t.Errorf("parseLoginConfig(%q) = (%v,%q), want (%v,%q)", c.body, ok, uid, c.wantOK, c.wantUID)
		}
	}
}

func TestRequest_rejectsNonHTTPScheme(t *testing.T) {
	c, err := New(Options{SessionDir: t.TempDir()})
	if err != nil {
		t.Fatal(err)
	}
	_, _, err = c.Request(context.Background(), http.MethodGet, "file:///etc/passwd", RequestOpts{})
	if err == nil {
		t.Fatal("expected an error rejecting a non-http(s) scheme")
	}
}
