package naming

import (
	"strings"
	"testing"
	"time"

	"github.com/weiboloader/weiboloader/internal/weibo"
)

func TestSanitize_stripsDisallowed(t *testing.T) {
	got := Sanitize(`a/b\c:d*e?f"g<h>i|j`, "")
	if strings.ContainsAny(got, disallowed) {
		t.Fatalf("sanitized output still contains a disallowed char: %q", got)
	}
}

func TestSanitize_idempotent(t *testing.T) {
	once := Sanitize(`weird/name*here`, "")
	twice := Sanitize(once, "")
	if once != twice {
		t.Fatalf("sanitize not idempotent: %q vs %q", once, twice)
	}
}

func TestSanitize_fallsBackToMid(t *testing.T) {
	got := Sanitize(`***///???`, "4012345")
	if got != "4012345" {
		t.Fatalf("expected fallback mid, got %q", got)
	}
}

func TestFilename_textTruncatedTo50(t *testing.T) {
	long := strings.Repeat("中", 100)
	v := Vars{Mid: "123", Text: long}
	got := Default{}.Filename(v, "{text}")
	if len([]rune(got)) > maxTextLen {
		t.Fatalf("expected len <= 50, got %d", len([]rune(got)))
	}
}

func TestFilename_defaultPattern(t *testing.T) {
	date := time.Date(2026, 1, 2, 3, 4, 5, 0, weibo.CST)
	v := Vars{Mid: "123", Date: date, Name: "photo.jpg"}
	got := Default{}.Filename(v, "")
	if !strings.HasPrefix(got, "20260102_") {
		t.Fatalf("expected default pattern to start with date, got %q", got)
	}
}

func TestDirname_defaultsPerTargetKind(t *testing.T) {
	d := Default{}
	cases := []struct {
		target weibo.Target
		want   string
	}{
		{weibo.Target{Kind: weibo.TargetUser, Nickname: "alice"}, "alice"},
		{weibo.Target{Kind: weibo.TargetSuperTopic, TopicName: "gaming"}, "topic/gaming"},
		{weibo.Target{Kind: weibo.TargetSearch, Keyword: "golang"}, "search/golang"},
	}
	for _, c := range cases {
		got := d.Dirname(c.target, "")
		if got != c.want {
			t.Errorf("Dirname(%+v) = %q, want %q", c.target, got, c.want)
		}
	}
}
