package weibo

import "testing"

func TestTargetKey(t *testing.T) {
	cases := []struct {
		target Target
		want   string
	}{
		{Target{Kind: TargetUser, UID: "123"}, "user:123"},
		{Target{Kind: TargetUser, Nickname: "alice"}, "user:alice"},
		{Target{Kind: TargetSuperTopic, ContainerID: "100808abc"}, "topic:100808abc"},
		{Target{Kind: TargetSuperTopic, TopicName: "gaming"}, "topic:gaming"},
		{Target{Kind: TargetSearch, Keyword: "golang"}, "search:golang"},
		{Target{Kind: TargetMid, Mid: "4012345"}, "mid:4012345"},
	}
	for _, c := range cases {
		if got := c.target.Key(); got != c.want {
			t.Errorf("Target{%+v}.Key() = %q, want %q", c.target, got, c.want)
		}
	}
}

func TestVideoURLPriority(t *testing.T) {
	cases := []struct {
		hd, p720, hdURL, stream string
		want                    string
	}{
		{"hd", "720p", "hdurl", "stream", "hd"},
		{"", "720p", "hdurl", "stream", "720p"},
		{"", "", "hdurl", "stream", "hdurl"},
		{"", "", "", "stream", "stream"},
		{"", "", "", "", ""},
	}
	for _, c := range cases {
		if got := VideoURLPriority(c.hd, c.p720, c.hdURL, c.stream); got != c.want {
			t.Errorf("VideoURLPriority(%q,%q,%q,%q) = %q, want %q", c.hd, c.p720, c.hdURL, c.stream, got, c.want)
		}
	}
}
