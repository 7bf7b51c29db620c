package weibo

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// Requester is the subset of httpctx.Context the Fetcher needs. Declared
// here (rather than importing httpctx) to keep this package dependency-free
// of the transport layer, matching the teacher's fetcher.go taking an
// *http.Client rather than its own package's types.
type Requester interface {
	Request(ctx context.Context, method, url string, opts RequesterOpts) (*http.Response, []byte, error)
}

// RequesterOpts mirrors httpctx.RequestOpts's fields the Fetcher cares about;
// duplicated rather than imported for the same dependency-direction reason
// as Requester.
type RequesterOpts struct {
	Bucket       string
	AllowCaptcha bool
	Retries      int
}

// Fetcher is the concrete default PageFetcher (cursor.PageFetcher) adapter
// for m.weibo.cn's mobile container API. The raw-JSON→record mapping is
// treated as swappable by design, since m.weibo.cn's undocumented payload
// shape is the part most likely to drift; this is the default
// implementation rather than a core pipeline component, grounded on the
// teacher's fetch.Fetcher page-loop shape (internal/indexer/fetch/fetcher.go)
// adapted from Xtream/M3U pagination to Weibo's containerid+since_id scheme.
type Fetcher struct {
	req      Requester
	endpoint string // resolved container/search/user-timeline URL template
	params   url.Values
}

// NewUserFetcher targets a user's timeline by uid.
func NewUserFetcher(req Requester, uid string) *Fetcher {
	return &Fetcher{req: req, endpoint: "https://m.weibo.cn/api/container/getIndex",
		params: url.Values{"containerid": {"107603" + uid}, "type": {"uid"}, "value": {uid}}}
}

// NewSuperTopicFetcher targets a super-topic by container id.
func NewSuperTopicFetcher(req Requester, containerID string) *Fetcher {
	return &Fetcher{req: req, endpoint: "https://m.weibo.cn/api/container/getIndex",
		params: url.Values{"containerid": {containerID}}}
}

// NewSearchFetcher targets a keyword search.
func NewSearchFetcher(req Requester, keyword string) *Fetcher {
	return &Fetcher{req: req, endpoint: "https://m.weibo.cn/api/container/getIndex",
		params: url.Values{"containerid": {"100103type=1&q=" + keyword}}}
}

// NewSingleFetcher wraps a single status lookup by mid as a one-page,
// one-post PageFetcher.
func NewSingleFetcher(req Requester, mid string) *Fetcher {
	return &Fetcher{req: req, endpoint: "https://m.weibo.cn/statuses/show", params: url.Values{"id": {mid}}}
}

type containerResponse struct {
	OK   int `json:"ok"`
	Data struct {
		CardlistInfo struct {
			SinceID json.Number `json:"since_id"`
		} `json:"cardlistInfo"`
		Cards []struct {
			CardType int             `json:"card_type"`
			Mblog    json.RawMessage `json:"mblog"`
		} `json:"cards"`
	} `json:"data"`
}

type mblog struct {
	ID          string          `json:"id"`
	Bid         string          `json:"bid"`
	Text        string          `json:"text"`
	CreatedAt   string          `json:"created_at"` // e.g. "Fri Jan 02 15:04:05 +0800 2026"
	User        mblogUser       `json:"user"`
	Pics        []mblogPic      `json:"pics"`
	PageInfo    *mblogPageInfo  `json:"page_info"`
	RetweetedBy json.RawMessage `json:"retweeted_status"`
}

type mblogUser struct {
	ID         json.Number `json:"id"`
	ScreenName string      `json:"screen_name"`
}

type mblogPic struct {
	Large struct {
		URL string `json:"url"`
	} `json:"large"`
	URL string `json:"url"`
}

type mblogPageInfo struct {
	Type  string `json:"type"`
	Media struct {
		StreamURLHD string `json:"stream_url_hd"`
		Mp4720p     string `json:"mp4_720p_mp4"`
		Mp4HDURL    string `json:"mp4_hd_url"`
		StreamURL   string `json:"stream_url"`
	} `json:"media_info"`
}

// weiboTimeLayout matches Weibo's "Mon Jan 02 15:04:05 -0700 2006" timestamp.
const weiboTimeLayout = "Mon Jan 02 15:04:05 -0700 2006"

// FetchPage implements cursor.PageFetcher without importing it, satisfying
// the interface structurally (Go interfaces are satisfied implicitly).
func (f *Fetcher) FetchPage(ctx context.Context, cursor string, page int) ([]Post, string, bool, error) {
	q := url.Values{}
	for k, v := range f.params {
		q[k] = v
	}
	if cursor != "" {
		q.Set("since_id", cursor)
	} else if page > 1 {
		q.Set("page", strconv.Itoa(page))
	}
	reqURL := f.endpoint + "?" + q.Encode()

	resp, body, err := f.req.Request(ctx, http.MethodGet, reqURL, RequesterOpts{
		Bucket: "api", AllowCaptcha: true, Retries: 2,
	})
	if err != nil {
		return nil, "", false, fmt.Errorf("weibo: fetch page: %w", err)
	}
	defer resp.Body.Close()

	var cr containerResponse
	if err := json.Unmarshal(body, &cr); err != nil {
		return nil, "", false, fmt.Errorf("%w: %v", ErrAPISchema, err)
	}
	if cr.OK != 1 {
		return nil, "", false, fmt.Errorf("%w: ok=%d", ErrAPISchema, cr.OK)
	}

	posts := make([]Post, 0, len(cr.Data.Cards))
	for _, card := range cr.Data.Cards {
		if card.CardType != 9 || len(card.Mblog) == 0 {
			continue
		}
		var mb mblog
		if err := json.Unmarshal(card.Mblog, &mb); err != nil {
			continue
		}
		posts = append(posts, postFromMblog(mb, card.Mblog))
	}

	nextCursor := cr.Data.CardlistInfo.SinceID.String()
	hasNext := nextCursor != "" && nextCursor != "0" && len(cr.Data.Cards) > 0
	return posts, nextCursor, hasNext, nil
}

func postFromMblog(mb mblog, raw json.RawMessage) Post {
	createdAt, err := time.Parse(weiboTimeLayout, mb.CreatedAt)
	if err != nil {
		createdAt = time.Now()
	}
	createdAt = createdAt.In(CST)

	var media []MediaItem
	for i, pic := range mb.Pics {
		u := pic.Large.URL
		if u == "" {
			u = pic.URL
		}
		if u == "" {
			continue
		}
		media = append(media, MediaItem{Type: Picture, URL: u, Index: i})
	}
	if mb.PageInfo != nil && mb.PageInfo.Type == "video" {
		u := VideoURLPriority(mb.PageInfo.Media.StreamURLHD, mb.PageInfo.Media.Mp4720p,
			mb.PageInfo.Media.Mp4HDURL, mb.PageInfo.Media.StreamURL)
		if u != "" {
			media = append(media, MediaItem{Type: Video, URL: u, Index: len(media)})
		}
	}

	return Post{
		Mid:       mb.ID,
		Bid:       mb.Bid,
		Text:      mb.Text,
		CreatedAt: createdAt,
		User:      User{UID: mb.User.ID.String(), Nickname: mb.User.ScreenName},
		MediaItems: media,
		Raw:        raw,
	}
}
