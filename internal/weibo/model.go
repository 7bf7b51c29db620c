// Package weibo holds the core data model shared by the fetch pipeline:
// targets, posts, media items, and the tagged errors the pipeline's error
// taxonomy dispatches on.
package weibo

import (
	"errors"
	"time"
)

// CST is the fixed +08:00 offset every timestamp in this system is expressed in.
var CST = time.FixedZone("CST", 8*60*60)

// TargetKind tags the variant carried by Target.
type TargetKind int

const (
	TargetUser TargetKind = iota
	TargetSuperTopic
	TargetSearch
	TargetMid
)

// Target is a tagged variant identifying what to harvest. Exactly one of the
// kind-specific fields is meaningful for a given Kind.
type Target struct {
	Kind TargetKind

	// User
	UID      string
	Nickname string

	// SuperTopic
	ContainerID string
	TopicName   string

	// Search
	Keyword string

	// Mid
	Mid string
}

// Key returns the stable target_key used for checkpoint/lock/stamp identity.
func (t Target) Key() string {
	switch t.Kind {
	case TargetUser:
		if t.UID != "" {
			return "user:" + t.UID
		}
		return "user:" + t.Nickname
	case TargetSuperTopic:
		if t.ContainerID != "" {
			return "topic:" + t.ContainerID
		}
		return "topic:" + t.TopicName
	case TargetSearch:
		return "search:" + t.Keyword
	case TargetMid:
		return "mid:" + t.Mid
	default:
		return "unknown"
	}
}

// MediaType distinguishes a picture from a video media item.
type MediaType int

const (
	Picture MediaType = iota
	Video
)

// MediaItem is one downloadable artifact belonging to a Post.
type MediaItem struct {
	Type         MediaType
	URL          string
	Index        int // position within the post, 0-based
	FilenameHint string
}

// User is the post author, carried for filename templating.
type User struct {
	UID      string
	Nickname string
}

// Post is one harvested Weibo status, immutable once emitted by the iterator.
type Post struct {
	Mid        string
	Bid        string
	Text       string
	CreatedAt  time.Time // always in CST
	User       User
	MediaItems []MediaItem
	Raw        []byte // opaque original payload, retained for metadata sidecars
}

// Sentinel errors used throughout the pipeline to select exit codes and
// propagation behavior.
var (
	ErrAuth             = errors.New("weibo: no valid credential")
	ErrCheckpointBroken = errors.New("weibo: checkpoint corrupt or mismatched")
	ErrTarget           = errors.New("weibo: target-level failure")
	ErrAPISchema        = errors.New("weibo: critical field missing from API response")
	ErrInit             = errors.New("weibo: invalid configuration")
	ErrInterrupt        = errors.New("weibo: interrupted by user")
	ErrRateLimited       = errors.New("weibo: rate limit exhausted retries")
	ErrCaptchaDetected   = errors.New("weibo: captcha challenge detected")
	ErrLockHeld          = errors.New("weibo: target lock held by another process")
)

// VideoURLPriority picks the highest-priority non-empty URL from a raw video
// payload's candidate fields: stream_url_hd > mp4_720p_mp4 > mp4_hd_url >
// stream_url, reflecting decreasing resolution/compatibility guarantees
// across Weibo's page_info.media_info variants.
func VideoURLPriority(streamURLHD, mp4_720p, mp4HD, streamURL string) string {
	switch {
	case streamURLHD != "":
		return streamURLHD
	case mp4_720p != "":
		return mp4_720p
	case mp4HD != "":
		return mp4HD
	default:
		return streamURL
	}
}
