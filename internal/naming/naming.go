// Package naming implements directory and filename template expansion plus
// sanitization. This package is the default concrete implementation an
// orchestrator wires in when no custom naming collaborator is supplied,
// following the same "small interface + one default impl" shape the
// teacher uses for its provider/adapter seams.
package naming

import (
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/weiboloader/weiboloader/internal/weibo"
)

// disallowed holds every character sanitize strips: the reserved set that
// breaks path segments on common filesystems.
const disallowed = `\/:*?"<>|`

// maxTextLen bounds a substituted {text} variable so a long post body can't
// blow up a filename.
const maxTextLen = 50

// Vars is the substitution context available to a template: not every field
// applies to every target kind.
type Vars struct {
	Nickname  string
	UID       string
	Mid       string
	Bid       string
	Date      time.Time
	Index     int
	Text      string
	Type      string // "picture" or "video"
	Name      string // server-provided base filename, if any
	TopicName string
	Keyword   string
}

// VarsForPost builds Vars shared by every media item in post, within target.
func VarsForPost(target weibo.Target, post weibo.Post) Vars {
	return Vars{
		Nickname:  post.User.Nickname,
		UID:       post.User.UID,
		Mid:       post.Mid,
		Bid:       post.Bid,
		Date:      post.CreatedAt,
		Text:      post.Text,
		TopicName: target.TopicName,
		Keyword:   target.Keyword,
	}
}

// Templater expands directory/filename patterns. The default implementation
// is Default; a CLI-level collaborator may substitute its own.
type Templater interface {
	Dirname(target weibo.Target, pattern string) string
	Filename(v Vars, pattern string) string
}

// Default is the built-in Templater implementation.
type Default struct{}

// DefaultDirPattern returns the built-in directory pattern for a target
// kind: ./{nickname}/ for a user, ./topic/{topic_name}/ for a super topic,
// ./search/{keyword}/ for a search.
func DefaultDirPattern(kind weibo.TargetKind) string {
	switch kind {
	case weibo.TargetSuperTopic:
		return "topic/{topic_name}"
	case weibo.TargetSearch:
		return "search/{keyword}"
	default:
		return "{nickname}"
	}
}

// DefaultFilenamePattern is "{date}_{name}".
const DefaultFilenamePattern = "{date}_{name}"

// Dirname expands pattern (or DefaultDirPattern(target.Kind) if pattern is
// empty) against target. The pattern is split on "/" before expansion and
// each segment is expanded and sanitized independently, so separators
// written in the pattern survive as directory boundaries while any "/" inside
// a substituted value such as {topic_name} or {keyword} is stripped.
func (Default) Dirname(target weibo.Target, pattern string) string {
	if pattern == "" {
		pattern = DefaultDirPattern(target.Kind)
	}
	v := Vars{
		Nickname:  target.Nickname,
		UID:       target.UID,
		TopicName: target.TopicName,
		Keyword:   target.Keyword,
	}
	segments := strings.Split(pattern, "/")
	for i, seg := range segments {
		segments[i] = Sanitize(expand(seg, v), "")
	}
	return strings.Join(segments, "/")
}

// Filename expands pattern (or DefaultFilenamePattern if empty) against v,
// then sanitizes the whole result, falling back to v.Mid if nothing of the
// original substitutions survives.
func (Default) Filename(v Vars, pattern string) string {
	if pattern == "" {
		pattern = DefaultFilenamePattern
	}
	expanded := expand(pattern, v)
	return Sanitize(expanded, v.Mid)
}

// expand substitutes every {var} and {var:arg} token in pattern. Unknown
// variables are left verbatim, matching the teacher's tolerant templating
// style (no hard failure on an unrecognized token).
func expand(pattern string, v Vars) string {
	var b strings.Builder
	i := 0
	for i < len(pattern) {
		if pattern[i] != '{' {
			b.WriteByte(pattern[i])
			i++
			continue
		}
		end := strings.IndexByte(pattern[i:], '}')
		if end < 0 {
			b.WriteString(pattern[i:])
			break
		}
		token := pattern[i+1 : i+end]
		b.WriteString(resolveToken(token, v))
		i += end + 1
	}
	return b.String()
}

func resolveToken(token string, v Vars) string {
	name, arg, hasArg := strings.Cut(token, ":")
	switch name {
	case "nickname":
		return v.Nickname
	case "uid":
		return v.UID
	case "mid":
		return v.Mid
	case "bid":
		return v.Bid
	case "date":
		format := "20060102"
		if hasArg && arg != "" {
			format = pythonDateFormatToGo(arg)
		}
		if v.Date.IsZero() {
			return time.Now().In(weibo.CST).Format(format)
		}
		return v.Date.In(weibo.CST).Format(format)
	case "index":
		pad := 0
		if hasArg {
			pad, _ = strconv.Atoi(arg)
		}
		return fmt.Sprintf("%0*d", pad, v.Index)
	case "text":
		return truncateRunes(v.Text, maxTextLen)
	case "type":
		return v.Type
	case "name":
		return v.Name
	case "topic_name":
		return v.TopicName
	case "keyword":
		return v.Keyword
	default:
		return "{" + token + "}"
	}
}

// pythonDateFormatToGo translates common strftime-style directives a
// date[:FORMAT] template argument might use into Go's reference-time
// layout.
func pythonDateFormatToGo(format string) string {
	replacer := strings.NewReplacer(
		"%Y", "2006", "%m", "01", "%d", "02",
		"%H", "15", "%M", "04", "%S", "05",
	)
	return replacer.Replace(format)
}

func truncateRunes(s string, max int) string {
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	runes := []rune(s)
	return string(runes[:max])
}

// Sanitize strips every character in disallowed from s. It is idempotent:
// sanitizing already-sanitized output is a no-op. If stripping leaves s
// empty and fallback is non-empty, fallback (itself sanitized) is returned
// instead.
func Sanitize(s, fallback string) string {
	var b strings.Builder
	for _, r := range s {
		if strings.ContainsRune(disallowed, r) {
			continue
		}
		b.WriteRune(r)
	}
	out := strings.TrimSpace(b.String())
	if out == "" && fallback != "" {
		return Sanitize(fallback, "")
	}
	return out
}
