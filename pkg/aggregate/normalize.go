package aggregate

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/vanillabrand/fandom/pkg/common"
)

// Kind is the origin type of a mined record.
type Kind string

const (
	KindProfile    Kind = "creator"
	KindConnection Kind = "connection"
	KindTopic      Kind = "topic"
	KindHashtag    Kind = "hashtag"
	KindBrand      Kind = "brand"
	KindPost       Kind = "post"
)

// Profile is the canonical field set of one account after alias
// normalization. Nothing past this package reads raw record keys.
type Profile struct {
	Username       string
	FullName       string
	Bio            string
	AvatarURL      string
	FollowerCount  int64
	FollowingCount int64
	Verified       bool
}

// Key returns the dedup key, or "" when the profile has no handle.
func (p Profile) Key() string {
	return NormalizeHandle(p.Username)
}

var (
	usernameKeys  = []string{"username", "userName", "handle", "ownerUsername", "owner_username", "owner", "screen_name"}
	fullNameKeys  = []string{"full_name", "fullName", "name", "displayName", "display_name"}
	bioKeys       = []string{"biography", "bio", "description"}
	avatarKeys    = []string{"profile_pic_url_hd", "profilePicUrlHD", "profile_pic_url", "profilePicUrl", "avatar", "avatarUrl", "avatar_url"}
	followerKeys  = []string{"follower_count", "followerCount", "followersCount", "followers_count", "followers"}
	followingKeys = []string{"following_count", "followingCount", "followsCount", "follows_count"}
	verifiedKeys  = []string{"is_verified", "isVerified", "verified"}
	followingList = []string{"following", "followings", "follows", "following_list", "followingList"}
	captionKeys   = []string{"caption", "text", "alt"}
	taggedKeys    = []string{"taggedUsers", "tagged_users", "usertags", "mentions"}
	brandKeys     = []string{"brand", "brandName", "brand_name", "logo"}
	hashtagKeys   = []string{"hashtag", "tag"}
	topicKeys     = []string{"topic", "trend", "keyword"}
	countKeys     = []string{"count", "occurrences", "frequency", "postsCount", "posts_count", "volume"}
)

// NormalizeHandle lowercases a handle and strips a leading "@".
func NormalizeHandle(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "@")
	return strings.ToLower(s)
}

// NormalizeProfile maps every known alias of a raw record onto Profile.
func NormalizeProfile(rec common.RawRecord) Profile {
	p := Profile{
		Username:       stringField(rec, usernameKeys...),
		FullName:       stringField(rec, fullNameKeys...),
		Bio:            stringField(rec, bioKeys...),
		AvatarURL:      stringField(rec, avatarKeys...),
		FollowerCount:  intField(rec, followerKeys...),
		FollowingCount: intField(rec, followingKeys...),
		Verified:       boolField(rec, verifiedKeys...),
	}
	p.Username = strings.TrimPrefix(strings.TrimSpace(p.Username), "@")
	return p
}

// Classify decides the origin type of a raw record. An explicit "type" field
// wins; otherwise the shape of the record decides.
func Classify(rec common.RawRecord) Kind {
	switch strings.ToLower(stringField(rec, "type", "kind")) {
	case "topic", "trend":
		return KindTopic
	case "hashtag":
		return KindHashtag
	case "brand", "logo":
		return KindBrand
	case "post", "image", "video", "reel", "sidecar":
		return KindPost
	case "connection", "follower":
		return KindConnection
	case "creator", "profile", "user":
		return KindProfile
	}

	if hasAny(rec, followingList...) {
		return KindConnection
	}
	if hasAny(rec, brandKeys...) {
		return KindBrand
	}
	if hasAny(rec, hashtagKeys...) {
		return KindHashtag
	}
	if hasAny(rec, topicKeys...) {
		return KindTopic
	}
	if hasAny(rec, captionKeys...) || hasAny(rec, taggedKeys...) {
		return KindPost
	}
	return KindProfile
}

// FollowingOf returns the accounts listed in a connection record.
// Entries may be bare handles or nested profile objects.
func FollowingOf(rec common.RawRecord) []Profile {
	raw, ok := firstValue(rec, followingList...)
	if !ok {
		return nil
	}
	items, ok := raw.([]any)
	if !ok {
		return nil
	}

	out := make([]Profile, 0, len(items))
	for _, item := range items {
		switch v := item.(type) {
		case string:
			out = append(out, Profile{Username: strings.TrimPrefix(strings.TrimSpace(v), "@")})
		case map[string]any:
			out = append(out, NormalizeProfile(common.RawRecord(v)))
		case common.RawRecord:
			out = append(out, NormalizeProfile(v))
		}
	}
	return out
}

// TaggedOf returns the handles tagged on a post record.
func TaggedOf(rec common.RawRecord) []string {
	raw, ok := firstValue(rec, taggedKeys...)
	if !ok {
		return nil
	}
	items, ok := raw.([]any)
	if !ok {
		if s, isString := raw.([]string); isString {
			return s
		}
		return nil
	}

	out := make([]string, 0, len(items))
	for _, item := range items {
		switch v := item.(type) {
		case string:
			out = append(out, v)
		case map[string]any:
			if name := stringField(common.RawRecord(v), usernameKeys...); name != "" {
				out = append(out, name)
			}
		}
	}
	return out
}

// CaptionOf returns the free text of a post record.
func CaptionOf(rec common.RawRecord) string {
	return stringField(rec, captionKeys...)
}

// BrandOf returns the brand name and occurrence count of a visual mention.
func BrandOf(rec common.RawRecord) (string, int) {
	name := stringField(rec, brandKeys...)
	if name == "" {
		name = stringField(rec, "name", "label")
	}
	return strings.TrimSpace(name), int(intField(rec, countKeys...))
}

// TopicOf returns the topic or hashtag label and its count.
func TopicOf(rec common.RawRecord) (string, int) {
	name := stringField(rec, hashtagKeys...)
	if name == "" {
		name = stringField(rec, topicKeys...)
	}
	if name == "" {
		name = stringField(rec, "name", "label", "title")
	}
	return strings.TrimSpace(name), int(intField(rec, countKeys...))
}

func hasAny(rec common.RawRecord, keys ...string) bool {
	_, ok := firstValue(rec, keys...)
	return ok
}

func firstValue(rec common.RawRecord, keys ...string) (any, bool) {
	for _, k := range keys {
		if v, ok := rec[k]; ok && v != nil {
			return v, true
		}
	}
	return nil, false
}

func stringField(rec common.RawRecord, keys ...string) string {
	for _, k := range keys {
		v, ok := rec[k]
		if !ok || v == nil {
			continue
		}
		switch s := v.(type) {
		case string:
			if s = strings.TrimSpace(s); s != "" {
				return s
			}
		case fmt.Stringer:
			if str := strings.TrimSpace(s.String()); str != "" {
				return str
			}
		}
	}
	return ""
}

func intField(rec common.RawRecord, keys ...string) int64 {
	for _, k := range keys {
		v, ok := rec[k]
		if !ok || v == nil {
			continue
		}
		switch n := v.(type) {
		case int:
			return int64(n)
		case int32:
			return int64(n)
		case int64:
			return n
		case float64:
			return int64(n)
		case float32:
			return int64(n)
		case json.Number:
			if i, err := n.Int64(); err == nil {
				return i
			}
			if f, err := n.Float64(); err == nil {
				return int64(f)
			}
		case string:
			cleaned := strings.ReplaceAll(strings.TrimSpace(n), ",", "")
			if i, err := strconv.ParseInt(cleaned, 10, 64); err == nil {
				return i
			}
		}
	}
	return 0
}

func boolField(rec common.RawRecord, keys ...string) bool {
	for _, k := range keys {
		v, ok := rec[k]
		if !ok || v == nil {
			continue
		}
		switch b := v.(type) {
		case bool:
			return b
		case string:
			return b == "true"
		}
	}
	return false
}
