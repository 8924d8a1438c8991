package overindex

import (
	"regexp"
	"strings"

	"github.com/vanillabrand/fandom/pkg/aggregate"
	"github.com/vanillabrand/fandom/pkg/common"
)

var (
	DefaultMediaKeywords = []string{
		"news", "magazine", "media", "journal", "journalism", "tv", "radio", "podcast",
		"press", "daily", "times", "network", "broadcast", "editorial", "publication",
	}
	DefaultBrandKeywords = []string{
		"shop", "store", "brand", "official", "company", "inc", "ltd", "llc", "apparel",
		"collection", "shipping", "worldwide", "order", "boutique", "clothing", "products",
	}
	DefaultCreatorKeywords = []string{
		"creator", "influencer", "blogger", "vlogger", "youtuber", "artist", "photographer",
		"athlete", "coach", "model", "musician", "writer", "designer", "chef", "collab",
		"content creator", "dm for collabs",
	}
)

var tokenPattern = regexp.MustCompile(`[a-z0-9]+`)

// Classifier assigns a category to an account profile.
type Classifier struct {
	media                []string
	brand                []string
	creator              []string
	brandFollowerFloor   int64
	creatorFollowerFloor int64
}

func newClassifier(cfg Config) Classifier {
	return Classifier{
		media:                cfg.MediaKeywords,
		brand:                cfg.BrandKeywords,
		creator:              cfg.CreatorKeywords,
		brandFollowerFloor:   cfg.BrandFollowerFloor,
		creatorFollowerFloor: cfg.CreatorFollowerFloor,
	}
}

// Classify applies the rules in order; the first match wins.
func (c Classifier) Classify(p aggregate.Profile) common.Category {
	bio := strings.ToLower(p.Bio)
	name := strings.ToLower(p.FullName)
	user := strings.ToLower(p.Username)

	if matchAny(c.media, bio, name) || matchHandle(c.media, user) {
		return common.CategoryMedia
	}
	if matchAny(c.brand, bio, name) || (p.Verified && p.FollowerCount > c.brandFollowerFloor) {
		return common.CategoryBrand
	}
	if matchAny(c.creator, bio) {
		return common.CategoryCreator
	}
	if p.FollowerCount > c.creatorFollowerFloor {
		return common.CategoryCreator
	}
	return common.CategoryOther
}

// matchAny reports whether any keyword occurs in any text. Single words must
// match a whole token; phrases match as substrings.
func matchAny(keywords []string, texts ...string) bool {
	for _, text := range texts {
		if text == "" {
			continue
		}
		tokens := tokenSet(text)
		for _, kw := range keywords {
			if strings.Contains(kw, " ") {
				if strings.Contains(text, kw) {
					return true
				}
				continue
			}
			if _, ok := tokens[kw]; ok {
				return true
			}
		}
	}
	return false
}

// matchHandle checks handles, which are usually concatenated words, by
// substring. Keywords shorter than four letters are skipped.
func matchHandle(keywords []string, handle string) bool {
	if handle == "" {
		return false
	}
	for _, kw := range keywords {
		if len(kw) >= 4 && !strings.Contains(kw, " ") && strings.Contains(handle, kw) {
			return true
		}
	}
	return false
}

func tokenSet(text string) map[string]struct{} {
	tokens := tokenPattern.FindAllString(strings.ToLower(text), -1)
	set := make(map[string]struct{}, len(tokens))
	for _, t := range tokens {
		set[t] = struct{}{}
	}
	return set
}
