package overindex

import (
	"regexp"
	"sort"
	"strings"

	"github.com/vanillabrand/fandom/pkg/aggregate"
	"github.com/vanillabrand/fandom/pkg/common"
)

var mentionPattern = regexp.MustCompile(`@([A-Za-z0-9._]+)`)

// ListsFromRecords returns one following list per connection record.
func ListsFromRecords(records []common.RawRecord) []FollowingList {
	lists := make([]FollowingList, 0)
	for _, rec := range records {
		if aggregate.Classify(rec) != aggregate.KindConnection {
			continue
		}
		owner := aggregate.NormalizeProfile(rec)
		lists = append(lists, FollowingList{
			Owner:     owner.Key(),
			Following: aggregate.FollowingOf(rec),
		})
	}
	return lists
}

// ListsFromPosts builds one list per post author from the @mentions in the
// captions and the tagged users of all their posts. Lists are ordered by
// author so repeated runs match.
func ListsFromPosts(records []common.RawRecord) []FollowingList {
	byAuthor := make(map[string][]aggregate.Profile)
	for _, rec := range records {
		if aggregate.Classify(rec) != aggregate.KindPost {
			continue
		}
		author := aggregate.NormalizeProfile(rec).Key()
		if author == "" {
			continue
		}

		refs := byAuthor[author]
		for _, m := range mentionPattern.FindAllStringSubmatch(aggregate.CaptionOf(rec), -1) {
			handle := strings.TrimRight(m[1], ".")
			if aggregate.NormalizeHandle(handle) == author {
				continue
			}
			refs = append(refs, aggregate.Profile{Username: handle})
		}
		for _, tagged := range aggregate.TaggedOf(rec) {
			if aggregate.NormalizeHandle(tagged) == author {
				continue
			}
			refs = append(refs, aggregate.Profile{Username: tagged})
		}
		byAuthor[author] = refs
	}

	authors := make([]string, 0, len(byAuthor))
	for a := range byAuthor {
		authors = append(authors, a)
	}
	sort.Strings(authors)

	lists := make([]FollowingList, 0, len(authors))
	for _, a := range authors {
		lists = append(lists, FollowingList{Owner: a, Following: byAuthor[a]})
	}
	return lists
}
