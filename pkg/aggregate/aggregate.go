package aggregate

import (
	"fmt"
	"slices"
	"sort"
	"strings"

	"github.com/vanillabrand/fandom/pkg/common"
)

// Aggregator folds mined records into canonical entities and context items.
// It is not safe for concurrent use; the coordinator feeds it from a single
// goroutine in a fixed subtask order.
type Aggregator struct {
	entities map[string]*common.CanonicalEntity
	items    []common.ContextItem
	itemIdx  map[string]int
}

// New returns an empty Aggregator.
func New() *Aggregator {
	return &Aggregator{
		entities: make(map[string]*common.CanonicalEntity),
		itemIdx:  make(map[string]int),
	}
}

// AddRecords classifies and merges every record of one source.
func (a *Aggregator) AddRecords(source string, records []common.RawRecord) {
	for _, rec := range records {
		a.AddRecord(source, rec)
	}
}

// AddRecord merges a single raw record. Scraper error placeholders are skipped.
func (a *Aggregator) AddRecord(source string, rec common.RawRecord) {
	if stringField(rec, "error") != "" {
		return
	}
	switch Classify(rec) {
	case KindConnection:
		p := NormalizeProfile(rec)
		if a.Merge(source, p) {
			a.addItem(KindConnection, p.Username, p.Username, fmt.Sprintf("follows %d sampled accounts", len(FollowingOf(rec))), 1)
		}
		for _, followed := range FollowingOf(rec) {
			a.Merge(source, followed)
		}
	case KindBrand:
		name, count := BrandOf(rec)
		if name == "" {
			return
		}
		a.addItem(KindBrand, name, stringField(rec, usernameKeys...), "", max(count, 1))
	case KindHashtag:
		name, count := TopicOf(rec)
		if name == "" {
			return
		}
		if !strings.HasPrefix(name, "#") {
			name = "#" + name
		}
		a.addItem(KindHashtag, name, "", "", max(count, 1))
	case KindTopic:
		name, count := TopicOf(rec)
		if name == "" {
			return
		}
		a.addItem(KindTopic, name, "", "", max(count, 1))
	case KindPost:
		owner := NormalizeProfile(rec)
		if a.Merge(source, owner) {
			a.addItem(KindPost, owner.Username, owner.Username, truncate(CaptionOf(rec), 160), 1)
		}
		for _, tagged := range TaggedOf(rec) {
			a.Merge(source, Profile{Username: tagged})
		}
	default:
		p := NormalizeProfile(rec)
		if a.Merge(source, p) {
			a.addItem(KindProfile, displayName(p), p.Username, truncate(p.Bio, 160), 1)
		}
	}
}

// Merge folds a profile into its canonical entity. It returns false when
// the profile carries no usable handle.
//
// Fields are only filled when absent, except the biography, which is
// replaced by a strictly longer one. Frequency always increments and
// sources behave as a set.
func (a *Aggregator) Merge(source string, p Profile) bool {
	key := p.Key()
	if key == "" {
		return false
	}

	ent, ok := a.entities[key]
	if !ok {
		ent = &common.CanonicalEntity{
			Key:      key,
			Username: strings.TrimPrefix(strings.TrimSpace(p.Username), "@"),
			Sources:  []string{},
		}
		a.entities[key] = ent
	}

	ent.Frequency++
	if source != "" && !slices.Contains(ent.Sources, source) {
		ent.Sources = append(ent.Sources, source)
	}

	if ent.FullName == "" && p.FullName != "" {
		ent.FullName = p.FullName
	}
	if ent.AvatarURL == "" && p.AvatarURL != "" {
		ent.AvatarURL = p.AvatarURL
	}
	if ent.FollowerCount == 0 && p.FollowerCount > 0 {
		ent.FollowerCount = p.FollowerCount
	}
	if ent.FollowingCount == 0 && p.FollowingCount > 0 {
		ent.FollowingCount = p.FollowingCount
	}
	if !ent.Verified && p.Verified {
		ent.Verified = true
	}
	if len(p.Bio) > len(ent.Bio) {
		ent.Bio = p.Bio
	}

	return true
}

// Entity returns the canonical entity for a handle, if known.
func (a *Aggregator) Entity(handle string) (common.CanonicalEntity, bool) {
	ent, ok := a.entities[NormalizeHandle(handle)]
	if !ok {
		return common.CanonicalEntity{}, false
	}
	return *ent, true
}

// Entities returns all canonical entities ordered by frequency, then key.
func (a *Aggregator) Entities() []common.CanonicalEntity {
	out := make([]common.CanonicalEntity, 0, len(a.entities))
	for _, ent := range a.entities {
		cp := *ent
		cp.Sources = slices.Clone(ent.Sources)
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Frequency != out[j].Frequency {
			return out[i].Frequency > out[j].Frequency
		}
		return out[i].Key < out[j].Key
	})
	return out
}

// ContextItems returns one item per distinct signal in first-seen order.
func (a *Aggregator) ContextItems() []common.ContextItem {
	return slices.Clone(a.items)
}

func (a *Aggregator) addItem(kind Kind, name, handle, detail string, count int) {
	id := string(kind) + ":" + strings.ToLower(name)
	if idx, ok := a.itemIdx[id]; ok {
		a.items[idx].Count += count
		if len(detail) > len(a.items[idx].Detail) {
			a.items[idx].Detail = detail
		}
		return
	}
	a.itemIdx[id] = len(a.items)
	a.items = append(a.items, common.ContextItem{
		Type:   string(kind),
		Name:   name,
		Handle: handle,
		Detail: detail,
		Count:  count,
	})
}

func displayName(p Profile) string {
	if p.FullName != "" {
		return p.FullName
	}
	return p.Username
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
