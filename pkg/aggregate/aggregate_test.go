package aggregate

import (
	"reflect"
	"testing"

	"github.com/vanillabrand/fandom/pkg/common"
)

func TestNormalizeProfileAliases(t *testing.T) {
	tests := []struct {
		name string
		rec  common.RawRecord
		want Profile
	}{
		{
			name: "snake case scraper fields",
			rec: common.RawRecord{
				"username":        "@Alice",
				"full_name":       "Alice A",
				"biography":       "photographer",
				"follower_count":  float64(1200),
				"profile_pic_url": "https://img/a.jpg",
				"is_verified":     true,
			},
			want: Profile{Username: "Alice", FullName: "Alice A", Bio: "photographer", AvatarURL: "https://img/a.jpg", FollowerCount: 1200, Verified: true},
		},
		{
			name: "camel case fields",
			rec: common.RawRecord{
				"ownerUsername":  "bob",
				"fullName":       "Bob",
				"bio":            "runner",
				"followersCount": "12,500",
				"profilePicUrl":  "https://img/b.jpg",
				"isVerified":     false,
			},
			want: Profile{Username: "bob", FullName: "Bob", Bio: "runner", AvatarURL: "https://img/b.jpg", FollowerCount: 12500},
		},
		{
			name: "handle only",
			rec:  common.RawRecord{"handle": "carol", "followers": 7},
			want: Profile{Username: "carol", FollowerCount: 7},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := NormalizeProfile(tt.rec)
			if !reflect.DeepEqual(got, tt.want) {
				t.Fatalf("NormalizeProfile() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		rec  common.RawRecord
		want Kind
	}{
		{"explicit type wins", common.RawRecord{"type": "topic", "username": "x"}, KindTopic},
		{"following list", common.RawRecord{"username": "a", "following": []any{"b"}}, KindConnection},
		{"brand mention", common.RawRecord{"brand": "Nike", "count": 3}, KindBrand},
		{"hashtag", common.RawRecord{"hashtag": "#run"}, KindHashtag},
		{"post", common.RawRecord{"ownerUsername": "a", "caption": "hi @b"}, KindPost},
		{"plain profile", common.RawRecord{"username": "a"}, KindProfile},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.rec); got != tt.want {
				t.Fatalf("Classify() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestMergeNeverDowngrades(t *testing.T) {
	a := New()
	a.Merge("creators", Profile{Username: "Alice", Bio: "short bio", FollowerCount: 100, FullName: "Alice"})
	a.Merge("structure", Profile{Username: "alice", Bio: "a much longer biography", FollowerCount: 999, FullName: "Other"})
	a.Merge("structure", Profile{Username: "@ALICE", Bio: "tiny"})
	a.Merge("trends", Profile{Username: "alice"})

	ent, ok := a.Entity("alice")
	if !ok {
		t.Fatal("expected entity alice")
	}
	if ent.Frequency != 4 {
		t.Fatalf("expected frequency 4, got %d", ent.Frequency)
	}
	if ent.Bio != "a much longer biography" {
		t.Fatalf("expected longest bio, got %q", ent.Bio)
	}
	if ent.FollowerCount != 100 {
		t.Fatalf("expected first follower count to stick, got %d", ent.FollowerCount)
	}
	if ent.FullName != "Alice" {
		t.Fatalf("expected first full name to stick, got %q", ent.FullName)
	}
	if !reflect.DeepEqual(ent.Sources, []string{"creators", "structure", "trends"}) {
		t.Fatalf("unexpected sources %v", ent.Sources)
	}
}

func TestMergeEqualLengthBioKeepsFirst(t *testing.T) {
	a := New()
	a.Merge("creators", Profile{Username: "x", Bio: "abc"})
	a.Merge("creators", Profile{Username: "x", Bio: "xyz"})

	ent, _ := a.Entity("x")
	if ent.Bio != "abc" {
		t.Fatalf("expected first bio to stay, got %q", ent.Bio)
	}
}

func TestMergeSkipsEmptyKey(t *testing.T) {
	a := New()
	if a.Merge("creators", Profile{FullName: "nameless"}) {
		t.Fatal("expected merge without handle to be skipped")
	}
	if len(a.Entities()) != 0 {
		t.Fatalf("expected no entities, got %d", len(a.Entities()))
	}
}

func TestAddRecordSkipsScraperErrors(t *testing.T) {
	a := New()
	a.AddRecord("creators", common.RawRecord{"username": "private_acct", "error": "login required"})
	if len(a.Entities()) != 0 || len(a.ContextItems()) != 0 {
		t.Fatal("expected error placeholder to be skipped")
	}
}

func TestAddRecordsBuildsContextItems(t *testing.T) {
	a := New()
	a.AddRecords("structure", []common.RawRecord{
		{"username": "f1", "following": []any{"nike", map[string]any{"username": "adidas", "biography": "sportswear"}}},
	})
	a.AddRecords("trends", []common.RawRecord{
		{"hashtag": "running", "count": 4},
		{"hashtag": "#Running", "count": 2},
		{"topic": "marathon"},
	})
	a.AddRecords("visual", []common.RawRecord{
		{"brand": "Nike", "count": 0},
	})

	items := a.ContextItems()
	want := []common.ContextItem{
		{Type: "connection", Name: "f1", Handle: "f1", Detail: "follows 2 sampled accounts", Count: 1},
		{Type: "hashtag", Name: "#running", Count: 6},
		{Type: "topic", Name: "marathon", Count: 1},
		{Type: "brand", Name: "Nike", Count: 1},
	}
	if !reflect.DeepEqual(items, want) {
		t.Fatalf("ContextItems() = %+v, want %+v", items, want)
	}

	ent, ok := a.Entity("adidas")
	if !ok || ent.Bio != "sportswear" {
		t.Fatalf("expected nested following profile to merge, got %+v", ent)
	}
	if len(a.Entities()) != 3 {
		t.Fatalf("expected 3 entities, got %d", len(a.Entities()))
	}
}

func TestEntitiesOrderIndependent(t *testing.T) {
	batches := map[string][]common.RawRecord{
		"creators": {{"username": "a", "biography": "one"}, {"username": "b"}},
		"trends":   {{"ownerUsername": "a", "caption": "hello", "taggedUsers": []any{"c"}}},
	}

	first := New()
	first.AddRecords("creators", batches["creators"])
	first.AddRecords("trends", batches["trends"])

	second := New()
	second.AddRecords("trends", batches["trends"])
	second.AddRecords("creators", batches["creators"])

	key := func(ents []common.CanonicalEntity) map[string]int {
		out := make(map[string]int)
		for _, e := range ents {
			out[e.Key] = e.Frequency
		}
		return out
	}
	if !reflect.DeepEqual(key(first.Entities()), key(second.Entities())) {
		t.Fatalf("frequencies differ by order: %v vs %v", key(first.Entities()), key(second.Entities()))
	}
}
