// Package overindex finds accounts a sampled audience follows far more often
// than a baseline population would, classifies them and groups the ones that
// tend to be followed together.
package overindex

import (
	"fmt"
	"sort"

	"github.com/vanillabrand/fandom/pkg/aggregate"
	"github.com/vanillabrand/fandom/pkg/common"
)

// Provenance values for a Report.
const (
	SourceFollowing = "following"
	SourcePosts     = "posts"
)

// Config holds the tunables of an Engine. Zero values fall back to defaults.
type Config struct {
	Baseline             float64
	MinScore             float64
	TopN                 int
	MinClusterSize       int
	ClusterThreshold     float64
	BrandFollowerFloor   int64
	CreatorFollowerFloor int64
	MediaKeywords        []string
	BrandKeywords        []string
	CreatorKeywords      []string
}

// DefaultConfig returns the standard thresholds.
func DefaultConfig() Config {
	return Config{
		Baseline:             0.01,
		MinScore:             3.0,
		TopN:                 50,
		MinClusterSize:       3,
		ClusterThreshold:     0.10,
		BrandFollowerFloor:   50_000,
		CreatorFollowerFloor: 5_000,
		MediaKeywords:        DefaultMediaKeywords,
		BrandKeywords:        DefaultBrandKeywords,
		CreatorKeywords:      DefaultCreatorKeywords,
	}
}

// FollowingList is the set of accounts one sampled member follows.
type FollowingList struct {
	Owner     string
	Following []aggregate.Profile
}

// Report is the outcome of one analysis.
type Report struct {
	SampleSize  int                         `json:"sample_size"`
	Source      string                      `json:"source"`
	Accounts    []common.OverindexedAccount `json:"accounts"`
	TopCreators []common.OverindexedAccount `json:"top_creators"`
	TopBrands   []common.OverindexedAccount `json:"top_brands"`
	TopMedia    []common.OverindexedAccount `json:"top_media"`
	Clusters    []common.Cluster            `json:"clusters"`
}

// Engine scores following lists. It holds no state between calls.
type Engine struct {
	cfg        Config
	classifier Classifier
}

// New returns an Engine for cfg.
func New(cfg Config) *Engine {
	def := DefaultConfig()
	if cfg.Baseline <= 0 {
		cfg.Baseline = def.Baseline
	}
	if cfg.MinScore <= 0 {
		cfg.MinScore = def.MinScore
	}
	if cfg.TopN <= 0 {
		cfg.TopN = def.TopN
	}
	if cfg.MinClusterSize <= 0 {
		cfg.MinClusterSize = def.MinClusterSize
	}
	if cfg.ClusterThreshold <= 0 {
		cfg.ClusterThreshold = def.ClusterThreshold
	}
	if cfg.BrandFollowerFloor <= 0 {
		cfg.BrandFollowerFloor = def.BrandFollowerFloor
	}
	if cfg.CreatorFollowerFloor <= 0 {
		cfg.CreatorFollowerFloor = def.CreatorFollowerFloor
	}
	if cfg.MediaKeywords == nil {
		cfg.MediaKeywords = def.MediaKeywords
	}
	if cfg.BrandKeywords == nil {
		cfg.BrandKeywords = def.BrandKeywords
	}
	if cfg.CreatorKeywords == nil {
		cfg.CreatorKeywords = def.CreatorKeywords
	}
	return &Engine{cfg: cfg, classifier: newClassifier(cfg)}
}

// Classifier exposes the engine's category rules.
func (e *Engine) Classifier() Classifier {
	return e.classifier
}

// AnalyzeRecords derives following lists from raw mined records and scores
// them. When no record carries a following list, posts are used instead:
// each author's mentions and tagged users form one list.
func (e *Engine) AnalyzeRecords(records []common.RawRecord, sampleSize int) Report {
	lists := ListsFromRecords(records)
	source := SourceFollowing
	if len(lists) == 0 {
		lists = ListsFromPosts(records)
		source = SourcePosts
	}
	report := e.Analyze(lists, sampleSize)
	report.Source = source
	if source == SourcePosts {
		relabel := func(accounts []common.OverindexedAccount) {
			for i := range accounts {
				accounts[i].Provenance = fmt.Sprintf("mentioned or tagged by %d of %d sampled authors", accounts[i].Frequency, report.SampleSize)
			}
		}
		relabel(report.Accounts)
		relabel(report.TopCreators)
		relabel(report.TopBrands)
		relabel(report.TopMedia)
	}
	return report
}

// Analyze scores every followed account. sampleSize <= 0 means the number of
// lists. An account counts once per list no matter how often it repeats.
func (e *Engine) Analyze(lists []FollowingList, sampleSize int) Report {
	if sampleSize <= 0 {
		sampleSize = len(lists)
	}
	report := Report{
		SampleSize:  sampleSize,
		Source:      SourceFollowing,
		Accounts:    []common.OverindexedAccount{},
		TopCreators: []common.OverindexedAccount{},
		TopBrands:   []common.OverindexedAccount{},
		TopMedia:    []common.OverindexedAccount{},
		Clusters:    []common.Cluster{},
	}
	if sampleSize == 0 {
		return report
	}

	profiles := aggregate.New()
	freq := make(map[string]int)
	deduped := make([][]string, 0, len(lists))

	for _, list := range lists {
		seen := make(map[string]struct{}, len(list.Following))
		keys := make([]string, 0, len(list.Following))
		for _, p := range list.Following {
			key := p.Key()
			if key == "" {
				continue
			}
			profiles.Merge(list.Owner, p)
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}
			keys = append(keys, key)
			freq[key]++
		}
		deduped = append(deduped, keys)
	}

	for key, f := range freq {
		pct := float64(f) / float64(sampleSize)
		score := pct / e.cfg.Baseline
		if score < e.cfg.MinScore {
			continue
		}

		ent, _ := profiles.Entity(key)
		p := aggregate.Profile{
			Username:      ent.Username,
			FullName:      ent.FullName,
			Bio:           ent.Bio,
			FollowerCount: ent.FollowerCount,
			Verified:      ent.Verified,
		}
		report.Accounts = append(report.Accounts, common.OverindexedAccount{
			Username:       ent.Username,
			FullName:       ent.FullName,
			Category:       e.classifier.Classify(p),
			Frequency:      f,
			Percentage:     pct,
			OverindexScore: score,
			Provenance:     fmt.Sprintf("followed by %d of %d sampled accounts", f, sampleSize),
			FollowerCount:  ent.FollowerCount,
			Bio:            ent.Bio,
		})
	}

	sort.Slice(report.Accounts, func(i, j int) bool {
		a, b := report.Accounts[i], report.Accounts[j]
		if a.OverindexScore != b.OverindexScore {
			return a.OverindexScore > b.OverindexScore
		}
		return a.Username < b.Username
	})
	if len(report.Accounts) > e.cfg.TopN {
		report.Accounts = report.Accounts[:e.cfg.TopN]
	}

	for _, a := range report.Accounts {
		switch a.Category {
		case common.CategoryCreator:
			report.TopCreators = append(report.TopCreators, a)
		case common.CategoryBrand:
			report.TopBrands = append(report.TopBrands, a)
		case common.CategoryMedia:
			report.TopMedia = append(report.TopMedia, a)
		}
	}

	report.Clusters = e.cluster(report.Accounts, deduped, sampleSize)
	return report
}
