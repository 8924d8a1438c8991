package overindex

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/vanillabrand/fandom/pkg/aggregate"
	"github.com/vanillabrand/fandom/pkg/common"
)

var stopwords = map[string]struct{}{
	"the": {}, "and": {}, "for": {}, "with": {}, "from": {}, "your": {}, "this": {},
	"that": {}, "our": {}, "you": {}, "are": {}, "all": {}, "www": {}, "http": {},
	"https": {}, "com": {}, "not": {}, "but": {}, "have": {}, "has": {}, "was": {},
	"more": {}, "into": {}, "just": {}, "about": {}, "what": {}, "here": {},
}

// cluster groups kept accounts whose pairwise co-occurrence across following
// lists exceeds the configured share of the sample. Groups are the connected
// components of that relation; components below the minimum size are dropped.
func (e *Engine) cluster(accounts []common.OverindexedAccount, lists [][]string, sampleSize int) []common.Cluster {
	if len(accounts) < e.cfg.MinClusterSize {
		return []common.Cluster{}
	}

	index := make(map[string]int, len(accounts))
	for i, a := range accounts {
		index[aggregate.NormalizeHandle(a.Username)] = i
	}

	// co-occurrence counts over kept accounts only
	type pair struct{ a, b int }
	counts := make(map[pair]int)
	for _, list := range lists {
		members := make([]int, 0, len(list))
		for _, key := range list {
			if i, ok := index[key]; ok {
				members = append(members, i)
			}
		}
		sort.Ints(members)
		for x := 0; x < len(members); x++ {
			for y := x + 1; y < len(members); y++ {
				counts[pair{members[x], members[y]}]++
			}
		}
	}

	parent := make([]int, len(accounts))
	for i := range parent {
		parent[i] = i
	}
	find := func(i int) int {
		for parent[i] != i {
			parent[i] = parent[parent[i]]
			i = parent[i]
		}
		return i
	}

	threshold := e.cfg.ClusterThreshold * float64(sampleSize)
	for p, c := range counts {
		if float64(c) <= threshold {
			continue
		}
		ra, rb := find(p.a), find(p.b)
		if ra == rb {
			continue
		}
		// lower index becomes the root so the result does not depend on map order
		if ra < rb {
			parent[rb] = ra
		} else {
			parent[ra] = rb
		}
	}

	groups := make(map[int][]int)
	for i := range accounts {
		r := find(i)
		groups[r] = append(groups[r], i)
	}

	roots := make([]int, 0, len(groups))
	for r, members := range groups {
		if len(members) >= e.cfg.MinClusterSize {
			roots = append(roots, r)
		}
	}
	sort.Slice(roots, func(i, j int) bool {
		gi, gj := groups[roots[i]], groups[roots[j]]
		if len(gi) != len(gj) {
			return len(gi) > len(gj)
		}
		return roots[i] < roots[j]
	})

	clusters := make([]common.Cluster, 0, len(roots))
	for n, r := range roots {
		members := groups[r]
		category := majorityCategory(accounts, members)

		handles := make([]string, 0, len(members))
		bios := make([]string, 0, len(members))
		for _, i := range members {
			handles = append(handles, accounts[i].Username)
			bios = append(bios, accounts[i].Bio)
		}

		label := sharedKeyword(bios)
		if label == "" {
			label = fmt.Sprintf("%s Group %d", titleCase(string(category)), n+1)
		} else {
			label = titleCase(label)
		}

		clusters = append(clusters, common.Cluster{
			ID:       strconv.Itoa(n),
			Label:    label,
			Category: category,
			Members:  handles,
		})
	}
	return clusters
}

func majorityCategory(accounts []common.OverindexedAccount, members []int) common.Category {
	order := []common.Category{common.CategoryCreator, common.CategoryBrand, common.CategoryMedia, common.CategoryOther}
	counts := make(map[common.Category]int, len(order))
	for _, i := range members {
		counts[accounts[i].Category]++
	}
	best := common.CategoryOther
	bestCount := 0
	for _, c := range order {
		if counts[c] > bestCount {
			best, bestCount = c, counts[c]
		}
	}
	return best
}

// sharedKeyword returns the most frequent bio word carried by at least half
// of the bios, or "" when none qualifies. Ties resolve alphabetically.
func sharedKeyword(bios []string) string {
	counts := make(map[string]int)
	for _, bio := range bios {
		for token := range tokenSet(bio) {
			if len(token) < 4 {
				continue
			}
			if _, stop := stopwords[token]; stop {
				continue
			}
			if _, err := strconv.Atoi(token); err == nil {
				continue
			}
			counts[token]++
		}
	}

	best, bestCount := "", 0
	for token, c := range counts {
		if c > bestCount || (c == bestCount && token < best) {
			best, bestCount = token, c
		}
	}
	if bestCount*2 < len(bios) || bestCount == 0 {
		return ""
	}
	return best
}

func titleCase(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}
