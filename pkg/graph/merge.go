package graph

import (
	"github.com/vanillabrand/fandom/pkg/common"
)

// mergeLinks collapses links sharing the same source and target into one,
// summing their weights. First-seen order is kept.
func mergeLinks(links []common.Link) []common.Link {
	type pair struct{ source, target string }

	idx := make(map[pair]int, len(links))
	out := links[:0]
	for _, link := range links {
		key := pair{link.Source, link.Target}
		if j, found := idx[key]; found {
			out[j].Value += link.Value
			continue
		}
		idx[key] = len(out)
		out = append(out, link)
	}
	return out
}
