package ai

import (
	"fmt"
	"strings"

	"github.com/pkoukk/tiktoken-go"

	"github.com/vanillabrand/fandom/pkg/common"
)

// TokenCounter returns the number of tokens in s.
type TokenCounter func(s string) int

// NewTiktokenCounter returns a counter backed by the named tiktoken encoding.
func NewTiktokenCounter(encoding string) (TokenCounter, error) {
	if encoding == "" {
		encoding = "o200k_base"
	}
	enc, err := tiktoken.GetEncoding(encoding)
	if err != nil {
		return nil, fmt.Errorf("failed to load encoding %s: %w", encoding, err)
	}
	return func(s string) int {
		return len(enc.Encode(s, nil, nil))
	}, nil
}

// formatItem renders one context item as a prompt line.
func formatItem(item common.ContextItem) string {
	detail := strings.ReplaceAll(item.Detail, "\n", " ")
	return fmt.Sprintf("%s | %s | %s | %d | %s", item.Type, item.Name, item.Handle, item.Count, detail)
}

// FitItems renders items in order until the token budget is spent and
// returns the rendered block plus how many items made it in. A budget <= 0
// disables the limit.
func FitItems(items []common.ContextItem, budget int, count TokenCounter) (string, int) {
	var b strings.Builder
	used := 0
	for i, item := range items {
		line := formatItem(item)
		if budget > 0 && count != nil {
			cost := count(line) + 1
			if used+cost > budget {
				return b.String(), i
			}
			used += cost
		}
		b.WriteString(line)
		b.WriteByte('\n')
	}
	return b.String(), len(items)
}
