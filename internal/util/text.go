package util

import (
	"strings"

	"github.com/vanillabrand/fandom/pkg/common"
)

// SanitizePostgresText drops invalid UTF-8 and NUL bytes, which Postgres
// rejects in text and jsonb values.
func SanitizePostgresText(value string) string {
	if value == "" {
		return value
	}

	sanitized := strings.ToValidUTF8(value, "")
	return strings.ReplaceAll(sanitized, "\x00", "")
}

// NormalizeQuery sanitizes a search query and collapses runs of whitespace.
func NormalizeQuery(value string) string {
	return strings.Join(strings.Fields(SanitizePostgresText(value)), " ")
}

// SanitizeRecords applies SanitizePostgresText to every string, map key
// included, nested anywhere in records. Records are modified in place.
func SanitizeRecords(records []common.RawRecord) {
	for i, rec := range records {
		records[i] = sanitizeValue(map[string]any(rec)).(map[string]any)
	}
}

func sanitizeValue(v any) any {
	switch t := v.(type) {
	case string:
		return SanitizePostgresText(t)
	case []any:
		for i := range t {
			t[i] = sanitizeValue(t[i])
		}
		return t
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[SanitizePostgresText(k)] = sanitizeValue(val)
		}
		return out
	}
	return v
}
