// Package loader reads exported mining results back into raw records. It
// understands JSON arrays, JSON lines, {"items": [...]} envelopes and CSV
// exports with a header row.
package loader

import (
	"bufio"
	"bytes"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/vanillabrand/fandom/pkg/common"
)

type Format string

const (
	FormatAuto  Format = ""
	FormatJSON  Format = "json"
	FormatJSONL Format = "jsonl"
	FormatCSV   Format = "csv"
)

var ErrEmpty = errors.New("input contains no records")

// listColumns hold several handles in one CSV cell.
var listColumns = map[string]bool{
	"following":   true,
	"followings":  true,
	"taggedusers": true,
	"tagged":      true,
	"mentions":    true,
	"hashtags":    true,
}

// FormatFromPath guesses the format from a file extension.
func FormatFromPath(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".csv":
		return FormatCSV
	case ".jsonl", ".ndjson":
		return FormatJSONL
	case ".json":
		return FormatJSON
	}
	return FormatAuto
}

// Load reads all records from r. FormatAuto sniffs the first non-space
// byte: '[' or '{' is JSON, anything else CSV.
func Load(r io.Reader, format Format) ([]common.RawRecord, error) {
	content, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read input: %w", err)
	}
	trimmed := bytes.TrimSpace(content)
	if len(trimmed) == 0 {
		return nil, ErrEmpty
	}

	if format == FormatAuto {
		switch trimmed[0] {
		case '[':
			format = FormatJSON
		case '{':
			format = FormatJSON
			if isJSONLines(trimmed) {
				format = FormatJSONL
			}
		default:
			format = FormatCSV
		}
	}

	var records []common.RawRecord
	switch format {
	case FormatJSON:
		records, err = parseJSON(trimmed)
	case FormatJSONL:
		records, err = parseJSONLines(trimmed)
	case FormatCSV:
		records, err = ParseCSV(trimmed)
	default:
		return nil, fmt.Errorf("unknown format %q", format)
	}
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, ErrEmpty
	}
	return records, nil
}

// isJSONLines reports whether content holds more than one top level value.
func isJSONLines(content []byte) bool {
	dec := json.NewDecoder(bytes.NewReader(content))
	var first json.RawMessage
	if err := dec.Decode(&first); err != nil {
		return false
	}
	return dec.More()
}

func parseJSON(content []byte) ([]common.RawRecord, error) {
	if content[0] == '[' {
		var records []common.RawRecord
		if err := json.Unmarshal(content, &records); err != nil {
			return nil, fmt.Errorf("failed to decode records: %w", err)
		}
		return records, nil
	}
	var data common.MinedData
	if err := json.Unmarshal(content, &data); err != nil {
		return nil, fmt.Errorf("failed to decode records: %w", err)
	}
	return data.Items, nil
}

func parseJSONLines(content []byte) ([]common.RawRecord, error) {
	var records []common.RawRecord
	scanner := bufio.NewScanner(bytes.NewReader(content))
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		text := bytes.TrimSpace(scanner.Bytes())
		if len(text) == 0 {
			continue
		}
		rec := common.RawRecord{}
		if err := json.Unmarshal(text, &rec); err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		records = append(records, rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return records, nil
}

// ParseCSV turns a CSV export into records keyed by the header row. Blank
// rows and rows that fail to parse are skipped. List columns such as
// "following" are split on ';' or '|'. Count columns become numbers and
// is_* columns booleans; everything else stays text so numeric handles
// are not mangled.
func ParseCSV(content []byte) ([]common.RawRecord, error) {
	reader := csv.NewReader(bytes.NewReader(content))
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read CSV header: %w", err)
	}
	for i, h := range header {
		header[i] = strings.TrimSpace(strings.TrimPrefix(h, "\ufeff"))
	}

	var records []common.RawRecord
	for {
		row, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			continue
		}

		rec := common.RawRecord{}
		for i, field := range row {
			if i >= len(header) || header[i] == "" {
				continue
			}
			field = strings.TrimSpace(field)
			if field == "" {
				continue
			}
			rec[header[i]] = cellValue(header[i], field)
		}
		if len(rec) == 0 {
			continue
		}
		records = append(records, rec)
	}
	return records, nil
}

func cellValue(column, field string) any {
	col := strings.ToLower(column)
	switch {
	case listColumns[col]:
		parts := strings.FieldsFunc(field, func(r rune) bool { return r == ';' || r == '|' })
		list := make([]any, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				list = append(list, p)
			}
		}
		return list
	case strings.HasPrefix(col, "is_") || col == "verified":
		if b, err := strconv.ParseBool(field); err == nil {
			return b
		}
	case strings.Contains(col, "count") || col == "followers" || col == "likes" || col == "comments":
		if n, err := strconv.ParseFloat(field, 64); err == nil {
			return n
		}
	}
	return field
}
