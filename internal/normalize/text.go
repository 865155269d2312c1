// Package normalize converts raw grid cell content into canonical scalar
// values. Everything here is pure and safe to call on every keystroke.
package normalize

import (
	"encoding/json"
	"strconv"
	"strings"

	"golang.org/x/text/unicode/norm"
)

var invisibleReplacer = strings.NewReplacer(
	"\u200b", "",
	"\u200c", "",
	"\u200d", "",
	"\ufeff", "",
	"\u00a0", " ",
	"\u202f", " ",
	"\u2009", " ",
)

// Text folds compatibility characters (full-width digits, ligatures) with
// NFKC, drops zero-width runes and trims surrounding whitespace.
func Text(raw string) string {
	if raw == "" {
		return ""
	}
	folded := norm.NFKC.String(raw)
	folded = invisibleReplacer.Replace(folded)
	folded = strings.ReplaceAll(folded, "\r\n", "\n")
	return strings.TrimSpace(folded)
}

// CellText flattens a raw cell value as delivered by a grid widget or a
// clipboard payload into plain text. Rich text runs are concatenated.
func CellText(value any) string {
	return Text(rawCellText(value, 0))
}

func rawCellText(value any, depth int) string {
	if depth > 4 {
		return ""
	}
	switch typed := value.(type) {
	case nil:
		return ""
	case string:
		return typed
	case []byte:
		return string(typed)
	case json.Number:
		return typed.String()
	case float64:
		return strconv.FormatFloat(typed, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(typed), 'f', -1, 32)
	case int:
		return strconv.Itoa(typed)
	case int64:
		return strconv.FormatInt(typed, 10)
	case int32:
		return strconv.FormatInt(int64(typed), 10)
	case bool:
		if typed {
			return "true"
		}
		return "false"
	case []any:
		var b strings.Builder
		for _, run := range typed {
			b.WriteString(rawCellText(run, depth+1))
		}
		return b.String()
	case map[string]any:
		return richCellText(typed, depth)
	default:
		return ""
	}
}

// richCellText understands the document-style cell payload
// ({"p":{"body":{"dataStream":"text\r\n"}}}), run arrays and plain
// value wrappers.
func richCellText(cell map[string]any, depth int) string {
	if p, ok := cell["p"].(map[string]any); ok {
		if body, ok := p["body"].(map[string]any); ok {
			if stream, ok := body["dataStream"].(string); ok {
				return strings.TrimRight(stream, "\r\n")
			}
		}
	}
	if runs, ok := cell["richText"]; ok {
		return rawCellText(runs, depth+1)
	}
	for _, key := range []string{"v", "value", "text", "t", "m"} {
		if v, ok := cell[key]; ok && v != nil {
			return rawCellText(v, depth+1)
		}
	}
	return ""
}

// IsBlank reports whether every cell is empty after normalization.
func IsBlank(cells []string) bool {
	for _, cell := range cells {
		if Text(cell) != "" {
			return false
		}
	}
	return true
}
