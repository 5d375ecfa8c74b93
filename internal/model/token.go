package model

import (
	"fmt"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

// DisplayFields lists the payload fields tried, in order, when deriving the
// human-readable label of a record.
var DisplayFields = []string{"name", "title", "label"}

// DisplayText returns the display label of an entity payload, falling back
// to its id.
func DisplayText(entity map[string]any) string {
	for _, field := range DisplayFields {
		if s, ok := stringField(entity, field); ok && strings.TrimSpace(s) != "" {
			return s
		}
	}
	s, _ := stringField(entity, "id")
	return s
}

// SearchToken derives the stored search_vector for a display label:
// NFKC-normalized, whitespace-collapsed, Unicode case-folded.
func SearchToken(display string) string {
	return FoldQuery(display)
}

// FoldQuery applies the same normalization as SearchToken to a query.
// A cases.Caser is stateful, so one is built per call.
func FoldQuery(q string) string {
	s := norm.NFKC.String(q)
	s = strings.Join(strings.Fields(s), " ")
	return cases.Fold().String(s)
}

func stringField(entity map[string]any, field string) (string, bool) {
	v, ok := entity[field]
	if !ok || v == nil {
		return "", false
	}
	switch val := v.(type) {
	case string:
		return val, true
	case fmt.Stringer:
		return val.String(), true
	default:
		return fmt.Sprint(val), true
	}
}
