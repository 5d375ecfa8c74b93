package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSearchToken_FoldsCaseAndWhitespace(t *testing.T) {
	assert.Equal(t, "refinery a", SearchToken("  Refinery   A "))
	assert.Equal(t, "strasse", SearchToken("STRASSE"))
}

func TestSearchToken_NFKC(t *testing.T) {
	// Fullwidth letters fold to ASCII under NFKC.
	assert.Equal(t, "truck", SearchToken("ＴＲＵＣＫ"))
}

func TestDisplayText_FallbackOrder(t *testing.T) {
	assert.Equal(t, "Alpha", DisplayText(map[string]any{"id": "x", "name": "Alpha", "title": "T"}))
	assert.Equal(t, "T", DisplayText(map[string]any{"id": "x", "title": "T"}))
	assert.Equal(t, "L", DisplayText(map[string]any{"id": "x", "name": "  ", "label": "L"}))
	assert.Equal(t, "x", DisplayText(map[string]any{"id": "x"}))
	assert.Equal(t, "", DisplayText(map[string]any{}))
}
