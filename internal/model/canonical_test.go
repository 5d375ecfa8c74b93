package model

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanonical_SortsKeysAndDropsWhitespace(t *testing.T) {
	got, err := CanonicalString(map[string]any{
		"name": "Refinery A",
		"id":   "s1",
		"tags": []any{"b", "a"},
	})
	require.NoError(t, err)
	assert.Equal(t, `{"id":"s1","name":"Refinery A","tags":["b","a"]}`, got)
}

func TestCanonical_NoHTMLEscaping(t *testing.T) {
	got, err := CanonicalString(map[string]any{"note": "a<b & c>d"})
	require.NoError(t, err)
	assert.Equal(t, `{"note":"a<b & c>d"}`, got)
}

func TestCanonical_NormalizesToNFC(t *testing.T) {
	decomposed := "Cafe\u0301"
	composed := "Caf\u00e9"

	a, err := CanonicalString(decomposed)
	require.NoError(t, err)
	b, err := CanonicalString(composed)
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestCanonical_Numbers(t *testing.T) {
	tests := []struct {
		name string
		in   any
		want string
	}{
		{"int", 2, "2"},
		{"int64", int64(-7), "-7"},
		{"integral float", 3.0, "3"},
		{"fraction", 0.25, "0.25"},
		{"json number", json.Number("12345678901234567890"), "12345678901234567890"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := CanonicalString(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCanonical_StructFallsBackThroughJSON(t *testing.T) {
	type payload struct {
		TargetID string `json:"target_id"`
		Score    int    `json:"score"`
	}
	got, err := CanonicalString(payload{TargetID: "s1", Score: 3})
	require.NoError(t, err)
	assert.Equal(t, `{"score":3,"target_id":"s1"}`, got)
}

func TestCanonical_RejectsInvalidNumber(t *testing.T) {
	_, err := Canonical(json.Number("abc"))
	require.Error(t, err)
}

func TestCanonicalizeJSON_IsStableAcrossKeyOrder(t *testing.T) {
	a, err := CanonicalizeJSON([]byte(`{"b":1,"a":{"y":true,"x":null}}`))
	require.NoError(t, err)
	b, err := CanonicalizeJSON([]byte(`{ "a": {"x": null, "y": true}, "b": 1 }`))
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.Equal(t, `{"a":{"x":null,"y":true},"b":1}`, a)
}

func TestCompareUTF16_SurrogatesSortAfterBMP(t *testing.T) {
	// U+1F600 encodes as a surrogate pair starting 0xD83D, which sorts
	// before U+FF21 in UTF-16 but after it in UTF-8.
	assert.Equal(t, -1, compareUTF16("\U0001F600", "Ａ"))
	assert.Equal(t, 0, compareUTF16("same", "same"))
	assert.Equal(t, -1, compareUTF16("ab", "abc"))
}

func TestContentHash_DomainSeparated(t *testing.T) {
	v := map[string]any{"id": "s1"}
	h1, err := ContentHash(DomainBundle, v)
	require.NoError(t, err)
	h2, err := ContentHash(DomainPayload, v)
	require.NoError(t, err)
	assert.NotEqual(t, h1, h2)
	assert.Len(t, h1, 64)

	again, err := ContentHash(DomainBundle, map[string]any{"id": "s1"})
	require.NoError(t, err)
	assert.Equal(t, h1, again)
}
