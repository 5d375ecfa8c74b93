package bundle

import (
	"bytes"
	"encoding/json"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/fieldsync/internal/fault"
	"github.com/roach88/fieldsync/internal/model"
)

const referenceHash = "bcddbe8c20a932b58f447ab930f32a5f2cd18e9616e2455836c5df1989ac5d5c"

func loadReference(t *testing.T) *Bundle {
	t.Helper()
	f, err := os.Open("testdata/reference_bundle.json")
	require.NoError(t, err)
	defer f.Close()
	b, err := Decode(f)
	require.NoError(t, err)
	return b
}

func TestDecode_ReferenceBundle(t *testing.T) {
	b := loadReference(t)

	assert.Len(t, b.Blueprints, 2)
	assert.Len(t, b.ActionItems, 1)
	assert.Equal(t, []model.Kind{model.KindAsset, model.KindSite}, b.Kinds())
	assert.Len(t, b.Foundation[model.KindSite], 2)
	assert.Len(t, b.People, 2)
	assert.Equal(t, "2025-03-01T09:00:00.000000", b.ServerTimestamp)
	assert.Equal(t, referenceHash, b.Hash)
	assert.Equal(t, json.Number("2"), b.Blueprints[0]["version"])
}

func TestDecodeYAML_MatchesJSON(t *testing.T) {
	f, err := os.Open("testdata/reference_bundle.yaml")
	require.NoError(t, err)
	defer f.Close()

	b, err := DecodeYAML(f)
	require.NoError(t, err)
	assert.Equal(t, referenceHash, b.Hash)
	assert.Equal(t, loadReference(t).Foundation, b.Foundation)
}

func TestDecodeYAML_Malformed(t *testing.T) {
	_, err := DecodeYAML(strings.NewReader("priority_1: [unclosed"))
	assert.True(t, fault.IsMalformed(err))

	_, err = DecodeYAML(strings.NewReader("priority_1:\n  blueprints: []\n"))
	assert.True(t, fault.IsMalformed(err), "priority_2 is required")
}

func TestDecodeAuto(t *testing.T) {
	raw, err := os.ReadFile("testdata/reference_bundle.yaml")
	require.NoError(t, err)

	b, err := DecodeAuto(bytes.NewReader(raw), "kit/bundle.yml")
	require.NoError(t, err)
	assert.Equal(t, referenceHash, b.Hash)

	_, err = DecodeAuto(bytes.NewReader(raw), "application/json")
	assert.True(t, fault.IsMalformed(err))
}

func TestParse_KeepsUnknownKinds(t *testing.T) {
	b, err := Parse([]byte(`{
		"priority_1": {"blueprints": []},
		"priority_2": {"facilities": [{"id": "f1", "label": "North Gate"}], "equipment": [{"id": "e1"}]}
	}`))
	require.NoError(t, err)
	assert.Equal(t, []model.Kind{"equipment", "facility"}, b.Kinds())
	assert.Empty(t, b.People)
	assert.Empty(t, b.ServerTimestamp)
}

func TestKindForKey(t *testing.T) {
	tests := map[string]model.Kind{
		"sites":      "site",
		"assets":     "asset",
		"facilities": "facility",
		"address":    "address",
		"equipment":  "equipment",
		"s":          "s",
		"buses":      "bus",
		"statuses":   "status",
		"addresses":  "address",
		"switches":   "switch",
	}
	for key, want := range tests {
		assert.Equal(t, want, KindForKey(key), key)
	}
}

func TestBlueprintVersion(t *testing.T) {
	v, err := blueprintVersion(Entity{"name": "x"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), v)

	v, err = blueprintVersion(Entity{"version": json.Number("4")})
	require.NoError(t, err)
	assert.Equal(t, int64(4), v)

	_, err = blueprintVersion(Entity{"version": json.Number("1.5")})
	assert.Error(t, err)
	_, err = blueprintVersion(Entity{"version": "2"})
	assert.Error(t, err)
}
