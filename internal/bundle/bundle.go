// Package bundle decodes, validates and applies sync bundles.
//
// A bundle is the full-refresh payload of the pull endpoint, split in
// priority tiers:
//
//	priority_1: blueprints and assigned action items
//	priority_2: foundation data keyed by plural kind (sites, assets, ...)
//	priority_3: background data (people_registry)
//
// Validation happens before any write. Application is one store unit of
// work covering every tier, so a failure leaves the store exactly as it was.
package bundle

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/roach88/fieldsync/internal/fault"
	"github.com/roach88/fieldsync/internal/model"
)

// Entity is one decoded bundle object. Numbers are json.Number.
type Entity = map[string]any

// Bundle is a validated, decoded sync bundle.
type Bundle struct {
	Blueprints  []Entity
	ActionItems []Entity

	// Foundation holds priority_2 lists keyed by record kind.
	Foundation map[model.Kind][]Entity

	People          []Entity
	ServerTimestamp string

	// Hash is the domain-separated hash of the canonical bundle document.
	Hash string
}

// Kinds returns the priority_2 kinds in the order they are applied.
func (b *Bundle) Kinds() []model.Kind {
	kinds := make([]model.Kind, 0, len(b.Foundation))
	for k := range b.Foundation {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}

// Parse validates raw JSON and decodes it.
func Parse(raw []byte) (*Bundle, error) {
	if err := Validate(raw); err != nil {
		return nil, err
	}
	doc, err := model.DecodeJSON(raw)
	if err != nil {
		return nil, malformed(err)
	}
	return fromDocument(doc)
}

// Decode reads and parses a JSON bundle.
func Decode(r io.Reader) (*Bundle, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fault.Wrap(fault.CodeTransport, "bundle.decode", err)
	}
	return Parse(raw)
}

// DecodeYAML reads a YAML bundle, as used for fixtures and field kits, by
// re-encoding it as canonical JSON and parsing that.
func DecodeYAML(r io.Reader) (*Bundle, error) {
	var doc any
	if err := yaml.NewDecoder(r).Decode(&doc); err != nil {
		return nil, malformed(fmt.Errorf("yaml: %w", err))
	}
	raw, err := model.Canonical(doc)
	if err != nil {
		return nil, malformed(fmt.Errorf("yaml: %w", err))
	}
	return Parse(raw)
}

// DecodeAuto picks the decoder from a file name or content type.
func DecodeAuto(r io.Reader, hint string) (*Bundle, error) {
	h := strings.ToLower(hint)
	if strings.HasSuffix(h, ".yaml") || strings.HasSuffix(h, ".yml") || strings.Contains(h, "yaml") {
		return DecodeYAML(r)
	}
	return Decode(r)
}

func fromDocument(doc any) (*Bundle, error) {
	root, ok := doc.(map[string]any)
	if !ok {
		return nil, malformed(fmt.Errorf("bundle is not an object"))
	}

	hash, err := model.ContentHash(model.DomainBundle, root)
	if err != nil {
		return nil, malformed(err)
	}

	b := &Bundle{
		Foundation: make(map[model.Kind][]Entity),
		Hash:       hash,
	}

	p1, _ := root["priority_1"].(map[string]any)
	if b.Blueprints, err = entities(p1["blueprints"], "priority_1.blueprints"); err != nil {
		return nil, err
	}
	if b.ActionItems, err = entities(p1["action_items"], "priority_1.action_items"); err != nil {
		return nil, err
	}

	p2, _ := root["priority_2"].(map[string]any)
	for key, list := range p2 {
		kind := KindForKey(key)
		items, err := entities(list, "priority_2."+key)
		if err != nil {
			return nil, err
		}
		b.Foundation[kind] = append(b.Foundation[kind], items...)
	}

	if p3, ok := root["priority_3"].(map[string]any); ok {
		if b.People, err = entities(p3["people_registry"], "priority_3.people_registry"); err != nil {
			return nil, err
		}
	}

	if ts, ok := root["server_timestamp"].(string); ok {
		b.ServerTimestamp = ts
	}
	return b, nil
}

func entities(v any, path string) ([]Entity, error) {
	if v == nil {
		return nil, nil
	}
	list, ok := v.([]any)
	if !ok {
		return nil, malformed(fmt.Errorf("%s: not a list", path))
	}
	out := make([]Entity, 0, len(list))
	for i, item := range list {
		obj, ok := item.(map[string]any)
		if !ok {
			return nil, malformed(fmt.Errorf("%s.%d: not an object", path, i))
		}
		out = append(out, obj)
	}
	return out, nil
}

// irregularKinds lists priority_2 keys the suffix rules below get wrong.
var irregularKinds = map[string]model.Kind{
	"buses":     "bus",
	"statuses":  "status",
	"addresses": "address",
	"boxes":     "box",
	"switches":  "switch",
	"people":    model.KindPerson,
	"analyses":  "analysis",
}

// KindForKey derives a record kind from a plural priority_2 key:
// "sites" → "site", "facilities" → "facility". Irregular plurals come from
// irregularKinds; a new kind with some other irregular key needs an entry
// there. Keys that do not look plural are used as-is.
func KindForKey(key string) model.Kind {
	if kind, ok := irregularKinds[key]; ok {
		return kind
	}
	switch {
	case strings.HasSuffix(key, "ies") && len(key) > 3:
		return model.Kind(strings.TrimSuffix(key, "ies") + "y")
	case strings.HasSuffix(key, "ss"):
		return model.Kind(key)
	case strings.HasSuffix(key, "s") && len(key) > 1:
		return model.Kind(strings.TrimSuffix(key, "s"))
	}
	return model.Kind(key)
}

// blueprintVersion reads an optional positive integer version, defaulting
// to 1.
func blueprintVersion(bp Entity) (int64, error) {
	v, ok := bp["version"]
	if !ok || v == nil {
		return 1, nil
	}
	n, ok := v.(json.Number)
	if !ok {
		return 0, fmt.Errorf("version is %T, want integer", v)
	}
	version, err := n.Int64()
	if err != nil || version < 1 {
		return 0, fmt.Errorf("version %s is not a positive integer", n)
	}
	return version, nil
}

func malformed(err error) error {
	return fault.Wrap(fault.CodeMalformed, "bundle.decode", err)
}
