package model

import (
	"encoding/json"
	"fmt"
	"strings"
)

// NewRecord builds a Record from a decoded bundle entity. Data is the
// canonical JSON of the entity and SearchVector is derived from its display
// text, so the two are always consistent at write time.
func NewRecord(kind Kind, entity map[string]any) (Record, error) {
	id, ok := stringField(entity, "id")
	if !ok || strings.TrimSpace(id) == "" {
		return Record{}, fmt.Errorf("%s entity has no id", kind)
	}
	data, err := CanonicalString(entity)
	if err != nil {
		return Record{}, fmt.Errorf("%s %q: %w", kind, id, err)
	}
	return Record{
		ID:           id,
		Kind:         kind,
		Data:         data,
		SearchVector: SearchToken(DisplayText(entity)),
	}, nil
}

// Fields decodes the record payload.
func (r Record) Fields() (map[string]any, error) {
	v, err := DecodeJSON([]byte(r.Data))
	if err != nil {
		return nil, fmt.Errorf("record %q: %w", r.ID, err)
	}
	obj, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("record %q: payload is not an object", r.ID)
	}
	return obj, nil
}

// Display returns the human-readable label of the record.
func (r Record) Display() string {
	fields, err := r.Fields()
	if err != nil {
		return r.ID
	}
	return DisplayText(fields)
}

// PayloadMap decodes an operation payload.
func (op Operation) PayloadMap() (map[string]any, error) {
	var out map[string]any
	dec := json.NewDecoder(strings.NewReader(op.Payload))
	dec.UseNumber()
	if err := dec.Decode(&out); err != nil {
		return nil, fmt.Errorf("operation %q payload: %w", op.ID, err)
	}
	return out, nil
}
