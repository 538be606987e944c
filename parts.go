package ap2

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// NewTextPart returns a text part.
func NewTextPart(text string) Part {
	var p Part
	_ = p.FromTextPart(TextPart{Text: text})
	return p
}

// NewDataPart returns a data part holding v under key.
func NewDataPart(key string, v any) (Part, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return Part{}, fmt.Errorf("marshal data part %q: %w", key, err)
	}
	var p Part
	err = p.FromDataPart(DataPart{Data: map[string]json.RawMessage{key: raw}})
	return p, err
}

// DataParts returns the structured payloads of parts in order, skipping text
// parts and anything that does not decode as a data part.
func DataParts(parts []Part) []map[string]json.RawMessage {
	out := make([]map[string]json.RawMessage, 0, len(parts))
	for _, p := range parts {
		if p.Kind() != PartKindData {
			continue
		}
		dp, err := p.AsDataPart()
		if err != nil || len(dp.Data) == 0 {
			continue
		}
		out = append(out, dp.Data)
	}
	return out
}

// FindDataPart returns the first value stored under key.
func FindDataPart(key string, parts []Part) (json.RawMessage, bool) {
	for _, data := range DataParts(parts) {
		if raw, ok := data[key]; ok && !isJSONNull(raw) {
			return raw, true
		}
	}
	return nil, false
}

// DecodeDataPart unmarshals the first value stored under key into v.
func DecodeDataPart(key string, parts []Part, v any) (bool, error) {
	raw, ok := FindDataPart(key, parts)
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return true, NewInvalidRequestError(fmt.Sprintf("%s: %v", key, err), WithOffendingParam(key))
	}
	return true, nil
}

// DecodeDataParts merges every data part into one JSON object, first key
// wins, and decodes it into v. Request structs use it with json tags naming
// the data-part keys.
func DecodeDataParts(parts []Part, v any) error {
	merged := make(map[string]json.RawMessage)
	for _, data := range DataParts(parts) {
		for k, raw := range data {
			if _, seen := merged[k]; seen {
				continue
			}
			merged[k] = raw
		}
	}
	b, err := json.Marshal(merged)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(b, v); err != nil {
		return NewInvalidRequestError(err.Error())
	}
	return nil
}

// FirstDataPart returns the first structured payload across artifacts. A nil
// or empty list, artifacts without parts, parts without data and payloads
// whose values are all null yield an EmptyArtifactError.
func FirstDataPart(artifacts []Artifact) (map[string]json.RawMessage, error) {
	for _, a := range artifacts {
		for _, data := range DataParts(a.Parts) {
			if hasValue(data) {
				return data, nil
			}
		}
	}
	return nil, NewEmptyArtifactError("no structured data in artifacts")
}

func hasValue(data map[string]json.RawMessage) bool {
	for _, raw := range data {
		if !isJSONNull(raw) {
			return true
		}
	}
	return false
}

// FindArtifactData returns the first value stored under key across artifacts.
func FindArtifactData(key string, artifacts []Artifact) (json.RawMessage, bool) {
	for _, a := range artifacts {
		if raw, ok := FindDataPart(key, a.Parts); ok {
			return raw, true
		}
	}
	return nil, false
}

func isJSONNull(raw json.RawMessage) bool {
	raw = bytes.TrimSpace(raw)
	return len(raw) == 0 || string(raw) == "null"
}
