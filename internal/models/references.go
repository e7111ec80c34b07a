package models

import "encoding/json"

// referenceKeys are the payload keys that may carry an entity id.
var referenceKeys = []string{"id", "job_id", "hazard_id"}

// RewriteReferences replaces oldID with newID in the top-level id and
// parent reference keys of a JSON object payload. It reports whether
// anything changed. Non-object payloads are returned unchanged.
func RewriteReferences(payload json.RawMessage, oldID, newID string) (json.RawMessage, bool, error) {
	if len(payload) == 0 || oldID == newID {
		return payload, false, nil
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(payload, &fields); err != nil {
		return payload, false, err
	}
	if fields == nil {
		return payload, false, nil
	}

	changed := false
	for _, key := range referenceKeys {
		raw, ok := fields[key]
		if !ok {
			continue
		}
		var v string
		if json.Unmarshal(raw, &v) != nil || v != oldID {
			continue
		}
		enc, err := json.Marshal(newID)
		if err != nil {
			return payload, false, err
		}
		fields[key] = enc
		changed = true
	}
	if !changed {
		return payload, false, nil
	}

	out, err := json.Marshal(fields)
	if err != nil {
		return payload, false, err
	}
	return out, true, nil
}

// MergeFields overlays the top-level keys of patch onto base.
// Either side may be empty.
func MergeFields(base, patch json.RawMessage) (json.RawMessage, error) {
	merged := make(map[string]json.RawMessage)
	if len(base) > 0 {
		if err := json.Unmarshal(base, &merged); err != nil {
			return nil, err
		}
		if merged == nil {
			merged = make(map[string]json.RawMessage)
		}
	}
	if len(patch) > 0 {
		var p map[string]json.RawMessage
		if err := json.Unmarshal(patch, &p); err != nil {
			return nil, err
		}
		for k, v := range p {
			merged[k] = v
		}
	}
	return json.Marshal(merged)
}

// FieldValue extracts a top-level key from a JSON object payload.
func FieldValue(payload json.RawMessage, field string) (json.RawMessage, bool) {
	var fields map[string]json.RawMessage
	if json.Unmarshal(payload, &fields) != nil {
		return nil, false
	}
	v, ok := fields[field]
	return v, ok
}
