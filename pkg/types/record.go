package types

import (
	"encoding/json"
	"fmt"
)

// IDField is the reserved top-level field holding the backend-assigned
// record id.
const IDField = "__id"

// OutputVar is the special execute() variable name capturing the VM's
// standard output stream.
const OutputVar = "__output__"

// InjectID parses record as a JSON object, sets the reserved id field
// (overriding any caller-supplied value) and re-serializes it.
func InjectID(record string, id uint64) (string, error) {
	var doc map[string]any
	if err := json.Unmarshal([]byte(record), &doc); err != nil {
		return "", fmt.Errorf("record is not a JSON object: %w", err)
	}
	if doc == nil {
		return "", fmt.Errorf("record is not a JSON object")
	}
	doc[IDField] = id
	out, err := json.Marshal(doc)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// RecordID extracts the reserved id field from a record.
func RecordID(record string) (uint64, error) {
	var doc struct {
		ID uint64 `json:"__id"`
	}
	if err := json.Unmarshal([]byte(record), &doc); err != nil {
		return 0, fmt.Errorf("record is not a JSON object: %w", err)
	}
	return doc.ID, nil
}

// IsObject reports whether raw is a JSON object.
func IsObject(raw json.RawMessage) bool {
	for _, c := range raw {
		switch c {
		case ' ', '\t', '\n', '\r':
			continue
		case '{':
			return true
		default:
			return false
		}
	}
	return false
}

// IsArray reports whether raw is a JSON array.
func IsArray(raw json.RawMessage) bool {
	for _, c := range raw {
		switch c {
		case ' ', '\t', '\n', '\r':
			continue
		case '[':
			return true
		default:
			return false
		}
	}
	return false
}
