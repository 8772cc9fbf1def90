package utils

import (
	"encoding/json"
)

// Unmarshal JSON to generic struct
func UnmarshalFromJSON[T any](data []byte, output *T) error {
	return json.Unmarshal(data, output)
}

// CanonicalJSON produces stable bytes for hashing: struct fields keep
// declaration order and map keys are sorted by encoding/json.
func CanonicalJSON(input any) ([]byte, error) {
	if input == nil {
		return []byte("{}"), nil
	}
	if raw, ok := input.(json.RawMessage); ok {
		var v any
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, err
		}
		return json.Marshal(v)
	}
	return json.Marshal(input)
}

// MustJSON is for values that are known to marshal (plain structs and maps).
func MustJSON(input any) []byte {
	b, err := json.Marshal(input)
	if err != nil {
		return []byte("null")
	}
	return b
}
