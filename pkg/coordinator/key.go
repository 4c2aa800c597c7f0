package coordinator

import (
	"encoding/json"
	"fmt"
	"maps"
	"slices"
)

// Key returns the canonical cache and dedup key for an operation call. Param
// entries are sorted by name so argument order never produces a new key. The
// operation and every name and value are JSON encoded, so no separator inside
// them can make two different calls share a key.
func Key(operation string, params map[string]any) string {
	names := slices.Sorted(maps.Keys(params))

	pairs := make([][2]json.RawMessage, 0, len(names))
	for _, name := range names {
		pairs = append(pairs, [2]json.RawMessage{
			json.RawMessage(encodeValue(name)),
			json.RawMessage(encodeValue(params[name])),
		})
	}

	data, err := json.Marshal(struct {
		Operation string               `json:"op"`
		Params    [][2]json.RawMessage `json:"params"`
	}{operation, pairs})
	if err != nil {
		return fmt.Sprintf("%q%v", operation, pairs)
	}

	return string(data)
}

// encodeValue renders a param value deterministically as JSON. JSON encoding
// sorts nested map keys, which keeps nested params order-independent too. A
// value JSON cannot encode is rendered with %#v and quoted.
func encodeValue(v any) string {
	data, err := json.Marshal(v)
	if err == nil {
		return string(data)
	}

	quoted, _ := json.Marshal(fmt.Sprintf("%#v", v))

	return string(quoted)
}
