package schemagate

import (
	"encoding/json"
	"fmt"
)

// Payload converts a domain value into the generic JSON form the schemas
// validate. The round-trip guarantees the gate sees exactly what would be
// persisted, and that validation cannot alias the caller's struct.
func Payload(v any) (map[string]any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshaling payload: %w", err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("unmarshaling payload: %w", err)
	}
	return m, nil
}
