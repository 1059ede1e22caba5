package cache

import (
	"fmt"

	"github.com/goccy/go-json"
)

// marshalValue serializes a cache value for storage. Strings and byte slices
// still go through JSON so Get can always unmarshal without tracking the
// original type.
func marshalValue(value any) (string, error) {
	data, err := json.Marshal(value)
	if err != nil {
		return "", fmt.Errorf("cache: failed to serialize value: %w", err)
	}
	return string(data), nil
}

// unmarshalValue deserializes a stored value into dest, which must be a
// non-nil pointer.
func unmarshalValue(data string, dest any) error {
	if err := json.Unmarshal([]byte(data), dest); err != nil {
		return fmt.Errorf("cache: failed to deserialize value: %w", err)
	}
	return nil
}
