package envelope

import (
	"fmt"

	"github.com/goccy/go-json"
)

// EncodeData encodes an application value into a payload string.
func EncodeData(v any) (string, error) {
	buf, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("envelope: failed to encode data: %w", err)
	}
	return string(buf), nil
}

// DecodeData decodes a payload string into a value of type T.
// An empty payload decodes to the zero value of T.
func DecodeData[T any](data string) (T, error) {
	var v T
	if data == "" {
		return v, nil
	}

	if err := json.Unmarshal([]byte(data), &v); err != nil {
		return v, fmt.Errorf("envelope: failed to decode data: %w", err)
	}

	return v, nil
}
