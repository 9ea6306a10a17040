package store_test

import "encoding/json"

// jsonUnmarshal keeps test call sites short.
func jsonUnmarshal(data []byte, v any) error {
	return json.Unmarshal(data, v)
}
