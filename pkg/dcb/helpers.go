package dcb

import "encoding/json"

// ToJSON marshals a payload for use as event data. It panics on values that
// cannot be marshaled; intended for literals in examples and tests.
func ToJSON(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return data
}
