// Package json is the single JSON codec of the module. It is jsoniter in
// standard-library compatible mode, so struct tags and error behaviour match
// encoding/json.
package json

import jsoniter "github.com/json-iterator/go"

var (
	// JSON is the shared jsoniter configuration.
	JSON = jsoniter.ConfigCompatibleWithStandardLibrary

	Marshal    = JSON.Marshal
	Unmarshal  = JSON.Unmarshal
	NewDecoder = JSON.NewDecoder
	NewEncoder = JSON.NewEncoder
)

// Copy deep-copies v through its JSON form. Only exported, tagged state
// survives; numbers inside interface{} values come back as float64.
func Copy[T any](v *T) (*T, error) {
	data, err := Marshal(v)
	if err != nil {
		return nil, err
	}
	out := new(T)
	if err := Unmarshal(data, out); err != nil {
		return nil, err
	}
	return out, nil
}
