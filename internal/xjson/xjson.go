package xjson

import (
	stdjson "encoding/json"
	"io"

	gjson "github.com/goccy/go-json"
)

// Every record, frame and HTTP body goes through this package so the codec
// can be swapped in one place.

func Marshal(v interface{}) ([]byte, error) {
	return gjson.Marshal(v)
}

func Unmarshal(data []byte, v interface{}) error {
	return gjson.Unmarshal(data, v)
}

func NewEncoder(w io.Writer) *gjson.Encoder {
	return gjson.NewEncoder(w)
}

func NewDecoder(r io.Reader) *gjson.Decoder {
	return gjson.NewDecoder(r)
}

// RawMessage stays assignable to encoding/json's RawMessage.
type RawMessage = stdjson.RawMessage
