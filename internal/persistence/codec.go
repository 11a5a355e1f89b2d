package persistence

import (
	"bytes"
	"encoding/gob"
)

// EncodeValue serializes an arbitrary Go value using encoding/gob.
// The value is encoded behind an interface so that DecodeValue can recover
// it without knowing the concrete type up front; concrete payload types must
// be registered with gob.Register (pkg/api does this for its own types).
func EncodeValue(v any) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	var buf bytes.Buffer
	enc := gob.NewEncoder(&buf)
	iv := v
	if err := enc.Encode(&iv); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DecodeValue deserializes gob data produced by EncodeValue back into the
// concrete registered type, boxed in an interface. Empty input decodes to
// nil.
func DecodeValue(data []byte) (any, error) {
	if len(data) == 0 {
		return nil, nil
	}
	dec := gob.NewDecoder(bytes.NewReader(data))
	var iv any
	if err := dec.Decode(&iv); err != nil {
		return nil, err
	}
	return iv, nil
}
