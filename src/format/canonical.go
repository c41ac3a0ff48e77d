// Package format implements the canonical byte encoding used as the sole
// input to event hashing and request signing. Two semantically-equal values
// always encode to the same bytes: object keys are sorted lexicographically
// and numbers are restricted to integers in the range where they survive a
// round-trip through any JSON implementation.
package format

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/ugorji/go/codec"
)

// Numbers outside [-2^53+1, 2^53-1] cannot be represented without precision
// loss; encoding one is a hard failure, not a truncation.
const (
	MaxSafeInteger = int64(1)<<53 - 1
	MinSafeInteger = -MaxSafeInteger
)

var canonicalHandle *codec.JsonHandle

func init() {
	canonicalHandle = new(codec.JsonHandle)
	canonicalHandle.Canonical = true
}

// Encode returns the canonical encoding of v. The value is first flattened
// through its regular JSON form, so struct tags apply, then normalized and
// re-encoded with sorted keys. An out-of-range or non-integer number anywhere
// in v is an error.
func Encode(v interface{}) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return EncodeRaw(raw)
}

// EncodeRaw canonicalizes a raw JSON document.
func EncodeRaw(raw []byte) ([]byte, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var tree interface{}
	if err := dec.Decode(&tree); err != nil {
		return nil, err
	}
	norm, err := normalize(tree)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	enc := codec.NewEncoder(&buf, canonicalHandle)
	if err := enc.Encode(norm); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// normalize converts json.Number leaves to int64 and rejects values that do
// not fit the safe range.
func normalize(v interface{}) (interface{}, error) {
	switch t := v.(type) {
	case map[string]interface{}:
		for key, value := range t {
			norm, err := normalize(value)
			if err != nil {
				return nil, err
			}
			t[key] = norm
		}
		return t, nil
	case []interface{}:
		for i, value := range t {
			norm, err := normalize(value)
			if err != nil {
				return nil, err
			}
			t[i] = norm
		}
		return t, nil
	case json.Number:
		n, err := t.Int64()
		if err != nil {
			return nil, fmt.Errorf("non-integer number in canonical value: %s", t)
		}
		if n < MinSafeInteger || n > MaxSafeInteger {
			return nil, fmt.Errorf("number out of safe range in canonical value: %d", n)
		}
		return n, nil
	default:
		return v, nil
	}
}
