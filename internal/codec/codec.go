// Package codec normalizes the wire representations of binary message
// fields (iv, ciphertext) into one canonical form. Transports encode
// binary data inconsistently: base64 text, plain JSON number arrays, or
// tagged buffer objects like {"data":[...]}. Everything must pass through
// Normalize before any cryptographic call or equality comparison.
package codec

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math"
)

// Binary is the canonical in-process form of a wire binary field. It
// always marshals to base64 text, which is the canonical wire encoding,
// and unmarshals from every accepted wire shape.
type Binary []byte

// ShapeError reports a value that is not one of the accepted wire shapes.
// It is fatal to the single field being processed, never to the connection.
type ShapeError struct {
	Shape  string
	Reason string
}

func (e *ShapeError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("codec: unrecognized binary shape %s: %s", e.Shape, e.Reason)
	}
	return fmt.Sprintf("codec: unrecognized binary shape %s", e.Shape)
}

// Normalize converts any accepted wire shape into Binary. It is total
// over the accepted set, a no-op on values already in binary form, and
// idempotent. Anything outside the set returns a *ShapeError; callers
// must not let un-normalized values reach merge comparisons.
func Normalize(v any) (Binary, error) {
	switch x := v.(type) {
	case nil:
		return nil, &ShapeError{Shape: "nil"}
	case Binary:
		return x, nil
	case []byte:
		return Binary(x), nil
	case string:
		return decodeBase64(x)
	case []any:
		return fromNumberSlice(x)
	case []float64:
		out := make(Binary, len(x))
		for i, n := range x {
			b, ok := byteValue(n)
			if !ok {
				return nil, &ShapeError{Shape: "[]float64", Reason: fmt.Sprintf("element %d out of byte range", i)}
			}
			out[i] = b
		}
		return out, nil
	case []int:
		out := make(Binary, len(x))
		for i, n := range x {
			if n < 0 || n > 255 {
				return nil, &ShapeError{Shape: "[]int", Reason: fmt.Sprintf("element %d out of byte range", i)}
			}
			out[i] = byte(n)
		}
		return out, nil
	case map[string]any:
		// Tagged buffer objects carry their bytes under "data".
		data, ok := x["data"]
		if !ok {
			return nil, &ShapeError{Shape: "object", Reason: `missing "data" field`}
		}
		return Normalize(data)
	case json.RawMessage:
		var inner any
		if err := json.Unmarshal(x, &inner); err != nil {
			return nil, &ShapeError{Shape: "json", Reason: err.Error()}
		}
		return Normalize(inner)
	default:
		return nil, &ShapeError{Shape: fmt.Sprintf("%T", v)}
	}
}

func decodeBase64(s string) (Binary, error) {
	if raw, err := base64.StdEncoding.DecodeString(s); err == nil {
		return Binary(raw), nil
	}
	// Some senders strip padding.
	raw, err := base64.RawStdEncoding.DecodeString(s)
	if err != nil {
		return nil, &ShapeError{Shape: "string", Reason: "not valid base64"}
	}
	return Binary(raw), nil
}

func fromNumberSlice(xs []any) (Binary, error) {
	out := make(Binary, len(xs))
	for i, el := range xs {
		n, ok := el.(float64)
		if !ok {
			return nil, &ShapeError{Shape: "array", Reason: fmt.Sprintf("element %d is %T, not a number", i, el)}
		}
		b, ok := byteValue(n)
		if !ok {
			return nil, &ShapeError{Shape: "array", Reason: fmt.Sprintf("element %d out of byte range", i)}
		}
		out[i] = b
	}
	return out, nil
}

func byteValue(n float64) (byte, bool) {
	if n != math.Trunc(n) || n < 0 || n > 255 {
		return 0, false
	}
	return byte(n), true
}

// MarshalJSON emits base64 text, the canonical wire form. Native binary
// container types never cross the wire boundary.
func (b Binary) MarshalJSON() ([]byte, error) {
	return json.Marshal(base64.StdEncoding.EncodeToString(b))
}

// UnmarshalJSON accepts every recognized wire shape.
func (b *Binary) UnmarshalJSON(raw []byte) error {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return &ShapeError{Shape: "json", Reason: err.Error()}
	}
	if v == nil {
		*b = nil
		return nil
	}
	out, err := Normalize(v)
	if err != nil {
		return err
	}
	*b = out
	return nil
}
