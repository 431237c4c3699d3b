package protocol

import (
	"bytes"

	"github.com/vmihailenco/msgpack/v5"
)

// Encode serializes a value into its binary-map representation.
func Encode(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.SetSortMapKeys(true)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Decode deserializes a binary-map payload. Map keys are normalized
// to text recursively, so decoded messages are addressable by string.
func Decode(data []byte) (any, error) {
	dec := msgpack.NewDecoder(bytes.NewReader(data))
	v, err := dec.DecodeInterfaceLoose()
	if err != nil {
		return nil, err
	}
	return Normalize(v), nil
}

// DecodeMsg deserializes a payload that must be a message map.
func DecodeMsg(data []byte) (Msg, error) {
	v, err := Decode(data)
	if err != nil {
		return nil, err
	}

	m, ok := v.(map[string]any)
	if !ok {
		return nil, msgpack.Unmarshal(data, &m)
	}
	return Msg(m), nil
}

// Normalize converts decoded maps to map[string]any with text keys,
// recursing into nested maps and lists.
func Normalize(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = Normalize(item)
		}
		return out

	case map[any]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[normalizeKey(k)] = Normalize(item)
		}
		return out

	case []any:
		for i, item := range val {
			val[i] = Normalize(item)
		}
		return val

	default:
		return v
	}
}

func normalizeKey(k any) string {
	switch key := k.(type) {
	case string:
		return key
	case []byte:
		return string(key)
	}
	return ""
}

// IsMap reports whether a payload decodes as a binary map.
func IsMap(data []byte) bool {
	if len(data) == 0 {
		return false
	}

	c := data[0]
	switch {
	case c >= 0x80 && c <= 0x8f: // fixmap
		return true
	case c == 0xde || c == 0xdf: // map 16, map 32
		return true
	}
	return false
}
