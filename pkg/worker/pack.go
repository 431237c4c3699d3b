package worker

import "reflect"

// PackData substitutes key references inside a structured argument
// with the corresponding in-memory values. Strings that name a key in
// data are replaced, lists and maps are walked recursively, everything
// else passes through untouched.
func PackData(x any, data map[string]any) any {
	switch val := x.(type) {
	case string:
		if v, ok := data[val]; ok {
			return v
		}
		return val

	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = PackData(item, data)
		}
		return out

	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = PackData(item, data)
		}
		return out

	default:
		return x
	}
}

// UnpackData is the inverse of PackData: values found in data are
// replaced by their keys. Round-trips hold for arguments that only
// reference keys present in data.
func UnpackData(x any, data map[string]any) any {
	for key, v := range data {
		if reflect.DeepEqual(x, v) {
			return key
		}
	}

	switch val := x.(type) {
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = UnpackData(item, data)
		}
		return out

	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = UnpackData(item, data)
		}
		return out

	default:
		return x
	}
}
