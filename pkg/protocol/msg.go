package protocol

// Operations accepted by the worker on incoming connections.
const (
	OpClose         = "close"
	OpComputeStream = "compute-stream"
	OpDeleteData    = "delete_data"
	OpGather        = "gather"
	OpGetData       = "get_data"
	OpKeys          = "keys"
	OpTerminate     = "terminate"
	OpUpdateData    = "update_data"
)

// Operations pushed by the scheduler on a compute-stream connection.
const (
	OpComputeTask      = "compute-task"
	OpReleaseTask      = "release-task"
	OpStreamDeleteData = "delete-data"
)

// Operations sent by the worker to the scheduler.
const (
	OpAddKeys      = "add-keys"
	OpHeartbeat    = "heartbeat"
	OpRegister     = "register"
	OpRelease      = "release"
	OpTaskErred    = "task-erred"
	OpTaskFinished = "task-finished"
	OpUnregister   = "unregister"
	OpWhoHas       = "who_has"
)

// Statuses used in replies.
const (
	StatusOK          = "OK"
	StatusError       = "error"
	StatusMissingData = "missing-data"
)

// A wire message. Every message carries an "op" discriminator.
type Msg map[string]any

// Op returns the operation discriminator, or an empty string.
func (m Msg) Op() string {
	op, _ := m["op"].(string)
	return op
}

// String returns the named entry as a string.
func (m Msg) String(key string) string {
	switch v := m[key].(type) {
	case string:
		return v
	case []byte:
		return string(v)
	}
	return ""
}

// Bool returns the named entry as a bool. Missing entries
// yield the given default.
func (m Msg) Bool(key string, def bool) bool {
	if v, ok := m[key].(bool); ok {
		return v
	}
	return def
}

// Bytes returns the named entry as a byte blob.
func (m Msg) Bytes(key string) []byte {
	switch v := m[key].(type) {
	case []byte:
		return v
	case string:
		return []byte(v)
	}
	return nil
}

// Keys returns the named entry as a list of keys.
func (m Msg) Keys(key string) []string {
	list, ok := m[key].([]any)
	if !ok {
		return nil
	}

	keys := make([]string, 0, len(list))
	for _, item := range list {
		switch v := item.(type) {
		case string:
			keys = append(keys, v)
		case []byte:
			keys = append(keys, string(v))
		}
	}
	return keys
}

// WhoHas returns the named entry as a key to addresses mapping.
func (m Msg) WhoHas(key string) map[string][]string {
	raw, ok := m[key].(map[string]any)
	if !ok {
		return nil
	}

	whoHas := make(map[string][]string, len(raw))
	for k, v := range raw {
		addrs, ok := v.([]any)
		if !ok {
			continue
		}
		for _, a := range addrs {
			switch addr := a.(type) {
			case string:
				whoHas[k] = append(whoHas[k], addr)
			case []byte:
				whoHas[k] = append(whoHas[k], string(addr))
			}
		}
		if _, ok := whoHas[k]; !ok {
			whoHas[k] = []string{}
		}
	}
	return whoHas
}

// Priority returns the named entry as a priority tuple.
func (m Msg) Priority(key string) []int64 {
	list, ok := m[key].([]any)
	if !ok {
		return nil
	}

	priority := make([]int64, 0, len(list))
	for _, item := range list {
		if n, ok := asInt64(item); ok {
			priority = append(priority, n)
		}
	}
	return priority
}

func asInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int32:
		return int64(n), true
	case int16:
		return int64(n), true
	case int8:
		return int64(n), true
	case int:
		return int64(n), true
	case uint64:
		return int64(n), true
	case uint32:
		return int64(n), true
	case uint16:
		return int64(n), true
	case uint8:
		return int64(n), true
	case uint:
		return int64(n), true
	case float64:
		return int64(n), true
	case float32:
		return int64(n), true
	}
	return 0, false
}
