package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	msg := Msg{
		"op":     "compute-task",
		"key":    "A",
		"nbytes": int64(42),
		"blob":   []byte{1, 2, 3},
	}

	data, err := Encode(msg)
	require.NoError(t, err)
	assert.True(t, IsMap(data))

	decoded, err := DecodeMsg(data)
	require.NoError(t, err)
	assert.Equal(t, "compute-task", decoded.Op())
	assert.Equal(t, "A", decoded.String("key"))
	assert.Equal(t, []byte{1, 2, 3}, decoded.Bytes("blob"))

	n, ok := decoded["nbytes"].(int64)
	assert.True(t, ok)
	assert.Equal(t, int64(42), n)
}

func TestDecodeNestedMaps(t *testing.T) {
	data, err := Encode(map[string]any{
		"op": "compute-task",
		"who_has": map[string]any{
			"x": []string{"tcp://a:1", "tcp://b:2"},
		},
	})
	require.NoError(t, err)

	msg, err := DecodeMsg(data)
	require.NoError(t, err)

	whoHas := msg.WhoHas("who_has")
	assert.ElementsMatch(t, []string{"tcp://a:1", "tcp://b:2"}, whoHas["x"])
}

func TestIsMapRejectsOtherPayloads(t *testing.T) {
	data, err := Encode([]any{"a", "b"})
	require.NoError(t, err)
	assert.False(t, IsMap(data))

	data, err = Encode("hello")
	require.NoError(t, err)
	assert.False(t, IsMap(data))

	assert.False(t, IsMap(nil))
}

func TestPriority(t *testing.T) {
	data, err := Encode(Msg{"priority": []int64{0, 5, 1}})
	require.NoError(t, err)

	msg, err := DecodeMsg(data)
	require.NoError(t, err)
	assert.Equal(t, []int64{0, 5, 1}, msg.Priority("priority"))
}

func TestNormalizeUntypedKeys(t *testing.T) {
	v := Normalize(map[any]any{
		"a": int64(1),
		"b": map[any]any{"c": int64(2)},
	})

	m, ok := v.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, int64(1), m["a"])

	nested, ok := m["b"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, int64(2), nested["c"])
}
