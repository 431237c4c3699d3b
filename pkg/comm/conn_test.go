package comm

import (
	"errors"
	"io"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/taskmesh/worker/pkg/protocol"
	"github.com/taskmesh/worker/pkg/utils"
)

// connPair returns two framed connections joined by a TCP socket.
func connPair(t *testing.T) (*Conn, *Conn) {
	t.Helper()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer listener.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		nc, err := listener.Accept()
		if err == nil {
			accepted <- nc
		}
	}()

	client, err := net.Dial("tcp", listener.Addr().String())
	require.NoError(t, err)

	server := <-accepted

	a := NewConn(client)
	b := NewConn(server)
	t.Cleanup(func() {
		a.Close()
		b.Close()
	})
	return a, b
}

func TestConnRoundTrip(t *testing.T) {
	a, b := connPair(t)

	err := a.Send(protocol.Msg{"op": "get_data", "keys": []string{"x", "y"}})
	require.NoError(t, err)

	msg, err := b.RecvMsg()
	require.NoError(t, err)
	assert.Equal(t, "get_data", msg.Op())
	assert.Equal(t, []string{"x", "y"}, msg.Keys("keys"))
}

func TestConnRawFrames(t *testing.T) {
	a, b := connPair(t)

	blob := []byte{0x01, 0x02, 0x03}
	err := a.Send(protocol.Msg{"op": "get_data"}, blob)
	require.NoError(t, err)

	msgs, err := b.Recv()
	require.NoError(t, err)
	require.Len(t, msgs, 2)

	_, ok := msgs[0].(map[string]any)
	assert.True(t, ok)
	assert.Equal(t, blob, msgs[1])
}

func TestConnNestedMapsDecoded(t *testing.T) {
	a, b := connPair(t)

	err := a.Send(protocol.Msg{
		"op": "gather",
		"who_has": map[string]any{
			"x": []any{"tcp://127.0.0.1:9000"},
		},
	})
	require.NoError(t, err)

	msg, err := b.RecvMsg()
	require.NoError(t, err)

	whoHas := msg.WhoHas("who_has")
	assert.Equal(t, []string{"tcp://127.0.0.1:9000"}, whoHas["x"])
}

func TestConnCleanClose(t *testing.T) {
	a, b := connPair(t)

	a.Close()

	_, err := b.Recv()
	assert.True(t, errors.Is(err, io.EOF))
}

func TestConnTruncated(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer listener.Close()

	go func() {
		nc, err := listener.Accept()
		if err != nil {
			return
		}
		// Frame count without any frames.
		nc.Write([]byte{0, 0, 0, 2})
		nc.Close()
	}()

	nc, err := net.Dial("tcp", listener.Addr().String())
	require.NoError(t, err)

	conn := NewConn(nc)
	defer conn.Close()

	_, err = conn.Recv()
	assert.True(t, errors.Is(err, utils.ErrTransportTruncated))
	assert.True(t, conn.Broken())
}
