package comm

import (
	"errors"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/taskmesh/worker/pkg/utils"
)

// acceptLoop keeps accepting connections until the listener closes.
func acceptLoop(t *testing.T) net.Listener {
	t.Helper()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { listener.Close() })

	go func() {
		for {
			nc, err := listener.Accept()
			if err != nil {
				return
			}
			go func() {
				buf := make([]byte, 1024)
				for {
					if _, err := nc.Read(buf); err != nil {
						nc.Close()
						return
					}
				}
			}()
		}
	}()

	return listener
}

func TestPoolReusesConnections(t *testing.T) {
	listener := acceptLoop(t)
	addr := "tcp://" + listener.Addr().String()

	pool := NewConnectionPool(4, 2)
	defer pool.Close()

	conn, err := pool.Acquire(addr)
	require.NoError(t, err)

	pool.Release(conn)
	assert.Equal(t, 1, pool.IdleCount())

	again, err := pool.Acquire(addr)
	require.NoError(t, err)
	assert.Same(t, conn, again)
	assert.Equal(t, 0, pool.IdleCount())

	pool.Release(again)
}

func TestPoolNeverReturnsBroken(t *testing.T) {
	listener := acceptLoop(t)
	addr := "tcp://" + listener.Addr().String()

	pool := NewConnectionPool(4, 2)
	defer pool.Close()

	conn, err := pool.Acquire(addr)
	require.NoError(t, err)

	conn.markBroken()
	pool.Release(conn)
	assert.Equal(t, 0, pool.IdleCount())
}

func TestPoolOverCapacity(t *testing.T) {
	listener := acceptLoop(t)
	addr := "tcp://" + listener.Addr().String()

	pool := NewConnectionPool(4, 1)
	defer pool.Close()

	first, err := pool.Acquire(addr)
	require.NoError(t, err)
	second, err := pool.Acquire(addr)
	require.NoError(t, err)

	pool.Release(first)
	pool.Release(second)

	// Per-address limit is one, the second connection is closed.
	assert.Equal(t, 1, pool.IdleCount())
}

func TestPoolClose(t *testing.T) {
	listener := acceptLoop(t)
	addr := "tcp://" + listener.Addr().String()

	pool := NewConnectionPool(4, 2)

	conn, err := pool.Acquire(addr)
	require.NoError(t, err)
	pool.Release(conn)

	pool.Close()

	_, err = pool.Acquire(addr)
	assert.True(t, errors.Is(err, utils.ErrPoolClosed))
}
