package comm

import (
	"github.com/taskmesh/worker/pkg/protocol"
)

// Call performs a one-shot request/reply over a new connection.
func Call(addr string, msg protocol.Msg) (any, error) {
	conn, err := Dial(addr)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	return roundTrip(conn, msg)
}

// An RPC client multiplexing one-shot calls over pooled connections.
type RPC struct {
	pool *ConnectionPool
}

func NewRPC(pool *ConnectionPool) *RPC {
	return &RPC{pool: pool}
}

// Call performs a request/reply exchange with the given peer. The
// connection is returned to the pool afterwards unless it broke.
func (r *RPC) Call(addr string, msg protocol.Msg) (any, error) {
	conn, err := r.pool.Acquire(addr)
	if err != nil {
		return nil, err
	}
	defer r.pool.Release(conn)

	return roundTrip(conn, msg)
}

func roundTrip(conn *Conn, msg protocol.Msg) (any, error) {
	if _, ok := msg["reply"]; !ok {
		msg["reply"] = true
	}

	if err := conn.Send(msg); err != nil {
		return nil, err
	}

	msgs, err := conn.Recv()
	if err != nil {
		return nil, err
	}
	if len(msgs) == 1 {
		return msgs[0], nil
	}
	return msgs, nil
}
