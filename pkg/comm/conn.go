package comm

import (
	"bufio"
	"fmt"
	"net"
	"sync"

	"github.com/taskmesh/worker/pkg/protocol"
	"github.com/taskmesh/worker/pkg/utils"
)

var errNotAMessage = fmt.Errorf("%w: expected a message map", utils.ErrProtocolViolation)

// A framed message connection. Messages are sent as one frame each;
// received frames that decode as binary maps are decoded, other frames
// are returned as raw byte blobs.
type Conn struct {
	nc net.Conn
	r  *bufio.Reader

	wmu sync.Mutex
	rmu sync.Mutex

	mu     sync.Mutex
	broken bool
	closed bool

	// Address the connection was dialed to, if any.
	addr string
}

func NewConn(nc net.Conn) *Conn {
	return &Conn{
		nc: nc,
		r:  bufio.NewReader(nc),
	}
}

// Dial opens a framed connection to the given address.
func Dial(addr string) (*Conn, error) {
	parsed, err := ParseAddr(addr)
	if err != nil {
		return nil, err
	}

	nc, err := net.Dial("tcp", parsed.HostPort())
	if err != nil {
		return nil, err
	}

	conn := NewConn(nc)
	conn.addr = parsed.String()
	return conn, nil
}

// Send writes the given messages as one wire message, one frame per
// message. Byte blobs are written untouched, everything else is
// encoded as a binary map.
func (c *Conn) Send(msgs ...any) error {
	frames := make([][]byte, 0, len(msgs))
	for _, msg := range msgs {
		if blob, ok := msg.([]byte); ok {
			frames = append(frames, blob)
			continue
		}

		frame, err := protocol.Encode(msg)
		if err != nil {
			return err
		}
		frames = append(frames, frame)
	}

	c.wmu.Lock()
	defer c.wmu.Unlock()

	if err := writeFrames(c.nc, frames); err != nil {
		c.markBroken()
		return err
	}
	return nil
}

// Recv reads one wire message and returns its decoded frames.
func (c *Conn) Recv() ([]any, error) {
	c.rmu.Lock()
	defer c.rmu.Unlock()

	frames, err := readFrames(c.r)
	if err != nil {
		c.markBroken()
		return nil, err
	}

	msgs := make([]any, 0, len(frames))
	for _, frame := range frames {
		if protocol.IsMap(frame) {
			if v, err := protocol.Decode(frame); err == nil {
				msgs = append(msgs, v)
				continue
			}
		}
		msgs = append(msgs, frame)
	}
	return msgs, nil
}

// RecvMsg reads one wire message that is expected to be a single
// message map.
func (c *Conn) RecvMsg() (protocol.Msg, error) {
	msgs, err := c.Recv()
	if err != nil {
		return nil, err
	}

	for _, m := range msgs {
		if msg, ok := m.(map[string]any); ok {
			return protocol.Msg(msg), nil
		}
	}
	return nil, errNotAMessage
}

func (c *Conn) markBroken() {
	c.mu.Lock()
	c.broken = true
	c.mu.Unlock()
}

// Broken reports whether an I/O error has occurred on the connection.
func (c *Conn) Broken() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.broken
}

func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()
	return c.nc.Close()
}

// Addr returns the address the connection was dialed to, or the
// remote address for accepted connections.
func (c *Conn) Addr() string {
	if c.addr != "" {
		return c.addr
	}
	return c.nc.RemoteAddr().String()
}

func (c *Conn) LocalAddr() net.Addr {
	return c.nc.LocalAddr()
}
