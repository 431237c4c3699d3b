package comm

import (
	"fmt"
	"sync"

	"github.com/taskmesh/worker/pkg/utils"
)

const (
	// DefaultPoolLimit caps idle connections across all addresses.
	DefaultPoolLimit = 512

	// DefaultPoolLimitPerAddr caps idle connections per address.
	DefaultPoolLimitPerAddr = 8
)

// An address-keyed cache of reusable connections.
type ConnectionPool struct {
	mu sync.Mutex

	// Idle connections per address.
	idle map[string][]*Conn

	// Total number of idle connections.
	idleCount int

	limit        int
	limitPerAddr int
	closed       bool
}

func NewConnectionPool(limit, limitPerAddr int) *ConnectionPool {
	if limit <= 0 {
		limit = DefaultPoolLimit
	}
	if limitPerAddr <= 0 {
		limitPerAddr = DefaultPoolLimitPerAddr
	}
	return &ConnectionPool{
		idle:         map[string][]*Conn{},
		limit:        limit,
		limitPerAddr: limitPerAddr,
	}
}

// Acquire returns an idle connection to the address, or dials a new one.
func (p *ConnectionPool) Acquire(addr string) (*Conn, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, fmt.Errorf("%w", utils.ErrPoolClosed)
	}

	for {
		conns := p.idle[addr]
		if len(conns) == 0 {
			break
		}

		conn := conns[len(conns)-1]
		p.idle[addr] = conns[:len(conns)-1]
		p.idleCount--

		// Broken connections are discarded, never handed out.
		if conn.Broken() {
			conn.Close()
			continue
		}

		p.mu.Unlock()
		return conn, nil
	}
	p.mu.Unlock()

	return Dial(addr)
}

// Release returns a connection to the idle set, or closes it if it is
// broken or the pool is over capacity.
func (p *ConnectionPool) Release(conn *Conn) {
	if conn == nil {
		return
	}

	if conn.Broken() {
		conn.Close()
		return
	}

	addr := conn.Addr()

	p.mu.Lock()
	if p.closed ||
		p.idleCount >= p.limit ||
		len(p.idle[addr]) >= p.limitPerAddr {
		p.mu.Unlock()
		conn.Close()
		return
	}

	p.idle[addr] = append(p.idle[addr], conn)
	p.idleCount++
	p.mu.Unlock()
}

// Close closes every pooled connection.
func (p *ConnectionPool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.closed = true
	for _, conns := range p.idle {
		for _, conn := range conns {
			conn.Close()
		}
	}
	p.idle = map[string][]*Conn{}
	p.idleCount = 0
}

// IdleCount returns the number of idle connections.
func (p *ConnectionPool) IdleCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.idleCount
}
