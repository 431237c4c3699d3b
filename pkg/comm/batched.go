package comm

import (
	"fmt"
	"sync"
	"time"

	"github.com/taskmesh/worker/pkg/log"
	"github.com/taskmesh/worker/pkg/utils"
)

// DefaultBatchInterval is the coalescing window of a batched sender.
const DefaultBatchInterval = 2 * time.Millisecond

// A batched sender coalesces outbound messages on one connection and
// writes them as a single wire message at most once per interval.
// Messages keep their submission order.
type BatchedSender struct {
	mu       sync.Mutex
	conn     *Conn
	interval time.Duration
	buffer   []any
	timer    *time.Timer
	closed   bool
}

func NewBatchedSender(conn *Conn, interval time.Duration) *BatchedSender {
	if interval <= 0 {
		interval = DefaultBatchInterval
	}
	return &BatchedSender{
		conn:     conn,
		interval: interval,
	}
}

// Send queues a message for the next batch.
func (b *BatchedSender) Send(msg any) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return fmt.Errorf("%w", utils.ErrSenderClosed)
	}

	b.buffer = append(b.buffer, msg)
	if b.timer == nil {
		b.timer = time.AfterFunc(b.interval, b.flush)
	}
	return nil
}

func (b *BatchedSender) flush() {
	b.mu.Lock()
	batch := b.buffer
	b.buffer = nil
	b.timer = nil
	b.mu.Unlock()

	if len(batch) == 0 {
		return
	}

	if err := b.conn.Send(batch...); err != nil {
		log.Debugf("Batched send failed: %v", err)
	}
}

// Close flushes pending messages and releases the socket.
func (b *BatchedSender) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	batch := b.buffer
	b.buffer = nil
	b.mu.Unlock()

	if len(batch) > 0 {
		if err := b.conn.Send(batch...); err != nil {
			log.Debugf("Batched send failed: %v", err)
		}
	}
	return b.conn.Close()
}
