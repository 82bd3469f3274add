package server

import (
	"bufio"
	"context"
	"log/slog"
	"net"
	"sync"

	"github.com/tropx/motioncore/motion/pkg/wire"
)

// clientConn is one connected subscriber. Outbound writes never happen
// under a shared lock: each client owns its own buffered channels and a
// dedicated write goroutine, so a slow client can only ever block itself.
type clientConn struct {
	id     uint64
	conn   net.Conn
	reader *bufio.Reader
	log    *slog.Logger

	motion   chan wire.Message
	reliable chan wire.Message

	closeOnce sync.Once
	closed    chan struct{}
}

func newClientConn(id uint64, conn net.Conn, log *slog.Logger, motionQueueSize, reliableQueueSize int) *clientConn {
	return &clientConn{
		id:       id,
		conn:     conn,
		reader:   bufio.NewReader(conn),
		log:      log,
		motion:   make(chan wire.Message, motionQueueSize),
		reliable: make(chan wire.Message, reliableQueueSize),
		closed:   make(chan struct{}),
	}
}

// enqueueMotion does a non-blocking send; false means the buffer was full
// and the caller should drop this client.
func (c *clientConn) enqueueMotion(msg wire.Message) bool {
	select {
	case c.motion <- msg:
		return true
	default:
		return false
	}
}

func (c *clientConn) enqueueReliable(msg wire.Message) bool {
	select {
	case c.reliable <- msg:
		return true
	default:
		return false
	}
}

// writeLoop is the sole writer of c.conn. Reliable messages are serviced
// preferentially so status/command responses are not starved by a burst of
// motion data.
func (c *clientConn) writeLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.closed:
			return
		case msg := <-c.reliable:
			if _, err := msg.WriteTo(c.conn); err != nil {
				return
			}
		default:
			select {
			case <-ctx.Done():
				return
			case <-c.closed:
				return
			case msg := <-c.reliable:
				if _, err := msg.WriteTo(c.conn); err != nil {
					return
				}
			case msg := <-c.motion:
				if _, err := msg.WriteTo(c.conn); err != nil {
					return
				}
			}
		}
	}
}

func (c *clientConn) close() {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.conn.Close()
	})
}
