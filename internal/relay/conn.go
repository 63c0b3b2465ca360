package relay

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
)

const (
	writeTimeout = 10 * time.Second

	// browserQueueSize bounds the frames waiting for a browser that has
	// stopped reading. Past it the browser is disconnected.
	browserQueueSize = 16
)

// FrameConn is one control or browser WebSocket. Writes are serialized so
// concurrent producers never interleave frames.
type FrameConn struct {
	conn    *websocket.Conn
	remote  string
	writeMu sync.Mutex
	closed  atomic.Bool
	done    chan struct{}
	queue   chan []byte
}

func newFrameConn(conn *websocket.Conn, remote string) *FrameConn {
	return &FrameConn{
		conn:   conn,
		remote: remote,
		done:   make(chan struct{}),
	}
}

// Open reports whether the connection can still carry frames.
func (c *FrameConn) Open() bool {
	return !c.closed.Load()
}

// Done is closed once the connection is closed.
func (c *FrameConn) Done() <-chan struct{} {
	return c.done
}

// Read returns the next text frame payload.
func (c *FrameConn) Read(ctx context.Context) ([]byte, error) {
	_, data, err := c.conn.Read(ctx)
	return data, err
}

// WriteJSON marshals v and sends it as a single frame.
func (c *FrameConn) WriteJSON(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.WriteRaw(ctx, data)
}

// WriteRaw sends an already-encoded frame verbatim.
func (c *FrameConn) WriteRaw(ctx context.Context, data []byte) error {
	if c.closed.Load() {
		return ErrSessionClosed
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return c.conn.Write(writeCtx, websocket.MessageText, data)
}

// startQueue gives the connection an outbound queue of size frames, drained
// by its own goroutine until the connection closes.
func (c *FrameConn) startQueue(size int) {
	c.queue = make(chan []byte, size)
	go c.drain()
}

func (c *FrameConn) drain() {
	for {
		select {
		case data := <-c.queue:
			if err := c.WriteRaw(context.Background(), data); err != nil {
				c.Close(websocket.StatusGoingAway, "write failed")
				return
			}
		case <-c.done:
			return
		}
	}
}

// Enqueue hands data to the writer goroutine without blocking. A full queue
// means the peer stopped reading: the connection is closed and Enqueue
// reports false.
func (c *FrameConn) Enqueue(data []byte) bool {
	if c.closed.Load() {
		return false
	}
	select {
	case c.queue <- data:
		return true
	default:
		if c.markClosed() {
			// The close handshake queues behind the stuck write.
			go c.closeSocket(websocket.StatusPolicyViolation, "not reading")
		}
		return false
	}
}

// Close closes the socket once; later calls are no-ops.
func (c *FrameConn) Close(code websocket.StatusCode, reason string) {
	if c.markClosed() {
		c.closeSocket(code, reason)
	}
}

func (c *FrameConn) markClosed() bool {
	if c.closed.Swap(true) {
		return false
	}
	close(c.done)
	return true
}

func (c *FrameConn) closeSocket(code websocket.StatusCode, reason string) {
	if c.conn != nil {
		c.conn.Close(code, reason)
	}
}
