package realtime

import (
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
)

var (
	errConnectionClosed = errors.New("connection closed")
	errBufferExceeded   = errors.New("connection buffer exceeded")
)

// Connection wraps a websocket and serializes outbound writes through a buffered channel.
// It is safe for concurrent use.
type Connection struct {
	ws     *websocket.Conn
	send   chan []byte
	once   sync.Once
	closed chan struct{}
}

// NewConnection wraps ws with a send buffer of the given size.
func NewConnection(ws *websocket.Conn, buffer int) *Connection {
	if buffer <= 0 {
		buffer = 128
	}
	return &Connection{
		ws:     ws,
		send:   make(chan []byte, buffer),
		closed: make(chan struct{}),
	}
}

// Start launches the write loop. It must be called exactly once per connection.
func (c *Connection) Start() {
	go c.writeLoop()
}

// Send enqueues payload. A full buffer closes the connection with 1001 instead of blocking.
func (c *Connection) Send(payload []byte) error {
	select {
	case <-c.closed:
		return errConnectionClosed
	default:
	}
	select {
	case c.send <- payload:
		return nil
	default:
		c.Close(websocket.CloseGoingAway, "send buffer full")
		return errBufferExceeded
	}
}

// Close sends a close frame with code and reason and closes the socket.
func (c *Connection) Close(code int, reason string) {
	c.once.Do(func() {
		close(c.closed)
		_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(writeWait))
		_ = c.ws.Close()
	})
}

// Done is closed once the connection is closed.
func (c *Connection) Done() <-chan struct{} {
	return c.closed
}

func (c *Connection) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-c.closed:
			return
		case msg := <-c.send:
			if err := c.write(websocket.TextMessage, msg); err != nil {
				c.Close(websocket.CloseAbnormalClosure, "write failed")
				return
			}
		case <-ticker.C:
			if err := c.write(websocket.PingMessage, nil); err != nil {
				c.Close(websocket.CloseAbnormalClosure, "ping failed")
				return
			}
		}
	}
}

func (c *Connection) write(messageType int, payload []byte) error {
	if err := c.ws.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return c.ws.WriteMessage(messageType, payload)
}

// prepareRead applies the read limit and keeps the read deadline moving with pongs.
func (c *Connection) prepareRead() {
	c.ws.SetReadLimit(maxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})
}
