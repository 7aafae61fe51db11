package transport

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	// maxFrameSize bounds inbound frames.
	maxFrameSize = 1 << 20
)

type closeRequest struct {
	code   int
	reason string
}

// WSConn adapts a gorilla WebSocket to Conn. Writes go through a buffered
// channel drained by a single write pump.
type WSConn struct {
	Attachment

	id      string
	conn    *websocket.Conn
	sendCh  chan []byte
	closeCh chan closeRequest
	done    chan struct{}
	closing atomic.Bool
	once    sync.Once
}

// NewWSConn wraps conn and starts its write pump.
func NewWSConn(id string, conn *websocket.Conn, sendBuffer int) *WSConn {
	if sendBuffer <= 0 {
		sendBuffer = 256
	}
	c := &WSConn{
		id:      id,
		conn:    conn,
		sendCh:  make(chan []byte, sendBuffer),
		closeCh: make(chan closeRequest, 1),
		done:    make(chan struct{}),
	}
	go c.writePump()
	return c
}

func (c *WSConn) ID() string { return c.id }

func (c *WSConn) Done() <-chan struct{} { return c.done }

// Send queues data. A full buffer drops the frame; the peer can resubscribe.
func (c *WSConn) Send(data []byte) error {
	if c.closing.Load() {
		return ErrClosed
	}
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	select {
	case c.sendCh <- data:
		return nil
	case <-c.done:
		return ErrClosed
	default:
		slog.Warn("WebSocket send buffer full, dropping frame", "connId", c.id)
		return ErrBufferFull
	}
}

// Close flushes queued frames, sends a close frame with code and closes the
// socket. Only the first call has an effect.
func (c *WSConn) Close(code int, reason string) error {
	if !c.closing.CompareAndSwap(false, true) {
		return nil
	}
	select {
	case c.closeCh <- closeRequest{code: code, reason: reason}:
	default:
	}
	return nil
}

// ReadLoop reads frames until the socket fails, calling onFrame for each text
// or binary message. Ping/pong keepalive runs alongside.
func (c *WSConn) ReadLoop(onFrame func([]byte)) error {
	c.conn.SetReadLimit(maxFrameSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			c.terminate()
			return err
		}
		onFrame(data)
	}
}

func (c *WSConn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.terminate()
	}()

	for {
		select {
		case data := <-c.sendCh:
			if !c.write(data) {
				return
			}
		case req := <-c.closeCh:
			c.flush()
			msg := websocket.FormatCloseMessage(req.code, req.reason)
			_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
			return
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *WSConn) write(data []byte) bool {
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		slog.Debug("WebSocket write failed", "connId", c.id, "error", err)
		return false
	}
	return true
}

// flush writes whatever is already queued before a close frame.
func (c *WSConn) flush() {
	for {
		select {
		case data := <-c.sendCh:
			if !c.write(data) {
				return
			}
		default:
			return
		}
	}
}

// terminate signals done before closing the socket so readers observe it first.
func (c *WSConn) terminate() {
	c.once.Do(func() {
		c.closing.Store(true)
		close(c.done)
		c.conn.Close()
	})
}
