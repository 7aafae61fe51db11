package coordinator

import (
	"errors"

	"github.com/workspace/session-coordinator/internal/persistence"
	"github.com/workspace/session-coordinator/internal/protocol"
	"github.com/workspace/session-coordinator/internal/transport"
)

// broadcast sends frame to every subscribed client except exclude. A failing
// connection is logged and skipped.
func (c *Coordinator) broadcast(frame protocol.Frame, exclude string) {
	data, err := protocol.Encode(frame)
	if err != nil {
		c.log.Error("Failed to encode broadcast frame", "type", frame.FrameType(), "error", err)
		return
	}

	failures := 0
	for id, cl := range c.clients {
		if id == exclude {
			continue
		}
		if err := cl.conn.Send(data); err != nil {
			failures++
			c.log.Warn("Broadcast send failed", "connId", id, "type", frame.FrameType(), "error", err)
		}
	}
	c.cfg.Metrics.Broadcast(string(frame.FrameType()), failures)
}

// send delivers frame to a single connection.
func (c *Coordinator) send(conn transport.Conn, frame protocol.Frame) error {
	data, err := protocol.Encode(frame)
	if err != nil {
		return err
	}
	if err := conn.Send(data); err != nil {
		c.cfg.Metrics.SendFailed()
		c.log.Debug("Send failed", "connId", conn.ID(), "type", frame.FrameType(), "error", err)
		return err
	}
	return nil
}

// reject reports err to conn as an error frame.
func (c *Coordinator) reject(conn transport.Conn, err error) {
	code := codeFor(err)
	msg := err.Error()
	if code == protocol.CodeInternal {
		c.log.Error("Frame handling failed", "connId", conn.ID(), "error", err)
		msg = "internal error"
	} else {
		var pe *protocol.Error
		if errors.As(err, &pe) {
			msg = pe.Message
		}
	}
	c.cfg.Metrics.FrameRejected(string(code))
	_ = c.send(conn, protocol.ErrorOut(code, msg, protocol.SeverityError))
}

func codeFor(err error) protocol.ErrorCode {
	switch {
	case errors.Is(err, ErrArchived), errors.Is(err, persistence.ErrSessionArchived):
		return protocol.CodeSessionArchived
	case errors.Is(err, ErrNotInitialized):
		return protocol.CodeNotInitialized
	case errors.Is(err, ErrUnknownMessage):
		return protocol.CodeUnknownMessage
	}
	return protocol.CodeOf(err)
}

// replay sends the bounded history window to conn. Limits are server
// configuration and are echoed in the frame.
func (c *Coordinator) replay(conn transport.Conn) error {
	messages, err := c.cfg.Store.RecentMessages(c.cfg.HistoryMessageLimit)
	if err != nil {
		return err
	}
	events, err := c.cfg.Store.RecentEvents(c.cfg.HistoryEventLimit)
	if err != nil {
		return err
	}
	return c.send(conn, protocol.History(messages, events, c.cfg.HistoryMessageLimit, c.cfg.HistoryEventLimit))
}

func (c *Coordinator) sessionState() (persistence.SessionState, error) {
	state, err := c.cfg.Store.GetSessionState(c.cfg.OnlineWindow, c.now())
	if errors.Is(err, persistence.ErrNotFound) {
		return persistence.SessionState{}, ErrNotInitialized
	}
	return state, err
}

func (c *Coordinator) broadcastState() {
	state, err := c.sessionState()
	if err != nil {
		c.log.Warn("Failed to load session state for broadcast", "error", err)
		return
	}
	c.broadcast(protocol.SessionState(state), "")
}
