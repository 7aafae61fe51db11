package coordinator

import (
	"context"
	"time"

	"github.com/workspace/session-coordinator/internal/persistence"
	"github.com/workspace/session-coordinator/internal/protocol"
	"github.com/workspace/session-coordinator/internal/transport"
)

// client is a subscribed connection and the participant behind it.
type client struct {
	conn        transport.Conn
	participant persistence.Participant
	lastTouched time.Time
}

// sandboxTag is the attachment written to an authenticated sandbox
// connection. Together with the sandbox_connections row it lets a fresh
// coordinator recognise the sandbox without a new handshake.
type sandboxTag struct {
	IsSandbox       bool   `cbor:"isSandbox"`
	SandboxID       string `cbor:"sandboxId"`
	Epoch           int64  `cbor:"epoch"`
	AuthenticatedAt int64  `cbor:"authenticatedAt"`
}

func sandboxTagOf(conn transport.Conn) (sandboxTag, bool) {
	var tag sandboxTag
	ok, err := conn.DeserializeAttachment(&tag)
	if err != nil || !ok || !tag.IsSandbox {
		return sandboxTag{}, false
	}
	return tag, true
}

// HandleOpen registers a new, unauthenticated connection. It must send
// subscribe or sandbox_connect within the subscribe timeout.
func (c *Coordinator) HandleOpen(ctx context.Context, conn transport.Conn) error {
	return c.exec(ctx, func() {
		c.startGraceTimer(conn)
	})
}

// HandleClose removes a terminated connection from the registry.
func (c *Coordinator) HandleClose(ctx context.Context, conn transport.Conn) error {
	return c.exec(ctx, func() {
		c.handleClose(conn)
	})
}

func (c *Coordinator) handleClose(conn transport.Conn) {
	id := conn.ID()
	c.stopGraceTimer(id)
	delete(c.orphans, id)

	if cl, ok := c.clients[id]; ok {
		delete(c.clients, id)
		if err := c.cfg.Store.TouchParticipant(cl.participant.ID, c.now()); err != nil {
			c.log.Warn("Failed to touch participant on close", "participantId", cl.participant.ID, "error", err)
		}
		if !c.participantConnected(cl.participant.ID) {
			p := cl.participant
			p.IsOnline = false
			c.broadcast(protocol.ParticipantLeft(p), "")
		}
		c.log.Debug("Client disconnected", "connId", id, "participantId", cl.participant.ID)
		return
	}

	if c.sandbox != nil && c.sandbox.ID() == id {
		c.sandboxGone(c.sandboxEpoch)
		return
	}

	// Not rehydrated yet: the attachment and the side table still identify
	// the current sandbox.
	if tag, ok := sandboxTagOf(conn); ok && c.sandbox == nil {
		row, err := c.cfg.Store.GetSandboxConnection(c.cfg.SessionID)
		if err != nil {
			c.log.Warn("Failed to read sandbox connection", "error", err)
			return
		}
		if row != nil && row.DisconnectedAt == nil && row.SandboxID == tag.SandboxID && row.Epoch == tag.Epoch {
			c.sandboxGone(tag.Epoch)
		}
	}
}

func (c *Coordinator) sandboxGone(epoch int64) {
	c.sandbox = nil
	c.sandboxEpoch = 0
	if err := c.cfg.Store.MarkSandboxDisconnected(c.cfg.SessionID, epoch, c.now()); err != nil {
		c.log.Warn("Failed to record sandbox disconnect", "epoch", epoch, "error", err)
	}
	c.log.Info("Sandbox disconnected", "epoch", epoch)
	if err := c.setSandboxStatus(persistence.SandboxStopped, ""); err != nil {
		c.log.Warn("Failed to record stopped sandbox", "epoch", epoch, "error", err)
	}
}

func (c *Coordinator) participantConnected(participantID string) bool {
	for _, cl := range c.clients {
		if cl.participant.ID == participantID {
			return true
		}
	}
	return false
}

// resolveSandbox returns the current sandbox connection. After the actor has
// lost its memory the live connections are scanned for an attachment that
// matches the durable side-table row.
func (c *Coordinator) resolveSandbox() transport.Conn {
	if c.sandbox != nil {
		return c.sandbox
	}

	row, err := c.cfg.Store.GetSandboxConnection(c.cfg.SessionID)
	if err != nil {
		c.log.Warn("Failed to read sandbox connection", "error", err)
		return nil
	}
	if row == nil || row.DisconnectedAt != nil {
		return nil
	}

	for _, conn := range c.cfg.Conns() {
		select {
		case <-conn.Done():
			continue
		default:
		}
		tag, ok := sandboxTagOf(conn)
		if !ok || tag.SandboxID != row.SandboxID || tag.Epoch != row.Epoch {
			continue
		}
		c.sandbox = conn
		c.sandboxEpoch = row.Epoch
		c.stopGraceTimer(conn.ID())
		delete(c.orphans, conn.ID())
		c.log.Info("Rehydrated sandbox connection", "connId", conn.ID(), "sandboxId", tag.SandboxID, "epoch", tag.Epoch)
		return conn
	}
	return nil
}

func (c *Coordinator) isSandbox(conn transport.Conn) bool {
	sb := c.resolveSandbox()
	return sb != nil && sb.ID() == conn.ID()
}

// requireClient returns the subscribed client behind conn, or the error a
// client frame from an unsubscribed connection receives.
func (c *Coordinator) requireClient(conn transport.Conn) (*client, error) {
	if cl, ok := c.clients[conn.ID()]; ok {
		return cl, nil
	}
	if c.orphans[conn.ID()] {
		return nil, &protocol.Error{Code: protocol.CodeResubscribeRequired, Message: "session was restarted; send subscribe again"}
	}
	return nil, &protocol.Error{Code: protocol.CodeNotSubscribed, Message: "send subscribe first"}
}

func (c *Coordinator) startGraceTimer(conn transport.Conn) {
	id := conn.ID()
	if _, ok := c.graceTimers[id]; ok {
		return
	}
	c.graceTimers[id] = time.AfterFunc(c.cfg.SubscribeTimeout, func() {
		c.post(func() { c.graceExpired(conn) })
	})
}

func (c *Coordinator) stopGraceTimer(id string) {
	if t, ok := c.graceTimers[id]; ok {
		t.Stop()
		delete(c.graceTimers, id)
	}
}

func (c *Coordinator) graceExpired(conn transport.Conn) {
	id := conn.ID()
	if _, ok := c.graceTimers[id]; !ok {
		return
	}
	delete(c.graceTimers, id)
	if _, ok := c.clients[id]; ok {
		return
	}
	if c.sandbox != nil && c.sandbox.ID() == id {
		return
	}
	c.log.Info("Closing connection that never authenticated", "connId", id, "timeout", c.cfg.SubscribeTimeout)
	delete(c.orphans, id)
	if err := conn.Close(protocol.CloseSubscribeTimeout, "subscribe timeout"); err != nil {
		c.log.Debug("Close after subscribe timeout failed", "connId", id, "error", err)
	}
}
