package coordinator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/workspace/session-coordinator/internal/persistence"
	"github.com/workspace/session-coordinator/internal/protocol"
	"github.com/workspace/session-coordinator/internal/spawner"
	"github.com/workspace/session-coordinator/internal/transport"
)

// gitSyncComplete is the git_sync status that ends a sync.
const gitSyncComplete = "complete"

func (c *Coordinator) handleSandboxConnect(conn transport.Conn, in protocol.Inbound) error {
	var f protocol.SandboxConnect
	if err := in.Decode(&f); err != nil {
		return err
	}

	claims, err := c.cfg.SandboxValidator.Validate(f.Token)
	switch {
	case err != nil:
	case claims.SandboxID != "" && claims.SandboxID != f.SandboxID:
		err = errors.New("token bound to a different sandbox")
	case !claims.AllowsSession(c.cfg.SessionID):
		err = errors.New("token bound to a different session")
	}
	if err != nil {
		c.log.Warn("Sandbox authentication failed", "connId", conn.ID(), "sandboxId", f.SandboxID, "error", err)
		c.stopGraceTimer(conn.ID())
		_ = conn.Close(protocol.CloseSandboxAuthFailed, "sandbox authentication failed")
		return nil
	}

	if _, err := c.session(); err != nil {
		if errors.Is(err, ErrNotInitialized) {
			c.stopGraceTimer(conn.ID())
			_ = conn.Close(protocol.CloseSessionNotInitialized, "session not initialized")
			return nil
		}
		return err
	}

	old := c.resolveSandbox()

	row, err := c.cfg.Store.RecordSandboxConnection(c.cfg.SessionID, f.SandboxID, c.now())
	if err != nil {
		return err
	}
	tag := sandboxTag{
		IsSandbox:       true,
		SandboxID:       f.SandboxID,
		Epoch:           row.Epoch,
		AuthenticatedAt: row.AuthenticatedAt.UnixMilli(),
	}
	if err := conn.SerializeAttachment(tag); err != nil {
		return err
	}

	c.sandbox = conn
	c.sandboxEpoch = row.Epoch
	c.stopGraceTimer(conn.ID())
	delete(c.orphans, conn.ID())
	delete(c.clients, conn.ID())

	if old != nil && old.ID() != conn.ID() {
		_ = old.SerializeAttachment(nil)
		_ = old.Close(protocol.CloseSandboxSuperseded, "superseded by a newer sandbox connection")
		c.log.Info("Superseded sandbox connection", "connId", old.ID())
	}

	c.log.Info("Sandbox connected", "connId", conn.ID(), "sandboxId", f.SandboxID, "epoch", row.Epoch)
	_ = c.send(conn, protocol.SandboxConnected(c.cfg.SessionID, row.Epoch))

	c.spawning = false
	err = c.setSandboxStatus(persistence.SandboxReady, f.SandboxID)
	c.drainQueue()
	return err
}

// applySandboxFrame handles an authenticated sandbox frame, from the socket
// or from the out-of-band ingestion endpoint.
func (c *Coordinator) applySandboxFrame(in protocol.Inbound) error {
	switch in.Type {
	case protocol.TypeEvent:
		var f protocol.EventFrame
		if err := in.Decode(&f); err != nil {
			return err
		}
		return c.handleEvent(f.Event)
	case protocol.TypeExecutionStarted:
		var f protocol.ExecutionStarted
		if err := in.Decode(&f); err != nil {
			return err
		}
		return c.handleExecutionStarted(f)
	case protocol.TypeExecutionComplete:
		var f protocol.ExecutionComplete
		if err := in.Decode(&f); err != nil {
			return err
		}
		return c.handleExecutionComplete(f)
	}
	return &protocol.Error{Code: protocol.CodeInvalidFrame, Message: string(in.Type) + " is not a sandbox frame"}
}

func (c *Coordinator) handleEvent(se protocol.SandboxEvent) error {
	payload, err := se.Decode()
	if err != nil {
		return err
	}
	if _, err := c.recordEvent(se.MessageID, payload); err != nil {
		return err
	}

	switch p := payload.(type) {
	case protocol.GitSync:
		if p.Status == gitSyncComplete {
			return c.setSandboxStatus(persistence.SandboxReady, "")
		}
		return c.setSandboxStatus(persistence.SandboxSyncing, "")
	case protocol.ExecError:
		if p.Fatal {
			return c.setSandboxStatus(persistence.SandboxFailed, "")
		}
	case protocol.ExecutionCompleteEvent:
		return c.setSandboxStatus(persistence.SandboxReady, "")
	}
	return nil
}

// recordEvent persists a payload and relays it to clients. Heartbeats are
// stored but neither relayed nor replayed.
func (c *Coordinator) recordEvent(messageID string, payload protocol.Payload) (persistence.Event, error) {
	data, err := protocol.EncodePayload(payload)
	if err != nil {
		return persistence.Event{}, err
	}
	ev, err := c.cfg.Store.InsertEvent(persistence.Event{
		ID:        c.cfg.NewID(),
		SessionID: c.cfg.SessionID,
		MessageID: messageID,
		Type:      payload.EventType(),
		Payload:   data,
		CreatedAt: c.now(),
	})
	if err != nil {
		return persistence.Event{}, err
	}
	if ev.Type != persistence.HeartbeatEventType {
		c.broadcast(protocol.SandboxEventOut(ev), "")
	}
	return ev, nil
}

func (c *Coordinator) message(id string) (persistence.Message, error) {
	m, err := c.cfg.Store.GetMessage(id)
	if errors.Is(err, persistence.ErrNotFound) {
		return persistence.Message{}, fmt.Errorf("%w: %s", ErrUnknownMessage, id)
	}
	return m, err
}

func (c *Coordinator) handleExecutionStarted(f protocol.ExecutionStarted) error {
	m, err := c.message(f.MessageID)
	if err != nil {
		return err
	}
	c.queue.remove(m.ID)

	if m.Status == persistence.MessagePending {
		if err := c.cfg.Store.UpdateMessageStatus(m.ID, persistence.MessageProcessing, c.now()); err != nil {
			return err
		}
		c.broadcast(protocol.MessageStatus(m.ID, persistence.MessageProcessing), "")
	}
	return c.setSandboxStatus(persistence.SandboxRunning, "")
}

func (c *Coordinator) handleExecutionComplete(f protocol.ExecutionComplete) error {
	m, err := c.message(f.MessageID)
	if err != nil {
		return err
	}
	c.queue.remove(m.ID)

	if m.Status == persistence.MessageCompleted || m.Status == persistence.MessageFailed {
		// Redelivered completion.
		return c.setSandboxStatus(persistence.SandboxReady, "")
	}

	status := persistence.MessageCompleted
	if !f.Success {
		status = persistence.MessageFailed
	}
	if err := c.cfg.Store.UpdateMessageStatus(m.ID, status, c.now()); err != nil {
		return err
	}
	if _, err := c.recordEvent(m.ID, protocol.ExecutionCompleteEvent{Success: f.Success, Error: f.Error}); err != nil {
		return err
	}
	if err := c.materializeReply(m); err != nil {
		c.log.Warn("Failed to materialize assistant reply", "messageId", m.ID, "error", err)
	}
	c.broadcast(protocol.MessageStatus(m.ID, status), "")
	return c.setSandboxStatus(persistence.SandboxReady, "")
}

// materializeReply stores the assistant text streamed for prompt as a
// message of its own.
func (c *Coordinator) materializeReply(prompt persistence.Message) error {
	events, err := c.cfg.Store.ListEvents(persistence.EventFilter{MessageID: prompt.ID}, 0, 0)
	if err != nil {
		return err
	}

	var b strings.Builder
	for _, ev := range events {
		if ev.Type != protocol.EventToken && ev.Type != protocol.EventSessionUpdate {
			continue
		}
		payload, err := protocol.SandboxEvent{Type: ev.Type, Data: ev.Payload}.Decode()
		if err != nil {
			continue
		}
		b.WriteString(protocol.AssistantText(payload))
	}
	text := b.String()
	if strings.TrimSpace(text) == "" {
		return nil
	}

	now := c.now()
	reply, err := c.cfg.Store.InsertMessage(persistence.Message{
		ID:          c.cfg.NewID(),
		SessionID:   c.cfg.SessionID,
		Content:     text,
		Role:        persistence.RoleAssistant,
		Status:      persistence.MessageCompleted,
		CreatedAt:   now,
		CompletedAt: &now,
	})
	if err != nil {
		return err
	}
	c.broadcast(protocol.Message(reply), "")
	return nil
}

// maybeSpawn pre-warms a sandbox in response to a typing signal.
func (c *Coordinator) maybeSpawn() {
	if c.archived || c.spawning {
		return
	}
	sess, err := c.session()
	if err != nil {
		return
	}
	if sess.Status == persistence.SessionArchived {
		c.archived = true
		return
	}
	switch sess.SandboxStatus {
	case persistence.SandboxReady, persistence.SandboxRunning, persistence.SandboxWarming, persistence.SandboxSyncing:
		return
	}

	if err := c.setSandboxStatus(persistence.SandboxWarming, ""); err != nil {
		c.log.Error("Failed to record warming sandbox; spawn skipped", "error", err)
		return
	}
	c.spawning = true

	req := spawner.Request{
		SessionID: c.cfg.SessionID,
		RepoOwner: sess.RepoOwner,
		RepoName:  sess.RepoName,
		Branch:    sess.Branch,
		Model:     sess.Model,
	}
	c.log.Info("Spawning sandbox", "previousStatus", sess.SandboxStatus)

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.SpawnTimeout)
		defer cancel()

		start := time.Now()
		err := c.cfg.Spawner.Spawn(ctx, req)
		c.cfg.Metrics.SpawnFinished(time.Since(start).Seconds(), err)
		c.post(func() { c.spawnFinished(err) })
	}()
}

func (c *Coordinator) spawnFinished(err error) {
	c.spawning = false
	if err == nil {
		c.log.Info("Sandbox spawn requested")
		return
	}
	c.log.Warn("Sandbox spawn failed", "error", err)

	sess, serr := c.session()
	if serr != nil {
		return
	}
	if sess.SandboxStatus == persistence.SandboxWarming {
		if err := c.setSandboxStatus(persistence.SandboxStopped, ""); err != nil {
			c.log.Error("Failed to reset sandbox status after spawn failure", "error", err)
		}
	}
}

// setSandboxStatus persists a sandbox status and broadcasts it on change.
// Nothing is broadcast when the write fails.
func (c *Coordinator) setSandboxStatus(status persistence.SandboxStatus, sandboxID string) error {
	sess, err := c.session()
	if err != nil {
		return err
	}
	if sess.SandboxStatus == status && (sandboxID == "" || sandboxID == sess.SandboxID) {
		return nil
	}
	if err := c.cfg.Store.UpdateSandboxStatus(status, sandboxID, c.now()); err != nil {
		c.log.Error("Failed to update sandbox status", "status", status, "error", err)
		return fmt.Errorf("set sandbox status %s: %w", status, err)
	}
	if sess.SandboxStatus != status {
		c.log.Debug("Sandbox status changed", "from", sess.SandboxStatus, "to", status)
		c.broadcast(protocol.SandboxStatus(status), "")
	}
	return nil
}
