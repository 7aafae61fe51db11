package coordinator

import (
	"context"
	"errors"
	"strings"

	"go.opentelemetry.io/otel/codes"

	"github.com/workspace/session-coordinator/internal/persistence"
	"github.com/workspace/session-coordinator/internal/protocol"
	"github.com/workspace/session-coordinator/internal/telemetry"
	"github.com/workspace/session-coordinator/internal/transport"
)

// HandleMessage dispatches one inbound frame from conn. Frame errors are
// answered on conn and never returned; the error is non-nil only when the
// actor could not run the frame at all.
func (c *Coordinator) HandleMessage(ctx context.Context, conn transport.Conn, raw []byte) error {
	return c.exec(ctx, func() {
		c.handleFrame(ctx, conn, raw)
	})
}

func (c *Coordinator) handleFrame(ctx context.Context, conn transport.Conn, raw []byte) {
	in, err := protocol.Parse(raw)
	if err != nil {
		c.reject(conn, err)
		return
	}
	c.cfg.Metrics.FrameReceived(string(in.Type))

	_, span := telemetry.StartSpan(ctx, c.cfg.Tracer, "coordinator.frame",
		telemetry.AttrSessionID.String(c.cfg.SessionID),
		telemetry.AttrFrameType.String(string(in.Type)),
	)
	defer span.End()

	if err := c.route(conn, in); err != nil {
		if codeFor(err) == protocol.CodeInternal {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		c.reject(conn, err)
	}
}

func (c *Coordinator) route(conn transport.Conn, in protocol.Inbound) error {
	if in.Type.SandboxOnly() {
		if !c.isSandbox(conn) {
			c.log.Warn("Rejected sandbox frame from unauthenticated connection", "connId", conn.ID(), "type", in.Type)
			return &protocol.Error{Code: protocol.CodeUnauthorized, Message: "frame accepted only from the authenticated sandbox"}
		}
		return c.applySandboxFrame(in)
	}

	switch in.Type {
	case protocol.TypeSubscribe:
		return c.handleSubscribe(conn, in)
	case protocol.TypeSandboxConnect:
		return c.handleSandboxConnect(conn, in)
	case protocol.TypePing:
		if cl, ok := c.clients[conn.ID()]; ok {
			c.touchPresence(cl)
		}
		return c.send(conn, protocol.Pong(c.now().UnixMilli()))
	case protocol.TypePong:
		return nil
	}

	cl, err := c.requireClient(conn)
	if err != nil {
		return err
	}
	switch in.Type {
	case protocol.TypePrompt:
		return c.handlePrompt(conn, cl, in)
	case protocol.TypeStop:
		var f protocol.Stop
		if err := in.Decode(&f); err != nil {
			return err
		}
		_, err := c.forwardStop(f.MessageID)
		return err
	case protocol.TypeTyping:
		c.touchPresence(cl)
		c.maybeSpawn()
		return nil
	}
	return &protocol.Error{Code: protocol.CodeUnknownType, Message: "unhandled frame type " + string(in.Type)}
}

func (c *Coordinator) handleSubscribe(conn transport.Conn, in protocol.Inbound) error {
	var f protocol.Subscribe
	if err := in.Decode(&f); err != nil {
		return err
	}

	// A bad token leaves the grace timer running so the client can retry.
	claims, err := c.cfg.ClientValidator.Validate(f.Token)
	if err != nil {
		c.log.Info("Client token rejected", "connId", conn.ID(), "error", err)
		return &protocol.Error{Code: protocol.CodeUnauthorized, Message: "invalid token"}
	}
	if !claims.AllowsSession(c.cfg.SessionID) {
		return &protocol.Error{Code: protocol.CodeUnauthorized, Message: "token is not valid for this session"}
	}

	if _, err := c.session(); err != nil {
		if errors.Is(err, ErrNotInitialized) {
			c.stopGraceTimer(conn.ID())
			c.reject(conn, err)
			_ = conn.Close(protocol.CloseSessionNotInitialized, "session not initialized")
			return nil
		}
		return err
	}

	source := persistence.ParticipantSource(f.Source)
	if !source.Valid() {
		source = persistence.ParticipantSource(claims.Source)
	}
	if !source.Valid() {
		source = persistence.SourceWeb
	}
	name := strings.TrimSpace(claims.Name)
	if name == "" {
		name = claims.Subject
	}

	p, err := c.cfg.Store.UpsertParticipant(persistence.Participant{
		ID:          c.cfg.NewID(),
		UserID:      claims.Subject,
		DisplayName: name,
		Email:       claims.Email,
		Source:      source,
	}, c.now())
	if err != nil {
		return err
	}

	_, resubscribe := c.clients[conn.ID()]
	joined := !resubscribe && !c.participantConnected(p.ID)
	c.clients[conn.ID()] = &client{conn: conn, participant: p, lastTouched: c.now()}
	c.stopGraceTimer(conn.ID())
	delete(c.orphans, conn.ID())

	if err := c.send(conn, protocol.Subscribed(c.cfg.SessionID, p.ID, conn.ID())); err != nil {
		return nil
	}
	if err := c.replay(conn); err != nil {
		return err
	}
	state, err := c.sessionState()
	if err != nil {
		return err
	}
	if err := c.send(conn, protocol.SessionState(state)); err != nil {
		return nil
	}
	if joined {
		c.broadcast(protocol.ParticipantJoined(p), conn.ID())
	}

	c.log.Info("Client subscribed", "connId", conn.ID(), "participantId", p.ID, "source", p.Source, "resubscribe", resubscribe)
	return nil
}

func (c *Coordinator) handlePrompt(conn transport.Conn, cl *client, in protocol.Inbound) error {
	var f protocol.Prompt
	if err := in.Decode(&f); err != nil {
		return err
	}
	authorID := f.AuthorID
	if authorID == "" {
		authorID = cl.participant.UserID
	}

	res, err := c.submitPrompt(PromptRequest{
		Content:       f.Content,
		AuthorID:      authorID,
		RequestID:     f.RequestID,
		ParticipantID: cl.participant.ID,
	})
	if err != nil {
		return err
	}
	c.touchPresence(cl)

	_ = c.send(conn, protocol.PromptAccepted(res.Message.ID, f.RequestID, res.Duplicate))
	if res.Queued {
		_ = c.send(conn, protocol.ErrorOut(protocol.CodePromptQueued,
			"no sandbox connected; prompt queued for delivery", protocol.SeverityError))
	}
	return nil
}

// touchPresence refreshes the participant's last-active time. Writes are
// limited to one per half online window so a steady ping keeps the
// participant online without a write per frame.
func (c *Coordinator) touchPresence(cl *client) {
	now := c.now()
	if !cl.lastTouched.IsZero() && now.Sub(cl.lastTouched) < c.cfg.OnlineWindow/2 {
		return
	}
	if err := c.cfg.Store.TouchParticipant(cl.participant.ID, now); err != nil {
		c.log.Debug("Failed to touch participant", "participantId", cl.participant.ID, "error", err)
		return
	}
	cl.lastTouched = now
}
