package coordinator

import (
	"context"
	"strings"

	"github.com/workspace/session-coordinator/internal/persistence"
	"github.com/workspace/session-coordinator/internal/protocol"
)

// InitParams creates the session row.
type InitParams struct {
	OrganizationID string `json:"organizationId"`
	UserID         string `json:"userId"`
	RepoOwner      string `json:"repoOwner"`
	RepoName       string `json:"repoName"`
	Branch         string `json:"branch"`
	Model          string `json:"model,omitempty"`
}

// Init creates the session if it does not exist yet. It reports whether the
// row was created by this call.
func (c *Coordinator) Init(ctx context.Context, p InitParams) (persistence.Session, bool, error) {
	var (
		sess    persistence.Session
		created bool
		err     error
	)
	if strings.TrimSpace(p.UserID) == "" {
		return sess, false, &protocol.Error{Code: protocol.CodeInvalidFrame, Message: "userId is required"}
	}
	model := p.Model
	if model == "" {
		model = c.cfg.DefaultModel
	}

	if xerr := c.exec(ctx, func() {
		sess, created, err = c.cfg.Store.CreateSession(persistence.CreateSessionParams{
			ID:             c.cfg.SessionID,
			OrganizationID: p.OrganizationID,
			UserID:         p.UserID,
			RepoOwner:      p.RepoOwner,
			RepoName:       p.RepoName,
			Branch:         p.Branch,
			Model:          model,
		}, c.now())
		if err != nil {
			return
		}
		c.archived = sess.Status == persistence.SessionArchived
		if created {
			c.log.Info("Session initialized", "repo", p.RepoOwner+"/"+p.RepoName, "branch", p.Branch, "model", model)
		}
	}); xerr != nil {
		return sess, false, xerr
	}
	return sess, created, err
}

// State returns the materialized session view.
func (c *Coordinator) State(ctx context.Context) (persistence.SessionState, error) {
	var (
		state persistence.SessionState
		err   error
	)
	if xerr := c.exec(ctx, func() {
		state, err = c.sessionState()
	}); xerr != nil {
		return state, xerr
	}
	return state, err
}

// Prompt submits a prompt on behalf of a caller without a socket.
func (c *Coordinator) Prompt(ctx context.Context, req PromptRequest) (PromptResult, error) {
	var (
		res PromptResult
		err error
	)
	if xerr := c.exec(ctx, func() {
		res, err = c.submitPrompt(req)
	}); xerr != nil {
		return res, xerr
	}
	return res, err
}

// Stop forwards a stop signal to the sandbox. An empty messageID stops all
// execution. It reports whether a sandbox was connected to receive it.
func (c *Coordinator) Stop(ctx context.Context, messageID string) (bool, error) {
	var (
		forwarded bool
		err       error
	)
	if xerr := c.exec(ctx, func() {
		forwarded, err = c.forwardStop(messageID)
	}); xerr != nil {
		return false, xerr
	}
	return forwarded, err
}

func (c *Coordinator) forwardStop(messageID string) (bool, error) {
	if _, err := c.session(); err != nil {
		return false, err
	}
	if messageID != "" {
		if _, err := c.message(messageID); err != nil {
			return false, err
		}
	}
	sb := c.resolveSandbox()
	if sb == nil {
		return false, nil
	}
	if err := c.send(sb, protocol.SandboxStop(messageID)); err != nil {
		return false, nil
	}
	c.log.Info("Stop forwarded to sandbox", "messageId", messageID)
	return true, nil
}

// IngestSandboxFrame applies a sandbox frame delivered out of band. Only
// event, execution_started and execution_complete are accepted.
func (c *Coordinator) IngestSandboxFrame(ctx context.Context, raw []byte) error {
	in, err := protocol.Parse(raw)
	if err != nil {
		return err
	}
	if !in.Type.SandboxOnly() {
		return &protocol.Error{Code: protocol.CodeInvalidFrame, Message: string(in.Type) + " is not a sandbox frame"}
	}
	c.cfg.Metrics.FrameReceived(string(in.Type))

	if xerr := c.exec(ctx, func() {
		if _, err = c.session(); err != nil {
			return
		}
		err = c.applySandboxFrame(in)
	}); xerr != nil {
		return xerr
	}
	return err
}

// Events lists persisted events.
func (c *Coordinator) Events(ctx context.Context, filter persistence.EventFilter, limit, offset int) ([]persistence.Event, error) {
	var (
		events []persistence.Event
		err    error
	)
	if xerr := c.exec(ctx, func() {
		if _, err = c.session(); err != nil {
			return
		}
		events, err = c.cfg.Store.ListEvents(filter, limit, offset)
	}); xerr != nil {
		return nil, xerr
	}
	return events, err
}

// Messages lists persisted messages.
func (c *Coordinator) Messages(ctx context.Context, filter persistence.MessageFilter, limit, offset int) ([]persistence.Message, error) {
	var (
		messages []persistence.Message
		err      error
	)
	if xerr := c.exec(ctx, func() {
		if _, err = c.session(); err != nil {
			return
		}
		messages, err = c.cfg.Store.ListMessages(filter, limit, offset)
	}); xerr != nil {
		return nil, xerr
	}
	return messages, err
}

// Pending returns the in-memory prompt queue, oldest first.
func (c *Coordinator) Pending(ctx context.Context) ([]PendingEntry, error) {
	var out []PendingEntry
	err := c.exec(ctx, func() {
		out = c.pendingSnapshot()
	})
	return out, err
}

// Archive moves the session to its terminal archived state.
func (c *Coordinator) Archive(ctx context.Context) (persistence.Session, error) {
	var (
		sess persistence.Session
		err  error
	)
	if xerr := c.exec(ctx, func() {
		if _, err = c.session(); err != nil {
			return
		}
		sess, err = c.cfg.Store.ArchiveSession(c.now())
		if err != nil {
			return
		}
		if !c.archived {
			c.archived = true
			c.log.Info("Session archived")
			c.broadcastState()
		}
	}); xerr != nil {
		return sess, xerr
	}
	return sess, err
}
