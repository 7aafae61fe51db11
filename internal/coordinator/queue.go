package coordinator

import (
	"errors"
	"strings"
	"time"

	"github.com/workspace/session-coordinator/internal/persistence"
	"github.com/workspace/session-coordinator/internal/protocol"
)

// pendingEntry is a prompt awaiting an execution_started acknowledgment.
type pendingEntry struct {
	MessageID string
	Content   string
	AuthorID  string
	CreatedAt time.Time
	// SentTo is the id of the sandbox connection the entry was last
	// delivered to. A new connection receives the entry again.
	SentTo   string
	Attempts int
}

func entryFromMessage(m persistence.Message) *pendingEntry {
	return &pendingEntry{
		MessageID: m.ID,
		Content:   m.Content,
		AuthorID:  m.AuthorID,
		CreatedAt: m.CreatedAt,
	}
}

// pendingQueue is an insertion-ordered set of entries keyed by message id.
type pendingQueue struct {
	order   []string
	entries map[string]*pendingEntry
}

func newPendingQueue() *pendingQueue {
	return &pendingQueue{entries: make(map[string]*pendingEntry)}
}

func (q *pendingQueue) add(e *pendingEntry) {
	if _, ok := q.entries[e.MessageID]; ok {
		return
	}
	q.entries[e.MessageID] = e
	q.order = append(q.order, e.MessageID)
}

func (q *pendingQueue) get(id string) *pendingEntry {
	return q.entries[id]
}

func (q *pendingQueue) remove(id string) bool {
	if _, ok := q.entries[id]; !ok {
		return false
	}
	delete(q.entries, id)
	for i, v := range q.order {
		if v == id {
			q.order = append(q.order[:i], q.order[i+1:]...)
			break
		}
	}
	return true
}

func (q *pendingQueue) len() int { return len(q.order) }

// list returns entries oldest first.
func (q *pendingQueue) list() []*pendingEntry {
	out := make([]*pendingEntry, 0, len(q.order))
	for _, id := range q.order {
		out = append(out, q.entries[id])
	}
	return out
}

// PendingEntry is the exported view of a queued prompt.
type PendingEntry struct {
	MessageID string    `json:"messageId"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"createdAt"`
	SentTo    string    `json:"sentTo,omitempty"`
	Attempts  int       `json:"attempts"`
}

// PromptRequest is a prompt submitted over a socket or the control API.
type PromptRequest struct {
	Content       string `json:"content"`
	AuthorID      string `json:"authorId,omitempty"`
	RequestID     string `json:"requestId,omitempty"`
	ParticipantID string `json:"participantId,omitempty"`
}

// PromptResult describes what happened to a submitted prompt.
type PromptResult struct {
	Message   persistence.Message `json:"message"`
	Duplicate bool                `json:"duplicate"`
	Queued    bool                `json:"queued"`
}

// submitPrompt persists a prompt, marks the session active and hands the
// prompt to the queue. The entry stays queued until the sandbox acknowledges
// execution_started, whether or not it could be sent right away.
func (c *Coordinator) submitPrompt(req PromptRequest) (PromptResult, error) {
	sess, err := c.session()
	if err != nil {
		return PromptResult{}, err
	}
	if c.archived || sess.Status == persistence.SessionArchived {
		c.archived = true
		return PromptResult{}, ErrArchived
	}
	if strings.TrimSpace(req.Content) == "" {
		return PromptResult{}, &protocol.Error{Code: protocol.CodeInvalidFrame, Message: "prompt content is empty"}
	}

	if req.RequestID != "" {
		existing, err := c.cfg.Store.FindMessageByRequestID(req.RequestID)
		if err == nil {
			return PromptResult{Message: existing, Duplicate: true, Queued: c.undelivered(existing.ID)}, nil
		}
		if !errors.Is(err, persistence.ErrNotFound) {
			return PromptResult{}, err
		}
	}

	m, err := c.cfg.Store.InsertMessage(persistence.Message{
		ID:            c.cfg.NewID(),
		SessionID:     c.cfg.SessionID,
		ParticipantID: req.ParticipantID,
		AuthorID:      req.AuthorID,
		RequestID:     req.RequestID,
		Content:       req.Content,
		Role:          persistence.RoleUser,
		Status:        persistence.MessagePending,
		CreatedAt:     c.now(),
	})
	if err != nil {
		return PromptResult{}, err
	}

	if sess.Status != persistence.SessionActive && sess.Status.CanTransition(persistence.SessionActive) {
		if err := c.cfg.Store.UpdateSessionStatus(persistence.SessionActive, c.now()); err != nil {
			return PromptResult{}, err
		}
		c.broadcastState()
	}

	c.broadcast(protocol.Message(m), "")
	c.queue.add(entryFromMessage(m))
	c.drainQueue()

	res := PromptResult{Message: m, Queued: c.undelivered(m.ID)}
	if res.Queued {
		c.cfg.Metrics.PromptQueued()
		c.log.Info("Prompt queued, no sandbox connected", "messageId", m.ID, "pending", c.queue.len())
	}
	return res, nil
}

func (c *Coordinator) undelivered(messageID string) bool {
	e := c.queue.get(messageID)
	return e != nil && e.SentTo == ""
}

// drainQueue sends every entry the current sandbox connection has not seen
// yet, oldest first. A send failure leaves the rest for the next connection.
func (c *Coordinator) drainQueue() {
	if c.archived || c.queue.len() == 0 {
		return
	}
	sb := c.resolveSandbox()
	if sb == nil {
		return
	}

	model := c.cfg.DefaultModel
	if sess, err := c.session(); err == nil && sess.Model != "" {
		model = sess.Model
	}

	for _, e := range c.queue.list() {
		if e.SentTo == sb.ID() {
			continue
		}
		frame := protocol.SandboxPrompt(e.MessageID, e.Content, e.AuthorID, model, e.Attempts+1)
		if err := c.send(sb, frame); err != nil {
			c.log.Warn("Prompt delivery failed, keeping queued", "messageId", e.MessageID, "connId", sb.ID(), "error", err)
			return
		}
		e.Attempts++
		e.SentTo = sb.ID()
		c.log.Debug("Prompt sent to sandbox", "messageId", e.MessageID, "attempt", e.Attempts)
	}
}

func (c *Coordinator) pendingSnapshot() []PendingEntry {
	entries := c.queue.list()
	out := make([]PendingEntry, 0, len(entries))
	for _, e := range entries {
		out = append(out, PendingEntry{
			MessageID: e.MessageID,
			Content:   e.Content,
			CreatedAt: e.CreatedAt,
			SentTo:    e.SentTo,
			Attempts:  e.Attempts,
		})
	}
	return out
}
