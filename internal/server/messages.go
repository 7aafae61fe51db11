package server

import (
	"net/http"

	"github.com/workspace/session-coordinator/internal/coordinator"
	"github.com/workspace/session-coordinator/internal/persistence"
)

type initRequest struct {
	SessionID string `json:"sessionId"`
	coordinator.InitParams
}

type promptRequest struct {
	Content       string `json:"content"`
	AuthorID      string `json:"authorId"`
	RequestID     string `json:"requestId"`
	ParticipantID string `json:"participantId"`
}

type stopRequest struct {
	MessageID string `json:"messageId"`
}

// handleInit creates the session row. Repeated calls return the existing row.
func (s *Server) handleInit(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("sessionId")
	var body initRequest
	if !decodeBody(w, r, &body, false) {
		return
	}
	if body.SessionID != "" && body.SessionID != sessionID {
		writeError(w, http.StatusBadRequest, "sessionId does not match path")
		return
	}

	var (
		sess    persistence.Session
		created bool
	)
	if !s.do(w, r, func(c *coordinator.Coordinator) error {
		var err error
		sess, created, err = c.Init(r.Context(), body.InitParams)
		return err
	}) {
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, map[string]interface{}{
		"sessionId": sessionID,
		"created":   created,
		"session":   sess,
	})
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	var state persistence.SessionState
	if !s.do(w, r, func(c *coordinator.Coordinator) error {
		var err error
		state, err = c.State(r.Context())
		return err
	}) {
		return
	}
	writeJSON(w, http.StatusOK, state)
}

// handlePrompt enqueues a prompt on behalf of a non-socket caller.
func (s *Server) handlePrompt(w http.ResponseWriter, r *http.Request) {
	var body promptRequest
	if !decodeBody(w, r, &body, false) {
		return
	}

	var res coordinator.PromptResult
	if !s.do(w, r, func(c *coordinator.Coordinator) error {
		var err error
		res, err = c.Prompt(r.Context(), coordinator.PromptRequest{
			Content:       body.Content,
			AuthorID:      body.AuthorID,
			RequestID:     body.RequestID,
			ParticipantID: body.ParticipantID,
		})
		return err
	}) {
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"messageId": res.Message.ID,
		"duplicate": res.Duplicate,
		"queued":    res.Queued,
	})
}

// handleStop forwards a stop to the sandbox. An empty body stops everything.
func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	var body stopRequest
	if !decodeBody(w, r, &body, true) {
		return
	}

	var forwarded bool
	if !s.do(w, r, func(c *coordinator.Coordinator) error {
		var err error
		forwarded, err = c.Stop(r.Context(), body.MessageID)
		return err
	}) {
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"forwarded": forwarded})
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := persistence.MessageFilter{
		Status: persistence.MessageStatus(q.Get("status")),
		Role:   persistence.Role(q.Get("role")),
	}
	limit := parseLimit(q.Get("limit"), 100, 500)
	offset := parseOffset(q.Get("offset"))

	var messages []persistence.Message
	if !s.do(w, r, func(c *coordinator.Coordinator) error {
		var err error
		messages, err = c.Messages(r.Context(), filter, limit, offset)
		return err
	}) {
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"messages": messages,
		"limit":    limit,
		"offset":   offset,
	})
}

func (s *Server) handlePending(w http.ResponseWriter, r *http.Request) {
	var pending []coordinator.PendingEntry
	if !s.do(w, r, func(c *coordinator.Coordinator) error {
		var err error
		pending, err = c.Pending(r.Context())
		return err
	}) {
		return
	}
	if pending == nil {
		pending = []coordinator.PendingEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"pending": pending})
}

// handleArchive moves the session to the terminal archived state.
func (s *Server) handleArchive(w http.ResponseWriter, r *http.Request) {
	var sess persistence.Session
	if !s.do(w, r, func(c *coordinator.Coordinator) error {
		var err error
		sess, err = c.Archive(r.Context())
		return err
	}) {
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"session": sess})
}
