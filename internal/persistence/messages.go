package persistence

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const messageColumns = `seq, id, session_id, participant_id, author_id, request_id,
	content, role, status, created_at, completed_at`

// InsertMessage appends a message and returns it with its sequence number.
// CreatedAt is clamped so that it never precedes the previous message.
func (s *Store) InsertMessage(m Message) (Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var last sql.NullInt64
	if err := s.db.QueryRow(`SELECT MAX(created_at) FROM messages`).Scan(&last); err != nil {
		return Message{}, fmt.Errorf("read last message time: %w", err)
	}
	createdAt := toMillis(m.CreatedAt)
	if last.Valid && createdAt < last.Int64 {
		createdAt = last.Int64
	}

	res, err := s.db.Exec(`
		INSERT INTO messages (id, session_id, participant_id, author_id, request_id,
			content, role, status, created_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.SessionID, m.ParticipantID, m.AuthorID, m.RequestID,
		m.Content, m.Role, m.Status, createdAt, nullableMillis(m.CompletedAt),
	)
	if err != nil {
		return Message{}, fmt.Errorf("insert message: %w", err)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return Message{}, fmt.Errorf("insert message: %w", err)
	}
	m.Seq = seq
	m.CreatedAt = fromMillis(createdAt)
	return m, nil
}

// GetMessage returns a message by id.
func (s *Store) GetMessage(id string) (Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.queryMessage(`SELECT `+messageColumns+` FROM messages WHERE id = ?`, id)
}

// FindMessageByRequestID returns the message created for a client request
// id, or ErrNotFound.
func (s *Store) FindMessageByRequestID(requestID string) (Message, error) {
	if requestID == "" {
		return Message{}, ErrNotFound
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.queryMessage(`SELECT `+messageColumns+` FROM messages WHERE request_id = ?`, requestID)
}

func (s *Store) queryMessage(query string, args ...any) (Message, error) {
	m, err := scanMessage(s.db.QueryRow(query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return Message{}, ErrNotFound
	}
	if err != nil {
		return Message{}, fmt.Errorf("get message: %w", err)
	}
	return m, nil
}

// UpdateMessageStatus changes a message status. completedAt is recorded for
// terminal statuses and ignored otherwise.
func (s *Store) UpdateMessageStatus(id string, status MessageStatus, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var completedAt sql.NullInt64
	if status == MessageCompleted || status == MessageFailed {
		completedAt = sql.NullInt64{Int64: toMillis(now), Valid: true}
	}
	res, err := s.db.Exec(`UPDATE messages SET status = ?, completed_at = ? WHERE id = ?`,
		status, completedAt, id)
	if err != nil {
		return fmt.Errorf("update message status: %w", err)
	}
	return requireRow(res, "update message status")
}

// ListMessages returns messages matching filter in ascending creation order.
func (s *Store) ListMessages(filter MessageFilter, limit, offset int) ([]Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	conds, args := filter.conditions()
	page, pageArgs := pageClause(limit, offset)
	query := `SELECT ` + messageColumns + ` FROM messages` + whereClause(conds) + ` ORDER BY seq ASC` + page
	return s.queryMessages(query, append(args, pageArgs...)...)
}

// CountMessages returns the number of messages matching filter.
func (s *Store) CountMessages(filter MessageFilter) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	conds, args := filter.conditions()
	var n int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM messages`+whereClause(conds), args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count messages: %w", err)
	}
	return n, nil
}

// RecentMessages returns the newest limit messages, oldest first.
func (s *Store) RecentMessages(limit int) ([]Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.queryMessages(`
		SELECT `+messageColumns+` FROM (
			SELECT `+messageColumns+` FROM messages ORDER BY seq DESC LIMIT ?
		) ORDER BY seq ASC`, limit)
}

func (s *Store) queryMessages(query string, args ...any) ([]Message, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	messages := []Message{}
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

func scanMessage(row rowScanner) (Message, error) {
	var (
		m           Message
		createdAt   int64
		completedAt sql.NullInt64
	)
	err := row.Scan(&m.Seq, &m.ID, &m.SessionID, &m.ParticipantID, &m.AuthorID, &m.RequestID,
		&m.Content, &m.Role, &m.Status, &createdAt, &completedAt)
	if err != nil {
		return Message{}, err
	}
	m.CreatedAt = fromMillis(createdAt)
	m.CompletedAt = timePtr(completedAt)
	return m, nil
}

func (f MessageFilter) conditions() ([]string, []any) {
	var (
		conds []string
		args  []any
	)
	if f.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, f.Status)
	}
	if f.Role != "" {
		conds = append(conds, "role = ?")
		args = append(args, f.Role)
	}
	return conds, args
}
