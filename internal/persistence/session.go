package persistence

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const sessionColumns = `id, organization_id, user_id, repo_owner, repo_name, branch,
	status, sandbox_status, sandbox_id, model, created_at, updated_at, archived_at`

// CreateSession inserts the session row if none exists. It is idempotent:
// when the row already exists it is returned unchanged with created=false.
func (s *Store) CreateSession(p CreateSessionParams, now time.Time) (Session, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, err := s.getSession()
	if err == nil {
		if existing.ID != p.ID {
			return Session{}, false, fmt.Errorf("create session %s: %w", p.ID, ErrSessionMismatch)
		}
		return existing, false, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return Session{}, false, err
	}

	ts := toMillis(now)
	_, err = s.db.Exec(`
		INSERT INTO session (id, organization_id, user_id, repo_owner, repo_name, branch,
			status, sandbox_status, model, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.OrganizationID, p.UserID, p.RepoOwner, p.RepoName, p.Branch,
		SessionCreated, SandboxPending, p.Model, ts, ts,
	)
	if err != nil {
		return Session{}, false, fmt.Errorf("insert session: %w", err)
	}

	created, err := s.getSession()
	if err != nil {
		return Session{}, false, err
	}
	return created, true, nil
}

// GetSession returns the session row, or ErrNotFound before init.
func (s *Store) GetSession() (Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getSession()
}

func (s *Store) getSession() (Session, error) {
	row := s.db.QueryRow(`SELECT ` + sessionColumns + ` FROM session LIMIT 1`)

	var (
		sess                 Session
		createdAt, updatedAt int64
		archivedAt           sql.NullInt64
	)
	err := row.Scan(&sess.ID, &sess.OrganizationID, &sess.UserID, &sess.RepoOwner, &sess.RepoName,
		&sess.Branch, &sess.Status, &sess.SandboxStatus, &sess.SandboxID, &sess.Model,
		&createdAt, &updatedAt, &archivedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Session{}, ErrNotFound
	}
	if err != nil {
		return Session{}, fmt.Errorf("get session: %w", err)
	}
	sess.CreatedAt = fromMillis(createdAt)
	sess.UpdatedAt = fromMillis(updatedAt)
	sess.ArchivedAt = timePtr(archivedAt)
	return sess, nil
}

// UpdateSessionStatus sets the session status. Status validity is the
// caller's concern; an archived session is never reactivated here.
func (s *Store) UpdateSessionStatus(status SessionStatus, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`UPDATE session SET status = ?, updated_at = ? WHERE status != ?`,
		status, toMillis(now), SessionArchived)
	if err != nil {
		return fmt.Errorf("update session status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		sess, err := s.getSession()
		if err != nil {
			return err
		}
		if sess.Status == SessionArchived {
			return fmt.Errorf("update session status: %w", ErrSessionArchived)
		}
	}
	return nil
}

// UpdateSandboxStatus sets the sandbox status and optionally the sandbox id.
// An empty sandboxID leaves the stored id untouched.
func (s *Store) UpdateSandboxStatus(status SandboxStatus, sandboxID string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`
		UPDATE session
		SET sandbox_status = ?,
			sandbox_id = CASE WHEN ? = '' THEN sandbox_id ELSE ? END,
			updated_at = ?`,
		status, sandboxID, sandboxID, toMillis(now))
	if err != nil {
		return fmt.Errorf("update sandbox status: %w", err)
	}
	return requireRow(res, "update sandbox status")
}

// ArchiveSession marks the session archived. Rows are never deleted. Archiving
// an already archived session keeps the original timestamp.
func (s *Store) ArchiveSession(now time.Time) (Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ts := toMillis(now)
	if _, err := s.db.Exec(`
		UPDATE session SET status = ?, archived_at = ?, updated_at = ?
		WHERE status != ?`,
		SessionArchived, ts, ts, SessionArchived); err != nil {
		return Session{}, fmt.Errorf("archive session: %w", err)
	}
	return s.getSession()
}

// GetSessionState materializes the session with its participants and counts.
// A participant is online when last seen within onlineWindow of now.
func (s *Store) GetSessionState(onlineWindow time.Duration, now time.Time) (SessionState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, err := s.getSession()
	if err != nil {
		return SessionState{}, err
	}
	participants, err := s.listParticipants(onlineWindow, now)
	if err != nil {
		return SessionState{}, err
	}

	state := SessionState{Session: sess, Participants: participants}
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM messages`).Scan(&state.MessageCount); err != nil {
		return SessionState{}, fmt.Errorf("count messages: %w", err)
	}
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM events`).Scan(&state.EventCount); err != nil {
		return SessionState{}, fmt.Errorf("count events: %w", err)
	}
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM messages WHERE status = ?`, MessagePending).Scan(&state.PendingCount); err != nil {
		return SessionState{}, fmt.Errorf("count pending messages: %w", err)
	}
	return state, nil
}

func requireRow(res sql.Result, op string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	}
	return nil
}
