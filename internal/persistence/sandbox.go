package persistence

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// RecordSandboxConnection stores a freshly authenticated sandbox and bumps the
// connection epoch. The returned row carries the new epoch.
func (s *Store) RecordSandboxConnection(sessionID, sandboxID string, now time.Time) (SandboxConnection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO sandbox_connections (session_id, sandbox_id, epoch, authenticated_at)
		VALUES (?, ?, 1, ?)
		ON CONFLICT(session_id) DO UPDATE SET
			sandbox_id = excluded.sandbox_id,
			epoch = sandbox_connections.epoch + 1,
			authenticated_at = excluded.authenticated_at,
			disconnected_at = NULL`,
		sessionID, sandboxID, toMillis(now),
	)
	if err != nil {
		return SandboxConnection{}, fmt.Errorf("record sandbox connection: %w", err)
	}

	conn, err := s.getSandboxConnection(sessionID)
	if err != nil {
		return SandboxConnection{}, err
	}
	if conn == nil {
		return SandboxConnection{}, fmt.Errorf("record sandbox connection: %w", ErrNotFound)
	}
	return *conn, nil
}

// GetSandboxConnection returns the sandbox record for a session, or nil if no
// sandbox has ever authenticated.
func (s *Store) GetSandboxConnection(sessionID string) (*SandboxConnection, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getSandboxConnection(sessionID)
}

func (s *Store) getSandboxConnection(sessionID string) (*SandboxConnection, error) {
	var (
		c               SandboxConnection
		authenticatedAt int64
		disconnectedAt  sql.NullInt64
	)
	err := s.db.QueryRow(`
		SELECT session_id, sandbox_id, epoch, authenticated_at, disconnected_at
		FROM sandbox_connections WHERE session_id = ?`, sessionID,
	).Scan(&c.SessionID, &c.SandboxID, &c.Epoch, &authenticatedAt, &disconnectedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get sandbox connection: %w", err)
	}
	c.AuthenticatedAt = fromMillis(authenticatedAt)
	c.DisconnectedAt = timePtr(disconnectedAt)
	return &c, nil
}

// MarkSandboxDisconnected records a disconnect for the given epoch. A stale
// epoch (a superseded connection closing late) is ignored.
func (s *Store) MarkSandboxDisconnected(sessionID string, epoch int64, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.Exec(`
		UPDATE sandbox_connections SET disconnected_at = ?
		WHERE session_id = ? AND epoch = ?`,
		toMillis(now), sessionID, epoch); err != nil {
		return fmt.Errorf("mark sandbox disconnected: %w", err)
	}
	return nil
}
