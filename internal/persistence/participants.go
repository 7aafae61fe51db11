package persistence

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// UpsertParticipant inserts a participant or refreshes the identity and
// last-seen time of the existing participant with the same user id. The
// stored participant (with its original id and join time) is returned.
func (s *Store) UpsertParticipant(p Participant, now time.Time) (Participant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ts := toMillis(now)
	_, err := s.db.Exec(`
		INSERT INTO participants (id, user_id, display_name, email, source, joined_at, last_seen_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			display_name = excluded.display_name,
			email = excluded.email,
			source = excluded.source,
			last_seen_at = excluded.last_seen_at`,
		p.ID, p.UserID, p.DisplayName, p.Email, p.Source, ts, ts,
	)
	if err != nil {
		return Participant{}, fmt.Errorf("upsert participant: %w", err)
	}

	row := s.db.QueryRow(`
		SELECT id, user_id, display_name, email, source, joined_at, last_seen_at
		FROM participants WHERE user_id = ?`, p.UserID)
	stored, err := scanParticipant(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Participant{}, fmt.Errorf("upsert participant: %w", ErrNotFound)
	}
	if err != nil {
		return Participant{}, fmt.Errorf("read participant: %w", err)
	}
	stored.IsOnline = true
	return stored, nil
}

// TouchParticipant refreshes a participant's last-seen time.
func (s *Store) TouchParticipant(id string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`UPDATE participants SET last_seen_at = ? WHERE id = ?`, toMillis(now), id)
	if err != nil {
		return fmt.Errorf("touch participant: %w", err)
	}
	return requireRow(res, "touch participant")
}

// ListParticipants returns every participant in join order with isOnline
// derived from onlineWindow.
func (s *Store) ListParticipants(onlineWindow time.Duration, now time.Time) ([]Participant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.listParticipants(onlineWindow, now)
}

func (s *Store) listParticipants(onlineWindow time.Duration, now time.Time) ([]Participant, error) {
	rows, err := s.db.Query(`
		SELECT id, user_id, display_name, email, source, joined_at, last_seen_at
		FROM participants ORDER BY joined_at ASC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("list participants: %w", err)
	}
	defer rows.Close()

	cutoff := now.Add(-onlineWindow)
	participants := []Participant{}
	for rows.Next() {
		p, err := scanParticipant(rows)
		if err != nil {
			return nil, fmt.Errorf("scan participant: %w", err)
		}
		p.IsOnline = !p.LastSeenAt.Before(cutoff)
		participants = append(participants, p)
	}
	return participants, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanParticipant(row rowScanner) (Participant, error) {
	var (
		p                  Participant
		joinedAt, lastSeen int64
	)
	if err := row.Scan(&p.ID, &p.UserID, &p.DisplayName, &p.Email, &p.Source, &joinedAt, &lastSeen); err != nil {
		return Participant{}, err
	}
	p.JoinedAt = fromMillis(joinedAt)
	p.LastSeenAt = fromMillis(lastSeen)
	return p, nil
}
