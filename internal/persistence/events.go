package persistence

import (
	"database/sql"
	"fmt"
	"strings"
)

// HeartbeatEventType is never replayed to clients.
const HeartbeatEventType = "heartbeat"

const eventColumns = `seq, id, session_id, message_id, type, payload, created_at`

// InsertEvent appends an event and returns it with its sequence number.
func (s *Store) InsertEvent(e Event) (Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var last sql.NullInt64
	if err := s.db.QueryRow(`SELECT MAX(created_at) FROM events`).Scan(&last); err != nil {
		return Event{}, fmt.Errorf("read last event time: %w", err)
	}
	createdAt := toMillis(e.CreatedAt)
	if last.Valid && createdAt < last.Int64 {
		createdAt = last.Int64
	}

	payload := string(e.Payload)
	if payload == "" {
		payload = "{}"
	}
	res, err := s.db.Exec(`
		INSERT INTO events (id, session_id, message_id, type, payload, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		e.ID, e.SessionID, e.MessageID, e.Type, payload, createdAt,
	)
	if err != nil {
		return Event{}, fmt.Errorf("insert event: %w", err)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return Event{}, fmt.Errorf("insert event: %w", err)
	}
	e.Seq = seq
	e.Payload = []byte(payload)
	e.CreatedAt = fromMillis(createdAt)
	return e, nil
}

// ListEvents returns events matching filter in ascending creation order.
func (s *Store) ListEvents(filter EventFilter, limit, offset int) ([]Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	conds, args := filter.conditions()
	page, pageArgs := pageClause(limit, offset)
	query := `SELECT ` + eventColumns + ` FROM events` + whereClause(conds) + ` ORDER BY seq ASC` + page
	return s.queryEvents(query, append(args, pageArgs...)...)
}

// RecentEvents returns the newest limit non-heartbeat events, oldest first.
func (s *Store) RecentEvents(limit int) ([]Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.queryEvents(`
		SELECT `+eventColumns+` FROM (
			SELECT `+eventColumns+` FROM events WHERE type != ? ORDER BY seq DESC LIMIT ?
		) ORDER BY seq ASC`, HeartbeatEventType, limit)
}

func (s *Store) queryEvents(query string, args ...any) ([]Event, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	events := []Event{}
	for rows.Next() {
		var (
			e         Event
			payload   string
			createdAt int64
		)
		if err := rows.Scan(&e.Seq, &e.ID, &e.SessionID, &e.MessageID, &e.Type, &payload, &createdAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e.Payload = []byte(payload)
		e.CreatedAt = fromMillis(createdAt)
		events = append(events, e)
	}
	return events, rows.Err()
}

func (f EventFilter) conditions() ([]string, []any) {
	var (
		conds []string
		args  []any
	)
	if f.Type != "" {
		conds = append(conds, "type = ?")
		args = append(args, f.Type)
	}
	if f.MessageID != "" {
		conds = append(conds, "message_id = ?")
		args = append(args, f.MessageID)
	}
	if len(f.ExcludeTypes) > 0 {
		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(f.ExcludeTypes)), ",")
		conds = append(conds, "type NOT IN ("+placeholders+")")
		for _, t := range f.ExcludeTypes {
			args = append(args, t)
		}
	}
	return conds, args
}
