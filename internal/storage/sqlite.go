// Package storage keeps a history of sessions and the events they
// dispatched. Nothing here is read back to resume a live session.
package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mpataki/journey/internal/models"
	_ "modernc.org/sqlite"
)

var ErrNotFound = errors.New("not found")

type Storage struct {
	db *sql.DB
}

func New(dbPath string) (*Storage, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	// One writer; the event sink appends from whichever goroutine is
	// delivering.
	db.SetMaxOpenConns(1)

	s := &Storage{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

func (s *Storage) Close() error {
	return s.db.Close()
}

func (s *Storage) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		created_at TIMESTAMP NOT NULL,
		ended_at TIMESTAMP,
		journey_id TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		current_agent TEXT,
		current_screen TEXT,
		transport TEXT,
		voice_enabled INTEGER NOT NULL DEFAULT 0,
		transcript_dir TEXT
	);

	CREATE TABLE IF NOT EXISTS session_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL REFERENCES sessions(id),
		seq INTEGER NOT NULL,
		type TEXT NOT NULL,
		payload TEXT,
		created_at TIMESTAMP NOT NULL,
		UNIQUE(session_id, seq)
	);

	CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status);
	CREATE INDEX IF NOT EXISTS idx_session_events_session ON session_events(session_id);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

func (s *Storage) CreateSession(sess *models.Session) error {
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = time.Now()
	}
	_, err := s.db.Exec(
		`INSERT INTO sessions (id, created_at, ended_at, journey_id, status, current_agent, current_screen, transport, voice_enabled, transcript_dir)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.CreatedAt, sess.EndedAt, sess.JourneyID, sess.Status, sess.CurrentAgent,
		sess.CurrentScreen, sess.Transport, sess.VoiceEnabled, sess.TranscriptDir,
	)
	if err != nil {
		return fmt.Errorf("create session %s: %w", sess.ID, err)
	}
	return nil
}

const sessionColumns = `id, created_at, ended_at, journey_id, status, current_agent, current_screen, transport, voice_enabled, transcript_dir`

type scanner interface {
	Scan(dest ...any) error
}

func scanSession(row scanner) (*models.Session, error) {
	var sess models.Session
	var endedAt sql.NullTime
	var agent, screen, transport, dir sql.NullString

	err := row.Scan(
		&sess.ID, &sess.CreatedAt, &endedAt, &sess.JourneyID, &sess.Status,
		&agent, &screen, &transport, &sess.VoiceEnabled, &dir,
	)
	if err != nil {
		return nil, err
	}

	if endedAt.Valid {
		sess.EndedAt = &endedAt.Time
	}
	sess.CurrentAgent = agent.String
	sess.CurrentScreen = screen.String
	sess.Transport = transport.String
	sess.TranscriptDir = dir.String
	return &sess, nil
}

func (s *Storage) GetSession(id string) (*models.Session, error) {
	row := s.db.QueryRow(`SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get session %s: %w", id, err)
	}
	return sess, nil
}

func (s *Storage) UpdateSession(sess *models.Session) error {
	_, err := s.db.Exec(
		`UPDATE sessions SET ended_at = ?, journey_id = ?, status = ?, current_agent = ?, current_screen = ?, transport = ?, voice_enabled = ?, transcript_dir = ?
		 WHERE id = ?`,
		sess.EndedAt, sess.JourneyID, sess.Status, sess.CurrentAgent, sess.CurrentScreen,
		sess.Transport, sess.VoiceEnabled, sess.TranscriptDir, sess.ID,
	)
	if err != nil {
		return fmt.Errorf("update session %s: %w", sess.ID, err)
	}
	return nil
}

func (s *Storage) ListSessions(limit int) ([]*models.Session, error) {
	rows, err := s.db.Query(`SELECT `+sessionColumns+` FROM sessions ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []*models.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}

	return sessions, rows.Err()
}

// AppendEvent stores ev with the next sequence number for its session and
// fills in ev.ID and ev.Seq.
func (s *Storage) AppendEvent(ev *models.SessionEvent) error {
	var payload *string
	if ev.Payload != nil {
		data, err := json.Marshal(ev.Payload)
		if err != nil {
			return fmt.Errorf("encode event payload: %w", err)
		}
		str := string(data)
		payload = &str
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now()
	}

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var seq int
	if err := tx.QueryRow(`SELECT COALESCE(MAX(seq), 0) + 1 FROM session_events WHERE session_id = ?`, ev.SessionID).Scan(&seq); err != nil {
		return fmt.Errorf("next event seq: %w", err)
	}

	result, err := tx.Exec(
		`INSERT INTO session_events (session_id, seq, type, payload, created_at) VALUES (?, ?, ?, ?, ?)`,
		ev.SessionID, seq, ev.Type, payload, ev.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	ev.ID = id
	ev.Seq = seq
	return nil
}

// Events returns a session's events in order. Types filters when non-empty.
func (s *Storage) Events(sessionID string, types ...string) ([]*models.SessionEvent, error) {
	rows, err := s.db.Query(
		`SELECT id, session_id, seq, type, payload, created_at
		 FROM session_events WHERE session_id = ? ORDER BY seq`, sessionID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	want := make(map[string]bool, len(types))
	for _, t := range types {
		want[t] = true
	}

	var out []*models.SessionEvent
	for rows.Next() {
		var ev models.SessionEvent
		var payload sql.NullString
		if err := rows.Scan(&ev.ID, &ev.SessionID, &ev.Seq, &ev.Type, &payload, &ev.CreatedAt); err != nil {
			return nil, err
		}
		if len(want) > 0 && !want[ev.Type] {
			continue
		}
		if payload.Valid {
			var p map[string]any
			if err := json.Unmarshal([]byte(payload.String), &p); err == nil {
				ev.Payload = p
			}
		}
		out = append(out, &ev)
	}

	return out, rows.Err()
}

func (s *Storage) DeleteSession(id string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM session_events WHERE session_id = ?`, id); err != nil {
		return err
	}
	result, err := tx.Exec(`DELETE FROM sessions WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("session %s: %w", id, ErrNotFound)
	}

	return tx.Commit()
}

// FormatTimeAgo renders t relative to now for listings.
func FormatTimeAgo(t time.Time) string {
	d := time.Since(t)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		return t.Format("Jan 2")
	}
}
