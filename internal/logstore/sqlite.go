package logstore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// Session is one accepted tunnel connection.
type Session struct {
	ID             int64      `json:"id"`
	RelayID        string     `json:"relay_id"`
	RemoteAddr     string     `json:"remote_addr"`
	ConnectedAt    time.Time  `json:"connected_at"`
	DisconnectedAt *time.Time `json:"disconnected_at,omitempty"`
	Reason         string     `json:"reason,omitempty"`
}

// SessionLog records tunnel sessions in SQLite.
type SessionLog struct {
	db *sql.DB
}

func NewSessionLog(path string) (*SessionLog, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open session db: %w", err)
	}
	// sqlite serializes writers; one connection avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS sessions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		relay_id TEXT NOT NULL,
		remote_addr TEXT,
		connected_at INTEGER NOT NULL,
		disconnected_at INTEGER,
		reason TEXT
	)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create sessions table: %w", err)
	}
	return &SessionLog{db: db}, nil
}

// Open inserts a session and returns its id.
func (s *SessionLog) Open(ctx context.Context, relayID, remoteAddr string, at time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (relay_id, remote_addr, connected_at) VALUES (?,?,?)`,
		relayID, remoteAddr, at.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("insert session: %w", err)
	}
	return res.LastInsertId()
}

// Close marks a session as ended.
func (s *SessionLog) Close(ctx context.Context, id int64, at time.Time, reason string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET disconnected_at = ?, reason = ? WHERE id = ?`,
		at.UnixNano(), reason, id)
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	return nil
}

// Recent returns up to limit sessions, newest first.
func (s *SessionLog) Recent(ctx context.Context, limit int) ([]Session, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, relay_id, remote_addr, connected_at, disconnected_at, reason
		 FROM sessions ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		var (
			sess   Session
			remote sql.NullString
			conn   int64
			disc   sql.NullInt64
			reason sql.NullString
		)
		if err := rows.Scan(&sess.ID, &sess.RelayID, &remote, &conn, &disc, &reason); err != nil {
			return nil, err
		}
		sess.RemoteAddr = remote.String
		sess.ConnectedAt = time.Unix(0, conn)
		if disc.Valid {
			t := time.Unix(0, disc.Int64)
			sess.DisconnectedAt = &t
		}
		sess.Reason = reason.String
		out = append(out, sess)
	}
	return out, rows.Err()
}

func (s *SessionLog) Shutdown() error {
	return s.db.Close()
}
