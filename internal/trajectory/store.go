// Package trajectory stores camera trajectories in SQLite and plots them.
package trajectory

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"kinfu-scanner/internal/mathutil"
)

// ErrNotFound is returned for unknown session ids.
var ErrNotFound = errors.New("trajectory: session not found")

//go:embed schema.sql
var schemaSQL string

// Session is one recorded scanning run.
type Session struct {
	ID      string
	Name    string
	Started time.Time
	// Ended is zero while the session is open.
	Ended  time.Time
	Frames int
}

// Record is the camera pose of one frame.
type Record struct {
	Frame   int
	Tracked bool
	Pose    mathutil.Affine
}

// Store is a trajectory database.
type Store struct {
	db *sql.DB
}

// Open opens or creates the database at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// A single connection keeps in-memory databases shared and serializes writers.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("trajectory: create schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

// CreateSession starts a new session and returns its id.
func (s *Store) CreateSession(ctx context.Context, name string) (string, error) {
	id := uuid.NewString()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, name, started_ns) VALUES (?, ?, ?)`,
		id, name, time.Now().UnixNano())
	if err != nil {
		return "", fmt.Errorf("trajectory: create session: %w", err)
	}
	return id, nil
}

// AppendPose stores the pose of one frame. Storing the same frame twice
// replaces the earlier pose.
func (s *Store) AppendPose(ctx context.Context, sessionID string, r Record) error {
	rv, t := r.Pose.RVec(), r.Pose.T
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO poses (session_id, frame, tracked, rx, ry, rz, tx, ty, tz)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sessionID, r.Frame, r.Tracked, rv[0], rv[1], rv[2], t[0], t[1], t[2])
	if err != nil {
		return fmt.Errorf("trajectory: append pose %d: %w", r.Frame, err)
	}
	return nil
}

// EndSession closes a session and records its frame count.
func (s *Store) EndSession(ctx context.Context, sessionID string, frames int) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET ended_ns = ?, frames = ? WHERE id = ?`,
		time.Now().UnixNano(), frames, sessionID)
	if err != nil {
		return fmt.Errorf("trajectory: end session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("trajectory: end session: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, sessionID)
	}
	return nil
}

// Poses returns the stored poses of a session ordered by frame.
func (s *Store) Poses(ctx context.Context, sessionID string) ([]Record, error) {
	var exists int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sessions WHERE id = ?`, sessionID).Scan(&exists)
	if err != nil {
		return nil, fmt.Errorf("trajectory: query session: %w", err)
	}
	if exists == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, sessionID)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT frame, tracked, rx, ry, rz, tx, ty, tz
		FROM poses
		WHERE session_id = ?
		ORDER BY frame`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("trajectory: query poses: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var (
			r      Record
			rv, tv mathutil.Vec3
		)
		if err := rows.Scan(&r.Frame, &r.Tracked, &rv[0], &rv[1], &rv[2], &tv[0], &tv[1], &tv[2]); err != nil {
			return nil, fmt.Errorf("trajectory: scan pose: %w", err)
		}
		r.Pose = mathutil.FromRVec(rv, tv)
		out = append(out, r)
	}
	return out, rows.Err()
}

// Sessions lists all sessions, newest first.
func (s *Store) Sessions(ctx context.Context) ([]Session, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, started_ns, ended_ns, frames
		FROM sessions
		ORDER BY started_ns DESC`)
	if err != nil {
		return nil, fmt.Errorf("trajectory: query sessions: %w", err)
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		var (
			sess    Session
			started int64
			ended   sql.NullInt64
		)
		if err := rows.Scan(&sess.ID, &sess.Name, &started, &ended, &sess.Frames); err != nil {
			return nil, fmt.Errorf("trajectory: scan session: %w", err)
		}
		sess.Started = time.Unix(0, started)
		if ended.Valid {
			sess.Ended = time.Unix(0, ended.Int64)
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

// Affines returns the poses of records.
func Affines(records []Record) []mathutil.Affine {
	out := make([]mathutil.Affine, len(records))
	for i, r := range records {
		out[i] = r.Pose
	}
	return out
}
