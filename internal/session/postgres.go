package session

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// PostgresStore persists sessions and collaborators in Postgres.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a store backed by db.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const sessionColumns = `id, course_code, course_title, venue, capacity, status, owner_id, started_at, ended_at, notes`

// Insert writes a new session row.
func (r *PostgresStore) Insert(ctx context.Context, s Session) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO sessions (id, course_code, course_title, venue, capacity, status, owner_id, started_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, s.ID, s.CourseCode, s.CourseTitle, s.Venue, s.Capacity, string(s.Status), s.OwnerID, s.StartedAt)
	return err
}

// Get returns a session by id.
func (r *PostgresStore) Get(ctx context.Context, id string) (Session, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+sessionColumns+` FROM sessions WHERE id = $1
	`, id)
	var s Session
	var status string
	err := row.Scan(&s.ID, &s.CourseCode, &s.CourseTitle, &s.Venue, &s.Capacity, &status, &s.OwnerID, &s.StartedAt, &s.EndedAt, &s.Notes)
	if errors.Is(err, sql.ErrNoRows) {
		return Session{}, ErrSessionNotFound
	}
	if err != nil {
		return Session{}, err
	}
	s.Status = Status(status)
	return s, nil
}

// List returns sessions owned by ownerID, newest first.
func (r *PostgresStore) List(ctx context.Context, ownerID string, limit, offset int) ([]Session, error) {
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+sessionColumns+` FROM sessions
		WHERE owner_id = $1
		ORDER BY started_at DESC LIMIT $2 OFFSET $3
	`, ownerID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []Session
	for rows.Next() {
		var s Session
		var status string
		if err := rows.Scan(&s.ID, &s.CourseCode, &s.CourseTitle, &s.Venue, &s.Capacity, &status, &s.OwnerID, &s.StartedAt, &s.EndedAt, &s.Notes); err != nil {
			return nil, err
		}
		s.Status = Status(status)
		res = append(res, s)
	}
	return res, rows.Err()
}

// CompareAndSetStatus swaps the status only when it still equals expected.
func (r *PostgresStore) CompareAndSetStatus(ctx context.Context, id string, expected, next Status, endedAt *time.Time, notes *string) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE sessions
		SET status = $3,
		    ended_at = COALESCE($4, ended_at),
		    notes = COALESCE($5, notes)
		WHERE id = $1 AND status = $2
	`, id, string(expected), string(next), endedAt, notes)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected == 1, nil
}

// Delete removes a session. Collaborators, ledger entries, and link
// tokens go with it via the schema's ON DELETE CASCADE.
func (r *PostgresStore) Delete(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = $1`, id)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrSessionNotFound
	}
	return nil
}

// PutCollaborator inserts or updates a (session,user) grant.
func (r *PostgresStore) PutCollaborator(ctx context.Context, c Collaborator) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO collaborators (session_id, user_id, role, added_at)
		VALUES ($1,$2,$3,$4)
		ON CONFLICT (session_id, user_id) DO UPDATE SET role = EXCLUDED.role
	`, c.SessionID, c.UserID, string(c.Role), c.AddedAt)
	return err
}

// DeleteCollaborator removes a grant.
func (r *PostgresStore) DeleteCollaborator(ctx context.Context, sessionID, userID string) error {
	_, err := r.db.ExecContext(ctx, `
		DELETE FROM collaborators WHERE session_id = $1 AND user_id = $2
	`, sessionID, userID)
	return err
}

// GetCollaborator returns the grant for a (session,user) pair.
func (r *PostgresStore) GetCollaborator(ctx context.Context, sessionID, userID string) (Collaborator, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT session_id, user_id, role, added_at FROM collaborators
		WHERE session_id = $1 AND user_id = $2
	`, sessionID, userID)
	var c Collaborator
	var role string
	err := row.Scan(&c.SessionID, &c.UserID, &role, &c.AddedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Collaborator{}, ErrCollaboratorNotFound
	}
	if err != nil {
		return Collaborator{}, err
	}
	c.Role = Role(role)
	return c, nil
}

// ListCollaborators returns every grant on a session.
func (r *PostgresStore) ListCollaborators(ctx context.Context, sessionID string) ([]Collaborator, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT session_id, user_id, role, added_at FROM collaborators
		WHERE session_id = $1 ORDER BY added_at
	`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []Collaborator
	for rows.Next() {
		var c Collaborator
		var role string
		if err := rows.Scan(&c.SessionID, &c.UserID, &role, &c.AddedAt); err != nil {
			return nil, err
		}
		c.Role = Role(role)
		res = append(res, c)
	}
	return res, rows.Err()
}
