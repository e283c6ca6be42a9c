package directory

import (
	"context"
	"database/sql"
	"errors"

	"github.com/google/uuid"
)

// PostgresStore persists students in Postgres.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a store backed by db.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const studentColumns = `id, index_number, full_name, qr_payload, biometric_hash, biometric_provider`

func scanStudent(row *sql.Row) (Student, error) {
	var s Student
	err := row.Scan(&s.ID, &s.IndexNumber, &s.FullName, &s.QRPayload, &s.BiometricHash, &s.BiometricProvider)
	if errors.Is(err, sql.ErrNoRows) {
		return Student{}, ErrStudentNotFound
	}
	if err != nil {
		return Student{}, err
	}
	return s, nil
}

// FindByID returns the student with the given id.
func (r *PostgresStore) FindByID(ctx context.Context, id string) (Student, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+studentColumns+` FROM students WHERE id = $1
	`, id)
	return scanStudent(row)
}

// FindByIndex returns the student with the given index number.
func (r *PostgresStore) FindByIndex(ctx context.Context, indexNumber string) (Student, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+studentColumns+` FROM students WHERE index_number = $1
	`, indexNumber)
	return scanStudent(row)
}

// FindByQR returns the student whose stored QR payload matches exactly.
func (r *PostgresStore) FindByQR(ctx context.Context, payload string) (Student, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+studentColumns+` FROM students WHERE qr_payload = $1
	`, payload)
	return scanStudent(row)
}

// FindByBiometricHash returns the student enrolled with the given template hash.
func (r *PostgresStore) FindByBiometricHash(ctx context.Context, hash string, provider BiometricProvider) (Student, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+studentColumns+` FROM students
		WHERE biometric_hash = $1 AND biometric_provider = $2
	`, hash, string(provider))
	return scanStudent(row)
}

// Upsert creates or updates a student keyed by index number.
func (r *PostgresStore) Upsert(ctx context.Context, s Student) (Student, error) {
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO students (id, index_number, full_name, qr_payload, biometric_hash, biometric_provider)
		VALUES ($1,$2,$3,$4,$5,$6)
		ON CONFLICT (index_number) DO UPDATE SET
			full_name = EXCLUDED.full_name,
			qr_payload = COALESCE(EXCLUDED.qr_payload, students.qr_payload),
			biometric_hash = COALESCE(EXCLUDED.biometric_hash, students.biometric_hash),
			biometric_provider = COALESCE(EXCLUDED.biometric_provider, students.biometric_provider)
	`, s.ID, s.IndexNumber, s.FullName, s.QRPayload, s.BiometricHash, s.BiometricProvider)
	if err != nil {
		return Student{}, err
	}
	return r.FindByIndex(ctx, s.IndexNumber)
}

// List returns students ordered by index number.
func (r *PostgresStore) List(ctx context.Context, limit, offset int) ([]Student, error) {
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+studentColumns+` FROM students
		ORDER BY index_number LIMIT $1 OFFSET $2
	`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []Student
	for rows.Next() {
		var s Student
		if err := rows.Scan(&s.ID, &s.IndexNumber, &s.FullName, &s.QRPayload, &s.BiometricHash, &s.BiometricProvider); err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}
