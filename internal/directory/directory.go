// Package directory is the student lookup boundary. The attendance core
// only reads from it; enrollment is handled elsewhere.
package directory

import (
	"context"

	"rollcall/internal/apperr"
)

// BiometricProvider identifies the vendor that produced a template hash.
type BiometricProvider string

const (
	ProviderFingerprint BiometricProvider = "fingerprint"
	ProviderFace        BiometricProvider = "face"
)

// Student is a directory record as seen by the attendance core.
type Student struct {
	ID                string  `json:"id"`
	IndexNumber       string  `json:"index_number"`
	FullName          string  `json:"full_name"`
	QRPayload         *string `json:"qr_payload,omitempty"`
	BiometricHash     *string `json:"biometric_hash,omitempty"`
	BiometricProvider *string `json:"biometric_provider,omitempty"`
}

// Store resolves students by the identifiers the core verifies against.
type Store interface {
	FindByID(ctx context.Context, id string) (Student, error)
	FindByIndex(ctx context.Context, indexNumber string) (Student, error)
	FindByQR(ctx context.Context, payload string) (Student, error)
	FindByBiometricHash(ctx context.Context, hash string, provider BiometricProvider) (Student, error)
	Upsert(ctx context.Context, s Student) (Student, error)
	List(ctx context.Context, limit, offset int) ([]Student, error)
}

// ErrStudentNotFound is returned by every Find method on a miss.
var ErrStudentNotFound = apperr.New(apperr.KindStudentNotFound, "student not found")
