// Package resolver maps a raw identifier plus a declared verification
// method to a concrete student record. It owns no state; lookups delegate
// to the directory.
package resolver

import (
	"context"
	"encoding/json"
	"strings"

	"rollcall/internal/apperr"
	"rollcall/internal/directory"
)

// Method is the channel through which a student identity was established.
type Method string

const (
	MethodQRScan               Method = "QR_SCAN"
	MethodManualEntry          Method = "MANUAL_ENTRY"
	MethodBiometricFingerprint Method = "BIOMETRIC_FINGERPRINT"
	MethodBiometricFace        Method = "BIOMETRIC_FACE"
	MethodLinkSelfMark         Method = "LINK_SELF_MARK"
)

// Valid reports whether m is one of the known verification methods.
func (m Method) Valid() bool {
	switch m {
	case MethodQRScan, MethodManualEntry, MethodBiometricFingerprint, MethodBiometricFace, MethodLinkSelfMark:
		return true
	}
	return false
}

// Resolver resolves identifiers against the student directory.
type Resolver struct {
	dir directory.Store
}

// New creates a resolver backed by the given directory.
func New(dir directory.Store) *Resolver {
	return &Resolver{dir: dir}
}

// qrPayload is the structured form a session QR code may carry.
type qrPayload struct {
	StudentID string `json:"student_id"`
}

// Resolve returns the student a raw identifier refers to under the given
// method, or a STUDENT_NOT_FOUND rejection. It never writes.
func (r *Resolver) Resolve(ctx context.Context, identifier string, method Method) (directory.Student, error) {
	switch method {
	case MethodQRScan:
		// Structured payloads carry the student id directly; anything else
		// is matched against the stored QR payload.
		var payload qrPayload
		if err := json.Unmarshal([]byte(identifier), &payload); err == nil && payload.StudentID != "" {
			return r.dir.FindByID(ctx, payload.StudentID)
		}
		return r.dir.FindByQR(ctx, identifier)
	case MethodManualEntry:
		normalized := strings.ToUpper(strings.TrimSpace(identifier))
		if normalized == "" {
			return directory.Student{}, apperr.New(apperr.KindValidation, "index number is required")
		}
		return r.dir.FindByIndex(ctx, normalized)
	case MethodBiometricFingerprint:
		return r.dir.FindByBiometricHash(ctx, identifier, directory.ProviderFingerprint)
	case MethodBiometricFace:
		return r.dir.FindByBiometricHash(ctx, identifier, directory.ProviderFace)
	case MethodLinkSelfMark:
		// The caller already authenticated the student locally; this is a
		// pass-through existence check on the supplied id.
		return r.dir.FindByID(ctx, identifier)
	default:
		return directory.Student{}, apperr.Newf(apperr.KindValidation, "unknown verification method %q", method)
	}
}
