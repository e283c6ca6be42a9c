package linktoken

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"time"

	"rollcall/internal/apperr"
	"rollcall/internal/geo"
	"rollcall/internal/session"
)

// minTokenBytes is the smallest entropy the service will accept.
const minTokenBytes = 16

// Sessions is the slice of the session service the token service needs.
type Sessions interface {
	Get(ctx context.Context, id string) (session.Session, error)
	Authorize(ctx context.Context, sessionID string, actor session.Actor, action session.Action) error
}

// Service issues, validates, consumes, and retires link tokens.
type Service struct {
	store            Store
	sessions         Sessions
	clock            func() time.Time
	tokenBytes       int
	assistantManages bool
	genToken         func(n int) (string, error)
}

// NewService creates a token service. tokenBytes below the 16-byte floor
// is raised to it. assistantManages controls whether ASSISTANT
// collaborators may issue and revoke tokens.
func NewService(store Store, sessions Sessions, tokenBytes int, assistantManages bool) *Service {
	if tokenBytes < minTokenBytes {
		tokenBytes = minTokenBytes
	}
	return &Service{
		store:            store,
		sessions:         sessions,
		clock:            time.Now,
		tokenBytes:       tokenBytes,
		assistantManages: assistantManages,
		genToken:         randomToken,
	}
}

// WithClock overrides the time source, for tests.
func (s *Service) WithClock(clock func() time.Time) *Service {
	s.clock = clock
	return s
}

// SetSessions wires the session service in after construction. The two
// services reference each other (ending a session retires its tokens), so
// one side has to be attached late.
func (s *Service) SetSessions(sessions Sessions) {
	s.sessions = sessions
}

// WithTokenGenerator overrides token generation, for tests.
func (s *Service) WithTokenGenerator(gen func(n int) (string, error)) *Service {
	s.genToken = gen
	return s
}

func randomToken(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("read random bytes: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// IssueInput describes a new link token.
type IssueInput struct {
	SessionID  string
	TTLMinutes int
	MaxUses    *int
	Geofence   *Geofence
}

// Issue creates a fresh token for a session, retiring every prior active
// token first so at most one link per session is usable.
func (s *Service) Issue(ctx context.Context, actor session.Actor, in IssueInput) (Token, error) {
	if in.TTLMinutes <= 0 {
		return Token{}, apperr.New(apperr.KindValidation, "ttl must be positive")
	}
	if in.MaxUses != nil && *in.MaxUses <= 0 {
		return Token{}, apperr.New(apperr.KindValidation, "max uses must be positive when set")
	}
	if in.Geofence != nil && in.Geofence.RadiusMeters <= 0 {
		return Token{}, apperr.New(apperr.KindValidation, "geofence radius must be positive")
	}
	action := session.ActionRecord
	if !s.assistantManages {
		action = session.ActionManageLifecycle
	}
	if err := s.sessions.Authorize(ctx, in.SessionID, actor, action); err != nil {
		return Token{}, err
	}
	sess, err := s.sessions.Get(ctx, in.SessionID)
	if err != nil {
		return Token{}, err
	}
	if sess.Status != session.StatusInProgress {
		return Token{}, apperr.New(apperr.KindSessionNotActive, "links can only be issued while the session is in progress")
	}

	now := s.clock().UTC()
	if err := s.store.RetireBySession(ctx, in.SessionID, now); err != nil {
		return Token{}, fmt.Errorf("retire prior tokens: %w", err)
	}
	value, err := s.genToken(s.tokenBytes)
	if err != nil {
		return Token{}, err
	}
	t := Token{
		Token:     value,
		SessionID: in.SessionID,
		CreatedBy: actor.UserID,
		CreatedAt: now,
		ExpiresAt: now.Add(time.Duration(in.TTLMinutes) * time.Minute),
		MaxUses:   in.MaxUses,
		Geofence:  in.Geofence,
		Active:    true,
	}
	if err := s.store.Insert(ctx, t); err != nil {
		return Token{}, fmt.Errorf("insert token: %w", err)
	}
	return t, nil
}

// Validate recomputes a token's usability from first principles and
// returns the token record on success. callerLocation is mandatory when a
// geofence is attached.
func (s *Service) Validate(ctx context.Context, tokenStr string, callerLocation *geo.Point) (Token, error) {
	t, err := s.store.Get(ctx, tokenStr)
	if err != nil {
		return Token{}, err
	}
	if !t.Active {
		return Token{}, apperr.New(apperr.KindTokenInactive, "link has been deactivated")
	}
	now := s.clock().UTC()
	if !now.Before(t.ExpiresAt) {
		return Token{}, apperr.New(apperr.KindTokenExpired, "link has expired")
	}
	if t.MaxUses != nil && t.UsesCount >= *t.MaxUses {
		return Token{}, apperr.New(apperr.KindTokenExhausted, "link has no uses remaining")
	}
	sess, err := s.sessions.Get(ctx, t.SessionID)
	if err != nil {
		return Token{}, err
	}
	if sess.Status != session.StatusInProgress {
		return Token{}, apperr.New(apperr.KindSessionNotActive, "the session for this link is not accepting attendance")
	}
	if t.Geofence != nil {
		if callerLocation == nil {
			return Token{}, apperr.New(apperr.KindLocationRequired, "this link requires your location")
		}
		distance := geo.DistanceMeters(t.Geofence.Center, *callerLocation)
		if distance > t.Geofence.RadiusMeters {
			return Token{}, apperr.New(apperr.KindOutsideGeofence, "you are outside the allowed area").
				WithDetail("distance_from_venue_m", distance).
				WithDetail("required_radius_m", t.Geofence.RadiusMeters)
		}
	}
	return t, nil
}

// Consume burns exactly one use. With concurrent callers racing for the
// last use, exactly one wins; the rest get TOKEN_EXHAUSTED.
func (s *Service) Consume(ctx context.Context, tokenStr string) error {
	ok, err := s.store.ConsumeUse(ctx, tokenStr)
	if err != nil {
		return err
	}
	if !ok {
		return apperr.New(apperr.KindTokenExhausted, "link has no uses remaining")
	}
	return nil
}

// RestoreUse hands one use back, used when a rejected self-mark is
// configured to refund its consumption.
func (s *Service) RestoreUse(ctx context.Context, tokenStr string) error {
	return s.store.RestoreUse(ctx, tokenStr)
}

// Revoke deactivates a token immediately. Only the token creator, the
// session owner, or an administrator may revoke.
func (s *Service) Revoke(ctx context.Context, tokenStr string, actor session.Actor) error {
	t, err := s.store.Get(ctx, tokenStr)
	if err != nil {
		return err
	}
	if t.CreatedBy != actor.UserID && !actor.Admin {
		sess, err := s.sessions.Get(ctx, t.SessionID)
		if err != nil {
			return err
		}
		if sess.OwnerID != actor.UserID {
			return apperr.New(apperr.KindUnauthorized, "only the link creator or session owner may revoke it")
		}
	}
	return s.store.Deactivate(ctx, tokenStr, s.clock().UTC())
}

// RetireForSession deactivates every active token a session owns. Called
// synchronously while a session ends.
func (s *Service) RetireForSession(ctx context.Context, sessionID string) error {
	return s.store.RetireBySession(ctx, sessionID, s.clock().UTC())
}

// ListBySession returns a session's tokens for operator inspection.
func (s *Service) ListBySession(ctx context.Context, sessionID string, actor session.Actor) ([]Token, error) {
	if err := s.sessions.Authorize(ctx, sessionID, actor, session.ActionRecord); err != nil {
		return nil, err
	}
	return s.store.ListBySession(ctx, sessionID)
}

// SweepExpired marks stale tokens inactive. Bookkeeping only: Validate
// never trusts the flag, so a missed sweep costs nothing.
func (s *Service) SweepExpired(ctx context.Context) (int, error) {
	return s.store.MarkExpired(ctx, s.clock().UTC())
}
