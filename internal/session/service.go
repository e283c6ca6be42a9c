package session

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"rollcall/internal/apperr"
)

// EntryCounter reports how many ledger entries a session holds. Implemented
// by the ledger store; kept as a narrow interface to avoid an import cycle.
type EntryCounter interface {
	CountBySession(ctx context.Context, sessionID string) (int, error)
}

// TokenRetirer retires every link token a session owns. Implemented by the
// link token service so that ending a session cascades synchronously.
type TokenRetirer interface {
	RetireForSession(ctx context.Context, sessionID string) error
}

// Service coordinates session lifecycle transitions and authorization.
type Service struct {
	store   Store
	entries EntryCounter
	tokens  TokenRetirer
	clock   func() time.Time
	newID   func() string
}

// NewService creates a lifecycle service. entries and tokens may be nil in
// tests that do not exercise delete/end.
func NewService(store Store, entries EntryCounter, tokens TokenRetirer) *Service {
	return &Service{
		store:   store,
		entries: entries,
		tokens:  tokens,
		clock:   time.Now,
		newID:   uuid.NewString,
	}
}

// WithClock overrides the time source, for tests.
func (s *Service) WithClock(clock func() time.Time) *Service {
	s.clock = clock
	return s
}

// CreateInput carries the metadata for a new session.
type CreateInput struct {
	CourseCode  string
	CourseTitle string
	Venue       string
	Capacity    int
}

// Create opens a new session owned by the actor, immediately IN_PROGRESS.
func (s *Service) Create(ctx context.Context, actor Actor, in CreateInput) (Session, error) {
	if in.CourseCode == "" {
		return Session{}, apperr.New(apperr.KindValidation, "course code is required")
	}
	if in.Capacity < 0 {
		return Session{}, apperr.New(apperr.KindValidation, "capacity must not be negative")
	}
	sess := Session{
		ID:          s.newID(),
		CourseCode:  in.CourseCode,
		CourseTitle: in.CourseTitle,
		Venue:       in.Venue,
		Capacity:    in.Capacity,
		Status:      StatusInProgress,
		OwnerID:     actor.UserID,
		StartedAt:   s.clock().UTC(),
	}
	if err := s.store.Insert(ctx, sess); err != nil {
		return Session{}, fmt.Errorf("insert session: %w", err)
	}
	return sess, nil
}

// Get returns a session by id.
func (s *Service) Get(ctx context.Context, id string) (Session, error) {
	return s.store.Get(ctx, id)
}

// List returns sessions owned by ownerID.
func (s *Service) List(ctx context.Context, ownerID string, limit, offset int) ([]Session, error) {
	return s.store.List(ctx, ownerID, limit, offset)
}

// Pause moves an IN_PROGRESS session to PAUSED. Owner only.
func (s *Service) Pause(ctx context.Context, sessionID string, actor Actor) (Session, error) {
	return s.transition(ctx, sessionID, actor, StatusInProgress, StatusPaused, nil)
}

// Resume moves a PAUSED session back to IN_PROGRESS. Owner only.
func (s *Service) Resume(ctx context.Context, sessionID string, actor Actor) (Session, error) {
	return s.transition(ctx, sessionID, actor, StatusPaused, StatusInProgress, nil)
}

// End completes a session from IN_PROGRESS or PAUSED, stamping the end
// time. Every link token the session owns is retired before the transition
// commits so a mid-flight self-mark cannot ride a stale link.
func (s *Service) End(ctx context.Context, sessionID string, actor Actor, notes *string) (Session, error) {
	sess, err := s.store.Get(ctx, sessionID)
	if err != nil {
		return Session{}, err
	}
	if sess.OwnerID != actor.UserID && !actor.Admin {
		return Session{}, apperr.New(apperr.KindUnauthorized, "only the session owner may end a session")
	}
	if sess.Status != StatusInProgress && sess.Status != StatusPaused {
		return Session{}, apperr.Newf(apperr.KindInvalidTransition, "cannot end a %s session", sess.Status)
	}
	if s.tokens != nil {
		if err := s.tokens.RetireForSession(ctx, sessionID); err != nil {
			return Session{}, fmt.Errorf("retire session tokens: %w", err)
		}
	}
	endedAt := s.clock().UTC()
	swapped, err := s.store.CompareAndSetStatus(ctx, sessionID, sess.Status, StatusCompleted, &endedAt, notes)
	if err != nil {
		return Session{}, err
	}
	if !swapped {
		// A concurrent transition won; retry once from the new state so two
		// racing end calls settle deterministically.
		fresh, err := s.store.Get(ctx, sessionID)
		if err != nil {
			return Session{}, err
		}
		if fresh.Status != StatusInProgress && fresh.Status != StatusPaused {
			return Session{}, apperr.Newf(apperr.KindInvalidTransition, "cannot end a %s session", fresh.Status)
		}
		swapped, err = s.store.CompareAndSetStatus(ctx, sessionID, fresh.Status, StatusCompleted, &endedAt, notes)
		if err != nil {
			return Session{}, err
		}
		if !swapped {
			return Session{}, apperr.New(apperr.KindInvalidTransition, "session state changed concurrently")
		}
	}
	return s.store.Get(ctx, sessionID)
}

// Delete removes a session that is IN_PROGRESS with zero ledger entries.
// Owner or administrator only; administrators may override the entry check.
// Issued link tokens are retired first, so a link for a deleted session
// can never validate.
func (s *Service) Delete(ctx context.Context, sessionID string, actor Actor) error {
	sess, err := s.store.Get(ctx, sessionID)
	if err != nil {
		return err
	}
	if sess.OwnerID != actor.UserID && !actor.Admin {
		return apperr.New(apperr.KindUnauthorized, "only the session owner may delete a session")
	}
	if !actor.Admin {
		if sess.Status != StatusInProgress {
			return apperr.Newf(apperr.KindInvalidTransition, "cannot delete a %s session", sess.Status)
		}
		if s.entries != nil {
			count, err := s.entries.CountBySession(ctx, sessionID)
			if err != nil {
				return fmt.Errorf("count session entries: %w", err)
			}
			if count > 0 {
				return apperr.New(apperr.KindInvalidTransition, "cannot delete a session with recorded attendance")
			}
		}
	}
	if s.tokens != nil {
		if err := s.tokens.RetireForSession(ctx, sessionID); err != nil {
			return fmt.Errorf("retire session tokens: %w", err)
		}
	}
	return s.store.Delete(ctx, sessionID)
}

// AddCollaborator grants a user a role on the session. Owner only.
func (s *Service) AddCollaborator(ctx context.Context, sessionID string, actor Actor, userID string, role Role) (Collaborator, error) {
	if !role.Valid() {
		return Collaborator{}, apperr.Newf(apperr.KindValidation, "unknown collaborator role %q", role)
	}
	sess, err := s.store.Get(ctx, sessionID)
	if err != nil {
		return Collaborator{}, err
	}
	if sess.OwnerID != actor.UserID && !actor.Admin {
		return Collaborator{}, apperr.New(apperr.KindUnauthorized, "only the session owner may manage collaborators")
	}
	if userID == sess.OwnerID {
		return Collaborator{}, apperr.New(apperr.KindValidation, "the owner is already a collaborator")
	}
	c := Collaborator{SessionID: sessionID, UserID: userID, Role: role, AddedAt: s.clock().UTC()}
	if err := s.store.PutCollaborator(ctx, c); err != nil {
		return Collaborator{}, fmt.Errorf("put collaborator: %w", err)
	}
	return c, nil
}

// RemoveCollaborator revokes a user's role on the session. Owner only.
func (s *Service) RemoveCollaborator(ctx context.Context, sessionID string, actor Actor, userID string) error {
	sess, err := s.store.Get(ctx, sessionID)
	if err != nil {
		return err
	}
	if sess.OwnerID != actor.UserID && !actor.Admin {
		return apperr.New(apperr.KindUnauthorized, "only the session owner may manage collaborators")
	}
	return s.store.DeleteCollaborator(ctx, sessionID, userID)
}

// Collaborators lists the grants on a session.
func (s *Service) Collaborators(ctx context.Context, sessionID string) ([]Collaborator, error) {
	return s.store.ListCollaborators(ctx, sessionID)
}

// Authorize checks whether the actor may perform action on the session.
// The owner and administrators hold every capability; an ASSISTANT holds
// RECORD and CONFIRM; an OBSERVER holds nothing write-side.
func (s *Service) Authorize(ctx context.Context, sessionID string, actor Actor, action Action) error {
	sess, err := s.store.Get(ctx, sessionID)
	if err != nil {
		return err
	}
	if actor.Admin || sess.OwnerID == actor.UserID {
		return nil
	}
	collab, err := s.store.GetCollaborator(ctx, sessionID, actor.UserID)
	if err != nil {
		if apperr.Is(err, apperr.KindNotFound) {
			return apperr.New(apperr.KindUnauthorized, "actor has no role on this session")
		}
		return err
	}
	if collab.Role == RoleAssistant && (action == ActionRecord || action == ActionConfirm) {
		return nil
	}
	return apperr.Newf(apperr.KindUnauthorized, "role %s may not %s", collab.Role, action)
}

// transition performs an owner-only optimistic status swap.
func (s *Service) transition(ctx context.Context, sessionID string, actor Actor, expected, next Status, endedAt *time.Time) (Session, error) {
	sess, err := s.store.Get(ctx, sessionID)
	if err != nil {
		return Session{}, err
	}
	if sess.OwnerID != actor.UserID && !actor.Admin {
		return Session{}, apperr.New(apperr.KindUnauthorized, "only the session owner may change session state")
	}
	if sess.Status != expected {
		return Session{}, apperr.Newf(apperr.KindInvalidTransition, "cannot move a %s session to %s", sess.Status, next)
	}
	swapped, err := s.store.CompareAndSetStatus(ctx, sessionID, expected, next, endedAt, nil)
	if err != nil {
		return Session{}, err
	}
	if !swapped {
		return Session{}, apperr.Newf(apperr.KindInvalidTransition, "session state changed concurrently")
	}
	return s.store.Get(ctx, sessionID)
}
