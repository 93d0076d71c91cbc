// Package service binds the data accessor and the auth primitives into the
// user-facing API surface: account lifecycle, token round-trips, and
// thread/action management.
package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/basket/webcli/internal/auth"
	"github.com/basket/webcli/internal/persistence"
)

// ErrWrongPassword reports a login for a known email with a password that
// does not verify.
var ErrWrongPassword = errors.New("wrong password")

// Service is the account and thread API.
type Service struct {
	store *persistence.Store
	auth  *auth.Authenticator
}

func New(store *persistence.Store, authenticator *auth.Authenticator) *Service {
	return &Service{store: store, auth: authenticator}
}

// CreateUser registers a new account with a freshly hashed password.
func (s *Service) CreateUser(ctx context.Context, email, password string) (*persistence.User, error) {
	hash, err := s.auth.HashPassword(password)
	if err != nil {
		return nil, err
	}
	return s.store.CreateUser(ctx, email, hash)
}

// LoginUser verifies credentials. An unknown email surfaces as
// ObjectNotFound; a known email with a bad password as ErrWrongPassword.
func (s *Service) LoginUser(ctx context.Context, email, password string) (*persistence.User, error) {
	user, err := s.store.GetUserByEmail(ctx, email)
	if err != nil {
		return nil, err
	}
	if !s.auth.VerifyPassword(password, user.PasswordHash) {
		return nil, ErrWrongPassword
	}
	return user, nil
}

// GenerateToken mints a bearer token for the user.
func (s *Service) GenerateToken(user *persistence.User) (string, error) {
	return s.auth.GenerateToken(user)
}

// UserFromToken verifies the token signature and resolves the subject.
// Signature failures surface as auth.ErrInvalidToken; a vanished user as
// ObjectNotFound.
func (s *Service) UserFromToken(ctx context.Context, token string) (*persistence.User, error) {
	claims, err := s.auth.ParseToken(token)
	if err != nil {
		return nil, err
	}
	userID, err := claims.SubjectID()
	if err != nil {
		return nil, err
	}
	user, err := s.store.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if user.PasswordVersion != claims.PasswordVersion {
		return nil, fmt.Errorf("%w: stale password version", auth.ErrInvalidToken)
	}
	return user, nil
}

// ListThreads returns the user's thread summaries.
func (s *Service) ListThreads(ctx context.Context, user *persistence.User) ([]persistence.ThreadSummary, error) {
	return s.store.ListThreads(ctx, user)
}

// CreateThread creates an empty thread.
func (s *Service) CreateThread(ctx context.Context, title, description string, user *persistence.User) (*persistence.Thread, error) {
	return s.store.CreateThread(ctx, title, description, user)
}

// GetThread loads a thread with its ordered actions and chunks.
func (s *Service) GetThread(ctx context.Context, threadID int64, user *persistence.User) (*persistence.Thread, error) {
	return s.store.GetThread(ctx, threadID, user)
}

// PatchThread updates the provided thread fields.
func (s *Service) PatchThread(ctx context.Context, threadID int64, user *persistence.User, title, description *string) (*persistence.Thread, error) {
	return s.store.PatchThread(ctx, threadID, user, title, description)
}

// DeleteThread removes the thread and its junction rows.
func (s *Service) DeleteThread(ctx context.Context, threadID int64, user *persistence.User) error {
	return s.store.DeleteThread(ctx, threadID, user)
}

// RemoveActionFromThread removes the junction row only; the action
// survives.
func (s *Service) RemoveActionFromThread(ctx context.Context, actionID, threadID int64, user *persistence.User) (bool, error) {
	return s.store.RemoveActionFromThread(ctx, actionID, threadID, user)
}

// PatchAction updates the action title.
func (s *Service) PatchAction(ctx context.Context, actionID int64, user *persistence.User, title *string) (*persistence.Action, error) {
	return s.store.PatchAction(ctx, actionID, user, title)
}

// PatchThreadAction updates the display toggles of a thread action.
func (s *Service) PatchThreadAction(ctx context.Context, threadID, actionID int64, user *persistence.User, showQuestion, showAnswer *bool) (*persistence.ThreadAction, error) {
	return s.store.PatchThreadAction(ctx, threadID, actionID, user, showQuestion, showAnswer)
}
