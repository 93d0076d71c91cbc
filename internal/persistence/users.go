package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// CreateUser registers a new active account with password_version 1.
// Returns DuplicateEmailError when the email is taken.
func (s *Store) CreateUser(ctx context.Context, email, passwordHash string) (*User, error) {
	var user *User
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO users (is_active, email, password_version, password_hash)
			VALUES (1, ?, 1, ?);
		`, email, passwordHash)
		if err != nil {
			if isUniqueViolation(err) {
				return &DuplicateEmailError{Email: email}
			}
			return fmt.Errorf("insert user: %w", err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return fmt.Errorf("user id: %w", err)
		}
		user = &User{
			ID:              id,
			IsActive:        true,
			Email:           email,
			PasswordVersion: 1,
			PasswordHash:    passwordHash,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return user, nil
}

// GetUser fetches a user by id.
func (s *Store) GetUser(ctx context.Context, userID int64) (*User, error) {
	return s.getUserWhere(ctx, `id = ?`, userID, &ObjectNotFoundError{ObjectType: "User", ObjectID: userID})
}

// GetUserByEmail fetches a user by unique email.
func (s *Store) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	return s.getUserWhere(ctx, `email = ?`, email, &ObjectNotFoundError{ObjectType: "User", Message: fmt.Sprintf("email=%q", email)})
}

func (s *Store) getUserWhere(ctx context.Context, where string, arg any, notFound *ObjectNotFoundError) (*User, error) {
	var u User
	var isActive int
	err := s.db.QueryRowContext(ctx, `
		SELECT id, is_active, email, password_version, password_hash
		FROM users
		WHERE `+where+`;
	`, arg).Scan(&u.ID, &isActive, &u.Email, &u.PasswordVersion, &u.PasswordHash)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound
	}
	if err != nil {
		return nil, fmt.Errorf("select user: %w", err)
	}
	u.IsActive = isActive == 1
	return &u, nil
}
