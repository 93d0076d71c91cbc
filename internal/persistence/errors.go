package persistence

import (
	"errors"
	"fmt"
	"strings"
)

// ObjectNotFoundError is the unified error for objects that do not exist
// and objects that exist but belong to another user. The two cases are
// deliberately indistinguishable so the store never discloses foreign
// objects.
type ObjectNotFoundError struct {
	ObjectType string
	ObjectID   int64
	Message    string
}

func (e *ObjectNotFoundError) Error() string {
	var b strings.Builder
	b.WriteString("object not found")
	if e.ObjectType != "" {
		fmt.Fprintf(&b, ": object_type=%q", e.ObjectType)
	}
	if e.ObjectID != 0 {
		fmt.Fprintf(&b, ", object_id=%d", e.ObjectID)
	}
	if e.Message != "" {
		b.WriteString(", " + e.Message)
	}
	return b.String()
}

// IsNotFound reports whether err is an ObjectNotFoundError.
func IsNotFound(err error) bool {
	var nf *ObjectNotFoundError
	return errors.As(err, &nf)
}

// DuplicateEmailError reports a user creation against an email that is
// already registered.
type DuplicateEmailError struct {
	Email string
}

func (e *DuplicateEmailError) Error() string {
	return fmt.Sprintf("user email already exists: %q", e.Email)
}

// ActionAlreadyInThreadError reports a second append of the same action to
// the same thread.
type ActionAlreadyInThreadError struct {
	ThreadID int64
	ActionID int64
}

func (e *ActionAlreadyInThreadError) Error() string {
	return fmt.Sprintf("action %d is already in thread %d", e.ActionID, e.ThreadID)
}

// isUniqueViolation matches the sqlite3 UNIQUE constraint error without
// depending on driver error types outside this package.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
