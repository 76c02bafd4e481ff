package app

import (
	"errors"
	"fmt"

	"libraryhub/pkg/store"
)

// Error kinds. Every error returned by App matches exactly one of these with errors.Is.
var (
	ErrNotFound      = errors.New("not found")
	ErrConflict      = errors.New("conflict")
	ErrLimitExceeded = errors.New("limit exceeded")
	ErrInvalidInput  = errors.New("invalid input")
	// ErrUnavailable marks persistence or lock failures. Callers may retry; App never does.
	ErrUnavailable = errors.New("service unavailable")
)

var (
	ErrBookNotFound   = kindError(ErrNotFound, "book not found")
	ErrMemberNotFound = kindError(ErrNotFound, "member not found")
	ErrAuthorNotFound = kindError(ErrNotFound, "author not found")

	ErrAlreadyBorrowed = kindError(ErrConflict, "already borrowed by requester")
	ErrBookUnavailable = kindError(ErrConflict, "unavailable")
	ErrNotBorrower     = kindError(ErrConflict, "not your borrow")
	ErrBookOnLoan      = kindError(ErrConflict, "book is on loan")
	ErrAuthorHasBooks  = kindError(ErrConflict, "author still has books")
	ErrEmailTaken      = kindError(ErrConflict, "email already exists")
	ErrSlugTaken       = kindError(ErrConflict, "author slug already exists")
	ErrMemberHasLoans  = kindError(ErrConflict, "member has books on loan")

	ErrBorrowLimit   = kindError(ErrLimitExceeded, "borrowed books limit reached")
	ErrFeaturedLimit = kindError(ErrLimitExceeded, "featured authors limit reached")
)

type classifiedError struct {
	kind error
	msg  string
}

func (e *classifiedError) Error() string { return e.msg }
func (e *classifiedError) Unwrap() error { return e.kind }

func kindError(kind error, msg string) error {
	return &classifiedError{kind: kind, msg: msg}
}

func invalidInput(format string, args ...any) error {
	return kindError(ErrInvalidInput, fmt.Sprintf(format, args...))
}

// isDomainError reports whether err is a rule violation rather than an infrastructure failure.
func isDomainError(err error) bool {
	return errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrConflict) ||
		errors.Is(err, ErrLimitExceeded) ||
		errors.Is(err, ErrInvalidInput) ||
		errors.Is(err, ErrUnavailable)
}

// unavailable wraps infrastructure failures as ErrUnavailable and passes domain errors through.
func unavailable(op string, err error) error {
	if err == nil || isDomainError(err) {
		return err
	}
	return fmt.Errorf("%w: %s: %w", ErrUnavailable, op, err)
}

// conflictOnDuplicate turns a unique-index violation from the store into conflict.
func conflictOnDuplicate(err, conflict error) error {
	if errors.Is(err, store.ErrDuplicate) {
		return conflict
	}
	return err
}
