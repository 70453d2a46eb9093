package admission

import (
	"errors"
	"fmt"
	"net/http"

	"examgate/internal/ledger"
	"examgate/internal/session"
	"examgate/internal/storage"
)

// Reason is the outcome code of a submission attempt.
type Reason string

const (
	Accepted         Reason = "Accepted"
	InvalidRequest   Reason = "InvalidRequest"
	InvalidPasscode  Reason = "InvalidPasscode"
	WindowClosed     Reason = "WindowClosed"
	UploadsDisabled  Reason = "UploadsDisabled"
	DuplicateStudent Reason = "DuplicateStudent"
	DuplicateAddress Reason = "DuplicateAddress"
	StorageFailure   Reason = "StorageFailure"

	// Internal marks failures that are not a rejection of the request:
	// broken invariants and lookups that should never fail.
	Internal Reason = "Internal"
)

// Rejection is returned by Submit when the request was refused.
type Rejection struct {
	Reason Reason
	Err    error
}

func (r *Rejection) Error() string {
	if r.Err == nil {
		return string(r.Reason)
	}
	return fmt.Sprintf("%s: %v", r.Reason, r.Err)
}

func (r *Rejection) Unwrap() error { return r.Err }

func reject(reason Reason, err error) error {
	return &Rejection{Reason: reason, Err: err}
}

// ReasonOf classifies an error returned by Submit.
func ReasonOf(err error) Reason {
	if err == nil {
		return Accepted
	}
	var rej *Rejection
	if errors.As(err, &rej) {
		return rej.Reason
	}
	switch {
	case errors.Is(err, session.ErrNotFound):
		return InvalidPasscode
	case errors.Is(err, ledger.ErrDuplicateStudent):
		return DuplicateStudent
	case errors.Is(err, ledger.ErrDuplicateAddress):
		return DuplicateAddress
	case errors.Is(err, ledger.ErrSessionClosed):
		return WindowClosed
	case errors.Is(err, storage.ErrEmpty), errors.Is(err, storage.ErrTooLarge):
		return InvalidRequest
	}
	return Internal
}

// HTTPStatus maps a reason to the status code the API answers with.
func (r Reason) HTTPStatus() int {
	switch r {
	case Accepted:
		return http.StatusCreated
	case InvalidRequest:
		return http.StatusBadRequest
	case InvalidPasscode:
		return http.StatusNotFound
	case WindowClosed, UploadsDisabled:
		return http.StatusForbidden
	case DuplicateStudent, DuplicateAddress:
		return http.StatusConflict
	case StorageFailure:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// Message is the human-readable text shown to the student.
func (r Reason) Message() string {
	switch r {
	case Accepted:
		return "submission received"
	case InvalidRequest:
		return "passcode, student id and a non-empty file are required"
	case InvalidPasscode:
		return "invalid passcode"
	case WindowClosed:
		return "the submission window is closed"
	case UploadsDisabled:
		return "uploads are disabled for this session"
	case DuplicateStudent:
		return "this student has already submitted"
	case DuplicateAddress:
		return "a submission was already received from this computer"
	case StorageFailure:
		return "the file could not be stored, please try again"
	}
	return "internal error"
}
