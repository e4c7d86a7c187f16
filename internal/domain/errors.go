package domain

import "errors"

// Error is a classified failure that can be reported to a client.
type Error struct {
	Code      string
	Message   string
	Retryable bool
}

func (e *Error) Error() string {
	if e.Message != "" {
		return e.Message
	}
	if e.Code != "" {
		return e.Code
	}
	return "match error"
}

var (
	ErrNotFound        = &Error{Code: "not_found", Message: "match not found"}
	ErrNotActive       = &Error{Code: "not_active", Message: "match is not active"}
	ErrNotYourTurn     = &Error{Code: "not_your_turn", Message: "not your turn", Retryable: true}
	ErrIllegalMove     = &Error{Code: "illegal_move", Message: "illegal move", Retryable: true}
	ErrInvalidState    = &Error{Code: "invalid_state", Message: "action not valid for the current state"}
	ErrUnauthenticated = &Error{Code: "unauthenticated", Message: "authentication required"}
	ErrPersistence     = &Error{Code: "persistence_failure", Message: "could not save match, try again", Retryable: true}
	ErrCodeExhausted   = &Error{Code: "code_unavailable", Message: "could not allocate a match code, try again", Retryable: true}
)

// CodeOf returns the wire code for err; unknown errors map to "internal".
func CodeOf(err error) string {
	if err == nil {
		return ""
	}
	var de *Error
	if errors.As(err, &de) {
		return de.Code
	}
	return "internal"
}

// IsRetryable reports whether the client may retry the same request.
func IsRetryable(err error) bool {
	var de *Error
	if errors.As(err, &de) {
		return de.Retryable
	}
	return false
}
