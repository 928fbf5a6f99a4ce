package lobby

import (
	"errors"
	"fmt"
)

// ErrorCode is the machine-readable reason an operation failed. Clients branch on it.
type ErrorCode string

const (
	CodeUnauthenticated ErrorCode = "Unauthenticated"
	CodeNotFound        ErrorCode = "NotFound"
	CodeInvalidConfig   ErrorCode = "InvalidConfig"
	CodeAlreadyInLobby  ErrorCode = "AlreadyInLobby"
	CodeAlreadyMember   ErrorCode = "AlreadyMember"
	CodeNotMember       ErrorCode = "NotMember"
	CodeFull            ErrorCode = "Full"
	CodeNotJoinable     ErrorCode = "NotJoinable"
	CodeInternal        ErrorCode = "Internal"
)

// Error is returned by every Coordinator operation that fails.
type Error struct {
	Code    ErrorCode
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

func newError(code ErrorCode, msg string) *Error {
	return &Error{Code: code, Message: msg}
}

func internalError(msg string, err error) *Error {
	return &Error{Code: CodeInternal, Message: msg, Err: err}
}

// CodeOf extracts the code from err. A nil error has no code; anything that
// is not an *Error is Internal.
func CodeOf(err error) ErrorCode {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

var (
	errAlreadyInLobby = newError(CodeAlreadyInLobby, "You are already in a lobby. Leave your current lobby first.")
	errAlreadyMember  = newError(CodeAlreadyMember, "You are already in this lobby")
	errNotFound       = newError(CodeNotFound, "Lobby not found")
	errNotMember      = newError(CodeNotMember, "You are not in this lobby")
	errFull           = newError(CodeFull, "Lobby is full")
	errNotJoinable    = newError(CodeNotJoinable, "Cannot join a lobby that is already in progress")
)
