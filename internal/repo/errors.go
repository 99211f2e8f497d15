package repo

import (
	"errors"
	"fmt"
)

var (
	// ErrAlreadySubscribed is returned when a Handle slot already has a
	// subscriber.
	ErrAlreadySubscribed = errors.New("only one subscriber")
	// ErrHandleClosed is returned when using a closed Handle.
	ErrHandleClosed = errors.New("handle closed")
)

// ErrorCode categorizes runtime errors reported to document observers.
type ErrorCode string

const (
	// ErrCodeLogIO indicates an actor log read or append failed.
	ErrCodeLogIO ErrorCode = "LOG_IO"

	// ErrCodeMalformedPeerMessage indicates a peer sent undecodable data.
	ErrCodeMalformedPeerMessage ErrorCode = "MALFORMED_PEER_MESSAGE"

	// ErrCodePeerTimeout indicates a peer stopped responding.
	ErrCodePeerTimeout ErrorCode = "PEER_TIMEOUT"

	// ErrCodeUnknownDocument indicates a document id that cannot be opened.
	ErrCodeUnknownDocument ErrorCode = "UNKNOWN_DOCUMENT"

	// ErrCodeInvalidChange indicates an edit the merge engine rejected.
	ErrCodeInvalidChange ErrorCode = "INVALID_CHANGE"
)

// Error is a runtime failure scoped to one document, actor or peer.
type Error struct {
	// Code identifies the error category.
	Code ErrorCode

	// Message is a human-readable description.
	Message string

	// DocID identifies the affected document, if any.
	DocID string

	// ActorID identifies the affected actor, if any.
	ActorID string

	// Err is the underlying cause.
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Code, e.Message)
	if e.DocID != "" {
		msg += fmt.Sprintf(" (doc=%s)", e.DocID)
	}
	if e.ActorID != "" {
		msg += fmt.Sprintf(" (actor=%s)", e.ActorID)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsCode reports whether err is an *Error with the given code.
// Uses errors.As to handle wrapped errors.
func IsCode(err error, code ErrorCode) bool {
	var re *Error
	if errors.As(err, &re) {
		return re.Code == code
	}
	return false
}

// IsLogError returns true if the error is a log I/O failure.
func IsLogError(err error) bool {
	return IsCode(err, ErrCodeLogIO)
}

func newLogError(docID, actorID, message string, err error) *Error {
	return &Error{Code: ErrCodeLogIO, Message: message, DocID: docID, ActorID: actorID, Err: err}
}

func newChangeError(docID string, err error) *Error {
	return &Error{Code: ErrCodeInvalidChange, Message: "change rejected", DocID: docID, Err: err}
}
