// Package apperr defines the error kinds the engine reports to its callers.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

type Kind string

const (
	KindUnauthorized      Kind = "unauthorized"
	KindNotFound          Kind = "not_found"
	KindAlreadyRunning    Kind = "already_running"
	KindInvalidTransition Kind = "invalid_transition"
	KindInvalidInput      Kind = "invalid_input"
	KindSessionExpired    Kind = "session_expired"
	KindLimitReached      Kind = "limit_reached"
	KindRetryExhausted    Kind = "retry_exhausted"
	KindWorkerTimeout     Kind = "worker_timeout"
	KindCollaborator      Kind = "collaborator_error"
	KindInternal          Kind = "internal"
)

type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	switch {
	case e.Err != nil && e.Message != "":
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	default:
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	}
}

func (e *Error) Unwrap() error { return e.Err }

func New(kind Kind, msg string) error {
	return &Error{Kind: kind, Message: msg}
}

func Newf(kind Kind, format string, args ...any) error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func Wrap(kind Kind, err error, msg string) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Message: msg, Err: err}
}

// KindOf returns the kind of the first *Error in the chain, or KindInternal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// Message returns the human part of an *Error, or err.Error() otherwise.
func Message(err error) string {
	var e *Error
	if errors.As(err, &e) {
		if e.Message != "" {
			return e.Message
		}
		if e.Err != nil {
			return e.Err.Error()
		}
	}
	return err.Error()
}

func HTTPStatus(kind Kind) int {
	switch kind {
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindNotFound:
		return http.StatusNotFound
	case KindAlreadyRunning, KindInvalidTransition:
		return http.StatusConflict
	case KindInvalidInput:
		return http.StatusBadRequest
	case KindSessionExpired:
		return http.StatusPreconditionFailed
	case KindLimitReached:
		return http.StatusTooManyRequests
	case KindCollaborator:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
