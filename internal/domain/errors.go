package domain

import (
	"errors"
	"fmt"
)

type ErrorKind string

const (
	KindNotFound           ErrorKind = "NotFound"
	KindUnauthorized       ErrorKind = "Unauthorized"
	KindAlreadyUsed        ErrorKind = "AlreadyUsed"
	KindExpired            ErrorKind = "Expired"
	KindInvalidState       ErrorKind = "InvalidState"
	KindInvalidConstraints ErrorKind = "InvalidConstraints"
	KindNodeMismatch       ErrorKind = "NodeMismatch"
	KindUnknownNode        ErrorKind = "UnknownNode"
	KindNotAuthenticated   ErrorKind = "NotAuthenticated"
	KindTimeout            ErrorKind = "Timeout"
	KindConflict           ErrorKind = "Conflict"
	KindInvalidInput       ErrorKind = "InvalidInput"
	KindNoSession          ErrorKind = "NoSession"
	KindRateLimited        ErrorKind = "RateLimited"
	KindStorage            ErrorKind = "Storage"
	KindInternal           ErrorKind = "Internal"
)

// Error is the error value returned across component boundaries. Only Kind
// and Message are ever exposed to remote callers.
type Error struct {
	Kind    ErrorKind
	Message string
	Details map[string]interface{}
	Err     error
}

func (e Error) Error() string {
	if e.Message == "" {
		return string(e.Kind)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e Error) Unwrap() error {
	return e.Err
}

func (e Error) Is(target error) bool {
	var t Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

var (
	ErrNotFound           = Error{Kind: KindNotFound}
	ErrUnauthorized       = Error{Kind: KindUnauthorized}
	ErrAlreadyUsed        = Error{Kind: KindAlreadyUsed}
	ErrExpired            = Error{Kind: KindExpired}
	ErrInvalidState       = Error{Kind: KindInvalidState}
	ErrInvalidConstraints = Error{Kind: KindInvalidConstraints}
	ErrNodeMismatch       = Error{Kind: KindNodeMismatch}
	ErrUnknownNode        = Error{Kind: KindUnknownNode}
	ErrNotAuthenticated   = Error{Kind: KindNotAuthenticated}
	ErrTimeout            = Error{Kind: KindTimeout}
	ErrConflict           = Error{Kind: KindConflict}
	ErrInvalidInput       = Error{Kind: KindInvalidInput}
	ErrNoSession          = Error{Kind: KindNoSession}
	ErrStorage            = Error{Kind: KindStorage}
)

func NewError(kind ErrorKind, message string) Error {
	return Error{Kind: kind, Message: message}
}

func NewErrorf(kind ErrorKind, format string, args ...interface{}) Error {
	return Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func NewNotFoundError(entity, id string) Error {
	return Error{
		Kind:    KindNotFound,
		Message: entity + " not found",
		Details: map[string]interface{}{"id": id},
	}
}

func NewStorageError(op, key string, err error) Error {
	return Error{
		Kind:    KindStorage,
		Message: op + " " + key,
		Err:     err,
	}
}

func NewInvalidStateError(entity, id string, state interface{}) Error {
	return Error{
		Kind:    KindInvalidState,
		Message: fmt.Sprintf("%s %s is %v", entity, id, state),
		Details: map[string]interface{}{"id": id, "state": state},
	}
}

// KindOf reports the kind of err, or KindInternal for errors that did not
// originate in this package.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var e Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

func IsConflict(err error) bool {
	return errors.Is(err, ErrConflict)
}

func IsStorage(err error) bool {
	return errors.Is(err, ErrStorage)
}

// PublicMessage is the text safe to send to a remote caller.
func PublicMessage(err error) string {
	var e Error
	if errors.As(err, &e) {
		if e.Kind == KindStorage || e.Kind == KindInternal {
			return "internal error"
		}
		if e.Message != "" {
			return e.Message
		}
		return string(e.Kind)
	}
	return "internal error"
}
