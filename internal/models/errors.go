package models

import (
	"errors"
	"fmt"
)

// ErrDuplicateUser is returned when a user id is already registered.
var ErrDuplicateUser = errors.New("user id is already taken")

// Reasons carried by AuthError.
const (
	AuthNotFound       = "not found"
	AuthBadCredentials = "bad credentials"
)

// ValidationError describes rejected input. Reason is the short rule that
// failed; it is stable and safe to show to users.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Reason
	}
	return e.Field + ": " + e.Reason
}

// AuthError is returned when a login cannot be completed.
type AuthError struct {
	Reason string
}

func (e *AuthError) Error() string {
	return "authentication failed: " + e.Reason
}

// ConnKind classifies why the store could not be reached.
type ConnKind int

const (
	ConnUnknown ConnKind = iota
	ConnAuth
	ConnMissingDatabase
	ConnNetwork
)

func (k ConnKind) String() string {
	switch k {
	case ConnAuth:
		return "auth"
	case ConnMissingDatabase:
		return "missing_database"
	case ConnNetwork:
		return "network"
	default:
		return "unknown"
	}
}

// ConnectionError is returned when the store is unreachable.
type ConnectionError struct {
	Kind ConnKind
	Err  error
}

func (e *ConnectionError) Error() string {
	if e.Err == nil {
		return "service unavailable: database connection is not available"
	}
	return fmt.Sprintf("service unavailable (%s): %v", e.Kind, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// PersistenceError wraps an unexpected failure while writing. The write it
// describes was rolled back.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

// AssistantError is returned by the optional assistant. It never affects
// ledger state.
type AssistantError struct {
	Reason string
	Err    error
}

func (e *AssistantError) Error() string {
	if e.Err == nil {
		return "assistant: " + e.Reason
	}
	return fmt.Sprintf("assistant: %s: %v", e.Reason, e.Err)
}

func (e *AssistantError) Unwrap() error {
	return e.Err
}
