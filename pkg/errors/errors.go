package errors

import (
	"errors"
	"fmt"
)

// New returns an error with the given message.
func New(msg string) error {
	return errors.New(msg)
}

// ContextError annotates an error with what the caller was doing when the
// error occurred. Contexts are short verb phrases ("create folder") that
// chain into a readable trace when printed.
type ContextError struct {
	Context string
	Err     error
}

// WithContext wraps err with a description of the operation that failed.
func WithContext(err error, context string) error {
	return ContextError{Context: context, Err: err}
}

func (err ContextError) Error() string {
	return fmt.Sprintf("%s: %s", err.Context, err.Err)
}

// Unwrap makes ContextError compatible with the stdlib errors helpers.
func (err ContextError) Unwrap() error {
	return err.Err
}

// RootCause returns the innermost error in a chain of ContextErrors.
func RootCause(err error) error {
	for {
		ctxErr, ok := err.(ContextError)
		if !ok {
			return err
		}
		err = ctxErr.Err
	}
}

// FriendlyError is an error whose message is meant to be shown to the user
// directly, without the usual error chain prefix.
type FriendlyError interface {
	FriendlyMessage() string
}

type friendlyError struct {
	msg string
}

// NewFriendlyError creates an error with a message that's written for end
// users rather than developers.
func NewFriendlyError(format string, args ...interface{}) error {
	return friendlyError{msg: fmt.Sprintf(format, args...)}
}

func (err friendlyError) Error() string {
	return err.msg
}

func (err friendlyError) FriendlyMessage() string {
	return err.msg
}

// GetPrintableMessage returns the message that should be shown to the user
// for the given error.
func GetPrintableMessage(err error) string {
	if friendly, ok := RootCause(err).(FriendlyError); ok {
		return friendly.FriendlyMessage()
	}
	return err.Error()
}
