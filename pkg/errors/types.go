package errors

import (
	"fmt"
)

// FileNotFound represents when we were unable to access a file
// because the path didn't exist.
type FileNotFound struct {
	Path string
}

func (err FileNotFound) Error() string {
	return fmt.Sprintf("%q does not exist", err.Path)
}

// FilesystemError represents a local filesystem problem that makes the sync
// impossible: an unreadable path, an unsupported entry type, or a symlink
// cycle. It aborts the run before any transfer starts.
type FilesystemError struct {
	Path   string
	Reason string
}

func (err FilesystemError) Error() string {
	return fmt.Sprintf("filesystem error at %q: %s", err.Path, err.Reason)
}

// ValidationError represents invalid input, such as an empty project name or
// a non-empty download destination. It aborts the run before any transfer
// starts.
type ValidationError struct {
	Msg string
}

func (err ValidationError) Error() string {
	return err.Msg
}

// AuthError represents an authentication or authorization failure from the
// data service. It's never retried, and fails the entire run.
type AuthError struct {
	Msg string
}

func (err AuthError) Error() string {
	return fmt.Sprintf("authentication failed: %s", err.Msg)
}

// NotFound represents a remote object that doesn't exist.
type NotFound struct {
	Resource string
}

func (err NotFound) Error() string {
	return fmt.Sprintf("%s not found", err.Resource)
}

// NetworkError represents a transient network failure (timeout, connection
// reset, or a server-reported 5xx-class condition). Chunk-level operations
// retry these with backoff.
type NetworkError struct {
	Op  string
	Err error
}

func (err NetworkError) Error() string {
	return fmt.Sprintf("%s: %s", err.Op, err.Err)
}

func (err NetworkError) Unwrap() error {
	return err.Err
}

// IntegrityError represents a fingerprint mismatch, either reported by the
// data service at finalize time, or detected locally after a download. It's
// fatal to the owning file only.
type IntegrityError struct {
	Path     string
	Expected string
	Observed string
}

func (err IntegrityError) Error() string {
	return fmt.Sprintf("content hash mismatch for %q: expected %s, got %s",
		err.Path, err.Expected, err.Observed)
}

// IsTransient returns whether the error is worth retrying. Only network
// failures are transient; everything else in the taxonomy is fatal to its
// scope.
func IsTransient(err error) bool {
	for {
		if _, ok := err.(NetworkError); ok {
			return true
		}
		ctxErr, ok := err.(ContextError)
		if !ok {
			return false
		}
		err = ctxErr.Err
	}
}

// IsAuth returns whether the error is an authentication failure, which fails
// the entire run rather than a single node.
func IsAuth(err error) bool {
	_, ok := RootCause(err).(AuthError)
	return ok
}
