package leech

import (
	"errors"
	"fmt"
)

// errTaskCanceled is the cancellation cause attached to a task context when
// the owner (or an admin) issues /cancel.
var errTaskCanceled = errors.New("task canceled by user")

// ErrRemoteNotFound indicates the link points at a node that no longer
// exists on the remote side.
var ErrRemoteNotFound = errors.New("remote item not found")

// ErrAccessDenied indicates the remote requires credentials the bot does not
// have (revoked share, password-protected link).
var ErrAccessDenied = errors.New("remote access denied")

type InvalidLinkError struct {
	Link string
	Err  error
}

func (e *InvalidLinkError) Error() string {
	return fmt.Sprintf("invalid link %q: %v", e.Link, e.Err)
}

func (e *InvalidLinkError) Unwrap() error { return e.Err }

type ForbiddenError struct {
	Reason string
}

func (e *ForbiddenError) Error() string {
	return "forbidden: " + e.Reason
}

type QuotaExceededError struct {
	Limit int
}

func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf("daily free-tier quota of %d tasks exceeded", e.Limit)
}

type TaskNotFoundError struct {
	TaskID string
}

func (e *TaskNotFoundError) Error() string {
	return fmt.Sprintf("no task with id %q", e.TaskID)
}

type TransientNetworkError struct {
	Err error
}

func (e *TransientNetworkError) Error() string {
	return fmt.Sprintf("transient network failure: %v", e.Err)
}

func (e *TransientNetworkError) Unwrap() error { return e.Err }

func IsTransient(err error) bool {
	target := new(TransientNetworkError)
	return errors.As(err, &target)
}

type StorageExhaustedError struct {
	Need int64
	Free int64
}

func (e *StorageExhaustedError) Error() string {
	return fmt.Sprintf("scratch storage exhausted: need %d bytes, %d free", e.Need, e.Free)
}

type ConfigurationError struct {
	Reason string
}

func (e *ConfigurationError) Error() string {
	return "configuration error: " + e.Reason
}

// ErrorKind buckets an error into the short, non-leaking description shown
// to the requester and stored in the task's error detail.
func ErrorKind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, errTaskCanceled):
		return "Cancelled"
	case errors.Is(err, ErrRemoteNotFound):
		return "NotFound"
	case errors.Is(err, ErrAccessDenied):
		return "AccessDenied"
	}

	switch {
	case isAs[*InvalidLinkError](err):
		return "InvalidLink"
	case isAs[*ForbiddenError](err):
		return "Forbidden"
	case isAs[*QuotaExceededError](err):
		return "QuotaExceeded"
	case isAs[*TaskNotFoundError](err):
		return "NotFound"
	case isAs[*TransientNetworkError](err):
		return "TransientNetwork"
	case isAs[*StorageExhaustedError](err):
		return "StorageExhausted"
	case isAs[*ConfigurationError](err):
		return "ConfigurationError"
	default:
		return "InternalFailure"
	}
}

func isAs[T error](err error) bool {
	var target T
	return errors.As(err, &target)
}
