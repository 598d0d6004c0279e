package resolver

import (
	"errors"
	"fmt"
)

var (
	ErrDeleteFailed   = errors.New("delete message failed")
	ErrAlreadyRunning = errors.New("resolver already running")
	ErrNotRunning     = errors.New("resolver not running")
	ErrAlreadyPending = errors.New("message already pending resolution")
)

// EntryError reports one entry rejected by a DeleteMessageBatch call while
// other entries of the same batch may have succeeded.
type EntryError struct {
	MessageID string
	Code      string
	Message   string
	// SenderFault is set when the request, not the service, caused the failure.
	SenderFault bool
}

func (e *EntryError) Error() string {
	return fmt.Sprintf("%s: message %s: %s: %s", ErrDeleteFailed, e.MessageID, e.Code, e.Message)
}

// Unwrap lets errors.Is match ErrDeleteFailed.
func (e *EntryError) Unwrap() error { return ErrDeleteFailed }
