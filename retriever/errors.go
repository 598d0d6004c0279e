package retriever

import "errors"

var (
	ErrReceiveFailed   = errors.New("receive message failed")
	ErrAlreadyRunning  = errors.New("retriever already running")
	ErrNotRunning      = errors.New("retriever not running")
	ErrInvalidPrefetch = errors.New("invalid prefetch limits")
)
