package errors

import "errors"

var (
	ErrTimeout          = errors.New("timeout")
	ErrConnectionClosed = errors.New("connection closed")
	ErrQueueFull        = errors.New("dispatch queue full")
	ErrNotRunning       = errors.New("dispatch engine not running")
	ErrNotFound         = errors.New("not found")
)
