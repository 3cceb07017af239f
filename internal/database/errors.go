package database

import "errors"

var (
	ErrManagerClosed = errors.New("database manager is closed")
	ErrShuttingDown  = errors.New("database manager is shutting down")
	ErrWriteTimeout  = errors.New("write operation timeout")
	ErrRunNotFound   = errors.New("run not found")
	ErrEmptyRunID    = errors.New("run id cannot be empty")
)
