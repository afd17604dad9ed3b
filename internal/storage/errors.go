package storage

import "errors"

var (
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrDuplicateKey is returned when inserting a record whose key already exists.
	ErrDuplicateKey = errors.New("duplicate key")

	// ErrInvalidInput is returned when input validation fails.
	ErrInvalidInput = errors.New("invalid input")

	// ErrPositionExists is returned when opening a second open position for
	// the same user and mint.
	ErrPositionExists = errors.New("open position already exists for token")

	// ErrPositionClosed is returned when closing a position that is not open.
	ErrPositionClosed = errors.New("position is not open")

	// ErrInvalidTransition is returned when a snipe run status change is not
	// an edge of the snipe state graph.
	ErrInvalidTransition = errors.New("invalid snipe status transition")
)
