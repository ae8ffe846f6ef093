package services

import "errors"

var (
	// ErrNotFound marks a referenced server, port or user that does not exist.
	ErrNotFound = errors.New("not found")
	// ErrMissingExternalID marks a user whose notes carry no billing id.
	ErrMissingExternalID = errors.New("no external billing id in notes")
)
