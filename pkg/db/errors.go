package db

import "errors"

var (
	// ErrDuplicateSnapshot is returned when a snapshot key (address, pair, token, block) already exists.
	ErrDuplicateSnapshot = errors.New("duplicate balance snapshot")
	// ErrDuplicatePoint is returned when a point record key already exists. Point records are
	// immutable, so this always signals a reprocessing bug rather than something to overwrite.
	ErrDuplicatePoint = errors.New("duplicate point record")
	// ErrNotFound is returned by lookups that require a row to exist.
	ErrNotFound = errors.New("not found")
)
