package api

import "errors"

var (
	// ErrNotFound reports a definitive not-found response from a remote
	// service. Never retried; the fetch cascade short-circuits on it.
	ErrNotFound = errors.New("not found")

	// ErrEditNotAllowed reports that the remote service refused an
	// in-place status update (edit window closed or editing disabled).
	ErrEditNotAllowed = errors.New("edit not allowed")
)
