package engine

import "errors"

var (
	// ErrTemplateNotFound is returned for an unknown template key.
	ErrTemplateNotFound = errors.New("template not found")

	// ErrEnrollmentNotFound is returned for an unknown enrollment id.
	ErrEnrollmentNotFound = errors.New("enrollment not found")

	// ErrLeadNotFound is returned for an unknown lead id.
	ErrLeadNotFound = errors.New("lead not found")

	// ErrAlreadyActive rejects re-enrollment while a live enrollment exists
	// for the same (lead, template) pair.
	ErrAlreadyActive = errors.New("lead already has an active enrollment for this template")

	// ErrNotPaused rejects a resume on an enrollment that is not paused.
	ErrNotPaused = errors.New("enrollment is not paused")

	// ErrConflict signals an optimistic-lock failure: another writer updated
	// the enrollment between our read and write. Callers reload and retry.
	ErrConflict = errors.New("enrollment was modified concurrently")
)
