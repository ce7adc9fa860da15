package domain

import "errors"

var (
	// ErrNotFound: no matching record owned by the caller.
	ErrNotFound = errors.New("not found")

	// ErrConflict: compare-and-set transition lost a race; the record's
	// state did not match the expected from-state.
	ErrConflict = errors.New("state conflict")

	// ErrInvalidSchedule: a create request failed shape validation.
	ErrInvalidSchedule = errors.New("invalid schedule")

	// ErrDuplicateHistory: a history append for (ad_id, date, action)
	// already exists. The losing side of a sweep race sees this.
	ErrDuplicateHistory = errors.New("history entry already exists")

	// ErrAuthExpired: the stored ads-platform token is invalid or expired.
	// Terminal for the attempt; user must re-link the account.
	ErrAuthExpired = errors.New("ads platform token expired")

	// ErrNotConnected: the owner never linked an ads-platform account.
	ErrNotConnected = errors.New("ads platform account not connected")

	// ErrRateLimited: the ads platform signalled throttling. Not retried
	// locally; the next sweep retries calendar boundaries naturally.
	ErrRateLimited = errors.New("ads platform rate limited")
)
