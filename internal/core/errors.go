package core

import "errors"

// Wire codes for the sentinel errors, shared by the HTTP API and its client.
var errorCodes = []struct {
	err  error
	code string
}{
	{ErrWorkerNotFound, "worker_not_found"},
	{ErrWorkerOffline, "worker_offline"},
	{ErrWorkerConflict, "worker_conflict"},
	{ErrWorkerAtCapacity, "worker_at_capacity"},
	{ErrJobNotFound, "job_not_found"},
	{ErrJobNotTerminal, "job_not_terminal"},
	{ErrJobNotRunning, "job_not_running"},
	{ErrJobNotAssignable, "job_not_assignable"},
	{ErrJobChanged, "job_changed"},
	{ErrStaleAssignment, "stale_assignment"},
	{ErrInvalidProgress, "invalid_progress"},
	{ErrInvalidStatus, "invalid_status"},
	{ErrInvalidInput, "invalid_input"},
	{ErrTickInFlight, "tick_in_flight"},
}

// ErrorCode returns the wire code of the sentinel err wraps, or "" if none.
func ErrorCode(err error) string {
	for _, e := range errorCodes {
		if errors.Is(err, e.err) {
			return e.code
		}
	}
	return ""
}

// ErrorFromCode is the inverse of ErrorCode.
func ErrorFromCode(code string) error {
	for _, e := range errorCodes {
		if e.code == code {
			return e.err
		}
	}
	return nil
}
