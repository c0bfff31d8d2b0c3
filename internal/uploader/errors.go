package uploader

import "errors"

var (
	// ErrNoActiveOrganization is returned when an upload is requested with no
	// organization context selected.
	ErrNoActiveOrganization = errors.New("no active organization")
	// ErrQueueFull rejects admission once the backlog ceiling is reached.
	ErrQueueFull = errors.New("upload queue full")
	// ErrUploadSessionFailed wraps issuer failures during enqueue.
	ErrUploadSessionFailed = errors.New("upload session failed")
	// ErrTransferFailed marks a network or storage failure mid-transfer.
	ErrTransferFailed = errors.New("transfer failed")
	// ErrAssetUpdateFailed marks a failed pre-transfer status mutation, fatal
	// to that job attempt.
	ErrAssetUpdateFailed = errors.New("asset update failed")
	// ErrInvalidReattach rejects reattachment of a job that is not abandoned.
	ErrInvalidReattach = errors.New("job is not abandoned")
	// ErrDispatchFailed wraps completion-notifier errors; logged, never fatal
	// to queue cleanup.
	ErrDispatchFailed = errors.New("processing dispatch failed")
	// ErrJobNotFound is returned for operations on unknown job ids.
	ErrJobNotFound = errors.New("job not found")
)
