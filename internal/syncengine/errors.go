package syncengine

import "errors"

// ErrUploadTooLarge is the permanent error surfaced when the remote API
// rejects an upload because the file exceeds the account's per-file limit
// (spec.md §4.5.2).
var ErrUploadTooLarge = errors.New("syncengine: upload exceeds account file size limit")

// ErrInsufficientStorage is the permanent error surfaced when the remote
// account has no room left for an upload (spec.md §4.5.3).
var ErrInsufficientStorage = errors.New("syncengine: insufficient remote storage")

// ErrOperationFailed is returned when a polled async operation link
// reports a failure status.
var ErrOperationFailed = errors.New("syncengine: async operation failed")

// ErrOperationTimedOut is returned when a polled async operation link
// never leaves in-progress within the allotted attempts.
var ErrOperationTimedOut = errors.New("syncengine: async operation polling timed out")
