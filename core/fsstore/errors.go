package fsstore

import "errors"

var (
	// ErrInvalidPath reports an empty or malformed path argument.
	ErrInvalidPath = errors.New("fsstore: invalid path")
	// ErrLockTimeout reports that the lock was not acquired before the context expired.
	ErrLockTimeout = errors.New("fsstore: lock timeout")
	// ErrLockUnavailable reports a lock file that could not be opened or flocked.
	ErrLockUnavailable = errors.New("fsstore: lock unavailable")
	// ErrEncodeFailed reports a JSON encoding failure before any write happened.
	ErrEncodeFailed = errors.New("fsstore: encode failed")
	// ErrDecodeFailed reports an unreadable JSON document on disk.
	ErrDecodeFailed = errors.New("fsstore: decode failed")
	// ErrAtomicWriteFailed reports a failure in the stage-then-rename sequence.
	ErrAtomicWriteFailed = errors.New("fsstore: atomic write failed")
)
