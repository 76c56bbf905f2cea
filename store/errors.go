package store

import "fmt"

// Error is a coded store failure. The code surfaces in handler summaries
// and admin API responses.
type Error struct {
	code string
	msg  string
}

func (e *Error) Error() string { return e.msg }

// Code returns the machine-readable error code.
func (e *Error) Code() string { return e.code }

// ErrNotFound reports a missing bot or owner document.
var ErrNotFound = &Error{code: "NOT_FOUND", msg: "store: record not found"}

// CorruptError reports a document that exists on disk but cannot be decoded.
type CorruptError struct {
	Key  string
	Path string
	Err  error
}

func (e *CorruptError) Error() string {
	return fmt.Sprintf("store: corrupt record %s at %s: %v", e.Key, e.Path, e.Err)
}

func (e *CorruptError) Unwrap() error { return e.Err }

// Code returns the machine-readable error code.
func (e *CorruptError) Code() string { return "STORE_CORRUPT" }
