package fleet

// Error is a coded registry failure surfaced in handler summaries and the admin API.
type Error struct {
	code string
	msg  string
}

func (e *Error) Error() string { return e.msg }

// Code returns the machine-readable error code.
func (e *Error) Code() string { return e.code }

var (
	// ErrAlreadyRunning reports a start for a bot that already has a live session.
	ErrAlreadyRunning = &Error{code: "ALREADY_RUNNING", msg: "fleet: bot already running"}
	// ErrNotRunning reports a lookup for a bot without a live session.
	ErrNotRunning = &Error{code: "NOT_RUNNING", msg: "fleet: bot not running"}
)
