package sandbox

import "errors"

const codeUnavailable = "SANDBOX_UNAVAILABLE"

// ErrUnavailable reports that the interpreter process behind a handle is
// gone. Callers treat it as an infrastructure failure, never as a failure of
// the submitted code.
var ErrUnavailable = errors.New("sandbox unavailable")

// RemoteError is a worker-reported failure of the protocol method itself
// (bad params, dataset missing), as opposed to a failure of submitted code.
type RemoteError struct {
	Code    string
	Message string
}

func (e *RemoteError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code == "" {
		return e.Message
	}
	if e.Message == "" {
		return e.Code
	}
	return e.Code + ": " + e.Message
}
