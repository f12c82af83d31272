package emulator

import (
	"errors"
	"fmt"
)

// ErrReadyTimeout is returned by the probe when a readiness signal did not
// arrive within its deadline. The caller owns terminating the handle.
var ErrReadyTimeout = errors.New("readiness timeout")

// LaunchError covers everything that can go wrong bringing the process up:
// missing tool, port already bound, crash inside the startup window. It is
// never retried automatically.
type LaunchError struct {
	Reason string
	Output string // tail of the process output, diagnostic detail only
	Err    error
}

func (e *LaunchError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("launch failed: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("launch failed: %s", e.Reason)
}

func (e *LaunchError) Unwrap() error { return e.Err }

// AbnormalExitError means the process died while the probe was waiting for
// it to become ready. Sessions hitting this are torn down, never retried.
type AbnormalExitError struct {
	Output string
}

func (e *AbnormalExitError) Error() string {
	return "emulator process exited during boot"
}
