package common

import (
	"errors"
	"fmt"
)

var (
	// ErrTimedOut is returned when a command, navigation or element wait
	// exceeds its deadline.
	ErrTimedOut = errors.New("timed out")

	// ErrClosed is returned for operations attempted after the channel,
	// session or page has been closed.
	ErrClosed = errors.New("closed")

	// ErrConnectionFailed is returned when the DevTools discovery endpoint
	// stays unreachable or unattachable for the whole retry budget.
	ErrConnectionFailed = errors.New("connection failed")

	// ErrLaunchFailed is returned when the browser process cannot be
	// started.
	ErrLaunchFailed = errors.New("launch failed")
)

// ProtocolError is an error-carrying response from the browser.
type ProtocolError struct {
	Method  string
	Code    int64
	Message string
}

func (e *ProtocolError) Error() string {
	if e.Method == "" {
		return fmt.Sprintf("protocol error (%d): %s", e.Code, e.Message)
	}
	return fmt.Sprintf("protocol error executing %s (%d): %s", e.Method, e.Code, e.Message)
}
