package devtools

import (
	"errors"
	"fmt"
)

var (
	// ErrNoDebugTarget is returned by Discover when no candidate port
	// exposes a debuggable page target.
	ErrNoDebugTarget = errors.New("devtools: no debuggable page target found")

	// ErrConnectTimeout is returned when the command channel could not be
	// opened within the connect bound.
	ErrConnectTimeout = errors.New("devtools: connect timeout")

	// ErrCommandTimeout is returned when a command got no response within
	// the command bound.
	ErrCommandTimeout = errors.New("devtools: command timeout")

	// ErrNavigationTimeout marks a navigation whose load event never
	// arrived. It is informational: the page is captured anyway.
	ErrNavigationTimeout = errors.New("devtools: navigation not confirmed")

	// ErrClosed is returned for calls on a closed channel.
	ErrClosed = errors.New("devtools: connection closed")
)

// CommandError is an error reply from the browser for a single command.
type CommandError struct {
	Method  string
	Code    int
	Message string
}

func (e *CommandError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("devtools: %s: %s (code %d)", e.Method, e.Message, e.Code)
	}
	return fmt.Sprintf("devtools: %s: %s", e.Method, e.Message)
}
