package ws

import (
	"errors"
	"fmt"

	"github.com/HsiangNianian/lightstack-agent/internal/protocol"
)

var (
	// ErrNotConnected is returned by Send while the link is down.
	ErrNotConnected = errors.New("not connected to lightstack")
	// ErrAlreadyConnected is returned by Connect on a live session.
	ErrAlreadyConnected = errors.New("already connected to lightstack")
	// ErrCancelled fails commands still pending when the session is torn down.
	ErrCancelled = errors.New("command cancelled")
	// ErrDuplicateCommand means a pending command with the same id exists.
	ErrDuplicateCommand = errors.New("duplicate command id")
)

// ConnectionError is a link-level failure. It is fatal to the current
// connection and is what the supervisor recovers from.
type ConnectionError struct {
	URL string
	Err error
}

func (e *ConnectionError) Error() string {
	if e.URL == "" {
		return fmt.Sprintf("lightstack connection: %v", e.Err)
	}
	return fmt.Sprintf("lightstack connection %s: %v", e.URL, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// CommandError is a rejection (or local timeout) of a single command.
type CommandError struct {
	Command string
	Code    string
	Message string
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// IsTimeout reports whether the command timed out locally.
func (e *CommandError) IsTimeout() bool {
	return e.Code == protocol.CodeTimeout
}

// IsConnectionError reports whether err is, or wraps, a ConnectionError.
func IsConnectionError(err error) bool {
	var ce *ConnectionError
	return errors.As(err, &ce)
}

// AsCommandError unwraps err into a CommandError.
func AsCommandError(err error) (*CommandError, bool) {
	var ce *CommandError
	if errors.As(err, &ce) {
		return ce, true
	}
	return nil, false
}
