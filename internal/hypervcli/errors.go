package hypervcli

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound indicates the requested VM does not exist on the host.
	ErrNotFound = errors.New("not found")

	// ErrSessionClosed is returned when a command is sent to a closed client.
	ErrSessionClosed = errors.New("powershell session closed")
)

// Mode identifies how a command reached the host.
type Mode string

const (
	// ModeInProcess runs the command in the long-lived PowerShell session.
	ModeInProcess Mode = "in-process"
	// ModeOutOfProcess starts a dedicated PowerShell process for the command.
	ModeOutOfProcess Mode = "out-of-process"
)

// CommandError represents a failure raised by the host while executing a command.
type CommandError struct {
	Command string
	Mode    Mode
	Message string
	Stderr  string
	Err     error
}

func (e *CommandError) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Stderr != "" {
		return fmt.Sprintf("%s (%s) failed: %s (stderr: %s)", e.Command, e.Mode, msg, e.Stderr)
	}
	return fmt.Sprintf("%s (%s) failed: %s", e.Command, e.Mode, msg)
}

func (e *CommandError) Unwrap() error {
	return e.Err
}
