package convergence

import (
	"context"
	"errors"
	"strings"
)

// Kind classifies a convergence failure.
type Kind int

const (
	// KindHostCommandFailed means the host rejected or could not execute a command.
	KindHostCommandFailed Kind = iota + 1
	// KindPreconditionNotMet means a step refused to act on the current VM state.
	KindPreconditionNotMet
	// KindFirmwareLookupFailed means firmware settings could not be read.
	KindFirmwareLookupFailed
	// KindReportFailed means the progress reporter returned an error.
	KindReportFailed
	// KindCanceled means the run was canceled before it completed.
	KindCanceled
)

var (
	ErrHostCommandFailed    = errors.New("host command failed")
	ErrPreconditionNotMet   = errors.New("precondition not met")
	ErrFirmwareLookupFailed = errors.New("firmware lookup failed")
	ErrReportFailed         = errors.New("progress report failed")
	ErrCanceled             = errors.New("convergence canceled")
)

func (k Kind) sentinel() error {
	switch k {
	case KindHostCommandFailed:
		return ErrHostCommandFailed
	case KindPreconditionNotMet:
		return ErrPreconditionNotMet
	case KindFirmwareLookupFailed:
		return ErrFirmwareLookupFailed
	case KindReportFailed:
		return ErrReportFailed
	case KindCanceled:
		return ErrCanceled
	default:
		return nil
	}
}

func (k Kind) String() string {
	switch k {
	case KindHostCommandFailed:
		return "HostCommandFailed"
	case KindPreconditionNotMet:
		return "PreconditionNotMet"
	case KindFirmwareLookupFailed:
		return "FirmwareLookupFailed"
	case KindReportFailed:
		return "ReportFailed"
	case KindCanceled:
		return "Canceled"
	default:
		return "Unknown"
	}
}

// Error is returned by every step and by the pipeline. It names the step and,
// for steps handling several sub-resources, the adapter or drive that failed.
type Error struct {
	Kind     Kind
	Step     string
	Resource string
	Message  string
	Err      error
}

func (e *Error) Error() string {
	parts := make([]string, 0, 4)
	if e.Step != "" {
		parts = append(parts, e.Step)
	}
	if e.Resource != "" {
		parts = append(parts, e.Resource)
	}
	msg := e.Message
	if msg == "" {
		msg = e.Kind.sentinel().Error()
	}
	parts = append(parts, msg)
	if e.Err != nil {
		parts = append(parts, e.Err.Error())
	}
	return strings.Join(parts, ": ")
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches the sentinel of the error's kind, e.g. ErrPreconditionNotMet.
func (e *Error) Is(target error) bool {
	s := e.Kind.sentinel()
	return s != nil && target == s
}

func preconditionError(step, resource, message string) error {
	return &Error{Kind: KindPreconditionNotMet, Step: step, Resource: resource, Message: message}
}

func hostError(step, resource, message string, err error) error {
	kind := KindHostCommandFailed
	if errors.Is(err, context.Canceled) {
		kind = KindCanceled
	}
	return &Error{Kind: kind, Step: step, Resource: resource, Message: message, Err: err}
}

func reportError(step, resource string, err error) error {
	return &Error{Kind: KindReportFailed, Step: step, Resource: resource, Message: "report progress", Err: err}
}
