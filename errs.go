package pslse

import (
	"errors"
	"fmt"
)

// ErrKind classifies session errors by where they are allowed to
// propagate. Creation errors (Config, Resource, Connect) unwind
// synchronously out of NewPsl. Transport errors are fatal to a running
// session and trigger teardown. ClientIO is local to one client and
// never fatal to the session. Protocol errors are logged and ignored.
type ErrKind int

const (
	ErrConfig ErrKind = iota + 1
	ErrResource
	ErrConnect
	ErrTransport
	ErrClientIO
	ErrProtocol
)

func (k ErrKind) String() string {
	switch k {
	case ErrConfig:
		return "CONFIG"
	case ErrResource:
		return "RESOURCE"
	case ErrConnect:
		return "CONNECT"
	case ErrTransport:
		return "TRANSPORT"
	case ErrClientIO:
		return "CLIENT_IO"
	case ErrProtocol:
		return "PROTOCOL"
	}
	return "UNKNOWN"
}

// PslError carries the kind so callers can switch on it with KindOf.
type PslError struct {
	Kind ErrKind
	Msg  string
	Err  error
}

func (e *PslError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%v: %v: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%v: %v", e.Kind, e.Msg)
}

func (e *PslError) Unwrap() error { return e.Err }

func errf(kind ErrKind, err error, format string, a ...interface{}) *PslError {
	return &PslError{Kind: kind, Msg: fmt.Sprintf(format, a...), Err: err}
}

// KindOf reports the ErrKind carried by err, or 0 if err is
// not a PslError.
func KindOf(err error) ErrKind {
	var pe *PslError
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return 0
}
