package types

import (
	"errors"
	"fmt"
)

// Fault kind sentinels. A *Fault unwraps to one of these plus its cause,
// so callers can branch with errors.Is.
var (
	// ErrPrecondition signals a scheduling invariant violation (fatal, not retried)
	ErrPrecondition = errors.New("precondition fault")
	// ErrConfiguration signals a bad job kind or callback ordering
	ErrConfiguration = errors.New("configuration fault")
	// ErrCallback signals a callback that failed during a job
	ErrCallback = errors.New("callback fault")
	// ErrTransport signals a failure surfaced by the transport collaborator
	ErrTransport = errors.New("transport fault")
	// ErrCompute signals a failure of the numeric compute collaborator
	ErrCompute = errors.New("compute fault")
	// ErrRunAborted signals that the run was aborted and no new work is accepted
	ErrRunAborted = errors.New("run aborted")
)

// FaultKind names the class of a fault
type FaultKind string

const (
	FaultPrecondition  FaultKind = "precondition"
	FaultConfiguration FaultKind = "configuration"
	FaultCallback      FaultKind = "callback"
	FaultTransport     FaultKind = "transport"
	FaultCompute       FaultKind = "compute"
	FaultAborted       FaultKind = "aborted"
)

func (k FaultKind) sentinel() error {
	switch k {
	case FaultPrecondition:
		return ErrPrecondition
	case FaultConfiguration:
		return ErrConfiguration
	case FaultCallback:
		return ErrCallback
	case FaultTransport:
		return ErrTransport
	case FaultCompute:
		return ErrCompute
	case FaultAborted:
		return ErrRunAborted
	}
	return nil
}

// Fault is a scheduler error tied to the failing job triple
type Fault struct {
	Kind FaultKind
	Key  JobKey
	Err  error
}

// NewFault wraps err as a fault of the given kind at key
func NewFault(kind FaultKind, key JobKey, err error) *Fault {
	return &Fault{Kind: kind, Key: key, Err: err}
}

func (f *Fault) Error() string {
	msg := fmt.Sprintf("%s fault", f.Kind)
	if !f.Key.IsZero() {
		msg += " at " + f.Key.String()
	}
	if f.Err == nil {
		return msg
	}
	return fmt.Sprintf("%s: %v", msg, f.Err)
}

// Unwrap exposes both the kind sentinel and the cause
func (f *Fault) Unwrap() []error {
	errs := make([]error, 0, 2)
	if s := f.Kind.sentinel(); s != nil {
		errs = append(errs, s)
	}
	if f.Err != nil {
		errs = append(errs, f.Err)
	}
	return errs
}

// AsFault extracts the first *Fault in err's chain
func AsFault(err error) (*Fault, bool) {
	var f *Fault
	if errors.As(err, &f) {
		return f, true
	}
	return nil, false
}
