package snaptypes

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrNotFound             = errors.New("not found")
	ErrAmbiguousMount       = errors.New("ambiguous mount")
	ErrInsufficientSpace    = errors.New("insufficient space")
	ErrNameCollision        = errors.New("name collision")
	ErrNoSources            = errors.New("no sources")
	ErrUnsupportedOperation = errors.New("unsupported operation")
	ErrBackendFailure       = errors.New("backend failure")
	ErrPartialFailure       = errors.New("partial failure")
	ErrCorrupt              = errors.New("corrupt record")
	ErrInvalidRequest       = errors.New("invalid request")
	ErrBusy                 = errors.New("busy")
	ErrInvalidState         = errors.New("invalid state for operation")
)

// OpError wraps a failure of a public operation with what was being done and to what
type OpError struct {
	Op     string
	Target string
	Err    error
}

func (e *OpError) Error() string {
	if e.Target == "" {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}

	return fmt.Sprintf("%s %s: %v", e.Op, e.Target, e.Err)
}

func (e *OpError) Unwrap() error {
	return e.Err
}

func WrapOp(op string, target string, err error) error {
	if err == nil {
		return nil
	}

	return &OpError{Op: op, Target: target, Err: err}
}

type UnsupportedOperationError struct {
	Capability Capability
	Kind       ProviderKind
}

func (e *UnsupportedOperationError) Error() string {
	return fmt.Sprintf("%s: provider %s does not support %s", ErrUnsupportedOperation, e.Kind, e.Capability)
}

func (e *UnsupportedOperationError) Is(target error) bool {
	return target == ErrUnsupportedOperation
}

func Unsupported(kind ProviderKind, capability Capability) error {
	return &UnsupportedOperationError{Capability: capability, Kind: kind}
}

// BackendError is an external tool reporting an error or timing out. Err is the cause
// (exit status, context.DeadlineExceeded, ..).
type BackendError struct {
	Command string
	Output  string
	Err     error
}

func (e *BackendError) Error() string {
	output := strings.TrimSpace(e.Output)
	if output == "" {
		return fmt.Sprintf("%s failed: %v", e.Command, e.Err)
	}

	return fmt.Sprintf("%s failed: %v, output: %s", e.Command, e.Err, output)
}

func (e *BackendError) Unwrap() error {
	return e.Err
}

func (e *BackendError) Is(target error) bool {
	return target == ErrBackendFailure
}

type MemberFailure struct {
	Member string
	Err    error
}

// PartialFailureError aggregates per-member errors of one set operation
type PartialFailureError struct {
	Op       string
	Failures []MemberFailure
}

func (e *PartialFailureError) Error() string {
	details := make([]string, 0, len(e.Failures))
	for _, failure := range e.Failures {
		details = append(details, fmt.Sprintf("%s: %v", failure.Member, failure.Err))
	}

	return fmt.Sprintf(
		"%s: %s failed for %d member(s): %s",
		ErrPartialFailure,
		e.Op,
		len(e.Failures),
		strings.Join(details, "; "))
}

func (e *PartialFailureError) Is(target error) bool {
	return target == ErrPartialFailure
}

// Unwrap exposes member errors so errors.Is() sees e.g. a BackendFailure inside
func (e *PartialFailureError) Unwrap() []error {
	errs := make([]error, 0, len(e.Failures))
	for _, failure := range e.Failures {
		errs = append(errs, failure.Err)
	}

	return errs
}

type CorruptRecordError struct {
	ID  SetID
	Err error
}

func (e *CorruptRecordError) Error() string {
	return fmt.Sprintf("%s %s: %v", ErrCorrupt, e.ID, e.Err)
}

func (e *CorruptRecordError) Unwrap() error {
	return e.Err
}

func (e *CorruptRecordError) Is(target error) bool {
	return target == ErrCorrupt
}

func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

func IsBusy(err error) bool {
	return errors.Is(err, ErrBusy)
}

func IsUnsupported(err error) bool {
	return errors.Is(err, ErrUnsupportedOperation)
}

func IsBackendFailure(err error) bool {
	return errors.Is(err, ErrBackendFailure)
}

func IsPartialFailure(err error) bool {
	return errors.Is(err, ErrPartialFailure)
}

func IsCorrupt(err error) bool {
	return errors.Is(err, ErrCorrupt)
}
