// Package kerrors provides the structured error taxonomy shared by every
// kernel subsystem, in the same spirit as infrastructure/errors in the
// teacher service: a small code, a human message, and an optional wrapped
// cause.
package kerrors

import "fmt"

// Code identifies a kernel failure category. Every primitive failure
// reported to a caller carries exactly one of these.
type Code string

const (
	NotFound            Code = "not_found"
	PermissionDenied    Code = "permission_denied"
	InsufficientFunds   Code = "insufficient_resource"
	RateLimited         Code = "rate_limited"
	TypeImmutable       Code = "type_immutable"
	ReservedPrefix      Code = "reserved_prefix"
	IDConflict          Code = "id_conflict"
	DepthExceeded       Code = "depth_exceeded"
	SandboxTimeout      Code = "sandbox_timeout"
	ContractError       Code = "contract_error"
	InvalidArgument     Code = "invalid_argument"
)

// KernelError is the concrete error type returned by every kernel
// primitive. Details carries structured context (resource name,
// retry_after, etc.) for callers that want more than the message.
type KernelError struct {
	Code    Code
	Message string
	Details map[string]any
	Cause   error
}

func (e *KernelError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *KernelError) Unwrap() error { return e.Cause }

// Is lets errors.Is match on Code alone, the way ServiceError callers
// match on ErrorCode.
func (e *KernelError) Is(target error) bool {
	other, ok := target.(*KernelError)
	if !ok {
		return false
	}
	return e.Code == other.Code
}

// New builds a bare KernelError for the given code.
func New(code Code, message string) *KernelError {
	return &KernelError{Code: code, Message: message}
}

// Wrap builds a KernelError that carries an underlying cause.
func Wrap(code Code, message string, cause error) *KernelError {
	return &KernelError{Code: code, Message: message, Cause: cause}
}

// WithDetail returns a copy of e with an added detail key, mirroring
// ServiceError.WithDetails in infrastructure/errors.
func (e *KernelError) WithDetail(key string, value any) *KernelError {
	cp := *e
	cp.Details = make(map[string]any, len(e.Details)+1)
	for k, v := range e.Details {
		cp.Details[k] = v
	}
	cp.Details[key] = value
	return &cp
}

// CodeOf extracts the Code from err, if it is (or wraps) a *KernelError.
func CodeOf(err error) (Code, bool) {
	var ke *KernelError
	if ok := asKernelError(err, &ke); ok {
		return ke.Code, true
	}
	return "", false
}

func asKernelError(err error, target **KernelError) bool {
	for err != nil {
		if ke, ok := err.(*KernelError); ok {
			*target = ke
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// Sentinel constructors used throughout the kernel packages.

func NotFoundf(format string, args ...any) *KernelError {
	return New(NotFound, fmt.Sprintf(format, args...))
}

func PermissionDeniedf(format string, args ...any) *KernelError {
	return New(PermissionDenied, fmt.Sprintf(format, args...))
}

func InvalidArgumentf(format string, args ...any) *KernelError {
	return New(InvalidArgument, fmt.Sprintf(format, args...))
}
