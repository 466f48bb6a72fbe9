package remote

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// ServiceError represents a blob service error with a machine-readable code,
// human-readable message, HTTP status code, and, for precondition violations,
// the condition kind that failed. Codes and statuses from real services pass
// through unchanged.
type ServiceError struct {
	// Code is the service error code (e.g., "BlobNotFound", "ConditionNotMet").
	Code string
	// Message is a human-readable description of the error.
	Message string
	// HTTPStatus is the HTTP status code reported by the service (e.g., 404, 412).
	HTTPStatus int
	// Condition is the kind of access condition that failed, for 412/304
	// responses where it can be attributed. Empty otherwise.
	Condition ConditionKind
}

// Error implements the error interface for ServiceError.
func (e *ServiceError) Error() string {
	return fmt.Sprintf("service error %s (%d): %s", e.Code, e.HTTPStatus, e.Message)
}

// Is reports whether target is a *ServiceError with the same code and HTTP
// status. This lets errors.Is match the predefined errors below against
// instances that additionally carry a condition kind.
func (e *ServiceError) Is(target error) bool {
	t, ok := target.(*ServiceError)
	if !ok {
		return false
	}
	return e.Code == t.Code && e.HTTPStatus == t.HTTPStatus
}

// WithCondition returns a copy of the ServiceError with the condition kind set.
func (e *ServiceError) WithCondition(kind ConditionKind) *ServiceError {
	cp := *e
	cp.Condition = kind
	return &cp
}

// Pre-defined service errors for common conditions. The local backends
// (MemoryBlob, FileBlob) return these directly; the vendor backends map
// their SDK errors onto the same shape.
var (
	// ErrBlobNotFound is returned when the target blob does not exist.
	ErrBlobNotFound = &ServiceError{
		Code:       "BlobNotFound",
		Message:    "The specified blob does not exist",
		HTTPStatus: 404,
	}

	// ErrConditionNotMet is returned when a conditional write (or a
	// conditional read with If-Match/If-Unmodified-Since) fails.
	ErrConditionNotMet = &ServiceError{
		Code:       "ConditionNotMet",
		Message:    "The condition specified using HTTP conditional header(s) is not met",
		HTTPStatus: 412,
	}

	// ErrNotModified is returned when a conditional read short-circuits
	// (If-None-Match matched, or If-Modified-Since not exceeded).
	ErrNotModified = &ServiceError{
		Code:       "ConditionNotMet",
		Message:    "The condition specified using HTTP conditional header(s) is not met",
		HTTPStatus: 304,
	}

	// ErrLeaseIDMismatch is returned when the supplied lease ID does not
	// match the blob's active lease.
	ErrLeaseIDMismatch = &ServiceError{
		Code:       "LeaseIdMismatchWithBlobOperation",
		Message:    "The lease ID specified did not match the lease ID for the blob",
		HTTPStatus: 412,
		Condition:  ConditionLease,
	}

	// ErrLeaseIDMissing is returned when the blob is leased and no lease ID
	// was supplied with a write operation.
	ErrLeaseIDMissing = &ServiceError{
		Code:       "LeaseIdMissing",
		Message:    "There is currently a lease on the blob and no lease ID was specified in the request",
		HTTPStatus: 412,
		Condition:  ConditionLease,
	}

	// ErrLeaseNotPresent is returned when a lease ID was supplied but the
	// blob has no active lease.
	ErrLeaseNotPresent = &ServiceError{
		Code:       "LeaseNotPresentWithBlobOperation",
		Message:    "There is currently no lease on the blob",
		HTTPStatus: 412,
		Condition:  ConditionLease,
	}

	// ErrLeaseAlreadyPresent is returned when acquiring a lease on a blob
	// that already has one.
	ErrLeaseAlreadyPresent = &ServiceError{
		Code:       "LeaseAlreadyPresent",
		Message:    "There is already a lease present",
		HTTPStatus: 409,
	}

	// ErrInvalidRange is returned when the requested range is not satisfiable
	// for the current size of the blob.
	ErrInvalidRange = &ServiceError{
		Code:       "InvalidRange",
		Message:    "The range specified is invalid for the current size of the resource",
		HTTPStatus: 416,
	}

	// ErrInvalidBlockList is returned when a committed block list references
	// a block that was never staged.
	ErrInvalidBlockList = &ServiceError{
		Code:       "InvalidBlockList",
		Message:    "The specified block list is invalid",
		HTTPStatus: 400,
	}

	// ErrNotImplemented is returned when a backend cannot express a requested
	// condition (e.g., leases on S3).
	ErrNotImplemented = &ServiceError{
		Code:       "NotImplemented",
		Message:    "A condition you provided implies functionality that is not implemented",
		HTTPStatus: 501,
	}
)

// AsServiceError unwraps err to a *ServiceError if one is in its chain.
func AsServiceError(err error) (*ServiceError, bool) {
	var se *ServiceError
	if errors.As(err, &se) {
		return se, true
	}
	return nil, false
}

// IsPrecondition reports whether err is a precondition violation: a service
// error with a condition kind attached, or an HTTP 412/304 response.
func IsPrecondition(err error) bool {
	se, ok := AsServiceError(err)
	if !ok {
		return false
	}
	return se.Condition != "" || se.HTTPStatus == http.StatusPreconditionFailed || se.HTTPStatus == http.StatusNotModified
}

// IsNotFound reports whether err is a 404 from the service.
func IsNotFound(err error) bool {
	se, ok := AsServiceError(err)
	return ok && se.HTTPStatus == http.StatusNotFound
}

// inferConditionKind attributes a 412/304 response to the condition that
// caused it, given the conditions that were sent. Services report a code and
// status but not which header failed; with the RFC 7232 evaluation order the
// attribution is unambiguous for any single-kind condition set and follows
// header priority for combined sets.
func inferConditionKind(cond Conditions, status int, code string) ConditionKind {
	if strings.Contains(code, "Lease") {
		return ConditionLease
	}
	switch status {
	case http.StatusNotModified:
		if cond.IfNoneMatch != nil {
			return ConditionIfNoneMatch
		}
		if cond.IfModifiedSince != nil {
			return ConditionIfModifiedSince
		}
	case http.StatusPreconditionFailed:
		switch {
		case cond.IfMatch != nil:
			return ConditionIfMatch
		case cond.IfUnmodifiedSince != nil:
			return ConditionIfUnmodifiedSince
		case cond.IfNoneMatch != nil:
			return ConditionIfNoneMatch
		case cond.IfModifiedSince != nil:
			return ConditionIfModifiedSince
		case cond.LeaseID != nil:
			return ConditionLease
		}
	}
	return ""
}
