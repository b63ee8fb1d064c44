package notifications

import (
	"errors"
	"fmt"
	"time"
)

// Kind classifies a dispatch failure. Workers decide retry vs. terminal
// from the kind plus the attempt count and vendor history.
type Kind string

const (
	KindInvalidPayload      Kind = "invalid_payload"
	KindRateLimited         Kind = "rate_limited"
	KindTemplateNotFound    Kind = "template_not_found"
	KindTemplateInvalid     Kind = "template_invalid"
	KindVendorCircuitOpen   Kind = "vendor_circuit_open"
	KindVendorUnavailable   Kind = "vendor_unavailable"
	KindRateLimitedByVendor Kind = "rate_limited_by_vendor"
	KindNoVendorAvailable   Kind = "no_vendor_available"
	KindTimeout             Kind = "timeout"
	KindInternal            Kind = "internal"
)

// Retryable reports whether a failure of this kind may be attempted again,
// possibly on a different vendor.
func (k Kind) Retryable() bool {
	switch k {
	case KindInvalidPayload, KindTemplateNotFound, KindTemplateInvalid:
		return false
	}
	return true
}

// RotatesVendor reports whether the next attempt should exclude the vendor
// that produced this failure. Vendor-side throttling retries the same
// vendor after its hint; everything else rotates.
func (k Kind) RotatesVendor() bool {
	switch k {
	case KindVendorCircuitOpen, KindVendorUnavailable:
		return true
	}
	return false
}

// DispatchError is the classified error surfaced by adapters, gates, and
// the render step. RetryAfter is only set for KindRateLimitedByVendor.
type DispatchError struct {
	Kind       Kind
	Message    string
	RetryAfter time.Duration
	Err        error
}

func (e *DispatchError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *DispatchError) Unwrap() error { return e.Err }

// NewError builds a DispatchError wrapping cause (which may be nil).
func NewError(kind Kind, message string, cause error) *DispatchError {
	return &DispatchError{Kind: kind, Message: message, Err: cause}
}

// KindOf extracts the failure kind from err, defaulting to KindInternal.
func KindOf(err error) Kind {
	var de *DispatchError
	if errors.As(err, &de) {
		return de.Kind
	}
	if errors.Is(err, ErrRateLimited) {
		return KindRateLimited
	}
	return KindInternal
}

// Sentinel errors shared across packages. Handlers translate these to HTTP
// status codes; workers translate them to state transitions.
var (
	ErrNotFound          = errors.New("not found")
	ErrRateLimited       = errors.New("rate limited")
	ErrVersionConflict   = errors.New("template version conflict")
	ErrNoVendorAvailable = errors.New("no vendor available")
	ErrCircuitOpen       = errors.New("vendor circuit open")
)
