package broker

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// ErrorKind classifies a failed broker call. Every call site that talks to
// the broker switches on the kind rather than inspecting error strings.
type ErrorKind int

const (
	// KindTransient covers network failures, timeouts and rate limits.
	// Safe to retry with backoff.
	KindTransient ErrorKind = iota
	// KindConflict means the broker's order state disagrees with ours
	// (e.g. shares locked by another order). Re-sync then retry once.
	KindConflict
	// KindRejection is a hard rejection of the operation itself.
	// Never retried.
	KindRejection
)

func (k ErrorKind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindConflict:
		return "conflict"
	case KindRejection:
		return "rejection"
	default:
		return "unknown"
	}
}

// APIError is a failure reported by the broker API, tagged with its kind.
type APIError struct {
	Kind ErrorKind
	Code int
	Msg  string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("broker: %s (code=%d kind=%s)", e.Msg, e.Code, e.Kind)
}

// Classify maps an arbitrary error from a broker call onto the taxonomy.
// Anything that is not a tagged APIError is assumed to be a transport
// problem and therefore transient.
func Classify(err error) ErrorKind {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTransient
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return KindTransient
	}
	return KindTransient
}

// IsTransient reports whether err should be retried with backoff.
func IsTransient(err error) bool { return Classify(err) == KindTransient }

// IsConflict reports whether err indicates stale local order state.
func IsConflict(err error) bool { return Classify(err) == KindConflict }

// IsRejection reports whether err is a hard broker rejection.
func IsRejection(err error) bool { return Classify(err) == KindRejection }
