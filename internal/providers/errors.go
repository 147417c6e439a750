package providers

import "fmt"

// Kind classifies vendor failures so the router and worker can branch
// on the category instead of parsing messages.
type Kind int

const (
	// KindUnavailable covers connection failures and 5xx responses
	// after the retry budget is spent.
	KindUnavailable Kind = iota
	// KindRateLimited means every attempt came back 429.
	KindRateLimited
	// KindBadResponse means the vendor answered but the payload did
	// not parse to the canonical candle shape. Not retried.
	KindBadResponse
)

func (k Kind) String() string {
	switch k {
	case KindUnavailable:
		return "vendor_unavailable"
	case KindRateLimited:
		return "rate_limited_exhausted"
	case KindBadResponse:
		return "bad_response"
	}
	return "unknown"
}

// Error is a typed vendor failure carrying the originating source tag.
type Error struct {
	Source string
	Kind   Kind
	Op     string
	Cause  error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s %s: %v", e.Source, e.Op, e.Kind, e.Cause)
	}
	return fmt.Sprintf("%s: %s %s", e.Source, e.Op, e.Kind)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// KindOf extracts the failure kind; ok is false for untyped errors.
func KindOf(err error) (Kind, bool) {
	pe, ok := err.(*Error)
	if !ok {
		return 0, false
	}
	return pe.Kind, true
}

// Retriable reports whether the router should try the next source.
// Parse failures are a source defect, not a transient condition, and
// fail the unit without fallback.
func Retriable(err error) bool {
	k, ok := KindOf(err)
	if !ok {
		return true
	}
	return k == KindUnavailable || k == KindRateLimited
}
