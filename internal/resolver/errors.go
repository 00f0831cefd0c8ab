package resolver

import (
	"errors"
	"fmt"
)

var (
	ErrTransport    = errors.New("transport error")
	ErrRateLimited  = errors.New("rate limited")
	ErrAccessDenied = errors.New("access denied")
	ErrNotAListing  = errors.New("not a listing")
	ErrUnresolvable = errors.New("unresolvable")
)

// Kind classifies why a URL could not be resolved.
type Kind int

const (
	KindTransport Kind = iota + 1
	KindRateLimited
	KindAccessDenied
	KindNotAListing
	KindUnresolvable
)

func (k Kind) String() string {
	switch k {
	case KindTransport:
		return "transport"
	case KindRateLimited:
		return "rate-limited"
	case KindAccessDenied:
		return "access-denied"
	case KindNotAListing:
		return "not-a-listing"
	case KindUnresolvable:
		return "unresolvable"
	default:
		return "unknown"
	}
}

func (k Kind) sentinel() error {
	switch k {
	case KindTransport:
		return ErrTransport
	case KindRateLimited:
		return ErrRateLimited
	case KindAccessDenied:
		return ErrAccessDenied
	case KindNotAListing:
		return ErrNotAListing
	case KindUnresolvable:
		return ErrUnresolvable
	default:
		return nil
	}
}

// Failure is the error returned by Resolve. errors.Is matches it against
// the sentinel of its Kind.
type Failure struct {
	Kind   Kind
	URL    string
	Status int
	Err    error
}

func (f *Failure) Error() string {
	msg := fmt.Sprintf("resolve %s: %s", f.URL, f.Kind)
	if f.Status != 0 {
		msg += fmt.Sprintf(" (status %d)", f.Status)
	}
	if f.Err != nil {
		msg += ": " + f.Err.Error()
	}
	return msg
}

func (f *Failure) Unwrap() error {
	return f.Err
}

func (f *Failure) Is(target error) bool {
	return target != nil && target == f.Kind.sentinel()
}

// KindOf returns the failure kind of err, or zero when err is not a Failure.
func KindOf(err error) Kind {
	var f *Failure
	if errors.As(err, &f) {
		return f.Kind
	}
	return 0
}

func fail(kind Kind, url string, status int, err error) *Failure {
	return &Failure{Kind: kind, URL: url, Status: status, Err: err}
}
