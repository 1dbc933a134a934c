package backend

import "fmt"

// Kind classifies backend failures for in-band error mapping.
type Kind int

const (
	// KindUnavailable covers network failures, server errors, throttling that
	// exhausted retries, and exceeded deadlines.
	KindUnavailable Kind = iota
	// KindAuth covers authentication and authorization rejections.
	KindAuth
	// KindValidation covers requests the cluster rejected as malformed.
	KindValidation
)

func (k Kind) String() string {
	switch k {
	case KindAuth:
		return "auth"
	case KindValidation:
		return "validation"
	default:
		return "unavailable"
	}
}

// Error is the classified backend failure surfaced to callers.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("backend %s (%s): %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}
