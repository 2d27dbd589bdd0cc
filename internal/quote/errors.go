package quote

import (
	"fmt"
)

// Kind is the closed set of failure categories in quote resolution.
type Kind string

const (
	// KindUnavailable means the persistent store cannot be reached.
	KindUnavailable Kind = "unavailable"
	// KindProviderEmpty means a provider returned no data for the symbol.
	KindProviderEmpty Kind = "provider_empty"
	// KindCriticalFieldsMissing means the merged record lacks required fields.
	KindCriticalFieldsMissing Kind = "critical_fields_missing"
	// KindNotFound means no provider produced usable data.
	KindNotFound Kind = "not_found"
	// KindMalformedValue means a provider value was non-finite or absurd.
	KindMalformedValue Kind = "malformed_value"
)

var (
	ErrUnavailable           = &Error{Kind: KindUnavailable}
	ErrProviderEmpty         = &Error{Kind: KindProviderEmpty}
	ErrCriticalFieldsMissing = &Error{Kind: KindCriticalFieldsMissing}
	ErrNotFound              = &Error{Kind: KindNotFound}
	ErrMalformedValue        = &Error{Kind: KindMalformedValue}
)

// Error is a categorized failure. errors.Is matches on Kind, so wrapped
// errors compare equal to the package sentinels.
type Error struct {
	Kind   Kind
	Op     string
	Symbol Symbol
	Err    error
}

func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Symbol != "" {
		msg = fmt.Sprintf("%s (%s)", msg, e.Symbol)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

// Wrap builds an Error of kind k wrapping cause.
func Wrap(k Kind, op string, sym Symbol, cause error) error {
	return &Error{Kind: k, Op: op, Symbol: sym, Err: cause}
}
