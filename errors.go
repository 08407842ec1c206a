package fhirhub

import (
	"errors"
	"strings"
)

// Error is the fhirhub error domain type.
//
// Errors coming from fhirhub components should be able to be inspected as
// ([errors.As]) an *Error at some point in the error chain.
//
// Implementers of fhirhub components should create an Error at the system
// boundary (e.g. when using a database client or making an HTTP request) and
// intermediate layers should not wrap in another Error except to add
// additional [ErrorKind] information. That is to say, use [fmt.Errorf] with a
// "%w" verb in preference to creating a containing Error.
type Error struct {
	Inner   error
	Kind    ErrorKind
	Message string
	Op      string
}

// Assert this implements all the cool features.
var (
	_ error                       = (*Error)(nil)
	_ interface{ Is(error) bool } = (*Error)(nil)
	_ interface{ Unwrap() error } = (*Error)(nil)
)

// Error implements error.
func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(" ")
	}
	b.WriteString("[")
	b.WriteString(string(e.Kind))
	b.WriteString("]: ")
	if e.Message != "" {
		b.WriteString(e.Message)
	}
	if e.Message != "" && e.Inner != nil {
		b.WriteString(": ")
	}
	if e.Op == "" && e.Message == "" {
		b.Reset()
	}
	if e.Inner != nil {
		b.WriteString(e.Inner.Error())
	}
	return b.String()
}

// Is enables [errors.Is].
//
// It compares the error kind. Callers should compare against a declared
// [ErrorKind] over a specific error.
func (e *Error) Is(kind error) bool {
	switch kind {
	case ErrFetch:
		// All fetch subkinds answer to the umbrella kind.
		return errors.Is(e.Kind, ErrRateLimited) ||
			errors.Is(e.Kind, ErrTimeout) ||
			errors.Is(e.Kind, ErrTransport) ||
			errors.Is(e.Kind, ErrBadStatus)
	default:
	}
	return errors.Is(e.Kind, kind)
}

// Unwrap enables [errors.Unwrap].
func (e *Error) Unwrap() error {
	return e.Inner
}

// ErrorKind represents classes of errors to be checked against.
//
// If an error is unsure which kind to use, ErrStore or ErrTransport should be
// used, depending on which side of the network the failure happened on.
type ErrorKind string

// Defined error kinds.
var (
	ErrConfig ErrorKind = "config" // unreadable or invalid configuration, fatal at startup
	ErrStore  ErrorKind = "store"  // persistence failure, transaction rolled back

	// Fetch subkinds. ErrFetch is only for use in an [errors.Is] comparison;
	// it's true for any of the four subkinds.
	ErrFetch       ErrorKind = "fetch"
	ErrRateLimited ErrorKind = "rate limited" // HTTP 429 from a remote
	ErrTimeout     ErrorKind = "timeout"      // outbound deadline exceeded
	ErrTransport   ErrorKind = "transport"    // connection-level failure
	ErrBadStatus   ErrorKind = "bad status"   // unexpected HTTP status

	ErrMalformedArchive ErrorKind = "malformed archive" // bad gzip or tar framing
	ErrMalformedFeed    ErrorKind = "malformed feed"    // RSS that does not parse
	ErrMalformedJSON    ErrorKind = "malformed json"    // JSON that does not parse

	ErrValidation ErrorKind = "validation" // invalid package id, version, or canonical
	ErrAuth       ErrorKind = "auth"       // wrong admin password or bearer
	ErrNotFound   ErrorKind = "not found"  // missing or expired object

	ErrUnsupportedKey ErrorKind = "unsupported key" // signing key is not EC P-256
	ErrSignFailure    ErrorKind = "sign failure"    // VHL pipeline failure
)

// Error implements error.
func (e ErrorKind) Error() string {
	return string(e)
}
