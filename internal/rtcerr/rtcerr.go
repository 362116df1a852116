// Package rtcerr defines the error taxonomy shared by the signaling
// coordinators. The transport layer maps each kind onto a wire error code;
// state conflicts are logged and dropped rather than surfaced.
package rtcerr

import (
	"errors"
	"fmt"
)

type Kind int

const (
	KindUnknown Kind = iota
	// KindValidation: malformed input; surfaced immediately, no state mutated.
	KindValidation
	// KindNotFound: unknown call/meeting/request; surfaced, operation aborted.
	KindNotFound
	// KindStateConflict: operation illegal in the current state; logged and
	// dropped, existing negotiation preserved.
	KindStateConflict
	// KindOffline: target has no live connection.
	KindOffline
	// KindForbidden: caller lacks authority over the resource (e.g. non-host
	// approving a join request).
	KindForbidden
)

type Error struct {
	Kind Kind
	Msg  string
}

func (e *Error) Error() string { return e.Msg }

func newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

func Validationf(format string, args ...any) *Error {
	return newf(KindValidation, format, args...)
}

func NotFoundf(format string, args ...any) *Error {
	return newf(KindNotFound, format, args...)
}

func StateConflictf(format string, args ...any) *Error {
	return newf(KindStateConflict, format, args...)
}

func Offlinef(format string, args ...any) *Error {
	return newf(KindOffline, format, args...)
}

func Forbiddenf(format string, args ...any) *Error {
	return newf(KindForbidden, format, args...)
}

// KindOf extracts the taxonomy kind, or KindUnknown for foreign errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// Code returns the wire error code for an error kind.
func (k Kind) Code() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindNotFound:
		return "not_found"
	case KindStateConflict:
		return "state_conflict"
	case KindOffline:
		return "user_offline"
	case KindForbidden:
		return "forbidden"
	default:
		return "internal_error"
	}
}
