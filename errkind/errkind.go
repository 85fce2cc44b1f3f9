// Package errkind carries protocol-level failures as data instead of as Go
// errors that unwind the stack. Only truly fatal conditions (storage
// corruption, a nil ServiceProvider) should ever panic or bubble up as a
// plain error; everything a peer or a caller can legitimately trigger is a
// Kind.
package errkind

import "fmt"

// Kind enumerates the error codes exchanged between peers and reported to
// callers. The numeric values are part of the wire contract (they travel
// inside secure-invocation acknowledgements) and must never be reordered.
type Kind int

const (
	SUCCESS Kind = iota
	QUEUED
	BAD_REQUEST
	ITEM_NOT_FOUND
	NO_PERMISSION
	NO_STORAGE_SPACE
	FILE_NOT_FOUND
	FILE_NOT_SUPPORTED
	EXPIRED
	LIMIT_REACHED
	SERVICE_UNAVAILABLE
	FEATURE_NOT_SUPPORTED_BY_PEER
	FEATURE_NOT_IMPLEMENTED
	NOT_AUTHORIZED_OPERATION
	NO_PUBLIC_KEY
	NO_PRIVATE_KEY
	NO_SECRET_KEY
	NOT_ENCRYPTED
	DECRYPT_ERROR
	LIBRARY_ERROR
	TWINLIFE_OFFLINE
	TIMEOUT_ERROR
	REVOKED
)

var names = map[Kind]string{
	SUCCESS:                       "SUCCESS",
	QUEUED:                        "QUEUED",
	BAD_REQUEST:                   "BAD_REQUEST",
	ITEM_NOT_FOUND:                "ITEM_NOT_FOUND",
	NO_PERMISSION:                 "NO_PERMISSION",
	NO_STORAGE_SPACE:              "NO_STORAGE_SPACE",
	FILE_NOT_FOUND:                "FILE_NOT_FOUND",
	FILE_NOT_SUPPORTED:            "FILE_NOT_SUPPORTED",
	EXPIRED:                       "EXPIRED",
	LIMIT_REACHED:                 "LIMIT_REACHED",
	SERVICE_UNAVAILABLE:           "SERVICE_UNAVAILABLE",
	FEATURE_NOT_SUPPORTED_BY_PEER: "FEATURE_NOT_SUPPORTED_BY_PEER",
	FEATURE_NOT_IMPLEMENTED:       "FEATURE_NOT_IMPLEMENTED",
	NOT_AUTHORIZED_OPERATION:      "NOT_AUTHORIZED_OPERATION",
	NO_PUBLIC_KEY:                 "NO_PUBLIC_KEY",
	NO_PRIVATE_KEY:                "NO_PRIVATE_KEY",
	NO_SECRET_KEY:                 "NO_SECRET_KEY",
	NOT_ENCRYPTED:                 "NOT_ENCRYPTED",
	DECRYPT_ERROR:                 "DECRYPT_ERROR",
	LIBRARY_ERROR:                 "LIBRARY_ERROR",
	TWINLIFE_OFFLINE:              "TWINLIFE_OFFLINE",
	TIMEOUT_ERROR:                 "TIMEOUT_ERROR",
	REVOKED:                       "REVOKED",
}

func (k Kind) String() string {
	if s, ok := names[k]; ok {
		return s
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Error wraps a Kind with the request it applies to and, when the failure
// originated from a lower layer (store I/O, crypto), the underlying cause.
type Error struct {
	Kind      Kind
	RequestID int64
	Cause     error
}

func New(kind Kind) *Error { return &Error{Kind: kind, RequestID: -1} }

func Wrap(kind Kind, cause error) *Error {
	return &Error{Kind: kind, RequestID: -1, Cause: cause}
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Kind, e.Cause)
	}
	return e.Kind.String()
}

func (e *Error) Unwrap() error { return e.Cause }

// Is reports whether err carries the given Kind anywhere in its chain.
func Is(err error, kind Kind) bool {
	var ke *Error
	for err != nil {
		if k, ok := err.(*Error); ok {
			ke = k
			break
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			break
		}
		err = u.Unwrap()
	}
	return ke != nil && ke.Kind == kind
}

// NoAck reports whether an Error of this kind must NOT acknowledge the
// triggering secure invocation, so the invocation transport redelivers it
// on the peer's next reconnect (spec §7 propagation policy).
func (k Kind) NoAck() bool { return k == TWINLIFE_OFFLINE }
