// Package errors provides structured error handling for mailrag.
//
// Every failure surfaced across a package boundary is a *Error carrying a
// Kind (the category callers branch on), a stable machine-readable code,
// and an optional cause chain. Retryability is derived from the Kind so the
// retry helper and the HTTP layer never have to string-match.
package errors

import (
	"errors"
	"fmt"
)

// Kind is the category of a failure. Callers branch on Kind, never on the
// message text.
type Kind int

const (
	// KindInternal is an unexpected failure. Surfaced as 500, not retried.
	KindInternal Kind = iota

	// KindInvalidArgument is a caller mistake (bad parameters). 4xx, never retried.
	KindInvalidArgument

	// KindEmptyInput marks an ingest request with no usable text. 4xx.
	KindEmptyInput

	// KindEmptyCorpus marks a BM25 build over zero documents. 4xx.
	KindEmptyCorpus

	// KindCollectionGone marks an operation against a collection that was
	// deleted (or is being deleted) concurrently.
	KindCollectionGone

	// KindDimensionMismatch marks an embedding whose length differs from the
	// collection's established dimensionality.
	KindDimensionMismatch

	// KindTransient marks network failures, upstream 5xx and timeouts.
	// Retried with exponential backoff.
	KindTransient

	// KindPermanent marks a definitive upstream rejection (4xx class from a
	// dependency). Logged and surfaced, never retried.
	KindPermanent
)

// String returns the kind name used in logs and error codes.
func (k Kind) String() string {
	switch k {
	case KindInvalidArgument:
		return "invalid_argument"
	case KindEmptyInput:
		return "empty_input"
	case KindEmptyCorpus:
		return "empty_corpus"
	case KindCollectionGone:
		return "collection_gone"
	case KindDimensionMismatch:
		return "dimension_mismatch"
	case KindTransient:
		return "transient"
	case KindPermanent:
		return "permanent"
	default:
		return "internal"
	}
}

// Error codes, stable across releases. The numeric block encodes the
// category: 4xx validation, 5xx internal/upstream.
const (
	CodeInvalidArgument   = "ERR_401_INVALID_ARGUMENT"
	CodeEmptyInput        = "ERR_402_EMPTY_INPUT"
	CodeEmptyCorpus       = "ERR_403_EMPTY_CORPUS"
	CodeQueryTooLong      = "ERR_404_QUERY_TOO_LONG"
	CodeCollectionGone    = "ERR_410_COLLECTION_GONE"
	CodeDimensionMismatch = "ERR_411_DIMENSION_MISMATCH"
	CodeInternal          = "ERR_501_INTERNAL"
	CodeUpstreamFailed    = "ERR_502_UPSTREAM_FAILED"
	CodeTimeout           = "ERR_503_TIMEOUT"
)

// Error is the structured error type for mailrag.
type Error struct {
	// Kind is the category callers branch on.
	Kind Kind

	// Code is the stable machine-readable code (e.g. ERR_401_INVALID_ARGUMENT).
	Code string

	// Message is the human-readable message.
	Message string

	// Details holds additional context as key-value pairs.
	Details map[string]string

	// Cause is the underlying error, if any.
	Cause error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Code == "" {
		return e.Message
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause for error chain support.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches by Kind so errors.Is(err, &Error{Kind: KindTransient}) works.
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Kind == t.Kind
	}
	return false
}

// WithDetail attaches a key-value detail and returns the error for chaining.
func (e *Error) WithDetail(key, value string) *Error {
	if e.Details == nil {
		e.Details = make(map[string]string)
	}
	e.Details[key] = value
	return e
}

// New creates an Error with an explicit kind and code.
func New(kind Kind, code, message string, cause error) *Error {
	return &Error{Kind: kind, Code: code, Message: message, Cause: cause}
}

// InvalidArgument creates a caller-mistake error.
func InvalidArgument(message string) *Error {
	return New(KindInvalidArgument, CodeInvalidArgument, message, nil)
}

// InvalidArgumentf creates a caller-mistake error with formatting.
func InvalidArgumentf(format string, args ...any) *Error {
	return InvalidArgument(fmt.Sprintf(format, args...))
}

// EmptyInput creates an empty-ingest error.
func EmptyInput(message string) *Error {
	return New(KindEmptyInput, CodeEmptyInput, message, nil)
}

// EmptyCorpus creates a zero-document BM25 build error.
func EmptyCorpus(collection string) *Error {
	e := New(KindEmptyCorpus, CodeEmptyCorpus, "no documents to index", nil)
	return e.WithDetail("collection", collection)
}

// CollectionGone creates an error for a concurrently deleted collection.
func CollectionGone(collection string) *Error {
	e := New(KindCollectionGone, CodeCollectionGone, "collection is not available", nil)
	return e.WithDetail("collection", collection)
}

// DimensionMismatch creates an embedding dimensionality error.
func DimensionMismatch(expected, got int) *Error {
	e := New(KindDimensionMismatch, CodeDimensionMismatch,
		fmt.Sprintf("embedding dimension %d does not match collection dimension %d", got, expected), nil)
	return e
}

// Transient wraps a retryable failure (network, upstream 5xx, timeout).
func Transient(message string, cause error) *Error {
	return New(KindTransient, CodeUpstreamFailed, message, cause)
}

// Timeout wraps a deadline exceeded failure. Timeouts are transient.
func Timeout(message string, cause error) *Error {
	return New(KindTransient, CodeTimeout, message, cause)
}

// Permanent wraps a definitive upstream rejection.
func Permanent(message string, cause error) *Error {
	return New(KindPermanent, CodeUpstreamFailed, message, cause)
}

// Internal wraps an unexpected failure.
func Internal(message string, cause error) *Error {
	return New(KindInternal, CodeInternal, message, cause)
}

// KindOf extracts the Kind from an error chain. Unknown errors are internal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// IsRetryable reports whether the error (anywhere in the chain) is transient.
func IsRetryable(err error) bool {
	return KindOf(err) == KindTransient
}

// IsKind reports whether the error chain carries the given kind.
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// HTTPStatus maps an error to the response status the API surface uses.
// Writes against missing collections and dimension conflicts are caller
// mistakes; transient upstream failures surface as bad gateway.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindInvalidArgument, KindEmptyInput, KindEmptyCorpus:
		return 400
	case KindCollectionGone:
		return 404
	case KindDimensionMismatch:
		return 409
	case KindTransient:
		return 502
	default:
		return 500
	}
}
