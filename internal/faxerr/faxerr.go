// Package faxerr defines the error taxonomy shared across pipeline stages.
// Each failure carries a stable Kind so callers can branch on declared error
// classes instead of matching message strings.
package faxerr

import (
	"errors"
	"fmt"
)

// Kind is a stable error class. The set mirrors the failure modes of the
// pipeline's collaborators plus local validation.
type Kind string

const (
	KindValidation          Kind = "VALIDATION"
	KindUnsupportedMime     Kind = "UNSUPPORTED_MIME"
	KindTooLarge            Kind = "TOO_LARGE"
	KindDuplicate           Kind = "DUPLICATE"
	KindNotFound            Kind = "NOT_FOUND"
	KindBusy                Kind = "BUSY"
	KindOCRTransient        Kind = "OCR_TRANSIENT"
	KindOCRUnavailable      Kind = "OCR_UNAVAILABLE"
	KindExtractFail         Kind = "EXTRACT_FAIL"
	KindStoreTransient      Kind = "STORE_TRANSIENT"
	KindTimeout             Kind = "TIMEOUT"
	KindRelocFail           Kind = "RELOC_FAIL"
	KindNullTrackFail       Kind = "NULL_TRACK_FAIL"
	KindUpstreamUnavailable Kind = "UPSTREAM_UNAVAILABLE"
	KindInternal            Kind = "INTERNAL"
)

// Error is a classified error. It wraps an optional cause.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Msg != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	case e.Msg != "":
		return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	default:
		return string(e.Kind)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// New creates a classified error with a formatted message.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap classifies an underlying error. Returns nil when err is nil.
func Wrap(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Err: err}
}

// Wrapf classifies an underlying error with additional context.
func Wrapf(kind Kind, err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...), Err: err}
}

// KindOf extracts the Kind from err, walking the wrap chain. Unclassified
// errors report KindInternal; nil reports the empty Kind.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return KindInternal
}

// IsKind reports whether err carries the given kind anywhere in its chain.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// Retryable reports whether the error class is worth retrying locally.
// Only transient OCR and store failures qualify.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindOCRTransient, KindStoreTransient:
		return true
	default:
		return false
	}
}
