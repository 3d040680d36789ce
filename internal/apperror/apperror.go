// Package apperror defines the tagged error values shared by the registry
// components. Every component returns an *Error (or wraps one) so callers can
// branch on a stable Kind instead of matching strings.
package apperror

import (
	"errors"
	"fmt"
)

// Kind is a stable, machine-checkable error identifier. Kinds are serialized
// verbatim in API responses.
type Kind string

const (
	// Input errors.

	// KindArchiveTooLarge indicates the upload exceeds the size ceiling.
	KindArchiveTooLarge Kind = "ArchiveTooLarge"
	// KindArchiveFormatInvalid indicates the upload is not a gzip-compressed tar stream.
	KindArchiveFormatInvalid Kind = "ArchiveFormatInvalid"
	// KindArchiveExtractionFailed indicates a corrupt stream or a rejected entry.
	KindArchiveExtractionFailed Kind = "ArchiveExtractionFailed"
	// KindManifestNotFound indicates the archive has no manifest at the resolved location.
	KindManifestNotFound Kind = "ManifestNotFound"
	// KindManifestParseError indicates the manifest is not well-formed structured data.
	KindManifestParseError Kind = "ManifestParseError"
	// KindManifestSchemaError indicates a missing or invalid manifest field.
	KindManifestSchemaError Kind = "ManifestSchemaError"
	// KindInvalidRequest indicates a malformed request outside the archive itself.
	KindInvalidRequest Kind = "InvalidRequest"

	// Authorization errors.

	// KindUnauthorized indicates no authenticated identity was supplied.
	KindUnauthorized Kind = "Unauthorized"
	// KindPermissionDenied indicates the identity does not own the package.
	KindPermissionDenied Kind = "PermissionDenied"
	// KindVersionAlreadyExists indicates the (package, version) pair is taken.
	KindVersionAlreadyExists Kind = "VersionAlreadyExists"

	// Lookup errors.

	// KindPackageNotFound indicates the package does not exist.
	KindPackageNotFound Kind = "PackageNotFound"
	// KindVersionNotFound indicates the version does not exist for the package.
	KindVersionNotFound Kind = "VersionNotFound"

	// Admission errors.

	// KindRateLimited indicates the client exceeded its request quota.
	KindRateLimited Kind = "RateLimited"
	// KindUnavailable indicates the service cannot accept more work right now.
	KindUnavailable Kind = "Unavailable"

	// Infrastructure errors.

	// KindStoreWriteError indicates archive bytes could not be persisted.
	KindStoreWriteError Kind = "StoreWriteError"
	// KindInternal indicates any other server-side failure.
	KindInternal Kind = "Internal"
)

// Sentinels for errors.Is comparisons. They match any *Error of the same Kind.
var (
	ErrArchiveTooLarge         = &Error{Kind: KindArchiveTooLarge}
	ErrArchiveFormatInvalid    = &Error{Kind: KindArchiveFormatInvalid}
	ErrArchiveExtractionFailed = &Error{Kind: KindArchiveExtractionFailed}
	ErrManifestNotFound        = &Error{Kind: KindManifestNotFound}
	ErrManifestParseError      = &Error{Kind: KindManifestParseError}
	ErrManifestSchemaError     = &Error{Kind: KindManifestSchemaError}
	ErrInvalidRequest          = &Error{Kind: KindInvalidRequest}
	ErrUnauthorized            = &Error{Kind: KindUnauthorized}
	ErrPermissionDenied        = &Error{Kind: KindPermissionDenied}
	ErrVersionAlreadyExists    = &Error{Kind: KindVersionAlreadyExists}
	ErrPackageNotFound         = &Error{Kind: KindPackageNotFound}
	ErrVersionNotFound         = &Error{Kind: KindVersionNotFound}
	ErrRateLimited             = &Error{Kind: KindRateLimited}
	ErrUnavailable             = &Error{Kind: KindUnavailable}
	ErrStoreWriteError         = &Error{Kind: KindStoreWriteError}
	ErrInternal                = &Error{Kind: KindInternal}
)

// Error is a tagged failure carrying a Kind, an optional offending field and a
// short human-readable message. Err holds the underlying cause for logging.
type Error struct {
	Kind    Kind
	Field   string
	Message string
	Err     error
}

// New creates an error of the given kind.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Field creates a schema-style error naming the offending field.
func Field(kind Kind, field, format string, args ...any) *Error {
	return &Error{Kind: kind, Field: field, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind and message to an underlying cause.
func Wrap(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = string(e.Kind)
	} else {
		msg = string(e.Kind) + ": " + msg
	}
	if e.Err != nil {
		return msg + ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is an *Error of the same kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// Infrastructure reports whether the kind is a server-side failure whose
// details must not reach the client.
func (k Kind) Infrastructure() bool {
	switch k {
	case KindStoreWriteError, KindInternal, KindUnavailable:
		return true
	}
	return false
}

// KindOf extracts the kind of err. Untagged errors are KindInternal.
func KindOf(err error) Kind {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Kind
	}
	return KindInternal
}

// Public returns the kind, field and message that are safe to show a client.
// Infrastructure failures collapse to a generic message.
func Public(err error) (Kind, string, string) {
	var appErr *Error
	if !errors.As(err, &appErr) {
		return KindInternal, "", "an internal error occurred"
	}
	switch appErr.Kind {
	case KindStoreWriteError:
		return appErr.Kind, "", "the package archive could not be stored"
	case KindInternal:
		return appErr.Kind, "", "an internal error occurred"
	case KindUnavailable:
		return appErr.Kind, "", "the registry is temporarily unavailable"
	}
	msg := appErr.Message
	if msg == "" {
		msg = string(appErr.Kind)
	}
	return appErr.Kind, appErr.Field, msg
}
