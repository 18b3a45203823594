package archive

import (
	"errors"
	"fmt"
	"strings"
)

// Failure kinds. Every error returned by the export engine matches exactly one of
// these with errors.Is.
var (
	// ErrArchiveUnavailable indicates the archive could not be opened.
	ErrArchiveUnavailable = errors.New("archive unavailable")

	// ErrInvalidPattern indicates a channel name pattern failed to compile.
	ErrInvalidPattern = errors.New("invalid pattern")

	// ErrInvalidArgument indicates a malformed request, rejected before any I/O.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrChannelNotFound indicates the archive does not know the channel.
	ErrChannelNotFound = errors.New("channel not found")

	// ErrUnsupportedValueKind indicates a record declared a value type outside the
	// supported set.
	ErrUnsupportedValueKind = errors.New("unsupported value kind")

	// ErrDecode indicates a record could not be converted.
	ErrDecode = errors.New("decode error")

	// ErrCatalogUnavailable indicates the channel name enumeration failed.
	ErrCatalogUnavailable = errors.New("catalog unavailable")
)

var kinds = []error{
	ErrArchiveUnavailable,
	ErrInvalidPattern,
	ErrInvalidArgument,
	ErrChannelNotFound,
	ErrUnsupportedValueKind,
	ErrDecode,
	ErrCatalogUnavailable,
}

// Error carries a failure kind, a human-readable detail and the underlying cause.
type Error struct {
	Kind   error
	Detail string
	Err    error
}

func (e *Error) Error() string {
	msg := e.Kind.Error()
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap exposes both the kind and the cause to errors.Is and errors.As.
func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// Errorf builds an *Error of the given kind. cause may be nil.
func Errorf(kind error, cause error, format string, args ...any) error {
	return &Error{Kind: kind, Detail: fmt.Sprintf(format, args...), Err: cause}
}

// KindOf returns the failure kind of err, or nil when err carries none.
func KindOf(err error) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	for _, k := range kinds {
		if errors.Is(err, k) {
			return k
		}
	}
	return nil
}

// Code returns a snake_case name for the failure kind of err ("channel_not_found"),
// or "" when err carries none.
func Code(err error) string {
	k := KindOf(err)
	if k == nil {
		return ""
	}
	return strings.ReplaceAll(k.Error(), " ", "_")
}
