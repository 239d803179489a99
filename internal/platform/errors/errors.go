package errors

import (
	stderrors "errors"
	"strings"

	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

// Error is the domain error type with structured metadata.
type Error struct {
	Code     Code              // Machine-readable error code
	Message  string            // Internal message (for logs/telemetry)
	Metadata map[string]string // Additional context for the client
	Cause    error             // Wrapped underlying error
}

// Error implements the error interface.
func (e *Error) Error() string {
	return e.Message
}

// Unwrap returns the underlying cause for error chain traversal.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target matches this error by code.
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Code == t.Code
	}
	return false
}

// New creates a simple domain error with a code and message.
func New(code Code, message string) *Error {
	return &Error{
		Code:    code,
		Message: message,
	}
}

// WithMetadata creates a domain error with metadata for the client payload.
func WithMetadata(code Code, message string, metadata map[string]string) *Error {
	return &Error{
		Code:     code,
		Message:  message,
		Metadata: metadata,
	}
}

// Wrap creates a domain error that wraps an underlying cause.
func Wrap(code Code, message string, cause error) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Cause:   cause,
	}
}

// CodeOf returns the code of the first domain error in err's chain.
func CodeOf(err error) Code {
	var domainErr *Error
	if stderrors.As(err, &domainErr) {
		return domainErr.Code
	}
	return CodeUnknown
}

// HTTPStatus returns the HTTP status for err, defaulting to 500.
func HTTPStatus(err error) int {
	return CodeOf(err).HTTPStatus()
}

// UserMessage renders the user-facing message for err in the requested
// locale. Unknown codes fall back to the generic message.
func UserMessage(err error, locale string) string {
	tag := matchLocale(locale)
	printer := message.NewPrinter(tag)
	key := "error." + string(CodeOf(err))
	rendered := printer.Sprintf(key)
	if rendered == key {
		return printer.Sprintf("error.UNKNOWN")
	}
	return rendered
}

var supportedLocales = []language.Tag{language.English, language.BrazilianPortuguese}

var localeMatcher = language.NewMatcher(supportedLocales)

func matchLocale(locale string) language.Tag {
	locale = strings.TrimSpace(locale)
	if locale == "" {
		return language.English
	}
	tags, _, err := language.ParseAcceptLanguage(locale)
	if err != nil || len(tags) == 0 {
		return language.English
	}
	_, index, _ := localeMatcher.Match(tags...)
	return supportedLocales[index]
}
