package pondsync

import (
	"errors"
	"fmt"
	"strings"
)

const (
	StatusBadRequest          = 400
	StatusNotFound            = 404
	StatusConflict            = 409
	StatusInternalServerError = 500
	StatusServiceUnavailable  = 503
	StatusGatewayTimeout      = 504
)

// Error is the error type returned at pondsync API boundaries. ChannelName is set when the
// error concerns a specific channel; Temporary marks failures worth retrying.
type Error struct {
	ChannelName string      `json:"channelName,omitempty"`
	Message     string      `json:"message"`
	Code        int         `json:"code"`
	Temporary   bool        `json:"temporary"`
	Details     interface{} `json:"details,omitempty"`
	cause       error
}

// ErrPresenceUnsupported is returned by backends without a presence primitive.
var ErrPresenceUnsupported = errors.New("pondsync: presence is not supported by this backend")

// ErrClosed is returned when operating on a torn down component.
var ErrClosed = errors.New("pondsync: closed")

func (e *Error) Error() string {
	if e.ChannelName != "" {
		return fmt.Sprintf("Error in Channel %s: %s (code: %d)", e.ChannelName, e.Message, e.Code)
	}
	return fmt.Sprintf("%s (code: %d)", e.Message, e.Code)
}

func (e *Error) Unwrap() error {
	return e.cause
}

func (e *Error) withCause(err error) *Error {
	e.cause = err
	return e
}

func (e *Error) withDetails(details interface{}) *Error {
	e.Details = details
	return e
}

// IsTemporary reports whether err carries a retryable *Error.
func IsTemporary(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Temporary
	}
	return false
}

func wrap(err error, message string) *Error {
	if err == nil {
		return nil
	}

	var e *Error
	if errors.As(err, &e) {
		return &Error{
			ChannelName: e.ChannelName,
			Message:     fmt.Sprintf("%s: %s", message, e.Message),
			Code:        e.Code,
			Temporary:   e.Temporary,
			Details:     e.Details,
			cause:       e.cause,
		}
	}
	return &Error{
		Message: fmt.Sprintf("%s: %s", message, err),
		Code:    StatusInternalServerError,
		cause:   err,
	}
}

func wrapF(err error, format string, args ...interface{}) *Error {
	if err == nil {
		return nil
	}
	return wrap(err, fmt.Sprintf(format, args...))
}

func badRequest(channelName, message string) *Error {
	return &Error{
		Message:     message,
		Code:        StatusBadRequest,
		ChannelName: channelName,
	}
}

func notFound(channelName, message string) *Error {
	return &Error{
		Message:     message,
		Code:        StatusNotFound,
		ChannelName: channelName,
	}
}

func conflict(channelName, message string) *Error {
	return &Error{
		Message:     message,
		Code:        StatusConflict,
		ChannelName: channelName,
	}
}

func unavailable(channelName, message string) *Error {
	return &Error{
		Message:     message,
		Code:        StatusServiceUnavailable,
		ChannelName: channelName,
		Temporary:   true,
	}
}

type MultiError struct {
	errors []error
}

func (m *MultiError) Error() string {
	if len(m.errors) == 0 {
		return "no errors"
	}
	messages := make([]string, len(m.errors))

	for i, err := range m.errors {
		messages[i] = err.Error()
	}
	return strings.Join(messages, "; ")
}

func (m *MultiError) Unwrap() []error {
	return m.errors
}

func combine(errs ...error) error {
	var nonNil []error
	for _, err := range errs {
		if err != nil {
			nonNil = append(nonNil, err)
		}
	}
	if len(nonNil) == 0 {
		return nil
	}
	if len(nonNil) == 1 {
		return nonNil[0]
	}
	return &MultiError{errors: nonNil}
}

func addError(base, new error) error {
	if base == nil {
		return new
	}
	if new == nil {
		return base
	}

	var me *MultiError
	if errors.As(base, &me) {
		me.errors = append(me.errors, new)

		return me
	}
	return &MultiError{errors: []error{base, new}}
}
