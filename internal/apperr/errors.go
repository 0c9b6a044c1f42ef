package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error for propagation and HTTP mapping.
type Kind int

const (
	KindInternal Kind = iota
	KindValidation
	KindNotFound
	KindProvider
	KindTranscoding
	KindConflict
	KindInvalidIdentifier
	KindInvalidAssignment
)

var (
	ErrValidation        = &Error{Kind: KindValidation, Msg: "validation failed"}
	ErrNotFound          = &Error{Kind: KindNotFound, Msg: "not found"}
	ErrDispatchFailed    = &Error{Kind: KindProvider, Msg: "dispatch failed"}
	ErrTranscoding       = &Error{Kind: KindTranscoding, Msg: "transcoding failed"}
	ErrConflict          = &Error{Kind: KindConflict, Msg: "concurrency conflict"}
	ErrInvalidIdentifier = &Error{Kind: KindInvalidIdentifier, Msg: "invalid identifier"}
	ErrInvalidAssignment = &Error{Kind: KindInvalidAssignment, Msg: "invalid assignment"}
)

// Error is the application error type. Two errors match with errors.Is when their kinds match.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Msg, e.Err)
	}
	return e.Msg
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

func newf(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

func Validation(format string, args ...interface{}) error {
	return newf(KindValidation, format, args...)
}

func NotFound(format string, args ...interface{}) error {
	return newf(KindNotFound, format, args...)
}

func Conflict(format string, args ...interface{}) error {
	return newf(KindConflict, format, args...)
}

func InvalidIdentifier(format string, args ...interface{}) error {
	return newf(KindInvalidIdentifier, format, args...)
}

func InvalidAssignment(format string, args ...interface{}) error {
	return newf(KindInvalidAssignment, format, args...)
}

// Provider wraps a channel provider failure.
func Provider(err error, format string, args ...interface{}) error {
	e := newf(KindProvider, format, args...)
	e.Err = err
	return e
}

// Transcoding wraps an audio conversion or transcription failure.
func Transcoding(err error, format string, args ...interface{}) error {
	e := newf(KindTranscoding, format, args...)
	e.Err = err
	return e
}

// KindOf returns the kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// HTTPStatus maps an error to the status code surfaced by the HTTP layer.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindValidation, KindInvalidIdentifier:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindProvider, KindTranscoding:
		return http.StatusBadGateway
	case KindConflict:
		return http.StatusConflict
	case KindInvalidAssignment:
		return http.StatusUnprocessableEntity
	}
	return http.StatusInternalServerError
}
