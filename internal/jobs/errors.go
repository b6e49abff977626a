package jobs

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

type ErrorType int

const (
	ErrValidation ErrorType = iota
	ErrNotFound
	ErrInvalidToken
	ErrConflict
	ErrStorage
	ErrInternal
)

func (t ErrorType) String() string {
	switch t {
	case ErrValidation:
		return "Validation"
	case ErrNotFound:
		return "NotFound"
	case ErrInvalidToken:
		return "InvalidToken"
	case ErrConflict:
		return "Conflict"
	case ErrStorage:
		return "Storage"
	default:
		return "Internal"
	}
}

type Error struct {
	Type    ErrorType
	Message string
	Context map[string]any
	Cause   error
}

func NewError(errorType ErrorType, message string) *Error {
	return &Error{
		Type:    errorType,
		Message: message,
		Context: make(map[string]any),
	}
}

func NewErrorWithCause(errorType ErrorType, message string, cause error) *Error {
	return &Error{
		Type:    errorType,
		Message: message,
		Context: make(map[string]any),
		Cause:   cause,
	}
}

func (e *Error) Error() string {
	parts := []string{fmt.Sprintf("[%s] %s", e.Type, e.Message)}

	if len(e.Context) > 0 {
		keys := make([]string, 0, len(e.Context))
		for k := range e.Context {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		ctxParts := make([]string, 0, len(keys))
		for _, k := range keys {
			ctxParts = append(ctxParts, fmt.Sprintf("%s=%v", k, e.Context[k]))
		}
		parts = append(parts, "context: "+strings.Join(ctxParts, ", "))
	}

	if e.Cause != nil {
		parts = append(parts, fmt.Sprintf("cause: %v", e.Cause))
	}

	return strings.Join(parts, " | ")
}

func (e *Error) Unwrap() error {
	return e.Cause
}

func (e *Error) WithContext(key string, value any) *Error {
	e.Context[key] = value
	return e
}

func IsErrorType(err error, errorType ErrorType) bool {
	var jobErr *Error
	if errors.As(err, &jobErr) {
		return jobErr.Type == errorType
	}
	return false
}

// TypeOf returns the error's type, ErrInternal for foreign errors.
func TypeOf(err error) ErrorType {
	var jobErr *Error
	if errors.As(err, &jobErr) {
		return jobErr.Type
	}
	return ErrInternal
}

func WrapError(err error, errorType ErrorType, message string) *Error {
	return NewErrorWithCause(errorType, message, err)
}

// ErrRecordNotFound is returned by stores for missing rows.
var ErrRecordNotFound = errors.New("record not found")
