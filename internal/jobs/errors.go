package jobs

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

type ErrorKind int

const (
	ErrDuplicateSubmission ErrorKind = iota
	ErrResolution
	ErrDownload
	ErrTranscode
	ErrNotFound
	ErrInvalidTransition
	ErrValidation
	ErrUnknown
)

type Error struct {
	Kind    ErrorKind
	Message string
	Context map[string]any
	Cause   error
}

func NewError(kind ErrorKind, message string) *Error {
	return &Error{
		Kind:    kind,
		Message: message,
		Context: make(map[string]any),
	}
}

func NewErrorWithCause(kind ErrorKind, message string, cause error) *Error {
	return &Error{
		Kind:    kind,
		Message: message,
		Context: make(map[string]any),
		Cause:   cause,
	}
}

func (e *Error) Error() string {
	var parts []string
	parts = append(parts, fmt.Sprintf("[%s] %s", e.Kind.String(), e.Message))

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
		parts = append(parts, fmt.Sprintf("context: %s", strings.Join(ctxParts, ", ")))
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

func (k ErrorKind) String() string {
	switch k {
	case ErrDuplicateSubmission:
		return "DuplicateSubmission"
	case ErrResolution:
		return "ResolutionFailure"
	case ErrDownload:
		return "DownloadFailure"
	case ErrTranscode:
		return "TranscodeFailure"
	case ErrNotFound:
		return "NotFound"
	case ErrInvalidTransition:
		return "InvalidTransition"
	case ErrValidation:
		return "Validation"
	default:
		return "Unknown"
	}
}

// IsKind reports whether any error in err's chain is a *Error of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var jobErr *Error
	if errors.As(err, &jobErr) {
		return jobErr.Kind == kind
	}
	return false
}

func WrapError(err error, kind ErrorKind, message string) *Error {
	return NewErrorWithCause(kind, message, err)
}

// SafeExecute runs fn and turns a panic into an ErrUnknown error.
func SafeExecute(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = NewError(ErrUnknown, fmt.Sprintf("runtime error: %v", r))
		}
	}()

	return fn()
}
