package command

import (
	stderrors "errors"
	"strings"

	"github.com/goliatone/go-errors"
)

const (
	ErrCodeValidation       = "VALIDATION_FAILED"
	ErrCodeNotImplemented   = "HANDLER_NOT_IMPLEMENTED"
	ErrCodeConflict         = "HANDLER_CONFLICT"
	ErrCodeRegistrySealed   = "REGISTRY_SEALED"
	ErrCodeHandlerExecution = "HANDLER_EXECUTION_FAILED"
	ErrCodeHandlerTimeout   = "HANDLER_TIMEOUT"
	ErrCodeStateIO          = "STATE_IO_FAILED"
)

// ErrValidation marks an empty or invalid selector or option.
// Compare with IsValidation, wrapped copies carry the same text code.
var ErrValidation = errors.New("validation error", errors.CategoryValidation).
	WithTextCode(ErrCodeValidation)

var (
	ErrNotImplemented = errors.New("handler not implemented", errors.CategoryBadInput).
				WithTextCode(ErrCodeNotImplemented)
	ErrConflict = errors.New("handler already registered", errors.CategoryConflict).
			WithTextCode(ErrCodeConflict)
	ErrRegistrySealed = errors.New("registry already initialized", errors.CategoryConflict).
				WithTextCode(ErrCodeRegistrySealed)
	ErrHandlerExecution = errors.New("handler execution failed", errors.CategoryHandler).
				WithTextCode(ErrCodeHandlerExecution)
	ErrHandlerTimeout = errors.New("handler timed out", errors.CategoryHandler).
				WithTextCode(ErrCodeHandlerTimeout)
	ErrStateIO = errors.New("resource state unreadable", errors.CategoryExternal).
			WithTextCode(ErrCodeStateIO)
)

// NewValidationError returns a ValidationError carrying message and metadata.
func NewValidationError(message string, metadata map[string]any) *errors.Error {
	return cloneError(ErrValidation, message, nil, metadata)
}

// NewNotImplementedError reports a missing handler triple.
func NewNotImplementedError(platform Platform, kind Kind, serviceType ServiceType) *errors.Error {
	return cloneError(ErrNotImplemented, "no handler for "+string(platform)+"/"+string(kind)+"/"+string(serviceType), nil, map[string]any{
		"platform":     string(platform),
		"command":      string(kind),
		"service_type": string(serviceType),
	})
}

// NewConflictError reports a duplicate handler registration.
func NewConflictError(platform Platform, kind Kind, serviceType ServiceType) *errors.Error {
	return cloneError(ErrConflict, "handler already registered for "+string(platform)+"/"+string(kind)+"/"+string(serviceType), nil, map[string]any{
		"platform":     string(platform),
		"command":      string(kind),
		"service_type": string(serviceType),
	})
}

// NewHandlerExecutionError wraps an error raised inside a handler.
func NewHandlerExecutionError(source error, metadata map[string]any) *errors.Error {
	msg := "handler execution failed"
	if source != nil {
		msg = ErrorMessage(source)
	}
	return cloneError(ErrHandlerExecution, msg, source, metadata)
}

// NewTimeoutError reports a handler that did not settle before its deadline.
func NewTimeoutError(source error, metadata map[string]any) *errors.Error {
	return cloneError(ErrHandlerTimeout, "handler timed out", source, metadata)
}

// NewStateIOError wraps a failure reading or writing persisted state.
func NewStateIOError(message string, source error, metadata map[string]any) *errors.Error {
	return cloneError(ErrStateIO, message, source, metadata)
}

func cloneError(base *errors.Error, message string, source error, metadata map[string]any) *errors.Error {
	err := base.Clone()
	if text := strings.TrimSpace(message); text != "" {
		err.Message = text
	}
	if source != nil {
		err.Source = source
	}
	if len(metadata) > 0 {
		err = err.WithMetadata(metadata)
	}
	return err
}

// ErrorCode returns the text code of the first go-errors error in err's chain.
func ErrorCode(err error) string {
	var ge *errors.Error
	if stderrors.As(err, &ge) {
		return ge.TextCode
	}
	return ""
}

// FailureCode is ErrorCode for failed results: errors without a code count as
// handler failures.
func FailureCode(err error) string {
	if code := ErrorCode(err); code != "" {
		return code
	}
	return ErrCodeHandlerExecution
}

// ErrorMessage returns the message captured by the first go-errors error in
// err's chain, without category, source or metadata decoration.
func ErrorMessage(err error) string {
	if err == nil {
		return ""
	}
	var ge *errors.Error
	if stderrors.As(err, &ge) && strings.TrimSpace(ge.Message) != "" {
		return ge.Message
	}
	return err.Error()
}

func IsValidation(err error) bool     { return ErrorCode(err) == ErrCodeValidation }
func IsNotImplemented(err error) bool { return ErrorCode(err) == ErrCodeNotImplemented }
func IsConflict(err error) bool       { return ErrorCode(err) == ErrCodeConflict }
func IsTimeout(err error) bool        { return ErrorCode(err) == ErrCodeHandlerTimeout }
func IsStateIO(err error) bool        { return ErrorCode(err) == ErrCodeStateIO }

// WrapRunError annotates a failed handler attempt before a retry.
func WrapRunError(message string, err error) *errors.Error {
	return errors.Wrap(err, errors.CategoryHandler, message).
		WithTextCode("HANDLER_ATTEMPT_FAILED")
}
