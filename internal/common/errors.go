package common

import (
	"errors"
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// AppError represents application-specific errors
type AppError struct {
	Code    string
	Message string
	Cause   error
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Cause
}

// Common application errors
var (
	ErrNotFound     = errors.New("resource not found")
	ErrInvalidInput = errors.New("invalid input")
	ErrInternal     = errors.New("internal error")
	ErrDatabase     = errors.New("database error")
	ErrValidation   = errors.New("validation failed")
)

// Pipeline error taxonomy. Each stage wraps its failure in one of these so the
// orchestrator can apply the stage policy with errors.Is.
var (
	ErrInput                 = errors.New("input error")
	ErrFormat                = errors.New("unsupported or corrupt volume format")
	ErrPreprocess            = errors.New("preprocessing failed")
	ErrExtraction            = errors.New("slice extraction failed")
	ErrModelUnavailable      = errors.New("model unavailable")
	ErrPartialClassification = errors.New("classification failed for some slices")
	ErrEmptyInput            = errors.New("no predictions to aggregate")
	ErrVolumetricFallback    = errors.New("volumetric extraction failed")
	ErrPersistence           = errors.New("persistence failed")
	ErrReportGeneration      = errors.New("report generation failed")
)

// Error constructors
func NewAppError(code, message string, cause error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Cause:   cause,
	}
}

// StageError tags err with a taxonomy sentinel while keeping the original cause
// reachable through errors.Is / errors.As.
func StageError(kind error, code string, err error) error {
	if err == nil {
		return nil
	}
	return NewAppError(code, kind.Error(), errors.Join(kind, err))
}

// gRPC error helpers
func InvalidArgumentError(message string) error {
	return status.Error(codes.InvalidArgument, message)
}

func NotFoundError(message string) error {
	return status.Error(codes.NotFound, message)
}

func InternalError(message string) error {
	return status.Error(codes.Internal, message)
}

func InvalidArgumentErrorf(format string, args ...interface{}) error {
	return InvalidArgumentError(fmt.Sprintf(format, args...))
}

func InternalErrorf(format string, args ...interface{}) error {
	return InternalError(fmt.Sprintf(format, args...))
}

// ToGRPC maps application errors to gRPC status errors.
func ToGRPC(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrNotFound):
		return NotFoundError(err.Error())
	case errors.Is(err, ErrInvalidInput), errors.Is(err, ErrValidation), errors.Is(err, ErrInput):
		return InvalidArgumentError(err.Error())
	default:
		return InternalError(err.Error())
	}
}
