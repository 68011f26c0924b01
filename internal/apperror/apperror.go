// Package apperror defines the error taxonomy shared by every stage of the
// execution pipeline.
//
// Each failure is an *AppError wrapping exactly one sentinel. Callers branch
// with errors.Is(err, apperror.ErrExecutionTimeout) and the HTTP layer maps the
// sentinel to a status code. Message is safe to show to a client; Detail holds
// host internals (paths, image names, daemon errors) and is only ever logged.
package apperror

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidRequest      = errors.New("invalid request")
	ErrUnsupportedLanguage = errors.New("unsupported language")
	ErrWorkspace           = errors.New("workspace error")
	ErrContainerCreation   = errors.New("container creation error")
	ErrExecutionTimeout    = errors.New("execution timeout")
	ErrStream              = errors.New("stream error")
	ErrCanceled            = errors.New("execution canceled")
	ErrNotFound            = errors.New("not found")
)

// Kind is the stable, machine-readable name of an error category. It is used
// as a metrics label and stored in the execution history.
type Kind string

const (
	KindNone                Kind = ""
	KindInvalidRequest      Kind = "InvalidRequest"
	KindUnsupportedLanguage Kind = "UnsupportedLanguage"
	KindWorkspace           Kind = "WorkspaceError"
	KindContainerCreation   Kind = "ContainerCreationError"
	KindExecutionTimeout    Kind = "ExecutionTimeout"
	KindStream              Kind = "StreamError"
	KindCanceled            Kind = "Canceled"
	KindNotFound            Kind = "NotFound"
	KindInternal            Kind = "Internal"
)

var kinds = []struct {
	sentinel error
	kind     Kind
}{
	{ErrInvalidRequest, KindInvalidRequest},
	{ErrUnsupportedLanguage, KindUnsupportedLanguage},
	{ErrWorkspace, KindWorkspace},
	{ErrContainerCreation, KindContainerCreation},
	{ErrExecutionTimeout, KindExecutionTimeout},
	{ErrStream, KindStream},
	{ErrCanceled, KindCanceled},
	{ErrNotFound, KindNotFound},
}

type AppError struct {
	Err     error  // sentinel
	Message string // client-safe message
	Field   string // optional: request field at fault
	Detail  string // internal context, logged only
	Cause   error  // underlying error, logged only
}

func (e *AppError) Error() string {
	return e.Message
}

// Unwrap exposes both the sentinel and the cause so errors.Is matches either.
func (e *AppError) Unwrap() []error {
	if e.Cause == nil {
		return []error{e.Err}
	}
	return []error{e.Err, e.Cause}
}

// LogValue is the full internal description of the error.
func (e *AppError) LogValue() string {
	s := e.Message
	if e.Detail != "" {
		s += ": " + e.Detail
	}
	if e.Cause != nil {
		s += ": " + e.Cause.Error()
	}
	return s
}

// KindOf classifies err. A nil error is KindNone; an error outside the
// taxonomy is KindInternal.
func KindOf(err error) Kind {
	if err == nil {
		return KindNone
	}
	for _, k := range kinds {
		if errors.Is(err, k.sentinel) {
			return k.kind
		}
	}
	return KindInternal
}

// IsClientError reports whether err was caused by the request itself rather
// than by the pipeline.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInvalidRequest) || errors.Is(err, ErrUnsupportedLanguage)
}

func InvalidRequest(field, message string) *AppError {
	return &AppError{
		Err:     ErrInvalidRequest,
		Message: message,
		Field:   field,
	}
}

func UnsupportedLanguage(language string) *AppError {
	return &AppError{
		Err:     ErrUnsupportedLanguage,
		Message: fmt.Sprintf("unsupported language %q", language),
		Field:   "language",
	}
}

// Workspace reports a filesystem failure while preparing or removing the
// per-request workspace.
func Workspace(detail string, cause error) *AppError {
	return &AppError{
		Err:     ErrWorkspace,
		Message: "failed to prepare execution workspace",
		Detail:  detail,
		Cause:   cause,
	}
}

// ContainerCreation reports that the execution environment could not be
// created or started (bad image, daemon unreachable, host exhausted).
func ContainerCreation(detail string, cause error) *AppError {
	return &AppError{
		Err:     ErrContainerCreation,
		Message: "failed to start execution environment",
		Detail:  detail,
		Cause:   cause,
	}
}

func ExecutionTimeout(limit fmt.Stringer) *AppError {
	return &AppError{
		Err:     ErrExecutionTimeout,
		Message: fmt.Sprintf("execution timed out after %s", limit),
	}
}

func Stream(detail string, cause error) *AppError {
	return &AppError{
		Err:     ErrStream,
		Message: "failed to read execution output",
		Detail:  detail,
		Cause:   cause,
	}
}

func Canceled(cause error) *AppError {
	return &AppError{
		Err:     ErrCanceled,
		Message: "execution canceled",
		Cause:   cause,
	}
}

func NotFound(resource, id string) *AppError {
	return &AppError{
		Err:     ErrNotFound,
		Message: fmt.Sprintf("%s not found with id %s", resource, id),
	}
}
