// Package errs defines the error taxonomy shared by every stage of the
// request pipeline. Each kind is a concrete type so callers can match it
// with errors.As; KindOf collapses any error into a stable Kind string for
// metrics, logs and HTTP responses.
package errs

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"
)

type Kind string

const (
	KindAdapterNotFound       Kind = "adapter_not_found"
	KindDuplicateAdapter      Kind = "duplicate_adapter"
	KindNoTemplateMatch       Kind = "no_template_match"
	KindMissingParameter      Kind = "missing_parameter"
	KindParameterType         Kind = "parameter_type"
	KindUnresolvedPlaceholder Kind = "unresolved_placeholder"
	KindCircuitOpen           Kind = "circuit_open"
	KindConnection            Kind = "connection"
	KindBackend               Kind = "backend"
	KindCanceled              Kind = "canceled"
	KindInternal              Kind = "internal"
)

type AdapterNotFoundError struct {
	Adapter string
	Reason  string
}

func (e *AdapterNotFoundError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("adapter %q not found: %s", e.Adapter, e.Reason)
	}
	return fmt.Sprintf("adapter %q not found", e.Adapter)
}

type DuplicateAdapterError struct {
	Adapter string
}

func (e *DuplicateAdapterError) Error() string {
	return fmt.Sprintf("adapter %q already registered", e.Adapter)
}

type NoTemplateMatchError struct {
	Collection string
	BestScore  float64
	Threshold  float64
}

func (e *NoTemplateMatchError) Error() string {
	return fmt.Sprintf("no template in %q cleared threshold %.2f (best %.3f)", e.Collection, e.Threshold, e.BestScore)
}

type MissingParameterError struct {
	Template  string
	Parameter string
}

func (e *MissingParameterError) Error() string {
	return fmt.Sprintf("missing required parameter %q for template %q", e.Parameter, e.Template)
}

type ParameterTypeError struct {
	Parameter string
	Expected  string
	Value     string
	Cause     error
}

func (e *ParameterTypeError) Error() string {
	return fmt.Sprintf("parameter %q: expected %s, got %q", e.Parameter, e.Expected, e.Value)
}

func (e *ParameterTypeError) Unwrap() error { return e.Cause }

// UnresolvedPlaceholderError is always a server-side defect: a bound query
// still carried a placeholder when it reached the executor.
type UnresolvedPlaceholderError struct {
	Template     string
	Placeholders []string
}

func (e *UnresolvedPlaceholderError) Error() string {
	return fmt.Sprintf("template %q has unresolved placeholders %v", e.Template, e.Placeholders)
}

type CircuitOpenError struct {
	Adapter    string
	RetryAfter time.Duration
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit open for adapter %q", e.Adapter)
}

type ConnectionError struct {
	Kind  string
	Key   string
	Cause error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connect %s datasource %s: %v", e.Kind, e.Key, e.Cause)
}

func (e *ConnectionError) Unwrap() error { return e.Cause }

// BackendError is raised by a driver while executing a bound query.
// Transient marks network and timeout failures; permanent failures are
// malformed queries or rejected statements.
type BackendError struct {
	Datasource string
	Transient  bool
	Cause      error
}

func (e *BackendError) Error() string {
	class := "permanent"
	if e.Transient {
		class = "transient"
	}
	return fmt.Sprintf("%s backend error from %s: %v", class, e.Datasource, e.Cause)
}

func (e *BackendError) Unwrap() error { return e.Cause }

func Transient(datasource string, err error) error {
	if err == nil {
		return nil
	}
	return &BackendError{Datasource: datasource, Transient: true, Cause: err}
}

func Permanent(datasource string, err error) error {
	if err == nil {
		return nil
	}
	return &BackendError{Datasource: datasource, Transient: false, Cause: err}
}

// Backend wraps a driver error, classifying context deadlines as transient.
// Cancellation passes through untouched.
func Backend(datasource string, err error) error {
	if err == nil || errors.Is(err, context.Canceled) {
		return err
	}
	var be *BackendError
	if errors.As(err, &be) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Transient(datasource, err)
	}
	return Permanent(datasource, err)
}

func KindOf(err error) Kind {
	if err == nil {
		return ""
	}

	var (
		notFound   *AdapterNotFoundError
		duplicate  *DuplicateAdapterError
		noMatch    *NoTemplateMatchError
		missing    *MissingParameterError
		badType    *ParameterTypeError
		unresolved *UnresolvedPlaceholderError
		open       *CircuitOpenError
		conn       *ConnectionError
		backend    *BackendError
	)

	switch {
	case errors.As(err, &notFound):
		return KindAdapterNotFound
	case errors.As(err, &duplicate):
		return KindDuplicateAdapter
	case errors.As(err, &noMatch):
		return KindNoTemplateMatch
	case errors.As(err, &missing):
		return KindMissingParameter
	case errors.As(err, &badType):
		return KindParameterType
	case errors.As(err, &unresolved):
		return KindUnresolvedPlaceholder
	case errors.As(err, &open):
		return KindCircuitOpen
	case errors.As(err, &conn):
		return KindConnection
	case errors.As(err, &backend):
		return KindBackend
	case errors.Is(err, context.Canceled):
		return KindCanceled
	case errors.Is(err, context.DeadlineExceeded):
		return KindBackend
	}
	return KindInternal
}

func HTTPStatus(kind Kind) int {
	switch kind {
	case KindAdapterNotFound:
		return http.StatusNotFound
	case KindDuplicateAdapter:
		return http.StatusConflict
	case KindNoTemplateMatch:
		return http.StatusOK
	case KindMissingParameter, KindParameterType:
		return http.StatusBadRequest
	case KindCircuitOpen:
		return http.StatusServiceUnavailable
	case KindConnection, KindBackend:
		return http.StatusBadGateway
	case KindCanceled:
		return 499
	}
	return http.StatusInternalServerError
}

// Retryable reports whether a caller may retry the same request later.
func Retryable(kind Kind) bool {
	switch kind {
	case KindCircuitOpen, KindConnection, KindBackend:
		return true
	}
	return false
}

// Fatal reports whether the error should take the enclosing adapter out of
// service.
func Fatal(kind Kind) bool {
	return kind == KindUnresolvedPlaceholder
}

// Sanitize returns a message safe to show to callers. Backend and
// connection details never leave the process.
func Sanitize(err error) string {
	var (
		open           *CircuitOpenError
		missing        *MissingParameterError
		badType        *ParameterTypeError
		missingAdapter *AdapterNotFoundError
	)

	switch KindOf(err) {
	case KindAdapterNotFound:
		errors.As(err, &missingAdapter)
		return fmt.Sprintf("adapter %q is not available", missingAdapter.Adapter)
	case KindNoTemplateMatch:
		return "could not understand request for this adapter"
	case KindMissingParameter:
		errors.As(err, &missing)
		return fmt.Sprintf("please include a value for %q in your request", missing.Parameter)
	case KindParameterType:
		errors.As(err, &badType)
		return fmt.Sprintf("value %q for %q is not a valid %s", badType.Value, badType.Parameter, badType.Expected)
	case KindCircuitOpen:
		errors.As(err, &open)
		return fmt.Sprintf("service temporarily unavailable for adapter %q, try again later", open.Adapter)
	case KindConnection, KindBackend:
		return "the datasource could not complete the request"
	case KindCanceled:
		return "request canceled"
	}
	return "internal error"
}
