// Package apierr defines the error taxonomy shared across the transport,
// pool, subscription and cache layers.
package apierr

import "fmt"

// ConstructionError is raised synchronously when a user-provided
// configuration is invalid: a non-string endpoint, an endpoint that does
// not validate as a URL, or a missing app_id with no injected connection.
type ConstructionError struct {
	Reason string
}

func (e *ConstructionError) Error() string {
	return fmt.Sprintf("construction error: %s", e.Reason)
}

// NewConstructionError builds a ConstructionError with the given reason.
func NewConstructionError(reason string) *ConstructionError {
	return &ConstructionError{Reason: reason}
}

// ConnectionError is raised when an operation names a connection_id that
// does not exist in the pool, or otherwise requires a connection that is
// absent.
type ConnectionError struct {
	ConnectionID int
	Reason       string
}

func (e *ConnectionError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("connection %d: %s", e.ConnectionID, e.Reason)
	}
	return fmt.Sprintf("no such connection: %d", e.ConnectionID)
}

// NewConnectionError builds a ConnectionError for the given id.
func NewConnectionError(id int, reason string) *ConnectionError {
	return &ConnectionError{ConnectionID: id, Reason: reason}
}

// ResponseError wraps a server-side `error` field on a non-parent
// request. It carries the full response body so callers can inspect
// the server's error code/message.
type ResponseError struct {
	Response map[string]any
}

func (e *ResponseError) Error() string {
	if e.Response == nil {
		return "response error"
	}
	if errBody, ok := e.Response["error"].(map[string]any); ok {
		if msg, ok := errBody["message"].(string); ok {
			return fmt.Sprintf("response error: %s", msg)
		}
		if code, ok := errBody["code"].(string); ok {
			return fmt.Sprintf("response error: %s", code)
		}
	}
	return "response error"
}

// NewResponseError builds a ResponseError from a decoded response body.
func NewResponseError(response map[string]any) *ResponseError {
	return &ResponseError{Response: response}
}

// APIError signals client-side misuse, such as subscribing to a stream
// type the core does not recognize.
type APIError struct {
	Message string
}

func (e *APIError) Error() string { return e.Message }

// NewAPIError builds an APIError with the given message.
func NewAPIError(message string) *APIError {
	return &APIError{Message: message}
}

// AddedTaskError wraps an unexpected error raised by an internally
// scheduled background task. It is pushed onto the facade's sanity-error
// bus rather than propagating to any caller.
type AddedTaskError struct {
	TaskName string
	Cause    error
}

func (e *AddedTaskError) Error() string {
	return fmt.Sprintf("task %q: %v", e.TaskName, e.Cause)
}

func (e *AddedTaskError) Unwrap() error { return e.Cause }

// NewAddedTaskError builds an AddedTaskError tagging the failing task.
func NewAddedTaskError(taskName string, cause error) *AddedTaskError {
	return &AddedTaskError{TaskName: taskName, Cause: cause}
}
