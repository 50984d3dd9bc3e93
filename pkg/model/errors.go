package model

import (
	"fmt"
	"strings"
	"time"
)

// ErrorCode represents a structured API error code.
type ErrorCode string

const (
	ErrValidation ErrorCode = "VALIDATION_ERROR"
	ErrNotFound   ErrorCode = "NOT_FOUND"
	ErrBusy       ErrorCode = "BUSY"
	ErrInternal   ErrorCode = "INTERNAL_ERROR"
)

// APIError is a structured error returned by the comfyrun HTTP API.
type APIError struct {
	Code    ErrorCode    `json:"code"`
	Message string       `json:"message"`
	Details []FieldError `json:"details,omitempty"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// FieldError describes a validation error on a specific field.
type FieldError struct {
	Field   string `json:"field,omitempty"`
	Message string `json:"message"`
}

// NewValidationError creates an APIError with validation details.
func NewValidationError(msg string, details ...FieldError) *APIError {
	return &APIError{Code: ErrValidation, Message: msg, Details: details}
}

// NewMissingError creates a NOT_FOUND APIError.
func NewMissingError(resource, id string) *APIError {
	return &APIError{
		Code:    ErrNotFound,
		Message: fmt.Sprintf("%s '%s' not found", resource, id),
	}
}

// NotFoundError is returned when no template or mapping exists for a workflow.
type NotFoundError struct {
	Resource string // "workflow" or "mapping"
	ID       string
	Path     string
}

func (e *NotFoundError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("%s %q not found (%s)", e.Resource, e.ID, e.Path)
	}
	return fmt.Sprintf("%s %q not found", e.Resource, e.ID)
}

// MalformedTemplateError is returned when a stored graph cannot be parsed.
type MalformedTemplateError struct {
	WorkflowID string
	Path       string
	Err        error
}

func (e *MalformedTemplateError) Error() string {
	return fmt.Sprintf("workflow %q: malformed template %s: %v", e.WorkflowID, e.Path, e.Err)
}

func (e *MalformedTemplateError) Unwrap() error { return e.Err }

// MalformedMappingError is returned when a mapping file cannot be parsed.
type MalformedMappingError struct {
	WorkflowID string
	Path       string
	Err        error
}

func (e *MalformedMappingError) Error() string {
	return fmt.Sprintf("workflow %q: malformed mapping %s: %v", e.WorkflowID, e.Path, e.Err)
}

func (e *MalformedMappingError) Unwrap() error { return e.Err }

// GraphReferenceError is returned when a mapping points at a node the graph
// does not contain.
type GraphReferenceError struct {
	WorkflowID string
	NodeID     string
	Param      string
}

func (e *GraphReferenceError) Error() string {
	return fmt.Sprintf("workflow %q: node %q (param %q) not found in graph", e.WorkflowID, e.NodeID, e.Param)
}

// SubmissionError is returned when the backend rejects a job or acknowledges
// it without a usable prompt ID. StatusCode is 0 for transport failures.
type SubmissionError struct {
	StatusCode int
	Body       string
	Reason     string
	Err        error
}

func (e *SubmissionError) Error() string {
	var b strings.Builder
	b.WriteString("submit workflow")
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, ": HTTP %d", e.StatusCode)
	}
	if e.Reason != "" {
		b.WriteString(": " + e.Reason)
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	if e.Body != "" {
		b.WriteString(": " + e.Body)
	}
	return b.String()
}

func (e *SubmissionError) Unwrap() error { return e.Err }

// PollTimeoutError is returned when the attempt budget runs out before the
// job's output appears.
type PollTimeoutError struct {
	PromptID string
	Attempts int
	Elapsed  time.Duration
}

func (e *PollTimeoutError) Error() string {
	return fmt.Sprintf("job %s: no output after %d attempts (%s)", e.PromptID, e.Attempts, e.Elapsed.Round(time.Millisecond))
}

// OutputNotFoundError is returned when a job completed without producing
// an artifact of the expected kind.
type OutputNotFoundError struct {
	PromptID string
	Kind     ContentKind
	Nodes    []string
}

func (e *OutputNotFoundError) Error() string {
	return fmt.Sprintf("job %s: no output node with %s (nodes: %s)", e.PromptID, e.Kind, strings.Join(e.Nodes, ", "))
}

// DownloadError is returned when an artifact cannot be retrieved or written.
// StatusCode is the backend's HTTP status; it is 0 for transport failures
// and for local file errors.
type DownloadError struct {
	StatusCode int
	URL        string
	Err        error
}

func (e *DownloadError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("download %s: %v", e.URL, e.Err)
	}
	return fmt.Sprintf("download %s: HTTP %d", e.URL, e.StatusCode)
}

func (e *DownloadError) Unwrap() error { return e.Err }

// UploadError is returned when an input image cannot be uploaded.
type UploadError struct {
	Filename   string
	StatusCode int
	Body       string
	Err        error
}

func (e *UploadError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("upload %s: %v", e.Filename, e.Err)
	}
	return fmt.Sprintf("upload %s: HTTP %d: %s", e.Filename, e.StatusCode, e.Body)
}

func (e *UploadError) Unwrap() error { return e.Err }
