package model

import (
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"
)

func TestAPIError_Error(t *testing.T) {
	err := &APIError{Code: ErrNotFound, Message: "job 'job_123' not found"}
	want := "NOT_FOUND: job 'job_123' not found"
	if got := err.Error(); got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}

func TestNewMissingError(t *testing.T) {
	err := NewMissingError("job", "job_abc")
	if err.Code != ErrNotFound {
		t.Errorf("Code = %q, want %q", err.Code, ErrNotFound)
	}
	if err.Message != "job 'job_abc' not found" {
		t.Errorf("Message = %q", err.Message)
	}
}

func TestNewValidationError(t *testing.T) {
	err := NewValidationError("Invalid request",
		FieldError{Field: "workflow_id", Message: "required"},
		FieldError{Field: "kind", Message: "unknown"},
	)
	if err.Code != ErrValidation {
		t.Errorf("Code = %q, want %q", err.Code, ErrValidation)
	}
	if len(err.Details) != 2 {
		t.Errorf("Details length = %d, want 2", len(err.Details))
	}
}

func TestSubmissionError_Error(t *testing.T) {
	err := &SubmissionError{StatusCode: 400, Body: `{"error":"invalid prompt"}`}
	want := `submit workflow: HTTP 400: {"error":"invalid prompt"}`
	if got := err.Error(); got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}

	missing := &SubmissionError{StatusCode: 200, Reason: "response missing prompt_id", Body: "{}"}
	if got := missing.Error(); !strings.Contains(got, "missing prompt_id") {
		t.Errorf("Error() = %q, want reason", got)
	}
}

func TestErrorsUnwrap(t *testing.T) {
	cause := errors.New("connection reset")
	wrapped := fmt.Errorf("job p1: %w", &DownloadError{URL: "http://x/view", Err: cause})

	var de *DownloadError
	if !errors.As(wrapped, &de) {
		t.Fatal("errors.As did not find DownloadError")
	}
	if !errors.Is(wrapped, cause) {
		t.Error("errors.Is did not reach the cause")
	}
}

func TestPollTimeoutError_Error(t *testing.T) {
	err := &PollTimeoutError{PromptID: "abc", Attempts: 3, Elapsed: 3 * time.Second}
	want := "job abc: no output after 3 attempts (3s)"
	if got := err.Error(); got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}

func TestGraphReferenceError_Error(t *testing.T) {
	err := &GraphReferenceError{WorkflowID: "extend_image_api", NodeID: "5", Param: "left"}
	got := err.Error()
	for _, part := range []string{"extend_image_api", `"5"`, "left"} {
		if !strings.Contains(got, part) {
			t.Errorf("Error() = %q, missing %q", got, part)
		}
	}
}
