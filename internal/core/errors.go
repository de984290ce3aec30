// Package core holds the error vocabulary shared by the sync engine packages.
package core

import (
	"errors"
	"fmt"
)

const (
	CodeDescribeFailed       = "E_DESCRIBE_FAILED"
	CodeUnsupportedFieldType = "E_UNSUPPORTED_FIELD_TYPE"
	CodeEstimationFailed     = "E_ESTIMATION_FAILED"
	CodeJobCreationFailed    = "E_JOB_CREATION_FAILED"
	CodeJobFailed            = "E_JOB_FAILED"
	CodePollTimeout          = "E_POLL_TIMEOUT"
	CodeResultFetchFailed    = "E_RESULT_FETCH_FAILED"
	CodeLoadFailed           = "E_LOAD_FAILED"
	CodeMergeFailed          = "E_MERGE_FAILED"
	CodeCleanupFailed        = "E_CLEANUP_FAILED"
	CodeStageFailed          = "E_STAGE_FAILED"
	CodeInvalidRequest       = "E_INVALID_REQUEST"
)

// Error wraps a sync failure with a stable code and a retryability hint.
type Error struct {
	Code      string
	Retryable bool
	Err       error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Code, e.Err)
	}
	return e.Code
}

func (e *Error) Unwrap() error         { return e.Err }
func (e *Error) CodeValue() string     { return e.Code }
func (e *Error) RetryableStatus() bool { return e.Retryable }

// Wrap builds a coded error. A nil err yields a bare code.
func Wrap(code string, retryable bool, err error) *Error {
	if err == nil {
		return &Error{Code: code, Retryable: retryable}
	}
	return &Error{Code: code, Retryable: retryable, Err: err}
}

// Errorf is Wrap with a formatted cause.
func Errorf(code string, format string, args ...any) *Error {
	return &Error{Code: code, Err: fmt.Errorf(format, args...)}
}

// CodeOf returns the code of the outermost coded error in the chain, or "".
func CodeOf(err error) string {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Code
	}
	return ""
}

// IsCode reports whether any coded error in the chain carries code.
func IsCode(err error, code string) bool {
	for err != nil {
		var ce *Error
		if !errors.As(err, &ce) {
			return false
		}
		if ce.Code == code {
			return true
		}
		err = ce.Err
	}
	return false
}

// JobFailedError is the terminal failure of an asynchronous bulk job.
type JobFailedError struct {
	JobID   string
	State   string
	Message string
}

func (e *JobFailedError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("job %s ended in state %s: %s", e.JobID, e.State, e.Message)
	}
	return fmt.Sprintf("job %s ended in state %s", e.JobID, e.State)
}

// JobFailed wraps a terminal job state into an E_JOB_FAILED error.
func JobFailed(jobID, state, message string) *Error {
	return Wrap(CodeJobFailed, false, &JobFailedError{JobID: jobID, State: state, Message: message})
}

// FailedJobState extracts the terminal state from an E_JOB_FAILED error.
func FailedJobState(err error) (string, bool) {
	var jf *JobFailedError
	if errors.As(err, &jf) {
		return jf.State, true
	}
	return "", false
}
