package job

import (
	"context"
	"errors"
)

// Code is a machine-readable failure reason returned to clients.
type Code string

const (
	CodeMethodNotAllowed     Code = "METHOD_NOT_ALLOWED"
	CodeInvalidJSON          Code = "INVALID_JSON"
	CodeValidation           Code = "VALIDATION_ERROR"
	CodeEmailRequired        Code = "EMAIL_REQUIRED"
	CodeConcurrentUpload     Code = "CONCURRENT_UPLOAD"
	CodeRateLimited          Code = "RATE_LIMITED"
	CodeUnauthorized         Code = "UNAUTHORIZED"
	CodeJobNotFound          Code = "JOB_NOT_FOUND"
	CodeInvalidJobID         Code = "INVALID_JOB_ID"
	CodeMaxFilesExceeded     Code = "MAX_FILES_EXCEEDED"
	CodeNoFiles              Code = "NO_FILES"
	CodePDFTooSmall          Code = "PDF_TOO_SMALL"
	CodeInvalidPDF           Code = "INVALID_PDF"
	CodeDuplicateBureau      Code = "DUPLICATE_BUREAU"
	CodeParseFailed          Code = "PARSE_FAILED"
	CodeIdentityMismatch     Code = "IDENTITY_MISMATCH"
	CodeReportTooOld         Code = "REPORT_TOO_OLD"
	CodeTimeout              Code = "TIMEOUT"
	CodeJobCreateFailed      Code = "JOB_CREATE_FAILED"
	CodeSystemError          Code = "SYSTEM_ERROR"
	CodeUploadFailed         Code = "UPLOAD_FAILED"
	CodeProcessingInitFailed Code = "PROCESSING_INIT_FAILED"
)

var messages = map[Code]string{
	CodeMethodNotAllowed:     "Method not allowed.",
	CodeInvalidJSON:          "Request body is not valid JSON.",
	CodeValidation:           "Some of the submitted fields are invalid.",
	CodeEmailRequired:        "An email address is required.",
	CodeConcurrentUpload:     "Another upload for this email is starting. Please try again in a few seconds.",
	CodeRateLimited:          "Too many requests. Please slow down.",
	CodeUnauthorized:         "Unauthorized.",
	CodeJobNotFound:          "We could not find that upload. Please start again.",
	CodeInvalidJobID:         "The job id is malformed.",
	CodeMaxFilesExceeded:     "You can upload at most 3 files.",
	CodeNoFiles:              "No files have been uploaded for this job yet.",
	CodePDFTooSmall:          "That file is too small to be a full credit report.",
	CodeInvalidPDF:           "We could not find any bureau data in that report.",
	CodeDuplicateBureau:      "The same bureau appears in more than one file.",
	CodeParseFailed:          "We could not read your credit report.",
	CodeIdentityMismatch:     "The name on the report does not match the name you entered.",
	CodeReportTooOld:         "Your report is older than 30 days. Please pull a fresh copy.",
	CodeTimeout:              "Processing took too long. Please try again.",
	CodeJobCreateFailed:      "We could not start your upload. Please try again.",
	CodeSystemError:          "Something went wrong on our side.",
	CodeUploadFailed:         "The upload failed. Please try again.",
	CodeProcessingInitFailed: "We could not start processing. Please try again.",
}

// Message returns the default user-facing message for c.
func (c Code) Message() string {
	if m, ok := messages[c]; ok {
		return m
	}
	return messages[CodeSystemError]
}

// Error is a failure carrying a taxonomy code.
type Error struct {
	Code    Code
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = e.Code.Message()
	}
	if e.Err != nil {
		return string(e.Code) + ": " + msg + ": " + e.Err.Error()
	}
	return string(e.Code) + ": " + msg
}

func (e *Error) Unwrap() error { return e.Err }

// Fail builds an *Error with the code's default message.
func Fail(code Code, err error) *Error {
	return &Error{Code: code, Err: err}
}

// Failf builds an *Error with a specific user-facing message.
func Failf(code Code, message string, err error) *Error {
	return &Error{Code: code, Message: message, Err: err}
}

// Classify maps any error to the info persisted on a failed job. Codes
// already attached win; deadline expiry becomes TIMEOUT; anything else is
// SYSTEM_ERROR.
func Classify(err error) ErrorInfo {
	var je *Error
	if errors.As(err, &je) {
		msg := je.Message
		if msg == "" {
			msg = je.Code.Message()
		}
		return ErrorInfo{Code: je.Code, Message: msg}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrorInfo{Code: CodeTimeout, Message: CodeTimeout.Message()}
	}
	return ErrorInfo{Code: CodeSystemError, Message: CodeSystemError.Message()}
}
