package engine

import (
	"errors"
	"fmt"
)

// ResultCode is a stable numeric identifier for a unit or set outcome.
// The zero value means success.
type ResultCode int32

// Result codes reported by the orchestrator itself. Collaborators may report
// any other non-zero value.
const (
	CodeSuccess               ResultCode = 0
	CodeDuplicateIdentifier   ResultCode = 0x0C01
	CodeMissingDependency     ResultCode = 0x0C02
	CodeSetDependencyCycle    ResultCode = 0x0C03
	CodeDependencyUnsatisfied ResultCode = 0x0C04
	CodeManuallySkipped       ResultCode = 0x0C05
	CodeSetApplyFailed        ResultCode = 0x0C06
	CodeAssertionFailed       ResultCode = 0x0C07
	CodeUnitNotFound          ResultCode = 0x0C08
	CodeNotSupported          ResultCode = 0x0C09
	CodeOperationCancelled    ResultCode = 0x0C0A
	CodeUnexpected            ResultCode = 0x0CFF
)

var codeNames = map[ResultCode]string{
	CodeSuccess:               "SUCCESS",
	CodeDuplicateIdentifier:   "DUPLICATE_IDENTIFIER",
	CodeMissingDependency:     "MISSING_DEPENDENCY",
	CodeSetDependencyCycle:    "SET_DEPENDENCY_CYCLE",
	CodeDependencyUnsatisfied: "DEPENDENCY_UNSATISFIED",
	CodeManuallySkipped:       "MANUALLY_SKIPPED",
	CodeSetApplyFailed:        "SET_APPLY_FAILED",
	CodeAssertionFailed:       "ASSERTION_FAILED",
	CodeUnitNotFound:          "UNIT_NOT_FOUND",
	CodeNotSupported:          "NOT_SUPPORTED",
	CodeOperationCancelled:    "OPERATION_CANCELLED",
	CodeUnexpected:            "UNEXPECTED",
}

// String returns the symbolic name for known codes and the hex value otherwise.
func (c ResultCode) String() string {
	if name, ok := codeNames[c]; ok {
		return name
	}
	return fmt.Sprintf("0x%08X", uint32(c))
}

// Succeeded reports whether the code denotes success.
func (c ResultCode) Succeeded() bool {
	return c == CodeSuccess
}

// Sentinel errors.
var (
	ErrNilSet             = errors.New("configuration set is nil")
	ErrInvalidTransition  = errors.New("invalid unit state transition")
	ErrOperationCancelled = errors.New("operation cancelled")
	ErrNoSetProcessor     = errors.New("no set processor factory configured")
	ErrInformIntentTest   = errors.New("test settings is not allowed for inform intent")
)

// UnitError is an error a unit processor can return to report its own result
// code instead of the generic unexpected code.
type UnitError struct {
	Code        ResultCode
	Description string
	Details     string
	Source      ResultSource
	Err         error
}

// Error implements the error interface.
func (e *UnitError) Error() string {
	msg := e.Description
	if msg == "" {
		msg = e.Code.String()
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

// Unwrap returns the underlying error.
func (e *UnitError) Unwrap() error {
	return e.Err
}

// ResultCode returns the reported code.
func (e *UnitError) ResultCode() ResultCode {
	return e.Code
}

// coder is implemented by errors that carry their own result code.
type coder interface {
	ResultCode() ResultCode
}

// resultFromError converts a collaborator error into result information.
// The error's own code is kept when it has one; the source is Internal
// unless a UnitError names another one.
func resultFromError(err error) ResultInformation {
	if err == nil {
		return ResultInformation{}
	}

	info := ResultInformation{
		Code:        CodeUnexpected,
		Description: err.Error(),
		Source:      ResultSourceInternal,
	}

	var ue *UnitError
	if errors.As(err, &ue) {
		if ue.Code != CodeSuccess {
			info.Code = ue.Code
		}
		info.Details = ue.Details
		if ue.Source != "" && ue.Source != ResultSourceNone {
			info.Source = ue.Source
		}
		return info
	}

	var c coder
	if errors.As(err, &c) && c.ResultCode() != CodeSuccess {
		info.Code = c.ResultCode()
	}
	return info
}

// ErrorClass represents the classification of an error for retry and recovery logic.
type ErrorClass string

const (
	// ErrorClassTransient indicates a temporary failure that may succeed on retry.
	ErrorClassTransient ErrorClass = "transient"

	// ErrorClassThrottled indicates rate limiting or quota exhaustion.
	ErrorClassThrottled ErrorClass = "throttled"

	// ErrorClassConflict indicates a state conflict.
	ErrorClassConflict ErrorClass = "conflict"

	// ErrorClassPermanent indicates a non-recoverable error.
	ErrorClassPermanent ErrorClass = "permanent"
)

// EngineError is a classified setup or infrastructure error.
// nolint:revive // EngineError is intentionally named to distinguish from standard errors
type EngineError struct {
	// Class is the error classification for retry logic.
	Class ErrorClass `json:"class"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Code is an optional error code for programmatic handling.
	Code string `json:"code,omitempty"`

	// Resource is the set or unit that caused the error, if applicable.
	Resource string `json:"resource,omitempty"`

	// Operation is the operation being performed when the error occurred.
	Operation string `json:"operation,omitempty"`

	// Err is the underlying error.
	Err error `json:"-"`

	// Details contains additional context-specific information.
	Details map[string]interface{} `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Class, e.Message)
	if e.Resource != "" && e.Operation != "" {
		msg = fmt.Sprintf("%s (resource=%s, operation=%s)", msg, e.Resource, e.Operation)
	} else if e.Resource != "" {
		msg = fmt.Sprintf("%s (resource=%s)", msg, e.Resource)
	}
	if e.Err != nil {
		return msg + ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying error for error chain inspection.
func (e *EngineError) Unwrap() error {
	return e.Err
}

// Is implements error equality checking for errors.Is.
func (e *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	if !ok {
		return false
	}
	return e.Class == t.Class && e.Code == t.Code
}

// NewTransientError creates a new transient error.
func NewTransientError(message string, err error) *EngineError {
	return &EngineError{Class: ErrorClassTransient, Message: message, Err: err}
}

// NewThrottledError creates a new throttled error.
func NewThrottledError(message string, err error) *EngineError {
	return &EngineError{Class: ErrorClassThrottled, Message: message, Err: err}
}

// NewConflictError creates a new conflict error.
func NewConflictError(message string, err error) *EngineError {
	return &EngineError{Class: ErrorClassConflict, Message: message, Err: err}
}

// NewPermanentError creates a new permanent error.
func NewPermanentError(message string, err error) *EngineError {
	return &EngineError{Class: ErrorClassPermanent, Message: message, Err: err}
}

// WithResource adds resource context to an error.
func (e *EngineError) WithResource(resource string) *EngineError {
	e.Resource = resource
	return e
}

// WithOperation adds operation context to an error.
func (e *EngineError) WithOperation(operation string) *EngineError {
	e.Operation = operation
	return e
}

// WithCode adds an error code to an error.
func (e *EngineError) WithCode(code string) *EngineError {
	e.Code = code
	return e
}

// WithDetail adds a detail field to the error context.
func (e *EngineError) WithDetail(key string, value interface{}) *EngineError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

func classOf(err error) (ErrorClass, bool) {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class, true
	}
	return "", false
}

// IsTransient returns true if the error is classified as transient.
func IsTransient(err error) bool {
	c, ok := classOf(err)
	return ok && c == ErrorClassTransient
}

// IsThrottled returns true if the error is classified as throttled.
func IsThrottled(err error) bool {
	c, ok := classOf(err)
	return ok && c == ErrorClassThrottled
}

// IsConflict returns true if the error is classified as a conflict.
func IsConflict(err error) bool {
	c, ok := classOf(err)
	return ok && c == ErrorClassConflict
}

// IsPermanent returns true if the error is classified as permanent.
func IsPermanent(err error) bool {
	c, ok := classOf(err)
	return ok && c == ErrorClassPermanent
}

// IsRetryable returns true if the error can be retried.
func IsRetryable(err error) bool {
	return IsTransient(err) || IsThrottled(err) || IsConflict(err)
}

// Setup error codes.
const (
	ErrCodeValidation     = "VALIDATION_ERROR"
	ErrCodeSetProcessor   = "SET_PROCESSOR_FAILED"
	ErrCodePolicyDenied   = "POLICY_DENIED"
	ErrCodeNotFound       = "NOT_FOUND"
	ErrCodeTimeout        = "TIMEOUT"
	ErrCodeInternal       = "INTERNAL_ERROR"
	ErrCodeTransport      = "TRANSPORT_ERROR"
	ErrCodeProviderFailed = "PROVIDER_FAILED"
)
