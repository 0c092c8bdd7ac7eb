package errors

import (
	stderrors "errors"
	"fmt"
	"strings"
	"time"
)

// ==========================
// Error codes
// ==========================

type ErrorCode string

const (
	// Input
	ErrCodeInputParsingFailed  ErrorCode = "INPUT_PARSING_FAILED"
	ErrCodeValidationFailed    ErrorCode = "VALIDATION_FAILED"
	ErrCodeTemplateDataInvalid ErrorCode = "TEMPLATE_DATA_INVALID"
	ErrCodeRecurrenceInvalid   ErrorCode = "RECURRENCE_INVALID"
	ErrCodeUnsupportedTaskType ErrorCode = "UNSUPPORTED_TASK_TYPE"

	// Broadcast lifecycle
	ErrCodeBroadcastNotFound    ErrorCode = "BROADCAST_NOT_FOUND"
	ErrCodeReconciliationFailed ErrorCode = "RECONCILIATION_FAILED"

	// Storage
	ErrCodeDatabaseConnectionFailed ErrorCode = "DATABASE_CONNECTION_FAILED"
	ErrCodeQueryExecutionFailed     ErrorCode = "QUERY_EXECUTION_FAILED"
	ErrCodeDatabaseCommitFailed     ErrorCode = "DATABASE_COMMIT_FAILED"

	// External services
	ErrCodeWhatsAppTransportFailed ErrorCode = "WHATSAPP_TRANSPORT_FAILED"
	ErrCodeQueueOperationFailed    ErrorCode = "QUEUE_OPERATION_FAILED"
	ErrCodeIndexingFailed          ErrorCode = "INDEXING_FAILED"
	ErrCodeExternalService         ErrorCode = "EXTERNAL_SERVICE_ERROR"
	ErrCodeTimeout                 ErrorCode = "TIMEOUT"
	ErrCodeResourceNotFound        ErrorCode = "RESOURCE_NOT_FOUND"
	ErrCodeAuthentication          ErrorCode = "AUTHENTICATION_FAILED"

	ErrCodeInternal ErrorCode = "INTERNAL_ERROR"
)

type StandardError struct {
	Code      ErrorCode              `json:"code"`
	Message   string                 `json:"message"`
	Details   string                 `json:"details,omitempty"`
	Retryable bool                   `json:"retryable"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	Timestamp time.Time              `json:"timestamp"`

	cause error
}

func (e *StandardError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("StandardError[%s]: %s: %s", e.Code, e.Message, e.Details)
	}
	return fmt.Sprintf("StandardError[%s]: %s", e.Code, e.Message)
}

func (e *StandardError) Unwrap() error {
	return e.cause
}

// WithMetadata sets a metadata key and returns the same error.
func (e *StandardError) WithMetadata(key string, value interface{}) *StandardError {
	if e.Metadata == nil {
		e.Metadata = map[string]interface{}{}
	}
	e.Metadata[key] = value
	return e
}

func newError(code ErrorCode, message, details string, retryable bool, cause error) *StandardError {
	return &StandardError{
		Code:      code,
		Message:   message,
		Details:   details,
		Retryable: retryable,
		Timestamp: time.Now().UTC(),
		cause:     cause,
	}
}

// AsStandardError unwraps err looking for a *StandardError.
func AsStandardError(err error) (*StandardError, bool) {
	var stdErr *StandardError
	if stderrors.As(err, &stdErr) {
		return stdErr, true
	}
	return nil, false
}

// CodeOf returns the error code carried by err, or INTERNAL_ERROR.
func CodeOf(err error) ErrorCode {
	if stdErr, ok := AsStandardError(err); ok {
		return stdErr.Code
	}
	return ErrCodeInternal
}

// ==========================
// BPMN error
// ==========================

type BPMNError struct {
	Code           string                 `json:"code"`
	Message        string                 `json:"message"`
	Details        string                 `json:"details,omitempty"`
	Retryable      bool                   `json:"retryable"`
	Retries        int                    `json:"retries"`
	ErrorVariables map[string]interface{} `json:"errorVariables,omitempty"`
}

func (e *BPMNError) Error() string {
	return fmt.Sprintf("BPMNError[%s]: %s", e.Code, e.Message)
}

func (e *BPMNError) ToErrorVariables() map[string]interface{} {
	vars := map[string]interface{}{
		"errorCode":    e.Code,
		"errorMessage": e.Message,
		"errorDetails": e.Details,
		"retryable":    e.Retryable,
	}
	for k, v := range e.ErrorVariables {
		vars[k] = v
	}
	return vars
}

// ==========================
// Constructors
// ==========================

func NewInputParsingError(err error) *StandardError {
	return newError(ErrCodeInputParsingFailed, "Failed to parse task input", err.Error(), false, err)
}

func NewValidationError(details string) *StandardError {
	return newError(ErrCodeValidationFailed, "Input validation failed", details, false, nil)
}

func NewTemplateDataInvalidError(err error) *StandardError {
	return newError(ErrCodeTemplateDataInvalid, "Template data is not valid JSON", err.Error(), false, err)
}

func NewRecurrenceInvalidError(err error) *StandardError {
	return newError(ErrCodeRecurrenceInvalid, "Invalid recurrence descriptor", err.Error(), false, err)
}

func NewUnsupportedTaskTypeError(taskType string) *StandardError {
	return newError(ErrCodeUnsupportedTaskType, "No handler for task type", fmt.Sprintf("taskType: %s", taskType), false, nil)
}

func NewBroadcastNotFoundError(broadcastID int64) *StandardError {
	return newError(ErrCodeBroadcastNotFound, "Broadcast not found", fmt.Sprintf("broadcastId: %d", broadcastID), false, nil)
}

func NewReconciliationFailedError(broadcastID int64, err error) *StandardError {
	return newError(ErrCodeReconciliationFailed, "Failed to reconcile broadcast status",
		fmt.Sprintf("broadcastId: %d, error: %s", broadcastID, err.Error()), false, err)
}

func NewDatabaseConnectionFailedError(err error) *StandardError {
	return newError(ErrCodeDatabaseConnectionFailed, "Database connection error", err.Error(), true, err)
}

func NewQueryExecutionFailedError(queryType string, err error) *StandardError {
	return newError(ErrCodeQueryExecutionFailed, "Database query execution error",
		fmt.Sprintf("queryType: %s, error: %s", queryType, err.Error()), true, err)
}

func NewDatabaseCommitFailedError(err error) *StandardError {
	return newError(ErrCodeDatabaseCommitFailed, "Failed to commit delivery outcomes", err.Error(), false, err)
}

func NewWhatsAppTransportError(err error) *StandardError {
	return newError(ErrCodeWhatsAppTransportFailed, "WhatsApp API transport failure", err.Error(), false, err)
}

func NewQueueOperationError(operation string, err error) *StandardError {
	return newError(ErrCodeQueueOperationFailed, "Queue operation failed",
		fmt.Sprintf("operation: %s, error: %s", operation, err.Error()), true, err)
}

func NewIndexingFailedError(index string, err error) *StandardError {
	return newError(ErrCodeIndexingFailed, "Elasticsearch indexing failed",
		fmt.Sprintf("index: %s, error: %s", index, err.Error()), true, err)
}

func NewExternalServiceError(service string, err error) *StandardError {
	return newError(ErrCodeExternalService, fmt.Sprintf("External service %s failed", service), err.Error(), true, err)
}

func NewTimeoutError(service string, err error) *StandardError {
	return newError(ErrCodeTimeout, fmt.Sprintf("Timeout calling %s", service), err.Error(), true, err)
}

func NewResourceNotFoundError(service, details string) *StandardError {
	return newError(ErrCodeResourceNotFound, fmt.Sprintf("Resource not found in %s", service), details, false, nil)
}

func NewAuthenticationError(details string) *StandardError {
	return newError(ErrCodeAuthentication, "Authentication failed", details, false, nil)
}

func NewInternalError(err error) *StandardError {
	return newError(ErrCodeInternal, "Unexpected error", err.Error(), false, err)
}

// ==========================
// Retry and BPMN mapping
// ==========================

// BPMNErrorMapping maps internal codes onto the error codes modelled in BPMN boundary events.
var BPMNErrorMapping = map[ErrorCode]string{
	ErrCodeBroadcastNotFound:       "BROADCAST_NOT_FOUND",
	ErrCodeValidationFailed:        "DISPATCH_INPUT_INVALID",
	ErrCodeInputParsingFailed:      "DISPATCH_INPUT_INVALID",
	ErrCodeTemplateDataInvalid:     "DISPATCH_INPUT_INVALID",
	ErrCodeWhatsAppTransportFailed: "DISPATCH_ABORTED",
	ErrCodeDatabaseCommitFailed:    "DISPATCH_ABORTED",
	ErrCodeReconciliationFailed:    "DISPATCH_ABORTED",
}

// GetRetryCount returns how many times the job scheduler may re-run a failed task.
// Dispatch runs are not retried: a re-run would resend already delivered messages.
func GetRetryCount(code ErrorCode) int {
	switch code {
	case ErrCodeDatabaseConnectionFailed,
		ErrCodeQueueOperationFailed,
		ErrCodeIndexingFailed:
		return 3
	case ErrCodeTimeout:
		return 2
	default:
		return 0
	}
}

func ConvertToBPMNError(stdErr *StandardError) *BPMNError {
	bpmnCode, exists := BPMNErrorMapping[stdErr.Code]
	if !exists {
		bpmnCode = string(stdErr.Code)
	}

	retries := GetRetryCount(stdErr.Code)
	if !stdErr.Retryable {
		retries = 0
	}

	return &BPMNError{
		Code:      bpmnCode,
		Message:   stdErr.Message,
		Details:   stdErr.Details,
		Retryable: stdErr.Retryable,
		Retries:   retries,
		ErrorVariables: map[string]interface{}{
			"originalErrorCode": string(stdErr.Code),
			"timestamp":         stdErr.Timestamp.Format(time.RFC3339),
		},
	}
}

func GetErrorCategory(code ErrorCode) string {
	codeStr := string(code)
	switch {
	case strings.Contains(codeStr, "BROADCAST") || strings.Contains(codeStr, "RECONCILIATION"):
		return "BROADCAST"
	case strings.Contains(codeStr, "DATABASE") || strings.Contains(codeStr, "QUERY"):
		return "DATABASE"
	case strings.Contains(codeStr, "WHATSAPP"):
		return "DELIVERY"
	case strings.Contains(codeStr, "QUEUE"):
		return "QUEUE"
	case strings.Contains(codeStr, "INDEX"):
		return "SEARCH"
	case strings.Contains(codeStr, "INVALID") || strings.Contains(codeStr, "VALIDATION") || strings.Contains(codeStr, "PARSING"):
		return "VALIDATION"
	default:
		return "OTHER"
	}
}
