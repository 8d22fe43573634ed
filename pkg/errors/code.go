package errors

// ErrorCode represents a unique error identifier
type ErrorCode int

// Error code ranges allocation:
// 10000-10999: System & Common errors
// 12000-12999: Practice & course module errors
// 13000-13999: Attempt & Judge module errors
// 16000-16999: Permission errors

const (
	// ========== System & Common Errors (10000-10999) ==========

	// Success
	Success ErrorCode = 10000

	// Generic errors (10000-10099)
	InternalServerError ErrorCode = 10001
	InvalidParams       ErrorCode = 10002
	NotFound            ErrorCode = 10003
	Unauthorized        ErrorCode = 10004
	Forbidden           ErrorCode = 10005
	TooManyRequests     ErrorCode = 10006
	ServiceUnavailable  ErrorCode = 10007
	Timeout             ErrorCode = 10008

	// Database errors (10100-10199)
	DatabaseError       ErrorCode = 10100
	RecordNotFound      ErrorCode = 10101
	RecordAlreadyExists ErrorCode = 10102
	TransactionFailed   ErrorCode = 10103

	// Cache errors (10200-10299)
	CacheError ErrorCode = 10200
	LockFailed ErrorCode = 10203

	// Validation errors (10300-10399)
	ValidationFailed   ErrorCode = 10300
	InvalidFormat      ErrorCode = 10301
	InvalidValue       ErrorCode = 10302
	RequiredFieldEmpty ErrorCode = 10303

	// Storage errors (10400-10499)
	StorageError ErrorCode = 10400

	// ========== Practice Module Errors (12000-12999) ==========

	// Practice basic (12000-12099)
	PracticeNotFound     ErrorCode = 12000
	PracticeAccessDenied ErrorCode = 12001

	// Test cases (12100-12199)
	TestCaseNotFound ErrorCode = 12100
	TestCaseInvalid  ErrorCode = 12102

	// ========== Attempt & Judge Module Errors (13000-13999) ==========

	// Attempt (13000-13099)
	AttemptNotFound       ErrorCode = 13000
	AttemptCreateFailed   ErrorCode = 13001
	CodeTooLarge          ErrorCode = 13002
	LanguageNotSupported  ErrorCode = 13003
	SubmitTooFrequently   ErrorCode = 13004
	AttemptInProgress     ErrorCode = 13005
	AttemptUpdateFailed   ErrorCode = 13006
	SubmissionNotFound    ErrorCode = 13007
	SubmissionPersistFail ErrorCode = 13008

	// Judge (13100-13199)
	JudgeDispatchFailed  ErrorCode = 13100
	JudgeSystemError     ErrorCode = 13101
	JudgeCallbackInvalid ErrorCode = 13102

	// ========== Permission Errors (16000-16999) ==========

	// Permission (16000-16099)
	PermissionDenied       ErrorCode = 16000
	InsufficientPermission ErrorCode = 16001
	NotParticipant         ErrorCode = 16002
)

// errorMessages maps error codes to their default English messages
var errorMessages = map[ErrorCode]string{
	// System & Common
	Success:             "Success",
	InternalServerError: "Internal server error",
	InvalidParams:       "Invalid parameters",
	NotFound:            "Resource not found",
	Unauthorized:        "Unauthorized access",
	Forbidden:           "Access forbidden",
	TooManyRequests:     "Too many requests, please try again later",
	ServiceUnavailable:  "Service temporarily unavailable",
	Timeout:             "Request timeout",

	// Database
	DatabaseError:       "Database operation failed",
	RecordNotFound:      "Record not found in database",
	RecordAlreadyExists: "Record already exists",
	TransactionFailed:   "Database transaction failed",

	// Cache
	CacheError: "Cache operation failed",
	LockFailed: "Failed to acquire lock",

	// Validation
	ValidationFailed:   "Validation failed",
	InvalidFormat:      "Invalid format",
	InvalidValue:       "Invalid value",
	RequiredFieldEmpty: "Required field is empty",

	// Storage
	StorageError: "Object storage operation failed",

	// Practice
	PracticeNotFound:     "Practice not found",
	PracticeAccessDenied: "Access to this practice is denied",

	// Test cases
	TestCaseNotFound: "Test case not found",
	TestCaseInvalid:  "Invalid test case",

	// Attempt
	AttemptNotFound:       "Attempt not found",
	AttemptCreateFailed:   "Failed to create attempt",
	CodeTooLarge:          "Code is too large",
	LanguageNotSupported:  "Programming language not supported",
	SubmitTooFrequently:   "Submitting too frequently, please wait",
	AttemptInProgress:     "Attempt with this idempotency key is still being created",
	AttemptUpdateFailed:   "Failed to update attempt",
	SubmissionNotFound:    "Submission not found",
	SubmissionPersistFail: "Failed to persist submissions",

	// Judge
	JudgeDispatchFailed:  "Failed to dispatch to judge",
	JudgeSystemError:     "Judge system error",
	JudgeCallbackInvalid: "Invalid judge callback",

	// Permission
	PermissionDenied:       "Permission denied",
	InsufficientPermission: "Insufficient permission",
	NotParticipant:         "User is not an active participant of the course",
}

// Message returns the default message for the error code
func (c ErrorCode) Message() string {
	if msg, ok := errorMessages[c]; ok {
		return msg
	}
	return "Unknown error"
}

// HTTPStatus returns the recommended HTTP status code for the error code
func (c ErrorCode) HTTPStatus() int {
	switch {
	case c == Success:
		return 200
	case c == Unauthorized:
		return 401
	case c == Forbidden, c == PracticeAccessDenied, c >= 16000 && c < 16100: // Permission errors
		return 403
	case c == NotFound, c == PracticeNotFound, c == AttemptNotFound, c == SubmissionNotFound, c == TestCaseNotFound:
		return 404
	case c == AttemptInProgress:
		return 409
	case c == TooManyRequests, c == SubmitTooFrequently:
		return 429
	case c == ServiceUnavailable:
		return 503
	case c >= 10300 && c < 10400: // Validation errors
		return 400
	case c == InvalidParams, c == CodeTooLarge, c == LanguageNotSupported, c == JudgeCallbackInvalid:
		return 400
	default:
		return 500
	}
}
