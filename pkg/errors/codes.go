package errors

// Error codes for categorizing errors.
// These codes map to HTTP status codes where applicable.
const (
	// CodeOK indicates success (not an error).
	CodeOK = "OK"

	// CodeUnknown indicates an unknown error occurred.
	CodeUnknown = "UNKNOWN"

	// CodeNotFound indicates a resource was not found.
	CodeNotFound = "NOT_FOUND"

	// CodeExpired indicates a resource is past its time-to-live.
	CodeExpired = "EXPIRED"

	// CodeValidation indicates input validation failed.
	CodeValidation = "VALIDATION_ERROR"

	// CodeRateLimit indicates rate limit was exceeded.
	CodeRateLimit = "RATE_LIMIT_EXCEEDED"

	// CodeStateTransition indicates an illegal state machine transition.
	CodeStateTransition = "INVALID_STATE_TRANSITION"

	// CodeTimeout indicates an operation timed out.
	CodeTimeout = "TIMEOUT"

	// CodeServiceUnavailable indicates a downstream service is unavailable.
	CodeServiceUnavailable = "SERVICE_UNAVAILABLE"

	// CodeStorageError indicates a storage operation failed.
	CodeStorageError = "STORAGE_ERROR"

	// CodeCryptoError indicates a cryptographic operation failed.
	CodeCryptoError = "CRYPTO_ERROR"

	// CodeInternal indicates internal errors.
	CodeInternal = "INTERNAL"
)

// ErrorCategory represents a high-level error category.
type ErrorCategory string

const (
	// CategoryClient indicates a client-side error (4xx).
	CategoryClient ErrorCategory = "CLIENT_ERROR"

	// CategoryServer indicates a server-side error (5xx).
	CategoryServer ErrorCategory = "SERVER_ERROR"
)

// Categorize returns the high-level category for an error code.
func Categorize(code string) ErrorCategory {
	switch code {
	case CodeNotFound, CodeExpired, CodeValidation, CodeRateLimit, CodeStateTransition:
		return CategoryClient
	default:
		return CategoryServer
	}
}

// IsRetryable reports whether an operation that failed with the given code
// may succeed if retried without modification.
func IsRetryable(code string) bool {
	switch code {
	case CodeTimeout, CodeServiceUnavailable:
		return true
	default:
		return false
	}
}
