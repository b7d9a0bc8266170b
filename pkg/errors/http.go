package errors

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
)

// HTTPError represents an HTTP error response. This is the boundary contract
// consumed by the gateway layer that fronts the proximity services: it maps
// NotFound/Expired to 404, rate limiting to 429 with a retry-after hint, and
// illegal transfer transitions to 409.
type HTTPError struct {
	Status  int               `json:"-"`
	Code    string            `json:"code"`
	Message string            `json:"message"`
	Details map[string]string `json:"details,omitempty"`
	TraceID string            `json:"trace_id,omitempty"`
}

// Error implements the error interface.
func (e *HTTPError) Error() string {
	return e.Message
}

// StatusCode returns the HTTP status code for an error.
// It maps error codes to appropriate HTTP status codes.
func StatusCode(err error) int {
	if err == nil {
		return http.StatusOK
	}

	var customErr Error
	if errors.As(err, &customErr) {
		return codeToHTTPStatus(customErr.Code())
	}

	// Check sentinel errors
	switch {
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrExpired):
		return http.StatusNotFound
	case errors.Is(err, ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, ErrTooManyRequests):
		return http.StatusTooManyRequests
	case errors.Is(err, ErrTimeout):
		return http.StatusRequestTimeout
	case errors.Is(err, ErrServiceUnavailable):
		return http.StatusServiceUnavailable
	}

	return http.StatusInternalServerError
}

// codeToHTTPStatus maps error codes to HTTP status codes.
func codeToHTTPStatus(code string) int {
	switch code {
	case CodeOK:
		return http.StatusOK
	case CodeValidation:
		return http.StatusBadRequest
	case CodeNotFound, CodeExpired:
		return http.StatusNotFound
	case CodeStateTransition:
		return http.StatusConflict
	case CodeRateLimit:
		return http.StatusTooManyRequests
	case CodeTimeout:
		return http.StatusRequestTimeout
	case CodeServiceUnavailable:
		return http.StatusServiceUnavailable
	case CodeStorageError, CodeCryptoError, CodeUnknown, CodeInternal:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

// ToHTTPError converts an error to an HTTPError.
func ToHTTPError(err error, traceID string) *HTTPError {
	if err == nil {
		return &HTTPError{
			Status:  http.StatusOK,
			Code:    CodeOK,
			Message: "success",
			TraceID: traceID,
		}
	}

	httpErr := &HTTPError{
		Status:  StatusCode(err),
		TraceID: traceID,
		Details: make(map[string]string),
	}

	var customErr Error
	if errors.As(err, &customErr) {
		httpErr.Code = customErr.Code()
		httpErr.Message = customErr.Message()
	} else {
		httpErr.Code = CodeInternal
		httpErr.Message = err.Error()
	}

	// Add type-specific details
	var (
		validationErr *ValidationError
		notFoundErr   *NotFoundError
		expiredErr    *ExpiredError
		transitionErr *StateTransitionError
		timeoutErr    *TimeoutError
		rateLimitErr  *RateLimitError
		serviceErr    *ServiceError
		internalErr   *InternalError
	)

	switch {
	case errors.As(err, &validationErr):
		if validationErr.Field != "" {
			httpErr.Details["field"] = validationErr.Field
		}
	case errors.As(err, &notFoundErr):
		if notFoundErr.Resource != "" {
			httpErr.Details["resource"] = notFoundErr.Resource
		}
		if notFoundErr.ID != "" {
			httpErr.Details["id"] = notFoundErr.ID
		}
	case errors.As(err, &expiredErr):
		if expiredErr.Resource != "" {
			httpErr.Details["resource"] = expiredErr.Resource
		}
		if expiredErr.ID != "" {
			httpErr.Details["id"] = expiredErr.ID
		}
	case errors.As(err, &transitionErr):
		if transitionErr.From != "" {
			httpErr.Details["from"] = transitionErr.From
		}
		if transitionErr.To != "" {
			httpErr.Details["to"] = transitionErr.To
		}
		if transitionErr.ID != "" {
			httpErr.Details["id"] = transitionErr.ID
		}
	case errors.As(err, &timeoutErr):
		if timeoutErr.Operation != "" {
			httpErr.Details["operation"] = timeoutErr.Operation
		}
		if timeoutErr.Duration != "" {
			httpErr.Details["duration"] = timeoutErr.Duration
		}
	case errors.As(err, &rateLimitErr):
		if rateLimitErr.RetryAfter > 0 {
			httpErr.Details["retry_after"] = strconv.Itoa(rateLimitErr.RetryAfter)
		}
	case errors.As(err, &serviceErr):
		if serviceErr.Service != "" {
			httpErr.Details["service"] = serviceErr.Service
		}
	case errors.As(err, &internalErr):
		if internalErr.Operation != "" {
			httpErr.Details["operation"] = internalErr.Operation
		}
	}

	return httpErr
}

// WriteHTTPError writes an error response to an http.ResponseWriter.
func WriteHTTPError(w http.ResponseWriter, err error, traceID string) {
	httpErr := ToHTTPError(err, traceID)
	w.Header().Set("Content-Type", "application/json")

	// Add retry-after header for rate limit errors
	var rateLimitErr *RateLimitError
	if errors.As(err, &rateLimitErr) && rateLimitErr.RetryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(rateLimitErr.RetryAfter))
	}

	w.WriteHeader(httpErr.Status)
	json.NewEncoder(w).Encode(httpErr)
}
