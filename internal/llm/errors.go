package llm

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

var (
	// ErrProviderUnavailable is returned by Generate when IsAvailable is false
	ErrProviderUnavailable = errors.New("provider unavailable")

	// ErrTimeout is returned when a reply is not ready before the provider deadline
	ErrTimeout = errors.New("generation timed out")

	// ErrUnparseableResponse is returned in strict mode when no known response shape matched
	ErrUnparseableResponse = errors.New("unparseable backend response")
)

// Error types recorded in ErrorInfo.Type
const (
	ErrorTypeNetwork    = "network"
	ErrorTypeAuth       = "auth"
	ErrorTypeServer     = "server"
	ErrorTypeProtocol   = "protocol"
	ErrorTypeTimeout    = "timeout"
	ErrorTypeGeneration = "generation"
)

// GenerationError reports a transport or parse fault while generating a reply
type GenerationError struct {
	Message    string
	StatusCode int

	// RetryAfter is the delay the backend asked for, if any
	RetryAfter time.Duration

	Err error
}

func (e *GenerationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("generation failed: %s: %v", e.Message, e.Err)
	}
	return "generation failed: " + e.Message
}

func (e *GenerationError) Unwrap() error {
	return e.Err
}

// NewGenerationError creates a GenerationError with an optional cause
func NewGenerationError(message string, err error) *GenerationError {
	return &GenerationError{Message: message, Err: err}
}

// WrapHTTPError creates a GenerationError describing a non-success response
func WrapHTTPError(message string, resp *http.Response) *GenerationError {
	genErr := &GenerationError{Message: message}
	if resp != nil {
		genErr.StatusCode = resp.StatusCode
		genErr.Message = fmt.Sprintf("%s (status %d)", message, resp.StatusCode)
		genErr.RetryAfter = parseRetryAfter(resp.Header.Get("Retry-After"))
	}
	return genErr
}

// parseRetryAfter accepts delay-seconds or an HTTP date
func parseRetryAfter(value string) time.Duration {
	if value == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(value); err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second
	}
	if t, err := http.ParseTime(value); err == nil {
		return max(time.Until(t), 0)
	}
	return 0
}

// NewErrorInfo builds the structured error record for err
func NewErrorInfo(err error, errType, userMessage string) *ErrorInfo {
	return &ErrorInfo{
		Message:     err.Error(),
		Type:        errType,
		UserMessage: userMessage,
		Timestamp:   time.Now(),
	}
}

// ClassifyError maps a generation error onto an ErrorInfo type
func ClassifyError(err error) string {
	var genErr *GenerationError
	switch {
	case errors.Is(err, ErrTimeout):
		return ErrorTypeTimeout
	case errors.Is(err, ErrUnparseableResponse):
		return ErrorTypeProtocol
	case errors.As(err, &genErr):
		switch {
		case genErr.StatusCode == http.StatusUnauthorized || genErr.StatusCode == http.StatusForbidden:
			return ErrorTypeAuth
		case genErr.StatusCode >= 500:
			return ErrorTypeServer
		}
		return ErrorTypeGeneration
	}
	return ErrorTypeGeneration
}
