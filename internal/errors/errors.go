package errors

import (
	stderrors "errors"
	"fmt"
	"strings"
)

// ErrorCode represents a tidings error code.
type ErrorCode string

const (
	ErrInvalidRequest   ErrorCode = "INVALID_REQUEST"   // 400
	ErrNotFound         ErrorCode = "NOT_FOUND"         // 404
	ErrUnknownCategory  ErrorCode = "UNKNOWN_CATEGORY"  // 404
	ErrDuplicateKey     ErrorCode = "DUPLICATE_KEY"     // 409
	ErrInternal         ErrorCode = "INTERNAL"          // 500
	ErrStoreUnavailable ErrorCode = "STORE_UNAVAILABLE" // 503
)

// TidingsError represents a structured error with code, status, and details.
type TidingsError struct {
	Code    ErrorCode
	Status  int
	Message string
	Details map[string]any

	// Err is the underlying cause, if any. It is never exposed to MCP clients.
	Err error
}

// Error implements the error interface. The cause is appended for logs;
// clients get Message only.
func (e *TidingsError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *TidingsError) Unwrap() error {
	return e.Err
}

// NewInvalidRequest creates a 400 error for invalid request parameters.
func NewInvalidRequest(msg string) *TidingsError {
	return &TidingsError{
		Code:    ErrInvalidRequest,
		Status:  400,
		Message: msg,
	}
}

// NewNotFound creates a 404 error for a record that does not exist in a category.
func NewNotFound(category, id string) *TidingsError {
	return &TidingsError{
		Code:    ErrNotFound,
		Status:  404,
		Message: fmt.Sprintf("record %q not found in category %q", id, category),
		Details: map[string]any{"category": category, "id": id},
	}
}

// NewUnknownCategory creates a 404 error for a category without a registered policy.
func NewUnknownCategory(category string) *TidingsError {
	return &TidingsError{
		Code:    ErrUnknownCategory,
		Status:  404,
		Message: fmt.Sprintf("no policy registered for category %q", category),
		Details: map[string]any{"category": category},
	}
}

// NewDuplicateKey creates a 409 error when an insert targets an id that already exists.
func NewDuplicateKey(category, id string) *TidingsError {
	return &TidingsError{
		Code:    ErrDuplicateKey,
		Status:  409,
		Message: fmt.Sprintf("record %q already exists in category %q", id, category),
		Details: map[string]any{"category": category, "id": id},
	}
}

// NewStoreUnavailable creates a 503 error for record store infrastructure failures.
// The driver error stays in Err so addresses and SQL never reach clients.
func NewStoreUnavailable(err error) *TidingsError {
	return &TidingsError{
		Code:    ErrStoreUnavailable,
		Status:  503,
		Message: "record store unavailable",
		Err:     err,
	}
}

// NewInternal creates a 500 error for unexpected internal errors.
// The message stays generic; the cause is kept in Details for logging.
func NewInternal(err error) *TidingsError {
	details := map[string]any{}
	if err != nil {
		details["internal_error"] = err.Error()
	}
	return &TidingsError{
		Code:    ErrInternal,
		Status:  500,
		Message: "an internal error occurred",
		Details: details,
		Err:     err,
	}
}

// Is checks if err is, wraps, or aggregates a *TidingsError with the given code.
func Is(err error, code ErrorCode) bool {
	if err == nil {
		return false
	}
	if tErr, ok := err.(*TidingsError); ok && tErr.Code == code {
		return true
	}
	switch x := err.(type) {
	case interface{ Unwrap() []error }:
		for _, inner := range x.Unwrap() {
			if Is(inner, code) {
				return true
			}
		}
		return false
	case interface{ Unwrap() error }:
		return Is(x.Unwrap(), code)
	}
	return false
}

// As returns the first *TidingsError found in err's tree.
func As(err error) (*TidingsError, bool) {
	var tErr *TidingsError
	if stderrors.As(err, &tErr) {
		return tErr, true
	}
	return nil, false
}

// Message returns the client-facing message of err: the structured message with
// any wrapping context kept in front of it. Aggregates and plain errors fall
// back to err.Error().
func Message(err error) string {
	tErr, ok := As(err)
	if !ok {
		return err.Error()
	}
	if err == error(tErr) {
		return tErr.Message
	}
	if prefix, found := strings.CutSuffix(err.Error(), tErr.Error()); found {
		return prefix + tErr.Message
	}
	return err.Error()
}
