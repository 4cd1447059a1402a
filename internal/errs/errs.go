// Package errs provides structured, coded errors for tabsync.
// Most synchronization failures self-correct on the next cycle and are never
// surfaced; the errors here cover the few conditions callers must decide on,
// such as a contended lock or an operation the active wallet cannot perform.
package errs

import "fmt"

// Category represents the subsystem an error belongs to.
type Category string

const (
	CategoryStorage   Category = "storage"
	CategoryHeartbeat Category = "heartbeat"
	CategoryConnector Category = "connector"
	CategoryWallet    Category = "wallet"
	CategoryConfig    Category = "config"
)

// Error is a structured error with a stable code and optional suggestion.
type Error struct {
	// Code is a unique error identifier (e.g., "T001").
	Code string

	// Category is the subsystem the error belongs to.
	Category Category

	// Message is a short description of the error.
	Message string

	// Suggestion is a hint on how to resolve the error.
	Suggestion string

	// Wrapped is the underlying error, if any.
	Wrapped error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return e.Message
}

// Unwrap returns the wrapped error for errors.Is/As support.
func (e *Error) Unwrap() error {
	return e.Wrapped
}

// Is reports whether target is an *Error with the same code.
// This lets sentinel instances of coded errors match wrapped copies.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

// New creates a coded error.
func New(code string, category Category, message string) *Error {
	return &Error{Code: code, Category: category, Message: message}
}

// Newf creates a coded error with a formatted message.
func Newf(code string, category Category, format string, args ...any) *Error {
	return &Error{Code: code, Category: category, Message: fmt.Sprintf(format, args...)}
}

// Wrap annotates err with a code and message.
func Wrap(err error, code string, category Category, message string) *Error {
	return &Error{Code: code, Category: category, Message: message, Wrapped: err}
}

// WithSuggestion attaches a resolution hint and returns the error.
func (e *Error) WithSuggestion(s string) *Error {
	e.Suggestion = s
	return e
}
