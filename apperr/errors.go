// Package apperr buckets errors into the categories shown to API callers and
// provides the retry helper used for transient failures.
package apperr

import (
	"errors"
	"net/http"
)

// Category is the coarse error bucket exposed to clients.
type Category string

const (
	Network    Category = "network"
	Auth       Category = "auth"
	Validation Category = "validation"
	NotFound   Category = "not_found"
	Permission Category = "permission"
	Conflict   Category = "conflict"
	Server     Category = "server"
)

// Error carries a category alongside a message that is safe to show callers.
// Packages declare their sentinels with New so errors.Is keeps working.
type Error struct {
	Category Category
	Msg      string
	Err      error
	// Transient marks errors worth retrying regardless of category.
	Transient bool
}

// New returns a categorized sentinel.
func New(category Category, msg string) *Error {
	return &Error{Category: category, Msg: msg}
}

// NewTransient returns a categorized sentinel that Classify reports as
// retryable, such as lock contention.
func NewTransient(category Category, msg string) *Error {
	return &Error{Category: category, Msg: msg, Transient: true}
}

// Wrap categorizes err under msg.
func Wrap(category Category, msg string, err error) *Error {
	return &Error{Category: category, Msg: msg, Err: err}
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Msg + ": " + e.Err.Error()
	}
	return e.Msg
}

func (e *Error) Unwrap() error { return e.Err }

// Validationf is shorthand for an ad hoc validation failure.
func Validationf(msg string) *Error { return New(Validation, msg) }

// CategoryOf returns the category of the first *Error in err's chain.
func CategoryOf(err error) (Category, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Category, true
	}
	return "", false
}

var labels = map[Category]string{
	Network:    "Network problem. Check your connection and try again.",
	Auth:       "Your session has expired. Please sign in again.",
	Validation: "Some of the information provided is invalid.",
	NotFound:   "The requested item could not be found.",
	Permission: "You do not have permission to perform this action.",
	Conflict:   "This item was changed by someone else. Refresh and try again.",
	Server:     "Something went wrong on our side. Please try again.",
}

// Label is the user-facing message for a category.
func Label(c Category) string {
	if l, ok := labels[c]; ok {
		return l
	}
	return labels[Server]
}

// HTTPStatus maps a category to a response status code.
func HTTPStatus(c Category) int {
	switch c {
	case Network:
		return http.StatusServiceUnavailable
	case Auth:
		return http.StatusUnauthorized
	case Validation:
		return http.StatusBadRequest
	case NotFound:
		return http.StatusNotFound
	case Permission:
		return http.StatusForbidden
	case Conflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
