// Package httpx provides HTTP response utilities.
package httpx

import (
	"errors"
	"net/http"
)

// Sentinel errors for domain layer.
var (
	ErrNotFound   = errors.New("resource not found")
	ErrDuplicate  = errors.New("duplicate entry")
	ErrValidation = errors.New("validation failed")
)

// Classifier maps a domain error to a status and title. ok reports whether
// the classifier recognised err.
type Classifier func(err error) (status int, title string, ok bool)

// RespondError maps errors to HTTP responses using RFC7807. Classifiers are
// consulted in order before the shared sentinels.
func RespondError(w http.ResponseWriter, err error, classifiers ...Classifier) {
	for _, classify := range classifiers {
		if status, title, ok := classify(err); ok {
			detail := err.Error()
			if status >= http.StatusInternalServerError {
				detail = ""
			}
			Problem(w, status, title, detail)
			return
		}
	}
	switch {
	case errors.Is(err, ErrNotFound):
		Problem(w, http.StatusNotFound, "Not Found", err.Error())
	case errors.Is(err, ErrDuplicate):
		Problem(w, http.StatusConflict, "Duplicate", err.Error())
	case errors.Is(err, ErrValidation):
		Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
	default:
		Problem(w, http.StatusInternalServerError, "Internal Error", "")
	}
}
