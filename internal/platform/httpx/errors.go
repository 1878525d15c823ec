// Package httpx writes JSON and RFC7807 problem responses and maps domain
// errors onto status codes.
package httpx

import (
	"context"
	"errors"
	"net/http"

	"github.com/tutorly/tutorly/internal/shared"
)

// Aliases of the shared sentinels so handlers need only one import.
var (
	ErrNotFound     = shared.ErrNotFound
	ErrConflict     = shared.ErrConflict
	ErrValidation   = shared.ErrValidation
	ErrForbidden    = shared.ErrForbidden
	ErrUnauthorized = shared.ErrUnauthenticated
)

type errorMapping struct {
	target error
	status int
	title  string
	// hide keeps the error text out of the response body.
	hide bool
}

// Checked in order; the first match wins.
var errorMappings = []errorMapping{
	{target: ErrNotFound, status: http.StatusNotFound, title: "Not Found"},
	{target: ErrConflict, status: http.StatusConflict, title: "Conflict"},
	{target: ErrValidation, status: http.StatusBadRequest, title: "Validation Failed"},
	{target: ErrForbidden, status: http.StatusForbidden, title: "Forbidden"},
	{target: ErrUnauthorized, status: http.StatusUnauthorized, title: "Unauthorized"},
	{target: context.DeadlineExceeded, status: http.StatusGatewayTimeout, title: "Timeout", hide: true},
}

// StatusFor returns the status RespondError would use for err.
func StatusFor(err error) int {
	if m, ok := lookup(err); ok {
		return m.status
	}
	return http.StatusInternalServerError
}

// RespondError writes err as a problem response. Unmapped errors become a 500
// with no detail.
func RespondError(w http.ResponseWriter, err error) {
	m, ok := lookup(err)
	if !ok {
		Problem(w, http.StatusInternalServerError, "Internal Error", "")
		return
	}
	detail := err.Error()
	if m.hide {
		detail = ""
	}
	Problem(w, m.status, m.title, detail)
}

func lookup(err error) (errorMapping, bool) {
	if err == nil {
		return errorMapping{}, false
	}
	for _, m := range errorMappings {
		if errors.Is(err, m.target) {
			return m, true
		}
	}
	return errorMapping{}, false
}
