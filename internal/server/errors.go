package server

import (
	"context"
	"errors"
	"net/http"

	"github.com/utkarshayachit/simplified-batch/internal/admission"
	"github.com/utkarshayachit/simplified-batch/internal/ports"
	"github.com/utkarshayachit/simplified-batch/internal/proxy"
	"github.com/utkarshayachit/simplified-batch/internal/session"
)

var (
	// ErrDuplicateSubmit rejects a submit whose token already owns a live session.
	ErrDuplicateSubmit = errors.New("a session is already active for this token")
	ErrUnauthorized    = errors.New("missing or invalid api key")
	ErrNoCatalog       = errors.New("dataset listing is not configured")
)

// statusFor maps an error onto the HTTP status returned to API clients.
func statusFor(err error) int {
	var (
		violation *admission.Violation
		remote    *session.RemoteError
	)
	switch {
	case errors.As(err, &violation):
		return http.StatusForbidden
	case errors.Is(err, ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, ErrDuplicateSubmit):
		return http.StatusConflict
	case errors.Is(err, session.ErrUnknownSession):
		return http.StatusNotFound
	case errors.Is(err, session.ErrTooManySessions):
		return http.StatusTooManyRequests
	case errors.Is(err, ports.ErrPoolExhausted), errors.Is(err, ErrNoCatalog):
		return http.StatusServiceUnavailable
	case errors.Is(err, session.ErrNodeAssignmentTimeout),
		errors.Is(err, session.ErrServerReadyTimeout),
		errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.As(err, &remote), errors.Is(err, proxy.ErrUpstream):
		return http.StatusBadGateway
	case errors.Is(err, proxy.ErrRouteNotAllowed):
		return http.StatusForbidden
	}
	return http.StatusBadRequest
}
