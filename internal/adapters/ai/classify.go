package ai

import (
	"context"
	stderrors "errors"
	"fmt"
	"net"
	"net/http"

	"github.com/municipio-digital/actas-engine/pkg/errors"
)

// classifyStatus maps a non-2xx backend status into the shared error
// taxonomy. The body tail is carried in the message for operator visibility.
func classifyStatus(kind string, status int, bodyTail string) *errors.AppError {
	msg := fmt.Sprintf("%s request failed with status %d", kind, status)
	if bodyTail != "" {
		msg = fmt.Sprintf("%s: %s", msg, bodyTail)
	}
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return errors.New(errors.ErrorTypeAuth, msg)
	case status == http.StatusTooManyRequests:
		return errors.New(errors.ErrorTypeRateLimited, msg)
	case status == http.StatusNotFound || status == http.StatusBadRequest || status == http.StatusUnprocessableEntity:
		return errors.New(errors.ErrorTypeBadRequest, msg)
	case status >= 500:
		return errors.New(errors.ErrorTypeServer, msg)
	default:
		return errors.New(errors.ErrorTypeServer, msg)
	}
}

// classifyTransport maps a transport-level failure (request never produced a
// status) into the taxonomy.
func classifyTransport(kind string, err error) *errors.AppError {
	switch {
	case stderrors.Is(err, context.DeadlineExceeded):
		return errors.Wrap(errors.ErrorTypeTimeout, fmt.Sprintf("%s request timed out", kind), err)
	case stderrors.Is(err, context.Canceled):
		return errors.Wrap(errors.ErrorTypeCancelled, fmt.Sprintf("%s request cancelled", kind), err)
	}
	var netErr net.Error
	if stderrors.As(err, &netErr) && netErr.Timeout() {
		return errors.Wrap(errors.ErrorTypeTimeout, fmt.Sprintf("%s request timed out", kind), err)
	}
	return errors.Wrap(errors.ErrorTypeNetwork, fmt.Sprintf("%s request failed", kind), err)
}

func tail(b []byte, max int) string {
	s := string(b)
	if len(s) <= max {
		return s
	}
	return s[len(s)-max:]
}
