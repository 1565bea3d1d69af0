package httperrors

import (
	"fmt"
	"net/http"

	"github.com/SafeMPC/threshold-coordinator/internal/types"
)

// HTTPError carries the public error envelope and implements error so
// handlers can return it directly to echo's error handler.
type HTTPError struct {
	types.PublicHTTPError
	Internal error
}

func (e *HTTPError) Error() string {
	if e.Internal != nil {
		return fmt.Sprintf("HTTPError %d (%s): %s (internal: %v)", e.Code, e.Type, e.Title, e.Internal)
	}
	return fmt.Sprintf("HTTPError %d (%s): %s", e.Code, e.Type, e.Title)
}

func NewHTTPError(code int, errorType types.PublicHTTPErrorType, title string) *HTTPError {
	return &HTTPError{
		PublicHTTPError: types.PublicHTTPError{
			Code:  code,
			Type:  errorType,
			Title: title,
		},
	}
}

func NewHTTPErrorWithDetail(code int, errorType types.PublicHTTPErrorType, title, detail string) *HTTPError {
	return &HTTPError{
		PublicHTTPError: types.PublicHTTPError{
			Code:   code,
			Type:   errorType,
			Title:  title,
			Detail: detail,
		},
	}
}

var (
	ErrNotFoundSession    = NewHTTPError(http.StatusNotFound, types.PublicHTTPErrorTypeSessionNotFound, "Session not found.")
	ErrConflictDuplicate  = NewHTTPError(http.StatusConflict, types.PublicHTTPErrorTypeDuplicateMessage, "An active session already exists for this group and message.")
	ErrForbiddenMfa       = NewHTTPError(http.StatusForbidden, types.PublicHTTPErrorTypeMfaGateBlocked, "Hardware approval gate blocked the session.")
	ErrConflictNonceReuse = NewHTTPError(http.StatusConflict, types.PublicHTTPErrorTypeNonceReuseDetected, "Nonce commitment value was already used.")
)
