package middleware

import (
	"net/http"

	"github.com/SafeMPC/threshold-coordinator/internal/api/httperrors"
	"github.com/SafeMPC/threshold-coordinator/internal/types"
	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

type HTTPErrorHandlerConfig struct {
	HideInternalServerErrorDetails bool
}

// HTTPErrorHandlerWithConfig renders every error as the public JSON error
// envelope. Internal details are logged but never exposed when
// HideInternalServerErrorDetails is set.
func HTTPErrorHandlerWithConfig(config HTTPErrorHandlerConfig) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}

		var payload types.PublicHTTPError

		var httpError *httperrors.HTTPError
		var echoError *echo.HTTPError
		switch {
		case errors.As(err, &httpError):
			payload = httpError.PublicHTTPError
			if httpError.Internal != nil {
				log.Debug().Err(httpError.Internal).Int("code", payload.Code).Msg("Internal error behind HTTP error")
			}
		case errors.As(err, &echoError):
			payload = types.PublicHTTPError{
				Code:  echoError.Code,
				Type:  types.PublicHTTPErrorTypeGeneric,
				Title: http.StatusText(echoError.Code),
			}
			if msg, ok := echoError.Message.(string); ok && !config.HideInternalServerErrorDetails {
				payload.Detail = msg
			}
		default:
			payload = types.PublicHTTPError{
				Code:  http.StatusInternalServerError,
				Type:  types.PublicHTTPErrorTypeGeneric,
				Title: http.StatusText(http.StatusInternalServerError),
			}
			if !config.HideInternalServerErrorDetails {
				payload.Detail = err.Error()
			}
			log.Error().Err(err).Msg("Unhandled error in request")
		}

		if jsonErr := c.JSON(payload.Code, payload); jsonErr != nil {
			log.Error().Err(jsonErr).Msg("Failed to write error response")
		}
	}
}
