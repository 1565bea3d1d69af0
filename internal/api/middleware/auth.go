package middleware

import (
	"net/http"
	"strings"

	"github.com/SafeMPC/threshold-coordinator/internal/api/httperrors"
	"github.com/SafeMPC/threshold-coordinator/internal/auth"
	"github.com/SafeMPC/threshold-coordinator/internal/types"
	"github.com/labstack/echo/v4"
)

const claimsContextKey = "claims"

// Auth validates the Bearer token and stores the parsed claims on the echo
// context. All signing endpoints sit behind this middleware.
func Auth(manager *auth.JWTManager) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			header := c.Request().Header.Get(echo.HeaderAuthorization)
			if !strings.HasPrefix(header, "Bearer ") {
				return httperrors.NewHTTPError(http.StatusUnauthorized, types.PublicHTTPErrorTypeGeneric, "Missing bearer token.")
			}

			claims, err := manager.Validate(strings.TrimPrefix(header, "Bearer "))
			if err != nil {
				return httperrors.NewHTTPError(http.StatusUnauthorized, types.PublicHTTPErrorTypeGeneric, "Invalid or expired token.")
			}

			c.Set(claimsContextKey, claims)
			return next(c)
		}
	}
}

// ClaimsFromContext returns the claims attached by Auth, or nil.
func ClaimsFromContext(c echo.Context) *auth.ParticipantClaims {
	claims, _ := c.Get(claimsContextKey).(*auth.ParticipantClaims)
	return claims
}
