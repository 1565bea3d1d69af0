package sessions

import (
	"net/http"

	"github.com/SafeMPC/threshold-coordinator/internal/api"
	"github.com/SafeMPC/threshold-coordinator/internal/api/httperrors"
	"github.com/SafeMPC/threshold-coordinator/internal/api/middleware"
	"github.com/SafeMPC/threshold-coordinator/internal/auth"
	"github.com/SafeMPC/threshold-coordinator/internal/types"
	"github.com/SafeMPC/threshold-coordinator/internal/util"
	"github.com/labstack/echo/v4"
)

func PostCancelSessionRoute(s *api.Server) *echo.Route {
	return s.Router.APIV1Signing.POST("/:session_id/cancel", postCancelSessionHandler(s))
}

func postCancelSessionHandler(s *api.Server) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx := c.Request().Context()
		log := util.LogFromContext(ctx)

		claims := middleware.ClaimsFromContext(c)
		if claims == nil || claims.Role != auth.RoleAdmin {
			return httperrors.NewHTTPError(http.StatusForbidden, types.PublicHTTPErrorTypeGeneric, "Only admins can cancel sessions.")
		}

		sessionID := c.Param("session_id")

		var body types.PostCancelSessionPayload
		if err := c.Bind(&body); err != nil {
			return httperrors.NewHTTPError(http.StatusBadRequest, types.PublicHTTPErrorTypeGeneric, "Malformed request body.")
		}

		if err := s.Coordinator.AbortSession(ctx, sessionID, body.Reason); err != nil {
			log.Info().Err(err).Str("session_id", sessionID).Msg("Failed to cancel session")
			return mapDomainError(err)
		}

		response := map[string]interface{}{
			"session_id": sessionID,
			"status":     "cancelled",
		}

		return c.JSON(http.StatusOK, response)
	}
}
