package sessions

import (
	"net/http"

	"github.com/SafeMPC/threshold-coordinator/internal/api"
	"github.com/SafeMPC/threshold-coordinator/internal/util"
	"github.com/labstack/echo/v4"
)

func GetSessionRoute(s *api.Server) *echo.Route {
	return s.Router.APIV1Signing.GET("/:session_id", getSessionHandler(s))
}

func getSessionHandler(s *api.Server) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx := c.Request().Context()
		log := util.LogFromContext(ctx)

		sessionID := c.Param("session_id")

		status, err := s.Coordinator.GetSessionStatus(ctx, sessionID)
		if err != nil {
			log.Debug().Err(err).Str("session_id", sessionID).Msg("Failed to get session status")
			return mapDomainError(err)
		}
		if err := requireGroupAccess(c, status.Session.GroupID); err != nil {
			return err
		}

		return c.JSON(http.StatusOK, sessionResponse(status))
	}
}
