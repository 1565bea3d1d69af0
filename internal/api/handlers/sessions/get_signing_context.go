package sessions

import (
	"encoding/hex"
	"net/http"

	"github.com/SafeMPC/threshold-coordinator/internal/api"
	"github.com/SafeMPC/threshold-coordinator/internal/types"
	"github.com/SafeMPC/threshold-coordinator/internal/util"
	"github.com/labstack/echo/v4"
)

func GetSigningContextRoute(s *api.Server) *echo.Route {
	return s.Router.APIV1Signing.GET("/:session_id/signing-context", getSigningContextHandler(s))
}

func getSigningContextHandler(s *api.Server) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx := c.Request().Context()
		log := util.LogFromContext(ctx)

		sessionID := c.Param("session_id")

		status, err := s.Coordinator.GetSessionStatus(ctx, sessionID)
		if err != nil {
			return mapDomainError(err)
		}
		if err := requireGroupAccess(c, status.Session.GroupID); err != nil {
			return err
		}

		signingCtx, err := s.Coordinator.SigningContext(ctx, sessionID)
		if err != nil {
			log.Debug().Err(err).Str("session_id", sessionID).Msg("Failed to build signing context")
			return mapDomainError(err)
		}

		return c.JSON(http.StatusOK, &types.SigningContextResponse{
			SessionID:       sessionID,
			SignerIndices:   signingCtx.SignerIndices,
			GroupCommitment: hex.EncodeToString(signingCtx.GroupCommitment),
			Challenge:       hex.EncodeToString(signingCtx.Challenge),
		})
	}
}
