package sessions

import (
	"encoding/hex"
	"net/http"

	"github.com/SafeMPC/threshold-coordinator/internal/api"
	"github.com/SafeMPC/threshold-coordinator/internal/infra/coordinator"
	"github.com/SafeMPC/threshold-coordinator/internal/types"
	"github.com/SafeMPC/threshold-coordinator/internal/util"
	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"
)

func PostFinalizeRoute(s *api.Server) *echo.Route {
	return s.Router.APIV1Signing.POST("/:session_id/finalize", postFinalizeHandler(s))
}

// postFinalizeHandler retries finalization of an aggregating session, which
// normally happens automatically. The only case needing an explicit call is a
// session parked on pending hardware approvals after an event was missed.
func postFinalizeHandler(s *api.Server) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx := c.Request().Context()
		log := util.LogFromContext(ctx)

		sessionID := c.Param("session_id")

		sig, err := s.Coordinator.Finalize(ctx, sessionID)
		if err != nil {
			if errors.Is(err, coordinator.ErrMfaPending) {
				sess, gerr := s.Sessions.Get(ctx, sessionID)
				if gerr != nil {
					return mapDomainError(gerr)
				}
				return c.JSON(http.StatusAccepted, &types.FinalizeResponse{
					SessionID: sessionID,
					State:     sess.State,
				})
			}
			log.Info().Err(err).Str("session_id", sessionID).Msg("Finalize failed")
			return mapDomainError(err)
		}

		sess, err := s.Sessions.Get(ctx, sessionID)
		if err != nil {
			return mapDomainError(err)
		}

		return c.JSON(http.StatusOK, &types.FinalizeResponse{
			SessionID: sessionID,
			State:     sess.State,
			Signature: hex.EncodeToString(sig.Bytes()),
		})
	}
}
