package sessions

import (
	"net/http"

	"github.com/SafeMPC/threshold-coordinator/internal/api"
	"github.com/SafeMPC/threshold-coordinator/internal/api/httperrors"
	"github.com/SafeMPC/threshold-coordinator/internal/api/middleware"
	"github.com/SafeMPC/threshold-coordinator/internal/types"
	"github.com/SafeMPC/threshold-coordinator/internal/util"
	"github.com/labstack/echo/v4"
)

func PostPartialSignatureRoute(s *api.Server) *echo.Route {
	return s.Router.APIV1Signing.POST("/:session_id/partial-signatures", postPartialSignatureHandler(s))
}

func postPartialSignatureHandler(s *api.Server) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx := c.Request().Context()
		log := util.LogFromContext(ctx)

		sessionID := c.Param("session_id")

		var body types.PostPartialSignaturePayload
		if err := c.Bind(&body); err != nil {
			return httperrors.NewHTTPError(http.StatusBadRequest, types.PublicHTTPErrorTypeGeneric, "Malformed request body.")
		}
		if body.Partial == "" {
			return httperrors.NewHTTPError(http.StatusBadRequest, types.PublicHTTPErrorTypeGeneric, "partial is required.")
		}

		partial, err := decodeHexField(c, body.Partial, "partial")
		if err != nil {
			return err
		}

		participantID := actorID(middleware.ClaimsFromContext(c), body.ParticipantID)
		if err := s.Coordinator.SubmitPartialSignature(ctx, sessionID, participantID, partial); err != nil {
			log.Info().Err(err).
				Str("session_id", sessionID).
				Str("participant_id", participantID).
				Msg("Partial signature rejected")
			return mapDomainError(err)
		}

		sess, err := s.Sessions.Get(ctx, sessionID)
		if err != nil {
			return mapDomainError(err)
		}

		return c.JSON(http.StatusAccepted, &types.PostPartialSignatureResponse{
			SessionID: sessionID,
			State:     sess.State,
		})
	}
}
