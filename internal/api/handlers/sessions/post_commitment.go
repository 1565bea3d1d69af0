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

func PostCommitmentRoute(s *api.Server) *echo.Route {
	return s.Router.APIV1Signing.POST("/:session_id/commitments", postCommitmentHandler(s))
}

func postCommitmentHandler(s *api.Server) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx := c.Request().Context()
		log := util.LogFromContext(ctx)

		sessionID := c.Param("session_id")

		var body types.PostCommitmentPayload
		if err := c.Bind(&body); err != nil {
			return httperrors.NewHTTPError(http.StatusBadRequest, types.PublicHTTPErrorTypeGeneric, "Malformed request body.")
		}
		if body.Commitment == "" {
			return httperrors.NewHTTPError(http.StatusBadRequest, types.PublicHTTPErrorTypeGeneric, "commitment is required.")
		}

		commitment, err := decodeHexField(c, body.Commitment, "commitment")
		if err != nil {
			return err
		}

		participantID := actorID(middleware.ClaimsFromContext(c), body.ParticipantID)
		late, err := s.Coordinator.SubmitNonceCommitment(ctx, sessionID, participantID, commitment)
		if err != nil {
			log.Info().Err(err).
				Str("session_id", sessionID).
				Str("participant_id", participantID).
				Msg("Nonce commitment rejected")
			return mapDomainError(err)
		}

		sess, err := s.Sessions.Get(ctx, sessionID)
		if err != nil {
			return mapDomainError(err)
		}

		return c.JSON(http.StatusCreated, &types.PostCommitmentResponse{
			SessionID: sessionID,
			State:     sess.State,
			Late:      late,
		})
	}
}
