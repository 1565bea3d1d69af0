package sessions

import (
	"net/http"
	"time"

	"github.com/SafeMPC/threshold-coordinator/internal/api"
	"github.com/SafeMPC/threshold-coordinator/internal/api/httperrors"
	"github.com/SafeMPC/threshold-coordinator/internal/infra/coordinator"
	"github.com/SafeMPC/threshold-coordinator/internal/types"
	"github.com/SafeMPC/threshold-coordinator/internal/util"
	"github.com/labstack/echo/v4"
)

func PostCreateSessionRoute(s *api.Server) *echo.Route {
	return s.Router.APIV1Signing.POST("", postCreateSessionHandler(s))
}

func postCreateSessionHandler(s *api.Server) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx := c.Request().Context()
		log := util.LogFromContext(ctx)

		var body types.PostCreateSessionPayload
		if err := c.Bind(&body); err != nil {
			return httperrors.NewHTTPError(http.StatusBadRequest, types.PublicHTTPErrorTypeGeneric, "Malformed request body.")
		}
		if body.GroupID == "" || body.MessageHash == "" || len(body.Participants) == 0 {
			return httperrors.NewHTTPError(http.StatusBadRequest, types.PublicHTTPErrorTypeGeneric, "group_id, message_hash and participants are required.")
		}
		if err := requireGroupAccess(c, body.GroupID); err != nil {
			return err
		}

		messageHash, err := decodeHexField(c, body.MessageHash, "message_hash")
		if err != nil {
			return err
		}

		ttl := s.Config.Signing.SessionTTL
		if body.TTLSeconds > 0 {
			ttl = time.Duration(body.TTLSeconds) * time.Second
		}

		sess, err := s.Coordinator.CreateSession(ctx, coordinator.CreateSessionParams{
			GroupID:      body.GroupID,
			MessageHash:  messageHash,
			Participants: body.Participants,
			Threshold:    body.Threshold,
			Amount:       body.Amount,
			Deadline:     s.Clock.Now().Add(ttl),
		})
		if err != nil {
			log.Info().Err(err).Str("group_id", body.GroupID).Msg("Failed to create signing session")
			return mapDomainError(err)
		}

		status, err := s.Coordinator.GetSessionStatus(ctx, sess.SessionID)
		if err != nil {
			return mapDomainError(err)
		}

		return c.JSON(http.StatusCreated, sessionResponse(status))
	}
}
