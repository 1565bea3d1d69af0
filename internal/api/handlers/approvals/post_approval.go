package approvals

import (
	"encoding/hex"
	"net/http"

	"github.com/SafeMPC/threshold-coordinator/internal/api"
	"github.com/SafeMPC/threshold-coordinator/internal/api/httperrors"
	"github.com/SafeMPC/threshold-coordinator/internal/api/middleware"
	"github.com/SafeMPC/threshold-coordinator/internal/auth"
	"github.com/SafeMPC/threshold-coordinator/internal/infra/mfa"
	"github.com/SafeMPC/threshold-coordinator/internal/infra/storage"
	"github.com/SafeMPC/threshold-coordinator/internal/types"
	"github.com/SafeMPC/threshold-coordinator/internal/util"
	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"
)

func PostApprovalRoute(s *api.Server) *echo.Route {
	return s.Router.APIV1Approval.POST("/:session_id", postApprovalHandler(s))
}

// postApprovalHandler receives hardware approval responses. The approver id
// comes from the token subject unless an admin submits on behalf of a device
// gateway.
func postApprovalHandler(s *api.Server) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx := c.Request().Context()
		log := util.LogFromContext(ctx)

		sessionID := c.Param("session_id")

		var body types.PostApprovalPayload
		if err := c.Bind(&body); err != nil {
			return httperrors.NewHTTPError(http.StatusBadRequest, types.PublicHTTPErrorTypeGeneric, "Malformed request body.")
		}
		if body.PublicKey == "" || body.Signature == "" || body.ApprovedAt.IsZero() {
			return httperrors.NewHTTPError(http.StatusBadRequest, types.PublicHTTPErrorTypeGeneric, "public_key, signature and approved_at are required.")
		}

		pubKey, err := hex.DecodeString(body.PublicKey)
		if err != nil {
			return httperrors.NewHTTPError(http.StatusBadRequest, types.PublicHTTPErrorTypeGeneric, "public_key must be hex encoded.")
		}
		sig, err := hex.DecodeString(body.Signature)
		if err != nil {
			return httperrors.NewHTTPError(http.StatusBadRequest, types.PublicHTTPErrorTypeGeneric, "signature must be hex encoded.")
		}

		claims := middleware.ClaimsFromContext(c)
		approverID := body.ApproverID
		if claims != nil && claims.Role != auth.RoleAdmin {
			approverID = claims.Subject
		}

		approve := true
		switch body.Decision {
		case "", "approve":
		case "reject":
			approve = false
		default:
			return httperrors.NewHTTPError(http.StatusBadRequest, types.PublicHTTPErrorTypeGeneric, "decision must be approve or reject.")
		}

		if err := s.Coordinator.SubmitHardwareApproval(ctx, sessionID, approverID, pubKey, sig, body.ApprovedAt, approve); err != nil {
			log.Info().Err(err).
				Str("session_id", sessionID).
				Str("approver_id", approverID).
				Msg("Hardware approval rejected")
			return mapApprovalError(err)
		}

		status := "accepted"
		if !approve {
			status = "rejected"
		}
		return c.JSON(http.StatusOK, map[string]interface{}{
			"session_id":  sessionID,
			"approver_id": approverID,
			"status":      status,
		})
	}
}

func mapApprovalError(err error) error {
	switch {
	case errors.Is(err, storage.ErrSessionNotFound):
		return httperrors.ErrNotFoundSession
	case errors.Is(err, mfa.ErrApproverLockedOut):
		return httperrors.NewHTTPError(http.StatusTooManyRequests, types.PublicHTTPErrorTypeApproverLockedOut, "Approver is locked out after repeated failures.")
	case errors.Is(err, mfa.ErrApprovalExpired):
		return httperrors.NewHTTPError(http.StatusBadRequest, types.PublicHTTPErrorTypeGeneric, "Approval timestamp outside the acceptance window.")
	case errors.Is(err, mfa.ErrApprovalInvalid):
		return httperrors.NewHTTPError(http.StatusBadRequest, types.PublicHTTPErrorTypeGeneric, "Approval signature verification failed.")
	case errors.Is(err, mfa.ErrApproverNotAllowed):
		return httperrors.NewHTTPError(http.StatusForbidden, types.PublicHTTPErrorTypeGeneric, "Approver is not in the policy approver set.")
	default:
		return err
	}
}
