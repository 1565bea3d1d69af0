package sessions

import (
	"encoding/hex"
	"net/http"

	"github.com/SafeMPC/threshold-coordinator/internal/api/httperrors"
	"github.com/SafeMPC/threshold-coordinator/internal/api/middleware"
	"github.com/SafeMPC/threshold-coordinator/internal/auth"
	"github.com/SafeMPC/threshold-coordinator/internal/infra/aggregate"
	"github.com/SafeMPC/threshold-coordinator/internal/infra/coordinator"
	"github.com/SafeMPC/threshold-coordinator/internal/infra/identity"
	"github.com/SafeMPC/threshold-coordinator/internal/infra/mfa"
	"github.com/SafeMPC/threshold-coordinator/internal/infra/nonce"
	"github.com/SafeMPC/threshold-coordinator/internal/infra/session"
	"github.com/SafeMPC/threshold-coordinator/internal/infra/storage"
	"github.com/SafeMPC/threshold-coordinator/internal/types"
	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"
)

// mapDomainError converts domain errors into stable public HTTP errors.
// Raw crypto material never appears in the payloads.
func mapDomainError(err error) error {
	switch {
	case errors.Is(err, storage.ErrSessionNotFound):
		return httperrors.ErrNotFoundSession
	case errors.Is(err, session.ErrDuplicateMessage):
		return httperrors.ErrConflictDuplicate
	case errors.Is(err, session.ErrInvalidThreshold):
		return httperrors.NewHTTPError(http.StatusBadRequest, types.PublicHTTPErrorTypeInvalidThreshold, "Threshold must be between 1 and the number of participants.")
	case errors.Is(err, session.ErrInvalidParticipants), errors.Is(err, session.ErrInvalidMessageHash):
		return httperrors.NewHTTPErrorWithDetail(http.StatusBadRequest, types.PublicHTTPErrorTypeGeneric, "Invalid session parameters.", err.Error())
	case errors.Is(err, nonce.ErrNonceReuseDetected):
		return httperrors.ErrConflictNonceReuse
	case errors.Is(err, nonce.ErrAlreadyCommitted):
		return httperrors.NewHTTPError(http.StatusConflict, types.PublicHTTPErrorTypeCommitmentAlreadyRecorded, "A commitment was already recorded for this participant.")
	case errors.Is(err, nonce.ErrNonceAlreadyUsed):
		return httperrors.NewHTTPError(http.StatusConflict, types.PublicHTTPErrorTypeNonceAlreadyUsed, "The nonce commitment was already consumed.")
	case errors.Is(err, nonce.ErrUnknownParticipant):
		return httperrors.NewHTTPError(http.StatusForbidden, types.PublicHTTPErrorTypeNotParticipant, "Caller is not a participant of this session.")
	case errors.Is(err, aggregate.ErrNotActiveSigner):
		return httperrors.NewHTTPError(http.StatusForbidden, types.PublicHTTPErrorTypeNotActiveSigner, "Caller is not in the active signer subset.")
	case errors.Is(err, aggregate.ErrAlreadySubmitted):
		return httperrors.NewHTTPError(http.StatusConflict, types.PublicHTTPErrorTypeGeneric, "A partial signature was already submitted for this participant.")
	case errors.Is(err, aggregate.ErrMissingCommitment):
		return httperrors.NewHTTPError(http.StatusConflict, types.PublicHTTPErrorTypeGeneric, "No nonce commitment recorded for this participant.")
	case errors.Is(err, nonce.ErrWrongPhase), errors.Is(err, aggregate.ErrWrongPhase),
		errors.Is(err, session.ErrInvalidStateTransition), errors.Is(err, session.ErrSessionTerminal),
		errors.Is(err, coordinator.ErrNotFinalized):
		return httperrors.NewHTTPErrorWithDetail(http.StatusConflict, types.PublicHTTPErrorTypeInvalidStateTransition, "The session does not accept this operation in its current state.", err.Error())
	case errors.Is(err, coordinator.ErrFinalizeInProgress):
		return httperrors.NewHTTPError(http.StatusConflict, types.PublicHTTPErrorTypeGeneric, "Finalization is already in progress.")
	case errors.Is(err, coordinator.ErrAggregateInvalid):
		return httperrors.NewHTTPError(http.StatusConflict, types.PublicHTTPErrorTypeAggregationFailed, "Aggregate signature verification failed, session failed.")
	case errors.Is(err, coordinator.ErrMfaBlocked):
		return httperrors.ErrForbiddenMfa
	case errors.Is(err, mfa.ErrApproverLockedOut):
		return httperrors.NewHTTPError(http.StatusTooManyRequests, types.PublicHTTPErrorTypeApproverLockedOut, "Approver is locked out after repeated failures.")
	case errors.Is(err, mfa.ErrApprovalExpired):
		return httperrors.NewHTTPError(http.StatusBadRequest, types.PublicHTTPErrorTypeGeneric, "Approval timestamp outside the acceptance window.")
	case errors.Is(err, mfa.ErrApprovalInvalid):
		return httperrors.NewHTTPError(http.StatusBadRequest, types.PublicHTTPErrorTypeGeneric, "Approval signature verification failed.")
	case errors.Is(err, mfa.ErrApproverNotAllowed):
		return httperrors.NewHTTPError(http.StatusForbidden, types.PublicHTTPErrorTypeGeneric, "Approver is not in the policy approver set.")
	case errors.Is(err, identity.ErrUnknownGroup):
		return httperrors.NewHTTPError(http.StatusBadRequest, types.PublicHTTPErrorTypeGeneric, "Group is not configured.")
	default:
		return err
	}
}

// actorID resolves the acting participant: admin tokens may act on behalf of
// any participant via the body, everyone else acts as their token subject.
func actorID(claims *auth.ParticipantClaims, bodyParticipant string) string {
	if claims == nil {
		return bodyParticipant
	}
	if claims.Role == auth.RoleAdmin && bodyParticipant != "" {
		return bodyParticipant
	}
	return claims.Subject
}

func decodeHexField(c echo.Context, value, field string) ([]byte, error) {
	raw, err := hex.DecodeString(value)
	if err != nil {
		return nil, httperrors.NewHTTPError(http.StatusBadRequest, types.PublicHTTPErrorTypeGeneric, field+" must be hex encoded.")
	}
	return raw, nil
}

func requireGroupAccess(c echo.Context, groupID string) error {
	claims := middleware.ClaimsFromContext(c)
	if claims != nil && !claims.MemberOf(groupID) {
		return httperrors.NewHTTPError(http.StatusForbidden, types.PublicHTTPErrorTypeNotParticipant, "Token does not grant access to this group.")
	}
	return nil
}

func sessionResponse(status *coordinator.Status) *types.SessionResponse {
	sess := status.Session
	resp := &types.SessionResponse{
		SessionID:       sess.SessionID,
		GroupID:         sess.GroupID,
		State:           sess.State,
		Threshold:       sess.Threshold,
		Participants:    sess.Participants,
		ActiveSigners:   sess.ActiveSigners,
		CommitmentCount: status.CommitmentCount,
		PartialCount:    status.PartialCount,
		MfaDecision:     string(status.MfaDecision),
		FailureReason:   sess.FailureReason,
		CreatedAt:       sess.CreatedAt,
		Deadline:        sess.Deadline,
		CompletedAt:     sess.CompletedAt,
	}
	if len(sess.FinalSignature) > 0 {
		resp.FinalSignature = hex.EncodeToString(sess.FinalSignature)
	}
	return resp
}
