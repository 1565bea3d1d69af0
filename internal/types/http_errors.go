package types

// PublicHTTPErrorType is the stable, machine-readable error code exposed to
// API consumers. Internal error details (raw scalars, commitment bytes) must
// never leak into these payloads.
type PublicHTTPErrorType string

const (
	PublicHTTPErrorTypeGeneric                   PublicHTTPErrorType = "GENERIC"
	PublicHTTPErrorTypeInvalidThreshold          PublicHTTPErrorType = "INVALID_THRESHOLD"
	PublicHTTPErrorTypeDuplicateMessage          PublicHTTPErrorType = "DUPLICATE_MESSAGE"
	PublicHTTPErrorTypeInvalidStateTransition    PublicHTTPErrorType = "INVALID_STATE_TRANSITION"
	PublicHTTPErrorTypeSessionNotFound           PublicHTTPErrorType = "SESSION_NOT_FOUND"
	PublicHTTPErrorTypeSessionExpired            PublicHTTPErrorType = "SESSION_EXPIRED"
	PublicHTTPErrorTypeNonceReuseDetected        PublicHTTPErrorType = "NONCE_REUSE_DETECTED"
	PublicHTTPErrorTypeNonceAlreadyUsed          PublicHTTPErrorType = "NONCE_ALREADY_USED"
	PublicHTTPErrorTypeCommitmentAlreadyRecorded PublicHTTPErrorType = "COMMITMENT_ALREADY_RECORDED"
	PublicHTTPErrorTypeNotActiveSigner           PublicHTTPErrorType = "NOT_ACTIVE_SIGNER"
	PublicHTTPErrorTypeAggregationFailed         PublicHTTPErrorType = "AGGREGATION_VERIFICATION_FAILED"
	PublicHTTPErrorTypeMfaGateBlocked            PublicHTTPErrorType = "MFA_GATE_BLOCKED"
	PublicHTTPErrorTypeMfaGatePending            PublicHTTPErrorType = "MFA_GATE_PENDING"
	PublicHTTPErrorTypeApproverLockedOut         PublicHTTPErrorType = "APPROVER_LOCKED_OUT"
	PublicHTTPErrorTypeNotParticipant            PublicHTTPErrorType = "NOT_PARTICIPANT"
	PublicHTTPErrorTypeStorageUnavailable        PublicHTTPErrorType = "STORAGE_UNAVAILABLE"
)

// PublicHTTPError is the JSON error envelope returned by all handlers.
type PublicHTTPError struct {
	Code   int                 `json:"code"`
	Type   PublicHTTPErrorType `json:"type"`
	Title  string              `json:"title"`
	Detail string              `json:"detail,omitempty"`
}
