package types

import "time"

// PostCreateSessionPayload is the request body for opening a signing session.
// Binary fields are hex encoded.
type PostCreateSessionPayload struct {
	GroupID      string   `json:"group_id"`
	MessageHash  string   `json:"message_hash"`
	Participants []string `json:"participants"`
	Threshold    int      `json:"threshold"`
	Amount       uint64   `json:"amount"`
	// TTLSeconds overrides the configured session deadline window when > 0.
	TTLSeconds int `json:"ttl_seconds,omitempty"`
}

type PostCommitmentPayload struct {
	// ParticipantID is only honored for admin tokens; participant tokens
	// always act as their own subject.
	ParticipantID string `json:"participant_id,omitempty"`
	Commitment    string `json:"commitment"`
}

type PostPartialSignaturePayload struct {
	ParticipantID string `json:"participant_id,omitempty"`
	Partial       string `json:"partial"`
}

type PostApprovalPayload struct {
	ApproverID string    `json:"approver_id,omitempty"`
	PublicKey  string    `json:"public_key"`
	Signature  string    `json:"signature"`
	ApprovedAt time.Time `json:"approved_at"`
	// Decision is "approve" (default) or "reject"; an explicit signed
	// rejection can veto the session depending on the group policy.
	Decision string `json:"decision,omitempty"`
}

type PostCancelSessionPayload struct {
	Reason string `json:"reason,omitempty"`
}

// SessionResponse is the public view of a signing session.
type SessionResponse struct {
	SessionID       string     `json:"session_id"`
	GroupID         string     `json:"group_id"`
	State           string     `json:"state"`
	Threshold       int        `json:"threshold"`
	Participants    []string   `json:"participants"`
	ActiveSigners   []string   `json:"active_signers,omitempty"`
	CommitmentCount int        `json:"commitment_count"`
	PartialCount    int        `json:"partial_count"`
	MfaDecision     string     `json:"mfa_decision,omitempty"`
	FinalSignature  string     `json:"final_signature,omitempty"`
	FailureReason   string     `json:"failure_reason,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	Deadline        time.Time  `json:"deadline"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
}

type PostCommitmentResponse struct {
	SessionID string `json:"session_id"`
	State     string `json:"state"`
	// Late marks a commitment that arrived after the signing phase opened.
	// It is retained for audit but never joins the active subset.
	Late bool `json:"late"`
}

type PostPartialSignatureResponse struct {
	SessionID string `json:"session_id"`
	State     string `json:"state"`
}

type FinalizeResponse struct {
	SessionID string `json:"session_id"`
	State     string `json:"state"`
	Signature string `json:"signature,omitempty"`
}

// SigningContextResponse carries everything an active signer needs to
// compute its round-two partial signature locally.
type SigningContextResponse struct {
	SessionID       string   `json:"session_id"`
	SignerIndices   []uint32 `json:"signer_indices"`
	GroupCommitment string   `json:"group_commitment"`
	Challenge       string   `json:"challenge"`
}
