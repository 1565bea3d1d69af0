package storage

import (
	"context"
	"database/sql"
	"time"

	"github.com/lib/pq"
	"github.com/pkg/errors"
)

// PostgreSQLStore PostgreSQL 存储实现
// 承诺值全局唯一性由 nonce_commitments.commitment 上的唯一索引保证，
// 插入即原子查重；活跃会话唯一性由 (group_id, message_hash) 上的
// 部分唯一索引（排除终态）保证
type PostgreSQLStore struct {
	db *sql.DB
}

func NewPostgreSQLStore(db *sql.DB) *PostgreSQLStore {
	return &PostgreSQLStore{db: db}
}

const (
	pqUniqueViolation = "23505"

	constraintActiveSession   = "signing_sessions_active_group_message_idx"
	constraintCommitmentValue = "nonce_commitments_commitment_key"
	constraintCommitmentPair  = "nonce_commitments_pkey"
	constraintPartialPair     = "partial_signatures_pkey"
)

func isUniqueViolation(err error, constraint string) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return string(pqErr.Code) == pqUniqueViolation && pqErr.Constraint == constraint
	}
	return false
}

func (s *PostgreSQLStore) InsertSession(ctx context.Context, session *SigningSession) error {
	query := `
		INSERT INTO signing_sessions
			(session_id, group_id, message_hash, participants, threshold, amount, state,
			 active_signers, final_signature, failure_reason,
			 created_at, phase_changed_at, deadline, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`
	_, err := s.db.ExecContext(ctx, query,
		session.SessionID,
		session.GroupID,
		session.MessageHash,
		pq.Array(session.Participants),
		session.Threshold,
		int64(session.Amount),
		session.State,
		pq.Array(session.ActiveSigners),
		session.FinalSignature,
		nullString(session.FailureReason),
		session.CreatedAt,
		session.PhaseChangedAt,
		session.Deadline,
		session.CompletedAt,
	)
	if err != nil {
		if isUniqueViolation(err, constraintActiveSession) {
			return ErrActiveSessionExists
		}
		return errors.Wrap(err, "failed to insert signing session")
	}
	return nil
}

func (s *PostgreSQLStore) GetSession(ctx context.Context, sessionID string) (*SigningSession, error) {
	query := `
		SELECT session_id, group_id, message_hash, participants, threshold, amount, state,
		       active_signers, final_signature, failure_reason,
		       created_at, phase_changed_at, deadline, completed_at
		FROM signing_sessions
		WHERE session_id = $1
	`
	return scanSession(s.db.QueryRowContext(ctx, query, sessionID))
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*SigningSession, error) {
	var session SigningSession
	var participants, activeSigners pq.StringArray
	var failureReason sql.NullString
	var amount int64

	err := row.Scan(
		&session.SessionID,
		&session.GroupID,
		&session.MessageHash,
		&participants,
		&session.Threshold,
		&amount,
		&session.State,
		&activeSigners,
		&session.FinalSignature,
		&failureReason,
		&session.CreatedAt,
		&session.PhaseChangedAt,
		&session.Deadline,
		&session.CompletedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrSessionNotFound
		}
		return nil, errors.Wrap(err, "failed to scan signing session")
	}

	session.Participants = []string(participants)
	session.ActiveSigners = []string(activeSigners)
	session.Amount = uint64(amount)
	session.FailureReason = failureReason.String
	return &session, nil
}

func (s *PostgreSQLStore) UpdateSessionCAS(ctx context.Context, session *SigningSession, expectedStates []string) (bool, error) {
	query := `
		UPDATE signing_sessions
		SET state           = $2,
		    active_signers  = $3,
		    final_signature = $4,
		    failure_reason  = $5,
		    phase_changed_at = $6,
		    completed_at    = $7
		WHERE session_id = $1 AND state = ANY($8)
	`
	result, err := s.db.ExecContext(ctx, query,
		session.SessionID,
		session.State,
		pq.Array(session.ActiveSigners),
		session.FinalSignature,
		nullString(session.FailureReason),
		session.PhaseChangedAt,
		session.CompletedAt,
		pq.Array(expectedStates),
	)
	if err != nil {
		return false, errors.Wrap(err, "failed to update signing session")
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, "failed to get affected rows")
	}
	return affected == 1, nil
}

func (s *PostgreSQLStore) ListOverdueSessions(ctx context.Context, now time.Time, states []string) ([]*SigningSession, error) {
	query := `
		SELECT session_id, group_id, message_hash, participants, threshold, amount, state,
		       active_signers, final_signature, failure_reason,
		       created_at, phase_changed_at, deadline, completed_at
		FROM signing_sessions
		WHERE deadline < $1 AND state = ANY($2)
	`
	rows, err := s.db.QueryContext(ctx, query, now, pq.Array(states))
	if err != nil {
		return nil, errors.Wrap(err, "failed to list overdue sessions")
	}
	defer rows.Close()

	var out []*SigningSession
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, session)
	}
	return out, errors.Wrap(rows.Err(), "failed to iterate overdue sessions")
}

func (s *PostgreSQLStore) DeleteTerminalSessionsBefore(ctx context.Context, cutoff time.Time, terminalStates []string) (int, error) {
	query := `
		DELETE FROM signing_sessions
		WHERE state = ANY($2) AND phase_changed_at < $1
	`
	result, err := s.db.ExecContext(ctx, query, cutoff, pq.Array(terminalStates))
	if err != nil {
		return 0, errors.Wrap(err, "failed to delete terminal sessions")
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "failed to get affected rows")
	}
	return int(affected), nil
}

func (s *PostgreSQLStore) InsertCommitment(ctx context.Context, commitment *NonceCommitment) error {
	query := `
		INSERT INTO nonce_commitments (session_id, participant_id, commitment, used, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`
	_, err := s.db.ExecContext(ctx, query,
		commitment.SessionID,
		commitment.ParticipantID,
		commitment.Commitment,
		commitment.Used,
		commitment.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err, constraintCommitmentValue) {
			return ErrNonceValueReused
		}
		if isUniqueViolation(err, constraintCommitmentPair) {
			return ErrCommitmentExists
		}
		return errors.Wrap(err, "failed to insert nonce commitment")
	}
	return nil
}

func (s *PostgreSQLStore) GetCommitment(ctx context.Context, sessionID, participantID string) (*NonceCommitment, error) {
	query := `
		SELECT session_id, participant_id, commitment, used, created_at
		FROM nonce_commitments
		WHERE session_id = $1 AND participant_id = $2
	`
	var c NonceCommitment
	err := s.db.QueryRowContext(ctx, query, sessionID, participantID).Scan(
		&c.SessionID, &c.ParticipantID, &c.Commitment, &c.Used, &c.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrCommitmentNotFound
		}
		return nil, errors.Wrap(err, "failed to get nonce commitment")
	}
	return &c, nil
}

func (s *PostgreSQLStore) ListCommitments(ctx context.Context, sessionID string) ([]*NonceCommitment, error) {
	query := `
		SELECT session_id, participant_id, commitment, used, created_at
		FROM nonce_commitments
		WHERE session_id = $1
		ORDER BY created_at ASC
	`
	rows, err := s.db.QueryContext(ctx, query, sessionID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list nonce commitments")
	}
	defer rows.Close()

	var out []*NonceCommitment
	for rows.Next() {
		var c NonceCommitment
		if err := rows.Scan(&c.SessionID, &c.ParticipantID, &c.Commitment, &c.Used, &c.CreatedAt); err != nil {
			return nil, errors.Wrap(err, "failed to scan nonce commitment")
		}
		out = append(out, &c)
	}
	return out, errors.Wrap(rows.Err(), "failed to iterate nonce commitments")
}

func (s *PostgreSQLStore) CountCommitments(ctx context.Context, sessionID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM nonce_commitments WHERE session_id = $1`, sessionID,
	).Scan(&count)
	if err != nil {
		return 0, errors.Wrap(err, "failed to count nonce commitments")
	}
	return count, nil
}

func (s *PostgreSQLStore) MarkCommitmentUsed(ctx context.Context, commitment []byte) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE nonce_commitments SET used = TRUE WHERE commitment = $1 AND used = FALSE`, commitment,
	)
	if err != nil {
		return errors.Wrap(err, "failed to mark nonce commitment used")
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to get affected rows")
	}
	if affected == 1 {
		return nil
	}

	// 区分“不存在”与“已使用”
	var used bool
	err = s.db.QueryRowContext(ctx,
		`SELECT used FROM nonce_commitments WHERE commitment = $1`, commitment,
	).Scan(&used)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrCommitmentNotFound
	}
	if err != nil {
		return errors.Wrap(err, "failed to check nonce commitment")
	}
	return ErrNonceAlreadyUsed
}

func (s *PostgreSQLStore) InsertPartialSignature(ctx context.Context, partial *PartialSignature) error {
	query := `
		INSERT INTO partial_signatures (session_id, participant_id, partial, created_at)
		VALUES ($1, $2, $3, $4)
	`
	_, err := s.db.ExecContext(ctx, query,
		partial.SessionID,
		partial.ParticipantID,
		partial.Partial,
		partial.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err, constraintPartialPair) {
			return ErrPartialSigExists
		}
		return errors.Wrap(err, "failed to insert partial signature")
	}
	return nil
}

func (s *PostgreSQLStore) ListPartialSignatures(ctx context.Context, sessionID string) ([]*PartialSignature, error) {
	query := `
		SELECT session_id, participant_id, partial, created_at
		FROM partial_signatures
		WHERE session_id = $1
		ORDER BY created_at ASC
	`
	rows, err := s.db.QueryContext(ctx, query, sessionID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list partial signatures")
	}
	defer rows.Close()

	var out []*PartialSignature
	for rows.Next() {
		var p PartialSignature
		if err := rows.Scan(&p.SessionID, &p.ParticipantID, &p.Partial, &p.CreatedAt); err != nil {
			return nil, errors.Wrap(err, "failed to scan partial signature")
		}
		out = append(out, &p)
	}
	return out, errors.Wrap(rows.Err(), "failed to iterate partial signatures")
}

func (s *PostgreSQLStore) UpsertApproval(ctx context.Context, approval *HardwareApproval) error {
	query := `
		INSERT INTO hardware_approvals
			(session_id, approver_id, public_key, signature, approved_at, passed, failure_count, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (session_id, approver_id) DO UPDATE SET
			public_key    = EXCLUDED.public_key,
			signature     = EXCLUDED.signature,
			approved_at   = EXCLUDED.approved_at,
			passed        = EXCLUDED.passed,
			failure_count = EXCLUDED.failure_count,
			updated_at    = EXCLUDED.updated_at
	`
	_, err := s.db.ExecContext(ctx, query,
		approval.SessionID,
		approval.ApproverID,
		approval.PublicKey,
		approval.Signature,
		approval.ApprovedAt,
		approval.Passed,
		approval.FailureCount,
		approval.UpdatedAt,
	)
	return errors.Wrap(err, "failed to upsert hardware approval")
}

func (s *PostgreSQLStore) GetApproval(ctx context.Context, sessionID, approverID string) (*HardwareApproval, error) {
	query := `
		SELECT session_id, approver_id, public_key, signature, approved_at, passed, failure_count, updated_at
		FROM hardware_approvals
		WHERE session_id = $1 AND approver_id = $2
	`
	var a HardwareApproval
	err := s.db.QueryRowContext(ctx, query, sessionID, approverID).Scan(
		&a.SessionID, &a.ApproverID, &a.PublicKey, &a.Signature,
		&a.ApprovedAt, &a.Passed, &a.FailureCount, &a.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrApprovalNotFound
		}
		return nil, errors.Wrap(err, "failed to get hardware approval")
	}
	return &a, nil
}

func (s *PostgreSQLStore) ListApprovals(ctx context.Context, sessionID string) ([]*HardwareApproval, error) {
	query := `
		SELECT session_id, approver_id, public_key, signature, approved_at, passed, failure_count, updated_at
		FROM hardware_approvals
		WHERE session_id = $1
		ORDER BY updated_at ASC
	`
	rows, err := s.db.QueryContext(ctx, query, sessionID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list hardware approvals")
	}
	defer rows.Close()

	var out []*HardwareApproval
	for rows.Next() {
		var a HardwareApproval
		if err := rows.Scan(
			&a.SessionID, &a.ApproverID, &a.PublicKey, &a.Signature,
			&a.ApprovedAt, &a.Passed, &a.FailureCount, &a.UpdatedAt,
		); err != nil {
			return nil, errors.Wrap(err, "failed to scan hardware approval")
		}
		out = append(out, &a)
	}
	return out, errors.Wrap(rows.Err(), "failed to iterate hardware approvals")
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
