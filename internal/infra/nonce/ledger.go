package nonce

import (
	"context"
	"encoding/hex"

	"github.com/SafeMPC/threshold-coordinator/internal/frost"
	"github.com/SafeMPC/threshold-coordinator/internal/infra/session"
	"github.com/SafeMPC/threshold-coordinator/internal/infra/storage"
	"github.com/dropbox/godropbox/time2"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// Ledger nonce 承诺账本：仅追加，跨全部会话强制承诺值不复用。
// 同一承诺值出现在任意两次签名中即构成密钥恢复攻击面，
// 复用拒绝是安全事件（协议中止），不是软告警
type Ledger struct {
	store storage.SigningStore
	cache storage.SessionCache // 可为 nil；多实例部署时的 SETNX 先行预占
	clock time2.Clock
}

var (
	ErrNonceReuseDetected = errors.New("nonce commitment value reused across sessions")
	ErrNonceAlreadyUsed   = errors.New("nonce commitment already consumed")
	ErrAlreadyCommitted   = errors.New("participant already submitted a commitment for this session")
	ErrWrongPhase         = errors.New("session does not accept nonce commitments in its current state")
	ErrUnknownParticipant = errors.New("participant does not belong to the session")
)

func NewLedger(store storage.SigningStore, cache storage.SessionCache, clock time2.Clock) *Ledger {
	return &Ledger{store: store, cache: cache, clock: clock}
}

// truncatedID 错误与日志中使用的截断标识：不泄露完整承诺字节，
// 仅保留可用于审计关联的前缀
func truncatedID(commitment []byte) string {
	const prefix = 4
	if len(commitment) <= prefix {
		return hex.EncodeToString(commitment)
	}
	return hex.EncodeToString(commitment[:prefix]) + "…"
}

// Record 记录参与者的第一轮承诺。要求：
// (a) 会话存在且处于 pending/nonce_collection
// (b) 该 (session, participant) 尚无承诺
// (c) 承诺值从未被任何会话记录过 —— 违反返回 ErrNonceReuseDetected
// 查重与插入是跨全表的单次原子操作（存储层唯一索引）
func (l *Ledger) Record(ctx context.Context, sess *storage.SigningSession, participantID string, commitment []byte) error {
	state := session.State(sess.State)
	if state != session.StatePending && state != session.StateNonceCollection {
		return errors.Wrapf(ErrWrongPhase, "state %s", sess.State)
	}
	return l.record(ctx, sess, participantID, commitment)
}

// RecordLate 迟到承诺：signing 阶段开始后到达的承诺仅作审计存档，
// 不进入活跃签名者子集。唯一性与复用检查照常生效
func (l *Ledger) RecordLate(ctx context.Context, sess *storage.SigningSession, participantID string, commitment []byte) error {
	state := session.State(sess.State)
	if state != session.StateSigning && state != session.StateAggregating {
		return errors.Wrapf(ErrWrongPhase, "state %s", sess.State)
	}
	log.Info().
		Str("session_id", sess.SessionID).
		Str("participant_id", participantID).
		Str("state", sess.State).
		Msg("Late nonce commitment recorded for audit only")
	return l.record(ctx, sess, participantID, commitment)
}

func (l *Ledger) record(ctx context.Context, sess *storage.SigningSession, participantID string, commitment []byte) error {
	if len(commitment) != frost.CommitmentSize {
		return errors.Errorf("invalid commitment length: expected %d bytes, got %d", frost.CommitmentSize, len(commitment))
	}

	if !participantIn(participantID, sess.Participants) {
		return errors.Wrapf(ErrUnknownParticipant, "participant %s", participantID)
	}

	// 重试自身已记录的承诺必须在预占之前识别，
	// 否则缓存命中会把普通重复误判成跨会话复用
	if _, err := l.store.GetCommitment(ctx, sess.SessionID, participantID); err == nil {
		return errors.Wrapf(ErrAlreadyCommitted, "participant %s", participantID)
	} else if !errors.Is(err, storage.ErrCommitmentNotFound) {
		return errors.Wrap(err, "failed to check existing commitment")
	}

	// 跨实例先行预占；权威查重仍在存储层唯一索引
	if l.cache != nil {
		reserved, err := l.cache.ReserveCommitment(ctx, commitment)
		if err != nil {
			log.Warn().Err(err).Str("session_id", sess.SessionID).Msg("Commitment reservation unavailable, relying on store uniqueness")
		} else if !reserved {
			session.ObserveNonceReuse()
			return errors.Wrapf(ErrNonceReuseDetected, "commitment %s", truncatedID(commitment))
		}
	}

	record := &storage.NonceCommitment{
		SessionID:     sess.SessionID,
		ParticipantID: participantID,
		Commitment:    append([]byte(nil), commitment...),
		CreatedAt:     l.clock.Now(),
	}

	if err := l.store.InsertCommitment(ctx, record); err != nil {
		switch {
		case errors.Is(err, storage.ErrNonceValueReused):
			session.ObserveNonceReuse()
			log.Error().
				Str("session_id", sess.SessionID).
				Str("participant_id", participantID).
				Str("commitment", truncatedID(commitment)).
				Msg("Nonce commitment reuse detected, aborting submission")
			return errors.Wrapf(ErrNonceReuseDetected, "commitment %s", truncatedID(commitment))
		case errors.Is(err, storage.ErrCommitmentExists):
			return errors.Wrapf(ErrAlreadyCommitted, "participant %s", participantID)
		default:
			return errors.Wrap(err, "failed to record nonce commitment")
		}
	}

	return nil
}

// MarkUsed 恰好一次消费承诺；重复消费返回 ErrNonceAlreadyUsed（防重放）
func (l *Ledger) MarkUsed(ctx context.Context, commitment []byte) error {
	err := l.store.MarkCommitmentUsed(ctx, commitment)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, storage.ErrNonceAlreadyUsed):
		return errors.Wrapf(ErrNonceAlreadyUsed, "commitment %s", truncatedID(commitment))
	default:
		return errors.Wrap(err, "failed to mark nonce commitment used")
	}
}

// Count 会话当前记录的去重承诺数
func (l *Ledger) Count(ctx context.Context, sessionID string) (int, error) {
	return l.store.CountCommitments(ctx, sessionID)
}

// Get 读取单个参与者的承诺
func (l *Ledger) Get(ctx context.Context, sessionID, participantID string) (*storage.NonceCommitment, error) {
	return l.store.GetCommitment(ctx, sessionID, participantID)
}

// List 读取会话全部承诺
func (l *Ledger) List(ctx context.Context, sessionID string) ([]*storage.NonceCommitment, error) {
	return l.store.ListCommitments(ctx, sessionID)
}

func participantIn(id string, participants []string) bool {
	for _, p := range participants {
		if p == id {
			return true
		}
	}
	return false
}
