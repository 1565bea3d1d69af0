package aggregate

import (
	"context"
	"sync"

	"github.com/SafeMPC/threshold-coordinator/internal/frost"
	"github.com/SafeMPC/threshold-coordinator/internal/infra/nonce"
	"github.com/SafeMPC/threshold-coordinator/internal/infra/session"
	"github.com/SafeMPC/threshold-coordinator/internal/infra/storage"
	"github.com/dropbox/godropbox/time2"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// Aggregator 部分签名聚合器：收集活跃签名者子集的第二轮分片，
// 按 Lagrange 线性组合聚合为最终签名并对群公钥验证。
// 聚合结果按会话缓存，重复调用返回缓存（幂等）；
// 会话因 MFA 阻断失败时缓存保留（审计），但绝不对外发布
type Aggregator struct {
	store  storage.SigningStore
	ledger *nonce.Ledger
	keys   KeyResolver
	clock  time2.Clock

	mu     sync.RWMutex
	cached map[string]*frost.Signature
}

// KeyResolver 参与者与群公钥解析（由外部身份解析器实现）
type KeyResolver interface {
	GroupPublicKey(ctx context.Context, groupID string) ([]byte, error)
	ParticipantPublicKey(ctx context.Context, groupID, participantID string) ([]byte, error)
}

var (
	ErrNotActiveSigner      = errors.New("participant is not in the active signer subset")
	ErrWrongPhase           = errors.New("session does not accept partial signatures in its current state")
	ErrAlreadySubmitted     = errors.New("participant already submitted a partial signature")
	ErrMissingCommitment    = errors.New("participant has no recorded nonce commitment")
	ErrInsufficientPartials = errors.New("not enough partial signatures to aggregate")
	ErrVerificationFailed   = errors.New("aggregate signature failed verification")
)

func NewAggregator(store storage.SigningStore, ledger *nonce.Ledger, keys KeyResolver, clock time2.Clock) *Aggregator {
	return &Aggregator{
		store:  store,
		ledger: ledger,
		keys:   keys,
		clock:  clock,
		cached: make(map[string]*frost.Signature),
	}
}

// participantIndex 参与者在有序参与者列表中的曲线层索引（1 起）
func participantIndex(sess *storage.SigningSession, participantID string) (uint32, bool) {
	for i, p := range sess.Participants {
		if p == participantID {
			return uint32(i + 1), true
		}
	}
	return 0, false
}

func activeSignerIn(sess *storage.SigningSession, participantID string) bool {
	for _, p := range sess.ActiveSigners {
		if p == participantID {
			return true
		}
	}
	return false
}

// Submit 记录部分签名。仅接受：会话处于 signing 阶段、参与者属于
// 进入该阶段时选定的 k 子集（否则 ErrNotActiveSigner）、且其承诺
// 存在并未被消费。提交同时恰好一次消费该承诺（防后续轮次重放）
func (a *Aggregator) Submit(ctx context.Context, sess *storage.SigningSession, participantID string, partial []byte) error {
	if len(partial) != frost.ScalarSize {
		return errors.Errorf("invalid partial signature length: expected %d bytes, got %d", frost.ScalarSize, len(partial))
	}

	if session.State(sess.State) != session.StateSigning {
		return errors.Wrapf(ErrWrongPhase, "state %s", sess.State)
	}
	if !activeSignerIn(sess, participantID) {
		return errors.Wrapf(ErrNotActiveSigner, "participant %s", participantID)
	}

	commitment, err := a.ledger.Get(ctx, sess.SessionID, participantID)
	if err != nil {
		if errors.Is(err, storage.ErrCommitmentNotFound) {
			return errors.Wrapf(ErrMissingCommitment, "participant %s", participantID)
		}
		return errors.Wrap(err, "failed to load nonce commitment")
	}
	if commitment.Used {
		return errors.Wrapf(nonce.ErrNonceAlreadyUsed, "participant %s", participantID)
	}

	record := &storage.PartialSignature{
		SessionID:     sess.SessionID,
		ParticipantID: participantID,
		Partial:       append([]byte(nil), partial...),
		CreatedAt:     a.clock.Now(),
	}
	if err := a.store.InsertPartialSignature(ctx, record); err != nil {
		if errors.Is(err, storage.ErrPartialSigExists) {
			return errors.Wrapf(ErrAlreadySubmitted, "participant %s", participantID)
		}
		return errors.Wrap(err, "failed to record partial signature")
	}

	// 承诺随部分签名一并消费
	if err := a.ledger.MarkUsed(ctx, commitment.Commitment); err != nil {
		return errors.Wrap(err, "failed to consume nonce commitment")
	}

	return nil
}

// CountSubmitted 已提交的活跃签名者分片数
func (a *Aggregator) CountSubmitted(ctx context.Context, sess *storage.SigningSession) (int, error) {
	partials, err := a.store.ListPartialSignatures(ctx, sess.SessionID)
	if err != nil {
		return 0, errors.Wrap(err, "failed to list partial signatures")
	}
	count := 0
	for _, p := range partials {
		if activeSignerIn(sess, p.ParticipantID) {
			count++
		}
	}
	return count, nil
}

// SigningContext 第二轮签名上下文：活跃子集、群承诺与挑战。
// 参与者据此在本地计算 z_i = r_i + c·x_i
type SigningContext struct {
	SignerIndices   []uint32
	GroupCommitment []byte
	Challenge       []byte
}

// BuildSigningContext 由活跃子集的承诺推导群承诺与挑战
func (a *Aggregator) BuildSigningContext(ctx context.Context, sess *storage.SigningSession) (*SigningContext, error) {
	if len(sess.ActiveSigners) == 0 {
		return nil, errors.New("session has no active signer subset")
	}

	groupKey, err := a.keys.GroupPublicKey(ctx, sess.GroupID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to resolve group public key")
	}

	commitments, err := a.ledger.List(ctx, sess.SessionID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list nonce commitments")
	}

	byIndex := make(map[uint32][]byte, len(commitments))
	for _, c := range commitments {
		idx, ok := participantIndex(sess, c.ParticipantID)
		if !ok {
			continue
		}
		byIndex[idx] = c.Commitment
	}

	subset := make([]uint32, 0, len(sess.ActiveSigners))
	for _, p := range sess.ActiveSigners {
		idx, ok := participantIndex(sess, p)
		if !ok {
			return nil, errors.Errorf("active signer %s not in participant set", p)
		}
		subset = append(subset, idx)
	}

	groupCommitment, err := frost.GroupCommitment(byIndex, subset)
	if err != nil {
		return nil, errors.Wrap(err, "failed to compute group commitment")
	}

	challenge, err := frost.Challenge(groupCommitment, groupKey, sess.MessageHash)
	if err != nil {
		return nil, errors.Wrap(err, "failed to compute challenge")
	}

	return &SigningContext{
		SignerIndices:   subset,
		GroupCommitment: groupCommitment,
		Challenge:       challenge,
	}, nil
}

// Aggregate k 个分片到齐后聚合为候选最终签名。幂等：成功后的重复调用
// 返回缓存结果而不重新计算
func (a *Aggregator) Aggregate(ctx context.Context, sess *storage.SigningSession) (*frost.Signature, error) {
	a.mu.RLock()
	if sig, ok := a.cached[sess.SessionID]; ok {
		a.mu.RUnlock()
		return sig, nil
	}
	a.mu.RUnlock()

	signingCtx, err := a.BuildSigningContext(ctx, sess)
	if err != nil {
		return nil, err
	}

	records, err := a.store.ListPartialSignatures(ctx, sess.SessionID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list partial signatures")
	}

	partials := make(map[uint32][]byte, len(records))
	for _, p := range records {
		if !activeSignerIn(sess, p.ParticipantID) {
			continue
		}
		idx, _ := participantIndex(sess, p.ParticipantID)
		partials[idx] = p.Partial
	}

	if len(partials) < sess.Threshold {
		return nil, errors.Wrapf(ErrInsufficientPartials, "have %d, need %d", len(partials), sess.Threshold)
	}

	sig, err := frost.Aggregate(partials, signingCtx.SignerIndices, signingCtx.GroupCommitment)
	if err != nil {
		return nil, errors.Wrap(err, "failed to aggregate partial signatures")
	}

	a.mu.Lock()
	a.cached[sess.SessionID] = sig
	a.mu.Unlock()

	return sig, nil
}

// Verify 对群公钥做标准 Schnorr 验证。失败时定位损坏分片写审计日志
// （绝不自动重试：可能意味着恶意或故障的参与者，需要以全新会话重启）
func (a *Aggregator) Verify(ctx context.Context, sess *storage.SigningSession, sig *frost.Signature) (bool, error) {
	groupKey, err := a.keys.GroupPublicKey(ctx, sess.GroupID)
	if err != nil {
		return false, errors.Wrap(err, "failed to resolve group public key")
	}

	valid, err := frost.Verify(sig, sess.MessageHash, groupKey)
	if err != nil {
		return false, errors.Wrap(err, "failed to verify aggregate signature")
	}
	if valid {
		return true, nil
	}

	a.auditPartials(ctx, sess)
	return false, nil
}

// auditPartials 逐分片验证以定位损坏来源，仅输出截断标识
func (a *Aggregator) auditPartials(ctx context.Context, sess *storage.SigningSession) {
	signingCtx, err := a.BuildSigningContext(ctx, sess)
	if err != nil {
		log.Warn().Err(err).Str("session_id", sess.SessionID).Msg("Cannot rebuild signing context for partial audit")
		return
	}

	records, err := a.store.ListPartialSignatures(ctx, sess.SessionID)
	if err != nil {
		log.Warn().Err(err).Str("session_id", sess.SessionID).Msg("Cannot list partial signatures for audit")
		return
	}

	for _, p := range records {
		if !activeSignerIn(sess, p.ParticipantID) {
			continue
		}
		commitment, err := a.ledger.Get(ctx, sess.SessionID, p.ParticipantID)
		if err != nil {
			continue
		}
		pubKey, err := a.keys.ParticipantPublicKey(ctx, sess.GroupID, p.ParticipantID)
		if err != nil {
			continue
		}
		ok, err := frost.VerifyPartial(p.Partial, commitment.Commitment, pubKey, signingCtx.Challenge)
		if err != nil || !ok {
			log.Error().
				Str("session_id", sess.SessionID).
				Str("participant_id", p.ParticipantID).
				Msg("Partial signature failed verification, participant is faulty or malicious")
		}
	}
}

// CachedSignature 返回缓存的聚合结果（审计用；MFA 阻断后仍可查）
func (a *Aggregator) CachedSignature(sessionID string) (*frost.Signature, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	sig, ok := a.cached[sessionID]
	return sig, ok
}
