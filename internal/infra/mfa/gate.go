package mfa

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"sync"
	"time"

	"github.com/SafeMPC/threshold-coordinator/internal/infra/storage"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/dropbox/godropbox/time2"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// Mode 硬件 MFA 策略模式
type Mode string

const (
	ModeDisabled            Mode = "disabled"
	ModeOptional            Mode = "optional"
	ModeRequired            Mode = "required"
	ModeKOfNRequired        Mode = "k_of_n_required"
	ModeRequiredAboveAmount Mode = "required_above_amount"
)

// Policy 群级审批策略。ApproverThreshold 仅 k_of_n_required 模式使用；
// AmountLimit 仅 required_above_amount 模式使用（超过即按 required 处理）
type Policy struct {
	Mode              Mode
	ApproverIDs       []string
	ApproverThreshold int
	AmountLimit       uint64
}

// Decision 门禁评估结果
type Decision string

const (
	DecisionPass    Decision = "pass"
	DecisionPending Decision = "pending"
	DecisionBlocked Decision = "blocked"
)

// ApprovalRequest 下发到硬件审批设备的请求
type ApprovalRequest struct {
	SessionID       string `json:"session_id"`
	ApproverID      string `json:"approver_id"`
	OperationDigest []byte `json:"operation_digest"`
}

// HardwareApprovalTransport 硬件审批通道。实现负责把请求送达
// 审批者的硬件设备；审批响应经 SubmitApproval 异步回流
type HardwareApprovalTransport interface {
	DeliverApprovalRequest(ctx context.Context, req *ApprovalRequest) error
}

var (
	ErrApproverNotAllowed    = errors.New("approver is not in the policy approver set")
	ErrApprovalExpired       = errors.New("approval timestamp outside acceptance window")
	ErrApprovalInvalid       = errors.New("approval signature verification failed")
	ErrApproverLockedOut     = errors.New("approver is locked out after repeated failures")
	ErrUnsupportedPolicyMode = errors.New("unsupported mfa policy mode")
)

const (
	// 审批时间戳接受窗口（防重放）
	approvalWindow = 5 * time.Minute
	// 连续验签失败上限，达到后进入冷却
	maxApprovalFailures = 5
	lockoutCooldown     = 15 * time.Minute
)

type approverState struct {
	failures    int
	lockedUntil time.Time
}

// Gate 硬件多因素门禁。审批者用硬件密钥对
// (会话标识 ‖ 操作摘要 ‖ 时间戳) 的哈希出具 BIP-340 Schnorr 签名，
// 门禁验签后持久化；Evaluate 按策略对已收审批做纯函数判定
type Gate struct {
	store     storage.SigningStore
	transport HardwareApprovalTransport
	clock     time2.Clock

	mu        sync.Mutex
	approvers map[string]*approverState
}

func NewGate(store storage.SigningStore, transport HardwareApprovalTransport, clock time2.Clock) *Gate {
	return &Gate{
		store:     store,
		transport: transport,
		clock:     clock,
		approvers: make(map[string]*approverState),
	}
}

// approvalDigest 审批签名的消息哈希：SHA256(sessionID ‖ operationDigest ‖ ts)
func approvalDigest(sessionID string, operationDigest []byte, ts time.Time) []byte {
	h := sha256.New()
	h.Write([]byte(sessionID))
	h.Write(operationDigest)
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(ts.Unix()))
	h.Write(buf[:])
	return h.Sum(nil)
}

// RequestApprovals 向策略内全部审批者下发审批请求。
// 单个通道失败只记日志，不阻断其余下发
func (g *Gate) RequestApprovals(ctx context.Context, sess *storage.SigningSession, policy *Policy) {
	if policy.Mode == ModeDisabled || g.transport == nil {
		return
	}
	for _, approverID := range policy.ApproverIDs {
		req := &ApprovalRequest{
			SessionID:       sess.SessionID,
			ApproverID:      approverID,
			OperationDigest: sess.MessageHash,
		}
		if err := g.transport.DeliverApprovalRequest(ctx, req); err != nil {
			log.Warn().Err(err).
				Str("session_id", sess.SessionID).
				Str("approver_id", approverID).
				Msg("Failed to deliver hardware approval request")
		}
	}
}

func approverAllowed(policy *Policy, approverID string) bool {
	for _, id := range policy.ApproverIDs {
		if id == approverID {
			return true
		}
	}
	return false
}

func (g *Gate) lockedOut(approverID string, now time.Time) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	state, ok := g.approvers[approverID]
	if !ok {
		return false
	}
	if now.Before(state.lockedUntil) {
		return true
	}
	if !state.lockedUntil.IsZero() && !now.Before(state.lockedUntil) {
		// 冷却结束，清零计数
		state.failures = 0
		state.lockedUntil = time.Time{}
	}
	return false
}

// recordFailure 失败计数同时落内存与存储：内存驱动本实例的冷却判断，
// 存储中的 failure_count 让限速在重启与多实例间延续
func (g *Gate) recordFailure(ctx context.Context, sess *storage.SigningSession, approverID string, now time.Time) {
	g.mu.Lock()
	state, ok := g.approvers[approverID]
	if !ok {
		state = &approverState{}
		g.approvers[approverID] = state
	}
	state.failures++
	if state.failures >= maxApprovalFailures {
		state.lockedUntil = now.Add(lockoutCooldown)
	}
	g.mu.Unlock()

	// 纯计数记录的密钥/签名字段写空串而非 NULL，列为 NOT NULL
	record := &storage.HardwareApproval{
		SessionID:  sess.SessionID,
		ApproverID: approverID,
		PublicKey:  []byte{},
		Signature:  []byte{},
	}
	if existing, err := g.store.GetApproval(ctx, sess.SessionID, approverID); err == nil {
		record = existing
	}
	if record.FailureCount >= maxApprovalFailures && !now.Before(record.UpdatedAt.Add(lockoutCooldown)) {
		// 上一轮冷却已结束，计数重新起算
		record.FailureCount = 0
	}
	record.FailureCount++
	record.UpdatedAt = now
	if err := g.store.UpsertApproval(ctx, record); err != nil {
		log.Warn().Err(err).
			Str("session_id", sess.SessionID).
			Str("approver_id", approverID).
			Msg("Failed to persist approval failure count")
	}
}

func (g *Gate) recordSuccess(approverID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.approvers, approverID)
}

// SubmitApproval 受理一条硬件审批响应：校验审批者资格、冷却状态、
// 时间戳窗口与 BIP-340 签名，全部通过后按 approve 持久化为通过或
// 明确拒绝记录。pubKey 为 32 字节 x-only 公钥，sig 为 64 字节 Schnorr 签名
func (g *Gate) SubmitApproval(ctx context.Context, sess *storage.SigningSession, policy *Policy, approverID string, pubKey, sig []byte, approvedAt time.Time, approve bool) error {
	if !approverAllowed(policy, approverID) {
		return errors.Wrapf(ErrApproverNotAllowed, "approver %s", approverID)
	}

	now := g.clock.Now()
	if g.lockedOut(approverID, now) {
		return errors.Wrapf(ErrApproverLockedOut, "approver %s", approverID)
	}
	// 持久化的失败计数覆盖进程重启与其他实例累计的失败
	if record, err := g.store.GetApproval(ctx, sess.SessionID, approverID); err == nil &&
		record.FailureCount >= maxApprovalFailures && now.Before(record.UpdatedAt.Add(lockoutCooldown)) {
		return errors.Wrapf(ErrApproverLockedOut, "approver %s", approverID)
	}

	drift := now.Sub(approvedAt)
	if drift < 0 {
		drift = -drift
	}
	if drift > approvalWindow {
		return errors.Wrapf(ErrApprovalExpired, "approver %s, drift %s", approverID, drift)
	}

	parsedKey, err := schnorr.ParsePubKey(pubKey)
	if err != nil {
		g.recordFailure(ctx, sess, approverID, now)
		return errors.Wrapf(ErrApprovalInvalid, "malformed approver public key: %v", err)
	}
	parsedSig, err := schnorr.ParseSignature(sig)
	if err != nil {
		g.recordFailure(ctx, sess, approverID, now)
		return errors.Wrapf(ErrApprovalInvalid, "malformed approval signature: %v", err)
	}

	digest := approvalDigest(sess.SessionID, sess.MessageHash, approvedAt)
	if !parsedSig.Verify(digest, parsedKey) {
		g.recordFailure(ctx, sess, approverID, now)
		log.Warn().
			Str("session_id", sess.SessionID).
			Str("approver_id", approverID).
			Msg("Hardware approval signature verification failed")
		return errors.Wrapf(ErrApprovalInvalid, "approver %s", approverID)
	}

	g.recordSuccess(approverID)

	approval := &storage.HardwareApproval{
		SessionID:  sess.SessionID,
		ApproverID: approverID,
		PublicKey:  append([]byte(nil), pubKey...),
		Signature:  append([]byte(nil), sig...),
		ApprovedAt: approvedAt,
		Passed:     approve,
		UpdatedAt:  now,
	}
	if err := g.store.UpsertApproval(ctx, approval); err != nil {
		return errors.Wrap(err, "failed to persist hardware approval")
	}

	log.Info().
		Str("session_id", sess.SessionID).
		Str("approver_id", approverID).
		Bool("approved", approve).
		Msg("Hardware approval response recorded")

	return nil
}

// requiredCount 策略在给定金额下要求的最小有效审批数；0 表示不拦截。
// required 族要求全体审批者通过，k_of_n 要求达到阈值数
func requiredCount(policy *Policy, amount uint64) (int, error) {
	switch policy.Mode {
	case ModeDisabled, ModeOptional:
		return 0, nil
	case ModeRequired:
		return len(policy.ApproverIDs), nil
	case ModeKOfNRequired:
		return policy.ApproverThreshold, nil
	case ModeRequiredAboveAmount:
		if amount > policy.AmountLimit {
			return len(policy.ApproverIDs), nil
		}
		return 0, nil
	default:
		return 0, errors.Wrapf(ErrUnsupportedPolicyMode, "mode %s", policy.Mode)
	}
}

// Evaluate 纯函数判定：已收有效审批满足策略 → Pass；
// 未满足但剩余审批者仍可补足 → Pending；
// 已不可能满足（明确拒绝或锁定导致可用审批者不足）→ Blocked。
// 明确拒绝的审批者不再计入可补足集合
func (g *Gate) Evaluate(policy *Policy, approvals []*storage.HardwareApproval, amount uint64) (Decision, error) {
	required, err := requiredCount(policy, amount)
	if err != nil {
		return DecisionBlocked, err
	}
	if required == 0 {
		return DecisionPass, nil
	}

	passed := make(map[string]bool, len(approvals))
	rejected := make(map[string]bool, len(approvals))
	for _, a := range approvals {
		if !approverAllowed(policy, a.ApproverID) {
			continue
		}
		// 纯失败计数记录（从未通过验签）不构成审批响应
		if len(a.Signature) == 0 {
			continue
		}
		if a.Passed {
			passed[a.ApproverID] = true
			delete(rejected, a.ApproverID)
		} else if !passed[a.ApproverID] {
			rejected[a.ApproverID] = true
		}
	}
	if len(passed) >= required {
		return DecisionPass, nil
	}

	// required 族策略要求全体通过，任一明确拒绝即为否决
	if policy.Mode != ModeKOfNRequired && len(rejected) > 0 {
		return DecisionBlocked, nil
	}

	now := g.clock.Now()
	available := 0
	for _, id := range policy.ApproverIDs {
		if passed[id] {
			available++
			continue
		}
		if rejected[id] {
			continue
		}
		if !g.lockedOut(id, now) {
			available++
		}
	}
	if available >= required {
		return DecisionPending, nil
	}
	return DecisionBlocked, nil
}

// EvaluateSession 便捷入口：加载会话的审批记录后评估
func (g *Gate) EvaluateSession(ctx context.Context, sess *storage.SigningSession, policy *Policy, amount uint64) (Decision, error) {
	approvals, err := g.store.ListApprovals(ctx, sess.SessionID)
	if err != nil {
		return DecisionBlocked, errors.Wrap(err, "failed to list hardware approvals")
	}
	return g.Evaluate(policy, approvals, amount)
}
