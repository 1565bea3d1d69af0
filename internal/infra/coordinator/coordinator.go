package coordinator

import (
	"context"
	"sync"
	"time"

	"github.com/SafeMPC/threshold-coordinator/internal/frost"
	"github.com/SafeMPC/threshold-coordinator/internal/infra/aggregate"
	"github.com/SafeMPC/threshold-coordinator/internal/infra/mfa"
	"github.com/SafeMPC/threshold-coordinator/internal/infra/nonce"
	"github.com/SafeMPC/threshold-coordinator/internal/infra/session"
	"github.com/SafeMPC/threshold-coordinator/internal/infra/storage"
	"github.com/dropbox/godropbox/time2"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// IdentityResolver 身份解析：参与者/审批者密钥与群级策略的权威来源
type IdentityResolver interface {
	GroupPublicKey(ctx context.Context, groupID string) ([]byte, error)
	ParticipantPublicKey(ctx context.Context, groupID, participantID string) ([]byte, error)
	GroupPolicy(ctx context.Context, groupID string) (*mfa.Policy, error)
}

// SessionEvent 对外发布的会话事件
type SessionEvent struct {
	Type       string    `json:"type"`
	SessionID  string    `json:"session_id"`
	GroupID    string    `json:"group_id"`
	State      string    `json:"state"`
	Signature  []byte    `json:"signature,omitempty"` // 仅 completed 事件携带
	Reason     string    `json:"reason,omitempty"`    // 仅 failed 事件携带
	OccurredAt time.Time `json:"occurred_at"`
}

const (
	EventTypeSessionCreated   = "signing.session.created"
	EventTypePhaseChanged     = "signing.session.phase_changed"
	EventTypeSessionCompleted = "signing.session.completed"
	EventTypeSessionFailed    = "signing.session.failed"
	EventTypeSessionExpired   = "signing.session.expired"
)

// EventPublishingGateway 事件发布通道。实现至少一次投递；
// 发布失败不回滚状态迁移（状态以存储为准）
type EventPublishingGateway interface {
	PublishSessionEvent(ctx context.Context, event *SessionEvent) error
}

var (
	ErrAggregateInvalid   = errors.New("aggregate signature failed verification, session failed")
	ErrMfaPending         = errors.New("hardware approvals still pending")
	ErrMfaBlocked         = errors.New("hardware mfa gate blocked the session")
	ErrNotFinalized       = errors.New("session has not reached the aggregating phase")
	ErrFinalizeInProgress = errors.New("finalization in progress on another instance")
)

// finalizeLockTTL 跨实例定稿锁的保活期；实例崩溃后锁自动过期
const finalizeLockTTL = 30 * time.Second

// Coordinator 签名会话协调器：对外的唯一编排入口。
// 每个会话的读-改-写序列由进程内按会话键控的互斥锁串行化，
// 跨实例竞争由存储层 CAS 兜底
type Coordinator struct {
	sessions   *session.Store
	ledger     *nonce.Ledger
	aggregator *aggregate.Aggregator
	gate       *mfa.Gate
	identity   IdentityResolver
	events     EventPublishingGateway
	cache      storage.SessionCache // 可为 nil；跨实例定稿互斥用
	clock      time2.Clock

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewCoordinator(
	sessions *session.Store,
	ledger *nonce.Ledger,
	aggregator *aggregate.Aggregator,
	gate *mfa.Gate,
	identity IdentityResolver,
	events EventPublishingGateway,
	cache storage.SessionCache,
	clock time2.Clock,
) *Coordinator {
	return &Coordinator{
		sessions:   sessions,
		ledger:     ledger,
		aggregator: aggregator,
		gate:       gate,
		identity:   identity,
		events:     events,
		cache:      cache,
		clock:      clock,
		locks:      make(map[string]*sync.Mutex),
	}
}

// sessionLock 按会话键控的互斥锁；锁随会话创建，终态后不回收
// （会话量由保留窗口清理约束，锁条目成本可忽略）
func (c *Coordinator) sessionLock(sessionID string) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.locks[sessionID]
	if !ok {
		l = &sync.Mutex{}
		c.locks[sessionID] = l
	}
	return l
}

func (c *Coordinator) publish(ctx context.Context, event *SessionEvent) {
	if c.events == nil {
		return
	}
	event.OccurredAt = c.clock.Now()
	if err := c.events.PublishSessionEvent(ctx, event); err != nil {
		log.Warn().Err(err).
			Str("event_type", event.Type).
			Str("session_id", event.SessionID).
			Msg("Failed to publish session event")
	}
}

// CreateSessionParams 创建会话参数
type CreateSessionParams struct {
	GroupID      string
	MessageHash  []byte
	Participants []string
	Threshold    int
	Amount       uint64
	Deadline     time.Time
}

// CreateSession 创建会话并进入承诺收集阶段：
// 发布创建事件（视为参与者通知完成）后迁移 pending → nonce_collection，
// 并按群策略向审批者下发硬件审批请求
func (c *Coordinator) CreateSession(ctx context.Context, params CreateSessionParams) (*storage.SigningSession, error) {
	sess, err := c.sessions.Create(ctx, params.GroupID, params.MessageHash, params.Participants, params.Threshold, params.Amount, params.Deadline)
	if err != nil {
		return nil, err
	}

	c.publish(ctx, &SessionEvent{
		Type:      EventTypeSessionCreated,
		SessionID: sess.SessionID,
		GroupID:   sess.GroupID,
		State:     sess.State,
	})

	sess, err = c.sessions.Advance(ctx, sess.SessionID, session.EventParticipantsNotified, nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open nonce collection")
	}

	if policy, perr := c.identity.GroupPolicy(ctx, sess.GroupID); perr != nil {
		log.Warn().Err(perr).Str("group_id", sess.GroupID).Msg("Cannot resolve mfa policy, approval requests skipped")
	} else {
		c.gate.RequestApprovals(ctx, sess, policy)
	}

	log.Info().
		Str("session_id", sess.SessionID).
		Str("group_id", sess.GroupID).
		Int("threshold", sess.Threshold).
		Int("participants", len(sess.Participants)).
		Msg("Signing session created")

	return sess, nil
}

// SubmitNonceCommitment 受理第一轮承诺。集齐 k 个承诺时选定活跃子集
// （按到达顺序取前 k 个）并迁移到 signing。
// signing 开始后到达的承诺仅作审计存档，返回 late=true 且不改变子集。
// 跨会话承诺复用是协议中止：收到复用值的会话立即 failed，须以全新会话重启
func (c *Coordinator) SubmitNonceCommitment(ctx context.Context, sessionID, participantID string, commitment []byte) (late bool, err error) {
	lock := c.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	sess, err := c.sessions.Get(ctx, sessionID)
	if err != nil {
		return false, err
	}

	state := session.State(sess.State)
	if state == session.StateSigning || state == session.StateAggregating {
		if err := c.ledger.RecordLate(ctx, sess, participantID, commitment); err != nil {
			return false, c.abortOnNonceReuse(ctx, sessionID, err)
		}
		return true, nil
	}
	if state.Terminal() {
		return false, errors.Wrapf(session.ErrSessionTerminal, "state %s", sess.State)
	}

	if err := c.ledger.Record(ctx, sess, participantID, commitment); err != nil {
		return false, c.abortOnNonceReuse(ctx, sessionID, err)
	}

	count, err := c.ledger.Count(ctx, sessionID)
	if err != nil {
		return false, errors.Wrap(err, "failed to count commitments")
	}
	if count < sess.Threshold || state != session.StateNonceCollection {
		return false, nil
	}

	subset, err := c.selectActiveSigners(ctx, sess)
	if err != nil {
		return false, err
	}

	sess, err = c.sessions.Advance(ctx, sessionID, session.EventThresholdCommitments, func(s *storage.SigningSession) {
		s.ActiveSigners = subset
	})
	if err != nil {
		return false, errors.Wrap(err, "failed to enter signing phase")
	}

	c.publish(ctx, &SessionEvent{
		Type:      EventTypePhaseChanged,
		SessionID: sess.SessionID,
		GroupID:   sess.GroupID,
		State:     sess.State,
	})

	log.Info().
		Str("session_id", sessionID).
		Strs("active_signers", subset).
		Msg("Threshold commitments reached, signing phase opened")

	return false, nil
}

// abortOnNonceReuse 承诺复用即密钥恢复攻击面成立，会话不可挽救：
// 迁移到 failed 并发布失败事件，原始错误原样返回给提交方
func (c *Coordinator) abortOnNonceReuse(ctx context.Context, sessionID string, err error) error {
	if !errors.Is(err, nonce.ErrNonceReuseDetected) {
		return err
	}

	failed, aerr := c.sessions.Advance(ctx, sessionID, session.EventUnrecoverableError, func(s *storage.SigningSession) {
		s.FailureReason = session.FailureReasonNonceReuseDetected
	})
	if aerr != nil {
		log.Error().Err(aerr).Str("session_id", sessionID).Msg("Failed to abort session after nonce reuse")
		return err
	}

	c.publish(ctx, &SessionEvent{
		Type:      EventTypeSessionFailed,
		SessionID: failed.SessionID,
		GroupID:   failed.GroupID,
		State:     failed.State,
		Reason:    failed.FailureReason,
	})

	log.Warn().
		Str("session_id", sessionID).
		Msg("Nonce commitment reuse detected, session aborted")
	return err
}

// selectActiveSigners 活跃子集：承诺到达顺序的前 k 个参与者
func (c *Coordinator) selectActiveSigners(ctx context.Context, sess *storage.SigningSession) ([]string, error) {
	commitments, err := c.ledger.List(ctx, sess.SessionID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list commitments for subset selection")
	}
	if len(commitments) < sess.Threshold {
		return nil, errors.Errorf("subset selection requires %d commitments, have %d", sess.Threshold, len(commitments))
	}
	subset := make([]string, 0, sess.Threshold)
	for _, commitment := range commitments[:sess.Threshold] {
		subset = append(subset, commitment.ParticipantID)
	}
	return subset, nil
}

// SigningContext 活跃签名者计算第二轮分片所需的上下文
func (c *Coordinator) SigningContext(ctx context.Context, sessionID string) (*aggregate.SigningContext, error) {
	sess, err := c.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session.State(sess.State) != session.StateSigning && session.State(sess.State) != session.StateAggregating {
		return nil, errors.Wrapf(aggregate.ErrWrongPhase, "state %s", sess.State)
	}
	return c.aggregator.BuildSigningContext(ctx, sess)
}

// SubmitPartialSignature 受理第二轮部分签名。集齐 k 个分片时迁移到
// aggregating 并立即尝试定稿（聚合、验证、MFA 门禁、发布）
func (c *Coordinator) SubmitPartialSignature(ctx context.Context, sessionID, participantID string, partial []byte) error {
	lock := c.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	sess, err := c.sessions.Get(ctx, sessionID)
	if err != nil {
		return err
	}

	if err := c.aggregator.Submit(ctx, sess, participantID, partial); err != nil {
		return err
	}

	count, err := c.aggregator.CountSubmitted(ctx, sess)
	if err != nil {
		return err
	}
	if count < sess.Threshold {
		return nil
	}

	sess, err = c.sessions.Advance(ctx, sessionID, session.EventThresholdPartials, nil)
	if err != nil {
		return errors.Wrap(err, "failed to enter aggregating phase")
	}

	c.publish(ctx, &SessionEvent{
		Type:      EventTypePhaseChanged,
		SessionID: sess.SessionID,
		GroupID:   sess.GroupID,
		State:     sess.State,
	})

	if _, err := c.finalizeLocked(ctx, sess); err != nil {
		// MFA 仍在等待审批不是错误：定稿会在审批到达或显式 Finalize 时重试。
		// 另一实例正在定稿同理
		switch {
		case errors.Is(err, ErrMfaPending):
			log.Info().Str("session_id", sessionID).Msg("Aggregation complete, awaiting hardware approvals")
			return nil
		case errors.Is(err, ErrFinalizeInProgress):
			return nil
		}
		return err
	}
	return nil
}

// Finalize 幂等定稿：completed 会话直接返回既有签名；
// aggregating 会话执行 聚合 → 验证 → MFA 门禁 → 发布。
// MFA 未齐返回 ErrMfaPending 且不改变状态，可安全重试
func (c *Coordinator) Finalize(ctx context.Context, sessionID string) (*frost.Signature, error) {
	lock := c.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	sess, err := c.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return c.finalizeLocked(ctx, sess)
}

func (c *Coordinator) finalizeLocked(ctx context.Context, sess *storage.SigningSession) (*frost.Signature, error) {
	switch session.State(sess.State) {
	case session.StateCompleted:
		return frost.ParseSignature(sess.FinalSignature)
	case session.StateAggregating:
		// 继续定稿
	default:
		return nil, errors.Wrapf(ErrNotFinalized, "state %s", sess.State)
	}

	// 跨实例互斥：进程内锁只约束本实例，定稿的聚合-验证-发布序列
	// 由分布式锁串行化；锁服务不可用时退回存储层 CAS 兜底
	if c.cache != nil {
		lockKey := "finalize:" + sess.SessionID
		acquired, err := c.cache.AcquireLock(ctx, lockKey, finalizeLockTTL)
		if err != nil {
			log.Warn().Err(err).Str("session_id", sess.SessionID).Msg("Finalize lock unavailable, relying on store CAS")
		} else if !acquired {
			return nil, errors.Wrapf(ErrFinalizeInProgress, "session %s", sess.SessionID)
		} else {
			defer func() {
				if rerr := c.cache.ReleaseLock(ctx, lockKey); rerr != nil {
					log.Warn().Err(rerr).Str("session_id", sess.SessionID).Msg("Failed to release finalize lock")
				}
			}()
		}
	}

	sig, err := c.aggregator.Aggregate(ctx, sess)
	if err != nil {
		return nil, err
	}

	valid, err := c.aggregator.Verify(ctx, sess, sig)
	if err != nil {
		return nil, err
	}
	if !valid {
		// 验证失败意味着分片损坏，绝不重试：以全新会话（全新 nonce）重启
		failed, aerr := c.sessions.Advance(ctx, sess.SessionID, session.EventAggregateInvalid, func(s *storage.SigningSession) {
			s.FailureReason = session.FailureReasonAggregationVerificationFailed
		})
		if aerr != nil {
			return nil, errors.Wrap(aerr, "failed to mark session failed")
		}
		c.publish(ctx, &SessionEvent{
			Type:      EventTypeSessionFailed,
			SessionID: failed.SessionID,
			GroupID:   failed.GroupID,
			State:     failed.State,
			Reason:    failed.FailureReason,
		})
		return nil, ErrAggregateInvalid
	}

	policy, err := c.identity.GroupPolicy(ctx, sess.GroupID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to resolve mfa policy")
	}
	decision, err := c.gate.EvaluateSession(ctx, sess, policy, sess.Amount)
	if err != nil {
		return nil, err
	}

	switch decision {
	case mfa.DecisionPending:
		return nil, ErrMfaPending
	case mfa.DecisionBlocked:
		// 已验证的签名保留在聚合器缓存中供审计，但绝不发布
		failed, aerr := c.sessions.Advance(ctx, sess.SessionID, session.EventUnrecoverableError, func(s *storage.SigningSession) {
			s.FailureReason = session.FailureReasonMfaGateBlocked
		})
		if aerr != nil {
			return nil, errors.Wrap(aerr, "failed to mark session failed")
		}
		c.publish(ctx, &SessionEvent{
			Type:      EventTypeSessionFailed,
			SessionID: failed.SessionID,
			GroupID:   failed.GroupID,
			State:     failed.State,
			Reason:    failed.FailureReason,
		})
		log.Warn().
			Str("session_id", sess.SessionID).
			Msg("Hardware mfa gate blocked session, verified signature withheld")
		return nil, ErrMfaBlocked
	}

	completed, err := c.sessions.Advance(ctx, sess.SessionID, session.EventAggregateVerified, func(s *storage.SigningSession) {
		s.FinalSignature = sig.Bytes()
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to complete session")
	}

	c.publish(ctx, &SessionEvent{
		Type:      EventTypeSessionCompleted,
		SessionID: completed.SessionID,
		GroupID:   completed.GroupID,
		State:     completed.State,
		Signature: completed.FinalSignature,
	})

	log.Info().
		Str("session_id", completed.SessionID).
		Str("group_id", completed.GroupID).
		Msg("Signing session completed, aggregate signature published")

	return sig, nil
}

// SubmitHardwareApproval 受理硬件审批响应；会话已处于 aggregating 时
// 立即重试定稿，避免审批到齐后还需显式 Finalize
func (c *Coordinator) SubmitHardwareApproval(ctx context.Context, sessionID, approverID string, pubKey, sig []byte, approvedAt time.Time, approve bool) error {
	lock := c.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	sess, err := c.sessions.Get(ctx, sessionID)
	if err != nil {
		return err
	}
	policy, err := c.identity.GroupPolicy(ctx, sess.GroupID)
	if err != nil {
		return errors.Wrap(err, "failed to resolve mfa policy")
	}
	if err := c.gate.SubmitApproval(ctx, sess, policy, approverID, pubKey, sig, approvedAt, approve); err != nil {
		return err
	}

	if session.State(sess.State) == session.StateAggregating {
		// 审批本身已受理；门禁仍在等待、据此否决或他实例正在定稿
		// 都不是提交方的错误
		if _, err := c.finalizeLocked(ctx, sess); err != nil &&
			!errors.Is(err, ErrMfaPending) && !errors.Is(err, ErrMfaBlocked) &&
			!errors.Is(err, ErrFinalizeInProgress) {
			return err
		}
	}
	return nil
}

// Status 会话状态快照
type Status struct {
	Session         *storage.SigningSession
	CommitmentCount int
	PartialCount    int
	MfaDecision     mfa.Decision
}

// GetSessionStatus 只读状态查询，不加会话锁
func (c *Coordinator) GetSessionStatus(ctx context.Context, sessionID string) (*Status, error) {
	sess, err := c.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	commitments, err := c.ledger.Count(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	partials, err := c.aggregator.CountSubmitted(ctx, sess)
	if err != nil {
		return nil, err
	}

	status := &Status{
		Session:         sess,
		CommitmentCount: commitments,
		PartialCount:    partials,
	}

	if policy, perr := c.identity.GroupPolicy(ctx, sess.GroupID); perr == nil {
		if decision, derr := c.gate.EvaluateSession(ctx, sess, policy, sess.Amount); derr == nil {
			status.MfaDecision = decision
		}
	}
	return status, nil
}

// AbortSession 管理员显式中止；对终态会话返回 ErrInvalidStateTransition
func (c *Coordinator) AbortSession(ctx context.Context, sessionID, reason string) error {
	lock := c.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	if reason == "" {
		reason = session.FailureReasonAdminAborted
	}
	failed, err := c.sessions.Advance(ctx, sessionID, session.EventAdminAbort, func(s *storage.SigningSession) {
		s.FailureReason = reason
	})
	if err != nil {
		return err
	}

	c.publish(ctx, &SessionEvent{
		Type:      EventTypeSessionFailed,
		SessionID: failed.SessionID,
		GroupID:   failed.GroupID,
		State:     failed.State,
		Reason:    failed.FailureReason,
	})

	log.Info().Str("session_id", sessionID).Str("reason", reason).Msg("Signing session aborted")
	return nil
}

// RunExpiry 周期过期清扫，阻塞直到 ctx 取消
func (c *Coordinator) RunExpiry(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := c.sessions.ExpireOverdue(ctx); err != nil {
				log.Error().Err(err).Msg("Failed to expire overdue sessions")
			}
		}
	}
}
