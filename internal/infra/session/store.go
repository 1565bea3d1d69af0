package session

import (
	"context"
	"sync"
	"time"

	"github.com/SafeMPC/threshold-coordinator/internal/infra/storage"
	"github.com/dropbox/godropbox/time2"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog/log"
)

// Store 会话存储与状态机。会话状态字段的唯一写入方：
// 所有迁移都走 Advance 的 CAS 更新，过期清扫与正常完成竞争时以先落库者为准
// （completed 一旦写入即为终态，清扫的 CAS 必然失败）
type Store struct {
	store storage.SigningStore
	cache storage.SessionCache // 可为 nil（单实例部署）
	clock time2.Clock

	cacheTTL time.Duration
}

var (
	metricsOnce         sync.Once
	transitionCounter   *prometheus.CounterVec
	sessionDurationHist prometheus.Histogram
	nonceReuseCounter   prometheus.Counter
)

func ensureSessionMetrics() {
	metricsOnce.Do(func() {
		transitionCounter = promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "signing_session_transitions_total",
			Help: "Number of signing session state transitions by target state.",
		}, []string{"to_state"})
		sessionDurationHist = promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "signing_session_duration_seconds",
			Help:    "Wall clock duration of signing sessions reaching a terminal state.",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 12),
		})
		nonceReuseCounter = promauto.NewCounter(prometheus.CounterOpts{
			Name: "signing_nonce_reuse_rejections_total",
			Help: "Number of nonce commitment submissions rejected for cross-session reuse.",
		})
	})
}

// ObserveNonceReuse 记录一次跨会话 nonce 复用拒绝（ledger 回调）
func ObserveNonceReuse() {
	ensureSessionMetrics()
	nonceReuseCounter.Inc()
}

func NewStore(store storage.SigningStore, cache storage.SessionCache, clock time2.Clock, cacheTTL time.Duration) *Store {
	ensureSessionMetrics()
	return &Store{
		store:    store,
		cache:    cache,
		clock:    clock,
		cacheTTL: cacheTTL,
	}
}

// Create 创建新会话（pending 状态）
// threshold 超界返回 ErrInvalidThreshold；同 (group, messageHash) 已有活跃会话
// 返回 ErrDuplicateMessage（防双签竞争）
func (s *Store) Create(ctx context.Context, groupID string, messageHash []byte, participants []string, threshold int, amount uint64, deadline time.Time) (*storage.SigningSession, error) {
	if len(participants) == 0 {
		return nil, ErrInvalidParticipants
	}
	seen := make(map[string]struct{}, len(participants))
	for _, p := range participants {
		if p == "" {
			return nil, ErrInvalidParticipants
		}
		if _, dup := seen[p]; dup {
			return nil, errors.Wrapf(ErrInvalidParticipants, "duplicate participant %s", p)
		}
		seen[p] = struct{}{}
	}
	if threshold < 1 || threshold > len(participants) {
		return nil, errors.Wrapf(ErrInvalidThreshold, "threshold %d, participants %d", threshold, len(participants))
	}
	if len(messageHash) != 32 {
		return nil, errors.Wrapf(ErrInvalidMessageHash, "got %d bytes", len(messageHash))
	}

	now := s.clock.Now()
	session := &storage.SigningSession{
		SessionID:      "session-" + uuid.New().String(),
		GroupID:        groupID,
		MessageHash:    append([]byte(nil), messageHash...),
		Participants:   append([]string(nil), participants...),
		Threshold:      threshold,
		Amount:         amount,
		State:          string(StatePending),
		CreatedAt:      now,
		PhaseChangedAt: now,
		Deadline:       deadline,
	}

	if err := s.store.InsertSession(ctx, session); err != nil {
		if errors.Is(err, storage.ErrActiveSessionExists) {
			return nil, ErrDuplicateMessage
		}
		return nil, errors.Wrap(err, "failed to insert session")
	}

	s.cacheSession(ctx, session)
	transitionCounter.WithLabelValues(string(StatePending)).Inc()
	return session, nil
}

// Get 读取会话（优先缓存）
func (s *Store) Get(ctx context.Context, sessionID string) (*storage.SigningSession, error) {
	if s.cache != nil {
		if cached, err := s.cache.GetSession(ctx, sessionID); err == nil {
			return cached, nil
		}
	}
	return s.store.GetSession(ctx, sessionID)
}

// Advance 应用状态机事件。mutate 在迁移生效前对会话记录做附带修改
// （选定签名者子集、写入最终签名或失败原因）。
// CAS 失败（并发迁移抢先）返回 ErrInvalidStateTransition
func (s *Store) Advance(ctx context.Context, sessionID string, event Event, mutate func(*storage.SigningSession)) (*storage.SigningSession, error) {
	session, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	current := State(session.State)
	next, err := Next(current, event)
	if err != nil {
		return nil, err
	}

	session.State = string(next)
	session.PhaseChangedAt = s.clock.Now()
	if mutate != nil {
		mutate(session)
	}
	if next == StateCompleted {
		now := s.clock.Now()
		session.CompletedAt = &now
	}

	// 不变量：final signature 仅存在于 completed，failure reason 仅存在于 failed
	if next != StateCompleted {
		session.FinalSignature = nil
	}
	if next != StateFailed {
		session.FailureReason = ""
	}

	swapped, err := s.store.UpdateSessionCAS(ctx, session, []string{string(current)})
	if err != nil {
		return nil, errors.Wrap(err, "failed to persist state transition")
	}
	if !swapped {
		return nil, errors.Wrapf(ErrInvalidStateTransition, "session %s changed state concurrently", sessionID)
	}

	// 缓存只服务活跃会话的读路径；终态会话逐出，
	// 避免保留清理删掉权威行之后缓存副本继续被命中
	if next.Terminal() {
		s.dropCachedSession(ctx, session.SessionID)
	} else {
		s.cacheSession(ctx, session)
	}
	transitionCounter.WithLabelValues(string(next)).Inc()
	if next.Terminal() {
		sessionDurationHist.Observe(session.PhaseChangedAt.Sub(session.CreatedAt).Seconds())
	}

	log.Debug().
		Str("session_id", sessionID).
		Str("from_state", string(current)).
		Str("to_state", string(next)).
		Str("event", string(event)).
		Msg("Signing session state transition")

	return session, nil
}

// ExpireOverdue 幂等过期清扫：所有超过截止时间的非终态会话迁移到 expired。
// 可并发、可重复执行；与正常完成竞争时 CAS 保证不会双迁移
func (s *Store) ExpireOverdue(ctx context.Context) (int, error) {
	now := s.clock.Now()
	overdue, err := s.store.ListOverdueSessions(ctx, now, ActiveStates())
	if err != nil {
		return 0, errors.Wrap(err, "failed to list overdue sessions")
	}

	expired := 0
	for _, session := range overdue {
		current := State(session.State)
		session.State = string(StateExpired)
		session.PhaseChangedAt = now
		session.FinalSignature = nil
		session.FailureReason = ""

		swapped, err := s.store.UpdateSessionCAS(ctx, session, []string{string(current)})
		if err != nil {
			return expired, errors.Wrap(err, "failed to expire session")
		}
		if !swapped {
			// 会话在清扫期间已完成或失败，completed 优先
			continue
		}

		s.dropCachedSession(ctx, session.SessionID)
		transitionCounter.WithLabelValues(string(StateExpired)).Inc()
		sessionDurationHist.Observe(now.Sub(session.CreatedAt).Seconds())
		expired++

		log.Info().
			Str("session_id", session.SessionID).
			Str("group_id", session.GroupID).
			Time("deadline", session.Deadline).
			Msg("Signing session expired: deadline exceeded")
	}
	return expired, nil
}

// Cleanup 删除终态超过保留窗口的会话；非终态会话永不删除
func (s *Store) Cleanup(ctx context.Context, retention time.Duration) (int, error) {
	cutoff := s.clock.Now().Add(-retention)
	removed, err := s.store.DeleteTerminalSessionsBefore(ctx, cutoff, TerminalStates())
	if err != nil {
		return 0, errors.Wrap(err, "failed to clean up terminal sessions")
	}
	if removed > 0 {
		log.Info().Int("removed", removed).Time("cutoff", cutoff).Msg("Cleaned up terminal signing sessions")
	}
	return removed, nil
}

func (s *Store) cacheSession(ctx context.Context, session *storage.SigningSession) {
	if s.cache == nil {
		return
	}
	if err := s.cache.SaveSession(ctx, session, s.cacheTTL); err != nil {
		log.Warn().Err(err).Str("session_id", session.SessionID).Msg("Failed to cache session")
	}
}

func (s *Store) dropCachedSession(ctx context.Context, sessionID string) {
	if s.cache == nil {
		return
	}
	if err := s.cache.DeleteSession(ctx, sessionID); err != nil {
		log.Warn().Err(err).Str("session_id", sessionID).Msg("Failed to evict cached session")
	}
}
