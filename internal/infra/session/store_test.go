package session_test

import (
	"context"
	"crypto/sha256"
	"testing"
	"time"

	"github.com/SafeMPC/threshold-coordinator/internal/infra/session"
	"github.com/SafeMPC/threshold-coordinator/internal/infra/storage"
	"github.com/dropbox/godropbox/time2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) (*session.Store, *storage.MemoryStore, *time2.MockClock) {
	t.Helper()
	mem := storage.NewMemoryStore()
	clock := time2.NewMockClock(time.Date(2025, 8, 15, 12, 0, 0, 0, time.UTC))
	return session.NewStore(mem, nil, clock, time.Minute), mem, clock
}

func messageHash(seed string) []byte {
	h := sha256.Sum256([]byte(seed))
	return h[:]
}

func createSession(t *testing.T, store *session.Store, clock *time2.MockClock, seed string) *storage.SigningSession {
	t.Helper()
	sess, err := store.Create(context.Background(), "group-1", messageHash(seed),
		[]string{"alice", "bob", "carol"}, 2, 0, clock.Now().Add(10*time.Minute))
	require.NoError(t, err)
	return sess
}

func TestCreateValidation(t *testing.T) {
	store, _, clock := newTestStore(t)
	ctx := context.Background()
	deadline := clock.Now().Add(time.Minute)

	_, err := store.Create(ctx, "g", messageHash("m"), nil, 1, 0, deadline)
	assert.ErrorIs(t, err, session.ErrInvalidParticipants)

	_, err = store.Create(ctx, "g", messageHash("m"), []string{"a", "a"}, 1, 0, deadline)
	assert.ErrorIs(t, err, session.ErrInvalidParticipants)

	_, err = store.Create(ctx, "g", messageHash("m"), []string{"a", "b"}, 3, 0, deadline)
	assert.ErrorIs(t, err, session.ErrInvalidThreshold)

	_, err = store.Create(ctx, "g", messageHash("m"), []string{"a", "b"}, 0, 0, deadline)
	assert.ErrorIs(t, err, session.ErrInvalidThreshold)

	_, err = store.Create(ctx, "g", []byte("short"), []string{"a", "b"}, 2, 0, deadline)
	assert.ErrorIs(t, err, session.ErrInvalidMessageHash)
}

func TestCreateRejectsDuplicateActiveMessage(t *testing.T) {
	store, _, clock := newTestStore(t)
	ctx := context.Background()

	createSession(t, store, clock, "payout-1")

	_, err := store.Create(ctx, "group-1", messageHash("payout-1"),
		[]string{"alice", "bob", "carol"}, 2, 0, clock.Now().Add(time.Minute))
	assert.ErrorIs(t, err, session.ErrDuplicateMessage)

	// 不同消息可并行
	_, err = store.Create(ctx, "group-1", messageHash("payout-2"),
		[]string{"alice", "bob", "carol"}, 2, 0, clock.Now().Add(time.Minute))
	assert.NoError(t, err)
}

func TestAdvanceHappyPath(t *testing.T) {
	store, _, clock := newTestStore(t)
	ctx := context.Background()
	sess := createSession(t, store, clock, "m")

	sess, err := store.Advance(ctx, sess.SessionID, session.EventParticipantsNotified, nil)
	require.NoError(t, err)
	assert.Equal(t, string(session.StateNonceCollection), sess.State)

	sess, err = store.Advance(ctx, sess.SessionID, session.EventThresholdCommitments, func(s *storage.SigningSession) {
		s.ActiveSigners = []string{"alice", "bob"}
	})
	require.NoError(t, err)
	assert.Equal(t, string(session.StateSigning), sess.State)
	assert.Equal(t, []string{"alice", "bob"}, sess.ActiveSigners)

	sess, err = store.Advance(ctx, sess.SessionID, session.EventThresholdPartials, nil)
	require.NoError(t, err)
	assert.Equal(t, string(session.StateAggregating), sess.State)

	sess, err = store.Advance(ctx, sess.SessionID, session.EventAggregateVerified, func(s *storage.SigningSession) {
		s.FinalSignature = []byte("sig")
	})
	require.NoError(t, err)
	assert.Equal(t, string(session.StateCompleted), sess.State)
	assert.Equal(t, []byte("sig"), sess.FinalSignature)
	require.NotNil(t, sess.CompletedAt)
}

func TestAdvanceRejectsIllegalTransitions(t *testing.T) {
	store, _, clock := newTestStore(t)
	ctx := context.Background()
	sess := createSession(t, store, clock, "m")

	// pending 不能直接进入 signing
	_, err := store.Advance(ctx, sess.SessionID, session.EventThresholdCommitments, nil)
	assert.ErrorIs(t, err, session.ErrInvalidStateTransition)

	// 终态后一切事件被拒绝
	_, err = store.Advance(ctx, sess.SessionID, session.EventAdminAbort, nil)
	require.NoError(t, err)
	_, err = store.Advance(ctx, sess.SessionID, session.EventParticipantsNotified, nil)
	assert.ErrorIs(t, err, session.ErrInvalidStateTransition)
}

func TestAdvanceEnforcesInvariants(t *testing.T) {
	store, _, clock := newTestStore(t)
	ctx := context.Background()
	sess := createSession(t, store, clock, "m")

	// 非 completed 迁移即使 mutate 塞入签名也会被清除，failure reason 同理
	sess, err := store.Advance(ctx, sess.SessionID, session.EventParticipantsNotified, func(s *storage.SigningSession) {
		s.FinalSignature = []byte("smuggled")
		s.FailureReason = "smuggled"
	})
	require.NoError(t, err)
	assert.Empty(t, sess.FinalSignature)
	assert.Empty(t, sess.FailureReason)

	failed, err := store.Advance(ctx, sess.SessionID, session.EventUnrecoverableError, func(s *storage.SigningSession) {
		s.FailureReason = session.FailureReasonNonceReuseDetected
	})
	require.NoError(t, err)
	assert.Equal(t, string(session.StateFailed), failed.State)
	assert.Equal(t, session.FailureReasonNonceReuseDetected, failed.FailureReason)
	assert.Empty(t, failed.FinalSignature)
}

func TestAdvanceDetectsConcurrentTransition(t *testing.T) {
	store, mem, clock := newTestStore(t)
	ctx := context.Background()
	sess := createSession(t, store, clock, "m")

	// 模拟并发竞争：另一协调器实例抢先迁移了状态
	raced, err := mem.GetSession(ctx, sess.SessionID)
	require.NoError(t, err)
	raced.State = string(session.StateFailed)
	swapped, err := mem.UpdateSessionCAS(ctx, raced, []string{string(session.StatePending)})
	require.NoError(t, err)
	require.True(t, swapped)

	_, err = store.Advance(ctx, sess.SessionID, session.EventParticipantsNotified, nil)
	assert.ErrorIs(t, err, session.ErrInvalidStateTransition)
}

func TestExpireOverdue(t *testing.T) {
	store, _, clock := newTestStore(t)
	ctx := context.Background()
	sess := createSession(t, store, clock, "m")

	// 截止前不过期
	expired, err := store.ExpireOverdue(ctx)
	require.NoError(t, err)
	assert.Zero(t, expired)

	clock.Advance(11 * time.Minute)
	expired, err = store.ExpireOverdue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, expired)

	got, err := store.Get(ctx, sess.SessionID)
	require.NoError(t, err)
	assert.Equal(t, string(session.StateExpired), got.State)
	assert.Empty(t, got.FailureReason)

	// 幂等：重复清扫无副作用
	expired, err = store.ExpireOverdue(ctx)
	require.NoError(t, err)
	assert.Zero(t, expired)
}

func TestExpirySkipsCompletedSession(t *testing.T) {
	store, mem, clock := newTestStore(t)
	ctx := context.Background()
	sess := createSession(t, store, clock, "m")

	clock.Advance(11 * time.Minute)

	// 清扫列出会话之后、CAS 之前，会话正常完成：completed 必须胜出
	raced, err := mem.GetSession(ctx, sess.SessionID)
	require.NoError(t, err)
	raced.State = string(session.StateCompleted)
	raced.FinalSignature = []byte("sig")
	swapped, err := mem.UpdateSessionCAS(ctx, raced, []string{string(session.StatePending)})
	require.NoError(t, err)
	require.True(t, swapped)

	expired, err := store.ExpireOverdue(ctx)
	require.NoError(t, err)
	assert.Zero(t, expired)

	got, err := store.Get(ctx, sess.SessionID)
	require.NoError(t, err)
	assert.Equal(t, string(session.StateCompleted), got.State)
	assert.Equal(t, []byte("sig"), got.FinalSignature)
}

func TestCleanupRemovesOnlyOldTerminalSessions(t *testing.T) {
	store, _, clock := newTestStore(t)
	ctx := context.Background()

	terminal := createSession(t, store, clock, "old")
	_, err := store.Advance(ctx, terminal.SessionID, session.EventAdminAbort, func(s *storage.SigningSession) {
		s.FailureReason = session.FailureReasonAdminAborted
	})
	require.NoError(t, err)

	active := createSession(t, store, clock, "active")

	clock.Advance(48 * time.Hour)
	removed, err := store.Cleanup(ctx, 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	_, err = store.Get(ctx, terminal.SessionID)
	assert.ErrorIs(t, err, storage.ErrSessionNotFound)

	// 非终态会话永不删除，即使早已超过保留窗口
	_, err = store.Get(ctx, active.SessionID)
	assert.NoError(t, err)
}

// trackingCache counts cache writes and evictions per session.
type trackingCache struct {
	saved   map[string]int
	deleted map[string]int
}

func newTrackingCache() *trackingCache {
	return &trackingCache{saved: make(map[string]int), deleted: make(map[string]int)}
}

func (c *trackingCache) SaveSession(_ context.Context, sess *storage.SigningSession, _ time.Duration) error {
	c.saved[sess.SessionID]++
	return nil
}

func (c *trackingCache) GetSession(context.Context, string) (*storage.SigningSession, error) {
	return nil, storage.ErrSessionNotFound
}

func (c *trackingCache) DeleteSession(_ context.Context, sessionID string) error {
	c.deleted[sessionID]++
	return nil
}

func (c *trackingCache) ReserveCommitment(context.Context, []byte) (bool, error) { return true, nil }

func (c *trackingCache) AcquireLock(context.Context, string, time.Duration) (bool, error) {
	return true, nil
}

func (c *trackingCache) ReleaseLock(context.Context, string) error { return nil }

func TestTerminalTransitionEvictsCache(t *testing.T) {
	mem := storage.NewMemoryStore()
	clock := time2.NewMockClock(time.Date(2025, 8, 15, 12, 0, 0, 0, time.UTC))
	cache := newTrackingCache()
	store := session.NewStore(mem, cache, clock, time.Minute)
	ctx := context.Background()

	sess, err := store.Create(ctx, "group-1", messageHash("m"), []string{"alice", "bob"}, 2, 0, clock.Now().Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, cache.saved[sess.SessionID])

	_, err = store.Advance(ctx, sess.SessionID, session.EventParticipantsNotified, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, cache.saved[sess.SessionID])

	// 终态写入后缓存副本逐出，读取回落权威存储
	_, err = store.Advance(ctx, sess.SessionID, session.EventUnrecoverableError, func(s *storage.SigningSession) {
		s.FailureReason = session.FailureReasonAdminAborted
	})
	require.NoError(t, err)
	assert.Equal(t, 2, cache.saved[sess.SessionID])
	assert.Equal(t, 1, cache.deleted[sess.SessionID])

	// 过期清扫同样逐出
	other, err := store.Create(ctx, "group-1", messageHash("m2"), []string{"alice", "bob"}, 2, 0, clock.Now().Add(time.Minute))
	require.NoError(t, err)
	clock.Advance(2 * time.Minute)
	expired, err := store.ExpireOverdue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, expired)
	assert.Equal(t, 1, cache.deleted[other.SessionID])
}
