package nonce_test

import (
	"context"
	"testing"
	"time"

	"github.com/SafeMPC/threshold-coordinator/internal/frost"
	"github.com/SafeMPC/threshold-coordinator/internal/infra/nonce"
	"github.com/SafeMPC/threshold-coordinator/internal/infra/session"
	"github.com/SafeMPC/threshold-coordinator/internal/infra/storage"
	"github.com/dropbox/godropbox/time2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLedger(t *testing.T) (*nonce.Ledger, *storage.MemoryStore) {
	t.Helper()
	mem := storage.NewMemoryStore()
	clock := time2.NewMockClock(time.Date(2025, 8, 15, 12, 0, 0, 0, time.UTC))
	return nonce.NewLedger(mem, nil, clock), mem
}

func testSession(id string, state session.State) *storage.SigningSession {
	return &storage.SigningSession{
		SessionID:    id,
		GroupID:      "group-1",
		Participants: []string{"alice", "bob", "carol"},
		Threshold:    2,
		State:        string(state),
	}
}

func newCommitment(t *testing.T) []byte {
	t.Helper()
	n, err := frost.GenerateNonce()
	require.NoError(t, err)
	return n.Commitment
}

func TestRecordAndCount(t *testing.T) {
	ledger, _ := newTestLedger(t)
	ctx := context.Background()
	sess := testSession("s1", session.StateNonceCollection)

	require.NoError(t, ledger.Record(ctx, sess, "alice", newCommitment(t)))
	require.NoError(t, ledger.Record(ctx, sess, "bob", newCommitment(t)))

	count, err := ledger.Count(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	got, err := ledger.Get(ctx, "s1", "alice")
	require.NoError(t, err)
	assert.False(t, got.Used)
}

func TestRecordValidatesInput(t *testing.T) {
	ledger, _ := newTestLedger(t)
	ctx := context.Background()

	err := ledger.Record(ctx, testSession("s1", session.StateNonceCollection), "alice", []byte("short"))
	assert.Error(t, err)

	err = ledger.Record(ctx, testSession("s1", session.StateNonceCollection), "mallory", newCommitment(t))
	assert.ErrorIs(t, err, nonce.ErrUnknownParticipant)

	err = ledger.Record(ctx, testSession("s1", session.StateCompleted), "alice", newCommitment(t))
	assert.ErrorIs(t, err, nonce.ErrWrongPhase)
}

func TestRecordRejectsSecondCommitmentPerParticipant(t *testing.T) {
	ledger, _ := newTestLedger(t)
	ctx := context.Background()
	sess := testSession("s1", session.StateNonceCollection)

	require.NoError(t, ledger.Record(ctx, sess, "alice", newCommitment(t)))
	err := ledger.Record(ctx, sess, "alice", newCommitment(t))
	assert.ErrorIs(t, err, nonce.ErrAlreadyCommitted)
}

func TestRecordRejectsReuseAcrossSessions(t *testing.T) {
	ledger, _ := newTestLedger(t)
	ctx := context.Background()
	commitment := newCommitment(t)

	require.NoError(t, ledger.Record(ctx, testSession("s1", session.StateNonceCollection), "alice", commitment))

	// 同一承诺值出现在第二个会话：安全事件，硬拒绝
	err := ledger.Record(ctx, testSession("s2", session.StateNonceCollection), "bob", commitment)
	assert.ErrorIs(t, err, nonce.ErrNonceReuseDetected)
}

func TestRecordLate(t *testing.T) {
	ledger, _ := newTestLedger(t)
	ctx := context.Background()

	// signing 阶段的迟到承诺：存档但照常查重
	sess := testSession("s1", session.StateSigning)
	commitment := newCommitment(t)
	require.NoError(t, ledger.RecordLate(ctx, sess, "carol", commitment))

	err := ledger.RecordLate(ctx, testSession("s2", session.StateSigning), "alice", commitment)
	assert.ErrorIs(t, err, nonce.ErrNonceReuseDetected)

	// 收集阶段不走迟到路径
	err = ledger.RecordLate(ctx, testSession("s3", session.StateNonceCollection), "alice", newCommitment(t))
	assert.ErrorIs(t, err, nonce.ErrWrongPhase)
}

// reservingCache mimics the Redis SETNX commitment guard: first reservation
// of a value wins, every later one reports a conflict.
type reservingCache struct {
	reserved map[string]bool
}

func (c *reservingCache) SaveSession(context.Context, *storage.SigningSession, time.Duration) error {
	return nil
}

func (c *reservingCache) GetSession(context.Context, string) (*storage.SigningSession, error) {
	return nil, storage.ErrSessionNotFound
}

func (c *reservingCache) DeleteSession(context.Context, string) error { return nil }

func (c *reservingCache) ReserveCommitment(_ context.Context, commitment []byte) (bool, error) {
	key := string(commitment)
	if c.reserved[key] {
		return false, nil
	}
	c.reserved[key] = true
	return true, nil
}

func (c *reservingCache) AcquireLock(context.Context, string, time.Duration) (bool, error) {
	return true, nil
}

func (c *reservingCache) ReleaseLock(context.Context, string) error { return nil }

func TestOwnCommitmentRetryWithCacheIsDuplicate(t *testing.T) {
	mem := storage.NewMemoryStore()
	clock := time2.NewMockClock(time.Date(2025, 8, 15, 12, 0, 0, 0, time.UTC))
	ledger := nonce.NewLedger(mem, &reservingCache{reserved: make(map[string]bool)}, clock)
	ctx := context.Background()
	sess := testSession("s1", session.StateNonceCollection)
	commitment := newCommitment(t)

	require.NoError(t, ledger.Record(ctx, sess, "alice", commitment))

	// 自己重试已记录的承诺是普通重复，预占命中不得升级为复用事件
	err := ledger.Record(ctx, sess, "alice", commitment)
	assert.ErrorIs(t, err, nonce.ErrAlreadyCommitted)

	// 其他会话提交同一承诺值仍按跨会话复用拒绝
	err = ledger.Record(ctx, testSession("s2", session.StateNonceCollection), "bob", commitment)
	assert.ErrorIs(t, err, nonce.ErrNonceReuseDetected)
}

func TestMarkUsedExactlyOnce(t *testing.T) {
	ledger, _ := newTestLedger(t)
	ctx := context.Background()
	sess := testSession("s1", session.StateNonceCollection)
	commitment := newCommitment(t)

	require.NoError(t, ledger.Record(ctx, sess, "alice", commitment))
	require.NoError(t, ledger.MarkUsed(ctx, commitment))

	err := ledger.MarkUsed(ctx, commitment)
	assert.ErrorIs(t, err, nonce.ErrNonceAlreadyUsed)

	got, err := ledger.Get(ctx, "s1", "alice")
	require.NoError(t, err)
	assert.True(t, got.Used)
}
