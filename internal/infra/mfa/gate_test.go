package mfa_test

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"testing"
	"time"

	"github.com/SafeMPC/threshold-coordinator/internal/infra/mfa"
	"github.com/SafeMPC/threshold-coordinator/internal/infra/storage"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/dropbox/godropbox/time2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type approverKey struct {
	priv   *secp256k1.PrivateKey
	pubKey []byte // 32 byte x-only
}

func newApproverKey(t *testing.T) *approverKey {
	t.Helper()
	priv, err := secp256k1.GeneratePrivateKey()
	require.NoError(t, err)
	return &approverKey{
		priv:   priv,
		pubKey: schnorr.SerializePubKey(priv.PubKey()),
	}
}

// sign produces the BIP-340 approval signature over
// SHA256(sessionID || operationDigest || unix timestamp).
func (k *approverKey) sign(t *testing.T, sessionID string, digest []byte, ts time.Time) []byte {
	t.Helper()
	h := sha256.New()
	h.Write([]byte(sessionID))
	h.Write(digest)
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(ts.Unix()))
	h.Write(buf[:])

	sig, err := schnorr.Sign(k.priv, h.Sum(nil))
	require.NoError(t, err)
	return sig.Serialize()
}

func newTestGate(t *testing.T) (*mfa.Gate, *storage.MemoryStore, *time2.MockClock) {
	t.Helper()
	mem := storage.NewMemoryStore()
	clock := time2.NewMockClock(time.Date(2025, 8, 15, 12, 0, 0, 0, time.UTC))
	return mfa.NewGate(mem, nil, clock), mem, clock
}

func approvalSession() *storage.SigningSession {
	h := sha256.Sum256([]byte("transfer"))
	return &storage.SigningSession{
		SessionID:   "session-mfa",
		GroupID:     "group-1",
		MessageHash: h[:],
	}
}

func requiredPolicy(approvers ...string) *mfa.Policy {
	return &mfa.Policy{Mode: mfa.ModeRequired, ApproverIDs: approvers}
}

func TestSubmitApprovalAcceptsValidSignature(t *testing.T) {
	gate, mem, clock := newTestGate(t)
	ctx := context.Background()
	sess := approvalSession()
	key := newApproverKey(t)

	ts := clock.Now()
	sig := key.sign(t, sess.SessionID, sess.MessageHash, ts)

	err := gate.SubmitApproval(ctx, sess, requiredPolicy("hsm-1"), "hsm-1", key.pubKey, sig, ts, true)
	require.NoError(t, err)

	approval, err := mem.GetApproval(ctx, sess.SessionID, "hsm-1")
	require.NoError(t, err)
	assert.True(t, approval.Passed)
}

func TestSubmitApprovalRejectsUnknownApprover(t *testing.T) {
	gate, _, clock := newTestGate(t)
	sess := approvalSession()
	key := newApproverKey(t)
	ts := clock.Now()

	err := gate.SubmitApproval(context.Background(), sess, requiredPolicy("hsm-1"), "intruder",
		key.pubKey, key.sign(t, sess.SessionID, sess.MessageHash, ts), ts, true)
	assert.ErrorIs(t, err, mfa.ErrApproverNotAllowed)
}

func TestSubmitApprovalRejectsStaleTimestamp(t *testing.T) {
	gate, _, clock := newTestGate(t)
	sess := approvalSession()
	key := newApproverKey(t)

	ts := clock.Now().Add(-6 * time.Minute)
	err := gate.SubmitApproval(context.Background(), sess, requiredPolicy("hsm-1"), "hsm-1",
		key.pubKey, key.sign(t, sess.SessionID, sess.MessageHash, ts), ts, true)
	assert.ErrorIs(t, err, mfa.ErrApprovalExpired)
}

func TestSubmitApprovalRejectsWrongDigest(t *testing.T) {
	gate, _, clock := newTestGate(t)
	sess := approvalSession()
	key := newApproverKey(t)
	ts := clock.Now()

	// 对别的消息签名的审批不能复用
	err := gate.SubmitApproval(context.Background(), sess, requiredPolicy("hsm-1"), "hsm-1",
		key.pubKey, key.sign(t, "session-other", sess.MessageHash, ts), ts, true)
	assert.ErrorIs(t, err, mfa.ErrApprovalInvalid)
}

func TestRepeatedFailuresLockOutApprover(t *testing.T) {
	gate, _, clock := newTestGate(t)
	ctx := context.Background()
	sess := approvalSession()
	key := newApproverKey(t)
	policy := requiredPolicy("hsm-1")

	ts := clock.Now()
	badSig := key.sign(t, "session-other", sess.MessageHash, ts)

	for i := 0; i < 5; i++ {
		err := gate.SubmitApproval(ctx, sess, policy, "hsm-1", key.pubKey, badSig, ts, true)
		assert.ErrorIs(t, err, mfa.ErrApprovalInvalid)
	}

	// 冷却期内连有效审批也被拒
	goodSig := key.sign(t, sess.SessionID, sess.MessageHash, ts)
	err := gate.SubmitApproval(ctx, sess, policy, "hsm-1", key.pubKey, goodSig, ts, true)
	assert.ErrorIs(t, err, mfa.ErrApproverLockedOut)

	// 冷却结束后恢复
	clock.Advance(16 * time.Minute)
	ts = clock.Now()
	goodSig = key.sign(t, sess.SessionID, sess.MessageHash, ts)
	err = gate.SubmitApproval(ctx, sess, policy, "hsm-1", key.pubKey, goodSig, ts, true)
	assert.NoError(t, err)
}

func passedApproval(approverID string) *storage.HardwareApproval {
	return &storage.HardwareApproval{ApproverID: approverID, Signature: make([]byte, 64), Passed: true}
}

func TestEvaluatePolicies(t *testing.T) {
	gate, _, _ := newTestGate(t)

	t.Run("disabled always passes", func(t *testing.T) {
		decision, err := gate.Evaluate(&mfa.Policy{Mode: mfa.ModeDisabled}, nil, 0)
		require.NoError(t, err)
		assert.Equal(t, mfa.DecisionPass, decision)
	})

	t.Run("optional never blocks", func(t *testing.T) {
		decision, err := gate.Evaluate(&mfa.Policy{Mode: mfa.ModeOptional, ApproverIDs: []string{"a"}}, nil, 0)
		require.NoError(t, err)
		assert.Equal(t, mfa.DecisionPass, decision)
	})

	t.Run("required pending without approvals", func(t *testing.T) {
		decision, err := gate.Evaluate(requiredPolicy("a"), nil, 0)
		require.NoError(t, err)
		assert.Equal(t, mfa.DecisionPending, decision)
	})

	t.Run("required passes when its only approver passes", func(t *testing.T) {
		decision, err := gate.Evaluate(requiredPolicy("a"),
			[]*storage.HardwareApproval{passedApproval("a")}, 0)
		require.NoError(t, err)
		assert.Equal(t, mfa.DecisionPass, decision)
	})

	t.Run("k of n requires distinct approvers", func(t *testing.T) {
		policy := &mfa.Policy{Mode: mfa.ModeKOfNRequired, ApproverIDs: []string{"a", "b", "c"}, ApproverThreshold: 2}

		decision, err := gate.Evaluate(policy, []*storage.HardwareApproval{passedApproval("a"), passedApproval("a")}, 0)
		require.NoError(t, err)
		assert.Equal(t, mfa.DecisionPending, decision)

		decision, err = gate.Evaluate(policy, []*storage.HardwareApproval{passedApproval("a"), passedApproval("b")}, 0)
		require.NoError(t, err)
		assert.Equal(t, mfa.DecisionPass, decision)
	})

	t.Run("amount threshold", func(t *testing.T) {
		policy := &mfa.Policy{Mode: mfa.ModeRequiredAboveAmount, ApproverIDs: []string{"a"}, AmountLimit: 1000}

		decision, err := gate.Evaluate(policy, nil, 500)
		require.NoError(t, err)
		assert.Equal(t, mfa.DecisionPass, decision)

		decision, err = gate.Evaluate(policy, nil, 1500)
		require.NoError(t, err)
		assert.Equal(t, mfa.DecisionPending, decision)
	})

	t.Run("approvals from outside the approver set are ignored", func(t *testing.T) {
		decision, err := gate.Evaluate(requiredPolicy("a"),
			[]*storage.HardwareApproval{passedApproval("z")}, 0)
		require.NoError(t, err)
		assert.Equal(t, mfa.DecisionPending, decision)
	})
}

func TestRequiredNeedsEveryApprover(t *testing.T) {
	gate, _, _ := newTestGate(t)
	policy := requiredPolicy("a", "b")

	// 未集齐全体审批者之前不得放行
	decision, err := gate.Evaluate(policy, []*storage.HardwareApproval{passedApproval("a")}, 0)
	require.NoError(t, err)
	assert.Equal(t, mfa.DecisionPending, decision)

	decision, err = gate.Evaluate(policy, []*storage.HardwareApproval{passedApproval("a"), passedApproval("b")}, 0)
	require.NoError(t, err)
	assert.Equal(t, mfa.DecisionPass, decision)

	// 超额时 required_above_amount 同样要求全体
	above := &mfa.Policy{Mode: mfa.ModeRequiredAboveAmount, ApproverIDs: []string{"a", "b"}, AmountLimit: 1000}
	decision, err = gate.Evaluate(above, []*storage.HardwareApproval{passedApproval("a")}, 1500)
	require.NoError(t, err)
	assert.Equal(t, mfa.DecisionPending, decision)
}

func rejectedApproval(approverID string) *storage.HardwareApproval {
	return &storage.HardwareApproval{ApproverID: approverID, Signature: make([]byte, 64), Passed: false}
}

func TestSubmitApprovalRecordsExplicitRejection(t *testing.T) {
	gate, mem, clock := newTestGate(t)
	ctx := context.Background()
	sess := approvalSession()
	key := newApproverKey(t)

	ts := clock.Now()
	sig := key.sign(t, sess.SessionID, sess.MessageHash, ts)
	err := gate.SubmitApproval(ctx, sess, requiredPolicy("hsm-1"), "hsm-1", key.pubKey, sig, ts, false)
	require.NoError(t, err)

	approval, err := mem.GetApproval(ctx, sess.SessionID, "hsm-1")
	require.NoError(t, err)
	assert.False(t, approval.Passed)
}

func TestEvaluateRejectionVeto(t *testing.T) {
	gate, _, _ := newTestGate(t)

	t.Run("required mode is vetoed by a single rejection", func(t *testing.T) {
		policy := &mfa.Policy{Mode: mfa.ModeRequired, ApproverIDs: []string{"a", "b"}}
		decision, err := gate.Evaluate(policy, []*storage.HardwareApproval{rejectedApproval("a")}, 0)
		require.NoError(t, err)
		assert.Equal(t, mfa.DecisionBlocked, decision)
	})

	t.Run("k of n blocks once rejections exceed n minus k", func(t *testing.T) {
		policy := &mfa.Policy{Mode: mfa.ModeKOfNRequired, ApproverIDs: []string{"a", "b", "c"}, ApproverThreshold: 2}

		decision, err := gate.Evaluate(policy, []*storage.HardwareApproval{rejectedApproval("a")}, 0)
		require.NoError(t, err)
		assert.Equal(t, mfa.DecisionPending, decision)

		decision, err = gate.Evaluate(policy, []*storage.HardwareApproval{rejectedApproval("a"), rejectedApproval("b")}, 0)
		require.NoError(t, err)
		assert.Equal(t, mfa.DecisionBlocked, decision)
	})
}

func TestFailureLockoutSurvivesRestart(t *testing.T) {
	gate, mem, clock := newTestGate(t)
	ctx := context.Background()
	sess := approvalSession()
	key := newApproverKey(t)
	policy := requiredPolicy("hsm-1")

	ts := clock.Now()
	badSig := key.sign(t, "session-other", sess.MessageHash, ts)
	for i := 0; i < 5; i++ {
		_ = gate.SubmitApproval(ctx, sess, policy, "hsm-1", key.pubKey, badSig, ts, true)
	}

	record, err := mem.GetApproval(ctx, sess.SessionID, "hsm-1")
	require.NoError(t, err)
	assert.Equal(t, 5, record.FailureCount)

	// 重启后的新实例按持久化计数继续拒绝
	restarted := mfa.NewGate(mem, nil, clock)
	goodSig := key.sign(t, sess.SessionID, sess.MessageHash, ts)
	err = restarted.SubmitApproval(ctx, sess, policy, "hsm-1", key.pubKey, goodSig, ts, true)
	assert.ErrorIs(t, err, mfa.ErrApproverLockedOut)

	// 纯计数记录不构成审批响应
	decision, err := restarted.Evaluate(policy, []*storage.HardwareApproval{record}, 0)
	require.NoError(t, err)
	assert.Equal(t, mfa.DecisionPending, decision)

	// 冷却结束后恢复，成功审批清零计数
	clock.Advance(16 * time.Minute)
	ts = clock.Now()
	goodSig = key.sign(t, sess.SessionID, sess.MessageHash, ts)
	require.NoError(t, restarted.SubmitApproval(ctx, sess, policy, "hsm-1", key.pubKey, goodSig, ts, true))

	record, err = mem.GetApproval(ctx, sess.SessionID, "hsm-1")
	require.NoError(t, err)
	assert.Equal(t, 0, record.FailureCount)
}

func TestEvaluateBlocksWhenUnreachable(t *testing.T) {
	gate, _, clock := newTestGate(t)
	ctx := context.Background()
	sess := approvalSession()
	key := newApproverKey(t)
	policy := requiredPolicy("hsm-1")

	// 唯一审批者锁死后，策略已不可能满足
	ts := clock.Now()
	badSig := key.sign(t, "session-other", sess.MessageHash, ts)
	for i := 0; i < 5; i++ {
		_ = gate.SubmitApproval(ctx, sess, policy, "hsm-1", key.pubKey, badSig, ts, true)
	}

	decision, err := gate.Evaluate(policy, nil, 0)
	require.NoError(t, err)
	assert.Equal(t, mfa.DecisionBlocked, decision)
}
