package aggregate_test

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"testing"
	"time"

	"github.com/SafeMPC/threshold-coordinator/internal/frost"
	"github.com/SafeMPC/threshold-coordinator/internal/infra/aggregate"
	"github.com/SafeMPC/threshold-coordinator/internal/infra/identity"
	"github.com/SafeMPC/threshold-coordinator/internal/infra/nonce"
	"github.com/SafeMPC/threshold-coordinator/internal/infra/session"
	"github.com/SafeMPC/threshold-coordinator/internal/infra/storage"
	"github.com/dropbox/godropbox/time2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type aggFixture struct {
	aggregator *aggregate.Aggregator
	ledger     *nonce.Ledger
	group      *frost.Group
	shares     map[string]*frost.Share
	nonces     map[string]*frost.Nonce
	sess       *storage.SigningSession
}

// newAggFixture deals a 2-of-3 group and records round-one commitments for
// participants one and two, leaving the session in the signing phase.
func newAggFixture(t *testing.T) *aggFixture {
	t.Helper()

	group, shares, err := frost.DealShares(2, 3)
	require.NoError(t, err)

	participants := []string{"p-1", "p-2", "p-3"}
	cfg := identity.GroupConfig{
		PublicKey:    hex.EncodeToString(group.PublicKey),
		Participants: make(map[string]string, len(participants)),
	}
	byID := make(map[string]*frost.Share, len(shares))
	for i, id := range participants {
		byID[id] = shares[i]
		cfg.Participants[id] = hex.EncodeToString(group.ParticipantKeys[shares[i].Index])
	}
	resolver := identity.NewStaticResolver(nil)
	resolver.RegisterGroup("group-1", cfg)

	mem := storage.NewMemoryStore()
	clock := time2.NewMockClock(time.Date(2025, 8, 15, 12, 0, 0, 0, time.UTC))
	ledger := nonce.NewLedger(mem, nil, clock)

	h := sha256.Sum256([]byte("payload"))
	sess := &storage.SigningSession{
		SessionID:    "session-agg",
		GroupID:      "group-1",
		MessageHash:  h[:],
		State:        string(session.StateNonceCollection),
		Participants: participants,
		Threshold:    2,
	}
	require.NoError(t, mem.InsertSession(context.Background(), sess))

	nonces := make(map[string]*frost.Nonce, 2)
	for _, id := range []string{"p-1", "p-2"} {
		n, err := frost.GenerateNonce()
		require.NoError(t, err)
		nonces[id] = n
		require.NoError(t, ledger.Record(context.Background(), sess, id, n.Commitment))
	}

	sess.State = string(session.StateSigning)
	sess.ActiveSigners = []string{"p-1", "p-2"}

	return &aggFixture{
		aggregator: aggregate.NewAggregator(mem, ledger, resolver, clock),
		ledger:     ledger,
		group:      group,
		shares:     byID,
		nonces:     nonces,
		sess:       sess,
	}
}

func (f *aggFixture) partial(t *testing.T, participantID string) []byte {
	t.Helper()
	signingCtx, err := f.aggregator.BuildSigningContext(context.Background(), f.sess)
	require.NoError(t, err)
	partial, err := frost.SignPartial(f.nonces[participantID].Secret, f.shares[participantID].Secret, signingCtx.Challenge)
	require.NoError(t, err)
	return partial
}

func TestSubmitValidation(t *testing.T) {
	f := newAggFixture(t)
	ctx := context.Background()
	good := f.partial(t, "p-1")

	err := f.aggregator.Submit(ctx, f.sess, "p-1", good[:16])
	assert.Error(t, err)

	err = f.aggregator.Submit(ctx, f.sess, "p-3", good)
	assert.ErrorIs(t, err, aggregate.ErrNotActiveSigner)

	stale := *f.sess
	stale.State = string(session.StatePending)
	err = f.aggregator.Submit(ctx, &stale, "p-1", good)
	assert.ErrorIs(t, err, aggregate.ErrWrongPhase)

	// Active signer whose commitment record is missing.
	orphan := *f.sess
	orphan.ActiveSigners = []string{"p-1", "p-3"}
	err = f.aggregator.Submit(ctx, &orphan, "p-3", good)
	assert.ErrorIs(t, err, aggregate.ErrMissingCommitment)

	require.NoError(t, f.aggregator.Submit(ctx, f.sess, "p-1", good))
	err = f.aggregator.Submit(ctx, f.sess, "p-1", good)
	assert.ErrorIs(t, err, nonce.ErrNonceAlreadyUsed)
}

func TestAggregateRequiresThresholdPartials(t *testing.T) {
	f := newAggFixture(t)
	ctx := context.Background()

	require.NoError(t, f.aggregator.Submit(ctx, f.sess, "p-1", f.partial(t, "p-1")))

	_, err := f.aggregator.Aggregate(ctx, f.sess)
	assert.ErrorIs(t, err, aggregate.ErrInsufficientPartials)
}

func TestAggregateAndVerify(t *testing.T) {
	f := newAggFixture(t)
	ctx := context.Background()

	require.NoError(t, f.aggregator.Submit(ctx, f.sess, "p-1", f.partial(t, "p-1")))
	require.NoError(t, f.aggregator.Submit(ctx, f.sess, "p-2", f.partial(t, "p-2")))

	count, err := f.aggregator.CountSubmitted(ctx, f.sess)
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	sig, err := f.aggregator.Aggregate(ctx, f.sess)
	require.NoError(t, err)

	valid, err := f.aggregator.Verify(ctx, f.sess, sig)
	require.NoError(t, err)
	assert.True(t, valid)

	valid, err = frost.Verify(sig, f.sess.MessageHash, f.group.PublicKey)
	require.NoError(t, err)
	assert.True(t, valid)

	// Repeated aggregation returns the cached result.
	again, err := f.aggregator.Aggregate(ctx, f.sess)
	require.NoError(t, err)
	assert.Same(t, sig, again)

	cached, ok := f.aggregator.CachedSignature(f.sess.SessionID)
	require.True(t, ok)
	assert.Same(t, sig, cached)
}
