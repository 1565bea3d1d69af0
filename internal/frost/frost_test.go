package frost_test

import (
	"crypto/sha256"
	"testing"

	"github.com/SafeMPC/threshold-coordinator/internal/frost"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// signOnce runs the full two-round flow for the given signer subset and
// returns the aggregated signature together with the per-signer partials.
func signOnce(t *testing.T, group *frost.Group, shares []*frost.Share, subset []uint32, msgHash []byte) (*frost.Signature, map[uint32][]byte, []byte) {
	t.Helper()

	shareByIndex := make(map[uint32]*frost.Share, len(shares))
	for _, s := range shares {
		shareByIndex[s.Index] = s
	}

	// Round 1: nonce commitments
	nonces := make(map[uint32]*frost.Nonce, len(subset))
	commitments := make(map[uint32][]byte, len(subset))
	for _, idx := range subset {
		nonce, err := frost.GenerateNonce()
		require.NoError(t, err)
		nonces[idx] = nonce
		commitments[idx] = nonce.Commitment
	}

	groupCommitment, err := frost.GroupCommitment(commitments, subset)
	require.NoError(t, err)

	challenge, err := frost.Challenge(groupCommitment, group.PublicKey, msgHash)
	require.NoError(t, err)

	// Round 2: partial signatures
	partials := make(map[uint32][]byte, len(subset))
	for _, idx := range subset {
		partial, err := frost.SignPartial(nonces[idx].Secret, shareByIndex[idx].Secret, challenge)
		require.NoError(t, err)

		ok, err := frost.VerifyPartial(partial, commitments[idx], group.ParticipantKeys[idx], challenge)
		require.NoError(t, err)
		require.True(t, ok, "partial signature of index %d must verify", idx)

		partials[idx] = partial
	}

	sig, err := frost.Aggregate(partials, subset, groupCommitment)
	require.NoError(t, err)

	return sig, partials, challenge
}

func TestSignAndVerify2of3(t *testing.T) {
	group, shares, err := frost.DealShares(2, 3)
	require.NoError(t, err)
	require.Len(t, shares, 3)

	msgHash := sha256.Sum256([]byte("transfer 100 sats to the federation treasury"))

	for _, subset := range [][]uint32{{1, 2}, {1, 3}, {2, 3}} {
		sig, _, _ := signOnce(t, group, shares, subset, msgHash[:])

		valid, err := frost.Verify(sig, msgHash[:], group.PublicKey)
		require.NoError(t, err)
		assert.True(t, valid, "subset %v must produce a valid group signature", subset)
	}
}

func TestSignAndVerify3of5(t *testing.T) {
	group, shares, err := frost.DealShares(3, 5)
	require.NoError(t, err)

	msgHash := sha256.Sum256([]byte("rotate federation charter"))
	sig, _, _ := signOnce(t, group, shares, []uint32{2, 4, 5}, msgHash[:])

	valid, err := frost.Verify(sig, msgHash[:], group.PublicKey)
	require.NoError(t, err)
	assert.True(t, valid)
}

func TestVerifyRejectsWrongMessage(t *testing.T) {
	group, shares, err := frost.DealShares(2, 3)
	require.NoError(t, err)

	msgHash := sha256.Sum256([]byte("original message"))
	sig, _, _ := signOnce(t, group, shares, []uint32{1, 2}, msgHash[:])

	otherHash := sha256.Sum256([]byte("tampered message"))
	valid, err := frost.Verify(sig, otherHash[:], group.PublicKey)
	require.NoError(t, err)
	assert.False(t, valid)
}

func TestTamperedPartialFailsDeterministically(t *testing.T) {
	group, shares, err := frost.DealShares(2, 3)
	require.NoError(t, err)

	msgHash := sha256.Sum256([]byte("payout batch 42"))
	subset := []uint32{1, 3}

	shareByIndex := make(map[uint32]*frost.Share)
	for _, s := range shares {
		shareByIndex[s.Index] = s
	}

	nonces := make(map[uint32]*frost.Nonce)
	commitments := make(map[uint32][]byte)
	for _, idx := range subset {
		nonce, err := frost.GenerateNonce()
		require.NoError(t, err)
		nonces[idx] = nonce
		commitments[idx] = nonce.Commitment
	}

	groupCommitment, err := frost.GroupCommitment(commitments, subset)
	require.NoError(t, err)
	challenge, err := frost.Challenge(groupCommitment, group.PublicKey, msgHash[:])
	require.NoError(t, err)

	partials := make(map[uint32][]byte)
	for _, idx := range subset {
		partial, err := frost.SignPartial(nonces[idx].Secret, shareByIndex[idx].Secret, challenge)
		require.NoError(t, err)
		partials[idx] = partial
	}

	// Flip one bit in the second signer's partial.
	partials[3] = append([]byte(nil), partials[3]...)
	partials[3][10] ^= 0x40

	ok, err := frost.VerifyPartial(partials[3], commitments[3], group.ParticipantKeys[3], challenge)
	require.NoError(t, err)
	assert.False(t, ok, "tampered partial must fail per-share verification")

	sig, err := frost.Aggregate(partials, subset, groupCommitment)
	require.NoError(t, err)

	valid, err := frost.Verify(sig, msgHash[:], group.PublicKey)
	require.NoError(t, err)
	assert.False(t, valid, "aggregate over a tampered partial must fail verification")
}

func TestLagrangeSubsetValidation(t *testing.T) {
	_, err := frost.LagrangeCoefficient(2, []uint32{1, 3})
	assert.ErrorIs(t, err, frost.ErrSubsetMissingIndex)

	_, err = frost.LagrangeCoefficient(1, []uint32{1, 1, 2})
	assert.ErrorIs(t, err, frost.ErrInvalidSubset)

	_, err = frost.LagrangeCoefficient(1, nil)
	assert.ErrorIs(t, err, frost.ErrInvalidSubset)

	_, err = frost.LagrangeCoefficient(0, []uint32{0, 1})
	assert.Error(t, err)
}

func TestDealSharesValidatesThreshold(t *testing.T) {
	_, _, err := frost.DealShares(0, 3)
	assert.Error(t, err)

	_, _, err = frost.DealShares(4, 3)
	assert.Error(t, err)
}

func TestParseSignatureRoundTrip(t *testing.T) {
	group, shares, err := frost.DealShares(2, 2)
	require.NoError(t, err)

	msgHash := sha256.Sum256([]byte("round trip"))
	sig, _, _ := signOnce(t, group, shares, []uint32{1, 2}, msgHash[:])

	parsed, err := frost.ParseSignature(sig.Bytes())
	require.NoError(t, err)
	assert.Equal(t, sig.R, parsed.R)
	assert.Equal(t, sig.S, parsed.S)

	_, err = frost.ParseSignature(sig.Bytes()[:32])
	assert.Error(t, err)
}
