package sessions_test

import (
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"testing"

	"github.com/SafeMPC/threshold-coordinator/internal/api"
	"github.com/SafeMPC/threshold-coordinator/internal/auth"
	"github.com/SafeMPC/threshold-coordinator/internal/frost"
	"github.com/SafeMPC/threshold-coordinator/internal/infra/identity"
	"github.com/SafeMPC/threshold-coordinator/internal/test"
	"github.com/SafeMPC/threshold-coordinator/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSigningSessionFlowOverHTTP(t *testing.T) {
	test.WithTestServer(t, func(s *api.Server) {
		group := test.RegisterSigningGroup(t, s, "group-1", 2, 3, identity.PolicyConfig{Mode: "disabled"})
		clock := test.MockClock(t, s)

		messageHash := sha256.Sum256([]byte("send 1 btc"))

		creator := test.AuthHeader(t, s, "participant-1", auth.RoleParticipant, []string{"group-1"})
		res := test.AuthorizedRequest(t, s, "POST", "/api/v1/sessions", &types.PostCreateSessionPayload{
			GroupID:      "group-1",
			MessageHash:  hex.EncodeToString(messageHash[:]),
			Participants: group.Participants,
			Threshold:    2,
		}, creator)
		require.Equal(t, http.StatusCreated, res.Code, res.Body.String())

		var created types.SessionResponse
		test.ParseResponseBody(t, res, &created)
		require.NotEmpty(t, created.SessionID)
		assert.Equal(t, "nonce_collection", created.State)
		assert.True(t, created.Deadline.Equal(clock.Now().Add(s.Config.Signing.SessionTTL)))

		base := "/api/v1/sessions/" + created.SessionID

		// Round one: first two commitments open the signing phase.
		nonces := make(map[string]*frost.Nonce, 2)
		for i, id := range []string{"participant-1", "participant-2"} {
			n, err := frost.GenerateNonce()
			require.NoError(t, err)
			nonces[id] = n

			token := test.AuthHeader(t, s, id, auth.RoleParticipant, []string{"group-1"})
			res = test.AuthorizedRequest(t, s, "POST", base+"/commitments", &types.PostCommitmentPayload{
				Commitment: hex.EncodeToString(n.Commitment),
			}, token)
			require.Equal(t, http.StatusCreated, res.Code, res.Body.String())

			var commitRes types.PostCommitmentResponse
			test.ParseResponseBody(t, res, &commitRes)
			assert.False(t, commitRes.Late)
			if i == 1 {
				assert.Equal(t, "signing", commitRes.State)
			}
		}

		// Round two: fetch the signing context and submit both partials.
		res = test.AuthorizedRequest(t, s, "GET", base+"/signing-context", nil, creator)
		require.Equal(t, http.StatusOK, res.Code, res.Body.String())

		var signingCtx types.SigningContextResponse
		test.ParseResponseBody(t, res, &signingCtx)
		assert.Equal(t, []uint32{1, 2}, signingCtx.SignerIndices)
		challenge, err := hex.DecodeString(signingCtx.Challenge)
		require.NoError(t, err)

		for i, id := range []string{"participant-1", "participant-2"} {
			partial, err := frost.SignPartial(nonces[id].Secret, group.Shares[id].Secret, challenge)
			require.NoError(t, err)

			token := test.AuthHeader(t, s, id, auth.RoleParticipant, []string{"group-1"})
			res = test.AuthorizedRequest(t, s, "POST", base+"/partial-signatures", &types.PostPartialSignaturePayload{
				Partial: hex.EncodeToString(partial),
			}, token)
			require.Equal(t, http.StatusAccepted, res.Code, res.Body.String())

			var partialRes types.PostPartialSignatureResponse
			test.ParseResponseBody(t, res, &partialRes)
			if i == 1 {
				assert.Equal(t, "completed", partialRes.State)
			}
		}

		res = test.AuthorizedRequest(t, s, "GET", base, nil, creator)
		require.Equal(t, http.StatusOK, res.Code)

		var final types.SessionResponse
		test.ParseResponseBody(t, res, &final)
		require.Equal(t, "completed", final.State)
		require.NotEmpty(t, final.FinalSignature)

		raw, err := hex.DecodeString(final.FinalSignature)
		require.NoError(t, err)
		sig, err := frost.ParseSignature(raw)
		require.NoError(t, err)
		valid, err := frost.Verify(sig, messageHash[:], group.Group.PublicKey)
		require.NoError(t, err)
		assert.True(t, valid)
	})
}

func TestSessionEndpointsRejectOutsiders(t *testing.T) {
	test.WithTestServer(t, func(s *api.Server) {
		group := test.RegisterSigningGroup(t, s, "group-1", 2, 3, identity.PolicyConfig{Mode: "disabled"})

		messageHash := sha256.Sum256([]byte("send 2 btc"))
		creator := test.AuthHeader(t, s, "participant-1", auth.RoleParticipant, []string{"group-1"})
		res := test.AuthorizedRequest(t, s, "POST", "/api/v1/sessions", &types.PostCreateSessionPayload{
			GroupID:      "group-1",
			MessageHash:  hex.EncodeToString(messageHash[:]),
			Participants: group.Participants,
			Threshold:    2,
		}, creator)
		require.Equal(t, http.StatusCreated, res.Code, res.Body.String())

		var created types.SessionResponse
		test.ParseResponseBody(t, res, &created)
		base := "/api/v1/sessions/" + created.SessionID

		// No bearer token at all.
		res = test.PerformRequest(t, s, "GET", base, nil, nil)
		assert.Equal(t, http.StatusUnauthorized, res.Code)

		// Token for a different group cannot read the session.
		outsider := test.AuthHeader(t, s, "eve", auth.RoleParticipant, []string{"group-2"})
		res = test.AuthorizedRequest(t, s, "GET", base, nil, outsider)
		test.RequireHTTPError(t, res, http.StatusForbidden, types.PublicHTTPErrorTypeNotParticipant)

		// Group member that is not a session participant cannot commit.
		n, err := frost.GenerateNonce()
		require.NoError(t, err)
		mallory := test.AuthHeader(t, s, "mallory", auth.RoleParticipant, []string{"group-1"})
		res = test.AuthorizedRequest(t, s, "POST", base+"/commitments", &types.PostCommitmentPayload{
			Commitment: hex.EncodeToString(n.Commitment),
		}, mallory)
		test.RequireHTTPError(t, res, http.StatusForbidden, types.PublicHTTPErrorTypeNotParticipant)

		// Only admins may cancel.
		res = test.AuthorizedRequest(t, s, "POST", base+"/cancel", &types.PostCancelSessionPayload{}, mallory)
		assert.Equal(t, http.StatusForbidden, res.Code)

		admin := test.AuthHeader(t, s, "ops", auth.RoleAdmin, nil)
		res = test.AuthorizedRequest(t, s, "POST", base+"/cancel", &types.PostCancelSessionPayload{Reason: "drill"}, admin)
		require.Equal(t, http.StatusOK, res.Code, res.Body.String())

		res = test.AuthorizedRequest(t, s, "GET", base, nil, creator)
		require.Equal(t, http.StatusOK, res.Code)
		var cancelled types.SessionResponse
		test.ParseResponseBody(t, res, &cancelled)
		assert.Equal(t, "failed", cancelled.State)
		assert.Equal(t, "drill", cancelled.FailureReason)
	})
}
