// Dev smoke client: drives a full threshold signing round against a running
// coordinator using the dealer shares written by `db seed --signers-file`.
package main

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/SafeMPC/threshold-coordinator/internal/auth"
	"github.com/SafeMPC/threshold-coordinator/internal/frost"
	"github.com/SafeMPC/threshold-coordinator/internal/types"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	baseURL     = flag.String("url", "http://localhost:8080", "Base URL of the coordinator")
	groupsFile  = flag.String("groups-file", "groups.json", "Groups file written by db seed")
	signersFile = flag.String("signers-file", "signers.json", "Signer shares file written by db seed --signers-file")
	message     = flag.String("message", "dev smoke transfer", "Message to sign")
	jwtSecret   = flag.String("jwt-secret", "insecure-dev-secret", "JWT secret shared with the server")
	verbose     = flag.Bool("verbose", false, "Enable verbose logging")
)

type signerShares struct {
	GroupID string            `json:"group_id"`
	Shares  map[string]string `json:"shares"` // participant_id → hex secret share
}

type groupsConfig struct {
	Groups map[string]struct {
		PublicKey    string            `json:"public_key"`
		Participants map[string]string `json:"participants"`
	} `json:"groups"`
}

func main() {
	flag.Parse()

	if *verbose {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	} else {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	if err := run(); err != nil {
		log.Fatal().Err(err).Msg("Smoke test failed")
	}
	log.Info().Msg("Smoke test passed")
}

func run() error {
	signers, groups, err := loadMaterial()
	if err != nil {
		return err
	}
	group, ok := groups.Groups[signers.GroupID]
	if !ok {
		return errors.Errorf("group %s not present in %s", signers.GroupID, *groupsFile)
	}
	groupKey, err := hex.DecodeString(group.PublicKey)
	if err != nil {
		return errors.Wrap(err, "malformed group public key")
	}

	token, err := auth.NewJWTManager(*jwtSecret, "threshold-coordinator", time.Hour).
		Generate("smoke-client", auth.RoleAdmin, nil)
	if err != nil {
		return errors.Wrap(err, "failed to mint client token")
	}
	client := &apiClient{baseURL: *baseURL, token: token}

	participants := make([]string, 0, len(group.Participants))
	for i := 1; i <= len(group.Participants); i++ {
		participants = append(participants, fmt.Sprintf("participant-%d", i))
	}
	messageHash := sha256.Sum256([]byte(*message))
	threshold := 2
	if len(participants) < 2 {
		threshold = 1
	}

	var created types.SessionResponse
	err = client.post("/api/v1/sessions", &types.PostCreateSessionPayload{
		GroupID:      signers.GroupID,
		MessageHash:  hex.EncodeToString(messageHash[:]),
		Participants: participants,
		Threshold:    threshold,
	}, &created)
	if err != nil {
		return errors.Wrap(err, "create session")
	}
	log.Info().Str("session_id", created.SessionID).Msg("Session created")

	base := "/api/v1/sessions/" + created.SessionID
	signerIDs := participants[:threshold]

	nonces := make(map[string]*frost.Nonce, threshold)
	for _, id := range signerIDs {
		n, err := frost.GenerateNonce()
		if err != nil {
			return err
		}
		nonces[id] = n

		var res types.PostCommitmentResponse
		err = client.post(base+"/commitments", &types.PostCommitmentPayload{
			ParticipantID: id,
			Commitment:    hex.EncodeToString(n.Commitment),
		}, &res)
		if err != nil {
			return errors.Wrapf(err, "commitment for %s", id)
		}
		log.Debug().Str("participant_id", id).Str("state", res.State).Msg("Commitment accepted")
	}

	var signingCtx types.SigningContextResponse
	if err := client.get(base+"/signing-context", &signingCtx); err != nil {
		return errors.Wrap(err, "signing context")
	}
	challenge, err := hex.DecodeString(signingCtx.Challenge)
	if err != nil {
		return errors.Wrap(err, "malformed challenge")
	}

	for _, id := range signerIDs {
		share, err := hex.DecodeString(signers.Shares[id])
		if err != nil {
			return errors.Wrapf(err, "malformed share for %s", id)
		}
		partial, err := frost.SignPartial(nonces[id].Secret, share, challenge)
		if err != nil {
			return errors.Wrapf(err, "partial for %s", id)
		}

		var res types.PostPartialSignatureResponse
		err = client.post(base+"/partial-signatures", &types.PostPartialSignaturePayload{
			ParticipantID: id,
			Partial:       hex.EncodeToString(partial),
		}, &res)
		if err != nil {
			return errors.Wrapf(err, "partial signature for %s", id)
		}
		log.Debug().Str("participant_id", id).Str("state", res.State).Msg("Partial accepted")
	}

	var final types.SessionResponse
	if err := client.get(base, &final); err != nil {
		return errors.Wrap(err, "final session state")
	}
	if final.State != "completed" {
		return errors.Errorf("session ended in state %s (reason %q)", final.State, final.FailureReason)
	}

	raw, err := hex.DecodeString(final.FinalSignature)
	if err != nil {
		return errors.Wrap(err, "malformed final signature")
	}
	sig, err := frost.ParseSignature(raw)
	if err != nil {
		return err
	}
	valid, err := frost.Verify(sig, messageHash[:], groupKey)
	if err != nil {
		return err
	}
	if !valid {
		return errors.New("published signature failed local verification")
	}

	log.Info().Str("signature", final.FinalSignature).Msg("Aggregate signature verified against group key")
	return nil
}

func loadMaterial() (*signerShares, *groupsConfig, error) {
	raw, err := os.ReadFile(*signersFile)
	if err != nil {
		return nil, nil, errors.Wrap(err, "read signers file")
	}
	var signers signerShares
	if err := json.Unmarshal(raw, &signers); err != nil {
		return nil, nil, errors.Wrap(err, "parse signers file")
	}

	raw, err = os.ReadFile(*groupsFile)
	if err != nil {
		return nil, nil, errors.Wrap(err, "read groups file")
	}
	var groups groupsConfig
	if err := json.Unmarshal(raw, &groups); err != nil {
		return nil, nil, errors.Wrap(err, "parse groups file")
	}
	return &signers, &groups, nil
}

type apiClient struct {
	baseURL string
	token   string
}

func (c *apiClient) post(path string, body, out interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequest(http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *apiClient) get(path string, out interface{}) error {
	req, err := http.NewRequest(http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *apiClient) do(req *http.Request, out interface{}) error {
	req.Header.Set("Authorization", "Bearer "+c.token)

	res, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()

	raw, err := io.ReadAll(res.Body)
	if err != nil {
		return err
	}
	if res.StatusCode >= 400 {
		return errors.Errorf("%s %s: status %d: %s", req.Method, req.URL.Path, res.StatusCode, raw)
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(raw, out)
}
