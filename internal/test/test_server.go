package test

import (
	"encoding/hex"
	"strconv"
	"testing"
	"time"

	"github.com/SafeMPC/threshold-coordinator/internal/api"
	"github.com/SafeMPC/threshold-coordinator/internal/api/router"
	"github.com/SafeMPC/threshold-coordinator/internal/auth"
	"github.com/SafeMPC/threshold-coordinator/internal/config"
	"github.com/SafeMPC/threshold-coordinator/internal/frost"
	"github.com/SafeMPC/threshold-coordinator/internal/infra/aggregate"
	"github.com/SafeMPC/threshold-coordinator/internal/infra/coordinator"
	"github.com/SafeMPC/threshold-coordinator/internal/infra/events"
	"github.com/SafeMPC/threshold-coordinator/internal/infra/identity"
	"github.com/SafeMPC/threshold-coordinator/internal/infra/mfa"
	"github.com/SafeMPC/threshold-coordinator/internal/infra/nonce"
	"github.com/SafeMPC/threshold-coordinator/internal/infra/session"
	"github.com/SafeMPC/threshold-coordinator/internal/infra/storage"
	"github.com/dropbox/godropbox/time2"
	"github.com/stretchr/testify/require"
)

// WithTestServer provides a fully wired server backed by the in-memory
// store with a mocked clock, no database, redis or event broker required.
func WithTestServer(t *testing.T, closure func(s *api.Server)) {
	t.Helper()
	WithTestServerConfigurable(t, config.DefaultServiceConfigFromEnv(), closure)
}

func WithTestServerConfigurable(t *testing.T, cfg config.Server, closure func(s *api.Server)) {
	t.Helper()

	clock := time2.NewMockClock(time.Date(2025, 8, 15, 12, 0, 0, 0, time.UTC))
	mem := storage.NewMemoryStore()
	resolver := identity.NewStaticResolver(nil)

	sessions := session.NewStore(mem, nil, clock, cfg.Signing.CacheTTL)
	ledger := nonce.NewLedger(mem, nil, clock)
	aggregator := aggregate.NewAggregator(mem, ledger, resolver, clock)
	gate := mfa.NewGate(mem, nil, clock)
	gateway := events.NewLogGateway()

	s := &api.Server{
		Config:      cfg,
		Clock:       clock,
		JWT:         auth.NewJWTManager(cfg.Auth.JWTSecret, "threshold-coordinator", cfg.Auth.TokenExpiry),
		Store:       mem,
		Sessions:    sessions,
		Ledger:      ledger,
		Aggregator:  aggregator,
		Gate:        gate,
		Identity:    resolver,
		Events:      gateway,
		Coordinator: coordinator.NewCoordinator(sessions, ledger, aggregator, gate, resolver, gateway, nil, clock),
	}
	router.Init(s)

	closure(s)
}

// MockClock returns the server clock as its mock implementation so tests
// can advance time.
func MockClock(t *testing.T, s *api.Server) *time2.MockClock {
	t.Helper()
	clock, ok := s.Clock.(*time2.MockClock)
	require.True(t, ok, "test server must carry a mock clock")
	return clock
}

// SigningGroup holds dealer-generated key material for a test signing group.
type SigningGroup struct {
	GroupID      string
	Group        *frost.Group
	Participants []string
	Shares       map[string]*frost.Share
}

// RegisterSigningGroup deals a fresh k-of-n group and registers it with the
// server's identity resolver. Participant IDs are ordered so that list
// position + 1 equals the dealer share index.
func RegisterSigningGroup(t *testing.T, s *api.Server, groupID string, threshold, total int, policy identity.PolicyConfig) *SigningGroup {
	t.Helper()

	group, shares, err := frost.DealShares(threshold, total)
	require.NoError(t, err)

	cfg := identity.GroupConfig{
		PublicKey:    hex.EncodeToString(group.PublicKey),
		Participants: make(map[string]string, total),
		Policy:       policy,
	}

	sg := &SigningGroup{
		GroupID: groupID,
		Group:   group,
		Shares:  make(map[string]*frost.Share, total),
	}
	for _, share := range shares {
		id := participantName(share.Index)
		sg.Participants = append(sg.Participants, id)
		sg.Shares[id] = share
		cfg.Participants[id] = hex.EncodeToString(group.ParticipantKeys[share.Index])
	}

	s.Identity.RegisterGroup(groupID, cfg)
	return sg
}

func participantName(index uint32) string {
	return "participant-" + strconv.Itoa(int(index))
}

// AuthHeader mints a bearer token for the given subject.
func AuthHeader(t *testing.T, s *api.Server, subject, role string, groupIDs []string) string {
	t.Helper()
	token, err := s.JWT.Generate(subject, role, groupIDs)
	require.NoError(t, err)
	return "Bearer " + token
}
