package api

import (
	"context"
	"database/sql"
	"time"

	"github.com/SafeMPC/threshold-coordinator/internal/auth"
	"github.com/SafeMPC/threshold-coordinator/internal/config"
	"github.com/SafeMPC/threshold-coordinator/internal/infra/aggregate"
	"github.com/SafeMPC/threshold-coordinator/internal/infra/coordinator"
	"github.com/SafeMPC/threshold-coordinator/internal/infra/identity"
	"github.com/SafeMPC/threshold-coordinator/internal/infra/mfa"
	"github.com/SafeMPC/threshold-coordinator/internal/infra/nonce"
	"github.com/SafeMPC/threshold-coordinator/internal/infra/session"
	"github.com/SafeMPC/threshold-coordinator/internal/infra/storage"
	"github.com/dropbox/godropbox/time2"
	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	// postgres driver for database/sql
	_ "github.com/lib/pq"
)

type Router struct {
	Routes        []*echo.Route
	Root          *echo.Group
	Management    *echo.Group
	APIV1Signing  *echo.Group
	APIV1Approval *echo.Group
}

// Server is a central struct keeping all the dependencies.
// It is initialized with wire, which handles making the new instances of the
// components in the right order. To add a new component, 3 steps are required:
// - declaring it in this struct
// - adding a provider function in providers.go
// - adding the provider's function name to the arguments of wire.Build() in wire.go
//
// Components labeled as `wire:"-"` will be skipped and have to be initialized
// after the InitNewServer* call.
type Server struct {
	// skip wire:
	// -> initialized with router.Init(s) function
	Echo   *echo.Echo `wire:"-"`
	Router *Router    `wire:"-"`

	Config config.Server
	DB     *sql.DB
	Redis  *redis.Client
	Clock  time2.Clock
	JWT    *auth.JWTManager

	Store       storage.SigningStore
	Cache       storage.SessionCache
	Sessions    *session.Store
	Ledger      *nonce.Ledger
	Aggregator  *aggregate.Aggregator
	Gate        *mfa.Gate
	Identity    *identity.StaticResolver
	Events      coordinator.EventPublishingGateway
	Coordinator *coordinator.Coordinator

	cancelBackground context.CancelFunc `wire:"-"`
}

// newServerWithComponents is used by wire to initialize the server components.
func newServerWithComponents(
	cfg config.Server,
	db *sql.DB,
	redisClient *redis.Client,
	clock time2.Clock,
	jwtManager *auth.JWTManager,
	store storage.SigningStore,
	cache storage.SessionCache,
	sessions *session.Store,
	ledger *nonce.Ledger,
	aggregator *aggregate.Aggregator,
	gate *mfa.Gate,
	resolver *identity.StaticResolver,
	events coordinator.EventPublishingGateway,
	coord *coordinator.Coordinator,
) *Server {
	return &Server{
		Config:      cfg,
		DB:          db,
		Redis:       redisClient,
		Clock:       clock,
		JWT:         jwtManager,
		Store:       store,
		Cache:       cache,
		Sessions:    sessions,
		Ledger:      ledger,
		Aggregator:  aggregator,
		Gate:        gate,
		Identity:    resolver,
		Events:      events,
		Coordinator: coord,
	}
}

func (s *Server) Ready() bool {
	return s.Echo != nil &&
		s.Router != nil &&
		s.Sessions != nil &&
		s.Coordinator != nil
}

// Start begins listening and runs the expiry and retention loops until
// Shutdown is called.
func (s *Server) Start() error {
	if !s.Ready() {
		return errors.New("server is not ready")
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancelBackground = cancel

	go s.Coordinator.RunExpiry(ctx, s.Config.Signing.ExpiryInterval)
	go s.runRetention(ctx)

	log.Info().Str("listen_address", s.Config.Echo.ListenAddress).Msg("Starting server")
	return s.Echo.Start(s.Config.Echo.ListenAddress)
}

// runRetention 周期删除保留窗口之外的终态会话
func (s *Server) runRetention(ctx context.Context) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.Sessions.Cleanup(ctx, s.Config.Signing.RetentionWindow); err != nil {
				log.Error().Err(err).Msg("Failed to clean up terminal sessions")
			}
		}
	}
}

func (s *Server) Shutdown(ctx context.Context) error {
	log.Warn().Msg("Shutting down server")

	if s.cancelBackground != nil {
		s.cancelBackground()
	}
	if s.Redis != nil {
		if err := s.Redis.Close(); err != nil {
			log.Error().Err(err).Msg("Failed to close redis client")
		}
	}
	if s.DB != nil {
		if err := s.DB.Close(); err != nil {
			log.Error().Err(err).Msg("Failed to close database connection")
		}
	}
	return s.Echo.Shutdown(ctx)
}
