package api

import (
	"database/sql"
	"testing"
	"time"

	"github.com/SafeMPC/threshold-coordinator/internal/auth"
	"github.com/SafeMPC/threshold-coordinator/internal/config"
	"github.com/SafeMPC/threshold-coordinator/internal/infra/aggregate"
	"github.com/SafeMPC/threshold-coordinator/internal/infra/coordinator"
	"github.com/SafeMPC/threshold-coordinator/internal/infra/events"
	"github.com/SafeMPC/threshold-coordinator/internal/infra/identity"
	"github.com/SafeMPC/threshold-coordinator/internal/infra/mfa"
	"github.com/SafeMPC/threshold-coordinator/internal/infra/nonce"
	"github.com/SafeMPC/threshold-coordinator/internal/infra/session"
	"github.com/SafeMPC/threshold-coordinator/internal/infra/storage"
	"github.com/dropbox/godropbox/time2"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// PROVIDERS - define here only providers that for various reasons (e.g. cyclic dependency) can't live in their corresponding packages
// or for wrapping providers that only accept sub-configs to prevent the requirements for defining providers for sub-configs.
// https://github.com/google/wire/blob/main/docs/guide.md#defining-providers

func NewDB(cfg config.Server) (*sql.DB, error) {
	db, err := sql.Open("postgres", cfg.Database.ConnectionString())
	if err != nil {
		return nil, errors.Wrap(err, "failed to open database connection")
	}
	db.SetMaxOpenConns(25)
	db.SetConnMaxLifetime(5 * time.Minute)
	return db, nil
}

// NewRedisClient returns nil when redis is disabled; every consumer treats a
// nil client as "run without the cache/broker".
func NewRedisClient(cfg config.Server) (*redis.Client, error) {
	if !cfg.Redis.Enabled {
		log.Warn().Msg("Redis disabled, session cache and event publishing degrade to local fallbacks")
		return nil, nil
	}
	opts, err := redis.ParseURL(cfg.Redis.URL)
	if err != nil {
		return nil, errors.Wrap(err, "failed to parse redis url")
	}
	return redis.NewClient(opts), nil
}

func NewClock(t ...*testing.T) time2.Clock {
	var clock time2.Clock

	useMock := len(t) > 0 && t[0] != nil

	if useMock {
		clock = time2.NewMockClock(time.Now())
	} else {
		clock = time2.DefaultClock
	}

	return clock
}

func NewJWTManager(cfg config.Server) *auth.JWTManager {
	return auth.NewJWTManager(cfg.Auth.JWTSecret, "threshold-coordinator", cfg.Auth.TokenExpiry)
}

func NewSigningStore(db *sql.DB) storage.SigningStore {
	return storage.NewPostgreSQLStore(db)
}

func NewSessionCache(client *redis.Client) storage.SessionCache {
	if client == nil {
		return nil
	}
	return storage.NewRedisCache(client)
}

func NewSessionStore(cfg config.Server, store storage.SigningStore, cache storage.SessionCache, clock time2.Clock) *session.Store {
	return session.NewStore(store, cache, clock, cfg.Signing.CacheTTL)
}

func NewNonceLedger(store storage.SigningStore, cache storage.SessionCache, clock time2.Clock) *nonce.Ledger {
	return nonce.NewLedger(store, cache, clock)
}

func NewIdentityResolver(cfg config.Server) (*identity.StaticResolver, error) {
	resolver, err := identity.NewStaticResolverFromFile(cfg.Signing.GroupsFile)
	if err != nil {
		// 无配置文件时以空解析器启动，群经 RegisterGroup 注入（开发模式）
		log.Warn().Err(err).Str("path", cfg.Signing.GroupsFile).Msg("Groups file not loaded, starting with empty identity resolver")
		return identity.NewStaticResolver(nil), nil
	}
	return resolver, nil
}

func NewAggregator(store storage.SigningStore, ledger *nonce.Ledger, resolver *identity.StaticResolver, clock time2.Clock) *aggregate.Aggregator {
	return aggregate.NewAggregator(store, ledger, resolver, clock)
}

func NewApprovalTransport(cfg config.Server, client *redis.Client) mfa.HardwareApprovalTransport {
	if client == nil {
		return nil
	}
	return mfa.NewRedisTransport(client, cfg.Signing.ApprovalChannel)
}

func NewGate(store storage.SigningStore, transport mfa.HardwareApprovalTransport, clock time2.Clock) *mfa.Gate {
	return mfa.NewGate(store, transport, clock)
}

func NewEventGateway(cfg config.Server, client *redis.Client) coordinator.EventPublishingGateway {
	if client == nil {
		return events.NewLogGateway()
	}
	return events.NewRedisGateway(client, cfg.Signing.EventChannel)
}

func NewCoordinator(
	sessions *session.Store,
	ledger *nonce.Ledger,
	aggregator *aggregate.Aggregator,
	gate *mfa.Gate,
	resolver *identity.StaticResolver,
	gateway coordinator.EventPublishingGateway,
	cache storage.SessionCache,
	clock time2.Clock,
) *coordinator.Coordinator {
	return coordinator.NewCoordinator(sessions, ledger, aggregator, gate, resolver, gateway, cache, clock)
}

// NoTest is the wire provider for a production (non-mock) clock.
func NoTest() []*testing.T {
	return nil
}
