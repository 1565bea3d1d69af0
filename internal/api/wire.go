//go:build wireinject

//go:generate wire

package api

import (
	"database/sql"
	"testing"

	"github.com/SafeMPC/threshold-coordinator/internal/config"
	"github.com/google/wire"
)

// INJECTORS - https://github.com/google/wire/blob/main/docs/guide.md#injectors

// serviceSet groups the default set of providers that are required for initing a server
var serviceSet = wire.NewSet(
	newServerWithComponents,
	NewRedisClient,
	NewClock,
	NewJWTManager,
	signingSet,
)

var signingSet = wire.NewSet(
	NewSigningStore,
	NewSessionCache,
	NewSessionStore,
	NewNonceLedger,
	NewIdentityResolver,
	NewAggregator,
	NewApprovalTransport,
	NewGate,
	NewEventGateway,
	NewCoordinator,
)

// InitNewServer returns a new Server instance.
func InitNewServer(
	_ config.Server,
) (*Server, error) {
	wire.Build(serviceSet, NewDB, NoTest)
	return new(Server), nil
}

// InitNewServerWithDB returns a new Server instance with the given DB instance.
// All the other components are initialized via go wire according to the configuration.
func InitNewServerWithDB(
	_ config.Server,
	_ *sql.DB,
	t ...*testing.T,
) (*Server, error) {
	wire.Build(serviceSet)
	return new(Server), nil
}
