package db

import (
	"database/sql"

	"github.com/SafeMPC/threshold-coordinator/internal/config"
	"github.com/SafeMPC/threshold-coordinator/internal/util/command"
	"github.com/pkg/errors"
	migrate "github.com/rubenv/sql-migrate"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	_ "github.com/lib/pq"
)

const migrationsDir = "migrations"

func newMigrate() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Applies pending database migrations",
		Run: func(cmd *cobra.Command, args []string) {
			cfg := config.DefaultServiceConfigFromEnv()
			command.ConfigureLogger(cfg)

			applied, err := applyMigrations(cfg)
			if err != nil {
				log.Fatal().Err(err).Msg("Failed to apply migrations")
			}
			log.Info().Int("applied", applied).Msg("Database migrations applied")
		},
	}
}

func applyMigrations(cfg config.Server) (int, error) {
	db, err := sql.Open("postgres", cfg.Database.ConnectionString())
	if err != nil {
		return 0, errors.Wrap(err, "failed to open database connection")
	}
	defer db.Close()

	source := migrate.FileMigrationSource{Dir: migrationsDir}
	applied, err := migrate.Exec(db, "postgres", source, migrate.Up)
	if err != nil {
		return 0, errors.Wrap(err, "failed to execute migrations")
	}
	return applied, nil
}
