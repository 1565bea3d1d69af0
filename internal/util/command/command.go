package command

import (
	"context"
	"os"
	"time"

	"github.com/SafeMPC/threshold-coordinator/internal/api"
	"github.com/SafeMPC/threshold-coordinator/internal/config"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

// NewSubcommandGroup returns a command that only exists to group its
// subcommands; invoking it directly prints usage.
func NewSubcommandGroup(name string, subcommands ...*cobra.Command) *cobra.Command {
	cmd := &cobra.Command{
		Use: name,
		Run: func(cmd *cobra.Command, args []string) {
			if err := cmd.Help(); err != nil {
				log.Fatal().Err(err).Msg("Failed to print help")
			}
			os.Exit(0)
		},
	}
	cmd.AddCommand(subcommands...)
	return cmd
}

// WithServer initializes a fully wired server (without starting the HTTP
// listener), runs the closure against it and shuts the server down again.
// Used by one-shot commands that need the component graph (db seed, probes).
func WithServer(ctx context.Context, cfg config.Server, closure func(ctx context.Context, s *api.Server) error) error {
	ConfigureLogger(cfg)

	s, err := api.InitNewServer(cfg)
	if err != nil {
		log.Error().Err(err).Msg("Failed to initialize server")
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if s.Echo == nil {
			// HTTP layer was never attached, close the connections directly
			if s.DB != nil {
				_ = s.DB.Close()
			}
			if s.Redis != nil {
				_ = s.Redis.Close()
			}
			return
		}
		if err := s.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Failed to shut down server")
		}
	}()

	return closure(ctx, s)
}

// ConfigureLogger applies the logger config to the global zerolog logger.
func ConfigureLogger(cfg config.Server) {
	level, err := zerolog.ParseLevel(cfg.Logger.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if cfg.Logger.PrettyPrintConsole {
		log.Logger = log.Output(zerolog.NewConsoleWriter())
	}
}
