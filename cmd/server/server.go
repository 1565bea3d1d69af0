package server

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/SafeMPC/threshold-coordinator/internal/api"
	"github.com/SafeMPC/threshold-coordinator/internal/api/router"
	"github.com/SafeMPC/threshold-coordinator/internal/config"
	"github.com/SafeMPC/threshold-coordinator/internal/util/command"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func New() *cobra.Command {
	return &cobra.Command{
		Use:   "server",
		Short: "Starts the threshold signing coordinator server",
		Run: func(cmd *cobra.Command, args []string) {
			cfg := config.DefaultServiceConfigFromEnv()
			command.ConfigureLogger(cfg)

			if err := runServer(cfg); err != nil {
				log.Fatal().Err(err).Msg("Server terminated")
			}
		},
	}
}

func runServer(cfg config.Server) error {
	s, err := api.InitNewServer(cfg)
	if err != nil {
		return errors.Wrap(err, "failed to initialize server")
	}

	router.Init(s)

	go func() {
		if err := s.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("Failed to start server")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return s.Shutdown(ctx)
}
