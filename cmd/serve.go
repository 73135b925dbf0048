package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/bosunhq/bosun/internal/config"
	"github.com/bosunhq/bosun/internal/server"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the Bosun registry",
	Long:  `Start the OCI distribution API and the management API.`,
	Run:   runServe,
}

var logLevel string

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVar(&logLevel, "log-level", "info", "log level (trace, debug, info, warn, error)")
}

func runServe(cmd *cobra.Command, args []string) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	if lvl, err := zerolog.ParseLevel(logLevel); err == nil {
		zerolog.SetGlobalLevel(lvl)
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load config")
	}

	log.Info().Str("version", BuildVersion).Msg("Starting Bosun")
	log.Info().Int("registry_port", cfg.Server.RegistryPort).Msg("Registry API")
	log.Info().Int("port", cfg.Server.Port).Msg("Management API")
	log.Info().Str("data_dir", cfg.Server.DataDir).Msg("Data directory")

	srv, err := server.New(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize server")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := srv.Run(ctx); err != nil {
		log.Fatal().Err(err).Msg("Server error")
	}
	log.Info().Msg("Server stopped")
}
