package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/example/captain-dispatch/internal/app"
	"github.com/example/captain-dispatch/internal/config"
	"github.com/example/captain-dispatch/internal/logging"
	"github.com/example/captain-dispatch/internal/storage"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var envFile string
	root := &cobra.Command{
		Use:          "captain-dispatch",
		Short:        "Captain dispatch API",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return loadEnvFile(envFile)
		},
		RunE: serve,
	}
	root.PersistentFlags().StringVar(&envFile, "env-file", ".env", "optional dotenv file loaded before the environment is read")

	root.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP and websocket API",
		RunE:  serve,
	})
	root.AddCommand(&cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations and exit",
		RunE:  migrate,
	})
	return root
}

// loadEnvFile fills unset variables from a dotenv file. A missing file is fine.
func loadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

func serve(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.LoadServerConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	log := logging.NewLogger(cfg.LogLevel)

	svc, err := app.New(ctx, cfg, log)
	if err != nil {
		log.Error().Err(err).Msg("startup failed")
		return err
	}
	defer func() {
		if err := svc.Close(); err != nil {
			log.Error().Err(err).Msg("service close")
		}
	}()
	if err := svc.Run(ctx); err != nil {
		log.Error().Err(err).Msg("server stopped")
		return err
	}
	return nil
}

func migrate(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadServerConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cfg.PGDSN == "" {
		return errors.New("PG_DSN is required for migrate")
	}
	log := logging.NewLogger(cfg.LogLevel)
	db, err := storage.Open(cmd.Context(), cfg.PGDSN)
	if err != nil {
		return err
	}
	defer db.Close()
	return storage.Migrate(cmd.Context(), db, logging.Component(log, "migrate"))
}
