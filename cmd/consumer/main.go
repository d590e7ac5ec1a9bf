package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/example/captain-dispatch/internal/config"
	"github.com/example/captain-dispatch/internal/ingest"
	"github.com/example/captain-dispatch/internal/logging"
	"github.com/example/captain-dispatch/internal/registry"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		metricsAddr string
		envFile     string
	)
	cmd := &cobra.Command{
		Use:          "captain-dispatch-consumer",
		Short:        "Move captain position pings from Kafka into the Redis registry",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if envFile != "" {
				if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
					return fmt.Errorf("load %s: %w", envFile, err)
				}
			}
			cfg, err := config.LoadConsumerConfig()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if cmd.Flags().Changed("metrics-addr") {
				cfg.MetricsAddr = metricsAddr
			}
			return run(cfg)
		},
	}
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", ":2112", "address to serve prometheus metrics on")
	cmd.Flags().StringVar(&envFile, "env-file", ".env", "optional dotenv file loaded before the environment is read")
	return cmd
}

func run(cfg config.ConsumerConfig) error {
	log := logging.NewLogger(cfg.LogLevel)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rc := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
	reg := registry.NewRedis(rc, cfg.RedisGeoKey, registry.Options{Freshness: cfg.Freshness})

	srv := &http.Server{Addr: cfg.MetricsAddr, Handler: opsMux(reg.Ping), ReadHeaderTimeout: 5 * time.Second}
	go func() {
		log.Info().Str("addr", cfg.MetricsAddr).Msg("metrics/health listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("metrics server stopped")
		}
	}()

	r := ingest.NewKafkaReader(cfg.KafkaBrokers, cfg.KafkaTopic, cfg.KafkaGroup)
	defer func() {
		_ = r.Close()
		_ = rc.Close()
	}()

	log.Info().Str("topic", cfg.KafkaTopic).Strs("brokers", cfg.KafkaBrokers).Str("group", cfg.KafkaGroup).Msg("consumer listening")
	c := &ingest.Consumer{
		Reader:       r,
		Sink:         reg,
		Log:          logging.Component(log, "consumer"),
		Attempts:     cfg.UpdateAttempts,
		InitialDelay: 200 * time.Millisecond,
	}
	err := c.Run(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	return err
}

// opsMux serves metrics, liveness and readiness backed by ping.
func opsMux(ping func(context.Context) error) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		if err := ping(r.Context()); err != nil {
			http.Error(w, "redis not ready", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})
	return mux
}
