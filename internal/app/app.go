// Package app wires the dispatcher from configuration: Postgres or memory
// for the ledger and orders, Redis or memory for the registry, Kafka when
// brokers are configured.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/example/captain-dispatch/internal/config"
	httpapi "github.com/example/captain-dispatch/internal/http"
	"github.com/example/captain-dispatch/internal/ingest"
	"github.com/example/captain-dispatch/internal/ledger"
	"github.com/example/captain-dispatch/internal/logging"
	"github.com/example/captain-dispatch/internal/notify"
	"github.com/example/captain-dispatch/internal/offer"
	"github.com/example/captain-dispatch/internal/orders"
	"github.com/example/captain-dispatch/internal/registry"
	"github.com/example/captain-dispatch/internal/selector"
	"github.com/example/captain-dispatch/internal/storage"
)

type App struct {
	cfg  config.ServerConfig
	log  zerolog.Logger
	http *http.Server

	Coordinator *offer.Coordinator
	Registry    registry.Registry
	Handler     http.Handler

	closers []io.Closer
}

func New(ctx context.Context, cfg config.ServerConfig, log zerolog.Logger) (*App, error) {
	a := &App{cfg: cfg, log: log}
	ready := map[string]httpapi.ReadyCheck{}

	var (
		led ledger.Ledger
		ord orders.Store
	)
	if cfg.PGDSN != "" {
		db, err := storage.Open(ctx, cfg.PGDSN)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, db)
		if cfg.RunMigrations {
			if err := storage.Migrate(ctx, db, logging.Component(log, "migrate")); err != nil {
				_ = a.Close()
				return nil, err
			}
		}
		led = ledger.NewPostgres(db)
		ord = orders.NewPostgresStore(db)
		ready["postgres"] = pinger(db)
	} else {
		log.Warn().Msg("PG_DSN not set; ledger and orders kept in memory")
		led = ledger.NewMemory()
		ord = orders.NewMemoryStore()
	}

	var positions httpapi.PositionPublisher
	if len(cfg.KafkaBrokers) > 0 {
		if cfg.KafkaAuditTopic != "" {
			w := ledger.NewAuditWriter(cfg.KafkaBrokers, cfg.KafkaAuditTopic)
			a.closers = append(a.closers, w)
			mirror := ledger.NewKafkaMirror(led, w, logging.Component(log, "audit"))
			a.closers = append(a.closers, mirror)
			led = mirror
		}
		p := ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaPositionsTopic)
		a.closers = append(a.closers, p)
		positions = p
	}

	hub := notify.NewHub()
	fan := notify.Fanout{hub}
	regOpts := registry.Options{Freshness: cfg.Freshness}
	if cfg.RedisAddr != "" {
		rc := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		a.closers = append(a.closers, rc)
		r := registry.NewRedis(rc, cfg.RedisGeoKey, regOpts)
		a.Registry = r
		ready["redis"] = r.Ping
		fan = append(fan, notify.NewRedisPubSub(rc))
	} else {
		a.Registry = registry.NewMemory(regOpts)
	}
	if cfg.PushEndpoint != "" {
		fan = append(fan, notify.NewHTTPPush(cfg.PushEndpoint, cfg.PushKey))
	}
	gw := notify.NewRetrying(fan, notify.RetryConfig{
		Attempts:     cfg.NotifyAttempts,
		InitialDelay: cfg.NotifyInitialDelay,
		MaxDelay:     cfg.NotifyMaxDelay,
	}, logging.Component(log, "notify"))

	a.Coordinator = offer.NewCoordinator(offer.Config{Timeout: cfg.OfferTimeout}, led, ord, gw, a.Registry, logging.Component(log, "offer"))
	sel := &selector.Service{Locations: a.Registry, Pending: a.Coordinator, History: led, Log: logging.Component(log, "selector")}

	a.Handler = httpapi.NewServer(httpapi.Deps{
		Coordinator:          a.Coordinator,
		Selector:             sel,
		Registry:             a.Registry,
		Orders:               ord,
		Hub:                  hub,
		Positions:            positions,
		Ready:                ready,
		DefaultRadiusKm:      cfg.DefaultRadiusKm,
		DefaultMaxCandidates: cfg.DefaultMaxCandidates,
		Log:                  log,
	})
	a.http = &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      a.Handler,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	return a, nil
}

// Run recovers pending offers, then serves until ctx is cancelled.
func (a *App) Run(ctx context.Context) error {
	n, err := a.Coordinator.Recover(ctx)
	if err != nil {
		return fmt.Errorf("recover offers: %w", err)
	}
	a.log.Info().Int("pending", n).Msg("offer state restored")

	janitorCtx, stopJanitor := context.WithCancel(ctx)
	defer stopJanitor()
	go registry.RunJanitor(janitorCtx, a.Registry, a.cfg.SweepInterval, a.cfg.Freshness, logging.Component(a.log, "janitor"))

	errCh := make(chan error, 1)
	go func() {
		a.log.Info().Str("addr", a.cfg.HTTPAddr).Msg("captain dispatch listening")
		errCh <- a.http.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		a.Coordinator.Close()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	a.log.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.ShutdownTimeout)
	defer cancel()
	err = a.http.Shutdown(shutdownCtx)
	a.Coordinator.Close()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http shutdown: %w", err)
	}
	return nil
}

// Close releases connections in reverse order of opening.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

func pinger(db *sql.DB) httpapi.ReadyCheck {
	return func(ctx context.Context) error { return db.PingContext(ctx) }
}
