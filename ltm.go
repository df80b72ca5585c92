// Package ltm embeds the LTM episode server.
//
//	app, err := ltm.New(
//	    ltm.WithVersion(version),
//	    ltm.WithLogger(logger),
//	)
//	if err != nil { ... }
//	if err := app.Run(ctx); err != nil { ... }
//
// Configuration comes from the environment (see internal/config); options
// override individual settings. The state-machine side lives in sdk/go.
package ltm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/joho/godotenv"

	"github.com/ashita-ai/ltm/internal/config"
	"github.com/ashita-ai/ltm/internal/ratelimit"
	"github.com/ashita-ai/ltm/internal/reservation"
	"github.com/ashita-ai/ltm/internal/server"
	"github.com/ashita-ai/ltm/internal/service/episodes"
	"github.com/ashita-ai/ltm/internal/storage"
	"github.com/ashita-ai/ltm/internal/storage/sqlite"
	"github.com/ashita-ai/ltm/internal/telemetry"
	"github.com/ashita-ai/ltm/migrations"
)

// App is the LTM server lifecycle. Construct with New(), run with Run().
type App struct {
	cfg             config.Config
	store           storage.EpisodeStore
	redis           *reservation.Redis // nil when REDIS_URL is unset
	limiter         ratelimit.Limiter
	srv             *server.Server
	otelShutdown    telemetry.Shutdown
	shutdownTimeout time.Duration
	logger          *slog.Logger
	version         string
}

// New opens storage, runs migrations and wires the HTTP API. It does not
// accept connections until Run.
func New(opts ...Option) (*App, error) {
	o := resolvedOptions{}
	for _, fn := range opts {
		fn(&o)
	}

	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}

	// A missing .env is normal outside development.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	applyOverrides(&cfg, o)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	version := o.version
	if version == "" {
		version = "dev"
	}

	logger.Info("ltm starting", "version", version, "port", cfg.Port, "storage", cfg.Storage)

	ctx := context.Background()
	otelShutdown, err := telemetry.Init(ctx, telemetry.Settings{
		Endpoint:    cfg.OTELEndpoint,
		ServiceName: cfg.ServiceName,
		Version:     version,
		Insecure:    cfg.OTELInsecure,
	})
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	store, err := openStore(ctx, cfg, logger)
	if err != nil {
		_ = otelShutdown(ctx)
		return nil, err
	}

	var (
		reservations reservation.Store
		redis        *reservation.Redis
	)
	if cfg.RedisURL != "" {
		redis, err = reservation.NewRedis(ctx, cfg.RedisURL, cfg.ReservationTTL)
		if err != nil {
			store.Close(ctx)
			_ = otelShutdown(ctx)
			return nil, fmt.Errorf("reservations: %w", err)
		}
		reservations = redis
		logger.Info("reservations: redis enabled")
	} else {
		reservations = reservation.NewMemory(cfg.ReservationTTL)
		logger.Info("reservations: in-memory (no REDIS_URL)")
	}

	var limiter ratelimit.Limiter = ratelimit.NoopLimiter{}
	if cfg.RateLimitRPS > 0 {
		limiter = ratelimit.NewMemoryLimiter(float64(cfg.RateLimitRPS), cfg.RateLimitBurst)
		logger.Info("rate limiting: memory", "rps", cfg.RateLimitRPS, "burst", cfg.RateLimitBurst)
	}

	svc := episodes.New(store, reservations, cfg.MaxEpisodes, logger)
	srv := server.New(server.ServerConfig{
		EpisodeSvc:          svc,
		Redis:               redis,
		Limiter:             limiter,
		Logger:              logger,
		Port:                cfg.Port,
		ReadTimeout:         cfg.ReadTimeout,
		WriteTimeout:        cfg.WriteTimeout,
		Version:             version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
	})

	return &App{
		cfg:             cfg,
		store:           store,
		redis:           redis,
		limiter:         limiter,
		srv:             srv,
		otelShutdown:    otelShutdown,
		shutdownTimeout: o.shutdownTimeout,
		logger:          logger,
		version:         version,
	}, nil
}

func applyOverrides(cfg *config.Config, o resolvedOptions) {
	if o.port != 0 {
		cfg.Port = o.port
	}
	if o.storage != "" {
		cfg.Storage = o.storage
	}
	if o.databaseURL != "" {
		cfg.DatabaseURL = o.databaseURL
	}
	if o.sqlitePath != "" {
		cfg.SQLitePath = o.sqlitePath
	}
	if o.redisURL != "" {
		cfg.RedisURL = o.redisURL
	}
	if o.maxEpisodes != 0 {
		cfg.MaxEpisodes = o.maxEpisodes
	}
}

func openStore(ctx context.Context, cfg config.Config, logger *slog.Logger) (storage.EpisodeStore, error) {
	switch cfg.Storage {
	case config.StoragePostgres:
		db, err := storage.New(ctx, cfg.DatabaseURL, logger)
		if err != nil {
			return nil, fmt.Errorf("storage: %w", err)
		}
		if err := db.RunMigrations(ctx, migrations.FS); err != nil {
			db.Close(ctx)
			return nil, fmt.Errorf("migrations: %w", err)
		}
		return db, nil
	default:
		db, err := sqlite.Open(ctx, cfg.SQLitePath, logger)
		if err != nil {
			return nil, fmt.Errorf("storage: %w", err)
		}
		return db, nil
	}
}

// Handler returns the root HTTP handler, for tests and for embedding the API
// in another server.
func (a *App) Handler() http.Handler {
	return a.srv.Handler()
}

// Run serves HTTP until ctx is cancelled or the listener fails, then shuts
// down.
func (a *App) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		if err := a.srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		_ = a.Shutdown(context.Background())
		return err
	}

	return a.Shutdown(context.Background())
}

// Shutdown drains in-flight HTTP requests, then closes storage, the Redis
// client and the OTEL providers.
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("ltm shutting down")

	httpCtx, cancel := contextWithOptionalTimeout(ctx, a.shutdownTimeout)
	err := a.srv.Shutdown(httpCtx)
	cancel()
	if err != nil {
		a.logger.Error("http shutdown error", "error", err)
	}

	_ = a.limiter.Close()
	if a.redis != nil {
		if cerr := a.redis.Close(); cerr != nil {
			a.logger.Warn("redis close error", "error", cerr)
		}
	}
	_ = a.otelShutdown(context.Background())
	a.store.Close(context.Background())

	a.logger.Info("ltm stopped")
	return err
}

func contextWithOptionalTimeout(parent context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return context.WithCancel(parent)
	}
	return context.WithTimeout(parent, timeout)
}
