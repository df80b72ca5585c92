package ltm

import (
	"log/slog"
	"time"
)

// Option configures an App.
type Option func(*resolvedOptions)

// resolvedOptions holds overrides applied on top of the environment config.
type resolvedOptions struct {
	port            int
	storage         string
	databaseURL     string
	sqlitePath      string
	redisURL        string
	maxEpisodes     int64
	shutdownTimeout time.Duration
	logger          *slog.Logger
	version         string
}

// WithPort overrides the TCP port from config (LTM_PORT env var).
func WithPort(port int) Option {
	return func(o *resolvedOptions) { o.port = port }
}

// WithStorage selects "postgres" or "sqlite" (LTM_STORAGE env var).
func WithStorage(backend string) Option {
	return func(o *resolvedOptions) { o.storage = backend }
}

// WithDatabaseURL overrides the Postgres connection string (DATABASE_URL env var).
func WithDatabaseURL(url string) Option {
	return func(o *resolvedOptions) { o.databaseURL = url }
}

// WithSQLitePath overrides the SQLite database file (LTM_SQLITE_PATH env var).
func WithSQLitePath(path string) Option {
	return func(o *resolvedOptions) { o.sqlitePath = path }
}

// WithRedisURL enables Redis uid reservations (REDIS_URL env var).
func WithRedisURL(url string) Option {
	return func(o *resolvedOptions) { o.redisURL = url }
}

// WithMaxEpisodes overrides the size of the uid space (LTM_MAX_EPISODES env var).
func WithMaxEpisodes(n int64) Option {
	return func(o *resolvedOptions) { o.maxEpisodes = n }
}

// WithShutdownTimeout bounds the HTTP drain on shutdown. Zero waits for
// in-flight requests without a deadline.
func WithShutdownTimeout(d time.Duration) Option {
	return func(o *resolvedOptions) { o.shutdownTimeout = d }
}

// WithLogger sets the structured logger for the App.
// If not set, the default slog logger is used.
func WithLogger(logger *slog.Logger) Option {
	return func(o *resolvedOptions) { o.logger = logger }
}

// WithVersion sets the version string reported in the health endpoint and logs.
func WithVersion(version string) Option {
	return func(o *resolvedOptions) { o.version = version }
}
