package xray

import (
	"io/fs"
	"log/slog"
)

// Option configures an App.
type Option func(*resolvedOptions)

// resolvedOptions holds all extension points after applying defaults.
type resolvedOptions struct {
	port            int
	databaseURL     string
	notifyURL       string
	logger          *slog.Logger
	version         string
	middlewares     []Middleware
	extraMigrations []fs.FS
	deadLetterHooks []DeadLetterHook
	noHTTP          bool
	noWorkers       bool
}

// WithPort overrides the TCP port from config (XRAY_PORT env var).
func WithPort(port int) Option {
	return func(o *resolvedOptions) { o.port = port }
}

// WithDatabaseURL overrides the database connection string from config
// (DATABASE_URL env var). Unless WithNotifyURL is also given, LISTEN/NOTIFY
// uses the same URL.
func WithDatabaseURL(url string) Option {
	return func(o *resolvedOptions) { o.databaseURL = url }
}

// WithNotifyURL overrides the direct Postgres URL used for LISTEN/NOTIFY
// (NOTIFY_URL env var). Set this when queries go through a transaction
// pooler.
func WithNotifyURL(url string) Option {
	return func(o *resolvedOptions) { o.notifyURL = url }
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

// WithMiddleware registers an outermost HTTP middleware.
// Applied in registration order: the first-registered middleware is outermost.
func WithMiddleware(mw Middleware) Option {
	return func(o *resolvedOptions) { o.middlewares = append(o.middlewares, mw) }
}

// WithExtraMigrations adds an SQL migration filesystem to run after the
// built-in migrations. Filesystems are applied in registration order.
func WithExtraMigrations(dir fs.FS) Option {
	return func(o *resolvedOptions) { o.extraMigrations = append(o.extraMigrations, dir) }
}

// WithDeadLetterHook registers a hook called whenever a job is dead-lettered.
func WithDeadLetterHook(h DeadLetterHook) Option {
	return func(o *resolvedOptions) { o.deadLetterHooks = append(o.deadLetterHooks, h) }
}

// WithoutHTTP runs the App with no HTTP listener, as a dedicated worker.
func WithoutHTTP() Option {
	return func(o *resolvedOptions) { o.noHTTP = true }
}

// WithoutWorkers runs the App with no job consumers. Writes are still
// accepted and queued for workers running elsewhere.
func WithoutWorkers() Option {
	return func(o *resolvedOptions) { o.noWorkers = true }
}
