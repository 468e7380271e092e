// Package app provides application initialization and lifecycle management.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/bissquit/maillist/internal/config"
	"github.com/bissquit/maillist/internal/pkg/ctxlog"
	"github.com/bissquit/maillist/internal/pkg/httputil"
	"github.com/bissquit/maillist/internal/pkg/metrics"
	"github.com/bissquit/maillist/internal/pkg/postgres"
	"github.com/bissquit/maillist/internal/pkg/sqlite"
	"github.com/bissquit/maillist/internal/scheduler"
	"github.com/bissquit/maillist/internal/subscribers"
	"github.com/bissquit/maillist/internal/subscribers/email"
	subscriberspostgres "github.com/bissquit/maillist/internal/subscribers/postgres"
	subscriberssqlite "github.com/bissquit/maillist/internal/subscribers/sqlite"
	"github.com/bissquit/maillist/internal/version"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Job and schedule names registered on activation.
const (
	JobBroadcast     = "broadcast"
	JobSweep         = "sweep_unconfirmed"
	JobRefreshCounts = "refresh_subscriber_counts"

	ScheduleOncePerMinute = "once-per-minute"
)

// App represents the application instance.
type App struct {
	config        *config.Config
	logger        *slog.Logger
	pool          *pgxpool.Pool
	sqlDB         *sql.DB
	server        *http.Server
	metricsServer *http.Server
	metricsCancel context.CancelFunc
	dbStats       *metrics.DBStatsRecorder

	service    *subscribers.Service
	sweeper    *subscribers.Sweeper
	dispatcher *subscribers.Dispatcher
	scheduler  *scheduler.Scheduler
}

// Option customises the App. Used by tests to replace the outbound mail transport.
type Option func(*options)

type options struct {
	sender subscribers.Sender
}

// WithSender overrides the SMTP sender.
func WithSender(sender subscribers.Sender) Option {
	return func(o *options) {
		o.sender = sender
	}
}

// New creates a new application instance.
func New(cfg *config.Config, opts ...Option) (*App, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	logger := initLogger(cfg.Log)
	slog.SetDefault(logger)

	metricsCtx, metricsCancel := context.WithCancel(context.Background())

	app := &App{
		config:        cfg,
		logger:        logger,
		metricsCancel: metricsCancel,
	}

	repo, err := app.openDatabase()
	if err != nil {
		metricsCancel()
		return nil, err
	}

	if err := app.setupSubscribers(repo, o.sender); err != nil {
		app.closeDatabase()
		metricsCancel()
		return nil, err
	}

	go app.collectDBMetrics(metricsCtx)

	app.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.Port),
		Handler:           app.setupRouter(),
		ReadTimeout:       cfg.Server.ReadTimeout,
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       cfg.Server.IdleTimeout,
	}

	// Metrics server on separate port
	metricsRouter := chi.NewRouter()
	metricsRouter.Handle("/metrics", promhttp.Handler())

	app.metricsServer = &http.Server{
		Addr:              fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.MetricsPort),
		Handler:           metricsRouter,
		ReadTimeout:       5 * time.Second,
		ReadHeaderTimeout: 2 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	return app, nil
}

func (a *App) openDatabase() (subscribers.Repository, error) {
	connectCtx, connectCancel := context.WithTimeout(context.Background(), a.config.Database.ConnectTimeout)
	defer connectCancel()

	switch a.config.Database.Driver {
	case config.DriverSQLite:
		db, err := sqlite.Open(connectCtx, sqlite.Config{
			Path:        a.config.Database.Path,
			BusyTimeout: a.config.Database.BusyTimeout,
		})
		if err != nil {
			return nil, fmt.Errorf("open sqlite: %w", err)
		}
		a.sqlDB = db
		a.dbStats = metrics.NewSQLRecorder(config.DriverSQLite, db)
		return subscriberssqlite.NewRepository(db), nil
	default:
		pool, err := postgres.Connect(connectCtx, postgres.Config{
			URL:             a.config.Database.URL,
			MaxOpenConns:    a.config.Database.MaxOpenConns,
			MaxIdleConns:    a.config.Database.MaxIdleConns,
			ConnMaxLifetime: a.config.Database.ConnMaxLifetime,
			ConnectAttempts: a.config.Database.ConnectAttempts,
		})
		if err != nil {
			return nil, fmt.Errorf("connect to database: %w", err)
		}
		a.pool = pool
		a.dbStats = metrics.NewPgxRecorder(pool)
		return subscriberspostgres.NewRepository(pool), nil
	}
}

func (a *App) setupSubscribers(repo subscribers.Repository, sender subscribers.Sender) error {
	loc, err := time.LoadLocation(a.config.Broadcast.Timezone)
	if err != nil {
		return fmt.Errorf("load broadcast timezone: %w", err)
	}

	renderer, err := subscribers.NewRenderer(subscribers.LinkConfig{
		ConfirmURL:     a.config.Links.ConfirmURL,
		UnsubscribeURL: a.config.Links.UnsubscribeURL,
	}, loc)
	if err != nil {
		return fmt.Errorf("create renderer: %w", err)
	}

	if sender == nil {
		emailSender, err := email.NewSender(email.Config{
			Enabled:      a.config.Email.Enabled,
			SMTPHost:     a.config.Email.SMTPHost,
			SMTPPort:     a.config.Email.SMTPPort,
			SMTPUser:     a.config.Email.SMTPUser,
			SMTPPassword: a.config.Email.SMTPPassword,
			FromAddress:  a.config.Email.FromAddress,
			Timeout:      a.config.Email.Timeout,
		})
		if err != nil {
			return fmt.Errorf("create email sender: %w", err)
		}
		if !a.config.Email.Enabled {
			a.logger.Warn("email sender is disabled: confirmations and broadcasts will not be delivered")
		}
		sender = emailSender
	}

	a.service = subscribers.NewService(repo, sender, renderer, subscribers.ServiceConfig{
		ConfirmTTL: a.config.Subscriptions.ConfirmTTL,
	})
	a.sweeper = subscribers.NewSweeper(repo, a.config.Subscriptions.PendingTTL, nil)
	a.dispatcher = subscribers.NewDispatcher(repo, sender, renderer,
		subscribers.NewTemplateSource(a.config.Broadcast.Template),
		subscribers.DispatcherConfig{
			Subject:     a.config.Broadcast.Subject,
			From:        a.config.Broadcast.From,
			Concurrency: a.config.Broadcast.Concurrency,
			RateLimit:   a.config.Broadcast.RateLimit,
			SendTimeout: a.config.Broadcast.SendTimeout,
		},
	)
	a.scheduler = scheduler.New(
		scheduler.WithLocation(loc),
		scheduler.WithLogger(a.logger),
	)
	return nil
}

// Activate creates the schema and registers the scheduled jobs. Calling it
// again is harmless: migrations are versioned and registration skips jobs
// that already exist.
func (a *App) Activate(ctx context.Context) error {
	if err := a.migrate(); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}

	if err := a.scheduler.AddSchedule(ScheduleOncePerMinute, "@every 1m"); err != nil {
		return fmt.Errorf("add schedule: %w", err)
	}

	jobs := []struct {
		name     string
		schedule string
		fn       scheduler.JobFunc
	}{
		{name: JobBroadcast, schedule: a.config.Scheduler.BroadcastSchedule, fn: a.runBroadcast},
		{name: JobSweep, schedule: a.config.Scheduler.SweepSchedule, fn: a.runSweep},
		{name: JobRefreshCounts, schedule: ScheduleOncePerMinute, fn: a.service.RefreshCounts},
	}
	for _, j := range jobs {
		added, err := a.scheduler.Register(j.name, j.schedule, j.fn)
		if err != nil {
			return fmt.Errorf("register %s: %w", j.name, err)
		}
		if !added {
			a.logger.Debug("job already registered", "job", j.name)
		}
	}

	if err := a.service.RefreshCounts(ctx); err != nil {
		a.logger.Warn("failed to refresh subscriber counts", "error", err)
	}

	a.logger.Info("activated", "jobs", len(a.scheduler.Jobs()))
	return nil
}

// Deactivate removes every scheduled job. Stored subscribers are kept.
func (a *App) Deactivate() {
	a.scheduler.Clear()
	a.logger.Info("deactivated")
}

// RunJob runs a registered job once, outside its schedule.
func (a *App) RunJob(ctx context.Context, name string) error {
	return a.scheduler.Run(ctx, name)
}

// Scheduler returns the job scheduler.
func (a *App) Scheduler() *scheduler.Scheduler {
	return a.scheduler
}

func (a *App) runBroadcast(ctx context.Context) error {
	_, err := a.dispatcher.Dispatch(ctx)
	return err
}

func (a *App) runSweep(ctx context.Context) error {
	_, err := a.sweeper.Sweep(ctx)
	return err
}

func (a *App) migrate() error {
	if a.sqlDB != nil {
		return sqlite.Migrate(a.sqlDB)
	}
	return postgres.Migrate(a.config.Database.URL)
}

// Run starts the scheduler and the HTTP servers.
func (a *App) Run(ctx context.Context) error {
	if a.config.Scheduler.Enabled {
		a.scheduler.Start(ctx)
	} else {
		a.logger.Warn("scheduler is disabled: broadcast and sweep run only on demand")
	}

	// Start metrics server in background
	go func() {
		a.logger.Info("starting metrics server",
			"host", a.config.Server.Host,
			"port", a.config.Server.MetricsPort,
		)
		if err := a.metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			a.logger.Error("metrics server error", "error", err)
		}
	}()

	a.logger.Info("starting server",
		"host", a.config.Server.Host,
		"port", a.config.Server.Port,
		"version", version.Version,
	)

	if err := a.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}

	return nil
}

// Shutdown gracefully shuts down the application.
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("shutting down servers")

	a.metricsCancel()

	// Unregister and stop scheduled jobs first so no tick starts against a
	// closing database
	a.Deactivate()
	a.scheduler.Stop()

	// Shutdown both servers in parallel
	var wg sync.WaitGroup
	var errs []error
	var mu sync.Mutex

	wg.Add(2)

	go func() {
		defer wg.Done()
		if err := a.server.Shutdown(ctx); err != nil {
			mu.Lock()
			errs = append(errs, fmt.Errorf("shutdown server: %w", err))
			mu.Unlock()
		}
	}()

	go func() {
		defer wg.Done()
		if err := a.metricsServer.Shutdown(ctx); err != nil {
			mu.Lock()
			errs = append(errs, fmt.Errorf("shutdown metrics server: %w", err))
			mu.Unlock()
		}
	}()

	wg.Wait()

	a.closeDatabase()

	return errors.Join(errs...)
}

func (a *App) closeDatabase() {
	if a.pool != nil {
		a.pool.Close()
	}
	if a.sqlDB != nil {
		if err := a.sqlDB.Close(); err != nil {
			a.logger.Warn("failed to close sqlite", "error", err)
		}
	}
}

func (a *App) collectDBMetrics(ctx context.Context) {
	// Collect immediately on start
	a.dbStats.Record()

	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			a.dbStats.Record()
		case <-ctx.Done():
			return
		}
	}
}

func (a *App) pingDatabase(ctx context.Context) error {
	if a.pool != nil {
		return a.pool.Ping(ctx)
	}
	return a.sqlDB.PingContext(ctx)
}

// Router returns the HTTP handler for testing.
func (a *App) Router() http.Handler {
	return a.server.Handler
}

func (a *App) setupRouter() *chi.Mux {
	r := chi.NewRouter()

	// Metrics middleware must be first to measure full request time
	r.Use(httputil.MetricsMiddleware)

	// CORS must be early to handle preflight requests before other middleware
	r.Use(httputil.CORSMiddleware(a.config.CORS.AllowedOrigins))
	r.Use(middleware.RequestID)
	r.Use(httputil.RequestLoggerMiddleware(a.logger))
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/healthz", a.healthzHandler)
	r.Get("/readyz", a.readyzHandler)
	r.Get("/version", a.versionHandler)

	subscribers.NewHandler(a.service).RegisterRoutes(r)

	return r
}

func (a *App) healthzHandler(w http.ResponseWriter, _ *http.Request) {
	httputil.Text(w, http.StatusOK, "OK")
}

func (a *App) readyzHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := a.pingDatabase(ctx); err != nil {
		ctxlog.FromContext(r.Context()).Error("readiness check failed", "error", err)
		httputil.Text(w, http.StatusServiceUnavailable, "Database unavailable")
		return
	}

	httputil.Text(w, http.StatusOK, "OK")
}

func (a *App) versionHandler(w http.ResponseWriter, _ *http.Request) {
	httputil.JSON(w, http.StatusOK, map[string]string{
		"version":    version.Version,
		"commit":     version.GitCommit,
		"build_date": version.BuildDate,
	})
}

func initLogger(cfg config.LogConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: level}

	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}
