// Package server sets up the HTTP server with all routes
package server

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/redis/go-redis/v9"

	"github.com/reuni/disputes/internal/auth"
	"github.com/reuni/disputes/internal/circuitbreaker"
	"github.com/reuni/disputes/internal/config"
	"github.com/reuni/disputes/internal/escrow"
	"github.com/reuni/disputes/internal/evidence"
	"github.com/reuni/disputes/internal/health"
	"github.com/reuni/disputes/internal/logging"
	"github.com/reuni/disputes/internal/metrics"
	"github.com/reuni/disputes/internal/notify"
	"github.com/reuni/disputes/internal/payments"
	"github.com/reuni/disputes/internal/ratelimit"
	"github.com/reuni/disputes/internal/realtime"
	"github.com/reuni/disputes/internal/reconciliation"
	"github.com/reuni/disputes/internal/report"
	"github.com/reuni/disputes/internal/resolution"
	"github.com/reuni/disputes/internal/restriction"
	"github.com/reuni/disputes/internal/security"
	"github.com/reuni/disputes/internal/syncutil"
	"github.com/reuni/disputes/internal/traces"
	"github.com/reuni/disputes/internal/validation"
	"github.com/reuni/disputes/internal/webhooks"
	"github.com/reuni/disputes/migrations"
)

// Version is reported by the health endpoint and traces.
const Version = "0.1.0"

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg    *config.Config
	db     *sql.DB       // nil if using in-memory
	redis  *redis.Client // nil without REDIS_URL
	logger *slog.Logger

	admins     notify.AdminDirectory
	sink       notify.Sink
	webhooks   *webhooks.Dispatcher // nil without NOTIFY_WEBHOOK_URL
	uploader   evidence.Uploader
	processor  payments.Processor
	accounts   payments.Accounts
	breaker    *circuitbreaker.Breaker
	locker     syncutil.Locker
	journal    resolution.Journal
	verifier   *auth.Verifier
	healthRegs *health.Registry

	realtimeHub        *realtime.Hub
	escrowService      *escrow.Service
	escrowTimer        *escrow.Timer
	restrictionService *restriction.Service
	restrictionTimer   *restriction.Timer
	intake             *report.Intake
	workflow           *resolution.Workflow
	reconciler         *reconciliation.Runner
	reconcileTimer     *reconciliation.Timer

	rateLimiter   *ratelimit.Limiter
	reportLimiter *ratelimit.Limiter
	router        *gin.Engine
	httpSrv       *http.Server
	traceShutdown func(context.Context) error
	cancelRunCtx  context.CancelFunc // cancels background goroutines started in Run

	// Health state
	ready   atomic.Bool
	healthy atomic.Bool
}

// Option configures the server
type Option func(*Server)

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithProcessor replaces the payment processor (for testing).
func WithProcessor(p payments.Processor) Option {
	return func(s *Server) {
		s.processor = p
	}
}

// WithUploader replaces the evidence uploader (for testing).
func WithUploader(u evidence.Uploader) Option {
	return func(s *Server) {
		s.uploader = u
	}
}

// WithAdminDirectory replaces the admin directory (for testing).
func WithAdminDirectory(d notify.AdminDirectory) Option {
	return func(s *Server) {
		s.admins = d
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:        cfg,
		logger:     logging.New(cfg.LogLevel, cfg.LogFormat),
		healthRegs: health.NewRegistry(2 * time.Second),
		verifier:   auth.NewVerifier(cfg.JWTSecret),
	}

	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	shutdown, err := traces.Init(ctx, cfg.OTLPEndpoint, Version, s.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to init tracing: %w", err)
	}
	s.traceShutdown = shutdown

	if err := s.initRedis(ctx); err != nil {
		return nil, err
	}

	// Realtime hub mirrors every persisted notification.
	s.realtimeHub = realtime.NewHub(s.logger)

	var (
		escrowStore      escrow.Store
		reportStore      report.Store
		restrictionStore restriction.Store
		primarySink      notify.Sink
	)

	// Initialize storage (Postgres if DATABASE_URL set, otherwise in-memory)
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}

		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		if err := db.PingContext(ctx); err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		s.db = db
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))

		if cfg.AutoMigrate {
			if err := migrations.Up(ctx, db); err != nil {
				return nil, err
			}
			s.logger.Info("migrations applied")
		}

		escrowStore = escrow.NewPostgresStore(db)
		reportStore = report.NewPostgresStore(db)
		restrictionStore = restriction.NewPostgresStore(db)
		primarySink = notify.NewPostgresSink(db)
		if s.admins == nil {
			s.admins = notify.NewPostgresDirectory(db)
		}
		s.accounts = payments.NewPostgresAccounts(db)
		s.healthRegs.Register("database", health.PingChecker("database", db))
	} else {
		escrowStore = escrow.NewMemoryStore()
		reportStore = report.NewMemoryStore()
		restrictionStore = restriction.NewMemoryStore()
		primarySink = notify.NewMemorySink()
		if s.admins == nil {
			s.admins = notify.NewMemoryDirectory(cfg.AdminUserIDs...)
		}
		s.accounts = payments.NewMemoryAccounts()
		s.logger.Info("using in-memory storage (data will not persist)")
	}

	mirrors := []notify.Sink{s.realtimeHub}
	if cfg.NotifyWebhookURL != "" {
		s.webhooks = webhooks.NewDispatcher(cfg.NotifyWebhookURL, cfg.NotifyWebhookSecret, s.logger)
		mirrors = append(mirrors, s.webhooks)
		s.logger.Info("notification webhook enabled")
	}
	s.sink = notify.NewFanout(primarySink, s.logger, mirrors...)

	s.breaker = circuitbreaker.New(5, 30*time.Second).
		WithFailurePredicate(payments.IsProcessorFailure)

	if s.processor == nil {
		if cfg.StripeSecretKey != "" {
			s.processor = payments.NewStripeProcessor(cfg.StripeSecretKey, cfg.StripeCurrency, s.breaker, s.logger)
			s.logger.Info("stripe payments enabled", "currency", cfg.StripeCurrency)
		} else {
			s.processor = payments.NewRecordOnly(s.logger)
			s.logger.Warn("STRIPE_SECRET_KEY not set, money movement will be recorded only")
		}
	}

	if s.uploader == nil {
		if cfg.EvidenceConfigured() {
			up, err := evidence.NewS3Uploader(ctx, evidence.S3Config{
				Bucket:    cfg.EvidenceBucket,
				Region:    cfg.EvidenceRegion,
				Endpoint:  cfg.EvidenceEndpoint,
				AccessKey: cfg.EvidenceAccessKey,
				SecretKey: cfg.EvidenceSecretKey,
				PublicURL: cfg.EvidencePublicURL,
			}, s.breaker, s.logger)
			if err != nil {
				return nil, err
			}
			s.uploader = up
			s.logger.Info("evidence storage enabled", "bucket", cfg.EvidenceBucket)
		} else {
			s.uploader = evidence.NewMemoryUploader("memory://" + cfg.EvidenceBucket)
			s.logger.Info("evidence storage in memory")
		}
	}

	// Escrow ledger
	s.escrowService = escrow.NewService(escrowStore).
		WithHoldDays(cfg.EscrowHoldDays).
		WithLogger(s.logger)
	s.escrowTimer = escrow.NewTimer(s.escrowService, payments.NewSellerPayouts(s.processor, s.accounts), s.locker, s.logger).
		WithInterval(cfg.EscrowSweepInterval)

	// Restrictions
	s.restrictionService = restriction.NewService(restrictionStore, s.sink).
		WithSingleActive(cfg.EnforceSingleActiveRestriction).
		WithLogger(s.logger)
	s.restrictionTimer = restriction.NewTimer(s.restrictionService, cfg.RestrictionSweepInterval, s.logger)

	// Reports and resolution
	s.intake = report.NewIntake(reportStore, s.uploader, s.sink, s.admins, s.escrowService).
		WithLogger(s.logger)
	s.workflow = resolution.NewWorkflow(reportStore, s.escrowService, s.restrictionService, s.processor, s.sink).
		WithJournal(s.journal).
		WithStatusMode(resolution.StatusMode(cfg.RestrictStatusMode)).
		WithLogger(s.logger)

	s.reconciler = reconciliation.NewRunner(s.escrowService, s.intake).
		WithStaleAfter(cfg.DisputeStaleAfter).
		WithLogger(s.logger)
	s.reconcileTimer = reconciliation.NewTimer(s.reconciler, s.locker, cfg.ReconcileInterval, s.logger)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)

	return s, nil
}

// initRedis connects the optional Redis used for the sweep lock and the
// resolution journal. Without it both fall back to process memory.
func (s *Server) initRedis(ctx context.Context) error {
	if s.cfg.RedisURL == "" {
		s.locker = syncutil.NewLocalLocker()
		s.journal = resolution.NewMemoryJournal()
		return nil
	}

	opts, err := redis.ParseURL(s.cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("invalid REDIS_URL: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return fmt.Errorf("failed to connect to redis: %w", err)
	}

	s.redis = client
	s.locker = syncutil.NewRedisLocker(client, "reuni:lock:")
	s.journal = resolution.NewRedisJournal(client, "reuni:resolution:", resolution.DefaultJournalTTL)
	s.healthRegs.Register("redis", health.PingChecker("redis", health.PingFunc(func(ctx context.Context) error {
		return client.Ping(ctx).Err()
	})))
	s.logger.Info("redis enabled", "addr", opts.Addr)
	return nil
}

// maskDSN hides password in connection string for logging
func maskDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil {
		return "***"
	}
	if u.User != nil {
		u.User = url.UserPassword(u.User.Username(), "***")
	}
	return u.String()
}

// -----------------------------------------------------------------------------
// Middleware
// -----------------------------------------------------------------------------

func (s *Server) setupMiddleware() {
	s.router.Use(gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		logging.L(c.Request.Context()).Error("panic recovered",
			"error", recovered,
			"path", c.Request.URL.Path,
		)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "An unexpected error occurred",
		})
	}))

	s.router.Use(security.HeadersMiddleware())
	s.router.Use(security.CORSMiddleware(s.cfg.AllowedOrigins))
	s.router.Use(bodyLimit())
	s.router.Use(metrics.Middleware())
	s.router.Use(s.requestIDMiddleware())
	s.router.Use(s.loggingMiddleware())
}

// bodyLimit caps JSON bodies. Multipart report submissions carry images
// and are bounded by the report handler instead.
func bodyLimit() gin.HandlerFunc {
	limit := validation.RequestSizeMiddleware(validation.MaxRequestSize)
	return func(c *gin.Context) {
		if strings.HasPrefix(c.ContentType(), "multipart/") {
			c.Next()
			return
		}
		limit(c)
	}
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = generateRequestID()
		}

		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		ctx = logging.WithLogger(ctx, s.logger)
		c.Request = c.Request.WithContext(ctx)

		c.Header("X-Request-ID", requestID)

		c.Next()
	}
}

func (s *Server) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		latency := time.Since(start)
		status := c.Writer.Status()

		logger := logging.L(c.Request.Context())

		switch {
		case status >= 500:
			logger.Error("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
				"client_ip", c.ClientIP(),
			)
		case status >= 400:
			logger.Warn("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
			)
		default:
			logger.Info("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
			)
		}
	}
}

// -----------------------------------------------------------------------------
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	s.rateLimiter = ratelimit.New(apiLimit(s.cfg.RateLimitRPM))
	s.reportLimiter = ratelimit.New(ratelimit.ReportConfig())

	reportHandler := report.NewHandler(s.intake).WithSubmitGuards(s.reportLimiter.Middleware())
	restrictionHandler := restriction.NewHandler(s.restrictionService)

	// Authenticated app routes
	v1 := s.router.Group("/v1", auth.RequireAuth(s.verifier), s.rateLimiter.Middleware())
	auth.NewHandler(s.admins).RegisterProtectedRoutes(v1)
	reportHandler.RegisterProtectedRoutes(v1)
	restrictionHandler.RegisterProtectedRoutes(v1)
	v1.GET("/ws", s.realtimeHub.UserFeed)

	// Admin console
	admin := v1.Group("/admin", auth.RequireAdmin(s.admins))
	reportHandler.RegisterAdminRoutes(admin)
	resolution.NewHandler(s.workflow).RegisterAdminRoutes(admin)
	restrictionHandler.RegisterAdminRoutes(admin)
	escrow.NewHandler(s.escrowService, payments.NewBuyerRefunds(s.processor)).RegisterAdminRoutes(admin)
	reconciliation.NewHandler(s.reconciler).RegisterAdminRoutes(admin)
	admin.GET("/ws", s.realtimeHub.AdminFeed)
	admin.GET("/realtime/stats", func(c *gin.Context) {
		c.JSON(http.StatusOK, s.realtimeHub.Stats())
	})

	// Service-to-service (checkout)
	internal := s.router.Group("/v1/internal", auth.RequireInternalKey(s.cfg.InternalAPIKey))
	escrow.NewHandler(s.escrowService, nil).RegisterInternalRoutes(internal)
}

func apiLimit(rpm int) ratelimit.Config {
	cfg := ratelimit.DefaultConfig()
	if rpm > 0 {
		cfg.RequestsPerMinute = rpm
	}
	return cfg
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

// HealthResponse for health check endpoints
type HealthResponse struct {
	Status    string          `json:"status"`
	Version   string          `json:"version"`
	Checks    []health.Status `json:"checks,omitempty"`
	Timestamp string          `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	healthy, checks := s.healthRegs.CheckAll(c.Request.Context())

	status := "healthy"
	httpStatus := http.StatusOK
	if !healthy {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   Version,
		Checks:    checks,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) livenessHandler(c *gin.Context) {
	if !s.healthy.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "alive"})
}

func (s *Server) readinessHandler(c *gin.Context) {
	if !s.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       30 * time.Second, // evidence uploads
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errChan := make(chan error, 1)

	go func() {
		s.logger.Info("starting server", "port", s.cfg.Port, "env", s.cfg.Env)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	go s.realtimeHub.Run(runCtx)
	go s.escrowTimer.Start(runCtx)
	go s.restrictionTimer.Start(runCtx)
	go s.reconcileTimer.Start(runCtx)

	if s.db != nil {
		go metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
	}

	go func() {
		time.Sleep(100 * time.Millisecond)
		s.ready.Store(true)
		s.logger.Info("server ready")
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errChan:
		return fmt.Errorf("server error: %w", err)
	case sig := <-sigChan:
		s.logger.Info("shutdown signal received", "signal", sig.String())
	case <-ctx.Done():
		s.logger.Info("context cancelled")
	}

	return s.Shutdown()
}

// Shutdown gracefully stops the server
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	// Give load balancers time to stop sending traffic
	time.Sleep(5 * time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			return err
		}
	}

	s.escrowTimer.Stop()
	s.restrictionTimer.Stop()
	s.reconcileTimer.Stop()
	s.rateLimiter.Stop()
	s.reportLimiter.Stop()
	s.logger.Info("timers stopped")

	if s.webhooks != nil {
		s.webhooks.Close()
	}

	if s.traceShutdown != nil {
		if err := s.traceShutdown(ctx); err != nil {
			s.logger.Error("trace shutdown error", "error", err)
		}
	}

	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			s.logger.Error("redis close error", "error", err)
		}
	}

	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("database close error", "error", err)
		} else {
			s.logger.Info("database connection closed")
		}
	}

	s.logger.Info("server stopped")
	return nil
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}

// -----------------------------------------------------------------------------
// Helpers
// -----------------------------------------------------------------------------

func generateRequestID() string {
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(bytes)
}
