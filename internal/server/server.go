// Package server wires the entitlement subsystem into an HTTP service.
package server

import (
	"context"
	"crypto/subtle"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq"

	"github.com/oddsight/oddsight/internal/admin"
	"github.com/oddsight/oddsight/internal/billing"
	"github.com/oddsight/oddsight/internal/config"
	"github.com/oddsight/oddsight/internal/entitlement"
	"github.com/oddsight/oddsight/internal/health"
	"github.com/oddsight/oddsight/internal/idgen"
	"github.com/oddsight/oddsight/internal/logging"
	"github.com/oddsight/oddsight/internal/metrics"
	"github.com/oddsight/oddsight/internal/quota"
	"github.com/oddsight/oddsight/internal/security"
	"github.com/oddsight/oddsight/internal/traces"
	"github.com/oddsight/oddsight/internal/validation"
)

// Server hosts the quota, billing and admin endpoints.
type Server struct {
	cfg          *config.Config
	store        entitlement.Store // quota path: degrades to memory on outage
	durable      entitlement.Store // billing/admin path: failures surface as errors
	cache        *entitlement.Cache
	enforcer     *quota.Enforcer
	reconciler   *billing.Reconciler
	stripeClient *billing.StripeClient
	checks       *health.Registry
	db           *sql.DB // nil if using in-memory
	router       *gin.Engine
	httpSrv      *http.Server
	logger       *slog.Logger
	traceStop    func(context.Context) error
	subsOverride billing.SubscriptionResolver
	cancelRunCtx context.CancelFunc // cancels background goroutines started in Run

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

// WithSubscriptionResolver swaps the billing provider lookup (for testing).
func WithSubscriptionResolver(r billing.SubscriptionResolver) Option {
	return func(s *Server) {
		s.subsOverride = r
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, "json"),
	}

	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	// Storage (Postgres if DATABASE_URL set, otherwise in-memory)
	var (
		entStore   entitlement.Store
		durable    entitlement.Store
		eventStore billing.Store
	)
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}

		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		if err := db.Ping(); err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}

		s.db = db
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))

		pgStore := entitlement.NewPostgresStore(db)
		if err := pgStore.Migrate(ctx); err != nil {
			s.logger.Warn("failed to migrate entitlement store", "error", err)
		}
		// The fallback wrapper keeps quota decisions available through
		// database outages, degrading to process-local state. Billing and
		// admin writes must stay durable, so they use the raw store: a
		// failure there has to surface as an error (Stripe redelivers on
		// non-2xx; an operator retries a failed grant).
		durable = pgStore
		entStore = entitlement.NewFallbackStore(pgStore, cfg.StoreTimeout, s.logger)

		pgEvents := billing.NewPostgresStore(db)
		if err := pgEvents.Migrate(ctx); err != nil {
			s.logger.Warn("failed to migrate billing event store", "error", err)
		}
		eventStore = pgEvents
	} else {
		mem := entitlement.NewMemoryStore()
		entStore = mem
		durable = mem
		eventStore = billing.NewMemoryStore()
		s.logger.Info("using in-memory storage (data will not persist)")
	}
	s.store = entStore
	s.durable = durable

	s.cache = entitlement.NewCache(entStore, cfg.PlanCacheTTL)
	catalog := entitlement.DefaultCatalog(cfg.FreeCycleLimit)
	s.enforcer = quota.NewEnforcer(entStore, s.cache, catalog, cfg.CycleLength, s.logger)

	// Billing (optional: without Stripe credentials the service runs
	// quota-only and every user meters at their stored plan)
	var subs billing.SubscriptionResolver
	if cfg.BillingEnabled() {
		s.stripeClient = billing.NewStripeClient(
			cfg.StripeSecretKey, cfg.StripePriceGold, cfg.StripePricePlatinum, cfg.FrontendURL)
		subs = s.stripeClient
		s.logger.Info("billing enabled")
	} else {
		s.logger.Info("billing disabled (no Stripe credentials)")
	}
	if s.subsOverride != nil {
		subs = s.subsOverride
	}
	if subs != nil {
		s.reconciler = billing.NewReconciler(durable, eventStore, s.cache, billing.GuardResolver(subs), s.logger)
	}

	// Health checks
	s.checks = health.NewRegistry()
	if s.db != nil {
		db := s.db
		s.checks.Register("database", func(ctx context.Context) health.Status {
			if err := db.PingContext(ctx); err != nil {
				return health.Status{Name: "database", Healthy: false, Detail: err.Error()}
			}
			return health.Status{Name: "database", Healthy: true}
		})
	}
	if fb, ok := entStore.(*entitlement.FallbackStore); ok {
		s.checks.Register("entitlement_store", func(context.Context) health.Status {
			if fb.Degraded() {
				return health.Status{Name: "entitlement_store", Healthy: false, Detail: "degraded to in-memory enforcement"}
			}
			return health.Status{Name: "entitlement_store", Healthy: true}
		})
	}

	// Tracing
	stop, err := traces.Init(ctx, cfg.OTLPEndpoint, s.logger)
	if err != nil {
		s.logger.Warn("failed to initialize tracing", "error", err)
	} else {
		s.traceStop = stop
	}

	// Router
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)

	return s, nil
}

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

	// Security headers
	s.router.Use(security.HeadersMiddleware())

	// CORS: locked to the frontend when configured, open in development
	origins := []string{"*"}
	if s.cfg.FrontendURL != "" {
		origins = []string{s.cfg.FrontendURL}
	}
	s.router.Use(security.CORSMiddleware(origins))

	// Request size limit (1MB)
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	s.router.Use(metrics.Middleware())
	s.router.Use(s.requestIDMiddleware())
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Honor an existing request ID (from the gateway or load balancer).
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

// requireInternalKey guards the routes only the gateway should call. With no
// key configured (local development) the routes are open.
func (s *Server) requireInternalKey() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.cfg.InternalAPIKey == "" {
			c.Next()
			return
		}
		provided := c.GetHeader("X-Internal-Key")
		if subtle.ConstantTimeCompare([]byte(provided), []byte(s.cfg.InternalAPIKey)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "internal API key required",
			})
			return
		}
		c.Next()
	}
}

// -----------------------------------------------------------------------------
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes() {
	s.router.GET("/healthz", s.livenessHandler)
	s.router.GET("/readyz", s.readinessHandler)
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/metrics", metrics.Handler())

	v1 := s.router.Group("/v1")

	// Quota decisions: called by the gateway on every metered request.
	internalV1 := v1.Group("")
	internalV1.Use(s.requireInternalKey())
	quota.NewHandler(s.enforcer).RegisterRoutes(internalV1)

	// Billing: webhook is signature-authenticated, session creation sits
	// behind the internal key with the quota routes.
	if s.reconciler != nil && s.stripeClient != nil {
		billingHandler := billing.NewHandler(s.reconciler, s.stripeClient, s.durable, s.cfg.StripeWebhookSecret)
		billingHandler.RegisterRoutes(v1)
		billingHandler.RegisterProtectedRoutes(internalV1)
	}

	// Admin overrides. Writes go to the durable store so a failed override
	// returns 5xx instead of silently landing in degraded-mode memory.
	adminV1 := v1.Group("/admin")
	adminV1.Use(admin.RequireAdmin(s.cfg.AdminSecret))
	admin.NewHandler(s.durable, s.cache, s.logger).RegisterRoutes(adminV1)
}

// -----------------------------------------------------------------------------
// Health
// -----------------------------------------------------------------------------

// HealthResponse is the detailed health check body.
type HealthResponse struct {
	Status    string          `json:"status"`
	Version   string          `json:"version"`
	Checks    []health.Status `json:"checks,omitempty"`
	Timestamp string          `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	healthy, statuses := s.checks.CheckAll(ctx)

	status := "healthy"
	httpStatus := http.StatusOK
	if !healthy {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   "0.1.0",
		Checks:    statuses,
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

// Run starts the server and blocks until shutdown.
func (s *Server) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       10 * time.Second,
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

	if s.db != nil {
		go metrics.StartCollector(runCtx, s.db, 15*time.Second)
	}

	// Periodically drop expired cache entries so idle users don't accumulate.
	go func() {
		ticker := time.NewTicker(s.cfg.PlanCacheTTL)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				if n := s.cache.Sweep(); n > 0 {
					s.logger.Debug("plan cache sweep", "evicted", n)
				}
			}
		}
	}()

	// Mark as ready after brief delay for startup
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

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			return err
		}
	}

	if s.traceStop != nil {
		if err := s.traceStop(ctx); err != nil {
			s.logger.Warn("trace exporter shutdown error", "error", err)
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
	return idgen.WithPrefix("req_")
}
