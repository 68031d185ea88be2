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
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/redis/go-redis/v9"

	"github.com/mbd888/contrata/internal/admin"
	"github.com/mbd888/contrata/internal/auth"
	"github.com/mbd888/contrata/internal/config"
	"github.com/mbd888/contrata/internal/escrow"
	"github.com/mbd888/contrata/internal/health"
	"github.com/mbd888/contrata/internal/logging"
	"github.com/mbd888/contrata/internal/metrics"
	"github.com/mbd888/contrata/internal/notify"
	"github.com/mbd888/contrata/internal/payments"
	"github.com/mbd888/contrata/internal/payments/stripe"
	"github.com/mbd888/contrata/internal/providers"
	"github.com/mbd888/contrata/internal/ratelimit"
	"github.com/mbd888/contrata/internal/realtime"
	"github.com/mbd888/contrata/internal/reconciliation"
	"github.com/mbd888/contrata/internal/security"
	"github.com/mbd888/contrata/internal/traces"
	"github.com/mbd888/contrata/internal/validation"
	"github.com/mbd888/contrata/internal/webhooks"
)

const (
	serviceName = "contrata"

	// devJWTSecret signs tokens when AUTH_JWT_SECRET is unset outside production.
	devJWTSecret = "contrata-dev-secret"
	// devWebhookSecret signs sandbox webhook deliveries.
	devWebhookSecret = "whsec_sandbox"
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg    *config.Config
	db     *sql.DB       // nil if using in-memory
	redis  *redis.Client // nil without REDIS_URL
	logger *slog.Logger

	gateway   payments.Gateway
	sandbox   *payments.Sandbox // set only when the sandbox processor is active
	processor *payments.Guarded

	escrowService   *escrow.Service
	escrowTimer     *escrow.Timer
	providerService *providers.Service
	events          webhooks.EventLog
	ingestor        *webhooks.Ingestor
	reconciler      *reconciliation.Runner
	reconcileTimer  *reconciliation.Timer
	hub             *realtime.Hub
	relay           *notify.Relay
	verifier        *auth.Verifier
	rateLimiter     *ratelimit.Limiter
	rateStore       *ratelimit.MemoryStore // nil when limits are shared through Redis
	checks          *health.Registry

	shutdownTracing func(context.Context) error

	router       *gin.Engine
	httpSrv      *http.Server
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

// WithGateway sets the payment processor (for testing). A *payments.Sandbox
// also enables the sandbox checkout routes outside production.
func WithGateway(g payments.Gateway) Option {
	return func(s *Server) {
		s.gateway = g
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, cfg.LogFormat),
	}

	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	shutdownTracing, err := traces.Init(ctx, cfg.OTLPEndpoint, serviceName, s.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to init tracing: %w", err)
	}
	s.shutdownTracing = shutdownTracing

	// Storage: Postgres if DATABASE_URL set, otherwise in-memory
	var (
		escrowStore   escrow.Store
		providerStore providers.Store
	)
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}

		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err = db.PingContext(pingCtx)
		cancel()
		if err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}

		s.db = db
		escrowStore = escrow.NewPostgresStore(db)
		providerStore = providers.NewPostgresStore(db)
		s.events = webhooks.NewPostgresEventLog(db)
		s.logger.Info("connected to PostgreSQL", "dsn", maskDSN(cfg.DatabaseURL))
	} else {
		escrowStore = escrow.NewMemoryStore()
		providerStore = providers.NewMemoryStore()
		s.events = webhooks.NewMemoryEventLog()
		s.logger.Info("using in-memory storage (data will not persist)")
	}

	if cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			s.closeStorage()
			return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
		}
		client := redis.NewClient(opt)
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err = client.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			_ = client.Close()
			s.closeStorage()
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		s.redis = client
		s.logger.Info("connected to Redis", "addr", opt.Addr)
	}

	// Payment processor: Stripe when configured, otherwise the sandbox
	if s.gateway == nil {
		if cfg.UsesStripe() {
			s.gateway = stripe.New(stripe.Config{
				SecretKey:     cfg.StripeSecretKey,
				WebhookSecret: cfg.StripeWebhookSecret,
				SuccessURL:    cfg.CheckoutSuccessURL,
				CancelURL:     cfg.CheckoutCancelURL,
				RefreshURL:    cfg.ConnectRefreshURL,
				ReturnURL:     cfg.ConnectReturnURL,
			})
			s.logger.Info("payment processor: stripe")
		} else {
			secret := cfg.StripeWebhookSecret
			if secret == "" {
				secret = devWebhookSecret
			}
			s.gateway = payments.NewSandbox(secret, "http://localhost:"+cfg.Port)
			s.logger.Warn("payment processor: sandbox (no money moves)")
		}
	}
	if sb, ok := s.gateway.(*payments.Sandbox); ok && !cfg.IsProduction() {
		s.sandbox = sb
	}
	s.processor = payments.NewGuarded(s.gateway, cfg.ProcessorTimeout, s.logger)

	// Notifications reach the local hub directly, or every replica through Redis
	s.hub = realtime.NewHub(s.logger)
	var sink notify.Sink = s.hub
	if s.redis != nil {
		sink = notify.NewRedisPublisher(s.redis, notify.DefaultChannel)
		s.relay = notify.NewRelay(s.redis, notify.DefaultChannel, s.hub)
	}

	s.providerService = providers.NewService(providerStore, s.processor)
	if sb, ok := s.gateway.(*payments.Sandbox); ok {
		// accounts onboarded before a restart are only in the store
		sb.WithReadiness(s.providerService.AccountReady)
	}

	s.escrowService = escrow.NewService(escrowStore, s.processor, s.providerService).
		WithLogger(s.logger).
		WithNotifier(notify.NewDispatcher(sink)).
		WithPlatformFee(cfg.PlatformFeeBPS).
		WithDefaultCurrency(cfg.DefaultCurrency).
		WithAutoReleaseWindow(cfg.AutoReleaseWindow)
	s.escrowTimer = escrow.NewTimer(s.escrowService, s.logger).WithInterval(cfg.SchedulerInterval)

	s.ingestor = webhooks.NewIngestor(s.processor, s.escrowService, s.events).WithAccounts(s.providerService)

	s.reconciler = reconciliation.NewRunner(escrowStore, s.escrowService, s.logger).
		WithEvents(s.events).
		WithClaimAge(cfg.ReconcileClaimAge)
	s.reconcileTimer = reconciliation.NewTimer(s.reconciler, s.logger).WithInterval(cfg.ReconcileInterval)

	secret := cfg.JWTSecret
	if secret == "" {
		s.logger.Warn("AUTH_JWT_SECRET not set, using development secret")
		secret = devJWTSecret
	}
	s.verifier = auth.NewVerifier(secret)

	var limitStore ratelimit.Store
	if s.redis != nil {
		limitStore = ratelimit.NewRedisStore(s.redis)
	} else {
		s.rateStore = ratelimit.NewMemoryStore(time.Minute)
		limitStore = s.rateStore
	}
	s.rateLimiter = ratelimit.New(ratelimit.Config{
		RequestsPerMinute: cfg.RateLimitRPM,
		Window:            time.Minute,
	}, limitStore)

	s.checks = health.NewRegistry()
	if s.db != nil {
		s.checks.Register("database", health.Database(s.db))
	}
	if s.redis != nil {
		s.checks.Register("redis", health.Redis(s.redis))
	}
	s.checks.Register("escrow_timer", health.Loop("escrow_timer", s.escrowTimer.Running))
	s.checks.Register("reconciler", health.Loop("reconciler", s.reconcileTimer.Running))

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)

	return s, nil
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

func (s *Server) closeStorage() {
	if s.db != nil {
		_ = s.db.Close()
	}
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
	s.router.Use(security.CORSMiddleware(s.cfg.CORSAllowedOrigins))
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))
	s.router.Use(metrics.Middleware())
	s.router.Use(s.requestIDMiddleware())
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Keep an upstream ID (load balancer) when present
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" || len(requestID) > 64 {
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
			logger.Debug("request completed",
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

	// Processor webhooks authenticate by signature, not by token
	webhooks.NewHandler(s.ingestor).RegisterRoutes(s.router)

	s.router.GET("/ws", auth.Middleware(s.verifier), s.hub.HandleWebSocket)

	v1 := s.router.Group("/v1")
	v1.Use(auth.Middleware(s.verifier))

	api := v1.Group("")
	api.Use(auth.RequireAuth(), s.rateLimiter.Middleware())
	escrow.NewHandler(s.escrowService).RegisterProtectedRoutes(api)
	providers.NewHandler(s.providerService).RegisterProtectedRoutes(api)

	ops := v1.Group("")
	ops.Use(auth.RequireAdmin(s.cfg.AdminSecret))
	admin.NewHandler(s.escrowService).
		WithSweeper(s.escrowTimer).
		WithReconciler(s.reconciler).
		WithProviders(s.providerService).
		RegisterRoutes(ops)

	if s.sandbox != nil {
		s.registerSandboxRoutes()
	}
}

// -----------------------------------------------------------------------------
// Health
// -----------------------------------------------------------------------------

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status    string                 `json:"status"`
	Processor string                 `json:"processor"`
	Storage   string                 `json:"storage"`
	Realtime  map[string]interface{} `json:"realtime"`
	Timestamp time.Time              `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	status := "healthy"
	code := http.StatusOK
	if !s.healthy.Load() {
		status = "unhealthy"
		code = http.StatusServiceUnavailable
	}

	processor := "stripe"
	if _, ok := s.gateway.(*payments.Sandbox); ok {
		processor = "sandbox"
	}
	storage := "memory"
	if s.db != nil {
		storage = "postgres"
	}

	c.JSON(code, HealthResponse{
		Status:    status,
		Processor: processor,
		Storage:   storage,
		Realtime:  s.hub.Stats(),
		Timestamp: time.Now().UTC(),
	})
}

// livenessHandler reports whether the process is alive (k8s liveness check)
func (s *Server) livenessHandler(c *gin.Context) {
	if !s.healthy.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "alive"})
}

// readinessHandler reports whether the server should receive traffic (k8s readiness check)
func (s *Server) readinessHandler(c *gin.Context) {
	if !s.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready", "reason": "starting"})
		return
	}
	s.checks.Handler()(c)
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
	// Cancellable so Shutdown can stop background goroutines
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
		s.logger.Info("starting server",
			"port", s.cfg.Port,
			"env", s.cfg.Env,
		)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	go s.hub.Run(runCtx)

	if s.relay != nil {
		if err := s.relay.Run(logging.WithLogger(runCtx, s.logger)); err != nil {
			s.logger.Error("failed to start notification relay", "error", err)
		}
	}

	go s.escrowTimer.Start(runCtx)
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
	s.reconcileTimer.Stop()
	s.logger.Info("background timers stopped")

	if s.rateStore != nil {
		s.rateStore.Stop()
	}

	if s.shutdownTracing != nil {
		if err := s.shutdownTracing(ctx); err != nil {
			s.logger.Error("tracing shutdown error", "error", err)
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
