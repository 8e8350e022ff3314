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

	"github.com/loompay/loompay/internal/asset"
	"github.com/loompay/loompay/internal/chain"
	"github.com/loompay/loompay/internal/config"
	"github.com/loompay/loompay/internal/dispute"
	"github.com/loompay/loompay/internal/health"
	"github.com/loompay/loompay/internal/logging"
	"github.com/loompay/loompay/internal/metrics"
	"github.com/loompay/loompay/internal/notify"
	"github.com/loompay/loompay/internal/order"
	"github.com/loompay/loompay/internal/party"
	"github.com/loompay/loompay/internal/payout"
	"github.com/loompay/loompay/internal/ratelimit"
	"github.com/loompay/loompay/internal/reconcile"
	"github.com/loompay/loompay/internal/security"
	"github.com/loompay/loompay/internal/traces"
	"github.com/loompay/loompay/internal/validation"
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg *config.Config

	ledger   chain.Ledger
	signer   chain.Signer
	parties  party.Directory
	orders   *order.Service
	payouts  *payout.Engine
	deposits *reconcile.Engine
	disputes *dispute.Service
	emitter  *notify.Emitter
	hub      *notify.Hub

	rateLimiter    *ratelimit.Limiter
	healthRegistry *health.Registry
	db             *sql.DB // nil if using in-memory
	router         *gin.Engine
	httpSrv        *http.Server
	logger         *slog.Logger
	shutdownTraces func(context.Context) error

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

// WithLedger sets a custom ledger client (for testing)
func WithLedger(l chain.Ledger) Option {
	return func(s *Server) {
		s.ledger = l
	}
}

// WithSigner sets a custom vault signer (for testing)
func WithSigner(sg chain.Signer) Option {
	return func(s *Server) {
		s.signer = sg
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:            cfg,
		healthRegistry: health.NewRegistry(),
	}

	// Apply options first (may set ledger/signer/logger)
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = logging.New(cfg.LogLevel, cfg.LogFormat)
	}

	ctx := context.Background()

	// Tracing (no-op when no collector is configured)
	shutdownTraces, err := traces.Init(ctx, cfg.OTLPEndpoint, s.logger)
	if err != nil {
		return nil, fmt.Errorf("init tracing: %w", err)
	}
	s.shutdownTraces = shutdownTraces

	// Storage (Postgres if DATABASE_URL set, otherwise in-memory)
	var (
		orderStore   order.Store
		disputeStore dispute.Store
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
		orderStore = order.NewPostgresStore(db)
		disputeStore = dispute.NewPostgresStore(db)
		s.parties = party.NewPostgresDirectory(db)
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))

		s.healthRegistry.Register("database", func(ctx context.Context) health.Status {
			if err := db.PingContext(ctx); err != nil {
				return health.Status{Name: "database", Healthy: false, Detail: err.Error()}
			}
			return health.Status{Name: "database", Healthy: true}
		})
	} else {
		orderStore = order.NewMemoryStore()
		disputeStore = dispute.NewMemoryStore()
		s.parties = party.NewMemoryDirectory()
		s.logger.Info("using in-memory storage (data will not persist)")
	}

	// Ledger client and vault signer, unless injected for tests
	if s.ledger == nil {
		client, err := chain.New(chain.Config{
			RPCURL:              cfg.LedgerRPCURL,
			TokenMint:           cfg.TokenMint,
			ConfirmationTimeout: cfg.ConfirmationTimeout,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create ledger client: %w", err)
		}
		// Circuit breaker so a degraded RPC endpoint sheds load fast.
		s.ledger = chain.Guard(client)
	}
	if s.signer == nil {
		signer, err := chain.NewVaultSigner(cfg.VaultSigningKey, cfg.VaultAddress)
		if err != nil {
			return nil, fmt.Errorf("failed to create vault signer: %w", err)
		}
		s.signer = signer
	}
	s.healthRegistry.Register("ledger", func(ctx context.Context) health.Status {
		ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if _, err := s.ledger.Balance(ctx, cfg.VaultAddress, asset.Native); err != nil {
			return health.Status{Name: "ledger", Healthy: false, Detail: err.Error()}
		}
		return health.Status{Name: "ledger", Healthy: true}
	})

	// Notifications: websocket hub plus external sink (or log sink)
	s.hub = notify.NewHub(s.logger, cfg.AllowedWSOrigins)
	var sink notify.Sink
	if cfg.NotifyWebhookURL != "" {
		httpSink, err := notify.NewHTTPSink(cfg.NotifyWebhookURL)
		if err != nil {
			return nil, fmt.Errorf("failed to create notification sink: %w", err)
		}
		sink = httpSink
		s.logger.Info("notification webhook enabled", "url", cfg.NotifyWebhookURL)
	} else {
		sink = &notify.LogSink{Logger: s.logger}
		s.logger.Info("notification webhook not configured, logging events")
	}
	s.emitter = notify.NewEmitter(sink, s.hub, s.logger)

	// Services
	s.payouts = payout.New(orderStore, s.ledger, s.signer, s.parties, s.logger).
		WithNotifier(s.emitter)

	s.orders = order.NewService(orderStore, s.parties, s.logger).
		WithReleaser(s.payouts).
		WithNotifier(s.emitter)

	s.deposits = reconcile.New(orderStore, s.ledger, reconcile.Config{
		VaultAddress: cfg.VaultAddress,
		SettleDelay:  cfg.SettleDelay,
		Tolerance:    cfg.FeeTolerance,
		Strict:       cfg.ReconcileStrict,
	}, s.logger).WithNotifier(s.emitter)

	s.disputes = dispute.NewService(disputeStore, orderStore, s.payouts, s.logger).
		WithNotifier(s.emitter)

	// The dispute service closes the loop: it guards delivery confirmation
	// and authorizes early releases.
	s.orders.WithDisputeChecker(s.disputes)
	s.payouts.WithDisputeChecker(s.disputes)

	// Configure gin
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

// -----------------------------------------------------------------------------
// Middleware
// -----------------------------------------------------------------------------

func (s *Server) setupMiddleware() {
	// Recovery with logging
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

	// CORS
	s.router.Use(security.CORSMiddleware(s.cfg.AllowedWSOrigins))

	// Request size limit (1MB)
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	// Rate limiting
	s.rateLimiter = ratelimit.New(ratelimit.DefaultConfig())
	s.router.Use(s.rateLimiter.Middleware())

	// Prometheus metrics
	s.router.Use(metrics.Middleware())

	// Request ID
	s.router.Use(s.requestIDMiddleware())

	// Logging
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Check for existing request ID (from load balancer, etc.)
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = generateRequestID()
		}

		// Add to context
		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		ctx = logging.WithLogger(ctx, s.logger)
		c.Request = c.Request.WithContext(ctx)

		// Set response header
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

		// Log level based on status code
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
	// Health & metrics endpoints
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	// WebSocket event stream for order lifecycle updates
	s.router.GET("/ws/orders", func(c *gin.Context) {
		s.hub.ServeWS(c.Writer, c.Request)
	})

	v1 := s.router.Group("/v1")

	order.NewHandler(s.orders).RegisterRoutes(v1)
	reconcile.NewHandler(s.deposits).RegisterRoutes(v1)
	payout.NewHandler(s.payouts).RegisterRoutes(v1)
	dispute.NewHandler(s.disputes).RegisterRoutes(v1)
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

// HealthResponse for health check endpoints
type HealthResponse struct {
	Status    string          `json:"status"`
	Version   string          `json:"version"`
	Checks    []health.Status `json:"checks"`
	Timestamp string          `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	healthy, statuses := s.healthRegistry.CheckAll(c.Request.Context())

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

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// Channel to catch server errors
	errChan := make(chan error, 1)

	// Start server in goroutine
	go func() {
		s.logger.Info("starting server",
			"port", s.cfg.Port,
			"vault", s.signer.Address(),
		)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	// Sample DB pool stats while running
	if s.db != nil {
		go metrics.StartDBStatsCollector(ctx, s.db, 15*time.Second)
	}

	// Mark as ready after brief delay for startup
	go func() {
		time.Sleep(100 * time.Millisecond)
		s.ready.Store(true)
		s.logger.Info("server ready")
	}()

	// Wait for shutdown signal or error
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

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.httpSrv.Shutdown(ctx); err != nil {
		s.logger.Error("shutdown error", "error", err)
		return err
	}

	// Drain queued notifications, then disconnect stream clients
	if s.emitter != nil {
		s.emitter.Close()
		s.logger.Info("notification emitter drained")
	}
	if s.hub != nil {
		s.hub.Shutdown(ctx)
		s.logger.Info("websocket hub stopped")
	}

	// Stop rate limiter cleanup goroutine
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
		s.logger.Info("rate limiter stopped")
	}

	// Close ledger RPC connection
	if err := s.ledger.Close(); err != nil {
		s.logger.Error("ledger close error", "error", err)
	}

	// Flush pending trace spans
	if s.shutdownTraces != nil {
		if err := s.shutdownTraces(ctx); err != nil {
			s.logger.Error("trace shutdown error", "error", err)
		}
	}

	// Close database connection pool
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

// Parties returns the profile directory, used by tests to seed wallets.
func (s *Server) Parties() party.Directory {
	return s.parties
}

func generateRequestID() string {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("req-%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(b)
}
