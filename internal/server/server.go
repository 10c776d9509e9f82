// Package server assembles the HTTP API: storage, services, middleware
// and routes.
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

	"github.com/marqueehq/marquee/internal/admin"
	"github.com/marqueehq/marquee/internal/alerts"
	"github.com/marqueehq/marquee/internal/auth"
	"github.com/marqueehq/marquee/internal/config"
	"github.com/marqueehq/marquee/internal/health"
	"github.com/marqueehq/marquee/internal/intent"
	"github.com/marqueehq/marquee/internal/ledger"
	"github.com/marqueehq/marquee/internal/logging"
	"github.com/marqueehq/marquee/internal/metrics"
	"github.com/marqueehq/marquee/internal/pass"
	"github.com/marqueehq/marquee/internal/payments"
	"github.com/marqueehq/marquee/internal/ratelimit"
	"github.com/marqueehq/marquee/internal/realtime"
	"github.com/marqueehq/marquee/internal/reconciliation"
	"github.com/marqueehq/marquee/internal/security"
	"github.com/marqueehq/marquee/internal/settlement"
	"github.com/marqueehq/marquee/internal/tickets"
	"github.com/marqueehq/marquee/internal/traces"
	"github.com/marqueehq/marquee/internal/validation"
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// paymentProvider is what the server needs from a checkout backend: it
// opens sessions and authenticates the webhooks that come back.
type paymentProvider interface {
	settlement.CheckoutProvider
	settlement.WebhookParser
	Name() string
}

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg         *config.Config
	tokens      *ledger.Ledger
	intents     *intent.Service
	settlements *settlement.Service
	tickets     *tickets.Service
	sweeper     *intent.Sweeper
	authMgr     *auth.Manager
	hub         *realtime.Hub
	passStore   pass.Store
	passSyncer  *pass.Syncer
	provider    paymentProvider
	reconTimer  *reconciliation.Timer
	rateLimiter *ratelimit.Limiter
	healthReg   *health.Registry
	db          *sql.DB // nil if using in-memory
	router      *gin.Engine
	httpSrv     *http.Server
	logger      *slog.Logger

	shutdownTraces func(context.Context) error
	cancelRunCtx   context.CancelFunc // cancels background goroutines started in Run

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

// WithProvider sets a custom payment provider (for testing)
func WithProvider(p paymentProvider) Option {
	return func(s *Server) {
		s.provider = p
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, cfg.LogFormat),
	}

	// Apply options first (may set provider/logger)
	for _, opt := range opts {
		opt(s)
	}

	// Initialize storage (Postgres if DATABASE_URL set, otherwise in-memory).
	// Schema is owned by cmd/migrate; the stores assume it is current.
	var (
		ledgerStore ledger.Store
		intentStore intent.Store
		ticketStore tickets.Store
		authStore   auth.Store
	)
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}

		// Configure connection pool
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		// Test connection
		if err := db.Ping(); err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}

		s.db = db
		ledgerStore = ledger.NewPostgresStore(db)
		intentStore = intent.NewPostgresStore(db)
		ticketStore = tickets.NewPostgresStore(db)
		s.passStore = pass.NewPostgresStore(db)
		authStore = auth.NewPostgresStore(db)
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))
	} else {
		ledgerStore = ledger.NewMemoryStore()
		intentStore = intent.NewMemoryStore()
		ticketStore = tickets.NewMemoryStore()
		s.passStore = pass.NewMemoryStore()
		authStore = auth.NewMemoryStore()
		s.logger.Info("using in-memory storage (data will not persist)")
	}

	// Token ledger and purchase intents
	s.tokens = ledger.New(ledgerStore, s.logger)
	s.intents = intent.NewService(intentStore, cfg.TopUpTTL, s.logger)

	// Payment provider: Stripe when configured, simulated checkout otherwise.
	// Config validation refuses the simulated provider in production.
	if s.provider == nil {
		if cfg.StripeSecretKey != "" {
			s.provider = payments.NewStripeProvider(payments.StripeConfig{
				SecretKey:     cfg.StripeSecretKey,
				WebhookSecret: cfg.StripeWebhookSecret,
				SuccessURL:    cfg.CheckoutSuccessURL,
				CancelURL:     cfg.CheckoutCancelURL,
				Currency:      cfg.CheckoutCurrency,
				CentsPerToken: cfg.TokenPriceCents,
				SessionTTL:    cfg.TopUpTTL,
			}, s.logger)
			s.logger.Info("stripe checkout enabled", "currency", cfg.CheckoutCurrency, "centsPerToken", cfg.TokenPriceCents)
		} else {
			s.provider = payments.NewSimulatedProvider("http://localhost:"+cfg.Port, s.logger)
			s.logger.Warn("no payment provider configured, using simulated checkout")
		}
	}

	// Operator alerts: Telegram when configured, log-only otherwise
	var notifier settlement.AlertNotifier
	if cfg.TelegramToken != "" && cfg.TelegramChatID != 0 {
		tg, err := alerts.NewTelegramNotifier(cfg.TelegramToken, cfg.TelegramChatID, s.logger)
		if err != nil {
			s.logger.Warn("telegram alerts unavailable, falling back to log alerts", "error", err)
			notifier = alerts.NewLogNotifier(s.logger)
		} else {
			notifier = tg
			s.logger.Info("telegram operator alerts enabled")
		}
	} else {
		notifier = alerts.NewLogNotifier(s.logger)
	}

	// Realtime hub for WebSocket streaming
	s.hub = realtime.NewHub(s.logger)

	// Wallet pass bridge (no-op when PASS_BRIDGE_URL is unset)
	s.passSyncer = pass.NewSyncer(s.passStore, cfg.PassBridgeURL, cfg.PassSecret, s.logger)
	if s.passSyncer.Enabled() {
		s.logger.Info("wallet pass bridge enabled", "url", cfg.PassBridgeURL)
	}

	// Settlement engine and ticketing. The tickets service purchases
	// through settlement, and settlement's event fanout completes
	// reservation holds once their top-up settles, so the emitter is
	// attached after both exist.
	s.settlements = settlement.NewService(s.tokens, s.intents, s.provider, s.logger).
		WithAlerts(notifier).
		WithPassSyncer(s.passSyncer)
	s.tickets = tickets.NewService(ticketStore, s.settlements, s.intents, s.logger)

	fanout := &settlementEventFanout{hub: s.hub, tickets: s.tickets, logger: s.logger}
	s.settlements = s.settlements.WithEmitter(fanout)
	s.tickets = s.tickets.WithEmitter(fanout)

	// Expiry sweeper for unpaid top-ups
	s.sweeper = intent.NewSweeper(s.intents, intentStore, cfg.SweepInterval, s.logger)

	// Staff keys
	s.authMgr = auth.NewManager(cfg.StaffAPIKey, authStore)

	// Periodic reconciliation: balance replay plus stuck-settlement count
	runner := reconciliation.NewRunner(s.tokens, s.intents, s.logger)
	s.reconTimer = reconciliation.NewTimer(runner, s.logger)

	// Tracing (disabled unless an OTLP endpoint is configured)
	if cfg.OTLPEndpoint != "" {
		shutdown, err := traces.Init(context.Background(), cfg.OTLPEndpoint, s.logger)
		if err != nil {
			s.logger.Warn("tracing unavailable", "error", err)
		} else {
			s.shutdownTraces = shutdown
			s.logger.Info("tracing enabled", "endpoint", cfg.OTLPEndpoint)
		}
	}

	// Health checks. The sweeper and reconciliation loops register
	// theirs in Run once they are actually started.
	s.healthReg = health.NewRegistry()
	if s.db != nil {
		db := s.db
		s.healthReg.Register("database", func(ctx context.Context) health.Status {
			if err := db.PingContext(ctx); err != nil {
				return health.Status{Name: "database", Healthy: false, Detail: err.Error()}
			}
			return health.Status{Name: "database", Healthy: true}
		})
	} else {
		s.healthReg.Register("database", func(ctx context.Context) health.Status {
			return health.Status{Name: "database", Healthy: true, Detail: "in-memory"}
		})
	}
	provider := s.provider
	s.healthReg.Register("payments", func(ctx context.Context) health.Status {
		return health.Status{Name: "payments", Healthy: true, Detail: provider.Name()}
	})

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

	// CORS. The kiosk and concierge frontends live on other origins, so
	// an empty CORS_ORIGINS falls back to allow-all for development.
	origins := s.cfg.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	s.router.Use(security.CORSMiddleware(origins))

	// Request size limit (1MB)
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	// Rate limiting
	rlCfg := ratelimit.DefaultConfig()
	if s.cfg.RateLimitPerMinute > 0 {
		rlCfg.RequestsPerMinute = s.cfg.RateLimitPerMinute
	}
	s.rateLimiter = ratelimit.New(rlCfg)
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
	s.router.GET("/healthz", s.healthHandler)
	s.router.GET("/healthz/live", s.livenessHandler)
	s.router.GET("/healthz/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	// Venue board (live lobby view) and API info
	s.router.GET("/", boardPageHandler)
	s.router.GET("/api", s.infoHandler)

	// Simulated payments get a local checkout page so the top-up flow can be
	// walked end to end without Stripe.
	if s.provider.Name() == "simulated" {
		s.router.GET("/dev/checkout/:ref", devCheckoutPageHandler)
	}

	// WebSocket activity feed (dashboards, box office displays)
	s.router.GET("/ws", func(c *gin.Context) {
		s.hub.HandleWebSocket(c.Writer, c.Request)
	})

	v1 := s.router.Group("/v1")

	tokenHandler := ledger.NewHandler(s.tokens, s.logger)
	intentHandler := intent.NewHandler(s.intents, s.logger)
	settlementHandler := settlement.NewHandler(s.settlements, s.provider, s.logger)
	ticketHandler := tickets.NewHandler(s.tickets, s.logger)
	passHandler := pass.NewHandler(s.passStore, s.passSyncer, s.tokens, s.logger)
	authHandler := auth.NewHandler(s.authMgr)

	// PUBLIC ROUTES (no auth required)
	// Purchases and top-up status are open: the member id comes from the
	// kiosk/concierge session, and the payment provider's webhook is
	// authenticated by its signature, not a staff key.
	settlementHandler.RegisterRoutes(v1)
	settlementHandler.RegisterWebhookRoutes(v1)
	intentHandler.RegisterRoutes(v1)
	ticketHandler.RegisterRoutes(v1)
	authHandler.RegisterPublicRoutes(v1)

	// Member routes validate the :id param as an email-shaped member id.
	// Mounted on their own groups so screening and top-up ids, which also
	// bind :id, are left alone.
	members := v1.Group("")
	members.Use(validation.MemberParamMiddleware())
	tokenHandler.RegisterRoutes(members)
	passHandler.RegisterRoutes(members)

	// STAFF ROUTES (require a staff key)
	staffMembers := v1.Group("")
	staffMembers.Use(auth.Middleware(s.authMgr), auth.RequireStaff(), validation.MemberParamMiddleware())
	tokenHandler.RegisterStaffRoutes(staffMembers)

	staff := v1.Group("/staff")
	staff.Use(auth.Middleware(s.authMgr), auth.RequireStaff())
	authHandler.RegisterStaffRoutes(staff)
	ticketHandler.RegisterStaffRoutes(staff)

	// MANAGER ROUTES (operator surface: stuck settlements, sweeps, audit)
	adminHandler := admin.NewHandler().
		WithIntents(s.intents).
		WithResolver(s.settlements).
		WithSweeper(s.sweeper).
		WithFeed(s.hub)

	managers := v1.Group("")
	managers.Use(auth.Middleware(s.authMgr), auth.RequireManager())
	adminHandler.RegisterRoutes(managers)
	tokenHandler.RegisterAdminRoutes(managers.Group("/admin"))
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

func (s *Server) healthHandler(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	healthy, statuses := s.healthReg.CheckAll(ctx)

	status := "healthy"
	httpStatus := http.StatusOK
	if !healthy {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, gin.H{
		"status":    status,
		"checks":    statuses,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
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

func (s *Server) infoHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"name":        "Marquee",
		"description": "Token ledger and deferred settlement for venue purchases",
		"version":     "1.0.0",
		"endpoints": gin.H{
			"board":        "GET /",
			"purchase":     "POST /v1/purchase",
			"balance":      "GET /v1/members/{id}/balance",
			"topUpStatus":  "GET /v1/topups/{id}",
			"screenings":   "GET /v1/screenings",
			"reservations": "POST /v1/reservations",
			"feed":         "GET /ws",
		},
	})
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
	// Create a cancellable context for background goroutines so Shutdown() can stop them.
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

	// Channel to catch server errors
	errChan := make(chan error, 1)

	// Start server in goroutine
	go func() {
		s.logger.Info("starting server",
			"port", s.cfg.Port,
			"env", s.cfg.Env,
			"payments", s.provider.Name(),
		)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	// Start realtime hub
	go s.hub.Run(runCtx)

	// Start top-up expiry sweeper
	go s.sweeper.Start(runCtx)

	// Start periodic reconciliation
	go s.reconTimer.Start(runCtx)

	// Sample connection pool stats while the server runs
	if s.db != nil {
		go metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
	}

	sweeper := s.sweeper
	s.healthReg.Register("sweeper", func(ctx context.Context) health.Status {
		if !sweeper.Running() {
			return health.Status{Name: "sweeper", Healthy: false, Detail: "expiry sweeper not running"}
		}
		return health.Status{Name: "sweeper", Healthy: true}
	})
	reconTimer := s.reconTimer
	s.healthReg.Register("reconciliation", func(ctx context.Context) health.Status {
		if !reconTimer.Running() {
			return health.Status{Name: "reconciliation", Healthy: false, Detail: "reconciliation timer not running"}
		}
		return health.Status{Name: "reconciliation", Healthy: true}
	})

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

	// Cancel the context for all background goroutines (hub, sweeper, reconciliation)
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	// Give load balancers time to stop sending traffic
	time.Sleep(5 * time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.httpSrv.Shutdown(ctx); err != nil {
		s.logger.Error("shutdown error", "error", err)
		return err
	}

	// Stop the sweeper and reconciliation loops
	s.sweeper.Stop()
	s.reconTimer.Stop()

	// Stop rate limiter cleanup goroutine
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}

	// Flush pending trace spans
	if s.shutdownTraces != nil {
		traceCtx, traceCancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := s.shutdownTraces(traceCtx); err != nil {
			s.logger.Error("trace shutdown error", "error", err)
		}
		traceCancel()
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

// -----------------------------------------------------------------------------
// Helpers
// -----------------------------------------------------------------------------

func generateRequestID() string {
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		// Fallback to timestamp-based ID
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(bytes)
}

// -----------------------------------------------------------------------------
// Adapters
// -----------------------------------------------------------------------------

// settlementEventFanout bridges settlement and ticketing events to the
// websocket feed, and completes reservation holds once the top-up that
// blocked them settles. Reservations track which intent holds their seats;
// a settled intent with no reservation is a plain concession purchase and
// the confirm is a no-op.
type settlementEventFanout struct {
	hub     *realtime.Hub
	tickets *tickets.Service
	logger  *slog.Logger
}

func (f *settlementEventFanout) Emit(event string, data map[string]any) {
	f.hub.Emit(event, data)

	if event != "topup.settled" {
		return
	}
	intentID, _ := data["intentId"].(string)
	entryID, _ := data["entryId"].(string)
	if intentID == "" {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := f.tickets.ConfirmByIntent(ctx, intentID, entryID); err != nil {
			f.logger.Error("reservation confirm after settlement failed",
				"intentId", intentID,
				"error", err)
		}
	}()
}
