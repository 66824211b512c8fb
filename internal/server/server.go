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
	"github.com/pressly/goose/v3"

	"github.com/mbd888/callshield/internal/admin"
	"github.com/mbd888/callshield/internal/auth"
	"github.com/mbd888/callshield/internal/bridge"
	"github.com/mbd888/callshield/internal/classify"
	"github.com/mbd888/callshield/internal/config"
	"github.com/mbd888/callshield/internal/health"
	"github.com/mbd888/callshield/internal/history"
	"github.com/mbd888/callshield/internal/idgen"
	"github.com/mbd888/callshield/internal/logging"
	"github.com/mbd888/callshield/internal/metrics"
	"github.com/mbd888/callshield/internal/notify"
	"github.com/mbd888/callshield/internal/overrides"
	"github.com/mbd888/callshield/internal/providers"
	"github.com/mbd888/callshield/internal/ratelimit"
	"github.com/mbd888/callshield/internal/realtime"
	"github.com/mbd888/callshield/internal/security"
	"github.com/mbd888/callshield/internal/session"
	"github.com/mbd888/callshield/internal/traces"
	"github.com/mbd888/callshield/internal/validation"
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg          *config.Config
	registry     *session.Registry
	sweeper      *session.Sweeper
	aggregator   *providers.Aggregator
	overrides    *overrides.Service
	historyStore history.Store
	recorder     *history.Recorder
	notifyStore  notify.Store
	dispatcher   *notify.Dispatcher
	notifier     *notify.Notifier
	bridge       *bridge.Handler
	hub          *realtime.Hub
	keyring      *auth.Keyring
	checks       *health.Registry
	rateLimiter  *ratelimit.Limiter
	dialer       bridge.Dialer
	db           *sql.DB // nil if using in-memory
	router       *gin.Engine
	httpSrv      *http.Server
	logger       *slog.Logger
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

// WithDialer sets a custom upstream dialer (for testing)
func WithDialer(d bridge.Dialer) Option {
	return func(s *Server) {
		s.dialer = d
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, cfg.LogFormat),
	}

	// Apply options first (may set dialer/logger)
	for _, opt := range opts {
		opt(s)
	}

	// Context for initialization
	ctx := context.Background()

	// Initialize storage (Postgres if DATABASE_URL set, otherwise in-memory)
	var (
		overrideStore overrides.Store
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
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))

		// Schema is managed by cmd/migrate; refuse to guess at it here,
		// just report where it stands.
		if ver, err := goose.GetDBVersionContext(ctx, db); err != nil {
			s.logger.Warn("could not read schema version, run cmd/migrate up", "error", err)
		} else if ver == 0 {
			s.logger.Warn("database schema is empty, run cmd/migrate up")
		} else {
			s.logger.Info("database schema", "version", ver)
		}

		overrideStore = overrides.NewPostgresStore(db)
		s.historyStore = history.NewPostgresStore(db)
		s.notifyStore = notify.NewPostgresStore(db)
	} else {
		s.logger.Info("using in-memory storage (data will not persist)")
		overrideStore = overrides.NewMemoryStore()
		s.historyStore = history.NewMemoryStore()
		s.notifyStore = notify.NewMemoryStore()
	}

	// Session registry with the history recorder as its close finalizer
	s.registry = session.NewRegistry(s.logger)
	s.recorder = history.NewRecorder(s.historyStore, s.logger)
	s.registry.SetFinalizer(s.recorder.Record)

	// Operator override rules
	s.overrides = overrides.NewService(overrideStore, s.logger)

	// Reputation providers from the providers file
	s.aggregator = providers.NewAggregator(s.logger)
	if err := s.registerProviders(); err != nil {
		return nil, err
	}

	// API keys
	s.keyring = auth.NewKeyring(cfg.DeviceAPIKeys, cfg.AdminAPIKey)
	if s.keyring.DeviceOpen() {
		s.logger.Warn("device auth disabled (no DEVICE_API_KEYS set)")
	} else {
		s.logger.Info("device auth enabled", "keys", len(cfg.DeviceAPIKeys))
	}
	if !s.keyring.AdminConfigured() {
		s.logger.Info("admin surface disabled (no ADMIN_API_KEY set)")
	}

	// Ops feed hub for WebSocket streaming
	s.hub = realtime.NewHub(s.logger)

	// Warning webhooks
	s.dispatcher = notify.NewDispatcher(s.notifyStore, s.logger)
	s.notifier = notify.NewNotifier(s.dispatcher, s.logger)

	// Relay bridge to the upstream analysis engine
	if s.dialer == nil {
		s.dialer = &bridge.UpstreamDialer{
			URL:     cfg.UpstreamWSURL,
			APIKey:  cfg.UpstreamAPIKey,
			Timeout: cfg.UpstreamDialTimeout,
		}
	}
	s.bridge = bridge.NewHandlerWithFeeds(s.registry, s.dialer, s.hub, s.notifier, s.logger)

	// Stale-session sweep, surfaced on the ops feed
	s.sweeper = session.NewSweeper(s.registry, cfg.SessionTTL, cfg.SweepInterval, s.logger)
	s.sweeper.SetOnSweep(s.hub.EmitSweep)

	// Readiness checks
	s.checks = health.NewRegistry()
	s.checks.Register("store", s.storeChecker())
	s.checks.Register("upstream", s.upstreamChecker())
	s.checks.Register("feed", s.feedChecker())

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

// registerProviders wires the providers file into the aggregator. The
// blocklist provider is always registered so operator rules reach
// aggregate verdicts even without a file.
func (s *Server) registerProviders() error {
	configs, err := config.LoadProviders(s.cfg.ProvidersFile)
	if err != nil {
		return fmt.Errorf("failed to load providers: %w", err)
	}

	haveBlocklist := false
	for _, pc := range configs {
		var p providers.Provider
		switch pc.Type {
		case config.ProviderTypeHTTP:
			p = providers.NewHTTPProvider(pc.Name, pc.URL, pc.APIKey)
		case config.ProviderTypeTwilio:
			sid := os.Getenv("TWILIO_ACCOUNT_SID")
			token := os.Getenv("TWILIO_AUTH_TOKEN")
			if sid == "" || token == "" {
				s.logger.Warn("skipping twilio provider, credentials not set", "provider", pc.Name)
				continue
			}
			p = providers.NewTwilioProvider(pc.Name, sid, token)
		case config.ProviderTypeBlocklist:
			p = providers.NewBlocklistProvider(pc.Name, s.overrides)
			haveBlocklist = true
		}
		if err := s.aggregator.Register(providers.Registration{
			Provider: p,
			Weight:   pc.Weight,
			Priority: pc.Priority,
			Timeout:  pc.Timeout.Std(),
			Enabled:  pc.Enabled,
		}); err != nil {
			return fmt.Errorf("failed to register provider %q: %w", pc.Name, err)
		}
		s.logger.Info("provider registered",
			"provider", pc.Name,
			"type", pc.Type,
			"enabled", pc.Enabled,
			"weight", pc.Weight,
		)
	}

	if !haveBlocklist {
		err := s.aggregator.Register(providers.Registration{
			Provider: providers.NewBlocklistProvider("blocklist", s.overrides),
			Weight:   1.0,
			Priority: 0,
			Timeout:  500 * time.Millisecond,
			Enabled:  true,
		})
		if err != nil {
			return fmt.Errorf("failed to register blocklist provider: %w", err)
		}
		s.logger.Info("provider registered", "provider", "blocklist", "type", "blocklist", "enabled", true)
	}

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
	origins := s.cfg.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	s.router.Use(security.CORSMiddleware(origins))

	// Request size limit (1MB). The streaming endpoints are exempt: a
	// call's audio flows over the socket for as long as the call lasts.
	sizeLimit := validation.RequestSizeMiddleware(validation.MaxRequestSize)
	s.router.Use(func(c *gin.Context) {
		if strings.HasPrefix(c.Request.URL.Path, "/ws/") {
			c.Next()
			return
		}
		sizeLimit(c)
	})

	// Rate limiting
	rlCfg := ratelimit.DefaultConfig()
	if s.cfg.RateLimitRPM > 0 {
		rlCfg.RequestsPerMinute = s.cfg.RateLimitRPM
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
	s.router.GET("/healthz", s.livenessHandler)
	s.router.GET("/readyz", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())
	s.router.GET("/", s.infoHandler)

	// WebSocket endpoints. The stream carries call audio from a device
	// to the analysis engine; the events feed mirrors activity to ops.
	s.router.GET("/ws/stream", auth.RequireDevice(s.keyring), func(c *gin.Context) {
		s.bridge.HandleStream(c.Writer, c.Request)
	})
	s.router.GET("/ws/events", auth.RequireAdmin(s.keyring), func(c *gin.Context) {
		s.hub.HandleWebSocket(c.Writer, c.Request)
	})

	// V1 API group
	v1 := s.router.Group("/v1")

	// DEVICE ROUTES (device key, or open mode)
	device := v1.Group("")
	device.Use(auth.RequireDevice(s.keyring))
	// Reject malformed session tokens before they reach a handler.
	// Override and webhook IDs use other prefixes and live on their own groups.
	device.Use(validation.SessionParamMiddleware())
	{
		device.POST("/sessions", s.createSession)
		device.GET("/sessions/:id", s.getSession)
		device.DELETE("/sessions/:id", s.closeSession)
		device.POST("/check", s.checkNumber)
	}

	// ADMIN ROUTES (admin key; the whole surface 404s when unconfigured)
	adminV1 := v1.Group("")
	adminV1.Use(auth.RequireAdmin(s.keyring))
	history.NewHandler(s.historyStore).RegisterRoutes(adminV1)

	adminGroup := v1.Group("/admin")
	adminGroup.Use(auth.RequireAdmin(s.keyring))

	adminHandler := admin.NewHandler().
		WithProviders(s.aggregator).
		WithOverrides(s.overrides).
		WithSessions(s.registry, s.cfg.SessionTTL)
	adminHandler.RegisterRoutes(adminGroup)

	notify.NewHandler(s.notifyStore, s.dispatcher).RegisterRoutes(adminGroup)
}

// -----------------------------------------------------------------------------
// Session handlers
// -----------------------------------------------------------------------------

type createSessionRequest struct {
	PhoneNumber string `json:"phoneNumber" binding:"required"`
	DeviceID    string `json:"deviceId"`
}

func (s *Server) createSession(c *gin.Context) {
	var req createSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "phoneNumber is required",
		})
		return
	}

	number := validation.SanitizePhoneNumber(req.PhoneNumber)
	if !validation.IsValidPhoneNumber(number) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_number",
			"message": "Phone number must be E.164, e.g. +15551234567",
		})
		return
	}
	if errs := validation.Validate(
		validation.MaxLength("deviceId", req.DeviceID, 128),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	_, span := traces.StartSpan(c.Request.Context(), "session.create", traces.PhoneHash(number))
	defer span.End()

	sess, err := s.registry.Create(number, req.DeviceID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to create session",
		})
		return
	}
	span.SetAttributes(traces.SessionID(sess.ID))

	s.hub.EmitSessionCreated(sess.ID, logging.MaskNumber(sess.Number))

	c.JSON(http.StatusCreated, gin.H{
		"sessionId": sess.ID,
		"expiresIn": int(s.cfg.SessionTTL.Seconds()),
	})
}

// SessionSummary is the device-facing view of a session. The number is
// masked; the caller already knows who they dialed, and summaries end
// up in support tooling and logs.
type SessionSummary struct {
	SessionID   string             `json:"sessionId"`
	Number      string             `json:"number"`
	DeviceID    string             `json:"deviceId,omitempty"`
	Status      session.Status     `json:"status"`
	CloseCause  session.Cause      `json:"closeCause,omitempty"`
	HighestRisk classify.RiskLevel `json:"highestRisk"`
	Results     int                `json:"results"`
	Transcripts int                `json:"transcripts"`
	Warnings    int                `json:"warnings"`
	CreatedAt   time.Time          `json:"createdAt"`
	ConnectedAt *time.Time         `json:"connectedAt,omitempty"`
	ClosedAt    *time.Time         `json:"closedAt,omitempty"`
	UpdatedAt   time.Time          `json:"updatedAt"`
}

func summarize(sess *session.Session) SessionSummary {
	sum := SessionSummary{
		SessionID:   sess.ID,
		Number:      logging.MaskNumber(sess.Number),
		DeviceID:    sess.DeviceID,
		Status:      sess.Status,
		CloseCause:  sess.CloseCause,
		HighestRisk: sess.HighestRisk(),
		Results:     len(sess.Results),
		Transcripts: len(sess.Transcripts),
		Warnings:    len(sess.Warnings),
		CreatedAt:   sess.CreatedAt,
		UpdatedAt:   sess.UpdatedAt,
	}
	if !sess.ConnectedAt.IsZero() {
		t := sess.ConnectedAt
		sum.ConnectedAt = &t
	}
	if !sess.ClosedAt.IsZero() {
		t := sess.ClosedAt
		sum.ClosedAt = &t
	}
	return sum
}

func (s *Server) getSession(c *gin.Context) {
	sess, err := s.registry.Get(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "Session not found",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"session": summarize(sess)})
}

// closeSession handles DELETE /v1/sessions/:id. Closing an already
// closed session succeeds; devices retry closes on flaky networks.
func (s *Server) closeSession(c *gin.Context) {
	sess, err := s.registry.Close(c.Param("id"), session.CauseClientClose)
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Session not found",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to close session",
		})
		return
	}

	s.hub.EmitSessionClosed(sess.ID, sess.CloseCause)
	c.Status(http.StatusNoContent)
}

// -----------------------------------------------------------------------------
// Pre-call check
// -----------------------------------------------------------------------------

type checkNumberRequest struct {
	PhoneNumber string `json:"phoneNumber" binding:"required"`
}

// checkNumber handles POST /v1/check, the stateless pre-call path.
// Operator rules win outright; vendors are only consulted when no rule
// matches.
func (s *Server) checkNumber(c *gin.Context) {
	var req checkNumberRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "phoneNumber is required",
		})
		return
	}

	number := validation.SanitizePhoneNumber(req.PhoneNumber)
	if !validation.IsValidPhoneNumber(number) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_number",
			"message": "Phone number must be E.164, e.g. +15551234567",
		})
		return
	}

	ctx, span := traces.StartSpan(c.Request.Context(), "check.number", traces.PhoneHash(number))
	defer span.End()

	entry, err := s.overrides.Check(ctx, number)
	if err != nil {
		logging.L(ctx).Warn("override check failed, falling through to providers", "error", err)
	}
	if entry != nil {
		verdict := providers.OverrideVerdict(number, entry)
		span.SetAttributes(traces.RiskLevel(string(verdict.RiskLevel)))
		c.JSON(http.StatusOK, verdict)
		return
	}

	verdict := s.aggregator.Query(ctx, number)
	span.SetAttributes(traces.RiskLevel(string(verdict.RiskLevel)))
	c.JSON(http.StatusOK, verdict)
}

// -----------------------------------------------------------------------------
// Health handlers
// -----------------------------------------------------------------------------

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

	healthy, statuses := s.checks.CheckAll(c.Request.Context())
	if !healthy {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "checks": statuses})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready", "checks": statuses})
}

func (s *Server) storeChecker() health.CheckFunc {
	return func(ctx context.Context) (string, error) {
		if s.db == nil {
			return "memory", nil
		}
		if err := s.db.PingContext(ctx); err != nil {
			return "", err
		}
		return "postgres", nil
	}
}

func (s *Server) upstreamChecker() health.CheckFunc {
	return func(ctx context.Context) (string, error) {
		if s.cfg.UpstreamWSURL == "" {
			return "", errors.New("UPSTREAM_WS_URL not set")
		}
		return "", nil
	}
}

func (s *Server) feedChecker() health.CheckFunc {
	return func(ctx context.Context) (string, error) {
		stats := s.hub.Stats()
		n, _ := stats["connectedClients"].(int)
		if n >= realtime.MaxClients {
			return "", errors.New("client capacity reached")
		}
		return "", nil
	}
}

func (s *Server) infoHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"name":        "Callshield",
		"description": "Real-time scam call protection backend",
		"version":     "0.1.0",
	})
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the server and blocks until shutdown
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
			"upstream", s.cfg.UpstreamWSURL,
		)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	// Start ops feed hub
	go s.hub.Run(runCtx)

	// Start stale-session sweep
	go s.sweeper.Start(runCtx)

	// Start history sink
	go s.recorder.Start(runCtx)

	// Sample DB pool stats for Prometheus
	if s.db != nil {
		go metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
	}

	// Register the configured warning intake as a webhook subscriber
	if s.cfg.NotifyEndpoint != "" {
		s.seedNotifyEndpoint(runCtx)
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

// seedNotifyEndpoint subscribes the collaborator intake from config to
// every warning event, unless a subscription for that URL already
// exists from a previous boot.
func (s *Server) seedNotifyEndpoint(ctx context.Context) {
	if subs, err := s.notifyStore.List(ctx); err == nil {
		for _, sub := range subs {
			if sub.URL == s.cfg.NotifyEndpoint {
				return
			}
		}
	}

	sub := &notify.Subscription{
		ID:        idgen.Webhook(),
		URL:       s.cfg.NotifyEndpoint,
		Secret:    s.cfg.NotifySecret,
		Events:    append([]notify.EventType(nil), notify.SubscribableEvents...),
		Active:    true,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.notifyStore.Create(ctx, sub); err != nil {
		s.logger.Warn("failed to register notify endpoint", "error", err)
		return
	}
	s.logger.Info("notify endpoint registered", "webhook_id", sub.ID)
}

// Shutdown gracefully stops the server. Order matters: stop accepting
// HTTP, close live relays so their sessions finalize, then drain the
// history queue those finalizations fed.
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	// Give load balancers time to stop sending traffic
	time.Sleep(5 * time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var shutdownErr error
	if err := s.httpSrv.Shutdown(ctx); err != nil {
		s.logger.Error("shutdown error", "error", err)
		shutdownErr = err
	}

	// Close live relays; each one finalizes its session on the way out
	if s.bridge != nil {
		s.bridge.Shutdown()
		s.logger.Info("bridges closed")
	}

	// Stop background goroutines (hub run loop, sweep ticker, db stats)
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}
	if s.sweeper != nil {
		s.sweeper.Stop()
		s.logger.Info("session sweeper stopped")
	}

	// Drain queued history writes
	if s.recorder != nil {
		s.recorder.Stop()
		s.logger.Info("history recorder drained")
	}

	// Stop rate limiter cleanup goroutine
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
		s.logger.Info("rate limiter stopped")
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
	return shutdownErr
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
