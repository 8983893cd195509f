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

	"github.com/mbd888/agentshield/internal/config"
	"github.com/mbd888/agentshield/internal/decisions"
	"github.com/mbd888/agentshield/internal/health"
	"github.com/mbd888/agentshield/internal/honeypot"
	"github.com/mbd888/agentshield/internal/intent"
	"github.com/mbd888/agentshield/internal/ledger"
	"github.com/mbd888/agentshield/internal/logging"
	"github.com/mbd888/agentshield/internal/metrics"
	"github.com/mbd888/agentshield/internal/pipeline"
	"github.com/mbd888/agentshield/internal/policy"
	"github.com/mbd888/agentshield/internal/ratelimit"
	"github.com/mbd888/agentshield/internal/realtime"
	"github.com/mbd888/agentshield/internal/riskscore"
	"github.com/mbd888/agentshield/internal/security"
	"github.com/mbd888/agentshield/internal/simulation"
	"github.com/mbd888/agentshield/internal/validation"
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg          *config.Config
	validator    *pipeline.Validator
	ledger       *ledger.Ledger
	store        decisions.Store
	realtimeHub  *realtime.Hub
	healthReg    *health.Registry
	rateLimiter  *ratelimit.Limiter
	simulator    simulation.Provider
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

// WithSimulator sets a custom simulation provider (for testing)
func WithSimulator(p simulation.Provider) Option {
	return func(s *Server) {
		s.simulator = p
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, "json"),
	}

	// Apply options first (may set simulator/logger)
	for _, opt := range opts {
		opt(s)
	}

	// Context for initialization
	ctx := context.Background()

	// Initialize storage (Postgres if DATABASE_URL set, otherwise in-memory)
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
		decisionStore := decisions.NewPostgresStore(db)
		if err := decisionStore.Migrate(ctx); err != nil {
			s.logger.Warn("failed to migrate decision store", "error", err)
		}
		s.store = decisionStore
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))
	} else {
		s.store = decisions.NewMemoryStore()
		s.logger.Info("using in-memory storage (decisions will not persist)")
	}

	// Load the policy document. A server without rules refuses to start:
	// an empty policy would approve everything.
	doc, err := policy.LoadFile(cfg.PolicyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load policy: %w", err)
	}
	s.logger.Info("policy loaded", "file", cfg.PolicyFile, "rules", len(doc.Rules))

	// Spend ledger with reservation leases
	s.ledger = ledger.New(cfg.ReservationLease)

	// Simulation provider (injectable for tests)
	if s.simulator == nil {
		s.simulator = simulation.NewHTTPClient(cfg.SimulatorURL, cfg.SimulatorTimeout)
	}

	// Honeypot detector reuses the same provider for the synthetic sell
	detector := honeypot.New(s.simulator, cfg.MinSellRatio, cfg.NativeAsset, cfg.ChainID)

	// Pipeline options
	pipeOpts := []pipeline.Option{
		pipeline.WithLogger(s.logger),
		pipeline.WithStore(s.store),
	}

	// LLM risk scorer is optional; the stage is skipped without it
	if cfg.RiskAPIURL != "" {
		scorer := riskscore.NewHTTPScorer(riskscore.Config{
			APIURL:  cfg.RiskAPIURL,
			APIKey:  cfg.RiskAPIKey,
			Model:   cfg.RiskModel,
			Timeout: cfg.RiskTimeout,
		})
		pipeOpts = append(pipeOpts, pipeline.WithScorer(scorer))
		s.logger.Info("risk scoring enabled", "model", cfg.RiskModel)
	} else {
		s.logger.Info("risk scoring disabled (no RISK_API_URL set)")
	}

	engine := policy.NewEngine(doc, s.ledger)
	s.validator = pipeline.New(pipeline.Config{
		ChainID:            cfg.ChainID,
		NativeAsset:        cfg.NativeAsset,
		FailOpenSimulation: cfg.FailOpenSim,
		FailOpenHoneypot:   cfg.FailOpenHoney,
		HoneypotEnabled:    cfg.HoneypotEnabled,
		RiskBlockThreshold: cfg.RiskBlockThreshold,
	}, engine, s.ledger, s.simulator, detector, pipeOpts...)

	// Health checks
	s.healthReg = health.NewRegistry()
	if s.db != nil {
		s.healthReg.Register("database", func(ctx context.Context) health.Status {
			st := health.Status{Name: "database", Healthy: true}
			if err := s.db.PingContext(ctx); err != nil {
				st.Healthy = false
				st.Detail = err.Error()
			}
			return st
		})
	}

	// Create realtime hub for WebSocket streaming
	s.realtimeHub = realtime.NewHub(s.logger)
	s.logger.Info("realtime streaming enabled")

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

	// CORS (allow all origins for demo - restrict in production)
	s.router.Use(security.CORSMiddleware([]string{"*"}))

	// Request size limit (1MB)
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

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
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	// WebSocket for real-time streaming
	s.router.GET("/ws", func(c *gin.Context) {
		s.realtimeHub.HandleWebSocket(c.Writer, c.Request)
	})

	// API info
	s.router.GET("/api", s.infoHandler)

	// V1 API group
	v1 := s.router.Group("/v1")

	// The core operation: validate a candidate transaction before signing
	v1.POST("/validate", s.validateHandler)

	// Decision audit trail
	v1.GET("/decisions", s.listDecisionsHandler)
	v1.GET("/decisions/:id", s.getDecisionHandler)

	// Cumulative spend for a principal/asset pair (observability for limits)
	v1.GET("/spend/:address", s.spendHandler)

	// Realtime hub statistics
	v1.GET("/stats", s.statsHandler)
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

// validateHandler handles POST /v1/validate.
//
// A decision is always HTTP 200, blocked included: the outcome is data, not a
// transport failure. 4xx is reserved for requests the pipeline never saw.
func (s *Server) validateHandler(c *gin.Context) {
	ctx := c.Request.Context()

	var req intent.RawTransaction
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	if errs := validation.Validate(
		validation.Required("from", req.From),
		validation.Required("to", req.To),
		validation.ValidAddress("from", req.From),
		validation.ValidAddress("to", req.To),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": errs.Error(),
		})
		return
	}

	decision, err := s.validator.Validate(ctx, req)
	if err != nil {
		logging.L(ctx).Error("validation failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Validation could not be completed",
		})
		return
	}

	// Broadcast to realtime subscribers
	if s.realtimeHub != nil {
		s.realtimeHub.BroadcastDecision(decision)
	}

	c.JSON(http.StatusOK, decision)
}

// listDecisionsHandler handles GET /v1/decisions
func (s *Server) listDecisionsHandler(c *gin.Context) {
	ctx := c.Request.Context()

	opts := decisions.ListOptions{Limit: 50}
	if p := c.Query("principal"); p != "" {
		if !validation.IsValidEthAddress(p) {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_address",
				"message": "principal must be a valid Ethereum address",
			})
			return
		}
		opts.Principal = validation.SanitizeAddress(p)
	}
	if l := c.Query("limit"); l != "" {
		if n, err := parsePositiveInt(l, 500); err == nil {
			opts.Limit = n
		}
	}
	if o := c.Query("offset"); o != "" {
		if n, err := parsePositiveInt(o, 1<<30); err == nil {
			opts.Offset = n
		}
	}

	list, err := s.store.List(ctx, opts)
	if err != nil {
		logging.L(ctx).Error("failed to list decisions", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to list decisions",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"decisions": list,
		"count":     len(list),
	})
}

// getDecisionHandler handles GET /v1/decisions/:id
func (s *Server) getDecisionHandler(c *gin.Context) {
	ctx := c.Request.Context()

	d, err := s.store.Get(ctx, c.Param("id"))
	if err != nil {
		if errors.Is(err, decisions.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "No decision with that ID",
			})
			return
		}
		logging.L(ctx).Error("failed to get decision", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to get decision",
		})
		return
	}

	c.JSON(http.StatusOK, d)
}

// spendHandler handles GET /v1/spend/:address?asset=...
func (s *Server) spendHandler(c *gin.Context) {
	ctx := c.Request.Context()

	address := c.Param("address")
	if !validation.IsValidEthAddress(address) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_address",
			"message": "address must be a valid Ethereum address (0x + 40 hex chars)",
		})
		return
	}

	asset := c.Query("asset")
	if asset == "" {
		asset = s.cfg.NativeAsset
	}

	total, err := s.ledger.Cumulative(ctx, validation.SanitizeAddress(address), asset)
	if err != nil {
		logging.L(ctx).Error("failed to read cumulative spend", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to read spend",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"principal": validation.SanitizeAddress(address),
		"asset":     asset,
		"committed": total.String(),
	})
}

func (s *Server) statsHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"realtime": s.realtimeHub.Stats(),
	})
}

// HealthResponse for health check endpoints
type HealthResponse struct {
	Status    string            `json:"status"`
	Version   string            `json:"version"`
	Checks    map[string]string `json:"checks,omitempty"`
	Timestamp string            `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	checks := make(map[string]string)
	healthy, statuses := s.healthReg.CheckAll(ctx)
	for _, st := range statuses {
		if st.Healthy {
			checks[st.Name] = "healthy"
		} else {
			checks[st.Name] = "unhealthy"
		}
	}

	status := "healthy"
	httpStatus := http.StatusOK
	if !healthy {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   "0.1.0",
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

func (s *Server) infoHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"name":        "AgentShield",
		"description": "Pre-signing transaction firewall for autonomous agents",
		"version":     "0.1.0",
		"chainId":     s.cfg.ChainID,
	})
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the server and blocks until shutdown
func (s *Server) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(context.Background())
	s.cancelRunCtx = cancel

	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	// Channel to catch server errors
	errChan := make(chan error, 1)

	// Start server in goroutine
	go func() {
		s.logger.Info("starting server", "port", s.cfg.Port)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	// Start realtime hub
	go s.realtimeHub.Run(runCtx)

	// Periodically evict idle spend records
	go s.sweepLedger(runCtx)

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

// sweepLedger evicts spend records that have been idle for several windows.
func (s *Server) sweepLedger(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := s.ledger.Sweep(ledger.DefaultIdleEvict); n > 0 {
				s.logger.Debug("swept idle spend records", "evicted", n)
			}
		}
	}
}

// Shutdown gracefully stops the server
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	// Cancel the context for all background goroutines (hub, sweeper)
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.httpSrv.Shutdown(ctx); err != nil {
		s.logger.Error("shutdown error", "error", err)
		return err
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

func parsePositiveInt(s string, max int) (int, error) {
	var n int
	if _, err := fmt.Sscanf(s, "%d", &n); err != nil {
		return 0, err
	}
	if n < 0 {
		return 0, fmt.Errorf("negative value")
	}
	if n > max {
		n = max
	}
	return n, nil
}
