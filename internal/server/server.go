// Package server sets up the HTTP server with all routes
package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq"
	"log/slog"

	"github.com/mbd888/crossbridge/internal/chain"
	"github.com/mbd888/crossbridge/internal/chain/chainmock"
	"github.com/mbd888/crossbridge/internal/chain/evm"
	"github.com/mbd888/crossbridge/internal/circuitbreaker"
	"github.com/mbd888/crossbridge/internal/config"
	"github.com/mbd888/crossbridge/internal/consensus"
	"github.com/mbd888/crossbridge/internal/health"
	"github.com/mbd888/crossbridge/internal/idgen"
	"github.com/mbd888/crossbridge/internal/logging"
	"github.com/mbd888/crossbridge/internal/metrics"
	"github.com/mbd888/crossbridge/internal/ratelimit"
	"github.com/mbd888/crossbridge/internal/realtime"
	"github.com/mbd888/crossbridge/internal/recovery"
	"github.com/mbd888/crossbridge/internal/replay"
	"github.com/mbd888/crossbridge/internal/reserve"
	"github.com/mbd888/crossbridge/internal/security"
	"github.com/mbd888/crossbridge/internal/settlement"
	"github.com/mbd888/crossbridge/internal/traces"
	"github.com/mbd888/crossbridge/internal/validation"
	"github.com/mbd888/crossbridge/internal/verifier"
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg    *config.Config
	logger *slog.Logger
	router *gin.Engine

	db          *sql.DB
	registry    *chain.Registry
	coordinator *settlement.Coordinator
	reserves    *reserve.Ledger
	guard       *replay.Guard
	tracker     *consensus.Tracker
	realtimeHub *realtime.Hub
	healthReg   *health.Registry
	rateLimiter *ratelimit.Limiter
	evmAdapter  *evm.Adapter

	httpSrv        *http.Server
	ready          atomic.Bool
	cancelRunCtx   context.CancelFunc
	shutdownTraces func(context.Context) error

	// Last published alert level per reserve position, so the stream only
	// carries new alerts and escalations, not a repeat every tick.
	alertMu    sync.Mutex
	alertsSent map[string]reserve.AlertLevel
}

// Option configures the server
type Option func(*Server)

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithChainRegistry sets a custom adapter registry (for testing)
func WithChainRegistry(r *chain.Registry) Option {
	return func(s *Server) {
		s.registry = r
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:        cfg,
		logger:     logging.New(cfg.LogLevel, "json"),
		healthReg:  health.NewRegistry(),
		alertsSent: make(map[string]reserve.AlertLevel),
	}
	for _, opt := range opts {
		opt(s)
	}

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	s.router = gin.New()

	ctx := context.Background()

	// Tracing (no-op when no OTLP endpoint is configured).
	shutdown, err := traces.Init(ctx, cfg.OTLPEndpoint, s.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize tracing: %w", err)
	}
	s.shutdownTraces = shutdown

	// Stores: PostgreSQL when DATABASE_URL is set, in-memory otherwise.
	// In-memory operation loses replay protection across restarts.
	var (
		commitments settlement.Store
		reserves    reserve.Store
		audit       reserve.AuditLogger
		nonces      replay.Store
	)
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}
		if err := db.Ping(); err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)
		s.db = db
		s.logger.Info("using PostgreSQL storage", "dsn", maskDSN(cfg.DatabaseURL))

		commitmentStore := settlement.NewPostgresStore(db)
		reserveStore := reserve.NewPostgresStore(db)
		auditLogger := reserve.NewPostgresAuditLogger(db)
		nonceStore := replay.NewPostgresStore(db)
		for name, m := range map[string]interface {
			Migrate(context.Context) error
		}{
			"commitments": commitmentStore,
			"reserves":    reserveStore,
			"audit":       auditLogger,
			"nonces":      nonceStore,
		} {
			if err := m.Migrate(ctx); err != nil {
				return nil, fmt.Errorf("failed to migrate %s: %w", name, err)
			}
		}
		commitments, reserves, audit, nonces = commitmentStore, reserveStore, auditLogger, nonceStore

		s.healthReg.Register("database", func(ctx context.Context) health.Status {
			if err := db.PingContext(ctx); err != nil {
				return health.Status{Name: "database", Healthy: false, Detail: err.Error()}
			}
			return health.Status{Name: "database", Healthy: true}
		})
	} else {
		s.logger.Warn("DATABASE_URL not set, using in-memory storage (replay protection does not survive restarts)")
		commitments = settlement.NewMemoryStore()
		reserves = reserve.NewMemoryStore()
		audit = reserve.NewMemoryAuditLogger()
		nonces = replay.NewMemoryStore()
	}

	// Chain adapters. A live EVM endpoint replaces the ethereum mock; every
	// other chain runs on scripted adapters until its adapter lands.
	if s.registry == nil {
		entries := map[string]chain.Entry{
			"bitcoin":  {Adapter: chainmock.New(), Family: chain.FamilyUTXO},
			"litecoin": {Adapter: chainmock.New(), Family: chain.FamilyUTXO},
			"ethereum": {Adapter: chainmock.New(), Family: chain.FamilyAccount},
			"polygon":  {Adapter: chainmock.New(), Family: chain.FamilyAccount},
			"bsc":      {Adapter: chainmock.New(), Family: chain.FamilyAccount},
			"solana":   {Adapter: chainmock.New(), Family: chain.FamilyEd25519},
		}
		if cfg.EVMRPCURL != "" {
			adapter, err := evm.Dial(cfg.EVMRPCURL, cfg.EVMChainID)
			if err != nil {
				return nil, fmt.Errorf("failed to connect EVM adapter: %w", err)
			}
			s.evmAdapter = adapter
			entries["ethereum"] = chain.Entry{Adapter: adapter, Family: chain.FamilyAccount}
			s.logger.Info("EVM adapter connected", "rpc", cfg.EVMRPCURL, "chain_id", cfg.EVMChainID)
		}
		s.registry = chain.NewRegistry(entries)
	}

	// Core pipeline.
	breaker := circuitbreaker.New(5, 30*time.Second)
	v := verifier.New(s.registry, breaker, s.logger)
	detector := recovery.NewDetector(recovery.DefaultRegistry())
	s.reserves = reserve.New(reserves, audit, s.logger)
	s.guard = replay.NewGuard(nonces, s.registry, s.logger).WithExpiry(cfg.NonceExpiry)

	s.realtimeHub = realtime.NewHub(s.logger)

	s.coordinator = settlement.NewCoordinator(
		commitments, v, detector, recovery.DefaultPolicy(),
		s.reserves, s.guard, settlement.NewLocalSigner(), s.logger,
		settlement.Params{
			MinConfirmations: cfg.MinConfirmations,
			MaxWait:          cfg.LockMaxWait,
			PollInterval:     cfg.LockPollInterval,
		},
	).WithEventSink(realtime.NewCommitmentSink(s.realtimeHub))

	// Optional multi-replica height voting.
	if len(cfg.PeerURLs) > 0 {
		peers := make(map[string]consensus.Peer, len(cfg.PeerURLs))
		for _, peer := range cfg.PeerURLs {
			peers[peer] = newHTTPPeer(peer)
		}
		s.tracker = consensus.NewTracker(cfg.ReplicaID, peers, s.logger).
			WithInterval(cfg.VoteInterval)
		s.coordinator.WithHeightObserver(s.tracker)
		s.logger.Info("finality consensus enabled",
			"replica", cfg.ReplicaID, "peers", len(cfg.PeerURLs))
	}

	s.setupMiddleware()
	s.setupRoutes()

	return s, nil
}

// maskDSN hides password in connection string for logging
func maskDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil {
		return "<unparseable>"
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
			requestID = idgen.New()
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
	s.router.GET("/ws/stats", func(c *gin.Context) {
		c.JSON(http.StatusOK, s.realtimeHub.Stats())
	})

	api := s.router.Group("/api/v1")

	settlementHandler := settlement.NewHandler(s.coordinator, s.reserves, s.guard, reserve.AlertThresholds{
		LowPct:      s.cfg.ReserveLowPct,
		CriticalPct: s.cfg.ReserveCriticalPct,
	})
	settlementHandler.RegisterRoutes(api)

	api.GET("/chains", s.chainsHandler)
	api.GET("/consensus/height", s.consensusHeightHandler)
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

// HealthResponse for health check endpoints
type HealthResponse struct {
	Status     string          `json:"status"`
	Version    string          `json:"version"`
	Timestamp  time.Time       `json:"timestamp"`
	Subsystems []health.Status `json:"subsystems,omitempty"`
}

func (s *Server) healthHandler(c *gin.Context) {
	healthy, statuses := s.healthReg.CheckAll(c.Request.Context())

	resp := HealthResponse{
		Status:     "healthy",
		Version:    "0.1.0",
		Timestamp:  time.Now(),
		Subsystems: statuses,
	}
	code := http.StatusOK
	if !healthy {
		resp.Status = "degraded"
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, resp)
}

func (s *Server) livenessHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "alive"})
}

func (s *Server) readinessHandler(c *gin.Context) {
	if !s.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not ready"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

// chainsHandler lists the registered chain adapters.
func (s *Server) chainsHandler(c *gin.Context) {
	ids := s.registry.Chains()
	chains := make([]gin.H, 0, len(ids))
	for _, id := range ids {
		family, _ := s.registry.FamilyOf(id)
		chains = append(chains, gin.H{"id": id, "family": string(family)})
	}
	c.JSON(http.StatusOK, gin.H{"chains": chains})
}

// consensusHeightHandler reports this replica's view of settlement height.
func (s *Server) consensusHeightHandler(c *gin.Context) {
	if s.tracker == nil {
		c.JSON(http.StatusOK, gin.H{"enabled": false})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"enabled":  true,
		"local":    s.tracker.LocalHeight(),
		"accepted": s.tracker.AcceptedHeight(),
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
			"chains", s.registry.Chains(),
		)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	// Start settlement tasks
	s.coordinator.Start(runCtx)

	// Start realtime hub
	go s.realtimeHub.Run(runCtx)

	// Start consensus vote exchange
	if s.tracker != nil {
		s.tracker.Start(runCtx)
	}

	// Prune expired nonces periodically
	go s.pruneNoncesLoop(runCtx)

	// Stream reserve liquidity alerts to subscribed clients
	go s.reserveAlertsLoop(runCtx)

	// Collect DB pool stats
	if s.db != nil {
		metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
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

// pruneNoncesLoop removes expired nonces on a fixed cadence.
func (s *Server) pruneNoncesLoop(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := s.guard.PruneExpired(ctx); err != nil {
				s.logger.Warn("nonce pruning failed", "error", err)
			} else if n > 0 {
				s.logger.Info("pruned expired nonces", "count", n)
			}
		}
	}
}

// reserveAlertsLoop recomputes liquidity alerts on a fixed cadence and
// pushes new ones to the realtime stream.
func (s *Server) reserveAlertsLoop(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.publishReserveAlerts(ctx)
		}
	}
}

// publishReserveAlerts broadcasts each firing alert once per level: a
// position alerts again only when it escalates (low to critical) or after
// it recovered and dipped again.
func (s *Server) publishReserveAlerts(ctx context.Context) {
	alerts, err := s.reserves.CheckAlerts(ctx, reserve.AlertThresholds{
		LowPct:      s.cfg.ReserveLowPct,
		CriticalPct: s.cfg.ReserveCriticalPct,
	})
	if err != nil {
		s.logger.Warn("reserve alert check failed", "error", err)
		return
	}

	s.alertMu.Lock()
	defer s.alertMu.Unlock()

	current := make(map[string]reserve.AlertLevel, len(alerts))
	for _, a := range alerts {
		key := a.Chain + "/" + a.Asset
		current[key] = a.Level
		if s.alertsSent[key] == a.Level {
			continue
		}
		s.realtimeHub.BroadcastReserveAlert(map[string]interface{}{
			"chain":     a.Chain,
			"asset":     a.Asset,
			"level":     string(a.Level),
			"available": a.Available.String(),
			"initial":   a.Initial.String(),
			"message":   a.Message,
		})
		s.logger.Warn("reserve alert",
			"chain", a.Chain, "asset", a.Asset,
			"level", string(a.Level), "available", a.Available.String())
	}
	s.alertsSent = current
}

// Shutdown gracefully stops the server
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	// Stop accepting new HTTP work first.
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
		}
	}

	// Cancel the context for all background goroutines (hub, vote loop, pruner)
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	// Wait for in-flight settlement tasks; value-moving steps run to completion.
	s.coordinator.Stop()
	s.logger.Info("settlement coordinator stopped")

	if s.tracker != nil {
		s.tracker.Stop()
		s.logger.Info("consensus tracker stopped")
	}

	// Stop rate limiter cleanup goroutine
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
		s.logger.Info("rate limiter stopped")
	}

	// Close EVM RPC connection
	if s.evmAdapter != nil {
		s.evmAdapter.Close()
	}

	// Flush traces
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

// Coordinator exposes the settlement coordinator for testing
func (s *Server) Coordinator() *settlement.Coordinator {
	return s.coordinator
}

// Reserves exposes the reserve ledger for testing
func (s *Server) Reserves() *reserve.Ledger {
	return s.reserves
}
