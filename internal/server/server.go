// Package server sets up the HTTP server with all routes
package server

import (
	"compress/gzip"
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/mbd888/escrowd/internal/attestation"
	"github.com/mbd888/escrowd/internal/auth"
	"github.com/mbd888/escrowd/internal/config"
	"github.com/mbd888/escrowd/internal/escrow"
	"github.com/mbd888/escrowd/internal/events"
	"github.com/mbd888/escrowd/internal/health"
	"github.com/mbd888/escrowd/internal/httprate"
	"github.com/mbd888/escrowd/internal/ledger"
	"github.com/mbd888/escrowd/internal/logging"
	"github.com/mbd888/escrowd/internal/metrics"
	"github.com/mbd888/escrowd/internal/ratelimit"
	"github.com/mbd888/escrowd/internal/reputation"
	"github.com/mbd888/escrowd/internal/runtime"
	"github.com/mbd888/escrowd/internal/security"
	"github.com/mbd888/escrowd/internal/traces"
	"github.com/mbd888/escrowd/internal/validation"
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wires every subsystem of the escrow service behind a single gin
// router: the escrow state machine, its ledger and reputation dependencies,
// the event hub, API-key auth, and the ambient HTTP middleware stack.
type Server struct {
	cfg *config.Config

	escrowService   *escrow.Service
	escrowTimer     *escrow.Timer
	reputationStore reputation.Store
	authMgr         *auth.Manager
	authHandler     *auth.Handler
	eventHub        *events.Hub
	healthReg       *health.Registry

	rateLimiter *httprate.Limiter

	db     *sql.DB // nil if using in-memory stores
	router *gin.Engine
	httpSrv *http.Server

	logger         *slog.Logger
	cancelRunCtx   context.CancelFunc
	tracerShutdown func(context.Context) error

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

// New creates a new server instance, wiring its subsystems against Postgres
// if cfg.DatabaseURL is set, or against in-memory stores otherwise.
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, "json"),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.healthy.Store(true)

	signedVerifier, err := loadSignedVerifier(cfg.OracleVerifierID)
	if err != nil {
		return nil, fmt.Errorf("load oracle verifier: %w", err)
	}
	quorumVerifier := attestation.NewQuorumVerifier(cfg.QuorumFeedOwner, cfg.AttestationFreshness)

	bounds := escrow.Bounds{
		MinAmount:             cfg.MinAmount,
		MaxAmount:             cfg.MaxAmount,
		MinTimeLock:           cfg.MinTimeLock,
		MaxTimeLock:           cfg.MaxTimeLock,
		StorageReserveMinimum: cfg.StorageReserveMinimum,
	}

	var addressHashKey []byte
	if cfg.AddressHashKey != "" {
		addressHashKey = []byte(cfg.AddressHashKey)
	}

	s.healthReg = health.NewRegistry()
	s.eventHub = events.NewHub(s.logger)

	if cfg.DatabaseURL != "" {
		dsn := appendDSNParams(cfg.DatabaseURL, cfg.DBConnectTimeout, cfg.DBStatementTimeout)
		db, err := sql.Open("postgres", dsn)
		if err != nil {
			return nil, fmt.Errorf("open database: %w", err)
		}
		db.SetMaxOpenConns(cfg.DBMaxOpenConns)
		db.SetMaxIdleConns(cfg.DBMaxIdleConns)
		db.SetConnMaxLifetime(cfg.DBConnMaxLifetime)
		db.SetConnMaxIdleTime(cfg.DBConnMaxIdleTime)

		pingCtx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.DBConnectTimeout)*time.Second)
		defer cancel()
		if err := db.PingContext(pingCtx); err != nil {
			return nil, fmt.Errorf("ping database (%s): %w", maskDSN(dsn), err)
		}
		s.db = db
		s.logger.Info("connected to postgres", "dsn", maskDSN(dsn))

		authStore := auth.NewPostgresStore(db)
		migrateCtx, migrateCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer migrateCancel()
		if err := authStore.Migrate(migrateCtx); err != nil {
			return nil, fmt.Errorf("migrate auth store: %w", err)
		}
		s.authMgr = auth.NewManager(authStore)

		eventStore := events.NewPostgresStore(db)
		ledgerStore := ledger.NewPostgresStore(db)
		reputationStore := reputation.NewPostgresStore(db)
		escrowStore := escrow.NewPostgresStore(db)
		s.reputationStore = reputationStore

		s.escrowService = escrow.NewService(escrow.Deps{
			Store:          escrowStore,
			Ledger:         ledgerStore,
			RateLimits:     ratelimit.NewMemoryStore(), // rate-limit windows are process-local by design
			Reputation:     reputationStore,
			Events:         eventStore,
			Hub:            s.eventHub,
			Engine:         runtime.NewEngine(),
			Bounds:         bounds,
			ProgramID:      cfg.ProgramID,
			AddressHashKey: addressHashKey,
			SignedVerifier: signedVerifier,
			QuorumVerifier: quorumVerifier,
			Logger:         s.logger,
		})

		s.healthReg.Register("database", func(ctx context.Context) health.Status {
			pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
			defer cancel()
			if err := db.PingContext(pingCtx); err != nil {
				return health.Status{Name: "database", Healthy: false, Detail: err.Error()}
			}
			return health.Status{Name: "database", Healthy: true}
		})
	} else {
		s.logger.Warn("DATABASE_URL not set, using in-memory stores (state does not survive restart)")

		s.authMgr = auth.NewManager(auth.NewMemoryStore())

		repStore := reputation.NewMemoryStore()
		s.reputationStore = repStore

		s.escrowService = escrow.NewService(escrow.Deps{
			Store:          escrow.NewMemoryStore(),
			Ledger:         ledger.NewMemoryStore(),
			RateLimits:     ratelimit.NewMemoryStore(),
			Reputation:     repStore,
			Events:         events.NewMemoryStore(),
			Hub:            s.eventHub,
			Engine:         runtime.NewEngine(),
			Bounds:         bounds,
			ProgramID:      cfg.ProgramID,
			AddressHashKey: addressHashKey,
			SignedVerifier: signedVerifier,
			QuorumVerifier: quorumVerifier,
			Logger:         s.logger,
		})
	}

	s.escrowTimer = escrow.NewTimer(s.escrowService, s.logger)
	s.authHandler = auth.NewHandler(s.authMgr)

	tracerShutdown, err := traces.Init(context.Background(), cfg.OTLPEndpoint, s.logger)
	if err != nil {
		return nil, fmt.Errorf("init tracing: %w", err)
	}
	s.tracerShutdown = tracerShutdown

	s.healthReg.Register("escrow_timer", func(ctx context.Context) health.Status {
		return health.Status{Name: "escrow_timer", Healthy: s.escrowTimer.Running() || !s.ready.Load()}
	})

	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	return s, nil
}

// loadSignedVerifier parses a hex-encoded Ed25519 public key into a
// SignedVerifier. An empty key yields a verifier that rejects every
// signed-resolve call, which is the correct default until one is configured.
func loadSignedVerifier(hexKey string) (*attestation.SignedVerifier, error) {
	if hexKey == "" {
		return &attestation.SignedVerifier{}, nil
	}
	return attestation.NewSignedVerifier(hexKey)
}

func maskDSN(dsn string) string {
	if i := strings.Index(dsn, "@"); i != -1 {
		if j := strings.LastIndex(dsn[:i], "//"); j != -1 {
			return dsn[:j+2] + "***" + dsn[i:]
		}
	}
	return dsn
}

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
	s.router.Use(security.CORSMiddleware([]string{"*"}))
	s.router.Use(gzipMiddleware())
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	s.rateLimiter = httprate.New(httprate.Config{
		RequestsPerMinute: s.cfg.RateLimitRPM,
		BurstSize:         10,
		CleanupInterval:   time.Minute,
	})
	s.router.Use(s.rateLimiter.Middleware())

	s.router.Use(metrics.Middleware())
	s.router.Use(s.requestIDMiddleware())
	s.router.Use(s.loggingMiddleware())
	s.router.Use(auth.Middleware(s.authMgr))
	s.router.Use(s.timeoutMiddleware())
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
			logger.Error("request completed", "method", c.Request.Method, "path", path, "status", status, "latency_ms", latency.Milliseconds())
		case status >= 400:
			logger.Warn("request completed", "method", c.Request.Method, "path", path, "status", status, "latency_ms", latency.Milliseconds())
		default:
			logger.Info("request completed", "method", c.Request.Method, "path", path, "status", status, "latency_ms", latency.Milliseconds())
		}
	}
}

// -----------------------------------------------------------------------------
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes() {
	s.router.GET("/healthz", s.healthHandler)
	s.router.GET("/livez", s.livenessHandler)
	s.router.GET("/readyz", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())
	s.router.GET("/", s.infoHandler)
	s.router.GET("/docs", s.docsRedirectHandler)
	s.router.GET("/v1/stream", func(c *gin.Context) { s.eventHub.HandleWebSocket(c.Writer, c.Request) })

	escrowHandler := escrow.NewHandler(s.escrowService)
	reputationHandler := reputation.NewHandler(s.reputationStore)

	v1 := s.router.Group("/v1")
	{
		v1.GET("/auth/info", s.authHandler.Info)

		escrowHandler.RegisterRoutes(v1)
		reputationHandler.RegisterRoutes(v1)

		protected := v1.Group("")
		protected.Use(auth.RequireAuth(s.authMgr))
		{
			escrowHandler.RegisterProtectedRoutes(protected)
			protected.GET("/auth/me", s.authHandler.GetCurrentAgent)
			protected.GET("/auth/keys", s.authHandler.ListKeys)
			protected.POST("/auth/keys", s.authHandler.CreateKey)
			protected.POST("/auth/keys/:keyId/revoke", s.authHandler.RevokeKey)
			protected.POST("/auth/keys/:keyId/regenerate", s.authHandler.RegenerateKey)
		}
	}
}

// -----------------------------------------------------------------------------
// Health
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
		"version":   "0.1.0",
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

	healthy, statuses := s.healthReg.CheckAll(c.Request.Context())
	status := "ready"
	httpStatus := http.StatusOK
	if !healthy {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}
	c.JSON(httpStatus, gin.H{"status": status, "checks": statuses})
}

func (s *Server) docsRedirectHandler(c *gin.Context) {
	c.Redirect(http.StatusTemporaryRedirect, "https://github.com/mbd888/escrowd")
}

func (s *Server) infoHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"name":        "escrowd",
		"description": "Quality-graded payment escrow for AI agent services",
		"version":     "0.1.0",
		"programId":   s.cfg.ProgramID,
	})
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

func (s *Server) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       s.cfg.HTTPReadTimeout,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      s.cfg.HTTPWriteTimeout,
		IdleTimeout:       s.cfg.HTTPIdleTimeout,
	}

	errChan := make(chan error, 1)

	go func() {
		s.logger.Info("starting server", "port", s.cfg.Port, "programId", s.cfg.ProgramID)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	go s.eventHub.Run(runCtx)
	go s.escrowTimer.Start(runCtx)

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

	time.Sleep(5 * time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.httpSrv.Shutdown(ctx); err != nil {
		s.logger.Error("shutdown error", "error", err)
		return err
	}

	s.escrowTimer.Stop()
	s.logger.Info("escrow timer stopped")

	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
		s.logger.Info("rate limiter stopped")
	}

	if s.tracerShutdown != nil {
		if err := s.tracerShutdown(ctx); err != nil {
			s.logger.Error("tracer shutdown error", "error", err)
		} else {
			s.logger.Info("tracer shutdown complete")
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

// appendDSNParams adds connect_timeout and statement_timeout to a PostgreSQL DSN.
func appendDSNParams(dsn string, connectTimeout, statementTimeout int) string {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		sep := "?"
		if strings.Contains(dsn, "?") {
			sep = "&"
		}
		return fmt.Sprintf("%s%sconnect_timeout=%d&statement_timeout=%d", dsn, sep, connectTimeout, statementTimeout)
	}
	return fmt.Sprintf("%s connect_timeout=%d statement_timeout=%d", dsn, connectTimeout, statementTimeout)
}

func (s *Server) timeoutMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.GetHeader("Upgrade") == "websocket" {
			c.Next()
			return
		}
		ctx, cancel := context.WithTimeout(c.Request.Context(), s.cfg.RequestTimeout)
		defer cancel()
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

type gzipWriter struct {
	gin.ResponseWriter
	writer *gzip.Writer
}

func (w *gzipWriter) Write(data []byte) (int, error) {
	return w.writer.Write(data)
}

func (w *gzipWriter) WriteString(s string) (int, error) {
	return w.writer.Write([]byte(s))
}

func gzipMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !strings.Contains(c.GetHeader("Accept-Encoding"), "gzip") || c.GetHeader("Upgrade") == "websocket" {
			c.Next()
			return
		}
		gz, err := gzip.NewWriterLevel(c.Writer, gzip.DefaultCompression)
		if err != nil {
			c.Next()
			return
		}
		c.Header("Content-Encoding", "gzip")
		c.Header("Vary", "Accept-Encoding")
		c.Writer = &gzipWriter{ResponseWriter: c.Writer, writer: gz}
		defer func() {
			if err := gz.Close(); err != nil {
				_ = c.Error(err)
			}
			c.Header("Content-Length", "")
		}()
		c.Next()
	}
}

func generateRequestID() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(b)
}
