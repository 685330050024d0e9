// Package server sets up the HTTP server and composes the escrow engine.
package server

import (
	"context"
	"database/sql"
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

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // PostgreSQL driver
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/mbd888/middleman/internal/auth"
	"github.com/mbd888/middleman/internal/chain"
	"github.com/mbd888/middleman/internal/config"
	"github.com/mbd888/middleman/internal/coordinator"
	"github.com/mbd888/middleman/internal/deal"
	"github.com/mbd888/middleman/internal/detector"
	"github.com/mbd888/middleman/internal/executor"
	"github.com/mbd888/middleman/internal/health"
	"github.com/mbd888/middleman/internal/idgen"
	"github.com/mbd888/middleman/internal/logging"
	"github.com/mbd888/middleman/internal/metrics"
	"github.com/mbd888/middleman/internal/operators"
	"github.com/mbd888/middleman/internal/ratelimit"
	"github.com/mbd888/middleman/internal/realtime"
	"github.com/mbd888/middleman/internal/rooms"
	"github.com/mbd888/middleman/internal/security"
	"github.com/mbd888/middleman/internal/traces"
	"github.com/mbd888/middleman/internal/validation"
)

// Version is reported by the health endpoint and tracing resource.
var Version = "dev"

// cursorName keys the detector's scan cursor row.
const cursorName = "deposits"

// Ledger is the chain client as the server wires it: the detector and the
// executor share one connection.
type Ledger interface {
	detector.Ledger
	executor.Ledger
	Close()
}

var _ Ledger = (*chain.Client)(nil)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg          *config.Config
	ledger       Ledger
	tokens       *chain.Registry
	coordinator  *coordinator.Coordinator
	operators    *operators.Registry
	realtimeHub  *realtime.Hub
	health       *health.Registry
	rateLimiter  *ratelimit.Limiter
	intake       auth.Secret
	db           *sql.DB // nil if using in-memory
	router       *gin.Engine
	httpSrv      *http.Server
	logger       *slog.Logger
	cancelRunCtx context.CancelFunc // cancels background goroutines started in Run
	stopTracing  func(context.Context) error

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

// WithLedger sets the chain client (for testing)
func WithLedger(l Ledger) Option {
	return func(s *Server) {
		s.ledger = l
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, cfg.LogFormat),
		intake: auth.NewSecret(cfg.IntakeSecret),
	}

	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	stop, err := traces.Init(ctx, cfg.OTLPEndpoint, Version, s.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to init tracing: %w", err)
	}
	s.stopTracing = stop

	if s.ledger == nil {
		client, err := chain.New(chain.Config{
			RPCURL:      cfg.RPCURL,
			PrivateKey:  cfg.PrivateKey,
			ChainID:     cfg.ChainID,
			ExplorerURL: cfg.ExplorerURL,
			GasLimit:    uint64(cfg.GasLimit),
		})
		if err != nil {
			return nil, fmt.Errorf("failed to connect to ledger: %w", err)
		}
		s.ledger = client
	}

	custodial := s.ledger.Address()
	if cfg.WalletAddress != "" && !strings.EqualFold(common.HexToAddress(cfg.WalletAddress).Hex(), custodial.Hex()) {
		return nil, fmt.Errorf("ADMIN_WALLET_ADDRESS %s does not match the private key (%s)", cfg.WalletAddress, custodial.Hex())
	}

	s.tokens = chain.NewRegistryFromHex(map[string]string{
		"USDT": cfg.USDTContract,
		"USDC": cfg.USDCContract,
	})

	det := detector.New(s.ledger, s.tokens, detector.Config{
		Custodial:     custodial,
		Confirmations: uint64(cfg.ConfirmationBlocks),
		Lookback:      uint64(cfg.LookbackBlocks),
		MaxBlockRange: uint64(cfg.MaxBlockRange),
	}, s.logger)

	minGas, err := chain.ParseUnits(cfg.MinGasBalance, executor.NativeDecimals)
	if err != nil {
		return nil, fmt.Errorf("MIN_GAS_BALANCE: %w", err)
	}
	exec := executor.New(s.ledger, s.tokens, executor.Config{
		MaxGasPrice:    executor.GweiToWei(cfg.MaxGasPriceGwei),
		MinGasBalance:  minGas,
		ConfirmTimeout: cfg.ConfirmTimeout,
	}, s.logger)

	// Storage: Postgres if DATABASE_URL set, otherwise in-memory
	var (
		deals     deal.Store
		operStore operators.Store
	)
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
		deals = deal.NewPostgresStore(db)
		operStore = operators.NewPostgresStore(db)
		det.WithProcessedSet(detector.NewPostgresProcessedSet(db)).
			WithCursorStore(detector.NewPostgresCursorStore(db, cursorName))
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))
	} else {
		deals = deal.NewMemoryStore()
		operStore = operators.NewMemoryStore()
		s.logger.Warn("using in-memory storage, deals are lost on restart")
	}

	s.operators = operators.NewRegistry(cfg.OwnerID, operStore, s.logger)
	s.realtimeHub = realtime.NewHub(s.logger)

	s.coordinator = coordinator.New(deals, det, exec, s.tokens, coordinator.Config{
		Custodial:    custodial.Hex(),
		PollInterval: cfg.PollingInterval,
		Fee:          deal.DiscountPolicy(cfg.DefaultFee, cfg.ZeroFeeMarker),
	}, s.logger).
		WithAuthorizer(s.operators).
		WithRooms(rooms.NewPool(cfg.RoomPool)).
		WithNotifier(s.realtimeHub)

	s.health = health.NewRegistry()
	s.health.Register("ledger", health.Ledger(s.ledger))
	if s.db != nil {
		s.health.Register("database", health.Database(s.db))
	}
	s.health.Register("detection", health.DetectionLoop(s.coordinator))

	if !s.intake.Configured() {
		s.logger.Warn("INTAKE_SECRET not set, command routes are open")
	}

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)

	s.logger.Info("escrow engine configured",
		"custodial", custodial.Hex(),
		"assets", s.tokens.Symbols(),
		"rooms", len(cfg.RoomPool),
		"confirmations", cfg.ConfirmationBlocks,
	)
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
	s.router.Use(security.CORSMiddleware(nil))
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	// The chat intake is one trusted client; everyone else is limited per IP.
	s.rateLimiter = ratelimit.New(ratelimit.DefaultConfig()).WithExempt(s.intake.Authenticates)
	s.router.Use(s.rateLimiter.Middleware())

	s.router.Use(metrics.Middleware())
	s.router.Use(s.requestIDMiddleware())
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = idgen.New()
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

	requireIntake := auth.RequireSecret(s.intake)

	// The stream carries confirmation tokens, so it sits behind the secret.
	s.router.GET("/ws", requireIntake, func(c *gin.Context) {
		s.realtimeHub.HandleWebSocket(c.Writer, c.Request)
	})

	v1 := s.router.Group("/v1")

	dealHandler := coordinator.NewHandler(s.coordinator)
	dealHandler.RegisterRoutes(v1)

	protected := v1.Group("")
	protected.Use(requireIntake)
	dealHandler.RegisterProtectedRoutes(protected)
	operators.NewHandler(s.operators).RegisterRoutes(protected)
	protected.GET("/stream/stats", func(c *gin.Context) {
		c.JSON(http.StatusOK, s.realtimeHub.Stats())
	})
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
	healthy, checks := s.health.CheckAll(c.Request.Context())

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

// Start restores persisted deals and launches the background loops: the
// realtime hub, payment detection and DB stats. It does not serve HTTP.
func (s *Server) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	go s.realtimeHub.Run(runCtx)

	if err := s.coordinator.Restore(runCtx); err != nil {
		cancel()
		return fmt.Errorf("restore deals: %w", err)
	}
	go s.coordinator.Run(runCtx)

	if s.db != nil {
		go metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
	}

	s.ready.Store(true)
	s.logger.Info("server ready")
	return nil
}

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           otelhttp.NewHandler(s.router, "middleman.http"),
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errChan := make(chan error, 1)
	go func() {
		s.logger.Info("starting server",
			"port", s.cfg.Port,
			"wallet", s.ledger.Address().Hex(),
		)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	if err := s.Start(ctx); err != nil {
		_ = s.httpSrv.Close()
		return err
	}

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

	// Stop detection first so no deal is funded while the listener drains.
	s.coordinator.Stop()

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

	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}

	if s.stopTracing != nil {
		if err := s.stopTracing(ctx); err != nil {
			s.logger.Error("tracing shutdown error", "error", err)
		}
	}

	s.ledger.Close()

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

// Coordinator returns the escrow engine for testing
func (s *Server) Coordinator() *coordinator.Coordinator {
	return s.coordinator
}
