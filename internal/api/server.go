// Package api exposes the engine, detection core and alert log over HTTP and
// streams bus events to WebSocket clients.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"listing-sniper-bot/config"
	"listing-sniper-bot/internal/bridge"
	"listing-sniper-bot/internal/circuit"
	"listing-sniper-bot/internal/events"
	"listing-sniper-bot/internal/execution"
	"listing-sniper-bot/internal/exitmanager"
	"listing-sniper-bot/internal/listings"
	"listing-sniper-bot/internal/logging"
	"listing-sniper-bot/internal/patterns"
	"listing-sniper-bot/internal/patternstore"
	"listing-sniper-bot/internal/targets"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// Engine is the execution surface the API drives
type Engine interface {
	Stats() execution.Stats
	OpenPositions() []execution.Position
	ClosedPositions(limit int) []execution.Position
	Alerts() *execution.AlertLog
	ClosePosition(ctx context.Context, id string, reason execution.CloseReason) (*execution.Position, error)
	EmergencyCloseAll(ctx context.Context) (closed, failed int)
}

type HistoryStore interface {
	ListHistory(ctx context.Context, limit int) ([]execution.HistoryEntry, error)
}

type Detector interface {
	Analyze(ctx context.Context, req patterns.AnalysisRequest) *patterns.AnalysisResult
	Metrics() patterns.CoreMetrics
}

// SimilarityFinder searches stored patterns resembling a match
type SimilarityFinder interface {
	FindSimilar(ctx context.Context, m patterns.PatternMatch, opts patternstore.SimilarOptions) ([]patternstore.SimilarPattern, error)
}

type SafetyMonitor interface {
	Health() circuit.Health
	GetStats() map[string]interface{}
}

type BridgeStats interface {
	Stats() bridge.Stats
}

type ExitStats interface {
	LastCycle() (exitmanager.CycleResult, int)
}

type ListingStatus interface {
	LastPoll() *listings.PollResult
}

type TargetLister interface {
	List(ctx context.Context, limit int) ([]targets.Target, error)
}

type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Deps wires the server to the running components. Only Engine is required.
type Deps struct {
	Engine      Engine
	History     HistoryStore
	Detector    Detector
	Similar     SimilarityFinder
	Safety      SafetyMonitor
	Bridge      BridgeStats
	Exits       ExitStats
	Listings    ListingStatus
	Targets     TargetLister
	Preferences exitmanager.PreferenceStore
	Database    HealthChecker
	EventBus    *events.EventBus
}

// Server is the HTTP API server
type Server struct {
	router     *gin.Engine
	httpServer *http.Server
	config     config.ServerConfig
	deps       Deps
	hub        *WSHub
	subID      events.SubscriptionID
	limiter    *clientLimiter
	logger     zerolog.Logger
	startedAt  time.Time
}

// NewServer builds the router and starts the WebSocket hub
func NewServer(cfg config.ServerConfig, deps Deps, logger zerolog.Logger) (*Server, error) {
	if deps.Engine == nil {
		return nil, errors.New("api server requires an engine")
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(logging.GinMiddleware(logger))

	corsConfig := cors.DefaultConfig()
	if origins := splitOrigins(cfg.AllowedOrigins); len(origins) == 1 && origins[0] == "*" {
		corsConfig.AllowAllOrigins = true
	} else {
		corsConfig.AllowOrigins = origins
	}
	corsConfig.AllowMethods = []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization", "X-Trace-ID"}
	corsConfig.ExposeHeaders = []string{"Content-Length", "X-Trace-ID"}
	router.Use(cors.New(corsConfig))

	s := &Server{
		router:    router,
		config:    cfg,
		deps:      deps,
		hub:       NewWSHub(logger),
		limiter:   newClientLimiter(rate.Limit(20), 40),
		logger:    logger.With().Str("component", "api").Logger(),
		startedAt: time.Now(),
	}
	go s.hub.Run()

	if deps.EventBus != nil {
		s.subID = deps.EventBus.SubscribeAll(s.hub.BroadcastEvent)
	}

	s.setupRoutes()
	return s, nil
}

func splitOrigins(raw string) []string {
	var origins []string
	for _, o := range strings.Split(raw, ",") {
		if o = strings.TrimSpace(o); o != "" {
			origins = append(origins, o)
		}
	}
	if len(origins) == 0 {
		origins = []string{"http://localhost:5173"}
	}
	return origins
}

func (s *Server) setupRoutes() {
	s.router.GET("/ws", s.handleWebSocket)

	api := s.router.Group("/api")
	api.Use(s.rateLimitMiddleware())
	{
		api.GET("/health", s.handleHealth)
		api.GET("/metrics", s.handleMetrics)

		api.GET("/alerts", s.handleGetAlerts)
		api.POST("/alerts/:id/ack", s.handleAcknowledgeAlert)
		api.DELETE("/alerts", s.handleClearAlerts)

		api.GET("/positions", s.handleGetPositions)
		api.POST("/positions/:id/close", s.handleClosePosition)
		api.POST("/emergency-close", s.handleEmergencyClose)
		api.GET("/history", s.handleGetHistory)

		api.GET("/targets", s.handleGetTargets)
		api.POST("/patterns/analyze", s.handleAnalyze)
		api.POST("/patterns/similar", s.handleSimilar)

		api.GET("/exit-preferences/:owner", s.handleGetPreference)
		api.PUT("/exit-preferences/:owner", s.handleSavePreference)
	}
}

// Handler returns the router, mainly for tests
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start listens until Shutdown is called
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info().Str("addr", addr).Msg("Starting HTTP server")

	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to start server: %w", err)
	}
	return nil
}

// Shutdown stops accepting requests and disconnects WebSocket clients
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info().Msg("Shutting down HTTP server")

	if s.deps.EventBus != nil {
		s.deps.EventBus.Unsubscribe(s.subID)
	}
	s.hub.Close()

	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}

// clientLimiter keeps one token bucket per client IP
type clientLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	limit    rate.Limit
	burst    int
}

func newClientLimiter(limit rate.Limit, burst int) *clientLimiter {
	return &clientLimiter{
		limiters: make(map[string]*rate.Limiter),
		limit:    limit,
		burst:    burst,
	}
}

func (l *clientLimiter) allow(key string) bool {
	l.mu.Lock()
	lim, ok := l.limiters[key]
	if !ok {
		lim = rate.NewLimiter(l.limit, l.burst)
		l.limiters[key] = lim
	}
	l.mu.Unlock()
	return lim.Allow()
}

func (s *Server) rateLimitMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !s.limiter.allow(c.ClientIP()) {
			errorResponse(c, http.StatusTooManyRequests, "rate limit exceeded")
			c.Abort()
			return
		}
		c.Next()
	}
}

// errorResponse is a helper to send error responses
func errorResponse(c *gin.Context, statusCode int, message string) {
	c.JSON(statusCode, gin.H{
		"error":   true,
		"message": message,
	})
}

// successResponse is a helper to send success responses
func successResponse(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"data":    data,
	})
}
