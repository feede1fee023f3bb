package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"listing-sniper-bot/internal/circuit"
	"listing-sniper-bot/internal/execution"
	"listing-sniper-bot/internal/exitmanager"
	"listing-sniper-bot/internal/patterns"
	"listing-sniper-bot/internal/patternstore"

	"github.com/gin-gonic/gin"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

func queryLimit(c *gin.Context) int {
	n, err := strconv.Atoi(c.Query("limit"))
	if err != nil || n <= 0 {
		return defaultListLimit
	}
	if n > maxListLimit {
		return maxListLimit
	}
	return n
}

// handleHealth reports engine, safety and database status
func (s *Server) handleHealth(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	status := "healthy"
	code := http.StatusOK

	dbStatus := "disabled"
	if s.deps.Database != nil {
		dbStatus = "healthy"
		if err := s.deps.Database.HealthCheck(ctx); err != nil {
			dbStatus = "unhealthy"
			status = "unhealthy"
			code = http.StatusServiceUnavailable
		}
	}

	safety := circuit.HealthNormal
	if s.deps.Safety != nil {
		safety = s.deps.Safety.Health()
		if safety != circuit.HealthNormal && status == "healthy" {
			status = "degraded"
		}
	}

	c.JSON(code, gin.H{
		"status":            status,
		"engine_state":      s.deps.Engine.Stats().State,
		"safety":            safety,
		"database":          dbStatus,
		"websocket_clients": s.hub.GetClientCount(),
		"uptime":            time.Since(s.startedAt).Round(time.Second).String(),
		"timestamp":         time.Now().UTC(),
	})
}

// handleMetrics aggregates counters from every wired component
func (s *Server) handleMetrics(c *gin.Context) {
	metrics := gin.H{
		"engine": s.deps.Engine.Stats(),
	}
	if s.deps.Detector != nil {
		metrics["detection"] = s.deps.Detector.Metrics()
	}
	if s.deps.Bridge != nil {
		metrics["bridge"] = s.deps.Bridge.Stats()
	}
	if s.deps.Safety != nil {
		metrics["safety"] = s.deps.Safety.GetStats()
	}
	if s.deps.Exits != nil {
		last, cycles := s.deps.Exits.LastCycle()
		metrics["exit_manager"] = gin.H{"cycles": cycles, "last_cycle": last}
	}
	if s.deps.Listings != nil {
		metrics["listings"] = s.deps.Listings.LastPoll()
	}
	successResponse(c, metrics)
}

func (s *Server) handleGetAlerts(c *gin.Context) {
	unacked := c.Query("unacknowledged") == "true"
	successResponse(c, s.deps.Engine.Alerts().List(unacked))
}

func (s *Server) handleAcknowledgeAlert(c *gin.Context) {
	if err := s.deps.Engine.Alerts().Acknowledge(c.Param("id")); err != nil {
		if errors.Is(err, execution.ErrAlertNotFound) {
			errorResponse(c, http.StatusNotFound, err.Error())
			return
		}
		errorResponse(c, http.StatusInternalServerError, err.Error())
		return
	}
	successResponse(c, gin.H{"id": c.Param("id"), "acknowledged": true})
}

func (s *Server) handleClearAlerts(c *gin.Context) {
	s.deps.Engine.Alerts().Clear()
	successResponse(c, gin.H{"cleared": true})
}

// handleGetPositions lists open positions, or closed ones with ?status=closed
func (s *Server) handleGetPositions(c *gin.Context) {
	switch c.DefaultQuery("status", "open") {
	case "open":
		successResponse(c, s.deps.Engine.OpenPositions())
	case "closed":
		successResponse(c, s.deps.Engine.ClosedPositions(queryLimit(c)))
	default:
		errorResponse(c, http.StatusBadRequest, "status must be open or closed")
	}
}

func (s *Server) handleClosePosition(c *gin.Context) {
	pos, err := s.deps.Engine.ClosePosition(c.Request.Context(), c.Param("id"), execution.ReasonManual)
	if err != nil {
		switch {
		case errors.Is(err, execution.ErrPositionNotFound):
			errorResponse(c, http.StatusNotFound, err.Error())
		case errors.Is(err, execution.ErrPositionClosed):
			errorResponse(c, http.StatusConflict, err.Error())
		default:
			errorResponse(c, http.StatusBadGateway, err.Error())
		}
		return
	}
	successResponse(c, pos)
}

func (s *Server) handleEmergencyClose(c *gin.Context) {
	closed, failed := s.deps.Engine.EmergencyCloseAll(c.Request.Context())
	s.logger.Warn().Int("closed", closed).Int("failed", failed).Msg("Emergency close requested over API")
	successResponse(c, gin.H{"closed": closed, "failed": failed})
}

func (s *Server) handleGetHistory(c *gin.Context) {
	if s.deps.History == nil {
		errorResponse(c, http.StatusServiceUnavailable, "execution history unavailable")
		return
	}
	history, err := s.deps.History.ListHistory(c.Request.Context(), queryLimit(c))
	if err != nil {
		errorResponse(c, http.StatusInternalServerError, err.Error())
		return
	}
	successResponse(c, history)
}

func (s *Server) handleGetTargets(c *gin.Context) {
	if s.deps.Targets == nil {
		errorResponse(c, http.StatusServiceUnavailable, "targets unavailable")
		return
	}
	list, err := s.deps.Targets.List(c.Request.Context(), queryLimit(c))
	if err != nil {
		errorResponse(c, http.StatusInternalServerError, err.Error())
		return
	}
	successResponse(c, list)
}

// handleAnalyze runs one detection pass over the posted symbols and calendar
func (s *Server) handleAnalyze(c *gin.Context) {
	if s.deps.Detector == nil {
		errorResponse(c, http.StatusServiceUnavailable, "detection unavailable")
		return
	}

	var req patterns.AnalysisRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errorResponse(c, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if len(req.Symbols) == 0 && len(req.Calendar) == 0 {
		errorResponse(c, http.StatusBadRequest, "symbols or calendar required")
		return
	}
	if req.ConfidenceThreshold != nil && (*req.ConfidenceThreshold < 0 || *req.ConfidenceThreshold > 100) {
		errorResponse(c, http.StatusBadRequest, "confidence_threshold must be between 0 and 100")
		return
	}
	if req.Source == "" {
		req.Source = "api"
	}

	successResponse(c, s.deps.Detector.Analyze(c.Request.Context(), req))
}

const maxSimilarLimit = 100

type similarRequest struct {
	Pattern      patterns.PatternMatch `json:"pattern"`
	Threshold    float64               `json:"threshold"`
	Limit        int                   `json:"limit"`
	SameTypeOnly bool                  `json:"same_type_only"`
}

// handleSimilar returns stored patterns resembling the posted one, best first
func (s *Server) handleSimilar(c *gin.Context) {
	if s.deps.Similar == nil {
		errorResponse(c, http.StatusServiceUnavailable, "pattern storage unavailable")
		return
	}

	var req similarRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errorResponse(c, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.Pattern.Symbol == "" || req.Pattern.PatternType == "" {
		errorResponse(c, http.StatusBadRequest, "pattern symbol and pattern_type required")
		return
	}
	if req.Threshold < 0 || req.Threshold > 1 {
		errorResponse(c, http.StatusBadRequest, "threshold must be between 0 and 1")
		return
	}
	if req.Limit < 0 || req.Limit > maxSimilarLimit {
		errorResponse(c, http.StatusBadRequest, "limit must be between 0 and 100")
		return
	}

	matches, err := s.deps.Similar.FindSimilar(c.Request.Context(), req.Pattern, patternstore.SimilarOptions{
		Threshold:    req.Threshold,
		Limit:        req.Limit,
		SameTypeOnly: req.SameTypeOnly,
	})
	if err != nil {
		errorResponse(c, http.StatusInternalServerError, err.Error())
		return
	}
	successResponse(c, gin.H{"matches": matches, "count": len(matches)})
}

func (s *Server) handleGetPreference(c *gin.Context) {
	if s.deps.Preferences == nil {
		errorResponse(c, http.StatusServiceUnavailable, "exit preferences unavailable")
		return
	}
	pref, err := s.deps.Preferences.GetPreference(c.Request.Context(), c.Param("owner"))
	if err != nil {
		if errors.Is(err, exitmanager.ErrPreferenceNotFound) {
			errorResponse(c, http.StatusNotFound, err.Error())
			return
		}
		errorResponse(c, http.StatusInternalServerError, err.Error())
		return
	}
	successResponse(c, pref)
}

func (s *Server) handleSavePreference(c *gin.Context) {
	if s.deps.Preferences == nil {
		errorResponse(c, http.StatusServiceUnavailable, "exit preferences unavailable")
		return
	}

	var pref exitmanager.Preference
	if err := c.ShouldBindJSON(&pref); err != nil {
		errorResponse(c, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	pref.Owner = c.Param("owner")
	if err := pref.Validate(); err != nil {
		errorResponse(c, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.deps.Preferences.SavePreference(c.Request.Context(), pref); err != nil {
		errorResponse(c, http.StatusInternalServerError, err.Error())
		return
	}
	successResponse(c, pref)
}
