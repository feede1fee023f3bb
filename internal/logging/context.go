package logging

import (
	"context"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

type contextKey string

const (
	traceIDKey contextKey = "trace_id"
)

// GenerateTraceID generates a new trace ID
func GenerateTraceID() string {
	return uuid.NewString()
}

// FromContext retrieves the logger from context
func FromContext(ctx context.Context) zerolog.Logger {
	if l := zerolog.Ctx(ctx); l.GetLevel() != zerolog.Disabled {
		return *l
	}
	return Default()
}

// NewContext creates a new context with the logger
func NewContext(ctx context.Context, l zerolog.Logger) context.Context {
	return l.WithContext(ctx)
}

// WithTraceContext adds a trace ID to the context and returns a logger with it
func WithTraceContext(ctx context.Context, base zerolog.Logger) (context.Context, zerolog.Logger) {
	traceID := GenerateTraceID()
	l := base.With().Str("trace_id", traceID).Logger()
	newCtx := context.WithValue(ctx, traceIDKey, traceID)
	return l.WithContext(newCtx), l
}

// TraceID returns the trace ID stored in ctx, if any
func TraceID(ctx context.Context) string {
	if id, ok := ctx.Value(traceIDKey).(string); ok {
		return id
	}
	return ""
}

// PatternContext creates a logger context for pattern detection
func PatternContext(l zerolog.Logger, symbol, patternType string, confidence float64) zerolog.Logger {
	return l.With().
		Str("symbol", symbol).
		Str("pattern_type", patternType).
		Float64("confidence", confidence).
		Logger()
}

// TradeContext creates a logger context for trade operations
func TradeContext(l zerolog.Logger, symbol, side string, quantity, price float64) zerolog.Logger {
	return l.With().
		Str("symbol", symbol).
		Str("side", side).
		Float64("quantity", quantity).
		Float64("price", price).
		Logger()
}

// PositionContext creates a logger context for position operations
func PositionContext(l zerolog.Logger, positionID, symbol string, entryPrice, quantity float64) zerolog.Logger {
	return l.With().
		Str("position_id", positionID).
		Str("symbol", symbol).
		Float64("entry_price", entryPrice).
		Float64("quantity", quantity).
		Logger()
}

// ExchangeAPIContext creates a logger context for exchange REST calls
func ExchangeAPIContext(l zerolog.Logger, endpoint string, params map[string]string) zerolog.Logger {
	ctx := l.With().Str("endpoint", endpoint)
	for k, v := range params {
		// never log credentials
		if k != "signature" && k != "apiKey" {
			ctx = ctx.Str(k, v)
		}
	}
	return ctx.Logger()
}

// GinMiddleware logs each request with a trace ID and attaches the logger to the request context
func GinMiddleware(base zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		traceID := c.GetHeader("X-Trace-ID")
		if traceID == "" {
			traceID = GenerateTraceID()
		}

		l := base.With().
			Str("component", "http").
			Str("trace_id", traceID).
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Logger()

		ctx := context.WithValue(c.Request.Context(), traceIDKey, traceID)
		c.Request = c.Request.WithContext(l.WithContext(ctx))
		c.Header("X-Trace-ID", traceID)

		c.Next()

		l.Info().
			Int("status_code", c.Writer.Status()).
			Dur("duration", time.Since(start)).
			Msg("Request completed")
	}
}
