// SPDX-FileCopyrightText: 2025 Deutsche Telekom AG
//
// SPDX-License-Identifier: Apache-2.0

package system

import (
	"fmt"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// ReqLoggerKey is the context key used to store request-scoped logger in gin context.
const ReqLoggerKey = "reqLogger"

// NewLogger builds the process logger. Debug selects the development config.
// Stacktraces are disabled for non-fatal levels and timestamps are RFC 3339 UTC.
func NewLogger(debug bool) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	if debug {
		cfg = zap.NewDevelopmentConfig()
	}
	cfg.DisableStacktrace = true
	cfg.EncoderConfig.EncodeTime = func(t time.Time, enc zapcore.PrimitiveArrayEncoder) {
		enc.AppendString(t.UTC().Format(time.RFC3339))
	}
	cfg.EncoderConfig.TimeKey = "ts"
	logger, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to set up logger: %w", err)
	}
	return logger, nil
}

// GetReqLogger returns the request-scoped sugared logger from gin.Context if present,
// otherwise returns the fallback.
func GetReqLogger(c *gin.Context, fallback *zap.SugaredLogger) *zap.SugaredLogger {
	if c == nil {
		return fallback
	}
	if v, ok := c.Get(ReqLoggerKey); ok {
		if l, ok2 := v.(*zap.SugaredLogger); ok2 {
			return l
		}
	}
	return fallback
}

// EnrichReqLogger annotates a logger with the request identity fields.
// Empty values are omitted.
func EnrichReqLogger(logger *zap.SugaredLogger, requestID, tier, ip string) *zap.SugaredLogger {
	if logger == nil {
		return nil
	}
	fields := make([]interface{}, 0, 6)
	if requestID != "" {
		fields = append(fields, "requestId", requestID)
	}
	if tier != "" {
		fields = append(fields, "tier", tier)
	}
	if ip != "" {
		fields = append(fields, "ip", ip)
	}
	if len(fields) == 0 {
		return logger
	}
	return logger.With(fields...)
}
