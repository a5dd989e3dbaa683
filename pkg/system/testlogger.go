package system

import (
	"go.uber.org/zap"
)

// NewTestLogger returns the debug process logger, sugared, so tests log with
// the same encoder and stacktrace settings as a gatekeeper started with --debug.
func NewTestLogger() *zap.SugaredLogger {
	logger, err := NewLogger(true)
	if err != nil {
		return zap.NewNop().Sugar()
	}
	return logger.Sugar()
}
